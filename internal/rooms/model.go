package rooms

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidPseudonym indicates that a member pseudonym is empty or exceeds storage bounds.
	ErrInvalidPseudonym = errors.New("rooms: invalid pseudonym")
	// ErrInvalidRoomName indicates that a room name is empty or exceeds storage bounds.
	ErrInvalidRoomName = errors.New("rooms: invalid room name")
)

// Pseudonym represents a validated anonymous member identifier.
type Pseudonym string

// NewPseudonym validates raw input and returns a Pseudonym.
func NewPseudonym(rawInput string) (Pseudonym, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPseudonym)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPseudonym, maxIdentifierLength)
	}
	return Pseudonym(trimmed), nil
}

// String returns the underlying pseudonym.
func (p Pseudonym) String() string {
	return string(p)
}

// RoomName represents a validated room name.
type RoomName string

// NewRoomName validates raw input and returns a RoomName.
func NewRoomName(rawInput string) (RoomName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRoomName)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRoomName, maxIdentifierLength)
	}
	return RoomName(trimmed), nil
}

// String returns the underlying name.
func (n RoomName) String() string {
	return string(n)
}

// Room models a support room. MemberCount caches the roster cardinality and
// is only ever written in the same transaction as the roster mutation that
// changed it.
type Room struct {
	ID                string     `gorm:"column:id;primaryKey;size:36;not null"`
	Name              string     `gorm:"column:name;size:190;not null;uniqueIndex:idx_rooms_name"`
	CreatedBy         string     `gorm:"column:created_by;size:190;not null"`
	MemberCount       int        `gorm:"column:member_count;not null;default:0"`
	Status            RoomStatus `gorm:"column:status;size:16;not null"`
	ActivityScore     int        `gorm:"column:activity_score;not null;default:0"`
	LastActivityCheck *time.Time `gorm:"column:last_activity_check"`
	IsLocked          bool       `gorm:"column:is_locked;not null;default:false"`
	LockReason        string     `gorm:"column:lock_reason;size:512;not null;default:''"`
	CreatedAt         time.Time  `gorm:"column:created_at;not null"`
	DeletedAt         *time.Time `gorm:"column:deleted_at;index"`
}

// TableName provides the explicit table binding for GORM.
func (Room) TableName() string {
	return "rooms"
}

// Membership models the relation between a pseudonym and a room. One row per
// (room, pseudonym); the founder row is created atomically with the room.
type Membership struct {
	RoomID      string     `gorm:"column:room_id;primaryKey;size:36;not null"`
	UserPseudo  string     `gorm:"column:user_pseudo;primaryKey;size:190;not null;index:idx_members_pseudo"`
	JoinedAt    time.Time  `gorm:"column:joined_at;not null"`
	IsFounder   bool       `gorm:"column:is_founder;not null;default:false"`
	IsModerator bool       `gorm:"column:is_moderator;not null;default:false"`
	LastPostAt  *time.Time `gorm:"column:last_post_at"`
	LastViewAt  *time.Time `gorm:"column:last_view_at"`
	PostCount   int64      `gorm:"column:post_count;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "room_members"
}
