package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/havenworks/haven/internal/notify"
	"github.com/havenworks/haven/internal/txutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrInsufficientMembers indicates a creation attempt below the founding minimum.
	ErrInsufficientMembers = errors.New("rooms: insufficient founding members")
	// ErrAlreadyMember indicates the pseudonym already holds a membership row.
	ErrAlreadyMember = errors.New("rooms: already a member")
	// ErrNotMember indicates no membership row exists for the pseudonym.
	ErrNotMember = errors.New("rooms: not a member")
	// ErrRoomNotFound indicates the room does not exist or is soft-deleted.
	ErrRoomNotFound = errors.New("rooms: room not found")
	// ErrRoomLocked indicates the room is closed to new members and posts.
	ErrRoomLocked = errors.New("rooms: room is locked")
	// ErrNameTaken indicates the room name is already reserved, live or deleted.
	ErrNameTaken = errors.New("rooms: room name already taken")
)

// ServiceError carries a dotted operation code alongside the wrapped cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code exposes the dotted operation code for transport mapping.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opRegistryNew   = "rooms.registry.new"
	opCreate        = "rooms.create"
	opAddMember     = "rooms.add_member"
	opRemoveMember  = "rooms.remove_member"
	opLockRoom      = "rooms.lock"
	opUnlockRoom    = "rooms.unlock"
	opCheckActivity = "rooms.check_activity"
	opMembers       = "rooms.members"
	opUserRooms     = "rooms.user_rooms"
	opReconcile     = "rooms.reconcile"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Policy bundles the membership and activity thresholds governing room
// lifecycle decisions.
type Policy struct {
	// MinFounders is the minimum roster size for a room to exist.
	MinFounders int
	// ActivationThreshold is the roster size at which a room turns active.
	ActivationThreshold int
	// ActivityWindow bounds how far back CheckActivity looks for posters.
	ActivityWindow time.Duration
	// MinDistinctPosters is the activity score that meets the requirement.
	MinDistinctPosters int
}

// DefaultPolicy returns the production thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MinFounders:         6,
		ActivationThreshold: 10,
		ActivityWindow:      72 * time.Hour,
		MinDistinctPosters:  4,
	}
}

func (p Policy) validate() error {
	if p.MinFounders < 1 {
		return fmt.Errorf("min founders must be positive")
	}
	if p.ActivationThreshold < p.MinFounders {
		return fmt.Errorf("activation threshold %d below founding minimum %d", p.ActivationThreshold, p.MinFounders)
	}
	if p.ActivityWindow <= 0 {
		return fmt.Errorf("activity window must be positive")
	}
	if p.MinDistinctPosters < 1 {
		return fmt.Errorf("min distinct posters must be positive")
	}
	return nil
}

// IDProvider issues room identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// RegistryConfig describes the dependencies of the room registry.
type RegistryConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Sink       notify.Sink
	Policy     Policy
}

// Registry owns rooms and their membership rosters and enforces the room
// state machine.
type Registry struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	sink       notify.Sink
	policy     Policy
}

// NewRegistry validates the configuration and constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opRegistryNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opRegistryNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	sink := cfg.Sink
	if sink == nil {
		sink = notify.NopSink{}
	}
	policy := cfg.Policy
	if policy == (Policy{}) {
		policy = DefaultPolicy()
	}
	if err := policy.validate(); err != nil {
		return nil, newServiceError(opRegistryNew, "invalid_policy", err)
	}

	return &Registry{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		sink:       sink,
		policy:     policy,
	}, nil
}

// CreateRoomConfig describes a room creation request. InitialMembers is the
// founding roster excluding the founder; duplicates are ignored.
type CreateRoomConfig struct {
	Name           RoomName
	Founder        Pseudonym
	InitialMembers []Pseudonym
}

// JoinResult reports the roster state after a successful AddMember.
type JoinResult struct {
	MemberCount int
	Status      RoomStatus
}

// LeaveResult reports the roster state after a successful RemoveMember.
// RoomDeleted is true when the removal cascaded into room deletion.
type LeaveResult struct {
	MemberCount int
	Status      RoomStatus
	RoomDeleted bool
}

// ActivityReport captures one CheckActivity measurement.
type ActivityReport struct {
	DistinctPosters  int
	MeetsRequirement bool
	CheckedAt        time.Time
}

// Create founds a room with its initial roster in a single transaction.
// The founder counts toward the founding minimum and receives the founder
// and moderator roles.
func (r *Registry) Create(ctx context.Context, cfg CreateRoomConfig) (*Room, error) {
	members := dedupeMembers(cfg.Founder, cfg.InitialMembers)
	total := 1 + len(members)
	if total < r.policy.MinFounders {
		return nil, newServiceError(opCreate, "insufficient_members",
			fmt.Errorf("%w: %d of %d required", ErrInsufficientMembers, total, r.policy.MinFounders))
	}

	roomID, err := r.idProvider.NewID()
	if err != nil {
		r.logError(opCreate, "id_generation_failed", err)
		return nil, newServiceError(opCreate, "id_generation_failed", err)
	}

	now := r.clock().UTC()
	status := StatusInactive
	if total >= r.policy.ActivationThreshold {
		status = StatusActive
	}

	room := &Room{
		ID:          roomID,
		Name:        cfg.Name.String(),
		CreatedBy:   cfg.Founder.String(),
		MemberCount: total,
		Status:      status,
		CreatedAt:   now,
	}

	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var nameCount int64
		if err := tx.Model(&Room{}).Where("name = ?", room.Name).Count(&nameCount).Error; err != nil {
			return newServiceError(opCreate, "name_lookup_failed", err)
		}
		if nameCount > 0 {
			return newServiceError(opCreate, "name_taken", fmt.Errorf("%w: %s", ErrNameTaken, room.Name))
		}

		if err := insertRoom(tx, room); err != nil {
			return err
		}

		founderRow := Membership{
			RoomID:      roomID,
			UserPseudo:  cfg.Founder.String(),
			JoinedAt:    now,
			IsFounder:   true,
			IsModerator: true,
		}
		if err := tx.Create(&founderRow).Error; err != nil {
			return newServiceError(opCreate, "founder_insert_failed", err)
		}

		for _, member := range members {
			row := Membership{
				RoomID:     roomID,
				UserPseudo: member.String(),
				JoinedAt:   now,
			}
			if err := tx.Create(&row).Error; err != nil {
				return newServiceError(opCreate, "member_insert_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		r.logError(opCreate, "transaction_failed", txErr, zap.String("room_name", room.Name))
		return nil, txErr
	}

	return room, nil
}

// AddMember inserts a membership row and promotes an inactive room to active
// when the roster reaches the activation threshold. Growth never demotes.
func (r *Registry) AddMember(ctx context.Context, roomID string, pseudo Pseudonym) (JoinResult, error) {
	var result JoinResult

	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := lockLiveRoom(tx, roomID)
		if err != nil {
			return wrapRoomLookup(opAddMember, err)
		}
		if room.Status == StatusLocked {
			return newServiceError(opAddMember, "room_locked", fmt.Errorf("%w: %s", ErrRoomLocked, roomID))
		}

		var existing Membership
		err = tx.Where("room_id = ? AND user_pseudo = ?", roomID, pseudo.String()).Take(&existing).Error
		if err == nil {
			return newServiceError(opAddMember, "already_member", fmt.Errorf("%w: %s", ErrAlreadyMember, pseudo))
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opAddMember, "membership_lookup_failed", err)
		}

		row := Membership{
			RoomID:     roomID,
			UserPseudo: pseudo.String(),
			JoinedAt:   r.clock().UTC(),
		}
		if err := tx.Create(&row).Error; err != nil {
			return newServiceError(opAddMember, "member_insert_failed", err)
		}

		newCount := room.MemberCount + 1
		newStatus := room.Status
		if room.Status == StatusInactive && newCount >= r.policy.ActivationThreshold {
			newStatus, err = transition(room.Status, StatusActive)
			if err != nil {
				return newServiceError(opAddMember, "invalid_transition", err)
			}
		}

		updates := map[string]interface{}{
			"member_count": newCount,
			"status":       newStatus,
		}
		if err := tx.Model(&Room{}).Where("id = ?", roomID).Updates(updates).Error; err != nil {
			return newServiceError(opAddMember, "room_update_failed", err)
		}

		result = JoinResult{MemberCount: newCount, Status: newStatus}
		return nil
	})
	if txErr != nil {
		r.logError(opAddMember, "transaction_failed", txErr,
			zap.String("room_id", roomID), zap.String("pseudo", pseudo.String()))
		return JoinResult{}, txErr
	}

	return result, nil
}

// RemoveMember deletes a membership row. Removing the founder, or dropping
// the roster below the founding minimum, cascades into room deletion: every
// post is soft-deleted, the roster is cleared, and the room status becomes
// deleted. Callers must check RoomDeleted before treating the result as an
// ordinary departure.
func (r *Registry) RemoveMember(ctx context.Context, roomID string, pseudo Pseudonym) (LeaveResult, error) {
	var result LeaveResult
	var remaining []string

	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := lockLiveRoom(tx, roomID)
		if err != nil {
			return wrapRoomLookup(opRemoveMember, err)
		}

		var membership Membership
		err = tx.Where("room_id = ? AND user_pseudo = ?", roomID, pseudo.String()).Take(&membership).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opRemoveMember, "not_member", fmt.Errorf("%w: %s", ErrNotMember, pseudo))
		}
		if err != nil {
			return newServiceError(opRemoveMember, "membership_lookup_failed", err)
		}

		cascade := membership.IsFounder || room.MemberCount-1 < r.policy.MinFounders
		if !cascade {
			if err := tx.Where("room_id = ? AND user_pseudo = ?", roomID, pseudo.String()).
				Delete(&Membership{}).Error; err != nil {
				return newServiceError(opRemoveMember, "member_delete_failed", err)
			}
			newCount := room.MemberCount - 1
			if err := tx.Model(&Room{}).Where("id = ?", roomID).
				Update("member_count", newCount).Error; err != nil {
				return newServiceError(opRemoveMember, "room_update_failed", err)
			}
			result = LeaveResult{MemberCount: newCount, Status: room.Status}
			return nil
		}

		if err := tx.Model(&Membership{}).Where("room_id = ? AND user_pseudo <> ?", roomID, pseudo.String()).
			Pluck("user_pseudo", &remaining).Error; err != nil {
			return newServiceError(opRemoveMember, "roster_lookup_failed", err)
		}

		now := r.clock().UTC()
		if err := tx.Table("room_posts").
			Where("room_id = ? AND deleted_at IS NULL", roomID).
			Update("deleted_at", now).Error; err != nil {
			return newServiceError(opRemoveMember, "post_cascade_failed", err)
		}
		if err := tx.Where("room_id = ?", roomID).Delete(&Membership{}).Error; err != nil {
			return newServiceError(opRemoveMember, "roster_delete_failed", err)
		}

		deletedStatus, err := transition(room.Status, StatusDeleted)
		if err != nil {
			return newServiceError(opRemoveMember, "invalid_transition", err)
		}
		updates := map[string]interface{}{
			"status":       deletedStatus,
			"member_count": 0,
			"deleted_at":   now,
		}
		if err := tx.Model(&Room{}).Where("id = ?", roomID).Updates(updates).Error; err != nil {
			return newServiceError(opRemoveMember, "room_update_failed", err)
		}

		result = LeaveResult{MemberCount: 0, Status: deletedStatus, RoomDeleted: true}
		return nil
	})
	if txErr != nil {
		r.logError(opRemoveMember, "transaction_failed", txErr,
			zap.String("room_id", roomID), zap.String("pseudo", pseudo.String()))
		return LeaveResult{}, txErr
	}

	occurredAt := r.clock().UTC()
	r.sink.Notify(notify.Event{
		Recipient:  pseudo.String(),
		Kind:       notify.EventMemberRemoved,
		RoomID:     roomID,
		OccurredAt: occurredAt,
	})
	if result.RoomDeleted {
		for _, member := range remaining {
			r.sink.Notify(notify.Event{
				Recipient:  member,
				Kind:       notify.EventRoomDeleted,
				RoomID:     roomID,
				OccurredAt: occurredAt,
			})
		}
	}

	return result, nil
}

// LockRoom moves an active room into the locked state and records the
// moderation reason. Membership and posts are untouched.
func (r *Registry) LockRoom(ctx context.Context, roomID, reason string) error {
	var members []string

	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := lockLiveRoom(tx, roomID)
		if err != nil {
			return wrapRoomLookup(opLockRoom, err)
		}

		lockedStatus, err := transition(room.Status, StatusLocked)
		if err != nil {
			return newServiceError(opLockRoom, "invalid_transition", err)
		}

		if err := tx.Model(&Membership{}).Where("room_id = ?", roomID).
			Pluck("user_pseudo", &members).Error; err != nil {
			return newServiceError(opLockRoom, "roster_lookup_failed", err)
		}

		updates := map[string]interface{}{
			"status":      lockedStatus,
			"is_locked":   true,
			"lock_reason": reason,
		}
		if err := tx.Model(&Room{}).Where("id = ?", roomID).Updates(updates).Error; err != nil {
			return newServiceError(opLockRoom, "room_update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		r.logError(opLockRoom, "transaction_failed", txErr, zap.String("room_id", roomID))
		return txErr
	}

	occurredAt := r.clock().UTC()
	for _, member := range members {
		r.sink.Notify(notify.Event{
			Recipient:  member,
			Kind:       notify.EventRoomLocked,
			RoomID:     roomID,
			Payload:    reason,
			OccurredAt: occurredAt,
		})
	}

	return nil
}

// UnlockRoom restores a locked room to active and clears the lock fields.
func (r *Registry) UnlockRoom(ctx context.Context, roomID string) error {
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := lockLiveRoom(tx, roomID)
		if err != nil {
			return wrapRoomLookup(opUnlockRoom, err)
		}

		activeStatus, err := transition(room.Status, StatusActive)
		if err != nil {
			return newServiceError(opUnlockRoom, "invalid_transition", err)
		}

		updates := map[string]interface{}{
			"status":      activeStatus,
			"is_locked":   false,
			"lock_reason": "",
		}
		if err := tx.Model(&Room{}).Where("id = ?", roomID).Updates(updates).Error; err != nil {
			return newServiceError(opUnlockRoom, "room_update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		r.logError(opUnlockRoom, "transaction_failed", txErr, zap.String("room_id", roomID))
		return txErr
	}
	return nil
}

// CheckActivity counts distinct authors of live posts inside the activity
// window and persists the score onto the room. Measurement only: whether a
// quiet room gets locked stays a moderation decision.
func (r *Registry) CheckActivity(ctx context.Context, roomID string) (ActivityReport, error) {
	var report ActivityReport

	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := liveRoom(tx, roomID); err != nil {
			return wrapRoomLookup(opCheckActivity, err)
		}

		now := r.clock().UTC()
		cutoff := now.Add(-r.policy.ActivityWindow)

		var distinctPosters int64
		if err := tx.Table("room_posts").
			Where("room_id = ? AND deleted_at IS NULL AND created_at > ?", roomID, cutoff).
			Distinct("author_pseudo").
			Count(&distinctPosters).Error; err != nil {
			return newServiceError(opCheckActivity, "poster_count_failed", err)
		}

		updates := map[string]interface{}{
			"activity_score":      distinctPosters,
			"last_activity_check": now,
		}
		if err := tx.Model(&Room{}).Where("id = ?", roomID).Updates(updates).Error; err != nil {
			return newServiceError(opCheckActivity, "room_update_failed", err)
		}

		report = ActivityReport{
			DistinctPosters:  int(distinctPosters),
			MeetsRequirement: int(distinctPosters) >= r.policy.MinDistinctPosters,
			CheckedAt:        now,
		}
		return nil
	})
	if txErr != nil {
		r.logError(opCheckActivity, "transaction_failed", txErr, zap.String("room_id", roomID))
		return ActivityReport{}, txErr
	}

	return report, nil
}

// Members returns the roster of a live room ordered by join time.
func (r *Registry) Members(ctx context.Context, roomID string) ([]Membership, error) {
	if _, err := liveRoom(r.db.WithContext(ctx), roomID); err != nil {
		return nil, wrapRoomLookup(opMembers, err)
	}

	var memberships []Membership
	if err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("joined_at ASC").
		Find(&memberships).Error; err != nil {
		r.logError(opMembers, "query_failed", err, zap.String("room_id", roomID))
		return nil, newServiceError(opMembers, "query_failed", err)
	}
	return memberships, nil
}

// UserRooms returns the live rooms a pseudonym belongs to, newest first.
func (r *Registry) UserRooms(ctx context.Context, pseudo Pseudonym) ([]Room, error) {
	var result []Room
	if err := r.db.WithContext(ctx).Model(&Room{}).
		Joins("JOIN room_members ON room_members.room_id = rooms.id").
		Where("room_members.user_pseudo = ? AND rooms.deleted_at IS NULL", pseudo.String()).
		Order("rooms.created_at DESC").
		Find(&result).Error; err != nil {
		r.logError(opUserRooms, "query_failed", err, zap.String("pseudo", pseudo.String()))
		return nil, newServiceError(opUserRooms, "query_failed", err)
	}
	return result, nil
}

// ReconcileMemberCounts recomputes member_count from the roster for every
// live room and repairs drift, returning how many rooms were fixed. The
// roster is the source of truth; the counter is a transactionally-updated
// cache that this check keeps honest.
func (r *Registry) ReconcileMemberCounts(ctx context.Context) (int, error) {
	fixed := 0

	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var liveRooms []Room
		if err := txutil.ForUpdate(tx).Where("deleted_at IS NULL").Find(&liveRooms).Error; err != nil {
			return newServiceError(opReconcile, "room_scan_failed", err)
		}

		for _, room := range liveRooms {
			var rosterSize int64
			if err := tx.Model(&Membership{}).Where("room_id = ?", room.ID).
				Count(&rosterSize).Error; err != nil {
				return newServiceError(opReconcile, "roster_count_failed", err)
			}
			if int(rosterSize) == room.MemberCount {
				continue
			}
			if err := tx.Model(&Room{}).Where("id = ?", room.ID).
				Update("member_count", rosterSize).Error; err != nil {
				return newServiceError(opReconcile, "room_update_failed", err)
			}
			r.logger.Warn("repaired member count drift",
				zap.String("room_id", room.ID),
				zap.Int("cached", room.MemberCount),
				zap.Int64("actual", rosterSize))
			fixed++
		}
		return nil
	})
	if txErr != nil {
		r.logError(opReconcile, "transaction_failed", txErr)
		return 0, txErr
	}

	return fixed, nil
}

// lockLiveRoom reads a room row under a FOR UPDATE lock, excluding
// soft-deleted rooms. Every operation that reads then writes member_count or
// status goes through here so concurrent joins cannot race a cascading
// deletion.
func lockLiveRoom(tx *gorm.DB, roomID string) (*Room, error) {
	var room Room
	err := txutil.ForUpdate(tx).
		Where("id = ? AND deleted_at IS NULL", roomID).
		Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func liveRoom(tx *gorm.DB, roomID string) (*Room, error) {
	var room Room
	err := tx.Where("id = ? AND deleted_at IS NULL", roomID).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// insertRoom writes the room row. The name count earlier in the transaction
// does not stop a concurrent Create that also passed its count, so a
// unique-index violation here still surfaces as a name conflict.
func insertRoom(tx *gorm.DB, room *Room) error {
	if err := tx.Create(room).Error; err != nil {
		if isDuplicateKey(err) {
			return newServiceError(opCreate, "name_taken", fmt.Errorf("%w: %s", ErrNameTaken, room.Name))
		}
		return newServiceError(opCreate, "room_insert_failed", err)
	}
	return nil
}

// isDuplicateKey recognizes a unique-index violation, translated or raw.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

func wrapRoomLookup(operation string, err error) error {
	if errors.Is(err, ErrRoomNotFound) {
		return newServiceError(operation, "room_not_found", err)
	}
	return newServiceError(operation, "room_lookup_failed", err)
}

func dedupeMembers(founder Pseudonym, members []Pseudonym) []Pseudonym {
	seen := map[Pseudonym]struct{}{founder: {}}
	unique := make([]Pseudonym, 0, len(members))
	for _, member := range members {
		if _, ok := seen[member]; ok {
			continue
		}
		seen[member] = struct{}{}
		unique = append(unique, member)
	}
	return unique
}

func (r *Registry) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("room registry error", attrs...)
}
