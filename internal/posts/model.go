package posts

import "time"

// Post models time-boxed content scoped to a room. ExpiresAt nil means the
// post never expires and is invisible to the sweep. IsExpired is monotonic:
// once true it never returns to false, and it is always set together with
// DeletedAt.
type Post struct {
	ID              string     `gorm:"column:id;primaryKey;size:36;not null"`
	RoomID          string     `gorm:"column:room_id;size:36;not null;index:idx_posts_room"`
	AuthorPseudo    string     `gorm:"column:author_pseudo;size:190;not null;index:idx_posts_author"`
	Title           string     `gorm:"column:title;size:512;not null"`
	Content         string     `gorm:"column:content;type:text;not null"`
	CreatedAt       time.Time  `gorm:"column:created_at;not null"`
	ExpiresAt       *time.Time `gorm:"column:expires_at;index:idx_posts_expiry"`
	LifetimeDays    int        `gorm:"column:lifetime_days;not null;default:0"`
	IsPinned        bool       `gorm:"column:is_pinned;not null;default:false"`
	IsExpired       bool       `gorm:"column:is_expired;not null;default:false"`
	ExpiryWarnedAt  *time.Time `gorm:"column:expiry_warned_at"`
	DeletedAt       *time.Time `gorm:"column:deleted_at"`
	ExtensionReason string     `gorm:"column:extension_reason;size:190;not null;default:''"`
	NoExpireReason  string     `gorm:"column:no_expire_reason;size:512;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Post) TableName() string {
	return "room_posts"
}

// Reply models a response to a post. The sweep counts recent replies when
// deciding whether a due post has earned an extension.
type Reply struct {
	ID           string     `gorm:"column:id;primaryKey;size:36;not null"`
	PostID       string     `gorm:"column:post_id;size:36;not null;index:idx_replies_post"`
	RoomID       string     `gorm:"column:room_id;size:36;not null"`
	AuthorPseudo string     `gorm:"column:author_pseudo;size:190;not null"`
	Content      string     `gorm:"column:content;type:text;not null"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null;index:idx_replies_created"`
	DeletedAt    *time.Time `gorm:"column:deleted_at"`
}

// TableName provides the explicit table binding for GORM.
func (Reply) TableName() string {
	return "room_post_replies"
}
