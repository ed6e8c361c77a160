package posts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/havenworks/haven/internal/rooms"
	"github.com/havenworks/haven/internal/txutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultLifetimeDays = 30

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrPostNotFound indicates the post does not exist.
	ErrPostNotFound = errors.New("posts: post not found")
	// ErrInvalidDays indicates a non-positive day count was supplied.
	ErrInvalidDays = errors.New("posts: day count must be positive")
	// ErrEmptyContent indicates a post or reply without content.
	ErrEmptyContent = errors.New("posts: content is required")
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
	opStoreNew     = "posts.store.new"
	opCreate       = "posts.create"
	opAddReply     = "posts.add_reply"
	opExtend       = "posts.extend_expiration"
	opDisable      = "posts.disable_expiration"
	opSetPinned    = "posts.set_pinned"
	opRoomPosts    = "posts.room_posts"
	opExpiring     = "posts.expiring"
	opUserExpiring = "posts.user_expiring"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StoreConfig describes the dependencies of the post store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider rooms.IDProvider
	Logger     *zap.Logger
	// DefaultLifetimeDays applies when a creation request omits a lifetime.
	DefaultLifetimeDays int
}

// Store owns posts and replies scoped to rooms.
type Store struct {
	db              *gorm.DB
	clock           func() time.Time
	idProvider      rooms.IDProvider
	logger          *zap.Logger
	defaultLifetime int
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	lifetime := cfg.DefaultLifetimeDays
	if lifetime < 1 {
		lifetime = defaultLifetimeDays
	}

	return &Store{
		db:              cfg.Database,
		clock:           clock,
		idProvider:      cfg.IDProvider,
		logger:          logger,
		defaultLifetime: lifetime,
	}, nil
}

// CreatePostConfig describes a post creation request. LifetimeDays falls back
// to the store default when zero.
type CreatePostConfig struct {
	RoomID       string
	Author       rooms.Pseudonym
	Title        string
	Content      string
	LifetimeDays int
}

// AddReplyConfig describes a reply to a live post.
type AddReplyConfig struct {
	PostID  string
	Author  rooms.Pseudonym
	Content string
}

// ExtendResult reports the outcome of an expiration mutation. Affected is
// false when the target was soft-deleted or otherwise out of reach, which is
// a no-op rather than an error.
type ExtendResult struct {
	Affected     bool
	ExpiresAt    *time.Time
	LifetimeDays int
}

// Create inserts a post and, in the same transaction, bumps the author's
// membership activity columns. The room row is read under lock so a
// concurrent cascading deletion cannot race the insert.
func (s *Store) Create(ctx context.Context, cfg CreatePostConfig) (*Post, error) {
	if strings.TrimSpace(cfg.Title) == "" || strings.TrimSpace(cfg.Content) == "" {
		return nil, newServiceError(opCreate, "empty_content", ErrEmptyContent)
	}
	lifetime := cfg.LifetimeDays
	if lifetime == 0 {
		lifetime = s.defaultLifetime
	}
	if lifetime < 0 {
		return nil, newServiceError(opCreate, "invalid_lifetime", fmt.Errorf("%w: %d", ErrInvalidDays, lifetime))
	}

	postID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return nil, newServiceError(opCreate, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	expiresAt := now.Add(time.Duration(lifetime) * 24 * time.Hour)
	post := &Post{
		ID:           postID,
		RoomID:       cfg.RoomID,
		AuthorPseudo: cfg.Author.String(),
		Title:        cfg.Title,
		Content:      cfg.Content,
		CreatedAt:    now,
		ExpiresAt:    &expiresAt,
		LifetimeDays: lifetime,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := lockLiveRoom(tx, cfg.RoomID)
		if err != nil {
			return wrapRoomLookup(opCreate, err)
		}
		if room.Status == rooms.StatusLocked {
			return newServiceError(opCreate, "room_locked", fmt.Errorf("%w: %s", rooms.ErrRoomLocked, cfg.RoomID))
		}
		if err := requireMembership(tx, cfg.RoomID, cfg.Author); err != nil {
			return wrapMembershipLookup(opCreate, err)
		}

		if err := tx.Create(post).Error; err != nil {
			return newServiceError(opCreate, "post_insert_failed", err)
		}
		if err := touchMemberActivity(tx, cfg.RoomID, cfg.Author, now); err != nil {
			return newServiceError(opCreate, "membership_update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreate, "transaction_failed", txErr,
			zap.String("room_id", cfg.RoomID), zap.String("author", cfg.Author.String()))
		return nil, txErr
	}

	return post, nil
}

// AddReply inserts a reply to a live post with the same membership gate and
// membership side effect as post creation.
func (s *Store) AddReply(ctx context.Context, cfg AddReplyConfig) (*Reply, error) {
	if strings.TrimSpace(cfg.Content) == "" {
		return nil, newServiceError(opAddReply, "empty_content", ErrEmptyContent)
	}

	replyID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAddReply, "id_generation_failed", err)
		return nil, newServiceError(opAddReply, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	reply := &Reply{
		ID:           replyID,
		PostID:       cfg.PostID,
		AuthorPseudo: cfg.Author.String(),
		Content:      cfg.Content,
		CreatedAt:    now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		post, err := livePost(tx, cfg.PostID)
		if err != nil {
			return wrapPostLookup(opAddReply, err)
		}
		reply.RoomID = post.RoomID

		room, err := lockLiveRoom(tx, post.RoomID)
		if err != nil {
			return wrapRoomLookup(opAddReply, err)
		}
		if room.Status == rooms.StatusLocked {
			return newServiceError(opAddReply, "room_locked", fmt.Errorf("%w: %s", rooms.ErrRoomLocked, post.RoomID))
		}
		if err := requireMembership(tx, post.RoomID, cfg.Author); err != nil {
			return wrapMembershipLookup(opAddReply, err)
		}

		if err := tx.Create(reply).Error; err != nil {
			return newServiceError(opAddReply, "reply_insert_failed", err)
		}
		if err := touchMemberActivity(tx, post.RoomID, cfg.Author, now); err != nil {
			return newServiceError(opAddReply, "membership_update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opAddReply, "transaction_failed", txErr,
			zap.String("post_id", cfg.PostID), zap.String("author", cfg.Author.String()))
		return nil, txErr
	}

	return reply, nil
}

// ExtendExpiration adds days to a post's expiry and accumulates the
// lifetime. Soft-deleted posts and never-expiring posts yield a not-affected
// result with no mutation.
func (s *Store) ExtendExpiration(ctx context.Context, postID string, additionalDays int) (ExtendResult, error) {
	if additionalDays < 1 {
		return ExtendResult{}, newServiceError(opExtend, "invalid_days", fmt.Errorf("%w: %d", ErrInvalidDays, additionalDays))
	}

	var result ExtendResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		post, err := lockPost(tx, postID)
		if err != nil {
			return wrapPostLookup(opExtend, err)
		}
		if post.DeletedAt != nil || post.ExpiresAt == nil {
			result = ExtendResult{Affected: false, ExpiresAt: post.ExpiresAt, LifetimeDays: post.LifetimeDays}
			return nil
		}

		newExpiry := post.ExpiresAt.Add(time.Duration(additionalDays) * 24 * time.Hour)
		newLifetime := post.LifetimeDays + additionalDays
		updates := map[string]interface{}{
			"expires_at":    newExpiry,
			"lifetime_days": newLifetime,
		}
		if err := tx.Model(&Post{}).Where("id = ?", postID).Updates(updates).Error; err != nil {
			return newServiceError(opExtend, "post_update_failed", err)
		}

		result = ExtendResult{Affected: true, ExpiresAt: &newExpiry, LifetimeDays: newLifetime}
		return nil
	})
	if txErr != nil {
		s.logError(opExtend, "transaction_failed", txErr, zap.String("post_id", postID))
		return ExtendResult{}, txErr
	}

	return result, nil
}

// DisableExpiration clears a post's expiry and records why. Reversal is out
// of reach for ordinary callers: a never-expiring post is not affected by
// ExtendExpiration.
func (s *Store) DisableExpiration(ctx context.Context, postID, reason string) (ExtendResult, error) {
	var result ExtendResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		post, err := lockPost(tx, postID)
		if err != nil {
			return wrapPostLookup(opDisable, err)
		}
		if post.DeletedAt != nil {
			result = ExtendResult{Affected: false, ExpiresAt: post.ExpiresAt, LifetimeDays: post.LifetimeDays}
			return nil
		}

		updates := map[string]interface{}{
			"expires_at":       nil,
			"no_expire_reason": reason,
		}
		if err := tx.Model(&Post{}).Where("id = ?", postID).Updates(updates).Error; err != nil {
			return newServiceError(opDisable, "post_update_failed", err)
		}

		result = ExtendResult{Affected: true, LifetimeDays: post.LifetimeDays}
		return nil
	})
	if txErr != nil {
		s.logError(opDisable, "transaction_failed", txErr, zap.String("post_id", postID))
		return ExtendResult{}, txErr
	}

	return result, nil
}

// SetPinned toggles the pin flag. Pinned posts stay subject to expiration.
func (s *Store) SetPinned(ctx context.Context, postID string, pinned bool) (bool, error) {
	affected := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		post, err := lockPost(tx, postID)
		if err != nil {
			return wrapPostLookup(opSetPinned, err)
		}
		if post.DeletedAt != nil {
			return nil
		}
		if err := tx.Model(&Post{}).Where("id = ?", postID).
			Update("is_pinned", pinned).Error; err != nil {
			return newServiceError(opSetPinned, "post_update_failed", err)
		}
		affected = true
		return nil
	})
	if txErr != nil {
		s.logError(opSetPinned, "transaction_failed", txErr, zap.String("post_id", postID))
		return false, txErr
	}
	return affected, nil
}

// RoomPosts returns a live room's live posts, pinned first, newest first.
func (s *Store) RoomPosts(ctx context.Context, roomID string) ([]Post, error) {
	db := s.db.WithContext(ctx)
	if _, err := liveRoomRead(db, roomID); err != nil {
		return nil, wrapRoomLookup(opRoomPosts, err)
	}

	var result []Post
	if err := db.
		Where("room_id = ? AND deleted_at IS NULL", roomID).
		Order("is_pinned DESC, created_at DESC").
		Find(&result).Error; err != nil {
		s.logError(opRoomPosts, "query_failed", err, zap.String("room_id", roomID))
		return nil, newServiceError(opRoomPosts, "query_failed", err)
	}
	return result, nil
}

// ExpiringWithin returns live, unexpired posts whose expiry falls inside the
// horizon, soonest first. Posts already past due but not yet swept are
// included.
func (s *Store) ExpiringWithin(ctx context.Context, days int) ([]Post, error) {
	if days < 1 {
		return nil, newServiceError(opExpiring, "invalid_days", fmt.Errorf("%w: %d", ErrInvalidDays, days))
	}
	horizon := s.clock().UTC().Add(time.Duration(days) * 24 * time.Hour)

	var result []Post
	if err := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND is_expired = ? AND deleted_at IS NULL AND expires_at <= ?", false, horizon).
		Order("expires_at ASC").
		Find(&result).Error; err != nil {
		s.logError(opExpiring, "query_failed", err)
		return nil, newServiceError(opExpiring, "query_failed", err)
	}
	return result, nil
}

// UserExpiringWithin narrows ExpiringWithin to a single author.
func (s *Store) UserExpiringWithin(ctx context.Context, pseudo rooms.Pseudonym, days int) ([]Post, error) {
	if days < 1 {
		return nil, newServiceError(opUserExpiring, "invalid_days", fmt.Errorf("%w: %d", ErrInvalidDays, days))
	}
	horizon := s.clock().UTC().Add(time.Duration(days) * 24 * time.Hour)

	var result []Post
	if err := s.db.WithContext(ctx).
		Where("author_pseudo = ? AND expires_at IS NOT NULL AND is_expired = ? AND deleted_at IS NULL AND expires_at <= ?",
			pseudo.String(), false, horizon).
		Order("expires_at ASC").
		Find(&result).Error; err != nil {
		s.logError(opUserExpiring, "query_failed", err, zap.String("pseudo", pseudo.String()))
		return nil, newServiceError(opUserExpiring, "query_failed", err)
	}
	return result, nil
}

func lockLiveRoom(tx *gorm.DB, roomID string) (*rooms.Room, error) {
	var room rooms.Room
	err := txutil.ForUpdate(tx).
		Where("id = ? AND deleted_at IS NULL", roomID).
		Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", rooms.ErrRoomNotFound, roomID)
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func liveRoomRead(tx *gorm.DB, roomID string) (*rooms.Room, error) {
	var room rooms.Room
	err := tx.Where("id = ? AND deleted_at IS NULL", roomID).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", rooms.ErrRoomNotFound, roomID)
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func livePost(tx *gorm.DB, postID string) (*Post, error) {
	var post Post
	err := tx.Where("id = ? AND deleted_at IS NULL", postID).Take(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPostNotFound, postID)
	}
	if err != nil {
		return nil, err
	}
	return &post, nil
}

// lockPost reads any post row, deleted or live, under lock: the caller
// distinguishes a soft-deleted target (not-affected) from a missing one.
func lockPost(tx *gorm.DB, postID string) (*Post, error) {
	var post Post
	err := txutil.ForUpdate(tx).Where("id = ?", postID).Take(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPostNotFound, postID)
	}
	if err != nil {
		return nil, err
	}
	return &post, nil
}

func requireMembership(tx *gorm.DB, roomID string, pseudo rooms.Pseudonym) error {
	var membership rooms.Membership
	err := tx.Where("room_id = ? AND user_pseudo = ?", roomID, pseudo.String()).Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", rooms.ErrNotMember, pseudo)
	}
	return err
}

func touchMemberActivity(tx *gorm.DB, roomID string, pseudo rooms.Pseudonym, now time.Time) error {
	return tx.Model(&rooms.Membership{}).
		Where("room_id = ? AND user_pseudo = ?", roomID, pseudo.String()).
		Updates(map[string]interface{}{
			"last_post_at": now,
			"post_count":   gorm.Expr("post_count + 1"),
		}).Error
}

func wrapRoomLookup(operation string, err error) error {
	if errors.Is(err, rooms.ErrRoomNotFound) {
		return newServiceError(operation, "room_not_found", err)
	}
	return newServiceError(operation, "room_lookup_failed", err)
}

func wrapMembershipLookup(operation string, err error) error {
	if errors.Is(err, rooms.ErrNotMember) {
		return newServiceError(operation, "not_member", err)
	}
	return newServiceError(operation, "membership_lookup_failed", err)
}

func wrapPostLookup(operation string, err error) error {
	if errors.Is(err, ErrPostNotFound) {
		return newServiceError(operation, "post_not_found", err)
	}
	return newServiceError(operation, "post_lookup_failed", err)
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("post store error", attrs...)
}
