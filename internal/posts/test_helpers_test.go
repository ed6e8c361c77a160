package posts

import (
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/havenworks/haven/internal/rooms"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(step time.Duration) {
	c.now = c.now.Add(step)
}

func mustPseudonym(t *testing.T, value string) rooms.Pseudonym {
	t.Helper()
	pseudo, err := rooms.NewPseudonym(value)
	if err != nil {
		t.Fatalf("unexpected pseudonym error: %v", err)
	}
	return pseudo
}

func newTestStore(t *testing.T, ids []string) (*Store, *gorm.DB, *testClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:haven_posts_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&rooms.Room{}, &rooms.Membership{}, &Post{}, &Reply{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &testClock{now: time.Unix(1756000000, 0).UTC()}
	generator := &staticIDGenerator{ids: ids}

	store, err := NewStore(StoreConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: generator,
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	return store, db, clock
}

// seedRoom persists a room and its roster directly; the registry owns room
// lifecycle and is exercised in its own package.
func seedRoom(t *testing.T, db *gorm.DB, clock *testClock, roomID string, status rooms.RoomStatus, members ...string) {
	t.Helper()

	room := rooms.Room{
		ID:          roomID,
		Name:        "room-" + roomID,
		CreatedBy:   members[0],
		MemberCount: len(members),
		Status:      status,
		IsLocked:    status == rooms.StatusLocked,
		CreatedAt:   clock.Now(),
	}
	if err := db.Create(&room).Error; err != nil {
		t.Fatalf("failed to seed room: %v", err)
	}
	for _, member := range members {
		row := rooms.Membership{
			RoomID:     roomID,
			UserPseudo: member,
			JoinedAt:   clock.Now(),
		}
		if err := db.Create(&row).Error; err != nil {
			t.Fatalf("failed to seed membership: %v", err)
		}
	}
}

func reloadPost(t *testing.T, db *gorm.DB, postID string) Post {
	t.Helper()
	var post Post
	if err := db.Where("id = ?", postID).Take(&post).Error; err != nil {
		t.Fatalf("failed to reload post: %v", err)
	}
	return post
}
