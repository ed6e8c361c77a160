package rooms

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/havenworks/haven/internal/notify"
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

type recordingSink struct {
	events []notify.Event
}

func (s *recordingSink) Notify(event notify.Event) {
	s.events = append(s.events, event)
}

func (s *recordingSink) byKind(kind notify.EventKind) []notify.Event {
	var matched []notify.Event
	for _, event := range s.events {
		if event.Kind == kind {
			matched = append(matched, event)
		}
	}
	return matched
}

func mustPseudonym(t *testing.T, value string) Pseudonym {
	t.Helper()
	pseudo, err := NewPseudonym(value)
	if err != nil {
		t.Fatalf("unexpected pseudonym error: %v", err)
	}
	return pseudo
}

func mustRoomName(t *testing.T, value string) RoomName {
	t.Helper()
	name, err := NewRoomName(value)
	if err != nil {
		t.Fatalf("unexpected room name error: %v", err)
	}
	return name
}

func newTestRegistry(t *testing.T, ids []string) (*Registry, *gorm.DB, *testClock, *recordingSink) {
	t.Helper()

	dsn := fmt.Sprintf("file:haven_rooms_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Room{}, &Membership{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	// Registry touches the posts table by name for cascades and activity
	// counts; the posts package owns the full schema.
	createPosts := `CREATE TABLE IF NOT EXISTS room_posts (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		author_pseudo TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		deleted_at DATETIME
	)`
	if err := db.Exec(createPosts).Error; err != nil {
		t.Fatalf("failed to create posts table: %v", err)
	}

	clock := &testClock{now: time.Unix(1756000000, 0).UTC()}
	sink := &recordingSink{}
	generator := &staticIDGenerator{ids: ids}

	registry, err := NewRegistry(RegistryConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: generator,
		Sink:       sink,
	})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}

	return registry, db, clock, sink
}

// foundRoom creates a room whose roster is the founder plus generated
// members, sized to the requested total.
func foundRoom(t *testing.T, registry *Registry, name string, total int) *Room {
	t.Helper()

	founder := mustPseudonym(t, "founder")
	members := make([]Pseudonym, 0, total-1)
	for i := 1; i < total; i++ {
		members = append(members, mustPseudonym(t, fmt.Sprintf("member-%d", i)))
	}

	room, err := registry.Create(context.Background(), CreateRoomConfig{
		Name:           mustRoomName(t, name),
		Founder:        founder,
		InitialMembers: members,
	})
	if err != nil {
		t.Fatalf("failed to found room: %v", err)
	}
	return room
}

func seedRoomPost(t *testing.T, db *gorm.DB, id, roomID, author string, createdAt time.Time, deletedAt *time.Time) {
	t.Helper()
	insert := "INSERT INTO room_posts (id, room_id, author_pseudo, created_at, deleted_at) VALUES (?, ?, ?, ?, ?)"
	if err := db.Exec(insert, id, roomID, author, createdAt, deletedAt).Error; err != nil {
		t.Fatalf("failed to seed post: %v", err)
	}
}

func reloadRoom(t *testing.T, db *gorm.DB, roomID string) Room {
	t.Helper()
	var room Room
	if err := db.Where("id = ?", roomID).Take(&room).Error; err != nil {
		t.Fatalf("failed to reload room: %v", err)
	}
	return room
}
