package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/havenworks/haven/internal/database"
	"github.com/havenworks/haven/internal/posts"
	"github.com/havenworks/haven/internal/rooms"
	"github.com/havenworks/haven/internal/sweeper"
	"go.uber.org/zap"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(step time.Duration) {
	c.now = c.now.Add(step)
}

func newTestServer(t *testing.T) (http.Handler, *testClock) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	path := filepath.Join(t.TempDir(), "haven.db")
	db, err := database.OpenSQLite(path, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	clock := &testClock{now: time.Unix(1756000000, 0).UTC()}

	registry, err := rooms.NewRegistry(rooms.RegistryConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: rooms.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	store, err := posts.NewStore(posts.StoreConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: rooms.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	swp, err := sweeper.New(sweeper.Config{
		Database: db,
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct sweeper: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Registry: registry,
		Posts:    store,
		Sweeper:  swp,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	return handler, clock
}

func doRequest(t *testing.T, handler http.Handler, method, target, pseudo, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, target, reader)
	request.Header.Set("Content-Type", "application/json")
	if pseudo != "" {
		request.Header.Set(PseudonymHeader, pseudo)
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func createRoomBody(name string, memberTotal int) string {
	members := make([]string, 0, memberTotal-1)
	for i := 1; i < memberTotal; i++ {
		members = append(members, fmt.Sprintf(`"member-%d"`, i))
	}
	return fmt.Sprintf(`{"name":%q,"initial_members":[%s]}`, name, strings.Join(members, ","))
}

func TestCreateRoomRequiresPseudonym(t *testing.T) {
	handler, _ := newTestServer(t)

	recorder := doRequest(t, handler, http.MethodPost, "/rooms", "", createRoomBody("harbor", 6))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", recorder.Code)
	}
	if payload := decodeBody(t, recorder); payload["error"] != "pseudonym_required" {
		t.Fatalf("unexpected body: %v", payload)
	}
}

func TestCreateRoomRejectsSmallRoster(t *testing.T) {
	handler, _ := newTestServer(t)

	recorder := doRequest(t, handler, http.MethodPost, "/rooms", "founder", createRoomBody("harbor", 4))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", recorder.Code)
	}
	payload := decodeBody(t, recorder)
	if payload["error"] != "insufficient_members" {
		t.Fatalf("unexpected error label: %v", payload)
	}
	if payload["code"] != "rooms.create.insufficient_members" {
		t.Fatalf("expected service error code, got %v", payload["code"])
	}
}

func TestCreateRoomAndJoinActivates(t *testing.T) {
	handler, _ := newTestServer(t)

	recorder := doRequest(t, handler, http.MethodPost, "/rooms", "founder", createRoomBody("harbor", 9))
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected created, got %d: %s", recorder.Code, recorder.Body.String())
	}
	created := decodeBody(t, recorder)
	if created["status"] != "inactive" {
		t.Fatalf("expected inactive room, got %v", created["status"])
	}
	roomID, _ := created["id"].(string)
	if roomID == "" {
		t.Fatalf("expected room id in response: %v", created)
	}

	recorder = doRequest(t, handler, http.MethodPost, "/rooms/"+roomID+"/members", "tenth", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ok, got %d: %s", recorder.Code, recorder.Body.String())
	}
	joined := decodeBody(t, recorder)
	if joined["status"] != "active" {
		t.Fatalf("expected tenth member to activate the room, got %v", joined)
	}
	if joined["member_count"] != float64(10) {
		t.Fatalf("expected member count 10, got %v", joined["member_count"])
	}
}

func TestJoinMissingRoomReturnsNotFound(t *testing.T) {
	handler, _ := newTestServer(t)

	recorder := doRequest(t, handler, http.MethodPost, "/rooms/missing/members", "anyone", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", recorder.Code)
	}
	if payload := decodeBody(t, recorder); payload["code"] != "rooms.add_member.room_not_found" {
		t.Fatalf("expected service error code, got %v", payload)
	}
}

func TestLockedRoomRefusesPosts(t *testing.T) {
	handler, _ := newTestServer(t)

	recorder := doRequest(t, handler, http.MethodPost, "/rooms", "founder", createRoomBody("harbor", 10))
	created := decodeBody(t, recorder)
	roomID, _ := created["id"].(string)

	recorder = doRequest(t, handler, http.MethodPost, "/rooms/"+roomID+"/lock", "founder", `{"reason":"cooldown"}`)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected no content, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doRequest(t, handler, http.MethodPost, "/rooms/"+roomID+"/posts", "member-1",
		`{"title":"hello","content":"anyone"}`)
	if recorder.Code != http.StatusLocked {
		t.Fatalf("expected locked status, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestRemoveFounderDeletesRoom(t *testing.T) {
	handler, _ := newTestServer(t)

	recorder := doRequest(t, handler, http.MethodPost, "/rooms", "founder", createRoomBody("harbor", 6))
	created := decodeBody(t, recorder)
	roomID, _ := created["id"].(string)

	recorder = doRequest(t, handler, http.MethodDelete, "/rooms/"+roomID+"/members/founder", "founder", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ok, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if payload := decodeBody(t, recorder); payload["room_deleted"] != true {
		t.Fatalf("expected cascade deletion, got %v", payload)
	}

	recorder = doRequest(t, handler, http.MethodGet, "/rooms/"+roomID+"/members", "", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected deleted room lookup to fail, got %d", recorder.Code)
	}
}

func TestSweepEndpointExpiresDuePosts(t *testing.T) {
	handler, clock := newTestServer(t)

	recorder := doRequest(t, handler, http.MethodPost, "/rooms", "founder", createRoomBody("harbor", 10))
	created := decodeBody(t, recorder)
	roomID, _ := created["id"].(string)

	recorder = doRequest(t, handler, http.MethodPost, "/rooms/"+roomID+"/posts", "founder",
		`{"title":"short lived","content":"see you soon","lifetime_days":1}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected created, got %d: %s", recorder.Code, recorder.Body.String())
	}

	clock.Advance(48 * time.Hour)

	recorder = doRequest(t, handler, http.MethodPost, "/sweep", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ok, got %d: %s", recorder.Code, recorder.Body.String())
	}
	report := decodeBody(t, recorder)
	if report["expired"] != float64(1) {
		t.Fatalf("expected one expired post, got %v", report)
	}

	recorder = doRequest(t, handler, http.MethodGet, "/rooms/"+roomID+"/posts", "", "")
	listing := decodeBody(t, recorder)
	remaining, _ := listing["posts"].([]any)
	if len(remaining) != 0 {
		t.Fatalf("expected expired post to disappear from listings, got %v", listing)
	}
}

func TestExpiringPostsRejectsInvalidDays(t *testing.T) {
	handler, _ := newTestServer(t)

	recorder := doRequest(t, handler, http.MethodGet, "/posts/expiring?days=zero", "", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", recorder.Code)
	}
}
