package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/havenworks/haven/internal/notify"
	"github.com/havenworks/haven/internal/posts"
	"github.com/havenworks/haven/internal/rooms"
	"github.com/havenworks/haven/internal/sweeper"
	"go.uber.org/zap"
)

// PseudonymHeader carries the caller's anonymous identity. There is no
// account system: the pseudonym is the identity.
const PseudonymHeader = "X-Haven-Pseudonym"

const pseudonymContextKey = "haven_pseudonym"

var (
	errMissingRegistry  = errors.New("room registry dependency required")
	errMissingPostStore = errors.New("post store dependency required")
	errMissingSweeper   = errors.New("sweeper dependency required")
)

// Dependencies bundles the services the HTTP surface exposes. Events is
// optional; without it the event stream route is not registered.
type Dependencies struct {
	Registry *rooms.Registry
	Posts    *posts.Store
	Sweeper  *sweeper.Sweeper
	Events   *notify.Dispatcher
	Logger   *zap.Logger
}

// NewHTTPHandler validates dependencies and assembles the router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Posts == nil {
		return nil, errMissingPostStore
	}
	if deps.Sweeper == nil {
		return nil, errMissingSweeper
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", PseudonymHeader},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		registry: deps.Registry,
		posts:    deps.Posts,
		sweeper:  deps.Sweeper,
		events:   deps.Events,
		logger:   logger,
	}

	router.GET("/rooms/:roomID/members", handler.handleRoomMembers)
	router.GET("/rooms/:roomID/posts", handler.handleRoomPosts)
	router.GET("/users/:pseudo/rooms", handler.handleUserRooms)
	router.GET("/posts/expiring", handler.handleExpiringPosts)
	router.GET("/users/:pseudo/posts/expiring", handler.handleUserExpiringPosts)

	router.POST("/sweep", handler.handleSweep)
	router.POST("/admin/reconcile-member-counts", handler.handleReconcile)

	identified := router.Group("/")
	identified.Use(handler.requirePseudonym)
	identified.POST("/rooms", handler.handleCreateRoom)
	identified.POST("/rooms/:roomID/members", handler.handleJoinRoom)
	identified.DELETE("/rooms/:roomID/members/:pseudo", handler.handleRemoveMember)
	identified.POST("/rooms/:roomID/lock", handler.handleLockRoom)
	identified.POST("/rooms/:roomID/unlock", handler.handleUnlockRoom)
	identified.POST("/rooms/:roomID/activity-check", handler.handleActivityCheck)
	identified.POST("/rooms/:roomID/posts", handler.handleCreatePost)
	identified.POST("/posts/:postID/replies", handler.handleAddReply)
	identified.POST("/posts/:postID/extend", handler.handleExtendExpiration)
	identified.POST("/posts/:postID/disable-expiration", handler.handleDisableExpiration)
	identified.POST("/posts/:postID/pin", handler.handleSetPinned)
	if handler.events != nil {
		identified.GET("/events", handler.handleEventStream)
	}

	return router, nil
}

type httpHandler struct {
	registry *rooms.Registry
	posts    *posts.Store
	sweeper  *sweeper.Sweeper
	events   *notify.Dispatcher
	logger   *zap.Logger
}

func (h *httpHandler) requirePseudonym(c *gin.Context) {
	pseudo, err := rooms.NewPseudonym(c.GetHeader(PseudonymHeader))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "pseudonym_required"})
		return
	}
	c.Set(pseudonymContextKey, pseudo)
	c.Next()
}

func callerPseudonym(c *gin.Context) rooms.Pseudonym {
	value, _ := c.Get(pseudonymContextKey)
	pseudo, _ := value.(rooms.Pseudonym)
	return pseudo
}

type roomPayload struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	CreatedBy     string    `json:"created_by"`
	MemberCount   int       `json:"member_count"`
	Status        string    `json:"status"`
	ActivityScore int       `json:"activity_score"`
	IsLocked      bool      `json:"is_locked"`
	LockReason    string    `json:"lock_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func toRoomPayload(room rooms.Room) roomPayload {
	return roomPayload{
		ID:            room.ID,
		Name:          room.Name,
		CreatedBy:     room.CreatedBy,
		MemberCount:   room.MemberCount,
		Status:        string(room.Status),
		ActivityScore: room.ActivityScore,
		IsLocked:      room.IsLocked,
		LockReason:    room.LockReason,
		CreatedAt:     room.CreatedAt,
	}
}

type memberPayload struct {
	Pseudonym   string    `json:"pseudonym"`
	JoinedAt    time.Time `json:"joined_at"`
	IsFounder   bool      `json:"is_founder"`
	IsModerator bool      `json:"is_moderator"`
	PostCount   int64     `json:"post_count"`
}

type postPayload struct {
	ID              string     `json:"id"`
	RoomID          string     `json:"room_id"`
	Author          string     `json:"author"`
	Title           string     `json:"title"`
	Content         string     `json:"content"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	LifetimeDays    int        `json:"lifetime_days"`
	IsPinned        bool       `json:"is_pinned"`
	ExtensionReason string     `json:"extension_reason,omitempty"`
}

func toPostPayload(post posts.Post) postPayload {
	return postPayload{
		ID:              post.ID,
		RoomID:          post.RoomID,
		Author:          post.AuthorPseudo,
		Title:           post.Title,
		Content:         post.Content,
		CreatedAt:       post.CreatedAt,
		ExpiresAt:       post.ExpiresAt,
		LifetimeDays:    post.LifetimeDays,
		IsPinned:        post.IsPinned,
		ExtensionReason: post.ExtensionReason,
	}
}

type createRoomPayload struct {
	Name           string   `json:"name"`
	InitialMembers []string `json:"initial_members"`
}

func (h *httpHandler) handleCreateRoom(c *gin.Context) {
	var request createRoomPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	name, err := rooms.NewRoomName(request.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_name"})
		return
	}
	members := make([]rooms.Pseudonym, 0, len(request.InitialMembers))
	for _, raw := range request.InitialMembers {
		member, err := rooms.NewPseudonym(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_member_pseudonym"})
			return
		}
		members = append(members, member)
	}

	room, err := h.registry.Create(c.Request.Context(), rooms.CreateRoomConfig{
		Name:           name,
		Founder:        callerPseudonym(c),
		InitialMembers: members,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toRoomPayload(*room))
}

func (h *httpHandler) handleJoinRoom(c *gin.Context) {
	result, err := h.registry.AddMember(c.Request.Context(), c.Param("roomID"), callerPseudonym(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"member_count": result.MemberCount,
		"status":       string(result.Status),
	})
}

func (h *httpHandler) handleRemoveMember(c *gin.Context) {
	pseudo, err := rooms.NewPseudonym(c.Param("pseudo"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_member_pseudonym"})
		return
	}

	result, err := h.registry.RemoveMember(c.Request.Context(), c.Param("roomID"), pseudo)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"member_count": result.MemberCount,
		"status":       string(result.Status),
		"room_deleted": result.RoomDeleted,
	})
}

type lockRoomPayload struct {
	Reason string `json:"reason"`
}

func (h *httpHandler) handleLockRoom(c *gin.Context) {
	var request lockRoomPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Reason) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lock_reason_required"})
		return
	}
	if err := h.registry.LockRoom(c.Request.Context(), c.Param("roomID"), request.Reason); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUnlockRoom(c *gin.Context) {
	if err := h.registry.UnlockRoom(c.Request.Context(), c.Param("roomID")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleActivityCheck(c *gin.Context) {
	report, err := h.registry.CheckActivity(c.Request.Context(), c.Param("roomID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"distinct_posters":  report.DistinctPosters,
		"meets_requirement": report.MeetsRequirement,
		"checked_at":        report.CheckedAt,
	})
}

func (h *httpHandler) handleRoomMembers(c *gin.Context) {
	memberships, err := h.registry.Members(c.Request.Context(), c.Param("roomID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]memberPayload, 0, len(memberships))
	for _, membership := range memberships {
		response = append(response, memberPayload{
			Pseudonym:   membership.UserPseudo,
			JoinedAt:    membership.JoinedAt,
			IsFounder:   membership.IsFounder,
			IsModerator: membership.IsModerator,
			PostCount:   membership.PostCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{"members": response})
}

func (h *httpHandler) handleUserRooms(c *gin.Context) {
	pseudo, err := rooms.NewPseudonym(c.Param("pseudo"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_member_pseudonym"})
		return
	}
	userRooms, err := h.registry.UserRooms(c.Request.Context(), pseudo)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]roomPayload, 0, len(userRooms))
	for _, room := range userRooms {
		response = append(response, toRoomPayload(room))
	}
	c.JSON(http.StatusOK, gin.H{"rooms": response})
}

type createPostPayload struct {
	Title        string `json:"title"`
	Content      string `json:"content"`
	LifetimeDays int    `json:"lifetime_days"`
}

func (h *httpHandler) handleCreatePost(c *gin.Context) {
	var request createPostPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	post, err := h.posts.Create(c.Request.Context(), posts.CreatePostConfig{
		RoomID:       c.Param("roomID"),
		Author:       callerPseudonym(c),
		Title:        request.Title,
		Content:      request.Content,
		LifetimeDays: request.LifetimeDays,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toPostPayload(*post))
}

type addReplyPayload struct {
	Content string `json:"content"`
}

func (h *httpHandler) handleAddReply(c *gin.Context) {
	var request addReplyPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	reply, err := h.posts.AddReply(c.Request.Context(), posts.AddReplyConfig{
		PostID:  c.Param("postID"),
		Author:  callerPseudonym(c),
		Content: request.Content,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         reply.ID,
		"post_id":    reply.PostID,
		"room_id":    reply.RoomID,
		"author":     reply.AuthorPseudo,
		"created_at": reply.CreatedAt,
	})
}

type extendPayload struct {
	Days int `json:"days"`
}

func (h *httpHandler) handleExtendExpiration(c *gin.Context) {
	var request extendPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.posts.ExtendExpiration(c.Request.Context(), c.Param("postID"), request.Days)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"affected":      result.Affected,
		"expires_at":    result.ExpiresAt,
		"lifetime_days": result.LifetimeDays,
	})
}

type disableExpirationPayload struct {
	Reason string `json:"reason"`
}

func (h *httpHandler) handleDisableExpiration(c *gin.Context) {
	var request disableExpirationPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Reason) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason_required"})
		return
	}

	result, err := h.posts.DisableExpiration(c.Request.Context(), c.Param("postID"), request.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"affected": result.Affected})
}

type pinPayload struct {
	Pinned *bool `json:"pinned"`
}

func (h *httpHandler) handleSetPinned(c *gin.Context) {
	var request pinPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Pinned == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	affected, err := h.posts.SetPinned(c.Request.Context(), c.Param("postID"), *request.Pinned)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"affected": affected})
}

func (h *httpHandler) handleRoomPosts(c *gin.Context) {
	roomPosts, err := h.posts.RoomPosts(c.Request.Context(), c.Param("roomID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]postPayload, 0, len(roomPosts))
	for _, post := range roomPosts {
		response = append(response, toPostPayload(post))
	}
	c.JSON(http.StatusOK, gin.H{"posts": response})
}

func (h *httpHandler) handleExpiringPosts(c *gin.Context) {
	days, ok := parseDays(c)
	if !ok {
		return
	}
	expiring, err := h.posts.ExpiringWithin(c.Request.Context(), days)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]postPayload, 0, len(expiring))
	for _, post := range expiring {
		response = append(response, toPostPayload(post))
	}
	c.JSON(http.StatusOK, gin.H{"posts": response})
}

func (h *httpHandler) handleUserExpiringPosts(c *gin.Context) {
	pseudo, err := rooms.NewPseudonym(c.Param("pseudo"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_member_pseudonym"})
		return
	}
	days, ok := parseDays(c)
	if !ok {
		return
	}
	expiring, err := h.posts.UserExpiringWithin(c.Request.Context(), pseudo, days)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]postPayload, 0, len(expiring))
	for _, post := range expiring {
		response = append(response, toPostPayload(post))
	}
	c.JSON(http.StatusOK, gin.H{"posts": response})
}

func (h *httpHandler) handleSweep(c *gin.Context) {
	report, err := h.sweeper.RunSweep(c.Request.Context())
	if err != nil {
		h.logger.Error("manual sweep failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scanned":   report.Scanned,
		"expired":   report.Expired,
		"extended":  report.Extended,
		"skipped":   report.Skipped,
		"failed":    report.Failed,
		"warned":    report.Warned,
		"truncated": report.Truncated,
	})
}

// handleEventStream pushes the caller's lifecycle events as server-sent
// events until the client disconnects.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	stream, cleanup := h.events.Subscribe(c.Request.Context(), callerPseudonym(c).String())
	defer cleanup()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Kind), gin.H{
				"room_id":     event.RoomID,
				"post_id":     event.PostID,
				"payload":     event.Payload,
				"occurred_at": event.OccurredAt,
			})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *httpHandler) handleReconcile(c *gin.Context) {
	fixed, err := h.registry.ReconcileMemberCounts(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"repaired": fixed})
}

func parseDays(c *gin.Context) (int, bool) {
	raw := c.DefaultQuery("days", "7")
	days, err := strconv.Atoi(raw)
	if err != nil || days < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_days"})
		return 0, false
	}
	return days, true
}

// respondError maps service sentinel errors onto HTTP statuses and surfaces
// the dotted operation code when one is attached.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	label := "internal_error"

	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		status, label = http.StatusNotFound, "room_not_found"
	case errors.Is(err, posts.ErrPostNotFound):
		status, label = http.StatusNotFound, "post_not_found"
	case errors.Is(err, rooms.ErrNameTaken):
		status, label = http.StatusConflict, "name_taken"
	case errors.Is(err, rooms.ErrAlreadyMember):
		status, label = http.StatusConflict, "already_member"
	case errors.Is(err, rooms.ErrInvalidTransition):
		status, label = http.StatusConflict, "invalid_transition"
	case errors.Is(err, rooms.ErrRoomLocked):
		status, label = http.StatusLocked, "room_locked"
	case errors.Is(err, rooms.ErrNotMember):
		status, label = http.StatusForbidden, "not_member"
	case errors.Is(err, rooms.ErrInsufficientMembers):
		status, label = http.StatusBadRequest, "insufficient_members"
	case errors.Is(err, posts.ErrInvalidDays):
		status, label = http.StatusBadRequest, "invalid_days"
	case errors.Is(err, posts.ErrEmptyContent):
		status, label = http.StatusBadRequest, "empty_content"
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}

	body := gin.H{"error": label}
	var roomErr *rooms.ServiceError
	var postErr *posts.ServiceError
	if errors.As(err, &roomErr) {
		body["code"] = roomErr.Code()
	} else if errors.As(err, &postErr) {
		body["code"] = postErr.Code()
	}
	c.JSON(status, body)
}
