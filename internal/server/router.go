package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/backchannel/internal/auth"
	"github.com/MarcoPoloResearchLab/backchannel/internal/backchannel"
	"github.com/MarcoPoloResearchLab/backchannel/internal/presence"
	"github.com/MarcoPoloResearchLab/backchannel/internal/rooms"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	namespaceBackchannel = "backchannel"
	namespaceCounts      = "counts"

	defaultSendBuffer      = 32
	defaultEventsPerSecond = 5
	defaultEventBurst      = 10
)

var (
	errMissingBackchannel = errors.New("backchannel service dependency required")
	errMissingRooms       = errors.New("room registry dependency required")
	errMissingPresence    = errors.New("presence tracker dependency required")
	errMissingSessions    = errors.New("session resolver dependency required")
)

// BackchannelService handles the /backchannel events.
type BackchannelService interface {
	Subscribe(ctx context.Context, lectureID backchannel.LectureID, member rooms.Member) ([]backchannel.PostView, error)
	SubmitPost(ctx context.Context, lectureID backchannel.LectureID, author backchannel.Author, draft backchannel.PostDraft) (backchannel.PostView, error)
	SubmitVote(ctx context.Context, lectureID backchannel.LectureID, voterID backchannel.UserID, postID backchannel.PostID) (bool, error)
	SubmitReport(ctx context.Context, lectureID backchannel.LectureID, reporterID backchannel.UserID, postID backchannel.PostID) (bool, error)
	SubmitComment(ctx context.Context, lectureID backchannel.LectureID, postID backchannel.PostID, draft backchannel.CommentDraft) (backchannel.CommentView, error)
}

// RoomMembership removes disconnected members from lecture rooms.
type RoomMembership interface {
	LeaveAll(member rooms.Member)
}

// PresenceTracker handles the /counts events.
type PresenceTracker interface {
	Join(ctx context.Context, viewer presence.Viewer, noteID presence.NoteID) error
	Watch(ctx context.Context, viewer presence.Viewer, lectureID presence.LectureID)
	Disconnect(ctx context.Context, viewer presence.Viewer)
}

// SessionResolver maps upgrade requests onto identities.
type SessionResolver interface {
	Resolve(request *http.Request) auth.Identity
}

// SocketConfig tunes per-connection buffering and rate limiting.
type SocketConfig struct {
	SendBuffer      int
	EventsPerSecond float64
	EventBurst      int
	AllowedOrigins  []string
}

type Dependencies struct {
	Backchannel BackchannelService
	Rooms       RoomMembership
	Presence    PresenceTracker
	Sessions    SessionResolver
	Health      func(ctx context.Context) error
	Sockets     SocketConfig
	Logger      *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Backchannel == nil {
		return nil, errMissingBackchannel
	}
	if deps.Rooms == nil {
		return nil, errMissingRooms
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sockets := deps.Sockets
	if sockets.SendBuffer <= 0 {
		sockets.SendBuffer = defaultSendBuffer
	}
	if sockets.EventsPerSecond <= 0 {
		sockets.EventsPerSecond = defaultEventsPerSecond
	}
	if sockets.EventBurst <= 0 {
		sockets.EventBurst = defaultEventBurst
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(sockets.AllowedOrigins))

	handler := &httpHandler{
		backchannel: deps.Backchannel,
		rooms:       deps.Rooms,
		presence:    deps.Presence,
		sessions:    deps.Sessions,
		health:      deps.Health,
		sockets:     sockets,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(sockets.AllowedOrigins),
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/"+namespaceBackchannel, handler.handleBackchannel)
	router.GET("/"+namespaceCounts, handler.handleCounts)

	return router, nil
}

type httpHandler struct {
	backchannel BackchannelService
	rooms       RoomMembership
	presence    PresenceTracker
	sessions    SessionResolver
	health      func(ctx context.Context) error
	sockets     SocketConfig
	validate    *validator.Validate
	upgrader    websocket.Upgrader
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.health(ctx); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

func originChecker(allowedOrigins []string) func(*http.Request) bool {
	if len(allowedOrigins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.ToLower(strings.TrimRight(origin, "/"))] = struct{}{}
	}
	return func(request *http.Request) bool {
		origin := request.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}
