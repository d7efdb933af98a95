package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/backchannel/internal/auth"
	"github.com/MarcoPoloResearchLab/backchannel/internal/metrics"
	"github.com/MarcoPoloResearchLab/backchannel/internal/rooms"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	eventAck   = "ack"
	eventError = "error"
)

// inboundFrame is a client event. ID is present when the client expects an ack.
type inboundFrame struct {
	Event string          `json:"event"`
	ID    *int64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type errorPayload struct {
	Event string `json:"event"`
	Error string `json:"error"`
}

// socket is one websocket connection. It is a rooms.Member on /backchannel and
// a presence.Viewer on /counts.
type socket struct {
	id        string
	namespace string
	identity  auth.Identity
	conn      *websocket.Conn
	send      chan []byte
	limiter   *rate.Limiter
	logger    *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func newSocket(namespace string, identity auth.Identity, conn *websocket.Conn, cfg SocketConfig, logger *zap.Logger) *socket {
	id := uuid.NewString()
	return &socket{
		id:        id,
		namespace: namespace,
		identity:  identity,
		conn:      conn,
		send:      make(chan []byte, cfg.SendBuffer),
		limiter:   rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), cfg.EventBurst),
		logger: logger.With(
			zap.String("connection_id", id),
			zap.String("namespace", namespace),
			zap.Bool("authenticated", identity.Authenticated())),
		done: make(chan struct{}),
	}
}

func (s *socket) ID() string {
	return s.id
}

func (s *socket) Authenticated() bool {
	return s.identity.Authenticated()
}

// Deliver queues an encoded frame. A closed connection or a full buffer rejects it.
func (s *socket) Deliver(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Emit encodes and queues a server event for this connection only.
func (s *socket) Emit(event string, payload any) bool {
	frame, err := rooms.EncodeFrame(event, payload)
	if err != nil {
		s.logger.Error("encode frame failed", zap.String("event", event), zap.Error(err))
		return false
	}
	if !s.Deliver(frame) {
		metrics.FramesDropped.WithLabelValues(event).Inc()
		return false
	}
	return true
}

func (s *socket) ack(id *int64, data any) {
	if id == nil {
		return
	}
	s.reply(rooms.Frame{Event: eventAck, ID: id, Data: data})
}

func (s *socket) fail(id *int64, event, code string) {
	s.reply(rooms.Frame{Event: eventError, ID: id, Data: errorPayload{Event: event, Error: code}})
}

func (s *socket) reply(frame rooms.Frame) {
	encoded, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("encode reply failed", zap.String("event", frame.Event), zap.Error(err))
		return
	}
	if !s.Deliver(encoded) {
		metrics.FramesDropped.WithLabelValues(frame.Event).Inc()
	}
}

func (s *socket) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// readLoop decodes client events until the connection fails. Events are
// dispatched sequentially in arrival order.
func (s *socket) readLoop(ctx context.Context, dispatch func(context.Context, *socket, inboundFrame)) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Debug("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			metrics.Events.WithLabelValues(s.namespace, eventUnknown, metrics.OutcomeRejected).Inc()
			s.fail(frame.ID, frame.Event, codeInvalidPayload)
			continue
		}
		if !s.limiter.Allow() {
			metrics.Events.WithLabelValues(s.namespace, eventLabel(frame.Event), metrics.OutcomeRejected).Inc()
			s.fail(frame.ID, frame.Event, codeRateLimited)
			continue
		}
		dispatch(ctx, s, frame)
	}
}

func (s *socket) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// serveSocket upgrades the request and runs the connection until it closes.
// The session is resolved before the upgrade; the upgrade never depends on it.
func (h *httpHandler) serveSocket(c *gin.Context, namespace string, dispatch func(context.Context, *socket, inboundFrame), onClose func(context.Context, *socket)) {
	identity := h.sessions.Resolve(c.Request)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("namespace", namespace), zap.Error(err))
		return
	}

	sock := newSocket(namespace, identity, conn, h.sockets, h.logger)
	metrics.Connections.WithLabelValues(namespace).Inc()
	defer metrics.Connections.WithLabelValues(namespace).Dec()
	sock.logger.Debug("websocket connected")

	go sock.writeLoop()
	ctx := c.Request.Context()
	sock.readLoop(ctx, dispatch)
	sock.close()
	onClose(context.WithoutCancel(ctx), sock)
	sock.logger.Debug("websocket disconnected")
}
