package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/backchannel/internal/metrics"
	"go.uber.org/zap"
)

var errMissingEvent = errors.New("rooms: event name required")

// Audience selects which members of a room receive a broadcast.
type Audience string

const (
	// AudienceEveryone delivers to every member of the room.
	AudienceEveryone Audience = "everyone"
	// AudienceAuthenticated delivers only to members with a resolved identity.
	AudienceAuthenticated Audience = "authenticated"
)

// AudienceFor maps a post visibility flag onto the audience allowed to see it.
func AudienceFor(public bool) Audience {
	if public {
		return AudienceEveryone
	}
	return AudienceAuthenticated
}

// Admits reports whether the member belongs to the audience.
func (a Audience) Admits(member Member) bool {
	if a == AudienceAuthenticated {
		return member.Authenticated()
	}
	return true
}

// Member is a live connection that can sit in lecture rooms.
type Member interface {
	ID() string
	Authenticated() bool
	// Deliver queues an encoded frame without blocking and reports whether it was accepted.
	Deliver(frame []byte) bool
}

// Frame is the envelope exchanged with websocket clients.
type Frame struct {
	Event string `json:"event"`
	ID    *int64 `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// EncodeFrame serialises an event and its payload.
func EncodeFrame(event string, payload any) ([]byte, error) {
	if strings.TrimSpace(event) == "" {
		return nil, errMissingEvent
	}
	return json.Marshal(Frame{Event: event, Data: payload})
}

// Registry tracks which members are in which lecture room.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Member
	logger *zap.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		rooms:  make(map[string]map[string]Member),
		logger: logger,
	}
}

// Join adds the member to the lecture room, creating the room on first use.
func (r *Registry) Join(lectureID string, member Member) {
	if lectureID == "" || member == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[lectureID]; !ok {
		r.rooms[lectureID] = make(map[string]Member)
	}
	r.rooms[lectureID][member.ID()] = member
}

// Leave removes the member from the lecture room and drops the room once empty.
func (r *Registry) Leave(lectureID string, member Member) {
	if member == nil {
		return
	}
	r.mu.Lock()
	r.removeLocked(lectureID, member.ID())
	r.mu.Unlock()
}

// LeaveAll removes the member from every room it joined.
func (r *Registry) LeaveAll(member Member) {
	if member == nil {
		return
	}
	r.mu.Lock()
	for lectureID := range r.rooms {
		r.removeLocked(lectureID, member.ID())
	}
	r.mu.Unlock()
}

func (r *Registry) removeLocked(lectureID, memberID string) {
	members := r.rooms[lectureID]
	if members == nil {
		return
	}
	delete(members, memberID)
	if len(members) == 0 {
		delete(r.rooms, lectureID)
	}
}

// Members returns a snapshot of the lecture room. Unknown rooms yield nil.
func (r *Registry) Members(lectureID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[lectureID]
	if len(members) == 0 {
		return nil
	}
	copies := make([]Member, 0, len(members))
	for _, member := range members {
		copies = append(copies, member)
	}
	return copies
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Broadcast delivers the event to every member of the room and returns the number of accepted deliveries.
func (r *Registry) Broadcast(lectureID, event string, payload any) (int, error) {
	return r.BroadcastTo(lectureID, event, payload, nil)
}

// BroadcastTo delivers the event to room members accepted by the predicate.
// A nil predicate accepts everyone.
func (r *Registry) BroadcastTo(lectureID, event string, payload any, predicate func(Member) bool) (int, error) {
	frame, err := EncodeFrame(event, payload)
	if err != nil {
		return 0, err
	}
	return r.deliver(lectureID, event, frame, predicate), nil
}

// Publish delivers the event to the audience within the lecture room.
func (r *Registry) Publish(_ context.Context, lectureID, event string, payload any, audience Audience) error {
	_, err := r.BroadcastTo(lectureID, event, payload, audience.Admits)
	return err
}

func (r *Registry) deliver(lectureID, event string, frame []byte, predicate func(Member) bool) int {
	delivered := 0
	for _, member := range r.Members(lectureID) {
		if predicate != nil && !predicate(member) {
			continue
		}
		if member.Deliver(frame) {
			delivered++
			continue
		}
		metrics.FramesDropped.WithLabelValues(event).Inc()
		r.logger.Warn("dropped frame for slow member",
			zap.String("lecture_id", lectureID),
			zap.String("member_id", member.ID()),
			zap.String("event", event))
	}
	return delivered
}
