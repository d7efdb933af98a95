package rooms

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
)

type recordingMember struct {
	id            string
	authenticated bool
	full          bool

	mu     sync.Mutex
	frames [][]byte
}

func (m *recordingMember) ID() string          { return m.id }
func (m *recordingMember) Authenticated() bool { return m.authenticated }

func (m *recordingMember) Deliver(frame []byte) bool {
	if m.full {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, frame)
	return true
}

func (m *recordingMember) events(t *testing.T) []string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.frames))
	for _, raw := range m.frames {
		var frame struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("failed to decode frame: %v", err)
		}
		names = append(names, frame.Event)
	}
	return names
}

func TestRegistryBroadcastReachesEveryMember(t *testing.T) {
	registry := NewRegistry(nil)
	alice := &recordingMember{id: "a", authenticated: true}
	bob := &recordingMember{id: "b"}
	registry.Join("lecture-1", alice)
	registry.Join("lecture-1", bob)

	delivered, err := registry.Broadcast("lecture-1", "post", map[string]string{"body": "hi"})
	if err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	if delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d", delivered)
	}
	if got := alice.events(t); len(got) != 1 || got[0] != "post" {
		t.Fatalf("unexpected events for alice: %v", got)
	}
	if got := bob.events(t); len(got) != 1 {
		t.Fatalf("unexpected events for bob: %v", got)
	}
}

func TestRegistryPublishAuthenticatedSkipsAnonymousMembers(t *testing.T) {
	registry := NewRegistry(nil)
	alice := &recordingMember{id: "a", authenticated: true}
	bob := &recordingMember{id: "b"}
	registry.Join("lecture-1", alice)
	registry.Join("lecture-1", bob)

	if err := registry.Publish(context.Background(), "lecture-1", "comment", "x", AudienceFor(false)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if len(alice.events(t)) != 1 {
		t.Fatalf("expected authenticated member to receive private event")
	}
	if len(bob.events(t)) != 0 {
		t.Fatalf("did not expect anonymous member to receive private event")
	}
}

func TestRegistryIsolatesRooms(t *testing.T) {
	registry := NewRegistry(nil)
	alice := &recordingMember{id: "a"}
	bob := &recordingMember{id: "b"}
	registry.Join("lecture-1", alice)
	registry.Join("lecture-2", bob)

	if _, err := registry.Broadcast("lecture-2", "vote", nil); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	if len(alice.events(t)) != 0 {
		t.Fatalf("did not expect event in unrelated room")
	}
	if len(bob.events(t)) != 1 {
		t.Fatalf("expected event in target room")
	}
}

func TestRegistryUnknownRoomHasNoMembers(t *testing.T) {
	registry := NewRegistry(nil)
	if members := registry.Members("missing"); len(members) != 0 {
		t.Fatalf("expected no members, got %d", len(members))
	}
	delivered, err := registry.Broadcast("missing", "post", nil)
	if err != nil || delivered != 0 {
		t.Fatalf("expected empty broadcast, got %d %v", delivered, err)
	}
}

func TestRegistryLeaveAllGarbageCollectsRooms(t *testing.T) {
	registry := NewRegistry(nil)
	alice := &recordingMember{id: "a"}
	registry.Join("lecture-1", alice)
	registry.Join("lecture-2", alice)
	if registry.RoomCount() != 2 {
		t.Fatalf("expected 2 rooms, got %d", registry.RoomCount())
	}

	registry.LeaveAll(alice)
	if registry.RoomCount() != 0 {
		t.Fatalf("expected rooms to be removed once empty, got %d", registry.RoomCount())
	}
}

func TestRegistryCountsDroppedFrames(t *testing.T) {
	registry := NewRegistry(nil)
	slow := &recordingMember{id: "slow", full: true}
	registry.Join("lecture-1", slow)

	delivered, err := registry.Broadcast("lecture-1", "post", nil)
	if err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("expected no accepted deliveries, got %d", delivered)
	}
}

func TestEncodeFrameRequiresEvent(t *testing.T) {
	if _, err := EncodeFrame(" ", nil); err == nil {
		t.Fatalf("expected error for empty event name")
	}
}
