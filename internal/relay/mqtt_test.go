package relay

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/backchannel/internal/rooms"
	paho "github.com/eclipse/paho.mqtt.golang"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                       { return true }
func (t doneToken) WaitTimeout(_ time.Duration) bool { return true }
func (t doneToken) Error() error                     { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type publishedMessage struct {
	topic   string
	payload []byte
}

type stubPublisher struct {
	mu        sync.Mutex
	connected bool
	messages  []publishedMessage
}

func (p *stubPublisher) IsConnected() bool { return p.connected }

func (p *stubPublisher) Publish(topic string, _ byte, _ bool, payload any) paho.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, publishedMessage{topic: topic, payload: payload.([]byte)})
	return doneToken{}
}

type stubMessage struct {
	topic   string
	payload []byte
}

func (m stubMessage) Duplicate() bool   { return false }
func (m stubMessage) Qos() byte         { return relayQoS }
func (m stubMessage) Retained() bool    { return false }
func (m stubMessage) Topic() string     { return m.topic }
func (m stubMessage) MessageID() uint16 { return 1 }
func (m stubMessage) Payload() []byte   { return m.payload }
func (m stubMessage) Ack()              {}

type localDelivery struct {
	lectureID string
	event     string
	payload   any
	audience  rooms.Audience
}

type recordingLocal struct {
	mu         sync.Mutex
	joins      int
	deliveries []localDelivery
}

func (l *recordingLocal) Join(string, rooms.Member) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.joins++
}

func (l *recordingLocal) Publish(_ context.Context, lectureID, event string, payload any, audience rooms.Audience) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deliveries = append(l.deliveries, localDelivery{lectureID: lectureID, event: event, payload: payload, audience: audience})
	return nil
}

func newTestBridge(t *testing.T, clientID string, local LocalRooms, out publisher) *Bridge {
	t.Helper()
	bridge, err := New(Config{Broker: "tcp://broker:1883", ClientID: clientID, TopicPrefix: "campus", Local: local})
	if err != nil {
		t.Fatalf("failed to build bridge: %v", err)
	}
	bridge.out = out
	return bridge
}

func expectJSON(t *testing.T, expected string, actual []byte) {
	t.Helper()
	var want, got any
	if err := json.Unmarshal([]byte(expected), &want); err != nil {
		t.Fatalf("invalid expected json: %v", err)
	}
	if err := json.Unmarshal(actual, &got); err != nil {
		t.Fatalf("invalid json %s: %v", actual, err)
	}
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("expected %s, got %s", expected, actual)
	}
}

func TestPublishDeliversLocallyAndForwards(t *testing.T) {
	local := &recordingLocal{}
	out := &stubPublisher{connected: true}
	bridge := newTestBridge(t, "node-a", local, out)

	payload := map[string]string{"parentid": "p1", "userid": "u1"}
	if err := bridge.Publish(context.Background(), "lecture/1#", "vote", payload, rooms.AudienceAuthenticated); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if len(local.deliveries) != 1 || local.deliveries[0].event != "vote" {
		t.Fatalf("expected one local vote delivery, got %#v", local.deliveries)
	}
	if len(out.messages) != 1 {
		t.Fatalf("expected one forwarded message, got %d", len(out.messages))
	}
	if topic := out.messages[0].topic; topic != "campus/bGVjdHVyZS8xIw" {
		t.Fatalf("unexpected topic %q", topic)
	}

	var forwarded envelope
	if err := json.Unmarshal(out.messages[0].payload, &forwarded); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if forwarded.Origin != "node-a" || forwarded.Lecture != "lecture/1#" || forwarded.Audience != rooms.AudienceAuthenticated {
		t.Fatalf("unexpected envelope %#v", forwarded)
	}
	expectJSON(t, `{"parentid":"p1","userid":"u1"}`, forwarded.Data)
}

func TestPublishWhileDisconnectedStillDeliversLocally(t *testing.T) {
	local := &recordingLocal{}
	bridge := newTestBridge(t, "node-a", local, &stubPublisher{connected: false})

	err := bridge.Publish(context.Background(), "lecture-1", "post", map[string]any{}, rooms.AudienceEveryone)
	if !errors.Is(err, errNotConnected) {
		t.Fatalf("expected not connected error, got %v", err)
	}
	if len(local.deliveries) != 1 {
		t.Fatalf("expected local delivery despite relay outage")
	}
}

func TestHandleMessageDeliversPeerEvents(t *testing.T) {
	peerLocal := &recordingLocal{}
	peer := newTestBridge(t, "node-b", peerLocal, &stubPublisher{connected: true})

	encoded, err := json.Marshal(envelope{
		Origin:   "node-a",
		Lecture:  "lecture-1",
		Event:    "comment",
		Audience: rooms.AudienceEveryone,
		Data:     json.RawMessage(`{"parentid":"p1","body":"hi"}`),
	})
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}

	peer.handleMessage(nil, stubMessage{topic: "campus/x", payload: encoded})

	if len(peerLocal.deliveries) != 1 {
		t.Fatalf("expected one delivery, got %d", len(peerLocal.deliveries))
	}
	delivered := peerLocal.deliveries[0]
	if delivered.lectureID != "lecture-1" || delivered.audience != rooms.AudienceEveryone {
		t.Fatalf("unexpected delivery %#v", delivered)
	}
	raw, ok := delivered.payload.(json.RawMessage)
	if !ok {
		t.Fatalf("expected raw payload, got %T", delivered.payload)
	}
	expectJSON(t, `{"parentid":"p1","body":"hi"}`, raw)
}

func TestHandleMessageSkipsOwnEchoes(t *testing.T) {
	local := &recordingLocal{}
	bridge := newTestBridge(t, "node-a", local, &stubPublisher{connected: true})

	encoded, err := json.Marshal(envelope{Origin: "node-a", Lecture: "lecture-1", Event: "post", Audience: rooms.AudienceEveryone, Data: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}

	bridge.handleMessage(nil, stubMessage{topic: "campus/x", payload: encoded})
	if len(local.deliveries) != 0 {
		t.Fatalf("expected own echo to be skipped")
	}
}

func TestHandleMessageNarrowsUnknownAudience(t *testing.T) {
	local := &recordingLocal{}
	bridge := newTestBridge(t, "node-b", local, &stubPublisher{connected: true})

	bridge.handleMessage(nil, stubMessage{topic: "campus/x", payload: []byte(`{"origin":"node-a","lecture":"l","event":"post","audience":"staff","data":{}}`)})
	bridge.handleMessage(nil, stubMessage{topic: "campus/x", payload: []byte(`not json`)})

	if len(local.deliveries) != 1 {
		t.Fatalf("expected only the well formed envelope delivered, got %d", len(local.deliveries))
	}
	if local.deliveries[0].audience != rooms.AudienceAuthenticated {
		t.Fatalf("expected unknown audience narrowed, got %q", local.deliveries[0].audience)
	}
}

func TestJoinPassesThrough(t *testing.T) {
	local := &recordingLocal{}
	bridge := newTestBridge(t, "node-a", local, nil)

	bridge.Join("lecture-1", nil)
	if local.joins != 1 {
		t.Fatalf("expected join forwarded to local rooms")
	}
}

func TestNewRequiresBrokerAndLocal(t *testing.T) {
	if _, err := New(Config{Local: &recordingLocal{}}); err == nil {
		t.Fatalf("expected missing broker error")
	}
	if _, err := New(Config{Broker: "tcp://broker:1883"}); err == nil {
		t.Fatalf("expected missing local rooms error")
	}
}
