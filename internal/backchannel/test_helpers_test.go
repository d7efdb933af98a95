package backchannel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/backchannel/internal/rooms"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type publishedEvent struct {
	lectureID string
	event     string
	payload   any
	audience  rooms.Audience
}

type recordingRooms struct {
	mu        sync.Mutex
	joins     []string
	published []publishedEvent
}

func (r *recordingRooms) Join(lectureID string, _ rooms.Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joins = append(r.joins, lectureID)
}

func (r *recordingRooms) Publish(_ context.Context, lectureID, event string, payload any, audience rooms.Audience) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, publishedEvent{lectureID: lectureID, event: event, payload: payload, audience: audience})
	return nil
}

func (r *recordingRooms) events() []publishedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]publishedEvent(nil), r.published...)
}

type stubMember struct {
	id            string
	authenticated bool
}

func (m stubMember) ID() string            { return m.id }
func (m stubMember) Authenticated() bool   { return m.authenticated }
func (m stubMember) Deliver(_ []byte) bool { return true }

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
	step    time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	value := c.current
	c.current = c.current.Add(c.step)
	return value
}

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (g *sequentialIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("post-%d", g.next), nil
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}

func newTestService(t *testing.T, roomSet Rooms, store Store) *Service {
	t.Helper()
	if store == nil {
		store = NewStore(openTestDatabase(t))
	}
	clock := &steppingClock{current: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC), step: time.Second}
	service, err := NewService(ServiceConfig{
		Store:      store,
		Rooms:      roomSet,
		Clock:      clock.Now,
		IDProvider: &sequentialIDs{},
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func mustLectureID(t *testing.T, value string) LectureID {
	t.Helper()
	id, err := NewLectureID(value)
	if err != nil {
		t.Fatalf("unexpected lecture id error: %v", err)
	}
	return id
}

func mustPostID(t *testing.T, value string) PostID {
	t.Helper()
	id, err := NewPostID(value)
	if err != nil {
		t.Fatalf("unexpected post id error: %v", err)
	}
	return id
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}
