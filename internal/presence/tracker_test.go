package presence

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type pushedCounts struct {
	event  string
	counts Counts
}

type stubViewer struct {
	id            string
	authenticated bool
	pushes        chan pushedCounts
}

func newStubViewer(id string, authenticated bool) *stubViewer {
	return &stubViewer{id: id, authenticated: authenticated, pushes: make(chan pushedCounts, 16)}
}

func (v *stubViewer) ID() string          { return v.id }
func (v *stubViewer) Authenticated() bool { return v.authenticated }

func (v *stubViewer) Emit(event string, payload any) bool {
	counts, _ := payload.(Counts)
	select {
	case v.pushes <- pushedCounts{event: event, counts: counts}:
		return true
	default:
		return false
	}
}

func (v *stubViewer) next(t *testing.T, within time.Duration) pushedCounts {
	t.Helper()
	select {
	case pushed := <-v.pushes:
		return pushed
	case <-time.After(within):
		t.Fatalf("no counts push within %s", within)
		return pushedCounts{}
	}
}

func openTestStore(t *testing.T) Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return NewStore(db)
}

func registerNotes(t *testing.T, store Store, lectureID string, noteIDs ...string) {
	t.Helper()
	for _, noteID := range noteIDs {
		if err := store.RegisterNote(context.Background(), NewNote(NoteID(noteID), LectureID(lectureID), "", time.Unix(0, 0))); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func newTestTracker(t *testing.T, store Store, interval time.Duration) *Tracker {
	t.Helper()
	tracker, err := NewTracker(TrackerConfig{Store: store, Interval: interval})
	if err != nil {
		t.Fatalf("failed to build tracker: %v", err)
	}
	t.Cleanup(tracker.Close)
	return tracker
}

func countsFor(t *testing.T, store Store, lectureIDs ...LectureID) Counts {
	t.Helper()
	counts, err := store.CountsForLectures(context.Background(), lectureIDs)
	if err != nil {
		t.Fatalf("counts query failed: %v", err)
	}
	return counts
}

func expectCounts(t *testing.T, expected, actual Counts) {
	t.Helper()
	if !reflect.DeepEqual(expected, actual) {
		t.Fatalf("expected counts %v, got %v", expected, actual)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	registerNotes(t, store, "lecture-1", "note-a")
	tracker := newTestTracker(t, store, time.Hour)
	viewer := newStubViewer("conn-1", false)

	if err := tracker.Join(context.Background(), viewer, "note-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tracker.Join(context.Background(), viewer, "note-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectCounts(t, Counts{"note-a": 1}, countsFor(t, store, "lecture-1"))
}

func TestJoinMovesContributionBetweenNotes(t *testing.T) {
	store := openTestStore(t)
	registerNotes(t, store, "lecture-1", "note-a", "note-b")
	tracker := newTestTracker(t, store, time.Hour)
	viewer := newStubViewer("conn-1", false)

	if err := tracker.Join(context.Background(), viewer, "note-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tracker.Join(context.Background(), viewer, "note-b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectCounts(t, Counts{"note-a": 0, "note-b": 1}, countsFor(t, store, "lecture-1"))
}

func TestJoinUnknownNoteFails(t *testing.T) {
	store := openTestStore(t)
	tracker := newTestTracker(t, store, time.Hour)

	err := tracker.Join(context.Background(), newStubViewer("conn-1", false), "missing")
	if !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("expected note not found, got %v", err)
	}
}

func TestJoinIgnoresAuthenticatedViewers(t *testing.T) {
	store := openTestStore(t)
	registerNotes(t, store, "lecture-1", "note-a")
	tracker := newTestTracker(t, store, time.Hour)

	if err := tracker.Join(context.Background(), newStubViewer("conn-1", true), "note-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectCounts(t, Counts{"note-a": 0}, countsFor(t, store, "lecture-1"))
}

func TestDisconnectRemovesContribution(t *testing.T) {
	store := openTestStore(t)
	registerNotes(t, store, "lecture-1", "note-a")
	tracker := newTestTracker(t, store, time.Hour)
	first := newStubViewer("conn-1", false)
	second := newStubViewer("conn-2", false)

	if err := tracker.Join(context.Background(), first, "note-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tracker.Join(context.Background(), second, "note-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expectCounts(t, Counts{"note-a": 2}, countsFor(t, store, "lecture-1"))

	tracker.Disconnect(context.Background(), first)
	expectCounts(t, Counts{"note-a": 1}, countsFor(t, store, "lecture-1"))

	tracker.Disconnect(context.Background(), first)
	expectCounts(t, Counts{"note-a": 1}, countsFor(t, store, "lecture-1"))
}

func TestWatchPushesImmediatelyAndPeriodically(t *testing.T) {
	store := openTestStore(t)
	registerNotes(t, store, "lecture-1", "note-a", "note-b")
	registerNotes(t, store, "lecture-2", "note-c")
	tracker := newTestTracker(t, store, 20*time.Millisecond)
	watcher := newStubViewer("watcher", true)

	tracker.Watch(context.Background(), watcher, "lecture-1")

	immediate := watcher.next(t, 50*time.Millisecond)
	if immediate.event != EventCounts {
		t.Fatalf("unexpected event %q", immediate.event)
	}
	expectCounts(t, Counts{"note-a": 0, "note-b": 0}, immediate.counts)

	periodic := watcher.next(t, time.Second)
	expectCounts(t, Counts{"note-a": 0, "note-b": 0}, periodic.counts)

	editor := newStubViewer("editor", false)
	if err := tracker.Join(context.Background(), editor, "note-b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tracker.Watch(context.Background(), watcher, "lecture-2")

	widened := watcher.next(t, time.Second)
	for widened.counts["note-c"] != 0 || widened.counts["note-b"] != 1 || len(widened.counts) != 3 {
		widened = watcher.next(t, time.Second)
	}
	expectCounts(t, Counts{"note-a": 0, "note-b": 1, "note-c": 0}, widened.counts)
}

func TestDisconnectStopsPushes(t *testing.T) {
	store := openTestStore(t)
	registerNotes(t, store, "lecture-1", "note-a")
	tracker := newTestTracker(t, store, 10*time.Millisecond)
	watcher := newStubViewer("watcher", false)

	tracker.Watch(context.Background(), watcher, "lecture-1")
	watcher.next(t, 50*time.Millisecond)
	tracker.Disconnect(context.Background(), watcher)

	// Drain a push that may have been in flight when the loop was cancelled.
	time.Sleep(30 * time.Millisecond)
	for len(watcher.pushes) > 0 {
		<-watcher.pushes
	}
	time.Sleep(50 * time.Millisecond)
	if pending := len(watcher.pushes); pending != 0 {
		t.Fatalf("expected no pushes after disconnect, got %d", pending)
	}
}

type gatedStore struct {
	Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedStore) AddCollaborator(ctx context.Context, noteID NoteID, collaboratorID string, atSeconds int64) (bool, error) {
	added, err := s.Store.AddCollaborator(ctx, noteID, collaboratorID, atSeconds)
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return added, err
}

func TestDisconnectDuringJoinConvergesToRemoved(t *testing.T) {
	base := openTestStore(t)
	registerNotes(t, base, "lecture-1", "note-a")
	store := &gatedStore{Store: base, entered: make(chan struct{}), release: make(chan struct{})}
	tracker := newTestTracker(t, store, time.Hour)
	viewer := newStubViewer("conn-1", false)

	joined := make(chan error, 1)
	go func() {
		joined <- tracker.Join(context.Background(), viewer, "note-a")
	}()

	<-store.entered
	tracker.Disconnect(context.Background(), viewer)
	close(store.release)
	if err := <-joined; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectCounts(t, Counts{"note-a": 0}, countsFor(t, base, "lecture-1"))
}

func TestClearCollaboratorsDropsStaleRows(t *testing.T) {
	store := openTestStore(t)
	registerNotes(t, store, "lecture-1", "note-a")
	_, err := store.AddCollaborator(context.Background(), "note-a", "left-over", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	removed, err := store.ClearCollaborators(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one stale row removed, got %d", removed)
	}
	expectCounts(t, Counts{"note-a": 0}, countsFor(t, store, "lecture-1"))
}

func TestCountsForLecturesWithoutLectures(t *testing.T) {
	store := openTestStore(t)
	expectCounts(t, Counts{}, countsFor(t, store))
}

func TestNewNoteTrimsTitle(t *testing.T) {
	note := NewNote("n", "l", "  "+strings.Repeat("t", maxTitleLength+5)+" ", time.Unix(42, 0))
	if len(note.Title) != maxTitleLength || note.CreatedAtSeconds != 42 {
		t.Fatalf("unexpected note %q/%d", note.Title, note.CreatedAtSeconds)
	}
}

func TestNewTrackerRequiresStore(t *testing.T) {
	_, err := NewTracker(TrackerConfig{})
	if err == nil {
		t.Fatalf("expected error for missing store")
	}
}
