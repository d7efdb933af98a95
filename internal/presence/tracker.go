package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/backchannel/internal/metrics"
	"go.uber.org/zap"
)

// DefaultInterval is the period between counts pushes to a watching connection.
const DefaultInterval = 5 * time.Second

var errMissingStore = errors.New("presence: store is required")

// Viewer is a live /counts connection.
type Viewer interface {
	ID() string
	Authenticated() bool
	// Emit queues an event for the viewer without blocking and reports whether it was accepted.
	Emit(event string, payload any) bool
}

type TrackerConfig struct {
	Store    Store
	Interval time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// watchEntry is the per-connection presence state.
type watchEntry struct {
	viewer   Viewer
	noteID   NoteID
	lectures []LectureID
	cancel   context.CancelFunc
	closed   bool
}

// Tracker maintains collaborator sets for anonymous viewers and pushes counts to watchers.
type Tracker struct {
	store    Store
	interval time.Duration
	clock    func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[string]*watchEntry

	baseCtx   context.Context
	cancelAll context.CancelFunc
	loops     sync.WaitGroup
}

func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		store:     cfg.Store,
		interval:  interval,
		clock:     clock,
		logger:    logger,
		entries:   make(map[string]*watchEntry),
		baseCtx:   baseCtx,
		cancelAll: cancel,
	}, nil
}

// Join adds an anonymous viewer to the note's collaborator set, withdrawing
// its contribution to any other note. Authenticated viewers are ignored.
func (t *Tracker) Join(ctx context.Context, viewer Viewer, noteID NoteID) error {
	if viewer.Authenticated() {
		return nil
	}

	t.mu.Lock()
	entry := t.entryLocked(viewer)
	if entry.closed || entry.noteID == noteID {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if _, err := t.store.AddCollaborator(ctx, noteID, viewer.ID(), t.clock().UTC().Unix()); err != nil {
		if !errors.Is(err, ErrNoteNotFound) {
			t.logger.Error("presence join failed",
				zap.String("viewer_id", viewer.ID()),
				zap.String("note_id", noteID.String()),
				zap.Error(err))
		}
		return fmt.Errorf("presence join %s: %w", noteID, err)
	}

	t.mu.Lock()
	if entry.closed {
		t.mu.Unlock()
		// Disconnect ran while the insert was in flight.
		t.withdraw(ctx, noteID, viewer.ID())
		return nil
	}
	previous := entry.noteID
	entry.noteID = noteID
	t.mu.Unlock()

	if previous != "" && previous != noteID {
		t.withdraw(ctx, previous, viewer.ID())
	}
	return nil
}

// Watch records interest in the lecture's notes, pushes counts immediately and
// starts the periodic push for the connection if it is not already running.
func (t *Tracker) Watch(ctx context.Context, viewer Viewer, lectureID LectureID) {
	t.mu.Lock()
	entry := t.entryLocked(viewer)
	if entry.closed {
		t.mu.Unlock()
		return
	}
	if !containsLecture(entry.lectures, lectureID) {
		entry.lectures = append(entry.lectures, lectureID)
	}
	if entry.cancel == nil {
		loopCtx, cancel := context.WithCancel(t.baseCtx)
		entry.cancel = cancel
		t.loops.Add(1)
		go t.pushLoop(loopCtx, entry)
	}
	t.mu.Unlock()

	t.push(ctx, entry)
}

// Disconnect stops the connection's pushes and removes its collaborator contribution.
func (t *Tracker) Disconnect(ctx context.Context, viewer Viewer) {
	t.mu.Lock()
	entry, ok := t.entries[viewer.ID()]
	if !ok {
		t.mu.Unlock()
		return
	}
	entry.closed = true
	delete(t.entries, viewer.ID())
	noteID := entry.noteID
	entry.noteID = ""
	cancel := entry.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if noteID != "" {
		t.withdraw(ctx, noteID, viewer.ID())
	}
}

// Close cancels every push loop and waits for them to exit.
func (t *Tracker) Close() {
	t.cancelAll()
	t.loops.Wait()
}

func (t *Tracker) entryLocked(viewer Viewer) *watchEntry {
	entry, ok := t.entries[viewer.ID()]
	if !ok {
		entry = &watchEntry{viewer: viewer}
		t.entries[viewer.ID()] = entry
	}
	return entry
}

func (t *Tracker) pushLoop(ctx context.Context, entry *watchEntry) {
	defer t.loops.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.push(ctx, entry)
		}
	}
}

func (t *Tracker) push(ctx context.Context, entry *watchEntry) {
	t.mu.Lock()
	if entry.closed {
		t.mu.Unlock()
		return
	}
	lectures := append([]LectureID(nil), entry.lectures...)
	t.mu.Unlock()

	counts, err := t.store.CountsForLectures(ctx, lectures)
	if err != nil {
		metrics.CountsPushes.WithLabelValues(metrics.OutcomeFailed).Inc()
		t.logger.Warn("presence counts query failed",
			zap.String("viewer_id", entry.viewer.ID()),
			zap.Error(err))
		return
	}
	if !entry.viewer.Emit(EventCounts, counts) {
		metrics.CountsPushes.WithLabelValues(metrics.OutcomeRejected).Inc()
		return
	}
	metrics.CountsPushes.WithLabelValues(metrics.OutcomeApplied).Inc()
}

func (t *Tracker) withdraw(ctx context.Context, noteID NoteID, viewerID string) {
	if err := t.store.RemoveCollaborator(context.WithoutCancel(ctx), noteID, viewerID); err != nil {
		t.logger.Error("presence withdraw failed",
			zap.String("viewer_id", viewerID),
			zap.String("note_id", noteID.String()),
			zap.Error(err))
	}
}

func containsLecture(lectures []LectureID, lectureID LectureID) bool {
	for _, existing := range lectures {
		if existing == lectureID {
			return true
		}
	}
	return false
}
