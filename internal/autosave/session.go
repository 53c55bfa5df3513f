// Package autosave keeps a canvas note durably saved while it is being edited.
//
// A Session owns the save pipeline of one open note: every edit lands in the
// local draft store immediately, and the canvas snapshot is periodically
// pushed to the remote store with an optimistic watermark check. At most one
// remote save runs at a time. A stale watermark freezes saving until the
// caller resolves the conflict by reloading the server copy or overwriting it.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/drafts"
	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/notes"
	"go.uber.org/zap"
)

const (
	DefaultDebounceDelay     = 1200 * time.Millisecond
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultRevisionInterval  = 30 * time.Second
	DefaultRevisionKeep      = 20
	DefaultHistoryLimit      = 10
)

var (
	// ErrInvalidSessionConfig indicates that required dependencies are missing.
	ErrInvalidSessionConfig = errors.New("autosave: invalid session config")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("autosave: session closed")
	// ErrConflictPending is returned while a conflict awaits resolution.
	ErrConflictPending = errors.New("autosave: conflict pending")
	// ErrNoConflict is returned by resolution calls when nothing conflicts.
	ErrNoConflict = errors.New("autosave: no conflict pending")
	// ErrResolutionInFlight is returned when a resolution is already running.
	ErrResolutionInFlight = errors.New("autosave: resolution in flight")
	// ErrNoDraft is returned when no newer local draft was offered.
	ErrNoDraft = errors.New("autosave: no draft offered")
	// ErrEmptyRevision is returned when restoring a revision without a document.
	ErrEmptyRevision = errors.New("autosave: revision has no snapshot")

	errMissingNoteID    = errors.New("note id is required")
	errMissingCanvas    = errors.New("canvas is required")
	errMissingRemote    = errors.New("remote store is required")
	errMissingRevisions = errors.New("revision log is required")
	errMissingDrafts    = errors.New("draft store is required")

	noOpLogger = zap.NewNop()
)

// LoadOptions controls how a snapshot replaces the canvas contents.
type LoadOptions struct {
	ForceOverwrite bool
}

// Canvas is the editor surface being saved.
type Canvas interface {
	Snapshot() notes.Snapshot
	LoadSnapshot(snapshot notes.Snapshot, options LoadOptions) error
}

// RemoteStore is the authoritative copy of the note.
type RemoteStore interface {
	UpdateIfWatermark(ctx context.Context, noteID notes.NoteID, doc notes.Snapshot, expected notes.Watermark) (notes.Watermark, error)
	ReadCurrent(ctx context.Context, noteID notes.NoteID) (notes.Current, error)
}

// RevisionLog keeps the bounded history of a note.
type RevisionLog interface {
	AppendRevision(ctx context.Context, noteID notes.NoteID, doc notes.Snapshot, reason string) (notes.RevisionEntry, error)
	ListRevisions(ctx context.Context, noteID notes.NoteID, limit int) ([]notes.RevisionEntry, error)
	PruneRevisions(ctx context.Context, noteID notes.NoteID, keep int) (int, error)
}

// DraftStore is the device-local crash buffer.
type DraftStore interface {
	Persist(noteID notes.NoteID, snapshot notes.Snapshot)
	RestoreIfNewer(noteID notes.NoteID, baselineMillis int64) (drafts.Draft, bool)
	Clear(noteID notes.NoteID)
}

// Reachability reports whether the network is believed to be available.
type Reachability interface {
	Online() bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool {
	return true
}

type SessionConfig struct {
	NoteID notes.NoteID
	// InitialUpdatedAt is the watermark of the copy the canvas was loaded
	// from. Zero makes the first save unconditional.
	InitialUpdatedAt notes.Watermark

	Canvas    Canvas
	Remote    RemoteStore
	Revisions RevisionLog
	Drafts    DraftStore
	Network   Reachability
	Timers    Timers
	Clock     func() time.Time
	Logger    *zap.Logger

	DebounceDelay     time.Duration
	HeartbeatInterval time.Duration
	RevisionInterval  time.Duration
	RevisionKeep      int
	HistoryLimit      int
}

// Conflict is a rejected save awaiting a user decision.
type Conflict struct {
	ServerSnapshot  notes.Snapshot
	ServerUpdatedAt notes.Watermark
	PendingSnapshot notes.Snapshot
	DetectedAt      time.Time

	pendingSeq uint64
}

// HasServerSnapshot reports whether the server copy carries a document.
func (c Conflict) HasServerSnapshot() bool {
	return !c.ServerSnapshot.IsEmpty()
}

type Session struct {
	noteID    notes.NoteID
	canvas    Canvas
	remote    RemoteStore
	revisions RevisionLog
	drafts    DraftStore
	network   Reachability
	timers    Timers
	clock     func() time.Time
	logger    *zap.Logger
	status    *StatusBroadcaster

	debounceDelay     time.Duration
	heartbeatInterval time.Duration
	revisionInterval  time.Duration
	revisionKeep      int
	historyLimit      int

	ctx      context.Context
	attempts sync.WaitGroup

	mu             sync.Mutex
	dirty          bool
	editSeq        uint64
	inFlight       bool
	queued         bool
	watermark      notes.Watermark
	conflict       *Conflict
	draftOffer     *drafts.Draft
	lastSavedAt    time.Time
	lastRevisionAt time.Time
	debounce       Timer
	heartbeat      Timer
	closed         bool
}

// Open starts a save session for a note whose canvas has just been loaded.
// Timer-driven saves run with ctx.
func Open(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.NoteID == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSessionConfig, errMissingNoteID)
	}
	if cfg.Canvas == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSessionConfig, errMissingCanvas)
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSessionConfig, errMissingRemote)
	}
	if cfg.Revisions == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSessionConfig, errMissingRevisions)
	}
	if cfg.Drafts == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSessionConfig, errMissingDrafts)
	}

	session := &Session{
		noteID:            cfg.NoteID,
		canvas:            cfg.Canvas,
		remote:            cfg.Remote,
		revisions:         cfg.Revisions,
		drafts:            cfg.Drafts,
		network:           cfg.Network,
		timers:            cfg.Timers,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
		status:            NewStatusBroadcaster(cfg.NoteID),
		debounceDelay:     durationOrDefault(cfg.DebounceDelay, DefaultDebounceDelay),
		heartbeatInterval: durationOrDefault(cfg.HeartbeatInterval, DefaultHeartbeatInterval),
		revisionInterval:  durationOrDefault(cfg.RevisionInterval, DefaultRevisionInterval),
		revisionKeep:      cfg.RevisionKeep,
		historyLimit:      cfg.HistoryLimit,
		ctx:               ctx,
		watermark:         cfg.InitialUpdatedAt,
	}
	if session.network == nil {
		session.network = alwaysOnline{}
	}
	if session.timers == nil {
		session.timers = NewRealTimers()
	}
	if session.clock == nil {
		session.clock = time.Now
	}
	if session.logger == nil {
		session.logger = noOpLogger
	}
	if session.revisionKeep <= 0 {
		session.revisionKeep = DefaultRevisionKeep
	}
	if session.historyLimit <= 0 {
		session.historyLimit = DefaultHistoryLimit
	}
	if session.ctx == nil {
		session.ctx = context.Background()
	}
	session.logger = session.logger.With(zap.String("note_id", cfg.NoteID.String()))

	if draft, ok := session.drafts.RestoreIfNewer(cfg.NoteID, cfg.InitialUpdatedAt.Millis()); ok {
		session.draftOffer = &draft
		session.logger.Info("newer local draft available",
			zap.Int64("draft_updated_at_ms", draft.UpdatedAt),
			zap.Int64("server_updated_at_ms", cfg.InitialUpdatedAt.Millis()))
	} else {
		session.drafts.Persist(cfg.NoteID, session.canvas.Snapshot())
	}

	session.heartbeat = session.timers.Every(session.heartbeatInterval, session.onHeartbeat)
	return session, nil
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func (s *Session) NoteID() notes.NoteID {
	return s.noteID
}

// Edit records a canvas change: the draft is written synchronously and the
// debounce timer restarts.
func (s *Session) Edit() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.dirty = true
	s.editSeq++
	s.stopDebounceLocked()
	s.debounce = s.timers.AfterFunc(s.debounceDelay, s.onDebounce)
	s.publishLocked(StatusIdle)
	s.mu.Unlock()

	s.drafts.Persist(s.noteID, s.canvas.Snapshot())
}

// Status returns the latest published status event.
func (s *Session) Status() Event {
	return s.status.Current()
}

// Subscribe streams status events until ctx ends or the session closes.
func (s *Session) Subscribe(ctx context.Context) (<-chan Event, func()) {
	return s.status.Subscribe(ctx)
}

// Dirty reports whether the canvas holds changes the server has not confirmed.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Watermark returns the last server watermark this session holds.
func (s *Session) Watermark() notes.Watermark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// Conflict returns the pending conflict, if any.
func (s *Session) Conflict() (Conflict, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflict == nil {
		return Conflict{}, false
	}
	return *s.conflict, true
}

// Unload writes the current canvas to the draft store when it is dirty and
// reports whether unsaved changes remain.
func (s *Session) Unload() bool {
	s.mu.Lock()
	dirty := s.dirty
	s.mu.Unlock()
	if dirty {
		s.drafts.Persist(s.noteID, s.canvas.Snapshot())
	}
	return dirty
}

// Close stops both timers and waits for an in-flight save to finish.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopDebounceLocked()
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
	s.mu.Unlock()

	s.attempts.Wait()
	s.status.Close()
}

func (s *Session) onDebounce() {
	if !s.saveDue() {
		return
	}
	_ = s.save(s.ctx)
}

func (s *Session) onHeartbeat() {
	if !s.saveDue() {
		return
	}
	_ = s.save(s.ctx)
}

func (s *Session) saveDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.dirty && s.conflict == nil
}

func (s *Session) stopDebounceLocked() {
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
}

func (s *Session) publish(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(status)
}

func (s *Session) publishLocked(status Status) {
	event := Event{NoteID: s.noteID, Status: status}
	if status == StatusSaved {
		event.SavedAt = s.lastSavedAt
	}
	if s.conflict != nil {
		event.Conflict = &ConflictView{
			ServerUpdatedAt:   s.conflict.ServerUpdatedAt,
			HasServerSnapshot: s.conflict.HasServerSnapshot(),
		}
	}
	s.status.Publish(event)
}
