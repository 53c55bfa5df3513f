package autosave

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/drafts"
	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/notes"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testNoteID = notes.NoteID("note-1")

var testStart = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *fakeClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(delta)
}

type fakeCanvas struct {
	mu      sync.Mutex
	doc     notes.Snapshot
	loads   []notes.Snapshot
	loadErr error
}

func (c *fakeCanvas) Snapshot() notes.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Clone()
}

func (c *fakeCanvas) LoadSnapshot(snapshot notes.Snapshot, options LoadOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loadErr != nil {
		return c.loadErr
	}
	if !options.ForceOverwrite {
		return fmt.Errorf("expected forced load")
	}
	c.doc = snapshot.Clone()
	c.loads = append(c.loads, snapshot.Clone())
	return nil
}

func (c *fakeCanvas) set(doc string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.doc = notes.Snapshot(doc)
}

type fakeRemote struct {
	mu          sync.Mutex
	clock       *fakeClock
	doc         notes.Snapshot
	watermark   notes.Watermark
	updateCalls int
	readCalls   int
	active      int
	maxActive   int
	failures    []error
	readErr     error
	gate        chan struct{}
	entered     chan struct{}
}

func (r *fakeRemote) UpdateIfWatermark(ctx context.Context, noteID notes.NoteID, doc notes.Snapshot, expected notes.Watermark) (notes.Watermark, error) {
	r.mu.Lock()
	r.updateCalls++
	r.active++
	if r.active > r.maxActive {
		r.maxActive = r.active
	}
	gate := r.gate
	r.mu.Unlock()

	if gate != nil {
		select {
		case r.entered <- struct{}{}:
		default:
		}
		<-gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.active--
	if len(r.failures) > 0 {
		failure := r.failures[0]
		r.failures = r.failures[1:]
		return 0, failure
	}
	if !expected.IsZero() && expected != r.watermark {
		return 0, notes.ErrWatermarkConflict
	}
	r.watermark = notes.NextWatermark(r.clock.Now(), r.watermark)
	r.doc = doc.Clone()
	return r.watermark, nil
}

func (r *fakeRemote) ReadCurrent(ctx context.Context, noteID notes.NoteID) (notes.Current, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readCalls++
	if r.readErr != nil {
		return notes.Current{}, r.readErr
	}
	return notes.Current{Doc: r.doc.Clone(), UpdatedAt: r.watermark}, nil
}

// writeFromElsewhere simulates another session saving the note.
func (r *fakeRemote) writeFromElsewhere(doc string) notes.Watermark {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watermark = notes.NextWatermark(r.clock.Now(), r.watermark)
	r.doc = notes.Snapshot(doc)
	return r.watermark
}

func (r *fakeRemote) failNext(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func (r *fakeRemote) block() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gate = make(chan struct{})
	r.entered = make(chan struct{}, 8)
}

func (r *fakeRemote) stats() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateCalls, r.maxActive
}

func (r *fakeRemote) current() (string, notes.Watermark) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.String(), r.watermark
}

type fakeRevisionLog struct {
	mu        sync.Mutex
	clock     *fakeClock
	entries   []notes.RevisionEntry
	appendErr error
	sequence  int
}

func (l *fakeRevisionLog) AppendRevision(ctx context.Context, noteID notes.NoteID, doc notes.Snapshot, reason string) (notes.RevisionEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.appendErr != nil {
		return notes.RevisionEntry{}, l.appendErr
	}
	l.sequence++
	entry := notes.RevisionEntry{
		ID:        fmt.Sprintf("rev-%03d", l.sequence),
		NoteID:    noteID,
		Doc:       doc.Clone(),
		CreatedAt: l.clock.Now(),
		Reason:    reason,
	}
	l.entries = append(l.entries, entry)
	return entry, nil
}

func (l *fakeRevisionLog) ListRevisions(ctx context.Context, noteID notes.NoteID, limit int) ([]notes.RevisionEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ordered := l.newestFirstLocked()
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}
	return ordered, nil
}

func (l *fakeRevisionLog) PruneRevisions(ctx context.Context, noteID notes.NoteID, keep int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ordered := l.newestFirstLocked()
	if len(ordered) <= keep {
		return 0, nil
	}
	removed := len(ordered) - keep
	kept := ordered[:keep]
	sort.Slice(kept, func(i, j int) bool { return kept[i].ID < kept[j].ID })
	l.entries = kept
	return removed, nil
}

func (l *fakeRevisionLog) newestFirstLocked() []notes.RevisionEntry {
	ordered := append([]notes.RevisionEntry(nil), l.entries...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID > ordered[j].ID })
	return ordered
}

func (l *fakeRevisionLog) reasons() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	reasons := make([]string, 0, len(l.entries))
	for _, entry := range l.entries {
		reasons = append(reasons, entry.Reason)
	}
	return reasons
}

func (l *fakeRevisionLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

type fakeNetwork struct {
	mu     sync.Mutex
	online bool
}

func (n *fakeNetwork) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *fakeNetwork) set(online bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.online = online
}

type fakeTimer struct {
	owner   *fakeTimers
	task    func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	t.stopped = true
}

type fakeTimers struct {
	mu       sync.Mutex
	once     []*fakeTimer
	periodic []*fakeTimer
}

func (f *fakeTimers) AfterFunc(delay time.Duration, task func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	timer := &fakeTimer{owner: f, task: task}
	f.once = append(f.once, timer)
	return timer
}

func (f *fakeTimers) Every(interval time.Duration, task func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	timer := &fakeTimer{owner: f, task: task}
	f.periodic = append(f.periodic, timer)
	return timer
}

// fireDebounce runs every pending one-shot timer and reports how many ran.
func (f *fakeTimers) fireDebounce() int {
	f.mu.Lock()
	var due []*fakeTimer
	for _, timer := range f.once {
		if !timer.stopped && !timer.fired {
			timer.fired = true
			due = append(due, timer)
		}
	}
	f.mu.Unlock()
	for _, timer := range due {
		timer.task()
	}
	return len(due)
}

func (f *fakeTimers) pendingDebounce() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	pending := 0
	for _, timer := range f.once {
		if !timer.stopped && !timer.fired {
			pending++
		}
	}
	return pending
}

func (f *fakeTimers) fireHeartbeat() {
	f.mu.Lock()
	var due []*fakeTimer
	for _, timer := range f.periodic {
		if !timer.stopped {
			due = append(due, timer)
		}
	}
	f.mu.Unlock()
	for _, timer := range due {
		timer.task()
	}
}

type harness struct {
	session      *Session
	canvas       *fakeCanvas
	remote       *fakeRemote
	revisions    *fakeRevisionLog
	drafts       *drafts.Store
	draftBackend *drafts.MemoryBackend
	network      *fakeNetwork
	timers       *fakeTimers
	clock        *fakeClock
	logs         *observer.ObservedLogs
}

type harnessOption func(*harness, *SessionConfig)

func withDraft(doc string, updatedAt time.Time) harnessOption {
	return func(h *harness, cfg *SessionConfig) {
		store, err := drafts.NewStore(drafts.StoreConfig{
			Backend: h.draftBackend,
			Clock:   func() time.Time { return updatedAt },
		})
		if err != nil {
			panic(err)
		}
		store.Persist(cfg.NoteID, notes.Snapshot(doc))
	}
}

// onLogMessage runs action synchronously whenever the session logs message.
func onLogMessage(message string, action func(h *harness)) harnessOption {
	return func(h *harness, cfg *SessionConfig) {
		cfg.Logger = cfg.Logger.WithOptions(zap.Hooks(func(entry zapcore.Entry) error {
			if entry.Message == message {
				action(h)
			}
			return nil
		}))
	}
}

func newHarness(t *testing.T, options ...harnessOption) *harness {
	t.Helper()
	clock := &fakeClock{current: testStart}
	initial := notes.Watermark(testStart.Add(-time.Minute).UnixMicro())
	h := &harness{
		canvas:       &fakeCanvas{doc: notes.Snapshot(`{"v":0}`)},
		remote:       &fakeRemote{clock: clock, doc: notes.Snapshot(`{"v":0}`), watermark: initial},
		revisions:    &fakeRevisionLog{clock: clock},
		draftBackend: drafts.NewMemoryBackend(),
		network:      &fakeNetwork{online: true},
		timers:       &fakeTimers{},
		clock:        clock,
	}
	draftStore, err := drafts.NewStore(drafts.StoreConfig{Backend: h.draftBackend, Clock: clock.Now})
	if err != nil {
		t.Fatalf("unexpected draft store error: %v", err)
	}
	h.drafts = draftStore

	core, logs := observer.New(zapcore.DebugLevel)
	h.logs = logs

	cfg := SessionConfig{
		NoteID:           testNoteID,
		InitialUpdatedAt: initial,
		Canvas:           h.canvas,
		Remote:           h.remote,
		Revisions:        h.revisions,
		Drafts:           h.drafts,
		Network:          h.network,
		Timers:           h.timers,
		Clock:            clock.Now,
		Logger:           zap.New(core),
	}
	for _, option := range options {
		option(h, &cfg)
	}

	session, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	t.Cleanup(session.Close)
	h.session = session
	return h
}

// edit changes the canvas and notifies the session, as an editor would.
func (h *harness) edit(doc string) {
	h.canvas.set(doc)
	h.session.Edit()
}

func (h *harness) draftDoc(t *testing.T) string {
	t.Helper()
	draft, ok := h.drafts.Read(testNoteID)
	if !ok {
		t.Fatalf("expected a local draft")
	}
	return draft.Snapshot.String()
}

func expectStatus(t *testing.T, session *Session, expected Status) Event {
	t.Helper()
	event := session.Status()
	if event.Status != expected {
		t.Fatalf("expected status %s, got %s", expected, event.Status)
	}
	return event
}
