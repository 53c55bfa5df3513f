package autosave

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/notes"
)

func TestRapidEditsCoalesceIntoOneSave(t *testing.T) {
	h := newHarness(t)

	h.edit(`{"v":1}`)
	h.clock.Advance(500 * time.Millisecond)
	h.edit(`{"v":2}`)

	if pending := h.timers.pendingDebounce(); pending != 1 {
		t.Fatalf("expected the second edit to reset the debounce, got %d pending", pending)
	}
	if fired := h.timers.fireDebounce(); fired != 1 {
		t.Fatalf("expected one debounce to fire, got %d", fired)
	}

	calls, _ := h.remote.stats()
	if calls != 1 {
		t.Fatalf("expected exactly one remote update, got %d", calls)
	}
	doc, watermark := h.remote.current()
	if doc != `{"v":2}` {
		t.Fatalf("expected server to hold the latest canvas, got %s", doc)
	}
	event := expectStatus(t, h.session, StatusSaved)
	if event.SavedAt.IsZero() {
		t.Fatalf("expected saved event to carry a timestamp")
	}
	if h.session.Dirty() {
		t.Fatalf("expected session to be clean")
	}
	if h.session.Watermark() != watermark {
		t.Fatalf("expected session to adopt watermark %d, got %d", watermark, h.session.Watermark())
	}
	if h.revisions.count() != 1 {
		t.Fatalf("expected one autosave revision, got %d", h.revisions.count())
	}
	if draft := h.draftDoc(t); draft != `{"v":2}` {
		t.Fatalf("expected draft to hold the latest canvas, got %s", draft)
	}
}

func TestEditPersistsDraftBeforeAnySave(t *testing.T) {
	h := newHarness(t)

	h.edit(`{"v":"local"}`)

	if draft := h.draftDoc(t); draft != `{"v":"local"}` {
		t.Fatalf("expected edit to land in the draft store, got %s", draft)
	}
	if calls, _ := h.remote.stats(); calls != 0 {
		t.Fatalf("expected no remote call before the debounce fires, got %d", calls)
	}
	expectStatus(t, h.session, StatusIdle)
}

func TestSaveIsSkippedWhileAnotherIsInFlight(t *testing.T) {
	h := newHarness(t)
	h.remote.block()
	h.edit(`{"v":1}`)

	done := make(chan error, 1)
	go func() {
		done <- h.session.SaveNow(context.Background())
	}()
	select {
	case <-h.remote.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the first save to reach the remote store")
	}

	h.edit(`{"v":2}`)
	if err := h.session.SaveNow(context.Background()); err != nil {
		t.Fatalf("expected queued save to return nil, got %v", err)
	}
	h.timers.fireHeartbeat()
	h.timers.fireDebounce()

	close(h.remote.gate)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected save error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected in-flight save to finish")
	}

	calls, maxActive := h.remote.stats()
	if maxActive != 1 {
		t.Fatalf("expected at most one concurrent update, got %d", maxActive)
	}
	if calls != 2 {
		t.Fatalf("expected the queued triggers to collapse into one follow-up, got %d updates", calls)
	}
	doc, _ := h.remote.current()
	if doc != `{"v":2}` {
		t.Fatalf("expected follow-up to save the latest canvas, got %s", doc)
	}
	if h.session.Dirty() {
		t.Fatalf("expected session to be clean after follow-up")
	}
}

func TestEditDuringSaveKeepsSessionDirty(t *testing.T) {
	h := newHarness(t)
	h.remote.block()
	h.edit(`{"v":1}`)

	done := make(chan error, 1)
	go func() {
		done <- h.session.SaveNow(context.Background())
	}()
	<-h.remote.entered

	h.edit(`{"v":2}`)
	close(h.remote.gate)
	if err := <-done; err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	doc, _ := h.remote.current()
	if doc != `{"v":1}` {
		t.Fatalf("expected first save to carry the captured snapshot, got %s", doc)
	}
	if !h.session.Dirty() {
		t.Fatalf("expected edit made during the save to keep the session dirty")
	}

	h.timers.fireDebounce()
	doc, _ = h.remote.current()
	if doc != `{"v":2}` || h.session.Dirty() {
		t.Fatalf("expected debounce to save the later edit, got %s dirty=%v", doc, h.session.Dirty())
	}
}

func TestTransientFailureRetriesOnHeartbeat(t *testing.T) {
	h := newHarness(t)
	h.network.set(false)
	h.remote.failNext(errors.New("connection refused"))

	h.edit(`{"v":1}`)
	h.timers.fireDebounce()

	expectStatus(t, h.session, StatusOffline)
	if !h.session.Dirty() {
		t.Fatalf("expected failed save to leave the session dirty")
	}
	if draft := h.draftDoc(t); draft != `{"v":1}` {
		t.Fatalf("expected draft to hold the unsaved canvas, got %s", draft)
	}

	h.network.set(true)
	h.clock.Advance(DefaultHeartbeatInterval)
	h.timers.fireHeartbeat()

	expectStatus(t, h.session, StatusSaved)
	doc, _ := h.remote.current()
	if doc != `{"v":1}` {
		t.Fatalf("expected heartbeat retry to save, got %s", doc)
	}
}

func TestFailureWhileOnlineReportsError(t *testing.T) {
	h := newHarness(t)
	h.remote.failNext(errors.New("internal error"))

	h.edit(`{"v":1}`)
	if err := h.session.SaveNow(context.Background()); err == nil {
		t.Fatalf("expected save error to be returned")
	}

	expectStatus(t, h.session, StatusError)
	if h.logs.FilterMessage("save attempt failed").Len() != 1 {
		t.Fatalf("expected failure to be logged")
	}
}

func TestHeartbeatSkipsCleanSession(t *testing.T) {
	h := newHarness(t)

	h.timers.fireHeartbeat()

	if calls, _ := h.remote.stats(); calls != 0 {
		t.Fatalf("expected clean session to skip the heartbeat save, got %d", calls)
	}
}

func TestRevisionCheckpointsAreRateLimited(t *testing.T) {
	h := newHarness(t)

	h.edit(`{"v":1}`)
	h.timers.fireDebounce()
	h.clock.Advance(10 * time.Second)
	h.edit(`{"v":2}`)
	h.timers.fireDebounce()

	if h.revisions.count() != 1 {
		t.Fatalf("expected saves within the interval to share one revision, got %d", h.revisions.count())
	}

	h.clock.Advance(DefaultRevisionInterval)
	h.edit(`{"v":3}`)
	h.timers.fireDebounce()
	if h.revisions.count() != 2 {
		t.Fatalf("expected a second revision after the interval, got %d", h.revisions.count())
	}
}

func TestRevisionHistoryIsBounded(t *testing.T) {
	h := newHarness(t)

	for index := 1; index <= 25; index++ {
		h.clock.Advance(31 * time.Second)
		h.edit(fmt.Sprintf(`{"v":%d}`, index))
		h.timers.fireDebounce()
	}

	if h.revisions.count() != DefaultRevisionKeep {
		t.Fatalf("expected %d revisions, got %d", DefaultRevisionKeep, h.revisions.count())
	}
	entries, err := h.session.Revisions(context.Background())
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(entries) != DefaultHistoryLimit {
		t.Fatalf("expected history to list %d entries, got %d", DefaultHistoryLimit, len(entries))
	}
	if entries[0].Doc.String() != `{"v":25}` {
		t.Fatalf("expected newest revision first, got %s", entries[0].Doc)
	}
}

func TestRevisionFailureDoesNotFailSave(t *testing.T) {
	h := newHarness(t)
	h.revisions.appendErr = errors.New("revision table unavailable")

	h.edit(`{"v":1}`)
	h.timers.fireDebounce()

	expectStatus(t, h.session, StatusSaved)
	if h.logs.FilterMessage("revision append failed").Len() != 1 {
		t.Fatalf("expected revision failure to be logged")
	}
}

func TestDraftStoreFailureDoesNotBlockSave(t *testing.T) {
	h := newHarness(t)
	h.draftBackend.FailSaves(errors.New("quota exceeded"))

	h.edit(`{"v":9}`)
	h.timers.fireDebounce()

	expectStatus(t, h.session, StatusSaved)
	if doc, _ := h.remote.current(); doc != `{"v":9}` {
		t.Fatalf("expected the save to reach the server, got %s", doc)
	}
	if h.session.Dirty() {
		t.Fatalf("expected the confirmed save to clear the dirty flag")
	}
	if draft := h.draftDoc(t); draft != `{"v":0}` {
		t.Fatalf("expected the failing backend to keep the draft from open, got %s", draft)
	}
}

func TestNewerDraftIsOfferedAtOpen(t *testing.T) {
	h := newHarness(t, withDraft(`{"v":"crashed"}`, testStart))

	draft, ok := h.session.DraftOffer()
	if !ok {
		t.Fatalf("expected newer draft to be offered")
	}
	if draft.Snapshot.String() != `{"v":"crashed"}` {
		t.Fatalf("unexpected draft %s", draft.Snapshot)
	}
	if stored := h.draftDoc(t); stored != `{"v":"crashed"}` {
		t.Fatalf("expected offered draft to survive open, got %s", stored)
	}

	if err := h.session.RestoreDraft(); err != nil {
		t.Fatalf("unexpected restore error: %v", err)
	}
	if h.canvas.Snapshot().String() != `{"v":"crashed"}` {
		t.Fatalf("expected canvas to hold the draft")
	}
	if !h.session.Dirty() {
		t.Fatalf("expected restored draft to count as an edit")
	}
	if _, ok := h.session.DraftOffer(); ok {
		t.Fatalf("expected offer to be consumed")
	}
	if err := h.session.RestoreDraft(); !errors.Is(err, ErrNoDraft) {
		t.Fatalf("expected no draft on second restore, got %v", err)
	}
}

func TestOlderDraftIsNotOffered(t *testing.T) {
	h := newHarness(t, withDraft(`{"v":"stale"}`, testStart.Add(-2*time.Minute)))

	if _, ok := h.session.DraftOffer(); ok {
		t.Fatalf("expected older draft to be ignored")
	}
	if stored := h.draftDoc(t); stored != `{"v":0}` {
		t.Fatalf("expected open to persist the loaded canvas, got %s", stored)
	}
}

func TestDiscardDraftClearsLocalCopy(t *testing.T) {
	h := newHarness(t, withDraft(`{"v":"crashed"}`, testStart))

	h.session.DiscardDraft()

	if _, ok := h.session.DraftOffer(); ok {
		t.Fatalf("expected offer to be cleared")
	}
	if _, ok := h.drafts.Read(testNoteID); ok {
		t.Fatalf("expected draft store to be cleared")
	}
}

func TestUnloadPersistsDirtyCanvas(t *testing.T) {
	h := newHarness(t)
	h.edit(`{"v":1}`)
	h.canvas.set(`{"v":2}`)

	if !h.session.Unload() {
		t.Fatalf("expected unload to report unsaved changes")
	}
	if draft := h.draftDoc(t); draft != `{"v":2}` {
		t.Fatalf("expected unload to persist the canvas, got %s", draft)
	}

	h.timers.fireDebounce()
	if h.session.Unload() {
		t.Fatalf("expected clean session to report no unsaved changes")
	}
}

func TestRestoreRevisionSavesAsNewEdit(t *testing.T) {
	h := newHarness(t)
	h.edit(`{"v":1}`)
	h.timers.fireDebounce()
	h.clock.Advance(time.Minute)
	h.edit(`{"v":2}`)
	h.timers.fireDebounce()

	entries, err := h.session.Revisions(context.Background())
	if err != nil || len(entries) != 2 {
		t.Fatalf("expected two revisions, got %d, %v", len(entries), err)
	}

	if err := h.session.RestoreRevision(context.Background(), entries[1]); err != nil {
		t.Fatalf("unexpected restore error: %v", err)
	}
	doc, _ := h.remote.current()
	if doc != `{"v":1}` {
		t.Fatalf("expected restored revision to be saved, got %s", doc)
	}
	if h.session.Dirty() {
		t.Fatalf("expected session to be clean after the restore save")
	}
	if err := h.session.RestoreRevision(context.Background(), notes.RevisionEntry{ID: "empty"}); !errors.Is(err, ErrEmptyRevision) {
		t.Fatalf("expected empty revision error, got %v", err)
	}
}

func TestCloseStopsTimersAndStreams(t *testing.T) {
	h := newHarness(t)
	stream, cleanup := h.session.Subscribe(context.Background())
	defer cleanup()

	h.edit(`{"v":1}`)
	h.session.Close()

	if fired := h.timers.fireDebounce(); fired != 0 {
		t.Fatalf("expected close to stop the debounce timer, %d fired", fired)
	}
	h.timers.fireHeartbeat()
	if calls, _ := h.remote.stats(); calls != 0 {
		t.Fatalf("expected no saves after close, got %d", calls)
	}
	if err := h.session.SaveNow(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}

	for range stream {
	}
}

func TestOpenValidatesDependencies(t *testing.T) {
	_, err := Open(context.Background(), SessionConfig{NoteID: testNoteID})
	if !errors.Is(err, ErrInvalidSessionConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}
