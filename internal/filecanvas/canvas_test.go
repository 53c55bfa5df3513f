package filecanvas

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/autosave"
	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/notes"
)

func TestOpenCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.json")
	canvas, err := Open(path, nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if canvas.Snapshot().String() != "{}" {
		t.Fatalf("expected empty document, got %s", canvas.Snapshot())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
	if string(raw) != "{}" {
		t.Fatalf("unexpected file contents %q", raw)
	}
}

func TestOpenRejectsInvalidDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}
	if _, err := Open(path, nil); !errors.Is(err, notes.ErrInvalidSnapshot) {
		t.Fatalf("expected invalid snapshot, got %v", err)
	}
}

func TestLoadSnapshotWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.json")
	canvas, err := Open(path, nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	if err := canvas.LoadSnapshot(notes.Snapshot(`{"shapes":[1]}`), autosave.LoadOptions{}); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	if string(raw) != `{"shapes":[1]}` {
		t.Fatalf("unexpected file contents %q", raw)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("failed to list dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected temp files to be cleaned up, found %d entries", len(entries))
	}
}

func TestLoadSnapshotRequiresForceOverUnseenEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.json")
	canvas, err := Open(path, nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if err := os.WriteFile(path, []byte(`{"local":true}`), 0o644); err != nil {
		t.Fatalf("failed to edit file: %v", err)
	}

	if err := canvas.LoadSnapshot(notes.Snapshot(`{"server":true}`), autosave.LoadOptions{}); !errors.Is(err, ErrUnseenChanges) {
		t.Fatalf("expected unseen changes error, got %v", err)
	}
	if err := canvas.LoadSnapshot(notes.Snapshot(`{"server":true}`), autosave.LoadOptions{ForceOverwrite: true}); err != nil {
		t.Fatalf("expected forced load to succeed, got %v", err)
	}
	if canvas.Snapshot().String() != `{"server":true}` {
		t.Fatalf("unexpected snapshot %s", canvas.Snapshot())
	}
}

func TestRefreshIgnoresPartialWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.json")
	canvas, err := Open(path, nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if err := os.WriteFile(path, []byte(`{"half":`), 0o644); err != nil {
		t.Fatalf("failed to edit file: %v", err)
	}
	changed, err := canvas.Refresh()
	if err != nil || changed {
		t.Fatalf("expected partial write to be ignored, got changed=%v err=%v", changed, err)
	}
	if canvas.Snapshot().String() != "{}" {
		t.Fatalf("expected previous document to be kept, got %s", canvas.Snapshot())
	}
}

func TestWatchReportsExternalEditsOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.json")
	canvas, err := Open(path, nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	var edits atomic.Int32
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- canvas.Watch(ctx, func() { edits.Add(1) })
	}()
	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	if err := canvas.LoadSnapshot(notes.Snapshot(`{"from":"session"}`), autosave.LoadOptions{ForceOverwrite: true}); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if err := os.WriteFile(path, []byte(`{"from":"editor"}`), 0o644); err != nil {
		t.Fatalf("failed to edit file: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for edits.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected external edit to be reported")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if canvas.Snapshot().String() != `{"from":"editor"}` {
		t.Fatalf("expected canvas to pick up the edit, got %s", canvas.Snapshot())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected watch error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected Watch to return after cancellation")
	}
	if count := edits.Load(); count != 1 {
		t.Fatalf("expected only the external edit to be reported, got %d", count)
	}
}
