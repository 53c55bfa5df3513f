package pgstore

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/notes"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresURLEnv = "CANVASNOTES_TEST_POSTGRES_URL"

func newTestStore(t *testing.T, clock func() time.Time) *Store {
	t.Helper()
	databaseURL := os.Getenv(postgresURLEnv)
	if databaseURL == "" {
		t.Skipf("%s not set", postgresURLEnv)
	}
	pool, err := pgxpool.New(t.Context(), databaseURL)
	if err != nil {
		t.Fatalf("failed to open pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := Migrate(pool); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewStore(StoreConfig{Pool: pool, Clock: clock, IDProvider: notes.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}

// uniqueOwner keeps tests independent on a shared database.
func uniqueOwner(t *testing.T) notes.UserID {
	t.Helper()
	return notes.UserID(fmt.Sprintf("pg-test-%d", time.Now().UnixNano()))
}

func TestNewStoreValidatesConfig(t *testing.T) {
	_, err := NewStore(StoreConfig{IDProvider: notes.NewUUIDProvider()})
	var serviceErr *notes.ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "pgstore.new.missing_pool" {
		t.Fatalf("expected missing pool service error, got %v", err)
	}
}

func TestUpdateIfWatermarkCompareAndSwap(t *testing.T) {
	fixed := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, func() time.Time { return fixed })
	owner := uniqueOwner(t)
	ctx := t.Context()

	record, err := store.CreateNote(ctx, owner, "Board", notes.Snapshot(`{"v":1}`))
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	next, err := store.UpdateIfWatermark(ctx, owner, record.ID, notes.Snapshot(`{"v":2}`), record.UpdatedAt)
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if next <= record.UpdatedAt {
		t.Fatalf("expected watermark to advance under a frozen clock, got %d after %d", next, record.UpdatedAt)
	}

	if _, err := store.UpdateIfWatermark(ctx, owner, record.ID, notes.Snapshot(`{"v":3}`), record.UpdatedAt); !errors.Is(err, notes.ErrWatermarkConflict) {
		t.Fatalf("expected watermark conflict, got %v", err)
	}
	current, err := store.ForOwner(owner).ReadCurrent(ctx, record.ID)
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if current.Doc.String() != `{"v":2}` || current.UpdatedAt != next {
		t.Fatalf("expected v2 at %d, got %s at %d", next, current.Doc, current.UpdatedAt)
	}

	if _, err := store.UpdateIfWatermark(ctx, owner, "missing-note", notes.Snapshot(`{}`), 0); !errors.Is(err, notes.ErrNoteNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.UpdateIfWatermark(ctx, "someone-else", record.ID, notes.Snapshot(`{}`), 0); !errors.Is(err, notes.ErrNoteNotFound) {
		t.Fatalf("expected owner scoping to hide the note, got %v", err)
	}
}

func TestConcurrentWritersWithSameWatermark(t *testing.T) {
	store := newTestStore(t, time.Now)
	owner := uniqueOwner(t)
	ctx := t.Context()
	record, err := store.CreateNote(ctx, owner, "Race", nil)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	const writers = 4
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for index := 0; index < writers; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			_, err := store.UpdateIfWatermark(ctx, owner, record.ID, notes.Snapshot(fmt.Sprintf(`{"w":%d}`, index)), record.UpdatedAt)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, notes.ErrWatermarkConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(index)
	}
	wg.Wait()
	if succeeded != 1 || conflicts != writers-1 {
		t.Fatalf("expected exactly one winner, got %d successes and %d conflicts", succeeded, conflicts)
	}
}

func TestRevisionsAppendListPrune(t *testing.T) {
	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	var step int
	store := newTestStore(t, func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	})
	owner := uniqueOwner(t)
	ctx := t.Context()
	record, err := store.CreateNote(ctx, owner, "History", nil)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	scope := store.ForOwner(owner)

	for index := 0; index < 25; index++ {
		if _, err := scope.AppendRevision(ctx, record.ID, notes.Snapshot(fmt.Sprintf(`{"r":%d}`, index)), notes.ReasonAutosave); err != nil {
			t.Fatalf("unexpected append error: %v", err)
		}
	}
	removed, err := scope.PruneRevisions(ctx, record.ID, 20)
	if err != nil {
		t.Fatalf("unexpected prune error: %v", err)
	}
	if removed != 5 {
		t.Fatalf("expected 5 revisions pruned, got %d", removed)
	}
	entries, err := scope.ListRevisions(ctx, record.ID, 0)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(entries) != 20 || entries[0].Doc.String() != `{"r":24}` {
		t.Fatalf("expected 20 newest revisions, got %d starting with %s", len(entries), entries[0].Doc)
	}

	if _, err := scope.AppendRevision(ctx, "missing-note", notes.Snapshot(`{}`), notes.ReasonAutosave); !errors.Is(err, notes.ErrNoteNotFound) {
		t.Fatalf("expected not found for unknown note, got %v", err)
	}
}

func TestRenameAndDelete(t *testing.T) {
	store := newTestStore(t, time.Now)
	owner := uniqueOwner(t)
	ctx := t.Context()
	record, err := store.CreateNote(ctx, owner, "Draft", nil)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	if err := store.RenameNote(ctx, owner, record.ID, "Final"); err != nil {
		t.Fatalf("unexpected rename error: %v", err)
	}
	loaded, err := store.GetNote(ctx, owner, record.ID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if loaded.Title != "Final" || loaded.UpdatedAt != record.UpdatedAt {
		t.Fatalf("expected rename to keep the watermark, got %+v", loaded)
	}

	if err := store.DeleteNote(ctx, owner, record.ID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	listed, err := store.ListNotes(ctx, owner)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected deleted note to be hidden, got %d", len(listed))
	}
	if err := store.DeleteNote(ctx, owner, record.ID); !errors.Is(err, notes.ErrNoteNotFound) {
		t.Fatalf("expected not found on repeated delete, got %v", err)
	}
}
