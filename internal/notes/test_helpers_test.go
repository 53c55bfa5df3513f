package notes

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustNoteID(t *testing.T, value string) NoteID {
	t.Helper()
	id, err := NewNoteID(value)
	if err != nil {
		t.Fatalf("unexpected note id error: %v", err)
	}
	return id
}

func mustSnapshot(t *testing.T, value string) Snapshot {
	t.Helper()
	snapshot, err := NewSnapshot([]byte(value))
	if err != nil {
		t.Fatalf("unexpected snapshot error: %v", err)
	}
	return snapshot
}

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
	step    time.Duration
}

func newSteppingClock(start time.Time, step time.Duration) *steppingClock {
	return &steppingClock{current: start, step: step}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	value := c.current
	c.current = c.current.Add(c.step)
	return value
}

func (c *steppingClock) Set(value time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = value
}

func newTestStore(t *testing.T, clock func() time.Time, idProvider IDProvider) (*Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:notes_store_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Note{}, &Revision{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	store, err := NewStore(StoreConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: idProvider,
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store, db
}

func createTestNote(t *testing.T, store *Store, owner UserID, doc string) NoteRecord {
	t.Helper()
	var snapshot Snapshot
	if doc != "" {
		snapshot = mustSnapshot(t, doc)
	}
	record, err := store.CreateNote(t.Context(), owner, "Canvas", snapshot)
	if err != nil {
		t.Fatalf("failed to create note: %v", err)
	}
	return record
}
