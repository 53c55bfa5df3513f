package drafts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/notes"
	"go.uber.org/zap"
)

const keyFormat = "note:%s:snapshot"

var (
	// ErrEntryNotFound is returned by backends when no value is stored under a key.
	ErrEntryNotFound = errors.New("drafts: entry not found")
	// ErrInvalidStoreConfig indicates that required dependencies are missing.
	ErrInvalidStoreConfig = errors.New("drafts: invalid store config")

	errMissingBackend = errors.New("backend is required")
	noOpLogger        = zap.NewNop()
)

// Backend is a synchronous key-value store local to the device.
type Backend interface {
	Load(key string) ([]byte, error)
	Save(key string, value []byte) error
	Delete(key string) error
}

// Draft is the most recent local copy of a note's canvas.
type Draft struct {
	Snapshot  notes.Snapshot
	UpdatedAt int64
}

// UpdatedAtTime converts the draft timestamp to a UTC time.
func (d Draft) UpdatedAtTime() time.Time {
	return time.UnixMilli(d.UpdatedAt).UTC()
}

type entry struct {
	Snapshot  notes.Snapshot `json:"snapshot"`
	UpdatedAt int64          `json:"updatedAt"`
}

type StoreConfig struct {
	Backend Backend
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Store keeps one draft per note. Writes never fail from the caller's
// perspective; backend errors are logged and swallowed.
type Store struct {
	backend Backend
	clock   func() time.Time
	logger  *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStoreConfig, errMissingBackend)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{backend: cfg.Backend, clock: clock, logger: logger}, nil
}

// Key returns the storage key of a note's draft.
func Key(noteID notes.NoteID) string {
	return fmt.Sprintf(keyFormat, noteID.String())
}

// Persist overwrites the note's draft with snapshot stamped with the current time.
func (s *Store) Persist(noteID notes.NoteID, snapshot notes.Snapshot) {
	if snapshot.IsEmpty() {
		return
	}
	payload, err := json.Marshal(entry{Snapshot: snapshot, UpdatedAt: s.clock().UTC().UnixMilli()})
	if err != nil {
		s.logger.Warn("draft encode failed", zap.String("note_id", noteID.String()), zap.Error(err))
		return
	}
	if err := s.backend.Save(Key(noteID), payload); err != nil {
		s.logger.Warn("draft persist failed", zap.String("note_id", noteID.String()), zap.Error(err))
	}
}

// Read returns the stored draft. Missing or malformed entries report false.
func (s *Store) Read(noteID notes.NoteID) (Draft, bool) {
	payload, err := s.backend.Load(Key(noteID))
	if err != nil {
		if !errors.Is(err, ErrEntryNotFound) {
			s.logger.Warn("draft read failed", zap.String("note_id", noteID.String()), zap.Error(err))
		}
		return Draft{}, false
	}
	var decoded entry
	if err := json.Unmarshal(payload, &decoded); err != nil {
		s.logger.Debug("draft entry malformed", zap.String("note_id", noteID.String()), zap.Error(err))
		return Draft{}, false
	}
	if decoded.Snapshot.IsEmpty() || decoded.UpdatedAt <= 0 {
		return Draft{}, false
	}
	return Draft{Snapshot: decoded.Snapshot, UpdatedAt: decoded.UpdatedAt}, true
}

// RestoreIfNewer returns the draft only when it was written strictly after baselineMillis.
func (s *Store) RestoreIfNewer(noteID notes.NoteID, baselineMillis int64) (Draft, bool) {
	draft, ok := s.Read(noteID)
	if !ok {
		return Draft{}, false
	}
	if draft.UpdatedAt <= baselineMillis {
		return Draft{}, false
	}
	return draft, true
}

// Clear removes the note's draft.
func (s *Store) Clear(noteID notes.NoteID) {
	if err := s.backend.Delete(Key(noteID)); err != nil && !errors.Is(err, ErrEntryNotFound) {
		s.logger.Warn("draft clear failed", zap.String("note_id", noteID.String()), zap.Error(err))
	}
}
