package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew          = "notes.store.new"
	opCreateNote        = "notes.create_note"
	opGetNote           = "notes.get_note"
	opListNotes         = "notes.list_notes"
	opRenameNote        = "notes.rename_note"
	opDeleteNote        = "notes.delete_note"
	opUpdateIfWatermark = "notes.update_if_watermark"
	opReadCurrent       = "notes.read_current"

	queryOwnerNote = "owner_id = ? AND note_id = ? AND is_deleted = ?"

	emptyDocument = "{}"
)

// NewServiceError builds an error whose code reads "operation.reason".
func NewServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

// Store persists notes and their revisions through GORM.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, NewServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, NewServiceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateNote inserts a new note owned by owner. An empty doc is stored as an empty object.
func (s *Store) CreateNote(ctx context.Context, owner UserID, title string, doc Snapshot) (NoteRecord, error) {
	noteID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateNote, "id_generation_failed", err, zap.String("owner_id", owner.String()))
		return NoteRecord{}, NewServiceError(opCreateNote, "id_generation_failed", err)
	}
	docJSON := emptyDocument
	if !doc.IsEmpty() {
		docJSON = doc.String()
	}
	now := s.clock().UTC().UnixMicro()
	model := Note{
		NoteID:          noteID,
		OwnerID:         owner.String(),
		Title:           strings.TrimSpace(title),
		DocJSON:         docJSON,
		CreatedAtMicros: now,
		UpdatedAtMicros: now,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		s.logError(opCreateNote, "insert_failed", err, zap.String("owner_id", owner.String()))
		return NoteRecord{}, NewServiceError(opCreateNote, "insert_failed", err)
	}
	return noteRecordFromModel(model), nil
}

// GetNote loads a live note of owner.
func (s *Store) GetNote(ctx context.Context, owner UserID, noteID NoteID) (NoteRecord, error) {
	var model Note
	err := s.db.WithContext(ctx).
		Where(queryOwnerNote, owner.String(), noteID.String(), false).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NoteRecord{}, ErrNoteNotFound
	}
	if err != nil {
		s.logError(opGetNote, "query_failed", err,
			zap.String("owner_id", owner.String()),
			zap.String("note_id", noteID.String()))
		return NoteRecord{}, NewServiceError(opGetNote, "query_failed", err)
	}
	return noteRecordFromModel(model), nil
}

// ListNotes returns the live notes of owner, most recently updated first. Documents are omitted.
func (s *Store) ListNotes(ctx context.Context, owner UserID) ([]NoteRecord, error) {
	var models []Note
	if err := s.db.WithContext(ctx).
		Select("note_id", "owner_id", "title", "created_at_us", "updated_at_us").
		Where("owner_id = ? AND is_deleted = ?", owner.String(), false).
		Order("updated_at_us DESC").
		Find(&models).Error; err != nil {
		s.logError(opListNotes, "query_failed", err, zap.String("owner_id", owner.String()))
		return nil, NewServiceError(opListNotes, "query_failed", err)
	}

	records := make([]NoteRecord, 0, len(models))
	for _, model := range models {
		records = append(records, noteRecordFromModel(model))
	}
	return records, nil
}

// RenameNote changes the title. The document watermark is left untouched.
func (s *Store) RenameNote(ctx context.Context, owner UserID, noteID NoteID, title string) error {
	result := s.db.WithContext(ctx).Model(&Note{}).
		Where(queryOwnerNote, owner.String(), noteID.String(), false).
		Update("title", strings.TrimSpace(title))
	if result.Error != nil {
		s.logError(opRenameNote, "update_failed", result.Error,
			zap.String("owner_id", owner.String()),
			zap.String("note_id", noteID.String()))
		return NewServiceError(opRenameNote, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNoteNotFound
	}
	return nil
}

// DeleteNote soft-deletes the note. Revisions are kept.
func (s *Store) DeleteNote(ctx context.Context, owner UserID, noteID NoteID) error {
	result := s.db.WithContext(ctx).Model(&Note{}).
		Where(queryOwnerNote, owner.String(), noteID.String(), false).
		Update("is_deleted", true)
	if result.Error != nil {
		s.logError(opDeleteNote, "update_failed", result.Error,
			zap.String("owner_id", owner.String()),
			zap.String("note_id", noteID.String()))
		return NewServiceError(opDeleteNote, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNoteNotFound
	}
	return nil
}

// UpdateIfWatermark replaces the note document when the stored watermark
// equals expected, returning the newly assigned watermark. A zero expected
// watermark makes the write unconditional. Stale expectations yield
// ErrWatermarkConflict and leave the row untouched.
func (s *Store) UpdateIfWatermark(ctx context.Context, owner UserID, noteID NoteID, doc Snapshot, expected Watermark) (Watermark, error) {
	if doc.IsEmpty() {
		return 0, NewServiceError(opUpdateIfWatermark, "invalid_snapshot", ErrInvalidSnapshot)
	}

	var next Watermark
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Note
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("note_id", "updated_at_us").
			Where(queryOwnerNote, owner.String(), noteID.String(), false).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoteNotFound
		}
		if err != nil {
			s.logError(opUpdateIfWatermark, "note_select_failed", err,
				zap.String("owner_id", owner.String()),
				zap.String("note_id", noteID.String()))
			return NewServiceError(opUpdateIfWatermark, "note_select_failed", err)
		}

		stored := Watermark(existing.UpdatedAtMicros)
		if !expected.IsZero() && stored != expected {
			return ErrWatermarkConflict
		}

		next = NextWatermark(s.clock(), stored)
		result := tx.Model(&Note{}).
			Where(queryOwnerNote, owner.String(), noteID.String(), false).
			Where("updated_at_us = ?", stored.Int64()).
			Updates(map[string]any{
				"doc":           doc.String(),
				"updated_at_us": next.Int64(),
			})
		if result.Error != nil {
			s.logError(opUpdateIfWatermark, "note_update_failed", result.Error,
				zap.String("owner_id", owner.String()),
				zap.String("note_id", noteID.String()))
			return NewServiceError(opUpdateIfWatermark, "note_update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrWatermarkConflict
		}
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	return next, nil
}

// ReadCurrent returns the stored document and its watermark.
func (s *Store) ReadCurrent(ctx context.Context, owner UserID, noteID NoteID) (Current, error) {
	var model Note
	err := s.db.WithContext(ctx).
		Select("doc", "updated_at_us").
		Where(queryOwnerNote, owner.String(), noteID.String(), false).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Current{}, ErrNoteNotFound
	}
	if err != nil {
		s.logError(opReadCurrent, "query_failed", err,
			zap.String("owner_id", owner.String()),
			zap.String("note_id", noteID.String()))
		return Current{}, NewServiceError(opReadCurrent, "query_failed", err)
	}
	return Current{Doc: Snapshot(model.DocJSON), UpdatedAt: Watermark(model.UpdatedAtMicros)}, nil
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes store error", attrs...)
}
