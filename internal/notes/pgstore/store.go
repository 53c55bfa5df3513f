// Package pgstore keeps notes and their revision log in PostgreSQL through pgx.
// It satisfies the same contracts as notes.Store.
package pgstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/notes"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	opStoreNew          = "pgstore.new"
	opCreateNote        = "pgstore.create_note"
	opGetNote           = "pgstore.get_note"
	opListNotes         = "pgstore.list_notes"
	opRenameNote        = "pgstore.rename_note"
	opDeleteNote        = "pgstore.delete_note"
	opUpdateIfWatermark = "pgstore.update_if_watermark"
	opReadCurrent       = "pgstore.read_current"
	opAppendRevision    = "pgstore.append_revision"
	opListRevisions     = "pgstore.list_revisions"
	opPruneRevisions    = "pgstore.prune_revisions"

	emptyDocument = "{}"
)

const (
	insertNoteSQL = `
		INSERT INTO notes (note_id, owner_id, title, doc, created_at_us, updated_at_us, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $5, FALSE)`

	selectNoteSQL = `
		SELECT note_id, owner_id, title, doc, created_at_us, updated_at_us
		FROM notes
		WHERE owner_id = $1 AND note_id = $2 AND NOT is_deleted`

	listNotesSQL = `
		SELECT note_id, owner_id, title, created_at_us, updated_at_us
		FROM notes
		WHERE owner_id = $1 AND NOT is_deleted
		ORDER BY updated_at_us DESC`

	renameNoteSQL = `
		UPDATE notes SET title = $3
		WHERE owner_id = $1 AND note_id = $2 AND NOT is_deleted`

	deleteNoteSQL = `
		UPDATE notes SET is_deleted = TRUE
		WHERE owner_id = $1 AND note_id = $2 AND NOT is_deleted`

	// The predicate and the new watermark are evaluated against the same row
	// version, so the update is a single compare-and-swap.
	updateIfWatermarkSQL = `
		UPDATE notes
		SET doc = $3, updated_at_us = GREATEST($4::bigint, updated_at_us + 1)
		WHERE owner_id = $1 AND note_id = $2 AND NOT is_deleted
		  AND ($5::bigint = 0 OR updated_at_us = $5::bigint)
		RETURNING updated_at_us`

	noteExistsSQL = `
		SELECT EXISTS (SELECT 1 FROM notes WHERE owner_id = $1 AND note_id = $2 AND NOT is_deleted)`

	readCurrentSQL = `
		SELECT doc, updated_at_us
		FROM notes
		WHERE owner_id = $1 AND note_id = $2 AND NOT is_deleted`

	insertRevisionSQL = `
		INSERT INTO note_revisions (revision_id, note_id, owner_id, doc, created_at_us, reason)
		SELECT $1::varchar, $2::varchar, $3::varchar, $4::text, $5::bigint, $6::varchar
		WHERE EXISTS (SELECT 1 FROM notes WHERE owner_id = $3 AND note_id = $2)`

	listRevisionsSQL = `
		SELECT revision_id, note_id, doc, created_at_us, reason
		FROM note_revisions
		WHERE owner_id = $1 AND note_id = $2
		ORDER BY created_at_us DESC, revision_id DESC`

	pruneRevisionsSQL = `
		DELETE FROM note_revisions
		WHERE revision_id IN (
			SELECT revision_id FROM note_revisions
			WHERE owner_id = $1 AND note_id = $2
			ORDER BY created_at_us DESC, revision_id DESC
			OFFSET $3
		)`
)

var (
	errMissingPool       = errors.New("pgx pool is required")
	errMissingIDProvider = errors.New("id provider is required")
)

type StoreConfig struct {
	Pool       *pgxpool.Pool
	Clock      func() time.Time
	IDProvider notes.IDProvider
	Logger     *zap.Logger
}

// Store implements the note store on PostgreSQL.
type Store struct {
	pool       *pgxpool.Pool
	clock      func() time.Time
	idProvider notes.IDProvider
	logger     *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Pool == nil {
		return nil, notes.NewServiceError(opStoreNew, "missing_pool", errMissingPool)
	}
	if cfg.IDProvider == nil {
		return nil, notes.NewServiceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:       cfg.Pool,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

func (s *Store) CreateNote(ctx context.Context, owner notes.UserID, title string, doc notes.Snapshot) (notes.NoteRecord, error) {
	noteID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateNote, "id_generation_failed", err, zap.String("owner_id", owner.String()))
		return notes.NoteRecord{}, notes.NewServiceError(opCreateNote, "id_generation_failed", err)
	}
	docJSON := emptyDocument
	if !doc.IsEmpty() {
		docJSON = doc.String()
	}
	title = strings.TrimSpace(title)
	now := s.clock().UTC().UnixMicro()
	if _, err := s.pool.Exec(ctx, insertNoteSQL, noteID, owner.String(), title, docJSON, now); err != nil {
		s.logError(opCreateNote, "insert_failed", err, zap.String("owner_id", owner.String()))
		return notes.NoteRecord{}, notes.NewServiceError(opCreateNote, "insert_failed", err)
	}
	return notes.NoteRecord{
		ID:        notes.NoteID(noteID),
		OwnerID:   owner,
		Title:     title,
		Doc:       notes.Snapshot(docJSON),
		CreatedAt: notes.Watermark(now),
		UpdatedAt: notes.Watermark(now),
	}, nil
}

func (s *Store) GetNote(ctx context.Context, owner notes.UserID, noteID notes.NoteID) (notes.NoteRecord, error) {
	var (
		id, ownerID, title, doc string
		createdAt, updatedAt    int64
	)
	err := s.pool.QueryRow(ctx, selectNoteSQL, owner.String(), noteID.String()).
		Scan(&id, &ownerID, &title, &doc, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return notes.NoteRecord{}, notes.ErrNoteNotFound
	}
	if err != nil {
		s.logError(opGetNote, "query_failed", err, noteFields(owner, noteID)...)
		return notes.NoteRecord{}, notes.NewServiceError(opGetNote, "query_failed", err)
	}
	return notes.NoteRecord{
		ID:        notes.NoteID(id),
		OwnerID:   notes.UserID(ownerID),
		Title:     title,
		Doc:       notes.Snapshot(doc),
		CreatedAt: notes.Watermark(createdAt),
		UpdatedAt: notes.Watermark(updatedAt),
	}, nil
}

func (s *Store) ListNotes(ctx context.Context, owner notes.UserID) ([]notes.NoteRecord, error) {
	rows, err := s.pool.Query(ctx, listNotesSQL, owner.String())
	if err != nil {
		s.logError(opListNotes, "query_failed", err, zap.String("owner_id", owner.String()))
		return nil, notes.NewServiceError(opListNotes, "query_failed", err)
	}
	defer rows.Close()

	records := make([]notes.NoteRecord, 0)
	for rows.Next() {
		var (
			id, ownerID, title   string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&id, &ownerID, &title, &createdAt, &updatedAt); err != nil {
			s.logError(opListNotes, "scan_failed", err, zap.String("owner_id", owner.String()))
			return nil, notes.NewServiceError(opListNotes, "scan_failed", err)
		}
		records = append(records, notes.NoteRecord{
			ID:        notes.NoteID(id),
			OwnerID:   notes.UserID(ownerID),
			Title:     title,
			CreatedAt: notes.Watermark(createdAt),
			UpdatedAt: notes.Watermark(updatedAt),
		})
	}
	if err := rows.Err(); err != nil {
		s.logError(opListNotes, "query_failed", err, zap.String("owner_id", owner.String()))
		return nil, notes.NewServiceError(opListNotes, "query_failed", err)
	}
	return records, nil
}

// RenameNote changes the title without moving the watermark.
func (s *Store) RenameNote(ctx context.Context, owner notes.UserID, noteID notes.NoteID, title string) error {
	tag, err := s.pool.Exec(ctx, renameNoteSQL, owner.String(), noteID.String(), strings.TrimSpace(title))
	if err != nil {
		s.logError(opRenameNote, "update_failed", err, noteFields(owner, noteID)...)
		return notes.NewServiceError(opRenameNote, "update_failed", err)
	}
	if tag.RowsAffected() == 0 {
		return notes.ErrNoteNotFound
	}
	return nil
}

func (s *Store) DeleteNote(ctx context.Context, owner notes.UserID, noteID notes.NoteID) error {
	tag, err := s.pool.Exec(ctx, deleteNoteSQL, owner.String(), noteID.String())
	if err != nil {
		s.logError(opDeleteNote, "update_failed", err, noteFields(owner, noteID)...)
		return notes.NewServiceError(opDeleteNote, "update_failed", err)
	}
	if tag.RowsAffected() == 0 {
		return notes.ErrNoteNotFound
	}
	return nil
}

// UpdateIfWatermark replaces the document when the stored watermark equals
// expected. A zero expected watermark writes unconditionally.
func (s *Store) UpdateIfWatermark(ctx context.Context, owner notes.UserID, noteID notes.NoteID, doc notes.Snapshot, expected notes.Watermark) (notes.Watermark, error) {
	if doc.IsEmpty() {
		return 0, notes.NewServiceError(opUpdateIfWatermark, "invalid_snapshot", notes.ErrInvalidSnapshot)
	}
	now := s.clock().UTC().UnixMicro()

	var next int64
	err := s.pool.QueryRow(ctx, updateIfWatermarkSQL,
		owner.String(), noteID.String(), doc.String(), now, expected.Int64()).Scan(&next)
	if err == nil {
		return notes.Watermark(next), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		s.logError(opUpdateIfWatermark, "update_failed", err, noteFields(owner, noteID)...)
		return 0, notes.NewServiceError(opUpdateIfWatermark, "update_failed", err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, noteExistsSQL, owner.String(), noteID.String()).Scan(&exists); err != nil {
		s.logError(opUpdateIfWatermark, "note_select_failed", err, noteFields(owner, noteID)...)
		return 0, notes.NewServiceError(opUpdateIfWatermark, "note_select_failed", err)
	}
	if !exists {
		return 0, notes.ErrNoteNotFound
	}
	return 0, notes.ErrWatermarkConflict
}

func (s *Store) ReadCurrent(ctx context.Context, owner notes.UserID, noteID notes.NoteID) (notes.Current, error) {
	var (
		doc       string
		updatedAt int64
	)
	err := s.pool.QueryRow(ctx, readCurrentSQL, owner.String(), noteID.String()).Scan(&doc, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return notes.Current{}, notes.ErrNoteNotFound
	}
	if err != nil {
		s.logError(opReadCurrent, "query_failed", err, noteFields(owner, noteID)...)
		return notes.Current{}, notes.NewServiceError(opReadCurrent, "query_failed", err)
	}
	return notes.Current{Doc: notes.Snapshot(doc), UpdatedAt: notes.Watermark(updatedAt)}, nil
}

func (s *Store) AppendRevision(ctx context.Context, owner notes.UserID, noteID notes.NoteID, doc notes.Snapshot, reason string) (notes.RevisionEntry, error) {
	if doc.IsEmpty() {
		return notes.RevisionEntry{}, notes.NewServiceError(opAppendRevision, "invalid_snapshot", notes.ErrInvalidSnapshot)
	}
	revisionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAppendRevision, "id_generation_failed", err, noteFields(owner, noteID)...)
		return notes.RevisionEntry{}, notes.NewServiceError(opAppendRevision, "id_generation_failed", err)
	}
	createdAt := s.clock().UTC()
	reason = strings.TrimSpace(reason)

	tag, err := s.pool.Exec(ctx, insertRevisionSQL,
		revisionID, noteID.String(), owner.String(), doc.String(), createdAt.UnixMicro(), reason)
	if err != nil {
		s.logError(opAppendRevision, "insert_failed", err, noteFields(owner, noteID)...)
		return notes.RevisionEntry{}, notes.NewServiceError(opAppendRevision, "insert_failed", err)
	}
	if tag.RowsAffected() == 0 {
		return notes.RevisionEntry{}, notes.ErrNoteNotFound
	}
	return notes.RevisionEntry{
		ID:        revisionID,
		NoteID:    noteID,
		Doc:       doc.Clone(),
		CreatedAt: time.UnixMicro(createdAt.UnixMicro()).UTC(),
		Reason:    reason,
	}, nil
}

// ListRevisions returns up to limit revisions, newest first. A non-positive limit returns all.
func (s *Store) ListRevisions(ctx context.Context, owner notes.UserID, noteID notes.NoteID, limit int) ([]notes.RevisionEntry, error) {
	query := listRevisionsSQL
	args := []any{owner.String(), noteID.String()}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		s.logError(opListRevisions, "query_failed", err, noteFields(owner, noteID)...)
		return nil, notes.NewServiceError(opListRevisions, "query_failed", err)
	}
	defer rows.Close()

	entries := make([]notes.RevisionEntry, 0)
	for rows.Next() {
		var (
			id, rowNoteID, doc, reason string
			createdAt                  int64
		)
		if err := rows.Scan(&id, &rowNoteID, &doc, &createdAt, &reason); err != nil {
			s.logError(opListRevisions, "scan_failed", err, noteFields(owner, noteID)...)
			return nil, notes.NewServiceError(opListRevisions, "scan_failed", err)
		}
		entries = append(entries, notes.RevisionEntry{
			ID:        id,
			NoteID:    notes.NoteID(rowNoteID),
			Doc:       notes.Snapshot(doc),
			CreatedAt: time.UnixMicro(createdAt).UTC(),
			Reason:    reason,
		})
	}
	if err := rows.Err(); err != nil {
		s.logError(opListRevisions, "query_failed", err, noteFields(owner, noteID)...)
		return nil, notes.NewServiceError(opListRevisions, "query_failed", err)
	}
	return entries, nil
}

// PruneRevisions deletes every revision beyond the keep newest.
func (s *Store) PruneRevisions(ctx context.Context, owner notes.UserID, noteID notes.NoteID, keep int) (int, error) {
	tag, err := s.pool.Exec(ctx, pruneRevisionsSQL, owner.String(), noteID.String(), max(keep, 0))
	if err != nil {
		s.logError(opPruneRevisions, "delete_failed", err, noteFields(owner, noteID)...)
		return 0, notes.NewServiceError(opPruneRevisions, "delete_failed", err)
	}
	return int(tag.RowsAffected()), nil
}

// ForOwner binds the store to one owner for use by an autosave session.
func (s *Store) ForOwner(owner notes.UserID) OwnerScope {
	return OwnerScope{store: s, owner: owner}
}

// OwnerScope is the per-owner view of the store.
type OwnerScope struct {
	store *Store
	owner notes.UserID
}

func (scope OwnerScope) UpdateIfWatermark(ctx context.Context, noteID notes.NoteID, doc notes.Snapshot, expected notes.Watermark) (notes.Watermark, error) {
	return scope.store.UpdateIfWatermark(ctx, scope.owner, noteID, doc, expected)
}

func (scope OwnerScope) ReadCurrent(ctx context.Context, noteID notes.NoteID) (notes.Current, error) {
	return scope.store.ReadCurrent(ctx, scope.owner, noteID)
}

func (scope OwnerScope) AppendRevision(ctx context.Context, noteID notes.NoteID, doc notes.Snapshot, reason string) (notes.RevisionEntry, error) {
	return scope.store.AppendRevision(ctx, scope.owner, noteID, doc, reason)
}

func (scope OwnerScope) ListRevisions(ctx context.Context, noteID notes.NoteID, limit int) ([]notes.RevisionEntry, error) {
	return scope.store.ListRevisions(ctx, scope.owner, noteID, limit)
}

func (scope OwnerScope) PruneRevisions(ctx context.Context, noteID notes.NoteID, keep int) (int, error) {
	return scope.store.PruneRevisions(ctx, scope.owner, noteID, keep)
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("pgstore error", allFields...)
}

func noteFields(owner notes.UserID, noteID notes.NoteID) []zap.Field {
	return []zap.Field{
		zap.String("owner_id", owner.String()),
		zap.String("note_id", noteID.String()),
	}
}
