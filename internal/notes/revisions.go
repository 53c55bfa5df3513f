package notes

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opAppendRevision = "notes.append_revision"
	opListRevisions  = "notes.list_revisions"
	opPruneRevisions = "notes.prune_revisions"

	revisionOrder = "created_at_us DESC, revision_id DESC"
)

// AppendRevision stores doc as a new revision of the note.
func (s *Store) AppendRevision(ctx context.Context, owner UserID, noteID NoteID, doc Snapshot, reason string) (RevisionEntry, error) {
	if doc.IsEmpty() {
		return RevisionEntry{}, NewServiceError(opAppendRevision, "invalid_snapshot", ErrInvalidSnapshot)
	}

	var model Revision
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Note{}).
			Where("owner_id = ? AND note_id = ?", owner.String(), noteID.String()).
			Count(&count).Error; err != nil {
			s.logError(opAppendRevision, "note_select_failed", err,
				zap.String("owner_id", owner.String()),
				zap.String("note_id", noteID.String()))
			return NewServiceError(opAppendRevision, "note_select_failed", err)
		}
		if count == 0 {
			return ErrNoteNotFound
		}

		revisionID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opAppendRevision, "id_generation_failed", err,
				zap.String("note_id", noteID.String()))
			return NewServiceError(opAppendRevision, "id_generation_failed", err)
		}
		model = Revision{
			RevisionID:      revisionID,
			NoteID:          noteID.String(),
			OwnerID:         owner.String(),
			DocJSON:         doc.String(),
			CreatedAtMicros: s.clock().UTC().UnixMicro(),
			Reason:          strings.TrimSpace(reason),
		}
		if err := tx.Create(&model).Error; err != nil {
			s.logError(opAppendRevision, "insert_failed", err,
				zap.String("owner_id", owner.String()),
				zap.String("note_id", noteID.String()))
			return NewServiceError(opAppendRevision, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return RevisionEntry{}, txErr
	}
	return revisionEntryFromModel(model), nil
}

// ListRevisions returns up to limit revisions, newest first. A non-positive limit returns all.
func (s *Store) ListRevisions(ctx context.Context, owner UserID, noteID NoteID, limit int) ([]RevisionEntry, error) {
	query := s.db.WithContext(ctx).
		Where("owner_id = ? AND note_id = ?", owner.String(), noteID.String()).
		Order(revisionOrder)
	if limit > 0 {
		query = query.Limit(limit)
	}

	var models []Revision
	if err := query.Find(&models).Error; err != nil {
		s.logError(opListRevisions, "query_failed", err,
			zap.String("owner_id", owner.String()),
			zap.String("note_id", noteID.String()))
		return nil, NewServiceError(opListRevisions, "query_failed", err)
	}

	entries := make([]RevisionEntry, 0, len(models))
	for _, model := range models {
		entries = append(entries, revisionEntryFromModel(model))
	}
	return entries, nil
}

// PruneRevisions deletes every revision beyond the keep newest and reports how many were removed.
func (s *Store) PruneRevisions(ctx context.Context, owner UserID, noteID NoteID, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	removed := 0
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var revisionIDs []string
		if err := tx.Model(&Revision{}).
			Where("owner_id = ? AND note_id = ?", owner.String(), noteID.String()).
			Order(revisionOrder).
			Pluck("revision_id", &revisionIDs).Error; err != nil {
			s.logError(opPruneRevisions, "query_failed", err,
				zap.String("owner_id", owner.String()),
				zap.String("note_id", noteID.String()))
			return NewServiceError(opPruneRevisions, "query_failed", err)
		}
		if len(revisionIDs) <= keep {
			return nil
		}

		stale := revisionIDs[keep:]
		result := tx.Where("revision_id IN ?", stale).Delete(&Revision{})
		if result.Error != nil {
			s.logError(opPruneRevisions, "delete_failed", result.Error,
				zap.String("owner_id", owner.String()),
				zap.String("note_id", noteID.String()))
			return NewServiceError(opPruneRevisions, "delete_failed", result.Error)
		}
		removed = int(result.RowsAffected)
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	return removed, nil
}
