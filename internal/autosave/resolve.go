package autosave

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/notes"
	"go.uber.org/zap"
)

// ReloadRemote resolves the pending conflict by replacing the canvas with
// the server copy and adopting its watermark.
func (s *Session) ReloadRemote(ctx context.Context) error {
	conflict, err := s.beginResolution()
	if err != nil {
		return err
	}
	slot := &saveSlot{}
	defer s.finish(slot)

	if conflict.HasServerSnapshot() {
		if err := s.canvas.LoadSnapshot(conflict.ServerSnapshot.Clone(), LoadOptions{ForceOverwrite: true}); err != nil {
			s.publish(StatusError)
			s.logger.Warn("conflict reload failed", zap.String("operation", opReload), zap.Error(err))
			return fmt.Errorf("reload remote snapshot: %w", err)
		}
		s.drafts.Persist(s.noteID, s.canvas.Snapshot())
	}

	s.mu.Lock()
	if conflict.ServerUpdatedAt.After(s.watermark) {
		s.watermark = conflict.ServerUpdatedAt
	}
	s.conflict = nil
	s.dirty = false
	s.queued = false
	s.lastSavedAt = s.clock().UTC()
	s.publishLocked(StatusSaved)
	s.mu.Unlock()

	s.logger.Info("save conflict resolved", zap.String("resolution", opReload))
	return nil
}

// OverwriteMine resolves the pending conflict in favour of the local
// snapshot. The server copy is preserved as a revision first; if that fails
// nothing is overwritten and the conflict stays pending.
func (s *Session) OverwriteMine(ctx context.Context) error {
	conflict, err := s.beginResolution()
	if err != nil {
		return err
	}
	slot := &saveSlot{}
	defer s.finish(slot)

	s.publish(StatusSaving)

	if conflict.HasServerSnapshot() {
		if err := s.recordRevision(ctx, conflict.ServerSnapshot, notes.ReasonRemoteBeforeOverwrite); err != nil {
			s.fail(opPreserveRemote, err)
			return fmt.Errorf("preserve remote snapshot: %w", err)
		}
	}

	next, err := s.remote.UpdateIfWatermark(ctx, s.noteID, conflict.PendingSnapshot, conflict.ServerUpdatedAt)
	if errors.Is(err, notes.ErrWatermarkConflict) {
		return s.raiseConflict(ctx, conflict.PendingSnapshot, conflict.pendingSeq, slot)
	}
	if err != nil {
		s.fail(opOverwrite, err)
		return err
	}

	s.confirm(next, conflict.pendingSeq)
	revisionErr := s.recordRevision(ctx, conflict.PendingSnapshot, notes.ReasonOverwrite)

	s.mu.Lock()
	if revisionErr == nil {
		s.lastRevisionAt = s.clock()
	}
	if s.dirty {
		s.queued = true
	}
	s.mu.Unlock()

	s.logger.Info("save conflict resolved",
		zap.String("resolution", opOverwrite),
		zap.Int64("updated_at_us", next.Int64()))
	return nil
}

func (s *Session) beginResolution() (Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Conflict{}, ErrClosed
	}
	if s.conflict == nil {
		return Conflict{}, ErrNoConflict
	}
	if s.inFlight {
		return Conflict{}, ErrResolutionInFlight
	}
	s.inFlight = true
	s.attempts.Add(1)
	return *s.conflict, nil
}
