package autosave

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/notes"
	"go.uber.org/zap"
)

const (
	opSave            = "save"
	opReadCurrent     = "read_current"
	opPreserveRemote  = "preserve_remote"
	opOverwrite       = "overwrite"
	opReload          = "reload"
	opRestoreRevision = "restore_revision"
)

// SaveNow runs a save attempt immediately. When another attempt is in flight
// a single follow-up is queued and SaveNow returns nil without waiting.
func (s *Session) SaveNow(ctx context.Context) error {
	return s.save(ctx)
}

func (s *Session) save(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.conflict != nil {
		s.mu.Unlock()
		return ErrConflictPending
	}
	if s.inFlight {
		s.queued = true
		s.mu.Unlock()
		return nil
	}
	s.inFlight = true
	s.attempts.Add(1)
	s.mu.Unlock()

	slot := &saveSlot{}
	defer s.finish(slot)
	return s.attempt(ctx, slot)
}

// saveSlot tracks one holder of the in-flight slot. A raised conflict
// releases the slot early so a resolution can start as soon as the conflict
// is visible.
type saveSlot struct {
	released bool
}

// finish releases the in-flight slot, first running the queued follow-up
// while the canvas is still dirty.
func (s *Session) finish(slot *saveSlot) {
	defer s.attempts.Done()
	for {
		s.mu.Lock()
		if slot.released {
			s.mu.Unlock()
			return
		}
		rerun := s.queued && s.dirty && s.conflict == nil && !s.closed
		s.queued = false
		if !rerun {
			s.inFlight = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		_ = s.attempt(s.ctx, slot)
	}
}

func (s *Session) attempt(ctx context.Context, slot *saveSlot) error {
	s.mu.Lock()
	seq := s.editSeq
	expected := s.watermark
	s.stopDebounceLocked()
	s.mu.Unlock()

	snapshot := s.canvas.Snapshot()
	s.drafts.Persist(s.noteID, snapshot)
	s.publish(StatusSaving)

	next, err := s.remote.UpdateIfWatermark(ctx, s.noteID, snapshot, expected)
	if errors.Is(err, notes.ErrWatermarkConflict) {
		return s.raiseConflict(ctx, snapshot, seq, slot)
	}
	if err != nil {
		s.fail(opSave, err)
		return err
	}

	s.confirm(next, seq)
	s.checkpoint(ctx, snapshot)
	return nil
}

// confirm records a server-accepted write. Changes made after seq keep the
// session dirty.
func (s *Session) confirm(next notes.Watermark, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next.After(s.watermark) {
		s.watermark = next
	}
	if s.editSeq == seq {
		s.dirty = false
	}
	s.conflict = nil
	s.lastSavedAt = s.clock().UTC()
	s.publishLocked(StatusSaved)
}

func (s *Session) raiseConflict(ctx context.Context, pending notes.Snapshot, seq uint64, slot *saveSlot) error {
	current, err := s.remote.ReadCurrent(ctx, s.noteID)
	if err != nil {
		s.fail(opReadCurrent, err)
		return err
	}

	conflict := &Conflict{
		ServerUpdatedAt: current.UpdatedAt,
		PendingSnapshot: pending.Clone(),
		DetectedAt:      s.clock().UTC(),
		pendingSeq:      seq,
	}
	if !current.Doc.IsEmpty() {
		conflict.ServerSnapshot = current.Doc.Clone()
	}

	s.mu.Lock()
	s.conflict = conflict
	s.queued = false
	s.inFlight = false
	slot.released = true
	s.stopDebounceLocked()
	s.publishLocked(StatusError)
	s.mu.Unlock()

	s.logger.Info("save conflict detected",
		zap.Int64("server_updated_at_us", current.UpdatedAt.Int64()),
		zap.Bool("has_server_snapshot", conflict.HasServerSnapshot()))
	return ErrConflictPending
}

func (s *Session) fail(operation string, err error) {
	status := StatusError
	if !s.network.Online() {
		status = StatusOffline
	}
	s.publish(status)
	s.logger.Warn("save attempt failed",
		zap.String("operation", operation),
		zap.String("status", string(status)),
		zap.Error(err))
}

// checkpoint appends an autosave revision unless one was recorded within
// the revision interval.
func (s *Session) checkpoint(ctx context.Context, snapshot notes.Snapshot) {
	now := s.clock()
	s.mu.Lock()
	due := s.lastRevisionAt.IsZero() || now.Sub(s.lastRevisionAt) >= s.revisionInterval
	s.mu.Unlock()
	if !due {
		return
	}
	if err := s.recordRevision(ctx, snapshot, notes.ReasonAutosave); err != nil {
		return
	}
	s.mu.Lock()
	s.lastRevisionAt = now
	s.mu.Unlock()
}

// recordRevision appends a revision and prunes history to the keep limit.
// Prune failures are logged only.
func (s *Session) recordRevision(ctx context.Context, snapshot notes.Snapshot, reason string) error {
	if _, err := s.revisions.AppendRevision(ctx, s.noteID, snapshot, reason); err != nil {
		s.logger.Warn("revision append failed", zap.String("reason", reason), zap.Error(err))
		return err
	}
	removed, err := s.revisions.PruneRevisions(ctx, s.noteID, s.revisionKeep)
	if err != nil {
		s.logger.Warn("revision prune failed", zap.Error(err))
		return nil
	}
	if removed > 0 {
		s.logger.Debug("revisions pruned", zap.Int("removed", removed))
	}
	return nil
}
