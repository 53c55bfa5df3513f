package autosave

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/drafts"
	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/notes"
	"go.uber.org/zap"
)

// Revisions lists the most recent revisions of the note, newest first.
func (s *Session) Revisions(ctx context.Context) ([]notes.RevisionEntry, error) {
	return s.revisions.ListRevisions(ctx, s.noteID, s.historyLimit)
}

// RestoreRevision loads a past revision into the canvas and saves it as a
// new edit.
func (s *Session) RestoreRevision(ctx context.Context, revision notes.RevisionEntry) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.conflict != nil {
		s.mu.Unlock()
		return ErrConflictPending
	}
	s.mu.Unlock()

	if revision.Doc.IsEmpty() {
		return ErrEmptyRevision
	}
	if err := s.canvas.LoadSnapshot(revision.Doc.Clone(), LoadOptions{ForceOverwrite: true}); err != nil {
		s.logger.Warn("revision restore failed",
			zap.String("operation", opRestoreRevision),
			zap.String("revision_id", revision.ID),
			zap.Error(err))
		return fmt.Errorf("load revision %s: %w", revision.ID, err)
	}
	s.Edit()
	return s.SaveNow(ctx)
}

// DraftOffer returns the local draft found at open time when it is newer
// than the server copy.
func (s *Session) DraftOffer() (drafts.Draft, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draftOffer == nil {
		return drafts.Draft{}, false
	}
	return *s.draftOffer, true
}

// RestoreDraft loads the offered draft into the canvas as a new edit.
func (s *Session) RestoreDraft() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	offer := s.draftOffer
	s.mu.Unlock()
	if offer == nil {
		return ErrNoDraft
	}

	if err := s.canvas.LoadSnapshot(offer.Snapshot.Clone(), LoadOptions{ForceOverwrite: true}); err != nil {
		return fmt.Errorf("load draft: %w", err)
	}

	s.mu.Lock()
	s.draftOffer = nil
	s.mu.Unlock()
	s.Edit()
	return nil
}

// DiscardDraft drops the offered draft from the local store.
func (s *Session) DiscardDraft() {
	s.mu.Lock()
	s.draftOffer = nil
	s.mu.Unlock()
	s.drafts.Clear(s.noteID)
}
