package notes

import "context"

// OwnerScope binds a Store to a single owner so callers address notes by id alone.
type OwnerScope struct {
	store *Store
	owner UserID
}

// ForOwner returns a view of the store limited to owner's notes.
func (s *Store) ForOwner(owner UserID) OwnerScope {
	return OwnerScope{store: s, owner: owner}
}

func (scope OwnerScope) Owner() UserID {
	return scope.owner
}

func (scope OwnerScope) UpdateIfWatermark(ctx context.Context, noteID NoteID, doc Snapshot, expected Watermark) (Watermark, error) {
	return scope.store.UpdateIfWatermark(ctx, scope.owner, noteID, doc, expected)
}

func (scope OwnerScope) ReadCurrent(ctx context.Context, noteID NoteID) (Current, error) {
	return scope.store.ReadCurrent(ctx, scope.owner, noteID)
}

func (scope OwnerScope) AppendRevision(ctx context.Context, noteID NoteID, doc Snapshot, reason string) (RevisionEntry, error) {
	return scope.store.AppendRevision(ctx, scope.owner, noteID, doc, reason)
}

func (scope OwnerScope) ListRevisions(ctx context.Context, noteID NoteID, limit int) ([]RevisionEntry, error) {
	return scope.store.ListRevisions(ctx, scope.owner, noteID, limit)
}

func (scope OwnerScope) PruneRevisions(ctx context.Context, noteID NoteID, keep int) (int, error) {
	return scope.store.PruneRevisions(ctx, scope.owner, noteID, keep)
}
