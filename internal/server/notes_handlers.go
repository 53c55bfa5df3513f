package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/notes"
	"github.com/gin-gonic/gin"
)

const (
	defaultRevisionListLimit = 10
	maxRevisionListLimit     = 200
)

type noteResponsePayload struct {
	NoteID      string         `json:"note_id"`
	Title       string         `json:"title"`
	Doc         notes.Snapshot `json:"doc,omitempty"`
	CreatedAtUs int64          `json:"created_at_us"`
	UpdatedAtUs int64          `json:"updated_at_us"`
}

func noteResponseFromRecord(record notes.NoteRecord) noteResponsePayload {
	return noteResponsePayload{
		NoteID:      record.ID.String(),
		Title:       record.Title,
		Doc:         record.Doc,
		CreatedAtUs: record.CreatedAt.Int64(),
		UpdatedAtUs: record.UpdatedAt.Int64(),
	}
}

type createNoteRequestPayload struct {
	Title string          `json:"title"`
	Doc   json.RawMessage `json:"doc"`
}

type updateNoteRequestPayload struct {
	Doc           json.RawMessage `json:"doc"`
	BaseUpdatedAt *int64          `json:"base_updated_at_us"`
}

type renameNoteRequestPayload struct {
	Title *string `json:"title"`
}

type revisionResponsePayload struct {
	RevisionID  string         `json:"revision_id"`
	NoteID      string         `json:"note_id"`
	Doc         notes.Snapshot `json:"doc,omitempty"`
	Reason      string         `json:"reason"`
	CreatedAtUs int64          `json:"created_at_us"`
}

func revisionResponseFromEntry(entry notes.RevisionEntry) revisionResponsePayload {
	return revisionResponsePayload{
		RevisionID:  entry.ID,
		NoteID:      entry.NoteID.String(),
		Doc:         entry.Doc,
		Reason:      entry.Reason,
		CreatedAtUs: entry.CreatedAt.UnixMicro(),
	}
}

type appendRevisionRequestPayload struct {
	Doc    json.RawMessage `json:"doc"`
	Reason string          `json:"reason"`
}

type pruneRevisionsRequestPayload struct {
	Keep *int `json:"keep"`
}

// noteRequestScope resolves the owner and the note path parameter, writing
// the error response itself when either is invalid.
func noteRequestScope(c *gin.Context) (notes.UserID, notes.NoteID, bool) {
	owner, ok := ownerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	noteID, err := notes.NewNoteID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return "", "", false
	}
	return owner, noteID, true
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	records, err := h.notesStore.ListNotes(c.Request.Context(), owner)
	if err != nil {
		h.respondStoreError(c, "list_failed", err)
		return
	}
	payload := make([]noteResponsePayload, 0, len(records))
	for _, record := range records {
		entry := noteResponseFromRecord(record)
		entry.Doc = nil
		payload = append(payload, entry)
	}
	c.JSON(http.StatusOK, gin.H{"notes": payload})
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request createNoteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var doc notes.Snapshot
	if len(request.Doc) > 0 {
		parsed, err := notes.NewSnapshot(request.Doc)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_snapshot"})
			return
		}
		doc = parsed
	}
	record, err := h.notesStore.CreateNote(c.Request.Context(), owner, request.Title, doc)
	if err != nil {
		h.respondStoreError(c, "create_failed", err)
		return
	}
	h.publishNoteChange(owner, record.ID, record.UpdatedAt)
	c.JSON(http.StatusCreated, noteResponseFromRecord(record))
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	owner, noteID, ok := noteRequestScope(c)
	if !ok {
		return
	}
	record, err := h.notesStore.GetNote(c.Request.Context(), owner, noteID)
	if err != nil {
		h.respondStoreError(c, "get_failed", err)
		return
	}
	c.JSON(http.StatusOK, noteResponseFromRecord(record))
}

func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	owner, noteID, ok := noteRequestScope(c)
	if !ok {
		return
	}
	var request updateNoteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	doc, err := notes.NewSnapshot(request.Doc)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_snapshot"})
		return
	}
	var expected notes.Watermark
	if request.BaseUpdatedAt != nil {
		expected, err = notes.NewWatermark(*request.BaseUpdatedAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_watermark"})
			return
		}
	}

	next, err := h.notesStore.UpdateIfWatermark(c.Request.Context(), owner, noteID, doc, expected)
	if err != nil {
		h.respondStoreError(c, "update_failed", err)
		return
	}
	h.publishNoteChange(owner, noteID, next)
	c.JSON(http.StatusOK, gin.H{"note_id": noteID.String(), "updated_at_us": next.Int64()})
}

func (h *httpHandler) handleRenameNote(c *gin.Context) {
	owner, noteID, ok := noteRequestScope(c)
	if !ok {
		return
	}
	var request renameNoteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Title == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.notesStore.RenameNote(c.Request.Context(), owner, noteID, *request.Title); err != nil {
		h.respondStoreError(c, "rename_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	owner, noteID, ok := noteRequestScope(c)
	if !ok {
		return
	}
	if err := h.notesStore.DeleteNote(c.Request.Context(), owner, noteID); err != nil {
		h.respondStoreError(c, "delete_failed", err)
		return
	}
	h.publishNoteChange(owner, noteID, 0)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListRevisions(c *gin.Context) {
	owner, noteID, ok := noteRequestScope(c)
	if !ok {
		return
	}
	limit := defaultRevisionListLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = min(parsed, maxRevisionListLimit)
	}
	entries, err := h.notesStore.ListRevisions(c.Request.Context(), owner, noteID, limit)
	if err != nil {
		h.respondStoreError(c, "list_revisions_failed", err)
		return
	}
	payload := make([]revisionResponsePayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, revisionResponseFromEntry(entry))
	}
	c.JSON(http.StatusOK, gin.H{"revisions": payload})
}

func (h *httpHandler) handleAppendRevision(c *gin.Context) {
	owner, noteID, ok := noteRequestScope(c)
	if !ok {
		return
	}
	var request appendRevisionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	doc, err := notes.NewSnapshot(request.Doc)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_snapshot"})
		return
	}
	entry, err := h.notesStore.AppendRevision(c.Request.Context(), owner, noteID, doc, request.Reason)
	if err != nil {
		h.respondStoreError(c, "append_revision_failed", err)
		return
	}
	c.JSON(http.StatusCreated, revisionResponseFromEntry(entry))
}

func (h *httpHandler) handlePruneRevisions(c *gin.Context) {
	owner, noteID, ok := noteRequestScope(c)
	if !ok {
		return
	}
	var request pruneRevisionsRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Keep == nil || *request.Keep < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	deleted, err := h.notesStore.PruneRevisions(c.Request.Context(), owner, noteID, *request.Keep)
	if err != nil {
		h.respondStoreError(c, "prune_revisions_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *httpHandler) publishNoteChange(owner notes.UserID, noteID notes.NoteID, updatedAt notes.Watermark) {
	h.realtime.Publish(RealtimeMessage{
		OwnerID:   owner,
		EventType: RealtimeEventNoteChanged,
		NoteIDs:   []string{noteID.String()},
		UpdatedAt: updatedAt,
		Timestamp: time.Now().UTC(),
	})
}
