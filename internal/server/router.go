package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/notes"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	ownerIDContextKey = "canvasnotes_owner_id"
	accessTokenQuery  = "access_token"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingNotesStore       = errors.New("notes store dependency required")
)

// SessionValidator authenticates requests.
type SessionValidator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// NoteStore is the persistence surface the HTTP API serves.
type NoteStore interface {
	CreateNote(ctx context.Context, owner notes.UserID, title string, doc notes.Snapshot) (notes.NoteRecord, error)
	GetNote(ctx context.Context, owner notes.UserID, noteID notes.NoteID) (notes.NoteRecord, error)
	ListNotes(ctx context.Context, owner notes.UserID) ([]notes.NoteRecord, error)
	RenameNote(ctx context.Context, owner notes.UserID, noteID notes.NoteID, title string) error
	DeleteNote(ctx context.Context, owner notes.UserID, noteID notes.NoteID) error
	UpdateIfWatermark(ctx context.Context, owner notes.UserID, noteID notes.NoteID, doc notes.Snapshot, expected notes.Watermark) (notes.Watermark, error)
	AppendRevision(ctx context.Context, owner notes.UserID, noteID notes.NoteID, doc notes.Snapshot, reason string) (notes.RevisionEntry, error)
	ListRevisions(ctx context.Context, owner notes.UserID, noteID notes.NoteID, limit int) ([]notes.RevisionEntry, error)
	PruneRevisions(ctx context.Context, owner notes.UserID, noteID notes.NoteID, keep int) (int, error)
}

type Dependencies struct {
	SessionValidator SessionValidator
	NotesStore       NoteStore
	Realtime         *RealtimeDispatcher
	AllowedOrigins   []string
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.NotesStore == nil {
		return nil, errMissingNotesStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:          deps.SessionValidator,
		notesStore:        deps.NotesStore,
		realtime:          realtime,
		logger:            logger,
		heartbeatInterval: defaultStreamHeartbeat,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/notes", handler.handleListNotes)
	protected.POST("/notes", handler.handleCreateNote)
	protected.GET("/notes/stream", handler.handleNotesStream)
	protected.GET("/notes/:id", handler.handleGetNote)
	protected.PUT("/notes/:id", handler.handleUpdateNote)
	protected.PATCH("/notes/:id", handler.handleRenameNote)
	protected.DELETE("/notes/:id", handler.handleDeleteNote)
	protected.GET("/notes/:id/revisions", handler.handleListRevisions)
	protected.POST("/notes/:id/revisions", handler.handleAppendRevision)
	protected.POST("/notes/:id/revisions/prune", handler.handlePruneRevisions)

	return router, nil
}

// corsMiddleware admits any origin without credentials unless an explicit
// allow-list is configured. Cookies ride along only for listed origins.
func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions          SessionValidator
	notesStore        NoteStore
	realtime          *RealtimeDispatcher
	logger            *zap.Logger
	heartbeatInterval time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	var (
		claims auth.SessionClaims
		err    error
	)
	if token := strings.TrimSpace(c.Query(accessTokenQuery)); token != "" {
		claims, err = h.sessions.ValidateToken(token)
	} else {
		claims, err = h.sessions.ValidateRequest(c.Request)
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	owner, err := claims.Owner()
	if err != nil {
		h.logger.Warn("session carries invalid user id", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ownerIDContextKey, owner)
	c.Next()
}

func ownerFromContext(c *gin.Context) (notes.UserID, bool) {
	value, ok := c.Get(ownerIDContextKey)
	if !ok {
		return "", false
	}
	owner, ok := value.(notes.UserID)
	return owner, ok && owner != ""
}

// respondStoreError maps store failures onto HTTP responses.
func (h *httpHandler) respondStoreError(c *gin.Context, fallbackReason string, err error) {
	switch {
	case errors.Is(err, notes.ErrWatermarkConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
		return
	case errors.Is(err, notes.ErrNoteNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	status := http.StatusInternalServerError
	reason := fallbackReason
	if errors.Is(err, notes.ErrInvalidSnapshot) {
		status = http.StatusBadRequest
		reason = "invalid_snapshot"
	}
	body := gin.H{"error": reason}
	var serviceErr *notes.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("note request failed", zap.String("reason", fallbackReason), zap.Error(err))
	}
	c.JSON(status, body)
}
