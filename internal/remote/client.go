// Package remote talks to the canvas notes HTTP API. Client satisfies the
// autosave remote store and revision log contracts for headless sessions.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/notes"
	"go.uber.org/zap"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "canvasnotes-agent/1.0"
	maxErrorBody     = 4096
)

var (
	// ErrInvalidClientConfig indicates a missing or malformed client setting.
	ErrInvalidClientConfig = errors.New("remote: invalid client configuration")

	errMissingBaseURL = errors.New("base url is required")
)

// StatusError is a non-success response from the API. It unwraps to the
// notes sentinel matching its status so callers can use errors.Is.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Reason     string
	Code       string
}

func (e *StatusError) Error() string {
	message := fmt.Sprintf("remote: %s %s returned %d", e.Method, e.Path, e.StatusCode)
	if e.Reason != "" {
		message += " (" + e.Reason + ")"
	}
	return message
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusConflict:
		return notes.ErrWatermarkConflict
	case e.StatusCode == http.StatusNotFound:
		return notes.ErrNoteNotFound
	case e.StatusCode == http.StatusBadRequest && e.Reason == "invalid_snapshot":
		return notes.ErrInvalidSnapshot
	default:
		return nil
	}
}

type ClientConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	UserAgent  string
	Logger     *zap.Logger
}

// Client is an authenticated API client bound to one session token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	userAgent  string
	logger     *zap.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingBaseURL)
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
		userAgent:  userAgent,
		logger:     logger,
	}, nil
}

type notePayload struct {
	NoteID      string         `json:"note_id"`
	Title       string         `json:"title"`
	Doc         notes.Snapshot `json:"doc,omitempty"`
	CreatedAtUs int64          `json:"created_at_us"`
	UpdatedAtUs int64          `json:"updated_at_us"`
}

func (p notePayload) record() notes.NoteRecord {
	return notes.NoteRecord{
		ID:        notes.NoteID(p.NoteID),
		Title:     p.Title,
		Doc:       p.Doc,
		CreatedAt: notes.Watermark(p.CreatedAtUs),
		UpdatedAt: notes.Watermark(p.UpdatedAtUs),
	}
}

type revisionPayload struct {
	RevisionID  string         `json:"revision_id"`
	NoteID      string         `json:"note_id"`
	Doc         notes.Snapshot `json:"doc,omitempty"`
	Reason      string         `json:"reason"`
	CreatedAtUs int64          `json:"created_at_us"`
}

func (p revisionPayload) entry() notes.RevisionEntry {
	return notes.RevisionEntry{
		ID:        p.RevisionID,
		NoteID:    notes.NoteID(p.NoteID),
		Doc:       p.Doc,
		CreatedAt: time.UnixMicro(p.CreatedAtUs).UTC(),
		Reason:    p.Reason,
	}
}

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Health reports whether the API answers its health probe.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) CreateNote(ctx context.Context, title string, doc notes.Snapshot) (notes.NoteRecord, error) {
	request := struct {
		Title string         `json:"title"`
		Doc   notes.Snapshot `json:"doc,omitempty"`
	}{Title: title, Doc: doc}
	var response notePayload
	if err := c.do(ctx, http.MethodPost, "/notes", request, &response); err != nil {
		return notes.NoteRecord{}, err
	}
	return response.record(), nil
}

func (c *Client) GetNote(ctx context.Context, noteID notes.NoteID) (notes.NoteRecord, error) {
	var response notePayload
	if err := c.do(ctx, http.MethodGet, notePath(noteID), nil, &response); err != nil {
		return notes.NoteRecord{}, err
	}
	return response.record(), nil
}

func (c *Client) ListNotes(ctx context.Context) ([]notes.NoteRecord, error) {
	var response struct {
		Notes []notePayload `json:"notes"`
	}
	if err := c.do(ctx, http.MethodGet, "/notes", nil, &response); err != nil {
		return nil, err
	}
	records := make([]notes.NoteRecord, 0, len(response.Notes))
	for _, note := range response.Notes {
		records = append(records, note.record())
	}
	return records, nil
}

// UpdateIfWatermark saves doc predicated on expected. A 409 answer surfaces
// as notes.ErrWatermarkConflict.
func (c *Client) UpdateIfWatermark(ctx context.Context, noteID notes.NoteID, doc notes.Snapshot, expected notes.Watermark) (notes.Watermark, error) {
	request := struct {
		Doc           notes.Snapshot `json:"doc"`
		BaseUpdatedAt *int64         `json:"base_updated_at_us,omitempty"`
	}{Doc: doc}
	if !expected.IsZero() {
		base := expected.Int64()
		request.BaseUpdatedAt = &base
	}
	var response struct {
		UpdatedAtUs int64 `json:"updated_at_us"`
	}
	if err := c.do(ctx, http.MethodPut, notePath(noteID), request, &response); err != nil {
		return 0, err
	}
	return notes.Watermark(response.UpdatedAtUs), nil
}

func (c *Client) ReadCurrent(ctx context.Context, noteID notes.NoteID) (notes.Current, error) {
	record, err := c.GetNote(ctx, noteID)
	if err != nil {
		return notes.Current{}, err
	}
	return notes.Current{Doc: record.Doc, UpdatedAt: record.UpdatedAt}, nil
}

func (c *Client) AppendRevision(ctx context.Context, noteID notes.NoteID, doc notes.Snapshot, reason string) (notes.RevisionEntry, error) {
	request := struct {
		Doc    notes.Snapshot `json:"doc"`
		Reason string         `json:"reason"`
	}{Doc: doc, Reason: reason}
	var response revisionPayload
	if err := c.do(ctx, http.MethodPost, notePath(noteID)+"/revisions", request, &response); err != nil {
		return notes.RevisionEntry{}, err
	}
	return response.entry(), nil
}

func (c *Client) ListRevisions(ctx context.Context, noteID notes.NoteID, limit int) ([]notes.RevisionEntry, error) {
	path := notePath(noteID) + "/revisions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var response struct {
		Revisions []revisionPayload `json:"revisions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, err
	}
	entries := make([]notes.RevisionEntry, 0, len(response.Revisions))
	for _, revision := range response.Revisions {
		entries = append(entries, revision.entry())
	}
	return entries, nil
}

func (c *Client) PruneRevisions(ctx context.Context, noteID notes.NoteID, keep int) (int, error) {
	request := struct {
		Keep int `json:"keep"`
	}{Keep: max(keep, 0)}
	var response struct {
		Deleted int `json:"deleted"`
	}
	if err := c.do(ctx, http.MethodPost, notePath(noteID)+"/revisions/prune", request, &response); err != nil {
		return 0, err
	}
	return response.Deleted, nil
}

func notePath(noteID notes.NoteID) string {
	return "/notes/" + url.PathEscape(noteID.String())
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("remote: build %s %s: %w", method, path, err)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		statusErr := &StatusError{Method: method, Path: path, StatusCode: response.StatusCode}
		var payload errorPayload
		if raw, readErr := io.ReadAll(io.LimitReader(response.Body, maxErrorBody)); readErr == nil && json.Unmarshal(raw, &payload) == nil {
			statusErr.Reason = payload.Error
			statusErr.Code = payload.Code
		}
		if response.StatusCode >= http.StatusInternalServerError {
			c.logger.Warn("remote request failed",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("status", response.StatusCode),
				zap.String("code", statusErr.Code))
		}
		return statusErr
	}

	if out == nil || response.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("remote: decode %s %s: %w", method, path, err)
	}
	return nil
}
