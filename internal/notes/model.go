package notes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

// Revision reasons recorded by the save pipeline.
const (
	ReasonAutosave              = "autosave"
	ReasonRemoteBeforeOverwrite = "remote before overwrite"
	ReasonOverwrite             = "overwrite"
)

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
	// ErrInvalidSnapshot indicates that a snapshot is empty or not a JSON document.
	ErrInvalidSnapshot = errors.New("notes: invalid snapshot")
	// ErrInvalidWatermark indicates a negative watermark value.
	ErrInvalidWatermark = errors.New("notes: invalid watermark")
	// ErrWatermarkConflict is returned by conditional updates whose expected watermark is stale.
	ErrWatermarkConflict = errors.New("notes: watermark conflict")
	// ErrNoteNotFound is returned when the note does not exist for the owner or was deleted.
	ErrNoteNotFound = errors.New("notes: note not found")
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Snapshot is an opaque serialized canvas document. The save core never
// inspects its contents beyond requiring a JSON value.
type Snapshot []byte

// NewSnapshot validates raw input and returns a private copy of it.
func NewSnapshot(raw []byte) (Snapshot, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSnapshot)
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: not a json document", ErrInvalidSnapshot)
	}
	return Snapshot(trimmed).Clone(), nil
}

// Clone returns an independent copy.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	copied := make([]byte, len(s))
	copy(copied, s)
	return copied
}

// IsEmpty reports whether the snapshot carries no document.
func (s Snapshot) IsEmpty() bool {
	trimmed := bytes.TrimSpace(s)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Equal compares two snapshots byte for byte.
func (s Snapshot) Equal(other Snapshot) bool {
	return bytes.Equal(s, other)
}

func (s Snapshot) String() string {
	return string(s)
}

// MarshalJSON embeds the snapshot as raw JSON.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	if s.IsEmpty() {
		return []byte("null"), nil
	}
	return s.Clone(), nil
}

// UnmarshalJSON stores the raw JSON value.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = nil
		return nil
	}
	*s = Snapshot(data).Clone()
	return nil
}

// Watermark is the server-assigned last-modified marker of a note, in unix
// microseconds. The zero value means no watermark is known.
type Watermark int64

// NewWatermark validates the value and returns a Watermark.
func NewWatermark(value int64) (Watermark, error) {
	if value < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidWatermark, value)
	}
	return Watermark(value), nil
}

// IsZero reports whether the watermark is absent.
func (w Watermark) IsZero() bool {
	return w == 0
}

// Int64 exposes the raw microseconds value.
func (w Watermark) Int64() int64 {
	return int64(w)
}

// Millis truncates the watermark to unix milliseconds.
func (w Watermark) Millis() int64 {
	return int64(w) / int64(time.Millisecond/time.Microsecond)
}

// Time converts the watermark to a UTC time.
func (w Watermark) Time() time.Time {
	return time.UnixMicro(int64(w)).UTC()
}

// After reports whether w is strictly newer than other.
func (w Watermark) After(other Watermark) bool {
	return w > other
}

// Note is the persisted row of an owner's note.
type Note struct {
	NoteID          string `gorm:"column:note_id;primaryKey;size:190;not null"`
	OwnerID         string `gorm:"column:owner_id;size:190;not null;index:idx_notes_owner_updated,priority:1"`
	Title           string `gorm:"column:title;size:512;not null;default:''"`
	DocJSON         string `gorm:"column:doc;type:text;not null"`
	CreatedAtMicros int64  `gorm:"column:created_at_us;not null"`
	UpdatedAtMicros int64  `gorm:"column:updated_at_us;not null;index:idx_notes_owner_updated,priority:2"`
	IsDeleted       bool   `gorm:"column:is_deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// Revision is an append-only history entry of a note snapshot.
type Revision struct {
	RevisionID      string `gorm:"column:revision_id;primaryKey;size:190;not null"`
	NoteID          string `gorm:"column:note_id;size:190;not null;index:idx_revisions_note_created,priority:1"`
	OwnerID         string `gorm:"column:owner_id;size:190;not null"`
	DocJSON         string `gorm:"column:doc;type:text;not null"`
	CreatedAtMicros int64  `gorm:"column:created_at_us;not null;index:idx_revisions_note_created,priority:2"`
	Reason          string `gorm:"column:reason;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Revision) TableName() string {
	return "note_revisions"
}

// NoteRecord is the read model of a note.
type NoteRecord struct {
	ID        NoteID
	OwnerID   UserID
	Title     string
	Doc       Snapshot
	CreatedAt Watermark
	UpdatedAt Watermark
}

// Current is the server's current copy of a note's document.
type Current struct {
	Doc       Snapshot
	UpdatedAt Watermark
}

// RevisionEntry is the read model of a revision.
type RevisionEntry struct {
	ID        string
	NoteID    NoteID
	Doc       Snapshot
	CreatedAt time.Time
	Reason    string
}

func noteRecordFromModel(model Note) NoteRecord {
	return NoteRecord{
		ID:        NoteID(model.NoteID),
		OwnerID:   UserID(model.OwnerID),
		Title:     model.Title,
		Doc:       Snapshot(model.DocJSON),
		CreatedAt: Watermark(model.CreatedAtMicros),
		UpdatedAt: Watermark(model.UpdatedAtMicros),
	}
}

func revisionEntryFromModel(model Revision) RevisionEntry {
	return RevisionEntry{
		ID:        model.RevisionID,
		NoteID:    NoteID(model.NoteID),
		Doc:       Snapshot(model.DocJSON),
		CreatedAt: time.UnixMicro(model.CreatedAtMicros).UTC(),
		Reason:    model.Reason,
	}
}

// NextWatermark returns a watermark strictly after previous, using now when
// the clock has advanced past it.
func NextWatermark(now time.Time, previous Watermark) Watermark {
	candidate := Watermark(now.UTC().UnixMicro())
	if candidate <= previous {
		return previous + 1
	}
	return candidate
}
