// Package filecanvas exposes a JSON document on disk as an autosave canvas.
// External edits to the file are reported through Watch; documents loaded by
// the session are written back atomically.
package filecanvas

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/autosave"
	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/notes"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	emptyDocument = "{}"
	filePerm      = 0o644
)

var (
	// ErrUnseenChanges rejects a non-forced load over edits the session has not observed.
	ErrUnseenChanges = errors.New("filecanvas: file changed since last read")

	errMissingPath = errors.New("filecanvas: path is required")
)

// Canvas is a file-backed autosave.Canvas.
type Canvas struct {
	path   string
	logger *zap.Logger

	mu      sync.Mutex
	current notes.Snapshot
}

// Open reads path, creating it with an empty document when absent.
func Open(path string, logger *zap.Logger) (*Canvas, error) {
	if path == "" {
		return nil, errMissingPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	canvas := &Canvas{path: filepath.Clean(path), logger: logger}

	snapshot, err := canvas.readFile()
	if errors.Is(err, fs.ErrNotExist) {
		snapshot = notes.Snapshot(emptyDocument)
		if err := canvas.writeFile(snapshot); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	canvas.current = snapshot
	return canvas, nil
}

func (c *Canvas) Path() string {
	return c.path
}

// Snapshot returns the last document read from or written to the file.
func (c *Canvas) Snapshot() notes.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Clone()
}

// LoadSnapshot replaces the file contents with snapshot.
func (c *Canvas) LoadSnapshot(snapshot notes.Snapshot, options autosave.LoadOptions) error {
	if snapshot.IsEmpty() {
		return notes.ErrInvalidSnapshot
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !options.ForceOverwrite {
		onDisk, err := c.readFile()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if err == nil && !onDisk.Equal(c.current) {
			return ErrUnseenChanges
		}
	}
	if err := c.writeFile(snapshot); err != nil {
		return err
	}
	c.current = snapshot.Clone()
	return nil
}

// Refresh rereads the file and reports whether its document changed.
// Unparseable contents are ignored, as editors may save in several steps.
func (c *Canvas) Refresh() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot, err := c.readFile()
	if errors.Is(err, notes.ErrInvalidSnapshot) || errors.Is(err, fs.ErrNotExist) {
		c.logger.Debug("canvas file not readable yet", zap.String("path", c.path), zap.Error(err))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if snapshot.Equal(c.current) {
		return false, nil
	}
	c.current = snapshot
	return true, nil
}

// Watch calls onEdit for every external change to the file until ctx ends.
// Writes made by LoadSnapshot leave the document unchanged and are not reported.
func (c *Canvas) Watch(ctx context.Context, onEdit func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("filecanvas: create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()
	// The directory is watched so atomic replacements by editors are seen.
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		return fmt.Errorf("filecanvas: watch %s: %w", c.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != c.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			changed, err := c.Refresh()
			if err != nil {
				c.logger.Warn("canvas refresh failed", zap.String("path", c.path), zap.Error(err))
				continue
			}
			if changed {
				onEdit()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("canvas watcher error", zap.String("path", c.path), zap.Error(err))
		}
	}
}

func (c *Canvas) readFile() (notes.Snapshot, error) {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return nil, err
	}
	return notes.NewSnapshot(raw)
}

// writeFile replaces the file through a rename so readers never see a
// partial document.
func (c *Canvas) writeFile(snapshot notes.Snapshot) error {
	dir := filepath.Dir(c.path)
	temp, err := os.CreateTemp(dir, "."+filepath.Base(c.path)+".*")
	if err != nil {
		return fmt.Errorf("filecanvas: create temp file: %w", err)
	}
	tempName := temp.Name()
	cleanup := func() {
		_ = os.Remove(tempName)
	}
	if _, err := temp.Write(snapshot); err != nil {
		_ = temp.Close()
		cleanup()
		return fmt.Errorf("filecanvas: write temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("filecanvas: close temp file: %w", err)
	}
	if err := os.Chmod(tempName, filePerm); err != nil {
		cleanup()
		return fmt.Errorf("filecanvas: chmod temp file: %w", err)
	}
	if err := os.Rename(tempName, c.path); err != nil {
		cleanup()
		return fmt.Errorf("filecanvas: replace %s: %w", c.path, err)
	}
	return nil
}
