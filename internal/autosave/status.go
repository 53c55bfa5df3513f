package autosave

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/notes"
)

// Status is the user-visible save state of a note.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSaving  Status = "saving"
	StatusSaved   Status = "saved"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

const defaultStatusBuffer = 16

// ConflictView is the part of a pending conflict exposed to status observers.
type ConflictView struct {
	ServerUpdatedAt   notes.Watermark
	HasServerSnapshot bool
}

// Event is a single status transition. SavedAt is set only for StatusSaved.
// Conflict is set whenever a conflict is pending, whatever the status.
type Event struct {
	NoteID   notes.NoteID
	Status   Status
	SavedAt  time.Time
	Conflict *ConflictView
}

// StatusBroadcaster fans status events out to subscribers. Publishing never
// blocks: a subscriber that falls behind loses its oldest queued event.
type StatusBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[int64]*statusSubscriber
	nextID      int64
	bufferSize  int
	current     Event
	closed      bool
}

type statusSubscriber struct {
	id     int64
	stream chan Event
}

func NewStatusBroadcaster(noteID notes.NoteID) *StatusBroadcaster {
	return &StatusBroadcaster{
		subscribers: make(map[int64]*statusSubscriber),
		bufferSize:  defaultStatusBuffer,
		current:     Event{NoteID: noteID, Status: StatusIdle},
	}
}

// Subscribe registers a stream that receives every event published after
// the call. The stream is closed when ctx ends, the cleanup func runs, or
// the broadcaster closes.
func (b *StatusBroadcaster) Subscribe(ctx context.Context) (<-chan Event, func()) {
	subscriber := &statusSubscriber{stream: make(chan Event, b.bufferSize)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(subscriber.stream)
		return subscriber.stream, func() {}
	}
	b.nextID++
	subscriber.id = b.nextID
	b.subscribers[subscriber.id] = subscriber
	b.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.unregisterSubscriber(subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (b *StatusBroadcaster) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.current = event
	for _, subscriber := range b.subscribers {
		select {
		case subscriber.stream <- event:
			continue
		default:
		}
		select {
		case <-subscriber.stream:
		default:
		}
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// Current returns the most recently published event.
func (b *StatusBroadcaster) Current() Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// Close closes every subscriber stream and drops later publishes.
func (b *StatusBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, subscriber := range b.subscribers {
		close(subscriber.stream)
		delete(b.subscribers, id)
	}
}

func (b *StatusBroadcaster) unregisterSubscriber(subscriberID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subscriber, ok := b.subscribers[subscriberID]
	if !ok {
		return
	}
	delete(b.subscribers, subscriberID)
	close(subscriber.stream)
}
