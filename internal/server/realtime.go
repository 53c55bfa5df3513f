package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/notes"
)

const (
	RealtimeEventNoteChanged = "note-change"
	realtimeEventHeartbeat   = "heartbeat"
	realtimeSourceBackend    = "canvasnotes-backend"

	defaultRealtimeBuffer = 16
)

// RealtimeMessage announces that notes owned by OwnerID changed on the server.
// UpdatedAt is zero for deletions.
type RealtimeMessage struct {
	OwnerID   notes.UserID
	EventType string
	NoteIDs   []string
	UpdatedAt notes.Watermark
	Timestamp time.Time
}

// RealtimeDispatcher fans note change messages out to the streams of one owner.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[notes.UserID]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[notes.UserID]map[int64]*realtimeSubscriber),
		bufferSize:  defaultRealtimeBuffer,
	}
}

// Subscribe registers a stream for owner until ctx ends or the returned
// cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, owner notes.UserID) (<-chan RealtimeMessage, func()) {
	if owner == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{stream: make(chan RealtimeMessage, d.bufferSize)}
	d.registerSubscriber(owner, subscriber)

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(owner, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to every stream of its owner. Full streams miss
// the message rather than block the writer.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.OwnerID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers[message.OwnerID] {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) subscriberCount(owner notes.UserID) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[owner])
}

func (d *RealtimeDispatcher) registerSubscriber(owner notes.UserID, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	if _, ok := d.subscribers[owner]; !ok {
		d.subscribers[owner] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[owner][subscriber.id] = subscriber
}

// unregisterSubscriber holds the write lock, so no Publish is sending on the
// stream when it is closed.
func (d *RealtimeDispatcher) unregisterSubscriber(owner notes.UserID, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[owner]
	if subscribers == nil {
		return
	}
	if subscriber, ok := subscribers[subscriberID]; ok {
		delete(subscribers, subscriberID)
		close(subscriber.stream)
	}
	if len(subscribers) == 0 {
		delete(d.subscribers, owner)
	}
}
