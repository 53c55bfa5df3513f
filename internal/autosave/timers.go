package autosave

import (
	"sync"
	"time"
)

// Timer is a scheduled task that can be cancelled.
type Timer interface {
	Stop()
}

// Timers schedules the debounce and heartbeat tasks of a session.
type Timers interface {
	AfterFunc(delay time.Duration, task func()) Timer
	Every(interval time.Duration, task func()) Timer
}

type realTimers struct{}

// NewRealTimers returns Timers backed by the runtime clock.
func NewRealTimers() Timers {
	return realTimers{}
}

type onceTimer struct {
	timer *time.Timer
}

func (t onceTimer) Stop() {
	t.timer.Stop()
}

func (realTimers) AfterFunc(delay time.Duration, task func()) Timer {
	return onceTimer{timer: time.AfterFunc(delay, task)}
}

type tickerTimer struct {
	stop chan struct{}
	once sync.Once
}

func (t *tickerTimer) Stop() {
	t.once.Do(func() {
		close(t.stop)
	})
}

// Every runs task on its own goroutine after each interval. Ticks that
// arrive while task is still running are dropped.
func (realTimers) Every(interval time.Duration, task func()) Timer {
	timer := &tickerTimer{stop: make(chan struct{})}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-timer.stop:
				return
			case <-ticker.C:
				task()
			}
		}
	}()
	return timer
}
