// Package reachability tracks whether the notes API can be reached.
package reachability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultInterval = 15 * time.Second
	defaultTimeout  = 5 * time.Second
)

var (
	ErrInvalidMonitorConfig = errors.New("reachability: invalid monitor configuration")

	errMissingProber = errors.New("prober is required")
)

// Prober checks the remote endpoint once.
type Prober interface {
	Health(ctx context.Context) error
}

type MonitorConfig struct {
	Prober   Prober
	Interval time.Duration
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Monitor polls a Prober and reports the last observed reachability. It starts
// optimistic: Online is true until a probe fails.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu          sync.RWMutex
	online      bool
	subscribers map[int64]chan bool
	nextID      int64
}

func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Prober == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMonitorConfig, errMissingProber)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		prober:      cfg.Prober,
		interval:    interval,
		timeout:     timeout,
		logger:      logger,
		online:      true,
		subscribers: make(map[int64]chan bool),
	}, nil
}

// Online reports the result of the latest probe.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Check probes once and records the outcome.
func (m *Monitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.prober.Health(probeCtx)
	m.record(err == nil, err)
	return err == nil
}

// Run probes immediately and then every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Subscribe delivers every reachability change until ctx ends or the
// returned cleanup runs. A slow subscriber only sees the latest change.
func (m *Monitor) Subscribe(ctx context.Context) (<-chan bool, func()) {
	stream := make(chan bool, 1)
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subscribers[id] = stream
	m.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			close(stream)
			m.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

func (m *Monitor) record(online bool, probeErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	if online {
		m.logger.Info("remote reachable again")
	} else {
		m.logger.Warn("remote unreachable", zap.Error(probeErr))
	}
	for _, stream := range m.subscribers {
		select {
		case <-stream:
		default:
		}
		stream <- online
	}
}
