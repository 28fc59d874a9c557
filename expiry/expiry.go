// Package expiry periodically persists the trust stores. Every save drops
// the policies that have expired since the last one, so a long running
// process does not carry dead entries forever.
package expiry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/tlstrust/filestore"
)

// DefaultInterval is used when Config.Interval is zero.
const DefaultInterval = 5 * time.Minute

// Config holds sweep configuration.
type Config struct {
	// Interval is how often to save the stores.
	Interval time.Duration

	// Logger for sweep events.
	Logger *slog.Logger
}

// Target is a store the manager saves on every sweep.
type Target struct {
	Name string
	Save func(ctx context.Context) error
}

// Manager saves its targets on a fixed interval.
type Manager struct {
	config  Config
	targets []Target
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a new sweep manager.
func NewManager(cfg Config, targets ...Target) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config:  cfg,
		targets: targets,
		logger:  cfg.Logger.With("component", "expiry"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins background sweeps. Calling it again, or after Stop, does nothing.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop stops background sweeps and waits for a running sweep to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.stopped = true
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// SweepResult contains the results of a sweep.
type SweepResult struct {
	Saved    int
	Skipped  int
	Errors   int
	Duration time.Duration
}

// RunOnce performs a single sweep.
func (m *Manager) RunOnce(ctx context.Context) *SweepResult {
	return m.runOnce(ctx)
}

func (m *Manager) runOnce(ctx context.Context) *SweepResult {
	start := m.now()
	result := &SweepResult{}

	for _, t := range m.targets {
		err := t.Save(ctx)
		switch {
		case err == nil:
			result.Saved++
		case errors.Is(err, filestore.ErrNoPath):
			// in-memory store, nothing to persist
			result.Skipped++
		default:
			result.Errors++
			m.logger.Error("failed to save store", "store", t.Name, "error", err)
		}
	}

	result.Duration = m.now().Sub(start)
	m.logger.Debug("sweep complete",
		"saved", result.Saved,
		"skipped", result.Skipped,
		"errors", result.Errors,
		"duration", result.Duration,
	)
	return result
}
