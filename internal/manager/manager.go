// Package manager supervises the worker pool and the queues: system
// status, scaling and queue purges.
package manager

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pixvault/harvester/internal/harvest"
	"github.com/pixvault/harvester/internal/metrics"
	"github.com/pixvault/harvester/internal/queue"
	"github.com/pixvault/harvester/internal/worker"
)

// Health labels for SystemStatus.
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// SystemStatus is one snapshot of the engine.
type SystemStatus struct {
	TotalWorkers      int            `json:"total_workers"`
	ResponsiveWorkers int            `json:"responsive_workers"`
	ActiveTasks       int            `json:"active_tasks"`
	QueueLengths      map[string]int `json:"queue_lengths"`
	Health            string         `json:"health"`
	Timestamp         time.Time      `json:"timestamp"`
}

// Manager inspects and controls the running engine.
type Manager struct {
	pool   *worker.Pool
	broker queue.Queue
	clock  harvest.Clock
	logger *zap.Logger

	// A worker whose heartbeat is older than this is unresponsive.
	staleAfter time.Duration
	interval   time.Duration
}

// New builds a Manager. staleAfter bounds how old a heartbeat may be
// before the worker counts as unresponsive; interval drives Run's polling.
func New(pool *worker.Pool, broker queue.Queue, clock harvest.Clock, staleAfter, interval time.Duration, logger *zap.Logger) *Manager {
	if staleAfter <= 0 {
		staleAfter = time.Minute
	}
	return &Manager{
		pool:       pool,
		broker:     broker,
		clock:      clock,
		logger:     logger,
		staleAfter: staleAfter,
		interval:   interval,
	}
}

// Status reports the current system snapshot. The system is unhealthy
// when no worker is responsive or the broker cannot be inspected.
func (m *Manager) Status(ctx context.Context) SystemStatus {
	now := m.clock.Now()
	status := SystemStatus{
		TotalWorkers: m.pool.Count(),
		ActiveTasks:  m.pool.ActiveTasks(),
		Health:       HealthHealthy,
		Timestamp:    now,
	}
	for _, beat := range m.pool.Heartbeats() {
		if !beat.IsZero() && now.Sub(beat) <= m.staleAfter {
			status.ResponsiveWorkers++
		}
	}

	lengths, err := m.broker.Lengths(ctx)
	if err != nil {
		m.logger.Warn("queue inspection failed", zap.Error(err))
		status.Health = HealthUnhealthy
	} else {
		status.QueueLengths = lengths
		for name, n := range lengths {
			metrics.SetQueueDepth(name, n)
		}
	}

	if status.ResponsiveWorkers == 0 {
		status.Health = HealthUnhealthy
	}
	return status
}

// ScaleWorkers resizes the pool and returns the new size.
func (m *Manager) ScaleWorkers(target int) (int, error) {
	if err := m.pool.Scale(target); err != nil {
		return m.pool.Count(), err
	}
	m.logger.Info("workers scaled", zap.Int("target", target))
	return m.pool.Count(), nil
}

// PurgeQueue discards pending envelopes from the named queue.
func (m *Manager) PurgeQueue(ctx context.Context, queueName string) (int, error) {
	return m.broker.Purge(ctx, queueName)
}

// Run polls Status on the configured interval until ctx ends, keeping the
// queue depth gauges current and logging health changes.
func (m *Manager) Run(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	lastHealth := HealthHealthy
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := m.Status(ctx)
			if status.Health != lastHealth {
				m.logger.Warn("system health changed",
					zap.String("from", lastHealth),
					zap.String("to", status.Health),
					zap.Int("responsive_workers", status.ResponsiveWorkers))
				lastHealth = status.Health
			}
		}
	}
}
