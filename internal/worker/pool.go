package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pixvault/harvester/internal/metrics"
)

// Pool owns a resizable set of workers sharing one dependency bundle.
type Pool struct {
	deps   Deps
	logger *zap.Logger

	mu      sync.Mutex
	base    context.Context
	members []*member
	wg      sync.WaitGroup
	nextID  int
}

type member struct {
	worker *Worker
	cancel context.CancelFunc
}

// NewPool builds an empty pool. Start spawns the initial workers.
func NewPool(deps Deps) *Pool {
	return &Pool{deps: deps, logger: deps.Logger}
}

// Start binds the pool to ctx and scales to the initial size.
func (p *Pool) Start(ctx context.Context, workers int) error {
	p.mu.Lock()
	p.base = ctx
	p.mu.Unlock()
	return p.Scale(workers)
}

// Scale adjusts the pool to the target worker count. Shrinking cancels
// the newest workers; each finishes its in-flight task first.
func (p *Pool) Scale(target int) error {
	if target < 0 {
		return fmt.Errorf("worker count must not be negative: %d", target)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.base == nil {
		return fmt.Errorf("pool not started")
	}

	for len(p.members) < target {
		p.nextID++
		id := fmt.Sprintf("worker-%d", p.nextID)
		ctx, cancel := context.WithCancel(p.base)
		w := New(id, p.deps)
		p.members = append(p.members, &member{worker: w, cancel: cancel})
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(ctx)
		}()
	}
	for len(p.members) > target {
		last := p.members[len(p.members)-1]
		p.members = p.members[:len(p.members)-1]
		last.cancel()
		p.logger.Info("worker retired", zap.String("worker_id", last.worker.ID()))
	}

	metrics.SetWorkerCount(len(p.members))
	p.logger.Info("pool scaled", zap.Int("workers", len(p.members)))
	return nil
}

// Count returns the current pool size.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

// Heartbeats reports each worker's last progress timestamp.
func (p *Pool) Heartbeats() map[string]time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]time.Time, len(p.members))
	for _, m := range p.members {
		out[m.worker.ID()] = m.worker.Heartbeat()
	}
	return out
}

// ActiveTasks counts workers currently processing a task.
func (p *Pool) ActiveTasks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.members {
		if m.worker.Active() {
			n++
		}
	}
	return n
}

// Shutdown cancels every worker and waits for in-flight tasks.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	for _, m := range p.members {
		m.cancel()
	}
	p.members = nil
	p.mu.Unlock()
	p.wg.Wait()
}
