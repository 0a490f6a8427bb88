package proxy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Strategy selects how the pool rotates among active proxies.
type Strategy string

// Supported rotation strategies.
const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyRandom     Strategy = "random"
	StrategyWeighted   Strategy = "weighted"
)

// Config controls pool behavior.
type Config struct {
	Strategy Strategy
	// MaxFailures deactivates a proxy once its failure count reaches it.
	MaxFailures int
}

// Stats summarizes the pool for reporting.
type Stats struct {
	Total         int     `json:"total_proxies"`
	Active        int     `json:"active_proxies"`
	Bad           int     `json:"bad_proxies"`
	TotalSuccess  int     `json:"total_success"`
	TotalFailures int     `json:"total_failures"`
	SuccessRate   float64 `json:"success_rate"`
}

// Pool is a rotating set of egress proxies. All selection and counter
// mutation happens under one mutex: concurrent workers never observe lost
// updates or duplicate round-robin assignment.
type Pool struct {
	mu      sync.Mutex
	records []*Record
	bad     map[string]struct{}
	cursor  int
	cfg     Config
	rng     *rand.Rand
	now     func() time.Time
	logger  *zap.Logger
}

// NewPool constructs an empty Pool.
func NewPool(cfg Config, logger *zap.Logger) *Pool {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyRoundRobin
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		bad:    make(map[string]struct{}),
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
		logger: logger,
	}
}

// Add inserts a proxy into the pool, assigning a stable ID when the record
// has none, and returns the ID.
func (p *Pool) Add(rec Record) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Protocol == "" {
		rec.Protocol = "http"
	}
	// Fresh records start active; snapshot-loaded records keep their flag.
	if rec.SuccessCount == 0 && rec.FailureCount == 0 && rec.LastChecked.IsZero() {
		rec.Active = true
	}
	p.records = append(p.records, &rec)
	if !rec.Active {
		p.bad[rec.ID] = struct{}{}
	}
	p.logger.Info("proxy added", zap.String("proxy_id", rec.ID), zap.String("addr", rec.Addr()))
	return rec.ID
}

// Remove deletes a proxy by ID. It returns false if the ID is unknown.
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, rec := range p.records {
		if rec.ID == id {
			p.records = append(p.records[:i], p.records[i+1:]...)
			delete(p.bad, id)
			if p.cursor > i {
				p.cursor--
			}
			p.logger.Info("proxy removed", zap.String("proxy_id", id), zap.String("addr", rec.Addr()))
			return true
		}
	}
	return false
}

// Get selects the next proxy per the configured strategy among active,
// non-bad records. It returns a copy so callers never share pool-internal
// state; mutations go back through MarkSuccess/MarkBad by ID. ok is false
// when no proxy qualifies.
func (p *Pool) Get() (Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	available := p.available()
	if len(available) == 0 {
		return Record{}, false
	}

	var chosen *Record
	switch p.cfg.Strategy {
	case StrategyRandom:
		chosen = available[p.rng.Intn(len(available))]
	case StrategyWeighted:
		chosen = p.pickWeighted(available)
	default:
		chosen = available[p.cursor%len(available)]
		p.cursor = (p.cursor + 1) % len(available)
	}

	chosen.LastUsed = p.now()
	return *chosen, true
}

// available returns active records outside the bad set, in insertion order.
// Caller holds the lock.
func (p *Pool) available() []*Record {
	out := make([]*Record, 0, len(p.records))
	for _, rec := range p.records {
		if !rec.Active {
			continue
		}
		if _, isBad := p.bad[rec.ID]; isBad {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// pickWeighted draws with probability proportional to each record's success
// rate. Untested proxies weigh 1.0, the same as a perfect track record.
// Caller holds the lock.
func (p *Pool) pickWeighted(available []*Record) *Record {
	var total float64
	for _, rec := range available {
		total += rec.Weight()
	}
	if total <= 0 {
		return available[p.rng.Intn(len(available))]
	}
	target := p.rng.Float64() * total
	for _, rec := range available {
		target -= rec.Weight()
		if target <= 0 {
			return rec
		}
	}
	return available[len(available)-1]
}

// MarkSuccess increments the proxy's success counter. It never reactivates
// a deactivated proxy.
func (p *Pool) MarkSuccess(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := p.find(id)
	if rec == nil {
		p.logger.Warn("mark success for unknown proxy", zap.String("proxy_id", id))
		return
	}
	rec.SuccessCount++
}

// MarkBad increments the proxy's failure counter. Crossing MaxFailures
// deactivates the record exactly once and moves it to the bad set; further
// calls only bump the counter.
func (p *Pool) MarkBad(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := p.find(id)
	if rec == nil {
		p.logger.Warn("mark bad for unknown proxy", zap.String("proxy_id", id))
		return
	}
	rec.FailureCount++
	if rec.FailureCount >= p.cfg.MaxFailures && rec.Active {
		rec.Active = false
		p.bad[rec.ID] = struct{}{}
		p.logger.Warn("proxy deactivated",
			zap.String("proxy_id", rec.ID),
			zap.String("addr", rec.Addr()),
			zap.Int("failures", rec.FailureCount),
		)
	}
}

// RecordHealth applies a health probe outcome. A passing probe reactivates
// the proxy; a failing one deactivates it.
func (p *Pool) RecordHealth(id string, healthy bool, responseTime time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := p.find(id)
	if rec == nil {
		return
	}
	rec.LastChecked = p.now()
	if healthy {
		rec.Active = true
		rec.ResponseTime = responseTime
		delete(p.bad, rec.ID)
		return
	}
	rec.Active = false
	p.bad[rec.ID] = struct{}{}
}

// ResetBad reactivates every deactivated proxy and clears its failure
// counter.
func (p *Pool) ResetBad() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, rec := range p.records {
		if _, isBad := p.bad[rec.ID]; isBad {
			rec.Active = true
			rec.FailureCount = 0
		}
	}
	p.bad = make(map[string]struct{})
	p.logger.Info("bad proxies reset")
}

// Snapshot returns a copy of every record, including counters and flags.
func (p *Pool) Snapshot() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Record, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, *rec)
	}
	return out
}

// Stats summarizes pool health.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{Total: len(p.records), Bad: len(p.bad)}
	for _, rec := range p.records {
		if rec.Active {
			st.Active++
		}
		st.TotalSuccess += rec.SuccessCount
		st.TotalFailures += rec.FailureCount
	}
	if total := st.TotalSuccess + st.TotalFailures; total > 0 {
		st.SuccessRate = float64(st.TotalSuccess) / float64(total)
	}
	return st
}

// find returns the record with the given ID. Caller holds the lock.
func (p *Pool) find(id string) *Record {
	for _, rec := range p.records {
		if rec.ID == id {
			return rec
		}
	}
	return nil
}
