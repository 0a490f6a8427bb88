// Package ratelimit implements sliding-window admission control keyed by
// target domain.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pixvault/harvester/internal/harvest"
)

// Rule bounds admissions for one domain: at most Limit admissions per
// sliding Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Store holds the per-domain windows of admitted timestamps. Implementations
// must make Admit atomic: purge, count and record must not interleave with a
// concurrent admission for the same key, even across OS processes when the
// store is shared.
type Store interface {
	// Admit purges entries older than window, then records now and returns
	// true only if the in-window count was below limit.
	Admit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, error)
	// Window returns the in-window admission count and the oldest in-window
	// admission timestamp (zero when the window is empty).
	Window(ctx context.Context, key string, window time.Duration, now time.Time) (count int, oldest time.Time, err error)
}

// Limiter applies per-domain rules over a shared Store. A per-domain table
// overrides the global default rule.
type Limiter struct {
	store     Store
	clock     harvest.Clock
	def       Rule
	overrides map[string]Rule
}

// New constructs a Limiter. overrides may be nil.
func New(store Store, clock harvest.Clock, def Rule, overrides map[string]Rule) *Limiter {
	if def.Limit <= 0 {
		def.Limit = 1
	}
	if def.Window <= 0 {
		def.Window = 5 * time.Second
	}
	return &Limiter{
		store:     store,
		clock:     clock,
		def:       def,
		overrides: overrides,
	}
}

// RuleFor returns the rule governing a domain.
func (l *Limiter) RuleFor(domain string) Rule {
	if rule, ok := l.overrides[strings.ToLower(domain)]; ok {
		return rule
	}
	return l.def
}

// Allow purges stale entries and admits the request if the domain's
// in-window count is below its limit, recording the admission timestamp.
func (l *Limiter) Allow(ctx context.Context, domain string) (bool, error) {
	rule := l.RuleFor(domain)
	ok, err := l.store.Admit(ctx, strings.ToLower(domain), rule.Limit, rule.Window, l.clock.Now())
	if err != nil {
		return false, fmt.Errorf("admit %s: %w", domain, err)
	}
	return ok, nil
}

// WaitTime returns how long until the oldest in-window entry ages out and a
// slot opens, or zero if a request is already admissible.
func (l *Limiter) WaitTime(ctx context.Context, domain string) (time.Duration, error) {
	rule := l.RuleFor(domain)
	now := l.clock.Now()
	count, oldest, err := l.store.Window(ctx, strings.ToLower(domain), rule.Window, now)
	if err != nil {
		return 0, fmt.Errorf("window %s: %w", domain, err)
	}
	if count < rule.Limit {
		return 0, nil
	}
	wait := oldest.Add(rule.Window).Sub(now)
	if wait < 0 {
		return 0, nil
	}
	return wait, nil
}

// DomainFromURL derives the admission-control key from a target URL's host.
// It returns "unknown" for unparseable input.
func DomainFromURL(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
