package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pixvault/harvester/internal/metrics"
	"github.com/pixvault/harvester/internal/retry"
)

// ProbeFunc issues one lightweight request through the given proxy and
// returns the observed round-trip time.
type ProbeFunc func(ctx context.Context, rec Record) (time.Duration, error)

// HTTPProbe builds a ProbeFunc that fetches checkURL through the proxy
// transport.
func HTTPProbe(checkURL string, timeout time.Duration) ProbeFunc {
	return func(ctx context.Context, rec Record) (time.Duration, error) {
		client := &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyURL(rec.URL()),
			},
		}
		defer client.CloseIdleConnections()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
		if err != nil {
			return 0, retry.Permanent(fmt.Errorf("build probe request: %w", err))
		}
		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return 0, retry.Transient(fmt.Errorf("probe via %s: %w", rec.Addr(), err))
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 400 {
			return 0, &retry.StatusError{Code: resp.StatusCode, Message: "probe rejected"}
		}
		return time.Since(start), nil
	}
}

// Report aggregates the outcome of one full health sweep.
type Report struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Checked   int `json:"checked"`
}

// HealthChecker probes every proxy in a pool on demand or on an interval.
type HealthChecker struct {
	pool     *Pool
	probe    ProbeFunc
	exec     *retry.Executor
	interval time.Duration
	logger   *zap.Logger
}

// NewHealthChecker constructs a HealthChecker. The executor should carry a
// small retry budget; probes are cheap and a flaky proxy is not worth a
// long backoff.
func NewHealthChecker(pool *Pool, probe ProbeFunc, exec *retry.Executor, interval time.Duration, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		pool:     pool,
		probe:    probe,
		exec:     exec,
		interval: interval,
		logger:   logger,
	}
}

// CheckAll probes every proxy in the pool, updating its active flag,
// response time and last-checked timestamp, and returns aggregate counts.
func (h *HealthChecker) CheckAll(ctx context.Context) Report {
	records := h.pool.Snapshot()
	report := Report{Total: len(records)}

	for _, rec := range records {
		if ctx.Err() != nil {
			return report
		}
		var rtt time.Duration
		_, err := h.exec.Execute(ctx, func(ctx context.Context) error {
			var probeErr error
			rtt, probeErr = h.probe(ctx, rec)
			return probeErr
		})
		report.Checked++
		healthy := err == nil
		h.pool.RecordHealth(rec.ID, healthy, rtt)
		if healthy {
			report.Healthy++
			h.logger.Debug("proxy health check passed",
				zap.String("proxy_id", rec.ID),
				zap.String("addr", rec.Addr()),
				zap.Duration("rtt", rtt),
			)
		} else {
			report.Unhealthy++
			h.logger.Warn("proxy health check failed",
				zap.String("proxy_id", rec.ID),
				zap.String("addr", rec.Addr()),
				zap.Error(err),
			)
		}
	}

	metrics.SetProxyStats(report.Total, report.Healthy)
	h.logger.Info("health check completed",
		zap.Int("healthy", report.Healthy),
		zap.Int("total", report.Total),
	)
	return report
}

// Run sweeps the pool on the configured interval until the context ends.
func (h *HealthChecker) Run(ctx context.Context) {
	if h.interval <= 0 {
		return
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.CheckAll(ctx)
		}
	}
}
