package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pixvault/harvester/internal/metrics"
	"github.com/pixvault/harvester/internal/retry"
)

func init() {
	metrics.Init()
}

func noRetryExec() *retry.Executor {
	return retry.NewExecutor(retry.Policy{MaxRetries: 0, BaseDelay: time.Millisecond, Multiplier: 2.0}, zap.NewNop())
}

func TestCheckAllUpdatesPool(t *testing.T) {
	t.Parallel()

	p := testPool(t, Config{MaxFailures: 3})
	goodID := p.Add(Record{Host: "good", Port: 8080})
	badID := p.Add(Record{Host: "bad", Port: 8080})

	probe := func(_ context.Context, rec Record) (time.Duration, error) {
		if rec.ID == badID {
			return 0, retry.Transient(errors.New("connection refused"))
		}
		return 50 * time.Millisecond, nil
	}

	checker := NewHealthChecker(p, probe, noRetryExec(), 0, zap.NewNop())
	report := checker.CheckAll(context.Background())

	assert.Equal(t, Report{Total: 2, Healthy: 1, Unhealthy: 1, Checked: 2}, report)

	// Only the healthy proxy is selectable afterwards.
	for i := 0; i < 4; i++ {
		rec, ok := p.Get()
		require.True(t, ok)
		assert.Equal(t, goodID, rec.ID)
	}
}

func TestCheckAllReactivatesRecoveredProxy(t *testing.T) {
	t.Parallel()

	p := testPool(t, Config{MaxFailures: 1})
	id := p.Add(Record{Host: "p1", Port: 8080})
	p.MarkBad(id)
	_, ok := p.Get()
	require.False(t, ok)

	probe := func(context.Context, Record) (time.Duration, error) {
		return 10 * time.Millisecond, nil
	}
	checker := NewHealthChecker(p, probe, noRetryExec(), 0, zap.NewNop())
	report := checker.CheckAll(context.Background())
	assert.Equal(t, 1, report.Healthy)

	rec, ok := p.Get()
	require.True(t, ok)
	assert.Equal(t, id, rec.ID)
}

func TestHTTPProbeStatusHandling(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fail") == "1" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// Use the test server itself as the "proxy": an absolute-URL GET to a
	// plain HTTP server exercises the transport path end to end.
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	rec := Record{Host: u.Hostname(), Port: port, Protocol: "http"}

	ok := HTTPProbe(srv.URL, 2*time.Second)
	rtt, err := ok(context.Background(), rec)
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	failing := HTTPProbe(srv.URL+"?fail=1", 2*time.Second)
	_, err = failing(context.Background(), rec)
	var statusErr *retry.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.Code)
}
