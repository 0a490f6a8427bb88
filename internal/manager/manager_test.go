package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pixvault/harvester/internal/clock/system"
	"github.com/pixvault/harvester/internal/harvest"
	uuidgen "github.com/pixvault/harvester/internal/id/uuid"
	"github.com/pixvault/harvester/internal/metrics"
	"github.com/pixvault/harvester/internal/proxy"
	"github.com/pixvault/harvester/internal/queue"
	memqueue "github.com/pixvault/harvester/internal/queue/memory"
	"github.com/pixvault/harvester/internal/ratelimit"
	"github.com/pixvault/harvester/internal/retry"
	storemem "github.com/pixvault/harvester/internal/storage/memory"
	"github.com/pixvault/harvester/internal/tasks"
	"github.com/pixvault/harvester/internal/worker"
)

func init() {
	metrics.Init()
}

type stubDownloader struct{}

func (stubDownloader) FetchAndStore(context.Context, string, string, *proxy.Record) (harvest.DownloadResult, error) {
	return harvest.DownloadResult{Status: harvest.DownloadStatusDownloaded}, nil
}

type stubSearcher struct{}

func (stubSearcher) Search(context.Context, string, int) ([]harvest.SearchHit, error) {
	return nil, nil
}

func newWorkerPool(t *testing.T, broker queue.Queue) *worker.Pool {
	t.Helper()
	clk := system.New()
	store := storemem.NewTaskStore(clk)
	svc := tasks.New(store, broker, queue.NewRouter(), uuidgen.NewUUIDGenerator(), clk, zap.NewNop())
	return worker.NewPool(worker.Deps{
		Broker:      broker,
		Store:       store,
		Limiter:     ratelimit.New(ratelimit.NewMemoryStore(), clk, ratelimit.Rule{Limit: 100, Window: time.Second}, nil),
		Downloader:  stubDownloader{},
		Searcher:    stubSearcher{},
		Enqueuer:    svc,
		Clock:       clk,
		RetryPolicy: retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond, Multiplier: 2.0},
		Logger:      zap.NewNop(),
	})
}

func TestStatusHealthyWithResponsiveWorkers(t *testing.T) {
	t.Parallel()

	broker := memqueue.New()
	t.Cleanup(func() { _ = broker.Close() })
	pool := newWorkerPool(t, broker)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, pool.Start(ctx, 2))
	t.Cleanup(pool.Shutdown)

	mgr := New(pool, broker, system.New(), time.Minute, 0, zap.NewNop())

	require.Eventually(t, func() bool {
		status := mgr.Status(ctx)
		return status.Health == HealthHealthy && status.ResponsiveWorkers == 2
	}, 5*time.Second, 10*time.Millisecond)

	status := mgr.Status(ctx)
	assert.Equal(t, 2, status.TotalWorkers)
	assert.Contains(t, status.QueueLengths, queue.DownloadQueue)
	assert.False(t, status.Timestamp.IsZero())
}

func TestStatusUnhealthyWithoutWorkers(t *testing.T) {
	t.Parallel()

	broker := memqueue.New()
	t.Cleanup(func() { _ = broker.Close() })
	pool := newWorkerPool(t, broker)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, pool.Start(ctx, 0))

	mgr := New(pool, broker, system.New(), time.Minute, 0, zap.NewNop())
	status := mgr.Status(ctx)
	assert.Equal(t, HealthUnhealthy, status.Health)
	assert.Equal(t, 0, status.ResponsiveWorkers)
}

type failingBroker struct {
	queue.Queue
}

func (failingBroker) Lengths(context.Context) (map[string]int, error) {
	return nil, errors.New("broker unreachable")
}

func TestStatusUnhealthyWhenBrokerUnreachable(t *testing.T) {
	t.Parallel()

	broker := memqueue.New()
	t.Cleanup(func() { _ = broker.Close() })
	pool := newWorkerPool(t, broker)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, pool.Start(ctx, 1))
	t.Cleanup(pool.Shutdown)

	mgr := New(pool, failingBroker{Queue: broker}, system.New(), time.Minute, 0, zap.NewNop())

	require.Eventually(t, func() bool {
		return mgr.Status(ctx).ResponsiveWorkers == 1
	}, 5*time.Second, 10*time.Millisecond)

	status := mgr.Status(ctx)
	assert.Equal(t, HealthUnhealthy, status.Health)
	assert.Nil(t, status.QueueLengths)
}

func TestStaleHeartbeatsAreUnresponsive(t *testing.T) {
	t.Parallel()

	broker := memqueue.New()
	t.Cleanup(func() { _ = broker.Close() })
	pool := newWorkerPool(t, broker)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, pool.Start(ctx, 1))
	t.Cleanup(pool.Shutdown)

	// A nanosecond staleness budget makes every heartbeat look old.
	mgr := New(pool, broker, system.New(), time.Nanosecond, 0, zap.NewNop())

	status := mgr.Status(ctx)
	assert.Equal(t, HealthUnhealthy, status.Health)
	assert.Equal(t, 1, status.TotalWorkers)
}

func TestScaleWorkers(t *testing.T) {
	t.Parallel()

	broker := memqueue.New()
	t.Cleanup(func() { _ = broker.Close() })
	pool := newWorkerPool(t, broker)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, pool.Start(ctx, 1))
	t.Cleanup(pool.Shutdown)

	mgr := New(pool, broker, system.New(), time.Minute, 0, zap.NewNop())

	count, err := mgr.ScaleWorkers(3)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = mgr.ScaleWorkers(0)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = mgr.ScaleWorkers(-2)
	require.Error(t, err)
}

func TestPurgeQueue(t *testing.T) {
	t.Parallel()

	broker := memqueue.New()
	t.Cleanup(func() { _ = broker.Close() })
	pool := newWorkerPool(t, broker)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, broker.Enqueue(ctx, queue.DownloadQueue, queue.Envelope{ID: "x"}))
	}

	mgr := New(pool, broker, system.New(), time.Minute, 0, zap.NewNop())
	dropped, err := mgr.PurgeQueue(ctx, queue.DownloadQueue)
	require.NoError(t, err)
	assert.Equal(t, 4, dropped)
}
