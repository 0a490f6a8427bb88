// Package worker runs the acquisition loop: dequeue a task, wait for
// domain admission, execute it with retries through an optional egress
// proxy, and settle the delivery.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pixvault/harvester/internal/harvest"
	"github.com/pixvault/harvester/internal/metrics"
	"github.com/pixvault/harvester/internal/proxy"
	"github.com/pixvault/harvester/internal/queue"
	"github.com/pixvault/harvester/internal/ratelimit"
	"github.com/pixvault/harvester/internal/retry"
)

var errCancelled = errors.New("task cancelled")

// Deps carries everything a worker needs. Proxies may be nil when the
// deployment runs without an egress pool.
type Deps struct {
	Broker     queue.Queue
	Store      harvest.TaskStore
	Limiter    *ratelimit.Limiter
	Proxies    *proxy.Pool
	Downloader harvest.Downloader
	Searcher   harvest.Searcher
	Enqueuer   harvest.Enqueuer
	Clock      harvest.Clock

	RetryPolicy    retry.Policy
	AttemptTimeout time.Duration
	Logger         *zap.Logger
}

// Worker consumes tasks until its context ends.
type Worker struct {
	id     string
	deps   Deps
	logger *zap.Logger

	heartbeat atomic.Int64
	active    atomic.Bool
}

// New builds a worker with the given identifier.
func New(id string, deps Deps) *Worker {
	return &Worker{
		id:     id,
		deps:   deps,
		logger: deps.Logger.With(zap.String("worker_id", id)),
	}
}

// ID returns the worker identifier.
func (w *Worker) ID() string { return w.id }

// Heartbeat returns the last time the worker made progress.
func (w *Worker) Heartbeat() time.Time {
	ns := w.heartbeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Active reports whether the worker is processing a task right now.
func (w *Worker) Active() bool { return w.active.Load() }

func (w *Worker) touch() {
	w.heartbeat.Store(w.deps.Clock.Now().UnixNano())
}

// Run consumes the broker until ctx ends.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started")
	defer w.logger.Info("worker stopped")
	for {
		w.touch()
		delivery, err := w.deps.Broker.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Warn("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.active.Store(true)
		metrics.IncActiveWorkers()
		w.process(ctx, delivery)
		metrics.DecActiveWorkers()
		w.active.Store(false)
	}
}

func (w *Worker) process(ctx context.Context, delivery queue.Delivery) {
	env := delivery.Envelope
	logger := w.logger.With(
		zap.String("task_id", env.ID),
		zap.String("kind", env.Kind),
		zap.String("domain", env.Domain))

	task, err := w.deps.Store.GetTask(ctx, env.ID)
	if err != nil {
		// An envelope without a record is orphaned, usually after a purge
		// of the store. Nothing to do for it.
		logger.Warn("dropping orphaned envelope", zap.Error(err))
		_ = delivery.Ack()
		return
	}
	if task.Status.Terminal() {
		_ = delivery.Ack()
		return
	}

	if ok := w.admit(ctx, env.Domain, env.ID, logger); !ok {
		if ctx.Err() != nil {
			_ = delivery.Nack(true)
			return
		}
		// Task turned terminal (cancelled) while waiting.
		_ = delivery.Ack()
		return
	}

	task, err = w.deps.Store.GetTask(ctx, env.ID)
	if err != nil || task.Status.Terminal() {
		_ = delivery.Ack()
		return
	}
	// A redelivered envelope may already be running or retrying; only a
	// fresh task needs the pending transition.
	if task.Status == harvest.TaskStatusPending {
		if err := w.deps.Store.UpdateTaskStatus(ctx, env.ID, harvest.TaskStatusRunning, "", 0); err != nil {
			_ = delivery.Ack()
			return
		}
	}

	start := w.deps.Clock.Now()
	exec := retry.NewExecutor(w.deps.RetryPolicy, logger,
		retry.WithAttemptTimeout(w.deps.AttemptTimeout),
		retry.WithOnRetry(func(attempt int, attemptErr error, delay time.Duration) {
			metrics.ObserveRetry(env.Kind)
			w.touch()
			_ = w.deps.Store.UpdateTaskStatus(ctx, env.ID, harvest.TaskStatusRetrying, attemptErr.Error(), attempt)
		}))

	var op retry.Operation
	switch harvest.TaskKind(env.Kind) {
	case harvest.TaskKindDownload:
		op = w.downloadOp(env, logger)
	case harvest.TaskKindSearch:
		op = w.searchOp(env, logger)
	default:
		logger.Error("unknown task kind")
		_ = w.deps.Store.UpdateTaskStatus(ctx, env.ID, harvest.TaskStatusFailed, "unknown task kind", 0)
		_ = delivery.Ack()
		return
	}

	attempts, err := exec.Execute(ctx, op)
	elapsed := w.deps.Clock.Now().Sub(start)

	switch {
	case err == nil:
		_ = w.deps.Store.UpdateTaskStatus(ctx, env.ID, harvest.TaskStatusSucceeded, "", attempts)
		metrics.ObserveTask(env.Kind, string(harvest.TaskStatusSucceeded), elapsed)
		logger.Info("task succeeded", zap.Int("attempts", attempts), zap.Duration("elapsed", elapsed))
		_ = delivery.Ack()

	case errors.Is(err, errCancelled):
		_ = w.deps.Store.UpdateTaskStatus(ctx, env.ID, harvest.TaskStatusCancelled, "", attempts)
		metrics.ObserveTask(env.Kind, string(harvest.TaskStatusCancelled), elapsed)
		logger.Info("task cancelled", zap.Int("attempts", attempts))
		_ = delivery.Ack()

	case ctx.Err() != nil:
		// Shutdown mid-flight: leave the record as-is and push the
		// envelope back for the next worker generation.
		_ = delivery.Nack(true)

	default:
		_ = w.deps.Store.UpdateTaskStatus(ctx, env.ID, harvest.TaskStatusFailed, err.Error(), attempts)
		metrics.ObserveTask(env.Kind, string(harvest.TaskStatusFailed), elapsed)
		logger.Warn("task failed", zap.Int("attempts", attempts), zap.Error(err))
		_ = delivery.Ack()
	}
}

// admit blocks until the task's domain has a free rate limit slot. It
// returns false when the context ends or the task turns terminal while
// waiting. Waiting never counts as an attempt.
func (w *Worker) admit(ctx context.Context, domain, taskID string, logger *zap.Logger) bool {
	if domain == "" {
		return true
	}
	for {
		task, err := w.deps.Store.GetTask(ctx, taskID)
		if err != nil || task.Status.Terminal() {
			return false
		}
		allowed, err := w.deps.Limiter.Allow(ctx, domain)
		if err != nil {
			logger.Warn("rate limit check failed", zap.Error(err))
			if !w.sleep(ctx, time.Second) {
				return false
			}
			continue
		}
		if allowed {
			return true
		}
		wait, err := w.deps.Limiter.WaitTime(ctx, domain)
		if err != nil || wait <= 0 {
			wait = time.Second
		}
		metrics.ObserveRateLimitDelay(domain, wait)
		logger.Debug("rate limited, waiting", zap.Duration("wait", wait))
		w.touch()
		if !w.sleep(ctx, wait) {
			return false
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// cancelRequested re-reads the record between attempts so a cancel issued
// against a running task stops it at the next attempt boundary.
func (w *Worker) cancelRequested(ctx context.Context, taskID string) bool {
	task, err := w.deps.Store.GetTask(ctx, taskID)
	if err != nil {
		return false
	}
	return task.CancelRequested || task.Status == harvest.TaskStatusCancelled
}

// resumeRunning flips a retrying record back to running at the start of
// the next attempt.
func (w *Worker) resumeRunning(ctx context.Context, taskID string) {
	task, err := w.deps.Store.GetTask(ctx, taskID)
	if err == nil && task.Status == harvest.TaskStatusRetrying {
		_ = w.deps.Store.UpdateTaskStatus(ctx, taskID, harvest.TaskStatusRunning, "", 0)
	}
}

func (w *Worker) downloadOp(env queue.Envelope, logger *zap.Logger) retry.Operation {
	var payload harvest.DownloadPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return func(context.Context) error {
			return retry.Permanent(fmt.Errorf("decode download payload: %w", err))
		}
	}
	return func(ctx context.Context) error {
		if w.cancelRequested(ctx, env.ID) {
			return retry.Permanent(errCancelled)
		}
		w.resumeRunning(ctx, env.ID)

		var egress *proxy.Record
		if w.deps.Proxies != nil {
			if rec, ok := w.deps.Proxies.Get(); ok {
				egress = &rec
			}
		}

		result, err := w.deps.Downloader.FetchAndStore(ctx, payload.URL, payload.Label, egress)
		if egress != nil {
			if err != nil {
				w.deps.Proxies.MarkBad(egress.ID)
			} else {
				w.deps.Proxies.MarkSuccess(egress.ID)
			}
		}
		if err != nil {
			return err
		}
		raw, merr := json.Marshal(result)
		if merr != nil {
			return retry.Permanent(fmt.Errorf("encode download result: %w", merr))
		}
		if err := w.deps.Store.SetTaskResult(ctx, env.ID, raw); err != nil {
			logger.Warn("store result failed", zap.Error(err))
		}
		return nil
	}
}

func (w *Worker) searchOp(env queue.Envelope, logger *zap.Logger) retry.Operation {
	var payload harvest.SearchPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return func(context.Context) error {
			return retry.Permanent(fmt.Errorf("decode search payload: %w", err))
		}
	}
	return func(ctx context.Context) error {
		if w.cancelRequested(ctx, env.ID) {
			return retry.Permanent(errCancelled)
		}
		w.resumeRunning(ctx, env.ID)

		hits, err := w.deps.Searcher.Search(ctx, payload.Query, payload.MaxResults)
		if err != nil {
			return err
		}
		if len(hits) > payload.MaxResults {
			hits = hits[:payload.MaxResults]
		}

		result := harvest.SearchResult{Query: payload.Query, Found: len(hits)}
		for _, hit := range hits {
			taskID, err := w.deps.Enqueuer.EnqueueDownload(ctx, harvest.DownloadPayload{
				URL:   hit.URL,
				Label: payload.Label,
			})
			if err != nil {
				logger.Warn("fan-out enqueue failed",
					zap.String("url", hit.URL), zap.Error(err))
				continue
			}
			result.Enqueued = append(result.Enqueued, taskID)
		}

		raw, merr := json.Marshal(result)
		if merr != nil {
			return retry.Permanent(fmt.Errorf("encode search result: %w", merr))
		}
		if err := w.deps.Store.SetTaskResult(ctx, env.ID, raw); err != nil {
			logger.Warn("store result failed", zap.Error(err))
		}
		return nil
	}
}
