// Package tasks implements the submission side of the engine: validating
// requests, persisting task records and handing envelopes to the broker.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/pixvault/harvester/internal/harvest"
	"github.com/pixvault/harvester/internal/queue"
	"github.com/pixvault/harvester/internal/ratelimit"
)

// Validation errors surfaced to the API layer.
var (
	ErrInvalidURL   = errors.New("invalid download url")
	ErrEmptyLabel   = errors.New("label must not be empty")
	ErrEmptyQuery   = errors.New("query must not be empty")
	ErrBadMaxHits   = errors.New("max_results must be positive")
	ErrTaskNotFound = harvest.ErrTaskNotFound
)

// Service wires task submission to the store and the broker.
type Service struct {
	store  harvest.TaskStore
	broker queue.Queue
	router *queue.Router
	ids    harvest.IDGenerator
	clock  harvest.Clock
	logger *zap.Logger
}

// New builds a Service.
func New(store harvest.TaskStore, broker queue.Queue, router *queue.Router, ids harvest.IDGenerator, clock harvest.Clock, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		broker: broker,
		router: router,
		ids:    ids,
		clock:  clock,
		logger: logger,
	}
}

// EnqueueDownload validates and submits a single image download. It
// returns the new task ID.
func (s *Service) EnqueueDownload(ctx context.Context, p harvest.DownloadPayload) (string, error) {
	u, err := url.Parse(p.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, p.URL)
	}
	if strings.TrimSpace(p.Label) == "" {
		return "", ErrEmptyLabel
	}
	if p.Domain == "" {
		p.Domain = ratelimit.DomainFromURL(p.URL)
	}
	return s.submit(ctx, harvest.TaskKindDownload, p.Domain, p.Priority, p)
}

// EnqueueSearch validates and submits a search expansion task.
func (s *Service) EnqueueSearch(ctx context.Context, p harvest.SearchPayload) (string, error) {
	if strings.TrimSpace(p.Query) == "" {
		return "", ErrEmptyQuery
	}
	if p.MaxResults <= 0 {
		return "", ErrBadMaxHits
	}
	if strings.TrimSpace(p.Label) == "" {
		return "", ErrEmptyLabel
	}
	return s.submit(ctx, harvest.TaskKindSearch, "", 0, p)
}

func (s *Service) submit(ctx context.Context, kind harvest.TaskKind, domain string, priority int, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	task := harvest.Task{
		ID:        id,
		Kind:      kind,
		Payload:   raw,
		Domain:    domain,
		Priority:  priority,
		Status:    harvest.TaskStatusPending,
		Submitted: s.clock.Now(),
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	env := queue.Envelope{
		ID:       task.ID,
		Kind:     string(kind),
		Payload:  raw,
		Domain:   domain,
		Priority: priority,
	}
	if err := s.broker.Enqueue(ctx, s.router.Route(string(kind)), env); err != nil {
		// The record stays visible as failed rather than silently vanishing.
		_ = s.store.UpdateTaskStatus(ctx, task.ID, harvest.TaskStatusRunning, "", 0)
		_ = s.store.UpdateTaskStatus(ctx, task.ID, harvest.TaskStatusFailed, "enqueue: "+err.Error(), 0)
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	s.logger.Info("task submitted",
		zap.String("task_id", task.ID),
		zap.String("kind", string(kind)),
		zap.String("domain", domain))
	return task.ID, nil
}

// TaskStatus returns the current task record.
func (s *Service) TaskStatus(ctx context.Context, taskID string) (harvest.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// Cancel requests cancellation and reports the resulting status.
func (s *Service) Cancel(ctx context.Context, taskID string) (harvest.TaskStatus, error) {
	status, err := s.store.RequestCancel(ctx, taskID)
	if err != nil {
		return "", err
	}
	s.logger.Info("cancel requested",
		zap.String("task_id", taskID),
		zap.String("status", string(status)))
	return status, nil
}

// QueueStats reports pending counts per queue.
func (s *Service) QueueStats(ctx context.Context) (map[string]int, error) {
	return s.broker.Lengths(ctx)
}

// Purge discards pending envelopes from one queue, or from every queue
// when queueName is empty.
func (s *Service) Purge(ctx context.Context, queueName string) (int, error) {
	names := []string{queueName}
	if queueName == "" {
		names = queue.Names()
	}
	total := 0
	for _, name := range names {
		n, err := s.broker.Purge(ctx, name)
		if err != nil {
			return total, err
		}
		total += n
		s.logger.Warn("queue purged", zap.String("queue", name), zap.Int("dropped", n))
	}
	return total, nil
}
