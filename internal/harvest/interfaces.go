package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pixvault/harvester/internal/proxy"
)

// Task store errors.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// TaskStore persists task metadata and enforces the status lifecycle.
type TaskStore interface {
	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	// UpdateTaskStatus applies a status transition, recording the error text
	// and the attempt count observed so far. It returns ErrInvalidTransition
	// when the transition is not legal (terminal states are immutable).
	UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, errText string, attempts int) error
	SetTaskResult(ctx context.Context, taskID string, result json.RawMessage) error
	// RequestCancel cancels a pending/retrying task immediately and flags a
	// running task for cooperative cancellation. It returns the status the
	// task holds after the call.
	RequestCancel(ctx context.Context, taskID string) (TaskStatus, error)
}

// Downloader fetches one image and stores it. Owned by the download/dedup
// subsystem; the engine never inspects the artifact.
type Downloader interface {
	FetchAndStore(ctx context.Context, url, label string, egress *proxy.Record) (DownloadResult, error)
}

// Searcher runs a search query against an external adapter and returns
// candidate image URLs.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchHit, error)
}

// Enqueuer submits new download tasks. Used by workers to fan out the
// results of a successful search.
type Enqueuer interface {
	EnqueueDownload(ctx context.Context, payload DownloadPayload) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
