// Package harvest defines core types shared across subsystems.
package harvest

import (
	"encoding/json"
	"time"
)

// TaskKind identifies the work a task performs.
type TaskKind string

// Task kinds routed to named queues.
const (
	TaskKindDownload TaskKind = "download"
	TaskKindSearch   TaskKind = "search"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

// Task status values persisted in the task store.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusRetrying  TaskStatus = "retrying"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal statuses never
// change again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from one status to another is a
// legal lifecycle transition.
func CanTransition(from, to TaskStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case TaskStatusPending:
		return to == TaskStatusRunning || to == TaskStatusCancelled
	case TaskStatusRunning:
		switch to {
		case TaskStatusSucceeded, TaskStatusRetrying, TaskStatusFailed, TaskStatusCancelled:
			return true
		}
	case TaskStatusRetrying:
		return to == TaskStatusRunning || to == TaskStatusCancelled
	}
	return false
}

// Task represents a unit of enqueued work: a download or a search that
// fans out into downloads.
type Task struct {
	ID              string          `json:"id"`
	Kind            TaskKind        `json:"kind"`
	Payload         json.RawMessage `json:"payload"`
	Domain          string          `json:"domain,omitempty"`
	Priority        int             `json:"priority"`
	Attempts        int             `json:"attempts"`
	Status          TaskStatus      `json:"status"`
	Result          json.RawMessage `json:"result,omitempty"`
	ErrorText       string          `json:"error_text,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	Submitted       time.Time       `json:"submitted_at"`
	Started         *time.Time      `json:"started_at,omitempty"`
	Finished        *time.Time      `json:"finished_at,omitempty"`
}

// DownloadPayload captures everything needed to download one image.
type DownloadPayload struct {
	URL      string `json:"url"`
	Label    string `json:"label"`
	Domain   string `json:"domain,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// SearchPayload captures a search request that fans out into downloads.
type SearchPayload struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
	Label      string `json:"label"`
}

// DownloadStatus is the outcome reported by the download collaborator.
type DownloadStatus string

// Download outcomes.
const (
	DownloadStatusDownloaded DownloadStatus = "downloaded"
	DownloadStatusDuplicate  DownloadStatus = "duplicate"
	DownloadStatusFailed     DownloadStatus = "failed"
)

// DownloadResult is returned by the injected download collaborator.
type DownloadResult struct {
	Status     DownloadStatus `json:"status"`
	Message    string         `json:"message,omitempty"`
	ArtifactID string         `json:"artifact_id,omitempty"`
}

// SearchHit is one result returned by the injected search collaborator.
type SearchHit struct {
	URL    string `json:"url"`
	Source string `json:"source,omitempty"`
}

// SearchResult summarizes a completed search task.
type SearchResult struct {
	Query    string   `json:"query"`
	Found    int      `json:"found"`
	Enqueued []string `json:"enqueued_task_ids"`
}
