// Package queue defines the minimal broker abstraction the engine needs:
// named queues with enqueue/dequeue, explicit ack/nack, length peeking and
// purge. Implementations exist for an in-memory channel queue and for
// RabbitMQ; the engine never depends on a specific broker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
)

// Queue errors shared by implementations.
var (
	ErrClosed       = errors.New("queue closed")
	ErrUnknownQueue = errors.New("unknown queue")
)

// Envelope is the wire contract for one task. Payload stays opaque: the
// broker layer only routes on the metadata.
type Envelope struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Domain   string          `json:"domain,omitempty"`
	Priority int             `json:"priority"`
	Attempt  int             `json:"attempt"`
}

// Delivery is one dequeued envelope. Exactly one of Ack or Nack must be
// called once processing finishes.
type Delivery struct {
	Envelope Envelope
	Queue    string

	ack  func() error
	nack func(requeue bool) error
}

// NewDelivery builds a Delivery with the given settlement handlers. Either
// handler may be nil, in which case settling is a no-op.
func NewDelivery(env Envelope, queueName string, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{Envelope: env, Queue: queueName, ack: ack, nack: nack}
}

// Ack confirms the delivery.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack rejects the delivery, optionally re-queueing it.
func (d Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// Queue is the broker abstraction. Implementations must be safe for
// concurrent use by many workers.
type Queue interface {
	// Enqueue appends an envelope to the named queue.
	Enqueue(ctx context.Context, queueName string, env Envelope) error
	// Dequeue blocks until an envelope is available on any consumed queue
	// or the context ends.
	Dequeue(ctx context.Context) (Delivery, error)
	// Lengths reports the pending (undelivered) count per queue.
	Lengths(ctx context.Context) (map[string]int, error)
	// Purge discards pending items from the named queue and returns how
	// many were dropped. Running items are unaffected.
	Purge(ctx context.Context, queueName string) (int, error)
	// Close releases broker resources.
	Close() error
}

// Queue names used by the engine. Tasks route by kind; anything unmapped
// lands on the default queue.
const (
	DefaultQueue  = "default"
	DownloadQueue = "download"
	SearchQueue   = "search"
)

// Router maps task kinds to named queues.
type Router struct {
	byKind   map[string]string
	fallback string
}

// NewRouter builds a Router with the engine's standard bindings.
func NewRouter() *Router {
	return &Router{
		byKind: map[string]string{
			"download": DownloadQueue,
			"search":   SearchQueue,
		},
		fallback: DefaultQueue,
	}
}

// Bind maps a kind to a queue, overriding any existing binding.
func (r *Router) Bind(kind, queueName string) {
	r.byKind[kind] = queueName
}

// Route returns the queue for a kind, falling back to the default queue.
func (r *Router) Route(kind string) string {
	if name, ok := r.byKind[kind]; ok {
		return name
	}
	return r.fallback
}

// Names returns every queue the standard topology declares.
func Names() []string {
	return []string{DefaultQueue, DownloadQueue, SearchQueue}
}
