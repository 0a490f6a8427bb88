// Package memory provides a process-local Queue backed by slices and a
// notification channel. It is the default broker for single-node
// deployments and for tests.
package memory

import (
	"context"
	"sync"

	"github.com/pixvault/harvester/internal/queue"
)

// Queue is an in-memory, multi-queue broker. Dequeue drains queues in the
// fixed topology order so downloads are not starved by a deep default
// queue.
type Queue struct {
	mu     sync.Mutex
	queues map[string][]queue.Envelope
	order  []string
	notify chan struct{}
	closed bool
}

// New builds a Queue with the standard topology.
func New() *Queue {
	names := queue.Names()
	q := &Queue{
		queues: make(map[string][]queue.Envelope, len(names)),
		order:  names,
		notify: make(chan struct{}, 1),
	}
	for _, name := range names {
		q.queues[name] = nil
	}
	return q
}

// Enqueue appends to the named queue and wakes one waiting consumer.
func (q *Queue) Enqueue(_ context.Context, queueName string, env queue.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if _, ok := q.queues[queueName]; !ok {
		return queue.ErrUnknownQueue
	}
	q.queues[queueName] = append(q.queues[queueName], env)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue pops the next envelope, blocking until one arrives or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	for {
		if d, ok, err := q.tryPop(); err != nil || ok {
			return d, err
		}
		select {
		case <-ctx.Done():
			return queue.Delivery{}, ctx.Err()
		case <-q.notify:
			// Another consumer may have raced us to the item; loop and
			// re-check.
		}
	}
}

func (q *Queue) tryPop() (queue.Delivery, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.Delivery{}, false, queue.ErrClosed
	}
	for _, name := range q.order {
		items := q.queues[name]
		if len(items) == 0 {
			continue
		}
		env := items[0]
		q.queues[name] = items[1:]
		if len(q.queues[name]) > 0 {
			select {
			case q.notify <- struct{}{}:
			default:
			}
		}
		// Ack is a no-op: the item left the slice at delivery time.
		d := queue.NewDelivery(env, name, nil, func(requeue bool) error {
			if !requeue {
				return nil
			}
			return q.Enqueue(context.Background(), name, env)
		})
		return d, true, nil
	}
	return queue.Delivery{}, false, nil
}

// Lengths reports pending counts per queue.
func (q *Queue) Lengths(_ context.Context) (map[string]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, queue.ErrClosed
	}
	out := make(map[string]int, len(q.queues))
	for name, items := range q.queues {
		out[name] = len(items)
	}
	return out, nil
}

// Purge drops every pending envelope from the named queue.
func (q *Queue) Purge(_ context.Context, queueName string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, queue.ErrClosed
	}
	items, ok := q.queues[queueName]
	if !ok {
		return 0, queue.ErrUnknownQueue
	}
	q.queues[queueName] = nil
	return len(items), nil
}

// Close marks the queue closed and wakes waiting consumers.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.notify)
	return nil
}
