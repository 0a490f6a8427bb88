// Package amqp implements the broker abstraction on RabbitMQ. Queues are
// durable, messages persistent, and settlement is manual ack so an
// interrupted worker never loses a task.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/pixvault/harvester/internal/queue"
)

// Queue is a RabbitMQ-backed broker. One channel publishes and consumes;
// a second channel serves management calls (lengths, purge) so a passive
// declare on a missing queue cannot poison the consumer channel.
type Queue struct {
	conn    *amqp.Connection
	channel *amqp.Channel

	mgmtMu sync.Mutex
	mgmt   *amqp.Channel

	deliveries chan amqp.Delivery
	done       chan struct{}
	names      []string
	logger     *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// New dials RabbitMQ, declares the standard topology and starts consuming
// every queue into a single merged stream.
func New(url string, logger *zap.Logger) (*Queue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	mgmt, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open management channel: %w", err)
	}
	// One unacked message per worker keeps slow downloads from hoarding
	// prefetched tasks.
	if err := channel.Qos(1, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	q := &Queue{
		conn:       conn,
		channel:    channel,
		mgmt:       mgmt,
		deliveries: make(chan amqp.Delivery),
		done:       make(chan struct{}),
		names:      queue.Names(),
		logger:     logger,
	}
	for _, name := range q.names {
		if _, err := channel.QueueDeclare(name, true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", name, err)
		}
		msgs, err := channel.Consume(name, "", false, false, false, false, nil)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("consume queue %s: %w", name, err)
		}
		go q.pump(msgs)
	}
	logger.Info("connected to RabbitMQ", zap.Strings("queues", q.names))
	return q, nil
}

// pump forwards one consumer stream into the merged delivery channel. The
// source channel closes when the AMQP channel or connection closes; the
// done channel releases a pump stuck mid-send when nobody dequeues after
// Close.
func (q *Queue) pump(msgs <-chan amqp.Delivery) {
	for msg := range msgs {
		select {
		case q.deliveries <- msg:
		case <-q.done:
			return
		}
	}
}

// Enqueue publishes a persistent JSON message to the named queue via the
// default exchange.
func (q *Queue) Enqueue(ctx context.Context, queueName string, env queue.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	err = q.channel.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queueName, err)
	}
	return nil
}

// Dequeue returns the next delivery from any consumed queue.
func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	select {
	case <-ctx.Done():
		return queue.Delivery{}, ctx.Err()
	case <-q.done:
		return queue.Delivery{}, queue.ErrClosed
	case msg, ok := <-q.deliveries:
		if !ok {
			return queue.Delivery{}, queue.ErrClosed
		}
		var env queue.Envelope
		if err := json.Unmarshal(msg.Body, &env); err != nil {
			// Malformed body is unrecoverable; drop it rather than
			// bounce it through the queue forever.
			q.logger.Warn("discarding malformed message",
				zap.String("queue", msg.RoutingKey), zap.Error(err))
			_ = msg.Nack(false, false)
			return q.Dequeue(ctx)
		}
		d := queue.NewDelivery(env, msg.RoutingKey,
			func() error { return msg.Ack(false) },
			func(requeue bool) error { return msg.Nack(false, requeue) },
		)
		return d, nil
	}
}

// Lengths reports the ready message count per queue using passive
// declares.
func (q *Queue) Lengths(_ context.Context) (map[string]int, error) {
	q.mgmtMu.Lock()
	defer q.mgmtMu.Unlock()
	out := make(map[string]int, len(q.names))
	for _, name := range q.names {
		state, err := q.mgmt.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return nil, fmt.Errorf("inspect queue %s: %w", name, err)
		}
		out[name] = state.Messages
	}
	return out, nil
}

// Purge discards ready messages from the named queue.
func (q *Queue) Purge(_ context.Context, queueName string) (int, error) {
	q.mgmtMu.Lock()
	defer q.mgmtMu.Unlock()
	n, err := q.mgmt.QueuePurge(queueName, false)
	if err != nil {
		return 0, fmt.Errorf("purge queue %s: %w", queueName, err)
	}
	return n, nil
}

// Close shuts the connection, which also ends every consumer stream, and
// releases any pump blocked on an undelivered message.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		close(q.done)
		q.closeErr = q.conn.Close()
	})
	return q.closeErr
}
