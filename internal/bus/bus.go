// Package bus wraps a RabbitMQ connection with the three logical queues the
// orchestrator consumes from: chat (token stream), session-index (catalog
// re-sync), and session-history (transcript backfill). Delivery is
// at-least-once; callers are responsible for idempotent handling, which the
// Consumer Manager provides via tag matching.
//
// Each logical queue is a fanout exchange, not a single shared AMQP queue.
// spec.md's Bus glossary entry is explicit that "tokens for all chats share
// a single logical queue, disambiguated by chat_id" — every concurrently
// active consumer is expected to see every message published, filtering out
// the ones addressed to some other chat itself (§4.1's "Message filtering").
// Two or more ordinary AMQP consumers on one shared named queue would not
// give that: RabbitMQ round-robins a queue's messages across its competing
// consumers, so a token meant for chat B could be delivered to (and acked
// by) chat A's consumer and never reach chat B at all. Binding a fresh
// exclusive, auto-delete queue per consumer tag to the fanout exchange in
// Consume gives every active chat/session-index/session-history consumer
// its own full copy of the stream instead.
package bus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	QueueChat           = "chat"
	QueueSessionIndex   = "session-index"
	QueueSessionHistory = "session-history"
)

// Delivery is a received Bus message, independent of the underlying
// transport's delivery type so callers never import amqp091-go directly.
type Delivery struct {
	Body []byte
	Ack  func()
	Nack func(requeue bool)
}

// Bus is the transport abstraction the rest of the orchestrator depends on.
// A single Bus instance is shared process-wide; Consumer Manager layers
// per-(user,session) subscription semantics on top of it.
type Bus interface {
	Publish(ctx context.Context, queue string, body []byte) error
	Consume(ctx context.Context, queue, consumerTag string) (<-chan Delivery, error)
	Cancel(consumerTag string) error
	Close() error
}

// RabbitBus is the production Bus backed by github.com/rabbitmq/amqp091-go.
// It does not reconnect: Dial is attempted once at construction and channel
// errors surface to callers rather than being silently retried, matching
// the "explicit result types, not exception-catch-all" design note for
// Upstream failures — the same posture applies to broker failures.
type RabbitBus struct {
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
	url  string
}

// Dial connects to a RabbitMQ broker and declares a durable fanout exchange
// per logical queue the orchestrator needs. Publishers (Upstream, in
// production) publish onto these exchanges; Consume binds a private queue
// to one per call, which is what gives every concurrent consumer its own
// copy of the stream (see the package doc comment).
func Dial(url string) (*RabbitBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("bus: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: open channel: %w", err)
	}
	for _, q := range []string{QueueChat, QueueSessionIndex, QueueSessionHistory} {
		if err := ch.ExchangeDeclare(q, "fanout", true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("bus: declare exchange %s: %w", q, err)
		}
	}
	log.Printf("[bus] connected, fanout exchanges declared: %s, %s, %s", QueueChat, QueueSessionIndex, QueueSessionHistory)
	return &RabbitBus{conn: conn, ch: ch, url: url}, nil
}

func (b *RabbitBus) Publish(ctx context.Context, queue string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch.PublishWithContext(ctx, queue, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
}

// Consume binds a fresh exclusive, auto-delete queue to the queue's fanout
// exchange under consumerTag and returns a channel of Delivery. The caller
// (Consumer Manager) is expected to subscribe BEFORE triggering the
// corresponding Upstream request, so no message published in the gap is
// missed. Because the bound queue belongs to this consumer alone, every
// concurrently active consumer on the same exchange receives its own copy
// of each message — acking or nacking a delivery here only ever affects
// this consumer's private queue, never another chat's.
func (b *RabbitBus) Consume(ctx context.Context, queue, consumerTag string) (<-chan Delivery, error) {
	b.mu.Lock()
	q, err := b.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus: declare private queue for %s: %w", consumerTag, err)
	}
	if err := b.ch.QueueBind(q.Name, "", queue, false, nil); err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus: bind %s to exchange %s: %w", consumerTag, queue, err)
	}
	deliveries, err := b.ch.ConsumeWithContext(ctx, q.Name, consumerTag, false, false, false, false, nil)
	b.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("bus: consume %s: %w", queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range deliveries {
			d := d
			select {
			case out <- Delivery{
				Body: d.Body,
				Ack:  func() { d.Ack(false) },
				Nack: func(requeue bool) { d.Nack(false, requeue) },
			}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *RabbitBus) Cancel(consumerTag string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch.Cancel(consumerTag, false)
}

func (b *RabbitBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
