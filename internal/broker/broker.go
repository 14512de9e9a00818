// Package broker is the durable multi-queue adapter (§4.2, C2). It wraps
// NATS JetStream so task-sync/task-eval/task-impl each get a durable queue
// with a dead-letter companion, bounded prefetch, and attempt-counted
// redelivery, the way the teacher's runner packages wrap one external
// system behind a small purpose-built interface.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Queue identifies one of the engine's three durable work queues (§4.2).
type Queue string

const (
	QueueSync Queue = "task-sync"
	QueueEval Queue = "task-eval"
	QueueImpl Queue = "task-impl"
)

// prefetch returns the per-queue in-flight cap from §4.2.
func (q Queue) prefetch() int {
	switch q {
	case QueueSync:
		return 10
	case QueueEval:
		return 5
	case QueueImpl:
		return 3
	default:
		return 1
	}
}

func (q Queue) dlq() string { return string(q) + ".dlq" }

// maxRetries is the attempt ceiling from §4.2 before a message is routed to
// its queue's DLQ companion.
const maxRetries = 3

// Handler processes one delivered message. Returning an error causes the
// broker to increment the attempt count and redeliver (or DLQ past
// maxRetries); returning nil acks the message.
type Handler func(ctx context.Context, payload []byte, attempt int) error

// Broker is the engine's connection to the durable queue cluster.
type Broker struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	log    *slog.Logger
	stream string
}

// Option customizes a Broker at construction.
type Option func(*Broker)

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// Connect dials the given NATS URL, binds to (creating if absent) the
// engine's JetStream stream covering all three queues and their DLQs, and
// returns a ready-to-use Broker.
func Connect(ctx context.Context, url string, opts ...Option) (*Broker, error) {
	nc, err := nats.Connect(url, nats.Name("taskops-engine"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	b := &Broker{nc: nc, js: js, log: slog.Default(), stream: "TASKOPS"}
	for _, o := range opts {
		o(b)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name: b.stream,
		Subjects: []string{
			string(QueueSync), QueueSync.dlq(),
			string(QueueEval), QueueEval.dlq(),
			string(QueueImpl), QueueImpl.dlq(),
		},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return b, nil
}

// Close drains in-flight messages (no force-kill during the ack window,
// §5) and closes the underlying NATS connection.
func (b *Broker) Close() error {
	if err := b.nc.Drain(); err != nil {
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}

// Publish JSON-encodes payload and enqueues the result onto queue.
// Duplicate publishes are legal at the application layer (§4.2); the
// broker makes no dedup guarantee.
func (b *Broker) Publish(ctx context.Context, queue Queue, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	msg := nats.NewMsg(string(queue))
	msg.Data = body
	if _, err := b.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Consume runs handler for every message delivered on queue, cooperatively
// within one process (a single pull loop per queue) but independent of
// every other queue's loop. It blocks until ctx is canceled.
func (b *Broker) Consume(ctx context.Context, queue Queue, handler Handler) error {
	cons, err := b.js.CreateOrUpdateConsumer(ctx, b.stream, jetstream.ConsumerConfig{
		Durable:       "consumer-" + string(queue),
		FilterSubject: string(queue),
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    maxRetries + 1,
	})
	if err != nil {
		return fmt.Errorf("create consumer for %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := cons.Fetch(queue.prefetch(), jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.log.Warn("broker fetch failed", "queue", queue, "error", err)
			continue
		}
		for msg := range msgs.Messages() {
			b.deliver(ctx, queue, msg, handler)
		}
		if err := msgs.Error(); err != nil && ctx.Err() == nil {
			b.log.Warn("broker fetch batch error", "queue", queue, "error", err)
		}
	}
}

func (b *Broker) deliver(ctx context.Context, queue Queue, msg jetstream.Msg, handler Handler) {
	attempt := 0
	if md, err := msg.Metadata(); err == nil {
		attempt = int(md.NumDelivered) - 1
	}

	err := handler(ctx, msg.Data(), attempt)
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			b.log.Warn("ack failed", "queue", queue, "error", ackErr)
		}
		return
	}

	if attempt+1 >= maxRetries {
		b.log.Error("message exhausted retries, routing to dlq", "queue", queue, "attempt", attempt, "error", err)
		if pubErr := b.publishToDLQ(ctx, queue, msg.Data(), err); pubErr != nil {
			b.log.Error("dlq publish failed", "queue", queue, "error", pubErr)
		}
		if termErr := msg.Term(); termErr != nil {
			b.log.Warn("term failed", "queue", queue, "error", termErr)
		}
		return
	}

	// Nack-with-requeue must not block the consumer loop (§4.2); NakWithDelay
	// returns immediately and lets JetStream handle redelivery asynchronously.
	if nakErr := msg.NakWithDelay(backoffDelay(attempt)); nakErr != nil {
		b.log.Warn("nack failed", "queue", queue, "error", nakErr)
	}
}

func backoffDelay(attempt int) time.Duration {
	d := time.Second << attempt
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

type dlqEnvelope struct {
	Queue    string `json:"queue"`
	Error    string `json:"error"`
	Payload  []byte `json:"payload"`
	FailedAt string `json:"failed_at"`
}

func (b *Broker) publishToDLQ(ctx context.Context, queue Queue, payload []byte, cause error) error {
	env := dlqEnvelope{Queue: string(queue), Error: cause.Error(), Payload: payload, FailedAt: time.Now().UTC().Format(time.RFC3339)}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal dlq envelope: %w", err)
	}
	if _, err := b.js.Publish(ctx, queue.dlq(), body); err != nil {
		return fmt.Errorf("publish dlq: %w", err)
	}
	return nil
}

// ConsumerRunner adapts one queue's Consume loop to internal/supervisor's
// Runner interface, giving each consumer its own cancelable sub-context so
// the supervisor can quiesce consumers in a specific order independent of
// the process-wide shutdown signal (§4.13).
type ConsumerRunner struct {
	br      *Broker
	queue   Queue
	handler Handler
	label   string

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewConsumerRunner builds a ConsumerRunner for one queue/handler pair.
func NewConsumerRunner(br *Broker, queue Queue, label string, handler Handler) *ConsumerRunner {
	return &ConsumerRunner{br: br, queue: queue, handler: handler, label: label}
}

func (r *ConsumerRunner) Label() string { return r.label }

// Start blocks in Consume until ctx is canceled or Stop is called.
func (r *ConsumerRunner) Start(ctx context.Context) error {
	consumeCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	return r.br.Consume(consumeCtx, r.queue, r.handler)
}

// Stop cancels this consumer's sub-context, independent of any other runner.
func (r *ConsumerRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}
