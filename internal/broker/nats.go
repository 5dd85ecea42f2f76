package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskengine/internal/apperr"
	"github.com/swarmguard/taskengine/internal/envelope"
	"github.com/swarmguard/taskengine/internal/resilience"
)

var propagator = propagation.TraceContext{}

// NATSBroker implements Broker over a JetStream-backed NATS connection.
// Submit publishes to a per-queue stream; Consume creates a durable,
// explicit-ack push consumer in a queue group so that multiple worker
// processes compete for deliveries (prefetch=1 consumers thereby see FIFO
// order; larger prefetch is unordered, per spec.md §4.1).
type NATSBroker struct {
	url    string
	logger *slog.Logger
	tracer trace.Tracer

	retryAttempts int
	retryDelay    time.Duration
	retryMetrics  resilience.RetryMetrics
	breaker       *resilience.CircuitBreaker

	conn *nats.Conn
	js   nats.JetStreamContext
}

// NewNATSBroker builds a broker client. Connect happens in Startup. breaker
// may be nil, in which case Submit never short-circuits on its own and
// relies solely on the retry budget.
func NewNATSBroker(url string, logger *slog.Logger, retryAttempts int, retryDelay time.Duration, rm resilience.RetryMetrics, breaker *resilience.CircuitBreaker) *NATSBroker {
	return &NATSBroker{
		url:           url,
		logger:        logger,
		tracer:        otel.Tracer("taskengine-broker"),
		retryAttempts: retryAttempts,
		retryDelay:    retryDelay,
		retryMetrics:  rm,
		breaker:       breaker,
	}
}

// Startup connects to NATS and acquires a JetStream context. Idempotent:
// calling it again while already connected is a no-op.
func (b *NATSBroker) Startup(ctx context.Context) error {
	if b.conn != nil && b.conn.IsConnected() {
		return nil
	}
	conn, err := nats.Connect(b.url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			b.logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrBrokerUnavailable, err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: jetstream context: %w", apperr.ErrBrokerUnavailable, err)
	}
	b.conn = conn
	b.js = js
	b.logger.Info("broker connected", "url", b.url)
	return nil
}

// Shutdown drains and closes the connection. Idempotent.
func (b *NATSBroker) Shutdown(ctx context.Context) error {
	if b.conn == nil {
		return nil
	}
	err := b.conn.Drain()
	b.conn = nil
	b.js = nil
	return err
}

func (b *NATSBroker) ensureStream(queue string) error {
	streamName := streamNameFor(queue)
	if _, err := b.js.StreamInfo(streamName); err != nil {
		_, err = b.js.AddStream(&nats.StreamConfig{
			Name:      streamName,
			Subjects:  []string{queue},
			Retention: nats.WorkQueuePolicy,
		})
		if err != nil {
			return fmt.Errorf("ensure stream %s: %w", streamName, err)
		}
	}
	return nil
}

func streamNameFor(queue string) string {
	return "TASKENGINE_" + sanitizeSubject(queue)
}

func sanitizeSubject(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Submit publishes task to its queue_name subject, wrapping the publish in
// exponential-backoff retry. Trace context is injected into NATS headers
// for out-of-band propagation.
func (b *NATSBroker) Submit(ctx context.Context, task envelope.Task) error {
	ctx, span := b.tracer.Start(ctx, "broker.submit")
	defer span.End()

	if b.breaker != nil && !b.breaker.Allow() {
		return fmt.Errorf("%w: circuit open", apperr.ErrBrokerUnavailable)
	}
	if b.js == nil {
		return apperr.ErrBrokerUnavailable
	}
	if err := b.ensureStream(task.QueueName); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrBrokerUnavailable, err)
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	hdr := nats.Header{}
	hdr.Set("task_id", task.TaskID)
	hdr.Set("task_name", task.TaskName)
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))

	_, err = resilience.Retry(ctx, b.retryAttempts, b.retryDelay, b.retryMetrics, func() (*nats.PubAck, error) {
		return b.js.PublishMsg(&nats.Msg{Subject: task.QueueName, Data: data, Header: hdr})
	})
	if b.breaker != nil {
		b.breaker.RecordResult(err == nil)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrBrokerUnavailable, err)
	}
	return nil
}

// Consume creates a durable queue-group consumer on queue and returns a
// channel of deliveries. The channel closes when ctx is cancelled.
func (b *NATSBroker) Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error) {
	if b.js == nil {
		return nil, apperr.ErrBrokerUnavailable
	}
	if err := b.ensureStream(queue); err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrBrokerUnavailable, err)
	}
	if prefetch <= 0 {
		prefetch = 1
	}

	durable := "taskengine-" + sanitizeSubject(queue)
	sub, err := b.js.QueueSubscribeSync(queue, durable,
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxAckPending(prefetch),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe: %w", apperr.ErrBrokerUnavailable, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			if ctx.Err() != nil {
				return
			}
			msg, err := sub.NextMsgWithContext(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}

			carrier := propagation.HeaderCarrier(msg.Header)
			msgCtx := propagator.Extract(context.Background(), carrier)
			_, span := b.tracer.Start(msgCtx, "broker.consume", trace.WithSpanKind(trace.SpanKindConsumer))

			var task envelope.Task
			if err := json.Unmarshal(msg.Data, &task); err != nil {
				b.logger.Error("dropping undecodable envelope", "error", err)
				_ = msg.Term()
				span.End()
				continue
			}
			span.End()

			select {
			case out <- Delivery{Task: task, Ack: &natsAckHandle{msg: msg}}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type natsAckHandle struct {
	msg *nats.Msg
}

func (h *natsAckHandle) Ack(ctx context.Context) error {
	return h.msg.Ack(nats.Context(ctx))
}

func (h *natsAckHandle) Nack(ctx context.Context, requeue bool) error {
	if !requeue {
		return h.msg.Term(nats.Context(ctx))
	}
	return h.msg.Nak(nats.Context(ctx))
}
