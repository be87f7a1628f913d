// Package mq implements broker.MqPublisher over RabbitMQ. Grounded on the connection/exchange/
// DLX conventions of _examples/Tim275-oms/common/broker/broker.go,
// rewritten in zap/otel instrumentation style and
// generalized from a fixed set of named exchanges to one queue per
// command/reply name, declared lazily on first publish.
package mq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/linkmeAman/universal-middleware/pkg/logger"
	"github.com/linkmeAman/universal-middleware/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DLX is the dead-letter exchange every queue this publisher declares is
// bound to, so a consumer's Nack(requeue=false) lands in a queue-specific
// dead-letter queue rather than vanishing.
const DLX = "core.dlx"

// PublisherConfig holds the RabbitMQ connection parameters.
type PublisherConfig struct {
	URL string
}

// Publisher implements broker.MqPublisher.
type Publisher struct {
	conn *amqp.Connection
	ch *amqp.Channel
	log *logger.Logger
	metrics *metrics.Metrics
	tracer trace.Tracer

	mu sync.Mutex
	declared map[string]struct{}
}

func NewPublisher(cfg PublisherConfig, m *metrics.Metrics, log *logger.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(DLX, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare dead-letter exchange: %w", err)
	}

	return &Publisher{
		conn: conn,
		ch: ch,
		log: log,
		metrics: m,
		tracer: otel.GetTracerProvider().Tracer("mq-publisher"),
		declared: map[string]struct{}{},
	}, nil
}

// ensureQueue declares queue (durable, dead-lettered to DLX) once per
// process. RabbitMQ's declare is idempotent, but skipping the round trip
// on every publish keeps steady-state latency low.
func (p *Publisher) ensureQueue(queue string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.declared[queue]; ok {
		return nil
	}

	args := amqp.Table{
		"x-dead-letter-exchange": DLX,
		"x-dead-letter-routing-key": queue,
	}
	if _, err := p.ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %q: %w", queue, err)
	}

	dlq := queue + ".dlq"
	if _, err := p.ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq %q: %w", dlq, err)
	}
	if err := p.ch.QueueBind(dlq, queue, DLX, false, nil); err != nil {
		return fmt.Errorf("bind dlq %q: %w", dlq, err)
	}

	p.declared[queue] = struct{}{}
	return nil
}

func (p *Publisher) Publish(ctx context.Context, queue, key, messageType string, payload []byte, headers map[string]string) error {
	ctx, span := p.tracer.Start(ctx, "mq.Publish",
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", queue),
			attribute.String("messaging.message_id", key),
			attribute.Int("messaging.message_payload_size_bytes", len(payload)),
		),
	)
	defer span.End()

	if err := p.ensureQueue(queue); err != nil {
		span.RecordError(err)
		return err
	}

	table := amqp.Table{"messageType": messageType}
	for k, v := range headers {
		table[k] = v
	}

	err := p.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Headers: table,
		Body: payload,
		DeliveryMode: amqp.Persistent,
		MessageId: key,
		Timestamp: time.Now(),
	})
	if err != nil {
		p.log.Error("failed to publish mq message", zap.String("queue", queue), zap.String("key", key), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.EventsPublished.WithLabelValues(queue, "error").Inc()
		return fmt.Errorf("publish mq message: %w", err)
	}
	p.metrics.EventsPublished.WithLabelValues(queue, "ok").Inc()
	return nil
}

func (p *Publisher) Close() error {
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return fmt.Errorf("close mq channel: %w", err)
	}
	return p.conn.Close()
}
