package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/linkmeAman/universal-middleware/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MessageHandler processes one consumed delivery. The executor only
// returns an error here for a RetryableBusiness/Transient outcome (spec
// §4.5/§7) — a Permanent failure is resolved and committed inside
// Process itself, never surfaced as a transport error. So a returned
// error must be requeued, not dead-lettered: dead-lettering it would
// silently drop a command says the broker should keep
// redelivering.
type MessageHandler interface {
	Handle(ctx context.Context, queue string, key, value []byte, headers map[string]string) error
}

// Consumer consumes deliveries from one queue.
type Consumer struct {
	ch      *amqp.Channel
	queue   string
	handler MessageHandler
	log     *logger.Logger
	tracer  trace.Tracer
	cancel  context.CancelFunc
}

func NewConsumer(cfg PublisherConfig, queue string, handler MessageHandler, log *logger.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(32, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set rabbitmq qos: %w", err)
	}

	return &Consumer{
		ch:      ch,
		queue:   queue,
		handler: handler,
		log:     log,
		tracer:  otel.GetTracerProvider().Tracer("mq-consumer"),
	}, nil
}

func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue %q: %w", c.queue, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				c.handle(ctx, d)
			}
		}
	}()
	return nil
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	ctx, span := c.tracer.Start(ctx, "mq.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", c.queue),
			attribute.String("messaging.message_id", d.MessageId),
		),
	)
	defer span.End()

	headers := map[string]string{}
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}

	if err := c.handler.Handle(ctx, c.queue, []byte(d.MessageId), d.Body, headers); err != nil {
		c.log.Error("failed to handle mq delivery", zap.String("queue", c.queue), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// Requeue rather than dead-letter: the command-level retry
		// backstop (command.Store's lease expiry / bumpRetry)
		// is what eventually parks a permanently-stuck command, not this
		// transport. A plain Nack(requeue=false) here would silently drop
		// a command the executor still considers retryable.
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return c.ch.Close()
}
