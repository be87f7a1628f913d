package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/linkmeAman/universal-middleware/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig mirrors consumer.ConsumerConfig.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics []string
	InitialOffset int64
	MinBytes int
	MaxBytes int
	MaxWait time.Duration
	SessionTimeout time.Duration
	RebalanceTimeout time.Duration
}

// MessageHandler processes one consumed Kafka message; the executor
// satisfies this by wrapping envelope.FromHeaders + Executor.Process.
type MessageHandler interface {
	Handle(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Consumer is grounded on
// internal/events/consumer/consumer.go Consumer, unchanged in shape
// (still a sarama consumer group), generalized only in its Handler
// contract (byte slices + header map rather than *sarama.ConsumerMessage)
// so callers outside this package don't need a sarama import.
type Consumer struct {
	group sarama.ConsumerGroup
	handler MessageHandler
	log *logger.Logger
	tracer trace.Tracer
	topics []string
	wg sync.WaitGroup
	ctx context.Context
	cancel context.CancelFunc
}

func NewConsumer(cfg ConsumerConfig, handler MessageHandler, log *logger.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = cfg.InitialOffset
	config.Consumer.MaxProcessingTime = cfg.MaxWait
	config.Consumer.Fetch.Min = int32(cfg.MinBytes)
	config.Consumer.Fetch.Max = int32(cfg.MaxBytes)
	config.Consumer.Group.Session.Timeout = cfg.SessionTimeout
	config.Consumer.Group.Rebalance.Timeout = cfg.RebalanceTimeout

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		group: group,
		handler: handler,
		log: log,
		tracer: otel.GetTracerProvider().Tracer("kafka-consumer"),
		topics: cfg.Topics,
		ctx: ctx,
		cancel: cancel,
	}, nil
}

func (c *Consumer) Start() error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			default:
				if err := c.group.Consume(c.ctx, c.topics, c); err != nil {
					c.log.Error("error from kafka consumer group", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	return c.group.Close()
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		ctx := c.extractContext(msg)
		ctx, span := c.tracer.Start(ctx, "kafka.consume",
			trace.WithAttributes(
				attribute.String("messaging.system", "kafka"),
				attribute.String("messaging.destination", msg.Topic),
				attribute.Int64("messaging.kafka.offset", msg.Offset),
				attribute.Int64("messaging.kafka.partition", int64(msg.Partition)),
				attribute.String("messaging.message_id", string(msg.Key)),
				attribute.Int("messaging.message_payload_size_bytes", len(msg.Value)),
			),
		)

		headers := map[string]string{}
		for _, h := range msg.Headers {
			headers[string(h.Key)] = string(h.Value)
		}

		if err := c.handler.Handle(ctx, msg.Topic, msg.Key, msg.Value, headers); err != nil {
			c.log.Error("failed to handle kafka message",
				zap.String("topic", msg.Topic), zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset), zap.Error(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			session.MarkMessage(msg, "")
		}
		span.End()
	}
	return nil
}

func (c *Consumer) extractContext(msg *sarama.ConsumerMessage) context.Context {
	carrier := propagation.HeaderCarrier{}
	for _, h := range msg.Headers {
		carrier[string(h.Key)] = []string{string(h.Value)}
	}
	return otel.GetTextMapPropagator().Extract(context.Background(), carrier)
}

func (c *Consumer) Ping() error {
	if c.group == nil {
		return fmt.Errorf("kafka consumer not initialized")
	}
	select {
	case <-c.ctx.Done():
		return fmt.Errorf("kafka consumer is stopped")
	default:
		return nil
	}
}
