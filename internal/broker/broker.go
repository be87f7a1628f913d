// Package broker declares the two publisher SPIs requires the
// execution core to depend on abstractly: one for commands and replies,
// one for domain events. Concrete adapters live in the kafka and mq
// subpackages.
package broker

import "context"

// MqPublisher carries command and reply category outbox rows — point-to-
// point work, not broadcast.
type MqPublisher interface {
	Publish(ctx context.Context, queue, key, messageType string, payload []byte, headers map[string]string) error
	Close() error
}

// KafkaPublisher carries event category outbox rows — fan-out to any
// number of interested consumers.
type KafkaPublisher interface {
	Publish(ctx context.Context, topic, key, messageType string, payload []byte, headers map[string]string) error
	Close() error
}
