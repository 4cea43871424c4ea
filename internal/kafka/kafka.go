// Package kafka mirrors controller events onto a Kafka topic.
package kafka

import (
	"context"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/sweeney/valved/internal/logic"
	"github.com/sweeney/valved/internal/mqtt"
)

// messageWriter is the part of *kafka.Writer the emitter uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Emitter writes each event as one message keyed by controller name.
// The value is the same JSON document published on MQTT.
type Emitter struct {
	w   messageWriter
	key []byte
}

// NewEmitter creates an emitter for topic on brokers.
func NewEmitter(brokers []string, topic, name string) *Emitter {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Emitter{w: w, key: []byte(name)}
}

// Emit writes e.
func (k *Emitter) Emit(ctx context.Context, e logic.Event) error {
	payload, err := mqtt.FormatPayload(e)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	msg := kafkago.Message{Key: k.key, Value: payload, Time: e.Timestamp}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *Emitter) Close() error {
	return k.w.Close()
}
