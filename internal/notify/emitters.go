package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/hvx-labs/escrowd/internal/metrics"
)

// SlogEmitter writes events to the structured log. It is the default sink
// and doubles as the audit trail in demo mode.
type SlogEmitter struct {
	logger *slog.Logger
}

// NewSlogEmitter creates a log-backed emitter.
func NewSlogEmitter(logger *slog.Logger) *SlogEmitter {
	return &SlogEmitter{logger: logger}
}

func (e *SlogEmitter) Emit(ctx context.Context, event *Event) error {
	e.logger.Info("notification",
		"event_id", event.ID,
		"event_type", string(event.Type),
		"order_id", event.OrderID,
		"data", event.Data)
	return nil
}

func (e *SlogEmitter) Close() error { return nil }

// KafkaEmitter publishes events to a Kafka topic via a synchronous
// producer, keyed by order ID so one order's events stay in one partition.
type KafkaEmitter struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaEmitter connects a synchronous producer to the given brokers.
func NewKafkaEmitter(brokers []string, topic string) (*KafkaEmitter, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return &KafkaEmitter{producer: producer, topic: topic}, nil
}

func (e *KafkaEmitter) Emit(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: e.topic,
		Key:   sarama.StringEncoder(event.OrderID),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := e.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (e *KafkaEmitter) Close() error {
	return e.producer.Close()
}

// Hub fans one event out to every configured sink. Failures are counted
// per sink and logged; they never propagate to the caller.
type Hub struct {
	sinks  map[string]Emitter
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{sinks: make(map[string]Emitter), logger: logger}
}

// AddSink registers a named sink.
func (h *Hub) AddSink(name string, e Emitter) *Hub {
	h.sinks[name] = e
	return h
}

// Publish delivers the event to every sink. Safe on a nil hub.
func (h *Hub) Publish(eventType EventType, orderID string, data map[string]interface{}) {
	if h == nil || len(h.sinks) == 0 {
		return
	}
	event := NewEvent(eventType, orderID, data)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for name, sink := range h.sinks {
		if err := sink.Emit(ctx, event); err != nil {
			metrics.NotificationsTotal.WithLabelValues(name, "error").Inc()
			h.logger.Warn("notification emit failed",
				"sink", name, "event_type", string(eventType),
				"order_id", orderID, "error", err)
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(name, "ok").Inc()
	}
}

// Close closes every sink.
func (h *Hub) Close() {
	for name, sink := range h.sinks {
		if err := sink.Close(); err != nil {
			h.logger.Warn("failed to close notification sink", "sink", name, "error", err)
		}
	}
}
