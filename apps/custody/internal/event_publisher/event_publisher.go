package event_publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"

	"custody/apps/custody/internal/events"
	"custody/apps/custody/internal/metrics"
	"custody/apps/custody/internal/model"
)

type OutboxStore interface {
	GetUnsentEventsForProcessing(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkEventAsSent(ctx context.Context, id string) error
	MarkEventAsFailed(ctx context.Context, id string) error
	ReleaseProcessingEvents(ctx context.Context) (int64, error)
}

// Producer is the subset of *kafka.Producer the publisher needs.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Close()
}

type EventPublisher struct {
	logger     *zap.Logger
	producer   Producer
	kafkaTopic string
	repository OutboxStore
	interval   time.Duration
	batchSize  int
	mu         sync.Mutex
}

func NewEventPublisher(kafkaBroker, kafkaTopic string, logger *zap.Logger, repository OutboxStore) (*EventPublisher, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  kafkaBroker,
		"acks":               "all",
		"enable.idempotence": true,
		"retries":            3,
		"retry.backoff.ms":   100,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return newEventPublisher(producer, kafkaTopic, logger, repository), nil
}

func newEventPublisher(producer Producer, kafkaTopic string, logger *zap.Logger, repository OutboxStore) *EventPublisher {
	return &EventPublisher{
		logger:     logger,
		producer:   producer,
		kafkaTopic: kafkaTopic,
		repository: repository,
		interval:   3 * time.Second,
		batchSize:  100,
	}
}

// StartPublishing drains the outbox every few seconds until ctx is cancelled.
func (ep *EventPublisher) StartPublishing(ctx context.Context) {
	if _, err := ep.repository.ReleaseProcessingEvents(ctx); err != nil {
		ep.logger.Error("Failed to release stale outbox events", zap.Error(err))
	}

	ticker := time.NewTicker(ep.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ep.publishUnsentEvents(ctx); err != nil {
				ep.logger.Error("Error publishing events to Kafka", zap.Error(err))
			}
		}
	}
}

func (ep *EventPublisher) publishUnsentEvents(ctx context.Context) (int, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	outboxEvents, err := ep.repository.GetUnsentEventsForProcessing(ctx, ep.batchSize)
	if err != nil {
		return 0, err
	}

	successCount := 0
	for _, event := range outboxEvents {
		if err := ep.publishEventToKafka(ctx, event); err != nil {
			metrics.OutboxPublished.WithLabelValues("failed").Inc()
			ep.logger.Error("Failed to publish event to Kafka",
				zap.String("event_id", event.ID), zap.String("event_type", event.EventType), zap.Error(err))
			if markErr := ep.repository.MarkEventAsFailed(ctx, event.ID); markErr != nil {
				ep.logger.Error("Failed to mark event as failed", zap.String("event_id", event.ID), zap.Error(markErr))
			}
			continue
		}

		metrics.OutboxPublished.WithLabelValues("sent").Inc()
		if err := ep.repository.MarkEventAsSent(ctx, event.ID); err != nil {
			// consumers dedupe on event_id, a resend after restart is harmless
			ep.logger.Error("Failed to mark event as sent", zap.String("event_id", event.ID), zap.Error(err))
		} else {
			successCount++
		}
	}

	if successCount > 0 {
		ep.logger.Info("Published events to Kafka", zap.Int("success_count", successCount), zap.Int("attempted", len(outboxEvents)))
	}
	return successCount, nil
}

func (ep *EventPublisher) publishEventToKafka(ctx context.Context, event model.OutboxEvent) error {
	msgBytes, err := json.Marshal(events.LedgerEvent{
		EventID:     event.ID,
		EventType:   event.EventType,
		AggregateID: event.AggregateID,
		AccountID:   event.AccountID,
		Payload:     event.Payload,
		OccurredAt:  event.CreatedAt,
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	deliveryChan := make(chan kafka.Event, 1)
	err = ep.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &ep.kafkaTopic, Partition: kafka.PartitionAny},
		// per-account ordering
		Key:   []byte(strconv.FormatInt(event.AccountID, 10)),
		Value: msgBytes,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}, deliveryChan)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-deliveryChan:
		switch ev := e.(type) {
		case *kafka.Message:
			return ev.TopicPartition.Error
		default:
			return fmt.Errorf("unexpected kafka event type: %T", e)
		}
	}
}

func (ep *EventPublisher) Close() error {
	if ep.producer != nil {
		ep.producer.Close()
	}
	return nil
}
