// Package withdrawal_intake consumes withdrawal requests from Kafka and hands them to
// the withdrawal processor. Offsets are committed only once a request reached a final
// answer, so a crash replays it and the request id keeps the replay harmless.
package withdrawal_intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"

	"custody/apps/custody/internal/chain"
	"custody/apps/custody/internal/events"
	"custody/apps/custody/internal/model"
	"custody/apps/custody/internal/money"
	"custody/apps/custody/internal/repository"
	"custody/apps/custody/internal/withdrawal"
)

type Consumer interface {
	Subscribe(topic string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
	Seek(partition kafka.TopicPartition, ignoredTimeoutMs int) error
	Close() error
}

type Processor interface {
	Process(ctx context.Context, req withdrawal.Request) (*model.Withdrawal, error)
}

type WithdrawalIntake struct {
	logger     *zap.Logger
	consumer   Consumer
	processor  Processor
	kafkaTopic string
	pollWait   time.Duration
	retryWait  time.Duration
}

func NewWithdrawalIntake(kafkaBroker, kafkaTopic string, logger *zap.Logger, processor Processor) (*WithdrawalIntake, error) {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  kafkaBroker,
		"group.id":           "custody-withdrawal-intake",
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}
	return newWithdrawalIntake(consumer, kafkaTopic, logger, processor), nil
}

func newWithdrawalIntake(consumer Consumer, kafkaTopic string, logger *zap.Logger, processor Processor) *WithdrawalIntake {
	return &WithdrawalIntake{
		logger:     logger,
		consumer:   consumer,
		processor:  processor,
		kafkaTopic: kafkaTopic,
		pollWait:   500 * time.Millisecond,
		retryWait:  time.Second,
	}
}

// Start consumes until ctx is cancelled.
func (wi *WithdrawalIntake) Start(ctx context.Context) error {
	wi.logger.Info("Starting withdrawal intake...", zap.String("topic", wi.kafkaTopic))

	if err := wi.consumer.Subscribe(wi.kafkaTopic, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", wi.kafkaTopic, err)
	}

	for ctx.Err() == nil {
		msg, err := wi.consumer.ReadMessage(wi.pollWait)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			wi.logger.Error("Error reading message from Kafka", zap.Error(err))
			continue
		}

		if err := wi.processMessage(ctx, msg); err != nil {
			wi.logger.Error("Error processing message, will retry",
				zap.String("topic", *msg.TopicPartition.Topic),
				zap.Int32("partition", msg.TopicPartition.Partition),
				zap.String("key", string(msg.Key)),
				zap.Error(err))
			if seekErr := wi.consumer.Seek(msg.TopicPartition, 0); seekErr != nil {
				wi.logger.Error("Failed to rewind partition", zap.Error(seekErr))
			}
			select {
			case <-ctx.Done():
			case <-time.After(wi.retryWait):
			}
			continue
		}

		if _, err := wi.consumer.CommitMessage(msg); err != nil {
			wi.logger.Warn("Failed to commit offset", zap.Error(err))
		}
	}
	return nil
}

// processMessage returns an error only for failures worth retrying. Malformed and
// rejected requests are logged and dropped.
func (wi *WithdrawalIntake) processMessage(ctx context.Context, msg *kafka.Message) error {
	var req events.WithdrawalRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		wi.logger.Warn("Dropping malformed withdrawal request", zap.String("key", string(msg.Key)), zap.Error(err))
		return nil
	}

	amount, err := money.Parse(req.Amount)
	if err != nil {
		wi.logger.Warn("Dropping withdrawal request with invalid amount",
			zap.String("request_id", req.RequestID), zap.String("amount", req.Amount), zap.Error(err))
		return nil
	}
	if req.RequestID == "" {
		wi.logger.Warn("Dropping withdrawal request without request id", zap.Int64("account_id", req.AccountID))
		return nil
	}

	w, err := wi.processor.Process(ctx, withdrawal.Request{
		RequestID: req.RequestID,
		AccountID: req.AccountID,
		ToAddress: req.ToAddress,
		Amount:    amount,
	})

	switch {
	case err == nil:
		wi.logger.Info("Processed withdrawal request",
			zap.String("request_id", req.RequestID),
			zap.Int64("withdrawal_id", w.ID),
			zap.String("tx_hash", w.TxHash))
		return nil
	case errors.Is(err, withdrawal.ErrRefundPending):
		// redelivery finishes the refund
		return err
	case errors.Is(err, repository.ErrDuplicateRequest):
		wi.logger.Info("Withdrawal request already handled", zap.String("request_id", req.RequestID))
		return nil
	case errors.Is(err, withdrawal.ErrAmountOutOfBounds),
		errors.Is(err, chain.ErrInvalidAddress),
		errors.Is(err, repository.ErrInsufficientBalance),
		errors.Is(err, repository.ErrAccountNotFound),
		errors.Is(err, money.ErrPrecision),
		errors.Is(err, withdrawal.ErrTransferFailed):
		wi.logger.Warn("Withdrawal request rejected",
			zap.String("request_id", req.RequestID), zap.Int64("account_id", req.AccountID), zap.Error(err))
		return nil
	default:
		return err
	}
}

func (wi *WithdrawalIntake) Close() error {
	if wi.consumer != nil {
		return wi.consumer.Close()
	}
	return nil
}
