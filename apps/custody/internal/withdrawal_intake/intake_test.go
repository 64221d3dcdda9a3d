package withdrawal_intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"custody/apps/custody/internal/chain"
	"custody/apps/custody/internal/model"
	"custody/apps/custody/internal/money"
	"custody/apps/custody/internal/repository"
	"custody/apps/custody/internal/withdrawal"
)

type mockProcessor struct{ mock.Mock }

func (m *mockProcessor) Process(ctx context.Context, req withdrawal.Request) (*model.Withdrawal, error) {
	args := m.Called(ctx, req)
	w, _ := args.Get(0).(*model.Withdrawal)
	return w, args.Error(1)
}

type fakeConsumer struct {
	mu        sync.Mutex
	queue     []*kafka.Message
	committed []kafka.Offset
	seeks     int
	topic     string
}

func (f *fakeConsumer) Subscribe(topic string, _ kafka.RebalanceCb) error {
	f.topic = topic
	return nil
}

func (f *fakeConsumer) ReadMessage(time.Duration) (*kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, kafka.NewError(kafka.ErrTimedOut, "timed out", false)
	}
	msg := f.queue[0]
	f.queue = f.queue[1:]
	return msg, nil
}

func (f *fakeConsumer) CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, m.TopicPartition.Offset)
	return nil, nil
}

// Seek puts the message back at the head of the queue.
func (f *fakeConsumer) Seek(tp kafka.TopicPartition, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeks++
	f.queue = append([]*kafka.Message{{TopicPartition: tp, Value: []byte(`{"request_id":"r-retry","account_id":1,"to_address":"0x1111111111111111111111111111111111111111","amount":"20.00"}`)}}, f.queue...)
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

func (f *fakeConsumer) snapshot() ([]kafka.Offset, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kafka.Offset(nil), f.committed...), f.seeks, len(f.queue)
}

func message(offset int64, value string) *kafka.Message {
	topic := "custody.withdrawal-requests"
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 0, Offset: kafka.Offset(offset)},
		Value:          []byte(value),
	}
}

func TestProcessMessage(t *testing.T) {
	proc := &mockProcessor{}
	wi := newWithdrawalIntake(&fakeConsumer{}, "topic", zaptest.NewLogger(t), proc)

	proc.On("Process", mock.Anything, withdrawal.Request{
		RequestID: "r-1", AccountID: 1, ToAddress: "0x1111111111111111111111111111111111111111", Amount: money.Minor(130000),
	}).Return(&model.Withdrawal{ID: 9, TxHash: "0xabc"}, nil)

	err := wi.processMessage(context.Background(), message(1,
		`{"request_id":"r-1","account_id":1,"to_address":"0x1111111111111111111111111111111111111111","amount":"1300.00"}`))
	require.NoError(t, err)
	proc.AssertExpectations(t)
}

func TestProcessMessageDropsPermanentFailures(t *testing.T) {
	cases := map[string]error{
		"duplicate":    repository.ErrDuplicateRequest,
		"out of range": withdrawal.ErrAmountOutOfBounds,
		"no funds":     repository.ErrInsufficientBalance,
		"refunded":     withdrawal.ErrTransferFailed,
	}
	for name, procErr := range cases {
		t.Run(name, func(t *testing.T) {
			proc := &mockProcessor{}
			proc.On("Process", mock.Anything, mock.Anything).Return(nil, procErr)
			wi := newWithdrawalIntake(&fakeConsumer{}, "topic", zaptest.NewLogger(t), proc)

			err := wi.processMessage(context.Background(), message(1,
				`{"request_id":"r-1","account_id":1,"to_address":"0x1111111111111111111111111111111111111111","amount":"10"}`))
			assert.NoError(t, err)
		})
	}
}

func TestProcessMessageKeepsUnrefundedFailure(t *testing.T) {
	proc := &mockProcessor{}
	pending := &model.Withdrawal{ID: 4, Status: model.WithdrawalPending}
	proc.On("Process", mock.Anything, mock.Anything).
		Return(pending, fmt.Errorf("%w: %w", withdrawal.ErrRefundPending, errors.Join(chain.ErrInsufficientLiquidity, errors.New("connection reset"))))
	wi := newWithdrawalIntake(&fakeConsumer{}, "topic", zaptest.NewLogger(t), proc)

	err := wi.processMessage(context.Background(), message(1,
		`{"request_id":"r-1","account_id":1,"to_address":"0x1111111111111111111111111111111111111111","amount":"10"}`))
	assert.ErrorIs(t, err, withdrawal.ErrRefundPending)
}

func TestProcessMessageDropsMalformed(t *testing.T) {
	proc := &mockProcessor{}
	wi := newWithdrawalIntake(&fakeConsumer{}, "topic", zaptest.NewLogger(t), proc)

	for _, body := range []string{
		`not json`,
		`{"request_id":"r-1","account_id":1,"amount":"abc"}`,
		`{"request_id":"r-1","account_id":1,"amount":"1.234"}`,
		`{"account_id":1,"amount":"10"}`,
	} {
		assert.NoError(t, wi.processMessage(context.Background(), message(1, body)), body)
	}
	proc.AssertNotCalled(t, "Process", mock.Anything, mock.Anything)
}

func TestStartCommitsAndRetriesTransientErrors(t *testing.T) {
	consumer := &fakeConsumer{queue: []*kafka.Message{
		message(1, `{"request_id":"r-1","account_id":1,"to_address":"0x1111111111111111111111111111111111111111","amount":"10"}`),
		message(2, `{"request_id":"r-retry","account_id":1,"to_address":"0x1111111111111111111111111111111111111111","amount":"20.00"}`),
	}}
	proc := &mockProcessor{}
	proc.On("Process", mock.Anything, mock.MatchedBy(func(r withdrawal.Request) bool { return r.RequestID == "r-1" })).
		Return(&model.Withdrawal{ID: 1}, nil)
	proc.On("Process", mock.Anything, mock.MatchedBy(func(r withdrawal.Request) bool { return r.RequestID == "r-retry" })).
		Return(nil, errors.New("connection refused")).Once()
	proc.On("Process", mock.Anything, mock.MatchedBy(func(r withdrawal.Request) bool { return r.RequestID == "r-retry" })).
		Return(&model.Withdrawal{ID: 2}, nil)

	wi := newWithdrawalIntake(consumer, "custody.withdrawal-requests", zaptest.NewLogger(t), proc)
	wi.pollWait = time.Millisecond
	wi.retryWait = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- wi.Start(ctx) }()

	require.Eventually(t, func() bool {
		committed, _, _ := consumer.snapshot()
		return len(committed) == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	committed, seeks, _ := consumer.snapshot()
	assert.Equal(t, []kafka.Offset{1, 2}, committed)
	assert.Equal(t, 1, seeks)
	assert.Equal(t, "custody.withdrawal-requests", consumer.topic)
}
