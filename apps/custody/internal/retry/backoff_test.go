package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func fastConfig(retries int) Config {
	return Config{
		MaxRetries:   retries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestWithBackoffSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := WithBackoff(context.Background(), fastConfig(5), zaptest.NewLogger(t), "dial", func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithBackoffGivesUp(t *testing.T) {
	cause := errors.New("connection refused")
	calls := 0
	err := WithBackoff(context.Background(), fastConfig(3), zaptest.NewLogger(t), "dial", func() error {
		calls++
		return cause
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, calls)
}

func TestWithBackoffHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithBackoff(ctx, fastConfig(3), zaptest.NewLogger(t), "dial", func() error {
		t.Fatal("fn must not run after cancellation")
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffDelayIsCapped(t *testing.T) {
	cfg := Config{InitialDelay: time.Second, MaxDelay: 4 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, backoffDelay(cfg, 1))
	assert.Equal(t, 2*time.Second, backoffDelay(cfg, 2))
	assert.Equal(t, 4*time.Second, backoffDelay(cfg, 5))
}
