package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// NewRedisClient connects to Redis and verifies the connection with a ping.
func NewRedisClient(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,

		PoolSize:     4,
		MinIdleConns: 1,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis", zap.String("addr", addr), zap.Int("db", db))
	return rdb, nil
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisSource reads the rate from a Redis key that an external pricing job maintains.
// The last good value is kept in fallback and served when the key is missing,
// unparsable or Redis is unreachable.
type RedisSource struct {
	client   stringGetter
	key      string
	fallback *Static
	logger   *zap.Logger
}

func NewRedisSource(client stringGetter, key string, fallback *Static, logger *zap.Logger) *RedisSource {
	return &RedisSource{client: client, key: key, fallback: fallback, logger: logger}
}

func (s *RedisSource) Rate(ctx context.Context) (decimal.Decimal, error) {
	raw, err := s.client.Get(ctx, s.key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return s.fallback.Rate(ctx)
	case err != nil:
		s.logger.Warn("Failed to read exchange rate from Redis, using last known rate",
			zap.String("key", s.key), zap.Error(err))
		return s.fallback.Rate(ctx)
	}

	rate, err := decimal.NewFromString(raw)
	if err != nil || !rate.IsPositive() {
		s.logger.Warn("Ignoring invalid exchange rate in Redis",
			zap.String("key", s.key), zap.String("value", raw))
		return s.fallback.Rate(ctx)
	}

	_ = s.fallback.Set(rate)
	return rate, nil
}
