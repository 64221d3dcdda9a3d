package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Schedule runs a sweep followed by a confirmation pass on the cron spec (seconds field
// optional). Overlapping runs are skipped. The caller starts and stops the returned cron.
func (s *Sweeper) Schedule(ctx context.Context, spec string, runTimeout time.Duration) (*cron.Cron, error) {
	logger := cronLogger{logger: s.logger.Sugar()}
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		cron.WithLogger(logger),
	)

	_, err := c.AddFunc(spec, func() {
		rctx, cancel := context.WithTimeout(ctx, runTimeout)
		defer cancel()

		if _, err := s.Sweep(rctx); err != nil {
			s.logger.Error("Scheduled sweep failed", zap.Error(err))
		}
		if _, err := s.ConfirmSubmitted(rctx); err != nil {
			s.logger.Error("Sweep confirmation failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return c, nil
}
