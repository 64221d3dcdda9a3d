// Package monitoring reports unexpected failures to Sentry. Without a DSN every call is a no-op.
package monitoring

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

func Init(dsn, environment string) error {
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	}); err != nil {
		return fmt.Errorf("sentry initialize failed: %w", err)
	}
	return nil
}

func Message(msg string) {
	sentry.CaptureMessage(msg)
}

func Error(err error) {
	if err == nil {
		return
	}
	sentry.CaptureException(err)
}

// Flush waits for buffered events before shutdown.
func Flush(timeout time.Duration) {
	sentry.Flush(timeout)
}
