package persistence

import (
	"context"
	"errors"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/hugo-lorenzo-mato/tapflow/internal/core"
	"github.com/hugo-lorenzo-mato/tapflow/internal/logging"
)

const (
	maxRetries     = 3
	retryBaseDelay = 100 * time.Millisecond
)

// isBusy reports whether err is SQLite lock contention worth retrying.
func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

// withRetry runs op up to maxRetries times with exponential backoff on
// busy/locked errors. Not-found and other definitive errors fail
// immediately. Exhausted retries surface as a store error wrapping the last
// busy condition.
func withRetry(ctx context.Context, logger *logging.Logger, name string, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		lastErr = err

		if attempt < maxRetries-1 {
			delay := retryBaseDelay << attempt
			logger.Warn("store busy, retrying",
				"op", name,
				"attempt", attempt+1,
				"delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	logger.Error("store busy, retries exhausted", "op", name, "error", lastErr)
	return core.ErrStore("retries_exhausted", name+" failed after retries").WithCause(lastErr)
}
