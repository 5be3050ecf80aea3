// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// IsSQLiteConflictError reports whether err is a SQLITE_BUSY or
// "database is locked" error, both of which are worth retrying.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// RetryPolicy bounds RetryOnConflict.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetryPolicy retries three times with 100ms, 200ms backoff.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: 100 * time.Millisecond}

// RetryOnConflict runs fn until it succeeds, fails with a non-conflict error,
// runs out of attempts or ctx is done. Delays double after each attempt.
func RetryOnConflict(ctx context.Context, p RetryPolicy, op string, fn func() error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	var err error
	for i := 0; i < p.Attempts; i++ {
		if err = fn(); err == nil || !IsSQLiteConflictError(err) {
			return err
		}
		if i == p.Attempts-1 {
			break
		}
		delay := p.BaseDelay * time.Duration(1<<i)
		slog.Debug("SQLite conflict, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
