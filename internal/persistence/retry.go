package persistence

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

const (
	retryBaseDelay = 50 * time.Millisecond
	retryMaxDelay  = 500 * time.Millisecond
)

// retryOnBusy runs f until it succeeds, fails with something other than
// BUSY/LOCKED, or maxRetries extra attempts are used up. It sits on top of
// the driver's busy_timeout for writers that still lose the lock.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = f(); err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay(attempt)):
		}
	}
}

// retryDelay doubles from retryBaseDelay up to retryMaxDelay, then spreads
// the result by ±25%.
func retryDelay(attempt int) time.Duration {
	d := retryBaseDelay << uint(attempt)
	if d <= 0 || d > retryMaxDelay {
		d = retryMaxDelay
	}
	return d - d/4 + time.Duration(rand.Int64N(int64(d/2)))
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	// Errors that crossed a fmt.Errorf("%v") boundary lose their type.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
