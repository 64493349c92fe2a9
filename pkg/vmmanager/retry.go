package vmmanager

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRetriesExhausted is returned when every attempt failed or was undefined.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Retry runs op until it reports success, waiting backoff, 2*backoff, ...
// between attempts. The last error (if any) is wrapped in the result.
func Retry(ctx context.Context, attempts int, backoff time.Duration, op func(context.Context) (bool, error)) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	wait := backoff
	for attempt := 1; attempt <= attempts; attempt++ {
		ok, err := op(ctx)
		if err == nil && ok {
			return nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait *= 2
	}
	if lastErr != nil {
		return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts: no confirmation from api", ErrRetriesExhausted, attempts)
}
