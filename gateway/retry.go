package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"
)

// Retry runs fn up to attempts times, retrying only while fn's error wraps ErrTransient —
// spec.md §7's "transient upstream errors retry with bounded exponential backoff inside the
// tick deadline". Any other error, a nil error, or ctx cancellation returns immediately.
func Retry(ctx context.Context, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 3 * time.Second, Factor: 2, Jitter: true}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrTransient) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(b.Duration()):
		}
	}
	return err
}
