package hub

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"net/http"
	"time"
)

// statusError is a download answered with an unexpected HTTP status.
type statusError struct {
	URL  string
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("download %s: status %d: %s", e.URL, e.Code, e.Body)
}

// retryable reports whether a failed download may succeed when tried again.
// Client errors are final; server errors and broken connections are not.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var se *statusError
	if errors.As(err, &se) {
		return se.Code >= http.StatusInternalServerError || se.Code == http.StatusTooManyRequests
	}

	return true
}

// backoff yields attempt numbers, sleeping between them. The delay grows
// with n^2 up to maxBackoff and is jittered by 0.5-1.5x. A done context
// yields its error once and ends the sequence.
func backoff(ctx context.Context, maxBackoff time.Duration) iter.Seq2[int, error] {
	return func(yield func(int, error) bool) {
		for n := 1; ; n++ {
			if ctx.Err() != nil {
				yield(n, ctx.Err())
				return
			}

			d := min(time.Duration(n*n)*10*time.Millisecond, maxBackoff)
			d = time.Duration(float64(d) * (rand.Float64() + 0.5))

			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
				if !yield(n, nil) {
					return
				}
			}
		}
	}
}

// retry calls f until it succeeds, fails for good or attempts run out.
func retry(ctx context.Context, attempts int, maxBackoff time.Duration, f func() error) error {
	err := f()
	if err == nil || attempts <= 1 || !retryable(err) {
		return err
	}

	for n, berr := range backoff(ctx, maxBackoff) {
		if berr != nil {
			return berr
		}

		if err = f(); err == nil || !retryable(err) || n+1 >= attempts {
			return err
		}
	}

	return err
}
