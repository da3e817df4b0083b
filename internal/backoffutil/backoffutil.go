// Package backoffutil holds the retry helpers shared by every component
// that dials an external peer (MQTT broker, SSH, Moonraker, Obico REST):
// a PermanentIfCancel wrapper so a cancelled context stops cenkalti/
// backoff's retry loop instead of retrying forever.
package backoffutil

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

// PermanentIfCancel turns a context-cancellation error into a
// backoff.PermanentError so backoff.Retry gives up immediately instead
// of retrying a doomed operation.
func PermanentIfCancel(ctx context.Context, err error) error {
	if err == nil {
		return err
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return &backoff.PermanentError{Err: err}
	}
	select {
	case <-ctx.Done():
		return &backoff.PermanentError{Err: err}
	default:
	}
	return err
}

// NewExponential builds the standard "retry forever, capped interval"
// backoff used across components.
func NewExponential() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0 // caller controls overall deadline via ctx
	return b
}
