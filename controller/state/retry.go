package state

import (
	"context"
	"errors"
	"time"

	"github.com/flowdag/jobcontrol/controller/errs"
)

// maxRetryAttempts bounds the short in-step retry window for
// Transport and StorageError: a hung RPC or a
// transient storage hiccup gets a handful of attempts before the
// state machine gives up and surfaces the error upward.
const maxRetryAttempts = 10

var retryBackoff = 50 * time.Millisecond

// retryable runs op at most maxRetryAttempts times in total, with a
// fixed backoff between attempts, while the error is a Transport or
// StorageError kind.
// Any other error kind (or a plain error) surfaces immediately.
func retryable(ctx context.Context, op func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}

		var ce *errs.Error
		if !errors.As(err, &ce) {
			return err
		}
		if !errs.Retryable(ce.Kind) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff):
		}
	}
	return err
}
