package utils

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrPollTimeout = errors.New("condition not met before deadline")

// PollUntil calls probe back to back, without sleeping, until it reports
// done, returns an error, the context ends or timeout elapses. A zero
// timeout polls for as long as the context allows.
func PollUntil(ctx context.Context, timeout time.Duration, probe func() (done bool, err error)) error {
	deadline := time.Now().Add(timeout)

	for {
		done, err := probe()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if timeout > 0 && time.Now().After(deadline) {
			return fmt.Errorf("%w (%v)", ErrPollTimeout, timeout)
		}
	}
}
