package watcher

import (
	"context"
	"time"

	"codeberg.org/mutker/orinwatch/internal/errors"
	"codeberg.org/mutker/orinwatch/internal/logger"
	"codeberg.org/mutker/orinwatch/internal/shm"
	"codeberg.org/mutker/orinwatch/internal/telemetry"
	"github.com/cenkalti/backoff/v4"
)

const (
	attachInitialInterval = 100 * time.Millisecond
	attachMaxInterval     = 5 * time.Second
)

// RetryAttach returns an AttachFunc that waits for a publisher to create the
// region. It retries only while the region is missing or not yet sized and
// gives up after maxWait; zero waits until ctx is done.
func RetryAttach(opts telemetry.Options, maxWait time.Duration) AttachFunc {
	return func(ctx context.Context) (telemetry.Reader, error) {
		var sub *telemetry.Subscriber

		operation := func() error {
			s, err := telemetry.NewSubscriber(ctx, opts)
			if err != nil {
				if retryable(err) {
					return err
				}
				return backoff.Permanent(err)
			}
			sub = s
			return nil
		}

		notify := func(err error, next time.Duration) {
			logger.Debug().
				Str("name", opts.Name).
				Str("retry_in", next.String()).
				Str("reason", string(errors.CodeOf(errors.Unwrap(err)))).
				Msg("Telemetry region not ready")
		}

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = attachInitialInterval
		b.MaxInterval = attachMaxInterval
		b.MaxElapsedTime = maxWait

		if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
			return nil, err
		}

		logger.Info().Str("name", opts.Name).Msg("Attached to telemetry region")

		return sub, nil
	}
}

func retryable(err error) bool {
	return errors.HasCode(err, shm.ErrNotFound) || errors.HasCode(err, shm.ErrSizeMismatch)
}
