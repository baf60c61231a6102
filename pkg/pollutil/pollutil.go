// Package pollutil is a light wrapper around the backoff library for the
// constant-interval, bounded-attempt polling the volume lifecycle needs.
package pollutil

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrNotReady is returned by a poll function to request another attempt
// without logging an error.
var ErrNotReady = errors.New("not ready")

// Poll runs fn every interval until it succeeds, the attempt budget is
// exhausted, or the context is canceled.
func Poll(ctx context.Context, what string, interval time.Duration, maxAttempts uint64, fn func() error, log logrus.FieldLogger) error {
	// the first attempt is not a retry
	retries := maxAttempts
	if retries > 0 {
		retries--
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), retries), ctx)

	notify := func(err error, wait time.Duration) {
		if log == nil {
			return
		}
		if errors.Is(err, ErrNotReady) {
			log.WithField("wait", wait).Debugf("Waiting for %s", what)
			return
		}
		log.WithError(err).WithField("wait", wait).Infof("Retrying %s", what)
	}

	if err := backoff.RetryNotify(fn, b, notify); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrapf(err, "gave up waiting for %s", what)
	}
	return nil
}
