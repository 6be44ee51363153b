package bgwork

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff"

	"github.com/cuemby/failover/pkg/config"
	"github.com/cuemby/failover/pkg/errcode"
)

// NewCommitPolicy backs off exponentially from CommitRetryInterval and stops
// after CommitRetryCount retries
func NewCommitPolicy(cfg config.UpgradeConfig, clk clock.Clock) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.CommitRetryInterval
	eb.MaxElapsedTime = 0
	if clk != nil {
		eb.Clock = clk
	}
	eb.Reset()
	return backoff.WithMaxRetries(eb, uint64(cfg.CommitRetryCount))
}

// Retry runs op until it succeeds, fails with a non-retryable error, ctx is
// done or b stops. Delays are measured on clk.
func Retry(ctx context.Context, clk clock.Clock, b backoff.BackOff, op func() error) error {
	if clk == nil {
		clk = clock.New()
	}
	b.Reset()
	for {
		err := op()
		if err == nil || !errcode.IsRetryable(err) {
			return err
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		timer := clk.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
