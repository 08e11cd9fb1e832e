// Package retry executes provider calls under the provider's shared rate
// limiter with bounded exponential backoff between attempts.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/omnivault/sync-engine/config"
	"github.com/omnivault/sync-engine/provider"
	"github.com/omnivault/sync-engine/ratelimit"
)

// defaultQuotaDelay stands in when a quota response carries no Retry-After;
// depleted pools refill on day boundaries, so an hour is optimistic already.
const defaultQuotaDelay = time.Hour

// jitterFactor spreads retry delays so concurrent jobs hitting the same
// provider do not retry in lockstep.
const jitterFactor = 0.25

// Client runs operations against one provider. Every attempt passes through
// the shared rate limiter, so retries compete with fresh calls instead of
// bypassing the limit.
type Client struct {
	limiter *ratelimit.Limiter
	cfg     config.Retry
	log     *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func New(limiter *ratelimit.Limiter, cfg config.Retry, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		limiter: limiter,
		cfg:     cfg,
		log:     logger,
		sleep:   sleepCtx,
	}
}

type callOptions struct {
	reauth func(ctx context.Context) error
}

// Option adjusts a single Do call.
type Option func(*callOptions)

// WithReauth installs the refresh hook invoked on the first 401. A
// successful refresh earns one extra attempt that does not count against
// the retry budget; a second 401 propagates.
func WithReauth(fn func(ctx context.Context) error) Option {
	return func(o *callOptions) {
		o.reauth = fn
	}
}

// Do runs fn until it succeeds, fails terminally, or the retry budget is
// spent. MaxRetries bounds the retries, not the attempts: the initial call
// plus up to MaxRetries more. A Retry-After supplied by the provider
// overrides the computed backoff delay for that attempt.
func (c *Client) Do(ctx context.Context, op string, fn func(context.Context) error, opts ...Option) error {
	var options callOptions
	for _, o := range opts {
		o(&options)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialDelay
	bo.Multiplier = c.cfg.Multiplier
	bo.MaxInterval = c.cfg.MaxDelay
	bo.RandomizationFactor = jitterFactor
	bo.MaxElapsedTime = 0
	bo.Reset()

	refreshed := false

	for attempt := 1; ; attempt++ {
		err := c.attempt(ctx, fn)
		if err == nil {
			return nil
		}

		ce := provider.Classify("", err)

		if ce.Reauth {
			if options.reauth == nil || refreshed {
				return fmt.Errorf("%s: %w", op, err)
			}

			refreshed = true

			if rerr := options.reauth(ctx); rerr != nil {
				return fmt.Errorf("%s: credential refresh failed: %w", op, rerr)
			}

			c.log.Debug("credential refreshed after 401, retrying", zap.String("op", op))

			// The post-refresh attempt is free.
			attempt--

			continue
		}

		if !ce.Retryable {
			return fmt.Errorf("%s: %w", op, err)
		}

		delay := bo.NextBackOff()
		if ce.RetryAfter > 0 {
			delay = ce.RetryAfter
		}

		if ce.Quota {
			if ce.RetryAfter <= 0 {
				delay = defaultQuotaDelay
			}

			if delay > c.cfg.QuotaGiveUp {
				return fmt.Errorf("%s: quota exhausted, provider asks to wait %s (give-up bound %s): %w",
					op, delay, c.cfg.QuotaGiveUp, err)
			}
		}

		if attempt > c.cfg.MaxRetries {
			return fmt.Errorf("%s: retries exhausted after %d attempts: %w", op, attempt, err)
		}

		c.log.Warn("provider call failed, backing off",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		if serr := c.sleep(ctx, delay); serr != nil {
			return fmt.Errorf("%s: %w", op, serr)
		}
	}
}

// attempt holds a rate-limiter slot for the duration of one call.
func (c *Client) attempt(ctx context.Context, fn func(context.Context) error) error {
	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return fn(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
