package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/sms-dispatch/internal/clock"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// RetryingClient retries transient failures of Send with exponential
// backoff. Each call backs off independently, so one recipient waiting
// does not hold up others sharing the client. Balance is not retried.
type RetryingClient struct {
	Next        Client
	MaxAttempts int
	BaseDelay   time.Duration
	Clock       clock.Clock
	Log         zerolog.Logger
}

func NewRetryingClient(next Client, maxAttempts int, baseDelay time.Duration, clk clock.Clock, log zerolog.Logger) *RetryingClient {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &RetryingClient{Next: next, MaxAttempts: maxAttempts, BaseDelay: baseDelay, Clock: clk, Log: log}
}

func (c *RetryingClient) Send(ctx context.Context, to, body string) (Result, error) {
	delay := c.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		res, err := c.Next.Send(ctx, to, body)
		if err == nil {
			res.Attempts = attempt
			return res, nil
		}
		lastErr = err

		kind := KindOf(err)
		if !kind.Transient() || attempt == c.MaxAttempts {
			return Result{Attempts: attempt}, err
		}

		c.Log.Warn().Err(err).Str("to", to).Int("attempt", attempt).Dur("backoff", delay).Msg("transient gateway error, retrying")
		select {
		case <-ctx.Done():
			return Result{Attempts: attempt}, newError(KindTimeout, 0, "retry aborted: %v", ctx.Err())
		case <-c.Clock.After(delay):
		}
		delay *= 2
	}
	return Result{Attempts: c.MaxAttempts}, lastErr
}

func (c *RetryingClient) Balance(ctx context.Context) (Balance, error) {
	return c.Next.Balance(ctx)
}
