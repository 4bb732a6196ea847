package gateway

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedClient caps outgoing calls with a token bucket so parallel
// batch sends stay inside the provider's throughput limit.
type RateLimitedClient struct {
	Next    Client
	Limiter *rate.Limiter
}

func NewRateLimitedClient(next Client, perSecond float64, burst int) *RateLimitedClient {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &RateLimitedClient{Next: next, Limiter: rate.NewLimiter(limit, burst)}
}

func (c *RateLimitedClient) Send(ctx context.Context, to, body string) (Result, error) {
	if err := c.Limiter.Wait(ctx); err != nil {
		return Result{}, newError(KindTimeout, 0, "rate limiter: %v", err)
	}
	return c.Next.Send(ctx, to, body)
}

func (c *RateLimitedClient) Balance(ctx context.Context) (Balance, error) {
	if err := c.Limiter.Wait(ctx); err != nil {
		return Balance{}, newError(KindTimeout, 0, "rate limiter: %v", err)
	}
	return c.Next.Balance(ctx)
}
