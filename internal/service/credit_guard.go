package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/unclebandit/sms-dispatch/internal/clock"
	"github.com/unclebandit/sms-dispatch/internal/gateway"
	"github.com/unclebandit/sms-dispatch/internal/model"
)

// GatewayResolver yields the client for a campaign's gateway, falling
// back to the default configuration when gatewayID is nil.
type GatewayResolver interface {
	Resolve(ctx context.Context, gatewayID *int) (gateway.Client, *model.GatewayConfiguration, error)
}

const DefaultBalanceTTL = 5 * time.Minute

// CreditGuard gates sending on the default gateway's account balance.
// Successful lookups are cached for TTL. A failed lookup counts as zero
// for that call only.
type CreditGuard struct {
	Gateways GatewayResolver
	Clock    clock.Clock
	TTL      time.Duration
	// Below PrivilegedThreshold only system admins may send.
	PrivilegedThreshold decimal.Decimal
	// MinimumBalance only drives the low-balance warning.
	MinimumBalance decimal.Decimal
	Log            zerolog.Logger

	mu        sync.Mutex
	cached    *gateway.Balance
	fetchedAt time.Time
}

type BalanceReport struct {
	Balance             decimal.Decimal `json:"balance"`
	Currency            string          `json:"currency"`
	FetchedAt           time.Time       `json:"fetched_at"`
	Low                 bool            `json:"low_balance"`
	MinimumBalance      decimal.Decimal `json:"minimum_balance"`
	PrivilegedThreshold decimal.Decimal `json:"privileged_threshold"`
	Error               string          `json:"error,omitempty"`
}

func (g *CreditGuard) now() time.Time {
	if g.Clock == nil {
		return time.Now()
	}
	return g.Clock.Now()
}

func (g *CreditGuard) ttl() time.Duration {
	if g.TTL <= 0 {
		return DefaultBalanceTTL
	}
	return g.TTL
}

// CurrentBalance returns the cached balance unless it is older than TTL
// or force is set. A failed lookup yields zero.
func (g *CreditGuard) CurrentBalance(ctx context.Context, force bool) (gateway.Balance, time.Time) {
	bal, at, _ := g.lookup(ctx, force)
	return bal, at
}

func (g *CreditGuard) lookup(ctx context.Context, force bool) (gateway.Balance, time.Time, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if !force && g.cached != nil && now.Sub(g.fetchedAt) < g.ttl() {
		return *g.cached, g.fetchedAt, nil
	}

	bal, err := g.fetch(ctx)
	if err != nil {
		g.Log.Error().Err(err).Msg("could not fetch sms balance, treating as zero until the next lookup")
		return gateway.Balance{Amount: decimal.Zero}, now, err
	}
	g.cached = &bal
	g.fetchedAt = now
	return bal, now, nil
}

func (g *CreditGuard) fetch(ctx context.Context) (gateway.Balance, error) {
	if g.Gateways == nil {
		return gateway.Balance{}, fmt.Errorf("no gateway resolver")
	}
	client, _, err := g.Gateways.Resolve(ctx, nil)
	if err != nil {
		return gateway.Balance{}, err
	}
	return client.Balance(ctx)
}

// CheckCanSend applies the balance policy for role. The reason is meant
// for the end user.
func (g *CreditGuard) CheckCanSend(ctx context.Context, role model.Role) (bool, string) {
	bal, _, err := g.lookup(ctx, false)
	switch {
	case err != nil:
		return false, "SMS balance could not be checked. Please try again shortly."
	case !bal.Amount.IsPositive():
		return false, "SMS credit is exhausted. Please top up the account before sending."
	case bal.Amount.LessThan(g.PrivilegedThreshold) && role != model.RoleSystemAdmin:
		return false, fmt.Sprintf("SMS credit is low (%s %s). Only system administrators can send until the account is topped up.",
			bal.Currency, bal.Amount.StringFixed(2))
	}
	return true, ""
}

func (g *CreditGuard) LowBalance(ctx context.Context) bool {
	bal, _ := g.CurrentBalance(ctx, false)
	return bal.Amount.LessThan(g.MinimumBalance)
}

func (g *CreditGuard) Report(ctx context.Context, force bool) BalanceReport {
	bal, at, err := g.lookup(ctx, force)
	report := BalanceReport{
		Balance:             bal.Amount,
		Currency:            bal.Currency,
		FetchedAt:           at,
		Low:                 bal.Amount.LessThan(g.MinimumBalance),
		MinimumBalance:      g.MinimumBalance,
		PrivilegedThreshold: g.PrivilegedThreshold,
	}
	if err != nil {
		report.Error = "balance could not be checked"
	}
	return report
}

// Invalidate drops the cached balance, e.g. after the default gateway changes.
func (g *CreditGuard) Invalidate() {
	g.mu.Lock()
	g.cached = nil
	g.mu.Unlock()
}
