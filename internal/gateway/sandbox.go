package gateway

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sandbox is an in-process provider for local runs. It charges a fixed
// price per segment against a simulated balance and never touches the
// network.
type Sandbox struct {
	mu         sync.Mutex
	balance    decimal.Decimal
	perSegment decimal.Decimal
	currency   string
	sent       int
}

func NewSandbox(balance, perSegment decimal.Decimal) *Sandbox {
	return &Sandbox{balance: balance, perSegment: perSegment, currency: "KES"}
}

func (s *Sandbox) Send(ctx context.Context, to, body string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, newError(KindTimeout, 0, "%v", err)
	}
	cost := s.perSegment.Mul(decimal.NewFromInt(int64(Segments(body).Segments)))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balance.LessThan(cost) {
		return Result{}, newError(KindInsufficientBalance, 405, "sandbox balance %s below cost %s", s.balance, cost)
	}
	s.balance = s.balance.Sub(cost)
	s.sent++
	return Result{
		ProviderMessageID: "SBX-" + uuid.NewString(),
		Cost:              cost,
		Status:            "Success",
	}, nil
}

func (s *Sandbox) Balance(ctx context.Context) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Balance{Amount: s.balance, Currency: s.currency}, nil
}

// Sent returns how many messages the sandbox has accepted.
func (s *Sandbox) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}
