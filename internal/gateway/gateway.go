// Package gateway sends single SMS messages through a pluggable provider
// and classifies provider failures so callers can tell transient network
// trouble apart from failures that must not be retried.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
)

// Client is one provider account. Implementations must be safe for
// concurrent use.
type Client interface {
	Send(ctx context.Context, to, body string) (Result, error)
	Balance(ctx context.Context) (Balance, error)
}

type Result struct {
	ProviderMessageID string
	Cost              decimal.Decimal
	Status            string
	// Attempts is the number of provider calls made, filled in by RetryingClient.
	Attempts int
}

type Balance struct {
	Amount   decimal.Decimal
	Currency string
}

type ErrorKind string

const (
	KindConnection          ErrorKind = "connection"
	KindTimeout             ErrorKind = "timeout"
	KindAuthFailure         ErrorKind = "auth_failure"
	KindRejected            ErrorKind = "rejected"
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	KindUnknown             ErrorKind = "unknown"
)

// Transient reports whether a failure of this kind is worth retrying.
func (k ErrorKind) Transient() bool {
	return k == KindConnection || k == KindTimeout
}

// SendError is the only error type a Client returns.
type SendError struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
}

func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gateway %s: %s", e.Kind, e.Message)
}

// Unwrap maps the kind onto the application error taxonomy.
func (e *SendError) Unwrap() error {
	switch e.Kind {
	case KindConnection, KindTimeout:
		return appErrors.ErrNetworkTransient
	case KindAuthFailure:
		return appErrors.ErrGatewayAuthFailure
	case KindInsufficientBalance:
		return appErrors.ErrInsufficientCredit
	case KindRejected:
		return appErrors.ErrGatewayRejected
	}
	return nil
}

func newError(kind ErrorKind, status int, format string, args ...any) *SendError {
	return &SendError{Kind: kind, StatusCode: status, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err, KindUnknown if err is not a SendError.
func KindOf(err error) ErrorKind {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// parseMoney splits provider amounts such as "KES 0.8000".
func parseMoney(s string) (decimal.Decimal, string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, "", nil
	}
	currency := ""
	if i := strings.IndexByte(s, ' '); i > 0 {
		currency, s = s[:i], strings.TrimSpace(s[i+1:])
	}
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, currency, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return amount, currency, nil
}
