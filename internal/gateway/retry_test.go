package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
)

// scriptedClient returns errs[i] on the i-th call, then succeeds.
type scriptedClient struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (c *scriptedClient) Send(ctx context.Context, to, body string) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= len(c.errs) {
		return Result{}, c.errs[c.calls-1]
	}
	return Result{ProviderMessageID: "ATPid_1", Cost: decimal.RequireFromString("0.8"), Status: "Success"}, nil
}

func (c *scriptedClient) Balance(ctx context.Context) (Balance, error) {
	return Balance{Amount: decimal.NewFromInt(10)}, nil
}

// recordingClock never blocks and remembers requested delays.
type recordingClock struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (c *recordingClock) Now() time.Time { return time.Unix(0, 0) }

func (c *recordingClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Unix(0, 0)
	return ch
}

func TestRetryingClientRetriesTransientThenSucceeds(t *testing.T) {
	next := &scriptedClient{errs: []error{
		newError(KindConnection, 0, "connection refused"),
		newError(KindTimeout, 0, "deadline exceeded"),
	}}
	clk := &recordingClock{}
	c := NewRetryingClient(next, 3, time.Second, clk, zerolog.Nop())

	res, err := c.Send(context.Background(), "+254712345678", "Hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if next.calls != 3 {
		t.Errorf("calls = %d, want 3", next.calls)
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(clk.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", clk.delays, want)
	}
	for i := range want {
		if clk.delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, clk.delays[i], want[i])
		}
	}
}

func TestRetryingClientDoesNotRetryPermanentErrors(t *testing.T) {
	tests := []struct {
		name string
		kind ErrorKind
		want error
	}{
		{"auth", KindAuthFailure, appErrors.ErrGatewayAuthFailure},
		{"rejected", KindRejected, appErrors.ErrGatewayRejected},
		{"balance", KindInsufficientBalance, appErrors.ErrInsufficientCredit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := &scriptedClient{errs: []error{newError(tt.kind, 401, "nope"), nil}}
			clk := &recordingClock{}
			c := NewRetryingClient(next, 3, time.Second, clk, zerolog.Nop())

			_, err := c.Send(context.Background(), "+254712345678", "Hi")
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if next.calls != 1 {
				t.Errorf("calls = %d, want 1", next.calls)
			}
			if len(clk.delays) != 0 {
				t.Errorf("unexpected backoff %v", clk.delays)
			}
		})
	}
}

func TestRetryingClientGivesUpAfterCap(t *testing.T) {
	transient := newError(KindConnection, 0, "reset")
	next := &scriptedClient{errs: []error{transient, transient, transient, transient}}
	c := NewRetryingClient(next, 3, time.Millisecond, &recordingClock{}, zerolog.Nop())

	res, err := c.Send(context.Background(), "+254712345678", "Hi")
	if !errors.Is(err, appErrors.ErrNetworkTransient) {
		t.Fatalf("err = %v", err)
	}
	if next.calls != 3 || res.Attempts != 3 {
		t.Errorf("calls = %d attempts = %d, want 3", next.calls, res.Attempts)
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("plain error should be unknown")
	}
	if KindOf(context.DeadlineExceeded) != KindTimeout {
		t.Error("deadline should be timeout")
	}
	if !KindTimeout.Transient() || KindRejected.Transient() {
		t.Error("Transient classification wrong")
	}
}
