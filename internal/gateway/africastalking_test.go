package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/sms-dispatch/internal/clock"
	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
)

func newTestAT(t *testing.T, handler http.HandlerFunc) *AfricasTalking {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewAfricasTalking("sandbox", "key-123", "STRATHU", false, 5*time.Second)
	c.BaseURL = srv.URL
	return c
}

func TestAfricasTalkingSend(t *testing.T) {
	c := newTestAT(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/version1/messaging" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("apiKey") != "key-123" {
			t.Errorf("apiKey header = %q", r.Header.Get("apiKey"))
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.PostForm.Get("to") != "+254712345678" || r.PostForm.Get("message") != "Hi" || r.PostForm.Get("from") != "STRATHU" {
			t.Errorf("form = %v", r.PostForm)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"SMSMessageData":{"Message":"Sent to 1/1 Total Cost: KES 0.8000","Recipients":[{"statusCode":101,"number":"+254712345678","status":"Success","cost":"KES 0.8000","messageId":"ATPid_abc"}]}}`))
	})

	res, err := c.Send(context.Background(), "+254712345678", "Hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.ProviderMessageID != "ATPid_abc" {
		t.Errorf("id = %q", res.ProviderMessageID)
	}
	if res.Cost.String() != "0.8" {
		t.Errorf("cost = %s", res.Cost)
	}
}

func TestAfricasTalkingErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   ErrorKind
		want   error
	}{
		{"unauthorized", 401, `The supplied authentication is invalid`, KindAuthFailure, appErrors.ErrGatewayAuthFailure},
		{"server error", 503, `unavailable`, KindUnknown, nil},
		{"recipient internal error", 201, `{"SMSMessageData":{"Recipients":[{"statusCode":500,"status":"InternalServerError","cost":"KES 0.8000","messageId":"ATXid_1"}]}}`, KindUnknown, nil},
		{"invalid number", 201, `{"SMSMessageData":{"Recipients":[{"statusCode":403,"status":"InvalidPhoneNumber","cost":"0","messageId":"None"}]}}`, KindRejected, appErrors.ErrGatewayRejected},
		{"no balance", 201, `{"SMSMessageData":{"Recipients":[{"statusCode":405,"status":"InsufficientBalance","cost":"0","messageId":"None"}]}}`, KindInsufficientBalance, appErrors.ErrInsufficientCredit},
		{"empty recipients", 201, `{"SMSMessageData":{"Message":"InvalidSenderId","Recipients":[]}}`, KindRejected, appErrors.ErrGatewayRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			c := newTestAT(t, func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			client := NewRetryingClient(c, 3, time.Millisecond, clock.Real(), zerolog.Nop())
			_, err := client.Send(context.Background(), "+254712345678", "Hi")
			if KindOf(err) != tt.kind {
				t.Errorf("kind = %s, want %s (err %v)", KindOf(err), tt.kind, err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if errors.Is(err, appErrors.ErrNetworkTransient) {
				t.Errorf("err = %v must not be transient", err)
			}
			if n := atomic.LoadInt32(&calls); n != 1 {
				t.Errorf("gateway called %d times, want exactly 1", n)
			}
		})
	}
}

func TestAfricasTalkingTimeoutIsTransient(t *testing.T) {
	c := newTestAT(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	c.HTTPClient.Timeout = 20 * time.Millisecond

	_, err := c.Send(context.Background(), "+254712345678", "Hi")
	if KindOf(err) != KindTimeout {
		t.Fatalf("kind = %s (err %v)", KindOf(err), err)
	}
}

func TestAfricasTalkingBalance(t *testing.T) {
	c := newTestAT(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/version1/user" || r.URL.Query().Get("username") != "sandbox" {
			t.Errorf("unexpected %s", r.URL)
		}
		w.Write([]byte(`{"UserData":{"balance":"KES 1234.50"}}`))
	})
	bal, err := c.Balance(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if bal.Currency != "KES" || bal.Amount.String() != "1234.5" {
		t.Errorf("balance = %+v", bal)
	}
}

func TestAfricasTalkingMissingKey(t *testing.T) {
	c := NewAfricasTalking("sandbox", "", "", true, time.Second)
	_, err := c.Send(context.Background(), "+254712345678", "Hi")
	if !errors.Is(err, appErrors.ErrGatewayAuthFailure) {
		t.Fatalf("err = %v", err)
	}
}
