package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	africasTalkingLive    = "https://api.africastalking.com"
	africasTalkingSandbox = "https://api.sandbox.africastalking.com"
)

// AfricasTalking talks to the Africa's Talking bulk SMS REST API.
type AfricasTalking struct {
	Username string
	APIKey   string
	SenderID string
	Sandbox  bool
	// BaseURL overrides the live/sandbox host, used by tests.
	BaseURL    string
	HTTPClient *http.Client
}

func NewAfricasTalking(username, apiKey, senderID string, sandbox bool, timeout time.Duration) *AfricasTalking {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AfricasTalking{
		Username:   username,
		APIKey:     apiKey,
		SenderID:   senderID,
		Sandbox:    sandbox,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (c *AfricasTalking) baseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	if c.Sandbox {
		return africasTalkingSandbox
	}
	return africasTalkingLive
}

func (c *AfricasTalking) Send(ctx context.Context, to, body string) (Result, error) {
	if c.APIKey == "" {
		return Result{}, newError(KindAuthFailure, 0, "no api key configured for username %q", c.Username)
	}

	form := url.Values{}
	form.Set("username", c.Username)
	form.Set("to", to)
	form.Set("message", body)
	// The sandbox rejects unregistered sender ids.
	if c.SenderID != "" && !c.Sandbox {
		form.Set("from", c.SenderID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/version1/messaging", strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, newError(KindUnknown, 0, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	payload, err := c.do(req)
	if err != nil {
		return Result{}, err
	}

	recipients := gjson.GetBytes(payload, "SMSMessageData.Recipients")
	if !recipients.IsArray() || len(recipients.Array()) == 0 {
		msg := gjson.GetBytes(payload, "SMSMessageData.Message").String()
		if msg == "" {
			msg = "no recipients in response"
		}
		return Result{}, newError(classifyMessage(msg), 0, "%s", msg)
	}

	first := recipients.Array()[0]
	status := first.Get("status").String()
	code := int(first.Get("statusCode").Int())
	if kind, ok := classifyRecipientStatus(code); !ok {
		return Result{Status: status}, newError(kind, code, "%s", status)
	}

	cost, _, err := parseMoney(first.Get("cost").String())
	if err != nil {
		return Result{}, newError(KindUnknown, code, "%v", err)
	}
	return Result{
		ProviderMessageID: first.Get("messageId").String(),
		Cost:              cost,
		Status:            status,
	}, nil
}

func (c *AfricasTalking) Balance(ctx context.Context) (Balance, error) {
	if c.APIKey == "" {
		return Balance{}, newError(KindAuthFailure, 0, "no api key configured for username %q", c.Username)
	}
	q := url.Values{}
	q.Set("username", c.Username)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/version1/user?"+q.Encode(), nil)
	if err != nil {
		return Balance{}, newError(KindUnknown, 0, "build request: %v", err)
	}

	payload, err := c.do(req)
	if err != nil {
		return Balance{}, err
	}
	raw := gjson.GetBytes(payload, "UserData.balance")
	if !raw.Exists() {
		return Balance{}, newError(KindUnknown, 0, "balance missing from response")
	}
	amount, currency, err := parseMoney(raw.String())
	if err != nil {
		return Balance{}, newError(KindUnknown, 0, "%v", err)
	}
	return Balance{Amount: amount, Currency: currency}, nil
}

func (c *AfricasTalking) do(req *http.Request) ([]byte, error) {
	req.Header.Set("apiKey", c.APIKey)
	req.Header.Set("Accept", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		// The provider answered, so the message may already be billed.
		return nil, newError(KindUnknown, resp.StatusCode, "read response: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, newError(KindAuthFailure, resp.StatusCode,
			"credentials rejected for username %q; check the api key and that sandbox mode matches the account", c.Username)
	case resp.StatusCode >= 500:
		// Not retried: a 5xx can follow an accepted, charged send.
		return nil, newError(KindUnknown, resp.StatusCode, "%s", strings.TrimSpace(string(payload)))
	case resp.StatusCode >= 400:
		return nil, newError(KindRejected, resp.StatusCode, "%s", strings.TrimSpace(string(payload)))
	}
	if !gjson.ValidBytes(payload) {
		return nil, newError(KindUnknown, resp.StatusCode, "invalid json response")
	}
	return payload, nil
}

// classifyRecipientStatus maps the per-recipient statusCode.
func classifyRecipientStatus(code int) (ErrorKind, bool) {
	switch code {
	case 100, 101, 102:
		return "", true
	case 405:
		return KindInsufficientBalance, false
	case 500, 501:
		return KindUnknown, false
	case 401, 402, 403, 404, 406, 407, 409, 502:
		return KindRejected, false
	}
	return KindUnknown, false
}

func classifyMessage(msg string) ErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "insufficient"):
		return KindInsufficientBalance
	case strings.Contains(lower, "invalid") || strings.Contains(lower, "blacklist"):
		return KindRejected
	}
	return KindUnknown
}

func classifyTransportError(err error) *SendError {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, 0, "%v", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindTimeout, 0, "%v", err)
	}
	if errors.Is(err, context.Canceled) {
		return newError(KindUnknown, 0, "%v", err)
	}
	return newError(KindConnection, 0, "%v", fmt.Errorf("transport: %w", err))
}
