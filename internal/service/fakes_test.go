package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/unclebandit/sms-dispatch/internal/directory"
	"github.com/unclebandit/sms-dispatch/internal/gateway"
	"github.com/unclebandit/sms-dispatch/internal/model"
	"github.com/unclebandit/sms-dispatch/internal/repository/memory"
)

// fakeGateway returns the queued errors first, then succeeds.
type fakeGateway struct {
	mu       sync.Mutex
	errs     []error
	always   error
	calls    int
	sentTo   []string
	balance  decimal.Decimal
	balCalls int
	// balErrs fail the next Balance calls in order.
	balErrs []error
	onSend  func(call int)
}

func (f *fakeGateway) Send(ctx context.Context, to, body string) (gateway.Result, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.sentTo = append(f.sentTo, to)
	var err error
	if f.always != nil {
		err = f.always
	} else if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if err != nil {
		return gateway.Result{}, err
	}
	return gateway.Result{
		ProviderMessageID: fmt.Sprintf("ATX-%d", call),
		Cost:              decimal.RequireFromString("0.80"),
		Status:            "Success",
	}, nil
}

func (f *fakeGateway) Balance(ctx context.Context) (gateway.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balCalls++
	if len(f.balErrs) > 0 {
		err := f.balErrs[0]
		f.balErrs = f.balErrs[1:]
		return gateway.Balance{}, err
	}
	return gateway.Balance{Amount: f.balance, Currency: "KES"}, nil
}

func (f *fakeGateway) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeResolver struct {
	client gateway.Client
	err    error
}

func (r fakeResolver) Resolve(ctx context.Context, gatewayID *int) (gateway.Client, *model.GatewayConfiguration, error) {
	if r.err != nil {
		return nil, nil, r.err
	}
	return r.client, &model.GatewayConfiguration{ID: 1, Name: "primary", Type: model.GatewayAfricasTalking, Active: true, IsDefault: true}, nil
}

type fakeCredit struct {
	allowed bool
	reason  string
}

func (c fakeCredit) CheckCanSend(ctx context.Context, role model.Role) (bool, string) {
	return c.allowed, c.reason
}

// instantClock never waits.
type instantClock struct{ now time.Time }

func (c instantClock) Now() time.Time { return c.now }
func (c instantClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}

type recordingQueue struct {
	mu        sync.Mutex
	published map[string][]any
}

func (q *recordingQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.published == nil {
		q.published = map[string][]any{}
	}
	q.published[topic] = append(q.published[topic], payload)
	return nil
}

func (q *recordingQueue) Subscribe(topic string, handler func(payload any) error) error { return nil }

func transientErr() error {
	return &gateway.SendError{Kind: gateway.KindConnection, Message: "connection reset"}
}

func authErr() error {
	return &gateway.SendError{Kind: gateway.KindAuthFailure, Message: "invalid api key", StatusCode: 401}
}

func rejectedErr() error {
	return &gateway.SendError{Kind: gateway.KindRejected, Message: "InvalidPhoneNumber", StatusCode: 403}
}

var (
	admin     = model.Caller{UserID: 1, Role: model.RoleSystemAdmin}
	basicUser = model.Caller{UserID: 7, Role: model.RoleBasicUser, DepartmentID: 3}
	testStart = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
)

type fixture struct {
	store     *memory.Store
	gw        *fakeGateway
	dir       *directory.Static
	blacklist *BlacklistRegistry
	campaigns *CampaignService
	engine    *DispatchEngine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	store.Now = func() time.Time { return testStart }
	gw := &fakeGateway{balance: decimal.NewFromInt(1000)}
	dir := &directory.Static{}
	log := zerolog.Nop()

	blacklist := &BlacklistRegistry{Repo: store.Blacklist(), Log: log}
	resolver := &RecipientResolver{Directory: dir, Blacklist: blacklist, Log: log}
	f := &fixture{
		store:     store,
		gw:        gw,
		dir:       dir,
		blacklist: blacklist,
		campaigns: &CampaignService{CampaignRepo: store.Campaigns(), RecipientRepo: store.Recipients(), Log: log},
		engine: &DispatchEngine{
			Campaigns:   store.Campaigns(),
			Recipients:  store.Recipients(),
			Resolver:    resolver,
			Gateways:    fakeResolver{client: gw},
			Credit:      fakeCredit{allowed: true},
			Blacklist:   blacklist,
			Clock:       instantClock{now: testStart},
			Log:         log,
			Concurrency: 1,
		},
	}
	return f
}

func (f *fixture) manualCampaign(t *testing.T, numbers, message string) *model.Campaign {
	t.Helper()
	c, err := f.campaigns.CreateCampaign(context.Background(), admin, CreateCampaignInput{
		Name:    "Exam timetable",
		Target:  model.Target{Kind: model.TargetManual, ManualNumbers: numbers},
		Message: message,
	})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return c
}

func (f *fixture) prepared(t *testing.T, numbers, message string) *model.Campaign {
	t.Helper()
	c := f.manualCampaign(t, numbers, message)
	if _, err := f.engine.PrepareRecipients(context.Background(), admin, c.ID); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	return c
}

func (f *fixture) status(t *testing.T, id int) model.CampaignStatus {
	t.Helper()
	c, err := f.store.Campaigns().GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	return c.Status
}

func (f *fixture) recipients(t *testing.T, id int) []*model.Recipient {
	t.Helper()
	recs, _, err := f.store.Recipients().ListByCampaign(context.Background(), id, "", 0, 0)
	if err != nil {
		t.Fatalf("list recipients: %v", err)
	}
	return recs
}

func (f *fakeGateway) costOf(n int) decimal.Decimal {
	return decimal.RequireFromString("0.80").Mul(decimal.NewFromInt(int64(n)))
}

func decimalOf(s string) decimal.Decimal { return decimal.RequireFromString(s) }
