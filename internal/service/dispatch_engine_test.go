package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
	"github.com/unclebandit/sms-dispatch/internal/gateway"
	"github.com/unclebandit/sms-dispatch/internal/model"
	"github.com/unclebandit/sms-dispatch/internal/queue"
)

func TestPrepareRecipientsCollapsesDuplicates(t *testing.T) {
	f := newFixture(t)
	c := f.manualCampaign(t, "0712345678, 0723456789, 0712345678", "Hi")

	res, err := f.engine.PrepareRecipients(context.Background(), admin, c.ID)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if res.Created != 2 {
		t.Errorf("expected 2 recipients created, got %d", res.Created)
	}
	if res.Report.Duplicates != 1 {
		t.Errorf("expected 1 duplicate, got %d", res.Report.Duplicates)
	}

	recs := f.recipients(t, c.ID)
	if len(recs) != 2 {
		t.Fatalf("expected 2 recipients, got %d", len(recs))
	}
	for _, r := range recs {
		if r.Status != model.RecipientPending {
			t.Errorf("recipient %s: expected pending, got %s", r.Phone, r.Status)
		}
	}
	if recs[0].Phone != "+254712345678" || recs[1].Phone != "+254723456789" {
		t.Errorf("unexpected phones %s, %s", recs[0].Phone, recs[1].Phone)
	}
	if got := f.status(t, c.ID); got != model.CampaignDraft {
		t.Errorf("expected campaign to stay draft, got %s", got)
	}
}

func TestPrepareRecipientsSkipsBlacklisted(t *testing.T) {
	f := newFixture(t)
	if _, err := f.blacklist.Add(context.Background(), "0723456789", model.ReasonUserRequest, ""); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	c := f.manualCampaign(t, "0712345678, 0723456789, 0712345678", "Hi")

	res, err := f.engine.PrepareRecipients(context.Background(), admin, c.ID)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if res.Report.Blacklisted != 1 {
		t.Errorf("expected 1 blacklisted, got %d", res.Report.Blacklisted)
	}
	recs := f.recipients(t, c.ID)
	if len(recs) != 1 || recs[0].Phone != "+254712345678" {
		t.Fatalf("expected only +254712345678, got %+v", recs)
	}
}

func TestPrepareRecipientsTwiceAddsNothing(t *testing.T) {
	f := newFixture(t)
	c := f.prepared(t, "0712345678, 0723456789", "Hi")

	res, err := f.engine.PrepareRecipients(context.Background(), admin, c.ID)
	if err != nil {
		t.Fatalf("prepare again: %v", err)
	}
	if res.Created != 0 || res.Report.Duplicates != 2 {
		t.Errorf("expected 0 created and 2 duplicates, got %d and %d", res.Created, res.Report.Duplicates)
	}
	if res.Stats.Total != 2 {
		t.Errorf("expected total 2, got %d", res.Stats.Total)
	}
}

func TestSendRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	f.gw.errs = []error{transientErr(), transientErr()}
	f.engine.Gateways = fakeResolver{client: gateway.NewRetryingClient(f.gw, 3, time.Second, instantClock{now: testStart}, zerolog.Nop())}
	c := f.prepared(t, "0712345678", "Hi")

	stats, err := f.engine.Send(context.Background(), admin, c.ID)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if f.gw.Calls() != 3 {
		t.Errorf("expected 3 gateway calls, got %d", f.gw.Calls())
	}
	if got := f.status(t, c.ID); got != model.CampaignCompleted {
		t.Errorf("expected completed, got %s", got)
	}
	if stats.Sent != 1 || stats.Failed != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	rec := f.recipients(t, c.ID)[0]
	if rec.Status != model.RecipientSent {
		t.Errorf("expected recipient sent, got %s", rec.Status)
	}
	if rec.RetryCount != 2 {
		t.Errorf("expected retry count 2, got %d", rec.RetryCount)
	}
	if rec.ProviderMessageID != "ATX-3" || rec.SentAt == nil {
		t.Errorf("expected provider id and sent time, got %q %v", rec.ProviderMessageID, rec.SentAt)
	}
}

func TestSendAuthFailureFailsCampaignWithoutRetries(t *testing.T) {
	f := newFixture(t)
	f.gw.always = authErr()
	f.engine.Gateways = fakeResolver{client: gateway.NewRetryingClient(f.gw, 3, time.Second, instantClock{now: testStart}, zerolog.Nop())}
	c := f.prepared(t, "0712345678, 0723456789, 0734567890", "Hi")

	stats, err := f.engine.Send(context.Background(), admin, c.ID)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := f.status(t, c.ID); got != model.CampaignFailed {
		t.Errorf("expected failed, got %s", got)
	}
	if stats.Failed != 3 || stats.Sent != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	// the first auth failure stops further gateway calls
	if f.gw.Calls() != 1 {
		t.Errorf("expected 1 gateway call, got %d", f.gw.Calls())
	}
	for _, r := range f.recipients(t, c.ID) {
		if r.Status != model.RecipientFailed || r.RetryCount != 0 {
			t.Errorf("recipient %s: status %s retries %d", r.Phone, r.Status, r.RetryCount)
		}
		if r.FailureReason == "" {
			t.Errorf("recipient %s: expected a failure reason", r.Phone)
		}
	}
}

func TestPartialSuccessCompletes(t *testing.T) {
	f := newFixture(t)
	f.gw.errs = []error{rejectedErr()}
	f.engine.BatchSize = 2
	c := f.prepared(t, "0712345678, 0723456789, 0734567890", "Hi")

	stats, err := f.engine.Send(context.Background(), admin, c.ID)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := f.status(t, c.ID); got != model.CampaignCompleted {
		t.Errorf("expected completed, got %s", got)
	}
	if stats.Sent+stats.Failed+stats.Pending != stats.Total {
		t.Errorf("aggregate mismatch %+v", stats)
	}
	if stats.Sent != 2 || stats.Failed != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if !stats.TotalCost.Equal(f.gw.costOf(2)) {
		t.Errorf("expected cost %s, got %s", f.gw.costOf(2), stats.TotalCost)
	}

	saved, _ := f.store.Campaigns().GetByID(context.Background(), c.ID)
	if saved.Stats.Total != 3 || saved.Stats.Sent != 2 {
		t.Errorf("checkpoint not persisted: %+v", saved.Stats)
	}
}

func TestMinSuccessRateFailsCampaign(t *testing.T) {
	f := newFixture(t)
	f.gw.errs = []error{rejectedErr(), rejectedErr()}
	f.engine.MinSuccessRate = 50
	c := f.prepared(t, "0712345678, 0723456789, 0734567890", "Hi")

	if _, err := f.engine.Send(context.Background(), admin, c.ID); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := f.status(t, c.ID); got != model.CampaignFailed {
		t.Errorf("expected failed below success rate, got %s", got)
	}
}

func TestAggregatesHoldAtEveryCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.gw.errs = []error{nil, rejectedErr(), nil, rejectedErr()}
	f.engine.BatchSize = 1
	c := f.prepared(t, "0712345678, 0723456789, 0734567890, 0745678901, 0756789012", "Hi")

	f.gw.onSend = func(call int) {
		stats, err := f.store.Recipients().Stats(context.Background(), c.ID)
		if err != nil {
			t.Errorf("stats: %v", err)
			return
		}
		if stats.Sent+stats.Failed+stats.Pending != stats.Total {
			t.Errorf("call %d: aggregate mismatch %+v", call, stats)
		}
	}
	if _, err := f.engine.Send(context.Background(), admin, c.ID); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestCancelStopsBetweenBatches(t *testing.T) {
	f := newFixture(t)
	f.engine.BatchSize = 1
	c := f.prepared(t, "0712345678, 0723456789, 0734567890", "Hi")

	f.gw.onSend = func(call int) {
		if call == 1 {
			if _, err := f.engine.Cancel(context.Background(), c.ID); err != nil {
				t.Errorf("cancel: %v", err)
			}
		}
	}
	stats, err := f.engine.Send(context.Background(), admin, c.ID)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := f.status(t, c.ID); got != model.CampaignCancelled {
		t.Errorf("expected cancelled, got %s", got)
	}
	if f.gw.Calls() != 1 {
		t.Errorf("expected the in-flight batch only, got %d calls", f.gw.Calls())
	}
	if stats.Sent != 1 || stats.Pending != 2 {
		t.Errorf("expected 1 sent and 2 pending, got %+v", stats)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	f := newFixture(t)
	c := f.prepared(t, "0712345678", "Hi")
	if _, err := f.engine.Send(context.Background(), admin, c.ID); err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := f.engine.Send(context.Background(), admin, c.ID); !errors.Is(err, appErrors.ErrInvalidTransition) {
		t.Errorf("send completed: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.engine.Cancel(context.Background(), c.ID); !errors.Is(err, appErrors.ErrInvalidTransition) {
		t.Errorf("cancel completed: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.engine.Schedule(context.Background(), admin, c.ID, testStart.Add(time.Hour)); !errors.Is(err, appErrors.ErrInvalidTransition) {
		t.Errorf("schedule completed: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.engine.PrepareRecipients(context.Background(), admin, c.ID); !errors.Is(err, appErrors.ErrInvalidTransition) {
		t.Errorf("prepare completed: expected ErrInvalidTransition, got %v", err)
	}
	if got := f.status(t, c.ID); got != model.CampaignCompleted {
		t.Errorf("expected completed, got %s", got)
	}
}

func TestSendPreconditions(t *testing.T) {
	tests := []struct {
		name    string
		numbers string
		message string
		setup   func(f *fixture)
		want    error
	}{
		{"empty message", "0712345678", "  ", nil, appErrors.ErrEmptyMessage},
		{"no recipients", "", "Hi", nil, appErrors.ErrNoRecipients},
		{"no gateway", "0712345678", "Hi", func(f *fixture) {
			f.engine.Gateways = fakeResolver{err: appErrors.ErrNoGatewayConfigured}
		}, appErrors.ErrNoGatewayConfigured},
		{"credit", "0712345678", "Hi", func(f *fixture) {
			f.engine.Credit = fakeCredit{reason: "SMS credit is exhausted."}
		}, appErrors.ErrInsufficientCredit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c := f.prepared(t, tt.numbers, tt.message)
			if tt.setup != nil {
				tt.setup(f)
			}
			_, err := f.engine.Send(context.Background(), admin, c.ID)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if got := f.status(t, c.ID); got != model.CampaignDraft {
				t.Errorf("expected draft after refused send, got %s", got)
			}
			if f.gw.Calls() != 0 {
				t.Errorf("expected no gateway calls, got %d", f.gw.Calls())
			}
		})
	}
}

func TestRetryFailedResendsOnlyFailed(t *testing.T) {
	f := newFixture(t)
	f.gw.errs = []error{nil, rejectedErr()}
	c := f.prepared(t, "0712345678, 0723456789", "Hi")
	if _, err := f.engine.Send(context.Background(), admin, c.ID); err != nil {
		t.Fatalf("send: %v", err)
	}

	stats, err := f.engine.RetryFailed(context.Background(), admin, c.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if stats.Sent != 2 || stats.Failed != 0 {
		t.Errorf("unexpected stats after retry %+v", stats)
	}
	if f.gw.Calls() != 3 {
		t.Errorf("expected 3 gateway calls, got %d", f.gw.Calls())
	}
	if got := f.gw.sentTo[2]; got != "+254723456789" {
		t.Errorf("expected retry to go to the failed number, got %s", got)
	}
	if got := f.status(t, c.ID); got != model.CampaignCompleted {
		t.Errorf("expected completed, got %s", got)
	}

	if _, err := f.engine.RetryFailed(context.Background(), admin, c.ID); !errors.Is(err, appErrors.ErrNoFailedRecipients) {
		t.Errorf("expected ErrNoFailedRecipients, got %v", err)
	}
}

func TestScheduleAndProcessDue(t *testing.T) {
	f := newFixture(t)
	q := &recordingQueue{}
	f.engine.Queue = q
	c := f.prepared(t, "0712345678", "Hi")

	if _, err := f.engine.Schedule(context.Background(), admin, c.ID, testStart.Add(-time.Minute)); !errors.Is(err, appErrors.ErrScheduleInPast) {
		t.Fatalf("expected ErrScheduleInPast, got %v", err)
	}
	if _, err := f.engine.Schedule(context.Background(), admin, c.ID, testStart.Add(time.Hour)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got := f.status(t, c.ID); got != model.CampaignScheduled {
		t.Fatalf("expected scheduled, got %s", got)
	}

	started, err := f.engine.ProcessDue(context.Background(), testStart.Add(30*time.Minute))
	if err != nil || started != 0 {
		t.Fatalf("expected nothing due yet, got %d, %v", started, err)
	}
	started, err = f.engine.ProcessDue(context.Background(), testStart.Add(2*time.Hour))
	if err != nil || started != 1 {
		t.Fatalf("expected 1 started, got %d, %v", started, err)
	}
	if got := f.status(t, c.ID); got != model.CampaignInProgress {
		t.Errorf("expected in progress, got %s", got)
	}

	jobs := q.published[queue.TopicCampaignSends]
	if len(jobs) != 1 {
		t.Fatalf("expected 1 send job, got %d", len(jobs))
	}
	job := jobs[0].(queue.SendJob)
	if job.CampaignID != c.ID || job.Kind != queue.SendInitial || job.CorrelationID == "" {
		t.Errorf("unexpected job %+v", job)
	}

	// the worker side
	if _, err := f.engine.RunPending(context.Background(), job.CampaignID); err != nil {
		t.Fatalf("run pending: %v", err)
	}
	if got := f.status(t, c.ID); got != model.CampaignCompleted {
		t.Errorf("expected completed, got %s", got)
	}
}

func TestScheduledCampaignCanBeCancelled(t *testing.T) {
	f := newFixture(t)
	c := f.prepared(t, "0712345678", "Hi")
	if _, err := f.engine.Schedule(context.Background(), admin, c.ID, testStart.Add(time.Hour)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := f.engine.Cancel(context.Background(), c.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	started, _ := f.engine.ProcessDue(context.Background(), testStart.Add(2*time.Hour))
	if started != 0 {
		t.Errorf("cancelled campaign must not start, started %d", started)
	}
}

func TestHandleDeliveryReport(t *testing.T) {
	f := newFixture(t)
	f.engine.BlacklistOnBounce = true
	c := f.prepared(t, "0712345678, 0723456789", "Hi")
	if _, err := f.engine.Send(context.Background(), admin, c.ID); err != nil {
		t.Fatalf("send: %v", err)
	}
	ctx := context.Background()

	res, err := f.engine.HandleDeliveryReport(ctx, "ATX-1", "Delivered", "")
	if err != nil {
		t.Fatalf("delivered: %v", err)
	}
	if !res.Applied || res.Recipient.Status != model.RecipientDelivered || res.Recipient.DeliveredAt == nil {
		t.Errorf("unexpected result %+v", res)
	}

	res, err = f.engine.HandleDeliveryReport(ctx, "ATX-1", "Failed", "")
	if err != nil {
		t.Fatalf("late failure: %v", err)
	}
	if res.Applied {
		t.Error("delivered recipient must not move back to failed")
	}

	res, err = f.engine.HandleDeliveryReport(ctx, "ATX-2", "Mystery", "")
	if err != nil || res.Applied {
		t.Errorf("unknown status should be ignored, got %+v, %v", res, err)
	}

	res, err = f.engine.HandleDeliveryReport(ctx, "ATX-2", "Failed", "InvalidPhoneNumber")
	if err != nil {
		t.Fatalf("failure: %v", err)
	}
	if !res.Applied || res.Recipient.Status != model.RecipientFailed || res.Recipient.FailureReason != "InvalidPhoneNumber" {
		t.Errorf("unexpected result %+v", res)
	}
	if ok, _ := f.blacklist.IsBlacklisted(ctx, "+254723456789"); !ok {
		t.Error("bounced number should be blacklisted")
	}

	stats, _ := f.engine.Stats(ctx, c.ID)
	if stats.Sent != 1 || stats.Delivered != 1 || stats.Failed != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}

	if _, err := f.engine.HandleDeliveryReport(ctx, "nope", "Delivered", ""); !appErrors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestPreviewPersonalizes(t *testing.T) {
	f := newFixture(t)
	c, err := f.campaigns.CreateCampaign(context.Background(), admin, CreateCampaignInput{
		Name:         "Fees",
		Target:       model.Target{Kind: model.TargetAdhoc, CSV: "name,phone\nJane Wanjiru,0712345678\n"},
		Message:      "Hi {first_name}, fees are due.",
		Personalized: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.engine.PrepareRecipients(context.Background(), admin, c.ID); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	p, err := f.engine.Preview(context.Background(), c.ID, 0, nil)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if p.Message != "Hi Jane, fees are due." {
		t.Errorf("unexpected preview %q", p.Message)
	}
	if p.Segments.Segments != 1 || p.Phone != "+254712345678" {
		t.Errorf("unexpected preview %+v", p)
	}

	override := "Dear {name}"
	p, err = f.engine.Preview(context.Background(), c.ID, p.RecipientID, &override)
	if err != nil {
		t.Fatalf("preview override: %v", err)
	}
	if p.Message != "Dear Jane Wanjiru" {
		t.Errorf("unexpected override preview %q", p.Message)
	}
}

func TestListRecipientsPagination(t *testing.T) {
	f := newFixture(t)
	c := f.prepared(t, "0712345678, 0723456789, 0734567890", "Hi")

	recs, pagination, err := f.engine.ListRecipients(context.Background(), c.ID, "", 1, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || pagination["total_count"] != 3 || pagination["total_pages"] != 2 {
		t.Errorf("unexpected page %d, %+v", len(recs), pagination)
	}
}

func TestSendWhileInProgressDoesNotResend(t *testing.T) {
	f := newFixture(t)
	c := f.prepared(t, "0712345678, 0723456789", "Hi")
	ctx := context.Background()

	var nested model.CampaignStats
	var nestedErr error
	f.gw.onSend = func(call int) {
		if call == 1 {
			nested, nestedErr = f.engine.Send(ctx, admin, c.ID)
		}
	}

	stats, err := f.engine.Send(ctx, admin, c.ID)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if nestedErr != nil {
		t.Fatalf("second send: %v", nestedErr)
	}
	if f.gw.Calls() != 2 {
		t.Errorf("expected one gateway call per recipient, got %d", f.gw.Calls())
	}
	if nested.Pending != 2 {
		t.Errorf("expected the second send to see both recipients in flight, got %+v", nested)
	}
	if stats.Sent != 2 || stats.Pending != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if got := f.status(t, c.ID); got != model.CampaignCompleted {
		t.Errorf("expected completed, got %s", got)
	}
}

func TestParallelSendsStayUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	f.engine.Concurrency = 4
	f.engine.BatchSize = 10

	numbers := make([]string, 25)
	for i := range numbers {
		numbers[i] = fmt.Sprintf("07123456%02d", i)
	}
	c := f.prepared(t, strings.Join(numbers, ", "), "Hi")

	var active, peak int32
	f.gw.onSend = func(int) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&active, -1)
	}

	stats, err := f.engine.Send(context.Background(), admin, c.ID)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if f.gw.Calls() != 25 {
		t.Errorf("expected 25 gateway calls, got %d", f.gw.Calls())
	}
	seen := map[string]bool{}
	for _, to := range f.gw.sentTo {
		if seen[to] {
			t.Errorf("%s sent twice", to)
		}
		seen[to] = true
	}
	if p := atomic.LoadInt32(&peak); p > 4 || p < 2 {
		t.Errorf("expected between 2 and 4 concurrent sends, peak was %d", p)
	}
	if stats.Sent != 25 || stats.Pending != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestRunPendingFailsStaleClaims(t *testing.T) {
	f := newFixture(t)
	c := f.prepared(t, "0712345678, 0723456789", "Hi")
	ctx := context.Background()
	if _, err := f.engine.BeginSend(ctx, admin, c.ID); err != nil {
		t.Fatalf("begin: %v", err)
	}

	// A run that died an hour ago after claiming the first recipient.
	f.store.Now = func() time.Time { return testStart.Add(-time.Hour) }
	if claimed, err := f.store.Recipients().ClaimPending(ctx, c.ID, 1); err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	f.store.Now = func() time.Time { return testStart }

	stats, err := f.engine.RunPending(ctx, c.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.gw.Calls() != 1 || f.gw.sentTo[0] != "+254723456789" {
		t.Errorf("expected only the unclaimed recipient sent, got %v", f.gw.sentTo)
	}
	if stats.Sent != 1 || stats.Failed != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	rec := f.recipients(t, c.ID)[0]
	if rec.Status != model.RecipientFailed || rec.FailureReason != interruptedReason {
		t.Errorf("expected stale claim failed, got %s %q", rec.Status, rec.FailureReason)
	}
	if got := f.status(t, c.ID); got != model.CampaignCompleted {
		t.Errorf("expected completed, got %s", got)
	}
}
