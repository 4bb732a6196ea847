package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/sms-dispatch/internal/clock"
	"github.com/unclebandit/sms-dispatch/internal/model"
	"github.com/unclebandit/sms-dispatch/internal/queue"
)

type countingDue struct {
	mu    sync.Mutex
	times []time.Time
	ticks chan struct{}
}

func (d *countingDue) ProcessDue(ctx context.Context, now time.Time) (int, error) {
	d.mu.Lock()
	d.times = append(d.times, now)
	d.mu.Unlock()
	d.ticks <- struct{}{}
	return 0, nil
}

type countingExporter struct{ runs int }

func (e *countingExporter) Export(ctx context.Context) (*ExportResult, error) {
	e.runs++
	return &ExportResult{}, nil
}

func TestSchedulerTicksOnClock(t *testing.T) {
	clk := clock.Fake(testStart)
	due := &countingDue{ticks: make(chan struct{})}
	exp := &countingExporter{}
	s := NewScheduler(due, clk, time.Minute, zerolog.Nop())
	s.Exporter = exp
	s.ExportInterval = 2 * time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	<-due.ticks
	for i := 0; i < 2; i++ {
		waitForWaiter(t, clk)
		clk.Advance(time.Minute)
		<-due.ticks
	}
	waitForWaiter(t, clk)
	cancel()
	<-done

	if len(due.times) != 3 {
		t.Fatalf("expected 3 ticks, got %d", len(due.times))
	}
	if !due.times[2].Equal(testStart.Add(2 * time.Minute)) {
		t.Errorf("expected third tick at +2m, got %s", due.times[2])
	}
	if exp.runs != 1 {
		t.Errorf("expected one export after 2 minutes, got %d", exp.runs)
	}
}

type countingRetrier struct {
	mu   sync.Mutex
	maxs []int
}

func (r *countingRetrier) AutoRetry(ctx context.Context, maxRetries int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxs = append(r.maxs, maxRetries)
	return 0, nil
}

func TestSchedulerRetriesOnRetryInterval(t *testing.T) {
	clk := clock.Fake(testStart)
	due := &countingDue{ticks: make(chan struct{})}
	retrier := &countingRetrier{}
	s := NewScheduler(due, clk, time.Hour, zerolog.Nop())
	s.Retrier = retrier
	s.RetryInterval = 24 * time.Hour
	s.RetryMax = 3

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	<-due.ticks
	for i := 0; i < 24; i++ {
		waitForWaiter(t, clk)
		clk.Advance(time.Hour)
		<-due.ticks
	}
	waitForWaiter(t, clk)
	cancel()
	<-done

	retrier.mu.Lock()
	defer retrier.mu.Unlock()
	if len(retrier.maxs) != 1 || retrier.maxs[0] != 3 {
		t.Errorf("expected one retry pass with limit 3 after a day, got %v", retrier.maxs)
	}
}

func TestRetryOnceResendsFailedUpToLimit(t *testing.T) {
	f := newFixture(t)
	q := &recordingQueue{}
	f.engine.Queue = q
	f.engine.SendTopic = queue.TopicCampaignSends
	f.gw.errs = []error{nil, rejectedErr()}
	c := f.prepared(t, "0712345678, 0723456789", "Hi")
	ctx := context.Background()
	if _, err := f.engine.Send(ctx, admin, c.ID); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := f.status(t, c.ID); got != model.CampaignCompleted {
		t.Fatalf("expected completed with one failure, got %s", got)
	}

	s := NewScheduler(f.engine, instantClock{now: testStart}, time.Minute, zerolog.Nop())
	s.Retrier = f.engine
	s.RetryMax = 2

	// The failed number keeps failing; each pass resends it once.
	for pass := 1; pass <= 2; pass++ {
		f.gw.errs = []error{rejectedErr()}
		if started := s.RetryOnce(ctx); started != 1 {
			t.Fatalf("pass %d: expected 1 campaign restarted, got %d", pass, started)
		}
		if got := f.status(t, c.ID); got != model.CampaignInProgress {
			t.Fatalf("pass %d: expected in progress until consumed, got %s", pass, got)
		}
		if _, err := f.engine.RunPending(ctx, c.ID); err != nil {
			t.Fatalf("pass %d: run: %v", pass, err)
		}
	}
	if f.gw.Calls() != 4 {
		t.Errorf("expected 2 initial sends and 2 retries, got %d calls", f.gw.Calls())
	}
	if sent := f.gw.sentTo[2:]; sent[0] != "+254723456789" || sent[1] != "+254723456789" {
		t.Errorf("expected retries to target the failed number only, got %v", sent)
	}

	if started := s.RetryOnce(ctx); started != 0 {
		t.Errorf("expected no retry once the limit is reached, got %d", started)
	}
	if f.gw.Calls() != 4 {
		t.Errorf("expected no further sends, got %d calls", f.gw.Calls())
	}
	if got := f.status(t, c.ID); got != model.CampaignCompleted {
		t.Errorf("expected campaign to stay completed, got %s", got)
	}
	for _, r := range f.recipients(t, c.ID) {
		if r.Phone == "+254723456789" && (r.Status != model.RecipientFailed || r.RetryCount != 2) {
			t.Errorf("expected failed recipient with 2 retries, got %s with %d", r.Status, r.RetryCount)
		}
	}
	if jobs := q.published[queue.TopicCampaignSends]; len(jobs) != 2 {
		t.Errorf("expected 2 retry jobs queued, got %d", len(jobs))
	}
}

func TestRetryOnceSkipsFailedCampaigns(t *testing.T) {
	f := newFixture(t)
	f.engine.Queue = &recordingQueue{}
	f.gw.always = rejectedErr()
	c := f.prepared(t, "0712345678", "Hi")
	ctx := context.Background()
	if _, err := f.engine.Send(ctx, admin, c.ID); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := f.status(t, c.ID); got != model.CampaignFailed {
		t.Fatalf("expected failed, got %s", got)
	}

	s := &Scheduler{Due: f.engine, Retrier: f.engine, RetryMax: 3, Log: zerolog.Nop()}
	if started := s.RetryOnce(ctx); started != 0 {
		t.Errorf("expected failed campaigns to wait for a manual retry, got %d restarted", started)
	}
}

func waitForWaiter(t *testing.T, clk *clock.FakeClock) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for clk.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("scheduler never waited on the clock")
		}
		time.Sleep(time.Millisecond)
	}
}
