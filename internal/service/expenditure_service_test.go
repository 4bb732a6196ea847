package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/sms-dispatch/internal/model"
	"github.com/unclebandit/sms-dispatch/internal/queue"
	"github.com/unclebandit/sms-dispatch/internal/repository"
)

func TestExportIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	computing := &model.Department{Name: "Computing", ChartCode: "CH1", AccountNumber: "4001", ObjectCode: "7701"}
	library := &model.Department{Name: "Library"}
	for _, d := range []*model.Department{computing, library} {
		if err := f.store.Departments().Upsert(ctx, d); err != nil {
			t.Fatalf("department: %v", err)
		}
	}

	send := func(caller model.Caller, numbers string) *model.Campaign {
		c, err := f.campaigns.CreateCampaign(ctx, caller, CreateCampaignInput{
			Name: "Notice", Target: model.Target{Kind: model.TargetManual, ManualNumbers: numbers}, Message: "Hi",
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := f.engine.PrepareRecipients(ctx, caller, c.ID); err != nil {
			t.Fatalf("prepare: %v", err)
		}
		if _, err := f.engine.Send(ctx, admin, c.ID); err != nil {
			t.Fatalf("send: %v", err)
		}
		return c
	}
	billed := send(model.Caller{UserID: 2, Role: model.RoleAdministrator, DepartmentID: computing.ID}, "0712345678, 0723456789")
	unbillable := send(model.Caller{UserID: 3, Role: model.RoleAdministrator, DepartmentID: library.ID}, "0734567890")
	f.manualCampaign(t, "0745678901", "Hi") // drafts never bill

	q := &recordingQueue{}
	agg := &ExpenditureAggregator{Repo: f.store.Expenditures(), Queue: q, Clock: f.engine.Clock, Log: zerolog.Nop()}

	records, err := agg.Rollup(ctx, model.ExpenditureFilter{})
	if err != nil {
		t.Fatalf("rollup: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 completed campaigns in the rollup, got %d", len(records))
	}

	first, err := agg.Export(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(first.Exported) != 1 || first.Exported[0] != billed.ID {
		t.Errorf("expected only campaign %d exported, got %v", billed.ID, first.Exported)
	}
	if len(first.Skipped) != 1 || first.Skipped[0] != unbillable.ID {
		t.Errorf("expected campaign %d skipped, got %v", unbillable.ID, first.Skipped)
	}
	if !first.Total.Equal(f.gw.costOf(2)) {
		t.Errorf("unexpected total %s", first.Total)
	}

	second, err := agg.Export(ctx)
	if err != nil {
		t.Fatalf("second export: %v", err)
	}
	if len(second.Exported) != 0 {
		t.Errorf("second export must not re-export, got %v", second.Exported)
	}

	batches := q.published[queue.TopicExpenditureExports]
	if len(batches) != 1 {
		t.Fatalf("expected exactly one ledger batch, got %d", len(batches))
	}
	batch := batches[0].(queue.ExportBatch)
	if len(batch.Lines) != 1 || batch.Lines[0].AccountNumber != "4001" || batch.Lines[0].Month != "03" || batch.Lines[0].Year != "2024" {
		t.Errorf("unexpected batch %+v", batch)
	}

	// the rollup still sees exported campaigns when asked
	all, _ := agg.Rollup(ctx, model.ExpenditureFilter{IncludeExported: true})
	if len(all) != 2 {
		t.Errorf("expected 2 records including exported, got %d", len(all))
	}
}

func TestSummarizeGroupsByDepartmentAndMonth(t *testing.T) {
	dept := model.Department{ID: 1, Name: "Computing"}
	records := []model.ExpenditureRecord{
		{Department: dept, CampaignID: 1, Year: "2024", Month: "03", Cost: decimalOf("1.60")},
		{Department: dept, CampaignID: 2, Year: "2024", Month: "03", Cost: decimalOf("0.80")},
		{Department: dept, CampaignID: 3, Year: "2024", Month: "04", Cost: decimalOf("2.00")},
	}
	got := Summarize(records)
	if len(got) != 2 {
		t.Fatalf("expected 2 groups, got %+v", got)
	}
	if got[0].Month != "03" || got[0].Campaigns != 2 || !got[0].Total.Equal(decimalOf("2.40")) {
		t.Errorf("unexpected march group %+v", got[0])
	}
}

// racingRepo runs beforeMark once, just before the first MarkExported.
type racingRepo struct {
	repository.ExpenditureRepositoryInterface
	beforeMark func()
}

func (r *racingRepo) MarkExported(ctx context.Context, ids []int, at time.Time) ([]int, error) {
	if hook := r.beforeMark; hook != nil {
		r.beforeMark = nil
		hook()
	}
	return r.ExpenditureRepositoryInterface.MarkExported(ctx, ids, at)
}

type failingQueue struct{ err error }

func (q failingQueue) Publish(topic string, payload any) error { return q.err }
func (q failingQueue) Subscribe(topic string, handler func(payload any) error) error { return nil }

func billedCampaign(t *testing.T, f *fixture) *model.Campaign {
	t.Helper()
	ctx := context.Background()
	dept := &model.Department{Name: "Computing", ChartCode: "CH1", AccountNumber: "4001", ObjectCode: "7701"}
	if err := f.store.Departments().Upsert(ctx, dept); err != nil {
		t.Fatalf("department: %v", err)
	}
	caller := model.Caller{UserID: 2, Role: model.RoleAdministrator, DepartmentID: dept.ID}
	c, err := f.campaigns.CreateCampaign(ctx, caller, CreateCampaignInput{
		Name: "Notice", Target: model.Target{Kind: model.TargetManual, ManualNumbers: "0712345678"}, Message: "Hi",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.engine.PrepareRecipients(ctx, caller, c.ID); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := f.engine.Send(ctx, admin, c.ID); err != nil {
		t.Fatalf("send: %v", err)
	}
	return c
}

func TestOverlappingExportsSubmitOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := billedCampaign(t, f)

	q := &recordingQueue{}
	repo := &racingRepo{ExpenditureRepositoryInterface: f.store.Expenditures()}
	agg := &ExpenditureAggregator{Repo: repo, Queue: q, Clock: f.engine.Clock, Log: zerolog.Nop()}
	// Both runs read the same pending records; the inner one claims first.
	other := &ExpenditureAggregator{Repo: f.store.Expenditures(), Queue: q, Clock: f.engine.Clock, Log: zerolog.Nop()}
	var inner *ExportResult
	repo.beforeMark = func() {
		var err error
		if inner, err = other.Export(ctx); err != nil {
			t.Errorf("inner export: %v", err)
		}
	}

	outer, err := agg.Export(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if inner == nil || len(inner.Exported) != 1 || inner.Exported[0] != c.ID {
		t.Fatalf("expected the inner export to take campaign %d, got %+v", c.ID, inner)
	}
	if len(outer.Exported) != 0 || outer.BatchID != "" {
		t.Errorf("expected the outer export to find nothing left, got %+v", outer)
	}
	batches := q.published[queue.TopicExpenditureExports]
	if len(batches) != 1 || len(batches[0].(queue.ExportBatch).Lines) != 1 {
		t.Fatalf("expected a single one-line batch, got %+v", batches)
	}
}

func TestFailedPublishReleasesCampaigns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := billedCampaign(t, f)

	broken := &ExpenditureAggregator{Repo: f.store.Expenditures(), Queue: failingQueue{err: errors.New("broker down")}, Clock: f.engine.Clock, Log: zerolog.Nop()}
	if _, err := broken.Export(ctx); err == nil {
		t.Fatal("expected publish error")
	}

	q := &recordingQueue{}
	agg := &ExpenditureAggregator{Repo: f.store.Expenditures(), Queue: q, Clock: f.engine.Clock, Log: zerolog.Nop()}
	res, err := agg.Export(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(res.Exported) != 1 || res.Exported[0] != c.ID {
		t.Errorf("expected campaign %d exported after the failure, got %v", c.ID, res.Exported)
	}
}
