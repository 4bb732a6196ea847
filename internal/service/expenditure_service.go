package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/unclebandit/sms-dispatch/internal/clock"
	"github.com/unclebandit/sms-dispatch/internal/model"
	"github.com/unclebandit/sms-dispatch/internal/queue"
	"github.com/unclebandit/sms-dispatch/internal/repository"
)

// ExpenditureAggregator is the read-side rollup of campaign spend plus
// the export step that hands it to the ledger exactly once.
type ExpenditureAggregator struct {
	Repo        repository.ExpenditureRepositoryInterface
	Queue       queue.Queue
	ExportTopic string
	Clock       clock.Clock
	Log         zerolog.Logger
}

// ExpenditureSummary is spend per department and month.
type ExpenditureSummary struct {
	DepartmentID int             `json:"department_id"`
	Department   string          `json:"department"`
	Year         string          `json:"year"`
	Month        string          `json:"month"`
	Campaigns    int             `json:"campaigns"`
	Total        decimal.Decimal `json:"total"`
}

type ExportResult struct {
	BatchID  string          `json:"batch_id,omitempty"`
	Exported []int           `json:"exported"`
	Skipped  []int           `json:"skipped,omitempty"`
	Total    decimal.Decimal `json:"total"`
}

func (a *ExpenditureAggregator) now() time.Time {
	if a.Clock == nil {
		return time.Now()
	}
	return a.Clock.Now()
}

// Rollup never mutates anything and can be called any number of times.
func (a *ExpenditureAggregator) Rollup(ctx context.Context, f model.ExpenditureFilter) ([]model.ExpenditureRecord, error) {
	return a.Repo.Rollup(ctx, f)
}

func (a *ExpenditureAggregator) Summarize(ctx context.Context, f model.ExpenditureFilter) ([]ExpenditureSummary, error) {
	records, err := a.Repo.Rollup(ctx, f)
	if err != nil {
		return nil, err
	}
	return Summarize(records), nil
}

// Summarize groups records by department, year and month.
func Summarize(records []model.ExpenditureRecord) []ExpenditureSummary {
	type key struct {
		dept        int
		year, month string
	}
	groups := map[key]*ExpenditureSummary{}
	for _, r := range records {
		k := key{r.Department.ID, r.Year, r.Month}
		g, ok := groups[k]
		if !ok {
			g = &ExpenditureSummary{DepartmentID: r.Department.ID, Department: r.Department.Name, Year: r.Year, Month: r.Month}
			groups[k] = g
		}
		g.Campaigns++
		g.Total = g.Total.Add(r.Cost)
	}

	out := make([]ExpenditureSummary, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Year != out[j].Year {
			return out[i].Year < out[j].Year
		}
		if out[i].Month != out[j].Month {
			return out[i].Month < out[j].Month
		}
		return out[i].Department < out[j].Department
	})
	return out
}

// PendingExport returns the unexported records that can be charged.
// Records with zero cost or a department missing billing codes are
// returned separately so the caller can report them.
func (a *ExpenditureAggregator) PendingExport(ctx context.Context) (ready, skipped []model.ExpenditureRecord, err error) {
	records, err := a.Repo.Rollup(ctx, model.ExpenditureFilter{})
	if err != nil {
		return nil, nil, err
	}
	for _, r := range records {
		if r.Exported {
			continue
		}
		if !r.Cost.IsPositive() || !r.Department.HasBillingInfo() {
			skipped = append(skipped, r)
			continue
		}
		ready = append(ready, r)
	}
	return ready, skipped, nil
}

// Export marks every pending record exported, then publishes one ledger
// batch with the records it managed to mark. A concurrent or later run
// finds nothing to send. A failed publish releases the marks.
func (a *ExpenditureAggregator) Export(ctx context.Context) (*ExportResult, error) {
	ready, skipped, err := a.PendingExport(ctx)
	if err != nil {
		return nil, err
	}
	res := &ExportResult{Exported: []int{}}
	for _, r := range skipped {
		a.Log.Warn().Int("campaign_id", r.CampaignID).Str("department", r.Department.Name).
			Str("cost", r.Cost.String()).Msg("campaign not exportable, missing billing info or no cost")
		res.Skipped = append(res.Skipped, r.CampaignID)
	}
	if len(ready) == 0 {
		a.Log.Info().Msg("no expenditure to export")
		return res, nil
	}
	if a.Queue == nil {
		return nil, fmt.Errorf("export expenditure: no ledger queue configured")
	}

	// Claim before publishing so overlapping exports never submit a
	// campaign twice.
	at := a.now()
	ids := make([]int, 0, len(ready))
	for _, r := range ready {
		ids = append(ids, r.CampaignID)
	}
	marked, err := a.Repo.MarkExported(ctx, ids, at)
	if err != nil {
		return nil, fmt.Errorf("claim campaigns for export: %w", err)
	}
	if len(marked) == 0 {
		a.Log.Info().Int("ready", len(ready)).Msg("expenditure already claimed by another export")
		return res, nil
	}
	claimed := make(map[int]bool, len(marked))
	for _, id := range marked {
		claimed[id] = true
	}

	batch := queue.ExportBatch{BatchID: uuid.NewString(), CreatedAt: at}
	for _, r := range ready {
		if !claimed[r.CampaignID] {
			continue
		}
		batch.Lines = append(batch.Lines, queue.ExportLine{
			CampaignID:    r.CampaignID,
			Department:    r.Department.Name,
			ChartCode:     r.Department.ChartCode,
			AccountNumber: r.Department.AccountNumber,
			ObjectCode:    r.Department.ObjectCode,
			Month:         r.Month,
			Year:          r.Year,
			Amount:        r.Cost,
		})
		batch.Total = batch.Total.Add(r.Cost)
	}

	topic := a.ExportTopic
	if topic == "" {
		topic = queue.TopicExpenditureExports
	}
	if err := a.Queue.Publish(topic, batch); err != nil {
		if uerr := a.Repo.UnmarkExported(ctx, marked); uerr != nil {
			a.Log.Error().Err(uerr).Ints("campaign_ids", marked).Msg("could not release campaigns after failed publish")
		}
		return nil, fmt.Errorf("publish ledger batch: %w", err)
	}
	res.BatchID, res.Exported, res.Total = batch.BatchID, marked, batch.Total
	a.Log.Info().Str("batch_id", batch.BatchID).Int("campaigns", len(marked)).Str("total", batch.Total.String()).Msg("expenditure exported")
	return res, nil
}
