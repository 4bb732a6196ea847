package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/unclebandit/sms-dispatch/internal/model"
	"github.com/unclebandit/sms-dispatch/internal/repository"
)

type DepartmentRepository struct{ s *Store }

var _ repository.DepartmentRepositoryInterface = (*DepartmentRepository)(nil)

func (r *DepartmentRepository) GetByID(ctx context.Context, id int) (*model.Department, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.departments[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (r *DepartmentRepository) ListAll(ctx context.Context) ([]model.Department, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []model.Department{}
	for _, d := range r.s.departments {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *DepartmentRepository) Upsert(ctx context.Context, d *model.Department) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, existing := range r.s.departments {
		if existing.Name == d.Name {
			d.ID = id
			cp := *d
			r.s.departments[id] = &cp
			return nil
		}
	}
	r.s.nextDepartment++
	d.ID = r.s.nextDepartment
	cp := *d
	r.s.departments[d.ID] = &cp
	return nil
}

type ExpenditureRepository struct{ s *Store }

var _ repository.ExpenditureRepositoryInterface = (*ExpenditureRepository)(nil)

func (r *ExpenditureRepository) Rollup(ctx context.Context, f model.ExpenditureFilter) ([]model.ExpenditureRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cost := map[int]decimal.Decimal{}
	for _, rec := range r.s.recipients {
		cost[rec.CampaignID] = cost[rec.CampaignID].Add(rec.Cost)
	}

	records := []model.ExpenditureRecord{}
	for _, c := range r.s.campaigns {
		if c.Status != model.CampaignCompleted || c.BillingDepartmentID == nil {
			continue
		}
		if c.Exported && !f.IncludeExported {
			continue
		}
		d, ok := r.s.departments[*c.BillingDepartmentID]
		if !ok {
			continue
		}
		rec := model.ExpenditureRecord{
			Department: *d,
			CampaignID: c.ID,
			Month:      fmt.Sprintf("%02d", int(c.CreatedAt.Month())),
			Year:       fmt.Sprintf("%d", c.CreatedAt.Year()),
			Cost:       cost[c.ID],
			Exported:   c.Exported,
			ExportedAt: c.ExportedAt,
		}
		if (f.Year != "" && rec.Year != f.Year) || (f.Month != "" && rec.Month != f.Month) ||
			(f.DepartmentID != 0 && d.ID != f.DepartmentID) {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Year != b.Year {
			return a.Year < b.Year
		}
		if a.Month != b.Month {
			return a.Month < b.Month
		}
		if a.Department.Name != b.Department.Name {
			return a.Department.Name < b.Department.Name
		}
		return a.CampaignID < b.CampaignID
	})
	return records, nil
}

func (r *ExpenditureRepository) MarkExported(ctx context.Context, campaignIDs []int, at time.Time) ([]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var marked []int
	for _, id := range campaignIDs {
		c, ok := r.s.campaigns[id]
		if !ok || c.Status != model.CampaignCompleted || c.Exported {
			continue
		}
		ts := at
		c.Exported = true
		c.ExportedAt = &ts
		marked = append(marked, id)
	}
	return marked, nil
}

func (r *ExpenditureRepository) UnmarkExported(ctx context.Context, campaignIDs []int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range campaignIDs {
		if c, ok := r.s.campaigns[id]; ok {
			c.Exported = false
			c.ExportedAt = nil
		}
	}
	return nil
}
