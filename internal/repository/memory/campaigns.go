package memory

import (
	"context"
	"sort"
	"time"

	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
	"github.com/unclebandit/sms-dispatch/internal/model"
	"github.com/unclebandit/sms-dispatch/internal/repository"
)

type CampaignRepository struct{ s *Store }

var _ repository.CampaignRepositoryInterface = (*CampaignRepository)(nil)

func copyCampaign(c *model.Campaign) *model.Campaign {
	cp := *c
	return &cp
}

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.nextCampaign++
	c.ID = r.s.nextCampaign
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.s.Now()
	}
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	r.s.campaigns[c.ID] = copyCampaign(c)
	return nil
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return copyCampaign(c), nil
}

func (r *CampaignRepository) Update(ctx context.Context, c *model.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.campaigns[c.ID]
	if !ok {
		return appErrors.NewCampaignNotFound(c.ID)
	}
	now := r.s.Now()
	cur.Name = c.Name
	cur.Target = c.Target
	cur.Message = c.Message
	cur.Personalized = c.Personalized
	cur.ScheduledAt = c.ScheduledAt
	cur.GatewayID = c.GatewayID
	cur.BillingDepartmentID = c.BillingDepartmentID
	cur.UpdatedAt = &now
	return nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []*model.Campaign
	for _, c := range r.s.campaigns {
		if status == "" || string(c.Status) == status {
			all = append(all, copyCampaign(c))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	return page(all, offset, limit), len(all), nil
}

func (r *CampaignRepository) TransitionStatus(ctx context.Context, id int, from []model.CampaignStatus, to model.CampaignStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return false, appErrors.NewCampaignNotFound(id)
	}
	for _, f := range from {
		if c.Status == f {
			now := r.s.Now()
			c.Status = to
			c.UpdatedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (r *CampaignRepository) SaveStats(ctx context.Context, id int, stats model.CampaignStats) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	c.Stats = stats
	return nil
}

func (r *CampaignRepository) ListDue(ctx context.Context, now time.Time) ([]*model.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var due []*model.Campaign
	for _, c := range r.s.campaigns {
		if c.Status == model.CampaignScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			due = append(due, copyCampaign(c))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledAt.Equal(*due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(*due[j].ScheduledAt)
		}
		return due[i].ID < due[j].ID
	})
	return due, nil
}

func (r *CampaignRepository) ListRetryable(ctx context.Context, maxRetries int) ([]*model.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	eligible := map[int]bool{}
	for _, rec := range r.s.recipients {
		if rec.Status == model.RecipientFailed && rec.RetryCount < maxRetries {
			eligible[rec.CampaignID] = true
		}
	}
	var out []*model.Campaign
	for _, c := range r.s.campaigns {
		if c.Status == model.CampaignCompleted && c.Stats.Failed > 0 && eligible[c.ID] {
			out = append(out, copyCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
