package memory

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
	"github.com/unclebandit/sms-dispatch/internal/model"
	"github.com/unclebandit/sms-dispatch/internal/repository"
)

type RecipientRepository struct{ s *Store }

var _ repository.RecipientRepositoryInterface = (*RecipientRepository)(nil)

func copyRecipient(r *model.Recipient) *model.Recipient {
	cp := *r
	return &cp
}

// sortedRecipients returns the campaign's recipients by id. Caller holds the lock.
func (r *RecipientRepository) sortedRecipients(campaignID int) []*model.Recipient {
	var out []*model.Recipient
	for _, rec := range r.s.recipients {
		if rec.CampaignID == campaignID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *RecipientRepository) CreateIfAbsent(ctx context.Context, rec *model.Recipient) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.campaigns[rec.CampaignID]; !ok {
		return false, appErrors.NewCampaignNotFound(rec.CampaignID)
	}
	for _, existing := range r.s.recipients {
		if existing.CampaignID == rec.CampaignID && existing.Phone == rec.Phone {
			return false, nil
		}
	}
	r.s.nextRecipient++
	rec.ID = r.s.nextRecipient
	if rec.Status == "" {
		rec.Status = model.RecipientPending
	}
	now := r.s.Now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	r.s.recipients[rec.ID] = copyRecipient(rec)
	return true, nil
}

func (r *RecipientRepository) GetByID(ctx context.Context, id int) (*model.Recipient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.recipients[id]
	if !ok {
		return nil, appErrors.NewRecipientNotFound(strconv.Itoa(id))
	}
	return copyRecipient(rec), nil
}

func (r *RecipientRepository) GetByProviderMessageID(ctx context.Context, providerID string) (*model.Recipient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if providerID != "" {
		for _, rec := range r.s.recipients {
			if rec.ProviderMessageID == providerID {
				return copyRecipient(rec), nil
			}
		}
	}
	return nil, appErrors.NewRecipientNotFound(providerID)
}

func (r *RecipientRepository) ListByCampaign(ctx context.Context, campaignID int, status string, offset, limit int) ([]*model.Recipient, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Recipient
	for _, rec := range r.sortedRecipients(campaignID) {
		if status == "" || string(rec.Status) == status {
			out = append(out, copyRecipient(rec))
		}
	}
	return page(out, offset, limit), len(out), nil
}

func (r *RecipientRepository) ClaimPending(ctx context.Context, campaignID, limit int) ([]*model.Recipient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Recipient
	now := r.s.Now()
	for _, rec := range r.sortedRecipients(campaignID) {
		if rec.Status != model.RecipientPending {
			continue
		}
		rec.Status = model.RecipientSending
		rec.UpdatedAt = now
		out = append(out, copyRecipient(rec))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *RecipientRepository) FailStale(ctx context.Context, campaignID int, cutoff time.Time, reason string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, rec := range r.s.recipients {
		if rec.CampaignID == campaignID && rec.Status == model.RecipientSending && rec.UpdatedAt.Before(cutoff) {
			rec.Status = model.RecipientFailed
			rec.FailureReason = reason
			rec.UpdatedAt = r.s.Now()
			n++
		}
	}
	return n, nil
}

func (r *RecipientRepository) CountSending(ctx context.Context, campaignID int) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, rec := range r.s.recipients {
		if rec.CampaignID == campaignID && rec.Status == model.RecipientSending {
			n++
		}
	}
	return n, nil
}

func unresolved(s model.RecipientStatus) bool {
	return s == model.RecipientPending || s == model.RecipientSending
}

func (r *RecipientRepository) MarkSent(ctx context.Context, id int, out model.SendOutcome) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.recipients[id]
	if !ok {
		return appErrors.NewRecipientNotFound(strconv.Itoa(id))
	}
	if !unresolved(rec.Status) {
		return nil
	}
	sentAt := out.SentAt
	rec.Status = model.RecipientSent
	rec.SentAt = &sentAt
	rec.Cost = out.Cost
	rec.ProviderMessageID = out.ProviderMessageID
	rec.Message = out.Message
	rec.RetryCount += out.Retries
	rec.FailureReason = ""
	rec.UpdatedAt = r.s.Now()
	return nil
}

func (r *RecipientRepository) MarkFailed(ctx context.Context, id int, reason string, retries int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.recipients[id]
	if !ok {
		return appErrors.NewRecipientNotFound(strconv.Itoa(id))
	}
	if !unresolved(rec.Status) {
		return nil
	}
	rec.Status = model.RecipientFailed
	rec.FailureReason = reason
	rec.RetryCount += retries
	rec.UpdatedAt = r.s.Now()
	return nil
}

func (r *RecipientRepository) ResetFailed(ctx context.Context, campaignID, maxRetries int) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, rec := range r.s.recipients {
		if rec.CampaignID != campaignID || rec.Status != model.RecipientFailed {
			continue
		}
		if maxRetries <= 0 || rec.RetryCount < maxRetries {
			rec.Status = model.RecipientPending
			rec.FailureReason = ""
			rec.RetryCount++
			rec.UpdatedAt = r.s.Now()
			n++
		}
	}
	return n, nil
}

func (r *RecipientRepository) UpdateDeliveryStatus(ctx context.Context, id int, status model.RecipientStatus, reason string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.recipients[id]
	if !ok {
		return false, appErrors.NewRecipientNotFound(strconv.Itoa(id))
	}
	if !rec.Status.CanTransition(status) {
		return false, nil
	}
	rec.Status = status
	if reason != "" {
		rec.FailureReason = reason
	}
	if status == model.RecipientDelivered {
		rec.DeliveredAt = &at
	}
	rec.UpdatedAt = r.s.Now()
	return true, nil
}

func (r *RecipientRepository) Stats(ctx context.Context, campaignID int) (model.CampaignStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	counts := map[model.RecipientStatus]int{}
	cost := decimal.Zero
	for _, rec := range r.s.recipients {
		if rec.CampaignID == campaignID {
			counts[rec.Status]++
			cost = cost.Add(rec.Cost)
		}
	}
	return repository.StatsFromCounts(counts, cost), nil
}
