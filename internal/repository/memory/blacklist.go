package memory

import (
	"context"
	"sort"

	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
	"github.com/unclebandit/sms-dispatch/internal/model"
	"github.com/unclebandit/sms-dispatch/internal/repository"
)

type BlacklistRepository struct{ s *Store }

var _ repository.BlacklistRepositoryInterface = (*BlacklistRepository)(nil)

func (r *BlacklistRepository) Add(ctx context.Context, phone string, reason model.BlacklistReason, notes string) (*model.BlacklistEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.Now()
	if e, ok := r.s.blacklist[phone]; ok {
		if e.Active {
			return nil, appErrors.ErrAlreadyBlacklisted
		}
		e.Active = true
		e.Reason = reason
		e.Notes = notes
		e.UpdatedAt = now
		e.RemovedAt = nil
		cp := *e
		return &cp, nil
	}
	r.s.nextBlacklist++
	e := &model.BlacklistEntry{
		ID: r.s.nextBlacklist, Phone: phone, Reason: reason, Notes: notes,
		Active: true, CreatedAt: now, UpdatedAt: now,
	}
	r.s.blacklist[phone] = e
	cp := *e
	return &cp, nil
}

func (r *BlacklistRepository) Deactivate(ctx context.Context, phone string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.blacklist[phone]
	if !ok || !e.Active {
		return appErrors.ErrNotBlacklisted
	}
	now := r.s.Now()
	e.Active = false
	e.RemovedAt = &now
	e.UpdatedAt = now
	return nil
}

func (r *BlacklistRepository) GetActive(ctx context.Context, phone string) (*model.BlacklistEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.blacklist[phone]
	if !ok || !e.Active {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (r *BlacklistRepository) ActiveAmong(ctx context.Context, phones []string) (map[string]bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make(map[string]bool)
	for _, p := range phones {
		if e, ok := r.s.blacklist[p]; ok && e.Active {
			out[p] = true
		}
	}
	return out, nil
}

func (r *BlacklistRepository) List(ctx context.Context, activeOnly bool, offset, limit int) ([]*model.BlacklistEntry, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []*model.BlacklistEntry
	for _, e := range r.s.blacklist {
		if !activeOnly || e.Active {
			cp := *e
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	return page(all, offset, limit), len(all), nil
}
