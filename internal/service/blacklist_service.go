package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
	"github.com/unclebandit/sms-dispatch/internal/model"
	"github.com/unclebandit/sms-dispatch/internal/phone"
	"github.com/unclebandit/sms-dispatch/internal/repository"
)

// BlacklistRegistry normalizes every phone before touching storage, so
// callers may pass raw user input.
type BlacklistRegistry struct {
	Repo  repository.BlacklistRepositoryInterface
	Phone *phone.Normalizer
	Log   zerolog.Logger
}

// OptOutStatus is the machine-readable answer of the status endpoint.
type OptOutStatus struct {
	Phone      string  `json:"phone"`
	IsOptedOut bool    `json:"isOptedOut"`
	Reason     *string `json:"reason"`
}

func (b *BlacklistRegistry) normalizer() *phone.Normalizer {
	if b.Phone == nil {
		return phone.Kenya
	}
	return b.Phone
}

func (b *BlacklistRegistry) IsBlacklisted(ctx context.Context, raw string) (bool, error) {
	p, err := b.normalizer().Normalize(raw)
	if err != nil {
		return false, err
	}
	e, err := b.Repo.GetActive(ctx, p)
	if err != nil {
		return false, err
	}
	return e != nil, nil
}

// FilterActive returns the subset of canonical phones that are blacklisted.
func (b *BlacklistRegistry) FilterActive(ctx context.Context, phones []string) (map[string]bool, error) {
	return b.Repo.ActiveAmong(ctx, phones)
}

// Add returns ErrAlreadyBlacklisted if the number is already active.
func (b *BlacklistRegistry) Add(ctx context.Context, raw string, reason model.BlacklistReason, notes string) (*model.BlacklistEntry, error) {
	p, err := b.normalizer().Normalize(raw)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = model.ReasonManual
	}
	if !reason.Valid() {
		return nil, fmt.Errorf("unknown blacklist reason %q", reason)
	}
	e, err := b.Repo.Add(ctx, p, reason, notes)
	if err != nil {
		if errors.Is(err, appErrors.ErrAlreadyBlacklisted) {
			b.Log.Debug().Str("phone", p).Msg("number already blacklisted")
		}
		return nil, err
	}
	b.Log.Info().Str("phone", p).Str("reason", string(reason)).Msg("number blacklisted")
	return e, nil
}

// Remove returns ErrNotBlacklisted if there is no active entry.
func (b *BlacklistRegistry) Remove(ctx context.Context, raw string) error {
	p, err := b.normalizer().Normalize(raw)
	if err != nil {
		return err
	}
	if err := b.Repo.Deactivate(ctx, p); err != nil {
		return err
	}
	b.Log.Info().Str("phone", p).Msg("number removed from blacklist")
	return nil
}

func (b *BlacklistRegistry) Status(ctx context.Context, raw string) (*OptOutStatus, error) {
	p, err := b.normalizer().Normalize(raw)
	if err != nil {
		return nil, err
	}
	e, err := b.Repo.GetActive(ctx, p)
	if err != nil {
		return nil, err
	}
	st := &OptOutStatus{Phone: p}
	if e != nil {
		reason := string(e.Reason)
		st.IsOptedOut = true
		st.Reason = &reason
	}
	return st, nil
}

func (b *BlacklistRegistry) List(ctx context.Context, activeOnly bool, page, pageSize int) ([]*model.BlacklistEntry, map[string]int, error) {
	page, pageSize, offset := normalizePage(page, pageSize)
	entries, total, err := b.Repo.List(ctx, activeOnly, offset, pageSize)
	if err != nil {
		return nil, nil, err
	}
	return entries, pagination(page, pageSize, total), nil
}
