package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
	"github.com/unclebandit/sms-dispatch/internal/model"
	"github.com/unclebandit/sms-dispatch/internal/repository"
)

type CampaignService struct {
	CampaignRepo  repository.CampaignRepositoryInterface
	RecipientRepo repository.RecipientRepositoryInterface
	Policy        *TargetPolicy
	Log           zerolog.Logger
}

// CreateCampaignInput is the body of a create or update request.
type CreateCampaignInput struct {
	Name         string       `json:"name"`
	Target       model.Target `json:"target"`
	Message      string       `json:"message"`
	Personalized bool         `json:"personalized"`
	GatewayID    *int         `json:"gateway_id,omitempty"`
	ScheduledAt  *string      `json:"scheduled_at,omitempty"`
}

func (s *CampaignService) policy() *TargetPolicy {
	if s.Policy == nil {
		return DefaultTargetPolicy()
	}
	return s.Policy
}

func (in CreateCampaignInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name is required", appErrors.ErrInvalidInput)
	}
	if !in.Target.Kind.Valid() {
		return fmt.Errorf("%w: unknown target kind %q", appErrors.ErrInvalidInput, in.Target.Kind)
	}
	return nil
}

// CreateCampaign stores a Draft campaign owned by the caller. The target
// is checked against the caller's role now so a forbidden campaign is
// never created; resolution happens later.
func (s *CampaignService) CreateCampaign(ctx context.Context, caller model.Caller, in CreateCampaignInput) (*model.Campaign, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if err := s.policy().Check(caller, in.Target); err != nil {
		return nil, err
	}

	c := &model.Campaign{
		Name:            strings.TrimSpace(in.Name),
		Target:          in.Target,
		Message:         in.Message,
		Personalized:    in.Personalized,
		GatewayID:       in.GatewayID,
		Status:          model.CampaignDraft,
		AdministratorID: caller.UserID,
		OwnerRole:       caller.Role,
	}
	if caller.DepartmentID > 0 {
		dept := caller.DepartmentID
		c.BillingDepartmentID = &dept
	}

	if in.ScheduledAt != nil {
		// stored only; Schedule performs the transition
		t, err := time.Parse(time.RFC3339, *in.ScheduledAt)
		if err != nil {
			return nil, fmt.Errorf("%w: scheduled_at: %v", appErrors.ErrInvalidInput, err)
		}
		c.ScheduledAt = &t
	}

	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}
	s.Log.Info().Int("campaign_id", c.ID).Str("target", string(c.Target.Kind)).Int("administrator_id", c.AdministratorID).Msg("campaign created")
	return c, nil
}

// UpdateCampaign edits a Draft campaign.
func (s *CampaignService) UpdateCampaign(ctx context.Context, caller model.Caller, id int, in CreateCampaignInput) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CampaignDraft {
		return nil, fmt.Errorf("%w: only draft campaigns can be edited, this one is %s", appErrors.ErrInvalidTransition, c.Status)
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	if err := s.policy().Check(caller, in.Target); err != nil {
		return nil, err
	}
	c.Name = strings.TrimSpace(in.Name)
	c.Target = in.Target
	c.Message = in.Message
	c.Personalized = in.Personalized
	c.GatewayID = in.GatewayID
	if err := s.CampaignRepo.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	page, pageSize, offset := normalizePage(page, pageSize)

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}
	return campaigns, pagination(page, pageSize, total), nil
}

// GetCampaignDetails returns the campaign with stats recomputed from its
// recipients rather than the last checkpoint.
func (s *CampaignService) GetCampaignDetails(ctx context.Context, id int) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.RecipientRepo.Stats(ctx, id)
	if err != nil {
		s.Log.Warn().Err(err).Int("campaign_id", id).Msg("live stats unavailable, using checkpoint")
		stats = c.Stats
	}
	c.Stats = stats
	return c, nil
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func normalizePage(page, pageSize int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize, (page - 1) * pageSize
}

func pagination(page, pageSize, total int) map[string]int {
	return map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": (total + pageSize - 1) / pageSize,
	}
}
