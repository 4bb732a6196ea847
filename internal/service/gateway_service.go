package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
	"github.com/unclebandit/sms-dispatch/internal/model"
	"github.com/unclebandit/sms-dispatch/internal/repository"
)

// ClientCache drops a built client after its configuration changes.
type ClientCache interface {
	Invalidate(id int)
}

// GatewayService manages gateway configurations. Every operation is
// restricted to system admins.
type GatewayService struct {
	Repo    repository.GatewayConfigRepositoryInterface
	Clients ClientCache
	Credit  *CreditGuard
	Log     zerolog.Logger
}

func (s *GatewayService) authorize(caller model.Caller) error {
	if !CanManageGateways(caller) {
		return fmt.Errorf("%w: role %s cannot manage gateways", appErrors.ErrPermissionDenied, caller.Role)
	}
	return nil
}

func (s *GatewayService) changed(id int) {
	if s.Clients != nil {
		s.Clients.Invalidate(id)
	}
	if s.Credit != nil {
		s.Credit.Invalidate()
	}
}

func (s *GatewayService) List(ctx context.Context, caller model.Caller) ([]*model.GatewayConfiguration, error) {
	if err := s.authorize(caller); err != nil {
		return nil, err
	}
	return s.Repo.List(ctx)
}

func (s *GatewayService) Save(ctx context.Context, caller model.Caller, cfg *model.GatewayConfiguration) error {
	if err := s.authorize(caller); err != nil {
		return err
	}
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return fmt.Errorf("%w: gateway name is required", appErrors.ErrInvalidInput)
	}
	if !cfg.Type.Valid() {
		return fmt.Errorf("%w: unsupported gateway type %q", appErrors.ErrInvalidInput, cfg.Type)
	}
	if cfg.Type == model.GatewayAfricasTalking && (cfg.Username == "" || cfg.APIKey == "") {
		return fmt.Errorf("%w: africastalking needs a username and api key", appErrors.ErrInvalidInput)
	}
	if err := s.Repo.Save(ctx, cfg); err != nil {
		return err
	}
	s.changed(cfg.ID)
	s.Log.Info().Int("gateway_id", cfg.ID).Str("name", cfg.Name).Bool("default", cfg.IsDefault).Msg("gateway configuration saved")
	return nil
}

func (s *GatewayService) SetDefault(ctx context.Context, caller model.Caller, id int) error {
	if err := s.authorize(caller); err != nil {
		return err
	}
	if err := s.Repo.SetDefault(ctx, id); err != nil {
		return err
	}
	s.changed(id)
	s.Log.Info().Int("gateway_id", id).Msg("default gateway changed")
	return nil
}
