package memory

import (
	"context"
	"sort"

	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
	"github.com/unclebandit/sms-dispatch/internal/model"
	"github.com/unclebandit/sms-dispatch/internal/repository"
)

type GatewayConfigRepository struct{ s *Store }

var _ repository.GatewayConfigRepositoryInterface = (*GatewayConfigRepository)(nil)

func (r *GatewayConfigRepository) GetByID(ctx context.Context, id int) (*model.GatewayConfiguration, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.gateways[id]
	if !ok {
		return nil, appErrors.NewGatewayNotFound(id)
	}
	cp := *g
	return &cp, nil
}

func (r *GatewayConfigRepository) GetDefault(ctx context.Context) (*model.GatewayConfiguration, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, g := range r.s.gateways {
		if g.IsDefault {
			cp := *g
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *GatewayConfigRepository) List(ctx context.Context) ([]*model.GatewayConfiguration, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.GatewayConfiguration{}
	for _, g := range r.s.gateways {
		cp := *g
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *GatewayConfigRepository) Save(ctx context.Context, cfg *model.GatewayConfiguration) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.Now()
	if cfg.ID == 0 {
		for _, g := range r.s.gateways {
			if g.Name == cfg.Name {
				cfg.ID = g.ID
				cfg.CreatedAt = g.CreatedAt
			}
		}
	} else if _, ok := r.s.gateways[cfg.ID]; !ok {
		return appErrors.NewGatewayNotFound(cfg.ID)
	}
	if cfg.ID == 0 {
		r.s.nextGateway++
		cfg.ID = r.s.nextGateway
		cfg.CreatedAt = now
	}
	if cfg.IsDefault {
		r.clearDefaults(cfg.ID)
	}
	cfg.UpdatedAt = now
	cp := *cfg
	r.s.gateways[cfg.ID] = &cp
	return nil
}

func (r *GatewayConfigRepository) SetDefault(ctx context.Context, id int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.gateways[id]
	if !ok {
		return appErrors.NewGatewayNotFound(id)
	}
	r.clearDefaults(id)
	g.IsDefault = true
	g.UpdatedAt = r.s.Now()
	return nil
}

func (r *GatewayConfigRepository) clearDefaults(except int) {
	for id, g := range r.s.gateways {
		if id != except && g.IsDefault {
			g.IsDefault = false
			g.UpdatedAt = r.s.Now()
		}
	}
}
