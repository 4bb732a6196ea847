package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
	"github.com/unclebandit/sms-dispatch/internal/model"
)

type mapSource struct {
	configs map[int]*model.GatewayConfiguration
}

func (s *mapSource) GetByID(ctx context.Context, id int) (*model.GatewayConfiguration, error) {
	if c, ok := s.configs[id]; ok {
		return c, nil
	}
	return nil, appErrors.NewGatewayNotFound(id)
}

func (s *mapSource) GetDefault(ctx context.Context) (*model.GatewayConfiguration, error) {
	for _, c := range s.configs {
		if c.IsDefault {
			return c, nil
		}
	}
	return nil, nil
}

func TestRegistryResolve(t *testing.T) {
	src := &mapSource{configs: map[int]*model.GatewayConfiguration{
		1: {ID: 1, Name: "default", Type: model.GatewaySandbox, Active: true, IsDefault: true},
		2: {ID: 2, Name: "assigned", Type: model.GatewaySandbox, Active: true},
		3: {ID: 3, Name: "off", Type: model.GatewaySandbox, Active: false},
	}}
	builds := 0
	r := NewRegistry(src, Options{}, &recordingClock{}, zerolog.Nop())
	r.Build = func(cfg model.GatewayConfiguration, opts Options) (Client, error) {
		builds++
		return &scriptedClient{}, nil
	}
	ctx := context.Background()

	_, cfg, err := r.Resolve(ctx, nil)
	if err != nil || cfg.ID != 1 {
		t.Fatalf("nil id -> %+v, %v", cfg, err)
	}
	two := 2
	if _, cfg, _ = r.Resolve(ctx, &two); cfg.ID != 2 {
		t.Errorf("assigned -> %d", cfg.ID)
	}
	three, missing := 3, 9
	if _, cfg, _ = r.Resolve(ctx, &three); cfg.ID != 1 {
		t.Errorf("inactive -> %d", cfg.ID)
	}
	if _, cfg, _ = r.Resolve(ctx, &missing); cfg.ID != 1 {
		t.Errorf("missing -> %d", cfg.ID)
	}
	if builds != 2 {
		t.Errorf("builds = %d, want 2 (cached per config)", builds)
	}

	src.configs[2].UpdatedAt = time.Now()
	r.Resolve(ctx, &two)
	if builds != 3 {
		t.Errorf("changed config should rebuild, builds = %d", builds)
	}
}

func TestRegistryNoDefault(t *testing.T) {
	r := NewRegistry(&mapSource{configs: map[int]*model.GatewayConfiguration{}}, Options{}, nil, zerolog.Nop())
	if _, _, err := r.Resolve(context.Background(), nil); !errors.Is(err, appErrors.ErrNoGatewayConfigured) {
		t.Fatalf("err = %v", err)
	}
}
