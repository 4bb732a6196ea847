package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/unclebandit/sms-dispatch/internal/clock"
	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
	"github.com/unclebandit/sms-dispatch/internal/model"
)

// ConfigSource is the subset of the gateway configuration repository the
// registry reads. GetDefault returns nil, nil when no default exists.
type ConfigSource interface {
	GetByID(ctx context.Context, id int) (*model.GatewayConfiguration, error)
	GetDefault(ctx context.Context) (*model.GatewayConfiguration, error)
}

type Options struct {
	RequestTimeout time.Duration
	MaxAttempts    int
	BaseDelay      time.Duration
	RatePerSecond  float64
	RateBurst      int
	BaseURL        string
	// Starting balance and per-segment price for sandbox gateways.
	SandboxBalance decimal.Decimal
	SandboxPrice   decimal.Decimal
}

// Registry builds one decorated client per gateway configuration and
// reuses it until the configuration changes.
type Registry struct {
	Source  ConfigSource
	Options Options
	Clock   clock.Clock
	Log     zerolog.Logger
	// Build constructs the undecorated provider client. Defaults to
	// NewProvider; tests replace it with a fake.
	Build func(cfg model.GatewayConfiguration, opts Options) (Client, error)

	mu      sync.Mutex
	clients map[int]cachedClient
}

type cachedClient struct {
	version time.Time
	client  Client
}

func NewRegistry(source ConfigSource, opts Options, clk clock.Clock, log zerolog.Logger) *Registry {
	return &Registry{Source: source, Options: opts, Clock: clk, Log: log}
}

// NewProvider builds the raw client for cfg's gateway type.
func NewProvider(cfg model.GatewayConfiguration, opts Options) (Client, error) {
	switch cfg.Type {
	case model.GatewayAfricasTalking:
		c := NewAfricasTalking(cfg.Username, cfg.APIKey, cfg.SenderID, cfg.Sandbox, opts.RequestTimeout)
		c.BaseURL = opts.BaseURL
		return c, nil
	case model.GatewaySandbox:
		balance, price := opts.SandboxBalance, opts.SandboxPrice
		if balance.IsZero() {
			balance = decimal.NewFromInt(100000)
		}
		if price.IsZero() {
			price = decimal.RequireFromString("0.80")
		}
		return NewSandbox(balance, price), nil
	}
	return nil, fmt.Errorf("unsupported gateway type %q", cfg.Type)
}

// Resolve returns the client for the assigned gateway, falling back to the
// default configuration when none is assigned or the assigned one is
// inactive or gone.
func (r *Registry) Resolve(ctx context.Context, gatewayID *int) (Client, *model.GatewayConfiguration, error) {
	cfg, err := r.lookup(ctx, gatewayID)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients == nil {
		r.clients = make(map[int]cachedClient)
	}
	if cached, ok := r.clients[cfg.ID]; ok && cached.version.Equal(cfg.UpdatedAt) {
		return cached.client, cfg, nil
	}

	build := r.Build
	if build == nil {
		build = NewProvider
	}
	raw, err := build(*cfg, r.Options)
	if err != nil {
		return nil, nil, err
	}
	log := r.Log.With().Int("gateway_id", cfg.ID).Str("gateway", cfg.Name).Logger()
	client := NewRetryingClient(
		NewRateLimitedClient(raw, r.Options.RatePerSecond, r.Options.RateBurst),
		r.Options.MaxAttempts, r.Options.BaseDelay, r.Clock, log,
	)
	r.clients[cfg.ID] = cachedClient{version: cfg.UpdatedAt, client: client}
	return client, cfg, nil
}

func (r *Registry) lookup(ctx context.Context, gatewayID *int) (*model.GatewayConfiguration, error) {
	if gatewayID != nil {
		cfg, err := r.Source.GetByID(ctx, *gatewayID)
		switch {
		case err == nil && cfg != nil && cfg.Active:
			return cfg, nil
		case err != nil && !appErrors.IsNotFound(err):
			return nil, err
		}
		r.Log.Warn().Int("gateway_id", *gatewayID).Msg("assigned gateway unavailable, using default")
	}

	cfg, err := r.Source.GetDefault(ctx)
	if err != nil {
		return nil, err
	}
	if cfg == nil || !cfg.Active {
		return nil, appErrors.ErrNoGatewayConfigured
	}
	return cfg, nil
}

// Invalidate drops the cached client for id.
func (r *Registry) Invalidate(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}
