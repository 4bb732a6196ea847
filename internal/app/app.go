// Package app assembles storage, queue, gateways and services from a
// Config. The server and worker binaries share it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/unclebandit/sms-dispatch/internal/clock"
	"github.com/unclebandit/sms-dispatch/internal/config"
	"github.com/unclebandit/sms-dispatch/internal/controller"
	"github.com/unclebandit/sms-dispatch/internal/db"
	"github.com/unclebandit/sms-dispatch/internal/directory"
	"github.com/unclebandit/sms-dispatch/internal/gateway"
	"github.com/unclebandit/sms-dispatch/internal/handler"
	"github.com/unclebandit/sms-dispatch/internal/phone"
	"github.com/unclebandit/sms-dispatch/internal/queue"
	"github.com/unclebandit/sms-dispatch/internal/repository"
	"github.com/unclebandit/sms-dispatch/internal/repository/memory"
	"github.com/unclebandit/sms-dispatch/internal/service"
)

type App struct {
	Config *config.Config
	Log    zerolog.Logger
	Clock  clock.Clock

	Campaigns    repository.CampaignRepositoryInterface
	Recipients   repository.RecipientRepositoryInterface
	Blacklist    repository.BlacklistRepositoryInterface
	Gateways     repository.GatewayConfigRepositoryInterface
	Departments  repository.DepartmentRepositoryInterface
	Expenditures repository.ExpenditureRepositoryInterface

	// Broker is set when Queue is backed by AMQP.
	Broker bool
	Queue  queue.Queue

	Registry          *gateway.Registry
	Credit            *service.CreditGuard
	BlacklistRegistry *service.BlacklistRegistry
	Engine            *service.DispatchEngine
	CampaignService   *service.CampaignService
	GatewayService    *service.GatewayService
	Aggregator        *service.ExpenditureAggregator

	closers []func() error
}

// New wires every component. Close releases the database and broker.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Clock: clock.Real()}

	if err := a.openStorage(ctx); err != nil {
		return nil, err
	}
	if err := a.openQueue(); err != nil {
		a.Close()
		return nil, err
	}

	privileged, minimum := cfg.Thresholds()
	numbers := phone.New(cfg.CountryCode, cfg.MobilePrefixes, cfg.KnownCodes)

	a.Registry = gateway.NewRegistry(a.Gateways, gateway.Options{
		RequestTimeout: cfg.RequestTimeout,
		MaxAttempts:    cfg.MaxAttempts,
		BaseDelay:      cfg.BaseBackoff,
		RatePerSecond:  cfg.RatePerSecond,
		RateBurst:      cfg.RateBurst,
		BaseURL:        cfg.BaseURL,
	}, a.Clock, log.With().Str("component", "gateway").Logger())

	a.Credit = &service.CreditGuard{
		Gateways:            a.Registry,
		Clock:               a.Clock,
		TTL:                 cfg.BalanceTTL,
		PrivilegedThreshold: privileged,
		MinimumBalance:      minimum,
		Log:                 log.With().Str("component", "credit").Logger(),
	}
	a.BlacklistRegistry = &service.BlacklistRegistry{Repo: a.Blacklist, Phone: numbers, Log: log}

	policy := service.DefaultTargetPolicy()
	resolver := &service.RecipientResolver{
		Directory: a.openDirectory(),
		Blacklist: a.BlacklistRegistry,
		Phone:     numbers,
		Policy:    policy,
		HardFail:  cfg.HardFail,
		Log:       log.With().Str("component", "resolver").Logger(),
	}

	a.Engine = &service.DispatchEngine{
		Campaigns:         a.Campaigns,
		Recipients:        a.Recipients,
		Resolver:          resolver,
		Gateways:          a.Registry,
		Credit:            a.Credit,
		Blacklist:         a.BlacklistRegistry,
		Clock:             a.Clock,
		Log:               log.With().Str("component", "dispatch").Logger(),
		Queue:             a.Queue,
		SendTopic:         cfg.SendTopic,
		BatchSize:         cfg.BatchSize,
		Concurrency:       cfg.Concurrency,
		MinSuccessRate:    cfg.MinSuccessRate,
		BlacklistOnBounce: cfg.BlacklistOnBounce,
		ClaimTimeout:      cfg.ClaimTimeout,
	}
	a.CampaignService = &service.CampaignService{
		CampaignRepo:  a.Campaigns,
		RecipientRepo: a.Recipients,
		Policy:        policy,
		Log:           log,
	}
	a.GatewayService = &service.GatewayService{Repo: a.Gateways, Clients: a.Registry, Credit: a.Credit, Log: log}
	a.Aggregator = &service.ExpenditureAggregator{
		Repo:        a.Expenditures,
		Queue:       a.Queue,
		ExportTopic: cfg.ExportTopic,
		Clock:       a.Clock,
		Log:         log.With().Str("component", "expenditure").Logger(),
	}

	// The memory driver starts empty, so gateways come from the file.
	if cfg.ConfigFile != "" && strings.EqualFold(cfg.StorageDriver, "memory") {
		if _, err := a.SeedGateways(ctx, cfg.ConfigFile); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *App) openStorage(ctx context.Context) error {
	if strings.EqualFold(a.Config.StorageDriver, "memory") {
		store := memory.New()
		a.Campaigns = store.Campaigns()
		a.Recipients = store.Recipients()
		a.Blacklist = store.Blacklist()
		a.Gateways = store.Gateways()
		a.Departments = store.Departments()
		a.Expenditures = store.Expenditures()
		a.Log.Warn().Msg("using in-memory storage, data is lost on exit")
		return nil
	}

	conn, err := db.Open(ctx, a.Config.DSN(), a.Log)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, conn.Close)
	a.usePostgres(conn)
	return nil
}

func (a *App) usePostgres(conn *sql.DB) {
	a.Campaigns = &repository.CampaignRepository{DB: conn}
	a.Recipients = &repository.RecipientRepository{DB: conn}
	a.Blacklist = &repository.BlacklistRepository{DB: conn}
	a.Gateways = &repository.GatewayConfigRepository{DB: conn}
	a.Departments = &repository.DepartmentRepository{DB: conn}
	a.Expenditures = &repository.ExpenditureRepository{DB: conn}
}

func (a *App) openQueue() error {
	if a.Config.AMQPURL == "" {
		q := queue.NewInMemoryQueue(a.Log.With().Str("component", "queue").Logger())
		a.closers = append(a.closers, q.Close)
		a.Queue = q
		return nil
	}
	q, err := queue.DialAMQP(a.Config.AMQPURL, a.Log.With().Str("component", "queue").Logger())
	if err != nil {
		return err
	}
	a.closers = append(a.closers, q.Close)
	a.Queue = q
	a.Broker = true
	return nil
}

func (a *App) openDirectory() directory.Directory {
	if a.Config.DirectoryURL == "" {
		return nil
	}
	d := directory.NewHTTPDirectory(a.Config.DirectoryURL, a.Config.DirectoryToken, a.Config.RequestTimeout)
	if a.Config.CacheTTL <= 0 {
		return d
	}
	return directory.NewCached(d, a.Config.CacheTTL)
}

// StartConsumers subscribes the send and export handlers on Queue.
func (a *App) StartConsumers(ctx context.Context) error {
	if err := queue.StartCampaignSendSubscriber(ctx, a.Queue, a.Config.SendTopic, a.Engine, a.Log.With().Str("component", "send-consumer").Logger()); err != nil {
		return fmt.Errorf("subscribe %s: %w", a.Config.SendTopic, err)
	}

	var sink *queue.LedgerWriter
	if a.Config.ExportFile != "" {
		f, err := os.OpenFile(a.Config.ExportFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open export file: %w", err)
		}
		a.closers = append(a.closers, f.Close)
		sink = queue.NewLedgerWriter(f)
	}
	if err := queue.StartExportSubscriber(ctx, a.Queue, a.Config.ExportTopic, sink, a.Log.With().Str("component", "export-consumer").Logger()); err != nil {
		return fmt.Errorf("subscribe %s: %w", a.Config.ExportTopic, err)
	}
	return nil
}

// SeedGateways upserts the gateway definitions in path by name.
func (a *App) SeedGateways(ctx context.Context, path string) (int, error) {
	configs, err := gateway.LoadConfigurations(path)
	if err != nil {
		return 0, err
	}
	for i := range configs {
		if err := a.Gateways.Save(ctx, &configs[i]); err != nil {
			return i, fmt.Errorf("save gateway %s: %w", configs[i].Name, err)
		}
		a.Registry.Invalidate(configs[i].ID)
		a.Log.Info().Str("gateway", configs[i].Name).Str("type", string(configs[i].Type)).Bool("default", configs[i].IsDefault).Msg("gateway configured")
	}
	return len(configs), nil
}

func (a *App) Router() http.Handler {
	return controller.NewRouter(controller.Routes{
		Campaigns: &controller.CampaignController{
			CampaignService: a.CampaignService,
			Engine:          a.Engine,
			Log:             a.Log,
		},
		Gateways: &controller.GatewayController{
			Gateways: a.GatewayService,
			Credit:   a.Credit,
			Log:      a.Log,
		},
		Expenditures: &controller.ExpenditureController{
			Aggregator: a.Aggregator,
			Log:        a.Log,
		},
		SMS: &handler.SMSHandler{Blacklist: a.BlacklistRegistry, Delivery: a.Engine, Log: a.Log},
		Log: a.Log.With().Str("component", "http").Logger(),
	})
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
