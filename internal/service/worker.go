package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/sms-dispatch/internal/clock"
)

// DueProcessor starts scheduled campaigns whose time has passed.
type DueProcessor interface {
	ProcessDue(ctx context.Context, now time.Time) (int, error)
}

// Exporter pushes pending expenditure to the ledger.
type Exporter interface {
	Export(ctx context.Context) (*ExportResult, error)
}

// Retrier restarts finished campaigns that still hold failed recipients.
type Retrier interface {
	AutoRetry(ctx context.Context, maxRetries int) (int, error)
}

// Scheduler is the external timer of the campaign state machine. It
// ticks every Interval. When Exporter is set it exports expenditure
// every ExportInterval, and when Retrier is set it retries failed
// recipients every RetryInterval, up to RetryMax passes each.
type Scheduler struct {
	Due            DueProcessor
	Exporter       Exporter
	Retrier        Retrier
	Clock          clock.Clock
	Interval       time.Duration
	ExportInterval time.Duration
	RetryInterval  time.Duration
	RetryMax       int
	Log            zerolog.Logger
}

func NewScheduler(due DueProcessor, clk clock.Clock, interval time.Duration, log zerolog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{Due: due, Clock: clk, Interval: interval, Log: log}
}

// Tick runs one scheduling pass.
func (s *Scheduler) Tick(ctx context.Context) int {
	started, err := s.Due.ProcessDue(ctx, s.Clock.Now())
	if err != nil {
		s.Log.Error().Err(err).Msg("processing due campaigns failed")
	}
	return started
}

func (s *Scheduler) ExportOnce(ctx context.Context) {
	if s.Exporter == nil {
		return
	}
	if _, err := s.Exporter.Export(ctx); err != nil {
		s.Log.Error().Err(err).Msg("expenditure export failed")
	}
}

// RetryOnce runs one automatic retry pass.
func (s *Scheduler) RetryOnce(ctx context.Context) int {
	if s.Retrier == nil {
		return 0
	}
	started, err := s.Retrier.AutoRetry(ctx, s.RetryMax)
	if err != nil {
		s.Log.Error().Err(err).Msg("automatic retry pass failed")
	}
	return started
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s.Log.Info().Dur("interval", interval).Dur("export_interval", s.ExportInterval).
		Dur("retry_interval", s.RetryInterval).Msg("scheduler started")

	nextExport := s.Clock.Now().Add(s.ExportInterval)
	nextRetry := s.Clock.Now().Add(s.RetryInterval)
	for {
		s.Tick(ctx)
		if s.Exporter != nil && s.ExportInterval > 0 && !s.Clock.Now().Before(nextExport) {
			s.ExportOnce(ctx)
			nextExport = s.Clock.Now().Add(s.ExportInterval)
		}
		if s.Retrier != nil && s.RetryInterval > 0 && !s.Clock.Now().Before(nextRetry) {
			s.RetryOnce(ctx)
			nextRetry = s.Clock.Now().Add(s.RetryInterval)
		}

		select {
		case <-ctx.Done():
			s.Log.Info().Msg("scheduler stopped")
			return
		case <-s.Clock.After(interval):
		}
	}
}
