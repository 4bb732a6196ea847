// cmd/worker/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/unclebandit/sms-dispatch/internal/app"
	"github.com/unclebandit/sms-dispatch/internal/config"
	"github.com/unclebandit/sms-dispatch/internal/logger"
	"github.com/unclebandit/sms-dispatch/internal/service"
)

func main() {
	envFile := pflag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	interval := pflag.Duration("schedule-interval", 0, "how often due campaigns are started (default DISPATCH_SCHEDULE_INTERVAL)")
	once := pflag.Bool("once", false, "run a single scheduling pass and exit")
	export := pflag.Bool("export", false, "export pending expenditure to the ledger (with --once, export only)")
	retry := pflag.Bool("retry", false, "retry failed recipients of completed campaigns (with --once, retry only)")
	pflag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Dir: cfg.LogDir, Pretty: cfg.LogPretty, Name: "sms-worker"})
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *interval > 0 {
		cfg.ScheduleInterval = *interval
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	if err := a.StartConsumers(ctx); err != nil {
		log.Fatal().Err(err).Msg("starting consumers failed")
	}
	if !a.Broker {
		log.Warn().Msg("AMQP_URL is empty, only campaigns started by this process are consumed")
	}

	scheduler := service.NewScheduler(a.Engine, a.Clock, cfg.ScheduleInterval, log.With().Str("component", "scheduler").Logger())
	if *export || cfg.ExportInterval > 0 {
		scheduler.Exporter = a.Aggregator
		scheduler.ExportInterval = cfg.ExportInterval
	}
	if *retry || cfg.RetryInterval > 0 {
		scheduler.Retrier = a.Engine
		scheduler.RetryInterval = cfg.RetryInterval
		scheduler.RetryMax = cfg.AutoRetryMax
	}

	if *once {
		switch {
		case *export:
			scheduler.ExportOnce(ctx)
		case *retry:
			started := scheduler.RetryOnce(ctx)
			log.Info().Int("started", started).Msg("retry pass finished")
		default:
			started := scheduler.Tick(ctx)
			log.Info().Int("started", started).Msg("scheduling pass finished")
		}
		// Let the in-process queue drain before exiting.
		if w, ok := a.Queue.(interface{ Wait() }); ok {
			w.Wait()
		}
		return
	}

	log.Info().Dur("interval", cfg.ScheduleInterval).Bool("broker", a.Broker).Msg("worker running")
	scheduler.Run(ctx)
}
