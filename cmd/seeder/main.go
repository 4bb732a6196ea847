// cmd/seeder/main.go
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/unclebandit/sms-dispatch/internal/app"
	"github.com/unclebandit/sms-dispatch/internal/config"
	"github.com/unclebandit/sms-dispatch/internal/db"
	"github.com/unclebandit/sms-dispatch/internal/logger"
	"github.com/unclebandit/sms-dispatch/internal/model"
)

type departmentFile struct {
	Departments []struct {
		Name          string `yaml:"name"`
		ShortName     string `yaml:"short_name"`
		ChartCode     string `yaml:"chart_code"`
		AccountNumber string `yaml:"account_number"`
		ObjectCode    string `yaml:"object_code"`
	} `yaml:"departments"`
}

func main() {
	envFile := pflag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	departments := pflag.String("departments", "seed/departments.yaml", "department billing codes to upsert")
	gateways := pflag.String("gateways", "", "gateway definitions to upsert (default GATEWAYS_FILE)")
	pflag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true, Name: "sms-seeder"})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	if cfg.StorageDriver != "postgres" {
		log.Fatal().Str("driver", cfg.StorageDriver).Msg("seeding needs STORAGE_DRIVER=postgres")
	}
	ctx := context.Background()

	conn, err := db.Open(ctx, cfg.DSN(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("database unavailable")
	}
	if err := db.Migrate(ctx, conn); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	conn.Close()
	log.Info().Msg("schema applied")

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	if *departments != "" {
		raw, err := os.ReadFile(*departments)
		if err != nil {
			log.Fatal().Err(err).Msg("reading departments failed")
		}
		var file departmentFile
		if err := yaml.Unmarshal(raw, &file); err != nil {
			log.Fatal().Err(err).Str("file", *departments).Msg("parsing departments failed")
		}
		for _, row := range file.Departments {
			d := &model.Department{
				Name:          row.Name,
				ShortName:     row.ShortName,
				ChartCode:     row.ChartCode,
				AccountNumber: row.AccountNumber,
				ObjectCode:    row.ObjectCode,
			}
			if err := a.Departments.Upsert(ctx, d); err != nil {
				log.Fatal().Err(err).Str("department", d.Name).Msg("seeding department failed")
			}
			if !d.HasBillingInfo() {
				log.Warn().Str("department", d.Name).Msg("department has no billing codes, its spend will not export")
			}
		}
		log.Info().Int("count", len(file.Departments)).Msg("departments seeded")
	}

	path := *gateways
	if path == "" {
		path = cfg.ConfigFile
	}
	if path != "" {
		n, err := a.SeedGateways(ctx, path)
		if err != nil {
			log.Fatal().Err(err).Msg("seeding gateways failed")
		}
		log.Info().Int("count", n).Msg("gateways seeded")
	}

	log.Info().Msg("database seeding completed")
}
