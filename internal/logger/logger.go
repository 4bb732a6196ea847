package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level  string
	Dir    string // empty logs to stdout only
	Pretty bool
	Name   string // file name prefix and "service" field
}

// New builds the process logger. With Dir set, output goes to both a
// timestamped file in Dir and stdout.
func New(cfg Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var console io.Writer = os.Stdout
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	writer := console
	if cfg.Dir != "" {
		file, err := createLogFile(cfg.Dir, cfg.Name)
		if err != nil {
			return zerolog.Nop(), err
		}
		writer = io.MultiWriter(file, console)
	}

	name := cfg.Name
	if name == "" {
		name = "sms-dispatch"
	}
	return zerolog.New(writer).Level(level).With().Timestamp().Str("service", name).Logger(), nil
}

func createLogFile(dir, name string) (io.Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if name == "" {
		name = "sms-dispatch"
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", name, time.Now().Format("2006-01-02_15-04-05")))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

// Component returns a child logger tagged with the component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
