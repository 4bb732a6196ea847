package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	AppConfig
	DataBaseConfig
	QueueConfig
	GatewayConfig
	CreditConfig
	DispatchConfig
	PhoneConfig
	DirectoryConfig
	ExportConfig
	LoggerConfig
}

type AppConfig struct {
	Addr          string `envconfig:"APP_ADDR" default:":8080"`
	StorageDriver string `envconfig:"STORAGE_DRIVER" default:"postgres"` // postgres or memory
}

type DataBaseConfig struct {
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"sms_dispatch"`
	User     string `envconfig:"DB_USER" default:"postgres"`
	Password string `envconfig:"DB_PASSWORD"`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	URL      string `envconfig:"DATABASE_URL"` // overrides the fields above
}

type QueueConfig struct {
	AMQPURL   string `envconfig:"AMQP_URL"` // empty means the in-process queue
	SendTopic string `envconfig:"QUEUE_SEND_TOPIC" default:"campaign_sends"`
	// Ledger export batches are published here.
	ExportTopic string `envconfig:"QUEUE_EXPORT_TOPIC" default:"expenditure_exports"`
}

type GatewayConfig struct {
	ConfigFile     string        `envconfig:"GATEWAYS_FILE"`
	RequestTimeout time.Duration `envconfig:"GATEWAY_REQUEST_TIMEOUT" default:"30s"`
	MaxAttempts    int           `envconfig:"GATEWAY_MAX_ATTEMPTS" default:"3"`
	BaseBackoff    time.Duration `envconfig:"GATEWAY_BASE_BACKOFF" default:"1s"`
	RatePerSecond  float64       `envconfig:"GATEWAY_RATE_PER_SECOND" default:"20"`
	RateBurst      int           `envconfig:"GATEWAY_RATE_BURST" default:"5"`
	BaseURL        string        `envconfig:"GATEWAY_BASE_URL"` // test override
}

type CreditConfig struct {
	BalanceTTL time.Duration `envconfig:"CREDIT_BALANCE_TTL" default:"5m"`
	// Below this only system admins may send.
	PrivilegedThreshold string `envconfig:"CREDIT_PRIVILEGED_THRESHOLD" default:"15000"`
	MinimumBalance      string `envconfig:"CREDIT_MINIMUM_BALANCE" default:"80"`
	Currency            string `envconfig:"CREDIT_CURRENCY" default:"KES"`
}

type DispatchConfig struct {
	BatchSize         int           `envconfig:"DISPATCH_BATCH_SIZE" default:"100"`
	Concurrency       int           `envconfig:"DISPATCH_CONCURRENCY" default:"8"`
	MinSuccessRate    float64       `envconfig:"DISPATCH_MIN_SUCCESS_RATE" default:"0"`
	ScheduleInterval  time.Duration `envconfig:"DISPATCH_SCHEDULE_INTERVAL" default:"5m"`
	BlacklistOnBounce bool          `envconfig:"DISPATCH_BLACKLIST_ON_BOUNCE" default:"false"`
	// Claims older than this are failed by the next run of the campaign.
	ClaimTimeout time.Duration `envconfig:"DISPATCH_CLAIM_TIMEOUT" default:"30m"`
	// Zero disables the automatic retry pass.
	RetryInterval time.Duration `envconfig:"DISPATCH_RETRY_INTERVAL" default:"24h"`
	AutoRetryMax  int           `envconfig:"DISPATCH_AUTO_RETRY_MAX" default:"3"`
}

type PhoneConfig struct {
	CountryCode    string   `envconfig:"PHONE_COUNTRY_CODE" default:"254"`
	MobilePrefixes string   `envconfig:"PHONE_MOBILE_PREFIXES" default:"17"`
	KnownCodes     []string `envconfig:"PHONE_KNOWN_COUNTRY_CODES"`
}

type DirectoryConfig struct {
	DirectoryURL   string        `envconfig:"DIRECTORY_URL"`
	DirectoryToken string        `envconfig:"DIRECTORY_TOKEN"`
	CacheTTL       time.Duration `envconfig:"DIRECTORY_CACHE_TTL" default:"10m"`
	HardFail       bool          `envconfig:"DIRECTORY_HARD_FAIL" default:"false"`
}

type ExportConfig struct {
	ExportInterval time.Duration `envconfig:"EXPORT_INTERVAL" default:"24h"`
	ExportFile     string        `envconfig:"EXPORT_FILE"` // ledger JSON lines; empty only logs
}

type LoggerConfig struct {
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogDir    string `envconfig:"LOG_DIR"`
	LogPretty bool   `envconfig:"LOG_PRETTY" default:"false"`
}

// Load reads envFile (if present) into the environment and decodes the
// environment into a Config.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(c.StorageDriver) {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORAGE_DRIVER must be postgres or memory, got %q", c.StorageDriver)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("DISPATCH_BATCH_SIZE must be positive")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("DISPATCH_CONCURRENCY must be positive")
	}
	if c.AutoRetryMax < 1 {
		return fmt.Errorf("DISPATCH_AUTO_RETRY_MAX must be positive")
	}
	if _, err := decimal.NewFromString(c.PrivilegedThreshold); err != nil {
		return fmt.Errorf("CREDIT_PRIVILEGED_THRESHOLD: %w", err)
	}
	if _, err := decimal.NewFromString(c.MinimumBalance); err != nil {
		return fmt.Errorf("CREDIT_MINIMUM_BALANCE: %w", err)
	}
	return nil
}

// DSN builds the lib/pq connection string.
func (c *DataBaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

func (c *CreditConfig) Thresholds() (privileged, minimum decimal.Decimal) {
	privileged, _ = decimal.NewFromString(c.PrivilegedThreshold)
	minimum, _ = decimal.NewFromString(c.MinimumBalance)
	return privileged, minimum
}
