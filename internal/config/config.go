package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string          `yaml:"listen_addr" env:"QUOTEGATE_LISTEN_ADDR"`
	DB         DBConfig        `yaml:"db"`
	PolicyPath string          `yaml:"policy_path" env:"QUOTEGATE_POLICY_PATH"`
	Workflow   WorkflowConfig  `yaml:"workflow"`
	Review     ReviewConfig    `yaml:"review"`
	Notify     NotifyConfig    `yaml:"notify"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
}

type DBConfig struct {
	Driver string `yaml:"driver" env:"QUOTEGATE_DB_DRIVER"`
	DSN    string `yaml:"dsn" env:"QUOTEGATE_DB_DSN"`
}

type WorkflowConfig struct {
	MaxMissingInfoRetries int `yaml:"max_missing_info_retries" env:"QUOTEGATE_MAX_MISSING_INFO_RETRIES"`
	Workers               int `yaml:"workers" env:"QUOTEGATE_WORKERS"`
	QueueSize             int `yaml:"queue_size" env:"QUOTEGATE_QUEUE_SIZE"`
}

// ReviewConfig overrides the policy's review window. Zero keeps the policy value.
type ReviewConfig struct {
	SLAHours int `yaml:"sla_hours" env:"QUOTEGATE_REVIEW_SLA_HOURS"`
}

type NotifyConfig struct {
	Enabled      bool          `yaml:"enabled" env:"QUOTEGATE_NOTIFY_ENABLED"`
	WebhookURL   string        `yaml:"webhook_url" env:"QUOTEGATE_NOTIFY_WEBHOOK_URL"`
	PollInterval time.Duration `yaml:"poll_interval" env:"QUOTEGATE_NOTIFY_POLL_INTERVAL"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"QUOTEGATE_OTLP_ENDPOINT"`
	ServiceName  string `yaml:"service_name" env:"QUOTEGATE_SERVICE_NAME"`
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func Defaults() Config {
	return Config{
		ListenAddr: ":8080",
		DB:         DBConfig{Driver: DriverMemory},
		Workflow: WorkflowConfig{
			MaxMissingInfoRetries: 3,
			Workers:               4,
			QueueSize:             64,
		},
		Notify:    NotifyConfig{PollInterval: 2 * time.Second},
		Telemetry: TelemetryConfig{ServiceName: "quotegate"},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// QUOTEGATE_* environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		// #nosec G304 -- path is operator-provided config path.
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}

		expanded := os.ExpandEnv(string(raw))
		expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	switch c.DB.Driver {
	case "", DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when db.driver=%s", c.DB.Driver)
		}
	default:
		return fmt.Errorf("db.driver must be one of memory, sqlite, postgres")
	}

	if c.Workflow.MaxMissingInfoRetries < 1 {
		return fmt.Errorf("workflow.max_missing_info_retries must be at least 1")
	}
	if c.Workflow.Workers < 1 {
		return fmt.Errorf("workflow.workers must be at least 1")
	}
	if c.Workflow.QueueSize < 1 {
		return fmt.Errorf("workflow.queue_size must be at least 1")
	}
	if c.Review.SLAHours < 0 {
		return fmt.Errorf("review.sla_hours must not be negative")
	}

	if c.Notify.Enabled {
		if c.Notify.WebhookURL == "" {
			return fmt.Errorf("notify.webhook_url is required when notify.enabled=true")
		}
		if c.Notify.PollInterval <= 0 {
			return fmt.Errorf("notify.poll_interval must be positive")
		}
	}

	return nil
}

// ReviewSLA is the advisory review deadline offset, or zero to use the
// policy's window.
func (c Config) ReviewSLA() time.Duration {
	return time.Duration(c.Review.SLAHours) * time.Hour
}
