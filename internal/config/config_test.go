package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAndValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quotegate.yaml")

	t.Setenv("QG_TEST_WEBHOOK", "https://hooks.example.test/T000")

	data := `
listen_addr: ":9090"
policy_path: "./policies/underwriting.yaml"
db:
  driver: sqlite
  dsn: "file:quotegate.db"
workflow:
  max_missing_info_retries: 5
notify:
  enabled: true
  webhook_url: "${QG_TEST_WEBHOOK}"
  poll_interval: 10s
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Notify.WebhookURL != "https://hooks.example.test/T000" {
		t.Fatalf("expected expanded webhook url, got %q", cfg.Notify.WebhookURL)
	}
	if cfg.Notify.PollInterval != 10*time.Second {
		t.Fatalf("unexpected poll interval: %v", cfg.Notify.PollInterval)
	}
	if cfg.Workflow.MaxMissingInfoRetries != 5 {
		t.Fatalf("expected retries override, got %d", cfg.Workflow.MaxMissingInfoRetries)
	}
	if cfg.Workflow.Workers != 4 || cfg.Workflow.QueueSize != 64 {
		t.Fatalf("expected defaults to survive partial file: %+v", cfg.Workflow)
	}
	if cfg.ReviewSLA() != 0 {
		t.Fatalf("expected policy sla by default, got %v", cfg.ReviewSLA())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("QUOTEGATE_LISTEN_ADDR", ":7070")
	t.Setenv("QUOTEGATE_WORKERS", "8")
	t.Setenv("QUOTEGATE_REVIEW_SLA_HOURS", "24")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Fatalf("expected env listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.Workflow.Workers != 8 {
		t.Fatalf("expected env workers, got %d", cfg.Workflow.Workers)
	}
	if cfg.Review.SLAHours != 24 {
		t.Fatalf("expected env sla, got %d", cfg.Review.SLAHours)
	}
	if cfg.DB.Driver != DriverMemory {
		t.Fatalf("expected default memory driver, got %q", cfg.DB.Driver)
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("QUOTEGATE_WORKERS", "many")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected env parse error")
	}
}

func TestValidateMissingFields(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidateNotifyRequiresWebhook(t *testing.T) {
	cfg := Defaults()
	cfg.Notify.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidateDBRequiresDSN(t *testing.T) {
	for _, driver := range []string{DriverSQLite, DriverPostgres} {
		cfg := Defaults()
		cfg.DB.Driver = driver
		if err := cfg.Validate(); err == nil {
			t.Fatalf("expected error for %s", driver)
		}
	}
}

func TestValidateUnknownDriver(t *testing.T) {
	cfg := Defaults()
	cfg.DB = DBConfig{Driver: "mysql", DSN: "x"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidateWorkflowBounds(t *testing.T) {
	cfg := Defaults()
	cfg.Workflow.QueueSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidateReviewSLA(t *testing.T) {
	cfg := Defaults()
	if cfg.Review.SLAHours != 0 {
		t.Fatalf("expected policy window by default, got %d", cfg.Review.SLAHours)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("zero sla should be valid: %v", err)
	}
	cfg.Review.SLAHours = -1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for negative sla")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("does-not-exist.yaml"); err == nil {
		t.Fatalf("expected error")
	}
}
