package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/riskwatch/hazard-alerts/internal/models"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Worker.Count != 4 {
		t.Errorf("expected default worker count 4, got %d", cfg.Worker.Count)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Logging.Level)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092, broker-2:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if len(cfg.Sources.KafkaBrokers) != 2 || cfg.Sources.KafkaBrokers[1] != "broker-2:9092" {
		t.Errorf("unexpected brokers: %v", cfg.Sources.KafkaBrokers)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad port", "SERVER_PORT", "70000"},
		{"bad log level", "LOG_LEVEL", "verbose"},
		{"feed without url", "FEED_ENABLED", "true"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", tc.key, tc.value)
			}
		})
	}
}

func TestDefaultPolicy_IsValid(t *testing.T) {
	p := DefaultPolicy()
	if err := p.validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}

	thresholds := p.Thresholds()
	if len(thresholds) != 2 {
		t.Fatalf("expected thresholds for both hazards, got %d", len(thresholds))
	}
	th := thresholds[models.HazardEarthquake]
	if th.High != 0.8 || th.Low != 0.4 {
		t.Errorf("unexpected default thresholds: %+v", th)
	}
	if th.Cooldown != time.Hour {
		t.Errorf("expected 1h cooldown, got %v", th.Cooldown)
	}
}

func TestLoadPolicy_FromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := `
hazards:
  earthquake:
    high: 0.9
    low: 0.3
    consecutive_high: 5
    consecutive_low: 4
    cooldown: 30m
  flood:
    high: 0.7
    low: 0.2
    consecutive_high: 2
    consecutive_low: 2
    cooldown: 2h
recipients:
  earthquake:
    - "+15550001111"
    - "+15550002222"
location_recipients:
  station-12:
    - "+15559998888"
dispatch:
  max_attempts: 3
  backoff_base: 250ms
  backoff_cap: 10s
  send_timeout: 5s
cas_retries: 5
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}

	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy failed: %v", err)
	}

	eq := p.Hazards["earthquake"]
	if eq.High != 0.9 || eq.ConsecutiveHigh != 5 || eq.Cooldown != 30*time.Minute {
		t.Errorf("unexpected earthquake policy: %+v", eq)
	}
	if p.Dispatch.MaxAttempts != 3 || p.Dispatch.BackoffBase != 250*time.Millisecond {
		t.Errorf("unexpected dispatch policy: %+v", p.Dispatch)
	}
	if p.CASRetries != 5 {
		t.Errorf("expected cas_retries 5, got %d", p.CASRetries)
	}

	recipients := p.DispatchRecipients()
	if got := recipients.Resolve(models.HazardEarthquake, "anywhere"); len(got) != 2 {
		t.Errorf("expected 2 earthquake recipients, got %v", got)
	}
	if got := recipients.Resolve(models.HazardEarthquake, "station-12"); len(got) != 1 || got[0] != "+15559998888" {
		t.Errorf("expected location override, got %v", got)
	}
}

func TestLoadPolicy_RejectsBadThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := `
hazards:
  flood:
    high: 0.3
    low: 0.6
    consecutive_high: 3
    consecutive_low: 2
    cooldown: 1h
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}

	if _, err := LoadPolicy(path); err == nil {
		t.Error("expected error for low >= high")
	}
}

func TestLoadPolicy_RejectsUnknownHazard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := `
hazards:
  wildfire:
    high: 0.8
    low: 0.4
    consecutive_high: 3
    consecutive_low: 2
    cooldown: 1h
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}

	if _, err := LoadPolicy(path); err == nil {
		t.Error("expected error for unknown hazard type")
	}
}

func TestLoadPolicy_MissingFileFails(t *testing.T) {
	if _, err := LoadPolicy("/nonexistent/policy.yaml"); err == nil {
		t.Error("expected error for missing policy file")
	}
}
