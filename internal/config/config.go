package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Worker    WorkerConfig
	Sources   SourcesConfig
	DB        DatabaseConfig
	Transport TransportConfig
	Logging   LoggingConfig

	// PolicyFile points at the YAML policy document (thresholds, recipients,
	// dispatch bounds). Loaded separately via LoadPolicy.
	PolicyFile string
}

type ServerConfig struct {
	Host string
	Port int
}

type WorkerConfig struct {
	Count      int
	BufferSize int
}

type SourcesConfig struct {
	FeedEnabled      bool
	FeedURL          string
	FeedPollInterval time.Duration

	KafkaEnabled bool
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string
}

type DatabaseConfig struct {
	Path string
}

type TransportConfig struct {
	// WebhookURL is the SMS gateway endpoint. Empty means dry-run: sends are
	// logged instead of delivered.
	WebhookURL string
	AuthToken  string
}

type LoggingConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "localhost"),
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		Worker: WorkerConfig{
			Count:      getEnvInt("WORKER_COUNT", 4),
			BufferSize: getEnvInt("WORKER_BUFFER_SIZE", 100),
		},
		Sources: SourcesConfig{
			FeedEnabled:      getEnvBool("FEED_ENABLED", false),
			FeedURL:          getEnv("FEED_URL", ""),
			FeedPollInterval: getEnvDuration("FEED_POLL_INTERVAL", time.Minute),
			KafkaEnabled:     getEnvBool("KAFKA_ENABLED", false),
			KafkaBrokers:     getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			KafkaTopic:       getEnv("KAFKA_TOPIC", "hazard-predictions"),
			KafkaGroupID:     getEnv("KAFKA_GROUP_ID", "hazard-alerts"),
		},
		DB: DatabaseConfig{
			Path: getEnv("DB_PATH", "./data/hazard-alerts.db"),
		},
		Transport: TransportConfig{
			WebhookURL: getEnv("SMS_WEBHOOK_URL", ""),
			AuthToken:  getEnv("SMS_AUTH_TOKEN", ""),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		PolicyFile: getEnv("POLICY_FILE", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Worker.Count < 1 {
		return fmt.Errorf("worker count must be at least 1")
	}

	if c.Sources.FeedEnabled {
		if c.Sources.FeedURL == "" {
			return fmt.Errorf("feed enabled without FEED_URL")
		}
		if c.Sources.FeedPollInterval < 10*time.Second {
			return fmt.Errorf("feed poll interval must be at least 10 seconds")
		}
	}
	if c.Sources.KafkaEnabled && len(c.Sources.KafkaBrokers) == 0 {
		return fmt.Errorf("kafka enabled without brokers")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
