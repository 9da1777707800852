package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	BaseURL  string        `envconfig:"BASE_URL" default:"http://localhost:8080"`
	DBPath   string        `envconfig:"DB_PATH" default:"downloads.db"`
	CacheDir string        `envconfig:"CACHE_DIR" default:"cache"`
	CacheTTL time.Duration `envconfig:"CACHE_TTL" default:"168h"`
	LogLevel string        `envconfig:"LOG_LEVEL" default:"INFO"`

	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Resolver struct {
		Timeout   time.Duration `split_words:"true" default:"45s"`
		UserAgent string        `split_words:"true" default:"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"`
		Referer   string        `split_words:"true" default:"https://wildshare.net/"`
		Hosts     []string      `split_words:"true" default:"wildshare.net"`
	}

	Upstream struct {
		Timeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		Exporter     string `split_words:"true" default:"prometheus"`
		OTLPEndpoint string `envconfig:"TELEMETRY_OTLP_ENDPOINT"`
		ServiceName  string `split_words:"true" default:"linkrelay"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
