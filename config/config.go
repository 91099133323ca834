package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Traderelay AppConfig      `yaml:"traderelay"`
	Server     ServerConfig   `yaml:"server"`
	Exchange   ExchangeConfig `yaml:"exchange"`
	Relay      RelayConfig    `yaml:"relay"`
	Webhook    WebhookConfig  `yaml:"webhook"`
	Metrics    MetricsConfig  `yaml:"metrics"`
	Logging    LoggingConfig  `yaml:"logging"`

	// Secrets are populated from the environment, never from the file.
	Secrets Secrets `yaml:"-"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ServerConfig struct {
	Address        string   `yaml:"address"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type ExchangeConfig struct {
	RestURL       string        `yaml:"rest_url"`
	PublicWSURL   string        `yaml:"public_ws_url"`
	PrivateWSURL  string        `yaml:"private_ws_url"`
	SigningScheme string        `yaml:"signing_scheme"`
	RecvWindowMs  int64         `yaml:"recv_window_ms"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

type RelayConfig struct {
	MarketPacing        time.Duration `yaml:"market_pacing"`
	MarketReconnectWait time.Duration `yaml:"market_reconnect_wait"`
	OrdersPacing        time.Duration `yaml:"orders_pacing"`
	OrdersReconnectWait time.Duration `yaml:"orders_reconnect_wait"`
}

type WebhookConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`
}

type MetricsConfig struct {
	CloudWatch bool   `yaml:"cloudwatch"`
	Region     string `yaml:"region"`
	Namespace  string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// SchemeQueryString and SchemeCompactJSON are the accepted signing_scheme
// values; they select which Bybit API generation the submission client talks
// to.
const (
	SchemeQueryString = "query_string"
	SchemeCompactJSON = "compact_json"
)

// LoadConfig reads the YAML configuration, applies defaults, pulls secrets
// from the environment and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	if err := loadSecrets(&config); err != nil {
		return nil, err
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Traderelay.Name == "" {
		cfg.Traderelay.Name = "traderelay"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = "0.0.0.0:8000"
	}
	if cfg.Exchange.RestURL == "" {
		cfg.Exchange.RestURL = "https://api.bybit.com"
	}
	if cfg.Exchange.PublicWSURL == "" {
		cfg.Exchange.PublicWSURL = "wss://stream.bybit.com/v5/public/linear"
	}
	if cfg.Exchange.PrivateWSURL == "" {
		cfg.Exchange.PrivateWSURL = "wss://stream.bybit.com/v5/private"
	}
	if cfg.Exchange.SigningScheme == "" {
		cfg.Exchange.SigningScheme = SchemeCompactJSON
	}
	if cfg.Exchange.RecvWindowMs <= 0 {
		cfg.Exchange.RecvWindowMs = 5000
	}
	if cfg.Exchange.Timeout <= 0 {
		cfg.Exchange.Timeout = 10 * time.Second
	}
	if cfg.Exchange.RetryAttempts <= 0 {
		cfg.Exchange.RetryAttempts = 3
	}
	if cfg.Exchange.RetryBackoff <= 0 {
		cfg.Exchange.RetryBackoff = 2 * time.Second
	}
	if cfg.Relay.MarketPacing <= 0 {
		cfg.Relay.MarketPacing = time.Second
	}
	if cfg.Relay.MarketReconnectWait <= 0 {
		cfg.Relay.MarketReconnectWait = time.Second
	}
	if cfg.Relay.OrdersPacing <= 0 {
		cfg.Relay.OrdersPacing = 5 * time.Second
	}
	if cfg.Relay.OrdersReconnectWait <= 0 {
		cfg.Relay.OrdersReconnectWait = 2 * time.Second
	}
	if cfg.Webhook.RatePerSecond <= 0 {
		cfg.Webhook.RatePerSecond = 5
	}
	if cfg.Webhook.RateBurst <= 0 {
		cfg.Webhook.RateBurst = 10
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Exchange.SigningScheme {
	case SchemeQueryString, SchemeCompactJSON:
	default:
		return fmt.Errorf("unknown signing_scheme %q", cfg.Exchange.SigningScheme)
	}

	if !strings.HasPrefix(cfg.Exchange.RestURL, "http") {
		return fmt.Errorf("exchange rest_url must be an http(s) URL, got %q", cfg.Exchange.RestURL)
	}
	for _, u := range []string{cfg.Exchange.PublicWSURL, cfg.Exchange.PrivateWSURL} {
		if !strings.HasPrefix(u, "ws") {
			return fmt.Errorf("exchange stream URL must be a ws(s) URL, got %q", u)
		}
	}
	return nil
}
