package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Secrets are required environment-only configuration. There are no
// defaults; in particular the webhook secret must never fall back to a
// known value.
type Secrets struct {
	APIKey        string `envconfig:"BYBIT_API_KEY" required:"true"`
	APISecret     string `envconfig:"BYBIT_API_SECRET" required:"true"`
	WebhookSecret string `envconfig:"WEBHOOK_SECRET" required:"true"`
}

// loadSecrets processes the required secrets and applies optional URL
// overrides from the environment.
func loadSecrets(cfg *Config) error {
	if err := envconfig.Process("", &cfg.Secrets); err != nil {
		return fmt.Errorf("missing required environment configuration: %w", err)
	}

	// envconfig accepts variables that are set but empty; an empty secret
	// is still a misconfiguration.
	for name, value := range map[string]string{
		"BYBIT_API_KEY":    cfg.Secrets.APIKey,
		"BYBIT_API_SECRET": cfg.Secrets.APISecret,
		"WEBHOOK_SECRET":   cfg.Secrets.WebhookSecret,
	} {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("required environment variable %s is empty", name)
		}
	}

	if v := os.Getenv("BYBIT_REST_URL"); v != "" {
		cfg.Exchange.RestURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("BYBIT_PUBLIC_WS_URL"); v != "" {
		cfg.Exchange.PublicWSURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("BYBIT_PRIVATE_WS_URL"); v != "" {
		cfg.Exchange.PrivateWSURL = strings.TrimSpace(v)
	}
	return nil
}
