package config

import (
	"fmt"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`
	APIPort     int    `env:"API_PORT,default=8080"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`

	ProcessorID         int64  `env:"PROCESSOR_ID,default=1"`
	StripeSecretKey     string `env:"STRIPE_SECRET_KEY,required=true"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	StripeTestMode      bool   `env:"STRIPE_TEST_MODE,default=true"`

	// FirewallURL, when set, receives fraud and card-testing reports.
	FirewallURL           string `env:"FIREWALL_URL"`
	OneOffReceiptEmail    bool   `env:"ONEOFF_RECEIPT_EMAIL,default=false"`
	FraudFailureThreshold int64  `env:"FRAUD_FAILURE_THRESHOLD,default=5"`

	IntentPurgeAgeHours         int `env:"INTENT_PURGE_AGE_HOURS,default=24"`
	IntentAbandonAgeHours       int `env:"INTENT_ABANDON_AGE_HOURS,default=24"`
	HousekeepingIntervalMinutes int `env:"HOUSEKEEPING_INTERVAL_MINUTES,default=60"`
	ReplayMaxAttempts           int `env:"REPLAY_MAX_ATTEMPTS,default=3"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
