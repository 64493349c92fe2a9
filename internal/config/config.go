/**
 * @description
 * Configuration management for the billing service. Settings come from the
 * environment (and an optional .env file) through viper, with defaults for the
 * reconciliation and lifecycle timings.
 *
 * @dependencies
 * - github.com/spf13/viper: environment binding and decoding into Config.
 */

package config

import (
	"errors"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultPaymentPollInterval   = 10 * time.Second
	defaultLifecycleScanInterval = 24 * time.Hour
	defaultServerGracePeriod     = 72 * time.Hour
	defaultServerRenewalPeriod   = 30 * 24 * time.Hour
	defaultDomainRenewalPeriod   = 365 * 24 * time.Hour
	defaultDomainPaydayOffset    = 360 * 24 * time.Hour
	defaultVMDeleteAttempts      = 3
	defaultVMDeleteBackoff       = 2 * time.Second
	defaultHookTimeout           = 10 * time.Second
	defaultRedisLockPrefix       = "hosting:cycle_lock"
	defaultEventsExchange        = "hosting.events"
	defaultPaymentStatusQueue    = "billing.payment_status"
	defaultPaymentProviders      = "aaio,crystalpay,cryptobot"
)

// ErrMissingDatabaseURL is returned when DATABASE_URL is not configured.
var ErrMissingDatabaseURL = errors.New("DATABASE_URL is required")

// Config holds all configuration for the billing service.
type Config struct {
	ServerPort         string `mapstructure:"SERVER_PORT"`
	DatabaseURL        string `mapstructure:"DATABASE_URL"`
	RedisURL           string `mapstructure:"REDIS_URL"`
	RedisLockPrefix    string `mapstructure:"REDIS_LOCK_PREFIX"`
	RabbitMQURL        string `mapstructure:"RABBITMQ_URL"`
	EventsExchange     string `mapstructure:"EVENTS_EXCHANGE"`
	PaymentStatusQueue string `mapstructure:"PAYMENT_STATUS_QUEUE"`
	InternalAPIKey     string `mapstructure:"INTERNAL_API_KEY"`
	InternalJWTSecret  string `mapstructure:"INTERNAL_JWT_SECRET"`

	PaymentPollInterval   time.Duration `mapstructure:"PAYMENT_POLL_INTERVAL"`
	LifecycleScanInterval time.Duration `mapstructure:"LIFECYCLE_SCAN_INTERVAL"`
	ServerGracePeriod     time.Duration `mapstructure:"SERVER_GRACE_PERIOD"`
	ServerRenewalPeriod   time.Duration `mapstructure:"SERVER_RENEWAL_PERIOD"`
	DomainRenewalPeriod   time.Duration `mapstructure:"DOMAIN_RENEWAL_PERIOD"`
	DomainPaydayOffset    time.Duration `mapstructure:"DOMAIN_PAYDAY_OFFSET"`
	VMDeleteAttempts      int           `mapstructure:"VM_DELETE_ATTEMPTS"`
	VMDeleteBackoff       time.Duration `mapstructure:"VM_DELETE_BACKOFF"`
	HookTimeout           time.Duration `mapstructure:"HOOK_TIMEOUT"`

	PaymentProviders string `mapstructure:"PAYMENT_PROVIDERS"`

	AAIOShopID    string `mapstructure:"PAYMENT_AAIO_ID"`
	AAIOSecretOne string `mapstructure:"PAYMENT_AAIO_SECRET_ONE"`
	AAIOAPIKey    string `mapstructure:"PAYMENT_AAIO_API_KEY"`

	CrystalPayLogin  string `mapstructure:"PAYMENT_CRYSTALPAY_ID"`
	CrystalPaySecret string `mapstructure:"PAYMENT_CRYSTALPAY_SECRET_ONE"`

	CryptoBotToken string `mapstructure:"PAYMENT_CRYPTOBOT_TOKEN"`

	VMManagerURL      string `mapstructure:"VMM_ENDPOINT_URL"`
	VMManagerEmail    string `mapstructure:"VMM_EMAIL"`
	VMManagerPassword string `mapstructure:"VMM_PASSWORD"`

	BotToken string `mapstructure:"BOT_TOKEN"`
}

// LoadConfig reads configuration from the environment, falling back to a .env
// file in path when present.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_LOCK_PREFIX", defaultRedisLockPrefix)
	viper.SetDefault("EVENTS_EXCHANGE", defaultEventsExchange)
	viper.SetDefault("PAYMENT_STATUS_QUEUE", defaultPaymentStatusQueue)
	viper.SetDefault("PAYMENT_POLL_INTERVAL", defaultPaymentPollInterval.String())
	viper.SetDefault("LIFECYCLE_SCAN_INTERVAL", defaultLifecycleScanInterval.String())
	viper.SetDefault("SERVER_GRACE_PERIOD", defaultServerGracePeriod.String())
	viper.SetDefault("SERVER_RENEWAL_PERIOD", defaultServerRenewalPeriod.String())
	viper.SetDefault("DOMAIN_RENEWAL_PERIOD", defaultDomainRenewalPeriod.String())
	viper.SetDefault("DOMAIN_PAYDAY_OFFSET", defaultDomainPaydayOffset.String())
	viper.SetDefault("VM_DELETE_ATTEMPTS", defaultVMDeleteAttempts)
	viper.SetDefault("VM_DELETE_BACKOFF", defaultVMDeleteBackoff.String())
	viper.SetDefault("HOOK_TIMEOUT", defaultHookTimeout.String())
	viper.SetDefault("PAYMENT_PROVIDERS", defaultPaymentProviders)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_LOCK_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("PAYMENT_STATUS_QUEUE")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("INTERNAL_JWT_SECRET")
	_ = viper.BindEnv("PAYMENT_POLL_INTERVAL")
	_ = viper.BindEnv("LIFECYCLE_SCAN_INTERVAL")
	_ = viper.BindEnv("SERVER_GRACE_PERIOD")
	_ = viper.BindEnv("SERVER_RENEWAL_PERIOD")
	_ = viper.BindEnv("DOMAIN_RENEWAL_PERIOD")
	_ = viper.BindEnv("DOMAIN_PAYDAY_OFFSET")
	_ = viper.BindEnv("VM_DELETE_ATTEMPTS")
	_ = viper.BindEnv("VM_DELETE_BACKOFF")
	_ = viper.BindEnv("HOOK_TIMEOUT")
	_ = viper.BindEnv("PAYMENT_PROVIDERS")
	_ = viper.BindEnv("PAYMENT_AAIO_ID")
	_ = viper.BindEnv("PAYMENT_AAIO_SECRET_ONE")
	_ = viper.BindEnv("PAYMENT_AAIO_API_KEY", "PAYMENT_AAIO_API_KEY", "PAYMENT_AAIO_TOKEN")
	_ = viper.BindEnv("PAYMENT_CRYSTALPAY_ID")
	_ = viper.BindEnv("PAYMENT_CRYSTALPAY_SECRET_ONE")
	_ = viper.BindEnv("PAYMENT_CRYPTOBOT_TOKEN", "PAYMENT_CRYPTOBOT_TOKEN", "PAYMENT_CRYPTO_PAY_TOKEN")
	_ = viper.BindEnv("VMM_ENDPOINT_URL")
	_ = viper.BindEnv("VMM_EMAIL")
	_ = viper.BindEnv("VMM_PASSWORD")
	_ = viper.BindEnv("BOT_TOKEN")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.RedisLockPrefix = strings.TrimSpace(config.RedisLockPrefix)
	if config.RedisLockPrefix == "" {
		config.RedisLockPrefix = defaultRedisLockPrefix
	}

	config.PaymentPollInterval = positiveDuration("PAYMENT_POLL_INTERVAL", config.PaymentPollInterval, defaultPaymentPollInterval)
	config.LifecycleScanInterval = positiveDuration("LIFECYCLE_SCAN_INTERVAL", config.LifecycleScanInterval, defaultLifecycleScanInterval)
	config.ServerGracePeriod = positiveDuration("SERVER_GRACE_PERIOD", config.ServerGracePeriod, defaultServerGracePeriod)
	config.ServerRenewalPeriod = positiveDuration("SERVER_RENEWAL_PERIOD", config.ServerRenewalPeriod, defaultServerRenewalPeriod)
	config.DomainRenewalPeriod = positiveDuration("DOMAIN_RENEWAL_PERIOD", config.DomainRenewalPeriod, defaultDomainRenewalPeriod)
	config.DomainPaydayOffset = positiveDuration("DOMAIN_PAYDAY_OFFSET", config.DomainPaydayOffset, defaultDomainPaydayOffset)
	config.VMDeleteBackoff = positiveDuration("VM_DELETE_BACKOFF", config.VMDeleteBackoff, defaultVMDeleteBackoff)
	config.HookTimeout = positiveDuration("HOOK_TIMEOUT", config.HookTimeout, defaultHookTimeout)

	if config.VMDeleteAttempts <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive VM_DELETE_ATTEMPTS; using default\" value=%d default=%d", config.VMDeleteAttempts, defaultVMDeleteAttempts)
		config.VMDeleteAttempts = defaultVMDeleteAttempts
	}

	if config.DatabaseURL == "" {
		err = ErrMissingDatabaseURL
		return
	}

	return config, nil
}

// EnabledProviders returns the normalized list of payment systems to poll.
func (c Config) EnabledProviders() []string {
	raw := strings.Split(c.PaymentProviders, ",")
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, name := range raw {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func positiveDuration(key string, value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	log.Printf("level=warn component=config msg=\"non-positive duration configured; using default\" key=%s value=%s default=%s", key, value, fallback)
	return fallback
}
