package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	DatabaseURL     string
	LogLevel        string
	HTTPPort        int
	ShutdownTimeout int // seconds
	VaultKey        string

	Queue    QueueConfig
	Redis    RedisConfig
	Sync     SyncConfig
	Schedule ScheduleConfig
	Worker   WorkerConfig
	Delivery DeliveryConfig
	Adapter  AdapterConfig

	GoogleClientID     string
	GoogleClientSecret string
}

type QueueConfig struct {
	Host          string
	Port          int
	Namespace     string
	Token         string
	SyncQueue     string
	DeliveryQueue string
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	TTR           time.Duration
	PollTimeout   time.Duration
	JobTTL        time.Duration
	Consumers     int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SyncConfig tunes window sizing for DecideNextWindow.
type SyncConfig struct {
	InitialWindowDays  int
	CatchUpWindowDays  int
	HistoryMonths      int
	DeltaIntervalDays  int
	StateUpdateRetries int
}

type ScheduleConfig struct {
	CatchUpInterval time.Duration
	DailyInterval   time.Duration
	StockInterval   time.Duration
	LockTTL         time.Duration
}

type WorkerConfig struct {
	Concurrency int
	JobTimeout  time.Duration
}

type DeliveryConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Timeout     time.Duration
}

type AdapterConfig struct {
	RequestInterval time.Duration
	ThrottleRetries int
	Timeout         time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("SHUTDOWN_TIMEOUT", 30)

	v.SetDefault("LMSTFY_PORT", 7777)
	v.SetDefault("LMSTFY_NAMESPACE", "marketsync")
	v.SetDefault("QUEUE_SYNC", "marketplace-sync")
	v.SetDefault("QUEUE_DELIVERY", "webhook-delivery")
	v.SetDefault("QUEUE_MAX_ATTEMPTS", 3)
	v.SetDefault("QUEUE_BASE_BACKOFF", "30s")
	v.SetDefault("QUEUE_MAX_BACKOFF", "30m")
	v.SetDefault("QUEUE_TTR", "30m")
	v.SetDefault("QUEUE_POLL_TIMEOUT", "5s")
	v.SetDefault("QUEUE_JOB_TTL", "72h")
	v.SetDefault("QUEUE_CONSUMERS", 2)

	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("SYNC_INITIAL_WINDOW_DAYS", 30)
	v.SetDefault("SYNC_CATCHUP_WINDOW_DAYS", 30)
	v.SetDefault("SYNC_HISTORY_MONTHS", 12)
	v.SetDefault("SYNC_DELTA_INTERVAL_DAYS", 1)
	v.SetDefault("SYNC_STATE_UPDATE_RETRIES", 5)

	v.SetDefault("SCHEDULE_CATCHUP_INTERVAL", "1h")
	v.SetDefault("SCHEDULE_DAILY_INTERVAL", "24h")
	v.SetDefault("SCHEDULE_STOCK_INTERVAL", "30m")
	v.SetDefault("SCHEDULE_LOCK_TTL", "2m")

	v.SetDefault("WORKER_CONCURRENCY", 4)
	v.SetDefault("WORKER_JOB_TIMEOUT", "25m")

	v.SetDefault("WEBHOOK_DELIVERY_BASE_DELAY", "1s")
	v.SetDefault("WEBHOOK_DELIVERY_MAX_DELAY", "60s")
	v.SetDefault("WEBHOOK_DELIVERY_MAX_ATTEMPTS", 5)
	v.SetDefault("WEBHOOK_DELIVERY_TIMEOUT", "30s")

	v.SetDefault("ADAPTER_REQUEST_INTERVAL", "1s")
	v.SetDefault("ADAPTER_THROTTLE_RETRIES", 3)
	v.SetDefault("ADAPTER_TIMEOUT", "60s")
}

// Load reads configuration from .env and environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	dbURL := v.GetString("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg := &Config{
		DatabaseURL:     dbURL,
		LogLevel:        v.GetString("LOG_LEVEL"),
		HTTPPort:        v.GetInt("HTTP_PORT"),
		ShutdownTimeout: v.GetInt("SHUTDOWN_TIMEOUT"),
		VaultKey:        v.GetString("VAULT_KEY"),
		Queue: QueueConfig{
			Host:          v.GetString("LMSTFY_HOST"),
			Port:          v.GetInt("LMSTFY_PORT"),
			Namespace:     v.GetString("LMSTFY_NAMESPACE"),
			Token:         v.GetString("LMSTFY_TOKEN"),
			SyncQueue:     v.GetString("QUEUE_SYNC"),
			DeliveryQueue: v.GetString("QUEUE_DELIVERY"),
			MaxAttempts:   v.GetInt("QUEUE_MAX_ATTEMPTS"),
			BaseBackoff:   v.GetDuration("QUEUE_BASE_BACKOFF"),
			MaxBackoff:    v.GetDuration("QUEUE_MAX_BACKOFF"),
			TTR:           v.GetDuration("QUEUE_TTR"),
			PollTimeout:   v.GetDuration("QUEUE_POLL_TIMEOUT"),
			JobTTL:        v.GetDuration("QUEUE_JOB_TTL"),
			Consumers:     v.GetInt("QUEUE_CONSUMERS"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Sync: SyncConfig{
			InitialWindowDays:  v.GetInt("SYNC_INITIAL_WINDOW_DAYS"),
			CatchUpWindowDays:  v.GetInt("SYNC_CATCHUP_WINDOW_DAYS"),
			HistoryMonths:      v.GetInt("SYNC_HISTORY_MONTHS"),
			DeltaIntervalDays:  v.GetInt("SYNC_DELTA_INTERVAL_DAYS"),
			StateUpdateRetries: v.GetInt("SYNC_STATE_UPDATE_RETRIES"),
		},
		Schedule: ScheduleConfig{
			CatchUpInterval: v.GetDuration("SCHEDULE_CATCHUP_INTERVAL"),
			DailyInterval:   v.GetDuration("SCHEDULE_DAILY_INTERVAL"),
			StockInterval:   v.GetDuration("SCHEDULE_STOCK_INTERVAL"),
			LockTTL:         v.GetDuration("SCHEDULE_LOCK_TTL"),
		},
		Worker: WorkerConfig{
			Concurrency: v.GetInt("WORKER_CONCURRENCY"),
			JobTimeout:  v.GetDuration("WORKER_JOB_TIMEOUT"),
		},
		Delivery: DeliveryConfig{
			BaseDelay:   v.GetDuration("WEBHOOK_DELIVERY_BASE_DELAY"),
			MaxDelay:    v.GetDuration("WEBHOOK_DELIVERY_MAX_DELAY"),
			MaxAttempts: v.GetInt("WEBHOOK_DELIVERY_MAX_ATTEMPTS"),
			Timeout:     v.GetDuration("WEBHOOK_DELIVERY_TIMEOUT"),
		},
		Adapter: AdapterConfig{
			RequestInterval: v.GetDuration("ADAPTER_REQUEST_INTERVAL"),
			ThrottleRetries: v.GetInt("ADAPTER_THROTTLE_RETRIES"),
			Timeout:         v.GetDuration("ADAPTER_TIMEOUT"),
		},
		GoogleClientID:     v.GetString("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: v.GetString("GOOGLE_CLIENT_SECRET"),
	}

	if cfg.GoogleClientID == "" || cfg.GoogleClientSecret == "" {
		fmt.Println("Warning: GOOGLE_CLIENT_ID or GOOGLE_CLIENT_SECRET not set, Google Shopping accounts will not sync")
	}
	if cfg.VaultKey == "" {
		fmt.Println("Warning: VAULT_KEY not set, marketplace credentials cannot be decrypted")
	}
	if cfg.Queue.Host == "" {
		fmt.Println("Warning: LMSTFY_HOST not set, sync jobs cannot be queued")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that window and interval tunables are usable
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]int{
		"SYNC_INITIAL_WINDOW_DAYS":      c.Sync.InitialWindowDays,
		"SYNC_CATCHUP_WINDOW_DAYS":      c.Sync.CatchUpWindowDays,
		"SYNC_HISTORY_MONTHS":           c.Sync.HistoryMonths,
		"SYNC_DELTA_INTERVAL_DAYS":      c.Sync.DeltaIntervalDays,
		"QUEUE_MAX_ATTEMPTS":            c.Queue.MaxAttempts,
		"WEBHOOK_DELIVERY_MAX_ATTEMPTS": c.Delivery.MaxAttempts,
		"WORKER_CONCURRENCY":            c.Worker.Concurrency,
	}
	for name, value := range positive {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, value))
		}
	}
	durations := map[string]time.Duration{
		"SCHEDULE_CATCHUP_INTERVAL":   c.Schedule.CatchUpInterval,
		"SCHEDULE_DAILY_INTERVAL":     c.Schedule.DailyInterval,
		"SCHEDULE_STOCK_INTERVAL":     c.Schedule.StockInterval,
		"WEBHOOK_DELIVERY_BASE_DELAY": c.Delivery.BaseDelay,
		"WEBHOOK_DELIVERY_MAX_DELAY":  c.Delivery.MaxDelay,
	}
	for name, value := range durations {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, value))
		}
	}
	return errors.Join(errs...)
}
