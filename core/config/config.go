package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// TelegramConfig holds Telegram bot related settings.
type TelegramConfig struct {
	Token   string `yaml:"token" envconfig:"BOT_TOKEN" validate:"required"`
	AdminID int64  `yaml:"admin_id" envconfig:"TELEGRAM_ADMIN_ID"`
	RunMode string `yaml:"run_mode" envconfig:"TELEGRAM_RUN_MODE"`
	// LongPollTimeoutSeconds defines long polling timeout; 0 -> default
	LongPollTimeoutSeconds int `yaml:"longpoll_timeout_seconds" envconfig:"TELEGRAM_LONGPOLL_TIMEOUT_SECONDS"`
	// Resilience selects what happens when the run loop fails: "restart" or "exit".
	Resilience     string `yaml:"resilience" envconfig:"TELEGRAM_RESILIENCE"`
	RestartDelayMS int    `yaml:"restart_delay_ms" envconfig:"TELEGRAM_RESTART_DELAY_MS"`
}

// WebhookConfig specifies webhook settings.
type WebhookConfig struct {
	URL    string `yaml:"url" envconfig:"WEBHOOK_URL"`
	Listen string `yaml:"listen" envconfig:"WEBHOOK_LISTEN"`
	Port   int    `yaml:"port" envconfig:"WEBHOOK_PORT"`
}

// LoggingConfig defines logging related configuration.
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format      string `yaml:"format" envconfig:"LOG_FORMAT"`
	KeysOrder   string `yaml:"keys_order"`
	DebugSample string `yaml:"debug_sample"`
	Dir         string `yaml:"dir" envconfig:"LOG_DIR"`
	BotFile     string `yaml:"bot_file"`
	ErrorsFile  string `yaml:"errors_file"`
	// Profile indicates environment profile such as "debug" or "prod".
	Profile string `yaml:"profile" envconfig:"LOG_PROFILE"`
}

// RateLimitConfig throttles inbound updates per user with a token bucket:
// Burst updates back to back, then one per IntervalMS.
// ExcludeUpdates accepts update types to bypass limiting: "callback", "message", "inline_query".
type RateLimitConfig struct {
	IntervalMS     int      `yaml:"interval_ms" envconfig:"RATE_LIMIT_INTERVAL_MS"`
	Burst          int      `yaml:"burst" envconfig:"RATE_LIMIT_BURST"`
	ExcludeUpdates []string `yaml:"exclude_updates" envconfig:"RATE_LIMIT_EXCLUDE_UPDATES"`
}

// FAQConfig points at the question-answering backend.
type FAQConfig struct {
	AskURL    string `yaml:"ask_url" envconfig:"FAQ_ASK_URL" validate:"required,url"`
	IngestURL string `yaml:"ingest_url" envconfig:"FAQ_INGEST_URL" validate:"required,url"`
	APIToken  string `yaml:"api_token" envconfig:"FAQ_API_TOKEN"`
	// AskMethod is the HTTP method used for ask_question; the backend accepts GET with a JSON body.
	AskMethod    string `yaml:"ask_method" envconfig:"FAQ_ASK_METHOD"`
	Attempts     int    `yaml:"attempts" envconfig:"FAQ_ATTEMPTS" validate:"gte=0"`
	MinBackoffMS int    `yaml:"min_backoff_ms" validate:"gte=0"`
	MaxBackoffMS int    `yaml:"max_backoff_ms" validate:"gte=0"`
	TimeoutMS    int    `yaml:"timeout_ms" validate:"gte=0"`
}

// DeliveryConfig tunes outbound message retries toward users.
type DeliveryConfig struct {
	MaxAttempts   int     `yaml:"max_attempts" envconfig:"DELIVERY_MAX_ATTEMPTS" validate:"gte=0"`
	BaseDelayMS   int     `yaml:"base_delay_ms" validate:"gte=0"`
	MaxDelayMS    int     `yaml:"max_delay_ms" validate:"gte=0"`
	RatePerSecond float64 `yaml:"rate_per_second" validate:"gte=0"`
	Burst         int     `yaml:"burst" validate:"gte=0"`
}

// AlertsConfig configures the operator escalation channel.
type AlertsConfig struct {
	// Target is a numeric chat id or a public @channel name.
	Target      string `yaml:"target" envconfig:"ALERTS_TARGET"`
	QueueSize   int    `yaml:"queue_size" validate:"gte=0"`
	Workers     int    `yaml:"workers" validate:"gte=0"`
	MaxAttempts int    `yaml:"max_attempts" validate:"gte=0"`
	TimeoutMS   int    `yaml:"timeout_ms" validate:"gte=0"`
}

// FeedbackConfig configures rating prompts and their storage.
type FeedbackConfig struct {
	DelayMS int    `yaml:"delay_ms" envconfig:"FEEDBACK_DELAY_MS" validate:"gte=0"`
	Storage string `yaml:"storage" envconfig:"FEEDBACK_STORAGE"`
	File    string `yaml:"file" envconfig:"FEEDBACK_FILE"`
}

// DatabaseConfig holds Postgres connection settings used by the postgres feedback storage.
type DatabaseConfig struct {
	Host           string `yaml:"host" envconfig:"DB_HOST"`
	Port           string `yaml:"port" envconfig:"DB_PORT"`
	User           string `yaml:"user" envconfig:"DB_USER"`
	Password       string `yaml:"password" envconfig:"DB_PASSWORD"`
	Name           string `yaml:"name" envconfig:"DB_NAME"`
	SSLMode        string `yaml:"sslmode" envconfig:"DB_SSLMODE"`
	MaxConnections int    `yaml:"max_connections" envconfig:"DB_MAX_CONNECTIONS"`
	MigrationsDir  string `yaml:"migrations_dir" envconfig:"DB_MIGRATIONS_DIR"`
}

// OpsConfig configures the health/ops HTTP listener. Empty Listen disables it.
type OpsConfig struct {
	Listen string `yaml:"listen" envconfig:"OPS_LISTEN"`
	// AllowedOrigins enables CORS on the ops endpoints for the listed origins.
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"OPS_ALLOWED_ORIGINS"`
}

// TextsConfig overrides user-visible strings; empty values keep the built-in defaults.
type TextsConfig struct {
	Greeting       string `yaml:"greeting"`
	Help           string `yaml:"help"`
	MenuPrompt     string `yaml:"menu_prompt"`
	NoneOfThese    string `yaml:"none_of_these"`
	Unresolved     string `yaml:"unresolved"`
	RatingPrompt   string `yaml:"rating_prompt"`
	RatingThanks   string `yaml:"rating_thanks"`
	RateLimitReply string `yaml:"rate_limit_reply"`
	// Operator prefixes operator alerts and must contain one %v verb.
	Operator string `yaml:"operator"`
}

const (
	// RunModeWebhook selects webhook mode for Telegram updates.
	RunModeWebhook = "webhook"
	// RunModeLongpoll selects long-polling mode for Telegram updates.
	RunModeLongpoll = "longpoll"

	// ResilienceRestart keeps the process alive by sleeping and re-running after a failure.
	ResilienceRestart = "restart"
	// ResilienceExit propagates the failure and terminates.
	ResilienceExit = "exit"

	// StorageFile appends feedback records to a text file.
	StorageFile = "file"
	// StoragePostgres inserts feedback records into Postgres.
	StoragePostgres = "postgres"
)

const (
	// UpdateCallback identifies callback updates for rate limit exclusions.
	UpdateCallback = "callback"
	// UpdateMessage identifies message updates for rate limit exclusions.
	UpdateMessage = "message"
	// UpdateInlineQuery identifies inline query updates for rate limit exclusions.
	UpdateInlineQuery = "inline_query"
)

// Config aggregates the whole bot configuration.
type Config struct {
	Telegram    TelegramConfig  `yaml:"telegram"`
	Webhook     WebhookConfig   `yaml:"webhook"`
	Logging     LoggingConfig   `yaml:"logging"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	FAQ         FAQConfig       `yaml:"faq"`
	Delivery    DeliveryConfig  `yaml:"delivery"`
	Alerts      AlertsConfig    `yaml:"alerts"`
	Feedback    FeedbackConfig  `yaml:"feedback"`
	Database    DatabaseConfig  `yaml:"database"`
	Ops         OpsConfig       `yaml:"ops"`
	Texts       TextsConfig     `yaml:"texts"`
	Concurrency int             `yaml:"concurrency" envconfig:"CONCURRENCY" validate:"gte=0"`
}

// Load reads configuration from a YAML file, a local .env file and environment variables.
func Load(path string) (*Config, error) {
	var cfg Config

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize validates required fields and fills defaults.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	rm := strings.ToLower(strings.TrimSpace(cfg.Telegram.RunMode))
	if rm == "" || rm == "polling" {
		rm = RunModeLongpoll
	}
	switch rm {
	case RunModeWebhook:
		if strings.TrimSpace(cfg.Webhook.URL) == "" {
			return fmt.Errorf("webhook.url is required when telegram.run_mode is 'webhook'")
		}
		if strings.TrimSpace(cfg.Webhook.Listen) == "" {
			return fmt.Errorf("webhook.listen is required when telegram.run_mode is 'webhook'")
		}
		if cfg.Webhook.Port <= 0 {
			return fmt.Errorf("webhook.port must be > 0 when telegram.run_mode is 'webhook'")
		}
	case RunModeLongpoll:
		if cfg.Telegram.LongPollTimeoutSeconds < 0 {
			return fmt.Errorf("telegram.longpoll_timeout_seconds must be >= 0")
		}
	default:
		return fmt.Errorf("invalid telegram.run_mode %q; allowed: webhook, longpoll", cfg.Telegram.RunMode)
	}
	cfg.Telegram.RunMode = rm

	res := strings.ToLower(strings.TrimSpace(cfg.Telegram.Resilience))
	switch res {
	case "":
		res = ResilienceRestart
	case ResilienceRestart, ResilienceExit:
	default:
		return fmt.Errorf("invalid telegram.resilience %q; allowed: restart, exit", cfg.Telegram.Resilience)
	}
	cfg.Telegram.Resilience = res
	if cfg.Telegram.RestartDelayMS <= 0 {
		cfg.Telegram.RestartDelayMS = 60_000
	}

	allowed := map[string]struct{}{
		UpdateCallback:    {},
		UpdateMessage:     {},
		UpdateInlineQuery: {},
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 1
	}
	for i, v := range cfg.RateLimit.ExcludeUpdates {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := allowed[key]; !ok {
			return fmt.Errorf("invalid rate_limit.exclude_updates value %q; allowed: callback, message, inline_query", v)
		}
		cfg.RateLimit.ExcludeUpdates[i] = key
	}

	normalizeFAQ(&cfg.FAQ)
	normalizeDelivery(&cfg.Delivery)
	normalizeAlerts(&cfg.Alerts)

	if cfg.Feedback.DelayMS <= 0 {
		cfg.Feedback.DelayMS = 30_000
	}
	storage := strings.ToLower(strings.TrimSpace(cfg.Feedback.Storage))
	switch storage {
	case "":
		storage = StorageFile
	case StorageFile, StoragePostgres:
	default:
		return fmt.Errorf("invalid feedback.storage %q; allowed: file, postgres", cfg.Feedback.Storage)
	}
	cfg.Feedback.Storage = storage
	if storage == StorageFile && strings.TrimSpace(cfg.Feedback.File) == "" {
		cfg.Feedback.File = "feedback.txt"
	}
	if storage == StoragePostgres {
		if cfg.Database.Host == "" || cfg.Database.Name == "" {
			return fmt.Errorf("database.host and database.name are required for postgres feedback storage")
		}
		if cfg.Database.SSLMode == "" {
			cfg.Database.SSLMode = "disable"
		}
		if cfg.Database.MaxConnections <= 0 {
			cfg.Database.MaxConnections = 4
		}
		if cfg.Database.MigrationsDir == "" {
			cfg.Database.MigrationsDir = "migrations"
		}
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 32
	}
	return nil
}

func normalizeFAQ(c *FAQConfig) {
	c.AskMethod = strings.ToUpper(strings.TrimSpace(c.AskMethod))
	if c.AskMethod == "" {
		c.AskMethod = "GET"
	}
	if c.Attempts <= 0 {
		c.Attempts = 10
	}
	if c.MinBackoffMS <= 0 {
		c.MinBackoffMS = 4_000
	}
	if c.MaxBackoffMS <= 0 {
		c.MaxBackoffMS = 10_000
	}
	if c.MaxBackoffMS < c.MinBackoffMS {
		c.MaxBackoffMS = c.MinBackoffMS
	}
	if c.TimeoutMS <= 0 {
		c.TimeoutMS = 15_000
	}
}

func normalizeDelivery(c *DeliveryConfig) {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 6
	}
	if c.BaseDelayMS <= 0 {
		c.BaseDelayMS = 1_000
	}
	if c.MaxDelayMS <= 0 {
		c.MaxDelayMS = 60_000
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 25
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
}

func normalizeAlerts(c *AlertsConfig) {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.TimeoutMS <= 0 {
		c.TimeoutMS = 30_000
	}
}

// Duration converts a millisecond setting into time.Duration.
func Duration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
