package app

import (
	"fmt"
	"strings"
	"time"

	"careline/cmd/internal/attachment"
	"careline/cmd/internal/escalation"

	"github.com/joho/godotenv"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // json|pretty

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	DBStatementTimeout time.Duration

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	RulesFile           string
	RulesReloadInterval time.Duration
	SweepCron           string
	Escalation          escalation.Config

	UrgentKeywords []string
	BudgetMessages int
	BudgetWindow   time.Duration
	BudgetBurst    int

	AttachmentBucket    string
	AttachmentRegion    string
	AttachmentEndpoint  string
	AttachmentAccessKey string
	AttachmentSecretKey string
	AttachmentMaxSize   int64

	TranslationURL      string
	TranslationAPIKey   string
	TranslationTimeout  time.Duration
	TranslationStore    string // memory|pebble|postgres
	TranslationCacheDir string

	SmartReplyTTL     time.Duration
	SmartReplyContext int

	ReplayBuffer    int
	SubscriberQueue int
	TopicIdleTTL    time.Duration

	AlertSlackWebhook string
}

// LoadEnvFile loads CARELINE_ENV_FILE (default .env) into the process
// environment. A missing default file is not an error; variables already set win.
func LoadEnvFile() error {
	path := EnvString("CARELINE_ENV_FILE", "")
	if path == "" {
		_ = godotenv.Load(".env")
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() (Config, error) {
	esc := escalation.DefaultConfig()
	esc.DedupWindow = EnvDuration("CARELINE_ESCALATION_DEDUP_WINDOW", esc.DedupWindow)
	esc.Window = EnvDuration("CARELINE_ESCALATION_WINDOW", esc.Window)
	esc.MaxAttempts = EnvInt("CARELINE_ESCALATION_MAX_ATTEMPTS", esc.MaxAttempts)
	esc.BackoffBase = EnvDuration("CARELINE_ESCALATION_BACKOFF_BASE", esc.BackoffBase)
	esc.BackoffMax = EnvDuration("CARELINE_ESCALATION_BACKOFF_MAX", esc.BackoffMax)
	esc.Workers = EnvInt("CARELINE_ESCALATION_WORKERS", esc.Workers)
	esc.QueueSize = EnvInt("CARELINE_ESCALATION_QUEUE", esc.QueueSize)

	cfg := Config{
		HTTPAddr:  EnvString("CARELINE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("CARELINE_LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(EnvString("CARELINE_LOG_FORMAT", "json")),

		ReadHeaderTimeout: EnvDuration("CARELINE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CARELINE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("CARELINE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("CARELINE_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("CARELINE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("CARELINE_DATABASE_URL", ""),
		DBSchema:    EnvString("CARELINE_DB_SCHEMA", "careline"),
		DBMaxConns:  EnvInt32("CARELINE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("CARELINE_DB_MIN_CONNS", 0),

		DBStatementTimeout: EnvDuration("CARELINE_DB_STATEMENT_TIMEOUT", 30*time.Second),

		ReadinessRequireDB: EnvBool("CARELINE_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins:   EnvCSV("CARELINE_CORS_ALLOWED_ORIGINS"),
		CORSAllowCredentials: EnvBool("CARELINE_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("CARELINE_CORS_MAX_AGE_SECONDS", 600),

		RulesFile:           EnvString("CARELINE_ESCALATION_RULES_FILE", ""),
		RulesReloadInterval: EnvDuration("CARELINE_RULES_RELOAD_INTERVAL", 10*time.Second),
		SweepCron:           EnvString("CARELINE_ESCALATION_SWEEP_CRON", escalation.DefaultSweepCron),
		Escalation:          esc,

		UrgentKeywords: EnvCSV("CARELINE_URGENT_KEYWORDS"),
		BudgetMessages: EnvInt("CARELINE_MESSAGE_BUDGET", 20),
		BudgetWindow:   EnvDuration("CARELINE_MESSAGE_BUDGET_WINDOW", 10*time.Second),
		BudgetBurst:    EnvInt("CARELINE_MESSAGE_BUDGET_BURST", 20),

		AttachmentBucket:    EnvString("CARELINE_ATTACHMENT_BUCKET", ""),
		AttachmentRegion:    EnvString("CARELINE_ATTACHMENT_REGION", ""),
		AttachmentEndpoint:  EnvString("CARELINE_ATTACHMENT_ENDPOINT", ""),
		AttachmentAccessKey: EnvString("CARELINE_ATTACHMENT_ACCESS_KEY", ""),
		AttachmentSecretKey: EnvString("CARELINE_ATTACHMENT_SECRET_KEY", ""),

		TranslationURL:      EnvString("CARELINE_TRANSLATION_URL", ""),
		TranslationAPIKey:   EnvString("CARELINE_TRANSLATION_API_KEY", ""),
		TranslationTimeout:  EnvDuration("CARELINE_TRANSLATION_TIMEOUT", 5*time.Second),
		TranslationStore:    strings.ToLower(EnvString("CARELINE_TRANSLATION_STORE", "")),
		TranslationCacheDir: EnvString("CARELINE_TRANSLATION_CACHE_DIR", ""),

		SmartReplyTTL:     EnvDuration("CARELINE_SMART_REPLY_TTL", 10*time.Minute),
		SmartReplyContext: EnvInt("CARELINE_SMART_REPLY_CONTEXT", 5),

		ReplayBuffer:    EnvInt("CARELINE_REPLAY_BUFFER", 256),
		SubscriberQueue: EnvInt("CARELINE_SUBSCRIBER_QUEUE", 64),
		TopicIdleTTL:    EnvDuration("CARELINE_TOPIC_IDLE_TTL", 10*time.Minute),

		AlertSlackWebhook: EnvString("CARELINE_ALERT_SLACK_WEBHOOK", ""),
	}

	maxSize, err := attachment.ParseSize(EnvString("CARELINE_ATTACHMENT_MAX_SIZE", "25MB"))
	if err != nil {
		return Config{}, fmt.Errorf("CARELINE_ATTACHMENT_MAX_SIZE: %w", err)
	}
	cfg.AttachmentMaxSize = maxSize

	if cfg.TranslationStore == "" {
		cfg.TranslationStore = defaultTranslationStore(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultTranslationStore(cfg Config) string {
	switch {
	case cfg.TranslationCacheDir != "":
		return "pebble"
	case cfg.DatabaseURL != "":
		return "postgres"
	default:
		return "memory"
	}
}

// Validate rejects combinations the runtime cannot serve.
func (c Config) Validate() error {
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("CARELINE_LOG_FORMAT: unknown format %q", c.LogFormat)
	}
	if !escalation.ValidCron(c.SweepCron) {
		return fmt.Errorf("CARELINE_ESCALATION_SWEEP_CRON: invalid cron %q", c.SweepCron)
	}
	switch c.TranslationStore {
	case "memory":
	case "pebble":
		if c.TranslationCacheDir == "" {
			return fmt.Errorf("CARELINE_TRANSLATION_STORE=pebble requires CARELINE_TRANSLATION_CACHE_DIR")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("CARELINE_TRANSLATION_STORE=postgres requires CARELINE_DATABASE_URL")
		}
	default:
		return fmt.Errorf("CARELINE_TRANSLATION_STORE: unknown store %q", c.TranslationStore)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("CARELINE_DB_MIN_CONNS (%d) exceeds CARELINE_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
