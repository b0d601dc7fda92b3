// Package config defines the configuration contract and handles loading and validating environment configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// Canonical environment variable keys.
	KeyMongoURI              = "MONGO_URI"
	KeyMongoDB               = "MONGO_DB"
	KeyResendAPIKey          = "RESEND_API_KEY"
	KeyEmailFrom             = "EMAIL_FROM"
	KeyQueueURL              = "QUEUE_URL"
	KeyTelegramToken         = "TELEGRAM_TOKEN"
	KeyTelegramRate          = "TELEGRAM_RATE"
	KeyTelegramStageInterval = "TELEGRAM_STAGE_INTERVAL"
	KeyNotifyCooldown        = "NOTIFY_COOLDOWN"
	KeyRedisAddr             = "REDIS_ADDR"
	KeyRedisPassword         = "REDIS_PASSWORD"
	KeyRedisDB               = "REDIS_DB"
	KeyStatsSchedule         = "STATS_SCHEDULE"
	KeyAppEnv                = "APP_ENV"
	KeyLogLevel              = "LOG_LEVEL"
	KeyHTTPPort              = "HTTP_PORT"

	// Allowed environment values.
	EnvDevelopment = "development"
	EnvProduction  = "production"

	// Defaults for optional settings.
	DefaultAppEnv                = EnvProduction
	DefaultLogLevel              = "info"
	DefaultHTTPPort              = 3001
	DefaultEmailFrom             = "Queue Reminder <noreply@example.com>"
	DefaultQueueURL              = "https://app.prismax.ai/tele-op"
	DefaultTelegramRate          = 25.0
	DefaultTelegramStageInterval = 24 * time.Second
	DefaultNotifyCooldown        = 30 * time.Minute
	DefaultStatsSchedule         = "@every 1h"

	// Recommended database names by environment.
	DefaultMongoDBProd = "queue_notifier"
	DefaultMongoDBDev  = "queue_notifier_dev"
)

// VarSpec describes a single configuration key.
type VarSpec struct {
	Key         string // environment variable name
	Example     string // human-friendly sample value
	Required    bool   // whether the service must refuse to start without this value
	Default     string // default when unset (empty when required)
	Description string // what the variable controls
	Notes       string // extra guidance or policies
	Secret      bool   // value is masked in redacted output
}

// Contract enumerates the authoritative configuration keys for the service.
// .env loading is only permitted when APP_ENV=development; production must rely
// on environment variables supplied by the runtime.
var Contract = []VarSpec{
	{
		Key:         KeyMongoURI,
		Example:     "mongodb://localhost:27017",
		Required:    true,
		Description: "MongoDB connection string.",
		Notes:       "Must start with mongodb:// or mongodb+srv://.",
	},
	{
		Key:         KeyMongoDB,
		Example:     DefaultMongoDBProd + " / " + DefaultMongoDBDev,
		Required:    true,
		Description: "MongoDB database name.",
		Notes:       "Recommended: production=" + DefaultMongoDBProd + ", development=" + DefaultMongoDBDev + ".",
	},
	{
		Key:         KeyResendAPIKey,
		Example:     "re_123",
		Required:    true,
		Description: "Resend API key used for notification emails.",
		Secret:      true,
	},
	{
		Key:         KeyEmailFrom,
		Example:     DefaultEmailFrom,
		Default:     DefaultEmailFrom,
		Description: "Sender address for notification emails.",
	},
	{
		Key:         KeyQueueURL,
		Example:     DefaultQueueURL,
		Default:     DefaultQueueURL,
		Description: "Queue page linked from every notification.",
	},
	{
		Key:         KeyTelegramToken,
		Example:     "123:ABC",
		Description: "Telegram Bot Token issued by BotFather.",
		Notes:       "Telegram notifications are disabled when unset.",
		Secret:      true,
	},
	{
		Key:         KeyTelegramRate,
		Example:     "25",
		Default:     strconv.FormatFloat(DefaultTelegramRate, 'f', -1, 64),
		Description: "Maximum outbound Telegram messages per second.",
	},
	{
		Key:         KeyTelegramStageInterval,
		Example:     DefaultTelegramStageInterval.String(),
		Default:     DefaultTelegramStageInterval.String(),
		Description: "Delay between staged imminent-turn Telegram messages.",
	},
	{
		Key:         KeyNotifyCooldown,
		Example:     DefaultNotifyCooldown.String(),
		Default:     DefaultNotifyCooldown.String(),
		Description: "Minimum time between two notifications to the same account.",
	},
	{
		Key:         KeyRedisAddr,
		Example:     "localhost:6379",
		Description: "Redis address for the latest-snapshot cache.",
		Notes:       "Caching is disabled when unset.",
	},
	{
		Key:         KeyRedisPassword,
		Description: "Redis password.",
		Secret:      true,
	},
	{
		Key:         KeyRedisDB,
		Example:     "0",
		Default:     "0",
		Description: "Redis logical database.",
	},
	{
		Key:         KeyStatsSchedule,
		Example:     DefaultStatsSchedule,
		Default:     DefaultStatsSchedule,
		Description: "Cron schedule for the notification stats report.",
	},
	{
		Key:         KeyAppEnv,
		Example:     EnvDevelopment + " / " + EnvProduction,
		Default:     DefaultAppEnv,
		Description: "Runtime environment; controls log format and dotenv usage.",
		Notes:       "Load .env files only when APP_ENV=" + EnvDevelopment + ".",
	},
	{
		Key:         KeyLogLevel,
		Example:     DefaultLogLevel,
		Default:     DefaultLogLevel,
		Description: "Overrides default log level.",
	},
	{
		Key:         KeyHTTPPort,
		Example:     strconv.Itoa(DefaultHTTPPort),
		Default:     strconv.Itoa(DefaultHTTPPort),
		Description: "HTTP API port.",
	},
}

// Config mirrors resolved configuration values after loading.
type Config struct {
	MongoURI              string
	MongoDB               string
	ResendAPIKey          string
	EmailFrom             string
	QueueURL              string
	TelegramToken         string
	TelegramRate          float64
	TelegramStageInterval time.Duration
	NotifyCooldown        time.Duration
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	StatsSchedule         string
	AppEnv                string
	LogLevel              string
	HTTPPort              int
}

// Load resolves configuration from the environment (with optional dotenv in development).
func Load() (Config, error) {
	appEnv, err := resolveAppEnv()
	if err != nil {
		return Config{}, err
	}

	if err := loadDotEnv(appEnv); err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:                firstNonEmpty(normalizeEnv(os.Getenv(KeyAppEnv)), appEnv),
		MongoURI:              env(KeyMongoURI),
		MongoDB:               env(KeyMongoDB),
		ResendAPIKey:          env(KeyResendAPIKey),
		EmailFrom:             firstNonEmpty(env(KeyEmailFrom), DefaultEmailFrom),
		QueueURL:              firstNonEmpty(env(KeyQueueURL), DefaultQueueURL),
		TelegramToken:         env(KeyTelegramToken),
		TelegramRate:          DefaultTelegramRate,
		TelegramStageInterval: DefaultTelegramStageInterval,
		NotifyCooldown:        DefaultNotifyCooldown,
		RedisAddr:             env(KeyRedisAddr),
		RedisPassword:         env(KeyRedisPassword),
		StatsSchedule:         firstNonEmpty(env(KeyStatsSchedule), DefaultStatsSchedule),
		LogLevel:              firstNonEmpty(env(KeyLogLevel), DefaultLogLevel),
		HTTPPort:              DefaultHTTPPort,
	}

	if err := validateAppEnv(cfg.AppEnv); err != nil {
		return Config{}, err
	}

	missing := make([]string, 0)
	if cfg.MongoURI == "" {
		missing = append(missing, KeyMongoURI)
	}
	if cfg.MongoDB == "" {
		missing = append(missing, KeyMongoDB)
	}
	if cfg.ResendAPIKey == "" {
		missing = append(missing, KeyResendAPIKey)
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}

	if !strings.HasPrefix(cfg.MongoURI, "mongodb://") && !strings.HasPrefix(cfg.MongoURI, "mongodb+srv://") {
		return Config{}, fmt.Errorf("invalid %s: must start with mongodb:// or mongodb+srv://", KeyMongoURI)
	}

	if raw := env(KeyHTTPPort); raw != "" {
		port, parseErr := strconv.Atoi(raw)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyHTTPPort, parseErr)
		}
		if port <= 0 {
			return Config{}, fmt.Errorf("%s must be greater than 0", KeyHTTPPort)
		}
		cfg.HTTPPort = port
	}

	if raw := env(KeyTelegramRate); raw != "" {
		rate, parseErr := strconv.ParseFloat(raw, 64)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyTelegramRate, parseErr)
		}
		if rate <= 0 {
			return Config{}, fmt.Errorf("%s must be greater than 0", KeyTelegramRate)
		}
		cfg.TelegramRate = rate
	}

	if cfg.TelegramStageInterval, err = parsePositiveDuration(KeyTelegramStageInterval, cfg.TelegramStageInterval); err != nil {
		return Config{}, err
	}
	if cfg.NotifyCooldown, err = parsePositiveDuration(KeyNotifyCooldown, cfg.NotifyCooldown); err != nil {
		return Config{}, err
	}

	if raw := env(KeyRedisDB); raw != "" {
		db, parseErr := strconv.Atoi(raw)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyRedisDB, parseErr)
		}
		if db < 0 {
			return Config{}, fmt.Errorf("%s must not be negative", KeyRedisDB)
		}
		cfg.RedisDB = db
	}

	return cfg, nil
}

// IsDevelopment reports if APP_ENV is development.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == EnvDevelopment
}

// TelegramEnabled reports whether a bot token is configured.
func (c Config) TelegramEnabled() bool {
	return c.TelegramToken != ""
}

// CacheEnabled reports whether a Redis address is configured.
func (c Config) CacheEnabled() bool {
	return c.RedisAddr != ""
}

// FormatRedacted renders the resolved configuration with secrets masked, one
// key per line.
func FormatRedacted(cfg Config) string {
	lines := []string{
		"app_env: " + cfg.AppEnv,
		"log_level: " + cfg.LogLevel,
		"http_port: " + strconv.Itoa(cfg.HTTPPort),
		"mongo_uri: " + redactURI(cfg.MongoURI),
		"mongo_db: " + cfg.MongoDB,
		"resend_api_key: " + maskSecret(cfg.ResendAPIKey),
		"email_from: " + cfg.EmailFrom,
		"queue_url: " + cfg.QueueURL,
		"telegram_token: " + maskSecret(cfg.TelegramToken),
		"telegram_rate: " + strconv.FormatFloat(cfg.TelegramRate, 'f', -1, 64),
		"telegram_stage_interval: " + cfg.TelegramStageInterval.String(),
		"notify_cooldown: " + cfg.NotifyCooldown.String(),
		"redis_addr: " + firstNonEmpty(cfg.RedisAddr, "(disabled)"),
		"redis_password: " + maskSecret(cfg.RedisPassword),
		"redis_db: " + strconv.Itoa(cfg.RedisDB),
		"stats_schedule: " + cfg.StatsSchedule,
	}

	return strings.Join(lines, "\n")
}

func maskSecret(value string) string {
	if value == "" {
		return "(unset)"
	}
	if len(value) <= 4 {
		return "...redacted"
	}
	return value[:4] + "...redacted"
}

func redactURI(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "(unparseable)"
	}
	parsed.User = nil
	return parsed.String()
}

func parsePositiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := env(key)
	if raw == "" {
		return fallback, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", key)
	}
	return d, nil
}

func resolveAppEnv() (string, error) {
	if explicit := normalizeEnv(os.Getenv(KeyAppEnv)); explicit != "" {
		return explicit, nil
	}

	dotEnvValues, err := godotenv.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultAppEnv, nil
		}
		return "", fmt.Errorf("read .env: %w", err)
	}

	if envFromFile := normalizeEnv(dotEnvValues[KeyAppEnv]); envFromFile != "" {
		return envFromFile, nil
	}

	return DefaultAppEnv, nil
}

func loadDotEnv(appEnv string) error {
	if appEnv != EnvDevelopment {
		return nil
	}

	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}

	return nil
}

func validateAppEnv(appEnv string) error {
	if appEnv == EnvDevelopment || appEnv == EnvProduction {
		return nil
	}

	return fmt.Errorf("invalid %s: must be %q or %q", KeyAppEnv, EnvDevelopment, EnvProduction)
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func normalizeEnv(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val)
		}
	}
	return ""
}
