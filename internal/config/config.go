// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Identities IdentitiesConfig `mapstructure:"identities"`
	Targets    TargetsConfig    `mapstructure:"targets"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Lock       LockConfig       `mapstructure:"lock"`
	Store      StoreConfig      `mapstructure:"store"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Sink       SinkConfig       `mapstructure:"sink"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APIKey, when set, is required on every /v1 request.
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// AuthConfig bounds identity authentication.
type AuthConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

// IdentitiesConfig locates the accounts file and session files.
type IdentitiesConfig struct {
	File       string `mapstructure:"file"`
	SessionDir string `mapstructure:"session_dir"`
}

// TargetsConfig locates the channel lists.
type TargetsConfig struct {
	File         string        `mapstructure:"file"`
	PriorityFile string        `mapstructure:"priority_file"`
	RefreshCron  string        `mapstructure:"refresh_cron"`
	Debounce     time.Duration `mapstructure:"debounce"`
}

// SchedulerConfig tunes crawl cycles.
type SchedulerConfig struct {
	FreshnessWindow  time.Duration `mapstructure:"freshness_window"`
	NormalInterval   time.Duration `mapstructure:"normal_interval"`
	FallbackInterval time.Duration `mapstructure:"fallback_interval"`
	FallbackLimit    int           `mapstructure:"fallback_limit"`
	JoinDelayMin     time.Duration `mapstructure:"join_delay_min"`
	JoinDelayMax     time.Duration `mapstructure:"join_delay_max"`
	FetchLimit       int           `mapstructure:"fetch_limit"`
	FetchRPS         float64       `mapstructure:"fetch_rps"`
	FetchBurst       int           `mapstructure:"fetch_burst"`
	Concurrency      int           `mapstructure:"concurrency"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
}

// LockConfig selects the channel lock backend.
type LockConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Backend string        `mapstructure:"backend"`
	Prefix  string        `mapstructure:"prefix"`
}

// StoreConfig selects the state store.
type StoreConfig struct {
	Driver   string         `mapstructure:"driver"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig locates the database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig controls the Postgres pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Schema          string        `mapstructure:"schema"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig is shared by the redis lock backend and stream sink.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// GatewayConfig selects the remote platform client.
type GatewayConfig struct {
	Mode    string        `mapstructure:"mode"`
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`

	// RateLimitWait is used when a rate limit response carries no wait.
	RateLimitWait time.Duration `mapstructure:"rate_limit_wait"`
}

// NotifyConfig controls operator notifications.
type NotifyConfig struct {
	BufferSize  int           `mapstructure:"buffer_size"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	Email       EmailConfig   `mapstructure:"email"`
	Slack       SlackConfig   `mapstructure:"slack"`
}

// EmailConfig holds SMTP settings.
type EmailConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
	StartTLS bool     `mapstructure:"starttls"`
}

// SlackConfig holds the incoming webhook.
type SlackConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
}

// SinkConfig selects where crawled records go.
type SinkConfig struct {
	Kinds    []string       `mapstructure:"kinds"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Redis    StreamConfig   `mapstructure:"redis"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
}

// PubSubConfig names the Pub/Sub topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// StreamConfig names the Redis stream.
type StreamConfig struct {
	Stream string `mapstructure:"stream"`
	MaxLen int64  `mapstructure:"max_len"`
}

// TelegramConfig configures the bot relay.
type TelegramConfig struct {
	Token     string  `mapstructure:"token"`
	Target    string  `mapstructure:"target"`
	PerSecond float64 `mapstructure:"per_second"`
}

// ArchiveConfig selects the batch archive destination.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// Sink kinds.
const (
	SinkLog      = "log"
	SinkPubSub   = "pubsub"
	SinkRedis    = "redis"
	SinkTelegram = "telegram"
	SinkArchive  = "archive"
)

var (
	storeDrivers  = []string{"sqlite", "postgres", "memory"}
	lockBackends  = []string{"store", "redis"}
	gatewayModes  = []string{"http", "simulated"}
	sinkKinds     = []string{SinkLog, SinkPubSub, SinkRedis, SinkTelegram, SinkArchive}
	archiveStores = []string{"local", "gcs"}
)

// legacyEnv maps keys to the variable names older deployments keep in .env.
var legacyEnv = map[string]string{
	"notify.email.from":     "EMAIL_FROM",
	"notify.email.to":       "EMAIL_TO",
	"notify.email.password": "EMAIL_PASSWORD",
	"notify.email.host":     "SMTP_SERVER",
	"notify.email.port":     "SMTP_PORT",
}

// Load builds a Config from env files, disk and environment. Env files are
// loaded first without overriding variables already set; missing ones are
// skipped.
func Load(path string, envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := "CRAWLER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Notify.Email.From != "" && len(cfg.Notify.Email.To) > 0 {
		cfg.Notify.Email.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("auth.attempts", 5)
	v.SetDefault("auth.delay", 5*time.Second)
	v.SetDefault("identities.file", "accounts.json")
	v.SetDefault("identities.session_dir", "sessions")
	v.SetDefault("targets.file", "channels.txt")
	v.SetDefault("targets.debounce", 500*time.Millisecond)
	v.SetDefault("scheduler.freshness_window", time.Hour)
	v.SetDefault("scheduler.normal_interval", time.Hour)
	v.SetDefault("scheduler.fallback_interval", 6*time.Hour)
	v.SetDefault("scheduler.fallback_limit", 5)
	v.SetDefault("scheduler.join_delay_min", 3*time.Second)
	v.SetDefault("scheduler.join_delay_max", 15*time.Second)
	v.SetDefault("scheduler.fetch_limit", 10)
	v.SetDefault("scheduler.fetch_rps", 0.5)
	v.SetDefault("scheduler.fetch_burst", 1)
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.retry_attempts", 3)
	v.SetDefault("scheduler.retry_base_delay", 250*time.Millisecond)
	v.SetDefault("scheduler.retry_max_delay", 5*time.Second)
	v.SetDefault("lock.timeout", 300*time.Second)
	v.SetDefault("lock.backend", "store")
	v.SetDefault("lock.prefix", "crawler:lock:")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite.path", "data/crawler.db")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("gateway.mode", "http")
	v.SetDefault("gateway.base_url", "http://localhost:8081")
	v.SetDefault("gateway.timeout", 30*time.Second)
	v.SetDefault("gateway.rate_limit_wait", 30*time.Second)
	v.SetDefault("notify.buffer_size", 64)
	v.SetDefault("notify.send_timeout", 30*time.Second)
	v.SetDefault("notify.email.port", 587)
	v.SetDefault("notify.email.starttls", true)
	v.SetDefault("sink.kinds", []string{SinkLog})
	v.SetDefault("sink.redis.stream", "crawler:records")
	v.SetDefault("sink.redis.max_len", 100000)
	v.SetDefault("sink.telegram.per_second", 1.0)
	v.SetDefault("sink.archive.backend", "local")
	v.SetDefault("sink.archive.dir", "data/archive")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Attempts <= 0 {
		return fmt.Errorf("auth.attempts must be > 0")
	}
	if c.Auth.Delay < 0 {
		return fmt.Errorf("auth.delay must not be negative")
	}
	if strings.TrimSpace(c.Identities.File) == "" {
		return fmt.Errorf("identities.file is required")
	}
	if strings.TrimSpace(c.Targets.File) == "" {
		return fmt.Errorf("targets.file is required")
	}
	if err := c.Scheduler.validate(); err != nil {
		return err
	}
	if c.Lock.Timeout <= 0 {
		return fmt.Errorf("lock.timeout must be > 0")
	}
	if !slices.Contains(lockBackends, c.Lock.Backend) {
		return fmt.Errorf("lock.backend must be one of %v", lockBackends)
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if c.needsRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required for the redis lock backend or stream sink")
	}
	if !slices.Contains(gatewayModes, c.Gateway.Mode) {
		return fmt.Errorf("gateway.mode must be one of %v", gatewayModes)
	}
	if c.Gateway.Mode == "http" && c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required in http mode")
	}
	if e := c.Notify.Email; e.Enabled && (e.Host == "" || e.From == "" || len(e.To) == 0) {
		return fmt.Errorf("notify.email.host, from and to are required when email is enabled")
	}
	return c.Sink.validate()
}

func (s SchedulerConfig) validate() error {
	switch {
	case s.FreshnessWindow < 0:
		return fmt.Errorf("scheduler.freshness_window must not be negative")
	case s.NormalInterval <= 0 || s.FallbackInterval <= 0:
		return fmt.Errorf("scheduler.normal_interval and scheduler.fallback_interval must be > 0")
	case s.FallbackLimit <= 0:
		return fmt.Errorf("scheduler.fallback_limit must be > 0")
	case s.JoinDelayMin < 0 || s.JoinDelayMax < s.JoinDelayMin:
		return fmt.Errorf("scheduler.join_delay_min must be >= 0 and <= scheduler.join_delay_max")
	case s.FetchLimit <= 0:
		return fmt.Errorf("scheduler.fetch_limit must be > 0")
	case s.Concurrency <= 0:
		return fmt.Errorf("scheduler.concurrency must be > 0")
	case s.RetryAttempts <= 0:
		return fmt.Errorf("scheduler.retry_attempts must be > 0")
	}
	return nil
}

func (s StoreConfig) validate() error {
	if !slices.Contains(storeDrivers, s.Driver) {
		return fmt.Errorf("store.driver must be one of %v", storeDrivers)
	}
	if s.Driver == "sqlite" && s.SQLite.Path == "" {
		return fmt.Errorf("store.sqlite.path is required")
	}
	if s.Driver == "postgres" && s.Postgres.DSN == "" {
		return fmt.Errorf("store.postgres.dsn is required")
	}
	return nil
}

func (s SinkConfig) validate() error {
	for _, kind := range s.Kinds {
		if !slices.Contains(sinkKinds, kind) {
			return fmt.Errorf("sink.kinds: unknown sink %q", kind)
		}
	}
	if s.Enabled(SinkPubSub) && (s.PubSub.ProjectID == "" || s.PubSub.TopicID == "") {
		return fmt.Errorf("sink.pubsub.project_id and sink.pubsub.topic_id are required")
	}
	if s.Enabled(SinkRedis) && s.Redis.Stream == "" {
		return fmt.Errorf("sink.redis.stream is required")
	}
	if s.Enabled(SinkTelegram) && (s.Telegram.Token == "" || s.Telegram.Target == "") {
		return fmt.Errorf("sink.telegram.token and sink.telegram.target are required")
	}
	if s.Enabled(SinkArchive) {
		if !slices.Contains(archiveStores, s.Archive.Backend) {
			return fmt.Errorf("sink.archive.backend must be one of %v", archiveStores)
		}
		if s.Archive.Backend == "local" && s.Archive.Dir == "" {
			return fmt.Errorf("sink.archive.dir is required")
		}
		if s.Archive.Backend == "gcs" && s.Archive.Bucket == "" {
			return fmt.Errorf("sink.archive.bucket is required")
		}
	}
	return nil
}

// Enabled reports whether kind is listed in sink.kinds.
func (s SinkConfig) Enabled(kind string) bool {
	return slices.Contains(s.Kinds, kind)
}

func (c Config) needsRedis() bool {
	return c.Lock.Backend == "redis" || c.Sink.Enabled(SinkRedis)
}
