package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"trading-control-core/internal/bandit"
	"trading-control-core/internal/consensus"
	"trading-control-core/internal/emergency"
	"trading-control-core/internal/notification"
	"trading-control-core/internal/risk"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	LoggingConfig      LoggingConfig      `json:"logging"`
	ServerConfig       ServerConfig       `json:"server"`
	AuthConfig         AuthConfig         `json:"auth"`
	RedisConfig        RedisConfig        `json:"redis"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	NotificationConfig NotificationConfig `json:"notification"`
	ConsensusConfig    ConsensusConfig    `json:"consensus"`
	SizingConfig       risk.SizerConfig   `json:"sizing"`
	EmergencyConfig    EmergencyConfig    `json:"emergency"`
	BanditConfig       bandit.Config      `json:"bandit"`
	// YAML preset catalogue; the built-in catalogue is used when empty
	PresetsFile string `json:"presets_file"`
	// AccountBalance seeds the daily ledger used for loss limits
	AccountBalance float64 `json:"account_balance"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AllowedOrigins  string `json:"allowed_origins"` // comma-separated
	ReadTimeout     int    `json:"read_timeout"`    // seconds
	WriteTimeout    int    `json:"write_timeout"`   // seconds
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

// Origins splits AllowedOrigins
func (s ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(s.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// AuthConfig guards the mutating emergency routes with operator JWTs.
// An empty secret disables the check.
type AuthConfig struct {
	JWTSecret     string        `json:"jwt_secret"`
	Issuer        string        `json:"issuer"`
	TokenDuration time.Duration `json:"token_duration"`
}

// Enabled reports whether operator tokens are required
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Enabled          bool   `json:"enabled"`
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	PoolSize         int    `json:"pool_size"`
	SnapshotInterval int    `json:"snapshot_interval"` // seconds
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Name     string `json:"name"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int    `json:"max_conns"`
}

type NotificationConfig struct {
	Enabled       bool           `json:"enabled"`
	RatePerMinute int            `json:"rate_per_minute"`
	Burst         int            `json:"burst"`
	Telegram      TelegramConfig `json:"telegram"`
	Discord       DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// ConsensusConfig holds engine settings. Timeouts are in milliseconds.
type ConsensusConfig struct {
	DefaultPreset     string  `json:"default_preset"`
	SourceTimeoutMs   int     `json:"source_timeout_ms"`
	HistorySize       int     `json:"history_size"`
	HoldMargin        float64 `json:"hold_margin"`
	BreakerFailures   int     `json:"breaker_failures"`
	BreakerCooldownMs int     `json:"breaker_cooldown_ms"`
}

// EmergencyConfig holds controller intervals (seconds) and the trigger table
type EmergencyConfig struct {
	AutoResolveInterval int     `json:"auto_resolve_interval"`
	HealthInterval      int     `json:"health_interval"`
	ActionTimeout       int     `json:"action_timeout"`
	HistoryLimit        int     `json:"history_limit"`
	PriceDeviation      float64 `json:"price_deviation"`
	VolumeSpike         float64 `json:"volume_spike"`
	ConsecutiveLosses   int     `json:"consecutive_losses"`
	DailyLossPercent    float64 `json:"daily_loss_percent"`
	LatencyMs           float64 `json:"latency_ms"`
	ErrorRate           float64 `json:"error_rate"`
}

// Load reads .env, then config.json when present, then environment overrides
func Load() (*Config, error) {
	return LoadFrom("config.json")
}

// LoadFrom is Load with an explicit config file path
func LoadFrom(filename string) (*Config, error) {
	// .env is optional; variables already set in the environment win
	_ = godotenv.Load()

	cfg := Default()
	if filename != "" {
		if err := loadFromFile(filename, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	ec := emergency.DefaultConfig()
	th := emergency.DefaultThresholds()
	cc := consensus.DefaultConfig()
	return &Config{
		LoggingConfig: LoggingConfig{Level: "INFO", Output: "stdout", JSONFormat: true},
		ServerConfig: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			AllowedOrigins:  "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
		AuthConfig:  AuthConfig{Issuer: "trading-control-core", TokenDuration: 8 * time.Hour},
		RedisConfig: RedisConfig{Address: "localhost:6379", PoolSize: 10, SnapshotInterval: 60},
		DatabaseConfig: DatabaseConfig{
			Host: "localhost", Port: 5432, User: "postgres", Name: "control_core", SSLMode: "disable", MaxConns: 10,
		},
		NotificationConfig: NotificationConfig{RatePerMinute: 20, Burst: 5},
		ConsensusConfig: ConsensusConfig{
			DefaultPreset:     "balanced",
			SourceTimeoutMs:   int(cc.SourceTimeout / time.Millisecond),
			HistorySize:       cc.HistorySize,
			HoldMargin:        cc.HoldMargin,
			BreakerFailures:   int(cc.BreakerFailures),
			BreakerCooldownMs: int(cc.BreakerCooldown / time.Millisecond),
		},
		SizingConfig: risk.DefaultSizerConfig(),
		EmergencyConfig: EmergencyConfig{
			AutoResolveInterval: int(ec.AutoResolveInterval / time.Second),
			HealthInterval:      int(ec.HealthInterval / time.Second),
			ActionTimeout:       int(ec.ActionTimeout / time.Second),
			HistoryLimit:        ec.HistoryLimit,
			PriceDeviation:      th.PriceDeviation,
			VolumeSpike:         th.VolumeSpike,
			ConsecutiveLosses:   th.ConsecutiveLosses,
			DailyLossPercent:    th.DailyLossPercent,
			LatencyMs:           th.LatencyMs,
			ErrorRate:           th.ErrorRate,
		},
		BanditConfig: bandit.DefaultConfig(),
	}
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", cfg.ServerConfig.ReadTimeout)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", cfg.ServerConfig.WriteTimeout)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", cfg.ServerConfig.ShutdownTimeout)

	// Auth config
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.Issuer = getEnvOrDefault("AUTH_ISSUER", cfg.AuthConfig.Issuer)
	cfg.AuthConfig.TokenDuration = getEnvDurationOrDefault("AUTH_TOKEN_DURATION", cfg.AuthConfig.TokenDuration)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)
	cfg.RedisConfig.SnapshotInterval = getEnvIntOrDefault("REDIS_SNAPSHOT_INTERVAL", cfg.RedisConfig.SnapshotInterval)

	// Database config
	cfg.DatabaseConfig.Enabled = getEnvBoolOrDefault("DB_ENABLED", cfg.DatabaseConfig.Enabled)
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Name = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Name)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.NotificationConfig.Enabled)
	cfg.NotificationConfig.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.NotificationConfig.Telegram.Enabled)
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.NotificationConfig.Discord.Enabled)
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// Decision and risk config
	cfg.ConsensusConfig.DefaultPreset = getEnvOrDefault("CONSENSUS_DEFAULT_PRESET", cfg.ConsensusConfig.DefaultPreset)
	cfg.ConsensusConfig.SourceTimeoutMs = getEnvIntOrDefault("CONSENSUS_SOURCE_TIMEOUT_MS", cfg.ConsensusConfig.SourceTimeoutMs)
	cfg.SizingConfig.KellyFractionCap = getEnvFloatOrDefault("SIZING_KELLY_CAP", cfg.SizingConfig.KellyFractionCap)
	cfg.SizingConfig.MaxRiskPerTrade = getEnvFloatOrDefault("SIZING_MAX_RISK_PER_TRADE", cfg.SizingConfig.MaxRiskPerTrade)
	cfg.SizingConfig.MinPositionSize = getEnvFloatOrDefault("SIZING_MIN_POSITION", cfg.SizingConfig.MinPositionSize)
	cfg.SizingConfig.MaxPositionSize = getEnvFloatOrDefault("SIZING_MAX_POSITION", cfg.SizingConfig.MaxPositionSize)
	cfg.EmergencyConfig.AutoResolveInterval = getEnvIntOrDefault("EMERGENCY_AUTO_RESOLVE_INTERVAL", cfg.EmergencyConfig.AutoResolveInterval)
	cfg.EmergencyConfig.HealthInterval = getEnvIntOrDefault("EMERGENCY_HEALTH_INTERVAL", cfg.EmergencyConfig.HealthInterval)
	cfg.EmergencyConfig.DailyLossPercent = getEnvFloatOrDefault("EMERGENCY_DAILY_LOSS_PERCENT", cfg.EmergencyConfig.DailyLossPercent)
	cfg.EmergencyConfig.ConsecutiveLosses = getEnvIntOrDefault("EMERGENCY_CONSECUTIVE_LOSSES", cfg.EmergencyConfig.ConsecutiveLosses)
	cfg.BanditConfig.ExplorationRate = getEnvFloatOrDefault("BANDIT_EXPLORATION_RATE", cfg.BanditConfig.ExplorationRate)
	cfg.BanditConfig.LearningRate = getEnvFloatOrDefault("BANDIT_LEARNING_RATE", cfg.BanditConfig.LearningRate)
	cfg.PresetsFile = getEnvOrDefault("PRESETS_FILE", cfg.PresetsFile)
	cfg.AccountBalance = getEnvFloatOrDefault("ACCOUNT_BALANCE", cfg.AccountBalance)
}

// Validate rejects configurations that would fail at startup anyway
func (c *Config) Validate() error {
	var errs []error
	check := func(cond bool, format string, args ...interface{}) {
		if cond {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidConfig}, args...)...))
		}
	}

	check(c.ServerConfig.Port <= 0 || c.ServerConfig.Port > 65535, "server port %d", c.ServerConfig.Port)
	check(c.ServerConfig.ReadTimeout <= 0 || c.ServerConfig.WriteTimeout <= 0, "server timeouts must be positive")
	check(c.ServerConfig.ShutdownTimeout <= 0, "shutdown timeout must be positive")
	check(c.AuthConfig.Enabled() && c.AuthConfig.TokenDuration <= 0, "token duration must be positive")
	check(c.RedisConfig.Enabled && c.RedisConfig.SnapshotInterval <= 0, "snapshot interval must be positive")

	check(c.AccountBalance < 0, "account balance %v is negative", c.AccountBalance)
	check(c.ConsensusConfig.DefaultPreset == "", "default preset is empty")
	check(c.ConsensusConfig.SourceTimeoutMs <= 0, "source timeout must be positive")
	check(c.ConsensusConfig.HistorySize <= 0, "decision history size must be positive")
	check(c.ConsensusConfig.BreakerFailures < 0, "breaker failures %d is negative", c.ConsensusConfig.BreakerFailures)
	check(c.ConsensusConfig.BreakerCooldownMs < 0, "breaker cooldown %d is negative", c.ConsensusConfig.BreakerCooldownMs)

	if err := c.SizingConfig.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: sizing: %v", ErrInvalidConfig, err))
	}
	if err := c.BanditConfig.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: bandit: %v", ErrInvalidConfig, err))
	}

	e := c.EmergencyConfig
	check(e.AutoResolveInterval <= 0 || e.HealthInterval <= 0 || e.ActionTimeout <= 0, "emergency intervals must be positive")
	check(e.PriceDeviation <= 0 || e.VolumeSpike <= 0 || e.DailyLossPercent <= 0, "emergency thresholds must be positive")
	check(e.ConsecutiveLosses <= 0, "consecutive loss threshold must be positive")
	check(e.LatencyMs <= 0, "latency threshold %v must be positive", e.LatencyMs)
	check(e.ErrorRate <= 0 || e.ErrorRate > 1, "error rate threshold %v outside (0,1]", e.ErrorRate)

	return errors.Join(errs...)
}

// Engine converts the consensus section
func (c ConsensusConfig) Engine() consensus.Config {
	return consensus.Config{
		SourceTimeout:   time.Duration(c.SourceTimeoutMs) * time.Millisecond,
		HistorySize:     c.HistorySize,
		HoldMargin:      c.HoldMargin,
		BreakerFailures: uint32(c.BreakerFailures),
		BreakerCooldown: time.Duration(c.BreakerCooldownMs) * time.Millisecond,
	}
}

// Controller converts the emergency section. Auto-resolve periods keep
// their defaults.
func (e EmergencyConfig) Controller() emergency.Config {
	cfg := emergency.DefaultConfig()
	cfg.AutoResolveInterval = time.Duration(e.AutoResolveInterval) * time.Second
	cfg.HealthInterval = time.Duration(e.HealthInterval) * time.Second
	cfg.ActionTimeout = time.Duration(e.ActionTimeout) * time.Second
	if e.HistoryLimit > 0 {
		cfg.HistoryLimit = e.HistoryLimit
	}
	cfg.Thresholds.PriceDeviation = e.PriceDeviation
	cfg.Thresholds.VolumeSpike = e.VolumeSpike
	cfg.Thresholds.ConsecutiveLosses = e.ConsecutiveLosses
	cfg.Thresholds.DailyLossPercent = e.DailyLossPercent
	cfg.Thresholds.LatencyMs = e.LatencyMs
	cfg.Thresholds.ErrorRate = e.ErrorRate
	return cfg
}

// Manager converts the notification section
func (n NotificationConfig) Manager() notification.ManagerConfig {
	return notification.ManagerConfig{
		Enabled:       n.Enabled,
		RatePerMinute: n.RatePerMinute,
		Burst:         n.Burst,
	}
}

func loadFromFile(filename string, cfg *Config) error {
	file, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	if err := json.Unmarshal(file, cfg); err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes the default configuration as JSON
func GenerateSampleConfig(filename string) error {
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
