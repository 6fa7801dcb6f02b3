package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config represents the bot configuration
type Config struct {
	Bot       BotConfig       `mapstructure:"bot"`
	DB        DBConfig        `mapstructure:"db"`
	Capacity  CapacityConfig  `mapstructure:"capacity"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Waitlist  WaitlistConfig  `mapstructure:"waitlist"`
	Tokens    TokensConfig    `mapstructure:"tokens"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	Reminders RemindersConfig `mapstructure:"reminders"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Log       LogConfig       `mapstructure:"log"`
}

type BotConfig struct {
	Token    string   `mapstructure:"token"`
	Admins   []string `mapstructure:"-"`
	Username string   `mapstructure:"username"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type CapacityConfig struct {
	Weights struct {
		PhD int `mapstructure:"phd"`
		MSc int `mapstructure:"msc"`
	} `mapstructure:"weights"`
}

type LimitConfig struct {
	Approved int `mapstructure:"approved"`
	Pending  int `mapstructure:"pending"`
}

type LimitsConfig struct {
	PhD LimitConfig `mapstructure:"phd"`
	MSc LimitConfig `mapstructure:"msc"`
}

type WaitlistConfig struct {
	MaxSize int `mapstructure:"max_size"`
}

type TokensConfig struct {
	ApprovalTTL  time.Duration `mapstructure:"approval_ttl"`
	PromotionTTL time.Duration `mapstructure:"promotion_ttl"`
}

type SweepConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type RemindersConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	WarningBefore time.Duration `mapstructure:"warning_before"`
}

type NotifyConfig struct {
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	DedupTTL      time.Duration `mapstructure:"dedup_ttl"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setConfigDefaults(v *viper.Viper) {
	d := DefaultSettings()
	v.SetDefault("bot.token", "")
	v.SetDefault("bot.admins", "")
	v.SetDefault("bot.username", d.BotUsername)
	v.SetDefault("db.path", "./seminarbot.db")
	v.SetDefault("capacity.weights.phd", d.Weights[DegreePhD])
	v.SetDefault("capacity.weights.msc", d.Weights[DegreeMSc])
	v.SetDefault("limits.phd.approved", d.Limits[DegreePhD].Approved)
	v.SetDefault("limits.phd.pending", d.Limits[DegreePhD].Pending)
	v.SetDefault("limits.msc.approved", d.Limits[DegreeMSc].Approved)
	v.SetDefault("limits.msc.pending", d.Limits[DegreeMSc].Pending)
	v.SetDefault("waitlist.max_size", d.WaitlistMaxSize)
	v.SetDefault("tokens.approval_ttl", d.ApprovalTTL)
	v.SetDefault("tokens.promotion_ttl", d.PromotionTTL)
	v.SetDefault("sweep.interval", time.Hour)
	v.SetDefault("reminders.interval", d.ReminderInterval)
	v.SetDefault("reminders.warning_before", d.WarningBefore)
	v.SetDefault("notify.rate_per_second", 5.0)
	v.SetDefault("notify.burst", 5)
	v.SetDefault("notify.dedup_ttl", 10*time.Minute)
	v.SetDefault("notify.max_attempts", 5)
	v.SetDefault("notify.poll_interval", 5*time.Second)
	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.user", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "seminarbot:outcomes")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("log.level", "info")
}

// newConfigViper prepares a viper instance: defaults, the optional config
// file, the .env file and the environment.
func newConfigViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setConfigDefaults(v)

	if err := loadEnvFile(".env"); err == nil {
		logInfo(catConfig, "loaded .env file")
	}
	v.SetEnvPrefix("SEMINARBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("bot.token", "SEMINARBOT_BOT_TOKEN", "BOT_TOKEN")
	_ = v.BindEnv("bot.admins", "SEMINARBOT_BOT_ADMINS", "ADMIN_USERS")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("seminarbot")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// decodeConfig unmarshals and validates the current state of v.
func decodeConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	switch admins := v.Get("bot.admins").(type) {
	case string:
		cfg.Bot.Admins = parseCommaSeparated(admins)
	default:
		cfg.Bot.Admins = v.GetStringSlice("bot.admins")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig loads configuration from defaults, the config file at path (or
// ./seminarbot.yaml), a .env file and environment variables.
func LoadConfig(path string) (*Config, *viper.Viper, error) {
	v, err := newConfigViper(path)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := decodeConfig(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Validate rejects settings the engine cannot work with. The bot token is
// checked by the serve command only.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, n int) {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, n))
		}
	}
	positiveDur := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	positive("capacity.weights.phd", c.Capacity.Weights.PhD)
	positive("capacity.weights.msc", c.Capacity.Weights.MSc)
	positive("limits.phd.approved", c.Limits.PhD.Approved)
	positive("limits.phd.pending", c.Limits.PhD.Pending)
	positive("limits.msc.approved", c.Limits.MSc.Approved)
	positive("limits.msc.pending", c.Limits.MSc.Pending)
	positive("waitlist.max_size", c.Waitlist.MaxSize)
	positive("notify.max_attempts", c.Notify.MaxAttempts)
	positiveDur("tokens.approval_ttl", c.Tokens.ApprovalTTL)
	positiveDur("tokens.promotion_ttl", c.Tokens.PromotionTTL)
	positiveDur("sweep.interval", c.Sweep.Interval)
	positiveDur("reminders.interval", c.Reminders.Interval)
	positiveDur("notify.dedup_ttl", c.Notify.DedupTTL)
	if c.Bot.Username == "" {
		errs = append(errs, errors.New("bot.username is required"))
	}
	if c.DB.Path == "" {
		errs = append(errs, errors.New("db.path is required"))
	}
	if _, err := parseLogLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Settings converts the configuration to engine settings.
func (c *Config) Settings() Settings {
	return Settings{
		Weights: Weights{DegreePhD: c.Capacity.Weights.PhD, DegreeMSc: c.Capacity.Weights.MSc},
		Limits: map[Degree]DegreeLimits{
			DegreePhD: {Approved: c.Limits.PhD.Approved, Pending: c.Limits.PhD.Pending},
			DegreeMSc: {Approved: c.Limits.MSc.Approved, Pending: c.Limits.MSc.Pending},
		},
		WaitlistMaxSize:  c.Waitlist.MaxSize,
		ApprovalTTL:      c.Tokens.ApprovalTTL,
		PromotionTTL:     c.Tokens.PromotionTTL,
		ReminderInterval: c.Reminders.Interval,
		WarningBefore:    c.Reminders.WarningBefore,
		BotUsername:      c.Bot.Username,
	}
}

// IsAdmin checks if a username is in the list of admin users
func (c *Config) IsAdmin(username string) bool {
	key := normalizeUserKey(username)
	if key == "" {
		return false
	}
	for _, admin := range c.Bot.Admins {
		if normalizeUserKey(admin) == key {
			return true
		}
	}
	return false
}

// watchConfig reloads engine settings when the config file changes. An
// invalid edit is logged and the previous settings stay in force.
func watchConfig(v *viper.Viper, engine *Engine) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(ev fsnotify.Event) {
		cfg, err := decodeConfig(v)
		if err != nil {
			logError(catConfig, "config reload rejected", err, "file", ev.Name)
			return
		}
		engine.UpdateSettings(cfg.Settings())
	})
	v.WatchConfig()
	logInfo(catConfig, "watching config file", "file", v.ConfigFileUsed())
}

// loadEnvFile exports the variables of a .env file that are not already set.
func loadEnvFile(filename string) error {
	if _, err := os.Stat(filename); err != nil {
		return err
	}
	env := viper.New()
	env.SetConfigFile(filename)
	env.SetConfigType("env")
	if err := env.ReadInConfig(); err != nil {
		return err
	}
	for _, key := range env.AllKeys() {
		name := strings.ToUpper(key)
		if _, set := os.LookupEnv(name); !set {
			os.Setenv(name, env.GetString(key))
		}
	}
	return nil
}

// parseCommaSeparated parses a comma-separated string into a slice
func parseCommaSeparated(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
