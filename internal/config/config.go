package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "HAVEN"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "haven.db"
	defaultLogLevel     = "info"
)

// Lifecycle policy defaults mirror the production values the engine shipped
// with: six members to found a room, ten to activate it, a 72 hour activity
// window, and an hourly sweep that defers expiry for busy posts.
const (
	defaultMinFounders          = 6
	defaultActivationThreshold  = 10
	defaultActivityWindowHours  = 72
	defaultMinDistinctPosters   = 4
	defaultPostLifetimeDays     = 30
	defaultSweepIntervalMinutes = 60
	defaultSweepBatchSize       = 200
	defaultReplyWindowMinutes   = 60
	defaultReplyThreshold       = 10
	defaultExtensionHours       = 24
	defaultRunBudgetSeconds     = 30
)

// AppConfig captures runtime configuration for the API server and the
// lifecycle policy knobs shared by the rooms, posts, and sweeper services.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	MinFounders         int
	ActivationThreshold int
	ActivityWindow      time.Duration
	MinDistinctPosters  int

	DefaultPostLifetimeDays int

	SweepInterval  time.Duration
	SweepBatchSize int
	ReplyWindow    time.Duration
	ReplyThreshold int
	Extension      time.Duration
	SweepRunBudget time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("rooms.min_founders", defaultMinFounders)
	configViper.SetDefault("rooms.activation_threshold", defaultActivationThreshold)
	configViper.SetDefault("activity.window_hours", defaultActivityWindowHours)
	configViper.SetDefault("activity.min_distinct_posters", defaultMinDistinctPosters)
	configViper.SetDefault("posts.default_lifetime_days", defaultPostLifetimeDays)
	configViper.SetDefault("sweep.interval_minutes", defaultSweepIntervalMinutes)
	configViper.SetDefault("sweep.batch_size", defaultSweepBatchSize)
	configViper.SetDefault("sweep.reply_window_minutes", defaultReplyWindowMinutes)
	configViper.SetDefault("sweep.reply_threshold", defaultReplyThreshold)
	configViper.SetDefault("sweep.extension_hours", defaultExtensionHours)
	configViper.SetDefault("sweep.run_budget_seconds", defaultRunBudgetSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),

		MinFounders:         configViper.GetInt("rooms.min_founders"),
		ActivationThreshold: configViper.GetInt("rooms.activation_threshold"),
		ActivityWindow:      time.Duration(configViper.GetInt("activity.window_hours")) * time.Hour,
		MinDistinctPosters:  configViper.GetInt("activity.min_distinct_posters"),

		DefaultPostLifetimeDays: configViper.GetInt("posts.default_lifetime_days"),

		SweepInterval:  time.Duration(configViper.GetInt("sweep.interval_minutes")) * time.Minute,
		SweepBatchSize: configViper.GetInt("sweep.batch_size"),
		ReplyWindow:    time.Duration(configViper.GetInt("sweep.reply_window_minutes")) * time.Minute,
		ReplyThreshold: configViper.GetInt("sweep.reply_threshold"),
		Extension:      time.Duration(configViper.GetInt("sweep.extension_hours")) * time.Hour,
		SweepRunBudget: time.Duration(configViper.GetInt("sweep.run_budget_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MinFounders < 1 {
		return fmt.Errorf("rooms.min_founders must be positive")
	}
	if c.ActivationThreshold < c.MinFounders {
		return fmt.Errorf("rooms.activation_threshold (%d) must not be below rooms.min_founders (%d)",
			c.ActivationThreshold, c.MinFounders)
	}
	if c.ActivityWindow <= 0 {
		return fmt.Errorf("activity.window_hours must be positive")
	}
	if c.MinDistinctPosters < 1 {
		return fmt.Errorf("activity.min_distinct_posters must be positive")
	}
	if c.DefaultPostLifetimeDays < 1 {
		return fmt.Errorf("posts.default_lifetime_days must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep.interval_minutes must be positive")
	}
	if c.SweepBatchSize < 1 {
		return fmt.Errorf("sweep.batch_size must be positive")
	}
	if c.ReplyWindow <= 0 {
		return fmt.Errorf("sweep.reply_window_minutes must be positive")
	}
	if c.ReplyThreshold < 1 {
		return fmt.Errorf("sweep.reply_threshold must be positive")
	}
	if c.Extension <= 0 {
		return fmt.Errorf("sweep.extension_hours must be positive")
	}
	if c.SweepRunBudget <= 0 {
		return fmt.Errorf("sweep.run_budget_seconds must be positive")
	}
	return nil
}
