package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "STUDIO"

// Config contains all runtime settings for the studio service. Every key
// can be set in the optional config file named by STUDIO_CONFIG_FILE or
// through a STUDIO_<KEY> environment variable; the environment wins.
type Config struct {
	BindAddr         string        `mapstructure:"bind_addr" validate:"required"`
	LogLevel         string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat        string        `mapstructure:"log_format" validate:"oneof=json text"`
	MetricsNamespace string        `mapstructure:"metrics_namespace" validate:"required"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	AllowAnyOrigin   bool          `mapstructure:"allow_any_origin"`

	SessionTTL             time.Duration `mapstructure:"session_ttl" validate:"min=1m"`
	SessionJanitorInterval time.Duration `mapstructure:"session_janitor_interval" validate:"gt=0"`
	HistoryLimit           int           `mapstructure:"history_limit" validate:"gte=1,lte=1000"`
	EditHistoryLimit       int           `mapstructure:"edit_history_limit" validate:"gte=1,lte=1000"`
	DefaultModel           string        `mapstructure:"default_model"`
	DefaultSize            string        `mapstructure:"default_size"`
	DefaultStyle           string        `mapstructure:"default_style"`

	QueueBackend      string        `mapstructure:"queue_backend" validate:"oneof=memory postgres sqlite"`
	SessionBackend    string        `mapstructure:"session_backend" validate:"oneof=memory postgres"`
	DatabaseURL       string        `mapstructure:"database_url"`
	SQLitePath        string        `mapstructure:"sqlite_path"`
	QueuePopWait      time.Duration `mapstructure:"queue_pop_wait" validate:"gt=0"`
	QueuePollInterval time.Duration `mapstructure:"queue_poll_interval" validate:"gt=0"`
	WorkerBackoff     time.Duration `mapstructure:"worker_backoff" validate:"gt=0"`
	WorkerMaxBackoff  time.Duration `mapstructure:"worker_max_backoff" validate:"gtefield=WorkerBackoff"`
	TaskTimeout       time.Duration `mapstructure:"task_timeout" validate:"gte=0"`
	QueueLeakyCancel  bool          `mapstructure:"queue_leaky_cancel"`

	StatusBroadcastInterval time.Duration `mapstructure:"status_broadcast_interval" validate:"gt=0"`
	NotifyBuffer            int           `mapstructure:"notify_buffer" validate:"gte=1"`

	SynthProvider      string        `mapstructure:"synth_provider" validate:"oneof=mock gemini openai ollama"`
	SynthModel         string        `mapstructure:"synth_model"`
	SynthAPIKey        string        `mapstructure:"synth_api_key"`
	SynthBaseURL       string        `mapstructure:"synth_base_url" validate:"omitempty,url"`
	SynthRatePerSecond float64       `mapstructure:"synth_rate_per_second" validate:"gte=0"`
	SynthBurst         int           `mapstructure:"synth_burst" validate:"gte=0"`
	SynthMockDelay     time.Duration `mapstructure:"synth_mock_delay" validate:"gte=0"`
}

var defaults = map[string]any{
	"bind_addr":                 ":8080",
	"log_level":                 "info",
	"log_format":                "json",
	"metrics_namespace":         "studio",
	"shutdown_timeout":          "15s",
	"allow_any_origin":          false,
	"session_ttl":               "24h",
	"session_janitor_interval":  "1m",
	"history_limit":             50,
	"edit_history_limit":        30,
	"default_model":             "",
	"default_size":              "",
	"default_style":             "",
	"queue_backend":             "memory",
	"session_backend":           "memory",
	"database_url":              "",
	"sqlite_path":               "data/queue.db",
	"queue_pop_wait":            "5s",
	"queue_poll_interval":       "250ms",
	"worker_backoff":            "1s",
	"worker_max_backoff":        "30s",
	"task_timeout":              "10m",
	"queue_leaky_cancel":        false,
	"status_broadcast_interval": "30s",
	"notify_buffer":             64,
	"synth_provider":            "mock",
	"synth_model":               "",
	"synth_api_key":             "",
	"synth_base_url":            "",
	"synth_rate_per_second":     1.0,
	"synth_burst":               1,
	"synth_mock_delay":          "250ms",
}

// Load reads the optional config file and the environment and validates
// the result.
func Load() (Config, error) {
	return LoadFile(strings.TrimSpace(os.Getenv(envPrefix + "_CONFIG_FILE")))
}

// LoadFile is Load with an explicit config file path; an empty path means
// environment and defaults only.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key := range defaults {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.QueueBackend = strings.ToLower(strings.TrimSpace(c.QueueBackend))
	c.SessionBackend = strings.ToLower(strings.TrimSpace(c.SessionBackend))
	c.SynthProvider = strings.ToLower(strings.TrimSpace(c.SynthProvider))
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.SynthAPIKey = strings.TrimSpace(c.SynthAPIKey)
	c.DefaultModel = strings.TrimSpace(c.DefaultModel)
	c.DefaultSize = strings.TrimSpace(c.DefaultSize)
	c.DefaultStyle = strings.TrimSpace(c.DefaultStyle)
}

// Validate checks field rules and the cross-field requirements the tags
// cannot express.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("configuration validation failed: %s failed on %q", fe.Field(), fe.Tag())
		}
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if (c.QueueBackend == "postgres" || c.SessionBackend == "postgres") && c.DatabaseURL == "" {
		return errors.New("configuration validation failed: database_url is required for the postgres backend")
	}
	if c.QueueBackend == "sqlite" && strings.TrimSpace(c.SQLitePath) == "" {
		return errors.New("configuration validation failed: sqlite_path is required for the sqlite backend")
	}
	if (c.SynthProvider == "gemini" || c.SynthProvider == "openai") && c.SynthAPIKey == "" {
		return fmt.Errorf("configuration validation failed: synth_api_key is required for provider %s", c.SynthProvider)
	}
	return nil
}
