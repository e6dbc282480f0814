package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every key when reading overrides from the
// environment, e.g. HANDHELD_API_TOKEN.
const EnvPrefix = "HANDHELD"

// Config is the validated configuration mapping consumed by the transmitter
// and the CLI. Keys match the JSON config file shipped with the device.
type Config struct {
	// Required
	APIURL      string `mapstructure:"api_url"`       // scan ingestion endpoint
	APIToken    string `mapstructure:"api_token"`     // bearer token for every request
	DeviceID    string `mapstructure:"device_id"`     // stamped into every payload
	QueueDBPath string `mapstructure:"queue_db_path"` // SQLite outbox file

	// Logistics jobs
	LogisticsAPIURL      string `mapstructure:"logistics_api_url"`
	LogisticsDefaultFrom string `mapstructure:"logistics_default_from"`
	LogisticsStatus      string `mapstructure:"logistics_status"`

	// Transport
	TimeoutSeconds float64 `mapstructure:"timeout_seconds"`

	// Logging
	LogDir   string `mapstructure:"log_dir"`
	LogLevel string `mapstructure:"log_level"`

	// Drain cadence
	DrainIntervalSeconds float64 `mapstructure:"drain_interval_seconds"` // idle drain in run mode
	DrainMaxRounds       int     `mapstructure:"drain_max_rounds"`       // rounds for the drain command
	DrainRetrySeconds    float64 `mapstructure:"drain_retry_seconds"`    // pause between rounds

	// Capture
	IdleTimeoutSeconds float64  `mapstructure:"idle_timeout_seconds"`
	CancelCodes        []string `mapstructure:"cancel_codes"`
	ScannerDevice      string   `mapstructure:"scanner_device"`

	// Observability
	MetricsAddr  string `mapstructure:"metrics_addr"`
	OTelEndpoint string `mapstructure:"otel_endpoint"`
}

// ConfigError reports a missing or invalid configuration key. It is fatal
// and always surfaces before any network or storage activity.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Key, e.Reason)
}

// IsConfigError reports whether err is, or wraps, a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

var keys = []string{
	"api_url", "api_token", "device_id", "queue_db_path",
	"logistics_api_url", "logistics_default_from", "logistics_status",
	"timeout_seconds", "log_dir", "log_level",
	"drain_interval_seconds", "drain_max_rounds", "drain_retry_seconds",
	"idle_timeout_seconds", "cancel_codes", "scanner_device",
	"metrics_addr", "otel_endpoint",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logistics_default_from", "STAGING")
	v.SetDefault("logistics_status", "completed")
	v.SetDefault("timeout_seconds", 10)
	v.SetDefault("log_level", "info")
	v.SetDefault("drain_interval_seconds", 60)
	v.SetDefault("drain_max_rounds", 3)
	v.SetDefault("drain_retry_seconds", 5)
	v.SetDefault("idle_timeout_seconds", 30)
	v.SetDefault("cancel_codes", []string{"CANCEL", "RESET"})
}

// Default returns a Config populated with the optional-key defaults and no
// required keys set.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

// LoadRaw reads the JSON config file at path (if non-empty), applies
// defaults and HANDHELD_* environment overrides, but does not validate.
func LoadRaw(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, &ConfigError{Key: "config", Reason: fmt.Sprintf("file %s not readable: %v", path, err)}
		}
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, &ConfigError{Key: "config", Reason: fmt.Sprintf("parse %s: %v", path, err)}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &ConfigError{Key: "config", Reason: fmt.Sprintf("decode: %v", err)}
	}
	return cfg, nil
}

// Load is LoadRaw followed by Validate.
func Load(path string) (Config, error) {
	cfg, err := LoadRaw(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required keys and value ranges.
func (c Config) Validate() error {
	required := []struct {
		key, val string
	}{
		{"api_url", c.APIURL},
		{"api_token", c.APIToken},
		{"device_id", c.DeviceID},
		{"queue_db_path", c.QueueDBPath},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			return &ConfigError{Key: r.key, Reason: "not set"}
		}
	}

	if err := validateURL("api_url", c.APIURL); err != nil {
		return err
	}
	if c.LogisticsAPIURL != "" {
		if err := validateURL("logistics_api_url", c.LogisticsAPIURL); err != nil {
			return err
		}
	}
	if c.TimeoutSeconds <= 0 {
		return &ConfigError{Key: "timeout_seconds", Reason: "must be positive"}
	}
	if c.DrainMaxRounds < 1 {
		return &ConfigError{Key: "drain_max_rounds", Reason: "must be at least 1"}
	}
	intervals := []struct {
		key string
		val float64
	}{
		{"drain_retry_seconds", c.DrainRetrySeconds},
		{"drain_interval_seconds", c.DrainIntervalSeconds},
		{"idle_timeout_seconds", c.IdleTimeoutSeconds},
	}
	for _, iv := range intervals {
		if iv.val < 0 {
			return &ConfigError{Key: iv.key, Reason: "must not be negative"}
		}
	}
	return nil
}

func validateURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &ConfigError{Key: key, Reason: fmt.Sprintf("invalid URL: %v", err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ConfigError{Key: key, Reason: "must be an http or https URL"}
	}
	if u.Host == "" {
		return &ConfigError{Key: key, Reason: "has no host"}
	}
	return nil
}

// Timeout is the per-request HTTP timeout.
func (c Config) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds)
}

// DrainInterval is how often run mode drains opportunistically.
func (c Config) DrainInterval() time.Duration {
	return seconds(c.DrainIntervalSeconds)
}

// DrainRetry is the pause between drain rounds.
func (c Config) DrainRetry() time.Duration {
	return seconds(c.DrainRetrySeconds)
}

// IdleTimeout resets a half-finished capture.
func (c Config) IdleTimeout() time.Duration {
	return seconds(c.IdleTimeoutSeconds)
}

// LogisticsEnabled reports whether logistics jobs have a destination.
func (c Config) LogisticsEnabled() bool {
	return c.LogisticsAPIURL != ""
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	out := c
	if out.APIToken != "" {
		out.APIToken = "***"
	}
	out.CancelCodes = append([]string(nil), c.CancelCodes...)
	return out
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
