// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/kyj1435/perpdex-cycler/internal/correlation"
	"github.com/kyj1435/perpdex-cycler/internal/cycle"
	"github.com/kyj1435/perpdex-cycler/internal/metrics"
	"github.com/kyj1435/perpdex-cycler/internal/monitor"
	"github.com/kyj1435/perpdex-cycler/internal/orchestrator"
	"github.com/kyj1435/perpdex-cycler/internal/selector"
	"github.com/kyj1435/perpdex-cycler/internal/types"
)

// Config represents the full application configuration.
type Config struct {
	Venues      []VenueConfig     `yaml:"venues"`
	Selection   SelectionConfig   `yaml:"selection"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Cycle       CycleConfig       `yaml:"cycle"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// VenueConfig holds one venue's gateway settings.
type VenueConfig struct {
	Name          string  `yaml:"name"`
	Type          string  `yaml:"type"` // paper | rest
	BaseURL       string  `yaml:"base_url"`
	APIKey        string  `yaml:"api_key"`
	APISecret     string  `yaml:"api_secret"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	InitialEquity float64 `yaml:"initial_equity"` // paper only
	SlippageBps   float64 `yaml:"slippage_bps"`   // paper only
	FeeBps        float64 `yaml:"fee_bps"`        // paper only
}

// SelectionConfig holds basket selection settings.
type SelectionConfig struct {
	ExposurePerSide     float64 `yaml:"exposure_per_side"`
	MinAssetsPerVenue   int     `yaml:"min_assets_per_venue"`
	MaxAssetsPerVenue   int     `yaml:"max_assets_per_venue"`
	Epsilon             float64 `yaml:"epsilon"`
	MinCorrelation      float64 `yaml:"min_correlation"`
	MaxRetries          int     `yaml:"max_retries"`
	AllowRandomFallback bool    `yaml:"allow_random_fallback"`
}

// CorrelationConfig holds return-sampling settings.
type CorrelationConfig struct {
	Samples     int `yaml:"samples"`
	IntervalSec int `yaml:"interval_sec"`
	CacheTTLSec int `yaml:"cache_ttl_sec"`
}

// ExecutionConfig holds order execution settings.
type ExecutionConfig struct {
	OrderTimeoutSec int `yaml:"order_timeout_sec"`
	CloseRetries    int `yaml:"close_retries"`
	CloseBackoffMs  int `yaml:"close_backoff_ms"`
}

// MonitorConfig holds position monitoring settings.
type MonitorConfig struct {
	PollIntervalMs  int     `yaml:"poll_interval_ms"`
	ProfitThreshold float64 `yaml:"profit_threshold"`
	VenueRetries    int     `yaml:"venue_retries"`
	SizeTolerance   float64 `yaml:"size_tolerance"`
}

// CycleConfig holds cycle loop settings.
type CycleConfig struct {
	CooldownSec        int  `yaml:"cooldown_sec"`
	MaxCycles          int  `yaml:"max_cycles"` // 0 = unbounded
	CloseOnShutdown    bool `yaml:"close_on_shutdown"`
	IgnoreDirtyJournal bool `yaml:"ignore_dirty_journal"`
}

// PersistenceConfig holds persistence settings.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Channels []ChannelConfig `yaml:"channels"`
	Events   []string        `yaml:"events"`
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type     string `yaml:"type"` // console | telegram
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	// Venue validation
	if len(c.Venues) < 2 {
		errs = append(errs, "at least two venues are required")
	}
	seen := make(map[string]bool, len(c.Venues))
	for i, v := range c.Venues {
		if v.Name == "" {
			errs = append(errs, fmt.Sprintf("venues[%d].name is required", i))
			continue
		}
		if seen[v.Name] {
			errs = append(errs, fmt.Sprintf("venues[%d].name '%s' is duplicated", i, v.Name))
		}
		seen[v.Name] = true

		switch v.Type {
		case "paper":
			if v.InitialEquity <= 0 {
				errs = append(errs, fmt.Sprintf("venues[%d].initial_equity must be positive for paper venues", i))
			}
		case "rest":
			if v.BaseURL == "" {
				errs = append(errs, fmt.Sprintf("venues[%d].base_url is required for rest venues", i))
			}
		default:
			errs = append(errs, fmt.Sprintf("venues[%d].type must be 'paper' or 'rest'", i))
		}
	}

	// Selection validation
	if c.Selection.ExposurePerSide <= 0 {
		errs = append(errs, "selection.exposure_per_side must be positive")
	}
	if c.Selection.Epsilon < 0 {
		errs = append(errs, "selection.epsilon must not be negative")
	}
	if c.Selection.MinCorrelation < -1 || c.Selection.MinCorrelation > 1 {
		errs = append(errs, "selection.min_correlation must be between -1 and 1")
	}
	if c.Selection.MinAssetsPerVenue <= 0 {
		c.Selection.MinAssetsPerVenue = 3 // default
	}
	if c.Selection.MaxAssetsPerVenue < c.Selection.MinAssetsPerVenue {
		c.Selection.MaxAssetsPerVenue = c.Selection.MinAssetsPerVenue
	}

	// Monitor validation
	if c.Monitor.ProfitThreshold <= 0 {
		errs = append(errs, "monitor.profit_threshold must be positive")
	}
	if c.Monitor.PollIntervalMs <= 0 {
		c.Monitor.PollIntervalMs = 1000 // default
	}

	// Execution validation
	if c.Execution.OrderTimeoutSec <= 0 {
		c.Execution.OrderTimeoutSec = 10 // default
	}
	if c.Execution.CloseRetries <= 0 {
		c.Execution.CloseRetries = 3 // default
	}

	// Cycle validation
	if c.Cycle.CooldownSec <= 0 {
		c.Cycle.CooldownSec = 600 // default 10 minutes
	}
	if c.Cycle.MaxCycles < 0 {
		errs = append(errs, "cycle.max_cycles must not be negative")
	}

	// Persistence validation
	if c.Persistence.Enabled && c.Persistence.Path == "" {
		errs = append(errs, "persistence.path is required when persistence is enabled")
	}

	// Alerting validation
	for i, ch := range c.Alerting.Channels {
		switch ch.Type {
		case "console":
		case "telegram":
			if ch.BotToken == "" || ch.ChatID == "" {
				errs = append(errs, fmt.Sprintf("alerting.channels[%d]: telegram requires bot_token and chat_id", i))
			}
		default:
			errs = append(errs, fmt.Sprintf("alerting.channels[%d].type must be 'console' or 'telegram'", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// ToSelectorConfig converts to selector.Config.
func (c *Config) ToSelectorConfig() selector.Config {
	return selector.Config{
		ExposurePerSide:     decimal.NewFromFloat(c.Selection.ExposurePerSide),
		MinAssetsPerVenue:   c.Selection.MinAssetsPerVenue,
		MaxAssetsPerVenue:   c.Selection.MaxAssetsPerVenue,
		Epsilon:             decimal.NewFromFloat(c.Selection.Epsilon),
		MinCorrelation:      decimal.NewFromFloat(c.Selection.MinCorrelation),
		MaxRetries:          c.Selection.MaxRetries,
		AllowRandomFallback: c.Selection.AllowRandomFallback,
	}
}

// ToCorrelationConfig converts to correlation.SampledConfig.
func (c *Config) ToCorrelationConfig() correlation.SampledConfig {
	cfg := correlation.DefaultSampledConfig()
	if c.Correlation.Samples > 0 {
		cfg.Samples = c.Correlation.Samples
	}
	if c.Correlation.IntervalSec > 0 {
		cfg.Interval = time.Duration(c.Correlation.IntervalSec) * time.Second
	}
	if c.Correlation.CacheTTLSec > 0 {
		cfg.CacheTTL = time.Duration(c.Correlation.CacheTTLSec) * time.Second
	}
	return cfg
}

// ToOrchestratorConfig converts to orchestrator.Config.
func (c *Config) ToOrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		OrderTimeout: time.Duration(c.Execution.OrderTimeoutSec) * time.Second,
		CloseRetries: c.Execution.CloseRetries,
		CloseBackoff: time.Duration(c.Execution.CloseBackoffMs) * time.Millisecond,
	}
}

// ToMonitorConfig converts to monitor.Config.
func (c *Config) ToMonitorConfig() monitor.Config {
	cfg := monitor.DefaultConfig()
	cfg.PollInterval = time.Duration(c.Monitor.PollIntervalMs) * time.Millisecond
	cfg.ProfitThreshold = decimal.NewFromFloat(c.Monitor.ProfitThreshold)
	if c.Monitor.VenueRetries > 0 {
		cfg.VenueRetries = c.Monitor.VenueRetries
	}
	if c.Monitor.SizeTolerance > 0 {
		cfg.SizeTolerance = decimal.NewFromFloat(c.Monitor.SizeTolerance)
	}
	return cfg
}

// ToCycleConfig converts to cycle.Config.
func (c *Config) ToCycleConfig() cycle.Config {
	return cycle.Config{
		Cooldown:           time.Duration(c.Cycle.CooldownSec) * time.Second,
		MaxCycles:          c.Cycle.MaxCycles,
		CloseOnShutdown:    c.Cycle.CloseOnShutdown,
		IgnoreDirtyJournal: c.Cycle.IgnoreDirtyJournal,
	}
}

// ToMetricsServerConfig converts to metrics.ServerConfig.
func (c *Config) ToMetricsServerConfig() metrics.ServerConfig {
	cfg := metrics.DefaultServerConfig()
	if c.Metrics.Port > 0 {
		cfg.Port = c.Metrics.Port
	}
	if c.Metrics.Path != "" {
		cfg.MetricsPath = c.Metrics.Path
	}
	return cfg
}

// Cooldown returns the cooldown duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Cycle.CooldownSec) * time.Second
}

// IsAlertEventEnabled checks if an alert event type is enabled.
func (c *Config) IsAlertEventEnabled(event string) bool {
	if !c.Alerting.Enabled {
		return false
	}
	// If no events specified, all are enabled
	if len(c.Alerting.Events) == 0 {
		return true
	}
	for _, e := range c.Alerting.Events {
		if e == event || e == "all" {
			return true
		}
	}
	return false
}
