package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AUTOTRADER_"

// Config is the full, typed runtime configuration.
type Config struct {
	App       AppConfig       `json:"app" yaml:"app"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Broker    BrokerConfig    `json:"broker" yaml:"broker"`
	Risk      RiskConfig      `json:"risk" yaml:"risk"`
	RateLimit RateLimitConfig `json:"ratelimit" yaml:"ratelimit"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	Watchdog  WatchdogConfig  `json:"watchdog" yaml:"watchdog"`
	Account   AccountConfig   `json:"account" yaml:"account"`
	Journal   JournalConfig   `json:"journal" yaml:"journal"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	State     StateConfig     `json:"state" yaml:"state"`
	Reconcile ReconcileConfig `json:"reconcile" yaml:"reconcile"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`
	Profiling ProfilingConfig `json:"profiling" yaml:"profiling"`
}

type AppConfig struct {
	Name      string `json:"name" yaml:"name"`
	DryRun    bool   `json:"dry_run" yaml:"dry_run"` // no executor: simulated no-op success
	LowMemory bool   `json:"low_memory" yaml:"low_memory"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json or console
	File   string `json:"file,omitempty" yaml:"file,omitempty"`
	Name   string `json:"name,omitempty" yaml:"name,omitempty"`
}

// BrokerConfig selects the execution venue. "oanda" falls back to the
// simulated venue when it cannot be reached.
type BrokerConfig struct {
	Kind           string  `json:"kind" yaml:"kind"` // "sim" or "oanda"
	OandaEnv       string  `json:"oanda_env,omitempty" yaml:"oanda_env,omitempty"`
	Token          string  `json:"token,omitempty" yaml:"token,omitempty"`
	AccountID      string  `json:"account_id,omitempty" yaml:"account_id,omitempty"`
	TimeoutSeconds float64 `json:"timeout_seconds" yaml:"timeout_seconds"`
	SimBalance     float64 `json:"sim_balance" yaml:"sim_balance"`
	SimCurrency    string  `json:"sim_currency" yaml:"sim_currency"`
}

// RiskConfig parameterizes the bundled policy evaluator.
type RiskConfig struct {
	DefaultLots     float64 `json:"default_lots" yaml:"default_lots"`
	MaxLots         float64 `json:"max_lots" yaml:"max_lots"`
	MinConfidence   float64 `json:"min_confidence" yaml:"min_confidence"`
	MaxOpenTrades   int     `json:"max_open_trades" yaml:"max_open_trades"`
	MaxDailyLossPct float64 `json:"max_daily_loss_pct" yaml:"max_daily_loss_pct"`
	RiskPct         float64 `json:"risk_pct" yaml:"risk_pct"` // sizes from the stop when set
	MinRR           float64 `json:"min_rr" yaml:"min_rr"`
	MaxCorrelation  float64 `json:"max_correlation" yaml:"max_correlation"`
}

type RateLimitConfig struct {
	WindowSeconds float64 `json:"window_seconds" yaml:"window_seconds"`
	PerSymbolMax  int     `json:"per_symbol_max" yaml:"per_symbol_max"`
	GlobalMax     int     `json:"global_max" yaml:"global_max"`
}

type CacheConfig struct {
	TTLSeconds float64 `json:"ttl_seconds" yaml:"ttl_seconds"`
	MaxSize    int     `json:"max_size" yaml:"max_size"`
}

type WatchdogConfig struct {
	LatencyIntervalSeconds    float64 `json:"latency_interval_seconds" yaml:"latency_interval_seconds"`
	LatencyAlpha              float64 `json:"latency_alpha" yaml:"latency_alpha"`
	LatencyDegradedMs         float64 `json:"latency_degraded_ms" yaml:"latency_degraded_ms"`
	LatencyCriticalMs         float64 `json:"latency_critical_ms" yaml:"latency_critical_ms"`
	ConnectionIntervalSeconds float64 `json:"connection_interval_seconds" yaml:"connection_interval_seconds"`
	FailureThreshold          int     `json:"failure_threshold" yaml:"failure_threshold"`
	SampleTimeoutSeconds      float64 `json:"sample_timeout_seconds" yaml:"sample_timeout_seconds"`
	FeedURL                   string  `json:"feed_url,omitempty" yaml:"feed_url,omitempty"`
	FeedMaxSilenceSeconds     float64 `json:"feed_max_silence_seconds" yaml:"feed_max_silence_seconds"`
	MemoryCriticalMB          float64 `json:"memory_critical_mb" yaml:"memory_critical_mb"`
}

// AccountConfig drives the account health monitor.
type AccountConfig struct {
	IntervalSeconds float64 `json:"interval_seconds" yaml:"interval_seconds"`
	MaxDrawdownPct  float64 `json:"max_drawdown_pct" yaml:"max_drawdown_pct"`
	MaxDailyLossPct float64 `json:"max_daily_loss_pct" yaml:"max_daily_loss_pct"`
	AutoKill        bool    `json:"auto_kill" yaml:"auto_kill"`
}

type JournalConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite3", "postgres" or "csv"; empty disables
	DSN    string `json:"dsn" yaml:"dsn"`
}

type MetricsConfig struct {
	SnapshotPath    string  `json:"snapshot_path" yaml:"snapshot_path"`
	IntervalSeconds float64 `json:"interval_seconds" yaml:"interval_seconds"`
	ListenAddr      string  `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
}

type StateConfig struct {
	Dir string `json:"dir" yaml:"dir"`
}

type ReconcileConfig struct {
	Enabled         bool    `json:"enabled" yaml:"enabled"`
	IntervalSeconds float64 `json:"interval_seconds" yaml:"interval_seconds"`
}

type NotifyConfig struct {
	TelegramToken  string `json:"telegram_token,omitempty" yaml:"telegram_token,omitempty"`
	TelegramChatID string `json:"telegram_chat_id,omitempty" yaml:"telegram_chat_id,omitempty"`
}

type ProfilingConfig struct {
	PyroscopeAddr string `json:"pyroscope_addr,omitempty" yaml:"pyroscope_addr,omitempty"`
}

// Seconds converts a float seconds field into a time.Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Load builds the layered configuration: defaults, then the file at path
// (if any), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
		if err := decode(data, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid config")
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a file (JSON or YAML) over the
// defaults, without environment overrides.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	cfg := Default()
	if err := decode(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid config")
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	// Try YAML first, fall back to JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return errors.Wrap(jerr, "parse config (tried YAML and JSON)")
		}
	}
	return nil
}

// SaveToFile saves configuration to a file (YAML for .yaml/.yml, JSON otherwise)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "write config file")
	}
	return nil
}

// ApplyEnv overlays AUTOTRADER_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	str("LOG_LEVEL", &c.Log.Level)
	str("BROKER_KIND", &c.Broker.Kind)
	str("BROKER_TOKEN", &c.Broker.Token)
	str("BROKER_ACCOUNT", &c.Broker.AccountID)
	str("JOURNAL_DRIVER", &c.Journal.Driver)
	str("JOURNAL_DSN", &c.Journal.DSN)
	str("STATE_DIR", &c.State.Dir)
	str("TELEGRAM_TOKEN", &c.Notify.TelegramToken)
	str("TELEGRAM_CHAT", &c.Notify.TelegramChatID)
	str("PYROSCOPE_ADDR", &c.Profiling.PyroscopeAddr)

	if v, ok := lookup(EnvPrefix + "LOW_MEMORY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "%sLOW_MEMORY", EnvPrefix)
		}
		c.App.LowMemory = b
	}
	if v, ok := lookup(EnvPrefix + "DRY_RUN"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "%sDRY_RUN", EnvPrefix)
		}
		c.App.DryRun = b
	}
	return nil
}

// Effective returns a copy with low-memory reductions applied.
func (c Config) Effective() Config {
	if !c.App.LowMemory {
		return c
	}
	c.Cache.TTLSeconds = c.Cache.TTLSeconds / 2
	c.Cache.MaxSize = c.Cache.MaxSize / 4
	if c.Cache.MaxSize < 1 {
		c.Cache.MaxSize = 1
	}
	return c
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Broker.Kind {
	case "sim", "oanda":
	default:
		return fmt.Errorf("broker.kind must be 'sim' or 'oanda'")
	}
	if c.Broker.Kind == "oanda" && c.Broker.AccountID == "" {
		return fmt.Errorf("broker.account_id required for oanda")
	}
	if c.Broker.SimBalance <= 0 {
		return fmt.Errorf("broker.sim_balance must be positive")
	}
	if c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("ratelimit.window_seconds must be positive")
	}
	if c.RateLimit.PerSymbolMax <= 0 || c.RateLimit.GlobalMax <= 0 {
		return fmt.Errorf("ratelimit limits must be positive")
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache.ttl_seconds must be positive")
	}
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache.max_size must be positive")
	}
	if c.Watchdog.LatencyAlpha <= 0 || c.Watchdog.LatencyAlpha > 1 {
		return fmt.Errorf("watchdog.latency_alpha must be between 0 and 1")
	}
	if c.Watchdog.LatencyDegradedMs >= c.Watchdog.LatencyCriticalMs {
		return fmt.Errorf("watchdog.latency_degraded_ms must be below latency_critical_ms")
	}
	if c.Watchdog.FailureThreshold <= 0 {
		return fmt.Errorf("watchdog.failure_threshold must be positive")
	}
	if c.Watchdog.LatencyIntervalSeconds <= 0 || c.Watchdog.ConnectionIntervalSeconds <= 0 || c.Account.IntervalSeconds <= 0 {
		return fmt.Errorf("watchdog intervals must be positive")
	}
	if c.Risk.MaxLots <= 0 || c.Risk.DefaultLots <= 0 || c.Risk.DefaultLots > c.Risk.MaxLots {
		return fmt.Errorf("risk.default_lots must be positive and not exceed risk.max_lots")
	}
	switch c.Journal.Driver {
	case "", "sqlite3", "postgres", "csv":
	default:
		return fmt.Errorf("journal.driver must be 'sqlite3', 'postgres' or 'csv'")
	}
	if c.Journal.Driver != "" && c.Journal.DSN == "" {
		return fmt.Errorf("journal.dsn required when journal.driver is set")
	}
	if c.State.Dir == "" {
		return fmt.Errorf("state.dir is required")
	}
	if c.Metrics.IntervalSeconds <= 0 {
		return fmt.Errorf("metrics.interval_seconds must be positive")
	}
	if c.Reconcile.Enabled && c.Reconcile.IntervalSeconds <= 0 {
		return fmt.Errorf("reconcile.interval_seconds must be positive when reconcile is enabled")
	}
	return nil
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "autotrader"},
		Log: LogConfig{Level: "info", Format: "json", Name: "autotrader"},
		Broker: BrokerConfig{
			Kind:           "sim",
			OandaEnv:       "practice",
			TimeoutSeconds: 10,
			SimBalance:     100000,
			SimCurrency:    "USD",
		},
		Risk: RiskConfig{
			DefaultLots:     0.1,
			MaxLots:         1.0,
			MinConfidence:   0.5,
			MaxOpenTrades:   5,
			MaxDailyLossPct: 0.03,
			RiskPct:         0.005,
			MinRR:           1.5,
			MaxCorrelation:  1.0,
		},
		RateLimit: RateLimitConfig{WindowSeconds: 60, PerSymbolMax: 3, GlobalMax: 10},
		Cache:     CacheConfig{TTLSeconds: 300, MaxSize: 1000},
		Watchdog: WatchdogConfig{
			LatencyIntervalSeconds:    1,
			LatencyAlpha:              0.2,
			LatencyDegradedMs:         250,
			LatencyCriticalMs:         1000,
			ConnectionIntervalSeconds: 5,
			FailureThreshold:          3,
			SampleTimeoutSeconds:      2,
			FeedMaxSilenceSeconds:     30,
			MemoryCriticalMB:          1024,
		},
		Account: AccountConfig{
			IntervalSeconds: 10,
			MaxDrawdownPct:  0.10,
			MaxDailyLossPct: 0.05,
			AutoKill:        true,
		},
		Journal:   JournalConfig{Driver: "sqlite3", DSN: "./autotrader.db"},
		Metrics:   MetricsConfig{SnapshotPath: "./state/metrics.json", IntervalSeconds: 15},
		State:     StateConfig{Dir: "./state"},
		Reconcile: ReconcileConfig{Enabled: true, IntervalSeconds: 300},
	}
}
