// Package config provides configuration management for the simulator.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize when fields are unset.
const (
	defaultStepSeconds         = 300
	defaultRunnerParallelism   = 8
	defaultUnitBudget          = 2000
	defaultMinCashFloor        = 5e6
	defaultTopupCashTo         = 1e7
	defaultCooldownBars        = 3
	defaultMinIntradayTrailPct = 1.25
	defaultLookbackBars        = 300
	defaultCommission          = 1.00
	defaultSpread              = 0.01
	defaultSlippagePct         = 0.0005
	defaultTickSize            = 0.01
	defaultStartingCash        = 1e7
	defaultTTLDays             = 5
	defaultDegradeThreshold    = 3
	defaultExcludeSessions     = 10
	defaultWindowDays          = 5
	defaultCutoffDate          = "2020-09-18"
	defaultPersistEveryTicks   = 10
	defaultAPIPort             = 8070
	defaultUsername            = "analytics"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Database    DatabaseConfig    `yaml:"database"`
	Timing      TimingConfig      `yaml:"timing"`
	Engine      EngineConfig      `yaml:"engine"`
	Broker      BrokerConfig      `yaml:"broker"`
	Health      HealthConfig      `yaml:"health"`
	Universe    UniverseConfig    `yaml:"universe"`
	Runners     RunnersConfig     `yaml:"runners"`
	API         APIConfig         `yaml:"api"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // analytics | strict
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
	Username string `yaml:"username"`  // owner of all sim state
}

// DatabaseConfig locates the SQLite files.
type DatabaseConfig struct {
	SimPath  string `yaml:"sim_path"`  // runners, orders, trades, executions
	BarsPath string `yaml:"bars_path"` // historical OHLC bars (read-only)
}

// TimingConfig drives the virtual clock.
type TimingConfig struct {
	StepSeconds      int     `yaml:"step_seconds"`
	PaceSeconds      float64 `yaml:"pace_seconds"`
	SimStartEpoch    int64   `yaml:"sim_start_epoch"`
	SimEndEpoch      int64   `yaml:"sim_end_epoch"`
	PaceFilePath     string  `yaml:"pace_file_path"`
	PersistEveryTick int     `yaml:"persist_every_ticks"`
	SleepWhenPaused  string  `yaml:"sleep_when_paused"` // duration, default 1s
	SessionStepping  bool    `yaml:"session_stepping"`  // advance via next session ts
}

// EngineConfig tunes per-tick runner evaluation.
type EngineConfig struct {
	RunnerParallelism    int     `yaml:"runner_parallelism"`
	UnitBudget           float64 `yaml:"unit_budget"`
	MinCashFloor         float64 `yaml:"min_cash_floor"`
	TopupCashTo          float64 `yaml:"topup_cash_to"`
	RequireBarAdvance    *bool   `yaml:"require_bar_advance"`
	RegularHoursOnly     *bool   `yaml:"regular_hours_only"`
	CooldownAfterStop    int     `yaml:"cooldown_after_stop_bars"`
	MinIntradayTrailPct  float64 `yaml:"min_intraday_trail_pct"`
	ThinNoActionDetails  *bool   `yaml:"thin_no_action_details"`
	SummarizeSameBar     *bool   `yaml:"summarize_same_bar"`
	SuppressDailySameBar *bool   `yaml:"suppress_daily_same_bar"`
	LookbackBars         int     `yaml:"lookback_bars"`
}

// BrokerConfig parameterizes the mock fill model.
type BrokerConfig struct {
	CommissionPerTrade float64 `yaml:"commission_per_trade"`
	BidAskSpread       float64 `yaml:"bid_ask_spread"`
	SlippagePercent    float64 `yaml:"slippage_percent"`
	TickSize           float64 `yaml:"tick_size"`
	StartingCash       float64 `yaml:"starting_cash"`
}

// HealthConfig tunes the per-pair quarantine FSM.
type HealthConfig struct {
	TTLDays                  int `yaml:"ttl_days"`
	DegradeThreshold         int `yaml:"degrade_threshold"`
	ExcludeThresholdSessions int `yaml:"exclude_threshold_sessions"`
	WindowDays               int `yaml:"window_days"`
}

// UniverseConfig tunes the per-run admission gate.
type UniverseConfig struct {
	CutoffDate          string            `yaml:"cutoff_date"`
	AliasMap            map[string]string `yaml:"alias_map"`
	ExcludePostIPO      []string          `yaml:"exclude_post_ipo"`
	PatchExcludeMinutes []string          `yaml:"patch_exclude_minutes"`
	SnapshotPath        string            `yaml:"snapshot_path"`
}

// RunnersConfig bootstraps the runner population at startup.
type RunnersConfig struct {
	Symbols    []string `yaml:"symbols"`
	Strategies []string `yaml:"strategies"`
	Timeframes []int    `yaml:"timeframes"`
	Budget     float64  `yaml:"budget"`
}

// APIConfig configures the control/reporting surface.
type APIConfig struct {
	Port    int  `yaml:"port"`
	Enabled bool `yaml:"enabled"`
}

// Load reads and parses the configuration file from the specified path.
// Environment variables in the file are expanded before parsing.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Default returns a configuration with every field at its documented
// default. Tests and the bootstrap path start from here.
func Default() *Config {
	c := &Config{}
	c.normalize()
	return c
}

func boolPtr(b bool) *bool { return &b }

// normalize backfills unset fields with their defaults.
func (c *Config) normalize() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "analytics"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Environment.Username == "" {
		c.Environment.Username = defaultUsername
	}
	if c.Database.SimPath == "" {
		c.Database.SimPath = "sim.db"
	}
	if c.Database.BarsPath == "" {
		c.Database.BarsPath = "bars.db"
	}
	if c.Timing.StepSeconds == 0 {
		c.Timing.StepSeconds = defaultStepSeconds
	}
	if c.Timing.PersistEveryTick == 0 {
		c.Timing.PersistEveryTick = defaultPersistEveryTicks
	}
	if c.Timing.SleepWhenPaused == "" {
		c.Timing.SleepWhenPaused = "1s"
	}
	if c.Engine.RunnerParallelism == 0 {
		c.Engine.RunnerParallelism = defaultRunnerParallelism
	}
	if c.Engine.UnitBudget == 0 {
		c.Engine.UnitBudget = defaultUnitBudget
	}
	if c.Engine.MinCashFloor == 0 {
		c.Engine.MinCashFloor = defaultMinCashFloor
	}
	if c.Engine.TopupCashTo == 0 {
		c.Engine.TopupCashTo = defaultTopupCashTo
	}
	if c.Engine.RequireBarAdvance == nil {
		c.Engine.RequireBarAdvance = boolPtr(true)
	}
	if c.Engine.RegularHoursOnly == nil {
		c.Engine.RegularHoursOnly = boolPtr(true)
	}
	if c.Engine.CooldownAfterStop == 0 {
		c.Engine.CooldownAfterStop = defaultCooldownBars
	}
	if c.Engine.MinIntradayTrailPct == 0 {
		c.Engine.MinIntradayTrailPct = defaultMinIntradayTrailPct
	}
	if c.Engine.ThinNoActionDetails == nil {
		c.Engine.ThinNoActionDetails = boolPtr(true)
	}
	if c.Engine.SummarizeSameBar == nil {
		c.Engine.SummarizeSameBar = boolPtr(true)
	}
	if c.Engine.SuppressDailySameBar == nil {
		c.Engine.SuppressDailySameBar = boolPtr(true)
	}
	if c.Engine.LookbackBars == 0 {
		c.Engine.LookbackBars = defaultLookbackBars
	}
	if c.Broker.CommissionPerTrade == 0 {
		c.Broker.CommissionPerTrade = defaultCommission
	}
	if c.Broker.BidAskSpread == 0 {
		c.Broker.BidAskSpread = defaultSpread
	}
	if c.Broker.SlippagePercent == 0 {
		c.Broker.SlippagePercent = defaultSlippagePct
	}
	if c.Broker.TickSize == 0 {
		c.Broker.TickSize = defaultTickSize
	}
	if c.Broker.StartingCash == 0 {
		c.Broker.StartingCash = defaultStartingCash
	}
	if c.Health.TTLDays == 0 {
		c.Health.TTLDays = defaultTTLDays
	}
	if c.Health.DegradeThreshold == 0 {
		c.Health.DegradeThreshold = defaultDegradeThreshold
	}
	if c.Health.ExcludeThresholdSessions == 0 {
		c.Health.ExcludeThresholdSessions = defaultExcludeSessions
	}
	if c.Health.WindowDays == 0 {
		c.Health.WindowDays = defaultWindowDays
	}
	if c.Universe.CutoffDate == "" {
		c.Universe.CutoffDate = defaultCutoffDate
	}
	if c.Universe.AliasMap == nil {
		c.Universe.AliasMap = map[string]string{"META": "FB", "ELV": "ANTM"}
	}
	if len(c.Runners.Timeframes) == 0 {
		c.Runners.Timeframes = []int{5, 1440}
	}
	if c.Runners.Budget == 0 {
		c.Runners.Budget = defaultUnitBudget
	}
	if c.API.Port == 0 {
		c.API.Port = defaultAPIPort
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "analytics" && c.Environment.Mode != "strict" {
		return fmt.Errorf("environment.mode must be 'analytics' or 'strict'")
	}
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be debug, info, warn or error")
	}
	if c.Timing.StepSeconds <= 0 {
		return fmt.Errorf("timing.step_seconds must be > 0")
	}
	if c.Timing.PaceSeconds < 0 {
		return fmt.Errorf("timing.pace_seconds must be >= 0")
	}
	if c.Timing.SimEndEpoch != 0 && c.Timing.SimStartEpoch != 0 &&
		c.Timing.SimEndEpoch < c.Timing.SimStartEpoch {
		return fmt.Errorf("timing.sim_end_epoch must be >= timing.sim_start_epoch")
	}
	if _, err := time.ParseDuration(c.Timing.SleepWhenPaused); err != nil {
		return fmt.Errorf("timing.sleep_when_paused invalid: %w", err)
	}
	if c.Engine.RunnerParallelism <= 0 {
		return fmt.Errorf("engine.runner_parallelism must be > 0")
	}
	if c.Engine.UnitBudget <= 0 {
		return fmt.Errorf("engine.unit_budget must be > 0")
	}
	if c.Engine.MinCashFloor > c.Engine.TopupCashTo {
		return fmt.Errorf("engine.min_cash_floor (%.0f) must be <= engine.topup_cash_to (%.0f)",
			c.Engine.MinCashFloor, c.Engine.TopupCashTo)
	}
	if c.Engine.CooldownAfterStop < 0 {
		return fmt.Errorf("engine.cooldown_after_stop_bars must be >= 0")
	}
	if c.Engine.LookbackBars <= 0 {
		return fmt.Errorf("engine.lookback_bars must be > 0")
	}
	if c.Broker.CommissionPerTrade < 0 {
		return fmt.Errorf("broker.commission_per_trade must be >= 0")
	}
	if c.Broker.BidAskSpread < 0 {
		return fmt.Errorf("broker.bid_ask_spread must be >= 0")
	}
	if c.Broker.SlippagePercent < 0 || c.Broker.SlippagePercent > 1 {
		return fmt.Errorf("broker.slippage_percent must be in [0,1]")
	}
	if c.Broker.TickSize <= 0 {
		return fmt.Errorf("broker.tick_size must be > 0")
	}
	if c.Broker.StartingCash <= 0 {
		return fmt.Errorf("broker.starting_cash must be > 0")
	}
	if c.Health.TTLDays <= 0 {
		return fmt.Errorf("health.ttl_days must be > 0")
	}
	if c.Health.DegradeThreshold <= 0 {
		return fmt.Errorf("health.degrade_threshold must be > 0")
	}
	if c.Health.ExcludeThresholdSessions <= 0 {
		return fmt.Errorf("health.exclude_threshold_sessions must be > 0")
	}
	if c.Health.WindowDays <= 0 {
		return fmt.Errorf("health.window_days must be > 0")
	}
	if _, err := c.CutoffDate(); err != nil {
		return fmt.Errorf("universe.cutoff_date invalid: %w", err)
	}
	for _, tf := range c.Runners.Timeframes {
		if tf <= 0 {
			return fmt.Errorf("runners.timeframes entries must be > 0")
		}
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be in (0,65535]")
	}
	return nil
}

// IsAnalyticsMode reports whether decision validation runs relaxed.
func (c *Config) IsAnalyticsMode() bool {
	return c.Environment.Mode == "analytics"
}

// CutoffDate parses the IPO cutoff date.
func (c *Config) CutoffDate() (time.Time, error) {
	return time.Parse("2006-01-02", c.Universe.CutoffDate)
}

// SleepWhenPaused returns the pause poll interval.
func (c *Config) SleepWhenPaused() time.Duration {
	d, err := time.ParseDuration(c.Timing.SleepWhenPaused)
	if err != nil {
		return time.Second
	}
	return d
}

// SimStart returns the configured simulation start, zero when unset.
func (c *Config) SimStart() time.Time {
	if c.Timing.SimStartEpoch == 0 {
		return time.Time{}
	}
	return time.Unix(c.Timing.SimStartEpoch, 0).UTC()
}

// SimEnd returns the configured simulation end, zero when unset.
func (c *Config) SimEnd() time.Time {
	if c.Timing.SimEndEpoch == 0 {
		return time.Time{}
	}
	return time.Unix(c.Timing.SimEndEpoch, 0).UTC()
}
