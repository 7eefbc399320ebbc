package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, "analytics", c.Environment.Mode)
	assert.Equal(t, "info", c.Environment.LogLevel)
	assert.Equal(t, "analytics", c.Environment.Username)
	assert.Equal(t, 300, c.Timing.StepSeconds)
	assert.Equal(t, 10, c.Timing.PersistEveryTick)
	assert.Equal(t, 8, c.Engine.RunnerParallelism)
	assert.Equal(t, 2000.0, c.Engine.UnitBudget)
	assert.Equal(t, 3, c.Engine.CooldownAfterStop)
	assert.Equal(t, 1.25, c.Engine.MinIntradayTrailPct)
	assert.True(t, *c.Engine.RequireBarAdvance)
	assert.True(t, *c.Engine.RegularHoursOnly)
	assert.Equal(t, 1.0, c.Broker.CommissionPerTrade)
	assert.Equal(t, 0.01, c.Broker.TickSize)
	assert.Equal(t, 1e7, c.Broker.StartingCash)
	assert.Equal(t, 5, c.Health.TTLDays)
	assert.Equal(t, "2020-09-18", c.Universe.CutoffDate)
	assert.Equal(t, "FB", c.Universe.AliasMap["META"])
	assert.Equal(t, []int{5, 1440}, c.Runners.Timeframes)
	assert.Equal(t, 8070, c.API.Port)
	require.NoError(t, c.Validate())
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("SIM_DB_PATH", "/tmp/sim-test.db")
	path := writeConfig(t, `
environment:
  mode: strict
database:
  sim_path: ${SIM_DB_PATH}
timing:
  step_seconds: 60
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "strict", c.Environment.Mode)
	assert.Equal(t, "/tmp/sim-test.db", c.Database.SimPath)
	assert.Equal(t, 60, c.Timing.StepSeconds)
	// Unset sections still normalize.
	assert.Equal(t, 2000.0, c.Engine.UnitBudget)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
engine:
  unit_budget: 500
  no_such_knob: true
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad mode", func(c *Config) { c.Environment.Mode = "live" }, "environment.mode"},
		{"bad log level", func(c *Config) { c.Environment.LogLevel = "verbose" }, "log_level"},
		{"negative pace", func(c *Config) { c.Timing.PaceSeconds = -1 }, "pace_seconds"},
		{"end before start", func(c *Config) {
			c.Timing.SimStartEpoch = 200
			c.Timing.SimEndEpoch = 100
		}, "sim_end_epoch"},
		{"bad pause sleep", func(c *Config) { c.Timing.SleepWhenPaused = "soon" }, "sleep_when_paused"},
		{"floor above topup", func(c *Config) {
			c.Engine.MinCashFloor = 2e7
			c.Engine.TopupCashTo = 1e7
		}, "min_cash_floor"},
		{"negative cooldown", func(c *Config) { c.Engine.CooldownAfterStop = -1 }, "cooldown_after_stop_bars"},
		{"negative commission", func(c *Config) { c.Broker.CommissionPerTrade = -1 }, "commission_per_trade"},
		{"slippage above one", func(c *Config) { c.Broker.SlippagePercent = 1.5 }, "slippage_percent"},
		{"bad cutoff date", func(c *Config) { c.Universe.CutoffDate = "Sep 18" }, "cutoff_date"},
		{"bad timeframe", func(c *Config) { c.Runners.Timeframes = []int{5, -1} }, "timeframes"},
		{"bad port", func(c *Config) { c.API.Port = 70000 }, "api.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestModeAndTimingHelpers(t *testing.T) {
	c := Default()
	assert.True(t, c.IsAnalyticsMode())
	c.Environment.Mode = "strict"
	assert.False(t, c.IsAnalyticsMode())

	assert.Equal(t, time.Second, c.SleepWhenPaused())
	c.Timing.SleepWhenPaused = "250ms"
	assert.Equal(t, 250*time.Millisecond, c.SleepWhenPaused())

	assert.True(t, c.SimStart().IsZero())
	assert.True(t, c.SimEnd().IsZero())
	c.Timing.SimStartEpoch = 1_600_000_000
	assert.Equal(t, time.Unix(1_600_000_000, 0).UTC(), c.SimStart())

	cutoff, err := c.CutoffDate()
	require.NoError(t, err)
	assert.Equal(t, 2020, cutoff.Year())
}
