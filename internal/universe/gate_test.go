package universe

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCoverage serves canned coverage data.
type fakeCoverage struct {
	earliestDaily map[string]time.Time
	hasMinute     map[string]bool
}

func (f *fakeCoverage) EarliestDaily(_ context.Context, symbol string) (*time.Time, error) {
	if ts, ok := f.earliestDaily[symbol]; ok {
		return &ts, nil
	}
	return nil, nil
}

func (f *fakeCoverage) HasMinute(_ context.Context, symbol string, _ int) (bool, error) {
	return f.hasMinute[symbol], nil
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func TestGateClassification(t *testing.T) {
	cutoff := time.Date(2020, 9, 18, 0, 0, 0, 0, time.UTC)
	old := time.Date(2010, 1, 4, 0, 0, 0, 0, time.UTC)
	provider := &fakeCoverage{
		earliestDaily: map[string]time.Time{
			"AAPL": old,
			"FB":   old,
			"ABNB": time.Date(2020, 12, 10, 0, 0, 0, 0, time.UTC),
			"NOMN": old,
		},
		hasMinute: map[string]bool{"AAPL": true, "FB": true},
	}
	g := New(Config{
		AliasMap:            map[string]string{"META": "FB"},
		CutoffDate:          cutoff,
		ExcludePostIPO:      []string{"RIVN"},
		PatchExcludeMinutes: []string{"BRK.B"},
	}, provider, testLogger())

	symbols := []string{"AAPL", "META", "ABNB", "RIVN", "BRK.B", "NOMN", "GHOST"}
	require.NoError(t, g.EnsureLoaded(context.Background(), symbols))

	ok, _ := g.Allowed("AAPL")
	assert.True(t, ok)

	// Alias mapping: META admits via FB coverage but keeps its identity.
	ok, _ = g.Allowed("META")
	assert.True(t, ok)
	assert.Equal(t, "FB", g.MapSymbol("META"))

	ok, reason := g.Allowed("ABNB")
	assert.False(t, ok)
	assert.Equal(t, ReasonAfterCutoff, reason)

	ok, reason = g.Allowed("RIVN")
	assert.False(t, ok)
	assert.Equal(t, ReasonPostIPOList, reason)

	ok, reason = g.Allowed("BRK.B")
	assert.False(t, ok)
	assert.Equal(t, ReasonPatchExcluded, reason)

	ok, reason = g.Allowed("NOMN")
	assert.False(t, ok)
	assert.Equal(t, ReasonNoMinuteData, reason)

	ok, reason = g.Allowed("GHOST")
	assert.False(t, ok)
	assert.Equal(t, ReasonAfterCutoff, reason)

	denied := g.DeniedReasons()
	assert.Len(t, denied, 5)
}

func TestGateSnapshotAllowlist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.txt")
	require.NoError(t, os.WriteFile(path, []byte("# snapshot\nAAPL\n"), 0o600))

	old := time.Date(2010, 1, 4, 0, 0, 0, 0, time.UTC)
	provider := &fakeCoverage{
		earliestDaily: map[string]time.Time{"AAPL": old, "MSFT": old},
		hasMinute:     map[string]bool{"AAPL": true, "MSFT": true},
	}
	g := New(Config{
		CutoffDate:   time.Date(2020, 9, 18, 0, 0, 0, 0, time.UTC),
		SnapshotPath: path,
	}, provider, testLogger())
	require.NoError(t, g.EnsureLoaded(context.Background(), []string{"AAPL", "MSFT"}))

	ok, _ := g.Allowed("AAPL")
	assert.True(t, ok)
	ok, reason := g.Allowed("MSFT")
	assert.False(t, ok)
	assert.Equal(t, ReasonNotInSnapshot, reason)
}

func TestGateMissingSnapshotMeansNoRestriction(t *testing.T) {
	old := time.Date(2010, 1, 4, 0, 0, 0, 0, time.UTC)
	provider := &fakeCoverage{
		earliestDaily: map[string]time.Time{"AAPL": old},
		hasMinute:     map[string]bool{"AAPL": true},
	}
	g := New(Config{
		CutoffDate:   time.Date(2020, 9, 18, 0, 0, 0, 0, time.UTC),
		SnapshotPath: filepath.Join(t.TempDir(), "does-not-exist.txt"),
	}, provider, testLogger())
	require.NoError(t, g.EnsureLoaded(context.Background(), []string{"AAPL"}))
	ok, _ := g.Allowed("AAPL")
	assert.True(t, ok)
}

func TestGateNotEvaluatedSymbols(t *testing.T) {
	g := New(Config{}, &fakeCoverage{}, testLogger())
	ok, reason := g.Allowed("AAPL")
	assert.False(t, ok)
	assert.Equal(t, "not evaluated", reason)
}
