package scheduler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePaceFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pace.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReadPaceOverride(t *testing.T) {
	fallback := 2 * time.Second

	t.Run("no path configured", func(t *testing.T) {
		assert.Equal(t, fallback, readPaceOverride("", fallback))
	})

	t.Run("file missing", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "absent.json")
		assert.Equal(t, fallback, readPaceOverride(path, fallback))
	})

	t.Run("enabled override", func(t *testing.T) {
		path := writePaceFile(t, `{"enabled": true, "pace_seconds": 0.25}`)
		assert.Equal(t, 250*time.Millisecond, readPaceOverride(path, fallback))
	})

	t.Run("disabled falls back", func(t *testing.T) {
		path := writePaceFile(t, `{"enabled": false, "pace_seconds": 0.25}`)
		assert.Equal(t, fallback, readPaceOverride(path, fallback))
	})

	t.Run("malformed falls back", func(t *testing.T) {
		path := writePaceFile(t, `{not json`)
		assert.Equal(t, fallback, readPaceOverride(path, fallback))
	})

	t.Run("negative falls back", func(t *testing.T) {
		path := writePaceFile(t, `{"enabled": true, "pace_seconds": -1}`)
		assert.Equal(t, fallback, readPaceOverride(path, fallback))
	})

	t.Run("zero disables the sleep", func(t *testing.T) {
		path := writePaceFile(t, `{"enabled": true, "pace_seconds": 0}`)
		assert.Equal(t, time.Duration(0), readPaceOverride(path, fallback))
	})
}
