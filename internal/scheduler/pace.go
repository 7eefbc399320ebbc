package scheduler

import (
	"encoding/json"
	"os"
	"time"
)

// paceFile is the operator-editable throttle: drop a JSON file next to
// the process to slow a running simulation down without restarting it.
type paceFile struct {
	Enabled     bool    `json:"enabled"`
	PaceSeconds float64 `json:"pace_seconds"`
}

// readPaceOverride returns the per-tick sleep from the pace file, or the
// fallback when the file is absent, malformed or disabled.
func readPaceOverride(path string, fallback time.Duration) time.Duration {
	if path == "" {
		return fallback
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator-provided pace file path
	if err != nil {
		return fallback
	}
	var pf paceFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return fallback
	}
	if !pf.Enabled || pf.PaceSeconds < 0 {
		return fallback
	}
	return time.Duration(pf.PaceSeconds * float64(time.Second))
}
