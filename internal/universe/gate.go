// Package universe implements the per-run admission gate: alias mapping,
// IPO cutoff, snapshot allowlist, and coverage checks that decide which
// symbols a simulation run may trade.
package universe

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"stocksim/internal/marketdata"
)

// minuteCoverageInterval is the intraday interval a symbol must cover to
// be admitted.
const minuteCoverageInterval = 5

// Deny reasons, in evaluation order.
const (
	ReasonPostIPOList   = "listed in post-IPO exclusion set"
	ReasonPatchExcluded = "listed in minute patch exclusions"
	ReasonNotInSnapshot = "absent from snapshot allowlist"
	ReasonAfterCutoff   = "post-IPO after cutoff"
	ReasonNoMinuteData  = "no 5-minute coverage"
)

// CoverageProvider is the slice of the market-data gateway the gate needs.
type CoverageProvider interface {
	EarliestDaily(ctx context.Context, symbol string) (*time.Time, error)
	HasMinute(ctx context.Context, symbol string, tfMin int) (bool, error)
}

var _ CoverageProvider = (marketdata.Provider)(nil)

// Config parameterizes the gate.
type Config struct {
	AliasMap            map[string]string // e.g. META -> FB
	CutoffDate          time.Time         // earliest-daily must be <= cutoff
	ExcludePostIPO      []string
	PatchExcludeMinutes []string
	SnapshotPath        string // optional newline-separated allowlist
}

// Gate partitions a run's symbols into allowed and denied once per run.
// It is idempotent: EnsureLoaded only evaluates symbols it has not seen.
type Gate struct {
	mu       sync.Mutex
	cfg      Config
	provider CoverageProvider
	log      *logrus.Logger

	aliases      map[string]string
	postIPO      map[string]bool
	patchEx      map[string]bool
	snapshot     map[string]bool // nil when no snapshot restriction applies
	snapshotRead bool

	allowed map[string]bool
	denied  map[string]string
}

// New creates a Gate. The snapshot allowlist, when configured, is read
// lazily on the first EnsureLoaded call.
func New(cfg Config, provider CoverageProvider, log *logrus.Logger) *Gate {
	g := &Gate{
		cfg:      cfg,
		provider: provider,
		log:      log,
		aliases:  make(map[string]string, len(cfg.AliasMap)),
		postIPO:  make(map[string]bool, len(cfg.ExcludePostIPO)),
		patchEx:  make(map[string]bool, len(cfg.PatchExcludeMinutes)),
		allowed:  make(map[string]bool),
		denied:   make(map[string]string),
	}
	for k, v := range cfg.AliasMap {
		g.aliases[strings.ToUpper(k)] = strings.ToUpper(v)
	}
	for _, s := range cfg.ExcludePostIPO {
		g.postIPO[strings.ToUpper(s)] = true
	}
	for _, s := range cfg.PatchExcludeMinutes {
		g.patchEx[strings.ToUpper(s)] = true
	}
	return g
}

// EnsureLoaded evaluates admission for any not-yet-seen symbols. Deny
// reasons are checked in a fixed order so re-runs classify identically.
func (g *Gate) EnsureLoaded(ctx context.Context, symbols []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.snapshotRead && g.cfg.SnapshotPath != "" {
		snap, err := loadSnapshot(g.cfg.SnapshotPath)
		if err != nil {
			return fmt.Errorf("loading snapshot allowlist: %w", err)
		}
		g.snapshot = snap
		g.snapshotRead = true
	}

	for _, raw := range symbols {
		sym := strings.ToUpper(raw)
		if g.allowed[sym] {
			continue
		}
		if _, seen := g.denied[sym]; seen {
			continue
		}
		reason, err := g.classify(ctx, sym)
		if err != nil {
			return fmt.Errorf("classify %s: %w", sym, err)
		}
		if reason == "" {
			g.allowed[sym] = true
			continue
		}
		g.denied[sym] = reason
		g.log.WithFields(logrus.Fields{"symbol": sym, "reason": reason}).
			Info("universe: symbol denied")
	}
	return nil
}

func (g *Gate) classify(ctx context.Context, sym string) (string, error) {
	if g.postIPO[sym] {
		return ReasonPostIPOList, nil
	}
	if g.patchEx[sym] {
		return ReasonPatchExcluded, nil
	}
	if g.snapshot != nil && !g.snapshot[sym] {
		return ReasonNotInSnapshot, nil
	}
	dataSym := g.mapSymbolLocked(sym)
	earliest, err := g.provider.EarliestDaily(ctx, dataSym)
	if err != nil {
		return "", err
	}
	if earliest == nil || earliest.After(g.cfg.CutoffDate) {
		return ReasonAfterCutoff, nil
	}
	hasMinute, err := g.provider.HasMinute(ctx, dataSym, minuteCoverageInterval)
	if err != nil {
		return "", err
	}
	if !hasMinute {
		return ReasonNoMinuteData, nil
	}
	return "", nil
}

// Allowed reports whether the symbol was admitted, with the deny reason
// when it was not. Symbols never passed to EnsureLoaded are denied.
func (g *Gate) Allowed(symbol string) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sym := strings.ToUpper(symbol)
	if g.allowed[sym] {
		return true, ""
	}
	if reason, ok := g.denied[sym]; ok {
		return false, reason
	}
	return false, "not evaluated"
}

// MapSymbol returns the alias-mapped symbol used for data lookups. The
// original symbol remains the runner's identity.
func (g *Gate) MapSymbol(symbol string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mapSymbolLocked(strings.ToUpper(symbol))
}

func (g *Gate) mapSymbolLocked(sym string) string {
	if mapped, ok := g.aliases[sym]; ok {
		return mapped
	}
	return sym
}

// DeniedReasons returns a copy of the deny map for reporting.
func (g *Gate) DeniedReasons() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]string, len(g.denied))
	for k, v := range g.denied {
		out[k] = v
	}
	return out
}

func loadSnapshot(path string) (map[string]bool, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-provided allowlist path
	if err != nil {
		if os.IsNotExist(err) {
			// Missing snapshot means no snapshot restriction.
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	out := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out[strings.ToUpper(line)] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
