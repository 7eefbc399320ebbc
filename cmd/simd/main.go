// Command simd runs the historical trading simulator: a virtual clock
// over stored OHLC bars, per-tick strategy runners, a mock broker with
// protective stops, and an HTTP control plane.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"stocksim/internal/analytics"
	"stocksim/internal/api"
	"stocksim/internal/broker"
	"stocksim/internal/config"
	"stocksim/internal/engine"
	"stocksim/internal/health"
	"stocksim/internal/marketdata"
	"stocksim/internal/metrics"
	"stocksim/internal/models"
	"stocksim/internal/scheduler"
	"stocksim/internal/storage"
	"stocksim/internal/strategy"
	"stocksim/internal/universe"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("simd exited")
	}
}

func run() error {
	// Optional .env for ${VAR} expansion inside the config file.
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Environment.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.OpenSQLite(cfg.Database.SimPath, log)
	if err != nil {
		return fmt.Errorf("open sim storage: %w", err)
	}
	defer store.Close()

	bars, err := marketdata.OpenSQLite(cfg.Database.BarsPath, log)
	if err != nil {
		return fmt.Errorf("open bars storage: %w", err)
	}
	defer bars.Close()
	provider := marketdata.NewBreakerProvider(bars)

	user, err := store.EnsureUser(ctx, cfg.Environment.Username)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	if _, err := store.EnsureAccount(ctx, user.ID, cfg.Broker.StartingCash); err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	if err := bootstrapRunners(ctx, store, cfg, user.ID, log); err != nil {
		return fmt.Errorf("bootstrap runners: %w", err)
	}

	cutoff, err := cfg.CutoffDate()
	if err != nil {
		return err
	}
	uni := universe.New(universe.Config{
		AliasMap:            cfg.Universe.AliasMap,
		CutoffDate:          cutoff,
		ExcludePostIPO:      cfg.Universe.ExcludePostIPO,
		PatchExcludeMinutes: cfg.Universe.PatchExcludeMinutes,
		SnapshotPath:        cfg.Universe.SnapshotPath,
	}, provider, log)
	hlth := health.New(health.Config{
		TTLDays:                  cfg.Health.TTLDays,
		DegradeThreshold:         cfg.Health.DegradeThreshold,
		ExcludeThresholdSessions: cfg.Health.ExcludeThresholdSessions,
		WindowDays:               cfg.Health.WindowDays,
	}, log)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	brk := broker.NewSimBroker(store, broker.Config{
		CommissionPerTrade: cfg.Broker.CommissionPerTrade,
		BidAskSpread:       cfg.Broker.BidAskSpread,
		SlippagePercent:    cfg.Broker.SlippagePercent,
		TickSize:           cfg.Broker.TickSize,
	}, log)
	eng := engine.New(store, provider, brk, uni, hlth, cfg, log, m)
	sched := scheduler.New(store, provider, bars, eng, cfg, log)
	agg := analytics.New(store, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := sched.Run(gctx, user.ID)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if cfg.API.Enabled {
		server := api.New(store, agg, uni, cfg, log, registry, user.ID)
		g.Go(func() error { return server.Start(gctx) })
	}

	log.WithFields(logrus.Fields{
		"mode":     cfg.Environment.Mode,
		"user":     cfg.Environment.Username,
		"api":      cfg.API.Enabled,
		"strategy": strategy.Keys(),
	}).Info("simd started")
	return g.Wait()
}

// bootstrapRunners seeds the runner population from config. Existing
// runners are left alone; duplicates are skipped.
func bootstrapRunners(ctx context.Context, store storage.Interface, cfg *config.Config, userID int64, log *logrus.Logger) error {
	if len(cfg.Runners.Symbols) == 0 || len(cfg.Runners.Strategies) == 0 {
		return nil
	}
	created := 0
	for _, symbol := range cfg.Runners.Symbols {
		for _, strategyKey := range cfg.Runners.Strategies {
			if _, ok := strategy.Get(strategyKey); !ok {
				return fmt.Errorf("unknown strategy %q in runners.strategies", strategyKey)
			}
			for _, tf := range cfg.Runners.Timeframes {
				r := &models.Runner{
					UserID:       userID,
					Name:         fmt.Sprintf("%s-%s-%s", symbol, strategyKey, models.TimeframeLabel(tf)),
					StrategyKey:  strategyKey,
					Stock:        symbol,
					TimeframeMin: tf,
					Parameters:   models.Params{},
					Budget:       cfg.Runners.Budget,
					Activation:   models.ActivationActive,
				}
				err := store.CreateRunner(ctx, r)
				if errors.Is(err, storage.ErrRunnerExists) {
					continue
				}
				if err != nil {
					return err
				}
				created++
			}
		}
	}
	if created > 0 {
		log.WithField("created", created).Info("bootstrapped runners")
	}
	return nil
}
