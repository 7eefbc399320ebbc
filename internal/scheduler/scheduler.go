// Package scheduler owns the virtual clock: seeding the cursor, pausing
// on the run flag, advancing tick by tick (or session by session), and
// checkpointing the cursor so restarts resume where they left off.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"stocksim/internal/config"
	"stocksim/internal/engine"
	"stocksim/internal/marketdata"
	"stocksim/internal/retry"
	"stocksim/internal/storage"
)

// ErrNoSeedData is returned when neither configuration nor stored bars
// can supply a starting instant for the clock.
var ErrNoSeedData = errors.New("no simulation start: configure sim_start_epoch or load bars")

// Seeder supplies the earliest stored bar timestamp for cursor seeding.
// The raw SQLite gateway implements it; the circuit-breaker wrapper does
// not need to because seeding happens once at startup.
type Seeder interface {
	EarliestAny(ctx context.Context) (*time.Time, error)
}

// Scheduler runs the simulation loop for one user.
type Scheduler struct {
	store    storage.Interface
	provider marketdata.Provider
	seeder   Seeder
	engine   *engine.Engine
	cfg      *config.Config
	log      *logrus.Logger

	ticksSinceCheckpoint int
}

// New wires a Scheduler.
func New(store storage.Interface, provider marketdata.Provider, seeder Seeder,
	eng *engine.Engine, cfg *config.Config, log *logrus.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		provider: provider,
		seeder:   seeder,
		engine:   eng,
		cfg:      cfg,
		log:      log,
	}
}

// Run loops until the context is cancelled. The run flag in storage
// pauses and resumes the loop; the cursor survives restarts.
func (s *Scheduler) Run(ctx context.Context, userID int64) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		st, err := s.store.SimState(ctx, userID)
		if err != nil {
			return fmt.Errorf("load sim state: %w", err)
		}
		if !st.IsRunning {
			s.sleep(ctx, s.cfg.SleepWhenPaused())
			continue
		}

		cursor, err := s.cursor(ctx, st.LastTS)
		if err != nil {
			s.log.WithError(err).Error("scheduler: cannot seed clock, pausing")
			if serr := s.store.SetRunning(ctx, userID, false); serr != nil {
				return serr
			}
			continue
		}

		if end := s.cfg.SimEnd(); !end.IsZero() && cursor.After(end) {
			s.log.WithField("cursor", cursor).Info("scheduler: simulation window complete")
			if err := s.checkpoint(ctx, userID, cursor, true); err != nil {
				return err
			}
			if err := s.store.SetRunning(ctx, userID, false); err != nil {
				return err
			}
			continue
		}

		report, err := s.engine.RunTick(ctx, userID, cursor)
		if err != nil {
			return fmt.Errorf("tick at %s: %w", cursor.UTC().Format(time.RFC3339), err)
		}
		s.log.WithFields(logrus.Fields{
			"cycle_seq": report.CycleSeq,
			"runners":   report.Runners,
			"rows":      report.Executions,
		}).Debug("scheduler: tick complete")

		next, done, err := s.advance(ctx, cursor)
		if err != nil {
			return fmt.Errorf("advance clock: %w", err)
		}
		if done {
			s.log.Info("scheduler: no further session data, pausing")
			if err := s.checkpoint(ctx, userID, cursor, true); err != nil {
				return err
			}
			if err := s.store.SetRunning(ctx, userID, false); err != nil {
				return err
			}
			continue
		}
		if err := s.checkpoint(ctx, userID, next, false); err != nil {
			return err
		}

		if pace := readPaceOverride(s.cfg.Timing.PaceFilePath,
			time.Duration(s.cfg.Timing.PaceSeconds*float64(time.Second))); pace > 0 {
			s.sleep(ctx, pace)
		}
	}
}

// cursor resolves the current clock position: the persisted cursor, then
// the configured start, then the earliest stored bar.
func (s *Scheduler) cursor(ctx context.Context, lastTS *time.Time) (time.Time, error) {
	if lastTS != nil {
		return lastTS.UTC(), nil
	}
	if start := s.cfg.SimStart(); !start.IsZero() {
		return start, nil
	}
	earliest, err := s.seeder.EarliestAny(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if earliest == nil {
		return time.Time{}, ErrNoSeedData
	}
	return earliest.UTC(), nil
}

// advance computes the next cursor. Session stepping jumps straight to
// the next stored regular-hours bar; fixed stepping adds step_seconds.
func (s *Scheduler) advance(ctx context.Context, cursor time.Time) (time.Time, bool, error) {
	if s.cfg.Timing.SessionStepping {
		next, err := s.provider.NextSessionTS(ctx, cursor, 5, "")
		if err != nil {
			return time.Time{}, false, err
		}
		if next == nil {
			return time.Time{}, true, nil
		}
		return next.UTC(), false, nil
	}
	return cursor.Add(time.Duration(s.cfg.Timing.StepSeconds) * time.Second), false, nil
}

// checkpoint persists the cursor every persist_every_ticks ticks, and
// always when forced.
func (s *Scheduler) checkpoint(ctx context.Context, userID int64, cursor time.Time, force bool) error {
	s.ticksSinceCheckpoint++
	if !force && s.ticksSinceCheckpoint < s.cfg.Timing.PersistEveryTick {
		return nil
	}
	s.ticksSinceCheckpoint = 0
	c := cursor.UTC()
	return retry.Do(ctx, retry.DefaultConfig, s.log, "persist cursor", func(ctx context.Context) error {
		return s.store.SetLastTS(ctx, userID, &c)
	})
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
