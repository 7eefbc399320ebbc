// Package storage persists simulation state: runners, positions, orders,
// executed trades, per-tick execution audit rows, accounts, and the
// virtual clock cursor.
package storage

import (
	"context"
	"time"

	"stocksim/internal/models"
)

// Interface defines the contract for simulation persistence.
//
// Implementations must be safe for concurrent use - per-tick workers write
// orders and trades in parallel while the engine buffers execution rows.
//
// Ownership: the mock broker is the only writer of positions, orders and
// executed trades; the runner engine is the only writer of execution rows;
// the scheduler is the only writer of the clock cursor.
type Interface interface {
	// Users and runners
	EnsureUser(ctx context.Context, username string) (*models.User, error)
	CreateRunner(ctx context.Context, r *models.Runner) error
	ActiveRunners(ctx context.Context, userID int64) ([]models.Runner, error)
	SoftRemoveRunner(ctx context.Context, runnerID int64) error

	// Simulation state (one row per user)
	SimState(ctx context.Context, userID int64) (*models.SimulationState, error)
	SetRunning(ctx context.Context, userID int64, running bool) error
	SetLastTS(ctx context.Context, userID int64, ts *time.Time) error

	// Accounts
	EnsureAccount(ctx context.Context, userID int64, startingCash float64) (*models.Account, error)
	SaveAccount(ctx context.Context, acct *models.Account) error
	Account(ctx context.Context, userID int64) (*models.Account, error)

	// Broker state
	Position(ctx context.Context, runnerID int64) (*models.OpenPosition, error)
	SavePosition(ctx context.Context, pos *models.OpenPosition) error
	DeletePosition(ctx context.Context, runnerID int64) error
	PositionsForUser(ctx context.Context, userID int64) ([]models.OpenPosition, error)
	AppendOrder(ctx context.Context, o *models.Order) error
	AppendTrade(ctx context.Context, t *models.ExecutedTrade) error
	TradesForUser(ctx context.Context, userID int64) ([]models.ExecutedTrade, error)

	// Per-tick audit rows; the batch is collapsed by severity and applied
	// in one transaction with ON CONFLICT semantics on
	// (cycle_seq, user_id, symbol, strategy, timeframe).
	UpsertExecutions(ctx context.Context, rows []models.RunnerExecution) error
	LatestExecutions(ctx context.Context, userID int64, limit int) ([]models.RunnerExecution, error)
	CountExecutions(ctx context.Context, userID int64) (int64, error)
	CountExecutionsByStatus(ctx context.Context, userID int64, status string) (int64, error)
	CountTrades(ctx context.Context, userID int64) (int64, error)

	// Aggregates
	UpsertAnalyticsResult(ctx context.Context, r *models.AnalyticsResult) error
	AnalyticsResults(ctx context.Context) ([]models.AnalyticsResult, error)

	// ResetSimulation clears the clock cursor, truncates simulation-scoped
	// tables and restores the account to startingCash.
	ResetSimulation(ctx context.Context, userID int64, startingCash float64) error

	Close() error
}

// Ensure implementations satisfy the interface at compile time.
var (
	_ Interface = (*SQLiteStore)(nil)
	_ Interface = (*MemoryStore)(nil)
)
