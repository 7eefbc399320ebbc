package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"stocksim/internal/models"
)

// SQLiteStore persists simulation state in a local SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	log *logrus.Logger
}

// OpenSQLite opens (or creates) the simulation database and runs
// migrations.
func OpenSQLite(path string, log *logrus.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sim db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sim db: %w", err)
	}
	s := &SQLiteStore{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sim db: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE
		);

		CREATE TABLE IF NOT EXISTS runners (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id         INTEGER NOT NULL REFERENCES users(id),
			name            TEXT NOT NULL,
			strategy_key    TEXT NOT NULL,
			stock           TEXT NOT NULL,
			timeframe_min   INTEGER NOT NULL,
			parameters      TEXT NOT NULL DEFAULT '{}',
			budget          REAL NOT NULL DEFAULT 0,
			current_budget  REAL NOT NULL DEFAULT 0,
			activation      TEXT NOT NULL DEFAULT 'active',
			exit_strategy   TEXT NOT NULL DEFAULT '',
			time_range_from INTEGER,
			time_range_to   INTEGER
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_runners_user_stock
			ON runners(user_id, stock, strategy_key, timeframe_min)
			WHERE activation != 'removed';

		CREATE TABLE IF NOT EXISTS sim_state (
			user_id    INTEGER PRIMARY KEY,
			is_running TEXT NOT NULL DEFAULT 'false',
			last_ts    INTEGER
		);

		CREATE TABLE IF NOT EXISTS accounts (
			user_id INTEGER NOT NULL,
			name    TEXT NOT NULL,
			cash    REAL NOT NULL DEFAULT 0,
			equity  REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, name)
		);

		CREATE TABLE IF NOT EXISTS open_positions (
			runner_id     INTEGER PRIMARY KEY,
			user_id       INTEGER NOT NULL,
			symbol        TEXT NOT NULL,
			account       TEXT NOT NULL DEFAULT 'mock',
			quantity      INTEGER NOT NULL,
			avg_price     REAL NOT NULL,
			created_at    INTEGER NOT NULL,
			stop_price    REAL NOT NULL DEFAULT 0,
			trail_percent REAL NOT NULL DEFAULT 0,
			highest_price REAL NOT NULL DEFAULT 0,
			activation_ts INTEGER
		);

		CREATE TABLE IF NOT EXISTS orders (
			id          TEXT PRIMARY KEY,
			user_id     INTEGER NOT NULL,
			runner_id   INTEGER NOT NULL,
			symbol      TEXT NOT NULL,
			side        TEXT NOT NULL,
			order_type  TEXT NOT NULL,
			quantity    INTEGER NOT NULL,
			limit_price REAL NOT NULL DEFAULT 0,
			stop_price  REAL NOT NULL DEFAULT 0,
			status      TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			filled_at   INTEGER,
			details     TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_orders_runner ON orders(runner_id);

		CREATE TABLE IF NOT EXISTS executed_trades (
			id          TEXT PRIMARY KEY,
			user_id     INTEGER NOT NULL,
			runner_id   INTEGER NOT NULL,
			symbol      TEXT NOT NULL,
			buy_ts      INTEGER NOT NULL,
			sell_ts     INTEGER NOT NULL,
			buy_price   REAL NOT NULL,
			sell_price  REAL NOT NULL,
			quantity    INTEGER NOT NULL,
			pnl_amount  REAL NOT NULL,
			pnl_percent REAL NOT NULL,
			strategy    TEXT NOT NULL,
			timeframe   TEXT NOT NULL,
			reason      TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_trades_user_sell ON executed_trades(user_id, sell_ts);
		CREATE INDEX IF NOT EXISTS idx_trades_runner ON executed_trades(runner_id);

		CREATE TABLE IF NOT EXISTS runner_executions (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			runner_id      INTEGER NOT NULL,
			user_id        INTEGER NOT NULL,
			symbol         TEXT NOT NULL,
			strategy       TEXT NOT NULL,
			status         TEXT NOT NULL,
			reason         TEXT NOT NULL DEFAULT '',
			details        TEXT NOT NULL DEFAULT '',
			cycle_seq      INTEGER NOT NULL,
			execution_time INTEGER NOT NULL,
			timeframe_min  INTEGER NOT NULL DEFAULT 5,
			UNIQUE (cycle_seq, user_id, symbol, strategy, timeframe_min)
		);
		CREATE INDEX IF NOT EXISTS idx_exec_user_cycle ON runner_executions(user_id, cycle_seq);

		CREATE TABLE IF NOT EXISTS analytics_results (
			symbol                 TEXT NOT NULL,
			strategy               TEXT NOT NULL,
			timeframe              TEXT NOT NULL,
			start_ts               INTEGER,
			end_ts                 INTEGER,
			final_pnl_amount       REAL NOT NULL DEFAULT 0,
			final_pnl_percent      REAL NOT NULL DEFAULT 0,
			trades_count           INTEGER NOT NULL DEFAULT 0,
			max_drawdown           REAL NOT NULL DEFAULT 0,
			avg_pnl_per_trade      REAL NOT NULL DEFAULT 0,
			avg_trade_duration_sec REAL NOT NULL DEFAULT 0,
			profit_factor          REAL NOT NULL DEFAULT 0,
			sharpe                 REAL NOT NULL DEFAULT 0,
			compounded_percent     REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (symbol, strategy, timeframe)
		);
	`)
	return err
}

func nullEpoch(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func epochPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

// EnsureUser returns the user with the given username, creating it when
// absent.
func (s *SQLiteStore) EnsureUser(ctx context.Context, username string) (*models.User, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username) VALUES (?) ON CONFLICT(username) DO NOTHING`, username); err != nil {
		return nil, err
	}
	u := &models.User{Username: username}
	err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE username = ?`, username).Scan(&u.ID)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// CreateRunner inserts a runner, enforcing uniqueness among non-removed
// runners of the same user, stock, strategy and timeframe.
func (s *SQLiteStore) CreateRunner(ctx context.Context, r *models.Runner) error {
	params, err := json.Marshal(r.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	if r.Activation == "" {
		r.Activation = models.ActivationActive
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runners (user_id, name, strategy_key, stock, timeframe_min, parameters,
			budget, current_budget, activation, exit_strategy, time_range_from, time_range_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.UserID, r.Name, r.StrategyKey, strings.ToUpper(r.Stock), r.TimeframeMin, string(params),
		r.Budget, r.CurrentBudget, r.Activation, r.ExitStrategy,
		nullEpoch(r.TimeRangeFrom), nullEpoch(r.TimeRangeTo))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrRunnerExists
		}
		return err
	}
	r.ID, err = res.LastInsertId()
	return err
}

// ActiveRunners returns the user's runners with activation = active.
func (s *SQLiteStore) ActiveRunners(ctx context.Context, userID int64) ([]models.Runner, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, strategy_key, stock, timeframe_min, parameters,
		       budget, current_budget, activation, exit_strategy, time_range_from, time_range_to
		FROM runners WHERE user_id = ? AND activation = ? ORDER BY id`,
		userID, models.ActivationActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Runner
	for rows.Next() {
		var (
			r        models.Runner
			params   string
			from, to sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Name, &r.StrategyKey, &r.Stock, &r.TimeframeMin,
			&params, &r.Budget, &r.CurrentBudget, &r.Activation, &r.ExitStrategy, &from, &to); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(params), &r.Parameters); err != nil {
			r.Parameters = models.Params{}
		}
		r.TimeRangeFrom = epochPtr(from)
		r.TimeRangeTo = epochPtr(to)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SoftRemoveRunner renames the runner out of the uniqueness scope and
// marks it removed.
func (s *SQLiteStore) SoftRemoveRunner(ctx context.Context, runnerID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runners
		SET activation = ?, name = name || '-removed-' || id
		WHERE id = ?`, models.ActivationRemoved, runnerID)
	return err
}

// SimState returns the user's simulation state, creating a stopped row
// when none exists.
func (s *SQLiteStore) SimState(ctx context.Context, userID int64) (*models.SimulationState, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sim_state (user_id) VALUES (?) ON CONFLICT(user_id) DO NOTHING`, userID); err != nil {
		return nil, err
	}
	st := &models.SimulationState{UserID: userID}
	var running string
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT is_running, last_ts FROM sim_state WHERE user_id = ?`, userID).Scan(&running, &last)
	if err != nil {
		return nil, err
	}
	st.IsRunning = running == "true"
	st.LastTS = epochPtr(last)
	return st, nil
}

// SetRunning sets the run flag.
func (s *SQLiteStore) SetRunning(ctx context.Context, userID int64, running bool) error {
	val := "false"
	if running {
		val = "true"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sim_state (user_id, is_running) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET is_running = excluded.is_running`, userID, val)
	return err
}

// SetLastTS persists (or clears) the clock cursor.
func (s *SQLiteStore) SetLastTS(ctx context.Context, userID int64, ts *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sim_state (user_id, last_ts) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET last_ts = excluded.last_ts`, userID, nullEpoch(ts))
	return err
}

// EnsureAccount returns the user's mock account, creating it or
// backfilling starting cash when both cash and equity are zero.
func (s *SQLiteStore) EnsureAccount(ctx context.Context, userID int64, startingCash float64) (*models.Account, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, name, cash, equity) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, name) DO NOTHING`,
		userID, models.MockAccountName, startingCash, startingCash); err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET cash = ?, equity = ?
		WHERE user_id = ? AND name = ? AND cash = 0 AND equity = 0`,
		startingCash, startingCash, userID, models.MockAccountName); err != nil {
		return nil, err
	}
	return s.Account(ctx, userID)
}

// Account returns the user's mock account.
func (s *SQLiteStore) Account(ctx context.Context, userID int64) (*models.Account, error) {
	acct := &models.Account{UserID: userID, Name: models.MockAccountName}
	err := s.db.QueryRowContext(ctx,
		`SELECT cash, equity FROM accounts WHERE user_id = ? AND name = ?`,
		userID, models.MockAccountName).Scan(&acct.Cash, &acct.Equity)
	if err == sql.ErrNoRows {
		return nil, ErrNoAccount
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// SaveAccount upserts the account row.
func (s *SQLiteStore) SaveAccount(ctx context.Context, acct *models.Account) error {
	name := acct.Name
	if name == "" {
		name = models.MockAccountName
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, name, cash, equity) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, name) DO UPDATE SET cash = excluded.cash, equity = excluded.equity`,
		acct.UserID, name, acct.Cash, acct.Equity)
	return err
}

// Position returns the runner's open position, nil when flat.
func (s *SQLiteStore) Position(ctx context.Context, runnerID int64) (*models.OpenPosition, error) {
	pos := &models.OpenPosition{RunnerID: runnerID}
	var created int64
	var activation sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, symbol, account, quantity, avg_price, created_at,
		       stop_price, trail_percent, highest_price, activation_ts
		FROM open_positions WHERE runner_id = ?`, runnerID).Scan(
		&pos.UserID, &pos.Symbol, &pos.Account, &pos.Quantity, &pos.AvgPrice, &created,
		&pos.StopPrice, &pos.TrailPercent, &pos.HighestPrice, &activation)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pos.CreatedAt = time.Unix(created, 0).UTC()
	pos.ActivationTS = epochPtr(activation)
	return pos, nil
}

// SavePosition upserts the position keyed by runner_id.
func (s *SQLiteStore) SavePosition(ctx context.Context, pos *models.OpenPosition) error {
	account := pos.Account
	if account == "" {
		account = models.MockAccountName
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO open_positions (runner_id, user_id, symbol, account, quantity, avg_price,
			created_at, stop_price, trail_percent, highest_price, activation_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(runner_id) DO UPDATE SET
			user_id = excluded.user_id, symbol = excluded.symbol, account = excluded.account,
			quantity = excluded.quantity, avg_price = excluded.avg_price,
			created_at = excluded.created_at, stop_price = excluded.stop_price,
			trail_percent = excluded.trail_percent, highest_price = excluded.highest_price,
			activation_ts = excluded.activation_ts`,
		pos.RunnerID, pos.UserID, strings.ToUpper(pos.Symbol), account, pos.Quantity, pos.AvgPrice,
		pos.CreatedAt.Unix(), pos.StopPrice, pos.TrailPercent, pos.HighestPrice,
		nullEpoch(pos.ActivationTS))
	return err
}

// DeletePosition removes the runner's position row.
func (s *SQLiteStore) DeletePosition(ctx context.Context, runnerID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM open_positions WHERE runner_id = ?`, runnerID)
	return err
}

// PositionsForUser lists all open positions of a user.
func (s *SQLiteStore) PositionsForUser(ctx context.Context, userID int64) ([]models.OpenPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT runner_id, user_id, symbol, account, quantity, avg_price, created_at,
		       stop_price, trail_percent, highest_price, activation_ts
		FROM open_positions WHERE user_id = ? ORDER BY runner_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.OpenPosition
	for rows.Next() {
		var pos models.OpenPosition
		var created int64
		var activation sql.NullInt64
		if err := rows.Scan(&pos.RunnerID, &pos.UserID, &pos.Symbol, &pos.Account, &pos.Quantity,
			&pos.AvgPrice, &created, &pos.StopPrice, &pos.TrailPercent, &pos.HighestPrice,
			&activation); err != nil {
			return nil, err
		}
		pos.CreatedAt = time.Unix(created, 0).UTC()
		pos.ActivationTS = epochPtr(activation)
		out = append(out, pos)
	}
	return out, rows.Err()
}

// AppendOrder inserts an order row.
func (s *SQLiteStore) AppendOrder(ctx context.Context, o *models.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, runner_id, symbol, side, order_type, quantity,
			limit_price, stop_price, status, created_at, filled_at, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.RunnerID, strings.ToUpper(o.Symbol), string(o.Side), string(o.OrderType),
		o.Quantity, o.LimitPrice, o.StopPrice, o.Status, o.CreatedAt.Unix(),
		nullEpoch(o.FilledAt), o.Details)
	return err
}

// AppendTrade inserts an executed trade row.
func (s *SQLiteStore) AppendTrade(ctx context.Context, t *models.ExecutedTrade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executed_trades (id, user_id, runner_id, symbol, buy_ts, sell_ts,
			buy_price, sell_price, quantity, pnl_amount, pnl_percent, strategy, timeframe, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.RunnerID, strings.ToUpper(t.Symbol), t.BuyTS.Unix(), t.SellTS.Unix(),
		t.BuyPrice, t.SellPrice, t.Quantity, t.PnLAmount, t.PnLPercent, t.Strategy, t.Timeframe,
		t.Reason)
	return err
}

// TradesForUser lists closed trades ordered by sell timestamp.
func (s *SQLiteStore) TradesForUser(ctx context.Context, userID int64) ([]models.ExecutedTrade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, runner_id, symbol, buy_ts, sell_ts, buy_price, sell_price,
		       quantity, pnl_amount, pnl_percent, strategy, timeframe, reason
		FROM executed_trades WHERE user_id = ? ORDER BY sell_ts, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ExecutedTrade
	for rows.Next() {
		var t models.ExecutedTrade
		var buyTS, sellTS int64
		if err := rows.Scan(&t.ID, &t.UserID, &t.RunnerID, &t.Symbol, &buyTS, &sellTS,
			&t.BuyPrice, &t.SellPrice, &t.Quantity, &t.PnLAmount, &t.PnLPercent,
			&t.Strategy, &t.Timeframe, &t.Reason); err != nil {
			return nil, err
		}
		t.BuyTS = time.Unix(buyTS, 0).UTC()
		t.SellTS = time.Unix(sellTS, 0).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertExecutions collapses the batch by severity and applies it in one
// transaction. Replaying a tick with identical inputs is a no-op beyond
// refreshing the surviving row.
func (s *SQLiteStore) UpsertExecutions(ctx context.Context, rows []models.RunnerExecution) error {
	collapsed := CollapseExecutions(rows)
	if len(collapsed) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO runner_executions (runner_id, user_id, symbol, strategy, status, reason,
			details, cycle_seq, execution_time, timeframe_min)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cycle_seq, user_id, symbol, strategy, timeframe_min) DO UPDATE SET
			runner_id = excluded.runner_id, status = excluded.status,
			reason = excluded.reason, details = excluded.details,
			execution_time = excluded.execution_time`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, row := range collapsed {
		tf := row.TimeframeMin
		if tf == 0 {
			tf = 5
		}
		if _, err := stmt.ExecContext(ctx, row.RunnerID, row.UserID, strings.ToUpper(row.Symbol),
			row.Strategy, row.Status, row.Reason, row.Details, row.CycleSeq,
			row.ExecutionTime.Unix(), tf); err != nil {
			return fmt.Errorf("upsert execution %s/%s: %w", row.Symbol, row.Strategy, err)
		}
	}
	return tx.Commit()
}

// LatestExecutions returns the most recent execution rows, newest first.
func (s *SQLiteStore) LatestExecutions(ctx context.Context, userID int64, limit int) ([]models.RunnerExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, runner_id, user_id, symbol, strategy, status, reason, details,
		       cycle_seq, execution_time, timeframe_min
		FROM runner_executions WHERE user_id = ?
		ORDER BY cycle_seq DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RunnerExecution
	for rows.Next() {
		var e models.RunnerExecution
		var execTime int64
		if err := rows.Scan(&e.ID, &e.RunnerID, &e.UserID, &e.Symbol, &e.Strategy, &e.Status,
			&e.Reason, &e.Details, &e.CycleSeq, &execTime, &e.TimeframeMin); err != nil {
			return nil, err
		}
		e.ExecutionTime = time.Unix(execTime, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountExecutions counts a user's execution rows.
func (s *SQLiteStore) CountExecutions(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runner_executions WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// CountExecutionsByStatus counts a user's execution rows with a status.
func (s *SQLiteStore) CountExecutionsByStatus(ctx context.Context, userID int64, status string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runner_executions WHERE user_id = ? AND status = ?`,
		userID, status).Scan(&n)
	return n, err
}

// CountTrades counts a user's executed trades.
func (s *SQLiteStore) CountTrades(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executed_trades WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// UpsertAnalyticsResult upserts one aggregate row on its natural key.
func (s *SQLiteStore) UpsertAnalyticsResult(ctx context.Context, r *models.AnalyticsResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analytics_results (symbol, strategy, timeframe, start_ts, end_ts,
			final_pnl_amount, final_pnl_percent, trades_count, max_drawdown,
			avg_pnl_per_trade, avg_trade_duration_sec, profit_factor, sharpe, compounded_percent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, strategy, timeframe) DO UPDATE SET
			start_ts = excluded.start_ts, end_ts = excluded.end_ts,
			final_pnl_amount = excluded.final_pnl_amount,
			final_pnl_percent = excluded.final_pnl_percent,
			trades_count = excluded.trades_count, max_drawdown = excluded.max_drawdown,
			avg_pnl_per_trade = excluded.avg_pnl_per_trade,
			avg_trade_duration_sec = excluded.avg_trade_duration_sec,
			profit_factor = excluded.profit_factor, sharpe = excluded.sharpe,
			compounded_percent = excluded.compounded_percent`,
		strings.ToUpper(r.Symbol), r.Strategy, r.Timeframe, nullEpoch(r.StartTS), nullEpoch(r.EndTS),
		r.FinalPnLAmount, r.FinalPnLPercent, r.TradesCount, r.MaxDrawdown,
		r.AvgPnLPerTrade, r.AvgTradeDurationSec, r.ProfitFactor, r.Sharpe, r.CompoundedPercent)
	return err
}

// AnalyticsResults lists all aggregate rows.
func (s *SQLiteStore) AnalyticsResults(ctx context.Context) ([]models.AnalyticsResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, strategy, timeframe, start_ts, end_ts, final_pnl_amount,
		       final_pnl_percent, trades_count, max_drawdown, avg_pnl_per_trade,
		       avg_trade_duration_sec, profit_factor, sharpe, compounded_percent
		FROM analytics_results ORDER BY symbol, strategy, timeframe`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AnalyticsResult
	for rows.Next() {
		var r models.AnalyticsResult
		var start, end sql.NullInt64
		if err := rows.Scan(&r.Symbol, &r.Strategy, &r.Timeframe, &start, &end,
			&r.FinalPnLAmount, &r.FinalPnLPercent, &r.TradesCount, &r.MaxDrawdown,
			&r.AvgPnLPerTrade, &r.AvgTradeDurationSec, &r.ProfitFactor, &r.Sharpe,
			&r.CompoundedPercent); err != nil {
			return nil, err
		}
		r.StartTS = epochPtr(start)
		r.EndTS = epochPtr(end)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResetSimulation clears the cursor, truncates simulation-scoped tables
// and restores the account to starting cash.
func (s *SQLiteStore) ResetSimulation(ctx context.Context, userID int64, startingCash float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmts := []struct {
		query string
		args  []any
	}{
		{`UPDATE sim_state SET last_ts = NULL WHERE user_id = ?`, []any{userID}},
		{`DELETE FROM runner_executions WHERE user_id = ?`, []any{userID}},
		{`DELETE FROM orders WHERE user_id = ?`, []any{userID}},
		{`DELETE FROM executed_trades WHERE user_id = ?`, []any{userID}},
		{`DELETE FROM open_positions WHERE user_id = ?`, []any{userID}},
		{`DELETE FROM analytics_results`, nil},
		{`INSERT INTO accounts (user_id, name, cash, equity) VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id, name) DO UPDATE SET cash = excluded.cash, equity = excluded.equity`,
			[]any{userID, models.MockAccountName, startingCash, startingCash}},
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	return tx.Commit()
}
