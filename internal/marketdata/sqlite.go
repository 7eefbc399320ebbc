package marketdata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"stocksim/internal/models"
)

// SQLiteProvider reads bars from a local SQLite database. The database is
// read-only to the simulation core; the insert helpers exist for the
// import tooling and for tests.
type SQLiteProvider struct {
	db  *sql.DB
	log *logrus.Logger
}

// OpenSQLite opens (or creates) the bar database and ensures the schema.
func OpenSQLite(path string, log *logrus.Logger) (*SQLiteProvider, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open bars db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping bars db: %w", err)
	}
	p := &SQLiteProvider{db: db, log: log}
	if err := p.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate bars db: %w", err)
	}
	return p, nil
}

// Close closes the database connection.
func (p *SQLiteProvider) Close() error { return p.db.Close() }

var _ Provider = (*SQLiteProvider)(nil)

func (p *SQLiteProvider) migrate() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS daily_bars (
			symbol TEXT NOT NULL,
			date   INTEGER NOT NULL,
			open   REAL NOT NULL,
			high   REAL NOT NULL,
			low    REAL NOT NULL,
			close  REAL NOT NULL,
			volume INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (symbol, date)
		);

		CREATE TABLE IF NOT EXISTS minute_bars (
			symbol       TEXT NOT NULL,
			ts           INTEGER NOT NULL,
			interval_min INTEGER NOT NULL,
			open         REAL NOT NULL,
			high         REAL NOT NULL,
			low          REAL NOT NULL,
			close        REAL NOT NULL,
			volume       INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (symbol, ts, interval_min)
		);
		CREATE INDEX IF NOT EXISTS idx_minute_interval_ts ON minute_bars(interval_min, ts);
	`)
	return err
}

// InsertDailyBars upserts daily bars. Writers emit the ET-midnight UTC
// instant as the date; readers tolerate raw UTC midnight as well.
func (p *SQLiteProvider) InsertDailyBars(ctx context.Context, bars []models.Bar) error {
	return p.insert(ctx, bars, true)
}

// InsertMinuteBars upserts minute bars.
func (p *SQLiteProvider) InsertMinuteBars(ctx context.Context, bars []models.Bar) error {
	return p.insert(ctx, bars, false)
}

func (p *SQLiteProvider) insert(ctx context.Context, bars []models.Bar, daily bool) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var stmt *sql.Stmt
	if daily {
		stmt, err = tx.PrepareContext(ctx, `
			INSERT INTO daily_bars (symbol, date, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol, date) DO UPDATE SET
				open=excluded.open, high=excluded.high, low=excluded.low,
				close=excluded.close, volume=excluded.volume`)
	} else {
		stmt, err = tx.PrepareContext(ctx, `
			INSERT INTO minute_bars (symbol, ts, interval_min, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol, ts, interval_min) DO UPDATE SET
				open=excluded.open, high=excluded.high, low=excluded.low,
				close=excluded.close, volume=excluded.volume`)
	}
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, b := range bars {
		if daily {
			_, err = stmt.ExecContext(ctx, strings.ToUpper(b.Symbol), b.TS.Unix(),
				b.Open, b.High, b.Low, b.Close, b.Volume)
		} else {
			_, err = stmt.ExecContext(ctx, strings.ToUpper(b.Symbol), b.TS.Unix(), b.IntervalMin,
				b.Open, b.High, b.Low, b.Close, b.Volume)
		}
		if err != nil {
			return fmt.Errorf("insert bar %s@%s: %w", b.Symbol, b.TS, err)
		}
	}
	return tx.Commit()
}

// BarsUntil implements Provider.
func (p *SQLiteProvider) BarsUntil(ctx context.Context, symbol string, tfMin int, asOf time.Time, lookback int, rthOnly bool) ([]models.Bar, error) {
	res, err := p.BarsBulkUntil(ctx, []string{symbol}, tfMin, asOf, lookback, rthOnly)
	if err != nil {
		return nil, err
	}
	return res[strings.ToUpper(symbol)].Bars, nil
}

// BarsBulkUntil implements Provider with a window-ranked per-symbol query.
func (p *SQLiteProvider) BarsBulkUntil(ctx context.Context, symbols []string, tfMin int, asOf time.Time, lookback int, rthOnly bool) (map[string]Series, error) {
	out := make(map[string]Series, len(symbols))
	if len(symbols) == 0 || lookback <= 0 {
		return out, nil
	}
	upper := make([]string, 0, len(symbols))
	for _, s := range symbols {
		u := strings.ToUpper(s)
		upper = append(upper, u)
		out[u] = Series{}
	}
	daily := tfMin >= models.DailyInterval

	fetch := lookback
	if rthOnly && !daily {
		fetch = lookback * rthOverfetchFactor
	}

	placeholders := strings.Repeat("?,", len(upper))
	placeholders = placeholders[:len(placeholders)-1]

	var query string
	args := make([]any, 0, len(upper)+3)
	for _, s := range upper {
		args = append(args, s)
	}
	if daily {
		query = fmt.Sprintf(`
			SELECT symbol, date, open, high, low, close, volume FROM (
				SELECT symbol, date, open, high, low, close, volume,
				       ROW_NUMBER() OVER (PARTITION BY symbol ORDER BY date DESC) AS rn
				FROM daily_bars WHERE symbol IN (%s) AND date <= ?
			) WHERE rn <= ? ORDER BY symbol, date`, placeholders)
		args = append(args, asOf.Unix(), fetch)
	} else {
		query = fmt.Sprintf(`
			SELECT symbol, ts, open, high, low, close, volume FROM (
				SELECT symbol, ts, open, high, low, close, volume,
				       ROW_NUMBER() OVER (PARTITION BY symbol ORDER BY ts DESC) AS rn
				FROM minute_bars WHERE symbol IN (%s) AND interval_min = ? AND ts <= ?
			) WHERE rn <= ? ORDER BY symbol, ts`, placeholders)
		args = append(args, tfMin, asOf.Unix(), fetch)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("bulk bars query: %w", err)
	}
	defer rows.Close()

	raw := make(map[string][]models.Bar)
	for rows.Next() {
		var (
			sym   string
			epoch int64
			b     models.Bar
		)
		if err := rows.Scan(&sym, &epoch, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, err
		}
		b.Symbol = sym
		b.TS = time.Unix(epoch, 0).UTC()
		b.IntervalMin = tfMin
		raw[sym] = append(raw[sym], b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for sym, bars := range raw {
		out[sym] = trimSeries(bars, lookback, rthOnly && !daily)
	}
	return out, nil
}

// trimSeries applies the RTH filter and trims to the newest lookback bars.
// When the RTH subset is empty but raw bars exist, it falls back once to
// extended hours and tags the series.
func trimSeries(bars []models.Bar, lookback int, rthOnly bool) Series {
	use := bars
	extended := false
	if rthOnly {
		filtered := make([]models.Bar, 0, len(bars))
		for _, b := range bars {
			if IsRegularHours(b.TS) {
				filtered = append(filtered, b)
			}
		}
		if len(filtered) == 0 && len(bars) > 0 {
			extended = true
		} else {
			use = filtered
		}
	}
	if len(use) > lookback {
		use = use[len(use)-lookback:]
	}
	return Series{Bars: use, ExtendedHours: extended}
}

// NextSessionTS implements Provider. Only timestamps that actually exist
// in storage are returned, which makes holidays and DST transitions
// transparently correct.
func (p *SQLiteProvider) NextSessionTS(ctx context.Context, asOf time.Time, tfMin int, referenceSymbol string) (*time.Time, error) {
	horizon := asOf.Add(ForwardScanDays * 24 * time.Hour)
	daily := tfMin >= models.DailyInterval

	useRef := false
	if referenceSymbol != "" {
		var err error
		if daily {
			useRef, err = p.HasDaily(ctx, referenceSymbol)
		} else {
			useRef, err = p.HasMinute(ctx, referenceSymbol, tfMin)
		}
		if err != nil {
			return nil, err
		}
	}

	cursor := asOf.Unix()
	for {
		var (
			query string
			args  []any
		)
		switch {
		case daily && useRef:
			query = `SELECT DISTINCT date FROM daily_bars WHERE symbol = ? AND date > ? AND date <= ? ORDER BY date LIMIT 512`
			args = []any{strings.ToUpper(referenceSymbol), cursor, horizon.Unix()}
		case daily:
			query = `SELECT DISTINCT date FROM daily_bars WHERE date > ? AND date <= ? ORDER BY date LIMIT 512`
			args = []any{cursor, horizon.Unix()}
		case useRef:
			query = `SELECT DISTINCT ts FROM minute_bars WHERE symbol = ? AND interval_min = ? AND ts > ? AND ts <= ? ORDER BY ts LIMIT 512`
			args = []any{strings.ToUpper(referenceSymbol), tfMin, cursor, horizon.Unix()}
		default:
			query = `SELECT DISTINCT ts FROM minute_bars WHERE interval_min = ? AND ts > ? AND ts <= ? ORDER BY ts LIMIT 512`
			args = []any{tfMin, cursor, horizon.Unix()}
		}

		rows, err := p.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("next session scan: %w", err)
		}
		var batch []int64
		for rows.Next() {
			var epoch int64
			if err := rows.Scan(&epoch); err != nil {
				rows.Close()
				return nil, err
			}
			batch = append(batch, epoch)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return nil, nil
		}
		for _, epoch := range batch {
			ts := time.Unix(epoch, 0).UTC()
			if daily {
				if IsWeekdayET(ts) {
					return &ts, nil
				}
			} else if IsRegularHours(ts) {
				return &ts, nil
			}
		}
		cursor = batch[len(batch)-1]
	}
}

// LastCloseFor implements Provider.
func (p *SQLiteProvider) LastCloseFor(ctx context.Context, symbols []string, tfMin int, asOf time.Time, rthOnly bool) (map[string]float64, error) {
	out := make(map[string]float64, len(symbols))
	daily := tfMin >= models.DailyInterval
	for _, s := range symbols {
		sym := strings.ToUpper(s)
		if daily {
			var c float64
			err := p.db.QueryRowContext(ctx,
				`SELECT close FROM daily_bars WHERE symbol = ? AND date <= ? ORDER BY date DESC LIMIT 1`,
				sym, asOf.Unix()).Scan(&c)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return nil, err
			}
			out[sym] = c
			continue
		}
		rows, err := p.db.QueryContext(ctx,
			`SELECT ts, close FROM minute_bars WHERE symbol = ? AND interval_min = ? AND ts <= ? ORDER BY ts DESC LIMIT 96`,
			sym, tfMin, asOf.Unix())
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var epoch int64
			var c float64
			if err := rows.Scan(&epoch, &c); err != nil {
				rows.Close()
				return nil, err
			}
			if !rthOnly || IsRegularHours(time.Unix(epoch, 0).UTC()) {
				out[sym] = c
				break
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// EarliestDaily implements Provider.
func (p *SQLiteProvider) EarliestDaily(ctx context.Context, symbol string) (*time.Time, error) {
	return p.scanEpoch(ctx, `SELECT MIN(date) FROM daily_bars WHERE symbol = ?`, strings.ToUpper(symbol))
}

// HasDaily implements Provider.
func (p *SQLiteProvider) HasDaily(ctx context.Context, symbol string) (bool, error) {
	ts, err := p.EarliestDaily(ctx, symbol)
	return ts != nil, err
}

// HasMinute implements Provider.
func (p *SQLiteProvider) HasMinute(ctx context.Context, symbol string, tfMin int) (bool, error) {
	ts, err := p.EarliestMinute(ctx, symbol, tfMin)
	return ts != nil, err
}

// EarliestMinute implements Provider.
func (p *SQLiteProvider) EarliestMinute(ctx context.Context, symbol string, tfMin int) (*time.Time, error) {
	return p.scanEpoch(ctx, `SELECT MIN(ts) FROM minute_bars WHERE symbol = ? AND interval_min = ?`,
		strings.ToUpper(symbol), tfMin)
}

// LatestMinute implements Provider.
func (p *SQLiteProvider) LatestMinute(ctx context.Context, symbol string, tfMin int) (*time.Time, error) {
	return p.scanEpoch(ctx, `SELECT MAX(ts) FROM minute_bars WHERE symbol = ? AND interval_min = ?`,
		strings.ToUpper(symbol), tfMin)
}

// EarliestAny returns the earliest timestamp across minute and daily bars,
// used by the scheduler to seed the sim clock.
func (p *SQLiteProvider) EarliestAny(ctx context.Context) (*time.Time, error) {
	var minute, day sql.NullInt64
	if err := p.db.QueryRowContext(ctx, `SELECT MIN(ts) FROM minute_bars`).Scan(&minute); err != nil {
		return nil, err
	}
	if err := p.db.QueryRowContext(ctx, `SELECT MIN(date) FROM daily_bars`).Scan(&day); err != nil {
		return nil, err
	}
	switch {
	case !minute.Valid && !day.Valid:
		return nil, nil
	case !minute.Valid:
		ts := time.Unix(day.Int64, 0).UTC()
		return &ts, nil
	case !day.Valid:
		ts := time.Unix(minute.Int64, 0).UTC()
		return &ts, nil
	}
	epoch := minute.Int64
	if day.Int64 < epoch {
		epoch = day.Int64
	}
	ts := time.Unix(epoch, 0).UTC()
	return &ts, nil
}

func (p *SQLiteProvider) scanEpoch(ctx context.Context, query string, args ...any) (*time.Time, error) {
	var epoch sql.NullInt64
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&epoch); err != nil {
		return nil, err
	}
	if !epoch.Valid {
		return nil, nil
	}
	ts := time.Unix(epoch.Int64, 0).UTC()
	return &ts, nil
}
