package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"stocksim/internal/models"
)

// MemoryStore is an in-memory Interface implementation used by tests and
// ad-hoc runs that do not need a database file.
type MemoryStore struct {
	mu           sync.Mutex
	nextUserID   int64
	nextRunnerID int64
	nextExecID   int64
	users        map[string]*models.User
	runners      map[int64]*models.Runner
	states       map[int64]*models.SimulationState
	accounts     map[int64]*models.Account
	positions    map[int64]*models.OpenPosition
	orders       []models.Order
	trades       []models.ExecutedTrade
	executions   map[models.ExecutionKey]models.RunnerExecution
	analytics    map[string]models.AnalyticsResult
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]*models.User),
		runners:    make(map[int64]*models.Runner),
		states:     make(map[int64]*models.SimulationState),
		accounts:   make(map[int64]*models.Account),
		positions:  make(map[int64]*models.OpenPosition),
		executions: make(map[models.ExecutionKey]models.RunnerExecution),
		analytics:  make(map[string]models.AnalyticsResult),
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) EnsureUser(_ context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[username]; ok {
		cp := *u
		return &cp, nil
	}
	m.nextUserID++
	u := &models.User{ID: m.nextUserID, Username: username}
	m.users[username] = u
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) CreateRunner(_ context.Context, r *models.Runner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stock := strings.ToUpper(r.Stock)
	for _, existing := range m.runners {
		if existing.UserID == r.UserID &&
			existing.Stock == stock &&
			existing.StrategyKey == r.StrategyKey &&
			existing.TimeframeMin == r.TimeframeMin &&
			existing.Activation != models.ActivationRemoved {
			return ErrRunnerExists
		}
	}
	m.nextRunnerID++
	r.ID = m.nextRunnerID
	r.Stock = stock
	if r.Activation == "" {
		r.Activation = models.ActivationActive
	}
	cp := *r
	m.runners[r.ID] = &cp
	return nil
}

func (m *MemoryStore) ActiveRunners(_ context.Context, userID int64) ([]models.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Runner
	for _, r := range m.runners {
		if r.UserID == userID && r.Activation == models.ActivationActive {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SoftRemoveRunner(_ context.Context, runnerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runners[runnerID]; ok {
		r.Activation = models.ActivationRemoved
	}
	return nil
}

func (m *MemoryStore) SimState(_ context.Context, userID int64) (*models.SimulationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[userID]
	if !ok {
		st = &models.SimulationState{UserID: userID}
		m.states[userID] = st
	}
	cp := *st
	return &cp, nil
}

func (m *MemoryStore) SetRunning(_ context.Context, userID int64, running bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[userID]
	if !ok {
		st = &models.SimulationState{UserID: userID}
		m.states[userID] = st
	}
	st.IsRunning = running
	return nil
}

func (m *MemoryStore) SetLastTS(_ context.Context, userID int64, ts *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[userID]
	if !ok {
		st = &models.SimulationState{UserID: userID}
		m.states[userID] = st
	}
	if ts == nil {
		st.LastTS = nil
	} else {
		cp := *ts
		st.LastTS = &cp
	}
	return nil
}

func (m *MemoryStore) EnsureAccount(_ context.Context, userID int64, startingCash float64) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[userID]
	if !ok || (acct.Cash == 0 && acct.Equity == 0) {
		acct = &models.Account{
			UserID: userID,
			Name:   models.MockAccountName,
			Cash:   startingCash,
			Equity: startingCash,
		}
		m.accounts[userID] = acct
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) SaveAccount(_ context.Context, acct *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *acct
	if cp.Name == "" {
		cp.Name = models.MockAccountName
	}
	m.accounts[acct.UserID] = &cp
	return nil
}

func (m *MemoryStore) Account(_ context.Context, userID int64) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[userID]
	if !ok {
		return nil, ErrNoAccount
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) Position(_ context.Context, runnerID int64) (*models.OpenPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[runnerID]
	if !ok {
		return nil, nil
	}
	cp := *pos
	return &cp, nil
}

func (m *MemoryStore) SavePosition(_ context.Context, pos *models.OpenPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *pos
	cp.Symbol = strings.ToUpper(cp.Symbol)
	if cp.Account == "" {
		cp.Account = models.MockAccountName
	}
	m.positions[pos.RunnerID] = &cp
	return nil
}

func (m *MemoryStore) DeletePosition(_ context.Context, runnerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, runnerID)
	return nil
}

func (m *MemoryStore) PositionsForUser(_ context.Context, userID int64) ([]models.OpenPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.OpenPosition
	for _, pos := range m.positions {
		if pos.UserID == userID {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunnerID < out[j].RunnerID })
	return out, nil
}

func (m *MemoryStore) AppendOrder(_ context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	cp.Symbol = strings.ToUpper(cp.Symbol)
	m.orders = append(m.orders, cp)
	return nil
}

// Orders returns a copy of all orders, in append order. Test helper not
// part of Interface.
func (m *MemoryStore) Orders() []models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Order, len(m.orders))
	copy(out, m.orders)
	return out
}

func (m *MemoryStore) AppendTrade(_ context.Context, t *models.ExecutedTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	cp.Symbol = strings.ToUpper(cp.Symbol)
	m.trades = append(m.trades, cp)
	return nil
}

func (m *MemoryStore) TradesForUser(_ context.Context, userID int64) ([]models.ExecutedTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ExecutedTrade
	for _, t := range m.trades {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SellTS.Before(out[j].SellTS) })
	return out, nil
}

func (m *MemoryStore) UpsertExecutions(_ context.Context, rows []models.RunnerExecution) error {
	collapsed := CollapseExecutions(rows)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range collapsed {
		if row.TimeframeMin == 0 {
			row.TimeframeMin = 5
		}
		row.Symbol = strings.ToUpper(row.Symbol)
		key := row.Key()
		if existing, ok := m.executions[key]; ok {
			row.ID = existing.ID
		} else {
			m.nextExecID++
			row.ID = m.nextExecID
		}
		m.executions[key] = row
	}
	return nil
}

func (m *MemoryStore) LatestExecutions(_ context.Context, userID int64, limit int) ([]models.RunnerExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RunnerExecution
	for _, e := range m.executions {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CycleSeq != out[j].CycleSeq {
			return out[i].CycleSeq > out[j].CycleSeq
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountExecutions(_ context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.executions {
		if e.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountExecutionsByStatus(_ context.Context, userID int64, status string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.executions {
		if e.UserID == userID && e.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountTrades(_ context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.trades {
		if t.UserID == userID {
			n++
		}
	}
	return n, nil
}

func analyticsKey(symbol, strategy, timeframe string) string {
	return strings.ToUpper(symbol) + "|" + strategy + "|" + timeframe
}

func (m *MemoryStore) UpsertAnalyticsResult(_ context.Context, r *models.AnalyticsResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.Symbol = strings.ToUpper(cp.Symbol)
	m.analytics[analyticsKey(cp.Symbol, cp.Strategy, cp.Timeframe)] = cp
	return nil
}

func (m *MemoryStore) AnalyticsResults(_ context.Context) ([]models.AnalyticsResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.analytics))
	for k := range m.analytics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]models.AnalyticsResult, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.analytics[k])
	}
	return out, nil
}

func (m *MemoryStore) ResetSimulation(_ context.Context, userID int64, startingCash float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[userID]; ok {
		st.LastTS = nil
	}
	for key, e := range m.executions {
		if e.UserID == userID {
			delete(m.executions, key)
		}
	}
	filteredOrders := m.orders[:0]
	for _, o := range m.orders {
		if o.UserID != userID {
			filteredOrders = append(filteredOrders, o)
		}
	}
	m.orders = filteredOrders
	filteredTrades := m.trades[:0]
	for _, t := range m.trades {
		if t.UserID != userID {
			filteredTrades = append(filteredTrades, t)
		}
	}
	m.trades = filteredTrades
	for id, pos := range m.positions {
		if pos.UserID == userID {
			delete(m.positions, id)
		}
	}
	m.analytics = make(map[string]models.AnalyticsResult)
	m.accounts[userID] = &models.Account{
		UserID: userID,
		Name:   models.MockAccountName,
		Cash:   startingCash,
		Equity: startingCash,
	}
	return nil
}
