// Package memory is an in-process Data Store. It backs paper trading runs
// without a database and serves as the store double in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"trading-riskengine/internal/model"

	"github.com/shopspring/decimal"
)

type user struct {
	profile     *model.RiskProfile
	creds       model.BrokerCredentials
	dailyPnL    decimal.Decimal
	dailyTrades int
}

// Store satisfies every model store port.
type Store struct {
	mu         sync.RWMutex
	users      map[string]*user
	strategies map[string]model.Strategy
	positions  map[string]model.Position
	signals    map[string]model.TradingSignal
	trades     []model.Trade
	violations []model.RiskViolation

	failures map[string]error
	pricing  map[string]int // UpdatePositionPricing calls per position
}

// New creates an empty store.
func New() *Store {
	return &Store{
		users:      make(map[string]*user),
		strategies: make(map[string]model.Strategy),
		positions:  make(map[string]model.Position),
		signals:    make(map[string]model.TradingSignal),
		failures:   make(map[string]error),
		pricing:    make(map[string]int),
	}
}

// FailOn makes the named method return err until cleared with a nil err.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

func (s *Store) fail(method string) error {
	if err, ok := s.failures[method]; ok {
		return fmt.Errorf("memory: %s: %w", method, err)
	}
	return nil
}

// ── seeding and inspection ──

// AddUser registers a user with an optional profile.
func (s *Store) AddUser(id string, p *model.RiskProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &user{}
	if p != nil {
		cp := *p
		u.profile = &cp
	}
	s.users[id] = u
}

// SetCredentials stores broker credentials for a user.
func (s *Store) SetCredentials(id string, c model.BrokerCredentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		u.creds = c
	}
}

// SetDailyCounters sets a user's daily counters.
func (s *Store) SetDailyCounters(id string, pnl decimal.Decimal, trades int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		u.dailyPnL, u.dailyTrades = pnl, trades
	}
}

// DailyCounters returns a user's daily counters.
func (s *Store) DailyCounters(id string) (decimal.Decimal, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return decimal.Zero, 0
	}
	return u.dailyPnL, u.dailyTrades
}

// AddStrategy stores a strategy.
func (s *Store) AddStrategy(st model.Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies[st.ID] = st
}

// Position returns a stored position.
func (s *Store) Position(id string) (model.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	return p, ok
}

// PricingWrites returns how many pricing updates a position received.
func (s *Store) PricingWrites(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pricing[id]
}

// Trades returns a copy of all trades.
func (s *Store) Trades() []model.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Trade(nil), s.trades...)
}

// Signals returns all signals ordered by id.
func (s *Store) Signals() []model.TradingSignal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.TradingSignal, 0, len(s.signals))
	for _, sig := range s.signals {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Violations returns a copy of all violations.
func (s *Store) Violations() []model.RiskViolation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.RiskViolation(nil), s.violations...)
}

// ── model.ProfileStore ──

func (s *Store) LoadRiskProfiles(ctx context.Context) (map[string]model.RiskProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("LoadRiskProfiles"); err != nil {
		return nil, err
	}
	out := make(map[string]model.RiskProfile)
	for id, u := range s.users {
		if u.profile != nil {
			out[id] = *u.profile
		}
	}
	return out, nil
}

func (s *Store) GetRiskProfile(ctx context.Context, userID string) (model.RiskProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("GetRiskProfile"); err != nil {
		return model.RiskProfile{}, err
	}
	u, ok := s.users[userID]
	if !ok || u.profile == nil {
		return model.RiskProfile{}, fmt.Errorf("memory: profile %s: %w", userID, model.ErrNotFound)
	}
	return *u.profile, nil
}

func (s *Store) SaveRiskProfile(ctx context.Context, userID string, p model.RiskProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("SaveRiskProfile"); err != nil {
		return err
	}
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("memory: user %s: %w", userID, model.ErrNotFound)
	}
	u.profile = &p
	return nil
}

// ── model.UserStore ──

func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("ListUserIDs"); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(s.users))
	for id := range s.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) UserExists(ctx context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("UserExists"); err != nil {
		return false, err
	}
	_, ok := s.users[userID]
	return ok, nil
}

func (s *Store) ResetDailyCounters(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ResetDailyCounters"); err != nil {
		return 0, err
	}
	for _, u := range s.users {
		u.dailyPnL, u.dailyTrades = decimal.Zero, 0
	}
	return int64(len(s.users)), nil
}

func (s *Store) BrokerCredentials(ctx context.Context, userID string) (model.BrokerCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("BrokerCredentials"); err != nil {
		return model.BrokerCredentials{}, err
	}
	u, ok := s.users[userID]
	if !ok {
		return model.BrokerCredentials{}, fmt.Errorf("memory: user %s: %w", userID, model.ErrNotFound)
	}
	return u.creds, nil
}

// ── model.StrategyStore ──

func (s *Store) ListLiveStrategies(ctx context.Context) ([]model.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("ListLiveStrategies"); err != nil {
		return nil, err
	}
	var out []model.Strategy
	for _, st := range s.strategies {
		if st.Status == model.StrategyLive {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── model.PositionStore ──

func (s *Store) sortedPositions(keep func(p model.Position) bool) []model.Position {
	var out []model.Position
	for _, p := range s.positions {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) ListMonitoredPositions(ctx context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("ListMonitoredPositions"); err != nil {
		return nil, err
	}
	return s.sortedPositions(func(p model.Position) bool { return p.Quantity > 0 }), nil
}

func (s *Store) ListOpenPositions(ctx context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("ListOpenPositions"); err != nil {
		return nil, err
	}
	return s.sortedPositions(func(p model.Position) bool {
		return p.UserID == userID && p.Quantity > 0 && p.Status == model.PositionOpen
	}), nil
}

func (s *Store) GetPosition(ctx context.Context, id string) (model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("GetPosition"); err != nil {
		return model.Position{}, err
	}
	p, ok := s.positions[id]
	if !ok {
		return model.Position{}, fmt.Errorf("memory: position %s: %w", id, model.ErrNotFound)
	}
	return p, nil
}

func (s *Store) ExposureSummary(ctx context.Context, userID string) (model.ExposureSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("ExposureSummary"); err != nil {
		return model.ExposureSummary{}, err
	}
	sum := model.ExposureSummary{Exposure: decimal.Zero, UnrealizedPnL: decimal.Zero, PendingExposure: decimal.Zero}
	for _, p := range s.positions {
		if p.UserID != userID || p.Quantity <= 0 {
			continue
		}
		sum.PositionsCount++
		sum.Exposure = sum.Exposure.Add(p.Notional())
		sum.UnrealizedPnL = sum.UnrealizedPnL.Add(p.UnrealizedPnL)
	}
	for _, t := range s.trades {
		if t.UserID == userID && t.AwaitingFill() {
			sum.PendingEntries++
			sum.PendingExposure = sum.PendingExposure.Add(t.EntryPrice.Mul(decimal.NewFromInt(t.Quantity)))
		}
	}
	return sum, nil
}

func (s *Store) HoldsSymbol(ctx context.Context, userID, symbol string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("HoldsSymbol"); err != nil {
		return false, err
	}
	for _, p := range s.positions {
		if p.UserID == userID && p.Symbol == symbol && p.Quantity > 0 {
			return true, nil
		}
	}
	for _, t := range s.trades {
		if t.UserID == userID && t.Symbol == symbol && t.AwaitingFill() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) UpdatePositionPricing(ctx context.Context, u model.PositionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UpdatePositionPricing"); err != nil {
		return err
	}
	p, ok := s.positions[u.ID]
	if !ok || p.Quantity <= 0 {
		return fmt.Errorf("memory: position %s: %w", u.ID, model.ErrNotFound)
	}
	s.positions[u.ID] = u.Apply(p)
	s.pricing[u.ID]++
	return nil
}

func (s *Store) TransitionPosition(ctx context.Context, id string, from, to model.PositionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("TransitionPosition"); err != nil {
		return false, err
	}
	p, ok := s.positions[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = time.Now()
	s.positions[id] = p
	return true, nil
}

func (s *Store) ClosePosition(ctx context.Context, id string, exitPrice decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ClosePosition"); err != nil {
		return err
	}
	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("memory: position %s: %w", id, model.ErrNotFound)
	}
	p.Quantity = 0
	p.Status = model.PositionClosed
	p.CurrentPrice = exitPrice
	p.UnrealizedPnL = decimal.Zero
	p.UpdatedAt = at
	s.positions[id] = p
	return nil
}

func (s *Store) InsertPosition(ctx context.Context, p model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("InsertPosition"); err != nil {
		return err
	}
	if _, exists := s.positions[p.ID]; exists {
		return fmt.Errorf("memory: position %s already exists", p.ID)
	}
	s.positions[p.ID] = p
	return nil
}

// ── model.TradeStore ──

func (s *Store) RealizedPnLSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("RealizedPnLSince"); err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, t := range s.trades {
		if t.UserID == userID && t.Status == model.TradeCompleted && !t.ExecutedAt.Before(since) {
			total = total.Add(t.PnL)
		}
	}
	return total, nil
}

func (s *Store) InsertTrade(ctx context.Context, t model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("InsertTrade"); err != nil {
		return err
	}
	s.trades = append(s.trades, t)
	if u, ok := s.users[t.UserID]; ok && t.Status == model.TradeCompleted {
		u.dailyPnL = u.dailyPnL.Add(t.PnL)
		u.dailyTrades++
	}
	return nil
}

func (s *Store) ListPendingEntries(ctx context.Context) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("ListPendingEntries"); err != nil {
		return nil, err
	}
	var out []model.Trade
	for _, t := range s.trades {
		if t.AwaitingFill() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) ConfirmEntry(ctx context.Context, tradeID string, p model.Position) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ConfirmEntry"); err != nil {
		return false, err
	}
	i := s.tradeIndex(tradeID)
	if i < 0 || !s.trades[i].AwaitingFill() {
		return false, nil
	}
	if _, exists := s.positions[p.ID]; exists {
		return false, fmt.Errorf("memory: position %s already exists", p.ID)
	}
	s.positions[p.ID] = p
	s.trades[i].PositionID = p.ID
	s.trades[i].EntryPrice = p.AvgPrice
	s.trades[i].ExecutedAt = p.UpdatedAt
	return true, nil
}

func (s *Store) CancelEntry(ctx context.Context, tradeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CancelEntry"); err != nil {
		return false, err
	}
	i := s.tradeIndex(tradeID)
	if i < 0 || !s.trades[i].AwaitingFill() {
		return false, nil
	}
	s.trades[i].Status = model.TradeCancelled
	return true, nil
}

func (s *Store) tradeIndex(id string) int {
	for i := range s.trades {
		if s.trades[i].ID == id {
			return i
		}
	}
	return -1
}

// ── model.SignalStore ──

func (s *Store) InsertSignal(ctx context.Context, sig model.TradingSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("InsertSignal"); err != nil {
		return err
	}
	if _, exists := s.signals[sig.ID]; exists {
		return fmt.Errorf("memory: signal %s already exists", sig.ID)
	}
	s.signals[sig.ID] = sig
	return nil
}

func (s *Store) GetSignal(ctx context.Context, userID, signalID string) (model.TradingSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("GetSignal"); err != nil {
		return model.TradingSignal{}, err
	}
	sig, ok := s.signals[signalID]
	if !ok || sig.UserID != userID {
		return model.TradingSignal{}, fmt.Errorf("memory: signal %s: %w", signalID, model.ErrNotFound)
	}
	return sig, nil
}

func (s *Store) UpdateSignalStatus(ctx context.Context, signalID string, status model.SignalStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UpdateSignalStatus"); err != nil {
		return err
	}
	sig, ok := s.signals[signalID]
	if !ok {
		return fmt.Errorf("memory: signal %s: %w", signalID, model.ErrNotFound)
	}
	sig.Status = status
	sig.Reason = reason
	s.signals[signalID] = sig
	return nil
}

// ── model.ViolationStore ──

func (s *Store) InsertViolation(ctx context.Context, v model.RiskViolation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("InsertViolation"); err != nil {
		return err
	}
	s.violations = append(s.violations, v)
	return nil
}

func (s *Store) PurgeViolationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("PurgeViolationsBefore"); err != nil {
		return 0, err
	}
	kept := s.violations[:0]
	var purged int64
	for _, v := range s.violations {
		if v.CreatedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, v)
	}
	s.violations = kept
	return purged, nil
}

// RecentViolations returns a user's latest violations, newest first.
func (s *Store) RecentViolations(ctx context.Context, userID string, limit int) ([]model.RiskViolation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("RecentViolations"); err != nil {
		return nil, err
	}
	var out []model.RiskViolation
	for i := len(s.violations) - 1; i >= 0 && len(out) < limit; i-- {
		if s.violations[i].UserID == userID {
			out = append(out, s.violations[i])
		}
	}
	return out, nil
}
