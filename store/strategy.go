package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Strategy is the persisted per-(user, exchange, token) trading strategy. Unique per
// (user_id, exchange_id, token): at most one active strategy per triple (enforced by
// SetActive and backed by the partial unique index idx_strategies_uniq on active rows).
type Strategy struct {
	ID          string
	UserID      string
	ExchangeID  string
	Token       string
	Name        string
	IsActive    bool
	NeedsRepair bool // set when the evaluator hit a precondition failure (entry_price=0, bad rule sum)
	Rules       string
	Tracking    string
	LeaseUntil  time.Time
	LeaseToken  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TPLevel is a (gain percent, quantity percent) take-profit rung.
type TPLevel struct {
	Percent         float64 `json:"percent"`
	QuantityPercent float64 `json:"quantity_percent"`
	Enabled         bool    `json:"enabled"`
}

// DCALevel is a (drop percent, quantity percent) dollar-cost-average rung.
type DCALevel struct {
	Percent         float64 `json:"percent"`
	QuantityPercent float64 `json:"quantity_percent"`
}

// StopLossRule is the fixed and trailing stop-loss configuration.
type StopLossRule struct {
	Percent                   float64 `json:"percent"`
	Enabled                   bool    `json:"enabled"`
	TrailingEnabled           bool    `json:"trailing_enabled"`
	TrailingPercent           float64 `json:"trailing_percent"`
	TrailingActivationPercent float64 `json:"trailing_activation_percent"`
}

// BuyDipRule is the buy-the-dip / DCA-ladder configuration.
type BuyDipRule struct {
	Percent    float64    `json:"percent"`
	Enabled    bool       `json:"enabled"`
	DCAEnabled bool       `json:"dca_enabled"`
	DCALevels  []DCALevel `json:"dca_levels,omitempty"`
}

// CooldownRule is the post-execution wall-clock cooldown.
type CooldownRule struct {
	Enabled          bool `json:"enabled"`
	MinutesAfterSell int  `json:"minutes_after_sell"`
	MinutesAfterBuy  int  `json:"minutes_after_buy"`
}

// RiskManagementRule is the per-window loss-limit circuit breaker.
type RiskManagementRule struct {
	Enabled           bool     `json:"enabled"`
	MaxDailyLossUSD   *float64 `json:"max_daily_loss_usd,omitempty"`
	MaxWeeklyLossUSD  *float64 `json:"max_weekly_loss_usd,omitempty"`
	MaxMonthlyLossUSD *float64 `json:"max_monthly_loss_usd,omitempty"`
	PauseOnLimit      bool     `json:"pause_on_limit"`
	ResetHourUTC      int      `json:"reset_hour_utc"`
}

// TradingHoursRule restricts evaluation to a set of local hours/weekdays.
type TradingHoursRule struct {
	Enabled      bool   `json:"enabled"`
	Timezone     string `json:"timezone"`
	AllowedHours []int  `json:"allowed_hours,omitempty"`
	AllowedDays  []int  `json:"allowed_days,omitempty"`
}

// BlackoutPeriod is one UTC interval during which the strategy never trades.
type BlackoutPeriod struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Enabled bool      `json:"enabled"`
}

// VolumeCheckRule gates trading on the 24h volume figure (the source's 1h figure is not
// uniformly exposed by the gateway, per spec.md §9 — this is restricted to 24h only).
type VolumeCheckRule struct {
	Enabled         bool    `json:"enabled"`
	Min24hVolumeUSD float64 `json:"min_24h_volume_usd"`
}

// ExecutionRule bounds order sizing.
type ExecutionRule struct {
	MinOrderSizeUSD     float64 `json:"min_order_size_usd"`
	MaxOrderSizePercent float64 `json:"max_order_size_percent"`
	AllowPartialFills   bool    `json:"allow_partial_fills"`
}

// Rules is the canonical structured strategy configuration.
type Rules struct {
	TakeProfitLevels []TPLevel           `json:"take_profit_levels,omitempty"`
	StopLoss         StopLossRule        `json:"stop_loss"`
	BuyDip           BuyDipRule          `json:"buy_dip"`
	Cooldown         CooldownRule        `json:"cooldown"`
	RiskManagement   RiskManagementRule  `json:"risk_management"`
	TradingHours     TradingHoursRule    `json:"trading_hours"`
	BlackoutPeriods  []BlackoutPeriod    `json:"blackout_periods,omitempty"`
	VolumeCheck      VolumeCheckRule     `json:"volume_check"`
	Execution        ExecutionRule       `json:"execution"`
}

// LegacyRules is the flat shape accepted on strategy creation; it is normalized into Rules
// before storage (spec.md §3/§9).
type LegacyRules struct {
	TakeProfitPercent float64 `json:"take_profit_percent"`
	StopLossPercent   float64 `json:"stop_loss_percent"`
	BuyDipPercent     float64 `json:"buy_dip_percent"`
}

// NormalizeLegacy maps the flat legacy rule shape into the structured form. Everything not
// named by the legacy fields stays at its conservative disabled default.
func NormalizeLegacy(l LegacyRules) Rules {
	r := DefaultRules()
	if l.TakeProfitPercent > 0 {
		r.TakeProfitLevels = []TPLevel{{Percent: l.TakeProfitPercent, QuantityPercent: 100, Enabled: true}}
	}
	if l.StopLossPercent > 0 {
		r.StopLoss = StopLossRule{Percent: l.StopLossPercent, Enabled: true}
	}
	if l.BuyDipPercent > 0 {
		r.BuyDip = BuyDipRule{Percent: l.BuyDipPercent, Enabled: true}
	}
	return r
}

// DefaultRules returns the conservative all-disabled baseline rule set, with the execution
// bounds every strategy needs regardless of which rules are enabled.
func DefaultRules() Rules {
	return Rules{
		Execution: ExecutionRule{
			MinOrderSizeUSD:     10,
			MaxOrderSizePercent: 100,
			AllowPartialFills:   true,
		},
	}
}

// ValidateTPSum reports whether the enabled take-profit levels' quantity_percent values sum to
// 100, the invariant spec.md §3 requires. A strategy failing this check is evaluated as if all
// TP levels were disabled (spec.md §9) and flagged NeedsRepair.
func (r Rules) ValidateTPSum() bool {
	var sum float64
	var any bool
	for _, l := range r.TakeProfitLevels {
		if l.Enabled {
			sum += l.QuantityPercent
			any = true
		}
	}
	if !any {
		return true
	}
	return sum > 99.999 && sum < 100.001
}

// ExecutionStats tallies execution counters, cumulative/windowed P&L and the last-execution
// fields spec.md §3 names.
type ExecutionStats struct {
	TotalExecutions   int       `json:"total_executions"`
	TotalBuys         int       `json:"total_buys"`
	TotalSells        int       `json:"total_sells"`
	TotalPnLUSD       float64   `json:"total_pnl_usd"`
	DailyPnLUSD       float64   `json:"daily_pnl_usd"`
	WeeklyPnLUSD      float64   `json:"weekly_pnl_usd"`
	MonthlyPnLUSD     float64   `json:"monthly_pnl_usd"`
	ExecutedTPLevels  []float64 `json:"executed_tp_levels,omitempty"`
	ExecutedDCALevels []float64 `json:"executed_dca_levels,omitempty"`
	LastAt            time.Time `json:"last_at,omitempty"`
	LastType          string    `json:"last_type,omitempty"`
	LastReason        string    `json:"last_reason,omitempty"`
	LastPrice         float64   `json:"last_price,omitempty"`
	LastAmount        float64   `json:"last_amount,omitempty"`
}

// TrailingStopState is the trailing-stop side-effect state the evaluator maintains across
// ticks: monotonic highest_price_seen, one-way false->true is_active (spec.md §4.4).
type TrailingStopState struct {
	IsActive         bool      `json:"is_active"`
	HighestPriceSeen float64   `json:"highest_price_seen"`
	CurrentStopPrice float64   `json:"current_stop_price"`
	ActivatedAt      time.Time `json:"activated_at,omitempty"`
}

// CooldownState is the post-execution wall-clock cooldown window.
type CooldownState struct {
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	LastAction    string    `json:"last_action,omitempty"` // BUY, SELL, or ""
	LastActionAt  time.Time `json:"last_action_at,omitempty"`
}

// Tracking is the persistent per-strategy execution/trailing/cooldown state.
type Tracking struct {
	ExecutionStats    ExecutionStats    `json:"execution_stats"`
	TrailingStopState TrailingStopState `json:"trailing_stop_state"`
	CooldownState     CooldownState     `json:"cooldown_state"`

	DailyWindowStart   time.Time `json:"daily_window_start,omitempty"`
	WeeklyWindowStart  time.Time `json:"weekly_window_start,omitempty"`
	MonthlyWindowStart time.Time `json:"monthly_window_start,omitempty"`

	// SeenOrderRefs records order_ref values already applied by PersistExecution, so a replay
	// with the same (strategy_id, order_ref) is a no-op (spec.md §4.4, testable property 7).
	SeenOrderRefs []string `json:"seen_order_refs,omitempty"`
}

func (st *Store) initStrategyTables() error {
	_, err := st.db.Exec(`
		CREATE TABLE IF NOT EXISTS strategies (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			exchange_id TEXT NOT NULL,
			token TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT 0,
			needs_repair BOOLEAN NOT NULL DEFAULT 0,
			rules TEXT NOT NULL DEFAULT '{}',
			tracking TEXT NOT NULL DEFAULT '{}',
			lease_until TEXT,
			lease_token TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	_, _ = st.db.Exec(`CREATE INDEX IF NOT EXISTS idx_strategies_user_active ON strategies(user_id, is_active)`)
	_, _ = st.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_strategies_uniq ON strategies(user_id, exchange_id, token) WHERE is_active = 1`)

	_, err = st.db.Exec(`
		CREATE TRIGGER IF NOT EXISTS update_strategies_updated_at
		AFTER UPDATE ON strategies
		BEGIN
			UPDATE strategies SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
		END
	`)
	return err
}

// ParseRules unmarshals the strategy's stored rule configuration.
func (s *Strategy) ParseRules() (*Rules, error) {
	var r Rules
	if s.Rules == "" {
		r = DefaultRules()
		return &r, nil
	}
	if err := json.Unmarshal([]byte(s.Rules), &r); err != nil {
		return nil, fmt.Errorf("strategy %s: parse rules: %w", s.ID, err)
	}
	return &r, nil
}

// SetRules marshals and stores r.
func (s *Strategy) SetRules(r Rules) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.Rules = string(b)
	return nil
}

// ParseTracking unmarshals the strategy's stored tracking state.
func (s *Strategy) ParseTracking() (*Tracking, error) {
	var t Tracking
	if s.Tracking == "" {
		return &t, nil
	}
	if err := json.Unmarshal([]byte(s.Tracking), &t); err != nil {
		return nil, fmt.Errorf("strategy %s: parse tracking: %w", s.ID, err)
	}
	return &t, nil
}

// SetTracking marshals and stores t.
func (s *Strategy) SetTracking(t Tracking) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	s.Tracking = string(b)
	return nil
}

// Create inserts a new strategy.
func (st *Store) Create(s *Strategy) error {
	_, err := st.db.Exec(`
		INSERT INTO strategies (id, user_id, exchange_id, token, name, is_active, needs_repair, rules, tracking)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.UserID, s.ExchangeID, s.Token, s.Name, s.IsActive, s.NeedsRepair, s.Rules, s.Tracking)
	return err
}

// Update replaces name/is_active/rules/tracking/needs_repair for an existing strategy.
func (st *Store) Update(s *Strategy) error {
	_, err := st.db.Exec(`
		UPDATE strategies SET
			name = ?, is_active = ?, needs_repair = ?, rules = ?, tracking = ?
		WHERE id = ? AND user_id = ?
	`, s.Name, s.IsActive, s.NeedsRepair, s.Rules, s.Tracking, s.ID, s.UserID)
	return err
}

// Delete removes a strategy owned by userID.
func (st *Store) Delete(userID, id string) error {
	_, err := st.db.Exec(`DELETE FROM strategies WHERE id = ? AND user_id = ?`, id, userID)
	return err
}

// Get fetches a single strategy by id, scoped to its owner.
func (st *Store) Get(userID, id string) (*Strategy, error) {
	return st.scanOne(`
		SELECT id, user_id, exchange_id, token, name, is_active, needs_repair, rules, tracking,
		       lease_until, lease_token, created_at, updated_at
		FROM strategies WHERE id = ? AND user_id = ?
	`, id, userID)
}

// List returns strategies for userID, optionally filtered by exchange/token/is_active.
func (st *Store) List(userID, exchangeID, token string, isActive *bool) ([]*Strategy, error) {
	query := `
		SELECT id, user_id, exchange_id, token, name, is_active, needs_repair, rules, tracking,
		       lease_until, lease_token, created_at, updated_at
		FROM strategies WHERE user_id = ?`
	args := []interface{}{userID}
	if exchangeID != "" {
		query += " AND exchange_id = ?"
		args = append(args, exchangeID)
	}
	if token != "" {
		query += " AND token = ?"
		args = append(args, token)
	}
	if isActive != nil {
		query += " AND is_active = ?"
		args = append(args, *isActive)
	}
	query += " ORDER BY created_at DESC"

	rows, err := st.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListActive returns every strategy with is_active=true across all users, for the Strategy
// Worker's per-tick fan-out (spec.md §4.6 step 1).
func (st *Store) ListActive() ([]*Strategy, error) {
	rows, err := st.db.Query(`
		SELECT id, user_id, exchange_id, token, name, is_active, needs_repair, rules, tracking,
		       lease_until, lease_token, created_at, updated_at
		FROM strategies WHERE is_active = 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetActive flips a strategy active, deactivating any other active strategy on the same
// (user_id, exchange_id, token) triple first — the at-most-one-active invariant (spec.md §3).
func (st *Store) SetActive(userID, id string, active bool) error {
	tx, err := st.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if active {
		var exchangeID, token string
		if err := tx.QueryRow(`SELECT exchange_id, token FROM strategies WHERE id = ? AND user_id = ?`, id, userID).
			Scan(&exchangeID, &token); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			UPDATE strategies SET is_active = 0
			WHERE user_id = ? AND exchange_id = ? AND token = ? AND id != ?
		`, userID, exchangeID, token, id); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`UPDATE strategies SET is_active = ? WHERE id = ? AND user_id = ?`, active, id, userID); err != nil {
		return err
	}
	return tx.Commit()
}

// ErrConflict is returned by AcquireLease when another worker holds an unexpired lease, and by
// position writes when the row's version changed underneath them.
var ErrConflict = fmt.Errorf("store: conflict")

// AcquireLease performs a compare-and-swap: acquires the strategy's lease if it is unheld or
// expired, setting lease_until = now+ttl and a fresh lease_token. Returns ErrConflict if another
// tick already holds the lease (spec.md §4.6/§5 — "a lease ... serializes overlapping ticks").
func (st *Store) AcquireLease(strategyID, token string, now time.Time, ttl time.Duration) error {
	res, err := st.db.Exec(`
		UPDATE strategies SET lease_until = ?, lease_token = ?
		WHERE id = ? AND (lease_until IS NULL OR lease_until < ?)
	`, now.Add(ttl).UTC().Format(sqliteTimeLayout), token, strategyID, now.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// ReleaseLease clears the lease if token still matches (a no-op otherwise, e.g. if it already
// expired and was re-acquired by another worker).
func (st *Store) ReleaseLease(strategyID, token string) error {
	_, err := st.db.Exec(`
		UPDATE strategies SET lease_until = NULL, lease_token = ''
		WHERE id = ? AND lease_token = ?
	`, strategyID, token)
	return err
}

// PersistExecution atomically applies the bookkeeping of one executed decision: execution
// counters, PnL windows, last-* fields, the triggered level's addition to executed_tp_levels or
// executed_dca_levels, cooldown_state and (when the action consumed the trailing stop) a fresh
// trailing_stop_state. Idempotent against replay under (strategy_id, order_ref) — testable
// property 7.
func (st *Store) PersistExecution(strategyID, orderRef string, exec Execution) error {
	tx, err := st.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var rulesJSON, trackingJSON string
	if err := tx.QueryRow(`SELECT rules, tracking FROM strategies WHERE id = ?`, strategyID).
		Scan(&rulesJSON, &trackingJSON); err != nil {
		return err
	}

	var tracking Tracking
	if trackingJSON != "" {
		if err := json.Unmarshal([]byte(trackingJSON), &tracking); err != nil {
			return err
		}
	}

	for _, seen := range tracking.SeenOrderRefs {
		if seen == orderRef {
			return tx.Commit() // already applied; idempotent no-op
		}
	}

	applyExecution(&tracking, exec)
	tracking.SeenOrderRefs = append(tracking.SeenOrderRefs, orderRef)
	if len(tracking.SeenOrderRefs) > 500 {
		tracking.SeenOrderRefs = tracking.SeenOrderRefs[len(tracking.SeenOrderRefs)-500:]
	}

	b, err := json.Marshal(tracking)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`UPDATE strategies SET tracking = ? WHERE id = ?`, string(b), strategyID); err != nil {
		return err
	}
	return tx.Commit()
}

// Execution is the input to PersistExecution: the outcome of one orchestrated order.
type Execution struct {
	Action          string // BUY or SELL
	Reason          string // TAKE_PROFIT_L1, STOP_LOSS, TRAILING_STOP, BUY_DIP, DCA_L2, ...
	Price           float64
	Amount          float64
	PnLUSD          float64
	At              time.Time
	TriggeredLevel  *float64 // the TP or DCA level's percent, when Reason names one
	ConsumedTrailing bool
	CooldownMinutes int
}

func applyExecution(t *Tracking, e Execution) {
	t.ExecutionStats.TotalExecutions++
	if e.Action == "BUY" {
		t.ExecutionStats.TotalBuys++
	} else if e.Action == "SELL" {
		t.ExecutionStats.TotalSells++
	}
	t.ExecutionStats.TotalPnLUSD += e.PnLUSD
	t.ExecutionStats.DailyPnLUSD += e.PnLUSD
	t.ExecutionStats.WeeklyPnLUSD += e.PnLUSD
	t.ExecutionStats.MonthlyPnLUSD += e.PnLUSD
	t.ExecutionStats.LastAt = e.At
	t.ExecutionStats.LastType = e.Action
	t.ExecutionStats.LastReason = e.Reason
	t.ExecutionStats.LastPrice = e.Price
	t.ExecutionStats.LastAmount = e.Amount

	if e.TriggeredLevel != nil {
		if strings.HasPrefix(e.Reason, "TAKE_PROFIT_L") {
			t.ExecutionStats.ExecutedTPLevels = append(t.ExecutionStats.ExecutedTPLevels, *e.TriggeredLevel)
		} else if strings.HasPrefix(e.Reason, "DCA_L") {
			t.ExecutionStats.ExecutedDCALevels = append(t.ExecutionStats.ExecutedDCALevels, *e.TriggeredLevel)
		}
	}

	if e.ConsumedTrailing {
		t.TrailingStopState = TrailingStopState{}
	}

	t.CooldownState.LastAction = e.Action
	t.CooldownState.LastActionAt = e.At
	if e.CooldownMinutes > 0 {
		t.CooldownState.CooldownUntil = e.At.Add(time.Duration(e.CooldownMinutes) * time.Minute)
	}
}

// UpdateTrailing applies the evaluator's trailing-stop side-effect request. highestPriceSeen
// never decreases and isActive only transitions false->true (spec.md §4.4).
func (st *Store) UpdateTrailing(strategyID string, highestPriceSeen, currentStopPrice float64, isActive bool, now time.Time) error {
	tx, err := st.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var trackingJSON string
	if err := tx.QueryRow(`SELECT tracking FROM strategies WHERE id = ?`, strategyID).Scan(&trackingJSON); err != nil {
		return err
	}
	var tracking Tracking
	if trackingJSON != "" {
		if err := json.Unmarshal([]byte(trackingJSON), &tracking); err != nil {
			return err
		}
	}

	if highestPriceSeen > tracking.TrailingStopState.HighestPriceSeen {
		tracking.TrailingStopState.HighestPriceSeen = highestPriceSeen
	}
	tracking.TrailingStopState.CurrentStopPrice = currentStopPrice
	if isActive && !tracking.TrailingStopState.IsActive {
		tracking.TrailingStopState.IsActive = true
		tracking.TrailingStopState.ActivatedAt = now
	}

	b, err := json.Marshal(tracking)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE strategies SET tracking = ? WHERE id = ?`, string(b), strategyID); err != nil {
		return err
	}
	return tx.Commit()
}

// Deactivate flips is_active=false, used by the worker when the circuit breaker's
// pause_on_limit fires (spec.md §4.5 rule 2, testable property 9).
func (st *Store) Deactivate(strategyID string) error {
	_, err := st.db.Exec(`UPDATE strategies SET is_active = 0 WHERE id = ?`, strategyID)
	return err
}

// MarkNeedsRepair flags a strategy whose rules failed a precondition (spec.md §7).
func (st *Store) MarkNeedsRepair(strategyID string, repair bool) error {
	_, err := st.db.Exec(`UPDATE strategies SET needs_repair = ? WHERE id = ?`, repair, strategyID)
	return err
}

const sqliteTimeLayout = "2006-01-02 15:04:05"

func (st *Store) scanOne(query string, args ...interface{}) (*Strategy, error) {
	rows, err := st.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, sql.ErrNoRows
	}
	return scanStrategy(rows)
}

func scanStrategy(rows *sql.Rows) (*Strategy, error) {
	var s Strategy
	var leaseUntil sql.NullString
	var createdAt, updatedAt string
	err := rows.Scan(
		&s.ID, &s.UserID, &s.ExchangeID, &s.Token, &s.Name, &s.IsActive, &s.NeedsRepair,
		&s.Rules, &s.Tracking, &leaseUntil, &s.LeaseToken, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if leaseUntil.Valid {
		s.LeaseUntil, _ = time.Parse(sqliteTimeLayout, leaseUntil.String)
	}
	s.CreatedAt, _ = time.Parse(sqliteTimeLayout, createdAt)
	s.UpdatedAt, _ = time.Parse(sqliteTimeLayout, updatedAt)
	return &s, nil
}
