package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeforge/store"
)

func ptr(f float64) *float64 { return &f }

func baseRules() store.Rules {
	r := store.DefaultRules()
	r.Execution.MinOrderSizeUSD = 0 // most scenarios don't care about notional floors
	return r
}

// Scenario 1: take-profit level 1.
func TestEvaluate_TakeProfitLevel1(t *testing.T) {
	rules := baseRules()
	rules.TakeProfitLevels = []store.TPLevel{
		{Percent: 5, QuantityPercent: 30, Enabled: true},
		{Percent: 10, QuantityPercent: 40, Enabled: true},
		{Percent: 20, QuantityPercent: 30, Enabled: true},
	}
	now := time.Now()

	d := Evaluate(rules, store.Tracking{}, 1.00, 1.051, 100, MarketData{}, now)

	require.True(t, d.ShouldTrigger)
	assert.Equal(t, ActionSell, d.Action)
	assert.Equal(t, "TAKE_PROFIT_L1", d.Reason)
	assert.Equal(t, 30.0, d.QuantityPercent)
	require.NotNil(t, d.TriggeredLevelPercent)
	assert.Equal(t, 5.0, *d.TriggeredLevelPercent)
}

// Scenario 2: take-profit skipped because trailing fires instead.
func TestEvaluate_TrailingStopFires(t *testing.T) {
	rules := baseRules()
	rules.TakeProfitLevels = []store.TPLevel{
		{Percent: 5, QuantityPercent: 30, Enabled: true},
		{Percent: 10, QuantityPercent: 40, Enabled: true},
		{Percent: 20, QuantityPercent: 30, Enabled: true},
	}
	rules.StopLoss.TrailingEnabled = true
	rules.StopLoss.TrailingActivationPercent = 5
	rules.StopLoss.TrailingPercent = 2

	now := time.Now()
	entry := 1.00

	// price path: 1.00 -> 1.25 -> 1.22
	d1 := Evaluate(rules, store.Tracking{}, entry, 1.25, 100, MarketData{}, now)
	// gain 25% arms trailing without breaching its stop, so evaluation falls through to TP L1
	require.True(t, d1.ShouldTrigger)
	assert.Equal(t, "TAKE_PROFIT_L1", d1.Reason)
	require.True(t, d1.TrailingUpdate.Requested)
	assert.InDelta(t, 1.25, d1.TrailingUpdate.HighestPriceSeen, 1e-9)
	assert.InDelta(t, 1.225, d1.TrailingUpdate.CurrentStopPrice, 1e-9)

	tracking := store.Tracking{TrailingStopState: store.TrailingStopState{
		IsActive: true, HighestPriceSeen: 1.25, CurrentStopPrice: 1.225,
	}}
	d2 := Evaluate(rules, tracking, entry, 1.22, 100, MarketData{}, now)
	require.True(t, d2.ShouldTrigger)
	assert.Equal(t, ActionSell, d2.Action)
	assert.Equal(t, ReasonTrailingStop, d2.Reason)
	assert.Equal(t, 100.0, d2.QuantityPercent)
}

// Scenario 3: DCA ladder, level 1 already executed.
func TestEvaluate_DCALadder(t *testing.T) {
	rules := baseRules()
	rules.BuyDip = store.BuyDipRule{
		Enabled: true, DCAEnabled: true,
		DCALevels: []store.DCALevel{{Percent: 5, QuantityPercent: 50}, {Percent: 10, QuantityPercent: 50}},
	}
	tracking := store.Tracking{ExecutionStats: store.ExecutionStats{ExecutedDCALevels: []float64{5}}}

	d := Evaluate(rules, tracking, 1.00, 0.90, 100, MarketData{}, time.Now())

	require.True(t, d.ShouldTrigger)
	assert.Equal(t, ActionBuy, d.Action)
	assert.Equal(t, "DCA_L2", d.Reason)
	assert.Equal(t, 50.0, d.QuantityPercent)
}

// Scenario 4: circuit breaker trip.
func TestEvaluate_CircuitBreakerTrip(t *testing.T) {
	rules := baseRules()
	rules.RiskManagement = store.RiskManagementRule{
		Enabled: true, MaxDailyLossUSD: ptr(1000), PauseOnLimit: true,
	}
	tracking := store.Tracking{ExecutionStats: store.ExecutionStats{DailyPnLUSD: -1050}}

	d := Evaluate(rules, tracking, 1.00, 10.00, 100, MarketData{}, time.Now()) // any price

	require.False(t, d.ShouldTrigger)
	assert.Equal(t, "daily", d.Metadata["circuit_breaker"])
	assert.True(t, d.CircuitBreakerTrip.Requested)
	assert.Equal(t, "daily", d.CircuitBreakerTrip.Window)
}

// Scenario 5: cooldown blocks regardless of price.
func TestEvaluate_CooldownBlocks(t *testing.T) {
	rules := baseRules()
	rules.Cooldown.Enabled = true
	now := time.Now()
	tracking := store.Tracking{CooldownState: store.CooldownState{CooldownUntil: now.Add(10 * time.Minute)}}

	d := Evaluate(rules, tracking, 1.00, 1.20, 100, MarketData{}, now) // 20% above entry

	require.False(t, d.ShouldTrigger)
	assert.Equal(t, "blocked", d.Metadata["cooldown"])
}

// Property 4: priority totality — cooldown precedes everything, including a circuit breaker
// that would otherwise also trip.
func TestEvaluate_PriorityTotality_CooldownBeforeCircuitBreaker(t *testing.T) {
	rules := baseRules()
	rules.Cooldown.Enabled = true
	rules.RiskManagement = store.RiskManagementRule{Enabled: true, MaxDailyLossUSD: ptr(100), PauseOnLimit: true}
	now := time.Now()
	tracking := store.Tracking{
		CooldownState:  store.CooldownState{CooldownUntil: now.Add(time.Minute)},
		ExecutionStats: store.ExecutionStats{DailyPnLUSD: -500},
	}

	d := Evaluate(rules, tracking, 1.00, 1.00, 100, MarketData{}, now)

	assert.Equal(t, "blocked", d.Metadata["cooldown"])
	assert.Nil(t, d.Metadata["circuit_breaker"])
	assert.False(t, d.CircuitBreakerTrip.Requested)
}

// Property 3: sum-to-100 invariant — a strategy whose enabled TP levels don't sum to 100 is
// treated as if all levels were disabled.
func TestEvaluate_BadTPSumDisablesAllLevels(t *testing.T) {
	rules := baseRules()
	rules.TakeProfitLevels = []store.TPLevel{
		{Percent: 5, QuantityPercent: 60, Enabled: true},
		{Percent: 10, QuantityPercent: 60, Enabled: true}, // sums to 120, invalid
	}

	d := Evaluate(rules, store.Tracking{}, 1.00, 2.00, 100, MarketData{}, time.Now())

	assert.False(t, d.ShouldTrigger)
}

// Property 1/monotonicity groundwork: trailing highest never decreases across two calls even
// as price retraces between activation and the eventual fire.
func TestEvaluate_TrailingHighestMonotonic(t *testing.T) {
	rules := baseRules()
	rules.StopLoss.TrailingEnabled = true
	rules.StopLoss.TrailingActivationPercent = 5
	rules.StopLoss.TrailingPercent = 2
	now := time.Now()

	d1 := Evaluate(rules, store.Tracking{}, 1.00, 1.30, 100, MarketData{}, now)
	require.True(t, d1.TrailingUpdate.Requested)
	highest1 := d1.TrailingUpdate.HighestPriceSeen

	tracking := store.Tracking{TrailingStopState: store.TrailingStopState{IsActive: true, HighestPriceSeen: highest1, CurrentStopPrice: d1.TrailingUpdate.CurrentStopPrice}}
	d2 := Evaluate(rules, tracking, 1.00, 1.28, 100, MarketData{}, now) // price dips but stays above stop
	require.True(t, d2.TrailingUpdate.Requested)
	assert.GreaterOrEqual(t, d2.TrailingUpdate.HighestPriceSeen, highest1)
}

// Trailing wins over take-profit on the same price (tie-break note).
func TestEvaluate_TrailingBeatsTakeProfitOnTie(t *testing.T) {
	rules := baseRules()
	rules.TakeProfitLevels = []store.TPLevel{{Percent: 5, QuantityPercent: 100, Enabled: true}}
	rules.StopLoss.TrailingEnabled = true
	rules.StopLoss.TrailingActivationPercent = 1
	rules.StopLoss.TrailingPercent = 3 // stop 1.10 * 0.97 = 1.067, already above the 1.06 price
	now := time.Now()

	tracking := store.Tracking{TrailingStopState: store.TrailingStopState{IsActive: true, HighestPriceSeen: 1.10, CurrentStopPrice: 1.067}}
	d := Evaluate(rules, tracking, 1.00, 1.06, 100, MarketData{}, now) // also above the 5% TP threshold

	require.True(t, d.ShouldTrigger)
	assert.Equal(t, ReasonTrailingStop, d.Reason)
}

// below_min_size demotion.
func TestEvaluate_DemotedBelowMinOrderSize(t *testing.T) {
	rules := baseRules()
	rules.Execution.MinOrderSizeUSD = 1000
	rules.TakeProfitLevels = []store.TPLevel{
		{Percent: 5, QuantityPercent: 10, Enabled: true},
		{Percent: 10, QuantityPercent: 90, Enabled: true}, // keeps the enabled sum at 100
	}

	// holding 1 unit at $1.06: L1 fires, notional = 1 * 10% * 1.06 = 0.106, far below the $1000 floor.
	d := Evaluate(rules, store.Tracking{}, 1.00, 1.06, 1, MarketData{}, time.Now())

	assert.False(t, d.ShouldTrigger)
	assert.Equal(t, "below_min_size", d.Metadata["reason"])
}

// Precondition failure: entry_price <= 0.
func TestEvaluate_PreconditionFailureNeedsRepair(t *testing.T) {
	d := Evaluate(baseRules(), store.Tracking{}, 0, 1.0, 100, MarketData{}, time.Now())
	assert.False(t, d.ShouldTrigger)
	assert.True(t, d.NeedsRepair)
}
