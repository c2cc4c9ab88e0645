// Package decision implements the Trigger Evaluator: the pure decision state machine that,
// given a position and a live price, decides whether to buy, sell, or hold.
package decision

import (
	"fmt"
	"sort"
	"time"

	"tradeforge/store"
)

// Action is the decision's trading action.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Reason names which rule produced the decision.
const (
	ReasonStopLoss     = "STOP_LOSS"
	ReasonTrailingStop = "TRAILING_STOP"
	ReasonBuyDip       = "BUY_DIP"
)

func tpReason(level int) string  { return fmt.Sprintf("TAKE_PROFIT_L%d", level) }
func dcaReason(level int) string { return fmt.Sprintf("DCA_L%d", level) }

// MarketData carries the optional ticker-derived fields the evaluator may gate on. A zero/unset
// field (Known=false) causes the relevant validation to be skipped, per spec.md §4.5 step 5.
type MarketData struct {
	Volume24hUSD      float64
	Volume24hKnown    bool
	Change24hPercent  float64
	Change24hKnown    bool
}

// TrailingUpdate is the evaluator's side-effect request for the trailing-stop state; the
// caller (Strategy Worker) is responsible for persisting it via store.UpdateTrailing — the
// evaluator itself performs no I/O.
type TrailingUpdate struct {
	Requested        bool
	HighestPriceSeen float64
	CurrentStopPrice float64
	IsActive         bool
}

// CircuitBreakerTrip is the evaluator's side-effect request to deactivate the strategy.
type CircuitBreakerTrip struct {
	Requested bool
	Window    string // daily, weekly, monthly
}

// Decision is the Trigger Evaluator's output (spec.md §3).
type Decision struct {
	ShouldTrigger bool
	Action        Action
	Reason        string
	QuantityPercent float64

	// Metadata carries the blocking validation when ShouldTrigger is false, and informational
	// detail when true (e.g. which TP/DCA level index fired).
	Metadata map[string]interface{}

	TrailingUpdate     TrailingUpdate
	CircuitBreakerTrip CircuitBreakerTrip

	// TriggeredLevelPercent is set alongside a TAKE_PROFIT_L</DCA_L> reason, naming the level's
	// configured percent so the caller can add it to executed_tp_levels/executed_dca_levels.
	TriggeredLevelPercent *float64

	// NeedsRepair is set on a precondition failure (spec.md §7). For a non-positive entry or
	// current price the result is not-triggered regardless of rules; for a bad TP sum the TP
	// levels are dropped and the remaining rules are still evaluated.
	NeedsRepair bool
}

func blocked(reason string, meta map[string]interface{}) Decision {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta[reason] = "blocked"
	return Decision{ShouldTrigger: false, Metadata: meta}
}

func notTriggered() Decision {
	return Decision{ShouldTrigger: false, Metadata: map[string]interface{}{}}
}

// Evaluate is the Trigger Evaluator: a pure function of (rules, tracking, entry_price,
// current_price, holding_amount, market_data, now). now is read exactly once by the caller and
// passed in here, so the function itself touches no clock and no I/O (spec.md §4.5).
//
// The gates and rules below run in exactly the priority order spec.md §4.5 numbers; the first
// one that blocks or decides returns immediately and nothing later is evaluated (testable
// property 4, "priority totality").
func Evaluate(rules store.Rules, tracking store.Tracking, entryPrice, currentPrice, holdingAmount float64, market MarketData, now time.Time) Decision {
	// Precondition failure: treated as not-triggered, caller marks the strategy needs_repair.
	if entryPrice <= 0 || currentPrice <= 0 {
		d := notTriggered()
		d.NeedsRepair = true
		d.Metadata["reason"] = "invalid_entry_or_current_price"
		return d
	}
	// A bad take-profit percent sum is also an evaluator precondition failure (spec.md §7/§9):
	// evaluated as if all levels were disabled, but surfaced so the caller marks needs_repair.
	if !rules.ValidateTPSum() {
		rules.TakeProfitLevels = nil
		d := evaluateGated(rules, tracking, entryPrice, currentPrice, holdingAmount, market, now)
		d.NeedsRepair = true
		return d
	}

	return evaluateGated(rules, tracking, entryPrice, currentPrice, holdingAmount, market, now)
}

func evaluateGated(rules store.Rules, tracking store.Tracking, entryPrice, currentPrice, holdingAmount float64, market MarketData, now time.Time) Decision {
	// 1. Cooldown gate.
	if rules.Cooldown.Enabled && !tracking.CooldownState.CooldownUntil.IsZero() && now.Before(tracking.CooldownState.CooldownUntil) {
		return blocked("cooldown", nil)
	}

	// 2. Circuit-breaker gate.
	if rules.RiskManagement.Enabled {
		if window, tripped := circuitBreakerTripped(rules.RiskManagement, tracking.ExecutionStats); tripped {
			d := blocked("circuit_breaker", map[string]interface{}{"circuit_breaker": window})
			if rules.RiskManagement.PauseOnLimit {
				d.CircuitBreakerTrip = CircuitBreakerTrip{Requested: true, Window: window}
			}
			return d
		}
	}

	// 3. Trading-hours gate.
	if rules.TradingHours.Enabled {
		if !withinTradingHours(rules.TradingHours, now) {
			return blocked("trading_hours", nil)
		}
	}

	// 4. Blackout gate.
	for _, b := range rules.BlackoutPeriods {
		if b.Enabled && !now.Before(b.Start) && now.Before(b.End) {
			return blocked("blackout", nil)
		}
	}

	// 5. Volume gate.
	if rules.VolumeCheck.Enabled && market.Volume24hKnown && market.Volume24hUSD < rules.VolumeCheck.Min24hVolumeUSD {
		return blocked("volume", nil)
	}

	// 6. Trailing-stop update and fire.
	if rules.StopLoss.TrailingEnabled {
		if d, fired := evaluateTrailingStop(rules.StopLoss, tracking.TrailingStopState, entryPrice, currentPrice); fired {
			return finalizeSell(d, rules, currentPrice, holdingAmount)
		} else if d.TrailingUpdate.Requested {
			// trailing armed/updated but not fired: continue evaluating later rules, carrying
			// the side-effect request forward.
			result := evaluateRemaining(rules, tracking, entryPrice, currentPrice, holdingAmount)
			result.TrailingUpdate = d.TrailingUpdate
			return result
		}
	}

	return evaluateRemaining(rules, tracking, entryPrice, currentPrice, holdingAmount)
}

func evaluateRemaining(rules store.Rules, tracking store.Tracking, entryPrice, currentPrice, holdingAmount float64) Decision {
	// 7. Take-profit levels, ascending percent, first unexecuted enabled level that qualifies.
	if d, ok := evaluateTakeProfitLevels(rules.TakeProfitLevels, tracking.ExecutionStats.ExecutedTPLevels, entryPrice, currentPrice); ok {
		return finalizeSell(d, rules, currentPrice, holdingAmount)
	}

	// 8. Stop-loss (fixed).
	if rules.StopLoss.Enabled {
		threshold := entryPrice * (1 - rules.StopLoss.Percent/100)
		if currentPrice <= threshold {
			d := Decision{ShouldTrigger: true, Action: ActionSell, Reason: ReasonStopLoss, QuantityPercent: 100, Metadata: map[string]interface{}{}}
			return finalizeSell(d, rules, currentPrice, holdingAmount)
		}
	}

	// 9. Buy-dip / DCA.
	if rules.BuyDip.Enabled {
		if d, ok := evaluateBuyDip(rules.BuyDip, tracking.ExecutionStats.ExecutedDCALevels, entryPrice, currentPrice); ok {
			return finalizeBuy(d, rules)
		}
	}

	// 10. Otherwise no trigger.
	return notTriggered()
}

func circuitBreakerTripped(rm store.RiskManagementRule, stats store.ExecutionStats) (string, bool) {
	if rm.MaxDailyLossUSD != nil && stats.DailyPnLUSD <= -*rm.MaxDailyLossUSD {
		return "daily", true
	}
	if rm.MaxWeeklyLossUSD != nil && stats.WeeklyPnLUSD <= -*rm.MaxWeeklyLossUSD {
		return "weekly", true
	}
	if rm.MaxMonthlyLossUSD != nil && stats.MonthlyPnLUSD <= -*rm.MaxMonthlyLossUSD {
		return "monthly", true
	}
	return "", false
}

func withinTradingHours(th store.TradingHoursRule, now time.Time) bool {
	loc, err := time.LoadLocation(th.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	hour := local.Hour()
	weekday := int(local.Weekday())

	if len(th.AllowedHours) > 0 && !containsInt(th.AllowedHours, hour) {
		return false
	}
	if len(th.AllowedDays) > 0 && !containsInt(th.AllowedDays, weekday) {
		return false
	}
	return true
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// evaluateTrailingStop implements spec.md §4.5 rule 6: gain = (current-entry)/entry; once gain
// crosses trailing_activation_percent the trailing state activates and, while active, tracks
// highest_price_seen (monotonic) and current_stop_price = highest*(1-trailing_percent/100).
// Fires a full (100%) SELL when active and current_price <= current_stop_price.
func evaluateTrailingStop(sl store.StopLossRule, state store.TrailingStopState, entryPrice, currentPrice float64) (Decision, bool) {
	gain := (currentPrice - entryPrice) / entryPrice

	isActive := state.IsActive
	if !isActive && gain >= sl.TrailingActivationPercent/100 {
		isActive = true
	}
	if !isActive {
		return Decision{}, false
	}

	highest := state.HighestPriceSeen
	if currentPrice > highest {
		highest = currentPrice
	}
	stopPrice := highest * (1 - sl.TrailingPercent/100)

	update := TrailingUpdate{Requested: true, HighestPriceSeen: highest, CurrentStopPrice: stopPrice, IsActive: true}

	if currentPrice <= stopPrice {
		d := Decision{
			ShouldTrigger:   true,
			Action:          ActionSell,
			Reason:          ReasonTrailingStop,
			QuantityPercent: 100,
			Metadata:        map[string]interface{}{},
			TrailingUpdate:  update,
		}
		return d, true
	}

	return Decision{TrailingUpdate: update}, false
}

func evaluateTakeProfitLevels(levels []store.TPLevel, executed []float64, entryPrice, currentPrice float64) (Decision, bool) {
	sorted := append([]store.TPLevel(nil), levels...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Percent < sorted[j].Percent })

	rank := 0
	for _, l := range sorted {
		if !l.Enabled {
			continue
		}
		rank++
		if floatInSlice(executed, l.Percent) {
			continue
		}
		threshold := entryPrice * (1 + l.Percent/100)
		if currentPrice >= threshold {
			percent := l.Percent
			d := Decision{
				ShouldTrigger:         true,
				Action:                ActionSell,
				Reason:                tpReason(rank),
				QuantityPercent:       l.QuantityPercent,
				Metadata:              map[string]interface{}{},
				TriggeredLevelPercent: &percent,
			}
			return d, true
		}
	}
	return Decision{}, false
}

func evaluateBuyDip(bd store.BuyDipRule, executed []float64, entryPrice, currentPrice float64) (Decision, bool) {
	if bd.DCAEnabled {
		sorted := append([]store.DCALevel(nil), bd.DCALevels...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Percent < sorted[j].Percent })

		rank := 0
		for _, l := range sorted {
			rank++
			if floatInSlice(executed, l.Percent) {
				continue
			}
			threshold := entryPrice * (1 - l.Percent/100)
			if currentPrice <= threshold {
				percent := l.Percent
				d := Decision{
					ShouldTrigger:         true,
					Action:                ActionBuy,
					Reason:                dcaReason(rank),
					QuantityPercent:       l.QuantityPercent,
					Metadata:              map[string]interface{}{},
					TriggeredLevelPercent: &percent,
				}
				return d, true
			}
		}
		return Decision{}, false
	}

	threshold := entryPrice * (1 - bd.Percent/100)
	if currentPrice <= threshold {
		d := Decision{ShouldTrigger: true, Action: ActionBuy, Reason: ReasonBuyDip, QuantityPercent: 100, Metadata: map[string]interface{}{}}
		return d, true
	}
	return Decision{}, false
}

func floatInSlice(xs []float64, v float64) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// finalizeSell/finalizeBuy apply the shared edge cases from spec.md §4.5: quantity_percent is
// resolved against the current holding_amount (not the original entry size, testable via the
// tie-break notes); max_order_size_percent caps it; if the resulting order value falls below
// execution.min_order_size_usd, the decision is demoted to should_trigger=false with
// metadata.reason=below_min_size.
//
// For a SELL, the notional is computable here (holding_amount * quantity_percent * current
// price) since both the position size and the price are evaluator inputs. For a BUY the
// available USD budget is not an evaluator input (it depends on the user's free exchange
// balance, fetched by the Order Orchestrator) — that demotion is performed by the orchestrator
// once it resolves quantity_percent against the actual budget (spec.md §4.7).
func finalizeSell(d Decision, rules store.Rules, currentPrice, holdingAmount float64) Decision {
	d = capQuantity(d, rules)
	if rules.Execution.MinOrderSizeUSD <= 0 {
		return d
	}
	notional := holdingAmount * d.QuantityPercent / 100 * currentPrice
	if notional < rules.Execution.MinOrderSizeUSD {
		demoted := notTriggered()
		demoted.Metadata["reason"] = "below_min_size"
		return demoted
	}
	return d
}

func finalizeBuy(d Decision, rules store.Rules) Decision {
	return capQuantity(d, rules)
}

func capQuantity(d Decision, rules store.Rules) Decision {
	if rules.Execution.MaxOrderSizePercent > 0 && d.QuantityPercent > rules.Execution.MaxOrderSizePercent {
		d.QuantityPercent = rules.Execution.MaxOrderSizePercent
	}
	return d
}
