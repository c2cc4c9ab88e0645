// Package orchestrator is the Order Orchestrator (spec.md §4.7): the only component that turns
// a decision.Decision into an exchange order. It resolves quantity against the position or an
// available balance, clamps to max_order_size_percent, rejects below min_order_size_usd, submits
// through the Gateway, and records the fill against the ledger and the strategy's tracking.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tradeforge/decision"
	"tradeforge/gateway"
	"tradeforge/internal/auditlog"
	"tradeforge/ledger"
	"tradeforge/metrics"
	"tradeforge/store"
)

// gatewayAttempts bounds the retry of a transient CreateOrder error within one tick (spec.md §7).
const gatewayAttempts = 3

// ErrBelowMinSize is returned when the computed order notional falls under
// rules.Execution.MinOrderSizeUSD. The caller (the Strategy Worker) treats this as a no-op tick,
// not a failure.
var ErrBelowMinSize = errors.New("orchestrator: order notional below min_order_size_usd")

// ErrNoBudget is returned for a BUY decision when the user has no free quote-asset balance to
// size the purchase against.
var ErrNoBudget = errors.New("orchestrator: no available budget for buy")

// Orchestrator executes decision.Decision values against a Gateway and records the result.
type Orchestrator struct {
	gw     gateway.Gateway
	led    *ledger.Ledger
	strat  *store.Store
}

// New builds an Orchestrator over the given Gateway, ledger and strategy store.
func New(gw gateway.Gateway, led *ledger.Ledger, strat *store.Store) *Orchestrator {
	return &Orchestrator{gw: gw, led: led, strat: strat}
}

// Input bundles everything Execute needs beyond the decision itself.
type Input struct {
	Strategy       *store.Strategy
	Rules          store.Rules
	Decision       decision.Decision
	Symbol         string // exchange-facing trading pair, e.g. "BTCUSDT"
	Cred           gateway.Credential
	HoldingAmount  float64 // base-asset amount currently held (for SELL sizing)
	QuoteAvailable float64 // free quote-asset balance (for BUY sizing)
	CurrentPrice   float64
	TickID         string    // opaque per-tick identifier, folded into the idempotency key
	Now            time.Time // the tick's evaluation timestamp, recorded against the execution
}

// Result is what Execute did.
type Result struct {
	Skipped  bool   // true when the decision size was demoted below the notional floor
	OrderRef string
	Filled   float64
	PnLUSD   float64
}

// Execute sizes, submits and records one triggered decision. It is a no-op (Skipped=true,
// nil error) if in.Decision.ShouldTrigger is false.
func (o *Orchestrator) Execute(ctx context.Context, in Input) (Result, error) {
	if !in.Decision.ShouldTrigger {
		return Result{Skipped: true}, nil
	}

	orderRef := decisionHash(in.Strategy.ID, in.Decision, in.CurrentPrice, in.TickID)

	var res Result
	var err error
	switch in.Decision.Action {
	case decision.ActionSell:
		res, err = o.executeSell(ctx, in, orderRef)
	case decision.ActionBuy:
		res, err = o.executeBuy(ctx, in, orderRef)
	default:
		return Result{Skipped: true}, nil
	}

	if err == nil {
		return res, nil
	}

	metrics.RecordRejectedOrder(rejectReason(err))
	// Only InsufficientFunds/InvalidOrder are a per-strategy error event (spec.md §7); AuthError
	// is surfaced by the caller against the shared credential, InsufficientPosition by an
	// opportunistic resync, and ErrBelowMinSize/ErrNoBudget are ordinary no-op ticks.
	if errors.Is(err, gateway.ErrInsufficientFunds) || errors.Is(err, gateway.ErrInvalidOrder) {
		o.notify(in.Strategy.UserID, "order_failed", "Order failed", in.Strategy.ID+": "+err.Error())
	}
	return res, err
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrBelowMinSize):
		return "below_min_size"
	case errors.Is(err, ErrNoBudget):
		return "no_budget"
	case errors.Is(err, gateway.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, gateway.ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, gateway.ErrAuth):
		return "auth_error"
	case errors.Is(err, ledger.ErrInsufficientPosition):
		return "insufficient_position"
	default:
		return "gateway_error"
	}
}

// notify writes the best-effort notification side channel and mirrors it to the audit trail.
func (o *Orchestrator) notify(userID, kind, title, message string) {
	n := store.Notification{ID: uuid.New().String(), UserID: userID, Kind: kind, Title: title, Message: message}
	_ = o.strat.Notify(n)
	auditlog.Event(userID, kind, message, nil)
}

func (o *Orchestrator) executeSell(ctx context.Context, in Input, orderRef string) (Result, error) {
	amount := in.HoldingAmount * in.Decision.QuantityPercent / 100
	amount = capByMax(amount, in.HoldingAmount, in.Rules.Execution.MaxOrderSizePercent)
	notional := amount * in.CurrentPrice
	if notional < in.Rules.Execution.MinOrderSizeUSD {
		return Result{Skipped: true}, ErrBelowMinSize
	}

	var res gateway.OrderResult
	err := gateway.Retry(ctx, gatewayAttempts, func() error {
		var ferr error
		res, ferr = o.gw.CreateOrder(ctx, in.Cred, gateway.OrderRequest{
			Symbol: in.Symbol, Side: gateway.SideSell, Type: gateway.OrderTypeMarket,
			Amount: amount, ClientOrderID: orderRef,
		})
		return ferr
	})
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: sell order: %w", err)
	}
	if res.Filled <= 0 {
		return Result{Skipped: true}, nil
	}

	pnl, err := o.led.RecordSell(in.Strategy.UserID, in.Strategy.ExchangeID, in.Strategy.Token, res.Filled, res.AverageFillPrice, orderRef)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: record sell: %w", err)
	}

	if err := o.persist(in, orderRef, "SELL", res, pnl); err != nil {
		return Result{}, err
	}
	metrics.RecordOrder(in.Strategy.ExchangeID, "sell")
	o.recordPnL(in.Strategy)
	o.notify(in.Strategy.UserID, "strategy_executed", "Strategy executed",
		fmt.Sprintf("%s sold %.8f %s at %.2f (%s)", in.Strategy.ID, res.Filled, in.Strategy.Token, res.AverageFillPrice, in.Decision.Reason))
	return Result{OrderRef: orderRef, Filled: res.Filled, PnLUSD: pnl}, nil
}

func (o *Orchestrator) executeBuy(ctx context.Context, in Input, orderRef string) (Result, error) {
	budget := in.QuoteAvailable * in.Decision.QuantityPercent / 100
	budget = capByMax(budget, in.QuoteAvailable, in.Rules.Execution.MaxOrderSizePercent)
	if budget < in.Rules.Execution.MinOrderSizeUSD {
		return Result{Skipped: true}, ErrBelowMinSize
	}
	if budget <= 0 {
		return Result{Skipped: true}, ErrNoBudget
	}
	amount := budget / in.CurrentPrice

	var res gateway.OrderResult
	err := gateway.Retry(ctx, gatewayAttempts, func() error {
		var ferr error
		res, ferr = o.gw.CreateOrder(ctx, in.Cred, gateway.OrderRequest{
			Symbol: in.Symbol, Side: gateway.SideBuy, Type: gateway.OrderTypeMarket,
			Amount: amount, ClientOrderID: orderRef,
		})
		return ferr
	})
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: buy order: %w", err)
	}
	if res.Filled <= 0 {
		return Result{Skipped: true}, nil
	}

	if err := o.led.RecordBuy(in.Strategy.UserID, in.Strategy.ExchangeID, in.Strategy.Token, res.Filled, res.AverageFillPrice, orderRef); err != nil {
		return Result{}, fmt.Errorf("orchestrator: record buy: %w", err)
	}

	if err := o.persist(in, orderRef, "BUY", res, 0); err != nil {
		return Result{}, err
	}
	metrics.RecordOrder(in.Strategy.ExchangeID, "buy")
	o.recordPnL(in.Strategy)
	o.notify(in.Strategy.UserID, "strategy_executed", "Strategy executed",
		fmt.Sprintf("%s bought %.8f %s at %.2f (%s)", in.Strategy.ID, res.Filled, in.Strategy.Token, res.AverageFillPrice, in.Decision.Reason))
	return Result{OrderRef: orderRef, Filled: res.Filled}, nil
}

func (o *Orchestrator) persist(in Input, orderRef, action string, res gateway.OrderResult, pnl float64) error {
	cooldownMinutes := 0
	if in.Rules.Cooldown.Enabled {
		if action == "SELL" {
			cooldownMinutes = in.Rules.Cooldown.MinutesAfterSell
		} else {
			cooldownMinutes = in.Rules.Cooldown.MinutesAfterBuy
		}
	}
	return o.strat.PersistExecution(in.Strategy.ID, orderRef, store.Execution{
		Action:           action,
		Reason:           in.Decision.Reason,
		Price:            res.AverageFillPrice,
		Amount:           res.Filled,
		PnLUSD:           pnl,
		At:               in.Now,
		TriggeredLevel:   in.Decision.TriggeredLevelPercent,
		ConsumedTrailing: action == "SELL" && in.Decision.Reason == decision.ReasonTrailingStop,
		CooldownMinutes:  cooldownMinutes,
	})
}

// recordPnL re-reads the strategy's persisted tracking to publish its cumulative realized P&L,
// since PersistExecution writes the tracking blob directly and in.Strategy is not updated in
// place.
func (o *Orchestrator) recordPnL(s *store.Strategy) {
	updated, err := o.strat.Get(s.UserID, s.ID)
	if err != nil || updated == nil {
		return
	}
	tracking, err := updated.ParseTracking()
	if err != nil {
		return
	}
	metrics.SetStrategyPnL(s.ID, s.ExchangeID, tracking.ExecutionStats.TotalPnLUSD)
}

func capByMax(amount, base, maxPercent float64) float64 {
	if maxPercent <= 0 || maxPercent >= 100 {
		return amount
	}
	cap := base * maxPercent / 100
	if amount > cap {
		return cap
	}
	return amount
}

// decisionHash derives a stable idempotency key from the strategy, the decision it triggered,
// the price bucket it triggered at, and the tick it was evaluated in, so a worker crash between
// CreateOrder succeeding and PersistExecution committing can safely replay the same tick without
// double-submitting (spec.md §5 — "a decision_hash ... is the Gateway's idempotency key").
func decisionHash(strategyID string, d decision.Decision, price float64, tickID string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%.2f|%.8f|%s", strategyID, d.Action, d.Reason, d.QuantityPercent, price, tickID)
	return hex.EncodeToString(h.Sum(nil))[:32]
}
