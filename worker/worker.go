// Package worker is the Strategy Worker (spec.md §4.6): the per-tick driver that loads active
// strategies, groups them by (user, exchange) to amortize ticker fetches, acquires each
// strategy's lease, runs the Trigger Evaluator, and hands any triggered decision to the Order
// Orchestrator. Grounded on the teacher's Run()/Stop()/runCycle() ticker loop.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeforge/decision"
	"tradeforge/gateway"
	"tradeforge/ledger"
	"tradeforge/metrics"
	"tradeforge/orchestrator"
	"tradeforge/store"

	"tradeforge/internal/auditlog"
	"tradeforge/internal/logger"
)

// gatewayAttempts bounds the retry of a transient gateway error within one tick (spec.md §7).
const gatewayAttempts = 3

// outcome labels for metrics.WorkerStrategiesEvaluated.
const (
	outcomeLeaseConflict = "lease_conflict"
	outcomeNeedsRepair   = "needs_repair"
	outcomeNoTrigger     = "no_trigger"
	outcomeTriggered     = "triggered"
	outcomeError         = "error"
)

// Deps are the components a Worker drives each tick.
type Deps struct {
	Store    *store.Store
	Ledger   *ledger.Ledger
	Registry *gateway.Registry
	Cache    *gateway.TickerCache
	Resolve  func(userID, exchangeID string) (gateway.Credential, error) // vault.Vault.Resolve
	Symbol   func(token string) string                                  // token -> exchange trading pair
	LeaseTTL time.Duration
	Pool     int // bounded goroutine fan-out width; 0 or less means 8
}

// Worker runs the periodic evaluation loop.
type Worker struct {
	deps     Deps
	interval time.Duration
	dryRun   bool

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Worker that ticks every interval. dryRun wraps every resolved Gateway in
// gateway.DryRun (spec.md §4.1 — process-wide, decided at boot).
func New(deps Deps, interval time.Duration, dryRun bool) *Worker {
	if deps.LeaseTTL <= 0 {
		deps.LeaseTTL = 2 * time.Minute
	}
	return &Worker{deps: deps, interval: interval, dryRun: dryRun}
}

// Run blocks, ticking until Stop is called or ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	defer w.wg.Done()

	logger.Info("strategy worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.tick(ctx)

	for {
		select {
		case <-ticker.C:
			w.tick(ctx)
		case <-w.stopCh:
			logger.Info("strategy worker stop signal received")
			return
		case <-ctx.Done():
			logger.Info("strategy worker context canceled")
			return
		}
	}
}

// Stop signals Run to exit and waits for the in-flight tick to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()
	w.wg.Wait()
}

// TriggerOnce runs a single tick outside the ticker schedule, for the manual job-trigger
// endpoint (spec.md §6 — POST /jobs/trigger/<job>).
func (w *Worker) TriggerOnce(ctx context.Context) {
	w.tick(ctx)
}

// tick loads every active strategy, groups by (user, exchange), and evaluates each strategy
// under its own lease. A strategy whose lease is already held (a prior tick still running long)
// is skipped this tick, not queued — spec.md §5's "missed ticks are skipped, not queued".
func (w *Worker) tick(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.WorkerTickDuration.Observe(time.Since(start).Seconds()) }()

	strategies, err := w.deps.Store.ListActive()
	if err != nil {
		logger.Errorf("list active strategies: %v", err)
		return
	}

	groups := groupByUserExchange(strategies)

	var wg sync.WaitGroup
	sem := make(chan struct{}, w.poolSize())
	for _, group := range groups {
		group := group
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w.runGroup(ctx, group)
		}()
	}
	wg.Wait()
}

func (w *Worker) poolSize() int {
	if w.deps.Pool <= 0 {
		return 8
	}
	return w.deps.Pool
}

type group struct {
	userID, exchangeID string
	strategies         []*store.Strategy
}

func groupByUserExchange(strategies []*store.Strategy) []group {
	index := map[string]int{}
	var groups []group
	for _, s := range strategies {
		key := s.UserID + "|" + s.ExchangeID
		if i, ok := index[key]; ok {
			groups[i].strategies = append(groups[i].strategies, s)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, group{userID: s.UserID, exchangeID: s.ExchangeID, strategies: []*store.Strategy{s}})
	}
	return groups
}

func (w *Worker) runGroup(ctx context.Context, g group) {
	gw, err := w.deps.Registry.Resolve(g.exchangeID)
	if err != nil {
		logger.Warnf("no gateway for exchange %s: %v", g.exchangeID, err)
		return
	}
	if w.dryRun {
		gw = gateway.NewDryRun(gw)
	}
	cred, err := w.deps.Resolve(g.userID, g.exchangeID)
	if err != nil {
		logger.Warnf("resolve credential for user=%s exchange=%s: %v", g.userID, g.exchangeID, err)
		return
	}

	for _, s := range g.strategies {
		outcome, err := w.runStrategy(ctx, gw, cred, s)
		metrics.WorkerStrategiesEvaluated.WithLabelValues(outcome).Inc()
		if err != nil && errors.Is(err, gateway.ErrAuth) {
			// AuthError: mark the exchange inactive, notify, skip the rest of this group's
			// strategies — their shared credential is the thing that's broken (spec.md §7).
			w.handleAuthFailure(g.userID, g.exchangeID, err)
			return
		}
	}
}

func (w *Worker) handleAuthFailure(userID, exchangeID string, cause error) {
	if err := w.deps.Store.DisconnectExchange(userID, exchangeID); err != nil {
		logger.Errorf("disconnect exchange user=%s exchange=%s: %v", userID, exchangeID, err)
	}
	logger.Warnf("exchange %s disconnected for user %s after auth failure: %v", exchangeID, userID, cause)
	w.notify(userID, "credentials_invalid", "Exchange credentials invalid",
		"re-link "+exchangeID+": "+cause.Error())
}

// notify writes the best-effort notification side channel and mirrors it to the audit trail
// (spec.md §7 — strategy_executed, order_failed, strategy_paused, credentials_invalid).
func (w *Worker) notify(userID, kind, title, message string) {
	n := store.Notification{ID: uuid.New().String(), UserID: userID, Kind: kind, Title: title, Message: message}
	if err := w.deps.Store.Notify(n); err != nil {
		logger.Warnf("notify user=%s kind=%s: %v", userID, kind, err)
	}
	auditlog.Event(userID, kind, message, nil)
}

func (w *Worker) runStrategy(ctx context.Context, gw gateway.Gateway, cred gateway.Credential, s *store.Strategy) (string, error) {
	now := time.Now()
	leaseToken := leaseTokenFor(s.ID, now)
	if err := w.deps.Store.AcquireLease(s.ID, leaseToken, now, w.deps.LeaseTTL); err != nil {
		if err == store.ErrConflict {
			return outcomeLeaseConflict, nil // another worker/tick already holds this lease
		}
		logger.Errorf("acquire lease for strategy %s: %v", s.ID, err)
		return outcomeError, nil
	}
	defer w.deps.Store.ReleaseLease(s.ID, leaseToken)

	rules, err := s.ParseRules()
	if err != nil {
		logger.Errorf("parse rules for strategy %s: %v", s.ID, err)
		return outcomeError, nil
	}
	tracking, err := s.ParseTracking()
	if err != nil {
		logger.Errorf("parse tracking for strategy %s: %v", s.ID, err)
		return outcomeError, nil
	}

	pos, err := w.deps.Ledger.GetPosition(s.UserID, s.ExchangeID, s.Token)
	if err != nil {
		logger.Errorf("get position for strategy %s: %v", s.ID, err)
		return outcomeError, nil
	}
	if pos == nil || !pos.IsActive {
		return outcomeNoTrigger, nil // nothing held, nothing to evaluate against
	}

	symbol := s.Token
	if w.deps.Symbol != nil {
		symbol = w.deps.Symbol(s.Token)
	}

	var ticker gateway.Ticker
	fetchStart := time.Now()
	err = gateway.Retry(ctx, gatewayAttempts, func() error {
		var ferr error
		ticker, ferr = w.deps.Cache.FetchTicker(ctx, gw, cred, symbol)
		return ferr
	})
	metrics.RecordGatewayCall(s.ExchangeID, "fetch_ticker", time.Since(fetchStart).Seconds())
	if err != nil {
		if errors.Is(err, gateway.ErrAuth) {
			return outcomeError, err
		}
		logger.Warnf("fetch ticker for %s/%s: %v", s.ExchangeID, symbol, err)
		return outcomeError, nil
	}

	market := decision.MarketData{
		Volume24hUSD: ticker.Volume24h, Volume24hKnown: true,
		Change24hPercent: ticker.Change24h, Change24hKnown: true,
	}

	d := decision.Evaluate(*rules, *tracking, pos.EntryPrice, ticker.Last, pos.Amount, market, now)

	if d.NeedsRepair {
		_ = w.deps.Store.MarkNeedsRepair(s.ID, true)
		return outcomeNeedsRepair, nil
	}
	if d.TrailingUpdate.Requested {
		_ = w.deps.Store.UpdateTrailing(s.ID, d.TrailingUpdate.HighestPriceSeen, d.TrailingUpdate.CurrentStopPrice, d.TrailingUpdate.IsActive, now)
	}
	if d.CircuitBreakerTrip.Requested && rules.RiskManagement.PauseOnLimit {
		_ = w.deps.Store.Deactivate(s.ID)
		metrics.RecordCircuitBreakerTrip(d.CircuitBreakerTrip.Window)
		w.notify(s.UserID, "strategy_paused", "Strategy paused",
			"circuit breaker tripped ("+d.CircuitBreakerTrip.Window+" loss limit)")
	}
	if !d.ShouldTrigger {
		return outcomeNoTrigger, nil
	}

	var quoteAvailable float64
	if d.Action == decision.ActionBuy {
		var balances []gateway.Balance
		balStart := time.Now()
		err = gateway.Retry(ctx, gatewayAttempts, func() error {
			var ferr error
			balances, ferr = gw.FetchBalances(ctx, cred)
			return ferr
		})
		metrics.RecordGatewayCall(s.ExchangeID, "fetch_balances", time.Since(balStart).Seconds())
		if err != nil {
			if errors.Is(err, gateway.ErrAuth) {
				return outcomeError, err
			}
			logger.Warnf("fetch balances for %s/%s: %v", s.UserID, s.ExchangeID, err)
			return outcomeError, nil
		}
		quoteAvailable = quoteBalance(balances)
	}

	orc := orchestrator.New(gw, w.deps.Ledger, w.deps.Store)
	_, err = orc.Execute(ctx, orchestrator.Input{
		Strategy: s, Rules: *rules, Decision: d, Symbol: symbol, Cred: cred,
		HoldingAmount: pos.Amount, QuoteAvailable: quoteAvailable, CurrentPrice: ticker.Last,
		TickID: leaseToken, Now: now,
	})
	if err == nil {
		return outcomeTriggered, nil
	}

	switch {
	case errors.Is(err, gateway.ErrAuth):
		return outcomeError, err
	case errors.Is(err, ledger.ErrInsufficientPosition):
		// drop the decision, no retry; the ledger and the exchange have diverged, so pull a
		// fresh balance rather than keep tripping on the same stale position (spec.md §7).
		w.resyncAfterInsufficientPosition(ctx, gw, cred, s, symbol)
		return outcomeError, nil
	case errors.Is(err, gateway.ErrInsufficientFunds), errors.Is(err, gateway.ErrInvalidOrder):
		// the orchestrator already wrote the order_failed notification against this error.
		logger.Warnf("order rejected for strategy %s: %v", s.ID, err)
		return outcomeError, nil
	case errors.Is(err, orchestrator.ErrBelowMinSize), errors.Is(err, orchestrator.ErrNoBudget):
		return outcomeNoTrigger, nil // sizing demoted the order; an ordinary no-op tick
	default:
		logger.Errorf("execute decision for strategy %s: %v", s.ID, err)
		return outcomeError, nil
	}
}

func (w *Worker) resyncAfterInsufficientPosition(ctx context.Context, gw gateway.Gateway, cred gateway.Credential, s *store.Strategy, symbol string) {
	balances, err := gw.FetchBalances(ctx, cred)
	if err != nil {
		logger.Warnf("resync balances for strategy %s: %v", s.ID, err)
		return
	}
	ticker, err := gw.FetchTicker(ctx, cred, symbol)
	if err != nil {
		logger.Warnf("resync ticker for strategy %s: %v", s.ID, err)
		return
	}
	if err := w.deps.Ledger.SyncFromExchange(s.UserID, s.ExchangeID, s.Token, baseAssetAmount(balances, s.Token), ticker.Last); err != nil {
		logger.Errorf("sync position for strategy %s: %v", s.ID, err)
	}
}

func baseAssetAmount(balances []gateway.Balance, token string) float64 {
	for _, b := range balances {
		if b.Asset == token {
			return b.Free + b.Locked
		}
	}
	return 0
}

func quoteBalance(balances []gateway.Balance) float64 {
	for _, b := range balances {
		switch b.Asset {
		case "USDT", "USDC", "USD":
			return b.Free
		}
	}
	return 0
}

func leaseTokenFor(strategyID string, now time.Time) string {
	return strategyID + "-" + now.Format(time.RFC3339Nano)
}
