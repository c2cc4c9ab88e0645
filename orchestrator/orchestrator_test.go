package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradeforge/decision"
	"tradeforge/gateway"
	"tradeforge/ledger"
	"tradeforge/store"
)

type fakeGateway struct {
	exchangeID string
	fillPrice  float64
}

func (f *fakeGateway) ExchangeID() string { return f.exchangeID }
func (f *fakeGateway) FetchBalances(ctx context.Context, cred gateway.Credential) ([]gateway.Balance, error) {
	return nil, nil
}
func (f *fakeGateway) FetchTicker(ctx context.Context, cred gateway.Credential, symbol string) (gateway.Ticker, error) {
	return gateway.Ticker{Last: f.fillPrice}, nil
}
func (f *fakeGateway) CreateOrder(ctx context.Context, cred gateway.Credential, req gateway.OrderRequest) (gateway.OrderResult, error) {
	return gateway.OrderResult{
		ExchangeOrderID:  "ex-1",
		Status:           gateway.StatusFilled,
		Filled:           req.Amount,
		AverageFillPrice: f.fillPrice,
	}, nil
}
func (f *fakeGateway) CancelOrder(ctx context.Context, cred gateway.Credential, symbol, exchangeOrderID string) error {
	return nil
}
func (f *fakeGateway) FetchOrder(ctx context.Context, cred gateway.Credential, symbol, exchangeOrderID string) (gateway.OrderResult, error) {
	return gateway.OrderResult{}, nil
}

func newTestSetup(t *testing.T) (*Orchestrator, *store.Store, *store.Strategy) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	led := ledger.New(st)
	require.NoError(t, led.RecordBuy("u1", "binance", "BTC", 1.0, 40000, "seed"))

	rules := store.DefaultRules()
	rules.Execution.MinOrderSizeUSD = 10

	s := &store.Strategy{ID: "strat-1", UserID: "u1", ExchangeID: "binance", Token: "BTC", IsActive: true}
	require.NoError(t, s.SetRules(rules))
	require.NoError(t, s.SetTracking(store.Tracking{}))
	require.NoError(t, st.Create(s))

	gw := &fakeGateway{exchangeID: "binance", fillPrice: 42000}
	return New(gw, led, st), st, s
}

func TestOrchestrator_ExecuteSell(t *testing.T) {
	o, st, s := newTestSetup(t)
	rules, err := s.ParseRules()
	require.NoError(t, err)

	d := decision.Decision{ShouldTrigger: true, Action: decision.ActionSell, Reason: decision.ReasonStopLoss, QuantityPercent: 50}
	res, err := o.Execute(context.Background(), Input{
		Strategy: s, Rules: *rules, Decision: d, Symbol: "BTCUSDT",
		HoldingAmount: 1.0, CurrentPrice: 42000, TickID: "tick-1", Now: time.Now(),
	})
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.InDelta(t, 0.5, res.Filled, 1e-9)

	pos, err := st.GetPosition("u1", "binance", "BTC")
	require.NoError(t, err)
	require.InDelta(t, 0.5, pos.Amount, 1e-9)
}

func TestOrchestrator_SkipsNonTriggering(t *testing.T) {
	o, _, s := newTestSetup(t)
	rules, _ := s.ParseRules()

	res, err := o.Execute(context.Background(), Input{
		Strategy: s, Rules: *rules, Decision: decision.Decision{ShouldTrigger: false},
	})
	require.NoError(t, err)
	require.True(t, res.Skipped)
}

func TestOrchestrator_BelowMinSizeSkipped(t *testing.T) {
	o, _, s := newTestSetup(t)
	rules, _ := s.ParseRules()
	rules.Execution.MinOrderSizeUSD = 1_000_000

	d := decision.Decision{ShouldTrigger: true, Action: decision.ActionSell, Reason: decision.ReasonStopLoss, QuantityPercent: 50}
	res, err := o.Execute(context.Background(), Input{
		Strategy: s, Rules: *rules, Decision: d, Symbol: "BTCUSDT",
		HoldingAmount: 1.0, CurrentPrice: 42000, TickID: "tick-1", Now: time.Now(),
	})
	require.ErrorIs(t, err, ErrBelowMinSize)
	require.True(t, res.Skipped)
}
