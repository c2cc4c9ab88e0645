package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradeforge/gateway"
	"tradeforge/ledger"
	"tradeforge/store"
)

type fakeGateway struct {
	exchangeID string
	price      float64
}

func (f *fakeGateway) ExchangeID() string { return f.exchangeID }
func (f *fakeGateway) FetchBalances(ctx context.Context, cred gateway.Credential) ([]gateway.Balance, error) {
	return []gateway.Balance{{Asset: "USDT", Free: 1000}}, nil
}
func (f *fakeGateway) FetchTicker(ctx context.Context, cred gateway.Credential, symbol string) (gateway.Ticker, error) {
	return gateway.Ticker{Last: f.price, Bid: f.price, Ask: f.price}, nil
}
func (f *fakeGateway) CreateOrder(ctx context.Context, cred gateway.Credential, req gateway.OrderRequest) (gateway.OrderResult, error) {
	return gateway.OrderResult{ExchangeOrderID: "1", Status: gateway.StatusFilled, Filled: req.Amount, AverageFillPrice: f.price}, nil
}
func (f *fakeGateway) CancelOrder(ctx context.Context, cred gateway.Credential, symbol, exchangeOrderID string) error {
	return nil
}
func (f *fakeGateway) FetchOrder(ctx context.Context, cred gateway.Credential, symbol, exchangeOrderID string) (gateway.OrderResult, error) {
	return gateway.OrderResult{}, nil
}

// Property 2 / lease serialization: a strategy whose lease is already held is skipped, not
// queued, by a concurrent tick.
func TestWorker_LeaseSkipsConcurrentTick(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	led := ledger.New(st)
	require.NoError(t, led.RecordBuy("u1", "binance", "BTC", 1.0, 100, "seed"))

	rules := store.DefaultRules()
	s := &store.Strategy{ID: "s1", UserID: "u1", ExchangeID: "binance", Token: "BTC", IsActive: true}
	require.NoError(t, s.SetRules(rules))
	require.NoError(t, s.SetTracking(store.Tracking{}))
	require.NoError(t, st.Create(s))

	now := time.Now()
	require.NoError(t, st.AcquireLease(s.ID, "other-tick", now, time.Minute))

	reg := gateway.NewRegistry(&fakeGateway{exchangeID: "binance", price: 110})
	w := New(Deps{
		Store: st, Ledger: led, Registry: reg, Cache: gateway.NewTickerCache(time.Second),
		Resolve: func(userID, exchangeID string) (gateway.Credential, error) { return gateway.Credential{}, nil },
	}, time.Minute, true)

	w.runStrategy(context.Background(), &fakeGateway{exchangeID: "binance", price: 110}, gateway.Credential{}, s)

	got, err := st.Get("u1", s.ID)
	require.NoError(t, err)
	require.Equal(t, "other-tick", got.LeaseToken) // our attempt did not clobber the existing lease
}

func TestGroupByUserExchange(t *testing.T) {
	strategies := []*store.Strategy{
		{ID: "a", UserID: "u1", ExchangeID: "binance"},
		{ID: "b", UserID: "u1", ExchangeID: "binance"},
		{ID: "c", UserID: "u1", ExchangeID: "bybit"},
		{ID: "d", UserID: "u2", ExchangeID: "binance"},
	}
	groups := groupByUserExchange(strategies)
	require.Len(t, groups, 3)
}
