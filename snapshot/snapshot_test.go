package snapshot

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"tradeforge/gateway"
	"tradeforge/store"
)

type okGateway struct{ exchangeID string }

func (g *okGateway) ExchangeID() string { return g.exchangeID }
func (g *okGateway) FetchBalances(ctx context.Context, cred gateway.Credential) ([]gateway.Balance, error) {
	return []gateway.Balance{{Asset: "USDT", Free: 500}, {Asset: "BTC", Free: 1}}, nil
}
func (g *okGateway) FetchTicker(ctx context.Context, cred gateway.Credential, symbol string) (gateway.Ticker, error) {
	return gateway.Ticker{}, nil
}
func (g *okGateway) CreateOrder(ctx context.Context, cred gateway.Credential, req gateway.OrderRequest) (gateway.OrderResult, error) {
	return gateway.OrderResult{}, nil
}
func (g *okGateway) CancelOrder(ctx context.Context, cred gateway.Credential, symbol, exchangeOrderID string) error {
	return nil
}
func (g *okGateway) FetchOrder(ctx context.Context, cred gateway.Credential, symbol, exchangeOrderID string) (gateway.OrderResult, error) {
	return gateway.OrderResult{}, nil
}

type failGateway struct{ exchangeID string }

func (g *failGateway) ExchangeID() string { return g.exchangeID }
func (g *failGateway) FetchBalances(ctx context.Context, cred gateway.Credential) ([]gateway.Balance, error) {
	return nil, errors.New("boom")
}
func (g *failGateway) FetchTicker(ctx context.Context, cred gateway.Credential, symbol string) (gateway.Ticker, error) {
	return gateway.Ticker{}, errors.New("boom")
}
func (g *failGateway) CreateOrder(ctx context.Context, cred gateway.Credential, req gateway.OrderRequest) (gateway.OrderResult, error) {
	return gateway.OrderResult{}, errors.New("boom")
}
func (g *failGateway) CancelOrder(ctx context.Context, cred gateway.Credential, symbol, exchangeOrderID string) error {
	return errors.New("boom")
}
func (g *failGateway) FetchOrder(ctx context.Context, cred gateway.Credential, symbol, exchangeOrderID string) (gateway.OrderResult, error) {
	return gateway.OrderResult{}, errors.New("boom")
}

// One exchange failing does not prevent the other from being recorded (spec.md §4.8).
func TestPipeline_PerExchangeFailureIsolation(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.LinkExchange(store.UserExchange{ID: "l1", UserID: "u1", ExchangeID: "binance", SealedCredential: []byte("x")}))
	require.NoError(t, st.LinkExchange(store.UserExchange{ID: "l2", UserID: "u1", ExchangeID: "bybit", SealedCredential: []byte("x")}))

	reg := gateway.NewRegistry(&okGateway{exchangeID: "binance"}, &failGateway{exchangeID: "bybit"})
	p := New(Deps{
		Store: st, Registry: reg,
		Resolve: func(userID, exchangeID string) (gateway.Credential, error) { return gateway.Credential{}, nil },
	})

	p.RunOnce(context.Background())

	history, err := st.ListBalanceHistory("u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.InDelta(t, 500, history[0].TotalUSD, 1e-9)
	require.Len(t, history[0].Exchanges, 2)

	var sawFailure bool
	for _, eb := range history[0].Exchanges {
		if eb.ExchangeID == "bybit" {
			require.False(t, eb.Success)
			sawFailure = true
		}
	}
	require.True(t, sawFailure)
}
