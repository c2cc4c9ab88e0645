package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubGateway struct {
	ticker   Ticker
	tickErr  error
	createCalled bool
}

func (s *stubGateway) ExchangeID() string { return "stub" }
func (s *stubGateway) FetchBalances(ctx context.Context, cred Credential) ([]Balance, error) {
	return nil, nil
}
func (s *stubGateway) FetchTicker(ctx context.Context, cred Credential, symbol string) (Ticker, error) {
	return s.ticker, s.tickErr
}
func (s *stubGateway) CreateOrder(ctx context.Context, cred Credential, req OrderRequest) (OrderResult, error) {
	s.createCalled = true
	return OrderResult{Status: StatusFilled}, nil
}
func (s *stubGateway) CancelOrder(ctx context.Context, cred Credential, symbol, exchangeOrderID string) error {
	return nil
}
func (s *stubGateway) FetchOrder(ctx context.Context, cred Credential, symbol, exchangeOrderID string) (OrderResult, error) {
	return OrderResult{}, nil
}

func TestDryRun_CreateOrder_NeverReachesUpstream(t *testing.T) {
	inner := &stubGateway{ticker: Ticker{Last: 42}}
	d := NewDryRun(inner)

	res, err := d.CreateOrder(context.Background(), Credential{}, OrderRequest{Symbol: "BTCUSDT", Type: OrderTypeMarket, Amount: 1})
	require.NoError(t, err)
	require.False(t, inner.createCalled)
	require.Equal(t, StatusFilled, res.Status)
	require.Equal(t, 42.0, res.AverageFillPrice)
	require.Equal(t, 1.0, res.Filled)
}

func TestDryRun_CreateOrder_LimitUsesRequestedPrice(t *testing.T) {
	inner := &stubGateway{ticker: Ticker{Last: 42}}
	d := NewDryRun(inner)

	res, err := d.CreateOrder(context.Background(), Credential{}, OrderRequest{
		Symbol: "BTCUSDT", Type: OrderTypeLimit, Amount: 1, Price: 50,
	})
	require.NoError(t, err)
	require.Equal(t, 50.0, res.AverageFillPrice)
}

func TestRateLimited_PassesThroughAfterWait(t *testing.T) {
	inner := &stubGateway{ticker: Ticker{Last: 10}}
	r := NewRateLimited(inner, 100)

	ticker, err := r.FetchTicker(context.Background(), Credential{}, "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, 10.0, ticker.Last)
}

func TestRateLimited_RespectsCanceledContext(t *testing.T) {
	inner := &stubGateway{}
	r := NewRateLimited(inner, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.FetchTicker(ctx, Credential{}, "BTCUSDT")
	require.Error(t, err)
}
