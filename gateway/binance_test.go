package gateway

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/adshao/go-binance/v2"
	"github.com/agiledragon/gomonkey/v2"
	"github.com/stretchr/testify/require"
)

// These tests stub the go-binance SDK's network-calling Do methods with gomonkey so the
// adapter's field mapping and error classification can be exercised without a live exchange
// connection (SPEC_FULL.md ambient stack — gateway adapter determinism).

func TestBinance_FetchBalances_SkipsZeroBalances(t *testing.T) {
	patches := gomonkey.ApplyMethod(reflect.TypeOf(&binance.GetAccountService{}), "Do",
		func(_ *binance.GetAccountService, _ context.Context, _ ...binance.RequestOption) (*binance.Account, error) {
			return &binance.Account{Balances: []binance.Balance{
				{Asset: "BTC", Free: "0.5", Locked: "0"},
				{Asset: "ETH", Free: "0", Locked: "0"},
			}}, nil
		})
	defer patches.Reset()

	b := NewBinance()
	balances, err := b.FetchBalances(context.Background(), Credential{APIKey: "k", APISecret: "s"})
	require.NoError(t, err)
	require.Len(t, balances, 1)
	require.Equal(t, "BTC", balances[0].Asset)
	require.Equal(t, 0.5, balances[0].Free)
}

func TestBinance_FetchBalances_ClassifiesAuthError(t *testing.T) {
	patches := gomonkey.ApplyMethod(reflect.TypeOf(&binance.GetAccountService{}), "Do",
		func(_ *binance.GetAccountService, _ context.Context, _ ...binance.RequestOption) (*binance.Account, error) {
			return nil, errors.New("<APIError> code=-2015, msg=Invalid API-key, IP, or permissions for action, Signature")
		})
	defer patches.Reset()

	b := NewBinance()
	_, err := b.FetchBalances(context.Background(), Credential{APIKey: "k", APISecret: "s"})
	require.ErrorIs(t, err, ErrAuth)
}

func TestBinance_FetchTicker_MergesBookAndStats(t *testing.T) {
	bookPatch := gomonkey.ApplyMethod(reflect.TypeOf(&binance.ListBookTickersService{}), "Do",
		func(_ *binance.ListBookTickersService, _ context.Context, _ ...binance.RequestOption) ([]*binance.BookTicker, error) {
			return []*binance.BookTicker{{BidPrice: "99.5", AskPrice: "100.5"}}, nil
		})
	defer bookPatch.Reset()
	statsPatch := gomonkey.ApplyMethod(reflect.TypeOf(&binance.ListPriceChangeStatsService{}), "Do",
		func(_ *binance.ListPriceChangeStatsService, _ context.Context, _ ...binance.RequestOption) ([]*binance.PriceChangeStats, error) {
			return []*binance.PriceChangeStats{{LastPrice: "100", QuoteVolume: "123456", PriceChangePercent: "1.2"}}, nil
		})
	defer statsPatch.Reset()

	b := NewBinance()
	ticker, err := b.FetchTicker(context.Background(), Credential{APIKey: "k", APISecret: "s"}, "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, 99.5, ticker.Bid)
	require.Equal(t, 100.5, ticker.Ask)
	require.Equal(t, 100.0, ticker.Last)
	require.Equal(t, 1.2, ticker.Change24h)
}

func TestBinance_FetchTicker_UnknownSymbol(t *testing.T) {
	patches := gomonkey.ApplyMethod(reflect.TypeOf(&binance.ListBookTickersService{}), "Do",
		func(_ *binance.ListBookTickersService, _ context.Context, _ ...binance.RequestOption) ([]*binance.BookTicker, error) {
			return nil, nil
		})
	defer patches.Reset()

	b := NewBinance()
	_, err := b.FetchTicker(context.Background(), Credential{APIKey: "k", APISecret: "s"}, "NOPEUSDT")
	require.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestBinance_CreateOrder_MapsFilledStatus(t *testing.T) {
	patches := gomonkey.ApplyMethod(reflect.TypeOf(&binance.CreateOrderService{}), "Do",
		func(_ *binance.CreateOrderService, _ context.Context, _ ...binance.RequestOption) (*binance.CreateOrderResponse, error) {
			return &binance.CreateOrderResponse{
				OrderID:                  42,
				Status:                   binance.OrderStatusTypeFilled,
				ExecutedQuantity:         "1.0",
				OrigQuantity:             "1.0",
				CummulativeQuoteQuantity: "100.0",
			}, nil
		})
	defer patches.Reset()

	b := NewBinance()
	res, err := b.CreateOrder(context.Background(), Credential{APIKey: "k", APISecret: "s"}, OrderRequest{
		Symbol: "BTCUSDT", Side: SideBuy, Type: OrderTypeMarket, Amount: 1.0,
	})
	require.NoError(t, err)
	require.Equal(t, "42", res.ExchangeOrderID)
	require.Equal(t, StatusFilled, res.Status)
	require.Equal(t, 1.0, res.Filled)
	require.Equal(t, 100.0, res.AverageFillPrice)
}

func TestClassifyBinanceErr(t *testing.T) {
	require.ErrorIs(t, classifyBinanceErr(errors.New("code=-2010, msg=Account has insufficient balance")), ErrInsufficientFunds)
	require.ErrorIs(t, classifyBinanceErr(errors.New("code=-1121, msg=Invalid symbol")), ErrUnknownSymbol)
	require.ErrorIs(t, classifyBinanceErr(errors.New("code=-1013, msg=Filter failure")), ErrInvalidOrder)
	require.ErrorIs(t, classifyBinanceErr(errors.New("connection reset by peer")), ErrTransient)
}

func TestMapBinanceStatus(t *testing.T) {
	require.Equal(t, StatusFilled, mapBinanceStatus("FILLED"))
	require.Equal(t, StatusPartiallyFilled, mapBinanceStatus("PARTIALLY_FILLED"))
	require.Equal(t, StatusCanceled, mapBinanceStatus("CANCELED"))
	require.Equal(t, StatusRejected, mapBinanceStatus("REJECTED"))
	require.Equal(t, StatusOpen, mapBinanceStatus("NEW"))
}
