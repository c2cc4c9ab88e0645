package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2"
)

// Binance is the Gateway variant for Binance spot trading.
type Binance struct{}

// NewBinance returns the Binance adapter. Credentials are supplied per call, not at
// construction, since a single process serves many users' linked exchange accounts.
func NewBinance() *Binance { return &Binance{} }

func (b *Binance) ExchangeID() string { return "binance" }

func (b *Binance) client(cred Credential) *binance.Client {
	return binance.NewClient(cred.APIKey, cred.APISecret)
}

func (b *Binance) FetchBalances(ctx context.Context, cred Credential) ([]Balance, error) {
	acct, err := b.client(cred).NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classifyBinanceErr(err)
	}
	balances := make([]Balance, 0, len(acct.Balances))
	for _, bal := range acct.Balances {
		free, _ := strconv.ParseFloat(bal.Free, 64)
		locked, _ := strconv.ParseFloat(bal.Locked, 64)
		if free == 0 && locked == 0 {
			continue
		}
		balances = append(balances, Balance{Asset: bal.Asset, Free: free, Locked: locked})
	}
	return balances, nil
}

func (b *Binance) FetchTicker(ctx context.Context, cred Credential, symbol string) (Ticker, error) {
	book, err := b.client(cred).NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return Ticker{}, classifyBinanceErr(err)
	}
	if len(book) == 0 {
		return Ticker{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	bid, _ := strconv.ParseFloat(book[0].BidPrice, 64)
	ask, _ := strconv.ParseFloat(book[0].AskPrice, 64)

	stats, err := b.client(cred).NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return Ticker{}, classifyBinanceErr(err)
	}
	var last, vol, change float64
	if len(stats) > 0 {
		last, _ = strconv.ParseFloat(stats[0].LastPrice, 64)
		vol, _ = strconv.ParseFloat(stats[0].QuoteVolume, 64)
		change, _ = strconv.ParseFloat(stats[0].PriceChangePercent, 64)
	}
	return Ticker{Bid: bid, Ask: ask, Last: last, Volume24h: vol, Change24h: change}, nil
}

func (b *Binance) CreateOrder(ctx context.Context, cred Credential, req OrderRequest) (OrderResult, error) {
	svc := b.client(cred).NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderType(req.Type))
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	if req.Type == OrderTypeLimit {
		svc = svc.TimeInForce(binance.TimeInForceTypeGTC).
			Quantity(trimFloat(req.Amount)).
			Price(trimFloat(req.Price))
	} else {
		svc = svc.Quantity(trimFloat(req.Amount))
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return OrderResult{}, classifyBinanceErr(err)
	}
	filled, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	orig, _ := strconv.ParseFloat(resp.OrigQuantity, 64)
	cumQuote, _ := strconv.ParseFloat(resp.CummulativeQuoteQuantity, 64)
	avg := 0.0
	if filled > 0 {
		avg = cumQuote / filled
	}
	return OrderResult{
		ExchangeOrderID:  strconv.FormatInt(resp.OrderID, 10),
		Status:           mapBinanceStatus(string(resp.Status)),
		Filled:           filled,
		Remaining:        orig - filled,
		AverageFillPrice: avg,
	}, nil
}

func (b *Binance) CancelOrder(ctx context.Context, cred Credential, symbol, exchangeOrderID string) error {
	orderID, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed order id %q", ErrInvalidOrder, exchangeOrderID)
	}
	_, err = b.client(cred).NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return classifyBinanceErr(err)
	}
	return nil
}

func (b *Binance) FetchOrder(ctx context.Context, cred Credential, symbol, exchangeOrderID string) (OrderResult, error) {
	orderID, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return OrderResult{}, fmt.Errorf("%w: malformed order id %q", ErrInvalidOrder, exchangeOrderID)
	}
	resp, err := b.client(cred).NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return OrderResult{}, classifyBinanceErr(err)
	}
	filled, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	orig, _ := strconv.ParseFloat(resp.OrigQuantity, 64)
	cumQuote, _ := strconv.ParseFloat(resp.CummulativeQuoteQuantity, 64)
	avg := 0.0
	if filled > 0 {
		avg = cumQuote / filled
	}
	return OrderResult{
		ExchangeOrderID:  exchangeOrderID,
		Status:           mapBinanceStatus(string(resp.Status)),
		Filled:           filled,
		Remaining:        orig - filled,
		AverageFillPrice: avg,
	}, nil
}

func mapBinanceStatus(s string) OrderStatus {
	switch s {
	case "FILLED":
		return StatusFilled
	case "PARTIALLY_FILLED":
		return StatusPartiallyFilled
	case "CANCELED", "EXPIRED":
		return StatusCanceled
	case "REJECTED":
		return StatusRejected
	default:
		return StatusOpen
	}
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func classifyBinanceErr(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "-2010") || strings.Contains(msg, "insufficient"):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	case strings.Contains(msg, "-2014") || strings.Contains(msg, "-2015") || strings.Contains(msg, "Signature"):
		return fmt.Errorf("%w: %v", ErrAuth, err)
	case strings.Contains(msg, "-1121"):
		return fmt.Errorf("%w: %v", ErrUnknownSymbol, err)
	case strings.Contains(msg, "-1013") || strings.Contains(msg, "-2010"):
		return fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	default:
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
}
