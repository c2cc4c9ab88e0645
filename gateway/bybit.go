package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	bybit "github.com/bybit-exchange/bybit.go.api"
)

// Bybit is the Gateway variant for Bybit spot trading (unified account).
type Bybit struct{}

func NewBybit() *Bybit { return &Bybit{} }

func (b *Bybit) ExchangeID() string { return "bybit" }

func (b *Bybit) client(cred Credential) *bybit.Client {
	return bybit.NewBybitHttpClient(cred.APIKey, cred.APISecret, func(c *bybit.Client) {
		c.BaseURL = bybit.MAINNET
	})
}

func (b *Bybit) FetchBalances(ctx context.Context, cred Credential) ([]Balance, error) {
	resp, err := b.client(cred).NewUtaBybitServiceWithParams(map[string]interface{}{
		"accountType": "UNIFIED",
	}).GetWalletBalance(ctx)
	if err != nil {
		return nil, classifyBybitErr(err)
	}
	return parseBybitWalletBalances(resp), nil
}

func (b *Bybit) FetchTicker(ctx context.Context, cred Credential, symbol string) (Ticker, error) {
	resp, err := b.client(cred).NewUtaBybitServiceWithParams(map[string]interface{}{
		"category": "spot",
		"symbol":   symbol,
	}).GetTickers(ctx)
	if err != nil {
		return Ticker{}, classifyBybitErr(err)
	}
	t, ok := parseBybitTicker(resp)
	if !ok {
		return Ticker{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return t, nil
}

func (b *Bybit) CreateOrder(ctx context.Context, cred Credential, req OrderRequest) (OrderResult, error) {
	params := map[string]interface{}{
		"category":  "spot",
		"symbol":    req.Symbol,
		"side":      capitalize(string(req.Side)),
		"orderType": capitalize(string(req.Type)),
		"qty":       trimFloat(req.Amount),
	}
	if req.Type == OrderTypeLimit {
		params["price"] = trimFloat(req.Price)
		params["timeInForce"] = "GTC"
	}
	if req.ClientOrderID != "" {
		params["orderLinkId"] = req.ClientOrderID
	}
	resp, err := b.client(cred).NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	if err != nil {
		return OrderResult{}, classifyBybitErr(err)
	}
	orderID, _ := bybitResultField(resp, "orderId")
	return OrderResult{ExchangeOrderID: orderID, Status: StatusOpen}, nil
}

func (b *Bybit) CancelOrder(ctx context.Context, cred Credential, symbol, exchangeOrderID string) error {
	_, err := b.client(cred).NewUtaBybitServiceWithParams(map[string]interface{}{
		"category": "spot",
		"symbol":   symbol,
		"orderId":  exchangeOrderID,
	}).CancelOrder(ctx)
	if err != nil {
		return classifyBybitErr(err)
	}
	return nil
}

func (b *Bybit) FetchOrder(ctx context.Context, cred Credential, symbol, exchangeOrderID string) (OrderResult, error) {
	resp, err := b.client(cred).NewUtaBybitServiceWithParams(map[string]interface{}{
		"category": "spot",
		"symbol":   symbol,
		"orderId":  exchangeOrderID,
	}).GetOrderHistory(ctx)
	if err != nil {
		return OrderResult{}, classifyBybitErr(err)
	}
	status, _ := bybitResultField(resp, "orderStatus")
	filledStr, _ := bybitResultField(resp, "cumExecQty")
	avgStr, _ := bybitResultField(resp, "avgPrice")
	filled, _ := strconv.ParseFloat(filledStr, 64)
	avg, _ := strconv.ParseFloat(avgStr, 64)
	return OrderResult{
		ExchangeOrderID:  exchangeOrderID,
		Status:           mapBybitStatus(status),
		Filled:           filled,
		AverageFillPrice: avg,
	}, nil
}

func mapBybitStatus(s string) OrderStatus {
	switch s {
	case "Filled":
		return StatusFilled
	case "PartiallyFilled":
		return StatusPartiallyFilled
	case "Cancelled", "Deactivated":
		return StatusCanceled
	case "Rejected":
		return StatusRejected
	default:
		return StatusOpen
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

// parseBybitWalletBalances, parseBybitTicker and bybitResultField adapt the SDK's generic
// map[string]interface{} response envelope (result.list[...]) into this package's types. The
// SDK returns untyped JSON rather than typed structs for the unified-account endpoints.
func parseBybitWalletBalances(resp map[string]interface{}) []Balance {
	var out []Balance
	result, _ := resp["result"].(map[string]interface{})
	list, _ := result["list"].([]interface{})
	for _, entry := range list {
		account, _ := entry.(map[string]interface{})
		coins, _ := account["coin"].([]interface{})
		for _, c := range coins {
			coin, _ := c.(map[string]interface{})
			asset, _ := coin["coin"].(string)
			free, _ := strconv.ParseFloat(fmt.Sprint(coin["availableToWithdraw"]), 64)
			total, _ := strconv.ParseFloat(fmt.Sprint(coin["walletBalance"]), 64)
			if asset == "" {
				continue
			}
			out = append(out, Balance{Asset: asset, Free: free, Locked: total - free})
		}
	}
	return out
}

func parseBybitTicker(resp map[string]interface{}) (Ticker, bool) {
	result, _ := resp["result"].(map[string]interface{})
	list, _ := result["list"].([]interface{})
	if len(list) == 0 {
		return Ticker{}, false
	}
	row, _ := list[0].(map[string]interface{})
	bid, _ := strconv.ParseFloat(fmt.Sprint(row["bid1Price"]), 64)
	ask, _ := strconv.ParseFloat(fmt.Sprint(row["ask1Price"]), 64)
	last, _ := strconv.ParseFloat(fmt.Sprint(row["lastPrice"]), 64)
	vol, _ := strconv.ParseFloat(fmt.Sprint(row["turnover24h"]), 64)
	change, _ := strconv.ParseFloat(fmt.Sprint(row["price24hPcnt"]), 64)
	return Ticker{Bid: bid, Ask: ask, Last: last, Volume24h: vol, Change24h: change * 100}, true
}

func bybitResultField(resp map[string]interface{}, field string) (string, bool) {
	result, _ := resp["result"].(map[string]interface{})
	if v, ok := result[field]; ok {
		return fmt.Sprint(v), true
	}
	list, _ := result["list"].([]interface{})
	if len(list) > 0 {
		row, _ := list[0].(map[string]interface{})
		if v, ok := row[field]; ok {
			return fmt.Sprint(v), true
		}
	}
	return "", false
}

func classifyBybitErr(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "170131") || strings.Contains(msg, "insufficient"):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	case strings.Contains(msg, "10003") || strings.Contains(msg, "10004") || strings.Contains(msg, "signature"):
		return fmt.Errorf("%w: %v", ErrAuth, err)
	case strings.Contains(msg, "10001") && strings.Contains(msg, "symbol"):
		return fmt.Errorf("%w: %v", ErrUnknownSymbol, err)
	default:
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
}
