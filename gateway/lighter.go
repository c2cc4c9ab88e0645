package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/elliottech/lighter-go/client"
	lighterTypes "github.com/elliottech/lighter-go/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// lighterExtra is the wallet-keyed credential shape carried in Credential.ExtraJSON. Lighter
// separates the L1 account identity from the API-key used to sign transactions (spec.md's
// grounding repo configures these as distinct fields — see DESIGN.md).
type lighterExtra struct {
	WalletAddress     string `json:"wallet_address"`
	APIKeyPrivateKey  string `json:"api_key_private_key"`
	APIKeyIndex       int    `json:"api_key_index"`
	AccountIndex      int64  `json:"account_index"`
}

// Lighter is the Gateway variant for the Lighter zk-rollup orderbook DEX.
type Lighter struct{}

func NewLighter() *Lighter { return &Lighter{} }

func (l *Lighter) ExchangeID() string { return "lighter" }

func (l *Lighter) client(cred Credential) (*client.Client, lighterExtra, error) {
	var extra lighterExtra
	if cred.ExtraJSON != "" {
		if err := json.Unmarshal([]byte(cred.ExtraJSON), &extra); err != nil {
			return nil, extra, fmt.Errorf("%w: malformed lighter credential payload: %v", ErrAuth, err)
		}
	}
	if extra.WalletAddress == "" || extra.APIKeyPrivateKey == "" {
		return nil, extra, fmt.Errorf("%w: lighter requires wallet_address and api_key_private_key", ErrAuth)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(extra.APIKeyPrivateKey, "0x"))
	if err != nil {
		return nil, extra, fmt.Errorf("%w: invalid lighter api key: %v", ErrAuth, err)
	}
	signer, err := lighterTypes.NewKeyManager(key)
	if err != nil {
		return nil, extra, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	c, err := client.NewClient(client.Config{
		Host:         client.MainnetHost,
		AccountIndex: extra.AccountIndex,
		APIKeyIndex:  uint8(extra.APIKeyIndex),
		Signer:       signer,
	})
	if err != nil {
		return nil, extra, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return c, extra, nil
}

func (l *Lighter) FetchBalances(ctx context.Context, cred Credential) ([]Balance, error) {
	c, extra, err := l.client(cred)
	if err != nil {
		return nil, err
	}
	acct, err := c.GetAccount(ctx, extra.AccountIndex)
	if err != nil {
		return nil, classifyLighterErr(err)
	}
	free, _ := strconv.ParseFloat(acct.AvailableBalance, 64)
	total, _ := strconv.ParseFloat(acct.Collateral, 64)
	return []Balance{{Asset: "USDC", Free: free, Locked: total - free}}, nil
}

func (l *Lighter) FetchTicker(ctx context.Context, cred Credential, symbol string) (Ticker, error) {
	c, _, err := l.client(cred)
	if err != nil {
		return Ticker{}, err
	}
	book, err := c.GetOrderBookDetails(ctx, symbol)
	if err != nil {
		return Ticker{}, classifyLighterErr(err)
	}
	if book == nil {
		return Ticker{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	bid, _ := strconv.ParseFloat(book.BestBid, 64)
	ask, _ := strconv.ParseFloat(book.BestAsk, 64)
	last, _ := strconv.ParseFloat(book.LastTradePrice, 64)
	vol, _ := strconv.ParseFloat(book.DailyVolume, 64)
	return Ticker{Bid: bid, Ask: ask, Last: last, Volume24h: vol}, nil
}

func (l *Lighter) CreateOrder(ctx context.Context, cred Credential, req OrderRequest) (OrderResult, error) {
	c, _, err := l.client(cred)
	if err != nil {
		return OrderResult{}, err
	}
	resp, err := c.CreateOrder(ctx, lighterTypes.CreateOrderTxReq{
		MarketSymbol: req.Symbol,
		IsAsk:        req.Side == SideSell,
		BaseAmount:   req.Amount,
		Price:        req.Price,
		IsMarket:     req.Type == OrderTypeMarket,
		ClientOrderIndex: hashClientOrderID(req.ClientOrderID),
	})
	if err != nil {
		return OrderResult{}, classifyLighterErr(err)
	}
	return OrderResult{
		ExchangeOrderID:  strconv.FormatInt(resp.OrderIndex, 10),
		Status:           mapLighterStatus(resp.Status),
		Filled:           resp.FilledBaseAmount,
		AverageFillPrice: resp.AvgFillPrice,
	}, nil
}

func (l *Lighter) CancelOrder(ctx context.Context, cred Credential, symbol, exchangeOrderID string) error {
	c, _, err := l.client(cred)
	if err != nil {
		return err
	}
	orderIndex, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed order id %q", ErrInvalidOrder, exchangeOrderID)
	}
	if err := c.CancelOrder(ctx, symbol, orderIndex); err != nil {
		return classifyLighterErr(err)
	}
	return nil
}

func (l *Lighter) FetchOrder(ctx context.Context, cred Credential, symbol, exchangeOrderID string) (OrderResult, error) {
	c, _, err := l.client(cred)
	if err != nil {
		return OrderResult{}, err
	}
	orderIndex, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return OrderResult{}, fmt.Errorf("%w: malformed order id %q", ErrInvalidOrder, exchangeOrderID)
	}
	o, err := c.GetOrder(ctx, symbol, orderIndex)
	if err != nil {
		return OrderResult{}, classifyLighterErr(err)
	}
	return OrderResult{
		ExchangeOrderID:  exchangeOrderID,
		Status:           mapLighterStatus(o.Status),
		Filled:           o.FilledBaseAmount,
		AverageFillPrice: o.AvgFillPrice,
	}, nil
}

func hashClientOrderID(id string) int64 {
	if id == "" {
		return 0
	}
	var h int64
	for _, c := range id {
		h = h*31 + int64(c)
	}
	if h < 0 {
		h = -h
	}
	return h
}

func mapLighterStatus(s string) OrderStatus {
	switch strings.ToLower(s) {
	case "filled":
		return StatusFilled
	case "partially_filled":
		return StatusPartiallyFilled
	case "canceled", "cancelled", "expired":
		return StatusCanceled
	case "rejected":
		return StatusRejected
	default:
		return StatusOpen
	}
}

func classifyLighterErr(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient"):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	case strings.Contains(msg, "signature") || strings.Contains(msg, "unauthorized"):
		return fmt.Errorf("%w: %v", ErrAuth, err)
	case strings.Contains(msg, "unknown market") || strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %v", ErrUnknownSymbol, err)
	default:
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
}
