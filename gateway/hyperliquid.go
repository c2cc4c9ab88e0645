package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	hl "github.com/sonirico/go-hyperliquid"
)

// hyperliquidExtra is the wallet-keyed credential shape carried in Credential.ExtraJSON: unlike
// the centralized exchanges, Hyperliquid authenticates by signing with an L1 wallet key rather
// than an HMAC API secret.
type hyperliquidExtra struct {
	WalletAddress string `json:"wallet_address"`
	PrivateKey    string `json:"private_key"`
	Testnet       bool   `json:"testnet"`
}

// Hyperliquid is the Gateway variant for the Hyperliquid perp/spot DEX.
type Hyperliquid struct{}

func NewHyperliquid() *Hyperliquid { return &Hyperliquid{} }

func (h *Hyperliquid) ExchangeID() string { return "hyperliquid" }

func (h *Hyperliquid) client(cred Credential) (*hl.Client, hyperliquidExtra, error) {
	var extra hyperliquidExtra
	if cred.ExtraJSON != "" {
		if err := json.Unmarshal([]byte(cred.ExtraJSON), &extra); err != nil {
			return nil, extra, fmt.Errorf("%w: malformed hyperliquid credential payload: %v", ErrAuth, err)
		}
	}
	if extra.WalletAddress == "" || extra.PrivateKey == "" {
		return nil, extra, fmt.Errorf("%w: hyperliquid requires wallet_address and private_key", ErrAuth)
	}
	baseURL := hl.MainnetAPIURL
	if extra.Testnet {
		baseURL = hl.TestnetAPIURL
	}
	c, err := hl.NewClient(hl.ClientOpts{
		BaseURL:       baseURL,
		WalletAddress: extra.WalletAddress,
		PrivateKey:    extra.PrivateKey,
	})
	if err != nil {
		return nil, extra, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return c, extra, nil
}

func (h *Hyperliquid) FetchBalances(ctx context.Context, cred Credential) ([]Balance, error) {
	c, extra, err := h.client(cred)
	if err != nil {
		return nil, err
	}
	state, err := c.Info.ClearinghouseState(ctx, extra.WalletAddress)
	if err != nil {
		return nil, classifyHyperliquidErr(err)
	}
	withdrawable, _ := strconv.ParseFloat(state.Withdrawable, 64)
	total, _ := strconv.ParseFloat(state.MarginSummary.AccountValue, 64)
	return []Balance{{Asset: "USDC", Free: withdrawable, Locked: total - withdrawable}}, nil
}

func (h *Hyperliquid) FetchTicker(ctx context.Context, cred Credential, symbol string) (Ticker, error) {
	c, _, err := h.client(cred)
	if err != nil {
		return Ticker{}, err
	}
	mids, err := c.Info.AllMids(ctx)
	if err != nil {
		return Ticker{}, classifyHyperliquidErr(err)
	}
	midStr, ok := mids[symbol]
	if !ok {
		return Ticker{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	mid, _ := strconv.ParseFloat(midStr, 64)
	return Ticker{Bid: mid, Ask: mid, Last: mid}, nil
}

func (h *Hyperliquid) CreateOrder(ctx context.Context, cred Credential, req OrderRequest) (OrderResult, error) {
	c, _, err := h.client(cred)
	if err != nil {
		return OrderResult{}, err
	}
	isBuy := req.Side == SideBuy
	orderType := hl.OrderType{Limit: &hl.LimitOrderType{Tif: "Ioc"}}
	price := req.Price
	if req.Type == OrderTypeMarket {
		// Hyperliquid has no true market order; a slippage-tolerant IOC limit against the mid
		// achieves the same effect and is what the rest of this system treats as "MARKET".
		t, tErr := h.FetchTicker(ctx, cred, req.Symbol)
		if tErr != nil {
			return OrderResult{}, tErr
		}
		slippage := 1.0
		if isBuy {
			price = t.Last * (1 + 0.005*slippage)
		} else {
			price = t.Last * (1 - 0.005*slippage)
		}
	}
	resp, err := c.Exchange.Order(ctx, hl.OrderRequest{
		Coin:       req.Symbol,
		IsBuy:      isBuy,
		Size:       req.Amount,
		LimitPrice: price,
		OrderType:  orderType,
		ClientOID:  req.ClientOrderID,
	})
	if err != nil {
		return OrderResult{}, classifyHyperliquidErr(err)
	}
	return OrderResult{
		ExchangeOrderID:  strconv.FormatInt(resp.OrderID, 10),
		Status:           mapHyperliquidStatus(resp.Status),
		Filled:           resp.FilledSize,
		AverageFillPrice: resp.AvgPrice,
	}, nil
}

func (h *Hyperliquid) CancelOrder(ctx context.Context, cred Credential, symbol, exchangeOrderID string) error {
	c, _, err := h.client(cred)
	if err != nil {
		return err
	}
	orderID, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed order id %q", ErrInvalidOrder, exchangeOrderID)
	}
	if err := c.Exchange.Cancel(ctx, symbol, orderID); err != nil {
		return classifyHyperliquidErr(err)
	}
	return nil
}

func (h *Hyperliquid) FetchOrder(ctx context.Context, cred Credential, symbol, exchangeOrderID string) (OrderResult, error) {
	c, _, err := h.client(cred)
	if err != nil {
		return OrderResult{}, err
	}
	orderID, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return OrderResult{}, fmt.Errorf("%w: malformed order id %q", ErrInvalidOrder, exchangeOrderID)
	}
	status, err := c.Info.OrderStatus(ctx, orderID)
	if err != nil {
		return OrderResult{}, classifyHyperliquidErr(err)
	}
	return OrderResult{
		ExchangeOrderID:  exchangeOrderID,
		Status:           mapHyperliquidStatus(status.Status),
		Filled:           status.FilledSize,
		AverageFillPrice: status.AvgPrice,
	}, nil
}

func mapHyperliquidStatus(s string) OrderStatus {
	switch strings.ToLower(s) {
	case "filled":
		return StatusFilled
	case "partially_filled", "partiallyfilled":
		return StatusPartiallyFilled
	case "canceled", "cancelled":
		return StatusCanceled
	case "rejected":
		return StatusRejected
	default:
		return StatusOpen
	}
}

func classifyHyperliquidErr(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient"):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	case strings.Contains(msg, "signature") || strings.Contains(msg, "unauthorized"):
		return fmt.Errorf("%w: %v", ErrAuth, err)
	case strings.Contains(msg, "unknown coin") || strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %v", ErrUnknownSymbol, err)
	default:
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
}
