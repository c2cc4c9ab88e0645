package gateway

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// DryRun wraps any Gateway so CreateOrder/CancelOrder/FetchOrder never reach upstream (spec.md
// §4.1). CreateOrder returns a synthetic FILLED result priced at the ticker's Last (or at
// req.Price for a LIMIT order with a positive price), CancelOrder is a no-op, and FetchOrder
// returns a synthetic FILLED result. FetchBalances/FetchTicker still pass through so the rest of
// the system observes real market data during a dry run.
type DryRun struct {
	Gateway
}

// NewDryRun wraps g. Whether dry-run is active is a process-wide decision made once at
// strategy-worker boot (config.StrategyDryRun), not per call.
func NewDryRun(g Gateway) *DryRun {
	return &DryRun{Gateway: g}
}

func (d *DryRun) CreateOrder(ctx context.Context, cred Credential, req OrderRequest) (OrderResult, error) {
	t, err := d.Gateway.FetchTicker(ctx, cred, req.Symbol)
	if err != nil {
		return OrderResult{}, err
	}
	price := t.Last
	if req.Type == OrderTypeLimit && req.Price > 0 {
		price = req.Price
	}
	return OrderResult{
		ExchangeOrderID:  fmt.Sprintf("dryrun-%s", uuid.New().String()),
		Status:           StatusFilled,
		Filled:           req.Amount,
		Remaining:        0,
		AverageFillPrice: price,
		Fee:              0,
	}, nil
}

func (d *DryRun) CancelOrder(ctx context.Context, cred Credential, symbol, exchangeOrderID string) error {
	return nil
}

func (d *DryRun) FetchOrder(ctx context.Context, cred Credential, symbol, exchangeOrderID string) (OrderResult, error) {
	return OrderResult{ExchangeOrderID: exchangeOrderID, Status: StatusFilled, Filled: 0, Remaining: 0}, nil
}
