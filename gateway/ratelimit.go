package gateway

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Gateway with a token-bucket limiter (spec.md §5 — "Each exchange variant
// of the Gateway enforces a token-bucket rate limit; backpressure is applied by delaying within
// the bucket (never dropping a submitted order)"). Every method waits on the bucket before
// calling through, honoring ctx cancellation cooperatively.
type RateLimited struct {
	Gateway
	limiter *rate.Limiter
}

// NewRateLimited wraps g with a limiter allowing ratePerSec sustained requests (5 when ratePerSec
// is not positive) and a burst of int(ratePerSec)+1, a simple token-bucket shape that still
// smooths bursts at tick boundaries.
func NewRateLimited(g Gateway, ratePerSec float64) *RateLimited {
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	return &RateLimited{Gateway: g, limiter: rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)+1)}
}

func (r *RateLimited) FetchBalances(ctx context.Context, cred Credential) ([]Balance, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.Gateway.FetchBalances(ctx, cred)
}

func (r *RateLimited) FetchTicker(ctx context.Context, cred Credential, symbol string) (Ticker, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Ticker{}, err
	}
	return r.Gateway.FetchTicker(ctx, cred, symbol)
}

func (r *RateLimited) CreateOrder(ctx context.Context, cred Credential, req OrderRequest) (OrderResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return OrderResult{}, err
	}
	return r.Gateway.CreateOrder(ctx, cred, req)
}

func (r *RateLimited) CancelOrder(ctx context.Context, cred Credential, symbol, exchangeOrderID string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.Gateway.CancelOrder(ctx, cred, symbol, exchangeOrderID)
}

func (r *RateLimited) FetchOrder(ctx context.Context, cred Credential, symbol, exchangeOrderID string) (OrderResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return OrderResult{}, err
	}
	return r.Gateway.FetchOrder(ctx, cred, symbol, exchangeOrderID)
}
