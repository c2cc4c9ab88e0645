package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradeforge/internal/logger"
)

// TickerCache amortizes ticker lookups across every strategy sharing a (exchange, symbol) pair
// (spec.md §5 — "identical (exchange, symbol) pairs across strategies are fetched once per tick
// window, not once per strategy"). FetchTicker fills an entry read-through from the wrapped
// Gateway when it is missing or older than maxAge; RunStream can also push entries from a
// StreamReader. There is no background polling.
type TickerCache struct {
	mu      sync.RWMutex
	entries map[string]cachedTicker
	maxAge  time.Duration
}

type cachedTicker struct {
	ticker  Ticker
	at      time.Time
}

// NewTickerCache builds a cache that treats entries older than maxAge as stale.
func NewTickerCache(maxAge time.Duration) *TickerCache {
	if maxAge <= 0 {
		maxAge = 5 * time.Second
	}
	return &TickerCache{entries: make(map[string]cachedTicker), maxAge: maxAge}
}

func cacheKey(exchangeID, symbol string) string { return exchangeID + ":" + symbol }

// Get returns the cached ticker for (exchangeID, symbol) if it is fresh, or false if it must be
// fetched directly from the Gateway.
func (c *TickerCache) Get(exchangeID, symbol string) (Ticker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[cacheKey(exchangeID, symbol)]
	if !ok || time.Since(entry.at) > c.maxAge {
		return Ticker{}, false
	}
	return entry.ticker, true
}

// Set stores t as the latest observed ticker for (exchangeID, symbol).
func (c *TickerCache) Set(exchangeID, symbol string, t Ticker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(exchangeID, symbol)] = cachedTicker{ticker: t, at: time.Now()}
}

// FetchTicker resolves a ticker through the cache, calling through gw and populating the cache
// on a miss. It is the shape the Strategy Worker calls instead of gw.FetchTicker directly so
// that strategies sharing a symbol within one tick window never issue duplicate requests.
func (c *TickerCache) FetchTicker(ctx context.Context, gw Gateway, cred Credential, symbol string) (Ticker, error) {
	if t, ok := c.Get(gw.ExchangeID(), symbol); ok {
		return t, nil
	}
	t, err := gw.FetchTicker(ctx, cred, symbol)
	if err != nil {
		return Ticker{}, err
	}
	c.Set(gw.ExchangeID(), symbol, t)
	return t, nil
}

// StreamReader is implemented by exchange variants that can push ticker updates over a
// websocket instead of being polled; WatchTickers blocks until ctx is canceled or the
// connection is lost, pushing every update into the cache as it arrives.
type StreamReader interface {
	WatchTickers(ctx context.Context, symbols []string, onUpdate func(symbol string, t Ticker)) error
}

// RunStream drives a StreamReader into the cache, reconnecting with backoff on drop, and runs
// until ctx is canceled. Neither the Strategy Worker nor the server entry point starts it.
func (c *TickerCache) RunStream(ctx context.Context, reader StreamReader, exchangeID string, symbols []string) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		err := reader.WatchTickers(ctx, symbols, func(symbol string, t Ticker) {
			c.Set(exchangeID, symbol, t)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warnf("ticker stream for %s disconnected: %v, retrying in %s", exchangeID, err, backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// dialWebsocket is a thin helper shared by StreamReader implementations that speak raw
// websocket feeds (e.g. Binance's combined-stream endpoint) rather than an SDK-provided
// subscription helper.
func dialWebsocket(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	return conn, err
}
