package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"tradeforge/gateway"
	"tradeforge/ledger"
	"tradeforge/snapshot"
	"tradeforge/store"
	"tradeforge/vault"
	"tradeforge/worker"
)

const testJWTSecret = "test-secret"

func init() { gin.SetMode(gin.TestMode) }

type fakeGateway struct{ exchangeID string }

func (f *fakeGateway) ExchangeID() string { return f.exchangeID }
func (f *fakeGateway) FetchBalances(ctx context.Context, cred gateway.Credential) ([]gateway.Balance, error) {
	return []gateway.Balance{{Asset: "USDT", Free: 1000}}, nil
}
func (f *fakeGateway) FetchTicker(ctx context.Context, cred gateway.Credential, symbol string) (gateway.Ticker, error) {
	return gateway.Ticker{Last: 100, Bid: 100, Ask: 100}, nil
}
func (f *fakeGateway) CreateOrder(ctx context.Context, cred gateway.Credential, req gateway.OrderRequest) (gateway.OrderResult, error) {
	return gateway.OrderResult{ExchangeOrderID: "1", Status: gateway.StatusFilled, Filled: req.Amount, AverageFillPrice: 100}, nil
}
func (f *fakeGateway) CancelOrder(ctx context.Context, cred gateway.Credential, symbol, exchangeOrderID string) error {
	return nil
}
func (f *fakeGateway) FetchOrder(ctx context.Context, cred gateway.Credential, symbol, exchangeOrderID string) (gateway.OrderResult, error) {
	return gateway.OrderResult{}, nil
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	led := ledger.New(st)
	vlt, err := vault.New(st, make([]byte, 32))
	require.NoError(t, err)
	registry := gateway.NewRegistry(&fakeGateway{exchangeID: "binance"})
	w := worker.New(worker.Deps{
		Store: st, Ledger: led, Registry: registry, Cache: gateway.NewTickerCache(time.Second),
		Resolve: vlt.Resolve,
	}, time.Minute, true)
	snap := snapshot.New(snapshot.Deps{Store: st, Registry: registry, Resolve: vlt.Resolve})

	s := New(Deps{
		Store: st, Ledger: led, Vault: vlt, Registry: registry,
		Worker: w, Snapshot: snap, JWTSecret: testJWTSecret, DryRun: true,
		SnapshotIntervalHours: 4,
	})
	return s, st
}

func bearerFor(t *testing.T, userID string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: userID})
	signed, err := tok.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func doRequest(r http.Handler, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s.Router(), http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectedRoute_RejectsMissingToken(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s.Router(), http.MethodGet, "/api/v1/strategies?user_id=u1", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var body envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.Success)
	require.Equal(t, "unauthorized", body.Error.Type)
}

func TestCreateAndGetStrategy(t *testing.T) {
	s, _ := newTestServer(t)
	bearer := bearerFor(t, "u1")

	createBody := map[string]interface{}{
		"user_id": "u1", "exchange_id": "binance", "token": "BTC",
		"take_profit_percent": 5, "stop_loss_percent": 3,
	}
	rec := doRequest(s.Router(), http.MethodPost, "/api/v1/strategies", bearer, createBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.True(t, created.Success)

	data := created.Data.(map[string]interface{})
	id := data["id"].(string)
	require.NotEmpty(t, id)

	rec = doRequest(s.Router(), http.MethodGet, "/api/v1/strategies/"+id, bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

// A caller whose JWT subject differs from the resource owner is rejected (spec.md §6 — 403
// identity mismatch).
func TestCreateStrategy_OwnerMismatchForbidden(t *testing.T) {
	s, _ := newTestServer(t)
	bearer := bearerFor(t, "u1")

	createBody := map[string]interface{}{"user_id": "someone-else", "exchange_id": "binance", "token": "BTC"}
	rec := doRequest(s.Router(), http.MethodPost, "/api/v1/strategies", bearer, createBody)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestManualBuy_ExecutesThroughOrchestrator(t *testing.T) {
	s, st := newTestServer(t)
	bearer := bearerFor(t, "u1")

	require.NoError(t, s.deps.Vault.Link("u1", "binance", gateway.Credential{APIKey: "k", APISecret: "s"}, "", ""))

	strat := &store.Strategy{ID: "s1", UserID: "u1", ExchangeID: "binance", Token: "BTC", IsActive: true}
	require.NoError(t, strat.SetRules(store.DefaultRules()))
	require.NoError(t, strat.SetTracking(store.Tracking{}))
	require.NoError(t, st.Create(strat))

	rec := doRequest(s.Router(), http.MethodPost, "/api/v1/orders/buy", bearer, map[string]interface{}{
		"strategy_id": "s1", "quantity_percent": 50,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
}
