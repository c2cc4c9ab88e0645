package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tradeforge/decision"
	"tradeforge/gateway"
	"tradeforge/orchestrator"
)

// manualOrderRequest ties a manual order to an existing strategy, so the Orchestrator's
// idempotency and tracking-side persistence (cooldown, executed levels) still apply even though
// the Trigger Evaluator was bypassed (spec.md §6 — manual orders follow the same Orchestrator
// path).
type manualOrderRequest struct {
	StrategyID      string  `json:"strategy_id" binding:"required"`
	QuantityPercent float64 `json:"quantity_percent" binding:"required"`
}

func (s *Server) manualExecute(c *gin.Context, action decision.Action) {
	userID := c.GetString("user_id")

	var req manualOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failValidation(c, "invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}

	strat, err := s.deps.Store.Get(userID, req.StrategyID)
	if err != nil {
		failNotFound(c, "strategy not found")
		return
	}
	rules, err := strat.ParseRules()
	if err != nil {
		failServer(c, "failed to parse strategy rules")
		return
	}

	gw, err := s.gatewayFor(strat.ExchangeID)
	if err != nil {
		failNotFound(c, "unknown exchange: "+strat.ExchangeID)
		return
	}
	cred, err := s.deps.Vault.Resolve(userID, strat.ExchangeID)
	if err != nil {
		failUnauthorized(c, "exchange not linked")
		return
	}

	symbol := s.symbolFor(strat.Token)
	ctx := c.Request.Context()
	ticker, err := gw.FetchTicker(ctx, cred, symbol)
	if err != nil {
		failUpstream(c, "failed to fetch ticker: "+err.Error())
		return
	}

	pos, err := s.deps.Ledger.GetPosition(userID, strat.ExchangeID, strat.Token)
	if err != nil {
		failServer(c, "failed to read position: "+err.Error())
		return
	}
	var holding float64
	if pos != nil {
		holding = pos.Amount
	}

	var quoteAvailable float64
	if action == decision.ActionBuy {
		balances, err := gw.FetchBalances(ctx, cred)
		if err != nil {
			failUpstream(c, "failed to fetch balances: "+err.Error())
			return
		}
		quoteAvailable = quoteBalanceOf(balances)
	}

	reason := "MANUAL_BUY"
	if action == decision.ActionSell {
		reason = "MANUAL_SELL"
	}

	d := decision.Decision{ShouldTrigger: true, Action: action, Reason: reason, QuantityPercent: req.QuantityPercent}

	o := s.newOrchestrator(gw)
	res, err := o.Execute(ctx, orchestrator.Input{
		Strategy: strat, Rules: *rules, Decision: d, Symbol: symbol, Cred: cred,
		HoldingAmount: holding, QuoteAvailable: quoteAvailable, CurrentPrice: ticker.Last,
		TickID: "manual", Now: time.Now(),
	})
	if err != nil {
		if err == orchestrator.ErrBelowMinSize {
			fail(c, http.StatusBadRequest, "validation_error", "order below minimum notional", nil)
			return
		}
		if err == orchestrator.ErrNoBudget {
			fail(c, http.StatusBadRequest, "validation_error", "no available budget for buy", nil)
			return
		}
		failUpstream(c, "order submission failed: "+err.Error())
		return
	}
	if res.Skipped {
		ok(c, http.StatusOK, "order skipped", res)
		return
	}
	ok(c, http.StatusCreated, "order executed", res)
}

// handleManualBuy submits a manual buy through the Orchestrator, bypassing the Trigger
// Evaluator (spec.md §6 — POST /orders/buy).
func (s *Server) handleManualBuy(c *gin.Context) { s.manualExecute(c, decision.ActionBuy) }

// handleManualSell submits a manual sell through the Orchestrator, bypassing the Trigger
// Evaluator (spec.md §6 — POST /orders/sell).
func (s *Server) handleManualSell(c *gin.Context) { s.manualExecute(c, decision.ActionSell) }

func quoteBalanceOf(balances []gateway.Balance) float64 {
	for _, b := range balances {
		switch b.Asset {
		case "USDT", "USDC", "USD", "BUSD":
			return b.Free
		}
	}
	return 0
}
