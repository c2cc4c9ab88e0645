package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleListPositions lists every position belonging to the caller.
func (s *Server) handleListPositions(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		userID = c.GetString("user_id")
	}
	if !ownerGuard(c, userID) {
		return
	}
	list, err := s.deps.Ledger.ListPositions(userID)
	if err != nil {
		failServer(c, "failed to list positions: "+err.Error())
		return
	}
	ok(c, http.StatusOK, "", list)
}

// handleGetPosition fetches a single position owned by the caller.
func (s *Server) handleGetPosition(c *gin.Context) {
	userID := c.GetString("user_id")
	pos, err := s.deps.Ledger.GetPositionByID(userID, c.Param("id"))
	if err != nil {
		failServer(c, "failed to fetch position: "+err.Error())
		return
	}
	if pos == nil {
		failNotFound(c, "position not found")
		return
	}
	ok(c, http.StatusOK, "", pos)
}

type syncPositionRequest struct {
	UserID     string  `json:"user_id" binding:"required"`
	ExchangeID string  `json:"exchange_id" binding:"required"`
	Token      string  `json:"token" binding:"required"`
}

// handleSyncPosition reconciles the ledger against the exchange-reported balance and current
// ticker price (spec.md §4.3/§4.1 — POST /positions/sync).
func (s *Server) handleSyncPosition(c *gin.Context) {
	userID := c.GetString("user_id")

	var req syncPositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failValidation(c, "invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}
	if !ownerGuard(c, req.UserID) {
		return
	}

	gw, err := s.gatewayFor(req.ExchangeID)
	if err != nil {
		failNotFound(c, "unknown exchange: "+req.ExchangeID)
		return
	}
	cred, err := s.deps.Vault.Resolve(userID, req.ExchangeID)
	if err != nil {
		failUnauthorized(c, "exchange not linked")
		return
	}

	symbol := s.symbolFor(req.Token)
	ctx := c.Request.Context()
	balances, err := gw.FetchBalances(ctx, cred)
	if err != nil {
		failUpstream(c, "failed to fetch balances: "+err.Error())
		return
	}
	ticker, err := gw.FetchTicker(ctx, cred, symbol)
	if err != nil {
		failUpstream(c, "failed to fetch ticker: "+err.Error())
		return
	}

	var reported float64
	for _, b := range balances {
		if b.Asset == req.Token {
			reported = b.Free + b.Locked
		}
	}

	if err := s.deps.Ledger.SyncFromExchange(req.UserID, req.ExchangeID, req.Token, reported, ticker.Last); err != nil {
		failServer(c, "failed to sync position: "+err.Error())
		return
	}
	ok(c, http.StatusOK, "position synced", gin.H{"reported_amount": reported, "price": ticker.Last})
}
