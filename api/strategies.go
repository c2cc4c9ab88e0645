package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"tradeforge/decision"
	"tradeforge/store"
)

type createStrategyRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	ExchangeID string `json:"exchange_id" binding:"required"`
	Token      string `json:"token" binding:"required"`
	Name       string `json:"name"`
	IsActive   *bool  `json:"is_active"`

	Rules *store.Rules `json:"rules"`

	// Legacy flat shape, normalized server-side when Rules is absent (spec.md §6/§9).
	TakeProfitPercent float64 `json:"take_profit_percent"`
	StopLossPercent   float64 `json:"stop_loss_percent"`
	BuyDipPercent     float64 `json:"buy_dip_percent"`
}

// handleCreateStrategy creates a strategy, normalizing the legacy flat rule shape when the
// structured `rules` field is absent.
func (s *Server) handleCreateStrategy(c *gin.Context) {
	userID := c.GetString("user_id")

	var req createStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failValidation(c, "invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}
	if !ownerGuard(c, req.UserID) {
		return
	}

	rules := store.DefaultRules()
	if req.Rules != nil {
		rules = *req.Rules
	} else {
		rules = store.NormalizeLegacy(store.LegacyRules{
			TakeProfitPercent: req.TakeProfitPercent,
			StopLossPercent:   req.StopLossPercent,
			BuyDipPercent:     req.BuyDipPercent,
		})
	}

	strat := &store.Strategy{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		ExchangeID: req.ExchangeID,
		Token:      req.Token,
		Name:       req.Name,
		IsActive:   req.IsActive != nil && *req.IsActive,
	}
	if !rules.ValidateTPSum() {
		strat.NeedsRepair = true
	}
	if err := strat.SetRules(rules); err != nil {
		failServer(c, "failed to encode rules")
		return
	}
	if err := strat.SetTracking(store.Tracking{}); err != nil {
		failServer(c, "failed to encode tracking")
		return
	}
	if err := s.deps.Store.Create(strat); err != nil {
		failServer(c, "failed to create strategy: "+err.Error())
		return
	}

	ok(c, http.StatusCreated, "strategy created", gin.H{"id": strat.ID, "needs_repair": strat.NeedsRepair})
}

// handleListStrategies lists the caller's strategies, optionally filtered.
func (s *Server) handleListStrategies(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		userID = c.GetString("user_id")
	}
	if !ownerGuard(c, userID) {
		return
	}

	var isActive *bool
	if raw := c.Query("is_active"); raw != "" {
		v := raw == "true"
		isActive = &v
	}

	list, err := s.deps.Store.List(userID, c.Query("exchange_id"), c.Query("token"), isActive)
	if err != nil {
		failServer(c, "failed to list strategies: "+err.Error())
		return
	}
	ok(c, http.StatusOK, "", list)
}

// handleGetStrategy fetches a single strategy owned by the caller.
func (s *Server) handleGetStrategy(c *gin.Context) {
	userID := c.GetString("user_id")
	strat, err := s.deps.Store.Get(userID, c.Param("id"))
	if err != nil {
		failNotFound(c, "strategy not found")
		return
	}
	ok(c, http.StatusOK, "", strat)
}

type updateStrategyRequest struct {
	Name     *string      `json:"name"`
	IsActive *bool        `json:"is_active"`
	Rules    *store.Rules `json:"rules"`
}

// handleUpdateStrategy updates name/is_active/rules for a strategy owned by the caller.
func (s *Server) handleUpdateStrategy(c *gin.Context) {
	userID := c.GetString("user_id")
	strat, err := s.deps.Store.Get(userID, c.Param("id"))
	if err != nil {
		failNotFound(c, "strategy not found")
		return
	}

	var req updateStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failValidation(c, "invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}

	if req.Name != nil {
		strat.Name = *req.Name
	}
	if req.IsActive != nil {
		if *req.IsActive {
			if err := s.deps.Store.SetActive(userID, strat.ID, true); err != nil {
				failServer(c, "failed to activate strategy: "+err.Error())
				return
			}
		} else {
			strat.IsActive = false
		}
	}
	if req.Rules != nil {
		strat.NeedsRepair = !req.Rules.ValidateTPSum()
		if err := strat.SetRules(*req.Rules); err != nil {
			failServer(c, "failed to encode rules")
			return
		}
	}
	if err := s.deps.Store.Update(strat); err != nil {
		failServer(c, "failed to update strategy: "+err.Error())
		return
	}
	ok(c, http.StatusOK, "strategy updated", nil)
}

// handleDeleteStrategy removes a strategy owned by the caller.
func (s *Server) handleDeleteStrategy(c *gin.Context) {
	userID := c.GetString("user_id")
	if err := s.deps.Store.Delete(userID, c.Param("id")); err != nil {
		failServer(c, "failed to delete strategy: "+err.Error())
		return
	}
	ok(c, http.StatusOK, "strategy deleted", nil)
}

type checkStrategyRequest struct {
	CurrentPrice float64 `json:"current_price" binding:"required"`
	EntryPrice   float64 `json:"entry_price"`
}

// handleCheckStrategy runs the Trigger Evaluator once without executing, returning the raw
// Decision (spec.md §6 — POST /strategies/<id>/check).
func (s *Server) handleCheckStrategy(c *gin.Context) {
	userID := c.GetString("user_id")
	strat, err := s.deps.Store.Get(userID, c.Param("id"))
	if err != nil {
		failNotFound(c, "strategy not found")
		return
	}

	var req checkStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failValidation(c, "invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}

	rules, err := strat.ParseRules()
	if err != nil {
		failServer(c, "failed to parse strategy rules")
		return
	}
	tracking, err := strat.ParseTracking()
	if err != nil {
		failServer(c, "failed to parse strategy tracking")
		return
	}

	entryPrice := req.EntryPrice
	if entryPrice == 0 {
		if pos, err := s.deps.Ledger.GetPosition(userID, strat.ExchangeID, strat.Token); err == nil && pos != nil {
			entryPrice = pos.EntryPrice
		}
	}

	holding := 0.0
	if pos, err := s.deps.Ledger.GetPosition(userID, strat.ExchangeID, strat.Token); err == nil && pos != nil {
		holding = pos.Amount
	}

	d := decision.Evaluate(*rules, *tracking, entryPrice, req.CurrentPrice, holding, decision.MarketData{}, time.Now())
	ok(c, http.StatusOK, "", d)
}
