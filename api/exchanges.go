package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tradeforge/gateway"
	"tradeforge/vault"
)

type linkExchangeRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	ExchangeID string `json:"exchange_id" binding:"required"`
	APIKey     string `json:"api_key" binding:"required"`
	APISecret  string `json:"api_secret" binding:"required"`
	Passphrase string `json:"passphrase"`
	ExtraJSON  string `json:"extra_json"`

	// TOTPSecret/TOTPCode step up the link when the caller's account has 2FA enrolled; this
	// slice has no users collection of its own (spec.md §6 names none), so the secret travels
	// with the request rather than being looked up server-side.
	TOTPSecret string `json:"totp_secret"`
	TOTPCode   string `json:"totp_code"`
}

// handleExchangeLink seals and stores an exchange credential (spec.md §6/§4.2 — POST
// /exchanges/link).
func (s *Server) handleExchangeLink(c *gin.Context) {
	userID := c.GetString("user_id")

	var req linkExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failValidation(c, "invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}
	if !ownerGuard(c, req.UserID) {
		return
	}
	if _, err := s.deps.Registry.Resolve(req.ExchangeID); err != nil {
		failValidation(c, "unknown exchange: "+req.ExchangeID, nil)
		return
	}

	cred := gateway.Credential{
		ExchangeID: req.ExchangeID, APIKey: req.APIKey, APISecret: req.APISecret,
		Passphrase: req.Passphrase, ExtraJSON: req.ExtraJSON,
	}
	if err := s.deps.Vault.Link(userID, req.ExchangeID, cred, req.TOTPSecret, req.TOTPCode); err != nil {
		if err == vault.ErrStepUpRequired {
			fail(c, http.StatusUnauthorized, "unauthorized", "TOTP step-up required", nil)
			return
		}
		failServer(c, "failed to link exchange: "+err.Error())
		return
	}
	ok(c, http.StatusCreated, "exchange linked", nil)
}

type exchangeActionRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	ExchangeID string `json:"exchange_id" binding:"required"`
	TOTPSecret string `json:"totp_secret"`
	TOTPCode   string `json:"totp_code"`
}

// handleExchangeUnlink destroys the linked credential outright (spec.md §6/§4.2 — DELETE
// /exchanges/unlink, DELETE /exchanges/delete).
func (s *Server) handleExchangeUnlink(c *gin.Context) {
	userID := c.GetString("user_id")

	var req exchangeActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failValidation(c, "invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}
	if !ownerGuard(c, req.UserID) {
		return
	}
	if err := s.deps.Vault.Unlink(userID, req.ExchangeID, req.TOTPSecret, req.TOTPCode); err != nil {
		if err == vault.ErrStepUpRequired {
			fail(c, http.StatusUnauthorized, "unauthorized", "TOTP step-up required", nil)
			return
		}
		failServer(c, "failed to unlink exchange: "+err.Error())
		return
	}
	ok(c, http.StatusOK, "exchange unlinked", nil)
}

// handleExchangeDisconnect soft-disconnects (reversible, no step-up) — spec.md §4.2
// distinguishes this from Unlink.
func (s *Server) handleExchangeDisconnect(c *gin.Context) {
	userID := c.GetString("user_id")

	var req exchangeActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failValidation(c, "invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}
	if !ownerGuard(c, req.UserID) {
		return
	}
	if err := s.deps.Vault.Disconnect(userID, req.ExchangeID); err != nil {
		failServer(c, "failed to disconnect exchange: "+err.Error())
		return
	}
	ok(c, http.StatusOK, "exchange disconnected", nil)
}

// handleExchangeConnect re-activates a previously soft-disconnected link.
func (s *Server) handleExchangeConnect(c *gin.Context) {
	userID := c.GetString("user_id")

	var req exchangeActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failValidation(c, "invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}
	if !ownerGuard(c, req.UserID) {
		return
	}
	if _, err := s.deps.Store.GetUserExchange(userID, req.ExchangeID); err != nil {
		failNotFound(c, "exchange link not found")
		return
	}
	if err := s.deps.Store.ConnectExchange(userID, req.ExchangeID); err != nil {
		failServer(c, "failed to reconnect exchange: "+err.Error())
		return
	}
	ok(c, http.StatusOK, "exchange connected", nil)
}
