// Package api is the HTTP surface (spec.md §6): a gin router under /api/v1, bearer JWT auth on
// every route but the health check, and one uniform response envelope.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// errorBody is the envelope's error sub-object.
type errorBody struct {
	Type    string                 `json:"type"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// envelope is the uniform response shape every handler emits (spec.md §6).
type envelope struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message,omitempty"`
	Data    interface{}            `json:"data,omitempty"`
	Time    time.Time              `json:"timestamp"`
	Error   *errorBody             `json:"error"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

func ok(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, envelope{Success: true, Message: message, Data: data, Time: time.Now().UTC(), Error: nil})
}

func okMeta(c *gin.Context, status int, message string, data interface{}, meta map[string]interface{}) {
	c.JSON(status, envelope{Success: true, Message: message, Data: data, Time: time.Now().UTC(), Error: nil, Meta: meta})
}

// fail writes an error envelope. errType is one of the values spec.md §6 names:
// unauthorized, validation_error, not_found, conflict, rate_limited, upstream_error, server_error,
// plus forbidden for an identity mismatch.
func fail(c *gin.Context, status int, errType, message string, details map[string]interface{}) {
	c.JSON(status, envelope{
		Success: false,
		Time:    time.Now().UTC(),
		Error:   &errorBody{Type: errType, Message: message, Details: details},
	})
}

func failValidation(c *gin.Context, message string, fields map[string]interface{}) {
	fail(c, http.StatusBadRequest, "validation_error", message, map[string]interface{}{"fields": fields})
}

func failUnauthorized(c *gin.Context, message string) {
	fail(c, http.StatusUnauthorized, "unauthorized", message, nil)
}

func failForbidden(c *gin.Context, message string) {
	fail(c, http.StatusForbidden, "forbidden", message, nil)
}

func failNotFound(c *gin.Context, message string) {
	fail(c, http.StatusNotFound, "not_found", message, nil)
}

func failConflict(c *gin.Context, message string) {
	fail(c, http.StatusConflict, "conflict", message, nil)
}

func failServer(c *gin.Context, message string) {
	fail(c, http.StatusInternalServerError, "server_error", message, nil)
}

func failUpstream(c *gin.Context, message string) {
	fail(c, http.StatusBadGateway, "upstream_error", message, nil)
}
