package api

import (
	"context"
	"sync"

	"github.com/gin-gonic/gin"

	"tradeforge/gateway"
	"tradeforge/ledger"
	"tradeforge/orchestrator"
	"tradeforge/snapshot"
	"tradeforge/store"
	"tradeforge/vault"
	"tradeforge/worker"
)

// Deps are the components the HTTP surface sits in front of.
type Deps struct {
	Store       *store.Store
	Ledger      *ledger.Ledger
	Vault       *vault.Vault
	Registry    *gateway.Registry
	Symbol      func(token string) string
	Worker      *worker.Worker
	Snapshot    *snapshot.Pipeline
	DryRun                bool
	JWTSecret             string
	CORSOrigins           []string
	SnapshotIntervalHours int
}

// Server wires Deps into a gin.Engine under /api/v1 plus the public /healthz.
type Server struct {
	deps Deps

	jobsMu      sync.Mutex
	workerOn    bool
	workerStop  context.CancelFunc
	snapshotOn  bool
}

// New builds a Server. Call Router to obtain the gin.Engine to serve.
func New(deps Deps) *Server {
	return &Server{deps: deps}
}

// Router assembles the full route table.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(s.deps.CORSOrigins))

	r.GET("/healthz", s.handleHealthz)

	v1 := r.Group("/api/v1")
	v1.Use(authMiddleware(s.deps.JWTSecret))
	{
		v1.POST("/strategies", s.handleCreateStrategy)
		v1.GET("/strategies", s.handleListStrategies)
		v1.GET("/strategies/:id", s.handleGetStrategy)
		v1.PUT("/strategies/:id", s.handleUpdateStrategy)
		v1.DELETE("/strategies/:id", s.handleDeleteStrategy)
		v1.POST("/strategies/:id/check", s.handleCheckStrategy)

		v1.GET("/positions", s.handleListPositions)
		v1.GET("/positions/:id", s.handleGetPosition)
		v1.POST("/positions/sync", s.handleSyncPosition)

		v1.POST("/orders/buy", s.handleManualBuy)
		v1.POST("/orders/sell", s.handleManualSell)

		v1.GET("/jobs/status", s.handleJobsStatus)
		v1.POST("/jobs/control", s.handleJobsControl)
		v1.POST("/jobs/trigger/:job", s.handleJobsTrigger)

		v1.POST("/exchanges/link", s.handleExchangeLink)
		v1.DELETE("/exchanges/unlink", s.handleExchangeUnlink)
		v1.POST("/exchanges/disconnect", s.handleExchangeDisconnect)
		v1.POST("/exchanges/connect", s.handleExchangeConnect)
		v1.DELETE("/exchanges/delete", s.handleExchangeUnlink)
	}
	return r
}

func (s *Server) handleHealthz(c *gin.Context) {
	ok(c, 200, "ok", gin.H{"status": "up"})
}

// gatewayFor resolves the Gateway for exchangeID, wrapped in DryRun when the process is running
// dry (spec.md §4.1 — process-wide, decided at boot, never per-request).
func (s *Server) gatewayFor(exchangeID string) (gateway.Gateway, error) {
	gw, err := s.deps.Registry.Resolve(exchangeID)
	if err != nil {
		return nil, err
	}
	if s.deps.DryRun {
		return gateway.NewDryRun(gw), nil
	}
	return gw, nil
}

func (s *Server) newOrchestrator(gw gateway.Gateway) *orchestrator.Orchestrator {
	return orchestrator.New(gw, s.deps.Ledger, s.deps.Store)
}

func (s *Server) symbolFor(token string) string {
	if s.deps.Symbol != nil {
		return s.deps.Symbol(token)
	}
	return token
}
