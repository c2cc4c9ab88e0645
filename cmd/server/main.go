// Command server boots the tradeforge API, strategy worker and balance snapshot pipeline.
package main

import (
	"context"
	"crypto/sha256"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradeforge/api"
	"tradeforge/gateway"
	"tradeforge/internal/config"
	"tradeforge/internal/logger"
	"tradeforge/ledger"
	"tradeforge/metrics"
	"tradeforge/snapshot"
	"tradeforge/store"
	"tradeforge/vault"
	"tradeforge/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("config: %v", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DatabaseURI)
	if err != nil {
		logger.Errorf("store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	led := ledger.New(st)

	encKey := sha256.Sum256([]byte(cfg.CredentialEncryptionKey))
	vlt, err := vault.New(st, encKey[:])
	if err != nil {
		logger.Errorf("vault: %v", err)
		os.Exit(1)
	}

	registry := gateway.NewRegistry(
		gateway.NewRateLimited(gateway.NewBinance(), cfg.ExchangeRateLimitPerSec["binance"]),
		gateway.NewRateLimited(gateway.NewBybit(), cfg.ExchangeRateLimitPerSec["bybit"]),
		gateway.NewRateLimited(gateway.NewHyperliquid(), cfg.ExchangeRateLimitPerSec["hyperliquid"]),
		gateway.NewRateLimited(gateway.NewLighter(), cfg.ExchangeRateLimitPerSec["lighter"]),
	)

	symbolFor := func(token string) string { return strings.ToUpper(token) + "USDT" }

	metrics.Init()

	w := worker.New(worker.Deps{
		Store: st, Ledger: led, Registry: registry, Cache: gateway.NewTickerCache(5 * time.Second),
		Resolve: vlt.Resolve, Symbol: symbolFor,
	}, cfg.StrategyCheckInterval, cfg.StrategyDryRun)

	snap := snapshot.New(snapshot.Deps{Store: st, Registry: registry, Resolve: vlt.Resolve, Symbol: symbolFor})

	srv := api.New(api.Deps{
		Store: st, Ledger: led, Vault: vlt, Registry: registry, Symbol: symbolFor,
		Worker: w, Snapshot: snap, DryRun: cfg.StrategyDryRun,
		JWTSecret: cfg.JWTSecret, CORSOrigins: cfg.CORSOrigins,
		SnapshotIntervalHours: cfg.SnapshotIntervalHours,
	})

	router := srv.Router()
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx)
	if err := snap.Start(ctx, cfg.SnapshotIntervalHours); err != nil {
		logger.Errorf("snapshot: %v", err)
	}

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		logger.Infof("tradeforge listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	cancel()
	w.Stop()
	snap.Stop()
}
