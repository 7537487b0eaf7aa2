package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/multiregion-dashboard/internal/console/handler"
	"github.com/xela07ax/multiregion-dashboard/internal/console/server"
	"github.com/xela07ax/multiregion-dashboard/internal/engine"
	"github.com/xela07ax/multiregion-dashboard/internal/flags"
	"github.com/xela07ax/multiregion-dashboard/internal/infra"
	"github.com/xela07ax/multiregion-dashboard/internal/pool"
	"github.com/xela07ax/multiregion-dashboard/internal/registry"
)

func main() {
	// 1. Конфиг и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	reg, err := registry.FromConfig(cfg.Regions)
	if err != nil {
		logger.Fatal("invalid regions", zap.Error(err))
	}

	// 2. Пулы: регионы с DSN идут в pgx, остальные в симулятор (если разрешено)
	dialer := pool.RoutingDialer{
		Live: pool.PgxDialer{ConnectTimeout: cfg.Pool.ConnectTimeout, ApplicationName: "regiond"},
	}
	if cfg.Demo.SimulateUnconfigured {
		dialer.Fallback = &pool.SimDialer{BaseLatency: cfg.Demo.BaseLatency, Jitter: cfg.Demo.Jitter}
	}
	pools := pool.NewManager(pool.ConfigFrom(cfg.Pool), dialer, logger)

	// 3. Флаги: Redis, если задан адрес, иначе демо-режим
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}
	gate := flags.New(cfg.Flags, flags.Defaults(reg.Codes(), cfg.Flags.Defaults), rdb, logger)

	// Метрики
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(promReg)

	// 4. Core
	core := engine.NewCore(cfg, reg, pools, gate, metrics, logger)

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := core.Startup(appCtx); err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}

	// 5. HTTP Server
	api := server.NewConsoleServer(logger, promReg, handler.NewRegionHandler(core), handler.NewFlagHandler(core))
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 6. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("dashboard started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-stop // Ждем сигнал
	logger.Info("dashboard stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	// Пулы закрываем после HTTP: выданные соединения уже вернулись
	if err := core.Shutdown(shutdownCtx); err != nil {
		logger.Error("core shutdown failed", zap.Error(err))
	}
	logger.Info("dashboard exited properly")
}
