package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/params"
	"github.com/uhyunpark/hyperswap/pkg/api"
	"github.com/uhyunpark/hyperswap/pkg/app/swap"
	"github.com/uhyunpark/hyperswap/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (write to both console and file)
	if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0o755); err != nil {
		log.Fatalf("log dir: %v", err)
	}
	logger, err := util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("logger_initialized", zap.String("log_file", cfg.Log.File))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := swap.New(ctx, cfg, logger, reg)
	if err != nil {
		logger.Fatal("executor_init_failed", zap.Error(err))
	}
	app.Start(ctx)

	// ---- Order Feeder (optional) ----
	// Enable with: ENABLE_ORDERGEN=true ORDERGEN_RATE_MS=2000
	if cfg.OrderGen.Enabled {
		feedCfg := swap.DefaultFeederConfig()
		feedCfg.Interval = cfg.OrderGen.Rate
		cancelFeeder := swap.StartOrderFeeder(ctx, app, feedCfg, logger)
		defer cancelFeeder()
		logger.Info("ordergen_enabled", zap.Duration("interval", feedCfg.Interval))
	}

	// ---- API Server ----
	apiServer := api.NewServer(app, reg, logger)
	go func() {
		if err := apiServer.Start(cfg.API.Addr); err != nil {
			logger.Fatal("api_server_failed", zap.Error(err))
		}
	}()

	// Progress logging loop
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown_requested")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := apiServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("api_shutdown_failed", zap.Error(err))
			}
			cancel()
			if err := app.Close(); err != nil {
				logger.Error("executor_close_failed", zap.Error(err))
			}
			return
		case <-ticker.C:
			page, err := app.ListOrders(ctx, 1, 1)
			if err != nil {
				logger.Warn("progress_read_failed", zap.Error(err))
				continue
			}
			logger.Info("executor_progress", zap.Int("orders", page.Total))
		}
	}
}
