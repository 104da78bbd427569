package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"pragati/config"
	"pragati/internal/repository/postgres"
	"pragati/internal/service/rollup"
	"pragati/internal/service/workflow"
	"pragati/pkg/db"
	"pragati/pkg/logger"
	"pragati/pkg/mq"
	"pragati/pkg/outbox"
	redisclient "pragati/pkg/redis"
)

func main() {
	// 1. Load config
	cfg := config.Load()

	log := logger.NewLogger()
	defer log.Sync()

	log.Info("Starting workflow worker...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Init DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	// 3. Init Redis
	rdb := redisclient.NewRedisClient(cfg.Redis)
	defer rdb.Close()

	// 4. Init RabbitMQ publisher
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("failed to init publisher", zap.Error(err))
	}
	defer publisher.Close()

	// 5. Init storage and services
	store := postgres.NewStore(dbConn)
	cache := rollup.NewRedisCache(rdb, cfg.Workflow.RollupCacheTTL, log)

	workflowSvc := workflow.NewService(store, log,
		workflow.WithCacheInvalidator(cache),
		workflow.WithDelayGrace(time.Duration(cfg.Workflow.DelayGraceDays)*24*time.Hour),
	)
	rollupSvc := rollup.NewService(store, log,
		rollup.WithCache(cache),
		rollup.WithEscalationThreshold(cfg.Workflow.EscalationThreshold),
		rollup.WithMaxEscalations(cfg.Workflow.MaxEscalations),
	)

	// 6. Outbox dispatcher publishes committed events to the exchange
	outboxRepo := outbox.NewRepository(dbConn)
	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log)
	go dispatcher.Start(ctx)

	// 7. Periodic delay scan marks overdue projects
	go func() {
		ticker := time.NewTicker(cfg.Workflow.DelayScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if err := workflowSvc.ScanDelayed(ctx, now.UTC()); err != nil {
					log.Error("delay scan failed", zap.Error(err))
				}
			}
		}
	}()

	// 8. Periodic national rollup surfaces escalations for central oversight
	go func() {
		ticker := time.NewTicker(cfg.Workflow.RollupCacheTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				summary, err := rollupSvc.ComputeNationalSummary(ctx)
				if err != nil {
					log.Error("national rollup failed", zap.Error(err))
					continue
				}
				if len(summary.Escalations) > 0 {
					log.Warn("rollup escalations",
						zap.Int("count", len(summary.Escalations)),
					)
				}
			}
		}
	}()

	// 9. Metrics endpoint
	metricsSrv := &http.Server{
		Addr:    cfg.Server.MetricsPort,
		Handler: promhttp.Handler(),
	}
	go func() {
		log.Info("Metrics endpoint listening", zap.String("addr", cfg.Server.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	log.Info("Worker is running")
	<-ctx.Done()

	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}
