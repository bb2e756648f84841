// =====================================================================
// Tender pipeline worker — the asynq consumer that drives the
// procurement tender processing pipeline end to end.
// =====================================================================
//
// 1. Load configuration
// 2. Initialize structured logging
// 3. Connect to Postgres
// 4. Wire every platform client and the orchestrator
// 5. Start the asynq server and the cron scheduler
// 6. Graceful shutdown
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"tender-pipeline/configs"
	"tender-pipeline/internal/logging"
	"tender-pipeline/internal/pipeline"
	"tender-pipeline/internal/platform/ai"
	"tender-pipeline/internal/platform/alert"
	"tender-pipeline/internal/platform/crm"
	"tender-pipeline/internal/platform/httpfetch"
	"tender-pipeline/internal/platform/objectstore"
	"tender-pipeline/internal/platform/postgres"
	"tender-pipeline/internal/platform/scraper"
	"tender-pipeline/internal/platform/workerpool"
	"tender-pipeline/internal/queue"
)

func main() {
	// ЭТАП 1: конфигурация
	cfg, err := configs.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// ЭТАП 2: логирование
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("worker: starting tender pipeline worker",
		zap.Bool("production", cfg.IsProduction()), zap.String("redis", cfg.Queue.RedisAddr))

	// ЭТАП 3: подключение к Postgres
	store, err := postgres.Open(cfg.Database.GetDSN())
	if err != nil {
		logger.Fatal("worker: failed to connect to postgres", zap.Error(err))
	}
	defer store.Close()
	logger.Info("worker: connected to postgres")

	// ЭТАП 4: сборка платформенных клиентов и оркестратора
	fetcher := httpfetch.New(httpfetch.DefaultTimeout)

	objStore, err := objectstore.New(cfg.Store, fetcher, logger)
	if err != nil {
		logger.Fatal("worker: failed to initialize object store client", zap.Error(err))
	}

	scrapeSvc := scraper.New(objStore, logger)
	pool := workerpool.New(cfg.Queue.Concurrency)
	classifier := ai.New(cfg.AI, fetcher, objStore, store, logger)
	exporter := crm.New(cfg.CRM, objStore, logger)
	alerter := alert.New(cfg.Alert, logger)

	orchestrator := pipeline.New(store, fetcher, objStore, scrapeSvc, pool, classifier, exporter, alerter, logger)

	redisOpt := asynq.RedisClientOpt{Addr: cfg.Queue.RedisAddr}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	staleAfter, err := time.ParseDuration(cfg.App.StaleAfter)
	if err != nil {
		logger.Fatal("worker: invalid app.stale_after duration", zap.Error(err))
	}
	scheduler := queue.NewScheduler(store, asynqClient, staleAfter, logger)
	if err := scheduler.Start(); err != nil {
		logger.Fatal("worker: failed to start scheduler", zap.Error(err))
	}
	logger.Info("worker: scheduler started", zap.Duration("stale_after", staleAfter))

	// ЭТАП 5: запуск asynq сервера
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Queue.Concurrency,
		Queues:      map[string]int{"default": 1},
	})
	mux := asynq.NewServeMux()
	mux.Handle(queue.TypeProcessTender, queue.NewHandler(orchestrator, logger))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("worker: asynq server starting", zap.Int("concurrency", cfg.Queue.Concurrency))
		if err := srv.Run(mux); err != nil {
			logger.Fatal("worker: asynq server stopped with error", zap.Error(err))
		}
	}()

	<-sigChan
	logger.Info("worker: shutdown signal received")

	// ЭТАП 6: graceful shutdown
	scheduler.Stop()
	srv.Shutdown()

	logger.Info("worker: stopped")
}
