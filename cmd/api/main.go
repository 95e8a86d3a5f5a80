package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"callflow/api"
	"callflow/batch"
	"callflow/caller"
	"callflow/config"
	"callflow/db"
	"callflow/events"
	"callflow/order"
	"callflow/supplier"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		_ = closeLog()
		os.Exit(1)
	}
	_ = closeLog()
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	publisher := events.NewRedisPublisher(rdb, cfg.EventChannel, logger)
	subscriber := events.NewRedisSubscriber(rdb, cfg.EventChannel, logger)

	batchRepo := batch.NewRepository(pool).
		WithRetryPolicy(batch.RetryPolicy{Base: cfg.BackoffBase, Cap: cfg.BackoffCap})
	supplierRepo := supplier.NewRepository(pool)
	orderRepo := order.NewRepository(pool)
	provider := caller.NewClient(cfg.CallAgentURL, cfg.CallAgentAPIKey, cfg.CallTimeout)

	processor := batch.NewProcessor(batchRepo, supplierRepo, orderRepo, provider, publisher, logger).
		WithStaleAfter(cfg.StaleAfter)

	handler := api.NewHandler(api.Deps{
		Queue:      processor,
		Subscriber: subscriber,
		Secret:     cfg.QueueSecret,
		Logger:     logger,
		PassBudget: cfg.TriggerTimeout,
	})

	if cfg.TriggerCron != "" {
		go runTrigger(ctx, cfg, processor, logger)
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}

	return nil
}
