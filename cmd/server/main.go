package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/podushkina/taskpilot/internal/api"
	"github.com/podushkina/taskpilot/internal/config"
	"github.com/podushkina/taskpilot/internal/handlers"
	"github.com/podushkina/taskpilot/internal/logger"
	"github.com/podushkina/taskpilot/internal/notify"
	"github.com/podushkina/taskpilot/internal/queue"
	"github.com/podushkina/taskpilot/internal/scheduler"
	"github.com/podushkina/taskpilot/internal/store"
	"github.com/podushkina/taskpilot/internal/task"
	"github.com/podushkina/taskpilot/internal/webhook"
	"github.com/podushkina/taskpilot/internal/worker"
)

func main() {
	cfg := config.Load()

	if err := logger.Init(cfg.Development); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	st, closeStore, err := newStore(cfg)
	if err != nil {
		log.Fatalf("Failed to create store: %v", err)
	}
	defer closeStore()

	q, err := queue.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if err != nil {
		log.Fatalf("Failed to create queue: %v", err)
	}
	defer q.Close()

	registry, err := webhook.NewRegistry(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if err != nil {
		log.Fatalf("Failed to create webhook registry: %v", err)
	}
	defer registry.Close()

	settings, err := notify.NewStore(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if err != nil {
		log.Fatalf("Failed to create notification store: %v", err)
	}
	defer settings.Close()

	hooks := webhook.NewDispatcher(registry, cfg.WebhookTimeout)
	notifier := notify.NewNotifier(settings, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := worker.NewPool(q, st, notifier, hooks, cfg.WorkerCount)
	pool.Register(task.BranchEmail, handlers.Email(cfg.WorkDelay))
	pool.Register(task.BranchFile, handlers.File(cfg.WorkDelay))
	pool.Register(task.BranchGeneric, handlers.Generic(cfg.WorkDelay))
	pool.Start(ctx)

	sched := scheduler.New(st, q, cfg.PendingSweepInterval, cfg.RetirementInterval, cfg.Retention())
	sched.Start(ctx)

	handler := api.NewHandler(st, q, registry, hooks, settings)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting on port " + cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error: " + err.Error())
	}

	sched.Stop()
	pool.Stop()
	hooks.Wait()
	logger.Info("server stopped")
}

func newStore(cfg *config.Config) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.InitSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		rs, err := store.NewRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { _ = rs.Close() }, nil
	}
}
