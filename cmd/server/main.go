package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/automations/actions"
	"github.com/liamcoop/automations/engine"
	"github.com/liamcoop/automations/guardrails"
	"github.com/liamcoop/automations/internal/config"
	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/multitenantengine"
	"github.com/liamcoop/automations/rules"
)

// app holds everything main starts and must shut down
type app struct {
	cfg     *config.Config
	db      *sql.DB
	redis   *redis.Client
	manager *multitenantengine.MultiTenantEngineManager
	server  *Server
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		a.db = db
	} else {
		logger.Warn("DATABASE_URL not set, rules and executions are kept in memory")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
	}

	templater, err := actions.NewTemplater()
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: 2 * time.Minute}
	collaborators, err := actions.NewCollaborators(actions.Endpoints{
		WebhookBaseURL:  cfg.WebhookBaseURL,
		NotificationURL: cfg.NotificationURL,
		TasksURL:        cfg.TasksURL,
		EntitiesURL:     cfg.EntitiesURL,
	}, httpClient)
	if err != nil {
		return nil, err
	}

	opts := collaborators.Options()
	limits, err := cfg.RateLimits()
	if err != nil {
		return nil, err
	}
	for actionType, limit := range limits {
		opts = append(opts, actions.WithRateLimit(actionType, limit.PerSecond, limit.Burst))
	}
	executor := actions.NewExecutor(templater, opts...)

	components := multitenantengine.Components{
		DB:        a.db,
		Executor:  executor,
		Snapshots: collaborators.Entities,
		Guardrails: guardrails.Config{
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			LeaseMargin: cfg.LeaseMargin,
		},
		Engine: engine.Config{
			Concurrency:    cfg.DispatchConcurrency,
			Backlog:        cfg.EventBacklog,
			ResyncInterval: cfg.SchedulerResyncInterval,
		},
		RuleCacheTTL: cfg.RuleCacheTTL,
	}
	if a.redis != nil {
		components.Redis = a.redis
	}

	var registry multitenantengine.TenantRegistry = multitenantengine.NewMemoryTenantRegistry()
	if a.db != nil {
		registry = multitenantengine.NewPostgresTenantRegistry(a.db)
	}
	a.manager = multitenantengine.NewMultiTenantEngineManager(registry,
		multitenantengine.NewFactory(components), cfg.DispatchConcurrency)

	logger.Info("Loading tenants")
	if err := a.manager.LoadAllTenants(ctx); err != nil {
		return nil, fmt.Errorf("failed to load tenants: %w", err)
	}

	catalog, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}

	a.server = NewServer(a.manager, templater, a.db, catalog)
	return a, nil
}

func loadCatalog(path string) ([]*rules.Rule, error) {
	if path == "" {
		return rules.DefaultCatalog()
	}
	return rules.LoadCatalogFile(path)
}

func (a *app) close(ctx context.Context) {
	if err := a.manager.Shutdown(ctx); err != nil {
		logger.Error("Engines did not drain cleanly", "error", err)
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to start", "error", err)
	}

	if a.db != nil && cfg.DedupeSweepInterval > 0 {
		go a.manager.RunMaintenance(ctx, cfg.DedupeSweepInterval)
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      a.server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server starting", "port", cfg.Port, "tenants", len(a.manager.ListTenants()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed to start", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
	a.close(shutdownCtx)
	if err := logger.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "logger shutdown: %v\n", err)
	}

	logger.Info("Server stopped")
}
