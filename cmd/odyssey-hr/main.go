package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odyssey-erp/odyssey-hr/internal/app"
	"github.com/odyssey-erp/odyssey-hr/internal/employees"
	"github.com/odyssey-erp/odyssey-hr/internal/observability"
	"github.com/odyssey-erp/odyssey-hr/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-hr/internal/platform/db"
	"github.com/odyssey-erp/odyssey-hr/internal/rbac"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
	"github.com/odyssey-erp/odyssey-hr/internal/users"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(dbpool, logger)

	var grantCache *rbac.GrantCache
	if cfg.AuthzCacheSize > 0 {
		grantCache, err = rbac.NewGrantCache(rbac.GrantCacheOptions{
			Size:        cfg.AuthzCacheSize,
			Client:      redisClient,
			Logger:      logger,
			Observer:    metrics,
			LoadTimeout: cfg.AuthzCheckTimeout,
			MaxAge:      cfg.AuthzCacheMaxAge,
		})
		if err != nil {
			logger.Error("grant cache", slog.Any("error", err))
			os.Exit(1)
		}
		if err := grantCache.Listen(ctx); err != nil {
			logger.Warn("grant cache listener", slog.Any("error", err))
		}
	}

	manifest, err := rbac.DefaultManifest()
	if err != nil {
		logger.Error("rbac manifest", slog.Any("error", err))
		os.Exit(1)
	}

	rbacRepo := rbac.NewPostgresRepository(dbpool)
	employeeRepo := employees.NewRepository(dbpool)
	opts := rbac.Options{
		Logger:       logger,
		Audit:        auditLogger,
		CheckTimeout: cfg.AuthzCheckTimeout,
		Observer:     metrics,
	}
	if grantCache != nil {
		opts.Invalidator = grantCache
	}
	if _, err := rbac.Bootstrap(ctx, rbacRepo, manifest, opts); err != nil {
		logger.Error("rbac bootstrap", slog.Any("error", err))
		os.Exit(1)
	}
	services := rbac.NewServices(rbacRepo, employeeRepo, manifest.ScopePolicy(), grantCache, opts)
	rbacMiddleware := rbac.Middleware{Guard: services.Guard, Logger: logger}

	usersService := users.NewService(users.NewRepository(dbpool), services.Roles, auditLogger, logger)
	employeesService := employees.NewService(employeeRepo, services.Guard)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		Identifier:       shared.NewSessionStore(redisClient, cfg.SessionCookie, cfg.SessionTTL),
		Principals:       usersService,
		RBACMiddleware:   rbacMiddleware,
		RBACHandler:      rbac.NewHandler(logger, services, rbacMiddleware),
		UsersHandler:     users.NewHandler(logger, usersService, rbacMiddleware),
		EmployeesHandler: employees.NewHandler(logger, employeesService),
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
