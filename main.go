package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"omics-backend/internal/audit"
	"omics-backend/internal/auth"
	"omics-backend/internal/cache"
	"omics-backend/internal/config"
	"omics-backend/internal/handlers"
	"omics-backend/internal/hub"
	"omics-backend/internal/jobs"
	"omics-backend/internal/metrics"
	"omics-backend/internal/rbac"
	"omics-backend/internal/routes"
	"omics-backend/internal/store/postgres"
	"omics-backend/internal/workspace"
)

func main() {
	// A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg := config.Load()
	gin.SetMode(cfg.GinMode)

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.TokenSigningKey == "" {
		logger.Fatal("TOKEN_SIGNING_KEY must be set")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database init failed", zap.Error(err))
	}
	defer st.Close()

	kv, err := cache.NewRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		logger.Fatal("redis init failed", zap.Error(err))
	}
	defer func() { _ = kv.Close() }()

	met := metrics.New()

	recorder := audit.NewRecorder(st.Audit(), logger)
	defer recorder.Close()

	signer := auth.NewHMACSigner([]byte(cfg.TokenSigningKey))
	authSvc := auth.NewService(st, kv, recorder, signer, logger, auth.Config{
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		TempTokenTTL:    cfg.TempTokenTTL,
		BcryptCost:      cfg.BcryptCost,
		MFACodeStep:     cfg.MFACodeStep,
		MFACodeSkew:     cfg.MFACodeSkew,
		RolesCacheTTL:   cfg.RBACCacheTTL,
	})
	rbacSvc := rbac.NewService(st, kv, recorder, logger, cfg.RBACCacheTTL)
	if err := rbacSvc.SeedRoles(ctx); err != nil {
		logger.Fatal("role seeding failed", zap.Error(err))
	}

	workspaceSvc := workspace.NewService(st, recorder, nil, logger)
	sessionHub := hub.New(cfg, st, authSvc, workspaceSvc, met, logger)
	workspaceSvc.SetNotifier(sessionHub)

	registry := jobs.NewRegistry(logger)
	registry.Register(&jobs.StageDriver{
		JobType:    "rnaseq_quantification",
		Stages:     []string{"qc", "align", "quantify", "normalize"},
		StageDelay: 2 * time.Second,
	})
	registry.Register(&jobs.StageDriver{
		JobType:    "variant_calling",
		Stages:     []string{"qc", "align", "call", "filter", "annotate"},
		StageDelay: 2 * time.Second,
	})
	registry.Register(&jobs.StageDriver{
		JobType:    "differential_expression",
		Stages:     []string{"load", "fit", "test", "report"},
		StageDelay: 2 * time.Second,
	})

	scheduler := jobs.NewScheduler(cfg, st, registry, recorder, sessionHub, met, logger)
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}

	credentialPolicy := cache.PolicyFromRate(cfg.LoginBurst, cfg.LoginRefillPerSec)
	limiter := cache.NewRateLimiter(kv, map[string]cache.BucketPolicy{
		"login":      credentialPolicy,
		"register":   credentialPolicy,
		"mfa_verify": credentialPolicy,
	})

	engine := routes.Setup(routes.Deps{
		Auth:      handlers.NewAuthHandlers(authSvc, rbacSvc, st),
		Roles:     handlers.NewRoleHandlers(rbacSvc),
		Workspace: handlers.NewWorkspaceHandlers(workspaceSvc, sessionHub),
		Jobs:      handlers.NewJobHandlers(scheduler, rbacSvc),
		Audit:     handlers.NewAuditHandlers(recorder),
		System:    handlers.NewSystemHandlers(st, kv, met),
		AuthSvc:   authSvc,
		RBACSvc:   rbacSvc,
		Recorder:  recorder,
		Limiter:   limiter,
		Hub:       sessionHub,
		Log:       logger,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
	}
	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := sessionHub.Close(shutdownCtx); err != nil {
		logger.Warn("hub shutdown", zap.Error(err))
	}
	if err := scheduler.Close(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown", zap.Error(err))
	}
}
