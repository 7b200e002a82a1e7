package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/festion/homelab-gitops-auditor-sub007/internal/app/migrate"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/backup"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/events"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/gitops"
	httpx "github.com/festion/homelab-gitops-auditor-sub007/internal/http"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/repository/postgres"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/service/audit"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/service/executor"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/service/github"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/service/orchestrator"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/service/pipeline"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/service/rollback"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/service/webhook"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/validate"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/ws"
	"github.com/festion/homelab-gitops-auditor-sub007/pkg/config"
	"github.com/festion/homelab-gitops-auditor-sub007/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadAgentConfig()
	log := logger.New("deployd", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	bus := events.NewBus(cfg.EventBuffer)
	hub := ws.NewHub()
	go hub.Forward(bus.Subscribe(), log)

	auditSvc := audit.New(repo, log)

	workspace, err := gitops.NewWorkspace(cfg.WorkspaceRoot)
	if err != nil {
		log.Error("failed to prepare workspace root", "error", err)
		os.Exit(1)
	}
	cloner := gitops.NewCloner(cfg.GitBaseURL, cfg.GitToken)
	syncer := gitops.NewSyncer(cfg.PreservePaths)

	validators := validate.Chain{validate.YAMLValidator{}}
	if cfg.ValidateCommand != "" {
		validators = append(validators, validate.NewCommandValidator(cfg.ValidateCommand))
	}

	var store backup.Store
	if cfg.BackupS3Bucket != "" {
		store, err = backup.NewS3Store(ctx, backup.S3Config{
			Bucket:      cfg.BackupS3Bucket,
			Region:      cfg.BackupS3Region,
			Prefix:      cfg.BackupS3Prefix,
			EndpointURL: cfg.S3Endpoint,
			AccessKeyID: cfg.S3AccessKey,
			SecretKey:   cfg.S3SecretKey,
		}, log)
	} else {
		store, err = backup.NewLocalStore(cfg.BackupDir, cfg.BackupRetention, log)
	}
	if err != nil {
		log.Error("failed to configure backup store", "error", err)
		os.Exit(1)
	}

	builder := pipeline.NewBuilder(cloner, workspace, validators, store, syncer, repo,
		cfg.TargetDir, cfg.VerifyURL, cfg.VerifyTimeout, pipeline.Policy{
			Timeout:     cfg.StepTimeout,
			MaxAttempts: cfg.StepMaxRetries,
			RetryDelay:  cfg.StepRetryDelay,
		})
	exec := executor.New(log)

	var checker orchestrator.RepoChecker
	if cfg.RepoCheckAPI {
		checker = github.NewChecker(ctx, cfg.GitToken)
	}

	// background executions outlive the request contexts that trigger them
	// but stop accepting new work once the signal context is cancelled
	execCtx := context.WithoutCancel(ctx)

	orch := orchestrator.New(execCtx, repo, exec, builder, checker, workspace,
		auditSvc, bus, log, cfg.AllowedRepos, cfg.ConcurrencyScope)
	rollbackSvc := rollback.New(execCtx, repo, repo, exec, builder, auditSvc, bus, log)
	webhookSvc := webhook.New(repo, orch, auditSvc, log, cfg.WebhookSecret,
		cfg.AllowedRepos, cfg.TrackedBranch, cfg.WebhookBusyPolicy)

	if err := orch.Recover(ctx); err != nil {
		log.Error("crash recovery failed", "error", err)
		os.Exit(1)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, webhookSvc, orch, rollbackSvc, auditSvc, hub, limiter, cfg.JWTSecret, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("deployment agent starting", "addr", cfg.Addr,
			"tracked_branch", cfg.TrackedBranch, "scope", cfg.ConcurrencyScope)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		orch.Wait()
		rollbackSvc.Wait()
		bus.Close()
		hub.Shutdown()
		log.Info("deployment agent stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
