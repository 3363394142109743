// Package main はAPIサーバーと送信ワーカーのエントリポイント。
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"pdp-submission-service/config"
	"pdp-submission-service/internal/domain"
	"pdp-submission-service/internal/handler"
	"pdp-submission-service/internal/infra"
	"pdp-submission-service/internal/infra/artifact"
	"pdp-submission-service/internal/infra/notify"
	"pdp-submission-service/internal/infra/pdp"
	"pdp-submission-service/internal/infra/queue"
	"pdp-submission-service/internal/repository"
	"pdp-submission-service/internal/signing"
	"pdp-submission-service/internal/usecase"
	"pdp-submission-service/internal/worker"
)

// taskQueue はスケジュールと取り出しの両方を行うキュー。
type taskQueue interface {
	usecase.TaskQueue
	worker.TaskSource
	Close() error
}

func main() {
	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	cfg := config.Load()
	if err := run(cfg); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg, infra.ParseLevel(cfg.LogLevel))

	mode, err := domain.ParseMode(cfg.PDP.Mode)
	if err != nil {
		return fmt.Errorf("PDP_MODE: %w", err)
	}

	// DB初期化
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}
	db, err := infra.NewDB(cfg)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}

	// 署名プロバイダーは一度だけ生成し、利用箇所に渡す
	provider, err := signing.NewProvider(ctx, cfg, db)
	if err != nil {
		return fmt.Errorf("initializing signing provider: %w", err)
	}
	defer func() {
		if err := provider.Close(); err != nil {
			slog.Error("failed to close signing provider", "error", err)
		}
	}()

	q, err := newQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	endpoints := usecase.EndpointSet{
		domain.ModeSimulation: pdp.NewSimulator(cfg.PDP.SimulationDelay),
	}
	if cfg.PDP.BaseURL != "" {
		client, err := pdp.NewClient(cfg.PDP.BaseURL, cfg.PDP.APIKey, cfg.PDP.RequestTimeout)
		if err != nil {
			return fmt.Errorf("initializing PDP client: %w", err)
		}
		endpoints[domain.ModeProduction] = client
	} else if mode == domain.ModeProduction {
		return errors.New("PDP_BASE_URL is required in production mode")
	}

	metrics := infra.NewMetrics()

	// DI
	submissionRepo := repository.NewSubmissionRepository(db)
	documentRepo := repository.NewDocumentRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	artifacts := artifact.NewStore(cfg.PDP.ArtifactDir, documentRepo)

	sinks := notify.Composite{notify.NewInApp(notificationRepo)}
	if cfg.SMTP.Addr != "" {
		sinks = append(sinks, notify.NewEmail(cfg.SMTP.Addr, cfg.SMTP.From, cfg.SMTP.Username, cfg.SMTP.Password))
	}

	deps := usecase.PipelineDeps{
		Submissions: submissionRepo,
		Documents:   documentRepo,
		Assembler:   artifacts,
		Artifacts:   artifacts,
		Endpoints:   endpoints,
		Queue:       q,
		Notifier:    sinks,
		Signer:      provider,
		Metrics:     metrics,
	}
	policy := usecase.RetryPolicy{
		MaxAttempts:       cfg.PDP.MaxAttempts,
		BaseDelay:         cfg.PDP.RetryBaseDelay,
		MaxDelay:          cfg.PDP.RetryMaxDelay,
		ReconcileInterval: cfg.PDP.ReconcileInterval,
		SimulationDelay:   cfg.PDP.SimulationDelay,
		StaleAfter:        cfg.PDP.StaleAfter,
		OrphanAfter:       cfg.PDP.OrphanAfter,
		RequestTimeout:    cfg.PDP.RequestTimeout,
	}
	dispatcher := usecase.NewSubmissionDispatcher(deps, policy, usecase.DispatchOptions{
		SignArtifacts: cfg.PDP.SignArtifacts,
		SigningKeyID:  cfg.PDP.SigningKeyID,
	})
	reconciler := usecase.NewResponseReconciler(deps, policy)
	submissions := usecase.NewSubmissionService(submissionRepo, documentRepo, q, notificationRepo, mode, policy.MaxAttempts)

	router := handler.NewRouter(
		handler.NewSubmissionHandler(submissions, reconciler),
		handler.NewSigningHandler(usecase.NewSigningService(provider)),
		metrics.Handler(),
	)

	// ワーカーとスイーパーは ctx のキャンセルで停止する
	var wg sync.WaitGroup
	pool := worker.NewPool(q, dispatcher, reconciler, metrics, cfg.Queue.Concurrency)
	wg.Add(2)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		worker.RunSweeper(ctx, reconciler, dispatcher, cfg.PDP.SweepInterval)
	}()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server",
		"port", cfg.Port,
		"mode", mode,
		"signing_backend", cfg.Signing.Backend,
		"queue_backend", cfg.Queue.Backend,
		"workers", cfg.Queue.Concurrency,
	)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		stop()
		wg.Wait()
		return fmt.Errorf("serving http: %w", err)
	}
	wg.Wait()
	slog.Info("server stopped")
	return nil
}

// newQueue は QUEUE_BACKEND に応じた遅延タスクキューを生成する。
func newQueue(ctx context.Context, cfg *config.Config) (taskQueue, error) {
	switch cfg.Queue.Backend {
	case "memory", "":
		slog.Warn("using in-memory task queue; scheduled tasks are lost on restart")
		return queue.NewMemoryQueue(domain.DefaultLane), nil
	case "redis":
		q, err := queue.NewRedisQueue(cfg.Queue.RedisAddr, cfg.Queue.RedisPassword, cfg.Queue.RedisDB, domain.DefaultLane)
		if err != nil {
			return nil, fmt.Errorf("initializing redis queue: %w", err)
		}
		if err := q.Ping(ctx); err != nil {
			q.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unsupported QUEUE_BACKEND: %s", cfg.Queue.Backend)
	}
}
