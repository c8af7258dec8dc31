package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ojworker/internal/common/cache"
	commonmw "ojworker/internal/common/http/middleware"
	compilecache "ojworker/internal/judge/cache"
	"ojworker/internal/judge/dispatcher"
	"ojworker/internal/judge/ingest"
	"ojworker/internal/judge/orchestrator"
	"ojworker/internal/judge/sandbox/engine"
	"ojworker/internal/judge/sandbox/observer"
	"ojworker/internal/judge/scheduler"
	"ojworker/internal/judge/worker"
	"ojworker/pkg/errors"
	"ojworker/pkg/utils/logger"
	"ojworker/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to worker config file")
	flag.Parse()

	cfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exitCode := run(ctx, cfg)
	os.Exit(exitCode)
}

func run(ctx context.Context, cfg *AppConfig) int {
	eng, err := engine.NewEngine(cfg.Sandbox.toEngineConfig(), &cfg.Profiles)
	if err != nil {
		logger.Error(ctx, "init sandbox engine failed", zap.Error(err))
		return 1
	}

	compiles, err := compilecache.New(cfg.CompileCache.StoreDir, cfg.CompileCache.MaxSize)
	if err != nil {
		logger.Error(ctx, "init compile cache failed", zap.Error(err))
		return 1
	}

	sched, err := scheduler.New(cfg.Scheduler.WorkDirs, cfg.Scheduler.MaxConcurrentTasks)
	if err != nil {
		logger.Error(ctx, "init task scheduler failed", zap.Error(err))
		return 1
	}

	var lock ingest.DistributedLock
	if cfg.Redis.Enabled {
		redisCache, err := cache.NewRedisCache(cfg.Redis.Addr)
		if err != nil {
			logger.Error(ctx, "init redis lock failed", zap.Error(err))
			return 1
		}
		defer func() { _ = redisCache.Close() }()
		lock = redisCache
	}

	client := dispatcher.New(dispatcher.Config{
		ServerURL:        cfg.Dispatcher.ServerURL,
		Name:             cfg.Dispatcher.Name,
		Secret:           cfg.Dispatcher.Secret,
		HandshakeTimeout: cfg.Dispatcher.HandshakeTimeout,
		RequestTimeout:   cfg.Dispatcher.RequestTimeout,
	}, dispatcher.Handlers{})

	store, err := ingest.New(ingest.Config{
		DataStore:              cfg.Ingest.DataStore,
		Resolver:               client.RequestFiles,
		Lock:                   lock,
		LockTTL:                cfg.Ingest.LockTTL,
		LockPollInterval:       cfg.Ingest.LockPollInterval,
		MaxConcurrentDownloads: cfg.Ingest.MaxConcurrentDownloads,
		DownloadTimeout:        cfg.Ingest.DownloadTimeout,
	})
	if err != nil {
		logger.Error(ctx, "init testdata store failed", zap.Error(err))
		return 1
	}

	reporter := worker.NewReporter(client, 100*time.Millisecond)
	orch := orchestrator.New(eng, compiles, sched, reporter, cfg.Affinity.toSpecMap())
	orch.Metrics = observer.NewLogRecorder()

	profiles := worker.ProfileSet{
		Languages:  cfg.Profiles.Languages,
		Compile:    cfg.Profiles.Compile,
		Run:        cfg.Profiles.Run,
		Checker:    cfg.Profiles.Checker,
		Interactor: cfg.Profiles.Interactor,
	}
	loop := worker.NewLoop(client, orch, store, profiles, cfg.Concurrency)
	client.SetHandlers(loop.Handlers())

	admin := newAdminServer(cfg.Server, orch)
	go func() {
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "admin server stopped", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = admin.Shutdown(shutdownCtx)
	}()

	if err := client.Connect(ctx); err != nil {
		logger.Error(ctx, "connect to dispatcher failed", zap.Error(err))
		return dispatcherExitCode(err)
	}

	if err := loop.Run(ctx); err != nil {
		logger.Warn(ctx, "worker loop exited", zap.Error(err))
		return dispatcherExitCode(err)
	}
	return 0
}

// dispatcherExitCode maps a lost dispatcher connection to exit code 100,
// the signal the outer process supervisor restarts on; any other failure
// is a plain nonzero exit.
func dispatcherExitCode(err error) int {
	if errors.Is(err, errors.DispatcherLost) {
		return 100
	}
	return 1
}

func newAdminServer(cfg ServerConfig, orch *orchestrator.Orchestrator) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), commonmw.TraceContextMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		response.Success(c, gin.H{"status": "ok"})
	})
	r.GET("/debug/status/:submissionId", func(c *gin.Context) {
		snapshot, ok := orch.Status(c.Param("submissionId"))
		if !ok {
			response.Error(c, errors.New(errors.SubmissionNotFound))
			return
		}
		response.Success(c, snapshot)
	})

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}
