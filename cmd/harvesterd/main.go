// Command harvesterd runs the image acquisition engine: HTTP API, worker
// pool, rate limiter, proxy pool and queue consumers in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pixvault/harvester/internal/api"
	"github.com/pixvault/harvester/internal/clock/system"
	"github.com/pixvault/harvester/internal/config"
	"github.com/pixvault/harvester/internal/fetch"
	uuidgen "github.com/pixvault/harvester/internal/id/uuid"
	"github.com/pixvault/harvester/internal/logging"
	"github.com/pixvault/harvester/internal/manager"
	"github.com/pixvault/harvester/internal/metrics"
	"github.com/pixvault/harvester/internal/proxy"
	"github.com/pixvault/harvester/internal/queue"
	amqpqueue "github.com/pixvault/harvester/internal/queue/amqp"
	memqueue "github.com/pixvault/harvester/internal/queue/memory"
	"github.com/pixvault/harvester/internal/ratelimit"
	"github.com/pixvault/harvester/internal/retry"
	storemem "github.com/pixvault/harvester/internal/storage/memory"
	"github.com/pixvault/harvester/internal/tasks"
	"github.com/pixvault/harvester/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "harvesterd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := system.New()
	ids := uuidgen.NewUUIDGenerator()

	// Rate limiting.
	var rlStore ratelimit.Store
	switch cfg.RateLimit.Store {
	case "postgres":
		pgStore, err := ratelimit.NewPostgresStore(ctx, cfg.DB.DSN)
		if err != nil {
			return err
		}
		defer pgStore.Close()
		rlStore = pgStore
	default:
		rlStore = ratelimit.NewMemoryStore()
	}
	defRule, overrides := cfg.RateLimitRules()
	limiter := ratelimit.New(rlStore, clk, defRule, overrides)

	// Egress proxies.
	pool := proxy.NewPool(cfg.ProxyPoolConfig(), logger)
	if cfg.Proxy.PoolFile != "" {
		if err := pool.Load(cfg.Proxy.PoolFile); err != nil {
			logger.Warn("proxy snapshot load failed", zap.Error(err))
		}
	}
	for _, seed := range cfg.Proxy.Proxies {
		pool.Add(proxy.Record{
			Host:     seed.Host,
			Port:     seed.Port,
			Username: seed.Username,
			Password: seed.Password,
			Protocol: seed.Protocol,
			Country:  seed.Country,
			Provider: seed.Provider,
		})
	}
	probe := proxy.HTTPProbe(cfg.Proxy.CheckURL,
		time.Duration(cfg.Proxy.HealthCheckTimeoutSeconds)*time.Second)
	probeExec := retry.NewExecutor(retry.Policy{
		MaxRetries: 1,
		BaseDelay:  time.Second,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
	}, logger)
	checker := proxy.NewHealthChecker(pool, probe, probeExec,
		time.Duration(cfg.Proxy.HealthCheckIntervalSeconds)*time.Second, logger)
	go checker.Run(ctx)

	// Broker.
	var broker queue.Queue
	switch cfg.Queue.Provider {
	case "amqp":
		broker, err = amqpqueue.New(cfg.Queue.URL, logger)
		if err != nil {
			return err
		}
	default:
		broker = memqueue.New()
	}
	defer func() { _ = broker.Close() }()
	router := queue.NewRouter()

	// Tasks and workers.
	taskStore := storemem.NewTaskStore(clk)
	taskSvc := tasks.New(taskStore, broker, router, ids, clk, logger)

	downloader, err := fetch.NewDownloader(fetch.DownloaderConfig{
		Dir:       cfg.Fetch.Dir,
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
	}, logger)
	if err != nil {
		return err
	}
	searcher := fetch.NewHTMLSearcher(fetch.SearcherConfig{
		URLTemplate: cfg.Search.URLTemplate,
		UserAgent:   cfg.Fetch.UserAgent,
		Timeout:     time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
	}, logger)

	workers := worker.NewPool(worker.Deps{
		Broker:         broker,
		Store:          taskStore,
		Limiter:        limiter,
		Proxies:        pool,
		Downloader:     downloader,
		Searcher:       searcher,
		Enqueuer:       taskSvc,
		Clock:          clk,
		RetryPolicy:    cfg.RetryPolicy(),
		AttemptTimeout: cfg.AttemptTimeout(),
		Logger:         logger,
	})
	if err := workers.Start(ctx, cfg.Workers.Count); err != nil {
		return err
	}

	mgr := manager.New(workers, broker, clk,
		time.Duration(cfg.Workers.HeartbeatStaleSeconds)*time.Second,
		time.Duration(cfg.Workers.StatusIntervalSeconds)*time.Second,
		logger)
	go mgr.Run(ctx)

	// HTTP API.
	server := api.NewServer(taskSvc, mgr, pool, logger)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		stop()
		workers.Shutdown()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	workers.Shutdown()
	if cfg.Proxy.PoolFile != "" {
		if err := pool.Save(cfg.Proxy.PoolFile); err != nil {
			logger.Warn("proxy snapshot save failed", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
	return nil
}
