package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ssuji15/loracloud/internal/component"
	"github.com/ssuji15/loracloud/internal/config"
	"github.com/ssuji15/loracloud/internal/job_tracer"
	"github.com/ssuji15/loracloud/internal/jobs"
	"github.com/ssuji15/loracloud/internal/lifecycle"
	"github.com/ssuji15/loracloud/internal/service/logger"
	"github.com/ssuji15/loracloud/internal/sshclient"
	"github.com/ssuji15/loracloud/internal/tunnel"
	"github.com/ssuji15/loracloud/internal/web"
	"github.com/ssuji15/loracloud/internal/worker"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.Init(cfg.SERVICE_NAME, cfg.LOG_LEVEL)

	if cfg.TRACE_URL != "" {
		tp, err := job_tracer.InitTracer(ctx, cfg.SERVICE_NAME, cfg.TRACE_URL)
		if err != nil {
			log.Fatalf("error initialising trace: %v", err)
		}
		defer tp.Shutdown(context.Background())
	}

	serverCfg, err := config.GetServerConfig()
	if err != nil {
		log.Fatalf("server config error: %v", err)
	}
	tunnelCfg, err := config.GetTunnelConfig()
	if err != nil {
		log.Fatalf("tunnel config error: %v", err)
	}
	jobCfg, err := config.GetJobConfig()
	if err != nil {
		log.Fatalf("job config error: %v", err)
	}

	cache, err := component.GetCache(ctx, cfg.CACHE_TYPE)
	if err != nil {
		log.Fatalf("cache initialization error: %v", err)
	}

	storage, err := component.GetStorage(ctx, cfg.STORAGE_TYPE)
	if err != nil {
		log.Fatalf("storage initialization error: %v", err)
	}

	queue, err := component.GetQueue(cfg.QUEUE_TYPE)
	if err != nil {
		log.Fatalf("queue initialization error: %v", err)
	}

	store, closeStore, err := component.GetJobStore(ctx, cfg.STORE_TYPE)
	if err != nil {
		log.Fatalf("job store initialization error: %v", err)
	}
	defer closeStore()

	provider, err := component.GetProvider(cfg.PROVIDER_TYPE, cache)
	if err != nil {
		log.Fatalf("provider initialization error: %v", err)
	}

	connector, err := sshclient.NewConnector(tunnelCfg)
	if err != nil {
		log.Fatalf("ssh initialization error: %v", err)
	}

	healthTimeout := time.Duration(tunnelCfg.HEALTH_TIMEOUT_SECONDS) * time.Second
	tunnels := tunnel.NewManager(
		provider,
		tunnel.NewSSHDialer(connector, healthTimeout),
		time.Duration(tunnelCfg.HEALTH_INTERVAL_SECOND)*time.Second,
		healthTimeout,
	)
	registry := jobs.NewRegistry(
		provider,
		worker.NewClient(worker.NewSSHRunner(connector), jobCfg),
		storage,
		store,
		queue,
		lifecycle.ArtifactKey,
		jobCfg,
	)
	ctrl := lifecycle.NewController(provider, tunnels, registry, storage, cache, queue, serverCfg)
	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("lifecycle start error: %v", err)
	}

	server := web.NewServer(ctrl, serverCfg)
	srv := &http.Server{
		Addr:              serverCfg.ADDR,
		Handler:           server.Router(),
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Log.Info().Str("addr", srv.Addr).Msg("HTTP server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Log.Info().Msg("trying to shutdown server gracefully...")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		logger.Log.Error().Err(err).Msg("http server stopped")
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// the controller stops pollers and tunnels before their dependencies go
	server.ShutDown(sctx)
	ctrl.ShutDown(sctx)

	var wg sync.WaitGroup
	shutdown := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(sctx)
		}()
	}
	shutdown(cache.ShutDown)
	shutdown(storage.ShutDown)
	shutdown(queue.ShutDown)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Log.Info().Msg("server shutdown gracefully.")
	case <-sctx.Done():
		logger.Log.Info().Msg("server graceful shutdown timedout..")
	}
}
