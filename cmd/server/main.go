package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"grok2api-go/internal/config"
	"grok2api-go/internal/grok"
	"grok2api-go/internal/logging"
	tracing "grok2api-go/internal/monitoring/tracing"
	srv "grok2api-go/internal/server"
	"grok2api-go/internal/storage"
	"grok2api-go/internal/token"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	if err := logging.Setup(cfg); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}

	traceShutdown, err := tracing.Init(context.Background())
	if err != nil {
		log.WithError(err).Warn("failed to initialize tracing")
	}
	if traceShutdown != nil {
		defer func() {
			if err := traceShutdown(context.Background()); err != nil {
				log.WithError(err).Warn("failed to shutdown tracing")
			}
		}()
	}

	log.Infof("Starting Grok2API-Go (config: %s)", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.NewStore(ctx, storage.Config{
		Backend:       cfg.Storage.Backend,
		DataDir:       cfg.Storage.DataDir,
		RedisAddr:     cfg.Storage.Redis.Addr,
		RedisPassword: cfg.Storage.Redis.Password,
		RedisDB:       cfg.Storage.Redis.DB,
		RedisPrefix:   cfg.Storage.Redis.Prefix,
		PostgresDSN:   cfg.Storage.Postgres.DSN,
		MongoURI:      cfg.Storage.Mongo.URI,
		MongoDatabase: cfg.Storage.Mongo.Database,
	})
	if err != nil {
		// 存储后端初始化失败时降级为文件后端，避免服务无法启动
		log.WithError(err).Warn("primary storage backend initialization failed, falling back to file backend")
		store, err = storage.NewStore(ctx, storage.Config{Backend: "file", DataDir: cfg.Storage.DataDir})
		if err != nil {
			log.WithError(err).Fatal("file backend fallback failed")
		}
	}

	usage := grok.NewUsageClient(grok.UsageOptions{
		BaseURL:        cfg.Upstream.BaseURL,
		ProxyURL:       cfg.Upstream.ProxyURL,
		CFClearance:    cfg.Upstream.CFClearance,
		DynamicStatsig: cfg.Upstream.DynamicStatsig,
		Timeout:        cfg.UpstreamTimeout(),
		MaxConcurrent:  int64(cfg.Upstream.UsageMaxConcurrent),
	})

	manager := token.NewManager(token.Options{
		Store:          store,
		Usage:          usage,
		SaveDelay:      cfg.SaveDelay(),
		LockTimeout:    cfg.LockTimeout(),
		ReloadInterval: cfg.ReloadInterval(),
	})
	if err := manager.Load(ctx); err != nil {
		log.WithError(err).Fatal("failed to load token pools")
	}

	scheduler := token.NewScheduler(manager, store, cfg.RefreshInterval())
	if cfg.SchedulerEnabled() {
		scheduler.Start(ctx)
	} else {
		log.Info("token scheduler disabled by configuration")
	}

	watcher := config.NewWatcher(*configPath, func(next *config.Config) {
		if err := logging.Setup(next); err != nil {
			log.WithError(err).Warn("failed to reapply logging configuration")
		}
	})
	watcher.Start()

	server := srv.New(cfg, srv.Dependencies{
		Manager:   manager,
		Scheduler: scheduler,
		Store:     store,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received signal %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown failed")
	}
	watcher.Stop()
	if cfg.SchedulerEnabled() {
		scheduler.Stop()
	}
	if err := manager.Close(shutdownCtx); err != nil {
		log.WithError(err).Error("failed to flush token state")
	}
	if err := store.Close(); err != nil {
		log.WithError(err).Warn("failed to close storage backend")
	}
	log.Info("shutdown complete")
}
