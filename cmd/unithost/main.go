package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"unithost/internal/api"
	"unithost/internal/command"
	"unithost/internal/common/cache"
	"unithost/internal/common/http/middleware"
	"unithost/internal/common/mq"
	"unithost/internal/common/ratelimit"
	"unithost/internal/common/storage"
	"unithost/internal/events"
	"unithost/internal/host/deps"
	"unithost/internal/host/loader"
	"unithost/internal/host/mount"
	"unithost/internal/host/router"
	"unithost/internal/host/supervisor"
	"unithost/internal/unitstore"
	"unithost/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultConfigPath = "configs/unithost.yaml"
	kafkaPingTimeout  = 5 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file (.yaml or .toml)")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath, *configPath == defaultConfigPath, os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "unithost stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *AppConfig) error {
	ctx := context.Background()
	if !strings.EqualFold(cfg.Logger.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	var redisCache *cache.RedisCache
	if cfg.Redis.Addr != "" {
		rc, err := cache.NewRedisCacheWithConfig(&cfg.Redis)
		if err != nil {
			return fmt.Errorf("init redis failed: %w", err)
		}
		defer func() { _ = rc.Close() }()
		redisCache = rc
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.Events.Enabled {
		producer, err := mq.NewKafkaProducer(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("init kafka failed: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, kafkaPingTimeout)
		if err := producer.Ping(pingCtx); err != nil {
			logger.Warn(ctx, "kafka is unreachable, events will be retried per publish", zap.Error(err))
		}
		cancel()
		async := events.NewAsync(events.NewMQPublisher(producer, cfg.Events.Topic), cfg.Events.Buffer)
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := async.Close(flushCtx); err != nil {
				logger.Warn(flushCtx, "flush events failed", zap.Error(err))
			}
			_ = producer.Close()
		}()
		publisher = async
	}

	store, err := unitstore.New(cfg.Units)
	if err != nil {
		return fmt.Errorf("init unit store failed: %w", err)
	}

	var packages command.Packages
	var resolver supervisor.Resolver
	if cfg.Deps.Enabled {
		var set deps.InstalledSet = deps.NewMemorySet()
		if redisCache != nil {
			set = deps.NewRedisSet(redisCache, cfg.Packages.RedisKey)
		}
		r := deps.NewResolver(cfg.Deps, set, nil)
		packages = r
		if cfg.Supervisor.ResolveDeps {
			resolver = r
		}
	}

	var importer command.Importer
	if cfg.MinIO.Enabled() {
		objects, err := storage.NewMinIOStorage(cfg.MinIO)
		if err != nil {
			return fmt.Errorf("init object storage failed: %w", err)
		}
		importer = unitstore.NewImporter(objects, store, cfg.MinIO.Bucket, cfg.MinIO.Prefix)
	}

	sup, err := supervisor.New(supervisor.Config{
		Interpreters:  cfg.Supervisor.Interpreters,
		WorkDir:       cfg.Supervisor.WorkDir,
		Env:           cfg.Supervisor.Env,
		ProgressEvery: cfg.Supervisor.ProgressEvery,
		StopGrace:     cfg.Supervisor.StopGrace,
		Output:        cfg.Supervisor.Output,
		Resolver:      resolver,
		Observer:      command.JobObserver(publisher),
	})
	if err != nil {
		return fmt.Errorf("init supervisor failed: %w", err)
	}

	unitLoader, err := loader.NewProcessLoader(cfg.Loader)
	if err != nil {
		return fmt.Errorf("init loader failed: %w", err)
	}
	registry := mount.NewRegistry(unitLoader, cfg.Mounts)

	svc := command.NewService(command.Config{
		AdminID:     cfg.AdminID,
		ExternalURL: cfg.ExternalURL,
		Entrypoint:  cfg.Entrypoint,
	}, command.Deps{
		Jobs:      sup,
		Mounts:    registry,
		Units:     store,
		Packages:  packages,
		Importer:  importer,
		Publisher: publisher,
	})

	var limiter middleware.Limiter
	if redisCache != nil {
		limiter = ratelimit.NewRedisLimiter(redisCache, cfg.API.RateLimit.Window, cfg.Redis.ReadTimeout)
	}

	feed := api.NewFeed(cfg.API.StreamBuffer)
	handler := api.NewHandler(svc, feed, cfg.Units.MaxUnitBytes, originChecker(cfg.API.StreamOrigins))
	engine := api.NewEngine(api.EngineConfig{
		CORS:            cfg.API.CORS,
		TrustUserHeader: !cfg.API.IgnoreUserHeader,
		Limiter:         limiter,
		RateLimit:       cfg.API.RateLimit,
	}, handler)

	httpServer := &http.Server{
		Addr:           cfg.Server.Addr,
		Handler:        router.New(registry, engine),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}

	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	pollDone := make(chan struct{})
	if cfg.Commands.Enabled {
		poller := &command.Poller{
			Source:         command.NewRedisQueueSource(redisCache, cfg.Commands.Queue),
			Handler:        svc,
			PollInterval:   cfg.Commands.PollInterval,
			RestartBackoff: cfg.Commands.RestartBackoff,
		}
		go func() {
			defer close(pollDone)
			poller.Run(pollCtx)
		}()
	} else {
		close(pollDone)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "unithost http server started",
			zap.String("addr", cfg.Server.Addr),
			zap.String("units", store.Dir()),
			zap.String("base_url", command.BaseURL(cfg.ExternalURL)),
		)
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	stopPolling()
	<-pollDone

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(drainCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}

	stopped := sup.StopAll(drainCtx)
	unmounted := registry.ClearAll(drainCtx)
	sup.Wait()
	registry.Wait()
	logger.Info(ctx, "unithost stopped", zap.Int("jobs_stopped", stopped), zap.Int("mounts_closed", unmounted))
	return serveErr
}

// originChecker allows same-host websocket clients plus the listed origins.
func originChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.ToLower(strings.TrimSpace(o))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := allowed["*"]; ok {
			return true
		}
		_, ok := allowed[strings.ToLower(origin)]
		return ok || strings.EqualFold(strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://"), r.Host)
	}
}
