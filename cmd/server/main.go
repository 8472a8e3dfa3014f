package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"fetchd/internal/config"
	"fetchd/internal/downloader"
	apphttp "fetchd/internal/http"
	"fetchd/internal/metrics"
	"fetchd/internal/peerwire"
	"fetchd/internal/piece"
	"fetchd/internal/protocol"
	"fetchd/internal/repository/sqlite"
	"fetchd/internal/service"
	"fetchd/internal/storage"
	"fetchd/internal/throttle"
	"fetchd/internal/torrent"
	"fetchd/internal/tracker"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("unknown log level %q, keeping %s", cfg.Log.Level, logger.GetLevel())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	taskRepo := sqlite.NewTaskRepository(db)
	fileRepo := sqlite.NewTaskFileRepository(db)
	userRepo := sqlite.NewUserRepository(db)

	if err := taskRepo.Init(ctx); err != nil {
		logger.Fatalf("init task repository: %v", err)
	}
	if err := fileRepo.Init(ctx); err != nil {
		logger.Fatalf("init file repository: %v", err)
	}
	if err := userRepo.Init(ctx); err != nil {
		logger.Fatalf("init user repository: %v", err)
	}

	dataRoot, err := filepath.Abs(cfg.Download.DataDir)
	if err != nil {
		logger.Fatalf("resolve data dir: %v", err)
	}
	taskService := service.NewTaskService(taskRepo, fileRepo, dataRoot)
	userService := service.NewUserService(userRepo, cfg.Auth.RegisterPassword)

	storageSvc, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup storage: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New()
	m.Register(registry)

	trackerClient := tracker.NewClient(tracker.ClientConfig{
		Timeout:    cfg.Tracker.Timeout,
		Tolerant:   cfg.Tracker.Tolerant,
		RelayToken: cfg.Tracker.RelayToken,
		Observer:   m.TrackerAnnounced,
		Logger:     logger,
	})
	var announcer tracker.Announcer = trackerClient
	if cfg.Tracker.Relay != "" {
		announcer = trackerClient.NewBatcher(cfg.Tracker.Relay, cfg.Tracker.BatchWindow, 0)
		logger.WithField("relay", cfg.Tracker.Relay).Info("announcing through multi-announce relay")
	}

	strategy, err := piece.StrategyByName(cfg.Torrent.Strategy)
	if err != nil {
		logger.Fatalf("torrent strategy: %v", err)
	}

	listenAddr := fmt.Sprintf(":%d", cfg.Torrent.Port)
	var (
		utp       *peerwire.UTP
		transport peerwire.Transport
	)
	if cfg.Torrent.UTP {
		if utp, err = peerwire.ListenUTP(listenAddr); err != nil {
			logger.Fatalf("listen utp: %v", err)
		}
		transport = peerwire.Fallback{utp, peerwire.TCP{Timeout: 10 * time.Second}}
	}
	listener, err := torrent.Listen(listenAddr, utp, logger)
	if err != nil {
		logger.Fatalf("listen peers: %v", err)
	}
	go func() {
		if err := listener.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("peer listener stopped")
		}
	}()
	logger.WithField("port", listener.Port()).Info("accepting peers")

	fetcher := protocol.NewMetadataFetcher(filepath.Join(dataRoot, ".meta"), protocol.DefaultMetadataTrackers(), logger)
	dispatcher := protocol.New(protocol.Env{
		HTTPClient: &http.Client{},
		FTPTimeout: cfg.Download.FTPTimeout,
		Limiter:    throttle.NewLimiter(cfg.Download.RateLimit),
		Torrent: torrent.Config{
			Listener:      listener,
			Announcer:     announcer,
			Strategy:      strategy,
			Transport:     transport,
			MaxPeers:      cfg.Torrent.MaxPeers,
			Pipeline:      cfg.Torrent.Pipeline,
			KeepAlive:     cfg.Torrent.KeepAlive,
			IdleTimeout:   cfg.Torrent.IdleTimeout,
			GracePeriod:   cfg.Torrent.GracePeriod,
			ExtraTrackers: cfg.Tracker.Extra,
			Fast:          cfg.Torrent.Fast,
			Limiter:       throttle.NewLimiter(cfg.Torrent.RateLimit),
			Observer:      m,
			Logger:        logger,
		},
		Magnet: fetcher,
		Logger: logger,
	})

	hub := apphttp.NewHub(logger)
	go hub.Run()

	manager := downloader.NewManager(downloader.Config{
		MaxConcurrent:  cfg.Download.MaxConcurrent,
		StatusInterval: cfg.Download.StatusInterval,
		Retries:        cfg.Download.Retries,
		RetryBackoff:   cfg.Download.RetryBackoff,
		UploadOptions: storage.UploadOptions{
			Bucket:    cfg.Storage.Bucket,
			KeyPrefix: cfg.Storage.KeyPrefix,
		},
		Observer: downloader.Observers{hub, m},
		Logger:   logger,
	}, taskService, dispatcher, storageSvc)

	if err := manager.Start(ctx); err != nil {
		logger.Fatalf("start manager: %v", err)
	}
	if err := manager.Resume(ctx); err != nil {
		logger.Warnf("resume tasks: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if !cfg.AuthEnabled() {
		logger.Warn("auth.jwtsecret is empty, task routes are open")
	}
	handler := apphttp.NewHandler(dispatcher, taskService, manager, apphttp.Options{
		Storage:       storageSvc,
		Bucket:        cfg.Storage.Bucket,
		PresignExpiry: cfg.Storage.PresignExpiry,
		Users:         userService,
		JWTSecret:     cfg.Auth.JWTSecret,
		TokenTTL:      time.Duration(cfg.Auth.TokenTTLMinutes) * time.Minute,
		Relay:         tracker.NewRelay(trackerClient),
		Metrics:       metrics.Handler(registry),
		Middleware:    []gin.HandlerFunc{m.Middleware()},
		Hub:           hub,
		Logger:        logger,
	})
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	hub.Close()
	manager.Shutdown()
	if err := listener.Close(); err != nil {
		logger.Warnf("close peer listener: %v", err)
	}
	fetcher.Close()

	logger.Info("bye")
}

// buildStorage returns nil when no bucket is configured; archiving is then off.
func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	if cfg.Storage.Bucket == "" {
		logger.Info("storage bucket not set, completed tasks stay local")
		return nil, nil
	}
	svc, err := storage.NewS3ServiceFromConfig(ctx, storage.S3Options{
		Region:   cfg.Storage.Region,
		Endpoint: cfg.Storage.Endpoint,
		Profile:  cfg.AWS.Profile,
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return svc, nil
}
