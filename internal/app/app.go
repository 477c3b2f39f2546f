// Package app wires the geogrid service together and manages its
// lifecycle.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/arkilian/geogrid/internal/aggregation/geogrid"
	grpcapi "github.com/arkilian/geogrid/internal/api/grpc"
	httpapi "github.com/arkilian/geogrid/internal/api/http"
	"github.com/arkilian/geogrid/internal/catalog"
	"github.com/arkilian/geogrid/internal/config"
	"github.com/arkilian/geogrid/internal/coordinator"
	"github.com/arkilian/geogrid/internal/events"
	"github.com/arkilian/geogrid/internal/observability"
	"github.com/arkilian/geogrid/internal/retention"
	"github.com/arkilian/geogrid/internal/server"
	"github.com/arkilian/geogrid/internal/storage"
)

// App owns every long-lived component of the service.
type App struct {
	cfg    *config.Config
	logger logrus.FieldLogger

	storage     storage.ObjectStorage
	catalog     *catalog.SQLiteCatalog
	notifier    *events.Notifier
	stats       *observability.ReduceStats
	registry    *prometheus.Registry
	coordinator *coordinator.Coordinator
	retention   *retention.Daemon
	shutdown    *server.ShutdownManager

	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates cfg and prepares its directories.
func New(cfg *config.Config, logger logrus.FieldLogger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// Start builds the shared components and starts the servers.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}
	if err := a.startHTTP(); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if a.cfg.GRPC.Enabled {
		if err := a.startGRPC(); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start gRPC server: %w", err)
		}
	}
	a.startStatsPruner(ctx)
	if a.cfg.Retention.Enabled {
		if err := a.startRetention(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start retention: %w", err)
		}
	}

	a.logger.WithFields(logrus.Fields{
		"action":    "startup",
		"http_addr": a.HTTPAddr(),
		"grpc_addr": a.GRPCAddr(),
		"storage":   a.cfg.Storage.Type,
	}).Info("geogrid started")
	return nil
}

func (a *App) initSharedResources(ctx context.Context) error {
	var err error

	switch a.cfg.Storage.Type {
	case "local":
		a.storage, err = storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Storage.S3.Region != "" {
			s3Cfg.Region = a.cfg.Storage.S3.Region
		}
		s3Cfg.Endpoint = a.cfg.Storage.S3.Endpoint
		s3Cfg.UsePathStyle = a.cfg.Storage.S3.UsePathStyle
		s3Cfg.Prefix = a.cfg.Storage.S3.Prefix
		a.storage, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, s3Cfg)
	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.logger.WithField("action", "startup").WithField("storage", a.cfg.Storage.Type).Debug("storage initialized")

	a.catalog, err = catalog.NewCatalog(a.cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize catalog: %w", err)
	}
	// Reductions do not survive a restart.
	released, err := a.catalog.ResetReducing(ctx)
	if err != nil {
		return fmt.Errorf("failed to release reducing jobs: %w", err)
	}
	if released > 0 {
		a.logger.WithField("action", "startup").WithField("jobs", released).Warn("released jobs left reducing by a previous run")
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.notifier = events.NewNotifier(64)
	a.stats = observability.NewReduceStats(a.cfg.Reduce.StatsWindow)

	policy := geogrid.SizePolicyFirst
	if a.cfg.Reduce.StrictSize {
		policy = geogrid.SizePolicyStrict
	}
	a.coordinator = coordinator.New(a.storage, a.catalog, coordinator.Options{
		FanIn:       a.cfg.Reduce.FanIn,
		Concurrency: a.cfg.Reduce.Concurrency,
		Timeout:     a.cfg.Reduce.Timeout,
		SizePolicy:  policy,
		Metrics:     observability.NewMetrics(a.registry),
		Stats:       a.stats,
		Notifier:    a.notifier,
	}, a.logger)

	a.shutdown = server.NewShutdownManager(server.Config{Timeout: a.cfg.ShutdownTimeout}, a.logger)
	a.shutdown.Register("catalog", a.catalog)
	return nil
}

func (a *App) startHTTP() error {
	router := httpapi.Router{
		Coordinator:  a.coordinator,
		Stats:        a.stats,
		Logger:       a.logger,
		MaxBodyBytes: a.cfg.HTTP.MaxBodyBytes,
	}
	if a.cfg.Metrics.Enabled {
		router.Gatherer = a.registry
		router.MetricsPath = a.cfg.Metrics.Path
	}

	lis, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.HTTP.Addr, err)
	}
	a.httpListener = lis

	a.httpServer = &http.Server{
		Handler:      a.shutdown.Middleware(router.Handler()),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.shutdown.Register("http", server.HTTPServerCloser(a.httpServer, a.cfg.ShutdownTimeout))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			a.logger.WithField("action", "http_serve").WithError(err).Error("HTTP server stopped")
		}
	}()
	return nil
}

func (a *App) startGRPC() error {
	lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.GRPC.Addr, err)
	}
	a.grpcListener = lis

	a.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(grpcapi.LoggingInterceptor(a.logger)))
	grpcapi.NewReduceServer(a.coordinator, a.logger).Register(a.grpcServer)
	a.shutdown.Register("grpc", server.GRPCServerCloser(a.grpcServer, a.cfg.ShutdownTimeout))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.grpcServer.Serve(lis); err != nil {
			a.logger.WithField("action", "grpc_serve").WithError(err).Error("gRPC server stopped")
		}
	}()
	return nil
}

// startStatsPruner drops idle aggregation stats every stats window.
func (a *App) startStatsPruner(ctx context.Context) {
	interval := a.cfg.Reduce.StatsWindow
	if interval <= 0 {
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.stats.Prune()
			}
		}
	}()
}

// startRetention runs the daemon that deletes reduced jobs past their TTL.
// It is registered last so it stops before the servers and catalog close.
func (a *App) startRetention(ctx context.Context) error {
	a.retention = retention.NewDaemon(retention.Config{
		TTL:           a.cfg.Retention.TTL,
		CheckInterval: a.cfg.Retention.CheckInterval,
	}, a.catalog, a.coordinator, a.logger)
	if err := a.retention.Start(ctx); err != nil {
		return err
	}
	a.shutdown.Register("retention", a.retention)
	return nil
}

// Stop shuts the servers down and releases every resource.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}

	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.wg.Wait()
	a.logger.WithField("action", "shutdown").Info("geogrid stopped")
	return err
}

// Wait blocks until a termination signal arrives or ctx is done, then
// stops the app.
func (a *App) Wait(ctx context.Context) error {
	reason := a.shutdown.WaitForSignal(ctx)
	a.logger.WithField("action", "shutdown").WithField("reason", reason).Debug("stop triggered")
	return a.Stop(context.Background())
}

// cleanup releases whatever Start managed to build before failing.
func (a *App) cleanup() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.shutdown != nil {
		a.shutdown.Shutdown(context.Background(), "startup failed") // nolint: errcheck
	} else if a.catalog != nil {
		a.catalog.Close()
	}
	if a.httpListener != nil && a.httpServer == nil {
		a.httpListener.Close()
	}
	if a.grpcListener != nil && a.grpcServer == nil {
		a.grpcListener.Close()
	}
	a.wg.Wait()

	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

// Coordinator returns the job coordinator.
func (a *App) Coordinator() *coordinator.Coordinator {
	return a.coordinator
}

// HTTPAddr returns the address the HTTP server listens on.
func (a *App) HTTPAddr() string {
	if a.httpListener == nil {
		return ""
	}
	return a.httpListener.Addr().String()
}

// GRPCAddr returns the address the gRPC server listens on, or "" when
// gRPC is disabled.
func (a *App) GRPCAddr() string {
	if a.grpcListener == nil {
		return ""
	}
	return a.grpcListener.Addr().String()
}
