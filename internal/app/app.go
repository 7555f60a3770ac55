// Package app wires the pipeline roles into one process and manages their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	grpcapi "github.com/tallyhq/tally/internal/api/grpc"
	httpapi "github.com/tallyhq/tally/internal/api/http"
	"github.com/tallyhq/tally/internal/archive"
	"github.com/tallyhq/tally/internal/checkpoint"
	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/consumer"
	"github.com/tallyhq/tally/internal/ingest"
	"github.com/tallyhq/tally/internal/metrics"
	"github.com/tallyhq/tally/internal/processor"
	"github.com/tallyhq/tally/internal/query"
	"github.com/tallyhq/tally/internal/server"
	"github.com/tallyhq/tally/internal/store"
	"github.com/tallyhq/tally/internal/store/dynamo"
	"github.com/tallyhq/tally/internal/store/sqlite"
	"github.com/tallyhq/tally/internal/stream"
	"github.com/tallyhq/tally/internal/stream/kinesis"
	"github.com/tallyhq/tally/internal/stream/segment"
)

// App runs the roles selected by the configured mode.
type App struct {
	cfg    *config.Config
	logger logrus.FieldLogger

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	shutdown *server.ShutdownManager

	// Shared resources
	log         stream.Log
	segments    *segment.Log
	deadLetter  *segment.Log
	store       store.Store
	checkpoints *checkpoint.BoltStore

	// Roles
	gateway  *ingest.Gateway
	queries  *query.Service
	poller   *consumer.Poller
	archiver *archive.Archiver

	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates cfg and prepares local directories.
func New(cfg *config.Config, logger logrus.FieldLogger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  metrics.New(registry),
		shutdown: server.NewShutdownManager(server.DefaultShutdownConfig(), logger),
	}, nil
}

// Start opens shared resources and starts every role the mode selects.
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
		a.shutdown.Shutdown(context.Background(), "startup failed")
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	if a.cfg.ShouldRunIngest() {
		a.gateway = ingest.NewGateway(a.log, a.logger,
			ingest.WithMetrics(a.metrics),
			ingest.WithTimeout(a.cfg.Timeouts.Ingest),
		)
	}
	if a.cfg.ShouldRunQuery() {
		a.queries = query.NewService(a.store, a.logger,
			query.WithMetrics(a.metrics),
			query.WithTimeout(a.cfg.Timeouts.Query),
		)
	}
	if a.cfg.ShouldRunProcess() {
		a.startPoller(ctx)
	}

	if err := a.startHTTP(); err != nil {
		a.shutdown.Shutdown(context.Background(), "startup failed")
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if a.cfg.GRPC.Enabled && (a.gateway != nil || a.queries != nil) {
		if err := a.startGRPC(); err != nil {
			a.shutdown.Shutdown(context.Background(), "startup failed")
			return fmt.Errorf("failed to start gRPC server: %w", err)
		}
	}

	a.logger.WithFields(logrus.Fields{
		"mode":  a.cfg.Mode,
		"log":   a.cfg.Log.Backend,
		"store": a.cfg.Store.Backend,
	}).Info("tally started")
	return nil
}

// initSharedResources opens the log, the store and the checkpoint database
// as far as the mode needs them. Resources are registered for shutdown as they are opened.
func (a *App) initSharedResources(ctx context.Context) error {
	var err error
	if a.cfg.ShouldRunIngest() || a.cfg.ShouldRunProcess() {
		a.log, a.segments, err = OpenLog(ctx, a.cfg, a.logger)
		if err != nil {
			return err
		}
		a.shutdown.RegisterCloser("log", a.log)
	}

	if a.cfg.ShouldRunQuery() || a.cfg.ShouldRunProcess() {
		a.store, err = OpenStore(ctx, a.cfg)
		if err != nil {
			return err
		}
		a.shutdown.RegisterCloser("store", a.store)
	}

	if a.cfg.ShouldRunProcess() {
		a.checkpoints, err = checkpoint.Open(a.cfg.CheckpointPath())
		if err != nil {
			return fmt.Errorf("failed to open checkpoints: %w", err)
		}
		a.shutdown.RegisterCloser("checkpoints", a.checkpoints)

		if a.cfg.Processor.MaxAttempts > 0 {
			a.deadLetter, err = segment.Open(segment.Options{
				Dir:    a.cfg.Processor.DeadLetterDir,
				Shards: 1,
				Logger: a.logger,
			})
			if err != nil {
				return fmt.Errorf("failed to open dead-letter log: %w", err)
			}
			a.shutdown.RegisterCloser("dead_letter", a.deadLetter)
		}

		if a.segments != nil {
			a.archiver, err = NewArchiver(ctx, a.cfg, a.segments, a.checkpoints, a.logger, a.metrics)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// OpenLog opens the configured ordered log. The second result is the segment
// log when that backend is used, for archiving.
func OpenLog(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (stream.Log, *segment.Log, error) {
	switch cfg.Log.Backend {
	case config.LogBackendSegment:
		l, err := segment.Open(segment.Options{
			Dir:            cfg.Log.Dir,
			Shards:         cfg.Log.Shards,
			MaxSegmentSize: int64(cfg.Log.SegmentSizeMB) * 1024 * 1024,
			Logger:         logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open segment log: %w", err)
		}
		return l, l, nil
	case config.LogBackendKinesis:
		l, err := kinesis.New(ctx, kinesis.Config{
			StreamName:       cfg.Log.Kinesis.StreamName,
			Region:           cfg.Log.Kinesis.Region,
			Endpoint:         cfg.Log.Kinesis.Endpoint,
			StartingPosition: cfg.Log.Kinesis.StartingPosition,
			Logger:           logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open kinesis log: %w", err)
		}
		return l, nil, nil
	}
	return nil, nil, fmt.Errorf("unsupported log backend: %s", cfg.Log.Backend)
}

// OpenStore opens the configured keyed store.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendSQLite:
		s, err := sqlite.Open(cfg.Store.SQLitePath, cfg.Store.ReadPoolSize)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	case config.StoreBackendDynamo:
		s, err := dynamo.New(ctx, dynamo.Config{
			Table:    cfg.Store.Dynamo.Table,
			Index:    cfg.Store.Dynamo.Index,
			Region:   cfg.Store.Dynamo.Region,
			Endpoint: cfg.Store.Dynamo.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open dynamo store: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported store backend: %s", cfg.Store.Backend)
}

// NewArchiver builds an archiver for the segment log over the configured
// object storage.
func NewArchiver(ctx context.Context, cfg *config.Config, source archive.SegmentSource, checkpoints checkpoint.Store, logger logrus.FieldLogger, m *metrics.Metrics) (*archive.Archiver, error) {
	var (
		storage archive.ObjectStorage
		err     error
	)
	switch cfg.Archive.Type {
	case "local":
		storage, err = archive.NewLocalStorage(cfg.Archive.Path)
	case "s3":
		s3Cfg := archive.DefaultS3Config()
		if cfg.Archive.S3.Region != "" {
			s3Cfg.Region = cfg.Archive.S3.Region
		}
		if cfg.Archive.S3.Endpoint != "" {
			s3Cfg.Endpoint = cfg.Archive.S3.Endpoint
			s3Cfg.UsePathStyle = true
		}
		storage, err = archive.NewS3Storage(ctx, cfg.Archive.S3.Bucket, s3Cfg)
	default:
		err = fmt.Errorf("unsupported archive type: %s", cfg.Archive.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize archive storage: %w", err)
	}

	return archive.New(source, checkpoints, storage, archive.Options{
		Group:       cfg.Processor.Group,
		Prefix:      cfg.Archive.Prefix,
		Concurrency: cfg.Archive.Concurrency,
		Keep:        cfg.Archive.Keep,
		Logger:      logger,
		Metrics:     m,
	}), nil
}

func (a *App) startPoller(ctx context.Context) {
	opts := []consumer.Option{consumer.WithMetrics(a.metrics)}
	if a.deadLetter != nil {
		opts = append(opts, consumer.WithDeadLetter(a.deadLetter))
	}
	a.poller = consumer.New(a.log,
		processor.New(a.store, a.logger, a.metrics),
		a.checkpoints,
		consumer.Config{
			Group:          a.cfg.Processor.Group,
			BatchSize:      a.cfg.Processor.BatchSize,
			BatchWindow:    a.cfg.Processor.BatchWindow,
			MaxAttempts:    a.cfg.Processor.MaxAttempts,
			InitialBackoff: a.cfg.Processor.InitialBackoff,
			MaxBackoff:     a.cfg.Processor.MaxBackoff,
			ProcessTimeout: a.cfg.Timeouts.Process,
		},
		a.logger,
		opts...,
	)

	pollCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(done)
		if err := a.poller.Run(pollCtx); err != nil {
			a.logger.WithError(err).Error("log poller stopped")
		}
	}()

	// Registered after the store and checkpoints, so it is stopped before them.
	a.shutdown.RegisterCloser("poller", server.CloserFunc(func() error {
		cancel()
		<-done
		return nil
	}))
}

func (a *App) startHTTP() error {
	routes := httpapi.Routes{
		Metrics: metrics.Handler(a.registry),
		Wrap:    a.shutdown.Middleware,
	}
	if a.gateway != nil {
		routes.Ingest = httpapi.NewIngestHandler(a.gateway, a.cfg.HTTP.MaxBodyBytes, a.logger)
	}
	if a.queries != nil {
		routes.Analytics = httpapi.NewAnalyticsHandler(a.queries, a.logger)
	}
	if a.archiver != nil {
		routes.Archive = httpapi.NewArchiveHandler(a.archiver, a.logger)
	}

	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.HTTP.Addr, err)
	}
	a.httpListener = ln
	a.httpServer = &http.Server{
		Handler:      httpapi.NewRouter(routes, a.logger),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.shutdown.RegisterCloser("http", server.HTTPServerCloser(a.httpServer, 10*time.Second))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.WithField("addr", ln.Addr().String()).Info("HTTP server listening")
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("HTTP server error")
		}
	}()
	return nil
}

func (a *App) startGRPC() error {
	ln, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.GRPC.Addr, err)
	}
	a.grpcListener = ln
	a.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(grpcapi.UnaryInterceptor(a.logger)))

	// Typed nil pointers must not reach the interfaces.
	var (
		ingestor grpcapi.Ingestor
		querier  grpcapi.Querier
	)
	if a.gateway != nil {
		ingestor = a.gateway
	}
	if a.queries != nil {
		querier = a.queries
	}
	grpcapi.RegisterPipelineServer(a.grpcServer, grpcapi.NewServer(ingestor, querier, a.logger))

	a.shutdown.RegisterCloser("grpc", server.CloserFunc(func() error {
		a.grpcServer.GracefulStop()
		return nil
	}))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.WithField("addr", ln.Addr().String()).Info("gRPC server listening")
		if err := a.grpcServer.Serve(ln); err != nil {
			a.logger.WithError(err).Error("gRPC server error")
		}
	}()
	return nil
}

// HTTPAddr is the bound HTTP address, or "" before Start.
func (a *App) HTTPAddr() string {
	if a.httpListener == nil {
		return ""
	}
	return a.httpListener.Addr().String()
}

// GRPCAddr is the bound gRPC address, or "" when gRPC is not serving.
func (a *App) GRPCAddr() string {
	if a.grpcListener == nil {
		return ""
	}
	return a.grpcListener.Addr().String()
}

// Stop shuts every role down and releases shared resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	err := a.shutdown.Shutdown(ctx, "stop requested")
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.logger.Info("tally stopped")
	return err
}

// WaitForShutdown blocks until a signal arrives or ctx is cancelled, then
// stops the app.
func (a *App) WaitForShutdown(ctx context.Context) error {
	if err := a.shutdown.WaitForSignal(ctx); err != nil {
		a.logger.WithError(err).Warn("shutdown finished with errors")
	}
	return a.Stop(context.Background())
}
