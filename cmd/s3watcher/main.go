package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/migadu/s3watcher/audit"
	"github.com/migadu/s3watcher/config"
	"github.com/migadu/s3watcher/delivery"
	"github.com/migadu/s3watcher/event"
	"github.com/migadu/s3watcher/logger"
	"github.com/migadu/s3watcher/pkg/errors"
	"github.com/migadu/s3watcher/pkg/health"
	"github.com/migadu/s3watcher/pkg/resilient"
	"github.com/migadu/s3watcher/reporting"
	"github.com/migadu/s3watcher/secrets"
	"github.com/migadu/s3watcher/server/dispatcher"
	"github.com/migadu/s3watcher/server/listener"
	"github.com/migadu/s3watcher/server/webhook"
	"github.com/migadu/s3watcher/storage"
	"github.com/migadu/s3watcher/transfer"
	"github.com/minio/minio-go/v7"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// serverManager tracks running servers for coordinated shutdown
type serverManager struct {
	wg sync.WaitGroup
}

func (sm *serverManager) Go(fn func()) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		fn()
	}()
}

func (sm *serverManager) Wait() {
	sm.wg.Wait()
}

// serviceDependencies holds everything the inbound surfaces share.
type serviceDependencies struct {
	config        config.Config
	store         resilient.ObjectStore
	minioClient   *minio.Client // nil for the aws backend
	deliverer     *delivery.HTTPClient
	dispatcher    *dispatcher.Dispatcher
	healthMonitor *health.HealthMonitor
	serverManager *serverManager
}

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	eventPath := flag.String("event", "", "Process one notification document (file path, - for stdin) and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("s3watcher version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "S3WATCHER: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "S3WATCHER: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Infof("s3watcher starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Info("Configuration", "stage", cfg.Watcher.Stage, "storage", cfg.Storage.Backend,
		"metrics", cfg.Metrics.Backend, "fail_bucket", cfg.Watcher.FailBucket)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	deps, err := initializeServices(ctx, cfg)
	if err != nil {
		errorHandler.FatalError("initialize services", err)
		os.Exit(errorHandler.WaitForExit())
	}

	if *eventPath != "" {
		os.Exit(processEventFile(ctx, deps, *eventPath))
	}

	deps.healthMonitor.Start(ctx)
	defer deps.healthMonitor.Stop()

	errChan := startServers(ctx, deps)

	select {
	case <-ctx.Done():
		logger.Info("Waiting for servers and in-flight transfers to finish...")
		done := make(chan struct{})
		go func() {
			deps.serverManager.Wait()
			deps.dispatcher.Wait()
			close(done)
		}()
		select {
		case <-done:
			logger.Info("Shutdown complete")
		case <-time.After(cfg.Watcher.GetRunTimeoutWithDefault() + 10*time.Second):
			logger.Warn("Shutdown timeout reached with transfers still running")
		}
	case err := <-errChan:
		errorHandler.FatalError("server operation", err)
		cancel()
		os.Exit(errorHandler.WaitForExit())
	}
}

// loadAndValidateConfig loads configuration from file and validates it
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			logger.Infof("WARNING: default configuration file '%s' not found. Using application defaults.", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	} else {
		logger.Infof("loaded configuration from %s", configPath)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

// initializeServices connects the object store, resolves the delivery
// credentials and builds the transfer pipeline.
func initializeServices(ctx context.Context, cfg config.Config) (*serviceDependencies, error) {
	deps := &serviceDependencies{
		config:        cfg,
		healthMonitor: health.NewHealthMonitor(),
		serverManager: &serverManager{},
	}

	// Secrets Manager and CloudWatch use the default AWS chain, never the
	// object store credentials.
	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg == nil {
			c, err := storage.LoadAWSConfig(ctx, config.StorageConfig{}, cfg.Watcher.Region)
			if err != nil {
				return aws.Config{}, err
			}
			awsCfg = &c
		}
		return *awsCfg, nil
	}

	var base resilient.ObjectStore
	switch cfg.Storage.Backend {
	case config.StorageBackendAWS:
		storeCfg, err := storage.LoadAWSConfig(ctx, cfg.Storage, cfg.GetStorageRegion())
		if err != nil {
			return nil, err
		}
		base = storage.NewAWS(storeCfg, cfg.Storage)
		logger.Info("Storage: using AWS S3", "region", cfg.GetStorageRegion(), "endpoint", cfg.Storage.Endpoint)
	default:
		ms, err := storage.NewMinio(cfg.Storage, cfg.GetStorageRegion())
		if err != nil {
			return nil, err
		}
		base = ms
		deps.minioClient = ms.Client
		logger.Info("Storage: using MinIO", "endpoint", cfg.Storage.Endpoint)
	}

	deps.store = base
	interval, timeout := cfg.Health.GetIntervalWithDefault(), cfg.Health.GetTimeoutWithDefault()
	if cfg.Storage.Resilient {
		rs := resilient.NewResilientObjectStore(base)
		deps.store = rs
		for _, cb := range rs.Breakers() {
			deps.healthMonitor.RegisterCheck(health.NewBreakerCheck(cb.Name(), cb, interval))
			deps.healthMonitor.AddStatusCallback(health.RecoverBreakerOnHealthy("object_store", cb))
		}
	}
	buckets := append([]string{cfg.Watcher.FailBucket}, cfg.Listener.Buckets...)
	deps.healthMonitor.RegisterCheck(health.NewBucketCheck("object_store", deps.store, interval, timeout, buckets...))

	apiKey := cfg.Delivery.APIKey
	if apiKey == "" && cfg.Delivery.APIKeySecret != "" {
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		apiKey, err = secrets.NewResolverFromConfig(c).Resolve(ctx, cfg.Delivery.APIKeySecret)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve delivery API key: %w", err)
		}
	}

	builder, err := delivery.NewBuilder(cfg.Delivery, apiKey)
	if err != nil {
		return nil, err
	}
	deps.deliverer = delivery.NewHTTPClient(cfg.Delivery)
	deps.healthMonitor.RegisterCheck(health.NewBreakerCheck("delivery", deps.deliverer.CircuitBreaker(), interval))

	var publisher transfer.Publisher
	switch cfg.Metrics.Backend {
	case config.MetricsBackendCloudWatch:
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		namespace := cfg.Metrics.GetNamespace(cfg.Watcher.Stage)
		publisher = reporting.NewCloudWatchPublisherFromConfig(c, namespace)
		logger.Info("Reporting: publishing outcomes to CloudWatch", "namespace", namespace)
	default:
		publisher = reporting.NewPrometheusPublisher()
	}

	orchestrator := &transfer.Orchestrator{
		Store:       deps.store,
		Delivery:    deps.deliverer,
		Builder:     builder,
		Publisher:   publisher,
		Audit:       audit.NewLogRecorder(nil),
		MaxAttempts: cfg.Delivery.GetMaxAttemptsWithDefault(),
	}
	deps.dispatcher = dispatcher.New(orchestrator, cfg.Watcher)
	return deps, nil
}

// startServers starts every configured inbound surface. Errors that should
// stop the process are sent on the returned channel.
func startServers(ctx context.Context, deps *serviceDependencies) chan error {
	errChan := make(chan error, 4)
	cfg := deps.config

	if cfg.Webhook.Start {
		opts := webhook.ServerOptions{
			Addr:      cfg.Webhook.Addr,
			Path:      cfg.Webhook.GetPathWithDefault(),
			AuthToken: cfg.Webhook.AuthToken,
		}
		deps.serverManager.Go(func() {
			webhook.Start(ctx, deps.dispatcher, deps.healthMonitor, opts, errChan)
		})
	}

	if cfg.Listener.Start {
		l := listener.New(deps.minioClient, deps.dispatcher, cfg.Listener)
		l.Start(ctx)
		deps.serverManager.Go(func() {
			<-ctx.Done()
			l.Stop()
		})
	}

	if cfg.Metrics.Start {
		deps.serverManager.Go(func() {
			startMetricsServer(ctx, cfg.Metrics, errChan)
		})
	}

	if !cfg.Webhook.Start && !cfg.Listener.Start {
		logger.Warn("Neither the webhook nor the listener is enabled; no notifications will be received")
	}
	return errChan
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan<- error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.GetPathWithDefault(), promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Starting metrics server", "addr", cfg.Addr, "path", cfg.GetPathWithDefault())
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}

// processEventFile runs every object in one notification document and returns
// the process exit code: 1 when any run failed, so the invoker can redeliver.
func processEventFile(ctx context.Context, deps *serviceDependencies, path string) int {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		logger.Error("Failed to read notification", "path", path, "error", err)
		return 2
	}

	objects, err := event.Parse("file", data)
	if err != nil {
		logger.Error("Failed to parse notification", "path", path, "error", err)
		return 2
	}

	results, err := deps.dispatcher.Dispatch(ctx, objects)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(results); encErr != nil {
		logger.Warn("Failed to write results", "error", encErr)
	}

	if err != nil || dispatcher.AnyFailed(results) {
		return 1
	}
	return 0
}
