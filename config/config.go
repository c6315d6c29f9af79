package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	StorageBackendMinio = "minio"
	StorageBackendAWS   = "aws"

	MetricsBackendPrometheus = "prometheus"
	MetricsBackendCloudWatch = "cloudwatch"

	DefaultDeliveryMaxAttempts = 5
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// WatcherConfig is the deployment configuration shared by every transfer run.
type WatcherConfig struct {
	Stage       string `toml:"stage"`       // Deployment stage tag, e.g. "PROD" or "TEST"
	Region      string `toml:"region"`      // Region of the staging and fail buckets
	FailBucket  string `toml:"fail_bucket"` // Quarantine bucket for objects that could not be delivered
	Concurrency int    `toml:"concurrency"` // Maximum concurrent transfer runs (default: 8)
	RunTimeout  string `toml:"run_timeout"` // Execution limit for a single run (default: "5m", "0" disables)
}

// StorageConfig selects and configures the object store client.
type StorageConfig struct {
	Backend        string `toml:"backend"` // "minio" (default) or "aws"
	Endpoint       string `toml:"endpoint"`
	DisableTLS     bool   `toml:"disable_tls"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	Region         string `toml:"region"` // Defaults to watcher.region
	ForcePathStyle bool   `toml:"force_path_style"`
	Debug          bool   `toml:"debug"`     // Enable detailed S3 request/response tracing
	Resilient      bool   `toml:"resilient"` // Wrap the store with circuit breakers and backoff retries
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Threshold   int    `toml:"threshold"`    // Consecutive failures before opening (default: 5)
	Timeout     string `toml:"timeout"`      // Recovery test interval (default: "30s")
	MaxRequests int    `toml:"max_requests"` // Max requests in half-open state (default: 3)
}

// DeliveryConfig configures the downstream endpoint objects are delivered to.
type DeliveryConfig struct {
	URL            string               `toml:"url"`
	APIKey         string               `toml:"api_key"`
	APIKeySecret   string               `toml:"api_key_secret"` // Secrets Manager id, used when api_key is empty
	APIKeyHeader   string               `toml:"api_key_header"` // default: "X-Api-Key"
	Timeout        string               `toml:"timeout"`        // Per-attempt timeout (default: "30s")
	MaxAttempts    int                  `toml:"max_attempts"`   // Total attempts per run (default: 5)
	CircuitBreaker CircuitBreakerConfig `toml:"circuit_breaker"`
}

// MetricsConfig configures where delivery outcome data points go.
type MetricsConfig struct {
	Backend   string `toml:"backend"`   // "prometheus" (default) or "cloudwatch"
	Namespace string `toml:"namespace"` // CloudWatch namespace override (default: "<stage>/S3watcher")
	Start     bool   `toml:"start"`     // Serve Prometheus metrics over HTTP
	Addr      string `toml:"addr"`
	Path      string `toml:"path"`
}

// WebhookConfig configures the HTTP notification intake.
type WebhookConfig struct {
	Start     bool   `toml:"start"`
	Addr      string `toml:"addr"`
	Path      string `toml:"path"`
	AuthToken string `toml:"auth_token"` // Optional bearer token required on notification requests
}

// ListenerConfig configures the MinIO bucket notification listener.
type ListenerConfig struct {
	Start             bool     `toml:"start"`
	Buckets           []string `toml:"buckets"`
	Prefix            string   `toml:"prefix"`
	Suffix            string   `toml:"suffix"`
	Events            []string `toml:"events"`             // default: ["s3:ObjectCreated:*"]
	ReconnectInterval string   `toml:"reconnect_interval"` // default: "5s"
}

// HealthConfig configures background health checks.
type HealthConfig struct {
	Interval string `toml:"interval"` // default: "30s"
	Timeout  string `toml:"timeout"`  // default: "10s"
}

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Watcher  WatcherConfig  `toml:"watcher"`
	Storage  StorageConfig  `toml:"storage"`
	Delivery DeliveryConfig `toml:"delivery"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Webhook  WebhookConfig  `toml:"webhook"`
	Listener ListenerConfig `toml:"listener"`
	Health   HealthConfig   `toml:"health"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Watcher: WatcherConfig{
			Stage:       "DEV",
			Region:      "eu-west-1",
			Concurrency: 8,
			RunTimeout:  "5m",
		},
		Storage: StorageConfig{
			Backend:   StorageBackendMinio,
			Resilient: true,
		},
		Delivery: DeliveryConfig{
			APIKeyHeader: "X-Api-Key",
			Timeout:      "30s",
			MaxAttempts:  DefaultDeliveryMaxAttempts,
			CircuitBreaker: CircuitBreakerConfig{
				Threshold:   5,
				Timeout:     "30s",
				MaxRequests: 3,
			},
		},
		Metrics: MetricsConfig{
			Backend: MetricsBackendPrometheus,
			Start:   true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		Webhook: WebhookConfig{
			Start: true,
			Addr:  ":8080",
			Path:  "/events",
		},
		Listener: ListenerConfig{
			Events:            []string{"s3:ObjectCreated:*"},
			ReconnectInterval: "5s",
		},
		Health: HealthConfig{
			Interval: "30s",
			Timeout:  "10s",
		},
	}
}

// Validate checks that the configuration can drive transfer runs.
func (c *Config) Validate() error {
	if c.Watcher.FailBucket == "" {
		return fmt.Errorf("watcher.fail_bucket is required")
	}
	if c.Watcher.Stage == "" {
		return fmt.Errorf("watcher.stage is required")
	}
	if c.Watcher.Concurrency < 0 {
		return fmt.Errorf("watcher.concurrency must not be negative")
	}
	if _, err := c.Watcher.GetRunTimeout(); err != nil {
		return fmt.Errorf("invalid watcher.run_timeout: %w", err)
	}

	switch c.Storage.Backend {
	case StorageBackendMinio:
		if c.Storage.Endpoint == "" {
			return fmt.Errorf("storage.endpoint is required for the minio backend")
		}
		if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
			return fmt.Errorf("storage.access_key and storage.secret_key are required for the minio backend")
		}
	case StorageBackendAWS:
		// Credentials may come from the default AWS chain.
	default:
		return fmt.Errorf("unknown storage.backend %q (expected %q or %q)", c.Storage.Backend, StorageBackendMinio, StorageBackendAWS)
	}

	if c.Delivery.URL == "" {
		return fmt.Errorf("delivery.url is required")
	}
	if !strings.HasPrefix(c.Delivery.URL, "http://") && !strings.HasPrefix(c.Delivery.URL, "https://") {
		return fmt.Errorf("delivery.url must be an http or https URL")
	}
	if c.Delivery.MaxAttempts < 0 {
		return fmt.Errorf("delivery.max_attempts must not be negative")
	}
	if _, err := c.Delivery.GetTimeout(); err != nil {
		return fmt.Errorf("invalid delivery.timeout: %w", err)
	}

	switch c.Metrics.Backend {
	case MetricsBackendPrometheus, MetricsBackendCloudWatch:
	default:
		return fmt.Errorf("unknown metrics.backend %q (expected %q or %q)", c.Metrics.Backend, MetricsBackendPrometheus, MetricsBackendCloudWatch)
	}

	if c.Webhook.Start && c.Webhook.Addr == "" {
		return fmt.Errorf("webhook.addr is required when the webhook is started")
	}
	if c.Listener.Start {
		if c.Storage.Backend != StorageBackendMinio {
			return fmt.Errorf("the bucket notification listener requires the minio storage backend")
		}
		if len(c.Listener.Buckets) == 0 {
			return fmt.Errorf("listener.buckets must list at least one bucket")
		}
		for _, b := range c.Listener.Buckets {
			if b == c.Watcher.FailBucket {
				return fmt.Errorf("listener bucket %q must differ from watcher.fail_bucket", b)
			}
		}
	}
	return nil
}

// GetRunTimeout parses the run timeout. A zero duration means no limit.
func (w *WatcherConfig) GetRunTimeout() (time.Duration, error) {
	if w.RunTimeout == "" {
		return 5 * time.Minute, nil
	}
	return time.ParseDuration(w.RunTimeout)
}

func (w *WatcherConfig) GetRunTimeoutWithDefault() time.Duration {
	timeout, err := w.GetRunTimeout()
	if err != nil {
		log.Printf("WARNING: Failed to parse watcher run_timeout: %v, using default (5 minutes)", err)
		return 5 * time.Minute
	}
	return timeout
}

func (w *WatcherConfig) GetConcurrencyWithDefault() int {
	if w.Concurrency <= 0 {
		return 8
	}
	return w.Concurrency
}

// GetStorageRegion returns the storage region, falling back to the watcher region.
func (c *Config) GetStorageRegion() string {
	if c.Storage.Region != "" {
		return c.Storage.Region
	}
	return c.Watcher.Region
}

func (d *DeliveryConfig) GetTimeout() (time.Duration, error) {
	if d.Timeout == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(d.Timeout)
}

func (d *DeliveryConfig) GetTimeoutWithDefault() time.Duration {
	timeout, err := d.GetTimeout()
	if err != nil || timeout <= 0 {
		log.Printf("WARNING: Invalid delivery timeout %q, using default (30 seconds)", d.Timeout)
		return 30 * time.Second
	}
	return timeout
}

func (d *DeliveryConfig) GetMaxAttemptsWithDefault() int {
	if d.MaxAttempts <= 0 {
		return DefaultDeliveryMaxAttempts
	}
	return d.MaxAttempts
}

func (d *DeliveryConfig) GetAPIKeyHeaderWithDefault() string {
	if d.APIKeyHeader == "" {
		return "X-Api-Key"
	}
	return d.APIKeyHeader
}

func (c *CircuitBreakerConfig) GetTimeoutWithDefault() time.Duration {
	if c.Timeout == "" {
		return 30 * time.Second
	}
	timeout, err := time.ParseDuration(c.Timeout)
	if err != nil || timeout <= 0 {
		log.Printf("WARNING: Invalid circuit breaker timeout %q, using default (30 seconds)", c.Timeout)
		return 30 * time.Second
	}
	return timeout
}

// GetNamespace returns the CloudWatch namespace for the given stage.
func (m *MetricsConfig) GetNamespace(stage string) string {
	if m.Namespace != "" {
		return m.Namespace
	}
	return stage + "/S3watcher"
}

func (m *MetricsConfig) GetPathWithDefault() string {
	if m.Path == "" {
		return "/metrics"
	}
	return m.Path
}

func (w *WebhookConfig) GetPathWithDefault() string {
	if w.Path == "" {
		return "/events"
	}
	return w.Path
}

func (l *ListenerConfig) GetEventsWithDefault() []string {
	if len(l.Events) == 0 {
		return []string{"s3:ObjectCreated:*"}
	}
	return l.Events
}

func (l *ListenerConfig) GetReconnectIntervalWithDefault() time.Duration {
	if l.ReconnectInterval == "" {
		return 5 * time.Second
	}
	interval, err := time.ParseDuration(l.ReconnectInterval)
	if err != nil || interval <= 0 {
		log.Printf("WARNING: Invalid listener reconnect_interval %q, using default (5 seconds)", l.ReconnectInterval)
		return 5 * time.Second
	}
	return interval
}

func (h *HealthConfig) GetIntervalWithDefault() time.Duration {
	interval, err := time.ParseDuration(h.Interval)
	if err != nil || interval <= 0 {
		return 30 * time.Second
	}
	return interval
}

func (h *HealthConfig) GetTimeoutWithDefault() time.Duration {
	timeout, err := time.ParseDuration(h.Timeout)
	if err != nil || timeout <= 0 {
		return 10 * time.Second
	}
	return timeout
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace from all string fields.
// Unknown keys are reported as warnings and ignored; syntax errors fail with a hint.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// enhanceConfigError adds a hint for the most common TOML mistakes
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Please check your configuration file and remove or comment out the duplicate entry.", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file.\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Please check that all strings are quoted and all brackets are balanced", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if field := v.Field(i); field.CanSet() {
				trimStringFields(field)
			}
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
