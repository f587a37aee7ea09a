package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the API server and the worker roles.
// Each process reads the whole thing; sections a role does not use are ignored.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	AWS         AWSConfig
	Queue       QueueConfig
	ObjectStore ObjectStoreConfig
	Archive     ArchiveConfig
	Worker      WorkerConfig
	Notify      NotifyConfig
	Telemetry   TelemetryConfig
}

type ServerConfig struct {
	Port              int
	Env               string
	RequestsPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL        string
	ProfileTTL time.Duration
}

type AWSConfig struct {
	Region   string
	Endpoint string
}

// QueueConfig names every queue and topic of the pipeline. For the sqs backend
// queue names are SQS queue names and topics are SNS topic ARNs; for redis and
// amqp both are plain names.
type QueueConfig struct {
	Backend           string
	AMQPURL           string
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
	MaxMessages       int

	RequestQueue  string
	ResultQueue   string
	ArchiveQueue  string
	ThawQueue     string
	RestoreQueue  string
	RequestTopic  string
	ResultTopic   string
	ArchiveTopic  string
	ThawTopic     string
	RestoreTopic  string
	DelayKey      string
	TopicBindings map[string][]string
}

type ObjectStoreConfig struct {
	Provider      string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	InputsBucket  string
	ResultsBucket string
	KeyPrefix     string
}

type ArchiveConfig struct {
	VaultName      string
	RetrievalTopic string
	RatePerSecond  float64
}

type WorkerConfig struct {
	Concurrency      int
	ShutdownTimeout  time.Duration
	ArchiveDelay     time.Duration
	SchedulerTick    time.Duration
	WorkDir          string
	AnnotatorCommand string
	StepRetryBudget  time.Duration
	MaxAttempts      int
}

type NotifyConfig struct {
	Provider        string
	SendGridAPIKey  string
	Sender          string
	DetailURLPrefix string
}

// TelemetryConfig enables trace and metric export. An empty endpoint keeps the
// noop providers.
type TelemetryConfig struct {
	OTLPEndpoint   string
	SampleRatio    float64
	MetricInterval time.Duration
}

var validQueueBackends = map[string]bool{
	"sqs":   true,
	"redis": true,
	"amqp":  true,
}

var validObjectStores = map[string]bool{
	"s3":    true,
	"minio": true,
}

var validNotifyProviders = map[string]bool{
	"sendgrid": true,
	"log":      true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("ANNOFLOW_PORT", 8080),
			Env:               envString("ANNOFLOW_ENV", "development"),
			RequestsPerMinute: envInt("ANNOFLOW_REQUESTS_PER_MINUTE", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:        os.Getenv("REDIS_URL"),
			ProfileTTL: envDuration("PROFILE_CACHE_TTL", time.Minute),
		},
		AWS: AWSConfig{
			Region:   envString("AWS_REGION", "us-east-1"),
			Endpoint: os.Getenv("AWS_ENDPOINT_URL"),
		},
		Queue: QueueConfig{
			Backend:           envString("QUEUE_BACKEND", "redis"),
			AMQPURL:           os.Getenv("AMQP_URL"),
			WaitTime:          envDurationSecs("QUEUE_WAIT_TIME_SECS", 20*time.Second),
			VisibilityTimeout: envDurationSecs("QUEUE_VISIBILITY_TIMEOUT_SECS", 5*time.Minute),
			MaxMessages:       envInt("QUEUE_MAX_MESSAGES", 1),
			RequestQueue:      envString("QUEUE_REQUESTS", "annoflow_job_requests"),
			ResultQueue:       envString("QUEUE_RESULTS", "annoflow_job_results"),
			ArchiveQueue:      envString("QUEUE_ARCHIVE", "annoflow_results_archive"),
			ThawQueue:         envString("QUEUE_THAW", "annoflow_results_thaw"),
			RestoreQueue:      envString("QUEUE_RESTORE", "annoflow_results_restore"),
			RequestTopic:      envString("TOPIC_REQUESTS", "annoflow_job_requests"),
			ResultTopic:       envString("TOPIC_RESULTS", "annoflow_job_results"),
			ArchiveTopic:      envString("TOPIC_ARCHIVE", "annoflow_results_archive"),
			ThawTopic:         envString("TOPIC_THAW", "annoflow_results_thaw"),
			RestoreTopic:      envString("TOPIC_RESTORE", "annoflow_results_restore"),
			DelayKey:          envString("ARCHIVE_DELAY_KEY", "annoflow:delayed:archive"),
		},
		ObjectStore: ObjectStoreConfig{
			Provider:      envString("OBJECT_STORE_PROVIDER", "s3"),
			Endpoint:      os.Getenv("OBJECT_STORE_ENDPOINT"),
			AccessKey:     os.Getenv("OBJECT_STORE_ACCESS_KEY"),
			SecretKey:     os.Getenv("OBJECT_STORE_SECRET_KEY"),
			UseSSL:        envBool("OBJECT_STORE_USE_SSL", true),
			InputsBucket:  envString("S3_INPUTS_BUCKET", "gas-inputs"),
			ResultsBucket: envString("S3_RESULTS_BUCKET", "gas-results"),
			KeyPrefix:     envString("S3_KEY_PREFIX", ""),
		},
		Archive: ArchiveConfig{
			VaultName:      os.Getenv("GLACIER_VAULT_NAME"),
			RetrievalTopic: os.Getenv("GLACIER_RETRIEVAL_TOPIC"),
			RatePerSecond:  envFloat("THAW_RATE_PER_SECOND", 5),
		},
		Worker: WorkerConfig{
			Concurrency:      envInt("WORKER_CONCURRENCY", 1),
			ShutdownTimeout:  envDuration("WORKER_SHUTDOWN_TIMEOUT", 30*time.Second),
			ArchiveDelay:     envDurationSecs("ARCHIVE_DELAY_SECS", 5*time.Minute),
			SchedulerTick:    envDuration("SCHEDULER_TICK", time.Second),
			WorkDir:          envString("ANNOTATOR_WORK_DIR", os.TempDir()),
			AnnotatorCommand: envString("ANNOTATOR_COMMAND", "anntools"),
			StepRetryBudget:  envDuration("STEP_RETRY_BUDGET", 2*time.Minute),
			MaxAttempts:      envInt("WORKER_MAX_ATTEMPTS", 10),
		},
		Notify: NotifyConfig{
			Provider:        envString("NOTIFY_PROVIDER", "log"),
			SendGridAPIKey:  os.Getenv("SENDGRID_API_KEY"),
			Sender:          envString("MAIL_DEFAULT_SENDER", "noreply@annoflow.local"),
			DetailURLPrefix: envString("DETAIL_PAGE_URL_PREFIX", "http://localhost:8080/annotations/"),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			SampleRatio:    envFloat("OTEL_TRACES_SAMPLE_RATIO", 1),
			MetricInterval: envDuration("OTEL_METRIC_EXPORT_INTERVAL", 30*time.Second),
		},
	}

	q := &cfg.Queue
	q.TopicBindings = map[string][]string{
		q.RequestTopic: {q.RequestQueue},
		q.ResultTopic:  {q.ResultQueue},
		q.ArchiveTopic: {q.ArchiveQueue},
		q.ThawTopic:    {q.ThawQueue},
		q.RestoreTopic: {q.RestoreQueue},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validQueueBackends[c.Queue.Backend] {
		return fmt.Errorf("QUEUE_BACKEND must be one of sqs, redis, amqp; got %q", c.Queue.Backend)
	}
	if c.Queue.Backend == "amqp" && c.Queue.AMQPURL == "" {
		return fmt.Errorf("AMQP_URL is required when QUEUE_BACKEND is amqp")
	}
	if c.Queue.WaitTime <= 0 || c.Queue.WaitTime > 20*time.Second {
		return fmt.Errorf("QUEUE_WAIT_TIME_SECS must be between 1 and 20, got %s", c.Queue.WaitTime)
	}
	if c.Queue.MaxMessages < 1 || c.Queue.MaxMessages > 10 {
		return fmt.Errorf("QUEUE_MAX_MESSAGES must be between 1 and 10, got %d", c.Queue.MaxMessages)
	}

	if !validObjectStores[c.ObjectStore.Provider] {
		return fmt.Errorf("OBJECT_STORE_PROVIDER must be one of s3, minio; got %q", c.ObjectStore.Provider)
	}
	if c.ObjectStore.Provider == "minio" && c.ObjectStore.Endpoint == "" {
		return fmt.Errorf("OBJECT_STORE_ENDPOINT is required when OBJECT_STORE_PROVIDER is minio")
	}
	if c.ObjectStore.Endpoint != "" && c.ObjectStore.Provider == "s3" &&
		!strings.HasPrefix(c.ObjectStore.Endpoint, "http://") && !strings.HasPrefix(c.ObjectStore.Endpoint, "https://") {
		return fmt.Errorf("OBJECT_STORE_ENDPOINT must start with http:// or https://, got %q", c.ObjectStore.Endpoint)
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.MaxAttempts < 0 {
		return fmt.Errorf("WORKER_MAX_ATTEMPTS must not be negative, got %d", c.Worker.MaxAttempts)
	}
	if c.Worker.ArchiveDelay < 0 {
		return fmt.Errorf("ARCHIVE_DELAY_SECS must not be negative")
	}

	if !validNotifyProviders[c.Notify.Provider] {
		return fmt.Errorf("NOTIFY_PROVIDER must be one of sendgrid, log; got %q", c.Notify.Provider)
	}
	if c.Notify.Provider == "sendgrid" && c.Notify.SendGridAPIKey == "" {
		return fmt.Errorf("SENDGRID_API_KEY is required when NOTIFY_PROVIDER is sendgrid")
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLE_RATIO must be between 0 and 1, got %g", c.Telemetry.SampleRatio)
	}
	if c.Telemetry.MetricInterval <= 0 {
		return fmt.Errorf("OTEL_METRIC_EXPORT_INTERVAL must be positive, got %s", c.Telemetry.MetricInterval)
	}

	return nil
}

// RequireArchive checks the settings only the archive, thaw and restore roles need.
func (c *Config) RequireArchive() error {
	if c.Archive.VaultName == "" {
		return fmt.Errorf("GLACIER_VAULT_NAME is required")
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
