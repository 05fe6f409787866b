// Package config defines the process configuration for the pagehook API and
// worker. Configuration is read once at startup from the environment (with an
// optional .env file for local development) and is immutable afterwards.
//
// A missing required value or a malformed one aborts startup. Neither process
// degrades into a partially configured mode.
package config

import (
	"time"

	"pagehook/internal/types"
)

// SecretString is an alias for types.SecretString so config structs can be
// logged without leaking credentials.
type SecretString = types.SecretString

// Config is the configuration of the ingestion API process.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"pagehook-api"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	// InstanceID tags broadcasts with their origin. Defaults to the hostname.
	InstanceID string `envconfig:"INSTANCE_ID"`

	Server   ServerConfig
	Webhook  WebhookConfig
	AWS      AWSConfig
	Redis    RedisConfig
	Realtime RealtimeConfig

	Build BuildInfo
}

// WorkerConfig is the configuration of the queue consumer process.
type WorkerConfig struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"pagehook-worker"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	InstanceID  string `envconfig:"INSTANCE_ID"`

	AWS           AWSConfig
	Redis         RedisConfig
	Database      DatabaseConfig
	Consumer      ConsumerConfig
	Observability ObservabilityConfig

	Build BuildInfo
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port              string        `envconfig:"PORT" default:"8080"`
	ReadHeaderTimeout time.Duration `envconfig:"HTTP_READ_HEADER_TIMEOUT" default:"5s"`
	ReadTimeout       time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout      time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"15s"`
	IdleTimeout       time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout   time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`

	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// WebhookConfig holds the shared secrets agreed with the sending platform.
type WebhookConfig struct {
	// VerifyToken is echoed back by the platform during the subscription handshake.
	VerifyToken SecretString `envconfig:"VERIFY_TOKEN" validate:"required"`
	// AppSecret is the HMAC-SHA256 key the platform signs event bodies with.
	AppSecret SecretString `envconfig:"APP_SECRET" validate:"required"`

	Sources      []string `envconfig:"WEBHOOK_SOURCES" default:"page" validate:"min=1,dive,required"`
	PathPrefix   string   `envconfig:"WEBHOOK_PATH_PREFIX" default:"/webhooks" validate:"startswith=/"`
	MaxBodyBytes int64    `envconfig:"WEBHOOK_MAX_BODY_BYTES" default:"1048576" validate:"gt=0"`
}

// AWSConfig identifies the durable queue. Credentials come from the SDK
// default chain.
type AWSConfig struct {
	Region    string `envconfig:"AWS_REGION" validate:"required"`
	QueueName string `envconfig:"SQS_QUEUE_NAME" validate:"required"`

	// LocalStack support (empty in prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL" validate:"omitempty,url"`
}

// RedisConfig points at the shared pub/sub backend used for broadcast fan-out.
type RedisConfig struct {
	URL            SecretString  `envconfig:"REDIS_URL" validate:"required"`
	ChannelPrefix  string        `envconfig:"BROADCAST_CHANNEL_PREFIX" default:"pagehook:broadcast:"`
	ConnectTimeout time.Duration `envconfig:"REDIS_CONNECT_TIMEOUT" default:"5s"`
}

// RealtimeConfig tunes the WebSocket gateway.
type RealtimeConfig struct {
	Path           string        `envconfig:"REALTIME_PATH" default:"/realtime"`
	AllowedOrigins []string      `envconfig:"REALTIME_ALLOWED_ORIGINS"`
	WriteTimeout   time.Duration `envconfig:"REALTIME_WRITE_TIMEOUT" default:"10s"`
	PingInterval   time.Duration `envconfig:"REALTIME_PING_INTERVAL" default:"30s"`
	SendBuffer     int           `envconfig:"REALTIME_SEND_BUFFER" default:"64" validate:"gt=0"`
}

// DatabaseConfig holds the connection string and pool tuning for the domain
// handler's store.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// ConsumerConfig controls how the worker polls the queue.
type ConsumerConfig struct {
	// BatchSize bounds both ReceiveMessage and the number of groups handled
	// concurrently. SQS caps it at 10.
	BatchSize         int32         `envconfig:"WORKER_BATCH_SIZE" default:"10" validate:"min=1,max=10"`
	WaitTime          time.Duration `envconfig:"WORKER_WAIT_TIME" default:"20s" validate:"max=20s"`
	VisibilityTimeout time.Duration `envconfig:"WORKER_VISIBILITY_TIMEOUT" default:"60s"`
	HandlerTimeout    time.Duration `envconfig:"WORKER_HANDLER_TIMEOUT" default:"30s"`
	MaxBackoff        time.Duration `envconfig:"WORKER_MAX_BACKOFF" default:"30s"`
}

// ObservabilityConfig holds worker metric settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Pagehook"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// BuildInfo is populated from linker flags, never from the environment.
type BuildInfo struct {
	Version   string `ignored:"true"`
	Commit    string `ignored:"true"`
	BuildTime string `ignored:"true"`
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrValidation indicates a value is present but violates a rule.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a value could not be converted to its field type.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
