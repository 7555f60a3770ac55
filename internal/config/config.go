// Package config provides unified configuration for all Tally services.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Mode represents the service mode to run.
type Mode string

const (
	ModeAll     Mode = "all"
	ModeIngest  Mode = "ingest"
	ModeQuery   Mode = "query"
	ModeProcess Mode = "process"
)

// Log and store backends.
const (
	LogBackendSegment = "segment"
	LogBackendKinesis = "kinesis"

	StoreBackendSQLite = "sqlite"
	StoreBackendDynamo = "dynamo"
)

// Kinesis starting positions used when a partition has no checkpoint.
const (
	StartingPositionLatest      = "LATEST"
	StartingPositionTrimHorizon = "TRIM_HORIZON"
)

// Environment names shared with the AWS deployment.
const (
	EnvKinesisStreamName = "KINESIS_STREAM_NAME"
	EnvDynamoTableName   = "DYNAMODB_TABLE_NAME"
)

// Config holds the unified configuration for all Tally services.
type Config struct {
	// Mode specifies which services to run: all, ingest, query, process
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all local data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// gRPC configuration
	GRPC GRPCConfig `json:"grpc" yaml:"grpc"`

	// Ordered log configuration
	Log LogConfig `json:"log" yaml:"log"`

	// Keyed store configuration
	Store StoreConfig `json:"store" yaml:"store"`

	// Batch processor and log poller configuration
	Processor ProcessorConfig `json:"processor" yaml:"processor"`

	// Per-invocation timeouts
	Timeouts TimeoutConfig `json:"timeouts" yaml:"timeouts"`

	// Segment archive configuration
	Archive ArchiveConfig `json:"archive" yaml:"archive"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address for the API
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// MaxBodyBytes caps the size of an ingestion body
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// LogConfig holds ordered log configuration.
type LogConfig struct {
	// Backend is the log backend: segment, kinesis
	Backend string `json:"backend" yaml:"backend"`

	// Dir is the segment log directory (segment backend)
	Dir string `json:"dir" yaml:"dir"`

	// Shards is the number of local shards partition keys hash onto
	Shards int `json:"shards" yaml:"shards"`

	// SegmentSizeMB is the size at which a segment file is sealed
	SegmentSizeMB int `json:"segment_size_mb" yaml:"segment_size_mb"`

	// Kinesis configuration (kinesis backend)
	Kinesis KinesisConfig `json:"kinesis" yaml:"kinesis"`
}

// KinesisConfig holds Kinesis Data Streams configuration.
type KinesisConfig struct {
	// StreamName is the Kinesis stream name
	StreamName string `json:"stream_name" yaml:"stream_name"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint overrides the service endpoint (localstack and friends)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// StartingPosition is LATEST or TRIM_HORIZON
	StartingPosition string `json:"starting_position" yaml:"starting_position"`
}

// StoreConfig holds keyed store configuration.
type StoreConfig struct {
	// Backend is the store backend: sqlite, dynamo
	Backend string `json:"backend" yaml:"backend"`

	// SQLitePath is the SQLite database path (sqlite backend)
	SQLitePath string `json:"sqlite_path" yaml:"sqlite_path"`

	// ReadPoolSize is the maximum number of read connections (sqlite backend)
	ReadPoolSize int `json:"read_pool_size" yaml:"read_pool_size"`

	// Dynamo configuration (dynamo backend)
	Dynamo DynamoConfig `json:"dynamo" yaml:"dynamo"`
}

// DynamoConfig holds DynamoDB configuration.
type DynamoConfig struct {
	// Table is the DynamoDB table name
	Table string `json:"table" yaml:"table"`

	// Index is the category/timestamp global secondary index name
	Index string `json:"index" yaml:"index"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint overrides the service endpoint
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// ProcessorConfig holds batch processing configuration.
type ProcessorConfig struct {
	// Group names the consumer whose cursors are checkpointed
	Group string `json:"group" yaml:"group"`

	// BatchSize is the maximum number of records per invocation
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// BatchWindow is the maximum time spent accumulating a batch
	BatchWindow time.Duration `json:"batch_window" yaml:"batch_window"`

	// MaxAttempts parks a batch in the dead-letter log after this many
	// failures. Zero retries forever.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialBackoff is the first redelivery delay
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff caps the redelivery delay
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// DeadLetterDir holds parked batches
	DeadLetterDir string `json:"dead_letter_dir" yaml:"dead_letter_dir"`
}

// TimeoutConfig holds per-invocation timeouts.
type TimeoutConfig struct {
	Ingest  time.Duration `json:"ingest" yaml:"ingest"`
	Process time.Duration `json:"process" yaml:"process"`
	Query   time.Duration `json:"query" yaml:"query"`
}

// ArchiveConfig holds segment archive configuration.
type ArchiveConfig struct {
	// Type is the archive storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local archive path (for local type)
	Path string `json:"path" yaml:"path"`

	// Prefix is prepended to every object path
	Prefix string `json:"prefix" yaml:"prefix"`

	// Concurrency bounds parallel uploads
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// Keep leaves archived segments in the local log
	Keep bool `json:"keep" yaml:"keep"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	// Level is a logrus level name
	Level string `json:"level" yaml:"level"`

	// Format is text or json
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/tally",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Log: LogConfig{
			Backend:       LogBackendSegment,
			Shards:        4,
			SegmentSizeMB: 64,
			Kinesis: KinesisConfig{
				StartingPosition: StartingPositionLatest,
			},
		},
		Store: StoreConfig{
			Backend:      StoreBackendSQLite,
			ReadPoolSize: 16,
			Dynamo: DynamoConfig{
				Index: "category-timestamp-index",
			},
		},
		Processor: ProcessorConfig{
			Group:          "processor",
			BatchSize:      100,
			BatchWindow:    time.Second,
			MaxAttempts:    0,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
		},
		Timeouts: TimeoutConfig{
			Ingest:  30 * time.Second,
			Process: 60 * time.Second,
			Query:   30 * time.Second,
		},
		Archive: ArchiveConfig{
			Type:        "local",
			Prefix:      "segments",
			Concurrency: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/tally"
	}
	if c.Log.Dir == "" {
		c.Log.Dir = filepath.Join(c.DataDir, "log")
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = filepath.Join(c.DataDir, "items.db")
	}
	if c.Processor.DeadLetterDir == "" {
		c.Processor.DeadLetterDir = filepath.Join(c.DataDir, "deadletter")
	}
	if c.Archive.Path == "" {
		c.Archive.Path = filepath.Join(c.DataDir, "archive")
	}
	if c.Store.Dynamo.Region == "" {
		c.Store.Dynamo.Region = c.Log.Kinesis.Region
	}
}

// CheckpointPath returns the path to the consumer checkpoint database.
func (c *Config) CheckpointPath() string {
	return filepath.Join(c.DataDir, "checkpoints.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeIngest, ModeQuery, ModeProcess:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be all, ingest, query, or process)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Log.Backend {
	case LogBackendSegment:
		if c.Log.Shards < 1 {
			return fmt.Errorf("log.shards must be at least 1, got %d", c.Log.Shards)
		}
		if c.Log.SegmentSizeMB < 1 {
			return fmt.Errorf("log.segment_size_mb must be at least 1, got %d", c.Log.SegmentSizeMB)
		}
	case LogBackendKinesis:
		if c.Log.Kinesis.StreamName == "" {
			return fmt.Errorf("log.kinesis.stream_name is required when log backend is kinesis")
		}
		switch c.Log.Kinesis.StartingPosition {
		case StartingPositionLatest, StartingPositionTrimHorizon:
		default:
			return fmt.Errorf("invalid log.kinesis.starting_position: %s (must be LATEST or TRIM_HORIZON)", c.Log.Kinesis.StartingPosition)
		}
	default:
		return fmt.Errorf("invalid log backend: %s (must be segment or kinesis)", c.Log.Backend)
	}

	switch c.Store.Backend {
	case StoreBackendSQLite:
	case StoreBackendDynamo:
		if c.Store.Dynamo.Table == "" {
			return fmt.Errorf("store.dynamo.table is required when store backend is dynamo")
		}
		if c.Store.Dynamo.Index == "" {
			return fmt.Errorf("store.dynamo.index is required when store backend is dynamo")
		}
	default:
		return fmt.Errorf("invalid store backend: %s (must be sqlite or dynamo)", c.Store.Backend)
	}

	if c.Processor.BatchSize < 1 || c.Processor.BatchSize > 10000 {
		return fmt.Errorf("processor.batch_size must be between 1 and 10000, got %d", c.Processor.BatchSize)
	}
	if c.Processor.BatchWindow < 0 {
		return fmt.Errorf("processor.batch_window must not be negative")
	}
	if c.Processor.MaxAttempts < 0 {
		return fmt.Errorf("processor.max_attempts must not be negative")
	}

	if c.Timeouts.Ingest <= 0 || c.Timeouts.Process <= 0 || c.Timeouts.Query <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}

	if c.Archive.Type != "local" && c.Archive.Type != "s3" {
		return fmt.Errorf("invalid archive type: %s (must be local or s3)", c.Archive.Type)
	}
	if c.Archive.Type == "s3" && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket is required when archive type is s3")
	}

	return nil
}

// ShouldRunIngest returns true if the ingestion gateway should run.
func (c *Config) ShouldRunIngest() bool {
	return c.Mode == ModeAll || c.Mode == ModeIngest
}

// ShouldRunQuery returns true if the query service should run.
func (c *Config) ShouldRunQuery() bool {
	return c.Mode == ModeAll || c.Mode == ModeQuery
}

// ShouldRunProcess returns true if the log poller should run.
func (c *Config) ShouldRunProcess() bool {
	return c.Mode == ModeAll || c.Mode == ModeProcess
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadEnvFiles loads dotenv files into the process environment. Missing files
// are skipped; variables already set are not overridden.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the TALLY_ prefix. KINESIS_STREAM_NAME and
// DYNAMODB_TABLE_NAME are also honoured and select the AWS backends unless
// a backend is set explicitly.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TALLY_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("TALLY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// HTTP configuration
	if v := os.Getenv("TALLY_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("TALLY_HTTP_MAX_BODY_BYTES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.HTTP.MaxBodyBytes)
	}

	// gRPC configuration
	if v := os.Getenv("TALLY_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("TALLY_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = v == "true" || v == "1"
	}

	// Log configuration
	if v := os.Getenv(EnvKinesisStreamName); v != "" {
		cfg.Log.Kinesis.StreamName = v
		cfg.Log.Backend = LogBackendKinesis
	}
	if v := os.Getenv("TALLY_LOG_BACKEND"); v != "" {
		cfg.Log.Backend = v
	}
	if v := os.Getenv("TALLY_LOG_DIR"); v != "" {
		cfg.Log.Dir = v
	}
	if v := os.Getenv("TALLY_LOG_SHARDS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Log.Shards)
	}
	if v := os.Getenv("TALLY_LOG_SEGMENT_SIZE_MB"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Log.SegmentSizeMB)
	}
	if v := os.Getenv("TALLY_KINESIS_REGION"); v != "" {
		cfg.Log.Kinesis.Region = v
	}
	if v := os.Getenv("TALLY_KINESIS_ENDPOINT"); v != "" {
		cfg.Log.Kinesis.Endpoint = v
	}
	if v := os.Getenv("TALLY_KINESIS_STARTING_POSITION"); v != "" {
		cfg.Log.Kinesis.StartingPosition = strings.ToUpper(v)
	}

	// Store configuration
	if v := os.Getenv(EnvDynamoTableName); v != "" {
		cfg.Store.Dynamo.Table = v
		cfg.Store.Backend = StoreBackendDynamo
	}
	if v := os.Getenv("TALLY_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("TALLY_STORE_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("TALLY_DYNAMO_INDEX"); v != "" {
		cfg.Store.Dynamo.Index = v
	}
	if v := os.Getenv("TALLY_DYNAMO_REGION"); v != "" {
		cfg.Store.Dynamo.Region = v
	}
	if v := os.Getenv("TALLY_DYNAMO_ENDPOINT"); v != "" {
		cfg.Store.Dynamo.Endpoint = v
	}

	// Processor configuration
	if v := os.Getenv("TALLY_PROCESSOR_GROUP"); v != "" {
		cfg.Processor.Group = v
	}
	if v := os.Getenv("TALLY_PROCESSOR_BATCH_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Processor.BatchSize)
	}
	if v := os.Getenv("TALLY_PROCESSOR_BATCH_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Processor.BatchWindow = d
		}
	}
	if v := os.Getenv("TALLY_PROCESSOR_MAX_ATTEMPTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Processor.MaxAttempts)
	}

	// Timeouts
	if v := os.Getenv("TALLY_TIMEOUT_INGEST"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeouts.Ingest = d
		}
	}
	if v := os.Getenv("TALLY_TIMEOUT_PROCESS"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeouts.Process = d
		}
	}
	if v := os.Getenv("TALLY_TIMEOUT_QUERY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeouts.Query = d
		}
	}

	// Archive configuration
	if v := os.Getenv("TALLY_ARCHIVE_TYPE"); v != "" {
		cfg.Archive.Type = v
	}
	if v := os.Getenv("TALLY_ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
	}
	if v := os.Getenv("TALLY_S3_BUCKET"); v != "" {
		cfg.Archive.S3.Bucket = v
	}
	if v := os.Getenv("TALLY_S3_REGION"); v != "" {
		cfg.Archive.S3.Region = v
	}
	if v := os.Getenv("TALLY_S3_ENDPOINT"); v != "" {
		cfg.Archive.S3.Endpoint = v
	}

	// Logging configuration
	if v := os.Getenv("TALLY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TALLY_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// EnsureDirectories creates all required local directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.Processor.DeadLetterDir}
	if c.Log.Backend == LogBackendSegment {
		dirs = append(dirs, c.Log.Dir)
	}
	if c.Store.Backend == StoreBackendSQLite {
		dirs = append(dirs, filepath.Dir(c.Store.SQLitePath))
	}
	if c.Archive.Type == "local" {
		dirs = append(dirs, c.Archive.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
