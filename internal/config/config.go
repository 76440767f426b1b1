// Package config loads contracts-cli configuration from config.yaml and
// CONTRACTS_* environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Run modes checked by Validate.
const (
	ModeServe  = "serve"
	ModeWorker = "worker"
	ModeCLI    = "cli"

	// ModeEnqueue is a short-lived CLI process that puts jobs on the queue
	// (submit, jobs requeue).
	ModeEnqueue = "enqueue"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Blob       BlobConfig       `yaml:"blob" mapstructure:"blob"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Extraction ExtractionConfig `yaml:"extraction" mapstructure:"extraction"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	OCR        OCRConfig        `yaml:"ocr" mapstructure:"ocr"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the job metadata backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // postgres | sqlite | memory
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// BlobConfig configures document storage.
type BlobConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // local | supabase | memory
	LocalDir    string `yaml:"local_dir" mapstructure:"local_dir"`
	SupabaseURL string `yaml:"supabase_url" mapstructure:"supabase_url"`
	SupabaseKey string `yaml:"supabase_key" mapstructure:"supabase_key"`
	Bucket      string `yaml:"bucket" mapstructure:"bucket"`
}

// QueueConfig configures the job queue.
type QueueConfig struct {
	Driver            string         `yaml:"driver" mapstructure:"driver"` // memory | postgres | temporal
	PollIntervalMs    int            `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	VisibilityTimeout int            `yaml:"visibility_timeout_secs" mapstructure:"visibility_timeout_secs"`
	MaxDeliveries     int            `yaml:"max_deliveries" mapstructure:"max_deliveries"`
	Buffer            int            `yaml:"buffer" mapstructure:"buffer"`
	Temporal          TemporalConfig `yaml:"temporal" mapstructure:"temporal"`
}

// TemporalConfig configures the Temporal-backed queue.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// ExtractionConfig selects and bounds the extraction engine.
type ExtractionConfig struct {
	Strategy      string `yaml:"strategy" mapstructure:"strategy"` // rules | semantic
	TimeoutSecs   int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxTokens     int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	MaxInputChars int    `yaml:"max_input_chars" mapstructure:"max_input_chars"`
	RulesFile     string `yaml:"rules_file" mapstructure:"rules_file"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key            string `yaml:"key" mapstructure:"key"`
	Model          string `yaml:"model" mapstructure:"model"`
	PromptCacheTTL string `yaml:"prompt_cache_ttl" mapstructure:"prompt_cache_ttl"` // 5m | 1h | off
}

// OCRConfig configures text extraction from uploaded documents.
type OCRConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"` // local | mistral
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	MistralKey    string `yaml:"mistral_key" mapstructure:"mistral_key"`
	MistralModel  string `yaml:"mistral_model" mapstructure:"mistral_model"`
}

// WorkerConfig configures the pipeline worker pool.
type WorkerConfig struct {
	Concurrency      int   `yaml:"concurrency" mapstructure:"concurrency"`
	JobTimeoutSecs   int   `yaml:"job_timeout_secs" mapstructure:"job_timeout_secs"`
	MaxDocumentBytes int64 `yaml:"max_document_bytes" mapstructure:"max_document_bytes"`
	StaleAfterMins   int   `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port             int      `yaml:"port" mapstructure:"port"`
	MaxUploadMB      int      `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
	CORSOrigins      []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	UploadRatePerSec float64  `yaml:"upload_rate_per_sec" mapstructure:"upload_rate_per_sec"`
	UploadBurst      int      `yaml:"upload_burst" mapstructure:"upload_burst"`
	EmbeddedWorkers  bool     `yaml:"embedded_workers" mapstructure:"embedded_workers"`
}

// RetryConfig configures upstream retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures per-upstream circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// MonitoringConfig configures health checks and alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StuckThreshold       int     `yaml:"stuck_threshold" mapstructure:"stuck_threshold"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	StuckAfterMins       int     `yaml:"stuck_after_mins" mapstructure:"stuck_after_mins"`
	CheckIntervalMins    int     `yaml:"check_interval_mins" mapstructure:"check_interval_mins"`
	// QueueBacklogThreshold alerts when this many deliveries are waiting. 0 disables.
	QueueBacklogThreshold int `yaml:"queue_backlog_threshold" mapstructure:"queue_backlog_threshold"`
	// AutoRequeue re-enqueues stuck jobs on every check.
	AutoRequeue bool `yaml:"auto_requeue" mapstructure:"auto_requeue"`
	// AlertCooldownMins suppresses a repeat of the same alert type. 0 disables.
	AlertCooldownMins int `yaml:"alert_cooldown_mins" mapstructure:"alert_cooldown_mins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from ./config.yaml (if present) and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. An empty path searches the
// working directory for config.yaml; a named file must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("CONTRACTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Every key needs one so env-only overrides reach Unmarshal.
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("blob.driver", "local")
	v.SetDefault("blob.local_dir", "./data/blobs")
	v.SetDefault("blob.supabase_url", "")
	v.SetDefault("blob.supabase_key", "")
	v.SetDefault("blob.bucket", "Contracts")
	v.SetDefault("queue.driver", "postgres")
	v.SetDefault("queue.poll_interval_ms", 1000)
	v.SetDefault("queue.visibility_timeout_secs", 600)
	v.SetDefault("queue.max_deliveries", 5)
	v.SetDefault("queue.buffer", 256)
	v.SetDefault("queue.temporal.host_port", "localhost:7233")
	v.SetDefault("queue.temporal.namespace", "default")
	v.SetDefault("queue.temporal.task_queue", "contracts")
	v.SetDefault("extraction.strategy", "rules")
	v.SetDefault("extraction.timeout_secs", 60)
	v.SetDefault("extraction.max_tokens", 2048)
	v.SetDefault("extraction.max_input_chars", 150000)
	v.SetDefault("extraction.rules_file", "")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.prompt_cache_ttl", "1h")
	v.SetDefault("ocr.provider", "local")
	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("ocr.mistral_key", "")
	v.SetDefault("ocr.mistral_model", "mistral-ocr-latest")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.job_timeout_secs", 300)
	v.SetDefault("worker.max_document_bytes", 25<<20)
	v.SetDefault("worker.stale_after_mins", 15)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_upload_mb", 25)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.upload_rate_per_sec", 5.0)
	v.SetDefault("server.upload_burst", 10)
	v.SetDefault("server.embedded_workers", false)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.stuck_threshold", 1)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.stuck_after_mins", 30)
	v.SetDefault("monitoring.check_interval_mins", 15)
	v.SetDefault("monitoring.queue_backlog_threshold", 0)
	v.SetDefault("monitoring.alert_cooldown_mins", 60)
	v.SetDefault("monitoring.auto_requeue", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a given run mode depends on.
func (c *Config) Validate(mode string) error {
	switch mode {
	case ModeServe, ModeWorker, ModeCLI, ModeEnqueue:
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the sqlite driver (file path)")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of postgres, sqlite, memory", c.Store.Driver))
	}

	switch c.Blob.Driver {
	case "local":
		if c.Blob.LocalDir == "" {
			errs = append(errs, "blob.local_dir is required for the local driver")
		}
	case "supabase":
		if c.Blob.SupabaseURL == "" || c.Blob.SupabaseKey == "" {
			errs = append(errs, "blob.supabase_url and blob.supabase_key are required for the supabase driver")
		}
		if c.Blob.Bucket == "" {
			errs = append(errs, "blob.bucket is required for the supabase driver")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("blob.driver %q is not one of local, supabase, memory", c.Blob.Driver))
	}

	switch c.Queue.Driver {
	case "postgres":
		if c.Store.Driver != "postgres" {
			errs = append(errs, "queue.driver postgres requires store.driver postgres")
		}
	case "temporal":
		if c.Queue.Temporal.HostPort == "" || c.Queue.Temporal.TaskQueue == "" {
			errs = append(errs, "queue.temporal.host_port and queue.temporal.task_queue are required")
		}
	case "memory":
		// The in-process queue dies with the process, so it needs a consumer
		// running alongside. An enqueue against a durable store would leave
		// the job Pending with nothing to pick it up.
		if mode == ModeWorker ||
			(mode == ModeServe && !c.Server.EmbeddedWorkers) ||
			(mode == ModeEnqueue && c.Store.Driver != "memory") {
			errs = append(errs, "queue.driver memory only works with serve --workers")
		}
	default:
		errs = append(errs, fmt.Sprintf("queue.driver %q is not one of memory, postgres, temporal", c.Queue.Driver))
	}

	if mode == ModeWorker || (mode == ModeServe && c.Server.EmbeddedWorkers) {
		switch c.Extraction.Strategy {
		case "rules":
		case "semantic":
			if c.Anthropic.Key == "" {
				errs = append(errs, "anthropic.key is required for the semantic strategy")
			}
		default:
			errs = append(errs, fmt.Sprintf("extraction.strategy %q is not one of rules, semantic", c.Extraction.Strategy))
		}
		if c.OCR.Provider == "mistral" && c.OCR.MistralKey == "" {
			errs = append(errs, "ocr.mistral_key is required for the mistral provider")
		}
		if c.Worker.Concurrency < 1 {
			errs = append(errs, "worker.concurrency must be >= 1")
		}
	}

	if mode == ModeServe && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
