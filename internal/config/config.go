package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	StorageDir        string        `envconfig:"STORAGE_DIR" required:"true"`
	DBPath            string        `envconfig:"DB_PATH" default:"fetchqueue.db"`
	QueueBackend      string        `envconfig:"QUEUE_BACKEND" default:"sqlite"`
	BoltPath          string        `envconfig:"BOLT_PATH" default:"fetchqueue.bolt"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	OllamaURL         string        `envconfig:"OLLAMA_URL" default:"http://localhost:11434"`
	EmbedModel        string        `envconfig:"EMBED_MODEL" default:"nomic-embed-text"`
	EmbedChunkWords   int           `envconfig:"EMBED_CHUNK_WORDS" default:"200"`
	EmbedOverlapWords int           `envconfig:"EMBED_OVERLAP_WORDS" default:"20"`
	EmbedBatchSize    int           `envconfig:"EMBED_BATCH_SIZE" default:"16"`
	PoliciesFile      string        `envconfig:"POLICIES_FILE"`
	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`

	// DownloadFamilies are the resource families with their own transfer registry.
	DownloadFamilies []string `envconfig:"DOWNLOAD_FAMILIES" default:"zim,maps"`

	Transfer struct {
		Timeout          time.Duration `split_words:"true" default:"30s"`
		RetryAttempts    int           `split_words:"true" default:"3"`
		RetryDelay       time.Duration `split_words:"true" default:"5s"`
		ProgressInterval time.Duration `split_words:"true" default:"500ms"`
	}

	Worker struct {
		// Queues limits the queues this process consumes; empty means all of them.
		Queues          []string      `split_words:"true"`
		PollInterval    time.Duration `split_words:"true" default:"1s"`
		LeaseDuration   time.Duration `split_words:"true" default:"5m"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8787"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		// Username and Password enable basic auth on the API when both are set.
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"fetchqueue"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.QueueBackend {
	case "sqlite", "bolt":
	default:
		return fmt.Errorf("invalid queue backend: %s", c.QueueBackend)
	}

	if c.Transfer.RetryAttempts < 1 {
		return fmt.Errorf("TRANSFER_RETRY_ATTEMPTS must be at least 1, got %d", c.Transfer.RetryAttempts)
	}

	return nil
}

// ConsumesQueue reports whether this process should run a worker for queue.
func (c *Config) ConsumesQueue(queue string) bool {
	if len(c.Worker.Queues) == 0 {
		return true
	}

	for _, q := range c.Worker.Queues {
		if strings.TrimSpace(q) == queue {
			return true
		}
	}

	return false
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
