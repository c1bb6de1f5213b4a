package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config captures the full runtime configuration of the transcoder service.
type Config struct {
	App       AppConfig
	HTTP      HTTPConfig
	Public    PublicConfig
	Upload    UploadConfig
	Transcode TranscodeConfig
	Kafka     KafkaConfig
	Storage   StorageConfig
	Tracing   TracingConfig
}

type AppConfig struct {
	Name        string `env:"APP_NAME" envDefault:"hls-transcoder"`
	Environment string `env:"APP_ENV" envDefault:"development"`
	Version     string `env:"APP_VERSION" envDefault:"0.1.0"`
	LogLevel    string `env:"APP_LOG_LEVEL" envDefault:"info"`
}

// HTTPConfig has no read timeout by default: the upload body is bounded by
// UPLOAD_PARSE_TIMEOUT and the response waits for the encoder.
type HTTPConfig struct {
	Addr              string        `env:"HTTP_ADDR" envDefault:":3000"`
	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"10s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"0s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"0s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout   time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// PublicConfig holds the externally visible address of the service. It has no
// default because it depends on how the service is exposed.
type PublicConfig struct {
	BaseURL string `env:"PUBLIC_BASE_URL,required,notEmpty"`
}

type UploadConfig struct {
	MaxSizeBytes      int64         `env:"UPLOAD_MAX_SIZE_BYTES" envDefault:"314572800"`
	MultipartMemBytes int64         `env:"UPLOAD_MULTIPART_MEM_BYTES" envDefault:"33554432"`
	TempDir           string        `env:"UPLOAD_TEMP_DIR"`
	ParseTimeout      time.Duration `env:"UPLOAD_PARSE_TIMEOUT" envDefault:"5m"`
}

type TranscodeConfig struct {
	FFmpegPath         string        `env:"TRANSCODE_FFMPEG_PATH" envDefault:"ffmpeg"`
	OutputDir          string        `env:"TRANSCODE_OUTPUT_DIR" envDefault:"./uploads/courses"`
	VideoCodec         string        `env:"TRANSCODE_VIDEO_CODEC" envDefault:"libx264"`
	AudioCodec         string        `env:"TRANSCODE_AUDIO_CODEC" envDefault:"aac"`
	Timeout            time.Duration `env:"TRANSCODE_TIMEOUT" envDefault:"300000ms"`
	MaxConcurrent      int           `env:"TRANSCODE_MAX_CONCURRENT" envDefault:"2"`
	AdmissionWait      time.Duration `env:"TRANSCODE_ADMISSION_WAIT" envDefault:"30s"`
	RemoveFailedOutput bool          `env:"TRANSCODE_REMOVE_FAILED_OUTPUT" envDefault:"true"`
}

type KafkaConfig struct {
	Enabled          bool          `env:"KAFKA_ENABLED" envDefault:"false"`
	Brokers          []string      `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	Topic            string        `env:"KAFKA_TRANSCODE_TOPIC" envDefault:"hls.transcode"`
	Retries          int           `env:"KAFKA_RETRIES" envDefault:"3"`
	CompressionCodec string        `env:"KAFKA_COMPRESSION_CODEC" envDefault:"snappy"`
	BatchSize        int           `env:"KAFKA_BATCH_SIZE" envDefault:"1"`
	BatchTimeout     time.Duration `env:"KAFKA_BATCH_TIMEOUT" envDefault:"10ms"`
	WriteTimeout     time.Duration `env:"KAFKA_WRITE_TIMEOUT" envDefault:"10s"`
}

type StorageConfig struct {
	Enabled   bool   `env:"STORAGE_ENABLED" envDefault:"false"`
	Provider  string `env:"STORAGE_PROVIDER" envDefault:"minio"`
	Endpoint  string `env:"STORAGE_ENDPOINT" envDefault:"localhost:9000"`
	Region    string `env:"STORAGE_REGION" envDefault:"us-east-1"`
	Bucket    string `env:"STORAGE_BUCKET" envDefault:"hls-output"`
	AccessKey string `env:"STORAGE_ACCESS_KEY" envDefault:"minioadmin"`
	SecretKey string `env:"STORAGE_SECRET_KEY" envDefault:"minioadmin"`
	UseSSL    bool   `env:"STORAGE_USE_SSL" envDefault:"false"`
}

// TracingConfig leaves the endpoint empty by default, which disables export.
type TracingConfig struct {
	Endpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure     bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	SampleRatio  float64 `env:"OTEL_TRACES_SAMPLER_RATIO" envDefault:"1.0"`
	ResourceAttr string  `env:"OTEL_RESOURCE_ATTRIBUTES" envDefault:"service.namespace=hls"`
}

// Load reads an optional .env file, parses environment variables into Config
// and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse builds Config from the process environment only.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Public.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("PUBLIC_BASE_URL must be an absolute http(s) url, got %q", c.Public.BaseURL)
	}
	if c.Upload.MaxSizeBytes <= 0 {
		return errors.New("UPLOAD_MAX_SIZE_BYTES must be positive")
	}
	if c.Transcode.Timeout <= 0 {
		return errors.New("TRANSCODE_TIMEOUT must be positive")
	}
	if c.Transcode.MaxConcurrent <= 0 {
		return errors.New("TRANSCODE_MAX_CONCURRENT must be positive")
	}
	if c.Transcode.FFmpegPath == "" || c.Transcode.OutputDir == "" {
		return errors.New("TRANSCODE_FFMPEG_PATH and TRANSCODE_OUTPUT_DIR must be set")
	}
	return nil
}
