package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for both deployment shapes: the
// in-process `cmd/fswap` CLI, which only ever reads
// Models/Video/Task/Storage/Logging, and the optional `cmd/taskworker`
// fleet worker, which additionally reads NATS/MinIO/Database.
type Config struct {
	Models   ModelsConfig   `yaml:"models"`
	Video    VideoConfig    `yaml:"video"`
	Task     TaskConfig     `yaml:"task"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	NATS     NATSConfig     `yaml:"nats"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Database DatabaseConfig `yaml:"database"`
}

// ModelsConfig names the four ONNX model files by logical role, plus
// the session-level thread/accelerator tunables.
type ModelsConfig struct {
	Dir                string  `yaml:"dir"`
	DetectorFile       string  `yaml:"detector_file"`
	EmbedderFile       string  `yaml:"embedder_file"`
	SwapperFile        string  `yaml:"swapper_file"`
	EnhancerFile       string  `yaml:"enhancer_file"`
	DetectionThreshold float64 `yaml:"detection_threshold"`
	IntraOpThreads     int     `yaml:"intra_op_threads"`
	InterOpThreads     int     `yaml:"inter_op_threads"`
	Accelerator        string  `yaml:"accelerator"`
}

// VideoConfig carries the video engine's concurrency/quality knobs.
type VideoConfig struct {
	MaxWorkers            int     `yaml:"max_workers"` // not read: the video pipeline picks its own worker count
	ColorTransferStrength float64 `yaml:"color_transfer_strength"`
	UseEnhancer           bool    `yaml:"use_enhancer"`
}

// TaskConfig tunes the headless façade.
type TaskConfig struct {
	OutputDir      string        `yaml:"output_dir"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	ProgressWindow time.Duration `yaml:"progress_window"`
}

// StorageConfig holds an output retention period. It is loaded and
// defaulted (7 days), but no command reads it and no output is ever
// deleted on its account.
type StorageConfig struct {
	OutputRetention time.Duration `yaml:"output_retention"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NATSConfig, MinIOConfig, and DatabaseConfig back the optional
// cmd/taskworker fleet-worker deployment only; the in-process CLI never
// reads these.
type NATSConfig struct {
	URL         string `yaml:"url"`
	StreamName  string `yaml:"stream_name"`
	ConsumerName string `yaml:"consumer_name"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// Load reads config from YAML file and applies FSWAP_-prefixed
// environment variable overrides in a read-then-override-then-default
// sequence.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Models.Dir == "" {
		cfg.Models.Dir = "./models"
	}
	if cfg.Models.DetectorFile == "" {
		cfg.Models.DetectorFile = "scrfd_2.5g.onnx"
	}
	if cfg.Models.EmbedderFile == "" {
		cfg.Models.EmbedderFile = "arcface_w600k_r50.onnx"
	}
	if cfg.Models.SwapperFile == "" {
		cfg.Models.SwapperFile = "inswapper_128_fp16.onnx"
	}
	if cfg.Models.EnhancerFile == "" {
		cfg.Models.EnhancerFile = "gfpgan_1.4.onnx"
	}
	if cfg.Models.DetectionThreshold == 0 {
		cfg.Models.DetectionThreshold = 0.5
	}
	if cfg.Models.Accelerator == "" {
		cfg.Models.Accelerator = "auto"
	}
	if cfg.Video.ColorTransferStrength == 0 {
		cfg.Video.ColorTransferStrength = 0.85
	}
	if cfg.Task.OutputDir == "" {
		cfg.Task.OutputDir = "./output"
	}
	if cfg.Task.MaxConcurrent == 0 {
		cfg.Task.MaxConcurrent = 2
	}
	if cfg.Task.ProgressWindow == 0 {
		cfg.Task.ProgressWindow = 5 * time.Second
	}
	if cfg.Storage.OutputRetention == 0 {
		cfg.Storage.OutputRetention = 7 * 24 * time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.NATS.StreamName == "" {
		cfg.NATS.StreamName = "SWAPTASKS"
	}
	if cfg.NATS.ConsumerName == "" {
		cfg.NATS.ConsumerName = "taskworker"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FSWAP_MODELS_DIR"); v != "" {
		cfg.Models.Dir = v
	}
	if v := os.Getenv("FSWAP_ACCELERATOR"); v != "" {
		cfg.Models.Accelerator = v
	}
	if v := os.Getenv("FSWAP_DETECTION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Models.DetectionThreshold = f
		}
	}
	if v := os.Getenv("FSWAP_COLOR_TRANSFER_STRENGTH"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Video.ColorTransferStrength = f
		}
	}
	if v := os.Getenv("FSWAP_VIDEO_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Video.MaxWorkers = n
		}
	}
	if v := os.Getenv("FSWAP_OUTPUT_DIR"); v != "" {
		cfg.Task.OutputDir = v
	}
	if v := os.Getenv("FSWAP_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FSWAP_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("FSWAP_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("FSWAP_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("FSWAP_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("FSWAP_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("FSWAP_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("FSWAP_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("FSWAP_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("FSWAP_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("FSWAP_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("FSWAP_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
}
