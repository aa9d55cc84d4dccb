package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/pdfscribe/internal/common"
)

// Engine providers.
const (
	ProviderMock    = "mock"
	ProviderHTTP    = "http"
	ProviderCommand = "command"
)

const defaultConfigPath = "config.yaml"

// Config is the root configuration loaded from YAML.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Engine   EngineConfig   `yaml:"engine"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr           string        `yaml:"address"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	MaxUploadSize  ByteSize      `yaml:"maxUploadSize"`
	WorkerCount    int           `yaml:"workerCount"`
	QueueCapacity  int           `yaml:"queueCapacity"`
	StorageDir     string        `yaml:"storageDir"`
	DatabasePath   string        `yaml:"databasePath"`   // optional, overrides default storage_dir/pdfscribe.db
	ShutdownGrace  time.Duration `yaml:"shutdownGrace"`  // time to wait for workers before forced stop
	StreamInterval time.Duration `yaml:"streamInterval"` // status stream cadence
	CORSOrigins    []string      `yaml:"corsOrigins"`
	LogLevel       string        `yaml:"logLevel"` // debug|info|warn|error
}

// PipelineConfig controls per-page processing.
type PipelineConfig struct {
	DPI           int    `yaml:"dpi"`
	DefaultPrompt string `yaml:"defaultPrompt"`
	ScratchDir    string `yaml:"scratchDir"` // per-page temp files, defaults to storage_dir/processed
}

// EngineConfig selects the recognition provider and provider-specific options.
type EngineConfig struct {
	Provider      string          `yaml:"provider"` // mock|http|command
	MaxConcurrent int             `yaml:"maxConcurrent"`
	Mock          MockSettings    `yaml:"mock"`
	HTTP          HTTPSettings    `yaml:"http"`
	Command       CommandSettings `yaml:"command"`
}

// MockSettings config for the mock engine.
type MockSettings struct {
	Delay     time.Duration `yaml:"delay"`
	LoadDelay time.Duration `yaml:"loadDelay"`
	Prefix    string        `yaml:"prefix"`
}

// HTTPSettings config for a remote inference server.
type HTTPSettings struct {
	BaseURL    string        `yaml:"baseUrl"` // e.g. http://localhost:8001
	APIKey     string        `yaml:"apiKey"`  // optional
	Timeout    time.Duration `yaml:"timeout"`
	HealthPath string        `yaml:"healthPath"`
	BaseSize   int           `yaml:"baseSize"`
	ImageSize  int           `yaml:"imageSize"`
	CropMode   *bool         `yaml:"cropMode"`
}

// CommandSettings config for an engine that runs an external program per page.
// Args may reference {image}, {output} and {prompt}.
type CommandSettings struct {
	Path    string        `yaml:"path"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	up := strings.ToUpper(s)

	type unit struct {
		suffix string
		value  uint64
	}
	// Longer suffixes first so "MIB" is not read as "B".
	units := []unit{
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var PDFSCRIBE_CONFIG, then default to "config.yaml".
// A missing default file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	explicit := true
	if path == "" {
		if env := os.Getenv("PDFSCRIBE_CONFIG"); env != "" {
			path = env
		} else {
			path = defaultConfigPath
			explicit = false
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = nil
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure storage_dir: %w", err)
	}
	if cfg.Server.DatabasePath == "" {
		cfg.Server.DatabasePath = filepath.Join(cfg.Server.StorageDir, "pdfscribe.db")
	}
	if cfg.Pipeline.ScratchDir == "" {
		cfg.Pipeline.ScratchDir = filepath.Join(cfg.Server.StorageDir, common.ScratchDirName)
	}
	if err := os.MkdirAll(cfg.Pipeline.ScratchDir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure scratch_dir: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8000"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 60 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = ByteSize(200 * 1024 * 1024) // 200 MiB default
	}
	if cfg.Server.WorkerCount <= 0 {
		cfg.Server.WorkerCount = common.DefaultWorkerCount
	}
	if cfg.Server.QueueCapacity <= 0 {
		cfg.Server.QueueCapacity = common.DefaultQueueCapacity
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if cfg.Server.StreamInterval == 0 {
		cfg.Server.StreamInterval = common.DefaultStreamInterval * time.Millisecond
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"*"}
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	// Pipeline defaults
	if cfg.Pipeline.DPI <= 0 {
		cfg.Pipeline.DPI = common.DefaultDPI
	}
	if strings.TrimSpace(cfg.Pipeline.DefaultPrompt) == "" {
		cfg.Pipeline.DefaultPrompt = common.DefaultPrompt
	}

	// Engine defaults
	if cfg.Engine.Provider == "" {
		cfg.Engine.Provider = ProviderMock
	}
	cfg.Engine.Provider = strings.ToLower(strings.TrimSpace(cfg.Engine.Provider))
	if cfg.Engine.MaxConcurrent <= 0 {
		cfg.Engine.MaxConcurrent = common.DefaultMaxConcurrent
	}
	if cfg.Engine.Mock.Prefix == "" {
		cfg.Engine.Mock.Prefix = "Recognized by Mock"
	}
	if cfg.Engine.Provider == ProviderHTTP {
		if strings.TrimSpace(cfg.Engine.HTTP.BaseURL) == "" {
			cfg.Engine.HTTP.BaseURL = "http://localhost:8001"
		}
		if cfg.Engine.HTTP.Timeout == 0 {
			cfg.Engine.HTTP.Timeout = 5 * time.Minute
		}
		if cfg.Engine.HTTP.HealthPath == "" {
			cfg.Engine.HTTP.HealthPath = "/health"
		}
		if cfg.Engine.HTTP.BaseSize == 0 {
			cfg.Engine.HTTP.BaseSize = 1024
		}
		if cfg.Engine.HTTP.ImageSize == 0 {
			cfg.Engine.HTTP.ImageSize = 640
		}
		if cfg.Engine.HTTP.CropMode == nil {
			crop := true
			cfg.Engine.HTTP.CropMode = &crop
		}
	}
	if cfg.Engine.Provider == ProviderCommand && cfg.Engine.Command.Timeout == 0 {
		cfg.Engine.Command.Timeout = 10 * time.Minute
	}
}

func validate(cfg *Config) error {
	switch cfg.Engine.Provider {
	case ProviderMock, ProviderHTTP:
	case ProviderCommand:
		if strings.TrimSpace(cfg.Engine.Command.Path) == "" {
			return fmt.Errorf("engine.command.path is required")
		}
	default:
		return fmt.Errorf("unsupported engine provider %q", cfg.Engine.Provider)
	}
	if cfg.Pipeline.DPI > 1200 {
		return fmt.Errorf("pipeline.dpi must be at most 1200, got %d", cfg.Pipeline.DPI)
	}
	if _, err := ParseLogLevel(cfg.Server.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLogLevel maps the configured level name to a slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}
