package core

import (
	"casd/internal/cas"
	"casd/internal/engine"
	"casd/pkg/storage"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultListenAddr    = ":8980"
	DefaultAdminAddr     = ":8981"
	DefaultEngine        = engine.EngineFS
	DefaultDataDir       = "./data"
	DefaultLogLevel      = "info"
	DefaultMaxBatchBytes = 4 * 1024 * 1024
)

type Config struct {
	ListenAddr       string          `toml:"listen_addr"`
	AdminAddr        string          `toml:"admin_addr"`
	Engine           string          `toml:"engine"`
	DataDir          string          `toml:"data_dir"`
	LogLevel         string          `toml:"log_level"`
	BatchConcurrency int             `toml:"batch_concurrency"`
	MaxBatchBytes    int             `toml:"max_batch_bytes"`
	TLSCertFile      string          `toml:"tls_cert_file"`
	TLSKeyFile       string          `toml:"tls_key_file"`
	S3               engine.S3Config `toml:"s3"`

	// Store, when set, is used instead of opening Engine.
	Store storage.Store `toml:"-"`
}

type ConfigOption func(*Config)

func WithStore(store storage.Store) ConfigOption {
	return func(cfg *Config) {
		cfg.Store = store
	}
}

func WithEngine(name string) ConfigOption {
	return func(cfg *Config) {
		cfg.Engine = name
	}
}

func WithDataDir(dataDir string) ConfigOption {
	return func(cfg *Config) {
		cfg.DataDir = dataDir
	}
}

func WithListenAddr(addr string) ConfigOption {
	return func(cfg *Config) {
		cfg.ListenAddr = addr
	}
}

func WithAdminAddr(addr string) ConfigOption {
	return func(cfg *Config) {
		cfg.AdminAddr = addr
	}
}

func WithLogLevel(level string) ConfigOption {
	return func(cfg *Config) {
		cfg.LogLevel = level
	}
}

func WithBatchConcurrency(n int) ConfigOption {
	return func(cfg *Config) {
		cfg.BatchConcurrency = n
	}
}

func WithTLS(certFile, keyFile string) ConfigOption {
	return func(cfg *Config) {
		cfg.TLSCertFile = certFile
		cfg.TLSKeyFile = keyFile
	}
}

// DefaultConfig returns the configuration used when no file or flag
// overrides a value.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       DefaultListenAddr,
		AdminAddr:        DefaultAdminAddr,
		Engine:           DefaultEngine,
		DataDir:          DefaultDataDir,
		LogLevel:         DefaultLogLevel,
		BatchConcurrency: cas.DefaultBatchConcurrency,
		MaxBatchBytes:    DefaultMaxBatchBytes,
	}
}

// NewConfig applies opts on top of DefaultConfig.
func NewConfig(opts ...ConfigOption) Config {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	return cfg
}

func (c *Config) Apply(opts ...ConfigOption) {
	for _, opt := range opts {
		opt(c)
	}
}

// LoadConfig reads the TOML file at path over DefaultConfig. An empty path
// returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return cfg, fmt.Errorf("unknown keys in config %s: %s", path, strings.Join(keys, ", "))
	}

	return cfg, nil
}

// Validate reports the first problem that would prevent the server from
// starting.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr must not be empty")
	}
	if c.BatchConcurrency <= 0 {
		return fmt.Errorf("batch_concurrency must be positive, got %d", c.BatchConcurrency)
	}
	if c.MaxBatchBytes <= 0 {
		return fmt.Errorf("max_batch_bytes must be positive, got %d", c.MaxBatchBytes)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("tls_cert_file and tls_key_file must be set together")
	}
	if c.Store != nil {
		return nil
	}

	if !engine.IsKnown(c.Engine) {
		return fmt.Errorf("unknown engine %q (want one of %s)", c.Engine, strings.Join(engine.Engines, ", "))
	}

	switch c.Engine {
	case engine.EngineFS, engine.EnginePebble, engine.EngineSqlite:
		if c.DataDir == "" {
			return fmt.Errorf("data_dir must not be empty for engine %q", c.Engine)
		}
	case engine.EngineS3:
		if c.S3.Endpoint == "" || c.S3.Bucket == "" {
			return errors.New("s3.endpoint and s3.bucket must be set for engine \"s3\"")
		}
	}

	return nil
}
