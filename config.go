package chronodb

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultMaxOpenFiles is the process-wide open-chunk-handle threshold
// GlobalChunkManager enforces unless overridden, matching the original
// implementation's MAX_OPEN_FILES_THRESHOLD.
const DefaultMaxOpenFiles = 5

// CacheConfig configures the optional ReadCache (§4.9).
type CacheConfig struct {
	Enabled         bool `yaml:"enabled"`
	MaxSize         int  `yaml:"maxSize"`
	AssumeImmutable bool `yaml:"assumeImmutable"`
}

// QueryCacheConfig holds index-query cache settings. Validate checks
// them; no component reads them, and Query results are not cached.
type QueryCacheConfig struct {
	Enabled bool `yaml:"enabled"`
	MaxSize int  `yaml:"maxSize"`
}

// StorageConfig configures chunk data storage.
type StorageConfig struct {
	// Backend selects the ChunkStorageBackend: "memory", "file", "s3", or "tiered".
	Backend           string `yaml:"backend"`
	BackendCacheBytes int64  `yaml:"backendCacheBytes"`

	CompressionEnabled bool   `yaml:"compressionEnabled"`
	EncryptionKey      []byte `yaml:"-"`
	KeyPassword        string `yaml:"-"`

	FileBaseDir string          `yaml:"fileBaseDir"`
	S3          S3BackendConfig `yaml:"-"`

	HotColdAge time.Duration `yaml:"hotColdAge"`
}

// BranchConfig configures branch and chunk-handle pool behavior.
type BranchConfig struct {
	MaxOpenFiles int `yaml:"maxOpenFiles"`
}

// IndexConfig configures the secondary temporal index backend.
type IndexConfig struct {
	// Backend selects the index document store: "memory" or "sqlite".
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlitePath"`
}

// CommitRetryConfig configures CommitPipeline's retry of transient
// index-writer failures; see retry.go's Retryer.
type CommitRetryConfig struct {
	MaxAttempts    int           `yaml:"maxAttempts"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
}

// Config groups every knob recognized by the core, matching §6's
// configuration surface plus the concrete backend selections needed to
// run a complete store rather than just the externalized contracts.
type Config struct {
	Path string `yaml:"path"`

	Cache      CacheConfig       `yaml:"cache"`
	QueryCache QueryCacheConfig  `yaml:"queryCache"`
	Storage    StorageConfig     `yaml:"storage"`
	Branches   BranchConfig      `yaml:"branches"`
	Index      IndexConfig       `yaml:"index"`
	Retry      CommitRetryConfig `yaml:"retry"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults for a store
// rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path: path,
		Cache: CacheConfig{
			Enabled:         true,
			MaxSize:         10_000,
			AssumeImmutable: true,
		},
		QueryCache: QueryCacheConfig{
			Enabled: true,
			MaxSize: 1_000,
		},
		Storage: StorageConfig{
			Backend:            "file",
			BackendCacheBytes:  64 * 1024 * 1024,
			CompressionEnabled: false,
			FileBaseDir:        filepath.Join(path, "branches"),
			HotColdAge:         30 * 24 * time.Hour,
		},
		Branches: BranchConfig{
			MaxOpenFiles: DefaultMaxOpenFiles,
		},
		Index: IndexConfig{
			Backend:    "sqlite",
			SQLitePath: filepath.Join(path, "temporalIndex_master", "chunk_index.db"),
		},
		Retry: CommitRetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
		Logger: slog.Default(),
	}
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: path must not be empty", ErrInvalidArgument)
	}
	if c.Branches.MaxOpenFiles < 1 {
		return fmt.Errorf("%w: branches.maxOpenFiles must be >= 1", ErrInvalidArgument)
	}
	if c.Cache.Enabled && c.Cache.MaxSize <= 0 {
		return fmt.Errorf("%w: cache.maxSize must be > 0 when cache.enabled", ErrInvalidArgument)
	}
	if c.QueryCache.Enabled && c.QueryCache.MaxSize <= 0 {
		return fmt.Errorf("%w: queryCache.maxSize must be > 0 when queryCache.enabled", ErrInvalidArgument)
	}
	switch c.Storage.Backend {
	case "memory", "file", "s3", "tiered":
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalidArgument, c.Storage.Backend)
	}
	switch c.Index.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("%w: unknown index backend %q", ErrInvalidArgument, c.Index.Backend)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: retry.maxAttempts must be >= 1", ErrInvalidArgument)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// LoadConfigFile reads a YAML configuration file matching §6's
// configuration surface and merges it onto DefaultConfig(path).
func LoadConfigFile(path, configPath string) (Config, error) {
	cfg := DefaultConfig(path)

	data, err := os.ReadFile(configPath)
	if err != nil {
		return Config{}, newStorageError(StorageErrorRead, "read config file", configPath, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("chronodb: parse config file %s: %w", configPath, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
