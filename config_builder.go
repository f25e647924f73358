package chronodb

import "time"

// ConfigBuilder provides a fluent API for constructing a [Config].
// It starts from [DefaultConfig] defaults, so only fields that differ
// from the defaults need to be set.
//
//	cfg, err := chronodb.NewConfigBuilder("/data/chronodb").
//	    WithMaxOpenFiles(8).
//	    WithReadCache(50_000, true).
//	    WithS3Storage(chronodb.S3BackendConfig{Bucket: "chunks"}).
//	    Build()
type ConfigBuilder struct {
	cfg Config
}

// NewConfigBuilder creates a builder pre-populated with [DefaultConfig] values.
func NewConfigBuilder(path string) *ConfigBuilder {
	return &ConfigBuilder{cfg: DefaultConfig(path)}
}

// WithMaxOpenFiles sets the process-wide open-chunk-handle threshold
// enforced by GlobalChunkManager.
func (b *ConfigBuilder) WithMaxOpenFiles(n int) *ConfigBuilder {
	b.cfg.Branches.MaxOpenFiles = n
	return b
}

// WithReadCache enables the optional ReadCache with the given size and
// immutability assumption.
func (b *ConfigBuilder) WithReadCache(maxSize int, assumeImmutable bool) *ConfigBuilder {
	b.cfg.Cache.Enabled = true
	b.cfg.Cache.MaxSize = maxSize
	b.cfg.Cache.AssumeImmutable = assumeImmutable
	return b
}

// WithQueryCache sets the QueryCache settings. They are validated by
// Build; no component reads them, and Query results are not cached.
func (b *ConfigBuilder) WithQueryCache(maxSize int) *ConfigBuilder {
	b.cfg.QueryCache.Enabled = true
	b.cfg.QueryCache.MaxSize = maxSize
	return b
}

// WithFileStorage selects local-file chunk storage rooted at baseDir.
func (b *ConfigBuilder) WithFileStorage(baseDir string) *ConfigBuilder {
	b.cfg.Storage.Backend = "file"
	b.cfg.Storage.FileBaseDir = baseDir
	return b
}

// WithMemoryStorage selects in-memory chunk storage, useful for tests.
func (b *ConfigBuilder) WithMemoryStorage() *ConfigBuilder {
	b.cfg.Storage.Backend = "memory"
	return b
}

// WithS3Storage selects S3 chunk storage.
func (b *ConfigBuilder) WithS3Storage(s3cfg S3BackendConfig) *ConfigBuilder {
	b.cfg.Storage.Backend = "s3"
	b.cfg.Storage.S3 = s3cfg
	return b
}

// WithTieredStorage selects hot local-file storage backed by cold S3
// storage. age is passed to TieredBackend, which does not use it to move
// chunks between tiers.
func (b *ConfigBuilder) WithTieredStorage(baseDir string, s3cfg S3BackendConfig, age time.Duration) *ConfigBuilder {
	b.cfg.Storage.Backend = "tiered"
	b.cfg.Storage.FileBaseDir = baseDir
	b.cfg.Storage.S3 = s3cfg
	b.cfg.Storage.HotColdAge = age
	return b
}

// WithCompression enables Snappy compression of sealed chunk payloads.
func (b *ConfigBuilder) WithCompression() *ConfigBuilder {
	b.cfg.Storage.CompressionEnabled = true
	return b
}

// WithEncryption enables AES-256-GCM encryption at rest for chunk data,
// deriving the key from keyPassword via PBKDF2.
func (b *ConfigBuilder) WithEncryption(keyPassword string) *ConfigBuilder {
	b.cfg.Storage.KeyPassword = keyPassword
	return b
}

// WithSQLiteIndex selects the SQLite-backed IndexBackend at the given path.
func (b *ConfigBuilder) WithSQLiteIndex(path string) *ConfigBuilder {
	b.cfg.Index.Backend = "sqlite"
	b.cfg.Index.SQLitePath = path
	return b
}

// WithMemoryIndex selects the in-memory IndexBackend, useful for tests.
func (b *ConfigBuilder) WithMemoryIndex() *ConfigBuilder {
	b.cfg.Index.Backend = "memory"
	return b
}

// WithCommitRetry configures CommitPipeline's retry of transient index
// writer failures.
func (b *ConfigBuilder) WithCommitRetry(maxAttempts int, initial, max time.Duration) *ConfigBuilder {
	b.cfg.Retry.MaxAttempts = maxAttempts
	b.cfg.Retry.InitialBackoff = initial
	b.cfg.Retry.MaxBackoff = max
	return b
}

// Build validates the configuration and returns it.
func (b *ConfigBuilder) Build() (Config, error) {
	b.cfg.applyDefaults()
	if err := b.cfg.Validate(); err != nil {
		return Config{}, err
	}
	return b.cfg, nil
}

// MustBuild is like [ConfigBuilder.Build] but panics on validation errors.
func (b *ConfigBuilder) MustBuild() Config {
	cfg, err := b.Build()
	if err != nil {
		panic("chronodb: invalid config: " + err.Error())
	}
	return cfg
}
