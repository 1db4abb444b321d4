// Package config loads the usage service configuration from a YAML file, an optional
// .env file next to it and USAGE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/router-for-me/usagehub/internal/export"
	"github.com/router-for-me/usagehub/internal/storage"
	"github.com/router-for-me/usagehub/internal/usagerecord"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort              = 8318
	DefaultRetentionInterval = time.Hour
	DefaultWriteQueueSize    = 2048
	envPrefix                = "USAGE_"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the interface the HTTP server binds to. Empty binds all interfaces.
	Host string `yaml:"host" json:"host"`

	// Port is the HTTP server port.
	Port int `yaml:"port" json:"port"`

	// Debug enables debug level logging and gin debug mode.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile writes logs to rotating files under LogDir instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogDir is the directory for log files. Defaults to "logs".
	LogDir string `yaml:"log-dir,omitempty" json:"log-dir,omitempty"`

	// LogMaxSizeMB is the size at which a log file is rotated.
	LogMaxSizeMB int `yaml:"log-max-size-mb,omitempty" json:"log-max-size-mb,omitempty"`

	// Storage selects and configures the storage backend.
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Retention configures periodic retention enforcement.
	Retention RetentionConfig `yaml:"retention" json:"retention"`

	// Export configures export destinations.
	Export ExportConfig `yaml:"export" json:"export"`

	// WriteQueue configures asynchronous ingestion.
	WriteQueue WriteQueueConfig `yaml:"write-queue" json:"write-queue"`
}

// StorageConfig holds storage backend settings.
type StorageConfig struct {
	// Backend is one of memory, sqlite or postgres.
	Backend string `yaml:"backend" json:"backend"`

	// Path is the sqlite database file.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// DSN is the postgres connection string.
	DSN string `yaml:"dsn,omitempty" json:"-"`

	// Timezone names the IANA zone used for calendar bucketing. Empty uses the local zone.
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`

	// QueryCacheTTL caches analytics results for this long. Zero disables the cache.
	QueryCacheTTL time.Duration `yaml:"query-cache-ttl,omitempty" json:"query-cache-ttl,omitempty"`

	// SnapshotPath persists the memory backend to a JSON file.
	SnapshotPath string `yaml:"snapshot-path,omitempty" json:"snapshot-path,omitempty"`

	// SnapshotInterval is how often a dirty memory backend is saved.
	SnapshotInterval time.Duration `yaml:"snapshot-interval,omitempty" json:"snapshot-interval,omitempty"`
}

// RetentionConfig holds the retention policy and its enforcement schedule.
type RetentionConfig struct {
	// Enabled starts the background retention cleaner.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Interval is the time between cleaner runs.
	Interval time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`

	usagerecord.RetentionPolicy `yaml:",inline" json:"policy"`
}

// ExportConfig holds export settings.
type ExportConfig struct {
	// Dir receives exports requested without a destination.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`

	// S3 enables s3:// destinations.
	S3 *export.S3Config `yaml:"s3,omitempty" json:"s3,omitempty"`
}

// WriteQueueConfig holds asynchronous ingestion settings.
type WriteQueueConfig struct {
	// Size is the number of batches buffered before new ones are dropped.
	Size int `yaml:"size,omitempty" json:"size,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Port:   DefaultPort,
		LogDir: "logs",
		Storage: StorageConfig{
			Backend:       storage.BackendMemory,
			QueryCacheTTL: 30 * time.Second,
		},
		Retention: RetentionConfig{
			Interval:        DefaultRetentionInterval,
			RetentionPolicy: usagerecord.RetentionPolicy{DefaultRetentionDays: 90},
		},
		WriteQueue: WriteQueueConfig{Size: DefaultWriteQueueSize},
	}
}

// LoadConfig reads the configuration file at path.
func LoadConfig(path string) (*Config, error) {
	return LoadConfigOptional(path, false)
}

// LoadConfigOptional reads the configuration file at path. When optional is true a
// missing file yields the defaults.
func LoadConfigOptional(path string, optional bool) (*Config, error) {
	cfg := Default()

	loadDotEnv(path)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case optional && errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads a .env file from the config directory and the working directory.
// Variables already present in the environment win.
func loadDotEnv(configPath string) {
	candidates := []string{".env"}
	if dir := filepath.Dir(configPath); dir != "" && dir != "." {
		candidates = append([]string{filepath.Join(dir, ".env")}, candidates...)
	}
	for _, file := range candidates {
		if _, err := os.Stat(file); err == nil {
			_ = godotenv.Load(file)
		}
	}
}

func (c *Config) applyEnv() error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(name string, dst *int) error {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s%s %q: %w", envPrefix, name, v, err)
		}
		*dst = n
		return nil
	}

	str("HOST", &c.Host)
	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("STORAGE_PATH", &c.Storage.Path)
	str("STORAGE_DSN", &c.Storage.DSN)
	str("TIMEZONE", &c.Storage.Timezone)
	str("EXPORT_DIR", &c.Export.Dir)
	if err := num("PORT", &c.Port); err != nil {
		return err
	}
	if err := num("DEFAULT_RETENTION_DAYS", &c.Retention.DefaultRetentionDays); err != nil {
		return err
	}

	// S3 credentials are usually injected rather than written to the file.
	var access, secret string
	str("S3_ACCESS_KEY", &access)
	str("S3_SECRET_KEY", &secret)
	if access != "" || secret != "" {
		if c.Export.S3 == nil {
			c.Export.S3 = &export.S3Config{}
		}
		if access != "" {
			c.Export.S3.AccessKey = access
		}
		if secret != "" {
			c.Export.S3.SecretKey = secret
		}
	}
	return nil
}

func (c *Config) sanitize() {
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = storage.BackendMemory
	}
	if c.Retention.Interval <= 0 {
		c.Retention.Interval = DefaultRetentionInterval
	}
	if c.WriteQueue.Size <= 0 {
		c.WriteQueue.Size = DefaultWriteQueueSize
	}
	if strings.TrimSpace(c.LogDir) == "" {
		c.LogDir = "logs"
	}
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if _, err := storage.New(c.Storage.Backend); err != nil {
		return err
	}
	if c.Storage.Timezone != "" {
		if _, err := time.LoadLocation(c.Storage.Timezone); err != nil {
			return fmt.Errorf("invalid storage timezone %q: %w", c.Storage.Timezone, err)
		}
	}
	if err := c.Retention.Validate(); err != nil {
		return fmt.Errorf("invalid retention policy: %w", err)
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Policy returns a copy of the configured retention policy.
func (c *Config) Policy() usagerecord.RetentionPolicy {
	return c.Retention.RetentionPolicy.Clone()
}

// StorageOptions builds the map passed to storage.Plugin.Initialize.
func (c *Config) StorageOptions() map[string]any {
	policy := c.Policy()
	opts := map[string]any{
		storage.KeyTimezone:         c.Storage.Timezone,
		storage.KeyQueryCacheTTL:    c.Storage.QueryCacheTTL,
		storage.KeyRetentionPolicy:  &policy,
		storage.KeyExportDir:        c.Export.Dir,
		storage.KeyPath:             c.Storage.Path,
		storage.KeyDSN:              c.Storage.DSN,
		storage.KeySnapshotPath:     c.Storage.SnapshotPath,
		storage.KeySnapshotInterval: c.Storage.SnapshotInterval,
	}
	if c.Export.S3 != nil {
		opts[storage.KeyS3] = c.Export.S3
	}
	return opts
}
