package tccstore

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/tccstore/hashkv/rediskv"
	"pkt.systems/tccstore/internal/objectkv"
	"pkt.systems/tccstore/internal/recovery"
	"pkt.systems/tccstore/repository"
)

const (
	// DefaultStore points at the in-memory object store when no store is provided.
	DefaultStore = "mem://"
	// DefaultKeyPrefix namespaces every record key.
	DefaultKeyPrefix = repository.DefaultKeyPrefix
	// DefaultSerializer selects the record encoding.
	DefaultSerializer = "json"
	// DefaultCacheBytes bounds the read cache when enabled.
	DefaultCacheBytes = "16MiB"
	// DefaultCacheTTL evicts cached records that have not been read for this long.
	DefaultCacheTTL = repository.DefaultCacheTTL
	// DefaultSweepInterval is the pause between recovery sweeps.
	DefaultSweepInterval = recovery.DefaultInterval
	// DefaultSweepThreshold is the idle time after which a record is handed to recovery.
	DefaultSweepThreshold = recovery.DefaultThreshold
	// DefaultRedisScanCount is the COUNT hint used while enumerating keys.
	DefaultRedisScanCount = rediskv.DefaultScanCount
	// DefaultListPageSize is the page size used while listing object stores.
	DefaultListPageSize = objectkv.DefaultPageSize
	// DefaultStorageRetryAttempts disables read retries.
	DefaultStorageRetryAttempts = 1
	// DefaultStorageRetryBaseDelay is the first read retry backoff.
	DefaultStorageRetryBaseDelay = 50 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps read retry backoff.
	DefaultStorageRetryMaxDelay = 2 * time.Second
	// DefaultStorageRetryMultiplier grows the backoff between read retries.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultMetricsListen is empty; metrics are off unless configured.
	DefaultMetricsListen = ""
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultKeyFileName is the kryptograf key file written by keygen.
	DefaultKeyFileName = "record.key"
)

// Config captures everything needed to open a transaction record repository.
type Config struct {
	Store      string `yaml:"store"`
	KeyPrefix  string `yaml:"key-prefix"`
	Serializer string `yaml:"serializer"`

	// EncryptionKeyFile holds a kryptograf root key. Empty disables
	// envelope encryption of records.
	EncryptionKeyFile string `yaml:"encryption-key-file"`
	EncryptionSnappy  bool   `yaml:"encryption-snappy"`

	CacheEnabled bool          `yaml:"cache"`
	CacheBytes   string        `yaml:"cache-bytes"`
	CacheTTL     time.Duration `yaml:"cache-ttl"`

	StorageRetryMaxAttempts int           `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay   time.Duration `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    time.Duration `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64       `yaml:"storage-retry-multiplier"`

	RedisScanCount int64 `yaml:"redis-scan-count"`
	ListPageSize   int   `yaml:"list-page-size"`

	S3AccessKeyID     string `yaml:"s3-access-key-id"`
	S3SecretAccessKey string `yaml:"s3-secret-access-key"`
	S3SessionToken    string `yaml:"s3-session-token"`
	S3SSE             string `yaml:"s3-sse"`
	S3KMSKeyID        string `yaml:"s3-kms-key-id"`
	AWSRegion         string `yaml:"aws-region"`
	AzureAccount      string `yaml:"azure-account"`
	AzureAccountKey   string `yaml:"azure-key"`
	AzureEndpoint     string `yaml:"azure-endpoint"`
	AzureSASToken     string `yaml:"azure-sas-token"`
	DiskNoSync        bool   `yaml:"disk-no-sync"`

	SweepInterval  time.Duration `yaml:"sweep-interval"`
	SweepThreshold time.Duration `yaml:"sweep-threshold"`

	MetricsListen  string `yaml:"metrics-listen"`
	RuntimeMetrics bool   `yaml:"runtime-metrics"`
	OTLPEndpoint   string `yaml:"otlp-endpoint"`

	cacheBytes int64
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	cfg := Config{}
	_ = cfg.Validate()
	return cfg
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "disk", "s3", "aws", "azure", "redis", "rediss":
	default:
		return fmt.Errorf("config: store scheme %q not supported", u.Scheme)
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	c.Serializer = strings.ToLower(strings.TrimSpace(c.Serializer))
	if c.Serializer == "" {
		c.Serializer = DefaultSerializer
	}
	switch c.Serializer {
	case "json", "proto":
	default:
		return fmt.Errorf("config: serializer must be %q or %q", "json", "proto")
	}
	if c.EncryptionSnappy && strings.TrimSpace(c.EncryptionKeyFile) == "" {
		return fmt.Errorf("config: encryption-snappy requires encryption-key-file")
	}
	if strings.TrimSpace(c.CacheBytes) == "" {
		c.CacheBytes = DefaultCacheBytes
	}
	n, err := humanize.ParseBytes(c.CacheBytes)
	if err != nil {
		return fmt.Errorf("config: cache-bytes: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("config: cache-bytes must be > 0")
	}
	c.cacheBytes = int64(n)
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	} else if c.CacheTTL < 0 {
		return fmt.Errorf("config: cache-ttl must be >= 0")
	}
	if c.StorageRetryMaxAttempts == 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryAttempts
	} else if c.StorageRetryMaxAttempts < 0 {
		return fmt.Errorf("config: storage-retry-max-attempts must be >= 1")
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage-retry-max-delay must be >= storage-retry-base-delay")
	}
	if c.StorageRetryMultiplier == 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	} else if c.StorageRetryMultiplier < 1 {
		return fmt.Errorf("config: storage-retry-multiplier must be >= 1")
	}
	if c.RedisScanCount <= 0 {
		c.RedisScanCount = DefaultRedisScanCount
	}
	if c.ListPageSize <= 0 {
		c.ListPageSize = DefaultListPageSize
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.SweepThreshold <= 0 {
		c.SweepThreshold = DefaultSweepThreshold
	}
	if c.RuntimeMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: runtime metrics require metrics-listen")
	}
	return nil
}

// CacheMaxBytes returns the parsed cache budget. Valid after Validate.
func (c Config) CacheMaxBytes() int64 {
	return c.cacheBytes
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.tccstore), overridden by TCCSTORE_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("TCCSTORE_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tccstore"), nil
}
