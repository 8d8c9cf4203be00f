package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/tccstore"
	"pkt.systems/tccstore/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("TCCSTORE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "tccstore")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := tccstore.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, tccstore.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tccstore",
		Short:         "tccstore keeps versioned TCC transaction records and sweeps the abandoned ones",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Redis (appendonly yes, appendfsync always)
  TCCSTORE_STORE=redis://localhost:6379/0 tccstore list

  # Create a record with a JSON payload read from a file
  tccstore --store disk:///var/lib/tccstore create --xid order-42:payment --payload-file try.json --json

  # Sweep records idle for more than five minutes, once
  tccstore --store redis://localhost:6379/0 sweep --once --threshold 5m

  # MinIO backend (TLS on by default; append ?insecure=1 for HTTP)
  TCCSTORE_STORE=s3://localhost:9000/tcc?insecure=1 TCCSTORE_S3_ACCESS_KEY_ID=minioadmin TCCSTORE_S3_SECRET_ACCESS_KEY=minioadmin tccstore verify
`,
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.tccstore/"+tccstore.DefaultConfigFileName+")")
	flags.String("store", tccstore.DefaultStore, "store URL (redis://, rediss://, mem://, disk:///path, s3://host/bucket, aws://bucket, azure://account/container)")
	flags.String("key-prefix", tccstore.DefaultKeyPrefix, "prefix of every record key")
	flags.String("serializer", tccstore.DefaultSerializer, "record encoding (json, proto)")
	flags.String("encryption-key-file", "", "kryptograf key file; enables record encryption")
	flags.Bool("encryption-snappy", false, "snappy-compress records before encryption")
	flags.Bool("cache", false, "cache records read through this process")
	flags.String("cache-bytes", tccstore.DefaultCacheBytes, "record cache budget (e.g. 16MiB)")
	flags.Duration("cache-ttl", tccstore.DefaultCacheTTL, "evict cached records idle for this long")
	flags.Int("storage-retry-attempts", tccstore.DefaultStorageRetryAttempts, "attempts for object store reads (1 disables retries; writes are never retried)")
	flags.Duration("storage-retry-base-delay", tccstore.DefaultStorageRetryBaseDelay, "first read retry backoff")
	flags.Duration("storage-retry-max-delay", tccstore.DefaultStorageRetryMaxDelay, "maximum read retry backoff")
	flags.Float64("storage-retry-multiplier", tccstore.DefaultStorageRetryMultiplier, "read retry backoff multiplier")
	flags.Int64("redis-scan-count", tccstore.DefaultRedisScanCount, "COUNT hint for Redis SCAN")
	flags.Int("list-page-size", tccstore.DefaultListPageSize, "object store list page size")
	flags.String("s3-access-key-id", "", "S3 access key (s3:// stores)")
	flags.String("s3-secret-access-key", "", "S3 secret key (s3:// stores)")
	flags.String("s3-session-token", "", "S3 session token (s3:// stores)")
	flags.String("s3-sse", "", "server-side encryption (AES256, aws:kms)")
	flags.String("s3-kms-key-id", "", "KMS key for aws:kms server-side encryption")
	flags.String("aws-region", "", "AWS region for aws:// stores")
	flags.String("azure-account", "", "Azure storage account (overrides the URL host)")
	flags.String("azure-key", "", "Azure storage account key")
	flags.String("azure-endpoint", "", "Azure blob endpoint override")
	flags.String("azure-sas-token", "", "Azure SAS token")
	flags.Bool("disk-no-sync", false, "skip fsync on disk:// stores (tests only)")
	flags.Duration("sweep-interval", tccstore.DefaultSweepInterval, "pause between recovery sweeps")
	flags.Duration("sweep-threshold", tccstore.DefaultSweepThreshold, "idle time before a record is handed to recovery")
	flags.String("metrics-listen", tccstore.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.Bool("runtime-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	viper.SetEnvPrefix("TCCSTORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := bindFlags(flags); err != nil {
		panic(err)
	}

	cmd.AddCommand(newCreateCommand(baseLogger))
	cmd.AddCommand(newGetCommand(baseLogger))
	cmd.AddCommand(newUpdateCommand(baseLogger))
	cmd.AddCommand(newDeleteCommand(baseLogger))
	cmd.AddCommand(newListCommand(baseLogger))
	cmd.AddCommand(newSweepCommand(baseLogger))
	cmd.AddCommand(newVerifyCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newKeygenCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// bindFlags exposes every persistent flag to viper under its own name, so
// TCCSTORE_<NAME> env vars and config file keys resolve to the same value.
func bindFlags(fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		err = viper.BindPFlag(f.Name, f)
	})
	return err
}

func bindConfig(cfg *tccstore.Config) error {
	cfg.Store = viper.GetString("store")
	cfg.KeyPrefix = viper.GetString("key-prefix")
	cfg.Serializer = viper.GetString("serializer")
	path, err := expandPath(strings.TrimSpace(viper.GetString("encryption-key-file")))
	if err != nil {
		return fmt.Errorf("expand encryption-key-file: %w", err)
	}
	cfg.EncryptionKeyFile = path
	cfg.EncryptionSnappy = viper.GetBool("encryption-snappy")
	cfg.CacheEnabled = viper.GetBool("cache")
	cfg.CacheBytes = viper.GetString("cache-bytes")
	cfg.CacheTTL = viper.GetDuration("cache-ttl")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	cfg.RedisScanCount = viper.GetInt64("redis-scan-count")
	cfg.ListPageSize = viper.GetInt("list-page-size")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.S3SSE = viper.GetString("s3-sse")
	cfg.S3KMSKeyID = viper.GetString("s3-kms-key-id")
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.DiskNoSync = viper.GetBool("disk-no-sync")
	cfg.SweepInterval = viper.GetDuration("sweep-interval")
	cfg.SweepThreshold = viper.GetDuration("sweep-threshold")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.RuntimeMetrics = viper.GetBool("runtime-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	return nil
}

// commandLogger applies --log-level and tags the logger with sys.
func commandLogger(base pslog.Logger, sys string) pslog.Logger {
	logger := base
	if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	return svcfields.WithSubsystem(logger, sys)
}

// openStore loads the config file, binds flags and opens the store. The
// CLI commands other than sweep run without telemetry exporters.
func openStore(cmd *cobra.Command, logger pslog.Logger, telemetry bool) (*tccstore.Store, error) {
	configFile, err := loadConfigFile()
	if err != nil {
		return nil, err
	}
	if configFile != "" {
		logger.Debug("loaded config file", "path", configFile)
	}
	var cfg tccstore.Config
	if err := bindConfig(&cfg); err != nil {
		return nil, err
	}
	opts := []tccstore.Option{tccstore.WithLogger(logger)}
	if !telemetry {
		opts = append(opts, tccstore.WithoutTelemetry())
	}
	return tccstore.Open(cmd.Context(), cfg, opts...)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
