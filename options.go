package cafsd

import (
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aweris/cafsd/internal/access"
	"github.com/aweris/cafsd/internal/config"
	"github.com/aweris/cafsd/internal/namespace"
	"github.com/aweris/cafsd/internal/remote"
	"github.com/aweris/cafsd/internal/store"
)

// Backend names accepted by the backend options.
const (
	BackendMemory = config.BackendMemory
	BackendLocal  = config.BackendLocal
	BackendS3     = config.BackendS3
	BackendGCS    = config.BackendGCS
	BackendRedis  = config.BackendRedis
)

// Authenticator provides credentials for the remote region's registry.
type Authenticator = remote.Authenticator

// Options configures a daemon.
type Options struct {
	Addr          string
	UploadTimeout time.Duration
	MaxBody       int64

	BlobBackend      string
	BlobDir          string
	CompressionLevel int
	CacheSize        int
	S3               store.S3Config
	GCSBucket        string
	GCSPrefix        string

	RefsBackend      string
	ContentIDBackend string
	RedisURL         string

	Registry         string
	RegistryInsecure bool
	Auth             Authenticator
	Concurrency      int

	Policies         *namespace.Registry
	DefaultRetention time.Duration
	Gate             access.Gate

	RollupInterval   time.Duration
	CleanupInterval  time.Duration
	BatchConcurrency int

	Prometheus *prometheus.Registry
}

// Option is a functional option for configuring Open.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Addr:             ":8080",
		BlobBackend:      BackendLocal,
		BlobDir:          defaultDataDir(),
		CompressionLevel: 3,
		CacheSize:        4096,
		RefsBackend:      BackendMemory,
		ContentIDBackend: BackendMemory,
		Concurrency:      remote.DefaultConcurrency,
		DefaultRetention: 14 * 24 * time.Hour,
	}
}

// WithConfig applies a loaded configuration file.
func WithConfig(cfg *config.Config) Option {
	return func(o *Options) {
		o.Addr = cfg.Server.Addr
		o.UploadTimeout = cfg.Server.UploadTimeout
		o.MaxBody = cfg.Server.MaxBody
		o.BlobBackend = cfg.Blob.Backend
		o.BlobDir = cfg.Blob.Dir
		o.CompressionLevel = cfg.Blob.CompressionLevel
		o.CacheSize = cfg.Blob.CacheSize
		o.S3 = store.S3Config{
			Endpoint:        cfg.Blob.S3.Endpoint,
			AccessKeyID:     cfg.Blob.S3.AccessKeyID,
			SecretAccessKey: cfg.Blob.S3.SecretAccessKey,
			Region:          cfg.Blob.S3.Region,
			UseSSL:          cfg.Blob.S3.UseSSL,
			Bucket:          cfg.Blob.S3.Bucket,
			Prefix:          cfg.Blob.S3.Prefix,
		}
		o.GCSBucket = cfg.Blob.GCS.Bucket
		o.GCSPrefix = cfg.Blob.GCS.Prefix
		o.RefsBackend = cfg.Refs.Backend
		o.ContentIDBackend = cfg.ContentID.Backend
		o.RedisURL = cfg.Redis.URL
		o.Registry = cfg.Replication.Registry
		o.RegistryInsecure = cfg.Replication.Insecure
		if cfg.Replication.Concurrency > 0 {
			o.Concurrency = cfg.Replication.Concurrency
		}
		if cfg.Replication.Username != "" {
			o.Auth = remote.StaticAuthenticator{Username: cfg.Replication.Username, Password: cfg.Replication.Password}
		}
		o.Policies = cfg.Registry()
		o.Gate = cfg.Gate()
		o.RollupInterval = cfg.Rollup.Interval
		o.CleanupInterval = cfg.Cleanup.Interval
		o.BatchConcurrency = cfg.Batch.Concurrency
	}
}

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Options) { o.Addr = addr }
}

// WithBlobDir stores blobs on local disk under dir.
func WithBlobDir(dir string) Option {
	return func(o *Options) {
		o.BlobBackend = BackendLocal
		o.BlobDir = dir
	}
}

// WithMemoryBackends keeps blobs, records and content ids in memory.
func WithMemoryBackends() Option {
	return func(o *Options) {
		o.BlobBackend = BackendMemory
		o.RefsBackend = BackendMemory
		o.ContentIDBackend = BackendMemory
	}
}

// WithRedis keeps ref records and the content-id index in redis.
func WithRedis(url string) Option {
	return func(o *Options) {
		o.RefsBackend = BackendRedis
		o.ContentIDBackend = BackendRedis
		o.RedisURL = url
	}
}

// WithRemote enables replication against the registry of another region.
func WithRemote(registry string, auth Authenticator) Option {
	return func(o *Options) {
		o.Registry = registry
		o.Auth = auth
	}
}

// WithInsecureRegistry talks plain HTTP to the remote registry.
func WithInsecureRegistry() Option {
	return func(o *Options) { o.RegistryInsecure = true }
}

// WithPolicies sets the namespace policy registry.
func WithPolicies(reg *namespace.Registry) Option {
	return func(o *Options) { o.Policies = reg }
}

// WithGate sets the access gate.
func WithGate(g access.Gate) Option {
	return func(o *Options) { o.Gate = g }
}

// WithPrometheus registers metrics on reg and serves them on /metrics.
func WithPrometheus(reg *prometheus.Registry) Option {
	return func(o *Options) { o.Prometheus = reg }
}

// WithConcurrency sets the number of parallel remote fetches.
func WithConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithIntervals sets the rollup and cleanup loop periods.
func WithIntervals(rollup, cleanup time.Duration) Option {
	return func(o *Options) {
		o.RollupInterval = rollup
		o.CleanupInterval = cleanup
	}
}

func defaultDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "cafsd")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "cafsd")
	}
	return ".cafsd"
}
