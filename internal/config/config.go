// Package config loads daemon configuration from a yaml file, CAFSD_*
// environment variables and command line flags.
//
// Keys are case-insensitive, so namespace names under "namespaces" must be
// lower case. Auth tokens are a list rather than a map for the same reason.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/aweris/cafsd/internal/access"
	"github.com/aweris/cafsd/internal/model"
	"github.com/aweris/cafsd/internal/namespace"
)

const EnvPrefix = "CAFSD"

// Backend names.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendS3     = "s3"
	BackendGCS    = "gcs"
	BackendRedis  = "redis"
)

type Config struct {
	Server           ServerConfig               `mapstructure:"server"`
	Log              LogConfig                  `mapstructure:"log"`
	Blob             BlobConfig                 `mapstructure:"blob"`
	Refs             BackendConfig              `mapstructure:"refs"`
	ContentID        BackendConfig              `mapstructure:"contentid"`
	Redis            RedisConfig                `mapstructure:"redis"`
	Rollup           LoopConfig                 `mapstructure:"rollup"`
	Cleanup          CleanupConfig              `mapstructure:"cleanup"`
	Batch            BatchConfig                `mapstructure:"batch"`
	Replication      ReplicationConfig          `mapstructure:"replication"`
	Namespaces       map[string]NamespaceConfig `mapstructure:"namespaces"`
	NamespacesStrict bool                       `mapstructure:"namespaces_strict"`
	Auth             AuthConfig                 `mapstructure:"auth"`
}

type ServerConfig struct {
	Addr          string        `mapstructure:"addr"`
	UploadTimeout time.Duration `mapstructure:"upload_timeout"`
	MaxBody       int64         `mapstructure:"max_body"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type BlobConfig struct {
	Backend          string    `mapstructure:"backend"`
	Dir              string    `mapstructure:"dir"`
	CompressionLevel int       `mapstructure:"compression_level"`
	CacheSize        int       `mapstructure:"cache_size"`
	S3               S3Config  `mapstructure:"s3"`
	GCS              GCSConfig `mapstructure:"gcs"`
}

type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Region          string `mapstructure:"region"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
}

type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

type BackendConfig struct {
	Backend string `mapstructure:"backend"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type LoopConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type CleanupConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Retention time.Duration `mapstructure:"retention"`
}

type BatchConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type ReplicationConfig struct {
	// Registry is the OCI registry of the remote region. Empty disables
	// replication.
	Registry    string `mapstructure:"registry"`
	Insecure    bool   `mapstructure:"insecure"`
	Concurrency int    `mapstructure:"concurrency"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

type NamespaceConfig struct {
	OnDemandReplication bool          `mapstructure:"on_demand_replication"`
	Publish             bool          `mapstructure:"publish"`
	Retention           time.Duration `mapstructure:"retention"`
	Cleanup             bool          `mapstructure:"cleanup"`
}

type AuthConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Tokens  []TokenConfig `mapstructure:"tokens"`
}

// TokenConfig grants a bearer token actions per namespace. The namespace
// "*" applies to every namespace, and so does the action "*".
type TokenConfig struct {
	Token      string              `mapstructure:"token"`
	Principal  string              `mapstructure:"principal"`
	Namespaces map[string][]string `mapstructure:"namespaces"`
}

// SetDefaults registers every key with its default so environment
// variables can override keys absent from the config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.upload_timeout", 5*time.Minute)
	v.SetDefault("server.max_body", int64(2<<30))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
	v.SetDefault("blob.backend", BackendLocal)
	v.SetDefault("blob.dir", defaultDataDir())
	v.SetDefault("blob.compression_level", 3)
	v.SetDefault("blob.cache_size", 4096)
	v.SetDefault("blob.s3.endpoint", "")
	v.SetDefault("blob.s3.access_key_id", "")
	v.SetDefault("blob.s3.secret_access_key", "")
	v.SetDefault("blob.s3.region", "")
	v.SetDefault("blob.s3.use_ssl", true)
	v.SetDefault("blob.s3.bucket", "")
	v.SetDefault("blob.s3.prefix", "")
	v.SetDefault("blob.gcs.bucket", "")
	v.SetDefault("blob.gcs.prefix", "")
	v.SetDefault("refs.backend", BackendMemory)
	v.SetDefault("contentid.backend", BackendMemory)
	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("rollup.interval", 15*time.Second)
	v.SetDefault("cleanup.interval", 10*time.Minute)
	v.SetDefault("cleanup.retention", 14*24*time.Hour)
	v.SetDefault("batch.concurrency", 16)
	v.SetDefault("replication.registry", "")
	v.SetDefault("replication.insecure", false)
	v.SetDefault("replication.concurrency", 4)
	v.SetDefault("replication.username", "")
	v.SetDefault("replication.password", "")
	v.SetDefault("namespaces_strict", false)
	v.SetDefault("auth.enabled", false)
}

// New returns a viper instance with defaults and environment binding set
// up. When file is empty the usual config locations are searched.
func New(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(configDir())
		v.AddConfigPath("/etc/cafsd")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Read loads the config file, if any, and decodes the result.
func Read(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return Decode(v)
}

// Decode decodes and validates the current viper state.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Blob.Backend {
	case BackendMemory, BackendLocal:
	case BackendS3:
		if c.Blob.S3.Bucket == "" || c.Blob.S3.Endpoint == "" {
			return fmt.Errorf("blob.s3.endpoint and blob.s3.bucket are required for the s3 backend")
		}
	case BackendGCS:
		if c.Blob.GCS.Bucket == "" {
			return fmt.Errorf("blob.gcs.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown blob.backend %q", c.Blob.Backend)
	}
	for key, backend := range map[string]string{"refs.backend": c.Refs.Backend, "contentid.backend": c.ContentID.Backend} {
		if backend != BackendMemory && backend != BackendRedis {
			return fmt.Errorf("unknown %s %q", key, backend)
		}
	}
	for ns := range c.Namespaces {
		if _, err := model.ParseNamespace(ns); err != nil {
			return fmt.Errorf("namespaces: %w", err)
		}
	}
	for i, t := range c.Auth.Tokens {
		if t.Token == "" {
			return fmt.Errorf("auth.tokens[%d]: token is empty", i)
		}
	}
	return nil
}

// Policies converts the namespace table. Unlisted namespaces get the
// fallback policy unless NamespacesStrict is set.
func (c *Config) Policies() (policies map[model.NamespaceID]namespace.Policy, fallback namespace.Policy) {
	policies = make(map[model.NamespaceID]namespace.Policy, len(c.Namespaces))
	for ns, p := range c.Namespaces {
		policies[model.NamespaceID(ns)] = namespace.Policy{
			OnDemandReplication: p.OnDemandReplication,
			Publish:             p.Publish,
			Retention:           p.Retention,
			Cleanup:             p.Cleanup,
		}
	}
	return policies, namespace.Policy{}
}

// Registry builds the namespace policy registry.
func (c *Config) Registry() *namespace.Registry {
	policies, fallback := c.Policies()
	return namespace.NewRegistry(policies, fallback, c.NamespacesStrict, c.Cleanup.Retention)
}

// Gate builds the access gate. With auth disabled everyone is allowed.
func (c *Config) Gate() access.Gate {
	if !c.Auth.Enabled {
		return access.AllowAll{}
	}
	grants := make(map[string]access.Grant, len(c.Auth.Tokens))
	for _, t := range c.Auth.Tokens {
		principal := t.Principal
		if principal == "" {
			principal = t.Token
		}
		g := access.Grant{
			Principal:  access.Principal(principal),
			Namespaces: make(map[string][]access.Action, len(t.Namespaces)),
		}
		for ns, actions := range t.Namespaces {
			for _, a := range actions {
				g.Namespaces[ns] = append(g.Namespaces[ns], access.Action(a))
			}
		}
		grants[t.Token] = g
	}
	return access.NewStaticACL(grants)
}

// Watch re-reads the config file on change and swaps the namespace
// policies into reg. Other keys need a restart.
func Watch(v *viper.Viper, reg *namespace.Registry) {
	logger := log.With().Str("component", "config").Logger()
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := Decode(v)
		if err != nil {
			logger.Warn().Err(err).Str("file", e.Name).Msg("ignoring invalid config change")
			return
		}
		policies, fallback := cfg.Policies()
		reg.Replace(policies, fallback, cfg.NamespacesStrict)
		logger.Info().Str("file", e.Name).Int("namespaces", len(policies)).Msg("reloaded namespace policies")
	})
	v.WatchConfig()
}

// NewLogger builds the logger described by l. Format "auto" picks the
// console writer when w is a terminal.
func (l LogConfig) NewLogger(w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log.level: %w", err)
	}

	console := l.Format == "console"
	if l.Format == "auto" || l.Format == "" {
		console = isTerminal(w)
	} else if l.Format != "json" && !console {
		return zerolog.Nop(), fmt.Errorf("unknown log.format %q", l.Format)
	}
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// SetupLogging installs NewLogger's result as the global zerolog logger.
func (l LogConfig) SetupLogging(w io.Writer) error {
	logger, err := l.NewLogger(w)
	if err != nil {
		return err
	}
	log.Logger = logger
	zerolog.DefaultContextLogger = &log.Logger
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cafsd")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "cafsd")
	}
	return ".cafsd"
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "cafsd")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "cafsd")
	}
	return ".cafsd"
}
