package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/cafsd/internal/access"
	"github.com/aweris/cafsd/internal/model"
)

const sample = `
server:
  addr: ":9090"
  upload_timeout: 30s
blob:
  backend: memory
  cache_size: 1024
refs:
  backend: redis
redis:
  url: redis://cache:6379/2
cleanup:
  retention: 72h
namespaces:
  ci:
    on_demand_replication: true
    publish: true
    cleanup: true
    retention: 1h
  scratch:
    cleanup: true
namespaces_strict: true
auth:
  enabled: true
  tokens:
    - token: Reader-Token
      principal: reader
      namespaces:
        ci: [read]
    - token: root
      namespaces:
        "*": ["*"]
`

func load(t *testing.T, yaml string) *viper.Viper {
	t.Helper()
	v := New("")
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(yaml)))
	return v
}

func TestDefaults(t *testing.T) {
	cfg, err := Decode(New(""))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Server.UploadTimeout)
	assert.Equal(t, BackendLocal, cfg.Blob.Backend)
	assert.Equal(t, BackendMemory, cfg.Refs.Backend)
	assert.Equal(t, 14*24*time.Hour, cfg.Cleanup.Retention)
	assert.Equal(t, 16, cfg.Batch.Concurrency)
	assert.False(t, cfg.Auth.Enabled)
	assert.IsType(t, access.AllowAll{}, cfg.Gate())
}

func TestDecodeFile(t *testing.T) {
	cfg, err := Decode(load(t, sample))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.UploadTimeout)
	assert.Equal(t, BackendMemory, cfg.Blob.Backend)
	assert.Equal(t, 1024, cfg.Blob.CacheSize)
	assert.Equal(t, BackendRedis, cfg.Refs.Backend)
	assert.Equal(t, "redis://cache:6379/2", cfg.Redis.URL)
	assert.True(t, cfg.NamespacesStrict)

	policies, _ := cfg.Policies()
	require.Len(t, policies, 2)
	ci := policies["ci"]
	assert.True(t, ci.OnDemandReplication)
	assert.True(t, ci.Publish)
	assert.Equal(t, time.Hour, ci.Retention)

	reg := cfg.Registry()
	_, err = reg.Lookup("unknown")
	assert.ErrorIs(t, err, model.ErrNamespaceNotFound)
	scratch, err := reg.Lookup("scratch")
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, scratch.Retention)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CAFSD_SERVER_ADDR", ":7070")
	t.Setenv("CAFSD_BLOB_BACKEND", "memory")
	t.Setenv("CAFSD_ROLLUP_INTERVAL", "2s")

	cfg, err := Decode(load(t, sample))
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, 2*time.Second, cfg.Rollup.Interval)
}

func TestReadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Read(New(""))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestReadExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cafsd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Read(New(path))
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)

	_, err = Read(New(filepath.Join(t.TempDir(), "absent.yaml")))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	for name, yaml := range map[string]string{
		"unknown blob backend": "blob:\n  backend: tape\n",
		"s3 without bucket":    "blob:\n  backend: s3\n",
		"gcs without bucket":   "blob:\n  backend: gcs\n",
		"unknown refs backend": "refs:\n  backend: etcd\n",
		"bad namespace":        "namespaces:\n  \"a/b\":\n    cleanup: true\n",
		"empty token":          "auth:\n  tokens:\n    - principal: nobody\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(load(t, yaml))
			assert.Error(t, err)
		})
	}
}

func TestGate(t *testing.T) {
	cfg, err := Decode(load(t, sample))
	require.NoError(t, err)
	gate := cfg.Gate()

	reader, err := gate.Authenticate("Reader-Token")
	require.NoError(t, err)
	assert.Equal(t, access.Principal("reader"), reader)
	assert.NoError(t, gate.Check(reader, "ci", access.ActionRead))
	assert.ErrorIs(t, gate.Check(reader, "ci", access.ActionWrite), model.ErrForbidden)

	_, err = gate.Authenticate("reader-token")
	assert.ErrorIs(t, err, model.ErrForbidden)

	root, err := gate.Authenticate("root")
	require.NoError(t, err)
	assert.NoError(t, gate.Check(root, "anything", access.ActionDelete, access.ActionAdmin))
}

func TestWatchSwapsPolicies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cafsd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("namespaces:\n  ci:\n    cleanup: false\n"), 0o600))

	v := New(path)
	cfg, err := Read(v)
	require.NoError(t, err)
	reg := cfg.Registry()
	Watch(v, reg)

	require.NoError(t, os.WriteFile(path, []byte("namespaces:\n  ci:\n    cleanup: true\n"), 0o600))
	require.Eventually(t, func() bool {
		p, err := reg.Lookup("ci")
		return err == nil && p.Cleanup
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())

	logger.Info().Msg("dropped")
	logger.Warn().Msg("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), `"message":"kept"`)

	_, err = LogConfig{Level: "loud"}.NewLogger(&buf)
	assert.Error(t, err)
	_, err = LogConfig{Level: "info", Format: "xml"}.NewLogger(&buf)
	assert.Error(t, err)
}
