package cafsd

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/cafsd/internal/api"
	"github.com/aweris/cafsd/internal/config"
	"github.com/aweris/cafsd/internal/model"
	"github.com/aweris/cafsd/internal/namespace"
	"github.com/aweris/cafsd/internal/remote"
)

func serve(t *testing.T, d *Daemon) (string, func() error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, ln) }()

	stop := func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("daemon did not stop")
			return nil
		}
	}
	return "http://" + ln.Addr().String() + api.Prefix, stop
}

func putRef(t *testing.T, base, ns, bucket, key string, payload []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, base+"/refs/"+ns+"/"+bucket+"/"+key, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set(api.HeaderHash, string(model.ComputeBlobID(payload)))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServeAndShutdown(t *testing.T) {
	ctx := context.Background()
	promReg := prometheus.NewRegistry()
	d, err := Open(ctx, WithMemoryBackends(), WithPrometheus(promReg), WithIntervals(time.Hour, time.Hour))
	require.NoError(t, err)
	defer d.Close()

	base, stop := serve(t, d)
	putRef(t, base, "ci", "go", "action", []byte("output"))

	resp, err := http.Get(base + "/refs/ci/go/action?raw=true")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	keys, err := d.List(ctx, "ci", "go")
	require.NoError(t, err)
	assert.Equal(t, []KeyID{"action"}, keys)

	require.NoError(t, stop())
	// The final rollup on shutdown flushed the read above.
	assert.Zero(t, d.tracker.Len())
}

func TestOpenWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	d, err := Open(ctx, WithMemoryBackends(), WithRedis("redis://"+mr.Addr()))
	require.NoError(t, err)
	defer d.Close()

	base, stop := serve(t, d)
	putRef(t, base, "ci", "go", "action", []byte("output"))
	require.NoError(t, stop())

	assert.NotEmpty(t, mr.Keys())
	keys, err := d.List(ctx, "ci", "go")
	require.NoError(t, err)
	assert.Equal(t, []KeyID{"action"}, keys)
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), func(o *Options) { o.BlobBackend = "tape" })
	assert.Error(t, err)

	_, err = Open(context.Background(), WithMemoryBackends(), WithRedis("redis://127.0.0.1:1"))
	assert.Error(t, err)
}

func TestOpenWithConfig(t *testing.T) {
	v := config.New("")
	v.Set("blob.backend", "local")
	v.Set("blob.dir", t.TempDir())
	v.Set("namespaces.ci.cleanup", true)
	v.Set("namespaces.ci.retention", "1ms")
	v.Set("namespaces_strict", true)
	cfg, err := config.Decode(v)
	require.NoError(t, err)

	ctx := context.Background()
	d, err := Open(ctx, WithConfig(cfg))
	require.NoError(t, err)
	defer d.Close()

	base, stop := serve(t, d)
	putRef(t, base, "ci", "go", "stale", []byte("old output"))

	resp, err := http.Get(base + "/refs/other/go/x")
	require.NoError(t, err)
	defer resp.Body.Close()
	var problem model.Problem
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&problem))
	assert.Equal(t, "NamespaceNotFound", problem.Title)
	require.NoError(t, stop())

	time.Sleep(5 * time.Millisecond)
	n, err := d.Sweep(ctx, "ci")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPullWithoutRemote(t *testing.T) {
	d, err := Open(context.Background(), WithMemoryBackends(),
		WithPolicies(namespace.NewRegistry(nil, namespace.Policy{}, false, time.Hour)))
	require.NoError(t, err)
	defer d.Close()
	_, err = d.Pull(context.Background(), "ci", model.ComputeBlobID([]byte("x")))
	assert.ErrorIs(t, err, ErrNoRemote)
}

func TestPullFromRemote(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(registry.New())
	t.Cleanup(srv.Close)
	host := strings.TrimPrefix(srv.URL, "http://")

	upstream, err := remote.NewOCIRemote(host, remote.NewDefaultAuthenticator(), true)
	require.NoError(t, err)
	var ids []model.BlobID
	for _, s := range []string{"obj-a", "obj-b", "obj-c"} {
		id := model.ComputeBlobID([]byte(s))
		require.NoError(t, upstream.Publish(ctx, "ci", id, []byte(s)))
		ids = append(ids, id)
	}
	absent := model.ComputeBlobID([]byte("never published"))

	d, err := Open(ctx, WithMemoryBackends(), WithRemote(host, nil), WithInsecureRegistry(), WithConcurrency(2))
	require.NoError(t, err)
	defer d.Close()

	missing, err := d.Pull(ctx, "ci", append(ids, absent)...)
	require.NoError(t, err)
	assert.Equal(t, []model.BlobID{absent}, missing)

	for i, id := range ids {
		data, err := d.blobs.GetBytes(ctx, "ci", id)
		require.NoError(t, err)
		assert.Equal(t, []string{"obj-a", "obj-b", "obj-c"}[i], string(data))
	}
}
