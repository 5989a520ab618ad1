package cafsd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/aweris/cafsd/internal/access"
	"github.com/aweris/cafsd/internal/api"
	"github.com/aweris/cafsd/internal/batch"
	"github.com/aweris/cafsd/internal/blobs"
	"github.com/aweris/cafsd/internal/cleanup"
	"github.com/aweris/cafsd/internal/compression"
	"github.com/aweris/cafsd/internal/contentid"
	"github.com/aweris/cafsd/internal/lastaccess"
	"github.com/aweris/cafsd/internal/metrics"
	"github.com/aweris/cafsd/internal/namespace"
	"github.com/aweris/cafsd/internal/objects"
	"github.com/aweris/cafsd/internal/refs"
	"github.com/aweris/cafsd/internal/remote"
)

const shutdownTimeout = 30 * time.Second

// Daemon is a fully wired object store: blob storage, content ids, ref
// records, the access rollup and cleanup loops, and the HTTP API.
type Daemon struct {
	opts *Options
	log  zerolog.Logger

	compressor *compression.Compressor
	redis      *redis.Client
	remote     *remote.OCIRemote

	blobs      *blobs.Service
	contentIDs *contentid.Index
	resolver   *objects.Resolver
	refStore   refs.Store
	refs       *refs.Service
	tracker    *lastaccess.Tracker
	rollup     *lastaccess.Rollup
	cleaner    *cleanup.Cleaner
	server     *api.Server
}

// Open builds a daemon from options. Nothing listens until Run or Serve.
func Open(ctx context.Context, opts ...Option) (*Daemon, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.Policies == nil {
		o.Policies = namespace.NewRegistry(nil, namespace.Policy{}, false, o.DefaultRetention)
	}
	if o.Gate == nil {
		o.Gate = access.AllowAll{}
	}

	var m metrics.Metrics = metrics.Noop{}
	var gatherer prometheus.Gatherer
	if o.Prometheus != nil {
		m = metrics.NewProm(o.Prometheus, "cafsd")
		gatherer = o.Prometheus
	}

	d := &Daemon{opts: o, log: log.With().Str("component", "cafsd").Logger()}

	var err error
	if d.compressor, err = compression.NewCompressor(o.CompressionLevel, true); err != nil {
		return nil, err
	}
	backend, err := openBlobBackend(ctx, o, d.compressor)
	if err != nil {
		d.Close()
		return nil, err
	}
	blobOpts := []blobs.Option{blobs.WithMetrics(m)}
	if o.Registry != "" {
		auth := o.Auth
		if auth == nil {
			auth = remote.NewDefaultAuthenticator()
		}
		if d.remote, err = remote.NewOCIRemote(o.Registry, auth, o.RegistryInsecure); err != nil {
			d.Close()
			return nil, err
		}
		d.remote.SetConcurrency(o.Concurrency)
		blobOpts = append(blobOpts, blobs.WithRemote(d.remote))
	}

	d.blobs = blobs.New(backend, o.Policies, blobOpts...)

	refStore, cids, client, err := openRecordBackends(o)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.redis = client
	d.refStore = refStore
	d.contentIDs = contentid.New(cids, d.blobs)
	d.resolver = objects.NewResolver(d.blobs, d.contentIDs)
	d.tracker = lastaccess.NewTracker()
	d.refs = refs.NewService(d.refStore, d.blobs, d.resolver, d.tracker, o.Policies, refs.WithMetrics(m))
	d.rollup = lastaccess.NewRollup(d.tracker, d.refStore, lastaccess.WithInterval(o.RollupInterval), lastaccess.WithMetrics(m))
	d.cleaner = cleanup.New(d.refStore, d.tracker, o.Policies, cleanup.WithInterval(o.CleanupInterval), cleanup.WithMetrics(m))

	d.server = api.New(api.Deps{
		Blobs:         d.blobs,
		ContentIDs:    d.contentIDs,
		Resolver:      d.resolver,
		Refs:          d.refs,
		Batch:         batch.New(d.refs, o.Gate, batch.WithConcurrency(o.BatchConcurrency), batch.WithMetrics(m)),
		Rollup:        d.rollup,
		Cleaner:       d.cleaner,
		Compressor:    d.compressor,
		Gate:          o.Gate,
		Metrics:       m,
		Gatherer:      gatherer,
		UploadTimeout: o.UploadTimeout,
		MaxBody:       o.MaxBody,
	})

	d.log.Info().
		Str("blobs", backend.String()).
		Str("refs", o.RefsBackend).
		Str("content_ids", o.ContentIDBackend).
		Str("remote", o.Registry).
		Msg("opened store")
	return d, nil
}

// Handler is the HTTP API.
func (d *Daemon) Handler() http.Handler { return d.server }

// Run listens on the configured address and serves until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.opts.Addr, err)
	}
	return d.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln together with the rollup and cleanup
// loops. On cancellation the server drains, cleanup stops at once and the
// rollup flushes pending accesses.
func (d *Daemon) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           d.server,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.log.Info().Str("addr", ln.Addr().String()).Msg("serving")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdown, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdown)
	})
	g.Go(func() error { return d.rollup.Run(gctx) })
	g.Go(func() error { return d.cleaner.Run(gctx) })

	err := g.Wait()
	d.log.Info().Err(err).Msg("stopped")
	return err
}

// Sweep runs one cleanup pass over ns, after flushing pending accesses so
// recently used records are not evicted.
func (d *Daemon) Sweep(ctx context.Context, ns NamespaceID) (int, error) {
	d.rollup.RunOnce(ctx)
	return d.cleaner.Sweep(ctx, ns)
}

// Pull copies blobs from the remote region into the local store, fetching
// replication.concurrency of them at a time. Blobs the remote does not have
// are returned in missing.
func (d *Daemon) Pull(ctx context.Context, ns NamespaceID, ids ...BlobID) (missing []BlobID, err error) {
	if d.remote == nil {
		return nil, ErrNoRemote
	}
	if _, err := d.opts.Policies.Lookup(ns); err != nil {
		return nil, err
	}
	fetched, missing, err := d.remote.FetchMany(ctx, ns, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch from %s: %w", d.remote, err)
	}
	for _, id := range ids {
		data, ok := fetched[id]
		if !ok {
			continue
		}
		if _, err := d.blobs.PutKnownHash(ctx, ns, data); err != nil {
			return missing, fmt.Errorf("store %s: %w", id, err)
		}
	}
	d.log.Info().Str("namespace", string(ns)).Int("pulled", len(ids)-len(missing)).Int("missing", len(missing)).Msg("pulled blobs")
	return missing, nil
}

// List returns the record keys of a bucket.
func (d *Daemon) List(ctx context.Context, ns NamespaceID, bucket BucketID) ([]KeyID, error) {
	return d.refs.List(ctx, ns, bucket)
}

// Close flushes pending accesses and releases backend connections.
func (d *Daemon) Close() error {
	var errs []error
	if d.rollup != nil {
		d.rollup.RunOnce(context.Background())
	}
	if d.blobs != nil {
		errs = append(errs, d.blobs.Close())
	}
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
	}
	if d.compressor != nil {
		errs = append(errs, d.compressor.Close())
	}
	return errors.Join(errs...)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
