package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/aweris/cafsd/internal/model"
)

const DefaultConcurrency = 4

var _ Remote = &OCIRemote{}

type OCIRemote struct {
	registry    name.Registry
	auth        Authenticator
	concurrency int
	insecure    bool
}

// NewOCIRemote creates a remote for a registry host (e.g. "registry.eu.example.com"
// or "localhost:5000"). insecure allows plain http.
func NewOCIRemote(registry string, auth Authenticator, insecure bool) (*OCIRemote, error) {
	var opts []name.Option
	if insecure {
		opts = append(opts, name.Insecure)
	}
	reg, err := name.NewRegistry(registry, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid registry %q: %w", registry, err)
	}
	return &OCIRemote{registry: reg, auth: auth, concurrency: DefaultConcurrency, insecure: insecure}, nil
}

// SetConcurrency sets the number of parallel fetches for FetchMany.
func (r *OCIRemote) SetConcurrency(n int) {
	if n > 0 {
		r.concurrency = n
	}
}

func (r *OCIRemote) String() string { return r.registry.RegistryStr() }

func (r *OCIRemote) repository(ns model.NamespaceID) (name.Repository, error) {
	var opts []name.Option
	if r.insecure {
		opts = append(opts, name.Insecure)
	}
	return name.NewRepository(r.registry.RegistryStr()+"/"+string(ns), opts...)
}

// Fetch downloads one blob by digest and verifies it.
func (r *OCIRemote) Fetch(ctx context.Context, ns model.NamespaceID, id model.BlobID) ([]byte, error) {
	repo, err := r.repository(ns)
	if err != nil {
		return nil, err
	}
	ref := repo.Digest(id.Digest())

	data, err := retry(ctx, 3, func() ([]byte, error) {
		layer, err := remote.Layer(ref, r.remoteOptions(ctx)...)
		if err != nil {
			return nil, err
		}
		rc, err := layer.Compressed()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s from %s: %w", id, repo, classify(err))
	}

	if got := model.ComputeBlobID(data); got != id {
		return nil, &model.HashMismatchError{Claimed: id, Computed: got}
	}
	return data, nil
}

// FetchMany downloads blobs in parallel. Blobs the remote does not have are
// reported in missing rather than failing the call.
func (r *OCIRemote) FetchMany(ctx context.Context, ns model.NamespaceID, ids []model.BlobID) (map[model.BlobID][]byte, []model.BlobID, error) {
	var mu sync.Mutex
	objects := make(map[model.BlobID][]byte, len(ids))
	var missing []model.BlobID

	p := pool.New().WithMaxGoroutines(r.concurrency).WithContext(ctx).WithCancelOnError()
	for _, id := range ids {
		p.Go(func(ctx context.Context) error {
			data, err := r.Fetch(ctx, ns, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, model.ErrBlobNotFound):
				missing = append(missing, id)
				return nil
			case err != nil:
				return err
			}
			objects[id] = data
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, nil, err
	}

	log.Debug().Str("namespace", string(ns)).Int("fetched", len(objects)).Int("missing", len(missing)).Msg("remote fetch done")
	return objects, missing, nil
}

// Publish uploads one blob to the namespace repository.
func (r *OCIRemote) Publish(ctx context.Context, ns model.NamespaceID, id model.BlobID, data []byte) error {
	repo, err := r.repository(ns)
	if err != nil {
		return err
	}
	layer := static.NewLayer(data, types.OCIUncompressedLayer)
	_, err = retry(ctx, 3, func() (struct{}, error) {
		return struct{}{}, remote.WriteLayer(repo, layer, r.remoteOptions(ctx)...)
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", id, repo, classify(err))
	}
	return nil
}

func (r *OCIRemote) remoteOptions(ctx context.Context) []remote.Option {
	options := []remote.Option{remote.WithContext(ctx)}
	if r.auth != nil {
		username, password, err := r.auth.Authenticate(r.registry.RegistryStr())
		if err == nil && username != "" {
			return append(options, remote.WithAuth(&authn.Basic{
				Username: username,
				Password: password,
			}))
		}
	}
	return append(options, remote.WithAuthFromKeychain(authn.DefaultKeychain))
}

// classify maps registry responses onto the store's error kinds.
func classify(err error) error {
	var terr *transport.Error
	if errors.As(err, &terr) {
		switch terr.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", model.ErrBlobNotFound, err)
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			return fmt.Errorf("%w: %v", model.ErrTooManyRequests, err)
		}
	}
	return err
}

func retry[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := range maxAttempts {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable(err) {
			return zero, err
		}
		if i < maxAttempts-1 {
			delay := time.Duration(1<<i) * 500 * time.Millisecond // 500ms, 1s, 2s, 4s...
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, lastErr
}

// retryable reports whether another attempt could succeed. Missing blobs
// and auth failures are final.
func retryable(err error) bool {
	var terr *transport.Error
	if errors.As(err, &terr) {
		switch terr.StatusCode {
		case http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest:
			return false
		}
	}
	return true
}
