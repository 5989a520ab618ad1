package cafsd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/aweris/cafsd/internal/compression"
	"github.com/aweris/cafsd/internal/contentid"
	"github.com/aweris/cafsd/internal/redisutil"
	"github.com/aweris/cafsd/internal/refs"
	"github.com/aweris/cafsd/internal/store"
)

// openBlobBackend builds the configured blob backend behind the read cache.
func openBlobBackend(ctx context.Context, o *Options, c *compression.Compressor) (store.Backend, error) {
	var (
		b   store.Backend
		err error
	)
	switch o.BlobBackend {
	case BackendMemory:
		b = store.NewMemoryStore(c)
	case BackendLocal:
		b, err = store.NewLocalStore(filepath.Join(expandPath(o.BlobDir), "blobs"), c)
	case BackendS3:
		b, err = store.NewS3Store(o.S3)
	case BackendGCS:
		b, err = store.NewGCSStore(ctx, o.GCSBucket, o.GCSPrefix)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", o.BlobBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s blob backend: %w", o.BlobBackend, err)
	}
	return store.WithCache(b, o.CacheSize), nil
}

// openRecordBackends builds the ref store and content-id backend. The redis
// client is only dialed when one of them lives in redis.
func openRecordBackends(o *Options) (refs.Store, contentid.Backend, *redis.Client, error) {
	var client *redis.Client
	dial := func() (*redis.Client, error) {
		if client != nil {
			return client, nil
		}
		var err error
		client, err = redisutil.NewClient(o.RedisURL)
		return client, err
	}

	var refStore refs.Store
	switch o.RefsBackend {
	case BackendMemory:
		refStore = refs.NewMemoryStore()
	case BackendRedis:
		c, err := dial()
		if err != nil {
			return nil, nil, nil, err
		}
		refStore = refs.NewRedisStore(c)
	default:
		return nil, nil, nil, fmt.Errorf("unknown refs backend %q", o.RefsBackend)
	}

	var cids contentid.Backend
	switch o.ContentIDBackend {
	case BackendMemory:
		cids = contentid.NewMemoryBackend()
	case BackendRedis:
		c, err := dial()
		if err != nil {
			return nil, nil, nil, err
		}
		cids = contentid.NewRedisBackend(c)
	default:
		if client != nil {
			client.Close()
		}
		return nil, nil, nil, fmt.Errorf("unknown content-id backend %q", o.ContentIDBackend)
	}
	return refStore, cids, client, nil
}
