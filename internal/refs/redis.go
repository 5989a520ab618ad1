package refs

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aweris/cafsd/internal/model"
	"github.com/aweris/cafsd/internal/redisutil"
)

// Key layout:
//
//	ref:{ns}:{bucket}:{key}   hash with the record fields
//	refkeys:{ns}:{bucket}     set of keys in a bucket
//	refbuckets:{ns}           set of buckets in a namespace
//	refns                     set of namespaces
//	lastaccess:{ns}           zset of "bucket/key" scored by last access
//	refseq                    sequence counter
//
// Timestamps are unix microseconds, exact in a Lua number.
const (
	fieldHash     = "hash"
	fieldRefs     = "refs"
	fieldMeta     = "meta"
	fieldSequence = "seq"
	fieldCreated  = "created"
	fieldAccess   = "access"

	namespacesKey = "refns"
	sequenceKey   = "refseq"
)

// touchScript moves the access time of an existing record forward.
//
// KEYS[1] record, KEYS[2] lastaccess zset; ARGV[1] time, ARGV[2] member.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local cur = tonumber(redis.call('HGET', KEYS[1], 'access') or '0')
if tonumber(ARGV[1]) > cur then
  redis.call('HSET', KEYS[1], 'access', ARGV[1])
  redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
end
return 1
`)

// deleteIfStaleScript removes a record whose access time is before the
// cutoff.
//
// KEYS[1] record, KEYS[2] lastaccess zset, KEYS[3] bucket key set;
// ARGV[1] cutoff, ARGV[2] member, ARGV[3] key.
var deleteIfStaleScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('ZREM', KEYS[2], ARGV[2])
  return 0
end
local cur = tonumber(redis.call('HGET', KEYS[1], 'access') or '0')
if cur >= tonumber(ARGV[1]) then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('SREM', KEYS[3], ARGV[3])
return 1
`)

// RedisStore persists ref records in redis.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func recordKey(name model.RefName) string {
	return "ref:" + string(name.Namespace) + ":" + string(name.Bucket) + ":" + string(name.Key)
}

func bucketKeysKey(ns model.NamespaceID, bucket model.BucketID) string {
	return "refkeys:" + string(ns) + ":" + string(bucket)
}

func bucketsKey(ns model.NamespaceID) string { return "refbuckets:" + string(ns) }

func lastAccessKey(ns model.NamespaceID) string { return "lastaccess:" + string(ns) }

func member(name model.RefName) string { return string(name.Bucket) + "/" + string(name.Key) }

func micros(t time.Time) int64 { return t.UnixMicro() }

func (s *RedisStore) Get(ctx context.Context, name model.RefName) (*model.RefRecord, error) {
	fields, err := s.client.HGetAll(ctx, recordKey(name)).Result()
	if err != nil {
		return nil, redisutil.Classify(err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrRefNotFound, name)
	}
	return decodeRecord(name, fields)
}

func decodeRecord(name model.RefName, fields map[string]string) (*model.RefRecord, error) {
	rec := &model.RefRecord{Name: name, ContentHash: model.BlobID(fields[fieldHash])}
	if raw := fields[fieldRefs]; raw != "" {
		for _, id := range strings.Split(raw, ",") {
			rec.BlobReferences = append(rec.BlobReferences, model.BlobID(id))
		}
	}
	if raw := fields[fieldMeta]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", name, err)
		}
	}
	var err error
	if rec.Sequence, err = strconv.ParseUint(fields[fieldSequence], 10, 64); err != nil {
		return nil, fmt.Errorf("decode sequence of %s: %w", name, err)
	}
	created, err := strconv.ParseInt(fields[fieldCreated], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode created of %s: %w", name, err)
	}
	access, err := strconv.ParseInt(fields[fieldAccess], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode access of %s: %w", name, err)
	}
	rec.CreatedAt = time.UnixMicro(created).UTC()
	rec.LastAccess = time.UnixMicro(access).UTC()
	return rec, nil
}

func (s *RedisStore) Put(ctx context.Context, rec *model.RefRecord) error {
	var meta string
	if len(rec.Metadata) > 0 {
		raw, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		meta = string(raw)
	}
	refs := make([]string, len(rec.BlobReferences))
	for i, id := range rec.BlobReferences {
		refs[i] = string(id)
	}

	name := rec.Name
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, recordKey(name))
	pipe.HSet(ctx, recordKey(name),
		fieldHash, string(rec.ContentHash),
		fieldRefs, strings.Join(refs, ","),
		fieldMeta, meta,
		fieldSequence, strconv.FormatUint(rec.Sequence, 10),
		fieldCreated, strconv.FormatInt(micros(rec.CreatedAt), 10),
		fieldAccess, strconv.FormatInt(micros(rec.LastAccess), 10),
	)
	pipe.SAdd(ctx, bucketKeysKey(name.Namespace, name.Bucket), string(name.Key))
	pipe.SAdd(ctx, bucketsKey(name.Namespace), string(name.Bucket))
	pipe.SAdd(ctx, namespacesKey, string(name.Namespace))
	pipe.ZAdd(ctx, lastAccessKey(name.Namespace), redis.Z{Score: float64(micros(rec.LastAccess)), Member: member(name)})
	_, err := pipe.Exec(ctx)
	return redisutil.Classify(err)
}

func (s *RedisStore) Delete(ctx context.Context, name model.RefName) (int, error) {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, recordKey(name))
	pipe.SRem(ctx, bucketKeysKey(name.Namespace, name.Bucket), string(name.Key))
	pipe.ZRem(ctx, lastAccessKey(name.Namespace), member(name))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, redisutil.Classify(err)
	}
	return int(del.Val()), nil
}

func (s *RedisStore) DeleteBucket(ctx context.Context, ns model.NamespaceID, bucket model.BucketID) (int, error) {
	keys, err := s.client.SMembers(ctx, bucketKeysKey(ns, bucket)).Result()
	if err != nil {
		return 0, redisutil.Classify(err)
	}
	deleted := 0
	for chunk := range slices.Chunk(keys, 500) {
		pipe := s.client.TxPipeline()
		dels := make([]*redis.IntCmd, len(chunk))
		for i, k := range chunk {
			name := model.RefName{Namespace: ns, Bucket: bucket, Key: model.KeyID(k)}
			dels[i] = pipe.Del(ctx, recordKey(name))
			pipe.ZRem(ctx, lastAccessKey(ns), member(name))
			pipe.SRem(ctx, bucketKeysKey(ns, bucket), k)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return deleted, redisutil.Classify(err)
		}
		for _, d := range dels {
			deleted += int(d.Val())
		}
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, bucketKeysKey(ns, bucket))
	pipe.SRem(ctx, bucketsKey(ns), string(bucket))
	_, err = pipe.Exec(ctx)
	return deleted, redisutil.Classify(err)
}

func (s *RedisStore) DeleteNamespace(ctx context.Context, ns model.NamespaceID) (int, error) {
	buckets, err := s.client.SMembers(ctx, bucketsKey(ns)).Result()
	if err != nil {
		return 0, redisutil.Classify(err)
	}
	deleted := 0
	for _, b := range buckets {
		n, err := s.DeleteBucket(ctx, ns, model.BucketID(b))
		deleted += n
		if err != nil {
			return deleted, err
		}
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, bucketsKey(ns), lastAccessKey(ns))
	pipe.SRem(ctx, namespacesKey, string(ns))
	_, err = pipe.Exec(ctx)
	return deleted, redisutil.Classify(err)
}

func (s *RedisStore) NextSequence(ctx context.Context) (uint64, error) {
	n, err := s.client.Incr(ctx, sequenceKey).Result()
	if err != nil {
		return 0, redisutil.Classify(err)
	}
	return uint64(n), nil
}

func (s *RedisStore) TouchLastAccess(ctx context.Context, name model.RefName, t time.Time) error {
	err := touchScript.Run(ctx, s.client,
		[]string{recordKey(name), lastAccessKey(name.Namespace)},
		micros(t), member(name),
	).Err()
	return redisutil.Classify(err)
}

func (s *RedisStore) ListStale(ctx context.Context, ns model.NamespaceID, cutoff time.Time) ([]model.RefName, error) {
	members, err := s.client.ZRangeByScore(ctx, lastAccessKey(ns), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(micros(cutoff), 10),
	}).Result()
	if err != nil {
		return nil, redisutil.Classify(err)
	}
	out := make([]model.RefName, 0, len(members))
	for _, m := range members {
		bucket, key, ok := strings.Cut(m, "/")
		if !ok {
			continue
		}
		out = append(out, model.RefName{Namespace: ns, Bucket: model.BucketID(bucket), Key: model.KeyID(key)})
	}
	slices.SortFunc(out, compareNames)
	return out, nil
}

func (s *RedisStore) DeleteIfStale(ctx context.Context, name model.RefName, cutoff time.Time) (bool, error) {
	n, err := deleteIfStaleScript.Run(ctx, s.client,
		[]string{recordKey(name), lastAccessKey(name.Namespace), bucketKeysKey(name.Namespace, name.Bucket)},
		micros(cutoff), member(name), string(name.Key),
	).Int()
	if err != nil {
		return false, redisutil.Classify(err)
	}
	return n == 1, nil
}

func (s *RedisStore) List(ctx context.Context, ns model.NamespaceID, bucket model.BucketID) ([]model.KeyID, error) {
	keys, err := s.client.SMembers(ctx, bucketKeysKey(ns, bucket)).Result()
	if err != nil {
		return nil, redisutil.Classify(err)
	}
	out := make([]model.KeyID, len(keys))
	for i, k := range keys {
		out[i] = model.KeyID(k)
	}
	slices.Sort(out)
	return out, nil
}

func (s *RedisStore) Namespaces(ctx context.Context) ([]model.NamespaceID, error) {
	names, err := s.client.SMembers(ctx, namespacesKey).Result()
	if err != nil {
		return nil, redisutil.Classify(err)
	}
	out := make([]model.NamespaceID, len(names))
	for i, n := range names {
		out[i] = model.NamespaceID(n)
	}
	slices.Sort(out)
	return out, nil
}
