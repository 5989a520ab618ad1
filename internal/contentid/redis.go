package contentid

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/aweris/cafsd/internal/model"
	"github.com/aweris/cafsd/internal/redisutil"
)

// mergeScript sets a candidate weight unless a larger one is stored and
// indexes the mapping key under its namespace.
//
// KEYS[1] mapping hash, KEYS[2] namespace index; ARGV[1] chunk list, ARGV[2] weight.
var mergeScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if (not cur) or tonumber(cur) < tonumber(ARGV[2]) then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
end
redis.call('SADD', KEYS[2], KEYS[1])
return 1
`)

// RedisBackend stores one hash per content id: field is the joined chunk
// list, value the weight.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func mappingKey(ns model.NamespaceID, cid model.ContentID) string {
	return "cid:" + string(ns) + ":" + string(cid)
}

func namespaceIndexKey(ns model.NamespaceID) string {
	return "cids:" + string(ns)
}

func (b *RedisBackend) Candidates(ctx context.Context, ns model.NamespaceID, cid model.ContentID) ([]Candidate, error) {
	fields, err := b.client.HGetAll(ctx, mappingKey(ns, cid)).Result()
	if err != nil {
		return nil, redisutil.Classify(err)
	}
	out := make([]Candidate, 0, len(fields))
	for key, raw := range fields {
		chunks, err := splitChunks(key)
		if err != nil {
			return nil, fmt.Errorf("corrupt mapping %s: %w", cid, err)
		}
		weight, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt weight for %s: %w", cid, err)
		}
		out = append(out, Candidate{Chunks: chunks, Weight: weight})
	}
	return out, nil
}

func (b *RedisBackend) Merge(ctx context.Context, ns model.NamespaceID, cid model.ContentID, c Candidate) error {
	err := mergeScript.Run(ctx, b.client,
		[]string{mappingKey(ns, cid), namespaceIndexKey(ns)},
		c.Key(), c.Weight,
	).Err()
	return redisutil.Classify(err)
}

func (b *RedisBackend) DeleteNamespace(ctx context.Context, ns model.NamespaceID) error {
	_, err := redisutil.DeleteIndexed(ctx, b.client, namespaceIndexKey(ns))
	return err
}
