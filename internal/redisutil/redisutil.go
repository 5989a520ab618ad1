// Package redisutil holds the redis plumbing shared by the redis-backed
// ref store and content id index.
package redisutil

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aweris/cafsd/internal/model"
)

const DefaultURL = "redis://localhost:6379"

// NewClient parses url and pings the server before returning the client.
func NewClient(url string) (*redis.Client, error) {
	if url == "" {
		url = DefaultURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

// Classify maps redis overload replies onto model.ErrTooManyRequests.
func Classify(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	msg := err.Error()
	if strings.HasPrefix(msg, "LOADING") || strings.HasPrefix(msg, "BUSY") || strings.HasPrefix(msg, "TRYAGAIN") {
		return fmt.Errorf("%w: %v", model.ErrTooManyRequests, err)
	}
	return err
}

// DeleteIndexed removes every key listed in the set index and the index
// itself, in pipelined batches.
func DeleteIndexed(ctx context.Context, client *redis.Client, index string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := client.SScan(ctx, index, cursor, "", 500).Result()
		if err != nil {
			return deleted, Classify(err)
		}
		if len(keys) > 0 {
			pipe := client.Pipeline()
			pipe.Del(ctx, keys...)
			pipe.SRem(ctx, index, toAny(keys)...)
			if _, err := pipe.Exec(ctx); err != nil {
				return deleted, Classify(err)
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted, Classify(client.Del(ctx, index).Err())
}

func toAny(keys []string) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}
