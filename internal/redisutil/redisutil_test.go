package redisutil

import (
	"context"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/cafsd/internal/model"
)

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify(nil))
	assert.ErrorIs(t, Classify(errors.New("LOADING Redis is loading the dataset in memory")), model.ErrTooManyRequests)
	assert.ErrorIs(t, Classify(errors.New("BUSY Redis is busy running a script")), model.ErrTooManyRequests)
	assert.NotErrorIs(t, Classify(errors.New("ERR wrong number of arguments")), model.ErrTooManyRequests)
}

func TestDeleteIndexed(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewClient("redis://" + mr.Addr())
	require.NoError(t, err)
	defer client.Close()
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, client.Set(ctx, k, "v", 0).Err())
		require.NoError(t, client.SAdd(ctx, "idx", k).Err())
	}
	require.NoError(t, client.Set(ctx, "untouched", "v", 0).Err())

	n, err := DeleteIndexed(ctx, client, "idx")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, mr.Exists("a"))
	assert.False(t, mr.Exists("idx"))
	assert.True(t, mr.Exists("untouched"))
}

func TestNewClientUnreachable(t *testing.T) {
	_, err := NewClient("redis://127.0.0.1:1")
	assert.Error(t, err)
}
