package redis

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewListSourceRequiresKey(t *testing.T) {
	_, err := NewListSource(Config{Addr: "127.0.0.1:6379"})
	require.Error(t, err)
}

func TestNewListSourceDefaults(t *testing.T) {
	s, err := NewListSource(Config{Key: "events"})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, defaultBlockTimeout, s.block)
	assert.Equal(t, defaultPrefetch, s.prefetch)
	assert.False(t, s.drain)
}

func TestListSourceServesPrefetchedInOrder(t *testing.T) {
	// Nothing listens here; buffered payloads must not touch the network.
	s, err := NewListSource(Config{Addr: "127.0.0.1:1", Key: "events"})
	require.NoError(t, err)
	defer s.Close()
	s.pending = []string{`{"n":1}`, `{"n":2}`}

	ctx := context.Background()
	got, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(got))
	assert.Equal(t, 1, s.Pending())

	got, err = s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"n":2}`, string(got))
	assert.Equal(t, 0, s.Pending())
}

// Runs against a live server when FUNNELSCOPE_TEST_REDIS_ADDR is set.
func TestListSourceAgainstRedis(t *testing.T) {
	addr := os.Getenv("FUNNELSCOPE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FUNNELSCOPE_TEST_REDIS_ADDR not set")
	}
	key := "funnelscope-test:" + uuid.NewString()
	ctx := context.Background()

	producer := redis.NewClient(&redis.Options{Addr: addr})
	defer producer.Close()
	defer producer.Del(ctx, key)
	require.NoError(t, producer.RPush(ctx, key, "a", "b", "c").Err())

	s, err := NewListSource(Config{Addr: addr, Key: key, BlockTimeout: 100 * time.Millisecond, Prefetch: 2, Drain: true})
	require.NoError(t, err)
	defer s.Close()

	var got []string
	for {
		p, err := s.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(p))
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}
