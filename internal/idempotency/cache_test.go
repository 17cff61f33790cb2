package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboardhq/switchboard/pkg/contracts"
	"github.com/switchboardhq/switchboard/pkg/models"
)

var _ contracts.ReplyCache = (*MemoryCache)(nil)
var _ contracts.ReplyCache = (*RedisCache)(nil)

func TestMemoryCacheExpiry(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	c := NewMemoryCache().WithClock(func() time.Time { return now })
	ctx := context.Background()

	reply := &models.Reply{ID: "r1", Text: "See you at 7!", Outcome: models.OutcomeAnswered}
	require.NoError(t, c.Put(ctx, "bistro", "evt-1", reply, time.Minute))

	got, ok, err := c.Get(ctx, "bistro", "evt-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "See you at 7!", got.Text)

	_, ok, _ = c.Get(ctx, "other-tenant", "evt-1")
	assert.False(t, ok, "keys are tenant scoped")

	now = now.Add(2 * time.Minute)
	_, ok, err = c.Get(ctx, "bistro", "evt-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestMemoryCacheReturnsCopy(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "t", "k", &models.Reply{Text: "a"}, 0))

	got, _, _ := c.Get(ctx, "t", "k")
	got.Text = "mutated"
	again, _, _ := c.Get(ctx, "t", "k")
	assert.Equal(t, "a", again.Text)
}

// Runs against a real server when SWITCHBOARD_TEST_REDIS is set.
func TestRedisCache(t *testing.T) {
	addr := os.Getenv("SWITCHBOARD_TEST_REDIS")
	if addr == "" {
		t.Skip("SWITCHBOARD_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	c := NewRedisCache(client)
	ctx := context.Background()
	key := uuid.NewString()

	_, ok, err := c.Get(ctx, "bistro", key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "bistro", key, &models.Reply{Text: "hello"}, time.Minute))
	got, ok, err := c.Get(ctx, "bistro", key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", got.Text)
}
