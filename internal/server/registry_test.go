package server

import (
	"context"
	"testing"
	"time"

	"github.com/matst80/pwremote/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	now := time.Now()

	require.NoError(t, reg.Put(ctx, session.Info{ID: "b", StartedAt: now.Add(time.Second)}))
	require.NoError(t, reg.Put(ctx, session.Info{ID: "a", StartedAt: now}))
	require.NoError(t, reg.Put(ctx, session.Info{ID: "a", StartedAt: now, State: "active"}))

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "active", list[0].State)

	require.NoError(t, reg.Remove(ctx, "a"))
	require.NoError(t, reg.Remove(ctx, "missing"))
	list, err = reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.NoError(t, reg.Close())
}

func TestNewRegistryDefaultsToMemory(t *testing.T) {
	reg, err := NewRegistry("", "", 0)
	require.NoError(t, err)
	_, ok := reg.(*memoryRegistry)
	assert.True(t, ok)
}

func TestRedisRegistryUnreachable(t *testing.T) {
	_, err := NewRedisRegistry("127.0.0.1:1", "", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis connection failed")
}

func TestRedisRecordEncoding(t *testing.T) {
	r := &RedisRegistry{instanceID: "pwremote-test"}
	data, err := r.encode(session.Info{ID: "x", ClientType: session.LaunchBrowser}, time.Unix(0, 0).UTC())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":"x"`)
	assert.Contains(t, string(data), `"instance":"pwremote-test"`)
	assert.Equal(t, "pwremote:session:x", redisKey("x"))
}
