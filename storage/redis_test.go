package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/process-engine/internal/testutil"
	"github.com/songzhibin97/process-engine/types"
)

func TestRedisStorage(t *testing.T) {
	addr := testutil.RedisAddr(t)
	opts := RedisOptions{
		Addr:         addr,
		PoolSize:     10,
		MinIdleConns: 2,
		IdleTimeout:  5 * time.Minute,
	}

	t.Run("NewRedisStorage", func(t *testing.T) {
		store, err := NewRedisStorage(opts)
		require.NoError(t, err)
		assert.NotNil(t, store.client)
		defer store.Close()

		badOpts := opts
		badOpts.Addr = "invalid:6379"
		_, err = NewRedisStorage(badOpts)
		assert.Error(t, err)
	})

	runStorageSuite(t, func(t *testing.T) Storage {
		store, err := NewRedisStorage(opts)
		require.NoError(t, err)
		require.NoError(t, store.client.FlushDB(context.Background()).Err())
		t.Cleanup(func() { store.Close() })
		return store
	})

	t.Run("GetJSON", func(t *testing.T) {
		store, err := NewRedisStorage(opts)
		require.NoError(t, err)
		defer store.Close()
		ctx := context.Background()

		def := sampleDefinition(100, "json", 1)
		require.NoError(t, store.SaveDefinition(ctx, def))

		got, err := getJSON[types.Definition](ctx, store.client, definitionKey(100), ErrDefinitionNotFound)
		require.NoError(t, err)
		assert.Equal(t, def.Key, got.Key)

		_, err = getJSON[types.Definition](ctx, store.client, definitionKey(999), ErrDefinitionNotFound)
		assert.ErrorIs(t, err, ErrDefinitionNotFound)

		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err = getJSON[types.Definition](canceled, store.client, definitionKey(100), ErrDefinitionNotFound)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("Close", func(t *testing.T) {
		store, err := NewRedisStorage(opts)
		require.NoError(t, err)
		require.NoError(t, store.Close())

		err = store.SaveDefinition(context.Background(), sampleDefinition(1, "closed", 1))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "closed")
	})
}

func TestRedisKeys(t *testing.T) {
	assert.Equal(t, "instance:42:context", instanceContextKey(42))
	assert.Equal(t, "task:open:42:review", openTaskKey(42, "review"))
	assert.Equal(t, "queue:dedup:ADVANCE_INSTANCE:42", pendingAdvanceKey(42))
	assert.Equal(t, "definition:version:review:3", definitionVersionKey("review", 3))
}
