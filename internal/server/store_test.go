package server

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fablewire/fablewire/pkg/fablewire/session"
)

func setupRedisStore(t *testing.T) (*RedisSessionStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	store, err := NewRedisSessionStore(context.Background(), mr.Addr(), "", time.Hour, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}

func TestRedisSessionStore(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	t.Run("save and load round trip", func(t *testing.T) {
		sess := session.NewGameSession()
		sess.World["room"] = "cave"
		sess.Story = append(sess.Story, session.NewNarratorEntry("You wake in darkness."))

		require.NoError(t, store.SaveSession(ctx, sess))

		loaded, err := store.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, sess.ID, loaded.ID)
		assert.Equal(t, "cave", loaded.World["room"])
		require.Len(t, loaded.Story, 1)
	})

	t.Run("missing session", func(t *testing.T) {
		_, err := store.GetSession(ctx, "nope")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("sessions expire on TTL", func(t *testing.T) {
		sess := session.NewGameSession()
		require.NoError(t, store.SaveSession(ctx, sess))

		mr.FastForward(2 * time.Hour)

		_, err := store.GetSession(ctx, sess.ID)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("list and delete", func(t *testing.T) {
		mr.FlushAll()
		first := session.NewGameSession()
		second := session.NewGameSession()
		require.NoError(t, store.SaveSession(ctx, first))
		require.NoError(t, store.SaveSession(ctx, second))

		ids, err := store.ListSessionIDs(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)

		require.NoError(t, store.DeleteSession(ctx, first.ID))
		require.NoError(t, store.DeleteSession(ctx, first.ID)) // idempotent

		ids, err = store.ListSessionIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{second.ID}, ids)
	})
}

func TestMemorySessionStore(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	t.Run("save and load round trip", func(t *testing.T) {
		sess := session.NewGameSession()
		sess.World["room"] = "cave"
		require.NoError(t, store.SaveSession(ctx, sess))

		loaded, err := store.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "cave", loaded.World["room"])
	})

	t.Run("loads are isolated copies", func(t *testing.T) {
		sess := session.NewGameSession()
		sess.World["gold"] = 5.0
		require.NoError(t, store.SaveSession(ctx, sess))

		loaded, _ := store.GetSession(ctx, sess.ID)
		loaded.World["gold"] = 9000.0

		again, _ := store.GetSession(ctx, sess.ID)
		assert.Equal(t, 5.0, again.World["gold"])
	})

	t.Run("missing session", func(t *testing.T) {
		_, err := store.GetSession(ctx, "nope")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		sess := session.NewGameSession()
		require.NoError(t, store.SaveSession(ctx, sess))
		require.NoError(t, store.DeleteSession(ctx, sess.ID))

		_, err := store.GetSession(ctx, sess.ID)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}
