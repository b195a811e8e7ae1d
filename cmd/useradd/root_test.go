package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/authgate/internal/users"
)

func newTestStore(t *testing.T) *users.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return users.NewStore(rdb)
}

func TestRunCreatesUser(t *testing.T) {
	store := newTestStore(t)
	var out bytes.Buffer

	err := run(context.Background(), store, &options{email: "alice@example.test", name: "Alice", password: "s3cret"}, &out)
	require.NoError(t, err)
	require.Contains(t, out.String(), "saved user alice@example.test")

	user, err := store.FindByEmail(context.Background(), "alice@example.test")
	require.NoError(t, err)
	require.NotNil(t, user)
	require.Equal(t, "Alice", user.Name)
}

func TestRunRefusesDuplicateWithoutForce(t *testing.T) {
	store := newTestStore(t)
	opts := &options{email: "alice@example.test", password: "s3cret"}
	require.NoError(t, run(context.Background(), store, opts, &bytes.Buffer{}))

	first, err := store.FindByEmail(context.Background(), "alice@example.test")
	require.NoError(t, err)

	require.Error(t, run(context.Background(), store, opts, &bytes.Buffer{}))

	opts.force = true
	opts.password = "n3w"
	require.NoError(t, run(context.Background(), store, opts, &bytes.Buffer{}))

	replaced, err := store.FindByEmail(context.Background(), "alice@example.test")
	require.NoError(t, err)
	require.Equal(t, first.ID, replaced.ID)
	require.NotEqual(t, first.Password, replaced.Password)
}

func TestRunRequiresPassword(t *testing.T) {
	store := newTestStore(t)
	require.Error(t, run(context.Background(), store, &options{email: "a@x.test"}, &bytes.Buffer{}))
}
