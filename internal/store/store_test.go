package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chumbucket/crossrtp/internal/record"
	"github.com/chumbucket/crossrtp/internal/store"
	"github.com/chumbucket/crossrtp/internal/store/storetest"
)

func TestPutGetRecordRoundtrip(t *testing.T) {
	f := storetest.New()
	ctx := context.Background()

	in := record.PendingTeleport{Server: "smp", World: "world", X: 1.5, Y: 64, Z: -2.5, AtMs: 42}
	require.NoError(t, store.PutRecord(ctx, f, "k", in, time.Minute))

	out, err := store.GetRecord[record.PendingTeleport](ctx, f, zap.NewNop(), "k")
	require.NoError(t, err)
	require.Equal(t, in, out)

	ttl, err := f.TTL(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, time.Minute, ttl)
}

func TestGetRecordMissing(t *testing.T) {
	f := storetest.New()
	_, err := store.GetRecord[record.PendingTeleport](context.Background(), f, zap.NewNop(), "absent")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetRecordPurgesPoison(t *testing.T) {
	f := storetest.New()
	ctx := context.Background()
	require.NoError(t, f.SetEx(ctx, "k", "{broken", time.Minute))

	_, err := store.GetRecord[record.PendingTeleport](ctx, f, zap.NewNop(), "k")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.False(t, f.Has("k"), "poison record should be deleted")
}

func TestGetRecordExpiry(t *testing.T) {
	f := storetest.New()
	ctx := context.Background()
	require.NoError(t, store.PutRecord(ctx, f, "k", record.PendingTeleport{Server: "smp"}, 10*time.Second))

	f.Advance(11 * time.Second)
	_, err := store.GetRecord[record.PendingTeleport](ctx, f, zap.NewNop(), "k")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStoppedStoreFailsClosed(t *testing.T) {
	f := storetest.New()
	f.SetRunning(false)
	ctx := context.Background()

	_, err := f.Get(ctx, "k")
	require.ErrorIs(t, err, store.ErrStopped)
	require.ErrorIs(t, f.SetEx(ctx, "k", "v", time.Minute), store.ErrStopped)
	require.ErrorIs(t, f.Publish(ctx, "ch", "p"), store.ErrStopped)
}

func TestDisabledStore(t *testing.T) {
	var d store.Disabled
	ctx := context.Background()

	require.False(t, d.Running())
	_, err := d.Get(ctx, "k")
	require.ErrorIs(t, err, store.ErrStopped)
	require.ErrorIs(t, d.SetEx(ctx, "k", "v", time.Minute), store.ErrStopped)
	require.ErrorIs(t, d.Del(ctx, "k"), store.ErrStopped)
	_, err = d.TTL(ctx, "k")
	require.ErrorIs(t, err, store.ErrStopped)
	require.ErrorIs(t, d.Publish(ctx, "ch", "p"), store.ErrStopped)
}
