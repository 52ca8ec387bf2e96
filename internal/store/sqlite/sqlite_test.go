package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/simpool/internal/event"
	"github.com/loykin/simpool/internal/state"
	"github.com/loykin/simpool/internal/store"
)

func openDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	return db
}

func TestSQLiteInventory(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()

	rec := store.Record{
		UDID: "AAA", Name: "iPhone 6s (1)", DeviceType: "iPhone 6s", OSVersion: "iOS 9.3",
		Family: "phone", State: "creating", Allocated: true, DataDir: "/tmp/AAA", PoolID: "default",
	}
	require.NoError(t, db.Upsert(ctx, rec))
	require.NoError(t, db.Upsert(ctx, store.Record{UDID: "BBB", Name: "iPad", DeviceType: "iPad Air", OSVersion: "iOS 9.3", Family: "tablet", State: "shutdown", PoolID: "other"}))

	got, err := db.Get(ctx, "AAA")
	require.NoError(t, err)
	assert.Equal(t, "iPhone 6s (1)", got.Name)
	assert.True(t, got.Allocated)
	assert.WithinDuration(t, time.Now(), got.UpdatedAt, time.Minute)

	require.NoError(t, db.UpdateState(ctx, "AAA", "booted"))
	require.NoError(t, db.UpdateState(ctx, "missing", "booted"))
	got, err = db.Get(ctx, "AAA")
	require.NoError(t, err)
	assert.Equal(t, "booted", got.State)

	rec.Allocated = false
	rec.State = "shutdown"
	require.NoError(t, db.Upsert(ctx, rec))
	got, _ = db.Get(ctx, "AAA")
	assert.False(t, got.Allocated)
	assert.Equal(t, "shutdown", got.State)

	all, err := db.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	mine, err := db.List(ctx, "default")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "AAA", mine[0].UDID)

	require.NoError(t, db.Delete(ctx, "AAA"))
	_, err = db.Get(ctx, "AAA")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStoreListenerPersistsStateChanges(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	require.NoError(t, db.Upsert(ctx, store.Record{UDID: "SIM", Name: "x", DeviceType: "d", OSVersion: "o", Family: "phone", State: "creating", PoolID: "p"}))

	mux := event.NewMux("SIM", store.NewListener(db, nil))
	mux.DidChangeState(state.Shutdown)
	mux.DiagnosticAvailable("ignored", nil, 1)

	got, err := db.Get(ctx, "SIM")
	require.NoError(t, err)
	assert.Equal(t, "shutdown", got.State)
}

func TestNewRejectsEmptyPath(t *testing.T) {
	_, err := New(" ")
	require.Error(t, err)
}
