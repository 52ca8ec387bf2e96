package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/simpool/internal/history"
)

func testEvent(udid string, seq uint64, typ history.EventType) history.Event {
	now := time.Now().UTC()
	return history.Event{
		Type:       typ,
		OccurredAt: now,
		Record: history.Record{
			UDID:       udid,
			Name:       "default",
			Seq:        seq,
			Kind:       "runtime_launch",
			PID:        4242,
			LaunchPath: "/usr/libexec/launchd_sim",
			OccurredAt: now,
		},
	}
}

func TestSQLiteSink_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() { require.NoError(t, sink.Close()) }()

	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, testEvent("U1", 1, history.EventLaunch)))
	require.NoError(t, sink.Send(ctx, testEvent("U1", 2, history.EventTerminate)))
	require.NoError(t, sink.Send(ctx, testEvent("U2", 1, history.EventState)))

	n, err := sink.Count(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, testEvent("MEM", 1, history.EventOther)))
	n, err := sink.Count(ctx, "MEM")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = sink.Send(ctx, testEvent("X", 1, history.EventLaunch))
	if err != nil {
		t.Logf("Expected error with cancelled context: %v", err)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	require.Error(t, err)
}
