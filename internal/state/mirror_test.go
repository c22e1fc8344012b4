// ABOUTME: Tests for the bbolt durable mirror: round-trip, expiry, recovery
// ABOUTME: Uses a real temp-file database, matching how the bridge runs it

package state

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestMirror(t *testing.T, expiry time.Duration) *Mirror {
	t.Helper()
	m, err := OpenMirror(filepath.Join(t.TempDir(), "mirror.db"), expiry, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMirror_RoundTrip(t *testing.T) {
	m := openTestMirror(t, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	now := time.Now().UTC().Truncate(time.Millisecond)
	m.EnqueueWorkflow("w1", WorkflowEntry{
		State:     json.RawMessage(`{"step":1}`),
		UpdatedBy: "peer-a",
		Timestamp: now,
	})
	m.EnqueueEvent("handoff", ContextEntry{
		Payload:   json.RawMessage(`{"task":"review"}`),
		Source:    "peer-b",
		Timestamp: now,
	})

	// Cancel and wait for the drain so writes are on disk.
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("mirror loop did not stop")
	}

	workflows, events, err := m.Load()
	require.NoError(t, err)

	require.Contains(t, workflows, "w1")
	assert.JSONEq(t, `{"step":1}`, string(workflows["w1"].State))
	assert.Equal(t, "peer-a", workflows["w1"].UpdatedBy)

	require.Contains(t, events, "handoff")
	assert.Equal(t, "peer-b", events["handoff"].Source)

	assert.Zero(t, m.Failures())
}

func TestMirror_ExpiredEntriesAreDropped(t *testing.T) {
	// Negative expiry stamps every record as already expired.
	m := openTestMirror(t, -time.Minute)

	m.EnqueueWorkflow("w1", WorkflowEntry{State: json.RawMessage(`{}`), UpdatedBy: "peer-a", Timestamp: time.Now()})
	m.drain()

	workflows, events, err := m.Load()
	require.NoError(t, err)
	assert.Empty(t, workflows)
	assert.Empty(t, events)

	// A second load sees the expired key physically deleted too.
	workflows, _, err = m.Load()
	require.NoError(t, err)
	assert.Empty(t, workflows)
}

func TestMirror_QueueFullCountsFailure(t *testing.T) {
	failures := 0
	m, err := OpenMirror(filepath.Join(t.TempDir(), "mirror.db"), time.Hour, func() { failures++ }, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	// No Run loop draining, so the queue eventually fills and drops.
	for i := 0; i < mirrorQueueSize+5; i++ {
		m.EnqueueWorkflow("w", WorkflowEntry{State: json.RawMessage(`{}`), UpdatedBy: "peer-a", Timestamp: time.Now()})
	}

	assert.EqualValues(t, 5, m.Failures())
	assert.Equal(t, 5, failures)
}

func TestMirror_StoreIntegration(t *testing.T) {
	m := openTestMirror(t, time.Hour)
	s := NewStore(m, testLogger())

	s.ApplyWorkflowUpdate("w1", json.RawMessage(`{"step":1}`), "peer-a")
	m.drain()

	// A restarted store recovers the mirrored entry.
	workflows, events, err := m.Load()
	require.NoError(t, err)
	require.Contains(t, workflows, "w1")

	fresh := NewStore(nil, testLogger())
	fresh.Restore(workflows, events)
	assert.JSONEq(t, `{"step":1}`, string(fresh.Snapshot().Workflows["w1"].State))
}
