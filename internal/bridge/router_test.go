// ABOUTME: Tests for frame routing: dispatch, permissions, relay, downstream queries
// ABOUTME: Uses in-process sessions and httptest downstream services

package bridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/peer-bridge/internal/health"
	"github.com/2389/peer-bridge/internal/registry"
	"github.com/2389/peer-bridge/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T, downstream map[string]string) (*Router, *registry.Registry) {
	t.Helper()
	logger := testLogger()
	reg := registry.New(logger)
	store := state.NewStore(nil, logger)
	sup := health.NewSupervisor(health.Options{
		Services:     downstream,
		Interval:     time.Minute,
		ProbeTimeout: time.Second,
		SessionCount: reg.Count,
		Logger:       logger,
	})
	return newRouter(reg, store, sup, downstream, NewMetrics(), logger), reg
}

func admitTestSession(t *testing.T, reg *registry.Registry, id, class string, perms []string) *registry.Session {
	t.Helper()
	s := registry.NewSession(id, class, perms, func(int, string) {})
	_, err := reg.Admit(s)
	require.NoError(t, err)
	return s
}

// recvFrame pops one queued outbound frame. Handlers enqueue synchronously,
// so an empty queue means the frame was never sent.
func recvFrame(t *testing.T, s *registry.Session) map[string]json.RawMessage {
	t.Helper()
	select {
	case raw := <-s.Outbound():
		var m map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(raw, &m))
		return m
	default:
		t.Fatal("expected a queued frame, got none")
		return nil
	}
}

func frameString(t *testing.T, m map[string]json.RawMessage, key string) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(m[key], &s), "field %q", key)
	return s
}

func requireEmptyQueue(t *testing.T, s *registry.Session) {
	t.Helper()
	select {
	case raw := <-s.Outbound():
		t.Fatalf("expected empty queue, got frame: %s", raw)
	default:
	}
}

func TestRouterSyncRequest(t *testing.T) {
	rt, reg := newTestRouter(t, nil)
	a := admitTestSession(t, reg, "a", "peer-a", []string{PermRead, PermWrite})

	rt.Handle(context.Background(), a, []byte(`{"type":"workflow_update","workflow_id":"wf-1","state":{"step":3}}`))
	<-a.Outbound() // workflow_updated echo

	rt.Handle(context.Background(), a, []byte(`{"type":"sync_request"}`))

	resp := recvFrame(t, a)
	assert.Equal(t, TypeSyncResponse, frameString(t, resp, "type"))

	var body struct {
		State state.Snapshot `json:"state"`
	}
	full, _ := json.Marshal(resp)
	require.NoError(t, json.Unmarshal(full, &body))
	require.Contains(t, body.State.Workflows, "wf-1")
	assert.Equal(t, "peer-a", body.State.Workflows["wf-1"].UpdatedBy)
}

func TestRouterPermissionDeniedKeepsSessionUsable(t *testing.T) {
	rt, reg := newTestRouter(t, nil)
	a := admitTestSession(t, reg, "a", "peer-a", []string{PermRead})

	rt.Handle(context.Background(), a, []byte(`{"type":"workflow_update","workflow_id":"wf-1","state":{}}`))

	errResp := recvFrame(t, a)
	assert.Equal(t, TypeError, frameString(t, errResp, "type"))
	assert.Equal(t, ErrCodePermission, frameString(t, errResp, "error"))

	// The session must still work after a denial.
	rt.Handle(context.Background(), a, []byte(`{"type":"sync_request"}`))
	resp := recvFrame(t, a)
	assert.Equal(t, TypeSyncResponse, frameString(t, resp, "type"))
}

func TestRouterWorkflowUpdateBroadcast(t *testing.T) {
	rt, reg := newTestRouter(t, nil)
	a := admitTestSession(t, reg, "a", "peer-a", []string{PermRead, PermWrite})
	b := admitTestSession(t, reg, "b", "peer-b", []string{PermRead, PermWrite})

	rt.Handle(context.Background(), a, []byte(`{"type":"workflow_update","workflow_id":"deploy","state":{"phase":"rollout"}}`))

	// Both peers get the update, sender included.
	for _, sess := range []*registry.Session{a, b} {
		f := recvFrame(t, sess)
		assert.Equal(t, TypeWorkflowUpdated, frameString(t, f, "type"))
		assert.Equal(t, "deploy", frameString(t, f, "workflow_id"))
		assert.Equal(t, "peer-a", frameString(t, f, "updated_by"))
		assert.JSONEq(t, `{"phase":"rollout"}`, string(f["state"]))
	}
}

func TestRouterLastWriterWins(t *testing.T) {
	rt, reg := newTestRouter(t, nil)
	a := admitTestSession(t, reg, "a", "peer-a", []string{PermWrite, PermRead})
	b := admitTestSession(t, reg, "b", "peer-b", []string{PermWrite, PermRead})

	rt.Handle(context.Background(), a, []byte(`{"type":"workflow_update","workflow_id":"wf","state":{"v":1}}`))
	rt.Handle(context.Background(), b, []byte(`{"type":"workflow_update","workflow_id":"wf","state":{"v":2}}`))

	rt.Handle(context.Background(), a, []byte(`{"type":"sync_request"}`))
	<-a.Outbound() // first workflow_updated
	<-a.Outbound() // second workflow_updated

	resp := recvFrame(t, a)
	var body struct {
		State state.Snapshot `json:"state"`
	}
	full, _ := json.Marshal(resp)
	require.NoError(t, json.Unmarshal(full, &body))
	entry := body.State.Workflows["wf"]
	assert.Equal(t, "peer-b", entry.UpdatedBy)
	assert.JSONEq(t, `{"v":2}`, string(entry.State))
}

func TestRouterRelayUnknownType(t *testing.T) {
	rt, reg := newTestRouter(t, nil)
	a := admitTestSession(t, reg, "a", "peer-a", []string{PermWrite})
	b := admitTestSession(t, reg, "b", "peer-b", []string{PermRead})

	rt.Handle(context.Background(), a, []byte(`{"type":"custom_signal","detail":"ping"}`))

	f := recvFrame(t, b)
	assert.Equal(t, "custom_signal", frameString(t, f, "type"))
	assert.Equal(t, "ping", frameString(t, f, "detail"))
	assert.Equal(t, "peer-a", frameString(t, f, "sender"))

	// Sender never receives its own relayed frame.
	requireEmptyQueue(t, a)
}

func TestRouterRelayRequiresWrite(t *testing.T) {
	rt, reg := newTestRouter(t, nil)
	a := admitTestSession(t, reg, "a", "peer-a", []string{PermRead})
	b := admitTestSession(t, reg, "b", "peer-b", []string{PermRead})

	rt.Handle(context.Background(), a, []byte(`{"type":"custom_signal"}`))

	f := recvFrame(t, a)
	assert.Equal(t, ErrCodePermission, frameString(t, f, "error"))
	requireEmptyQueue(t, b)
}

func TestRouterValidationErrors(t *testing.T) {
	rt, reg := newTestRouter(t, nil)
	a := admitTestSession(t, reg, "a", "peer-a", []string{PermRead, PermWrite, PermExecute})

	cases := []struct {
		name string
		raw  string
	}{
		{"malformed json", `{not json`},
		{"missing type", `{"workflow_id":"wf"}`},
		{"empty type", `{"type":""}`},
		{"workflow update without id", `{"type":"workflow_update","state":{}}`},
		{"workflow update without state", `{"type":"workflow_update","workflow_id":"wf"}`},
		{"collaboration event without payload", `{"type":"collaboration_event","event_type":"note"}`},
		{"tool query without tool", `{"type":"tool_query","query_id":"q1"}`},
		{"subscribe without topics", `{"type":"subscribe"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rt.Handle(context.Background(), a, []byte(tc.raw))
			f := recvFrame(t, a)
			assert.Equal(t, TypeError, frameString(t, f, "type"))
			assert.Equal(t, ErrCodeValidation, frameString(t, f, "error"))
		})
	}
}

func TestRouterToolQuery(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req, "query")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"answer":42}`))
	}))
	defer downstream.Close()

	rt, reg := newTestRouter(t, map[string]string{"search": downstream.URL})
	a := admitTestSession(t, reg, "a", "peer-a", []string{PermExecute})

	rt.Handle(context.Background(), a, []byte(`{"type":"tool_query","tool":"search","query_id":"q1","query":"status"}`))

	f := recvFrame(t, a)
	assert.Equal(t, TypeToolResult, frameString(t, f, "type"))
	assert.Equal(t, "search", frameString(t, f, "tool"))
	assert.Equal(t, "q1", frameString(t, f, "query_id"))
	assert.JSONEq(t, `{"answer":42}`, string(f["result"]))
}

func TestRouterToolQueryUnknownService(t *testing.T) {
	rt, reg := newTestRouter(t, nil)
	a := admitTestSession(t, reg, "a", "peer-a", []string{PermExecute})

	rt.Handle(context.Background(), a, []byte(`{"type":"tool_query","tool":"nonexistent","query_id":"q2"}`))

	f := recvFrame(t, a)
	assert.Equal(t, TypeToolResult, frameString(t, f, "type"))
	assert.Equal(t, ErrCodeDownstream, frameString(t, f, "error"))
}

func TestRouterToolQueryDownstreamFailure(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer downstream.Close()

	rt, reg := newTestRouter(t, map[string]string{"search": downstream.URL})
	a := admitTestSession(t, reg, "a", "peer-a", []string{PermExecute})

	rt.Handle(context.Background(), a, []byte(`{"type":"tool_query","tool":"search","query_id":"q3"}`))

	// Failure comes back as a tool_result, never as a dropped connection.
	f := recvFrame(t, a)
	assert.Equal(t, TypeToolResult, frameString(t, f, "type"))
	assert.Equal(t, ErrCodeDownstream, frameString(t, f, "error"))
	_, live := reg.Get("a")
	assert.True(t, live)
}

func TestRouterSubscribeNarrowsDelivery(t *testing.T) {
	rt, reg := newTestRouter(t, nil)
	a := admitTestSession(t, reg, "a", "peer-a", []string{PermWrite})
	b := admitTestSession(t, reg, "b", "peer-b", []string{PermWrite})

	rt.Handle(context.Background(), b, []byte(`{"type":"subscribe","topics":["deploy"]}`))
	f := recvFrame(t, b)
	assert.Equal(t, TypeSubscribed, frameString(t, f, "type"))

	// b subscribed only to "deploy"; an update to another workflow skips it.
	rt.Handle(context.Background(), a, []byte(`{"type":"workflow_update","workflow_id":"cleanup","state":{}}`))
	<-a.Outbound()
	requireEmptyQueue(t, b)

	rt.Handle(context.Background(), a, []byte(`{"type":"workflow_update","workflow_id":"deploy","state":{}}`))
	<-a.Outbound()
	f = recvFrame(t, b)
	assert.Equal(t, "deploy", frameString(t, f, "workflow_id"))
}

func TestRouterHealthCheck(t *testing.T) {
	rt, reg := newTestRouter(t, nil)
	a := admitTestSession(t, reg, "a", "peer-a", []string{PermRead})

	rt.Handle(context.Background(), a, []byte(`{"type":"health_check"}`))

	f := recvFrame(t, a)
	assert.Equal(t, TypeHealthStatus, frameString(t, f, "type"))

	var snap health.Snapshot
	require.NoError(t, json.Unmarshal(f["snapshot"], &snap))
	assert.Equal(t, 1, snap.SessionCount)
}
