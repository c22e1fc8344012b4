// ABOUTME: Typed dispatch table routing inbound frames to handlers or relay
// ABOUTME: Enforces per-message-type permissions; unknown types relay to peers

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/peer-bridge/internal/health"
	"github.com/2389/peer-bridge/internal/registry"
	"github.com/2389/peer-bridge/internal/state"
)

// queryTimeout bounds one forwarded downstream tool query.
const queryTimeout = 10 * time.Second

// Permission tokens required per message type.
const (
	PermRead    = "read"
	PermWrite   = "write"
	PermExecute = "execute"
)

// route pairs a message type's required permission with its handler.
type route struct {
	permission string
	handler    func(ctx context.Context, s *registry.Session, f *Frame)
}

// Router dispatches inbound frames. The dispatch table is built once at
// startup; frames with unrecognized types take the relay default so peers can
// exchange opaque application-level messages through the bridge.
type Router struct {
	routes     map[string]route
	registry   *registry.Registry
	store      *state.Store
	supervisor *health.Supervisor
	downstream map[string]string
	client     *http.Client
	metrics    *Metrics
	logger     *slog.Logger
}

// newRouter builds the dispatch table.
func newRouter(reg *registry.Registry, store *state.Store, supervisor *health.Supervisor, downstream map[string]string, metrics *Metrics, logger *slog.Logger) *Router {
	rt := &Router{
		registry:   reg,
		store:      store,
		supervisor: supervisor,
		downstream: downstream,
		client:     &http.Client{Timeout: queryTimeout},
		metrics:    metrics,
		logger:     logger.With("component", "router"),
	}

	rt.routes = map[string]route{
		TypeSyncRequest:        {permission: PermRead, handler: rt.handleSyncRequest},
		TypeWorkflowUpdate:     {permission: PermWrite, handler: rt.handleWorkflowUpdate},
		TypeCollaborationEvent: {permission: PermWrite, handler: rt.handleCollaborationEvent},
		TypeToolQuery:          {permission: PermExecute, handler: rt.handleToolQuery},
		TypeHealthCheck:        {permission: PermRead, handler: rt.handleHealthCheck},
		TypeSubscribe:          {permission: PermWrite, handler: rt.handleSubscribe},
	}
	return rt
}

// MessageTypes lists the types the router recognizes, for the welcome frame.
func (rt *Router) MessageTypes() []string {
	types := make([]string, 0, len(rt.routes))
	for t := range rt.routes {
		types = append(types, t)
	}
	return types
}

// Handle processes one inbound message from an authenticated session.
// Malformed frames and missing permissions answer with an error frame and
// leave the connection open; only the caller ever escalates to a close.
func (rt *Router) Handle(ctx context.Context, s *registry.Session, raw []byte) {
	frame, err := decodeFrame(raw)
	if err != nil {
		rt.send(s, newErrorFrame(ErrCodeValidation, err.Error()))
		return
	}

	r, known := rt.routes[frame.Type]
	if !known {
		rt.relay(s, frame)
		return
	}

	if !s.HasPermission(r.permission) {
		rt.logger.Debug("permission denied",
			"session_id", s.ID,
			"type", frame.Type,
			"required", r.permission,
		)
		rt.send(s, newErrorFrame(ErrCodePermission, "missing permission: "+r.permission))
		return
	}

	rt.metrics.FramesRouted.WithLabelValues(frame.Type).Inc()
	r.handler(ctx, s, frame)
}

// relay forwards an unrecognized frame verbatim to all other subscribed
// sessions, adding sender attribution. The sender never receives its own
// frame back.
func (rt *Router) relay(s *registry.Session, frame *Frame) {
	if !s.HasPermission(PermWrite) {
		rt.send(s, newErrorFrame(ErrCodePermission, "missing permission: "+PermWrite))
		return
	}

	payload, err := frame.relayPayload(s.ClientClass)
	if err != nil {
		rt.send(s, newErrorFrame(ErrCodeValidation, "frame cannot be relayed"))
		return
	}

	rt.metrics.FramesRelayed.Inc()
	rt.registry.Broadcast(func(peer *registry.Session) bool {
		return peer.ID != s.ID && peer.SubscribedTo(frame.Type)
	}, payload)
}

func (rt *Router) handleSyncRequest(_ context.Context, s *registry.Session, _ *Frame) {
	rt.send(s, marshalFrame(syncResponseFrame{
		envelope: newEnvelope(TypeSyncResponse),
		State:    rt.store.Snapshot(),
	}))
}

func (rt *Router) handleWorkflowUpdate(_ context.Context, s *registry.Session, f *Frame) {
	workflowID, ok := f.String("workflow_id")
	if !ok || workflowID == "" {
		rt.send(s, newErrorFrame(ErrCodeValidation, "workflow_update requires workflow_id"))
		return
	}
	stateBlob, ok := f.Fields["state"]
	if !ok {
		rt.send(s, newErrorFrame(ErrCodeValidation, "workflow_update requires state"))
		return
	}

	entry := rt.store.ApplyWorkflowUpdate(workflowID, json.RawMessage(stateBlob), s.ClientClass)

	rt.registry.Broadcast(func(peer *registry.Session) bool {
		return peer.SubscribedTo(workflowID)
	}, marshalFrame(workflowUpdatedFrame{
		envelope:   newEnvelope(TypeWorkflowUpdated),
		WorkflowID: workflowID,
		State:      entry.State,
		UpdatedBy:  entry.UpdatedBy,
	}))
}

func (rt *Router) handleCollaborationEvent(_ context.Context, s *registry.Session, f *Frame) {
	eventType, ok := f.String("event_type")
	if !ok || eventType == "" {
		rt.send(s, newErrorFrame(ErrCodeValidation, "collaboration_event requires event_type"))
		return
	}
	payload, ok := f.Fields["payload"]
	if !ok {
		rt.send(s, newErrorFrame(ErrCodeValidation, "collaboration_event requires payload"))
		return
	}

	entry := rt.store.ApplyCollaborationEvent(eventType, json.RawMessage(payload), s.ClientClass)

	rt.registry.Broadcast(func(peer *registry.Session) bool {
		return peer.SubscribedTo(eventType)
	}, marshalFrame(collaborationEventFrame{
		envelope:  newEnvelope(TypeCollaborationEvent),
		EventType: eventType,
		Payload:   entry.Payload,
		Source:    entry.Source,
	}))
}

// handleToolQuery forwards a query to the named downstream service and relays
// the response back to the requester only. Downstream failure is reported in
// the tool_result, never escalated beyond this session.
func (rt *Router) handleToolQuery(ctx context.Context, s *registry.Session, f *Frame) {
	tool, ok := f.String("tool")
	if !ok || tool == "" {
		rt.send(s, newErrorFrame(ErrCodeValidation, "tool_query requires tool"))
		return
	}
	queryID, _ := f.String("query_id")

	url, ok := rt.downstream[tool]
	if !ok {
		rt.send(s, marshalFrame(toolResultFrame{
			envelope: newEnvelope(TypeToolResult),
			Tool:     tool,
			QueryID:  queryID,
			Error:    ErrCodeDownstream,
			Message:  "unknown downstream service: " + tool,
		}))
		return
	}

	result, err := rt.forwardQuery(ctx, url, f)
	if err != nil {
		rt.logger.Warn("downstream query failed", "tool", tool, "url", url, "error", err)
		rt.send(s, marshalFrame(toolResultFrame{
			envelope: newEnvelope(TypeToolResult),
			Tool:     tool,
			QueryID:  queryID,
			Error:    ErrCodeDownstream,
			Message:  err.Error(),
		}))
		return
	}

	rt.send(s, marshalFrame(toolResultFrame{
		envelope: newEnvelope(TypeToolResult),
		Tool:     tool,
		QueryID:  queryID,
		Result:   result,
	}))
}

// forwardQuery POSTs the original frame to the downstream service and returns
// its body as JSON (quoting it if the service answered with plain text).
func (rt *Router) forwardQuery(ctx context.Context, url string, f *Frame) (json.RawMessage, error) {
	body, err := json.Marshal(f.Fields)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := rt.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &health.UnreachableError{URL: url, StatusCode: resp.StatusCode}
	}

	if json.Valid(data) {
		return json.RawMessage(data), nil
	}
	quoted, err := json.Marshal(string(data))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(quoted), nil
}

// handleHealthCheck replies synchronously with a fresh snapshot instead of
// waiting for the next supervisor tick.
func (rt *Router) handleHealthCheck(ctx context.Context, s *registry.Session, _ *Frame) {
	rt.send(s, marshalFrame(healthStatusFrame{
		envelope: newEnvelope(TypeHealthStatus),
		Snapshot: rt.supervisor.Check(ctx),
	}))
}

func (rt *Router) handleSubscribe(_ context.Context, s *registry.Session, f *Frame) {
	topics, ok := f.StringSlice("topics")
	if !ok || len(topics) == 0 {
		rt.send(s, newErrorFrame(ErrCodeValidation, "subscribe requires a non-empty topics list"))
		return
	}

	s.SetTopics(topics)
	rt.send(s, marshalFrame(subscribedFrame{
		envelope: newEnvelope(TypeSubscribed),
		Topics:   s.Topics(),
	}))
}

// send enqueues a frame for one session, logging (not raising) failures.
func (rt *Router) send(s *registry.Session, frame []byte) {
	if err := s.Enqueue(frame); err != nil {
		rt.metrics.SendDrops.Inc()
		rt.logger.Warn("dropping frame for session", "session_id", s.ID, "error", err)
	}
}
