// ABOUTME: Wire frame types and envelope handling for the bridge protocol
// ABOUTME: Known frames are typed; unknown frames stay raw maps for verbatim relay

package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/peer-bridge/internal/health"
	"github.com/2389/peer-bridge/internal/state"
)

// Message types the router recognizes. Every other type is relayed verbatim
// to the other active sessions.
const (
	TypeSyncRequest        = "sync_request"
	TypeWorkflowUpdate     = "workflow_update"
	TypeToolQuery          = "tool_query"
	TypeCollaborationEvent = "collaboration_event"
	TypeHealthCheck        = "health_check"
	TypeSubscribe          = "subscribe"

	TypeWelcome         = "welcome"
	TypeSyncResponse    = "sync_response"
	TypeWorkflowUpdated = "workflow_updated"
	TypeToolResult      = "tool_result"
	TypeHealthStatus    = "health_status"
	TypeSubscribed      = "subscribed"
	TypeError           = "error"
)

// Error codes carried in error frames, mirroring the failure taxonomy.
const (
	ErrCodeAuthentication = "authentication_error"
	ErrCodeRateLimit      = "rate_limit"
	ErrCodePermission     = "permission_denied"
	ErrCodeValidation     = "validation_error"
	ErrCodeDownstream     = "downstream_unavailable"
)

// Handshake statuses.
const (
	StatusAuthenticated        = "authenticated"
	StatusAuthenticationFailed = "authentication_failed"
	StatusRateLimited          = "rate_limited"
)

// HandshakeRequest is the first (and only pre-auth) frame a client sends.
type HandshakeRequest struct {
	Client string `json:"client"`
	Token  string `json:"token"`
}

// BridgeInfo describes the bridge to a freshly authenticated client.
type BridgeInfo struct {
	Version            string            `json:"version"`
	DownstreamServices map[string]string `json:"downstream_services"`
	MessageTypes       []string          `json:"message_types"`
}

// HandshakeResponse answers the handshake. On failure only Status and Reason
// are populated.
type HandshakeResponse struct {
	Status       string      `json:"status"`
	Reason       string      `json:"reason,omitempty"`
	SessionID    string      `json:"session_id,omitempty"`
	ClientClass  string      `json:"client_class,omitempty"`
	SessionToken string      `json:"session_token,omitempty"`
	Permissions  []string    `json:"permissions,omitempty"`
	BridgeInfo   *BridgeInfo `json:"bridge_info,omitempty"`
}

// Frame is one decoded inbound envelope. Fields holds the full original
// payload so unrecognized types can be relayed verbatim.
type Frame struct {
	Type   string
	Fields map[string]json.RawMessage
}

// decodeFrame parses an inbound message into a Frame. A missing or non-string
// type is a validation failure.
func decodeFrame(data []byte) (*Frame, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}

	rawType, ok := fields["type"]
	if !ok {
		return nil, fmt.Errorf("frame has no type")
	}
	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil || typ == "" {
		return nil, fmt.Errorf("frame type must be a non-empty string")
	}

	return &Frame{Type: typ, Fields: fields}, nil
}

// String extracts a string field from the frame.
func (f *Frame) String(key string) (string, bool) {
	raw, ok := f.Fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// StringSlice extracts a []string field from the frame.
func (f *Frame) StringSlice(key string) ([]string, bool) {
	raw, ok := f.Fields[key]
	if !ok {
		return nil, false
	}
	var s []string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false
	}
	return s, true
}

// relayPayload re-encodes the original frame with sender attribution and a
// fresh timestamp, leaving every other field untouched.
func (f *Frame) relayPayload(senderClass string) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(f.Fields)+2)
	for k, v := range f.Fields {
		out[k] = v
	}
	sender, err := json.Marshal(senderClass)
	if err != nil {
		return nil, err
	}
	out["sender"] = sender
	out["timestamp"] = stampNow()
	return json.Marshal(out)
}

// envelope is the common server->client frame shape.
type envelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func newEnvelope(typ string) envelope {
	return envelope{Type: typ, Timestamp: time.Now().UnixMilli()}
}

func stampNow() json.RawMessage {
	return json.RawMessage(fmt.Sprintf("%d", time.Now().UnixMilli()))
}

// syncResponseFrame carries the full shared-state snapshot.
type syncResponseFrame struct {
	envelope
	State state.Snapshot `json:"state"`
}

// workflowUpdatedFrame is the broadcast after an applied workflow update.
type workflowUpdatedFrame struct {
	envelope
	WorkflowID string          `json:"workflow_id"`
	State      json.RawMessage `json:"state"`
	UpdatedBy  string          `json:"updated_by"`
}

// collaborationEventFrame is the broadcast after an applied collaboration event.
type collaborationEventFrame struct {
	envelope
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Source    string          `json:"source"`
}

// toolResultFrame relays a downstream response to the requester only.
type toolResultFrame struct {
	envelope
	Tool    string          `json:"tool"`
	QueryID string          `json:"query_id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// healthStatusFrame carries a health snapshot.
type healthStatusFrame struct {
	envelope
	Snapshot health.Snapshot `json:"snapshot"`
}

// subscribedFrame acknowledges a topic subscription change.
type subscribedFrame struct {
	envelope
	Topics []string `json:"topics"`
}

// welcomeFrame confirms a successful handshake.
type welcomeFrame struct {
	envelope
	HandshakeResponse
}

// errorFrame tells a client why a request failed. The connection stays open
// except where the router escalates to a close.
type errorFrame struct {
	envelope
	ErrorCode string `json:"error"`
	Message   string `json:"message"`
}

func marshalFrame(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Frame types marshal from plain structs and raw JSON; failure here
		// means a programming error, not bad input.
		panic(fmt.Sprintf("marshaling frame: %v", err))
	}
	return data
}

func newErrorFrame(code, message string) []byte {
	return marshalFrame(errorFrame{envelope: newEnvelope(TypeError), ErrorCode: code, Message: message})
}
