// ABOUTME: Per-connection lifecycle: handshake, ordered read loop, write pump
// ABOUTME: One goroutine reads each connection; a slow client never stalls the rest

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/peer-bridge/internal/auth"
	"github.com/2389/peer-bridge/internal/registry"
)

const (
	// writeWait bounds one outbound write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before the read
	// side gives up; pings go out at pingPeriod to keep it alive.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps one inbound frame.
	maxMessageSize = 256 * 1024
)

// connState tracks the per-connection lifecycle for logging.
type connState int

const (
	stateConnecting connState = iota
	stateAuthenticating
	stateActive
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// closeIntent is the close frame the peer should receive when the session
// ends: stored by Session.Close, delivered by the write pump after the
// outbound queue has drained.
type closeIntent struct {
	code   int
	reason string
}

type connCloser struct {
	intent atomic.Pointer[closeIntent]
}

func (c *connCloser) request(code int, reason string) {
	c.intent.Store(&closeIntent{code: code, reason: reason})
}

func (c *connCloser) get() (int, string) {
	if i := c.intent.Load(); i != nil {
		return i.code, i.reason
	}
	return websocket.CloseNormalClosure, "connection closed"
}

// Peers are headless agents, not browsers; origin checks do not apply.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWS upgrades the connection and runs its lifecycle to completion. The
// handler blocks for the life of the connection so the request context stays
// valid for downstream queries.
func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	b.runConnection(r.Context(), conn, r.RemoteAddr)
}

// runConnection walks the state machine: connecting -> authenticating ->
// active -> closing -> closed.
func (b *Bridge) runConnection(ctx context.Context, conn *websocket.Conn, remoteAddr string) {
	logger := b.logger.With("remote", remoteAddr)
	logger.Debug("connection state", "state", stateAuthenticating.String())

	resp, ok := b.authenticate(conn, remoteAddr)
	if !ok {
		// Handshake failed; resp says why (nil on timeout/transport error,
		// where no frame can be delivered).
		if resp != nil {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteJSON(resp)
			closeConn(conn, websocket.ClosePolicyViolation, resp.Reason)
		}
		_ = conn.Close()
		return
	}

	closer := &connCloser{}
	sess := registry.NewSession(
		resp.SessionID,
		resp.ClientClass,
		b.config.ClassPermissions(resp.ClientClass),
		closer.request,
	)

	logger = logger.With("session_id", sess.ID, "client_class", sess.ClientClass)
	logger.Debug("connection state", "state", stateActive.String())

	go b.writePump(conn, sess, closer)

	// Admission may displace a stale holder of this class's primary slot.
	preempted, err := b.registry.Admit(sess)
	if err != nil {
		// uuid collision cannot realistically happen; treat as internal error.
		logger.Error("session admission failed", "error", err)
		sess.Close(websocket.CloseInternalServerErr, "admission failed")
		return
	}
	if preempted != nil {
		logger.Info("preempting stale primary connection",
			"preempted_session_id", preempted.ID,
		)
		preempted.Close(websocket.CloseNormalClosure, "superseded by new connection")
	}
	b.metrics.ActiveSessions.Inc()

	resp.Permissions = sess.Permissions()
	resp.BridgeInfo = &BridgeInfo{
		Version:            b.version,
		DownstreamServices: b.config.Downstream.Services,
		MessageTypes:       b.router.MessageTypes(),
	}
	b.send(sess, marshalFrame(welcomeFrame{
		envelope:          newEnvelope(TypeWelcome),
		HandshakeResponse: *resp,
	}))

	b.readLoop(ctx, conn, sess, logger)

	// Closing: registry entry removed, primary slot released, rate bucket
	// dropped. The write pump delivers the close frame and tears down TCP.
	logger.Debug("connection state", "state", stateClosing.String())
	sess.Close(websocket.CloseNormalClosure, "connection closed")
	b.registry.Remove(sess.ID)
	b.limiter.Remove(sess.ID)
	b.metrics.ActiveSessions.Dec()
	logger.Debug("connection state", "state", stateClosed.String())
}

// authenticate performs the handshake: the first frame must arrive within the
// handshake timeout and carry a valid credential or session token. Handshake
// attempts are rate-limited by source host to blunt credential stuffing.
// On success the response holds the new session id, class and token; on
// failure it holds the refusal (nil when nothing can be delivered).
func (b *Bridge) authenticate(conn *websocket.Conn, remoteAddr string) (*HandshakeResponse, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(b.config.Timeouts.Handshake))
	conn.SetReadLimit(maxMessageSize)

	_, data, err := conn.ReadMessage()
	if err != nil {
		b.logger.Info("handshake timeout or transport error", "remote", remoteAddr, "error", err)
		closeConn(conn, websocket.ClosePolicyViolation, "handshake timeout")
		return nil, false
	}

	host := remoteAddr
	if h, _, splitErr := net.SplitHostPort(remoteAddr); splitErr == nil {
		host = h
	}
	if !b.limiter.Allow("handshake:" + host) {
		b.metrics.RateLimited.Inc()
		return &HandshakeResponse{Status: StatusRateLimited, Reason: "too many handshake attempts"}, false
	}

	var req HandshakeRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Client == "" {
		return &HandshakeResponse{Status: StatusAuthenticationFailed, Reason: "malformed handshake"}, false
	}

	if !b.security.KnownClass(req.Client) {
		return &HandshakeResponse{Status: StatusAuthenticationFailed, Reason: "unknown client class"}, false
	}

	if !b.security.Authenticate(req.Client, req.Token) {
		// Not the static credential; it may be a previously issued session
		// token for the same class.
		claims, verifyErr := b.security.VerifySessionToken(req.Token)
		switch {
		case verifyErr == nil && claims.ClientClass == req.Client:
			// Re-authentication via session token.
		case errors.Is(verifyErr, auth.ErrExpiredToken):
			return &HandshakeResponse{Status: StatusAuthenticationFailed, Reason: "token_expired"}, false
		default:
			return &HandshakeResponse{Status: StatusAuthenticationFailed, Reason: "invalid credential"}, false
		}
	}

	sessionID := uuid.New().String()
	token, err := b.security.IssueSessionToken(sessionID, req.Client)
	if err != nil {
		// Signing worked at startup; a per-request failure is internal.
		b.logger.Error("session token issuance failed", "error", err)
		return &HandshakeResponse{Status: StatusAuthenticationFailed, Reason: "internal error"}, false
	}

	return &HandshakeResponse{
		Status:       StatusAuthenticated,
		SessionID:    sessionID,
		ClientClass:  req.Client,
		SessionToken: token,
	}, true
}

// readLoop processes inbound frames strictly in arrival order until the
// transport errors or the session is closed.
func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn, sess *registry.Session, logger *slog.Logger) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("transport error", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		// Every inbound frame counts as activity, even ones that are later
		// rejected.
		sess.Touch()

		if !b.limiter.Allow(sess.ID) {
			// Close rather than silently queue, so backpressure is visible.
			// The error frame is queued first; the pump flushes it before
			// the close frame goes out.
			b.metrics.RateLimited.Inc()
			logger.Info("rate limit exceeded, closing connection")
			b.send(sess, newErrorFrame(ErrCodeRateLimit, "frame rate limit exceeded"))
			sess.Close(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		b.router.Handle(ctx, sess, data)

		select {
		case <-sess.Done():
			return
		default:
		}
	}
}

// writePump drains the session's outbound queue onto the wire and keeps the
// connection alive with pings. It is the connection's only writer and owns
// the socket teardown: on session close it flushes the queue, delivers the
// close frame and closes TCP.
func (b *Bridge) writePump(conn *websocket.Conn, sess *registry.Session, closer *connCloser) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case frame := <-sess.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				sess.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sess.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-sess.Done():
			b.flushAndClose(conn, sess, closer)
			return
		}
	}
}

// flushAndClose writes any frames queued before the session closed, then the
// close frame carrying the recorded code and reason.
func (b *Bridge) flushAndClose(conn *websocket.Conn, sess *registry.Session, closer *connCloser) {
	for {
		select {
		case frame := <-sess.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			code, reason := closer.get()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
			return
		}
	}
}

// send enqueues a frame on one session, counting drops.
func (b *Bridge) send(sess *registry.Session, frame []byte) {
	if err := sess.Enqueue(frame); err != nil {
		b.metrics.SendDrops.Inc()
		b.logger.Warn("dropping frame for session", "session_id", sess.ID, "error", err)
	}
}

// closeConn writes a close frame and closes the socket. Only used before a
// session's write pump exists; after that the pump owns all writes.
func closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}
