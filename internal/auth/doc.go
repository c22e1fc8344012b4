// Package auth provides authentication for peer-bridge clients.
//
// # Authentication Methods
//
// Two credentials are accepted on the handshake:
//
//   - Static per-class credentials: each client class (e.g. "peer-a") has one
//     expected credential configured at startup. Comparison is constant-time
//     and exact; there is no partial credit.
//
//   - Session tokens: after a successful credential handshake the bridge
//     issues a signed, time-boxed token binding the session id and client
//     class. Clients may present it on reconnect instead of the credential.
//
// # Token Management
//
// Tokens are HS256 JWTs signed with auth.signing_key:
//
//	token, err := mgr.IssueSessionToken(sessionID, clientClass)
//	claims, err := mgr.VerifySessionToken(token)
//
// Verification is three-way: success, ErrExpiredToken (ask the client to
// re-present its credential), or ErrInvalidToken (reject outright). A missing
// signing key fails at startup, never per-request.
package auth
