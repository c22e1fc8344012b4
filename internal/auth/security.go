// ABOUTME: Credential verification against the configured per-class table
// ABOUTME: Constant-time comparison, exact match only, no partial credit

package auth

import (
	"crypto/subtle"
	"log/slog"
	"time"
)

// SecurityManager verifies client credentials and issues session tokens.
// The credential table is fixed at construction; there is no runtime
// registration path.
type SecurityManager struct {
	credentials map[string]string
	issuer      *TokenIssuer
	logger      *slog.Logger
}

// NewSecurityManager builds a security manager from the per-class credential
// table and signing secret. An empty secret fails here, at startup.
func NewSecurityManager(credentials map[string]string, signingKey []byte, tokenTTL time.Duration, logger *slog.Logger) (*SecurityManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	issuer, err := NewTokenIssuer(signingKey, tokenTTL)
	if err != nil {
		return nil, err
	}

	creds := make(map[string]string, len(credentials))
	for class, cred := range credentials {
		creds[class] = cred
	}

	return &SecurityManager{
		credentials: creds,
		issuer:      issuer,
		logger:      logger.With("component", "security"),
	}, nil
}

// Authenticate checks the presented credential against the expected value for
// the class. Comparison is constant-time; an unknown class compares against an
// empty string and fails.
func (s *SecurityManager) Authenticate(clientClass, presented string) bool {
	expected, known := s.credentials[clientClass]
	match := subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1

	if !known || !match {
		s.logger.Warn("credential rejected", "client_class", clientClass, "known_class", known)
		return false
	}

	s.logger.Info("credential accepted", "client_class", clientClass)
	return true
}

// KnownClass reports whether the class has a configured credential.
func (s *SecurityManager) KnownClass(clientClass string) bool {
	_, ok := s.credentials[clientClass]
	return ok
}

// IssueSessionToken produces a signed token binding sessionID and clientClass,
// usable for later re-authentication without resending the credential.
func (s *SecurityManager) IssueSessionToken(sessionID, clientClass string) (string, error) {
	return s.issuer.Issue(sessionID, clientClass)
}

// VerifySessionToken validates a previously issued session token.
// Returns ErrExpiredToken or ErrInvalidToken for the two failure modes.
func (s *SecurityManager) VerifySessionToken(token string) (*Claims, error) {
	return s.issuer.Verify(token)
}
