// Package config handles configuration loading for peer-bridge.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults. The resulting Config
// is set once at startup and never mutated afterwards.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  signing_key: "${BRIDGE_SIGNING_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	timeouts:
//	  handshake: "10s"
//	  idle: "5m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  addr: "0.0.0.0:8765"
//	  cert_file: ""   # TLS served only when both are set
//	  key_file: ""
//
// Authentication:
//
//	auth:
//	  signing_key: "${BRIDGE_SIGNING_KEY}"   # Required
//	  token_ttl: "24h"
//	  credentials:
//	    peer-a: "${PEER_A_CREDENTIAL}"
//	    peer-b: "${PEER_B_CREDENTIAL}"
//	  permissions:
//	    peer-a: [read, write, execute]
//	    peer-b: [read, write, execute]
//
// Rate limiting:
//
//	rate_limit:
//	  capacity: 60
//	  window: "1m"
//
// Downstream tool services probed by the health supervisor:
//
//	downstream:
//	  services:
//	    code-tools: "http://localhost:9001/health"
//	    deploy-tools: "http://localhost:9002/health"
//
// Durable mirror (optional; in-memory state stays authoritative):
//
//	mirror:
//	  path: "/var/lib/peer-bridge/mirror.db"
//	  expiry: "1h"
//
// # Validation
//
// Parse() validates:
//
//   - bind address is a parseable host:port
//   - signing key presence
//   - at least one client class credential
//   - cert/key files set together
//   - duration format validity
package config
