package mcp

import (
	"context"
	"encoding/json"
)

// Transport carries JSON-RPC frames to one server. Implementations own the
// session state their protocol requires (subprocess handles, session ids).
type Transport interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Close tears the connection down.
	Close() error

	// Call sends a request and waits for the matching response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification; no response is expected.
	Notify(ctx context.Context, method string, params any) error

	// Connected reports whether the transport is usable.
	Connected() bool
}

// NewTransport builds the transport variant matching the configuration.
func NewTransport(cfg *ServerConfig) Transport {
	switch cfg.Transport {
	case TransportHTTP:
		return newHTTPTransport(cfg, false)
	case TransportSSE:
		return newHTTPTransport(cfg, true)
	default:
		return newPipeTransport(cfg)
	}
}
