package mcp

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/anvil/internal/observability"
)

// Transport is the wire layer under a client: JSON-RPC requests out,
// responses and notifications in.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error

	// Call sends a request and waits for its response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification; no response is expected.
	Notify(ctx context.Context, method string, params any) error

	// Events delivers server-initiated notifications.
	Events() <-chan *JSONRPCNotification

	Connected() bool
}

// NewTransport builds the transport matching the server config.
func NewTransport(cfg *ServerConfig, logger *observability.Logger) Transport {
	if cfg.Transport == TransportHTTP {
		return NewHTTPTransport(cfg, logger)
	}
	return NewStdioTransport(cfg, logger)
}
