package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/anvil/internal/observability"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPTransport posts JSON-RPC requests to a streamable-HTTP MCP
// endpoint. Notifications arrive only as direct responses here; servers
// needing a push channel use the stdio transport.
type HTTPTransport struct {
	config *ServerConfig
	logger *observability.Logger
	client *http.Client

	events    chan *JSONRPCNotification
	connected atomic.Bool
}

// NewHTTPTransport creates an HTTP transport for one server.
func NewHTTPTransport(cfg *ServerConfig, logger *observability.Logger) *HTTPTransport {
	if logger == nil {
		logger = observability.Nop()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPTransport{
		config: cfg,
		logger: logger.WithFields("mcp_server", cfg.Name, "transport", "http"),
		client: &http.Client{Timeout: timeout},
		events: make(chan *JSONRPCNotification, 100),
	}
}

// Connect marks the transport ready. The endpoint is only probed by the
// client's initialize call, so a dead URL surfaces there.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("URL is required for http transport")
	}
	t.connected.Store(true)
	t.logger.Info(ctx, "http transport ready", "url", t.config.URL)
	return nil
}

// Close marks the transport disconnected.
func (t *HTTPTransport) Close() error {
	t.connected.Store(false)
	return nil
}

// Call posts one request and decodes the response body.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	req := JSONRPCRequest{JSONRPC: "2.0", ID: uuid.New().String(), Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	body, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// Notify posts one notification and discards the body.
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}
	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}
	_, err := t.post(ctx, notif)
	return err
}

func (t *HTTPTransport) Events() <-chan *JSONRPCNotification { return t.events }

func (t *HTTPTransport) Connected() bool { return t.connected.Load() }

func (t *HTTPTransport) post(ctx context.Context, msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
