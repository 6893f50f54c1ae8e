package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"

	"go.uber.org/zap"

	"mcphub-go/internal/config"
)

const (
	rpcPath    = "/mcp"
	healthPath = "/health"

	// maxResponseSize bounds one HTTP response body
	maxResponseSize = 10 * 1024 * 1024
)

// httpTransport speaks JSON-RPC over HTTP POST against a base URL.
type httpTransport struct {
	cfg    *config.ServerConfig
	logger *zap.Logger
	client *http.Client

	rpcURL    string
	healthURL string

	connected atomic.Bool
	nextID    atomic.Int64
}

func newHTTPTransport(cfg *config.ServerConfig, logger *zap.Logger) (Transport, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("http transport for %q: invalid base url %q", cfg.Name, cfg.URL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &httpTransport{
		cfg:    cfg,
		logger: logger.Named("http").With(zap.String("server", cfg.Name)),
		client: &http.Client{
			Transport: &http.Transport{
				IdleConnTimeout:     config.HTTPIdleConnTimeout,
				MaxIdleConnsPerHost: 4,
			},
		},
		rpcURL:    base.JoinPath(rpcPath).String(),
		healthURL: base.JoinPath(healthPath).String(),
	}, nil
}

// Connect performs a health-check GET followed by the initialize POST.
func (t *httpTransport) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.healthURL, http.NoBody)
	if err != nil {
		return newError(KindConnection, t.cfg.Name, err)
	}
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return newError(KindConnection, t.cfg.Name, fmt.Errorf("health check failed: %w", err))
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize)) //nolint:errcheck
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return newError(KindHTTPStatus, t.cfg.Name,
			fmt.Errorf("health check returned status %d", resp.StatusCode))
	}

	if _, err := t.send(ctx, MethodInitialize, newInitializeParams()); err != nil {
		return fmt.Errorf("initialize handshake failed: %w", err)
	}

	t.connected.Store(true)
	t.logger.Debug("Connected", zap.String("url", t.cfg.URL))
	return nil
}

func (t *httpTransport) IsConnected() bool {
	return t.connected.Load()
}

// Send issues one POST with the JSON-RPC envelope.
func (t *httpTransport) Send(ctx context.Context, method string, params any) (*Response, error) {
	if !t.connected.Load() {
		return nil, newError(KindConnection, t.cfg.Name, ErrNotConnected)
	}
	return t.send(ctx, method, params)
}

// send is Send without the connected gate, so Connect can reuse it for the
// handshake.
func (t *httpTransport) send(ctx context.Context, method string, params any) (*Response, error) {
	id := t.nextID.Add(1)
	body, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		return nil, newError(KindMalformed, t.cfg.Name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, newError(KindConnection, t.cfg.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	httpResp, err := t.client.Do(req)
	if err != nil {
		return nil, newError(KindConnection, t.cfg.Name, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, newError(KindConnection, t.cfg.Name, fmt.Errorf("reading response body: %w", err))
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, newError(KindHTTPStatus, t.cfg.Name,
			fmt.Errorf("status %d: %s", httpResp.StatusCode, truncate(data, 256)))
	}

	resp, err := decodeResponse(t.cfg.Name, data)
	if err != nil {
		return nil, err
	}
	if resp.ID != id {
		return nil, newError(KindMalformed, t.cfg.Name,
			fmt.Errorf("response id %d does not match request id %d", resp.ID, id))
	}
	return resp, nil
}

// Close releases pooled connections; HTTP has nothing else to tear down.
func (t *httpTransport) Close() error {
	t.connected.Store(false)
	t.client.CloseIdleConnections()
	return nil
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
