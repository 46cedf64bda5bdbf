package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// httpTransport implements the HTTP and SSE transports. Both POST JSON-RPC
// frames to the server URL; the SSE variant additionally understands
// event-stream response bodies and `event: endpoint` announcements that
// redirect subsequent POSTs.
type httpTransport struct {
	config *ServerConfig
	logger *slog.Logger
	client *http.Client
	sse    bool

	mu        sync.Mutex
	postURL   string
	sessionID string

	connected atomic.Bool
}

func newHTTPTransport(cfg *ServerConfig, sse bool) *httpTransport {
	name := "http"
	if sse {
		name = "sse"
	}
	return &httpTransport{
		config: cfg,
		logger: slog.Default().With("mcp_server", cfg.ID, "transport", name),
		client: &http.Client{Timeout: cfg.RequestTimeout()},
		sse:    sse,
	}
}

// Connect marks the transport ready. The protocol handshake is driven by the
// client through Call/Notify.
func (t *httpTransport) Connect(ctx context.Context) error {
	if t.config.HTTP == nil || t.config.HTTP.URL == "" {
		return fmt.Errorf("URL is required for %s transport", t.config.Transport)
	}
	t.mu.Lock()
	t.postURL = t.config.HTTP.URL
	t.sessionID = ""
	t.mu.Unlock()
	t.connected.Store(true)
	t.logger.Info("transport ready", "url", t.config.HTTP.URL)
	return nil
}

func (t *httpTransport) Close() error {
	t.connected.Store(false)
	return nil
}

// SessionID returns the session identifier issued by the server, if any.
func (t *httpTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Call posts a request and decodes the matching response. When the server
// answers with an endpoint announcement instead of a payload, the request is
// re-issued once against the announced endpoint.
func (t *httpTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	req := Request{JSONRPC: "2.0", ID: uuid.New().String(), Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}
	body, _ := json.Marshal(req)

	resp, redirected, err := t.post(ctx, body)
	if err != nil {
		return nil, err
	}
	if resp == nil && redirected {
		// Endpoint announced mid-handshake; retry against the new POST URL.
		resp, _, err = t.post(ctx, body)
		if err != nil {
			return nil, err
		}
	}
	if resp == nil {
		return nil, fmt.Errorf("no JSON-RPC response for %s", method)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Notify posts a notification and discards the body apart from session state.
func (t *httpTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}
	notif := Notification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}
	body, _ := json.Marshal(notif)
	_, _, err := t.post(ctx, body)
	return err
}

func (t *httpTransport) Connected() bool {
	return t.connected.Load()
}

// post performs one HTTP exchange. It returns the decoded JSON-RPC response
// when the body held one, and whether an endpoint announcement moved the
// POST URL.
func (t *httpTransport) post(ctx context.Context, body []byte) (*Response, bool, error) {
	t.mu.Lock()
	target := t.postURL
	session := t.sessionID
	t.mu.Unlock()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if session != "" {
		httpReq.Header.Set(SessionHeader, session)
	}
	for k, v := range t.config.HTTP.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, false, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	if sid := httpResp.Header.Get(SessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
		t.logger.Debug("session id received", "session_id", sid)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, false, fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, strings.TrimSpace(string(payload)))
	}

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, false, nil
	}

	// Plain JSON first; both variants allow it.
	var resp Response
	if err := json.Unmarshal(raw, &resp); err == nil && (resp.Result != nil || resp.Error != nil || resp.ID != nil) {
		return &resp, false, nil
	}

	if !t.sse {
		return nil, false, fmt.Errorf("malformed JSON-RPC response: %s", preview(raw))
	}
	return t.parseEventStream(raw)
}

// parseEventStream scans an SSE body. Each `data:` payload is a complete
// JSON-RPC message; an `event: endpoint` frame re-points the POST URL.
func (t *httpTransport) parseEventStream(raw []byte) (*Response, bool, error) {
	var (
		eventName string
		dataLines []string
		result    *Response
		moved     bool
	)

	flush := func() {
		if len(dataLines) == 0 {
			eventName = ""
			return
		}
		data := strings.Join(dataLines, "\n")
		dataLines = nil
		name := eventName
		eventName = ""

		if strings.EqualFold(name, "endpoint") {
			if t.moveEndpoint(strings.TrimSpace(data)) {
				moved = true
			}
			return
		}
		if result != nil || data == "" || data == "[DONE]" {
			return
		}
		var resp Response
		if err := json.Unmarshal([]byte(data), &resp); err == nil && (resp.Result != nil || resp.Error != nil || resp.ID != nil) {
			result = &resp
			return
		}
		t.logger.Warn("dropping malformed SSE data frame", "data_len", len(data))
	}

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
		// Other fields (id:, retry:, comments) are ignored.
	}
	flush()

	if result == nil && !moved {
		return nil, false, fmt.Errorf("SSE body held no JSON-RPC response")
	}
	return result, moved, nil
}

// moveEndpoint resolves an endpoint announcement against the base URL and
// installs it as the new POST target.
func (t *httpTransport) moveEndpoint(target string) bool {
	if target == "" {
		return false
	}
	resolved := target
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		base, err := url.Parse(t.config.HTTP.URL)
		if err != nil {
			t.logger.Warn("endpoint announcement with unparsable base", "error", err)
			return false
		}
		ref, err := url.Parse(target)
		if err != nil {
			t.logger.Warn("unparsable endpoint announcement", "data", target)
			return false
		}
		resolved = base.ResolveReference(ref).String()
	}
	t.mu.Lock()
	t.postURL = resolved
	t.mu.Unlock()
	t.logger.Info("endpoint announced", "post_url", resolved)
	return true
}

func preview(raw []byte) string {
	const max = 200
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max]) + "..."
}
