package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/agentfabric/meshrt/core"
	"github.com/agentfabric/meshrt/protocol"
)

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	BaseURL            string
	Path               string // defaults to "/"
	ContentType        string // defaults to application/json
	Headers            func(ctx context.Context) (map[string]string, error)
	HealthProbe        bool
	HealthTimeout      time.Duration // defaults to 5s
	NotificationTimeout time.Duration // defaults to 2s
	RequestTimeout     time.Duration // defaults to 30s
	Telemetry          core.Telemetry
}

// HTTPTransport is the request/response Transport variant: Send POSTs
// the serialised payload and synthesises a RESPONSE from the reply for
// REQUESTs, and fires a short, bounded-timeout POST with no reply for
// NOTIFICATIONs. Receive is unsupported — this variant has no background
// reader to drain.
type HTTPTransport struct {
	config HTTPConfig
	client *http.Client

	mu          sync.Mutex
	connected   bool
	onMessage   MessageHandler
	onError     ErrorHandler
}

// NewHTTPTransport builds an HTTPTransport.
func NewHTTPTransport(config HTTPConfig) *HTTPTransport {
	if config.Path == "" {
		config.Path = "/"
	}
	if config.ContentType == "" {
		config.ContentType = "application/json"
	}
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = 5 * time.Second
	}
	if config.NotificationTimeout <= 0 {
		config.NotificationTimeout = 2 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.Telemetry == nil {
		config.Telemetry = core.NoOpTelemetry{}
	}
	return &HTTPTransport{config: config, client: &http.Client{}}
}

func (t *HTTPTransport) Connect(ctx context.Context) error {
	if t.config.HealthProbe {
		probeCtx, cancel := context.WithTimeout(ctx, t.config.HealthTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, t.config.BaseURL+"/health", nil)
		if err == nil {
			if resp, err := t.client.Do(req); err == nil {
				resp.Body.Close()
			}
			// non-200 on the health probe is tolerated.
		}
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *HTTPTransport) Disconnect(context.Context) error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return nil
}

func (t *HTTPTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *HTTPTransport) OnMessage(handler MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = handler
}

func (t *HTTPTransport) OnError(handler ErrorHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = handler
}

func (t *HTTPTransport) emitError(err error) {
	t.mu.Lock()
	handler := t.onError
	t.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

func (t *HTTPTransport) Send(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	ctx, span := t.config.Telemetry.StartSpan(ctx, "transport.http.send")
	defer span.End()
	span.SetAttribute("message.type", string(msg.Type))

	headers := map[string]string{}
	if t.config.Headers != nil {
		h, err := t.config.Headers(ctx)
		if err != nil {
			return nil, err
		}
		headers = h
	}

	timeout := t.config.RequestTimeout
	if msg.Type == protocol.TypeNotification {
		timeout = t.config.NotificationTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, core.NewFrameworkError("send", core.KindValidation, msg.ID, "invalid message", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.config.BaseURL+t.config.Path, bytes.NewReader(body))
	if err != nil {
		return nil, core.NewFrameworkError("send", core.KindConnectionError, msg.ID, "invalid request", err)
	}
	req.Header.Set("Content-Type", t.config.ContentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		kind := core.KindConnectionError
		if reqCtx.Err() != nil {
			kind = core.KindTimeout
		}
		wrapped := core.NewFrameworkError("send", kind, msg.ID, "request failed", err)
		span.RecordError(wrapped)
		t.emitError(wrapped)
		return nil, wrapped
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := core.NewFrameworkError("send", core.KindConnectionError, msg.ID,
			fmt.Sprintf("status %d: %s", resp.StatusCode, string(respBody)), core.ErrConnectionError)
		span.RecordError(err)
		t.emitError(err)
		return nil, err
	}

	if msg.Type == protocol.TypeNotification {
		return nil, nil
	}

	response := protocol.Message{
		ID:      msg.ID,
		Type:    protocol.TypeResponse,
		Payload: respBody,
	}
	return &response, nil
}

// Address returns the base URL this transport sends to, for callers (the
// agent Builder) that register it with a service registry.
func (t *HTTPTransport) Address() string { return t.config.BaseURL }

var _ Transport = (*HTTPTransport)(nil)
