package transport

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentfabric/meshrt/core"
	"github.com/agentfabric/meshrt/protocol"
)

// StreamConfig configures a StreamTransport.
type StreamConfig struct {
	URL string

	RequestTimeout time.Duration // defaults to 30s
	PingInterval   time.Duration // defaults to 30s
	PingTimeout    time.Duration // defaults to 10s

	// Reconnect controls automatic reconnection after the connection
	// drops. Disabled when Reconnect is false.
	Reconnect       bool
	ReconnectDelay  time.Duration // base delay, defaults to 1s
	ReconnectMaxDelay time.Duration // cap, defaults to 30s
	MaxReconnectAttempts int       // 0 means unbounded

	ConnectionParams func(ctx context.Context) (url.Values, error)
	Telemetry        core.Telemetry
}

type pendingFuture struct {
	resultCh chan protocol.Message
}

// StreamTransport is the persistent-bidirectional Transport variant. A
// background reader drains inbound frames: RESPONSE frames matching a
// pending request id resolve that request's future, everything else is
// delivered to the registered MessageHandler. On connection loss, every
// pending future is completed with CONNECTION_ERROR and, if enabled,
// reconnection is attempted with exponential backoff.
type StreamTransport struct {
	config StreamConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closing   bool
	pending   map[string]*pendingFuture
	onMessage MessageHandler
	onError   ErrorHandler

	writeMu sync.Mutex

	reconnectAttempt int
	readerDone       chan struct{}
}

// NewStreamTransport builds a StreamTransport dialing config.URL on
// Connect.
func NewStreamTransport(config StreamConfig) *StreamTransport {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = 10 * time.Second
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = time.Second
	}
	if config.ReconnectMaxDelay <= 0 {
		config.ReconnectMaxDelay = 30 * time.Second
	}
	if config.Telemetry == nil {
		config.Telemetry = core.NoOpTelemetry{}
	}
	return &StreamTransport{config: config, pending: make(map[string]*pendingFuture)}
}

func (t *StreamTransport) dialURL(ctx context.Context) (string, error) {
	raw := t.config.URL
	if t.config.ConnectionParams == nil {
		return raw, nil
	}
	params, err := t.config.ConnectionParams(ctx)
	if err != nil {
		return "", err
	}
	if len(params) == 0 {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *StreamTransport) Connect(ctx context.Context) error {
	dialAddr, err := t.dialURL(ctx)
	if err != nil {
		return core.NewFrameworkError("connect", core.KindConnectionError, "", "invalid connection params", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialAddr, nil)
	if err != nil {
		wrapped := core.NewFrameworkError("connect", core.KindConnectionError, "", "dial failed", err)
		t.emitError(wrapped)
		return wrapped
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.closing = false
	t.reconnectAttempt = 0
	t.readerDone = make(chan struct{})
	done := t.readerDone
	t.mu.Unlock()

	go t.writePump(conn)
	go t.readPump(conn, done)

	return nil
}

func (t *StreamTransport) Disconnect(context.Context) error {
	t.mu.Lock()
	t.closing = true
	conn := t.conn
	t.connected = false
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	t.failAllPending(core.NewFrameworkError("disconnect", core.KindConnectionError, "", "transport disconnected", core.ErrConnectionError))
	return nil
}

func (t *StreamTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *StreamTransport) OnMessage(handler MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = handler
}

func (t *StreamTransport) OnError(handler ErrorHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = handler
}

func (t *StreamTransport) emitError(err error) {
	t.mu.Lock()
	handler := t.onError
	t.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

// writePump owns the ping ticker for conn (gorilla/websocket connections
// are not safe for concurrent writers, hence writeMu on every write) and
// sends a periodic ping for liveness.
func (t *StreamTransport) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(t.config.PingInterval)
	defer ticker.Stop()

	for range ticker.C {
		t.mu.Lock()
		current := t.conn
		closing := t.closing
		t.mu.Unlock()
		if current != conn || closing {
			return
		}

		t.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(t.config.PingTimeout))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		t.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// readPump drains inbound frames until the connection closes, resolving
// pending requests or dispatching to the registered handler.
func (t *StreamTransport) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(t.config.PingInterval + t.config.PingTimeout))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.handleConnectionLost(conn, err)
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.emitError(core.NewFrameworkError("receive", core.KindProtocolError, "", "malformed frame", err))
			continue
		}

		if msg.Type == protocol.TypeResponse && msg.ID != "" {
			t.mu.Lock()
			future, ok := t.pending[msg.ID]
			if ok {
				delete(t.pending, msg.ID)
			}
			t.mu.Unlock()
			if ok {
				select {
				case future.resultCh <- msg:
				default:
				}
				continue
			}
			// Late response for a cancelled/expired request id: dropped.
			continue
		}

		t.mu.Lock()
		handler := t.onMessage
		t.mu.Unlock()
		if handler != nil {
			handler(context.Background(), msg)
		}
	}
}

func (t *StreamTransport) handleConnectionLost(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.connected = false
	closing := t.closing
	t.mu.Unlock()

	t.failAllPending(core.NewFrameworkError("receive", core.KindConnectionError, "", "connection lost", cause))
	t.emitError(core.NewFrameworkError("receive", core.KindConnectionError, "", "connection lost", cause))

	if closing || !t.config.Reconnect {
		return
	}
	go t.reconnectLoop()
}

func (t *StreamTransport) failAllPending(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]*pendingFuture)
	t.mu.Unlock()

	errMsg := protocol.Message{Type: protocol.TypeError}
	_ = err
	for _, f := range pending {
		select {
		case f.resultCh <- errMsg:
		default:
		}
	}
}

// reconnectLoop retries Connect with exponential backoff delay*2^(n-1)
// capped at ReconnectMaxDelay, stopping after MaxReconnectAttempts (0 =
// unbounded) or a successful reconnect.
func (t *StreamTransport) reconnectLoop() {
	attempt := 0
	for {
		t.mu.Lock()
		closing := t.closing
		t.mu.Unlock()
		if closing {
			return
		}
		attempt++
		if t.config.MaxReconnectAttempts > 0 && attempt > t.config.MaxReconnectAttempts {
			return
		}

		delay := t.config.ReconnectDelay << uint(attempt-1)
		if delay > t.config.ReconnectMaxDelay {
			delay = t.config.ReconnectMaxDelay
		}
		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), t.config.RequestTimeout)
		err := t.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
	}
}

// Send transmits msg. For a REQUEST it installs a pending future keyed
// by msg.ID, writes the frame, and awaits the matching RESPONSE up to
// RequestTimeout. For a NOTIFICATION it writes the frame and returns
// immediately.
func (t *StreamTransport) Send(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	ctx, span := t.config.Telemetry.StartSpan(ctx, "transport.stream.send")
	defer span.End()
	span.SetAttribute("message.type", string(msg.Type))

	if msg.Type != protocol.TypeRequest {
		if err := t.writeFrame(msg); err != nil {
			return nil, err
		}
		return nil, nil
	}

	future := &pendingFuture{resultCh: make(chan protocol.Message, 1)}
	t.mu.Lock()
	t.pending[msg.ID] = future
	t.mu.Unlock()

	cleanup := func() {
		t.mu.Lock()
		delete(t.pending, msg.ID)
		t.mu.Unlock()
	}

	if err := t.writeFrame(msg); err != nil {
		cleanup()
		return nil, err
	}

	timeout := t.config.RequestTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-future.resultCh:
		if resp.Type == protocol.TypeError {
			return nil, core.NewFrameworkError("send", core.KindConnectionError, msg.ID, "connection lost awaiting response", core.ErrConnectionError)
		}
		return &resp, nil
	case <-timer.C:
		cleanup()
		return nil, core.NewFrameworkError("send", core.KindTimeout, msg.ID, "request timed out", core.ErrTimeout)
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// SendRaw writes msg to the wire without installing a pending future,
// for use when an upper protocol layer (protocol.RequestReplyProtocol)
// owns its own correlation table and this transport is used only as the
// framed conduit.
func (t *StreamTransport) SendRaw(_ context.Context, msg protocol.Message) error {
	return t.writeFrame(msg)
}

func (t *StreamTransport) writeFrame(msg protocol.Message) error {
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	t.mu.Unlock()
	if !connected || conn == nil {
		return core.NewFrameworkError("send", core.KindConnectionError, msg.ID, "not connected", core.ErrConnectionError)
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return core.NewFrameworkError("send", core.KindValidation, msg.ID, "invalid message", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return core.NewFrameworkError("send", core.KindConnectionError, msg.ID, "write failed", err)
	}
	return nil
}

// PendingCount reports the number of outstanding correlation entries, so
// callers can confirm the "empty after stop/disconnect" invariant.
func (t *StreamTransport) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Address returns the URL this transport dials, for callers (the agent
// Builder) that register it with a service registry.
func (t *StreamTransport) Address() string { return t.config.URL }

var (
	_ Transport      = (*StreamTransport)(nil)
	_ protocol.Sender = streamSenderAdapter{}
)

// streamSenderAdapter adapts StreamTransport's raw write to
// protocol.Sender, for composing a StreamTransport with
// protocol.RequestReplyProtocol's own correlation table.
type streamSenderAdapter struct{ t *StreamTransport }

// AsSender returns a protocol.Sender backed by t's raw frame writer.
func AsSender(t *StreamTransport) protocol.Sender { return streamSenderAdapter{t: t} }

func (a streamSenderAdapter) Send(ctx context.Context, msg protocol.Message) error {
	return a.t.SendRaw(ctx, msg)
}
