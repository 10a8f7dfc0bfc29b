package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentfabric/meshrt/core"
)

// Sender is the minimal transport contract the request/response protocol
// needs: deliver one Message. Any transport implementation (HTTP,
// streaming) that can do this can back this protocol.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// HandlerFunc handles an inbound REQUEST for one method.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

type pendingCall struct {
	resultCh chan Message
}

// RequestReplyProtocol is the request/response protocol family: it
// keeps a correlation table from request id to a pending caller, and a
// handler registry keyed by method name.
type RequestReplyProtocol struct {
	sender Sender
	logger core.Logger

	mu       sync.Mutex
	pending  map[string]*pendingCall
	handlers map[string]HandlerFunc
	stopped  bool
}

// NewRequestReplyProtocol binds a RequestReplyProtocol to sender. A nil
// logger defaults to core.NoOpLogger.
func NewRequestReplyProtocol(sender Sender, logger core.Logger) *RequestReplyProtocol {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &RequestReplyProtocol{
		sender:   sender,
		logger:   logger,
		pending:  make(map[string]*pendingCall),
		handlers: make(map[string]HandlerFunc),
	}
}

// RegisterHandler registers handler to serve inbound REQUESTs for
// method, replacing any previous registration.
func (p *RequestReplyProtocol) RegisterHandler(method string, handler HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[method] = handler
}

type rpcEnvelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// Request sends method/params as a REQUEST and awaits the matching
// RESPONSE for up to timeout. Cancelling ctx (or the timeout elapsing)
// removes the pending entry so a late RESPONSE for that id is dropped.
func (p *RequestReplyProtocol) Request(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	id := uuid.New().String()

	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, core.NewFrameworkError("request", core.KindValidation, id, "invalid params", err)
	}
	env := rpcEnvelope{Method: method, Params: rawParams}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	call := &pendingCall{resultCh: make(chan Message, 1)}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, core.NewFrameworkError("request", core.KindProtocolError, id, "protocol stopped", core.ErrProtocolError)
	}
	p.pending[id] = call
	p.mu.Unlock()

	cleanup := func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The timeout also bounds Send: a synchronous sender (an HTTP
	// transport) waits for the reply inside it.
	if err := p.sender.Send(timeoutCtx, Message{ID: id, Type: TypeRequest, Payload: payload}); err != nil {
		cleanup()
		if timeoutCtx.Err() == context.DeadlineExceeded {
			return nil, core.NewFrameworkError("request", core.KindTimeout, id, "request timed out", core.ErrTimeout)
		}
		return nil, core.NewFrameworkError("request", core.KindConnectionError, id, "send failed", err)
	}

	select {
	case msg := <-call.resultCh:
		cleanup()
		if msg.Type == TypeError {
			return nil, core.NewFrameworkError("request", core.KindConnectionError, id, "protocol stopped", core.ErrConnectionError)
		}
		var respEnv rpcEnvelope
		if err := json.Unmarshal(msg.Payload, &respEnv); err != nil {
			return nil, core.NewFrameworkError("request", core.KindProtocolError, id, "malformed response envelope", err)
		}
		if respEnv.Error != nil {
			return nil, core.NewFrameworkError("request", core.KindProtocolError, id, respEnv.Error.Message, core.ErrProtocolError)
		}
		return respEnv.Result, nil
	case <-timeoutCtx.Done():
		cleanup()
		return nil, core.NewFrameworkError("request", core.KindTimeout, id, "request timed out", core.ErrTimeout)
	}
}

// Notify sends method/params as a fire-and-forget NOTIFICATION; it never
// waits for or expects a reply.
func (p *RequestReplyProtocol) Notify(ctx context.Context, method string, params interface{}) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return err
	}
	env := rpcEnvelope{Method: method, Params: rawParams}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.sender.Send(ctx, Message{Type: TypeNotification, Payload: payload})
}

// HandleInbound is the transport's on_message callback target: it
// distinguishes RESPONSE (completes a pending caller) from REQUEST
// (dispatches to a registered handler and sends back a RESPONSE).
func (p *RequestReplyProtocol) HandleInbound(ctx context.Context, msg Message) {
	switch msg.Type {
	case TypeResponse:
		p.mu.Lock()
		call, ok := p.pending[msg.ID]
		p.mu.Unlock()
		if !ok {
			// Late response for a cancelled/expired request id: dropped.
			return
		}
		select {
		case call.resultCh <- msg:
		default:
		}
	case TypeRequest:
		p.dispatch(ctx, msg)
	}
}

func (p *RequestReplyProtocol) dispatch(ctx context.Context, msg Message) {
	var env rpcEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		p.respondError(ctx, msg.ID, CodeInternalError, err.Error())
		return
	}

	p.mu.Lock()
	handler, ok := p.handlers[env.Method]
	p.mu.Unlock()
	if !ok {
		p.respondError(ctx, msg.ID, CodeMethodNotFound, "Method not found")
		return
	}

	result, err := handler(ctx, env.Params)
	if err != nil {
		p.respondError(ctx, msg.ID, CodeInternalError, err.Error())
		return
	}

	rawResult, merr := json.Marshal(result)
	if merr != nil {
		p.respondError(ctx, msg.ID, CodeInternalError, merr.Error())
		return
	}
	p.respond(ctx, msg.ID, rpcEnvelope{Result: rawResult})
}

func (p *RequestReplyProtocol) respondError(ctx context.Context, id string, code int, message string) {
	p.respond(ctx, id, rpcEnvelope{Error: &RPCError{Code: code, Message: message}})
}

func (p *RequestReplyProtocol) respond(ctx context.Context, id string, env rpcEnvelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("failed to marshal response envelope", "error", err)
		return
	}
	if err := p.sender.Send(ctx, Message{ID: id, Type: TypeResponse, Payload: payload}); err != nil {
		p.logger.Error("failed to send response", "id", id, "error", err)
	}
}

// Stop cancels every pending request with a connection error and
// prevents new ones from being started.
func (p *RequestReplyProtocol) Stop() {
	p.mu.Lock()
	p.stopped = true
	pending := p.pending
	p.pending = make(map[string]*pendingCall)
	p.mu.Unlock()

	errPayload, _ := json.Marshal(rpcEnvelope{Error: &RPCError{Code: CodeInternalError, Message: fmt.Sprintf("%v", core.ErrConnectionError)}})
	for _, call := range pending {
		select {
		case call.resultCh <- Message{Type: TypeError, Payload: errPayload}:
		default:
		}
	}
}

// PendingCount reports the number of outstanding correlation entries,
// used to verify the "empty after stop()" invariant.
func (p *RequestReplyProtocol) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
