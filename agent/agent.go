// Package agent implements the unified agent: an identity composing one
// or more transport-bound protocol endpoints behind a single addressable
// name, plus a fluent Builder that assembles one from endpoint URLs.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentfabric/meshrt/auth"
	"github.com/agentfabric/meshrt/core"
	"github.com/agentfabric/meshrt/protocol"
	"github.com/agentfabric/meshrt/registry"
	"github.com/agentfabric/meshrt/transport"
)

// ProtocolKind names the protocol family bound to an endpoint. RequestReply
// is presently the only kind the agent composes directly; the peer-to-peer
// patterns (mesh, pub/sub, consensus) operate on a protocol.Message stream
// directly and are composed at the node level, not through UnifiedAgent.
type ProtocolKind string

// ProtocolRequestReply is the request/response protocol family.
const ProtocolRequestReply ProtocolKind = "request_reply"

// addressable is implemented by transports that can report the address
// they connect to, for registry registration.
type addressable interface {
	Address() string
}

// protocolSender adapts a transport.Transport into a protocol.Sender,
// unifying the synchronous (HTTP) and asynchronous (streaming) transport
// shapes behind RequestReplyProtocol's single correlation table: a
// synchronous response returned directly from Send is fed back into the
// protocol as though it had arrived via OnMessage.
type protocolSender struct {
	transport transport.Transport
	proto     *protocol.RequestReplyProtocol
}

func (s *protocolSender) Send(ctx context.Context, msg protocol.Message) error {
	resp, err := s.transport.Send(ctx, msg)
	if err != nil {
		return err
	}
	if resp != nil {
		s.proto.HandleInbound(ctx, *resp)
	}
	return nil
}

// Endpoint is one protocol binding an agent composes.
type Endpoint struct {
	ID        string
	Kind      ProtocolKind
	Transport transport.Transport
	Proto     *protocol.RequestReplyProtocol
	Auth      auth.Provider
	Primary   bool

	inbox chan protocol.Message
}

// UnifiedAgent is an identity with a primary protocol endpoint plus zero
// or more additional ones, optionally backed by a service registry.
type UnifiedAgent struct {
	name   string
	logger core.Logger

	mu        sync.Mutex
	endpoints map[string]*Endpoint
	order     []string // insertion order
	primaryID string
	registry  registry.Registry
	started   bool
}

// Config configures a UnifiedAgent.
type Config struct {
	Registry registry.Registry
	Logger   core.Logger
}

// New builds a UnifiedAgent with no endpoints yet.
func New(name string, config Config) *UnifiedAgent {
	if config.Logger == nil {
		config.Logger = core.NoOpLogger{}
	}
	return &UnifiedAgent{
		name:      name,
		logger:    config.Logger,
		endpoints: make(map[string]*Endpoint),
		registry:  config.Registry,
	}
}

// AddProtocol registers a new endpoint under id, binding kind to tr with
// an optional auth provider. Duplicate ids are rejected. The first
// endpoint added becomes primary unless a later addition passes primary
// true or SetPrimary overrides it.
func (a *UnifiedAgent) AddProtocol(id string, kind ProtocolKind, tr transport.Transport, authProvider auth.Provider, primary bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.endpoints[id]; exists {
		return core.NewFrameworkError("add_protocol", core.KindAlreadyExists, id, "protocol id already registered", core.ErrAlreadyExists)
	}

	sender := &protocolSender{transport: tr}
	proto := protocol.NewRequestReplyProtocol(sender, a.logger)
	sender.proto = proto

	ep := &Endpoint{
		ID:        id,
		Kind:      kind,
		Transport: tr,
		Proto:     proto,
		Auth:      authProvider,
		inbox:     make(chan protocol.Message, 64),
	}

	a.endpoints[id] = ep
	a.order = append(a.order, id)

	if a.primaryID == "" || primary {
		a.primaryID = id
	}
	for _, e := range a.endpoints {
		e.Primary = e.ID == a.primaryID
	}

	return nil
}

// SetPrimary changes which registered endpoint id is primary.
func (a *UnifiedAgent) SetPrimary(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.endpoints[id]; !ok {
		return core.NewFrameworkError("set_primary", core.KindNotFound, id, "no such protocol id", core.ErrNotFound)
	}
	for _, ep := range a.endpoints {
		ep.Primary = ep.ID == id
	}
	a.primaryID = id
	return nil
}

func (a *UnifiedAgent) resolveLocked(protocolID string) (*Endpoint, error) {
	id := protocolID
	if id == "" {
		id = a.primaryID
	}
	ep, ok := a.endpoints[id]
	if !ok {
		return nil, core.NewFrameworkError("resolve", core.KindNotFound, id, "no such protocol id", core.ErrNotFound)
	}
	return ep, nil
}

// Start connects every transport, wires inbound dispatch, and, when
// register is true and a registry is attached, registers each
// "{name}:{protocol-id}" endpoint with tags {name, protocol-id}. Calling
// Start again while already started is a no-op.
func (a *UnifiedAgent) Start(ctx context.Context, register bool) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	endpoints := make([]*Endpoint, 0, len(a.order))
	for _, id := range a.order {
		endpoints = append(endpoints, a.endpoints[id])
	}
	reg := a.registry
	a.mu.Unlock()

	for _, ep := range endpoints {
		if err := ep.Transport.Connect(ctx); err != nil {
			return core.NewFrameworkError("start", core.KindConnectionError, ep.ID, "transport connect failed", err)
		}

		proto := ep.Proto
		inbox := ep.inbox
		ep.Transport.OnMessage(func(ctx context.Context, msg protocol.Message) {
			if msg.Type == protocol.TypeNotification {
				select {
				case inbox <- msg:
				default:
					// inbox full: this incoming notification is dropped.
				}
			}
			proto.HandleInbound(ctx, msg)
		})

		if register && reg != nil {
			serviceName := fmt.Sprintf("%s:%s", a.name, ep.ID)
			endpointAddr := ""
			if addr, ok := ep.Transport.(addressable); ok {
				endpointAddr = addr.Address()
			}
			if _, err := reg.Register(ctx, serviceName, "agent", endpointAddr, nil, []string{a.name, ep.ID}, ""); err != nil {
				return core.NewFrameworkError("start", core.KindRegistry, serviceName, "registration failed", err)
			}
		}
	}

	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	return nil
}

// Stop unregisters, stops every protocol, disconnects every transport and
// is idempotent: calling it when not started is a no-op.
func (a *UnifiedAgent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	endpoints := make([]*Endpoint, 0, len(a.order))
	for _, id := range a.order {
		endpoints = append(endpoints, a.endpoints[id])
	}
	reg := a.registry
	a.started = false
	a.mu.Unlock()

	var firstErr error
	for _, ep := range endpoints {
		if reg != nil {
			if _, err := reg.Unregister(ctx, fmt.Sprintf("%s:%s", a.name, ep.ID)); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		ep.Proto.Stop()
		if err := ep.Transport.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Send fire-and-forgets payload to target over protocolID's endpoint (or
// the primary endpoint when protocolID is empty).
func (a *UnifiedAgent) Send(ctx context.Context, payload interface{}, target, protocolID string, timeout time.Duration) error {
	a.mu.Lock()
	ep, err := a.resolveLocked(protocolID)
	a.mu.Unlock()
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return ep.Proto.Notify(sendCtx, "message", map[string]interface{}{"target": target, "payload": payload})
}

// Receive waits up to timeout for the next inbound NOTIFICATION on
// protocolID's endpoint (or the primary endpoint when protocolID is
// empty).
func (a *UnifiedAgent) Receive(ctx context.Context, protocolID string, timeout time.Duration) (protocol.Message, error) {
	a.mu.Lock()
	ep, err := a.resolveLocked(protocolID)
	a.mu.Unlock()
	if err != nil {
		return protocol.Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-ep.inbox:
		return msg, nil
	case <-timer.C:
		return protocol.Message{}, core.NewFrameworkError("receive", core.KindTimeout, ep.ID, "no message within timeout", core.ErrTimeout)
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// Call issues method/params as a REQUEST over protocolID's endpoint (or
// the primary endpoint when protocolID is empty) and returns the result.
// target is accepted for API symmetry with Send/Receive; the endpoints
// this layer composes are single-peer connections, so routing to a
// specific peer among several is the concern of the mesh/protocol
// packages operating below UnifiedAgent, not of this call.
func (a *UnifiedAgent) Call(ctx context.Context, method string, params interface{}, target, protocolID string, timeout time.Duration) (interface{}, error) {
	a.mu.Lock()
	ep, err := a.resolveLocked(protocolID)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	_ = target

	raw, err := ep.Proto.Request(ctx, method, params, timeout)
	if err != nil {
		return nil, err
	}
	var result interface{}
	if len(raw) > 0 {
		if uerr := json.Unmarshal(raw, &result); uerr != nil {
			return nil, core.NewFrameworkError("call", core.KindProtocolError, ep.ID, "malformed result", uerr)
		}
	}
	return result, nil
}

// DiscoverServices queries the attached registry, when present.
func (a *UnifiedAgent) DiscoverServices(ctx context.Context, typ string, tags []string) ([]registry.ServiceInfo, error) {
	a.mu.Lock()
	reg := a.registry
	a.mu.Unlock()
	if reg == nil {
		return nil, core.NewFrameworkError("discover_services", core.KindValidation, "", "no registry attached", core.ErrValidation)
	}
	return reg.Discover(ctx, registry.Filter{Type: typ, Tags: tags})
}

// HealthCheck reports whether every endpoint's transport is connected.
func (a *UnifiedAgent) HealthCheck() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ep := range a.endpoints {
		if !ep.Transport.IsConnected() {
			return false
		}
	}
	return true
}

// Endpoint returns the endpoint registered under id, if any.
func (a *UnifiedAgent) Endpoint(id string) (*Endpoint, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ep, ok := a.endpoints[id]
	return ep, ok
}

// Primary returns the id of the current primary endpoint.
func (a *UnifiedAgent) Primary() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.primaryID
}
