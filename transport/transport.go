// Package transport implements the two Transport Layer variants:
// request/response over HTTP and a persistent bidirectional stream, both
// behind one abstract contract.
package transport

import (
	"context"

	"github.com/agentfabric/meshrt/protocol"
)

// MessageHandler receives every inbound frame that is not a RESPONSE
// resolving a pending request (for Transport implementations that also
// dispatch REQUESTs/NOTIFICATIONs).
type MessageHandler func(ctx context.Context, msg protocol.Message)

// ErrorHandler is invoked when the transport observes a connection-level
// error (as opposed to an application-level one returned from Send).
type ErrorHandler func(err error)

// Transport is the shared contract for both Transport Layer variants. A
// connection is a scoped resource: acquisition on Connect, guaranteed
// release on every exit path including cancellation.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// Send transmits msg. For a REQUEST it returns the synthesised
	// RESPONSE; for a NOTIFICATION it returns (nil, nil) once the send
	// completes, or the send's error if it fails or times out.
	Send(ctx context.Context, msg protocol.Message) (*protocol.Message, error)

	OnMessage(handler MessageHandler)
	OnError(handler ErrorHandler)
}
