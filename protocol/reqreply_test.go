package protocol

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfabric/meshrt/core"
)

// loopbackSender wires a RequestReplyProtocol's outbound Send directly
// back into HandleInbound, simulating a peer that echoes REQUESTs via a
// registered handler and never replies to one specific method (to
// exercise timeout).
type loopbackSender struct {
	target     *RequestReplyProtocol
	dropMethod string
	droppedID  string // id of the last swallowed REQUEST
}

func (s *loopbackSender) Send(ctx context.Context, msg Message) error {
	if msg.Type == TypeRequest && s.dropMethod != "" {
		var env rpcEnvelope
		json.Unmarshal(msg.Payload, &env)
		if env.Method == s.dropMethod {
			s.droppedID = msg.ID
			return nil // swallow: peer never replies
		}
	}
	go s.target.HandleInbound(context.Background(), msg)
	return nil
}

func TestRequestDispatchesToRegisteredHandler(t *testing.T) {
	server := NewRequestReplyProtocol(nil, nil)
	client := NewRequestReplyProtocol(&loopbackSender{target: server}, nil)
	server.sender = &loopbackSender{target: client}

	server.RegisterHandler("echo", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var s string
		json.Unmarshal(params, &s)
		return s + "-echo", nil
	})

	result, err := client.Request(context.Background(), "echo", "hi", time.Second)
	require.NoError(t, err)
	var s string
	json.Unmarshal(result, &s)
	assert.Equal(t, "hi-echo", s)
}

func TestRequestUnknownMethodYieldsMethodNotFound(t *testing.T) {
	server := NewRequestReplyProtocol(nil, nil)
	client := NewRequestReplyProtocol(&loopbackSender{target: server}, nil)
	server.sender = &loopbackSender{target: client}

	_, err := client.Request(context.Background(), "nope", nil, time.Second)
	assert.Error(t, err)
}

func TestRequestTimeoutLeavesPendingTableEmptyAndDropsLateResponse(t *testing.T) {
	server := NewRequestReplyProtocol(nil, nil)
	sender := &loopbackSender{target: server, dropMethod: "slow"}
	client := NewRequestReplyProtocol(sender, nil)
	server.sender = &loopbackSender{target: client}

	server.RegisterHandler("slow", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return "late", nil
	})

	_, err := client.Request(context.Background(), "slow", nil, 50*time.Millisecond)
	assert.True(t, core.Kind(err) == core.KindTimeout)
	assert.Equal(t, 0, client.PendingCount())

	// A RESPONSE for the same id arriving after the timeout is dropped.
	require.NotEmpty(t, sender.droppedID)
	late, _ := json.Marshal(rpcEnvelope{Result: json.RawMessage(`"late"`)})
	client.HandleInbound(context.Background(), Message{ID: sender.droppedID, Type: TypeResponse, Payload: late})
	assert.Equal(t, 0, client.PendingCount())
}

func TestStopCancelsAllPendingRequests(t *testing.T) {
	server := NewRequestReplyProtocol(nil, nil)
	client := NewRequestReplyProtocol(&loopbackSender{target: server, dropMethod: "never"}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := client.Request(context.Background(), "never", nil, 5*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	client.Stop()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("request did not unblock after Stop")
	}
	assert.Equal(t, 0, client.PendingCount())
}
