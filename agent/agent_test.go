package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfabric/meshrt/core"
	"github.com/agentfabric/meshrt/registry"
	"github.com/agentfabric/meshrt/transport"
)

// rpcRequestEnvelope/rpcResponseEnvelope mirror protocol.rpcEnvelope's JSON
// shape without importing its unexported type, the way an external peer
// implementation would.
type rpcRequestEnvelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcResponseEnvelope struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// echoRPCServer answers every REQUEST whose method is "echo" with its
// params verbatim as the result.
func echoRPCServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg struct {
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))

		var env rpcRequestEnvelope
		require.NoError(t, json.Unmarshal(msg.Payload, &env))

		w.Header().Set("Content-Type", "application/json")
		resp := rpcResponseEnvelope{Result: env.Params}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestUnifiedAgentCallRoundTripsOverHTTP(t *testing.T) {
	server := echoRPCServer(t)
	defer server.Close()

	tr := transport.NewHTTPTransport(transport.HTTPConfig{BaseURL: server.URL})
	a := New("caller", Config{})
	require.NoError(t, a.AddProtocol("default", ProtocolRequestReply, tr, nil, true))
	require.NoError(t, a.Start(context.Background(), false))
	defer a.Stop(context.Background())

	result, err := a.Call(context.Background(), "echo", "hello", "", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", result)
}

func TestUnifiedAgentAddProtocolFirstBecomesPrimary(t *testing.T) {
	a := New("svc", Config{})
	tr1 := transport.NewHTTPTransport(transport.HTTPConfig{BaseURL: "http://a"})
	tr2 := transport.NewHTTPTransport(transport.HTTPConfig{BaseURL: "http://b"})

	require.NoError(t, a.AddProtocol("one", ProtocolRequestReply, tr1, nil, false))
	require.NoError(t, a.AddProtocol("two", ProtocolRequestReply, tr2, nil, false))
	assert.Equal(t, "one", a.Primary())

	require.NoError(t, a.SetPrimary("two"))
	assert.Equal(t, "two", a.Primary())
}

func TestUnifiedAgentAddProtocolDuplicateIDRejected(t *testing.T) {
	a := New("svc", Config{})
	tr := transport.NewHTTPTransport(transport.HTTPConfig{BaseURL: "http://a"})
	require.NoError(t, a.AddProtocol("one", ProtocolRequestReply, tr, nil, true))

	err := a.AddProtocol("one", ProtocolRequestReply, tr, nil, false)
	require.Error(t, err)
	assert.True(t, core.IsAlreadyExists(err))
}

func TestUnifiedAgentStartRegistersEachEndpoint(t *testing.T) {
	server := echoRPCServer(t)
	defer server.Close()

	reg := registry.NewMemoryRegistry()
	a := New("svc-a", Config{Registry: reg})
	tr := transport.NewHTTPTransport(transport.HTTPConfig{BaseURL: server.URL})
	require.NoError(t, a.AddProtocol("default", ProtocolRequestReply, tr, nil, true))

	require.NoError(t, a.Start(context.Background(), true))
	defer a.Stop(context.Background())

	info, ok, err := reg.Get(context.Background(), "svc-a:default")
	require.NoError(t, err)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"svc-a", "default"}, info.Tags)
}

func TestUnifiedAgentStopIsIdempotentAndUnregisters(t *testing.T) {
	server := echoRPCServer(t)
	defer server.Close()

	reg := registry.NewMemoryRegistry()
	a := New("svc-b", Config{Registry: reg})
	tr := transport.NewHTTPTransport(transport.HTTPConfig{BaseURL: server.URL})
	require.NoError(t, a.AddProtocol("default", ProtocolRequestReply, tr, nil, true))
	require.NoError(t, a.Start(context.Background(), true))

	require.NoError(t, a.Stop(context.Background()))
	_, ok, _ := reg.Get(context.Background(), "svc-b:default")
	assert.False(t, ok)

	require.NoError(t, a.Stop(context.Background()), "second stop is a no-op, not an error")
}

func TestUnifiedAgentCallUnknownProtocolIDReturnsNotFound(t *testing.T) {
	a := New("svc", Config{})
	tr := transport.NewHTTPTransport(transport.HTTPConfig{BaseURL: "http://a"})
	require.NoError(t, a.AddProtocol("default", ProtocolRequestReply, tr, nil, true))

	_, err := a.Call(context.Background(), "echo", nil, "", "missing", time.Second)
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}

func TestUnifiedAgentDiscoverServicesRequiresRegistry(t *testing.T) {
	a := New("svc", Config{})
	_, err := a.DiscoverServices(context.Background(), "agent", nil)
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
}

func TestUnifiedAgentDiscoverServicesFindsRegisteredPeer(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	_, err := reg.Register(context.Background(), "peer:default", "agent", "http://peer", nil, []string{"peer", "default"}, "")
	require.NoError(t, err)

	a := New("svc", Config{Registry: reg})
	found, err := a.DiscoverServices(context.Background(), "agent", []string{"peer"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "peer:default", found[0].Name)
}
