package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfabric/meshrt/core"
	"github.com/agentfabric/meshrt/protocol"
)

// echoServer upgrades every connection and answers each inbound frame
// with whatever onFrame returns, nil meaning no reply.
func echoServer(t *testing.T, onFrame func(protocol.Message) *protocol.Message) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg protocol.Message
			require.NoError(t, json.Unmarshal(raw, &msg))

			if onFrame == nil {
				continue
			}
			resp := onFrame(msg)
			if resp == nil {
				continue
			}
			out, err := json.Marshal(resp)
			require.NoError(t, err)
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	})
	return httptest.NewServer(handler)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestStreamTransportSendReceivesResponse(t *testing.T) {
	server := echoServer(t, func(msg protocol.Message) *protocol.Message {
		if msg.Type != protocol.TypeRequest {
			return nil
		}
		return &protocol.Message{ID: msg.ID, Type: protocol.TypeResponse, Payload: json.RawMessage(`{"ok":true}`)}
	})
	defer server.Close()

	st := NewStreamTransport(StreamConfig{URL: wsURL(server), RequestTimeout: 2 * time.Second})
	require.NoError(t, st.Connect(context.Background()))
	defer st.Disconnect(context.Background())

	resp, err := st.Send(context.Background(), protocol.Message{ID: "req-1", Type: protocol.TypeRequest, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "req-1", resp.ID)
	assert.Equal(t, protocol.TypeResponse, resp.Type)
}

func TestStreamTransportSendTimesOutWhenNoResponseArrives(t *testing.T) {
	server := echoServer(t, func(protocol.Message) *protocol.Message { return nil })
	defer server.Close()

	st := NewStreamTransport(StreamConfig{URL: wsURL(server), RequestTimeout: 50 * time.Millisecond})
	require.NoError(t, st.Connect(context.Background()))
	defer st.Disconnect(context.Background())

	_, err := st.Send(context.Background(), protocol.Message{ID: "req-2", Type: protocol.TypeRequest, Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Equal(t, core.KindTimeout, core.Kind(err))
	assert.Equal(t, 0, st.PendingCount())
}

func TestStreamTransportNotificationDoesNotWaitForResponse(t *testing.T) {
	var mu sync.Mutex
	var received protocol.Message
	server := echoServer(t, func(msg protocol.Message) *protocol.Message {
		mu.Lock()
		received = msg
		mu.Unlock()
		return nil
	})
	defer server.Close()

	st := NewStreamTransport(StreamConfig{URL: wsURL(server)})
	require.NoError(t, st.Connect(context.Background()))
	defer st.Disconnect(context.Background())

	resp, err := st.Send(context.Background(), protocol.Message{Type: protocol.TypeNotification, Payload: json.RawMessage(`{"x":1}`)})
	require.NoError(t, err)
	assert.Nil(t, resp)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received.Type == protocol.TypeNotification
	}, time.Second, 10*time.Millisecond)
}

func TestStreamTransportOnMessageReceivesUnsolicitedFrames(t *testing.T) {
	server := echoServer(t, func(msg protocol.Message) *protocol.Message {
		if msg.Type == protocol.TypeNotification {
			return &protocol.Message{Type: protocol.TypeNotification, Payload: json.RawMessage(`{"push":true}`)}
		}
		return &protocol.Message{ID: msg.ID, Type: protocol.TypeResponse, Payload: json.RawMessage(`{}`)}
	})
	defer server.Close()

	st := NewStreamTransport(StreamConfig{URL: wsURL(server), RequestTimeout: 2 * time.Second})
	require.NoError(t, st.Connect(context.Background()))
	defer st.Disconnect(context.Background())

	received := make(chan protocol.Message, 1)
	st.OnMessage(func(_ context.Context, msg protocol.Message) {
		received <- msg
	})

	_, err := st.Send(context.Background(), protocol.Message{Type: protocol.TypeNotification, Payload: json.RawMessage(`{"trigger":true}`)})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, protocol.TypeNotification, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("expected unsolicited notification to reach OnMessage handler")
	}
}

func TestStreamTransportDisconnectFailsPendingRequests(t *testing.T) {
	server := echoServer(t, func(protocol.Message) *protocol.Message { return nil })
	defer server.Close()

	st := NewStreamTransport(StreamConfig{URL: wsURL(server), RequestTimeout: 5 * time.Second})
	require.NoError(t, st.Connect(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := st.Send(context.Background(), protocol.Message{ID: "will-fail", Type: protocol.TypeRequest, Payload: json.RawMessage(`{}`)})
		done <- err
	}()

	require.Eventually(t, func() bool { return st.PendingCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, st.Disconnect(context.Background()))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, core.KindConnectionError, core.Kind(err))
	case <-time.After(time.Second):
		t.Fatal("expected pending send to fail after disconnect")
	}
}

func TestStreamTransportAsSenderWritesRawFrames(t *testing.T) {
	gotFrame := make(chan protocol.Message, 1)
	server := echoServer(t, func(msg protocol.Message) *protocol.Message {
		gotFrame <- msg
		return nil
	})
	defer server.Close()

	st := NewStreamTransport(StreamConfig{URL: wsURL(server)})
	require.NoError(t, st.Connect(context.Background()))
	defer st.Disconnect(context.Background())

	sender := AsSender(st)
	require.NoError(t, sender.Send(context.Background(), protocol.Message{ID: "raw-1", Type: protocol.TypeRequest, Payload: json.RawMessage(`{}`)}))

	select {
	case msg := <-gotFrame:
		assert.Equal(t, "raw-1", msg.ID)
	case <-time.After(time.Second):
		t.Fatal("expected raw frame to reach server")
	}
	assert.Equal(t, 0, st.PendingCount(), "SendRaw installs no correlation entry")
}
