package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingPeerSender struct {
	mu  sync.Mutex
	got map[string][]Message
}

func newRecordingPeerSender() *recordingPeerSender {
	return &recordingPeerSender{got: make(map[string][]Message)}
}

func (s *recordingPeerSender) SendToPeer(_ context.Context, peerID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got[peerID] = append(s.got[peerID], msg)
	return nil
}

func TestMeshBroadcastExcludesSelf(t *testing.T) {
	sender := newRecordingPeerSender()
	m := NewMeshNetwork("self", sender, 100)
	m.AddPeer("self")
	m.AddPeer("p1")
	m.AddPeer("p2")

	assert.NoError(t, m.Broadcast(context.Background(), "hello"))

	assert.Len(t, sender.got["p1"], 1)
	assert.Len(t, sender.got["p2"], 1)
	assert.Len(t, sender.got["self"], 0)
}

func TestMeshDedupCacheBreaksReplayLoop(t *testing.T) {
	m := NewMeshNetwork("self", newRecordingPeerSender(), 100)
	msg := Message{ID: "m1", Type: TypeNotification}

	delivered := 0
	first := m.HandleInbound(msg, func(Message) { delivered++ })
	second := m.HandleInbound(msg, func(Message) { delivered++ })

	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, 1, delivered)
}

func TestPubSubFansOutToAllSubscribersConcurrently(t *testing.T) {
	ps := NewPubSub()
	var mu sync.Mutex
	received := 0

	ps.Subscribe("topic", func(ctx context.Context, payload json.RawMessage) { mu.Lock(); received++; mu.Unlock() })
	ps.Subscribe("topic", func(ctx context.Context, payload json.RawMessage) { panic("one subscriber failing") })
	ps.Subscribe("topic", func(ctx context.Context, payload json.RawMessage) { mu.Lock(); received++; mu.Unlock() })

	assert.NoError(t, ps.Publish(context.Background(), "topic", "x"))
	assert.Equal(t, 2, received, "a panicking subscriber must not affect its siblings")
}

func TestPubSubUnsubscribeStopsDelivery(t *testing.T) {
	ps := NewPubSub()
	received := 0
	unsub := ps.Subscribe("topic", func(ctx context.Context, payload json.RawMessage) { received++ })
	unsub()

	ps.Publish(context.Background(), "topic", "x")
	assert.Equal(t, 0, received)
}
