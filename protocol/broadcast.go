package protocol

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// PeerSender delivers one message to a named peer. Transports implement
// this however suits their wire shape.
type PeerSender interface {
	SendToPeer(ctx context.Context, peerID string, msg Message) error
}

// dedupCache is a bounded set of recently seen message ids, used to break
// broadcast loops in the mesh pattern.
type dedupCache struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	order    []string
	capacity int
}

func newDedupCache(capacity int) *dedupCache {
	return &dedupCache{seen: make(map[string]struct{}), capacity: capacity}
}

// seenBefore reports whether id has been recorded already, and records it
// if not, evicting the oldest entry if the cache is at capacity.
func (c *dedupCache) seenBefore(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[id]; ok {
		return true
	}
	if c.capacity > 0 && len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}
	c.seen[id] = struct{}{}
	c.order = append(c.order, id)
	return false
}

// MeshNetwork implements the streaming "mesh" broadcast pattern: direct
// peer-to-peer send by node id, and broadcast by fan-out to every known
// peer except self, with a dedup cache preventing replay loops.
type MeshNetwork struct {
	selfID string
	sender PeerSender
	dedup  *dedupCache

	mu    sync.Mutex
	peers map[string]struct{}
}

// NewMeshNetwork builds a MeshNetwork for selfID, delivering via sender,
// with a dedup cache bounded to dedupCapacity recently seen message ids.
func NewMeshNetwork(selfID string, sender PeerSender, dedupCapacity int) *MeshNetwork {
	return &MeshNetwork{
		selfID: selfID,
		sender: sender,
		dedup:  newDedupCache(dedupCapacity),
		peers:  make(map[string]struct{}),
	}
}

// AddPeer registers peerID as reachable for broadcast fan-out.
func (m *MeshNetwork) AddPeer(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[peerID] = struct{}{}
}

// RemovePeer deregisters peerID.
func (m *MeshNetwork) RemovePeer(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peerID)
}

// Send delivers payload directly to peerID.
func (m *MeshNetwork) Send(ctx context.Context, peerID string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return m.sender.SendToPeer(ctx, peerID, Message{ID: uuid.New().String(), Type: TypeNotification, Payload: raw})
}

// Broadcast fans payload out to every known peer except self.
func (m *MeshNetwork) Broadcast(ctx context.Context, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := Message{ID: uuid.New().String(), Type: TypeNotification, Payload: raw}
	m.dedup.seenBefore(msg.ID)

	m.mu.Lock()
	peers := make([]string, 0, len(m.peers))
	for p := range m.peers {
		if p != m.selfID {
			peers = append(peers, p)
		}
	}
	m.mu.Unlock()

	var firstErr error
	for _, p := range peers {
		if err := m.sender.SendToPeer(ctx, p, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HandleInbound is invoked when a broadcast/direct message arrives. It
// returns false (and does not invoke handler) if msg.ID has already been
// seen, breaking replay loops.
func (m *MeshNetwork) HandleInbound(msg Message, handler func(Message)) bool {
	if m.dedup.seenBefore(msg.ID) {
		return false
	}
	handler(msg)
	return true
}

// PubSub implements the topic-based broadcast pattern: topics map to
// subscription ids, and Publish fans out to every subscriber concurrently
// with one subscriber's panic/error isolated from its siblings.
type PubSub struct {
	mu          sync.Mutex
	subscribers map[string]map[string]func(ctx context.Context, payload json.RawMessage)
	nextID      int
}

// NewPubSub builds an empty PubSub.
func NewPubSub() *PubSub {
	return &PubSub{subscribers: make(map[string]map[string]func(ctx context.Context, payload json.RawMessage))}
}

// Subscribe registers handler for topic and returns an unsubscribe
// function.
func (ps *PubSub) Subscribe(topic string, handler func(ctx context.Context, payload json.RawMessage)) (unsubscribe func()) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.subscribers[topic] == nil {
		ps.subscribers[topic] = make(map[string]func(ctx context.Context, payload json.RawMessage))
	}
	id := uuid.New().String()
	ps.subscribers[topic][id] = handler
	return func() {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		delete(ps.subscribers[topic], id)
	}
}

// Publish fans payload out to every handler subscribed to topic,
// concurrently. A panic in one handler is recovered and does not affect
// siblings.
func (ps *PubSub) Publish(ctx context.Context, topic string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ps.mu.Lock()
	handlers := make([]func(ctx context.Context, payload json.RawMessage), 0, len(ps.subscribers[topic]))
	for _, h := range ps.subscribers[topic] {
		handlers = append(handlers, h)
	}
	ps.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h func(ctx context.Context, payload json.RawMessage)) {
			defer wg.Done()
			defer func() { recover() }()
			h(ctx, raw)
		}(h)
	}
	wg.Wait()
	return nil
}
