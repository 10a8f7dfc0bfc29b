package protocol

import (
	"fmt"
	"sync"
)

// ConsensusType selects the quorum-size formula.
type ConsensusType string

const (
	ConsensusSimpleMajority ConsensusType = "simple_majority"
	ConsensusByzantine      ConsensusType = "byzantine"
)

// Proposal is a value proposed for consensus by one node.
type Proposal struct {
	ID       string
	Proposer string
	Value    interface{}
}

// Vote records one node's accept/reject decision on a proposal.
type Vote struct {
	Voter    string
	Accept   bool
	Reason   string
}

// ConsensusNode participates in a consensus group: it proposes values,
// votes on proposals, and derives whether quorum has been reached. A
// node auto-votes yes as the proposer of its own proposal; hardening
// that behaviour belongs to callers, not this layer.
type ConsensusNode struct {
	id   string
	kind ConsensusType

	mu       sync.Mutex
	peers    map[string]struct{}
	proposals map[string]Proposal
	votes     map[string][]Vote
	seq       int
}

// NewConsensusNode builds a ConsensusNode named id participating via
// kind's quorum formula.
func NewConsensusNode(id string, kind ConsensusType) *ConsensusNode {
	return &ConsensusNode{
		id:        id,
		kind:      kind,
		peers:     make(map[string]struct{}),
		proposals: make(map[string]Proposal),
		votes:     make(map[string][]Vote),
	}
}

// AddPeer registers peerID as part of the consensus group.
func (n *ConsensusNode) AddPeer(peerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[peerID] = struct{}{}
}

// RemovePeer removes peerID from the consensus group.
func (n *ConsensusNode) RemovePeer(peerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, peerID)
}

// QuorumSize returns the minimum accept-votes for a proposal to be
// decided: floor(n/2)+1 for simple majority (n = len(peers)+1, including
// self), or 2f+1 with f=floor((n-1)/3) for Byzantine fault tolerance.
func (n *ConsensusNode) QuorumSize() int {
	n.mu.Lock()
	total := len(n.peers) + 1
	kind := n.kind
	n.mu.Unlock()

	if kind == ConsensusByzantine {
		f := (total - 1) / 3
		return 2*f + 1
	}
	return total/2 + 1
}

// Propose records a new proposal and auto-votes yes on behalf of the
// proposer, returning the proposal id.
func (n *ConsensusNode) Propose(value interface{}) string {
	n.mu.Lock()
	n.seq++
	id := fmt.Sprintf("%s-%d", n.id, n.seq)
	n.proposals[id] = Proposal{ID: id, Proposer: n.id, Value: value}
	n.votes[id] = nil
	n.mu.Unlock()

	n.Vote(id, true, "proposer")
	return id
}

// Vote records this node's own vote on proposalID. It is a no-op if
// proposalID is unknown.
func (n *ConsensusNode) Vote(proposalID string, accept bool, reason string) {
	n.RecordVote(proposalID, n.id, accept, reason)
}

// RecordVote records a vote cast by voterID (typically received from a
// peer over the wire). It is a no-op if proposalID is unknown.
func (n *ConsensusNode) RecordVote(proposalID, voterID string, accept bool, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.proposals[proposalID]; !ok {
		return
	}
	n.votes[proposalID] = append(n.votes[proposalID], Vote{Voter: voterID, Accept: accept, Reason: reason})
}

// GetConsensus returns the proposal's value and true if accept-votes have
// reached quorum, or (nil, false) otherwise.
func (n *ConsensusNode) GetConsensus(proposalID string) (interface{}, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	proposal, ok := n.proposals[proposalID]
	if !ok {
		return nil, false
	}
	accepts := 0
	for _, v := range n.votes[proposalID] {
		if v.Accept {
			accepts++
		}
	}
	quorum := n.quorumSizeLocked()
	if accepts >= quorum {
		return proposal.Value, true
	}
	return nil, false
}

func (n *ConsensusNode) quorumSizeLocked() int {
	total := len(n.peers) + 1
	if n.kind == ConsensusByzantine {
		f := (total - 1) / 3
		return 2*f + 1
	}
	return total/2 + 1
}
