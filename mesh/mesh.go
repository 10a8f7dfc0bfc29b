// Package mesh implements the service mesh: tier-aware routing of
// ServiceRequests across a pool of MeshNodes, capacity accounting, and
// the escalation pathway between tiers.
package mesh

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentfabric/meshrt/core"
	"github.com/agentfabric/meshrt/resilience"
)

// Role is a MeshNode's tier, ordered by escalation precedence.
type Role string

const (
	RoleFrontline Role = "FRONTLINE"
	RoleSpecialist Role = "SPECIALIST"
	RoleExpert     Role = "EXPERT"
)

func roleRank(r Role) int {
	switch r {
	case RoleFrontline:
		return 0
	case RoleSpecialist:
		return 1
	default:
		return 2
	}
}

// nextTier implements the escalation chain FRONTLINE->SPECIALIST->
// EXPERT->EXPERT.
func nextTier(r Role) Role {
	switch r {
	case RoleFrontline:
		return RoleSpecialist
	default:
		return RoleExpert
	}
}

// Strategy selects the load-balancing algorithm route_request and
// escalate_request apply over the eligible node set.
type Strategy string

const (
	StrategyLeastLoaded Strategy = "least_loaded"
	StrategyRoundRobin  Strategy = "round_robin"
)

// Status is a ServiceRequest's state machine position.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusAssigned         Status = "ASSIGNED"
	StatusEscalated        Status = "ESCALATED"
	StatusResolved         Status = "RESOLVED"
	StatusEscalationFailed Status = "ESCALATION_FAILED"
)

// HistoryEntry is one append-only audit record on a ServiceRequest.
type HistoryEntry struct {
	Timestamp time.Time
	Action    string
	Details   map[string]interface{}
}

// ServiceRequest is a customer request in flight through the mesh.
type ServiceRequest struct {
	ID              string
	CustomerID      string
	Query           string
	Topic           string
	Priority        int
	CreatedAt       time.Time
	AssignedTo      string
	EscalationCount int
	Status          Status
	Resolution      string
	History         []HistoryEntry
}

// MeshNode is one worker plus mutable routing state. current_load and
// max_capacity hold the invariant 0 <= current_load <= max_capacity at
// every point between atomic mesh operations.
type MeshNode struct {
	ID          string
	Worker      core.Worker
	Role        Role
	Specialties map[string]struct{}
	CurrentLoad int
	MaxCapacity int
	Available   bool

	// breaker, when set, additionally gates availability: a node whose
	// breaker has tripped open is treated as unavailable even if
	// Available is true.
	breaker *resilience.CircuitBreaker
}

// LoadPercentage returns the node's current utilisation as a percentage
// of max capacity.
func (n *MeshNode) LoadPercentage() float64 {
	if n.MaxCapacity <= 0 {
		return 0
	}
	return float64(n.CurrentLoad) / float64(n.MaxCapacity) * 100
}

// canHandle reports whether n is eligible to take topic: available AND
// under capacity AND (EXPERT, OR topic in specialties, OR FRONTLINE with
// no declared specialties).
func (n *MeshNode) canHandle(topic string) bool {
	if !n.isAvailableLocked() || n.CurrentLoad >= n.MaxCapacity {
		return false
	}
	if n.Role == RoleExpert {
		return true
	}
	if len(n.Specialties) > 0 {
		_, ok := n.Specialties[topic]
		return ok
	}
	return n.Role == RoleFrontline
}

func (n *MeshNode) isAvailableLocked() bool {
	if !n.Available {
		return false
	}
	if n.breaker != nil {
		return n.breaker.CanExecute()
	}
	return true
}

// RecordOutcome feeds the node's circuit breaker, if one is attached,
// with the result of the last dispatch through this node.
func (n *MeshNode) RecordOutcome(ok bool) {
	if n.breaker == nil {
		return
	}
	if ok {
		_ = n.breaker.Execute(context.Background(), func() error { return nil })
	} else {
		_ = n.breaker.Execute(context.Background(), func() error { return core.ErrWorkerError })
	}
}

// EscalationHandler is invoked when a ServiceRequest has no eligible
// node (initial ESCALATED transition) or is re-routed to a higher tier.
type EscalationHandler func(req *ServiceRequest)

// ResolutionHandler is invoked when a ServiceRequest transitions to
// RESOLVED. A handler that panics is recovered and logged; it never
// aborts the resolution path.
type ResolutionHandler func(req *ServiceRequest)

// Mesh coordinates MeshNodes and the ServiceRequests routed across them.
// Every state-mutating operation runs under a single exclusive mutex;
// eligibility checks and the load increment they drive happen in the same
// critical section, so an admission-then-increment race never occurs.
type Mesh struct {
	logger    core.Logger
	telemetry core.Telemetry

	mu               sync.Mutex
	nodes            map[string]*MeshNode
	nodeOrder        []string // insertion order, so round_robin's successor walk is deterministic
	requests         map[string]*ServiceRequest
	strategy         Strategy
	lastAssigned     string // single pointer shared across all topic buckets
	escalationHandlers []EscalationHandler
	resolutionHandlers []ResolutionHandler
	dedup            map[string]struct{}
	dedupOrder       []string
	dedupCapacity    int
}

// Config configures a Mesh.
type Config struct {
	Strategy  Strategy // defaults to least_loaded
	Logger    core.Logger
	Telemetry core.Telemetry
	// DedupCapacity bounds the routing dedup cache; 0 means unbounded.
	DedupCapacity int
}

// New builds an empty Mesh.
func New(config Config) *Mesh {
	if config.Strategy == "" {
		config.Strategy = StrategyLeastLoaded
	}
	if config.Logger == nil {
		config.Logger = core.NoOpLogger{}
	}
	if config.Telemetry == nil {
		config.Telemetry = core.NoOpTelemetry{}
	}
	return &Mesh{
		logger:        config.Logger,
		telemetry:     config.Telemetry,
		nodes:         make(map[string]*MeshNode),
		requests:      make(map[string]*ServiceRequest),
		strategy:      config.Strategy,
		dedup:         make(map[string]struct{}),
		dedupCapacity: config.DedupCapacity,
	}
}

// AddNode registers worker as a MeshNode with the given role,
// specialties and capacity. breaker is optional; when non-nil it gates
// the node's availability alongside the explicit Available flag.
func (m *Mesh) AddNode(worker core.Worker, role Role, specialties []string, maxCapacity int, breaker *resilience.CircuitBreaker) *MeshNode {
	m.mu.Lock()
	defer m.mu.Unlock()

	specs := make(map[string]struct{}, len(specialties))
	for _, s := range specialties {
		specs[s] = struct{}{}
	}
	node := &MeshNode{
		ID:          uuid.New().String(),
		Worker:      worker,
		Role:        role,
		Specialties: specs,
		MaxCapacity: maxCapacity,
		Available:   true,
		breaker:     breaker,
	}
	m.nodes[node.ID] = node
	m.nodeOrder = append(m.nodeOrder, node.ID)
	return node
}

// RegisterEscalationHandler adds a handler invoked whenever a request is
// escalated (no eligible node, or re-routed to a higher tier).
func (m *Mesh) RegisterEscalationHandler(h EscalationHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escalationHandlers = append(m.escalationHandlers, h)
}

// RegisterResolutionHandler adds a handler invoked whenever a request is
// resolved.
func (m *Mesh) RegisterResolutionHandler(h ResolutionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolutionHandlers = append(m.resolutionHandlers, h)
}

func (m *Mesh) appendHistory(req *ServiceRequest, action string, details map[string]interface{}) {
	req.History = append(req.History, HistoryEntry{Timestamp: time.Now().UTC(), Action: action, Details: details})
}

func (m *Mesh) seenLocked(id string) bool {
	if _, ok := m.dedup[id]; ok {
		return true
	}
	if m.dedupCapacity > 0 && len(m.dedupOrder) >= m.dedupCapacity {
		oldest := m.dedupOrder[0]
		m.dedupOrder = m.dedupOrder[1:]
		delete(m.dedup, oldest)
	}
	m.dedup[id] = struct{}{}
	m.dedupOrder = append(m.dedupOrder, id)
	return false
}

// RouteRequest creates a ServiceRequest and routes it to the best
// eligible node. If requestID is non-empty and has already been routed
// (duplicate delivery of the same request id), the previously created
// ServiceRequest is returned unchanged rather than routed again.
func (m *Mesh) RouteRequest(requestID, customerID, query, topic string, priority int) *ServiceRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	if requestID != "" {
		if existing, ok := m.requests[requestID]; ok {
			return existing
		}
		m.seenLocked(requestID)
	} else {
		requestID = uuid.New().String()
	}

	req := &ServiceRequest{
		ID:         requestID,
		CustomerID: customerID,
		Query:      query,
		Topic:      topic,
		Priority:   priority,
		CreatedAt:  time.Now().UTC(),
		Status:     StatusPending,
	}
	m.requests[req.ID] = req

	node := m.selectNodeLocked(topic, "")
	if node == nil {
		req.Status = StatusEscalated
		m.appendHistory(req, "no_agents_available", map[string]interface{}{"details": "request queued for escalation"})
		m.telemetry.Counter("mesh.requests.escalated", 1, map[string]string{"topic": topic, "reason": "no_agents"})
		m.fireEscalationLocked(req)
		return req
	}

	m.assignLocked(req, node)
	m.telemetry.Counter("mesh.requests.routed", 1, map[string]string{"topic": topic, "role": string(node.Role)})
	return req
}

// eligibleLocked returns the nodes for which canHandle(topic) holds,
// optionally restricted to role.
func (m *Mesh) eligibleLocked(topic string, role Role) []*MeshNode {
	var out []*MeshNode
	for _, id := range m.nodeOrder {
		n, ok := m.nodes[id]
		if !ok {
			continue
		}
		if role != "" && n.Role != role {
			continue
		}
		if n.canHandle(topic) {
			out = append(out, n)
		}
	}
	return out
}

// selectNodeLocked applies m.strategy over the eligible set for topic
// (optionally restricted to role), returning nil if none are eligible.
func (m *Mesh) selectNodeLocked(topic string, role Role) *MeshNode {
	eligible := m.eligibleLocked(topic, role)
	if len(eligible) == 0 {
		return nil
	}

	if m.strategy == StrategyRoundRobin {
		if m.lastAssigned != "" {
			for i, n := range eligible {
				if n.ID == m.lastAssigned {
					return eligible[(i+1)%len(eligible)]
				}
			}
		}
		return eligible[0]
	}

	// least_loaded: sort by (load_percentage asc, role asc), tie-break
	// FRONTLINE < SPECIALIST < EXPERT.
	sort.Slice(eligible, func(i, j int) bool {
		li, lj := eligible[i].LoadPercentage(), eligible[j].LoadPercentage()
		if li != lj {
			return li < lj
		}
		return roleRank(eligible[i].Role) < roleRank(eligible[j].Role)
	})
	return eligible[0]
}

// assignLocked atomically increments the node's load, records history
// and transitions req to ASSIGNED. Callers must hold m.mu.
func (m *Mesh) assignLocked(req *ServiceRequest, node *MeshNode) {
	node.CurrentLoad++
	req.AssignedTo = node.ID
	req.Status = StatusAssigned
	m.lastAssigned = node.ID

	workerName := ""
	if node.Worker != nil {
		workerName = node.Worker.Name()
	}
	m.appendHistory(req, "assigned", map[string]interface{}{
		"to_node": node.ID,
		"agent":   workerName,
		"role":    string(node.Role),
	})
	m.logger.Info("mesh: assigned request", "request_id", req.ID, "node_id", node.ID, "role", node.Role)
}

func (m *Mesh) fireEscalationLocked(req *ServiceRequest) {
	snapshot := req
	handlers := append([]EscalationHandler(nil), m.escalationHandlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(snapshot)
		}()
	}
	m.mu.Lock()
}

func (m *Mesh) fireResolutionLocked(req *ServiceRequest) {
	snapshot := req
	handlers := append([]ResolutionHandler(nil), m.resolutionHandlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("mesh: resolution handler panicked", "request_id", snapshot.ID, "panic", r)
				}
			}()
			h(snapshot)
		}()
	}
	m.mu.Lock()
}

// EscalateRequest releases the current node's load and re-routes
// requestID among the nodes of the next tier, climbing tier by tier up
// to EXPERT if an intermediate tier has no eligible node. Returns false
// (and sets ESCALATION_FAILED) if no node up to and including EXPERT
// can take it, or if requestID is unknown.
func (m *Mesh) EscalateRequest(requestID, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return false
	}
	req.EscalationCount++

	currentRole := RoleFrontline
	if req.AssignedTo != "" {
		if node, ok := m.nodes[req.AssignedTo]; ok {
			node.CurrentLoad--
			if node.CurrentLoad < 0 {
				node.CurrentLoad = 0
			}
			currentRole = node.Role
		}
	}

	req.Status = StatusEscalated
	m.appendHistory(req, "escalated", map[string]interface{}{"reason": reason, "from_node": req.AssignedTo})

	// Climb tiers from the immediate next one up to EXPERT until an
	// eligible node is found; a tier with no eligible node (e.g. no
	// SPECIALIST in the mesh) is skipped rather than failing the
	// escalation outright.
	var node *MeshNode
	for tier := nextTier(currentRole); ; tier = nextTier(tier) {
		node = m.selectNodeLocked(req.Topic, tier)
		if node != nil || tier == RoleExpert {
			break
		}
	}
	if node == nil {
		req.Status = StatusEscalationFailed
		return false
	}

	// Re-enters ASSIGNED at the next tier.
	m.assignLocked(req, node)
	m.telemetry.Counter("mesh.requests.escalated", 1, map[string]string{"topic": req.Topic, "to_role": string(node.Role)})
	m.fireEscalationLocked(req)
	return true
}

// ResolveRequest transitions requestID to RESOLVED, releases its node's
// capacity and fires resolution handlers. Returns false if requestID is
// unknown, for idempotent caller behaviour.
func (m *Mesh) ResolveRequest(requestID, resolution string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return false
	}

	req.Resolution = resolution
	req.Status = StatusResolved

	if req.AssignedTo != "" {
		if node, ok := m.nodes[req.AssignedTo]; ok {
			node.CurrentLoad--
			if node.CurrentLoad < 0 {
				node.CurrentLoad = 0
			}
		}
	}

	truncated := resolution
	if len(truncated) > 100 {
		truncated = truncated[:100]
	}
	m.appendHistory(req, "resolved", map[string]interface{}{"by_node": req.AssignedTo, "resolution": truncated})
	m.telemetry.Counter("mesh.requests.resolved", 1, map[string]string{"topic": req.Topic})

	m.fireResolutionLocked(req)
	return true
}

// GetRequest returns requestID's current ServiceRequest snapshot.
func (m *Mesh) GetRequest(requestID string) (ServiceRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return ServiceRequest{}, false
	}
	return *req, true
}

// GetNode returns nodeID's current snapshot.
func (m *Mesh) GetNode(nodeID string) (MeshNode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[nodeID]
	if !ok {
		return MeshNode{}, false
	}
	return *node, true
}

// MeshStatus summarises the mesh's current utilisation.
type MeshStatus struct {
	TotalNodes       int
	TotalCapacity    int
	CurrentLoad      int
	ActiveRequests   int
	EscalationCount  int
	ResolutionCount  int
}

// GetStatus computes a MeshStatus snapshot.
func (m *Mesh) GetStatus() MeshStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	var status MeshStatus
	status.TotalNodes = len(m.nodes)
	for _, n := range m.nodes {
		status.TotalCapacity += n.MaxCapacity
		status.CurrentLoad += n.CurrentLoad
	}
	for _, r := range m.requests {
		if r.Status != StatusResolved && r.Status != StatusEscalationFailed {
			status.ActiveRequests++
		}
		status.EscalationCount += r.EscalationCount
		if r.Status == StatusResolved {
			status.ResolutionCount++
		}
	}
	return status
}
