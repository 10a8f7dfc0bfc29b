// Package escalation implements the human-in-the-loop escalation
// manager: a bounded-lifetime queue of review requests with reviewer
// assignment, expiry, and callback-driven resolution.
package escalation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentfabric/meshrt/core"
)

// Priority orders an EscalationRequest's urgency: URGENT > HIGH > MEDIUM
// > LOW.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

func priorityRank(p Priority) int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Status is an EscalationRequest's lifecycle position. PENDING is the
// only creation status; APPROVED/REJECTED/EXPIRED are terminal.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
)

// Request is a human-review escalation request.
type Request struct {
	ID          string
	Title       string
	Description string
	Context     map[string]interface{}
	RequesterID string
	Priority    Priority
	Status      Status
	CreatedAt   time.Time
	ExpiresAt   time.Time
	AssignedTo  string
	Resolution  string
	ResolvedBy  string
	ResolvedAt  time.Time
}

// Reviewer is a human reviewer available to decide escalations.
type Reviewer struct {
	ID             string
	Name           string
	MaxConcurrent  int
	CurrentLoad    int
	Specialties    []string
	ResolvedCount  int
}

// Callback is invoked once, with the final Request, on its terminal
// transition.
type Callback func(req Request)

// DefaultTimeout is used when CreateEscalation's timeout is zero.
const DefaultTimeout = 30 * time.Minute

// Manager owns the active-request map and reviewer pool, serialising
// every mutation behind a single lock; callback fan-out releases the
// lock before invoking user code.
type Manager struct {
	logger     core.Logger
	telemetry  core.Telemetry
	autoAssign bool

	mu                sync.Mutex
	active            map[string]*Request
	history           []Request
	reviewers         map[string]*Reviewer
	approvalCallbacks map[string][]Callback
	rejectionCallbacks map[string][]Callback
	escalationCallbacks []func(req Request)

	escalationCount int
	approvalCount   int
	rejectionCount  int
	avgResolution   time.Duration

	sweeperCancel context.CancelFunc
	sweeperDone   chan struct{}
}

// Config configures a Manager.
type Config struct {
	AutoAssign bool
	Logger     core.Logger
	Telemetry  core.Telemetry
}

// New builds an empty Manager.
func New(config Config) *Manager {
	if config.Logger == nil {
		config.Logger = core.NoOpLogger{}
	}
	if config.Telemetry == nil {
		config.Telemetry = core.NoOpTelemetry{}
	}
	return &Manager{
		logger:             config.Logger,
		telemetry:          config.Telemetry,
		autoAssign:         config.AutoAssign,
		active:             make(map[string]*Request),
		reviewers:          make(map[string]*Reviewer),
		approvalCallbacks:  make(map[string][]Callback),
		rejectionCallbacks: make(map[string][]Callback),
	}
}

// AddReviewer registers a human reviewer available for auto-assignment.
func (m *Manager) AddReviewer(id, name string, maxConcurrent int, specialties []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reviewers[id] = &Reviewer{ID: id, Name: name, MaxConcurrent: maxConcurrent, Specialties: specialties}
}

// bestReviewerLocked filters reviewers with spare capacity and, if the
// request's context carries a "topic", by a case-insensitive substring
// match against the reviewer's specialties; the remaining candidates are
// sorted by (current_load asc, resolved_count desc) and the first is
// returned.
func (m *Manager) bestReviewerLocked(req *Request) *Reviewer {
	topic, _ := req.Context["topic"].(string)
	topic = strings.ToLower(topic)

	var candidates []*Reviewer
	for _, r := range m.reviewers {
		if r.CurrentLoad >= r.MaxConcurrent {
			continue
		}
		if topic != "" {
			match := false
			for _, s := range r.Specialties {
				if strings.Contains(strings.ToLower(s), topic) {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CurrentLoad != candidates[j].CurrentLoad {
			return candidates[i].CurrentLoad < candidates[j].CurrentLoad
		}
		return candidates[i].ResolvedCount > candidates[j].ResolvedCount
	})
	return candidates[0]
}

// CreateEscalation allocates a PENDING Request expiring after timeout
// (DefaultTimeout if zero), auto-assigning the best reviewer when
// autoAssign is enabled.
func (m *Manager) CreateEscalation(title, description, requesterID string, priority Priority, ctxData map[string]interface{}, timeout time.Duration) Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	if timeout == 0 {
		timeout = DefaultTimeout
	}
	now := time.Now().UTC()
	req := &Request{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		Context:     ctxData,
		RequesterID: requesterID,
		Priority:    priority,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(timeout),
	}

	if m.autoAssign {
		if reviewer := m.bestReviewerLocked(req); reviewer != nil {
			req.AssignedTo = reviewer.ID
			reviewer.CurrentLoad++
		}
	}

	m.active[req.ID] = req
	m.escalationCount++
	m.telemetry.Counter("escalation.created", 1, map[string]string{"priority": string(priority)})

	snapshot := *req
	callbacks := append([]func(req Request){}, m.escalationCallbacks...)
	m.mu.Unlock()
	for _, cb := range callbacks {
		func() {
			defer func() { recover() }()
			cb(snapshot)
		}()
	}
	m.mu.Lock()

	return snapshot
}

// RegisterApprovalCallback registers a callback fired once if requestID
// is approved.
func (m *Manager) RegisterApprovalCallback(requestID string, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvalCallbacks[requestID] = append(m.approvalCallbacks[requestID], cb)
}

// RegisterRejectionCallback registers a callback fired once if requestID
// is rejected.
func (m *Manager) RegisterRejectionCallback(requestID string, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectionCallbacks[requestID] = append(m.rejectionCallbacks[requestID], cb)
}

// RegisterEscalationCallback registers a callback fired on every new
// escalation.
func (m *Manager) RegisterEscalationCallback(cb func(req Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escalationCallbacks = append(m.escalationCallbacks, cb)
}

// ProcessApproval decides requestID. It fails silently (returns false)
// if the id is unknown, the request has expired, or it is no longer
// PENDING. Callback errors are isolated and never propagate.
func (m *Manager) ProcessApproval(requestID, reviewerID string, approved bool, comments string) bool {
	m.mu.Lock()

	req, ok := m.active[requestID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if m.expiredLocked(req) {
		m.mu.Unlock()
		return false
	}
	if req.Status != StatusPending {
		m.mu.Unlock()
		return false
	}

	now := time.Now().UTC()
	if approved {
		req.Status = StatusApproved
		m.approvalCount++
	} else {
		req.Status = StatusRejected
		m.rejectionCount++
	}
	req.ResolvedBy = reviewerID
	req.ResolvedAt = now
	if comments != "" {
		req.Resolution = comments
	} else if approved {
		req.Resolution = "Approved"
	} else {
		req.Resolution = "Rejected"
	}

	if req.AssignedTo != "" {
		if reviewer, ok := m.reviewers[req.AssignedTo]; ok {
			reviewer.CurrentLoad--
			if reviewer.CurrentLoad < 0 {
				reviewer.CurrentLoad = 0
			}
			reviewer.ResolvedCount++
		}
	}

	total := m.approvalCount + m.rejectionCount
	delta := req.ResolvedAt.Sub(req.CreatedAt)
	if total > 1 {
		m.avgResolution = time.Duration((int64(m.avgResolution)*int64(total-1) + int64(delta)) / int64(total))
	} else {
		m.avgResolution = delta
	}

	snapshot := *req
	delete(m.active, requestID)
	m.history = append(m.history, snapshot)
	m.telemetry.Counter("escalation.resolved", 1, map[string]string{"status": string(req.Status)})

	var callbacks []Callback
	if approved {
		callbacks = m.approvalCallbacks[requestID]
	} else {
		callbacks = m.rejectionCallbacks[requestID]
	}
	delete(m.approvalCallbacks, requestID)
	delete(m.rejectionCallbacks, requestID)

	m.mu.Unlock()
	for _, cb := range callbacks {
		func() {
			defer func() { recover() }()
			cb(snapshot)
		}()
	}
	return true
}

// expiredLocked reports whether req's deadline has passed, without
// mutating its status (that is CleanupExpired's job, run under its own
// critical section).
func (m *Manager) expiredLocked(req *Request) bool {
	return !req.ExpiresAt.IsZero() && time.Now().UTC().After(req.ExpiresAt)
}

// CleanupExpired moves every active request past its deadline into
// EXPIRED status and history, releasing its reviewer's load and dropping
// its callbacks. Returns the number of requests expired.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expiredIDs []string
	for id, req := range m.active {
		if m.expiredLocked(req) {
			expiredIDs = append(expiredIDs, id)
		}
	}

	for _, id := range expiredIDs {
		req := m.active[id]
		req.Status = StatusExpired

		if req.AssignedTo != "" {
			if reviewer, ok := m.reviewers[req.AssignedTo]; ok {
				reviewer.CurrentLoad--
				if reviewer.CurrentLoad < 0 {
					reviewer.CurrentLoad = 0
				}
			}
		}

		m.history = append(m.history, *req)
		delete(m.active, id)
		delete(m.approvalCallbacks, id)
		delete(m.rejectionCallbacks, id)
	}

	if len(expiredIDs) > 0 {
		m.telemetry.Counter("escalation.expired", float64(len(expiredIDs)), nil)
	}
	return len(expiredIDs)
}

// StartSweeper launches a background goroutine that calls CleanupExpired
// every interval until ctx is cancelled or StopSweeper is called.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.sweeperCancel = cancel
	m.sweeperDone = make(chan struct{})
	done := m.sweeperDone
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.CleanupExpired(); n > 0 {
					m.logger.Info("escalation: swept expired requests", "count", n)
				}
			}
		}
	}()
}

// StopSweeper stops the background sweeper started by StartSweeper, if
// any, and waits for it to exit.
func (m *Manager) StopSweeper() {
	m.mu.Lock()
	cancel := m.sweeperCancel
	done := m.sweeperDone
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// GetPendingEscalations returns active, non-expired requests ordered by
// priority (URGENT > HIGH > MEDIUM > LOW) then creation time descending,
// optionally filtered to those assigned to reviewerID.
func (m *Manager) GetPendingEscalations(reviewerID string) []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Request
	for _, req := range m.active {
		if m.expiredLocked(req) {
			continue
		}
		if reviewerID != "" && req.AssignedTo != reviewerID {
			continue
		}
		out = append(out, *req)
	}

	sort.Slice(out, func(i, j int) bool {
		pi, pj := priorityRank(out[i].Priority), priorityRank(out[j].Priority)
		if pi != pj {
			return pi > pj
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Statistics summarises the manager's running counters.
type Statistics struct {
	TotalEscalations int
	ActiveEscalations int
	Approved         int
	Rejected         int
	ApprovalRate     float64
	AvgResolution    time.Duration
}

// GetStatistics computes a Statistics snapshot.
func (m *Manager) GetStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := m.approvalCount + m.rejectionCount
	var rate float64
	if total > 0 {
		rate = float64(m.approvalCount) / float64(total)
	}
	return Statistics{
		TotalEscalations:  m.escalationCount,
		ActiveEscalations: len(m.active),
		Approved:          m.approvalCount,
		Rejected:          m.rejectionCount,
		ApprovalRate:      rate,
		AvgResolution:     m.avgResolution,
	}
}

// GetRequest returns requestID's current snapshot, searching active
// requests first, then history.
func (m *Manager) GetRequest(requestID string) (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req, ok := m.active[requestID]; ok {
		return *req, true
	}
	for _, req := range m.history {
		if req.ID == requestID {
			return req, true
		}
	}
	return Request{}, false
}
