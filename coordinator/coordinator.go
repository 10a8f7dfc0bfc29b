// Package coordinator implements task delegation over a pool of workers:
// round-robin or least-loaded selection, per-worker workload accounting,
// and a transparent reasoning trace for every delegation.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentfabric/meshrt/core"
)

// Strategy selects how delegate_task picks the next worker.
type Strategy string

const (
	StrategyRoundRobin   Strategy = "round_robin"
	StrategyLoadBalanced Strategy = "load_balanced"
)

// AssignmentStatus is a TaskAssignment's lifecycle position.
type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "PENDING"
	AssignmentRunning   AssignmentStatus = "RUNNING"
	AssignmentCompleted AssignmentStatus = "COMPLETED"
	AssignmentFailed    AssignmentStatus = "FAILED"
)

// TaskAssignment records one delegation of a task description to a named
// worker.
type TaskAssignment struct {
	ID          string
	Description string
	AssignedTo  string
	Status      AssignmentStatus
	Result      core.WorkerResponse
	Err         error
	CreatedAt   time.Time
	CompletedAt time.Time
}

// DelegationReasoning is the transparency trace recorded on every
// delegate_task call.
type DelegationReasoning struct {
	Task            string
	Selected        string
	Reasoning       string
	WorkloadBefore  map[string]int
	WorkloadAfter   map[string]int
}

// Coordinator wraps a pool of workers, delegating tasks to them under a
// chosen strategy and tracking each worker's outstanding workload.
type Coordinator struct {
	logger core.Logger

	mu              sync.Mutex
	workers         map[string]core.Worker
	order           []string // insertion order, for round_robin's successor walk
	workload        map[string]int
	strategy        Strategy
	lastDelegatedTo string
	assignments     map[string]*TaskAssignment
	history         []DelegationReasoning
}

// Config configures a Coordinator.
type Config struct {
	Strategy Strategy // defaults to load_balanced
	Logger   core.Logger
}

// New builds a Coordinator over workers.
func New(workers []core.Worker, config Config) *Coordinator {
	if config.Strategy == "" {
		config.Strategy = StrategyLoadBalanced
	}
	if config.Logger == nil {
		config.Logger = core.NoOpLogger{}
	}
	c := &Coordinator{
		logger:      config.Logger,
		workers:     make(map[string]core.Worker, len(workers)),
		workload:    make(map[string]int, len(workers)),
		strategy:    config.Strategy,
		assignments: make(map[string]*TaskAssignment),
	}
	for _, w := range workers {
		c.workers[w.Name()] = w
		c.workload[w.Name()] = 0
		c.order = append(c.order, w.Name())
	}
	return c
}

func (c *Coordinator) workloadSnapshotLocked() map[string]int {
	snap := make(map[string]int, len(c.workload))
	for k, v := range c.workload {
		snap[k] = v
	}
	return snap
}

func (c *Coordinator) selectRoundRobinLocked() string {
	if len(c.order) == 0 {
		return ""
	}
	if c.lastDelegatedTo == "" {
		return c.order[0]
	}
	for i, name := range c.order {
		if name == c.lastDelegatedTo {
			return c.order[(i+1)%len(c.order)]
		}
	}
	return c.order[0]
}

func (c *Coordinator) selectLoadBalancedLocked() string {
	best := ""
	bestLoad := 0
	for _, name := range c.order {
		load := c.workload[name]
		if best == "" || load < bestLoad {
			best = name
			bestLoad = load
		}
	}
	return best
}

// DelegateTask selects a worker per the configured strategy, creates a
// PENDING TaskAssignment, increments the selected worker's workload and
// records a DelegationReasoning for transparency.
func (c *Coordinator) DelegateTask(task string) (*TaskAssignment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.workers) == 0 {
		return nil, core.NewFrameworkError("delegate_task", core.KindValidation, "", "no workers registered", core.ErrValidation)
	}

	var selected string
	var reasoning string
	if c.strategy == StrategyRoundRobin {
		selected = c.selectRoundRobinLocked()
		reasoning = "round robin successor"
	} else {
		selected = c.selectLoadBalancedLocked()
		reasoning = "least loaded worker"
	}
	c.lastDelegatedTo = selected

	before := c.workloadSnapshotLocked()
	c.workload[selected]++
	after := c.workloadSnapshotLocked()

	assignment := &TaskAssignment{
		ID:          uuid.New().String(),
		Description: task,
		AssignedTo:  selected,
		Status:      AssignmentPending,
		CreatedAt:   time.Now().UTC(),
	}
	c.assignments[assignment.ID] = assignment

	c.history = append(c.history, DelegationReasoning{
		Task:           task,
		Selected:       selected,
		Reasoning:      reasoning,
		WorkloadBefore: before,
		WorkloadAfter:  after,
	})

	return assignment, nil
}

// ExecuteTask runs the worker assigned to assignment and decrements its
// workload on completion, success or failure alike.
func (c *Coordinator) ExecuteTask(ctx context.Context, assignment *TaskAssignment, workerCtx map[string]interface{}) (core.WorkerResponse, error) {
	c.mu.Lock()
	worker, ok := c.workers[assignment.AssignedTo]
	c.mu.Unlock()
	if !ok {
		return core.WorkerResponse{}, core.NewFrameworkError("execute_task", core.KindValidation, assignment.AssignedTo, "worker not found", core.ErrValidation)
	}

	assignment.Status = AssignmentRunning
	resp, err := worker.Execute(ctx, assignment.Description, workerCtx)

	c.mu.Lock()
	c.workload[assignment.AssignedTo]--
	if c.workload[assignment.AssignedTo] < 0 {
		c.workload[assignment.AssignedTo] = 0
	}
	c.mu.Unlock()

	assignment.CompletedAt = time.Now().UTC()
	if err != nil {
		assignment.Status = AssignmentFailed
		assignment.Err = err
		return core.WorkerResponse{}, core.NewFrameworkError("execute_task", core.KindWorkerError, assignment.AssignedTo, "worker failed", err)
	}
	assignment.Status = AssignmentCompleted
	assignment.Result = resp
	return resp, nil
}

// SubtaskResult is one entry of Coordinate's aggregate result.
type SubtaskResult struct {
	Subtask string
	Worker  string
	Result  core.WorkerResponse
	Err     error
}

// CoordinateResult is the structured aggregate Coordinate returns.
type CoordinateResult struct {
	Task        string
	Assignments []*TaskAssignment
	Results     []SubtaskResult
}

// Coordinate serialises delegation-then-execution of each subtask and
// returns a structured aggregate.
func (c *Coordinator) Coordinate(ctx context.Context, task string, subtasks []string, workerCtx map[string]interface{}) (CoordinateResult, error) {
	out := CoordinateResult{Task: task}
	for _, subtask := range subtasks {
		assignment, err := c.DelegateTask(subtask)
		if err != nil {
			return out, err
		}
		out.Assignments = append(out.Assignments, assignment)

		resp, err := c.ExecuteTask(ctx, assignment, workerCtx)
		out.Results = append(out.Results, SubtaskResult{Subtask: subtask, Worker: assignment.AssignedTo, Result: resp, Err: err})
	}
	return out, nil
}

// Workload returns a snapshot of every worker's current workload.
func (c *Coordinator) Workload() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workloadSnapshotLocked()
}

// History returns every DelegationReasoning recorded so far.
func (c *Coordinator) History() []DelegationReasoning {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]DelegationReasoning(nil), c.history...)
}

// ResetWorkload zeroes every worker's workload counter.
func (c *Coordinator) ResetWorkload() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.workload {
		c.workload[name] = 0
	}
}
