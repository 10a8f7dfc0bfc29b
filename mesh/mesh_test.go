package mesh

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfabric/meshrt/core"
)

type stubWorker struct {
	name        string
	specialties []string
}

func (w stubWorker) Name() string            { return w.name }
func (w stubWorker) Specialties() []string   { return w.specialties }
func (w stubWorker) Execute(context.Context, string, map[string]interface{}) (core.WorkerResponse, error) {
	return core.WorkerResponse{Content: "ok"}, nil
}

func TestRouteRequestHappyPathGoesToFrontline(t *testing.T) {
	m := New(Config{})
	f1 := m.AddNode(stubWorker{name: "F1"}, RoleFrontline, nil, 5, nil)
	m.AddNode(stubWorker{name: "S1"}, RoleSpecialist, []string{"billing"}, 3, nil)

	req := m.RouteRequest("", "c1", "pw reset", "general", 5)

	assert.Equal(t, StatusAssigned, req.Status)
	assert.Equal(t, f1.ID, req.AssignedTo)
	node, _ := m.GetNode(f1.ID)
	assert.Equal(t, 1, node.CurrentLoad)
}

func TestRouteRequestTopicSpecialisation(t *testing.T) {
	m := New(Config{})
	f1 := m.AddNode(stubWorker{name: "F1"}, RoleFrontline, nil, 5, nil)
	s1 := m.AddNode(stubWorker{name: "S1"}, RoleSpecialist, []string{"billing"}, 3, nil)

	// F1 has no specialties so it accepts any topic, including billing;
	// tie-break in least_loaded prefers FRONTLINE over SPECIALIST.
	req := m.RouteRequest("", "c1", "refund please", "billing", 5)
	assert.Equal(t, f1.ID, req.AssignedTo)

	// Once F1 declares "general" as its only specialty it can no longer
	// take "billing"; S1 is the only eligible node.
	m2 := New(Config{})
	f2 := m2.AddNode(stubWorker{name: "F1"}, RoleFrontline, []string{"general"}, 5, nil)
	s2 := m2.AddNode(stubWorker{name: "S1"}, RoleSpecialist, []string{"billing"}, 3, nil)
	req2 := m2.RouteRequest("", "c1", "refund please", "billing", 5)
	assert.Equal(t, s2.ID, req2.AssignedTo)
	_ = s1
	_ = f2
}

func TestEscalationChainToExpert(t *testing.T) {
	m := New(Config{})
	f1 := m.AddNode(stubWorker{name: "F1"}, RoleFrontline, nil, 1, nil)
	f1.CurrentLoad = 1 // saturate it directly so routing finds no eligible node

	req := m.RouteRequest("", "c1", "help", "general", 5)
	assert.Equal(t, StatusEscalated, req.Status)

	e1 := m.AddNode(stubWorker{name: "E1"}, RoleExpert, nil, 1, nil)
	ok := m.EscalateRequest(req.ID, "retry")
	require.True(t, ok)

	node, _ := m.GetNode(e1.ID)
	assert.Equal(t, 1, node.CurrentLoad)
	got, _ := m.GetRequest(req.ID)
	assert.Equal(t, e1.ID, got.AssignedTo)
}

func TestRouteRequestIdempotentOnDuplicateID(t *testing.T) {
	m := New(Config{})
	f1 := m.AddNode(stubWorker{name: "F1"}, RoleFrontline, nil, 5, nil)

	first := m.RouteRequest("dup-1", "c1", "hi", "general", 5)
	second := m.RouteRequest("dup-1", "c1", "hi", "general", 5)

	assert.Equal(t, first.AssignedTo, second.AssignedTo)
	node, _ := m.GetNode(f1.ID)
	assert.Equal(t, 1, node.CurrentLoad, "duplicate delivery must not increment load twice")
}

func TestResolveRequestReleasesLoadAndFiresHandlers(t *testing.T) {
	m := New(Config{})
	f1 := m.AddNode(stubWorker{name: "F1"}, RoleFrontline, nil, 5, nil)

	var resolved *ServiceRequest
	m.RegisterResolutionHandler(func(req *ServiceRequest) { resolved = req })

	req := m.RouteRequest("", "c1", "hi", "general", 5)
	ok := m.ResolveRequest(req.ID, "fixed it")
	require.True(t, ok)

	node, _ := m.GetNode(f1.ID)
	assert.Equal(t, 0, node.CurrentLoad)
	require.NotNil(t, resolved)
	assert.Equal(t, StatusResolved, resolved.Status)
}

func TestEscalateUnknownRequestReturnsFalse(t *testing.T) {
	m := New(Config{})
	assert.False(t, m.EscalateRequest("nope", "reason"))
}

func TestRoundRobinStrategyPicksSuccessor(t *testing.T) {
	m := New(Config{Strategy: StrategyRoundRobin})
	a := m.AddNode(stubWorker{name: "A"}, RoleFrontline, nil, 5, nil)
	b := m.AddNode(stubWorker{name: "B"}, RoleFrontline, nil, 5, nil)

	first := m.RouteRequest("", "c1", "q1", "general", 5)
	second := m.RouteRequest("", "c1", "q2", "general", 5)

	assert.NotEqual(t, first.AssignedTo, second.AssignedTo)
	assigned := map[string]bool{a.ID: true, b.ID: true}
	assert.True(t, assigned[first.AssignedTo])
	assert.True(t, assigned[second.AssignedTo])
}
