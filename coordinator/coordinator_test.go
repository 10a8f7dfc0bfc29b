package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfabric/meshrt/core"
)

type fakeWorker struct {
	name string
	err  error
}

func (w fakeWorker) Name() string          { return w.name }
func (w fakeWorker) Specialties() []string { return nil }
func (w fakeWorker) Execute(context.Context, string, map[string]interface{}) (core.WorkerResponse, error) {
	if w.err != nil {
		return core.WorkerResponse{}, w.err
	}
	return core.WorkerResponse{Content: "done"}, nil
}

func TestDelegateTaskLoadBalancedPicksLeastLoaded(t *testing.T) {
	c := New([]core.Worker{fakeWorker{name: "a"}, fakeWorker{name: "b"}}, Config{Strategy: StrategyLoadBalanced})

	first, err := c.DelegateTask("task 1")
	require.NoError(t, err)
	second, err := c.DelegateTask("task 2")
	require.NoError(t, err)

	assert.NotEqual(t, first.AssignedTo, second.AssignedTo, "second delegation goes to the now-least-loaded worker")
	assert.Equal(t, 1, c.Workload()[first.AssignedTo])
	assert.Equal(t, 1, c.Workload()[second.AssignedTo])
}

func TestDelegateTaskRoundRobinCyclesWorkers(t *testing.T) {
	c := New([]core.Worker{fakeWorker{name: "a"}, fakeWorker{name: "b"}}, Config{Strategy: StrategyRoundRobin})

	first, _ := c.DelegateTask("t1")
	second, _ := c.DelegateTask("t2")
	third, _ := c.DelegateTask("t3")

	assert.Equal(t, "a", first.AssignedTo)
	assert.Equal(t, "b", second.AssignedTo)
	assert.Equal(t, "a", third.AssignedTo)
}

func TestExecuteTaskDecrementsWorkloadOnSuccessAndFailure(t *testing.T) {
	c := New([]core.Worker{fakeWorker{name: "a"}, fakeWorker{name: "b", err: errors.New("boom")}}, Config{Strategy: StrategyRoundRobin})

	okAssignment, _ := c.DelegateTask("t1")
	_, err := c.ExecuteTask(context.Background(), okAssignment, nil)
	require.NoError(t, err)
	assert.Equal(t, AssignmentCompleted, okAssignment.Status)
	assert.Equal(t, 0, c.Workload()["a"])

	failAssignment, _ := c.DelegateTask("t2")
	_, err = c.ExecuteTask(context.Background(), failAssignment, nil)
	require.Error(t, err)
	assert.True(t, core.IsRetryable(err))
	assert.Equal(t, AssignmentFailed, failAssignment.Status)
	assert.Equal(t, 0, c.Workload()["b"])
}

func TestCoordinateAggregatesSubtaskResults(t *testing.T) {
	c := New([]core.Worker{fakeWorker{name: "a"}, fakeWorker{name: "b"}}, Config{Strategy: StrategyRoundRobin})

	result, err := c.Coordinate(context.Background(), "big task", []string{"sub1", "sub2"}, nil)
	require.NoError(t, err)
	assert.Len(t, result.Assignments, 2)
	assert.Len(t, result.Results, 2)
	assert.Len(t, c.History(), 2)
}

func TestDelegateTaskNoWorkersIsValidationError(t *testing.T) {
	c := New(nil, Config{})
	_, err := c.DelegateTask("t1")
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
}
