package services

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/manthysbr/mandos/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecutor(env *testEnv, planner Planner) *GraphExecutor {
	return NewGraphExecutor(env.logger, env.jobs, env.registry, planner, env.bus, 4)
}

func TestGraphExecutor_LinearChain(t *testing.T) {
	env := newTestEnv(1)
	expert := env.addExpert("Solver")
	exec := newExecutor(env, nil)

	originalID, ids := env.buildGraph(t, expert,
		[]string{"first", "second", "third"},
		[][2]string{{"first", "second"}, {"second", "third"}},
	)

	env.workflow.on("second", func(_ context.Context, job *domain.SubJob, inputs []domain.WorkflowMessage, _ string) (domain.WorkflowMessage, error) {
		require.Len(t, inputs, 1)
		assert.Equal(t, "done: first", inputs[0].Scratchpad)
		return successMsg(job, "done: second")
	})

	require.NoError(t, exec.ExecuteJobGraph(context.Background(), originalID))

	assert.Equal(t, []string{"first", "second", "third"}, env.workflow.order())
	for _, id := range ids {
		result, err := env.jobs.GetJobResult(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFinished, result.Status)
	}

	result, err := env.jobs.QueryJobResult(context.Background(), originalID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFinished, result.Status)
}

func TestGraphExecutor_DiamondFanOutFanIn(t *testing.T) {
	env := newTestEnv(1)
	expert := env.addExpert("Solver")
	exec := newExecutor(env, nil)

	originalID, _ := env.buildGraph(t, expert,
		[]string{"source", "left", "right", "merge"},
		[][2]string{{"source", "left"}, {"source", "right"}, {"left", "merge"}, {"right", "merge"}},
	)

	env.workflow.on("merge", func(_ context.Context, job *domain.SubJob, inputs []domain.WorkflowMessage, _ string) (domain.WorkflowMessage, error) {
		require.Len(t, inputs, 2)
		scratchpads := []string{inputs[0].Scratchpad, inputs[1].Scratchpad}
		assert.Contains(t, scratchpads, "done: left")
		assert.Contains(t, scratchpads, "done: right")
		return successMsg(job, "merged")
	})

	require.NoError(t, exec.ExecuteJobGraph(context.Background(), originalID))

	order := env.workflow.order()
	require.Len(t, order, 4)
	assert.Equal(t, "source", order[0])
	assert.Equal(t, "merge", order[3])

	result, err := env.jobs.QueryJobResult(context.Background(), originalID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFinished, result.Status)
}

func TestGraphExecutor_BackwardInvalidation(t *testing.T) {
	env := newTestEnv(1)
	expert := env.addExpert("Solver")
	exec := newExecutor(env, nil)

	originalID, ids := env.buildGraph(t, expert,
		[]string{"produce", "consume"},
		[][2]string{{"produce", "consume"}},
	)

	var produceLessons []string
	env.workflow.on("produce", func(_ context.Context, job *domain.SubJob, _ []domain.WorkflowMessage, lesson string) (domain.WorkflowMessage, error) {
		produceLessons = append(produceLessons, lesson)
		if lesson == "" {
			return successMsg(job, "a word")
		}
		return successMsg(job, "42")
	})
	env.workflow.on("consume", func(_ context.Context, job *domain.SubJob, inputs []domain.WorkflowMessage, _ string) (domain.WorkflowMessage, error) {
		require.Len(t, inputs, 1)
		if inputs[0].Scratchpad != "42" {
			return domain.NewWorkflowMessage(job.ID, domain.WorkflowStatusInputDataError,
				"", "input is not numeric", "the input must be a number"), nil
		}
		return successMsg(job, "consumed 42")
	})

	require.NoError(t, exec.ExecuteJobGraph(context.Background(), originalID))

	assert.Equal(t, 2, env.workflow.callCount("produce"))
	assert.Equal(t, 2, env.workflow.callCount("consume"))
	require.Len(t, produceLessons, 2)
	assert.Equal(t, "", produceLessons[0])
	assert.Contains(t, produceLessons[1], "must be a number")

	for _, id := range ids {
		result, err := env.jobs.GetJobResult(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFinished, result.Status)
	}
}

func TestGraphExecutor_DeadlockDetection(t *testing.T) {
	env := newTestEnv(1)
	expert := env.addExpert("Solver")
	exec := newExecutor(env, nil)

	// cyclic graph: neither vertex can ever become ready
	originalID, _ := env.buildGraph(t, expert,
		[]string{"chicken", "egg"},
		[][2]string{{"chicken", "egg"}, {"egg", "chicken"}},
	)

	err := exec.ExecuteJobGraph(context.Background(), originalID)
	require.ErrorIs(t, err, domain.ErrDeadlock)

	assert.Empty(t, env.workflow.order())

	result, err := env.jobs.GetJobResult(context.Background(), originalID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, result.Status)
}

func TestGraphExecutor_DanglingEdgeInSnapshot(t *testing.T) {
	env := newTestEnv(1)
	env.addExpert("Solver")
	exec := newExecutor(env, nil)
	ctx := context.Background()

	// a persisted snapshot referencing an absent vertex never loads
	job := domain.NewJob("", "original goal", "")
	job.DAG = `{"vertices":[{"id":"a"}],"edges":[{"source":"a","target":"ghost"}]}`
	require.NoError(t, env.jobs.SaveJob(ctx, job))

	_, err := env.jobs.GetJobGraph(ctx, job.ID)
	require.ErrorIs(t, err, domain.ErrJobNotFound)

	err = exec.ExecuteJobGraph(ctx, job.ID)
	require.ErrorIs(t, err, domain.ErrJobNotFound)
	assert.Empty(t, env.workflow.order())
}

func TestGraphExecutor_FailedSinkFailsOriginal(t *testing.T) {
	env := newTestEnv(2)
	expert := env.addExpert("Solver")
	exec := newExecutor(env, nil)

	originalID, ids := env.buildGraph(t, expert, []string{"doomed"}, nil)

	env.workflow.on("doomed", func(_ context.Context, job *domain.SubJob, _ []domain.WorkflowMessage, _ string) (domain.WorkflowMessage, error) {
		return domain.NewWorkflowMessage(job.ID, domain.WorkflowStatusExecutionError,
			"partial output", "tool call failed", "check the tool arguments"), nil
	})

	require.NoError(t, exec.ExecuteJobGraph(context.Background(), originalID))

	// maxRetryCount=2 means three invocations in total
	assert.Equal(t, 3, env.workflow.callCount("doomed"))

	result, err := env.jobs.GetJobResult(context.Background(), ids["doomed"])
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, result.Status)

	original, err := env.jobs.QueryJobResult(context.Background(), originalID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, original.Status)
}

// fakePlanner decomposes any job into the scripted goals.
type fakePlanner struct {
	env   *testEnv
	goals []string
	calls atomic.Int32
}

func (p *fakePlanner) Plan(ctx context.Context, msg domain.AgentMessage) (*domain.JobGraph, error) {
	p.calls.Add(1)
	sub, err := p.env.jobs.GetSubJob(ctx, msg.JobID)
	if err != nil {
		return nil, err
	}
	expert, err := p.env.registry.ByName("Solver")
	if err != nil {
		return nil, err
	}

	graph := domain.NewJobGraph()
	var prev string
	for _, goal := range p.goals {
		replacement := domain.NewSubJob(sub.OriginalJobID, sub.SessionID, goal, goal, expert.ID(), sub.LifeCycle)
		if err := p.env.jobs.SaveSubJob(ctx, replacement); err != nil {
			return nil, err
		}
		graph.BindJob(replacement)
		if prev != "" {
			if err := graph.AddEdge(prev, replacement.ID); err != nil {
				return nil, err
			}
		}
		prev = replacement.ID
	}
	return graph, nil
}

func TestGraphExecutor_RecursiveDecomposition(t *testing.T) {
	env := newTestEnv(1)
	expert := env.addExpert("Solver")
	planner := &fakePlanner{env: env, goals: []string{"step one", "step two"}}
	exec := newExecutor(env, planner)

	originalID, ids := env.buildGraph(t, expert, []string{"too hard"}, nil)

	env.workflow.on("too hard", func(_ context.Context, job *domain.SubJob, _ []domain.WorkflowMessage, _ string) (domain.WorkflowMessage, error) {
		return domain.NewWorkflowMessage(job.ID, domain.WorkflowStatusJobTooComplicatedError,
			"", "beyond a single expert", ""), nil
	})

	require.NoError(t, exec.ExecuteJobGraph(context.Background(), originalID))

	assert.Equal(t, int32(1), planner.calls.Load())
	assert.Equal(t, 1, env.workflow.callCount("too hard"))
	assert.Equal(t, 1, env.workflow.callCount("step one"))
	assert.Equal(t, 1, env.workflow.callCount("step two"))

	// replaced sub-job is legacy, with its decomposition budget spent once
	sub, err := env.jobs.GetSubJob(context.Background(), ids["too hard"])
	require.NoError(t, err)
	assert.True(t, sub.IsLegacy)
	assert.Equal(t, DefaultLifeCycle-1, sub.LifeCycle)

	result, err := env.jobs.QueryJobResult(context.Background(), originalID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFinished, result.Status)
}

func TestGraphExecutor_LifeCycleExhausted(t *testing.T) {
	env := newTestEnv(1)
	expert := env.addExpert("Solver")
	planner := &fakePlanner{env: env, goals: []string{"never reached"}}
	exec := newExecutor(env, planner)

	ctx := context.Background()
	job := domain.NewJob("", "original goal", "")
	require.NoError(t, env.jobs.SaveJob(ctx, job))

	sub := domain.NewSubJob(job.ID, job.SessionID, "too hard", "too hard", expert.ID(), 1)
	require.NoError(t, env.jobs.SaveSubJob(ctx, sub))
	graph := domain.NewJobGraph()
	graph.BindJob(sub)
	require.NoError(t, env.jobs.ReplaceSubgraph(ctx, job.ID, graph, nil))
	require.NoError(t, env.jobs.SaveJobResult(ctx, &domain.JobResult{JobID: job.ID, Status: domain.JobStatusRunning}))

	env.workflow.on("too hard", func(_ context.Context, j *domain.SubJob, _ []domain.WorkflowMessage, _ string) (domain.WorkflowMessage, error) {
		return domain.NewWorkflowMessage(j.ID, domain.WorkflowStatusJobTooComplicatedError,
			"", "beyond a single expert", ""), nil
	})

	require.NoError(t, exec.ExecuteJobGraph(ctx, job.ID))

	assert.Equal(t, int32(0), planner.calls.Load())

	result, err := env.jobs.GetJobResult(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, result.Status)

	original, err := env.jobs.QueryJobResult(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, original.Status)
}

func TestGraphExecutor_PublishesEvents(t *testing.T) {
	env := newTestEnv(1)
	expert := env.addExpert("Solver")
	exec := newExecutor(env, nil)

	originalID, _ := env.buildGraph(t, expert, []string{"only"}, nil)

	ch, unsub := env.bus.Subscribe(originalID)
	defer unsub()

	require.NoError(t, exec.ExecuteJobGraph(context.Background(), originalID))

	var types []string
	for len(ch) > 0 {
		types = append(types, string((<-ch).Type))
	}
	joined := strings.Join(types, " ")
	assert.Contains(t, joined, string(EventTypeJobDispatched))
	assert.Contains(t, joined, string(EventTypeJobFinished))
	assert.Contains(t, joined, string(EventTypeGraphCompleted))
}
