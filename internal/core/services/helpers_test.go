package services

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/manthysbr/mandos/internal/adapters/memory"
	"github.com/manthysbr/mandos/internal/core/domain"
	"github.com/manthysbr/mandos/internal/core/ports"
	"github.com/stretchr/testify/require"
)

type workflowFunc func(ctx context.Context, job *domain.SubJob, inputs []domain.WorkflowMessage, lesson string) (domain.WorkflowMessage, error)

// fakeWorkflow scripts workflow outcomes per sub-job goal and records
// the invocation order.
type fakeWorkflow struct {
	mu    sync.Mutex
	calls []string
	fns   map[string]workflowFunc
}

func newFakeWorkflow() *fakeWorkflow {
	return &fakeWorkflow{fns: make(map[string]workflowFunc)}
}

func (w *fakeWorkflow) on(goal string, fn workflowFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fns[goal] = fn
}

func (w *fakeWorkflow) Execute(ctx context.Context, job *domain.SubJob, _ ports.Reasoner, inputs []domain.WorkflowMessage, lesson string) (domain.WorkflowMessage, error) {
	w.mu.Lock()
	w.calls = append(w.calls, job.Goal)
	fn := w.fns[job.Goal]
	w.mu.Unlock()
	if fn == nil {
		return domain.NewWorkflowMessage(job.ID, domain.WorkflowStatusSuccess, "done: "+job.Goal, "", ""), nil
	}
	return fn(ctx, job, inputs, lesson)
}

func (w *fakeWorkflow) order() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.calls))
	copy(out, w.calls)
	return out
}

func (w *fakeWorkflow) callCount(goal string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.calls {
		if c == goal {
			n++
		}
	}
	return n
}

type testEnv struct {
	logger   *slog.Logger
	repo     *memory.Repository
	jobs     *JobService
	bus      *EventBus
	registry *ExpertRegistry
	workflow *fakeWorkflow
}

func newTestEnv(maxRetryCount int) *testEnv {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	repo := memory.NewRepository()
	jobs := NewJobService(logger, repo, repo)
	bus := NewEventBus(logger)
	return &testEnv{
		logger:   logger,
		repo:     repo,
		jobs:     jobs,
		bus:      bus,
		registry: NewExpertRegistry(logger, jobs, bus, maxRetryCount),
		workflow: newFakeWorkflow(),
	}
}

func (e *testEnv) addExpert(name string) *Expert {
	expert := e.registry.Create(ExpertConfig{
		Profile:  ExpertProfile{Name: name, Description: name + " expert"},
		Workflow: e.workflow,
	})
	expert.retryBackoff = 0 // no backoff in tests
	return expert
}

// buildGraph persists an original job with sub-jobs named by goal and
// the given goal-to-goal dependency edges, and marks the original
// RUNNING as the leader would.
func (e *testEnv) buildGraph(t *testing.T, expert *Expert, goals []string, edges [][2]string) (string, map[string]string) {
	t.Helper()
	ctx := context.Background()

	job := domain.NewJob("", "original goal", "")
	require.NoError(t, e.jobs.SaveJob(ctx, job))

	graph := domain.NewJobGraph()
	ids := make(map[string]string, len(goals))
	for _, goal := range goals {
		sub := domain.NewSubJob(job.ID, job.SessionID, goal, goal, expert.ID(), DefaultLifeCycle)
		require.NoError(t, e.jobs.SaveSubJob(ctx, sub))
		graph.BindJob(sub)
		ids[goal] = sub.ID
	}
	for _, edge := range edges {
		require.NoError(t, graph.AddEdge(ids[edge[0]], ids[edge[1]]))
	}
	require.NoError(t, e.jobs.ReplaceSubgraph(ctx, job.ID, graph, nil))

	require.NoError(t, e.jobs.SaveJobResult(ctx, &domain.JobResult{
		JobID:  job.ID,
		Status: domain.JobStatusRunning,
	}))
	return job.ID, ids
}

func successMsg(job *domain.SubJob, scratchpad string) (domain.WorkflowMessage, error) {
	return domain.NewWorkflowMessage(job.ID, domain.WorkflowStatusSuccess, scratchpad, "", ""), nil
}
