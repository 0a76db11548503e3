package services

import (
	"context"
	"testing"

	"github.com/manthysbr/mandos/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLeader(env *testEnv) *Leader {
	leader := NewLeader(env.logger, env.registry, env.jobs, env.workflow, nil, DefaultLifeCycle)
	leader.BindExecutor(newExecutor(env, leader))
	return leader
}

func TestLeader_PreAssignedJobSkipsDecomposition(t *testing.T) {
	env := newTestEnv(1)
	expert := env.addExpert("Solver")
	leader := newLeader(env)
	ctx := context.Background()

	job := domain.NewJob("", "translate this text", "source language is German")
	job.AssignedExpertName = "Solver"
	require.NoError(t, env.jobs.SaveJob(ctx, job))

	plan, err := leader.Plan(ctx, domain.NewAgentMessage(job.ID, nil, ""))
	require.NoError(t, err)

	vertices := plan.Vertices()
	require.Len(t, vertices, 1)
	v, ok := plan.Vertex(vertices[0])
	require.True(t, ok)
	assert.Equal(t, expert.ID(), v.ExpertID)
	assert.Equal(t, "translate this text", v.Job.Goal)
	assert.Contains(t, v.Job.Context, "source language is German")
	assert.Empty(t, env.workflow.order())
}

const planJSON = "```json\n" + `{
	"task_1": {"goal": "design schema", "context": "tables", "completion_criteria": "reviewed", "dependencies": [], "assigned_expert": "Designer"},
	"task_2": {"goal": "write queries", "context": "sql", "completion_criteria": "passing", "dependencies": ["task_1"], "assigned_expert": "Coder"}
}` + "\n```"

func TestLeader_DecomposesIntoGraph(t *testing.T) {
	env := newTestEnv(1)
	designer := env.addExpert("Designer")
	coder := env.addExpert("Coder")
	leader := newLeader(env)
	ctx := context.Background()

	job := domain.NewJob("", "build the database layer", "")
	require.NoError(t, env.jobs.SaveJob(ctx, job))

	env.workflow.on("build the database layer", func(_ context.Context, j *domain.SubJob, _ []domain.WorkflowMessage, _ string) (domain.WorkflowMessage, error) {
		return successMsg(j, planJSON)
	})

	plan, err := leader.Plan(ctx, domain.NewAgentMessage(job.ID, nil, ""))
	require.NoError(t, err)

	sorted, err := plan.TopologicalSort()
	require.NoError(t, err)
	require.Len(t, sorted, 2)

	first, _ := plan.Vertex(sorted[0])
	second, _ := plan.Vertex(sorted[1])
	assert.Equal(t, "design schema", first.Job.Goal)
	assert.Equal(t, designer.ID(), first.ExpertID)
	assert.Equal(t, "write queries", second.Job.Goal)
	assert.Equal(t, coder.ID(), second.ExpertID)
	assert.Contains(t, second.Job.Context, "passing")

	edges := plan.Edges()
	require.Len(t, edges, 1)
	assert.Equal(t, sorted[0], edges[0][0])
	assert.Equal(t, sorted[1], edges[0][1])
}

func TestLeader_UnknownExpertFailsPlan(t *testing.T) {
	env := newTestEnv(1)
	env.addExpert("Designer")
	leader := newLeader(env)
	ctx := context.Background()

	job := domain.NewJob("", "build the database layer", "")
	require.NoError(t, env.jobs.SaveJob(ctx, job))

	env.workflow.on("build the database layer", func(_ context.Context, j *domain.SubJob, _ []domain.WorkflowMessage, _ string) (domain.WorkflowMessage, error) {
		return successMsg(j, "```json\n{\"t\": {\"goal\": \"g\", \"assigned_expert\": \"Nobody\"}}\n```")
	})

	_, err := leader.Plan(ctx, domain.NewAgentMessage(job.ID, nil, ""))
	require.ErrorIs(t, err, domain.ErrUnknownExpert)
}

func TestLeader_CyclicPlanRejected(t *testing.T) {
	env := newTestEnv(1)
	env.addExpert("Coder")
	leader := newLeader(env)
	ctx := context.Background()

	job := domain.NewJob("", "impossible ordering", "")
	require.NoError(t, env.jobs.SaveJob(ctx, job))

	cyclic := "```json\n" + `{
		"a": {"goal": "ga", "dependencies": ["b"], "assigned_expert": "Coder"},
		"b": {"goal": "gb", "dependencies": ["a"], "assigned_expert": "Coder"}
	}` + "\n```"
	env.workflow.on("impossible ordering", func(_ context.Context, j *domain.SubJob, _ []domain.WorkflowMessage, _ string) (domain.WorkflowMessage, error) {
		return successMsg(j, cyclic)
	})

	_, err := leader.Plan(ctx, domain.NewAgentMessage(job.ID, nil, ""))
	require.ErrorIs(t, err, domain.ErrPlanNotAcyclic)
}

func TestLeader_RetriesParseWithFormatLesson(t *testing.T) {
	env := newTestEnv(1)
	env.addExpert("Coder")
	leader := newLeader(env)
	ctx := context.Background()

	job := domain.NewJob("", "needs a second try", "")
	require.NoError(t, env.jobs.SaveJob(ctx, job))

	var lessons []string
	env.workflow.on("needs a second try", func(_ context.Context, j *domain.SubJob, _ []domain.WorkflowMessage, lesson string) (domain.WorkflowMessage, error) {
		lessons = append(lessons, lesson)
		if lesson == "" {
			return successMsg(j, "sure, here is the plan without any json")
		}
		return successMsg(j, "```json\n{\"t\": {\"goal\": \"g\", \"assigned_expert\": \"Coder\"}}\n```")
	})

	plan, err := leader.Plan(ctx, domain.NewAgentMessage(job.ID, nil, ""))
	require.NoError(t, err)
	assert.Len(t, plan.Vertices(), 1)

	require.Len(t, lessons, 2)
	assert.Empty(t, lessons[0])
	assert.Contains(t, lessons[1], "json")
}

func TestLeader_ParseFailureReportsScratchpad(t *testing.T) {
	env := newTestEnv(1)
	env.addExpert("Coder")
	leader := newLeader(env)
	ctx := context.Background()

	job := domain.NewJob("", "never valid", "")
	require.NoError(t, env.jobs.SaveJob(ctx, job))

	env.workflow.on("never valid", func(_ context.Context, j *domain.SubJob, _ []domain.WorkflowMessage, _ string) (domain.WorkflowMessage, error) {
		return successMsg(j, "I cannot produce structured output, sorry")
	})

	_, err := leader.Plan(ctx, domain.NewAgentMessage(job.ID, nil, ""))
	require.ErrorIs(t, err, domain.ErrDecodePlan)
	assert.Contains(t, err.Error(), "I cannot produce structured output")
}

func TestLeader_ExecuteJobEndToEnd(t *testing.T) {
	env := newTestEnv(1)
	env.addExpert("Solver")
	leader := newLeader(env)
	ctx := context.Background()

	job := domain.NewJob("", "summarize the report", "")
	job.AssignedExpertName = "Solver"
	require.NoError(t, env.jobs.SaveJob(ctx, job))

	require.NoError(t, leader.ExecuteJob(ctx, job))

	result, err := env.jobs.QueryJobResult(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFinished, result.Status)
	require.NotEmpty(t, result.ResultMessageID)

	msg, err := env.repo.GetTextMessageByJobIDAndRole(ctx, job.ID, domain.ChatRoleSystem)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, "done: summarize the report")
}

func TestParsePlan_PreservesKeyOrder(t *testing.T) {
	entries, err := parsePlan("```json\n" + `{
		"z": {"goal": "last key first", "assigned_expert": "A"},
		"a": {"goal": "first key last", "assigned_expert": "B"}
	}` + "\n```")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "z", entries[0].ID)
	assert.Equal(t, "a", entries[1].ID)
}

func TestParsePlan_RejectsEmptyPlan(t *testing.T) {
	_, err := parsePlan("```json\n{}\n```")
	require.ErrorIs(t, err, domain.ErrDecodePlan)
}
