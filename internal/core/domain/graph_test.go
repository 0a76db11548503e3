package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chainGraph(t *testing.T, ids ...string) *JobGraph {
	t.Helper()
	g := NewJobGraph()
	for _, id := range ids {
		g.AddVertex(id)
	}
	for i := 1; i < len(ids); i++ {
		require.NoError(t, g.AddEdge(ids[i-1], ids[i]))
	}
	return g
}

func TestJobGraph_TopologicalSortBreaksTiesByInsertion(t *testing.T) {
	g := NewJobGraph()
	for _, id := range []string{"c", "a", "b", "sink"} {
		g.AddVertex(id)
	}
	require.NoError(t, g.AddEdge("c", "sink"))
	require.NoError(t, g.AddEdge("a", "sink"))
	require.NoError(t, g.AddEdge("b", "sink"))

	sorted, err := g.TopologicalSort()
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b", "sink"}, sorted)
}

func TestJobGraph_TopologicalSortDetectsCycle(t *testing.T) {
	g := chainGraph(t, "a", "b", "c")
	require.NoError(t, g.AddEdge("c", "a"))

	_, err := g.TopologicalSort()
	require.ErrorIs(t, err, ErrPlanNotAcyclic)
	assert.False(t, g.IsAcyclic())
}

func TestJobGraph_SinksAndDegrees(t *testing.T) {
	g := chainGraph(t, "a", "b")
	g.AddVertex("c")
	require.NoError(t, g.AddEdge("a", "c"))

	assert.Equal(t, []string{"b", "c"}, g.Sinks())
	assert.Equal(t, 2, g.OutDegree("a"))
	assert.Equal(t, 1, g.InDegree("b"))
	assert.Equal(t, []string{"a"}, g.Predecessors("c"))
	assert.Equal(t, []string{"b", "c"}, g.Successors("a"))
}

func TestJobGraph_AddEdgeRequiresVertices(t *testing.T) {
	g := NewJobGraph()
	g.AddVertex("a")
	err := g.AddEdge("a", "missing")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobGraph_RemoveVertexKeepsLegacyJob(t *testing.T) {
	g := NewJobGraph()
	sub := NewSubJob("orig", "sess", "goal", "ctx", "expert", 3)
	g.BindJob(sub)
	g.AddVertex("other")
	require.NoError(t, g.AddEdge(sub.ID, "other"))

	g.RemoveVertex(sub.ID)

	assert.False(t, g.HasVertex(sub.ID))
	assert.Empty(t, g.Predecessors("other"))
	legacy := g.LegacyJobs()
	require.Len(t, legacy, 1)
	assert.Equal(t, sub.ID, legacy[0].ID)
}

func TestJobGraph_ReplaceSubgraphStitchesEdges(t *testing.T) {
	g := chainGraph(t, "before", "middle", "after")

	newGraph := chainGraph(t, "x", "y")
	old := NewJobGraph()
	old.AddVertex("middle")

	require.NoError(t, g.ReplaceSubgraph(old, newGraph))

	assert.False(t, g.HasVertex("middle"))
	assert.Equal(t, []string{"x"}, g.Successors("before"))
	assert.Equal(t, []string{"y"}, g.Successors("x"))
	assert.Equal(t, []string{"after"}, g.Successors("y"))

	sorted, err := g.TopologicalSort()
	require.NoError(t, err)
	assert.Equal(t, []string{"before", "x", "y", "after"}, sorted)
}

func TestJobGraph_ReplaceSubgraphRejectsMultipleExits(t *testing.T) {
	g := NewJobGraph()
	for _, id := range []string{"a", "b", "c"} {
		g.AddVertex(id)
	}
	require.NoError(t, g.AddEdge("a", "c"))
	require.NoError(t, g.AddEdge("b", "c"))

	old := NewJobGraph()
	old.AddVertex("a")
	old.AddVertex("b")

	err := g.ReplaceSubgraph(old, chainGraph(t, "x"))
	require.ErrorIs(t, err, ErrInvalidSubgraph)
}

func TestJobGraph_UpdateMerges(t *testing.T) {
	g := chainGraph(t, "a", "b")
	other := chainGraph(t, "b", "c")

	g.Update(other)

	assert.Equal(t, []string{"a", "b", "c"}, g.Vertices())
	assert.Equal(t, []string{"c"}, g.Successors("b"))
	assert.Equal(t, []string{"b"}, g.Successors("a"))
}

func TestJobGraph_JSONRoundTrip(t *testing.T) {
	g := chainGraph(t, "a", "b", "c")

	blob, err := json.Marshal(g)
	require.NoError(t, err)

	restored := NewJobGraph()
	require.NoError(t, json.Unmarshal(blob, restored))

	assert.Equal(t, g.Vertices(), restored.Vertices())
	assert.Equal(t, g.Edges(), restored.Edges())

	sorted, err := restored.TopologicalSort()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, sorted)
}

func TestSubJob_DefaultOutputSchema(t *testing.T) {
	sub := NewSubJob("orig", "sess", "goal", "ctx", "expert", 3)
	assert.Equal(t, defaultOutputSchema, sub.OutputSchema)
	assert.Equal(t, 3, sub.LifeCycle)
	assert.False(t, sub.IsLegacy)
}

func TestAgentMessage_WorkflowResultMessage(t *testing.T) {
	msg := NewAgentMessage("job", nil, "")
	_, err := msg.WorkflowResultMessage()
	require.ErrorIs(t, err, ErrNoWorkflowResult)

	wf := NewWorkflowMessage("job", WorkflowStatusSuccess, "out", "", "")
	msg.WorkflowMessages = []WorkflowMessage{wf}
	got, err := msg.WorkflowResultMessage()
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.ID)
}

func TestAgentMessage_AddLesson(t *testing.T) {
	msg := NewAgentMessage("job", nil, "")
	msg.AddLesson("")
	assert.Empty(t, msg.Lesson)

	msg.AddLesson("first")
	msg.AddLesson("second")
	assert.Equal(t, "first\nsecond", msg.Lesson)
}
