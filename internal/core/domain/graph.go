package domain

import (
	"encoding/json"
	"fmt"
)

// JobVertex holds the per-vertex attributes of the job graph.
type JobVertex struct {
	Job      *SubJob
	ExpertID string
	Result   *JobResult
}

// JobGraph is the in-memory DAG of sub-jobs for one original job.
// Vertices are kept in insertion order so topological ties break
// deterministically. The graph is owned by a single goroutine during
// execution; it is not safe for concurrent mutation.
type JobGraph struct {
	order    []string
	vertices map[string]*JobVertex
	succs    map[string]map[string]bool
	preds    map[string]map[string]bool

	// legacy keeps removed sub-jobs for audit.
	legacy map[string]*SubJob
}

func NewJobGraph() *JobGraph {
	return &JobGraph{
		vertices: make(map[string]*JobVertex),
		succs:    make(map[string]map[string]bool),
		preds:    make(map[string]map[string]bool),
		legacy:   make(map[string]*SubJob),
	}
}

// AddVertex inserts the vertex if absent. Idempotent.
func (g *JobGraph) AddVertex(id string) {
	if _, ok := g.vertices[id]; ok {
		return
	}
	g.order = append(g.order, id)
	g.vertices[id] = &JobVertex{}
	g.succs[id] = make(map[string]bool)
	g.preds[id] = make(map[string]bool)
}

// BindJob adds a vertex for the sub-job and attaches it with its expert.
func (g *JobGraph) BindJob(job *SubJob) {
	g.AddVertex(job.ID)
	v := g.vertices[job.ID]
	v.Job = job
	v.ExpertID = job.ExpertID
}

// Vertex returns the attribute slot of a vertex.
func (g *JobGraph) Vertex(id string) (*JobVertex, bool) {
	v, ok := g.vertices[id]
	return v, ok
}

func (g *JobGraph) HasVertex(id string) bool {
	_, ok := g.vertices[id]
	return ok
}

// Vertices returns vertex ids in insertion order.
func (g *JobGraph) Vertices() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Edges returns all (source, target) pairs in deterministic order.
func (g *JobGraph) Edges() [][2]string {
	var out [][2]string
	for _, u := range g.order {
		for _, v := range g.order {
			if g.succs[u][v] {
				out = append(out, [2]string{u, v})
			}
		}
	}
	return out
}

// AddEdge records "v depends on u". Both vertices must already exist.
func (g *JobGraph) AddEdge(u, v string) error {
	if !g.HasVertex(u) || !g.HasVertex(v) {
		return fmt.Errorf("add edge %s -> %s: %w", u, v, ErrJobNotFound)
	}
	g.succs[u][v] = true
	g.preds[v][u] = true
	return nil
}

// RemoveVertex removes the vertex and its incident edges. The attached
// sub-job, when present, moves to the legacy slot for audit.
func (g *JobGraph) RemoveVertex(id string) {
	vtx, ok := g.vertices[id]
	if !ok {
		return
	}
	if vtx.Job != nil {
		g.legacy[id] = vtx.Job
	}
	for succ := range g.succs[id] {
		delete(g.preds[succ], id)
	}
	for pred := range g.preds[id] {
		delete(g.succs[pred], id)
	}
	delete(g.succs, id)
	delete(g.preds, id)
	delete(g.vertices, id)
	for i, v := range g.order {
		if v == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// LegacyJobs returns the sub-jobs removed from the live graph.
func (g *JobGraph) LegacyJobs() []*SubJob {
	out := make([]*SubJob, 0, len(g.legacy))
	for _, id := range appendSortedKeys(g.legacy) {
		out = append(out, g.legacy[id])
	}
	return out
}

func appendSortedKeys(m map[string]*SubJob) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// insertion order is gone for removed vertices; sort for determinism
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// Predecessors returns the direct dependencies of v in insertion order.
func (g *JobGraph) Predecessors(v string) []string {
	return g.ordered(g.preds[v])
}

// Successors returns the direct dependents of v in insertion order.
func (g *JobGraph) Successors(v string) []string {
	return g.ordered(g.succs[v])
}

func (g *JobGraph) ordered(set map[string]bool) []string {
	var out []string
	for _, id := range g.order {
		if set[id] {
			out = append(out, id)
		}
	}
	return out
}

func (g *JobGraph) OutDegree(v string) int {
	return len(g.succs[v])
}

func (g *JobGraph) InDegree(v string) int {
	return len(g.preds[v])
}

// Sinks returns vertices with no successors.
func (g *JobGraph) Sinks() []string {
	var out []string
	for _, v := range g.order {
		if len(g.succs[v]) == 0 {
			out = append(out, v)
		}
	}
	return out
}

// TopologicalSort runs Kahn's algorithm. Ties break by vertex insertion
// order. Returns ErrPlanNotAcyclic when the graph contains a cycle.
func (g *JobGraph) TopologicalSort() ([]string, error) {
	indeg := make(map[string]int, len(g.vertices))
	for _, v := range g.order {
		indeg[v] = len(g.preds[v])
	}
	out := make([]string, 0, len(g.order))
	visited := make(map[string]bool, len(g.order))
	for len(out) < len(g.order) {
		picked := ""
		for _, v := range g.order {
			if !visited[v] && indeg[v] == 0 {
				picked = v
				break
			}
		}
		if picked == "" {
			return nil, ErrPlanNotAcyclic
		}
		visited[picked] = true
		out = append(out, picked)
		for succ := range g.succs[picked] {
			indeg[succ]--
		}
	}
	return out, nil
}

// IsAcyclic reports whether the graph is a DAG.
func (g *JobGraph) IsAcyclic() bool {
	_, err := g.TopologicalSort()
	return err == nil
}

// Subgraph returns a deep copy restricted to ids. Attribute slots are
// copied by pointer; edge sets are filtered to the id set.
func (g *JobGraph) Subgraph(ids []string) *JobGraph {
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	sub := NewJobGraph()
	for _, id := range g.order {
		if !keep[id] {
			continue
		}
		sub.AddVertex(id)
		*sub.vertices[id] = *g.vertices[id]
	}
	for _, e := range g.Edges() {
		if keep[e[0]] && keep[e[1]] {
			_ = sub.AddEdge(e[0], e[1])
		}
	}
	return sub
}

// Update union-merges vertices and edges from other into g.
func (g *JobGraph) Update(other *JobGraph) {
	for _, id := range other.order {
		g.AddVertex(id)
		ov := other.vertices[id]
		v := g.vertices[id]
		if ov.Job != nil {
			v.Job = ov.Job
		}
		if ov.ExpertID != "" {
			v.ExpertID = ov.ExpertID
		}
		if ov.Result != nil {
			v.Result = ov.Result
		}
	}
	for _, e := range other.Edges() {
		_ = g.AddEdge(e[0], e[1])
	}
}

// ReplaceSubgraph swaps a connected sub-region of the graph for a new
// DAG. The old region may have at most one vertex that receives edges
// from outside (the entry) and at most one that sends edges outside
// (the exit). The new DAG is stitched in between the outside
// predecessors and successors using its unique topological head and
// tail, ties broken by insertion order.
func (g *JobGraph) ReplaceSubgraph(old, newGraph *JobGraph) error {
	oldSet := make(map[string]bool, len(old.order))
	for _, id := range old.order {
		oldSet[id] = true
	}

	var entries, exits []string
	for _, id := range old.order {
		for _, pred := range g.Predecessors(id) {
			if !oldSet[pred] {
				entries = append(entries, id)
				break
			}
		}
		for _, succ := range g.Successors(id) {
			if !oldSet[succ] {
				exits = append(exits, id)
				break
			}
		}
	}
	if len(entries) > 1 || len(exits) > 1 {
		return ErrInvalidSubgraph
	}

	var outsidePreds, outsideSuccs []string
	if len(entries) == 1 {
		for _, pred := range g.Predecessors(entries[0]) {
			if !oldSet[pred] {
				outsidePreds = append(outsidePreds, pred)
			}
		}
	}
	if len(exits) == 1 {
		for _, succ := range g.Successors(exits[0]) {
			if !oldSet[succ] {
				outsideSuccs = append(outsideSuccs, succ)
			}
		}
	}

	sorted, err := newGraph.TopologicalSort()
	if err != nil {
		return err
	}

	for _, id := range old.order {
		g.RemoveVertex(id)
	}
	g.Update(newGraph)

	if len(sorted) > 0 {
		head, tail := sorted[0], sorted[len(sorted)-1]
		for _, pred := range outsidePreds {
			if err := g.AddEdge(pred, head); err != nil {
				return err
			}
		}
		for _, succ := range outsideSuccs {
			if err := g.AddEdge(tail, succ); err != nil {
				return err
			}
		}
	}
	return nil
}

type graphVertexJSON struct {
	ID string `json:"id"`
}

type graphEdgeJSON struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type graphJSON struct {
	Vertices []graphVertexJSON `json:"vertices"`
	Edges    []graphEdgeJSON   `json:"edges"`
}

// MarshalJSON serializes the topology only. Vertex attributes are
// reconstituted from the store on load.
func (g *JobGraph) MarshalJSON() ([]byte, error) {
	doc := graphJSON{
		Vertices: make([]graphVertexJSON, 0, len(g.order)),
		Edges:    make([]graphEdgeJSON, 0),
	}
	for _, id := range g.order {
		doc.Vertices = append(doc.Vertices, graphVertexJSON{ID: id})
	}
	for _, e := range g.Edges() {
		doc.Edges = append(doc.Edges, graphEdgeJSON{Source: e[0], Target: e[1]})
	}
	return json.Marshal(doc)
}

func (g *JobGraph) UnmarshalJSON(data []byte) error {
	var doc graphJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*g = *NewJobGraph()
	for _, v := range doc.Vertices {
		g.AddVertex(v.ID)
	}
	for _, e := range doc.Edges {
		if err := g.AddEdge(e.Source, e.Target); err != nil {
			return err
		}
	}
	return nil
}
