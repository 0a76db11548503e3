package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/manthysbr/mandos/internal/core/domain"
	"github.com/manthysbr/mandos/internal/core/ports"
)

const jobDecompositionPrompt = `You are the leader of a team of experts. Decompose the task below into
subtasks and assign each subtask to exactly one expert from the list.
Respond with a single JSON object (inside a ` + "```json" + ` block) of the form:
{"<subtask_id>": {"goal": "...", "context": "...", "completion_criteria": "...",
"dependencies": ["<subtask_id>", ...], "assigned_expert": "<expert name>"}, ...}

Task: %s

%s`

const decompositionFormatLesson = "LLM output format (json format for example) specification is " +
	"crucial for reliable parsing. And do not forget the ```json prefix and ``` suffix when " +
	"you generate the json block."

// Leader plans the job graph for an original job: either a direct
// single-vertex assignment or a decomposition via the reasoner.
type Leader struct {
	logger    *slog.Logger
	registry  *ExpertRegistry
	jobs      *JobService
	workflow  ports.Workflow // decomposition workflow
	reasoner  ports.Reasoner
	executor  *GraphExecutor
	lifeCycle int
}

func NewLeader(logger *slog.Logger, registry *ExpertRegistry, jobs *JobService, workflow ports.Workflow, reasoner ports.Reasoner, lifeCycle int) *Leader {
	if lifeCycle <= 0 {
		lifeCycle = DefaultLifeCycle
	}
	return &Leader{
		logger:    logger,
		registry:  registry,
		jobs:      jobs,
		workflow:  workflow,
		reasoner:  reasoner,
		lifeCycle: lifeCycle,
	}
}

// BindExecutor attaches the graph executor. Done after construction
// because the executor needs the leader back as its planner.
func (l *Leader) BindExecutor(e *GraphExecutor) { l.executor = e }

type planEntry struct {
	ID                 string
	Goal               string   `json:"goal"`
	Context            string   `json:"context"`
	CompletionCriteria string   `json:"completion_criteria"`
	Dependencies       []string `json:"dependencies"`
	AssignedExpert     string   `json:"assigned_expert"`
}

// Plan produces the job graph for the job named by the agent message.
// A pre-assigned job becomes a single vertex; anything else is
// decomposed through the workflow and the scratchpad's JSON plan.
func (l *Leader) Plan(ctx context.Context, msg domain.AgentMessage) (*domain.JobGraph, error) {
	jobID := msg.JobID
	lifeCycle := l.lifeCycle

	var job *domain.Job
	originalID := jobID
	original, err := l.jobs.GetOriginalJob(ctx, jobID)
	switch {
	case err == nil:
		job = original
	case errors.Is(err, domain.ErrJobNotFound):
		// Recursive decomposition path: the id names a sub-job that a
		// previous expert reported as too complicated.
		sub, subErr := l.jobs.GetSubJob(ctx, jobID)
		if subErr != nil {
			return nil, err
		}
		job = &sub.Job
		originalID = sub.OriginalJobID
		lifeCycle = sub.LifeCycle
	default:
		return nil, err
	}

	if job.AssignedExpertName != "" {
		expert, err := l.registry.ByName(job.AssignedExpertName)
		if err != nil {
			return nil, err
		}
		sub := domain.NewSubJob(originalID, job.SessionID, job.Goal, job.Goal+"\n"+job.Context, expert.ID(), lifeCycle)
		if err := l.jobs.SaveSubJob(ctx, sub); err != nil {
			return nil, err
		}
		graph := domain.NewJobGraph()
		graph.BindJob(sub)
		return graph, nil
	}

	var roles []string
	for _, expert := range l.registry.List() {
		profile := expert.Profile()
		roles = append(roles, fmt.Sprintf("Expert name: %s\nDescription: %s", profile.Name, profile.Description))
	}
	prompt := fmt.Sprintf(jobDecompositionPrompt, job.Goal, strings.Join(roles, "\n"))
	decompJob := domain.NewSubJob(originalID, job.SessionID, job.Goal, job.Context+"\n\n"+prompt, "", lifeCycle)

	wfMsg, err := l.workflow.Execute(ctx, decompJob, l.reasoner, nil, "")
	if err != nil {
		return nil, err
	}
	entries, parseErr := parsePlan(wfMsg.Scratchpad)
	if parseErr != nil {
		// One retry with a format lesson before giving up.
		l.logger.Warn("decomposition parse failed, retrying with lesson", "error", parseErr)
		lesson := decompositionFormatLesson + " Error info: " + parseErr.Error()
		wfMsg, err = l.workflow.Execute(ctx, decompJob, l.reasoner, nil, lesson)
		if err != nil {
			return nil, err
		}
		entries, parseErr = parsePlan(wfMsg.Scratchpad)
		if parseErr != nil {
			return nil, fmt.Errorf("%w; raw scratchpad: %s", parseErr, wfMsg.Scratchpad)
		}
	}

	graph := domain.NewJobGraph()
	idMap := make(map[string]string, len(entries)) // plan-local id -> sub-job id
	for _, entry := range entries {
		expert, err := l.registry.ByName(entry.AssignedExpert)
		if err != nil {
			return nil, err
		}
		sub := domain.NewSubJob(originalID, job.SessionID, entry.Goal,
			entry.Context+"\n"+entry.CompletionCriteria, expert.ID(), lifeCycle)
		if err := l.jobs.SaveSubJob(ctx, sub); err != nil {
			return nil, err
		}
		idMap[entry.ID] = sub.ID
		graph.BindJob(sub)
	}
	for _, entry := range entries {
		for _, dep := range entry.Dependencies {
			depID, ok := idMap[dep]
			if !ok {
				return nil, fmt.Errorf("%w: dependency %q references an unknown subtask", domain.ErrDecodePlan, dep)
			}
			if err := graph.AddEdge(depID, idMap[entry.ID]); err != nil {
				return nil, err
			}
		}
	}
	if !graph.IsAcyclic() {
		return nil, domain.ErrPlanNotAcyclic
	}
	return graph, nil
}

// ExecuteJob is the top-level entry: plan, persist the graph, execute.
func (l *Leader) ExecuteJob(ctx context.Context, job *domain.Job) error {
	result, err := l.jobs.GetJobResult(ctx, job.ID)
	if err != nil {
		return err
	}
	if !result.HasResult() {
		result.Status = domain.JobStatusRunning
		if err := l.jobs.SaveJobResult(ctx, result); err != nil {
			return err
		}
	}

	plan, err := l.Plan(ctx, domain.NewAgentMessage(job.ID, nil, ""))
	if err != nil {
		if stopErr := l.jobs.StopJobGraph(ctx, job.ID, job.ID, err.Error()); stopErr != nil {
			l.logger.Error("failed to stop job graph after planning error", "error", stopErr)
		}
		return err
	}
	if err := l.jobs.ReplaceSubgraph(ctx, job.ID, plan, nil); err != nil {
		return err
	}
	return l.executor.ExecuteJobGraph(ctx, job.ID)
}

// parsePlan decodes the decomposition JSON while preserving the
// document order of the subtask keys, so vertex insertion order (and
// with it topological tie-breaking) stays deterministic.
func parsePlan(scratchpad string) ([]planEntry, error) {
	objText, err := extractJSONObject(scratchpad)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(strings.NewReader(objText))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecodePlan, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", domain.ErrDecodePlan)
	}

	var entries []planEntry
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrDecodePlan, err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: non-string subtask key", domain.ErrDecodePlan)
		}
		var entry planEntry
		if err := dec.Decode(&entry); err != nil {
			return nil, fmt.Errorf("%w: subtask %q: %v", domain.ErrDecodePlan, key, err)
		}
		entry.ID = key
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: plan contains no subtasks", domain.ErrDecodePlan)
	}
	return entries, nil
}
