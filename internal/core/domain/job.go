package domain

import (
	"errors"

	"github.com/google/uuid"
)

// JobCategory discriminates original jobs from sub-jobs in the shared store.
type JobCategory string

const (
	JobCategoryJob    JobCategory = "JOB"
	JobCategorySubJob JobCategory = "SUB_JOB"
)

type JobStatus string

const (
	JobStatusCreated  JobStatus = "CREATED"
	JobStatusRunning  JobStatus = "RUNNING"
	JobStatusFinished JobStatus = "FINISHED"
	JobStatusFailed   JobStatus = "FAILED"
	JobStatusStopped  JobStatus = "STOPPED"
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrUnknownExpert      = errors.New("expert not registered")
	ErrDeadlock           = errors.New("deadlock detected or invalid job graph")
	ErrDecodePlan         = errors.New("failed to decode decomposition plan")
	ErrPlanNotAcyclic     = errors.New("job graph is not a directed acyclic graph")
	ErrInvalidSubgraph    = errors.New("subgraph must have no more than one entry and one exit vertex")
	ErrLifeCycleExhausted = errors.New("job ran out of life cycle")
)

// Job is the externally submitted unit of work.
type Job struct {
	ID                 string `json:"id"`
	SessionID          string `json:"session_id"`
	Goal               string `json:"goal"`
	Context            string `json:"context"`
	AssignedExpertName string `json:"assigned_expert_name,omitempty"`

	// DAG holds the serialized JobGraph snapshot. Original jobs only.
	DAG string `json:"dag,omitempty"`
}

func NewJob(sessionID, goal, context string) *Job {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &Job{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Goal:      goal,
		Context:   context,
	}
}

const defaultOutputSchema = "Output schema is not determined."

// SubJob is a vertex of the plan produced by the leader.
type SubJob struct {
	Job

	OriginalJobID string `json:"original_job_id"`
	ExpertID      string `json:"expert_id"`
	OutputSchema  string `json:"output_schema"`
	LifeCycle     int    `json:"life_cycle"`
	IsLegacy      bool   `json:"is_legacy"`
	Thinking      string `json:"thinking,omitempty"`
	Lesson        string `json:"lesson,omitempty"`
}

func NewSubJob(originalJobID, sessionID, goal, context, expertID string, lifeCycle int) *SubJob {
	return &SubJob{
		Job: Job{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Goal:      goal,
			Context:   context,
		},
		OriginalJobID: originalJobID,
		ExpertID:      expertID,
		OutputSchema:  defaultOutputSchema,
		LifeCycle:     lifeCycle,
	}
}

// JobResult carries the scheduling outcome of one job.
type JobResult struct {
	JobID           string    `json:"job_id"`
	Status          JobStatus `json:"status"`
	Duration        float64   `json:"duration"` // seconds
	Tokens          int       `json:"tokens"`
	ResultMessageID string    `json:"result_message_id,omitempty"`
}

// HasResult reports whether the job reached a terminal status.
// Terminal statuses are sticky.
func (r *JobResult) HasResult() bool {
	switch r.Status {
	case JobStatusFinished, JobStatusFailed, JobStatusStopped:
		return true
	}
	return false
}
