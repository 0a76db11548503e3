package ports

import (
	"context"

	"github.com/manthysbr/mandos/internal/core/domain"
)

// Reasoner abstracts the LLM backend the workflows think with.
type Reasoner interface {
	// Infer produces the raw text for a task description. Errors propagate.
	Infer(ctx context.Context, task string) (string, error)
}

// Workflow abstracts the operator engine that resolves one sub-job.
type Workflow interface {
	// Execute runs the workflow for a sub-job with the upstream workflow
	// messages and the accumulated lesson, returning one classified
	// workflow message.
	Execute(ctx context.Context, job *domain.SubJob, reasoner Reasoner, inputs []domain.WorkflowMessage, lesson string) (domain.WorkflowMessage, error)
}

// JobStore abstracts job persistence. Upserts are idempotent and keyed
// by id; storage errors propagate verbatim.
type JobStore interface {
	// SaveJob creates or updates an original job.
	SaveJob(ctx context.Context, job *domain.Job) error

	// SaveSubJob creates or updates a sub-job.
	SaveSubJob(ctx context.Context, job *domain.SubJob) error

	// GetJob retrieves an original job by id.
	GetJob(ctx context.Context, id string) (*domain.Job, error)

	// GetSubJob retrieves a sub-job by id.
	GetSubJob(ctx context.Context, id string) (*domain.SubJob, error)

	// ListOriginalJobIDs returns the ids of all original jobs.
	ListOriginalJobIDs(ctx context.Context) ([]string, error)

	// ListOriginalJobsBySession returns all original jobs of a session.
	ListOriginalJobsBySession(ctx context.Context, sessionID string) ([]*domain.Job, error)

	// ListSubJobIDs returns the ids of all sub-jobs of an original job,
	// legacy ones included.
	ListSubJobIDs(ctx context.Context, originalJobID string) ([]string, error)

	// GetJobResult returns the result record of a job. A job that was
	// saved but never scheduled reports CREATED.
	GetJobResult(ctx context.Context, id string) (*domain.JobResult, error)

	// SaveJobResult updates status/duration/tokens on the existing record.
	SaveJobResult(ctx context.Context, result *domain.JobResult) error
}

// MessageStore abstracts message persistence.
type MessageStore interface {
	// SaveWorkflowMessage persists one workflow message.
	SaveWorkflowMessage(ctx context.Context, msg domain.WorkflowMessage) error

	// SaveAgentMessage persists the agent message of a sub-job. At most
	// one agent message exists per sub-job: a re-save updates the
	// existing record by id, preserving its creation timestamp.
	SaveAgentMessage(ctx context.Context, msg domain.AgentMessage) error

	// GetAgentMessagesByJobID returns the persisted agent messages of a
	// sub-job (zero or one).
	GetAgentMessagesByJobID(ctx context.Context, jobID string) ([]domain.AgentMessage, error)

	// SaveTextMessage persists a chat-facing message.
	SaveTextMessage(ctx context.Context, msg domain.TextMessage) error

	// GetTextMessageByJobIDAndRole returns the text message of a job for
	// a role, or domain.ErrJobNotFound when none exists.
	GetTextMessageByJobIDAndRole(ctx context.Context, jobID string, role domain.ChatMessageRole) (*domain.TextMessage, error)
}
