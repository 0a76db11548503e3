// Package memory provides in-process implementations of the job and
// message stores. Used by the kernel when no database path is
// configured, and by the service tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/manthysbr/mandos/internal/core/domain"
)

// Repository implements ports.JobStore and ports.MessageStore with
// plain maps. All returned records are copies.
type Repository struct {
	mu sync.RWMutex

	jobs    map[string]domain.Job
	subJobs map[string]domain.SubJob
	results map[string]domain.JobResult

	// insertion order of original jobs and of sub-jobs per original job
	jobOrder map[string][]string
	origIDs  []string

	workflowMessages []domain.WorkflowMessage
	agentMessages    map[string]domain.AgentMessage // sub-job id -> message
	textMessages     []domain.TextMessage
}

func NewRepository() *Repository {
	return &Repository{
		jobs:          make(map[string]domain.Job),
		subJobs:       make(map[string]domain.SubJob),
		results:       make(map[string]domain.JobResult),
		jobOrder:      make(map[string][]string),
		agentMessages: make(map[string]domain.AgentMessage),
	}
}

func (r *Repository) SaveJob(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; !ok {
		r.origIDs = append(r.origIDs, job.ID)
	}
	r.jobs[job.ID] = *job
	return nil
}

func (r *Repository) SaveSubJob(_ context.Context, job *domain.SubJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subJobs[job.ID]; !ok {
		r.jobOrder[job.OriginalJobID] = append(r.jobOrder[job.OriginalJobID], job.ID)
	}
	r.subJobs[job.ID] = *job
	return nil
}

func (r *Repository) GetJob(_ context.Context, id string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrJobNotFound)
	}
	return &job, nil
}

func (r *Repository) GetSubJob(_ context.Context, id string) (*domain.SubJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.subJobs[id]
	if !ok {
		return nil, fmt.Errorf("sub-job %s: %w", id, domain.ErrJobNotFound)
	}
	return &job, nil
}

func (r *Repository) ListOriginalJobIDs(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.origIDs))
	copy(out, r.origIDs)
	return out, nil
}

func (r *Repository) ListOriginalJobsBySession(_ context.Context, sessionID string) ([]*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Job
	for _, id := range r.origIDs {
		job := r.jobs[id]
		if job.SessionID == sessionID {
			out = append(out, &job)
		}
	}
	return out, nil
}

func (r *Repository) ListSubJobIDs(_ context.Context, originalJobID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.jobOrder[originalJobID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}

func (r *Repository) GetJobResult(_ context.Context, id string) (*domain.JobResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if result, ok := r.results[id]; ok {
		return &result, nil
	}
	_, isJob := r.jobs[id]
	_, isSubJob := r.subJobs[id]
	if !isJob && !isSubJob {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrJobNotFound)
	}
	return &domain.JobResult{JobID: id, Status: domain.JobStatusCreated}, nil
}

func (r *Repository) SaveJobResult(_ context.Context, result *domain.JobResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[result.JobID] = *result
	return nil
}

func (r *Repository) SaveWorkflowMessage(_ context.Context, msg domain.WorkflowMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflowMessages = append(r.workflowMessages, msg)
	return nil
}

func (r *Repository) SaveAgentMessage(_ context.Context, msg domain.AgentMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.agentMessages[msg.JobID]; ok {
		// one agent message per sub-job: keep id and creation timestamp
		msg.ID = prev.ID
		msg.Timestamp = prev.Timestamp
	}
	r.agentMessages[msg.JobID] = msg
	return nil
}

func (r *Repository) GetAgentMessagesByJobID(_ context.Context, jobID string) ([]domain.AgentMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if msg, ok := r.agentMessages[jobID]; ok {
		return []domain.AgentMessage{msg}, nil
	}
	return nil, nil
}

func (r *Repository) SaveTextMessage(_ context.Context, msg domain.TextMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.textMessages {
		if existing.ID == msg.ID {
			r.textMessages[i] = msg
			return nil
		}
	}
	r.textMessages = append(r.textMessages, msg)
	return nil
}

func (r *Repository) GetTextMessageByJobIDAndRole(_ context.Context, jobID string, role domain.ChatMessageRole) (*domain.TextMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.textMessages {
		if r.textMessages[i].JobID == jobID && r.textMessages[i].Role == role {
			msg := r.textMessages[i]
			return &msg, nil
		}
	}
	return nil, fmt.Errorf("text message for job %s role %s: %w", jobID, role, domain.ErrJobNotFound)
}
