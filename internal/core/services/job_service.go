package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/manthysbr/mandos/internal/core/domain"
	"github.com/manthysbr/mandos/internal/core/ports"
)

// JobService owns job and message persistence plus the result-query
// path that aggregates an original job from its graph sinks.
type JobService struct {
	logger   *slog.Logger
	store    ports.JobStore
	messages ports.MessageStore
}

func NewJobService(logger *slog.Logger, store ports.JobStore, messages ports.MessageStore) *JobService {
	return &JobService{
		logger:   logger,
		store:    store,
		messages: messages,
	}
}

func (s *JobService) Store() ports.JobStore        { return s.store }
func (s *JobService) Messages() ports.MessageStore { return s.messages }

func (s *JobService) SaveJob(ctx context.Context, job *domain.Job) error {
	return s.store.SaveJob(ctx, job)
}

func (s *JobService) SaveSubJob(ctx context.Context, job *domain.SubJob) error {
	return s.store.SaveSubJob(ctx, job)
}

func (s *JobService) GetOriginalJob(ctx context.Context, id string) (*domain.Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *JobService) GetSubJob(ctx context.Context, id string) (*domain.SubJob, error) {
	return s.store.GetSubJob(ctx, id)
}

func (s *JobService) GetJobResult(ctx context.Context, id string) (*domain.JobResult, error) {
	return s.store.GetJobResult(ctx, id)
}

func (s *JobService) SaveJobResult(ctx context.Context, result *domain.JobResult) error {
	return s.store.SaveJobResult(ctx, result)
}

func (s *JobService) ListOriginalJobsBySession(ctx context.Context, sessionID string) ([]*domain.Job, error) {
	return s.store.ListOriginalJobsBySession(ctx, sessionID)
}

// GetJobGraph loads the graph snapshot of an original job and hydrates
// vertex attributes from the store. When no snapshot exists yet an
// empty graph is persisted and returned.
func (s *JobService) GetJobGraph(ctx context.Context, originalJobID string) (*domain.JobGraph, error) {
	job, err := s.store.GetJob(ctx, originalJobID)
	if err != nil {
		return nil, err
	}

	graph := domain.NewJobGraph()
	if job.DAG == "" {
		if err := s.SetJobGraph(ctx, originalJobID, graph); err != nil {
			return nil, err
		}
		return graph, nil
	}

	if err := json.Unmarshal([]byte(job.DAG), graph); err != nil {
		return nil, fmt.Errorf("unmarshal job graph for %s: %w", originalJobID, err)
	}
	for _, id := range graph.Vertices() {
		sub, err := s.store.GetSubJob(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("hydrate vertex %s: %w", id, err)
		}
		graph.BindJob(sub)
	}
	return graph, nil
}

// SetJobGraph persists the graph snapshot on the original job and
// upserts every attached sub-job.
func (s *JobService) SetJobGraph(ctx context.Context, originalJobID string, graph *domain.JobGraph) error {
	job, err := s.store.GetJob(ctx, originalJobID)
	if err != nil {
		return err
	}
	blob, err := json.Marshal(graph)
	if err != nil {
		return fmt.Errorf("marshal job graph for %s: %w", originalJobID, err)
	}
	job.DAG = string(blob)
	if err := s.store.SaveJob(ctx, job); err != nil {
		return err
	}

	for _, id := range graph.Vertices() {
		v, _ := graph.Vertex(id)
		if v.Job == nil {
			continue
		}
		if err := s.store.SaveSubJob(ctx, v.Job); err != nil {
			return err
		}
	}
	return nil
}

// RemoveJob drops a sub-job from the live graph and marks it legacy in
// the store. The record itself is never deleted.
func (s *JobService) RemoveJob(ctx context.Context, originalJobID, jobID string) error {
	sub, err := s.store.GetSubJob(ctx, jobID)
	if err != nil {
		return err
	}
	sub.IsLegacy = true
	if err := s.store.SaveSubJob(ctx, sub); err != nil {
		return err
	}

	graph, err := s.GetJobGraph(ctx, originalJobID)
	if err != nil {
		return err
	}
	graph.RemoveVertex(jobID)
	return s.SetJobGraph(ctx, originalJobID, graph)
}

// ReplaceSubgraph swaps part of the persisted graph for a new plan.
// With a nil old subgraph the new plan is union-merged in (the initial
// decomposition). Removed sub-jobs are marked legacy.
func (s *JobService) ReplaceSubgraph(ctx context.Context, originalJobID string, newGraph, old *domain.JobGraph) error {
	graph, err := s.GetJobGraph(ctx, originalJobID)
	if err != nil {
		return err
	}

	if old == nil {
		graph.Update(newGraph)
		return s.SetJobGraph(ctx, originalJobID, graph)
	}

	if err := graph.ReplaceSubgraph(old, newGraph); err != nil {
		return err
	}
	for _, id := range old.Vertices() {
		sub, err := s.store.GetSubJob(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrJobNotFound) {
				continue
			}
			return err
		}
		sub.IsLegacy = true
		if err := s.store.SaveSubJob(ctx, sub); err != nil {
			return err
		}
	}
	return s.SetJobGraph(ctx, originalJobID, graph)
}

// QueryJobResult computes the aggregated result of an original job from
// the state of its graph sinks. Repeated calls after finalization
// return the cached terminal result verbatim.
func (s *JobService) QueryJobResult(ctx context.Context, originalJobID string) (*domain.JobResult, error) {
	result, err := s.store.GetJobResult(ctx, originalJobID)
	if err != nil {
		return nil, err
	}
	if result.HasResult() {
		return result, nil
	}
	if result.Status == domain.JobStatusCreated {
		// The leader has not started materializing the plan yet.
		return result, nil
	}

	graph, err := s.GetJobGraph(ctx, originalJobID)
	if err != nil {
		return nil, err
	}
	sinks := graph.Sinks()
	if len(sinks) == 0 {
		return result, nil
	}

	var payloads []string
	anyFailed := false
	for _, sink := range sinks {
		sinkResult, err := s.store.GetJobResult(ctx, sink)
		if err != nil {
			return nil, err
		}
		if !sinkResult.HasResult() {
			if anySinkTerminal(ctx, s.store, sinks) {
				result.Status = domain.JobStatusRunning
			}
			return result, nil
		}
		if sinkResult.Status != domain.JobStatusFinished {
			anyFailed = true
		}

		msgs, err := s.messages.GetAgentMessagesByJobID(ctx, sink)
		if err != nil {
			return nil, err
		}
		if len(msgs) != 1 {
			return nil, fmt.Errorf("expected one agent message for sink %s, found %d", sink, len(msgs))
		}
		payloads = append(payloads, msgs[0].Payload)
	}

	combined := strings.Join(payloads, "\n")

	original, err := s.store.GetJob(ctx, originalJobID)
	if err != nil {
		return nil, err
	}
	text, err := s.messages.GetTextMessageByJobIDAndRole(ctx, originalJobID, domain.ChatRoleSystem)
	if err != nil {
		if !errors.Is(err, domain.ErrJobNotFound) {
			return nil, err
		}
		fresh := domain.NewTextMessage(originalJobID, original.SessionID, domain.ChatRoleSystem, combined)
		fresh.AssignedExpertName = original.AssignedExpertName
		text = &fresh
	} else {
		text.Payload = combined
	}
	if err := s.messages.SaveTextMessage(ctx, *text); err != nil {
		return nil, err
	}

	if anyFailed {
		result.Status = domain.JobStatusFailed
	} else {
		result.Status = domain.JobStatusFinished
	}
	result.ResultMessageID = text.ID
	if err := s.store.SaveJobResult(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

func anySinkTerminal(ctx context.Context, store ports.JobStore, sinks []string) bool {
	for _, sink := range sinks {
		r, err := store.GetJobResult(ctx, sink)
		if err == nil && r.HasResult() {
			return true
		}
	}
	return false
}

// StopJobGraph marks the failing job FAILED, the original job and every
// unfinished sub-job STOPPED, and persists an error message for the
// original job.
func (s *JobService) StopJobGraph(ctx context.Context, jobID, originalJobID, errorInfo string) error {
	s.logger.Error("stopping job graph", "job_id", jobID, "error", errorInfo)

	result, err := s.store.GetJobResult(ctx, jobID)
	if err != nil {
		return err
	}
	result.Status = domain.JobStatusFailed
	if err := s.store.SaveJobResult(ctx, result); err != nil {
		return err
	}

	original, err := s.store.GetJob(ctx, originalJobID)
	if err != nil {
		return err
	}
	originalResult, err := s.store.GetJobResult(ctx, originalJobID)
	if err != nil {
		return err
	}
	if !originalResult.HasResult() {
		originalResult.Status = domain.JobStatusStopped
		if err := s.store.SaveJobResult(ctx, originalResult); err != nil {
			return err
		}
	}

	subIDs, err := s.store.ListSubJobIDs(ctx, originalJobID)
	if err != nil {
		return err
	}
	for _, id := range subIDs {
		subResult, err := s.store.GetJobResult(ctx, id)
		if err != nil {
			return err
		}
		if !subResult.HasResult() {
			subResult.Status = domain.JobStatusStopped
			if err := s.store.SaveJobResult(ctx, subResult); err != nil {
				return err
			}
		}
	}

	payload := fmt.Sprintf(
		"An error occurred during the execution of the job: %s\nPlease check the job `%s` for more details.",
		errorInfo, originalJobID,
	)
	text, err := s.messages.GetTextMessageByJobIDAndRole(ctx, originalJobID, domain.ChatRoleSystem)
	if err != nil {
		if !errors.Is(err, domain.ErrJobNotFound) {
			return err
		}
		fresh := domain.NewTextMessage(originalJobID, original.SessionID, domain.ChatRoleSystem, payload)
		fresh.AssignedExpertName = original.AssignedExpertName
		text = &fresh
	} else {
		text.Payload = payload
	}
	return s.messages.SaveTextMessage(ctx, *text)
}

// ConversationEntry pairs an agent message with its sub-job and result
// for the thinking-chain view of a finished original job.
type ConversationEntry struct {
	Message domain.AgentMessage
	SubJob  *domain.SubJob
	Result  *domain.JobResult
}

// ConversationView returns the non-legacy sub-job entries of an
// original job ordered by message timestamp.
func (s *JobService) ConversationView(ctx context.Context, originalJobID string) ([]ConversationEntry, error) {
	subIDs, err := s.store.ListSubJobIDs(ctx, originalJobID)
	if err != nil {
		return nil, err
	}

	var entries []ConversationEntry
	for _, id := range subIDs {
		sub, err := s.store.GetSubJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if sub.IsLegacy {
			continue
		}
		result, err := s.store.GetJobResult(ctx, id)
		if err != nil {
			return nil, err
		}
		msgs, err := s.messages.GetAgentMessagesByJobID(ctx, id)
		if err != nil {
			return nil, err
		}
		var msg domain.AgentMessage
		switch len(msgs) {
		case 1:
			msg = msgs[0]
		case 0:
			// sub-job never executed
			msg = domain.AgentMessage{
				JobID:   id,
				Payload: fmt.Sprintf("The subjob is %s.", result.Status),
			}
		default:
			return nil, fmt.Errorf("multiple agent messages found for job %s", id)
		}
		entries = append(entries, ConversationEntry{Message: msg, SubJob: sub, Result: result})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Message.Timestamp < entries[j].Message.Timestamp
	})
	return entries, nil
}
