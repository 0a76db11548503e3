package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/manthysbr/mandos/internal/core/domain"
	"golang.org/x/sync/semaphore"
)

const DefaultWorkerPoolSize = 8

// Planner produces a job graph for the job named by the agent message.
// The leader implements it; the executor calls back into it when an
// expert reports a sub-job as too complicated.
type Planner interface {
	Plan(ctx context.Context, msg domain.AgentMessage) (*domain.JobGraph, error)
}

// GraphExecutor drives one job graph to completion: vertices whose
// predecessors all hold results are dispatched to their experts through
// a weighted worker pool, and completions feed back into the ready set.
type GraphExecutor struct {
	logger   *slog.Logger
	jobs     *JobService
	registry *ExpertRegistry
	planner  Planner
	bus      *EventBus
	pool     *semaphore.Weighted
}

func NewGraphExecutor(logger *slog.Logger, jobs *JobService, registry *ExpertRegistry, planner Planner, bus *EventBus, poolSize int) *GraphExecutor {
	if poolSize <= 0 {
		poolSize = DefaultWorkerPoolSize
	}
	return &GraphExecutor{
		logger:   logger,
		jobs:     jobs,
		registry: registry,
		planner:  planner,
		bus:      bus,
		pool:     semaphore.NewWeighted(int64(poolSize)),
	}
}

type completion struct {
	jobID string
	msg   domain.AgentMessage
	err   error
}

// ExecuteJobGraph runs the persisted graph of an original job until
// every vertex holds a result, then finalizes the original job from its
// sinks. Returns ErrDeadlock when no vertex is runnable while some are
// still pending.
func (e *GraphExecutor) ExecuteJobGraph(ctx context.Context, originalJobID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	graph, err := e.jobs.GetJobGraph(ctx, originalJobID)
	if err != nil {
		return err
	}

	pending := make(map[string]bool, len(graph.Vertices()))
	for _, id := range graph.Vertices() {
		pending[id] = true
	}
	running := make(map[string]bool)
	results := make(map[string]domain.AgentMessage)
	lessons := make(map[string]string)
	done := make(chan completion)
	cancelled := false

	for {
		if !cancelled {
			if err := e.dispatchReady(ctx, graph, pending, running, results, lessons, done, originalJobID); err != nil {
				cancelled = true
				cancel()
				drain(done, running)
				return err
			}
		}

		if len(running) == 0 {
			if cancelled {
				return ctx.Err()
			}
			if len(pending) > 0 {
				return e.failDeadlocked(ctx, originalJobID, pending)
			}
			break
		}

		var c completion
		if cancelled {
			c = <-done
		} else {
			select {
			case c = <-done:
			case <-ctx.Done():
				cancelled = true
				continue
			}
		}
		delete(running, c.jobID)

		if c.err != nil {
			if errors.Is(c.err, context.Canceled) || errors.Is(c.err, context.DeadlineExceeded) {
				pending[c.jobID] = true
				continue
			}
			// Infrastructure failure: stop the whole graph.
			if stopErr := e.jobs.StopJobGraph(ctx, c.jobID, originalJobID, c.err.Error()); stopErr != nil {
				e.logger.Error("failed to stop job graph", "error", stopErr)
			}
			e.publish(originalJobID, EventTypeGraphFailed, c.err.Error())
			cancel()
			drain(done, running)
			return c.err
		}

		wfMsg, err := c.msg.WorkflowResultMessage()
		if err != nil {
			cancel()
			drain(done, running)
			return fmt.Errorf("job %s: %w", c.jobID, err)
		}

		switch wfMsg.Status {
		case domain.WorkflowStatusInputDataError:
			e.invalidatePredecessors(ctx, graph, originalJobID, c.jobID, c.msg.Lesson, pending, results, lessons)
			pending[c.jobID] = true

		case domain.WorkflowStatusJobTooComplicatedError:
			newGraph, err := e.replanVertex(ctx, originalJobID, c)
			if err != nil {
				cancel()
				drain(done, running)
				return err
			}
			if newGraph == nil {
				// life cycle exhausted, vertex stays failed
				results[c.jobID] = c.msg
				continue
			}
			graph, err = e.jobs.GetJobGraph(ctx, originalJobID)
			if err != nil {
				cancel()
				drain(done, running)
				return err
			}
			for _, id := range newGraph.Vertices() {
				pending[id] = true
			}

		default:
			results[c.jobID] = c.msg
			if err := e.persistOutcome(ctx, c.jobID, wfMsg.Status); err != nil {
				cancel()
				drain(done, running)
				return err
			}
			if wfMsg.Status == domain.WorkflowStatusSuccess {
				e.publish(originalJobID, EventTypeJobFinished, c.jobID)
			} else {
				e.publish(originalJobID, EventTypeJobFailed, c.jobID)
			}
		}
	}

	return e.finalize(ctx, originalJobID)
}

// dispatchReady scans pending vertices in insertion order and hands
// every vertex whose predecessors all hold results to its expert.
func (e *GraphExecutor) dispatchReady(ctx context.Context, graph *domain.JobGraph, pending, running map[string]bool, results map[string]domain.AgentMessage, lessons map[string]string, done chan completion, originalJobID string) error {
	for _, id := range graph.Vertices() {
		if !pending[id] {
			continue
		}
		preds := graph.Predecessors(id)
		ready := true
		for _, p := range preds {
			if _, ok := results[p]; !ok {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}

		var inputs []domain.WorkflowMessage
		for _, p := range preds {
			res := results[p]
			wm, err := res.WorkflowResultMessage()
			if err != nil {
				return fmt.Errorf("predecessor %s of %s: %w", p, id, err)
			}
			inputs = append(inputs, wm)
		}
		msg := domain.NewAgentMessage(id, inputs, lessons[id])

		vertex, ok := graph.Vertex(id)
		if !ok {
			return fmt.Errorf("vertex %s: %w", id, domain.ErrJobNotFound)
		}
		expert, err := e.registry.ByID(vertex.ExpertID)
		if err != nil {
			return err
		}

		delete(pending, id)
		running[id] = true
		e.publish(originalJobID, EventTypeJobDispatched, id)
		e.logger.Info("dispatching sub-job", "job_id", id, "expert", expert.Profile().Name)

		go func(id string, expert *Expert, msg domain.AgentMessage) {
			if err := e.pool.Acquire(ctx, 1); err != nil {
				done <- completion{jobID: id, err: err}
				return
			}
			defer e.pool.Release(1)
			out, err := expert.Execute(ctx, msg)
			done <- completion{jobID: id, msg: out, err: err}
		}(id, expert, msg)
	}
	return nil
}

// invalidatePredecessors rolls the direct dependencies of job back to
// pending: their results are discarded, their persisted status reset,
// and the reporting expert's lesson attached for the re-run.
func (e *GraphExecutor) invalidatePredecessors(ctx context.Context, graph *domain.JobGraph, originalJobID, jobID, lesson string, pending map[string]bool, results map[string]domain.AgentMessage, lessons map[string]string) {
	for _, p := range graph.Predecessors(jobID) {
		pending[p] = true
		delete(results, p)
		lessons[p] = lesson
		reset := &domain.JobResult{JobID: p, Status: domain.JobStatusCreated}
		if err := e.jobs.SaveJobResult(ctx, reset); err != nil {
			e.logger.Error("failed to reset sub-job result", "job_id", p, "error", err)
		}
		e.publish(originalJobID, EventTypeJobInvalidated, p)
		e.logger.Info("invalidated predecessor", "job_id", p, "caused_by", jobID, "lesson", lesson)
	}
}

// replanVertex handles a JOB_TOO_COMPLICATED outcome: the sub-job is
// decomposed again with a decremented life cycle and spliced in place.
// A nil graph with nil error means the life cycle is exhausted and the
// vertex was finalized as failed.
func (e *GraphExecutor) replanVertex(ctx context.Context, originalJobID string, c completion) (*domain.JobGraph, error) {
	sub, err := e.jobs.GetSubJob(ctx, c.jobID)
	if err != nil {
		return nil, err
	}

	if sub.LifeCycle <= 1 || e.planner == nil {
		wfMsg, wfErr := c.msg.WorkflowResultMessage()
		if wfErr != nil {
			return nil, wfErr
		}
		out := c.msg
		out.Payload = wfMsg.Scratchpad
		if err := e.jobs.Messages().SaveAgentMessage(ctx, out); err != nil {
			return nil, err
		}
		result, err := e.jobs.GetJobResult(ctx, c.jobID)
		if err != nil {
			return nil, err
		}
		if !result.HasResult() {
			result.Status = domain.JobStatusFailed
			if err := e.jobs.SaveJobResult(ctx, result); err != nil {
				return nil, err
			}
		}
		e.publish(originalJobID, EventTypeJobFailed, c.jobID)
		e.logger.Warn("life cycle exhausted", "job_id", c.jobID,
			"error", domain.ErrLifeCycleExhausted)
		return nil, nil
	}

	sub.LifeCycle--
	if err := e.jobs.SaveSubJob(ctx, sub); err != nil {
		return nil, err
	}
	e.logger.Info("re-decomposing sub-job", "job_id", sub.ID, "life_cycle", sub.LifeCycle)

	newGraph, err := e.planner.Plan(ctx, domain.NewAgentMessage(sub.ID, nil, c.msg.Lesson))
	if err != nil {
		return nil, err
	}
	old := domain.NewJobGraph()
	old.AddVertex(sub.ID)
	if err := e.jobs.ReplaceSubgraph(ctx, originalJobID, newGraph, old); err != nil {
		return nil, err
	}
	return newGraph, nil
}

// persistOutcome records the terminal vertex status unless the expert
// already did.
func (e *GraphExecutor) persistOutcome(ctx context.Context, jobID string, status domain.WorkflowStatus) error {
	result, err := e.jobs.GetJobResult(ctx, jobID)
	if err != nil {
		return err
	}
	if result.HasResult() {
		return nil
	}
	if status == domain.WorkflowStatusSuccess {
		result.Status = domain.JobStatusFinished
	} else {
		result.Status = domain.JobStatusFailed
	}
	return e.jobs.SaveJobResult(ctx, result)
}

// failDeadlocked reports the pending vertices that can never run.
func (e *GraphExecutor) failDeadlocked(ctx context.Context, originalJobID string, pending map[string]bool) error {
	blocked := make([]string, 0, len(pending))
	for id := range pending {
		blocked = append(blocked, id)
	}
	err := fmt.Errorf("%w: no runnable vertex, blocked: %s",
		domain.ErrDeadlock, strings.Join(blocked, ", "))
	if stopErr := e.jobs.StopJobGraph(ctx, originalJobID, originalJobID, err.Error()); stopErr != nil {
		e.logger.Error("failed to stop deadlocked job graph", "error", stopErr)
	}
	e.publish(originalJobID, EventTypeGraphFailed, err.Error())
	return err
}

// finalize aggregates the sink results into the original job's result.
func (e *GraphExecutor) finalize(ctx context.Context, originalJobID string) error {
	result, err := e.jobs.QueryJobResult(ctx, originalJobID)
	if err != nil {
		return err
	}
	if result.Status == domain.JobStatusFinished {
		e.publish(originalJobID, EventTypeGraphCompleted, string(result.Status))
	} else {
		e.publish(originalJobID, EventTypeGraphFailed, string(result.Status))
	}
	e.logger.Info("job graph finished", "job_id", originalJobID, "status", result.Status)
	return nil
}

func (e *GraphExecutor) publish(jobID string, typ EventType, data string) {
	e.bus.Publish(Event{
		JobID:     jobID,
		Type:      typ,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

// drain consumes outstanding completions so worker goroutines can exit.
func drain(done chan completion, running map[string]bool) {
	for len(running) > 0 {
		c := <-done
		delete(running, c.jobID)
	}
}
