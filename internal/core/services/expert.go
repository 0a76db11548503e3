package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/manthysbr/mandos/internal/core/domain"
	"github.com/manthysbr/mandos/internal/core/ports"
	"github.com/sethvargo/go-retry"
)

const (
	DefaultMaxRetryCount = 3
	DefaultLifeCycle     = 3

	defaultRetryBackoff = 250 * time.Millisecond

	lessonInputDataInvalid  = "The output data is not valid"
	lessonJobTooComplicated = "The job is too complicated to be executed by the expert"
)

var errWorkflowExecution = errors.New("workflow reported an execution error")

// Expert resolves exactly one sub-job per Execute call: prior-result
// check, workflow invocation, outcome classification, bounded retry
// with lesson feedback, persisted output.
type Expert struct {
	id       string
	profile  ExpertProfile
	workflow ports.Workflow
	reasoner ports.Reasoner

	jobs   *JobService
	bus    *EventBus
	logger *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
}

func (e *Expert) ID() string               { return e.id }
func (e *Expert) Profile() ExpertProfile   { return e.profile }
func (e *Expert) Workflow() ports.Workflow { return e.workflow }

// Execute runs the expert's workflow for the sub-job named by the
// agent message and returns the agent message representing this
// vertex's result. EXECUTION_ERROR outcomes are retried up to the
// configured bound with the lesson accumulated between attempts; other
// non-success outcomes are returned to the executor, which decides how
// to proceed.
func (e *Expert) Execute(ctx context.Context, msg domain.AgentMessage) (domain.AgentMessage, error) {
	sub, err := e.jobs.GetSubJob(ctx, msg.JobID)
	if err != nil {
		return domain.AgentMessage{}, err
	}

	result, err := e.jobs.GetJobResult(ctx, sub.ID)
	if err != nil {
		return domain.AgentMessage{}, err
	}
	if result.HasResult() {
		return e.priorOutcome(ctx, sub, result)
	}

	result.Status = domain.JobStatusRunning
	if err := e.jobs.SaveJobResult(ctx, result); err != nil {
		return domain.AgentMessage{}, err
	}

	start := time.Now()

	// Retry loop. A workflow error is synthesized into an
	// EXECUTION_ERROR message; every attempt's workflow message is
	// persisted before the outcome is classified.
	var wfMsg domain.WorkflowMessage
	interval := e.retryBackoff
	if interval <= 0 {
		interval = time.Nanosecond // retry.NewConstant rejects non-positive intervals
	}
	backoff := retry.WithMaxRetries(uint64(e.maxRetries), retry.NewConstant(interval))
	retryErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		m, err := e.workflow.Execute(ctx, sub, e.reasoner, msg.WorkflowMessages, msg.Lesson)
		if err != nil {
			m = domain.NewWorkflowMessage(sub.ID, domain.WorkflowStatusExecutionError,
				fmt.Sprintf("workflow execution failed: %v", err), err.Error(), "")
		}
		if saveErr := e.jobs.Messages().SaveWorkflowMessage(ctx, m); saveErr != nil {
			return saveErr
		}
		wfMsg = m
		if m.Status == domain.WorkflowStatusExecutionError {
			e.logger.Warn("execution_error",
				"job_id", sub.ID,
				"evaluation", m.Evaluation,
				"lesson", m.Lesson,
			)
			msg.AddLesson(m.Evaluation + "\n" + m.Lesson)
			return retry.RetryableError(errWorkflowExecution)
		}
		return nil
	})
	if retryErr != nil && !errors.Is(retryErr, errWorkflowExecution) {
		// storage failure or cancelled context
		return domain.AgentMessage{}, retryErr
	}

	switch wfMsg.Status {
	case domain.WorkflowStatusSuccess:
		out := domain.NewAgentMessage(sub.ID, []domain.WorkflowMessage{wfMsg}, "")
		out.Payload = wfMsg.Scratchpad
		if err := e.jobs.Messages().SaveAgentMessage(ctx, out); err != nil {
			return domain.AgentMessage{}, err
		}
		fresh, err := e.jobs.GetJobResult(ctx, sub.ID)
		if err != nil {
			return domain.AgentMessage{}, err
		}
		if !fresh.HasResult() {
			fresh.Status = domain.JobStatusFinished
			fresh.Duration = time.Since(start).Seconds()
			if err := e.jobs.SaveJobResult(ctx, fresh); err != nil {
				return domain.AgentMessage{}, err
			}
		}
		e.logger.Info("success", "job_id", sub.ID)
		return out, nil

	case domain.WorkflowStatusExecutionError:
		// Retries exhausted. The vertex is not marked FAILED here; the
		// executor decides.
		out := domain.NewAgentMessage(sub.ID, []domain.WorkflowMessage{wfMsg}, msg.Lesson)
		out.Payload = wfMsg.Scratchpad
		if err := e.jobs.Messages().SaveAgentMessage(ctx, out); err != nil {
			return domain.AgentMessage{}, err
		}
		e.logger.Warn("execution_error exhausted retries", "job_id", sub.ID, "retries", e.maxRetries)
		return out, nil

	case domain.WorkflowStatusInputDataError:
		lesson := wfMsg.Lesson
		if lesson == "" {
			lesson = lessonInputDataInvalid
		}
		e.logger.Warn("input_data_error", "job_id", sub.ID, "evaluation", wfMsg.Evaluation)
		return domain.NewAgentMessage(sub.ID, []domain.WorkflowMessage{wfMsg}, lesson), nil

	case domain.WorkflowStatusJobTooComplicatedError:
		e.logger.Warn("job_too_complicated", "job_id", sub.ID, "evaluation", wfMsg.Evaluation)
		return domain.NewAgentMessage(sub.ID, []domain.WorkflowMessage{wfMsg}, lessonJobTooComplicated), nil
	}

	panic(fmt.Sprintf("unexpected workflow status %q for job %s", wfMsg.Status, sub.ID))
}

// priorOutcome handles a sub-job that already reached a terminal
// status: a FINISHED job returns its persisted agent message verbatim;
// any other terminal status is reported back without re-execution.
func (e *Expert) priorOutcome(ctx context.Context, sub *domain.SubJob, result *domain.JobResult) (domain.AgentMessage, error) {
	if result.Status == domain.JobStatusFinished {
		msgs, err := e.jobs.Messages().GetAgentMessagesByJobID(ctx, sub.ID)
		if err != nil {
			return domain.AgentMessage{}, err
		}
		if len(msgs) == 1 {
			e.logger.Info("returning prior result", "job_id", sub.ID)
			return msgs[0], nil
		}
	}

	status := domain.WorkflowStatusExecutionError
	if result.Status == domain.JobStatusFinished {
		status = domain.WorkflowStatusSuccess
	}
	wf := domain.NewWorkflowMessage(sub.ID, status,
		fmt.Sprintf("job %s already has final status %s", sub.ID, result.Status), "", "")
	return domain.NewAgentMessage(sub.ID, []domain.WorkflowMessage{wf}, ""), nil
}
