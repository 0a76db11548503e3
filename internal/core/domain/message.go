package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus is the outcome classification produced by a workflow run.
type WorkflowStatus string

const (
	WorkflowStatusSuccess                WorkflowStatus = "SUCCESS"
	WorkflowStatusExecutionError         WorkflowStatus = "EXECUTION_ERROR"
	WorkflowStatusInputDataError         WorkflowStatus = "INPUT_DATA_ERROR"
	WorkflowStatusJobTooComplicatedError WorkflowStatus = "JOB_TOO_COMPLICATED_ERROR"
	WorkflowStatusMaxRetriesReached      WorkflowStatus = "MAX_RETRIES_REACHED"
)

type MessageType string

const (
	MessageTypeWorkflow MessageType = "WORKFLOW_MESSAGE"
	MessageTypeAgent    MessageType = "AGENT_MESSAGE"
	MessageTypeText     MessageType = "TEXT_MESSAGE"
)

type ChatMessageRole string

const (
	ChatRoleUser   ChatMessageRole = "USER"
	ChatRoleSystem ChatMessageRole = "SYSTEM"
)

// WorkflowMessage is the structured payload passed between operators and
// back to the scheduler. Fixed fields carry the contract; Extras keeps
// room for operator-specific annotations.
type WorkflowMessage struct {
	ID         string            `json:"id"`
	JobID      string            `json:"job_id"`
	Status     WorkflowStatus    `json:"status"`
	Scratchpad string            `json:"scratchpad"`
	Evaluation string            `json:"evaluation,omitempty"`
	Lesson     string            `json:"lesson,omitempty"`
	Extras     map[string]string `json:"extras,omitempty"`
	Timestamp  int64             `json:"timestamp"`
}

func NewWorkflowMessage(jobID string, status WorkflowStatus, scratchpad, evaluation, lesson string) WorkflowMessage {
	return WorkflowMessage{
		ID:         uuid.NewString(),
		JobID:      jobID,
		Status:     status,
		Scratchpad: scratchpad,
		Evaluation: evaluation,
		Lesson:     lesson,
		Timestamp:  time.Now().UnixMilli(),
	}
}

var ErrNoWorkflowResult = errors.New("agent message carries no single workflow result message")

// AgentMessage is the envelope a sub-job is dispatched and answered with.
type AgentMessage struct {
	ID               string            `json:"id"`
	JobID            string            `json:"job_id"`
	Payload          string            `json:"payload,omitempty"`
	WorkflowMessages []WorkflowMessage `json:"workflow_messages,omitempty"`
	Lesson           string            `json:"lesson,omitempty"`
	Timestamp        int64             `json:"timestamp"`
}

func NewAgentMessage(jobID string, workflowMessages []WorkflowMessage, lesson string) AgentMessage {
	return AgentMessage{
		ID:               uuid.NewString(),
		JobID:            jobID,
		WorkflowMessages: workflowMessages,
		Lesson:           lesson,
		Timestamp:        time.Now().UnixMilli(),
	}
}

// WorkflowResultMessage returns the single terminal workflow message of
// the agent. Exactly one is expected for terminal outputs.
func (m *AgentMessage) WorkflowResultMessage() (WorkflowMessage, error) {
	if len(m.WorkflowMessages) != 1 {
		return WorkflowMessage{}, ErrNoWorkflowResult
	}
	return m.WorkflowMessages[0], nil
}

// AddLesson appends a lesson line to the accumulated lesson.
func (m *AgentMessage) AddLesson(lesson string) {
	if lesson == "" {
		return
	}
	if m.Lesson == "" {
		m.Lesson = lesson
		return
	}
	m.Lesson += "\n" + lesson
}

// TextMessage is a chat-facing message tied to an original job.
type TextMessage struct {
	ID                 string          `json:"id"`
	JobID              string          `json:"job_id"`
	SessionID          string          `json:"session_id"`
	Role               ChatMessageRole `json:"role"`
	Payload            string          `json:"payload"`
	AssignedExpertName string          `json:"assigned_expert_name,omitempty"`
	Timestamp          int64           `json:"timestamp"`
}

func NewTextMessage(jobID, sessionID string, role ChatMessageRole, payload string) TextMessage {
	return TextMessage{
		ID:        uuid.NewString(),
		JobID:     jobID,
		SessionID: sessionID,
		Role:      role,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}
