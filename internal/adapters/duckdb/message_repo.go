package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manthysbr/mandos/internal/core/domain"
)

func (r *Repository) SaveWorkflowMessage(ctx context.Context, msg domain.WorkflowMessage) error {
	extrasJSON, err := json.Marshal(msg.Extras)
	if err != nil {
		return fmt.Errorf("failed to marshal extras: %w", err)
	}

	query := `
	INSERT INTO messages (id, type, job_id, status, scratchpad, evaluation, lesson, extras, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		status = excluded.status,
		scratchpad = excluded.scratchpad,
		evaluation = excluded.evaluation,
		lesson = excluded.lesson,
		extras = excluded.extras;
	`
	_, err = r.db.ExecContext(ctx, query,
		msg.ID, domain.MessageTypeWorkflow, msg.JobID, msg.Status,
		msg.Scratchpad, msg.Evaluation, msg.Lesson, string(extrasJSON), msg.Timestamp,
	)
	return err
}

// SaveAgentMessage upserts the single agent message of a sub-job. A
// re-save keeps the original id and creation timestamp.
func (r *Repository) SaveAgentMessage(ctx context.Context, msg domain.AgentMessage) error {
	var prevID string
	var prevTS int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id, timestamp FROM messages WHERE type = ? AND job_id = ?`,
		domain.MessageTypeAgent, msg.JobID,
	).Scan(&prevID, &prevTS)
	switch {
	case err == nil:
		msg.ID = prevID
		msg.Timestamp = prevTS
	case errors.Is(err, sql.ErrNoRows):
	default:
		return err
	}

	wfJSON, err := json.Marshal(msg.WorkflowMessages)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow messages: %w", err)
	}

	query := `
	INSERT INTO messages (id, type, job_id, payload, lesson, workflow_messages, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		payload = excluded.payload,
		lesson = excluded.lesson,
		workflow_messages = excluded.workflow_messages;
	`
	_, err = r.db.ExecContext(ctx, query,
		msg.ID, domain.MessageTypeAgent, msg.JobID,
		msg.Payload, msg.Lesson, string(wfJSON), msg.Timestamp,
	)
	return err
}

func (r *Repository) GetAgentMessagesByJobID(ctx context.Context, jobID string) ([]domain.AgentMessage, error) {
	query := `SELECT id, job_id, payload, lesson, CAST(workflow_messages AS TEXT), timestamp
		FROM messages WHERE type = ? AND job_id = ? ORDER BY timestamp`
	rows, err := r.db.QueryContext(ctx, query, domain.MessageTypeAgent, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.AgentMessage
	for rows.Next() {
		var msg domain.AgentMessage
		var payload, lesson, wfJSON sql.NullString
		if err := rows.Scan(&msg.ID, &msg.JobID, &payload, &lesson, &wfJSON, &msg.Timestamp); err != nil {
			return nil, err
		}
		msg.Payload = payload.String
		msg.Lesson = lesson.String
		if wfJSON.String != "" {
			if err := json.Unmarshal([]byte(wfJSON.String), &msg.WorkflowMessages); err != nil {
				return nil, fmt.Errorf("failed to unmarshal workflow messages for %s: %w", msg.ID, err)
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (r *Repository) SaveTextMessage(ctx context.Context, msg domain.TextMessage) error {
	query := `
	INSERT INTO messages (id, type, job_id, session_id, role, payload, assigned_expert_name, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		payload = excluded.payload,
		assigned_expert_name = excluded.assigned_expert_name;
	`
	_, err := r.db.ExecContext(ctx, query,
		msg.ID, domain.MessageTypeText, msg.JobID, msg.SessionID,
		msg.Role, msg.Payload, msg.AssignedExpertName, msg.Timestamp,
	)
	return err
}

func (r *Repository) GetTextMessageByJobIDAndRole(ctx context.Context, jobID string, role domain.ChatMessageRole) (*domain.TextMessage, error) {
	query := `SELECT id, job_id, session_id, role, payload, assigned_expert_name, timestamp
		FROM messages WHERE type = ? AND job_id = ? AND role = ?`
	row := r.db.QueryRowContext(ctx, query, domain.MessageTypeText, jobID, role)

	var msg domain.TextMessage
	var roleStr string
	var expertName sql.NullString
	if err := row.Scan(&msg.ID, &msg.JobID, &msg.SessionID, &roleStr, &msg.Payload, &expertName, &msg.Timestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("text message for job %s role %s: %w", jobID, role, domain.ErrJobNotFound)
		}
		return nil, err
	}
	msg.Role = domain.ChatMessageRole(roleStr)
	msg.AssignedExpertName = expertName.String
	return &msg, nil
}
