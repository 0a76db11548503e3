package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/manthysbr/mandos/internal/core/domain"
)

func (r *Repository) SaveJob(ctx context.Context, job *domain.Job) error {
	query := `
	INSERT INTO jobs (id, category, session_id, goal, context, assigned_expert_name, dag)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		session_id = excluded.session_id,
		goal = excluded.goal,
		context = excluded.context,
		assigned_expert_name = excluded.assigned_expert_name,
		dag = excluded.dag;
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID, domain.JobCategoryJob, job.SessionID,
		job.Goal, job.Context, job.AssignedExpertName, job.DAG,
	)
	return err
}

func (r *Repository) SaveSubJob(ctx context.Context, job *domain.SubJob) error {
	query := `
	INSERT INTO jobs (id, category, session_id, goal, context, assigned_expert_name,
		original_job_id, expert_id, output_schema, life_cycle, is_legacy, thinking, lesson)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		goal = excluded.goal,
		context = excluded.context,
		expert_id = excluded.expert_id,
		output_schema = excluded.output_schema,
		life_cycle = excluded.life_cycle,
		is_legacy = excluded.is_legacy,
		thinking = excluded.thinking,
		lesson = excluded.lesson;
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID, domain.JobCategorySubJob, job.SessionID,
		job.Goal, job.Context, job.AssignedExpertName,
		job.OriginalJobID, job.ExpertID, job.OutputSchema,
		job.LifeCycle, job.IsLegacy, job.Thinking, job.Lesson,
	)
	return err
}

func (r *Repository) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	query := `SELECT id, session_id, goal, context, assigned_expert_name, dag
		FROM jobs WHERE id = ? AND category = ?`
	row := r.db.QueryRowContext(ctx, query, id, domain.JobCategoryJob)

	var job domain.Job
	var expertName, dag sql.NullString
	if err := row.Scan(&job.ID, &job.SessionID, &job.Goal, &job.Context, &expertName, &dag); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, domain.ErrJobNotFound)
		}
		return nil, err
	}
	job.AssignedExpertName = expertName.String
	job.DAG = dag.String
	return &job, nil
}

func (r *Repository) GetSubJob(ctx context.Context, id string) (*domain.SubJob, error) {
	query := `SELECT id, session_id, goal, context, assigned_expert_name,
		original_job_id, expert_id, output_schema, life_cycle, is_legacy, thinking, lesson
		FROM jobs WHERE id = ? AND category = ?`
	row := r.db.QueryRowContext(ctx, query, id, domain.JobCategorySubJob)

	var job domain.SubJob
	var expertName, thinking, lesson sql.NullString
	if err := row.Scan(&job.ID, &job.SessionID, &job.Goal, &job.Context, &expertName,
		&job.OriginalJobID, &job.ExpertID, &job.OutputSchema,
		&job.LifeCycle, &job.IsLegacy, &thinking, &lesson); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sub-job %s: %w", id, domain.ErrJobNotFound)
		}
		return nil, err
	}
	job.AssignedExpertName = expertName.String
	job.Thinking = thinking.String
	job.Lesson = lesson.String
	return &job, nil
}

func (r *Repository) ListOriginalJobIDs(ctx context.Context) ([]string, error) {
	query := `SELECT id FROM jobs WHERE category = ? ORDER BY seq`
	return r.listIDs(ctx, query, domain.JobCategoryJob)
}

func (r *Repository) ListSubJobIDs(ctx context.Context, originalJobID string) ([]string, error) {
	query := `SELECT id FROM jobs WHERE category = ? AND original_job_id = ? ORDER BY seq`
	return r.listIDs(ctx, query, domain.JobCategorySubJob, originalJobID)
}

func (r *Repository) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) ListOriginalJobsBySession(ctx context.Context, sessionID string) ([]*domain.Job, error) {
	query := `SELECT id, session_id, goal, context, assigned_expert_name, dag
		FROM jobs WHERE category = ? AND session_id = ? ORDER BY seq`
	rows, err := r.db.QueryContext(ctx, query, domain.JobCategoryJob, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		var job domain.Job
		var expertName, dag sql.NullString
		if err := rows.Scan(&job.ID, &job.SessionID, &job.Goal, &job.Context, &expertName, &dag); err != nil {
			return nil, err
		}
		job.AssignedExpertName = expertName.String
		job.DAG = dag.String
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

func (r *Repository) GetJobResult(ctx context.Context, id string) (*domain.JobResult, error) {
	query := `SELECT job_id, status, duration, tokens, result_message_id FROM job_results WHERE job_id = ?`
	row := r.db.QueryRowContext(ctx, query, id)

	var result domain.JobResult
	var statusStr string
	var msgID sql.NullString
	if err := row.Scan(&result.JobID, &statusStr, &result.Duration, &result.Tokens, &msgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r.defaultResult(ctx, id)
		}
		return nil, err
	}
	result.Status = domain.JobStatus(statusStr)
	result.ResultMessageID = msgID.String
	return &result, nil
}

// defaultResult reports CREATED for a job that exists but was never
// scheduled.
func (r *Repository) defaultResult(ctx context.Context, id string) (*domain.JobResult, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT count(*) > 0 FROM jobs WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrJobNotFound)
	}
	return &domain.JobResult{JobID: id, Status: domain.JobStatusCreated}, nil
}

func (r *Repository) SaveJobResult(ctx context.Context, result *domain.JobResult) error {
	query := `
	INSERT INTO job_results (job_id, status, duration, tokens, result_message_id)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (job_id) DO UPDATE SET
		status = excluded.status,
		duration = excluded.duration,
		tokens = excluded.tokens,
		result_message_id = excluded.result_message_id;
	`
	_, err := r.db.ExecContext(ctx, query,
		result.JobID, result.Status, result.Duration, result.Tokens, result.ResultMessageID,
	)
	return err
}
