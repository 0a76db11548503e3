// Package duckdb persists jobs, results and messages in an embedded
// DuckDB database.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/manthysbr/mandos/internal/core/ports"
)

type Repository struct {
	db *sql.DB
}

// Both store ports are served by the same repository.
var (
	_ ports.JobStore     = (*Repository)(nil)
	_ ports.MessageStore = (*Repository)(nil)
)

func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb at %s: %w", path, err)
	}
	r := &Repository{db: db}
	if err := r.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE SEQUENCE IF NOT EXISTS jobs_seq;`,
		`CREATE TABLE IF NOT EXISTS jobs (
			seq BIGINT DEFAULT nextval('jobs_seq'),
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			session_id TEXT,
			goal TEXT,
			context TEXT,
			assigned_expert_name TEXT,
			dag TEXT,
			original_job_id TEXT,
			expert_id TEXT,
			output_schema TEXT,
			life_cycle INTEGER,
			is_legacy BOOLEAN DEFAULT false,
			thinking TEXT,
			lesson TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS job_results (
			job_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			duration DOUBLE DEFAULT 0,
			tokens INTEGER DEFAULT 0,
			result_message_id TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			job_id TEXT,
			session_id TEXT,
			role TEXT,
			status TEXT,
			payload TEXT,
			scratchpad TEXT,
			evaluation TEXT,
			lesson TEXT,
			extras TEXT,
			workflow_messages TEXT,
			assigned_expert_name TEXT,
			timestamp BIGINT
		);`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}
