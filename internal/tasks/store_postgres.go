package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initTaskSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initTaskSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS background_tasks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			parent_session_id TEXT NOT NULL,
			parent_message_id TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL,
			prompt_redacted TEXT NOT NULL,
			agent TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			tool_calls INTEGER NOT NULL DEFAULT 0,
			last_tool TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_background_tasks_parent_started ON background_tasks (parent_session_id, started_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTask(ctx context.Context, task Task) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO background_tasks (
			id, session_id, parent_session_id, parent_message_id, description, prompt_redacted,
			agent, status, result, error, tool_calls, last_tool, started_at, completed_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
		)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			result=EXCLUDED.result,
			error=EXCLUDED.error,
			tool_calls=EXCLUDED.tool_calls,
			last_tool=EXCLUDED.last_tool,
			completed_at=EXCLUDED.completed_at`,
		task.ID,
		task.SessionID,
		task.ParentSessionID,
		task.ParentMessageID,
		task.Description,
		task.Prompt,
		task.Agent,
		string(task.Status),
		task.Result,
		task.Error,
		task.Progress.ToolCalls,
		task.Progress.LastTool,
		task.StartedAt,
		task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTasksByParentSession(ctx context.Context, parentSessionID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, parent_session_id, parent_message_id, description, prompt_redacted,
		        agent, status, result, error, tool_calls, last_tool, started_at, completed_at
		   FROM background_tasks WHERE parent_session_id=$1 ORDER BY started_at DESC LIMIT $2`,
		parentSessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanTask(row pgx.Row) (Task, error) {
	var (
		task        Task
		status      string
		completedAt *time.Time
	)
	if err := row.Scan(
		&task.ID,
		&task.SessionID,
		&task.ParentSessionID,
		&task.ParentMessageID,
		&task.Description,
		&task.Prompt,
		&task.Agent,
		&status,
		&task.Result,
		&task.Error,
		&task.Progress.ToolCalls,
		&task.Progress.LastTool,
		&task.StartedAt,
		&completedAt,
	); err != nil {
		return Task{}, err
	}
	task.Status = Status(status)
	task.CompletedAt = completedAt
	return task, nil
}
