package tasks

import "context"

// Store archives settled task snapshots. It is write-mostly history; the
// live registry never reloads from it.
type Store interface {
	SaveTask(ctx context.Context, task Task) error
	ListTasksByParentSession(ctx context.Context, parentSessionID string, limit int) ([]Task, error)
	Close() error
}
