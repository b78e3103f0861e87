package tasks

import (
	"sync"
	"time"
)

// NotificationQueue holds settled tasks awaiting delivery, grouped by
// parent session in enqueue order.
type NotificationQueue struct {
	mu      sync.RWMutex
	pending map[string][]Task
}

func NewNotificationQueue() *NotificationQueue {
	return &NotificationQueue{pending: make(map[string][]Task)}
}

// Enqueue appends the task under its parent session. A task already
// queued is replaced in place.
func (q *NotificationQueue) Enqueue(task Task) {
	parent := task.ParentSessionID
	task = task.Clone()

	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.pending[parent]
	for i := range list {
		if list[i].ID == task.ID {
			list[i] = task
			return
		}
	}
	q.pending[parent] = append(list, task)
}

func (q *NotificationQueue) Pending(parentSessionID string) []Task {
	q.mu.RLock()
	defer q.mu.RUnlock()
	list := q.pending[parentSessionID]
	out := make([]Task, 0, len(list))
	for _, t := range list {
		out = append(out, t.Clone())
	}
	return out
}

// Clear drops every pending entry for the parent and returns how many
// were removed.
func (q *NotificationQueue) Clear(parentSessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending[parentSessionID])
	delete(q.pending, parentSessionID)
	return n
}

// Take removes and returns one pending entry.
func (q *NotificationQueue) Take(parentSessionID, taskID string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(parentSessionID, taskID)
}

// Remove drops the entry for taskID from whichever parent holds it.
func (q *NotificationQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for parent := range q.pending {
		if _, ok := q.removeLocked(parent, taskID); ok {
			return true
		}
	}
	return false
}

// PruneStartedBefore drops entries whose task started before cutoff and
// returns the removed tasks.
func (q *NotificationQueue) PruneStartedBefore(cutoff time.Time) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var pruned []Task
	for parent, list := range q.pending {
		kept := list[:0]
		for _, t := range list {
			if t.StartedAt.Before(cutoff) {
				pruned = append(pruned, t)
				continue
			}
			kept = append(kept, t)
		}
		if len(kept) == 0 {
			delete(q.pending, parent)
			continue
		}
		q.pending[parent] = kept
	}
	return pruned
}

func (q *NotificationQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	n := 0
	for _, list := range q.pending {
		n += len(list)
	}
	return n
}

func (q *NotificationQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = make(map[string][]Task)
}

func (q *NotificationQueue) removeLocked(parentSessionID, taskID string) (Task, bool) {
	list := q.pending[parentSessionID]
	for i, t := range list {
		if t.ID != taskID {
			continue
		}
		list = append(list[:i], list[i+1:]...)
		if len(list) == 0 {
			delete(q.pending, parentSessionID)
		} else {
			q.pending[parentSessionID] = list
		}
		return t, true
	}
	return Task{}, false
}
