package tasks

import (
	"fmt"
	"strings"
	"time"
)

const NotificationTypeTaskCompletion = "task_completion"

// Notification is the message delivered to a parent session once one of
// its background tasks settles.
type Notification struct {
	Type            string    `json:"type"`
	TaskID          string    `json:"task_id"`
	ParentSessionID string    `json:"parent_session_id"`
	Status          Status    `json:"status"`
	Description     string    `json:"description"`
	Duration        string    `json:"duration"`
	Text            string    `json:"text"`
	At              time.Time `json:"at"`
}

func NewNotification(task Task, now time.Time) Notification {
	duration := FormatDuration(task.Duration(now))
	return Notification{
		Type:            NotificationTypeTaskCompletion,
		TaskID:          task.ID,
		ParentSessionID: task.ParentSessionID,
		Status:          task.Status,
		Description:     task.Description,
		Duration:        duration,
		Text:            notificationText(task, duration),
		At:              now,
	}
}

func notificationText(task Task, duration string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[BACKGROUND TASK %s] Task %q finished in %s.\n", statusHeadline(task.Status), task.Description, duration)
	fmt.Fprintf(&b, "Task ID: %s\n", task.ID)
	fmt.Fprintf(&b, "Use background_output with task_id=%q to get full output.", task.ID)
	return b.String()
}

func statusHeadline(s Status) string {
	switch s {
	case StatusError:
		return "FAILED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "COMPLETED"
	}
}

// FormatDuration renders whole seconds as "1h 2m 3s", "2m 3s" or "3s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
