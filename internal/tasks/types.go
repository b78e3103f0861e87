package tasks

import (
	"strings"
	"time"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

func ParseStatus(raw string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusRunning:
		return StatusRunning, true
	case StatusCompleted:
		return StatusCompleted, true
	case StatusError:
		return StatusError, true
	case StatusCancelled:
		return StatusCancelled, true
	default:
		return "", false
	}
}

// ModelRef identifies the model that issued a launch.
type ModelRef struct {
	ProviderID string `json:"provider_id"`
	ModelID    string `json:"model_id"`
}

type Progress struct {
	ToolCalls     int        `json:"tool_calls"`
	LastTool      string     `json:"last_tool,omitempty"`
	LastUpdate    time.Time  `json:"last_update"`
	LastMessage   string     `json:"last_message,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

type Task struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"session_id"`
	ParentSessionID string     `json:"parent_session_id"`
	ParentMessageID string     `json:"parent_message_id,omitempty"`
	ParentModel     *ModelRef  `json:"parent_model,omitempty"`
	Description     string     `json:"description"`
	Prompt          string     `json:"prompt"`
	Agent           string     `json:"agent"`
	Status          Status     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	Output          string     `json:"output,omitempty"`
	Progress        Progress   `json:"progress"`
}

func (t Task) Clone() Task {
	c := t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	if t.Progress.LastMessageAt != nil {
		at := *t.Progress.LastMessageAt
		c.Progress.LastMessageAt = &at
	}
	if t.ParentModel != nil {
		m := *t.ParentModel
		c.ParentModel = &m
	}
	return c
}

// Duration is the wall time between start and settlement, or until now
// for a task that is still running.
func (t Task) Duration(now time.Time) time.Duration {
	end := now
	if t.CompletedAt != nil {
		end = *t.CompletedAt
	}
	if end.Before(t.StartedAt) {
		return 0
	}
	return end.Sub(t.StartedAt)
}

type LaunchInput struct {
	Description     string    `json:"description"`
	Prompt          string    `json:"prompt" validate:"required"`
	Agent           string    `json:"agent" validate:"required"`
	ParentSessionID string    `json:"parent_session_id" validate:"required"`
	ParentMessageID string    `json:"parent_message_id,omitempty"`
	ParentModel     *ModelRef `json:"parent_model,omitempty"`
	// SessionID pins the child session; a fresh one is allocated when empty.
	SessionID string `json:"session_id,omitempty"`
}

func (in LaunchInput) normalized() LaunchInput {
	in.Description = strings.TrimSpace(in.Description)
	in.Agent = strings.TrimSpace(in.Agent)
	in.ParentSessionID = strings.TrimSpace(in.ParentSessionID)
	in.ParentMessageID = strings.TrimSpace(in.ParentMessageID)
	in.SessionID = strings.TrimSpace(in.SessionID)
	if in.Description == "" {
		in.Description = truncate(strings.TrimSpace(in.Prompt), 80)
	}
	return in
}

// ProgressUpdate is reported by the agent while a task runs. Delta is
// appended to the accumulated output; Tool counts one tool call.
type ProgressUpdate struct {
	Tool    string `json:"tool,omitempty"`
	Message string `json:"message,omitempty"`
	Delta   string `json:"delta,omitempty"`
}

// AgentCall carries everything an agent host needs to run one task.
type AgentCall struct {
	TaskID          string
	SessionID       string
	ParentSessionID string
	Agent           string
	Prompt          string
	ParentModel     *ModelRef
	OnProgress      func(ProgressUpdate)
}

// Output is the read-side shape returned to callers polling a task.
type Output struct {
	TaskID      string     `json:"task_id"`
	Status      Status     `json:"status"`
	Description string     `json:"description"`
	Agent       string     `json:"agent"`
	Duration    string     `json:"duration"`
	Output      string     `json:"output,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Progress    Progress   `json:"progress"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	TimedOut    bool       `json:"timed_out,omitempty"`
}

func OutputOf(t Task, now time.Time) Output {
	t = t.Clone()
	out := Output{
		TaskID:      t.ID,
		Status:      t.Status,
		Description: t.Description,
		Agent:       t.Agent,
		Duration:    FormatDuration(t.Duration(now)),
		Progress:    t.Progress,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
	switch t.Status {
	case StatusRunning:
		out.Output = t.Output
	case StatusCompleted:
		out.Output = t.Output
		out.Result = t.Result
	case StatusError:
		out.Error = t.Error
	}
	return out
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
