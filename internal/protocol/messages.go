package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/taskrelay/internal/tasks"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl    MessageType = "client_control"
	TypeTaskNotification MessageType = "task_notification"
	TypePendingSnapshot  MessageType = "pending_snapshot"
	TypeSystemEvent      MessageType = "system_event"
	TypeErrorEvent       MessageType = "error_event"
)

const (
	ActionAckNotifications = "ack_notifications"
	ActionPendingSnapshot  = "pending_snapshot"
	ActionPing             = "ping"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type TaskNotification struct {
	Type        MessageType  `json:"type"`
	SessionID   string       `json:"session_id"`
	TaskID      string       `json:"task_id"`
	Status      tasks.Status `json:"status"`
	Description string       `json:"description"`
	Duration    string       `json:"duration"`
	Text        string       `json:"text"`
	TSMs        int64        `json:"ts_ms"`
}

type PendingTask struct {
	TaskID      string       `json:"task_id"`
	Status      tasks.Status `json:"status"`
	Description string       `json:"description"`
	Agent       string       `json:"agent"`
}

type PendingSnapshot struct {
	Type      MessageType   `json:"type"`
	SessionID string        `json:"session_id"`
	Tasks     []PendingTask `json:"tasks"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func NewTaskNotification(n tasks.Notification) TaskNotification {
	return TaskNotification{
		Type:        TypeTaskNotification,
		SessionID:   n.ParentSessionID,
		TaskID:      n.TaskID,
		Status:      n.Status,
		Description: n.Description,
		Duration:    n.Duration,
		Text:        n.Text,
		TSMs:        n.At.UnixMilli(),
	}
}

func NewPendingSnapshot(sessionID string, pending []tasks.Task) PendingSnapshot {
	out := PendingSnapshot{
		Type:      TypePendingSnapshot,
		SessionID: sessionID,
		Tasks:     make([]PendingTask, 0, len(pending)),
	}
	for _, t := range pending {
		out.Tasks = append(out.Tasks, PendingTask{
			TaskID:      t.ID,
			Status:      t.Status,
			Description: t.Description,
			Agent:       t.Agent,
		})
	}
	return out
}

func NewSystemEvent(sessionID, code, detail string) SystemEvent {
	return SystemEvent{Type: TypeSystemEvent, SessionID: sessionID, Code: code, Detail: detail}
}

func NewErrorEvent(sessionID, code, source, detail string, retryable bool) ErrorEvent {
	return ErrorEvent{
		Type:      TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    source,
		Retryable: retryable,
		Detail:    detail,
	}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.SessionID = strings.TrimSpace(msg.SessionID)
		msg.Action = strings.TrimSpace(msg.Action)
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		switch msg.Action {
		case ActionAckNotifications, ActionPendingSnapshot, ActionPing:
		default:
			return nil, fmt.Errorf("unsupported client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// NowMS is the wire timestamp for server generated events.
func NowMS() int64 {
	return time.Now().UnixMilli()
}
