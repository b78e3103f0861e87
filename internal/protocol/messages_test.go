package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/ent0n29/taskrelay/internal/tasks"
)

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"ack_notifications","ts_ms":456}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.SessionID != "s1" || control.Action != ActionAckNotifications {
		t.Fatalf("unexpected client control: %+v", control)
	}
	if control.TSMs != 456 {
		t.Fatalf("TSMs = %d, want %d", control.TSMs, 456)
	}
}

func TestParseClientMessageRejectsBadControl(t *testing.T) {
	cases := []string{
		`{"type":"client_control","session_id":"","action":"ping"}`,
		`{"type":"client_control","session_id":"s1","action":"launch_rockets"}`,
		`not json`,
	}
	for _, raw := range cases {
		if _, err := ParseClientMessage([]byte(raw)); err == nil {
			t.Fatalf("ParseClientMessage(%s) error = nil, want failure", raw)
		}
	}
}

func TestNewTaskNotification(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := NewTaskNotification(tasks.Notification{
		TaskID:          "bg_1",
		ParentSessionID: "ses_parent",
		Status:          tasks.StatusError,
		Description:     "scan",
		Duration:        "3s",
		Text:            "[BACKGROUND TASK FAILED] ...",
		At:              at,
	})
	if msg.Type != TypeTaskNotification || msg.SessionID != "ses_parent" || msg.TaskID != "bg_1" {
		t.Fatalf("unexpected notification: %+v", msg)
	}
	if msg.TSMs != at.UnixMilli() {
		t.Fatalf("TSMs = %d, want %d", msg.TSMs, at.UnixMilli())
	}
}

func TestNewPendingSnapshot(t *testing.T) {
	snap := NewPendingSnapshot("ses_parent", []tasks.Task{
		{ID: "bg_1", Status: tasks.StatusCompleted, Description: "a", Agent: "explore"},
	})
	if len(snap.Tasks) != 1 || snap.Tasks[0].TaskID != "bg_1" || snap.Tasks[0].Agent != "explore" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	empty := NewPendingSnapshot("ses_parent", nil)
	if empty.Tasks == nil {
		t.Fatalf("Tasks should be an empty slice, not nil")
	}
}
