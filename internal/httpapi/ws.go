package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/taskrelay/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadLimit    = 64 << 10
)

// handleSessionWS streams notifications delivered to a parent session.
// A pending_snapshot is sent first so a reconnecting client can recover
// what it has not acknowledged yet.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	if _, err := s.sessions.Get(sessionID); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	delivered, unsubscribe, err := s.sessions.Subscribe(sessionID)
	if err != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		_ = conn.WriteJSON(protocol.NewErrorEvent(sessionID, "session_unavailable", "gateway", err.Error(), false))
		return
	}
	defer unsubscribe()

	s.metrics.ObserveSessionEvent("ws_connected")
	defer s.metrics.ObserveSessionEvent("ws_disconnected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 64)
	outbound <- s.pendingSnapshot(sessionID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Closing unblocks the read loop once the writer is gone.
		defer conn.Close()
		defer cancel()
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
				continue
			case m, ok := <-delivered:
				if !ok {
					msg = protocol.NewSystemEvent(sessionID, "session_ended", "")
					_ = s.writeMessage(conn, msg)
					return
				}
				msg = m
			case m := <-outbound:
				msg = m
			}
			if err := s.writeMessage(conn, msg); err != nil {
				s.logger.Debug("websocket write failed", zap.String("session_id", sessionID), zap.Error(err))
				return
			}
		}
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		_ = s.sessions.Touch(sessionID)

		reply := s.handleClientMessage(sessionID, data)
		if reply == nil {
			continue
		}
		select {
		case outbound <- reply:
		case <-ctx.Done():
		default:
			// Writes stay single-threaded; drop when the writer is saturated.
			s.metrics.ObserveWSMessage("outbound_dropped", string(messageTypeOf(reply)))
		}
		if ctx.Err() != nil {
			break
		}
	}

	cancel()
	<-writerDone
}

func (s *Server) handleClientMessage(sessionID string, data []byte) any {
	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		return protocol.NewErrorEvent(sessionID, "invalid_client_message", "gateway", err.Error(), false)
	}
	s.metrics.ObserveWSMessage("inbound", string(messageTypeOf(parsed)))

	ctrl, ok := parsed.(protocol.ClientControl)
	if !ok {
		return nil
	}
	if ctrl.SessionID != sessionID {
		return protocol.NewErrorEvent(sessionID, "session_mismatch", "gateway", "client_control session_id does not match connection", false)
	}

	switch ctrl.Action {
	case protocol.ActionAckNotifications:
		cleared := 0
		if s.taskService != nil {
			cleared = s.taskService.ClearNotifications(sessionID)
		}
		return protocol.NewSystemEvent(sessionID, "notifications_acknowledged", strconv.Itoa(cleared))
	case protocol.ActionPendingSnapshot:
		return s.pendingSnapshot(sessionID)
	case protocol.ActionPing:
		return protocol.NewSystemEvent(sessionID, "pong", strconv.FormatInt(protocol.NowMS(), 10))
	default:
		return nil
	}
}

func (s *Server) pendingSnapshot(sessionID string) protocol.PendingSnapshot {
	if s.taskService == nil {
		return protocol.NewPendingSnapshot(sessionID, nil)
	}
	return protocol.NewPendingSnapshot(sessionID, s.taskService.GetPendingNotifications(sessionID))
}

func (s *Server) writeMessage(conn *websocket.Conn, msg any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		s.metrics.ObserveWSMessage("outbound_error", string(messageTypeOf(msg)))
		return err
	}
	s.metrics.ObserveWSMessage("outbound", string(messageTypeOf(msg)))
	return nil
}

func messageTypeOf(v any) protocol.MessageType {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type
	case protocol.TaskNotification:
		return m.Type
	case protocol.PendingSnapshot:
		return m.Type
	case protocol.SystemEvent:
		return m.Type
	case protocol.ErrorEvent:
		return m.Type
	default:
		return "unknown"
	}
}
