package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrEnded    = errors.New("session ended")
)

const (
	subscriberBuffer = 256
	backlogLimit     = 256
)

// Session is a parent conversation that launches background tasks and
// receives their completion notices.
type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Label          string    `json:"label,omitempty"`
	Status         Status    `json:"status"`
	Delivered      int       `json:"delivered"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	backlog           map[string][]any
	subscribers       map[string]map[int]chan any
	nextSubID         int
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		backlog:           make(map[string][]any),
		subscribers:       make(map[string]map[int]chan any),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) InactivityTimeout() time.Duration {
	return m.inactivityTimeout
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(userID, label string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             "ses_" + uuid.NewString(),
		UserID:         userID,
		Label:          label,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	m.endLocked(s, time.Now().UTC())
	return clone(s), nil
}

// Deliver pushes msg to every live subscriber of the session. With no
// subscriber attached the message is kept in a bounded backlog and
// replayed to the next subscriber.
func (m *Manager) Deliver(sessionID string, msg any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Status != StatusActive {
		return ErrEnded
	}
	s.Delivered++
	s.LastActivityAt = time.Now().UTC()

	subs := m.subscribers[sessionID]
	if len(subs) == 0 {
		backlog := append(m.backlog[sessionID], msg)
		if len(backlog) > backlogLimit {
			backlog = backlog[len(backlog)-backlogLimit:]
		}
		m.backlog[sessionID] = backlog
		return nil
	}
	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe attaches a listener to the session. The channel is closed by
// the returned unsubscribe func or when the session ends.
func (m *Manager) Subscribe(sessionID string) (<-chan any, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if s.Status != StatusActive {
		return nil, nil, ErrEnded
	}

	ch := make(chan any, subscriberBuffer)
	for _, msg := range m.backlog[sessionID] {
		ch <- msg
	}
	delete(m.backlog, sessionID)

	m.nextSubID++
	id := m.nextSubID
	if _, ok := m.subscribers[sessionID]; !ok {
		m.subscribers[sessionID] = make(map[int]chan any)
	}
	m.subscribers[sessionID][id] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.unsubscribeLocked(sessionID, id)
	}, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		// a connected listener keeps the session alive
		if len(m.subscribers[s.ID]) > 0 {
			continue
		}
		m.endLocked(s, now)
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func (m *Manager) endLocked(s *Session, now time.Time) {
	s.Status = StatusEnded
	s.LastActivityAt = now
	delete(m.backlog, s.ID)
	for id := range m.subscribers[s.ID] {
		m.unsubscribeLocked(s.ID, id)
	}
}

func (m *Manager) unsubscribeLocked(sessionID string, id int) {
	subs := m.subscribers[sessionID]
	if subs == nil {
		return
	}
	if c, ok := subs[id]; ok {
		delete(subs, id)
		close(c)
	}
	if len(subs) == 0 {
		delete(m.subscribers, sessionID)
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
