package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// wsSession is one connected client. Writes are serialised per connection.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// WSRegistry holds in-app sessions by user id and delivers the in_app
// channel. A user reconnecting replaces the previous session.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*wsSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*wsSession)} }

func (r *WSRegistry) Add(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[userID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[userID] = &wsSession{conn: conn}
}

// Remove drops the session only if conn is still the registered one.
func (r *WSRegistry) Remove(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok && s.conn == conn {
		delete(r.sessions, userID)
	}
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

type inAppPayload struct {
	Type     string            `json:"type"`
	Priority string            `json:"priority"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Data     map[string]string `json:"data,omitempty"`
	SentAt   time.Time         `json:"sent_at"`
}

func (r *WSRegistry) Send(_ context.Context, msg Message) error {
	r.mu.RLock()
	s, ok := r.sessions[msg.RecipientID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	err := s.send(inAppPayload{
		Type:     string(msg.Type),
		Priority: string(msg.Priority),
		Title:    msg.Title,
		Message:  msg.Body,
		Data:     msg.Data,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		r.Remove(msg.RecipientID, s.conn)
		return err
	}
	return nil
}
