package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no ws session")

const defaultWriteWait = 5 * time.Second

// WSSession represents one connected passenger or driver.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ctx context.Context, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteWait)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

// WSRegistry holds the latest session per recipient.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(to Recipient, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[to.key()] = s
	return s
}

// Remove drops the session only if it is still the registered one; a newer
// connection from the same recipient is left alone.
func (r *WSRegistry) Remove(to Recipient, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[to.key()]; ok && cur == s {
		delete(r.sessions, to.key())
	}
}

func (r *WSRegistry) Connected(to Recipient) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[to.key()]
	return ok
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *WSRegistry) Send(ctx context.Context, to Recipient, env Envelope) error {
	r.mu.RLock()
	s, ok := r.sessions[to.key()]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(ctx, env)
}

// Serve registers conn and blocks until the client goes away. Inbound frames
// are discarded; the channel is server to client only.
func (r *WSRegistry) Serve(to Recipient, conn *websocket.Conn) {
	s := r.Add(to, conn)
	defer func() {
		r.Remove(to, s)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
