package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"centredsharp/internal/config"
)

var ErrSessionClosed = errors.New("session closed")

// Session is the server side of one client connection. The receive buffer is
// owned by the session's receive goroutine; everything else is safe for
// concurrent use.
type Session struct {
	ID          string
	conn        net.Conn
	remote      string
	connectedAt time.Time
	logger      atomic.Pointer[zap.Logger]

	buf []byte

	lastActivity atomic.Int64

	mu        sync.RWMutex
	account   *config.Account
	anonymous config.AccessLevel
	pos       [2]uint16

	writeMu      sync.Mutex
	writeTimeout time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
	gone      sync.Once
}

func newSession(conn net.Conn, anonymous config.AccessLevel, writeTimeout time.Duration, now time.Time, log *zap.Logger) *Session {
	id := uuid.NewString()
	remote := ""
	if conn != nil && conn.RemoteAddr() != nil {
		remote = conn.RemoteAddr().String()
	}
	s := &Session{
		ID:           id,
		conn:         conn,
		remote:       remote,
		connectedAt:  now,
		anonymous:    anonymous,
		writeTimeout: writeTimeout,
	}
	s.logger.Store(log.With(zap.String("session", id), zap.String("remote", remote)))
	s.touch(s.connectedAt)
	return s
}

func (s *Session) RemoteAddr() string     { return s.remote }
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

func (s *Session) touch(now time.Time) { s.lastActivity.Store(now.UnixNano()) }

// LastActivity is the time the last complete frame was dispatched.
func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }

// Account is the authenticated principal, nil before login.
func (s *Session) Account() *config.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

func (s *Session) setAccount(a *config.Account) {
	s.mu.Lock()
	s.account = a
	s.mu.Unlock()
	s.logger.Store(s.Log().With(zap.String("account", a.Name)))
}

// Log is the session-scoped logger.
func (s *Session) Log() *zap.Logger { return s.logger.Load() }

// Name is the principal's display name, empty before login.
func (s *Session) Name() string {
	if a := s.Account(); a != nil {
		return a.Name
	}
	return ""
}

func (s *Session) Access() config.AccessLevel {
	if a := s.Account(); a != nil {
		return a.Access
	}
	return s.anonymous
}

func (s *Session) Position() (x, y uint16) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pos[0], s.pos[1]
}

func (s *Session) setPosition(x, y uint16) {
	s.mu.Lock()
	s.pos = [2]uint16{x, y}
	s.mu.Unlock()
}

// Send writes one encoded packet. A write failure closes the session; the
// maintenance sweep reaps it.
func (s *Session) Send(pkt []byte) error {
	if s == nil || s.conn == nil || s.closed.Load() {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if _, err := s.conn.Write(pkt); err != nil {
		s.Close()
		return fmt.Errorf("send to %s: %w", s.ID, err)
	}
	return nil
}

func (s *Session) Closed() bool { return s.closed.Load() }

// Close shuts the socket. It is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// Receive buffer. Only the receive goroutine touches these.

func (s *Session) appendBuf(p []byte) { s.buf = append(s.buf, p...) }

func (s *Session) Buffered() int { return len(s.buf) }

// dequeue drops n consumed bytes from the front, keeping the tail.
func (s *Session) dequeue(n int) {
	rest := copy(s.buf, s.buf[n:])
	s.buf = s.buf[:rest]
}
