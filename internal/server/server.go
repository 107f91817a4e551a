package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"centredsharp/internal/config"
	"centredsharp/internal/persistence/indexdb"
	"centredsharp/internal/protocol"
	"centredsharp/internal/world"
)

// Accounts resolves principals by name. *config.Config satisfies it.
type Accounts interface {
	Account(name string) *config.Account
}

// Index receives flush and session rows. *indexdb.SQLiteIndex satisfies it.
type Index interface {
	RecordFlush(indexdb.FlushRow)
	RecordSession(indexdb.SessionRow)
}

type AuditSink interface {
	WriteAudit(world.AuditEntry) error
}

type Options struct {
	Config    config.ServerConfig
	Accounts  Accounts
	Landscape *world.Landscape
	// Backend names the storage backend in flush records.
	Backend string
	Logger  *zap.Logger
	Audit   []AuditSink
	Index   Index
	Events  *Hub
	// Now overrides the clock of the maintenance sweep.
	Now func() time.Time
}

// Server is the connection manager: it owns the listener, the session
// registry and the maintenance loop.
type Server struct {
	cfg      config.ServerConfig
	accounts Accounts
	land     *world.Landscape
	backend  string
	log      *zap.Logger
	audit    []AuditSink
	index    Index
	events   *Hub
	now      func() time.Time
	disp     *Dispatcher

	sessions *sessionRegistry

	mu        sync.Mutex
	ln        net.Listener
	cancel    context.CancelFunc
	lastFlush time.Time
	flushMu   sync.Mutex
	loginMu   sync.Mutex

	stopping atomic.Bool
	conns    sync.WaitGroup

	accepted    atomic.Uint64
	disconnects atomic.Uint64
	timeouts    atomic.Uint64
	flushes     atomic.Uint64
	flushErrors atomic.Uint64
	edits       atomic.Uint64
}

func New(opts Options) (*Server, error) {
	if opts.Landscape == nil {
		return nil, errors.New("server: nil landscape")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Events == nil {
		opts.Events = NewHub()
	}
	cfg := opts.Config
	if cfg.ReceiveChunk <= 0 {
		cfg.ReceiveChunk = 4096
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.MaintenanceTick <= 0 {
		cfg.MaintenanceTick = 100 * time.Millisecond
	}
	s := &Server{
		cfg:      cfg,
		accounts: opts.Accounts,
		land:     opts.Landscape,
		backend:  opts.Backend,
		log:      opts.Logger,
		audit:    opts.Audit,
		index:    opts.Index,
		events:   opts.Events,
		now:      opts.Now,
		sessions: newSessionRegistry(),
	}
	s.disp = NewDispatcher(defaultRegistry(), s, s.log)
	s.lastFlush = s.now()
	return s, nil
}

func (s *Server) Landscape() *world.Landscape { return s.land }
func (s *Server) Events() *Hub                { return s.events }

// Listen binds the configured address with SO_REUSEADDR.
func (s *Server) Listen(ctx context.Context) error {
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr is the bound listener address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run serves until ctx is cancelled or Shutdown is called. Sessions are
// closed abruptly, then the landscape is flushed one last time.
func (s *Server) Run(ctx context.Context) error {
	if s.Addr() == nil {
		if err := s.Listen(ctx); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	ln := s.ln
	s.mu.Unlock()

	s.log.Info("listening", zap.String("addr", ln.Addr().String()), zap.Uint32("protocol_version", protocol.Version))

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		s.acceptLoop(ctx, ln)
	}()
	go func() {
		defer loops.Done()
		s.maintenanceLoop(ctx)
	}()

	<-ctx.Done()
	s.stopping.Store(true)
	_ = ln.Close()
	loops.Wait()

	for _, sess := range s.sessions.snapshot() {
		sess.Close()
	}
	s.conns.Wait()
	for _, sess := range s.sessions.snapshot() {
		s.disconnect(sess, "shutdown")
	}

	_, err := s.flush(context.Background(), true)
	s.log.Info("server stopped", zap.Uint64("sessions_served", s.accepted.Load()), zap.Error(err))
	return err
}

// Shutdown asks Run to stop.
func (s *Server) Shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	sess := newSession(conn, s.cfg.AnonymousAccess, s.cfg.WriteTimeout, s.now(), s.log)
	if err := sess.Send(protocol.ProtocolVersionPacket()); err != nil {
		sess.Log().Debug("handshake failed", zap.Error(err))
		sess.Close()
		return
	}
	s.sessions.add(sess)
	s.accepted.Add(1)
	s.recordSession(sess, indexdb.EventConnect, "")
	s.events.Publish(Event{Type: EventSessionConnect, Session: sess.ID, Details: map[string]any{"remote": sess.RemoteAddr()}})
	sess.Log().Info("session connected")

	s.conns.Add(1)
	go s.receive(ctx, sess)
}

// receive feeds socket bytes to the dispatcher until the connection ends.
func (s *Server) receive(ctx context.Context, sess *Session) {
	defer s.conns.Done()
	chunk := make([]byte, s.cfg.ReceiveChunk)
	for {
		n, err := sess.conn.Read(chunk)
		if n > 0 {
			sess.appendBuf(chunk[:n])
			if _, perr := s.disp.Process(ctx, sess); perr != nil {
				sess.Log().Warn("protocol violation", zap.Error(perr))
				s.disconnect(sess, "protocol_error")
				return
			}
		}
		if err != nil {
			reason := "read_error"
			switch {
			case s.stopping.Load():
				reason = "shutdown"
			case errors.Is(err, io.EOF):
				reason = "eof"
			case sess.Closed():
				reason = "closed"
			}
			s.disconnect(sess, reason)
			return
		}
	}
}

// disconnect tears a session down exactly once: it leaves the registry, its
// holds are released and everyone else is told.
func (s *Server) disconnect(sess *Session, reason string) {
	sess.gone.Do(func() {
		sess.Close()
		s.sessions.remove(sess)
		released := s.land.ReleaseHolder(sess.ID)
		s.disconnects.Add(1)

		name := sess.Name()
		s.SendToAll(protocol.ClientDisconnectedPacket(name))

		s.recordSession(sess, indexdb.EventDisconnect, reason)
		s.events.Publish(Event{Type: EventSessionDisconnect, Session: sess.ID, Account: name, Reason: reason})
		sess.Log().Info("session disconnected", zap.String("reason", reason), zap.Int("released", released))
	})
}

func (s *Server) recordSession(sess *Session, event, reason string) {
	if s.index == nil {
		return
	}
	s.index.RecordSession(indexdb.SessionRow{
		At:        s.now(),
		SessionID: sess.ID,
		Account:   sess.Name(),
		Remote:    sess.RemoteAddr(),
		Event:     event,
		Reason:    reason,
	})
}

func (s *Server) maintenanceLoop(ctx context.Context) {
	t := time.NewTicker(s.cfg.MaintenanceTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.maintain(ctx)
		}
	}
}

// maintain runs one maintenance tick: reap dead or idle sessions, then flush
// and evict once per flush interval.
func (s *Server) maintain(ctx context.Context) {
	now := s.now()
	for _, sess := range s.sessions.snapshot() {
		switch {
		case sess.Closed():
			s.disconnect(sess, "closed")
		case now.Sub(sess.LastActivity()) > s.cfg.IdleTimeout:
			s.timeouts.Add(1)
			s.disconnect(sess, "timeout")
		}
	}

	s.mu.Lock()
	due := now.Sub(s.lastFlush) >= s.cfg.FlushInterval
	if due {
		s.lastFlush = now
	}
	s.mu.Unlock()
	if !due {
		return
	}
	if _, err := s.flush(ctx, false); err != nil {
		return
	}
	if n := s.land.Evict(); n > 0 {
		s.log.Debug("evicted blocks", zap.Int("blocks", n))
	}
}

// FlushNow persists dirty blocks immediately.
func (s *Server) FlushNow(ctx context.Context) (int, error) {
	return s.flush(ctx, false)
}

func (s *Server) flush(ctx context.Context, final bool) (int, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	start := time.Now()
	n, err := s.land.FlushStorage(ctx)
	took := time.Since(start)
	row := indexdb.FlushRow{At: s.now(), Blocks: n, Duration: took, Backend: s.backend, Final: final}
	if err != nil {
		s.flushErrors.Add(1)
		row.Error = err.Error()
		s.log.Error("flush failed", zap.Error(err), zap.Bool("final", final))
	} else {
		s.flushes.Add(1)
		if n > 0 || final {
			s.log.Info("flushed landscape", zap.Int("blocks", n), zap.Duration("took", took), zap.Bool("final", final))
		}
	}
	if s.index != nil && (n > 0 || err != nil || final) {
		s.index.RecordFlush(row)
	}
	if n > 0 || err != nil {
		s.events.Publish(Event{Type: EventFlush, Reason: row.Error, Details: map[string]any{"blocks": n, "final": final}})
	}
	return n, err
}

// Stats is a point-in-time view for the admin endpoints.
type Stats struct {
	Sessions        int         `json:"sessions"`
	Accepted        uint64      `json:"accepted_total"`
	Disconnects     uint64      `json:"disconnects_total"`
	Timeouts        uint64      `json:"timeouts_total"`
	Flushes         uint64      `json:"flushes_total"`
	FlushErrors     uint64      `json:"flush_errors_total"`
	Edits           uint64      `json:"edits_total"`
	Frames          uint64      `json:"frames_total"`
	HandlerErrors   uint64      `json:"handler_errors_total"`
	EventSubs       int         `json:"event_subscribers"`
	EventsDropped   uint64      `json:"events_dropped_total"`
	Landscape       world.Stats `json:"landscape"`
	Users           []string    `json:"users"`
	ProtocolVersion uint32      `json:"protocol_version"`
}

func (s *Server) Stats() Stats {
	return Stats{
		Sessions:        s.sessions.len(),
		Accepted:        s.accepted.Load(),
		Disconnects:     s.disconnects.Load(),
		Timeouts:        s.timeouts.Load(),
		Flushes:         s.flushes.Load(),
		FlushErrors:     s.flushErrors.Load(),
		Edits:           s.edits.Load(),
		Frames:          s.disp.frames.Load(),
		HandlerErrors:   s.disp.handlerErrors.Load(),
		EventSubs:       s.events.Subscribers(),
		EventsDropped:   s.events.Dropped(),
		Landscape:       s.land.Stats(),
		Users:           s.sessions.names(),
		ProtocolVersion: protocol.Version,
	}
}
