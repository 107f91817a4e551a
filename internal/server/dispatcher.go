package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"centredsharp/internal/config"
	"centredsharp/internal/protocol"
	"centredsharp/internal/world"
)

var (
	// ErrFraming marks a protocol violation that ends the session.
	ErrFraming = errors.New("framing violation")

	ErrAccessDenied = errors.New("access denied")
	ErrBadRequest   = errors.New("bad request")
)

// HandlerError reports a failed handler. The session stays connected.
type HandlerError struct {
	Op      byte
	Session string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler 0x%02X (session %s): %v", e.Op, e.Session, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Request is what a handler sees of the frame it is serving.
type Request struct {
	Ctx     context.Context
	Server  *Server
	Session *Session
	Op      byte
}

type HandlerFunc func(req *Request, r *protocol.Reader) error

// Registration binds an opcode to its handler. Length is the whole frame
// length including the opcode byte, or 0 for variable-length frames.
type Registration struct {
	Length    int
	MinAccess config.AccessLevel
	Handle    HandlerFunc
}

// Registry maps opcodes to registrations. It is read-only once built.
type Registry struct {
	handlers [256]*Registration
}

func NewRegistry(regs map[byte]Registration) *Registry {
	r := &Registry{}
	for op, reg := range regs {
		reg := reg
		r.handlers[op] = &reg
	}
	return r
}

func (r *Registry) Lookup(op byte) (Registration, bool) {
	if h := r.handlers[op]; h != nil {
		return *h, true
	}
	return Registration{}, false
}

// Dispatcher frames the receive buffer of a session and runs handlers.
type Dispatcher struct {
	reg *Registry
	srv *Server
	log *zap.Logger
	now func() time.Time

	frames        atomic.Uint64
	handlerErrors atomic.Uint64
}

func NewDispatcher(reg *Registry, srv *Server, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{reg: reg, srv: srv, log: log, now: time.Now}
	if srv != nil {
		d.now = srv.now
	}
	return d
}

// Process dispatches every complete frame in the session's buffer, in order.
// Incomplete frames stay buffered untouched. The returned error is non-nil
// only for framing violations, after which the session must be dropped.
func (d *Dispatcher) Process(ctx context.Context, s *Session) (int, error) {
	n := 0
	for len(s.buf) >= 1 && !s.Closed() {
		op := s.buf[0]
		reg, ok := d.reg.Lookup(op)
		if !ok {
			return n, fmt.Errorf("%w: %w", ErrFraming, protocol.UnknownOpcode(op))
		}

		frameLen, start := reg.Length, 1
		if reg.Length == 0 {
			if len(s.buf) < protocol.VarHeaderLen {
				return n, nil
			}
			size := binary.LittleEndian.Uint32(s.buf[1:protocol.VarHeaderLen])
			if size > protocol.MaxPayload {
				return n, fmt.Errorf("%w: opcode 0x%02X: %w: %d", ErrFraming, op, protocol.ErrFrameTooLarge, size)
			}
			frameLen, start = protocol.VarHeaderLen+int(size), protocol.VarHeaderLen
		}
		if len(s.buf) < frameLen {
			return n, nil
		}

		payload := s.buf[start:frameLen]
		s.touch(d.now())
		d.frames.Add(1)
		if err := d.run(ctx, s, op, reg, payload); err != nil {
			d.handlerErrors.Add(1)
			s.Log().Warn("handler failed", zap.Error(err))
		}
		s.dequeue(frameLen)
		n++
	}
	return n, nil
}

// run invokes one handler, converting panics and errors into a HandlerError
// and an EditResult rejection for the client.
func (d *Dispatcher) run(ctx context.Context, s *Session, op byte, reg Registration, payload []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &HandlerError{Op: op, Session: s.ID, Err: fmt.Errorf("panic: %v", p)}
			s.Log().Error("handler panic", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
		}
		if err != nil {
			_ = s.Send(protocol.EditResult(statusFor(s, err), op, err.Error()))
		}
	}()

	if s.Access() < reg.MinAccess {
		return &HandlerError{Op: op, Session: s.ID, Err: fmt.Errorf("%w: need %s", ErrAccessDenied, reg.MinAccess)}
	}
	req := &Request{Ctx: ctx, Server: d.srv, Session: s, Op: op}
	if herr := reg.Handle(req, protocol.NewReader(payload)); herr != nil {
		return &HandlerError{Op: op, Session: s.ID, Err: herr}
	}
	return nil
}

func statusFor(s *Session, err error) protocol.Status {
	switch {
	case errors.Is(err, ErrAccessDenied):
		if s.Account() == nil {
			return protocol.StatusNotLoggedIn
		}
		return protocol.StatusNoPermission
	case errors.Is(err, world.ErrLocked), errors.Is(err, world.ErrSelected):
		return protocol.StatusLocked
	case errors.Is(err, world.ErrNotFound):
		return protocol.StatusNotFound
	case errors.Is(err, world.ErrOutOfBounds):
		return protocol.StatusOutOfBounds
	case errors.Is(err, ErrBadRequest), errors.Is(err, protocol.ErrShortPayload):
		return protocol.StatusBadRequest
	default:
		return protocol.StatusInternal
	}
}
