package server

import (
	"fmt"

	"go.uber.org/zap"

	"centredsharp/internal/config"
	"centredsharp/internal/persistence/indexdb"
	"centredsharp/internal/protocol"
	"centredsharp/internal/world"
)

func handleConnection(req *Request, r *protocol.Reader) error {
	sub := r.ReadU8()
	if err := r.Err(); err != nil {
		return err
	}
	switch sub {
	case protocol.ConnLogin:
		return handleLogin(req, r)
	case protocol.ConnQuit:
		req.Server.disconnect(req.Session, "quit")
		return nil
	default:
		return fmt.Errorf("%w: connection sub-command 0x%02X", ErrBadRequest, sub)
	}
}

// handleLogin authenticates the session. Refusals are reported through the
// login state, not as handler errors.
func handleLogin(req *Request, r *protocol.Reader) error {
	name := r.ReadString()
	password := r.ReadString()
	if err := r.Err(); err != nil {
		return err
	}
	srv, sess := req.Server, req.Session

	state, access := srv.authenticate(sess, name, password)
	if state != protocol.LoginOK {
		sess.Log().Warn("login refused", zap.String("user", name), zap.Stringer("state", state))
		srv.SendToOne(sess, protocol.LoginResponse(state, 0, 0, 0))
		return nil
	}
	w, h := uint16(srv.land.Width()), uint16(srv.land.Height())
	srv.SendToOne(sess, protocol.LoginResponse(state, byte(access), w, h))
	srv.SendToAllExcept(sess, protocol.ClientConnectedPacket(sess.Name()))

	srv.recordSession(sess, indexdb.EventLogin, "")
	srv.events.Publish(Event{Type: EventSessionLogin, Session: sess.ID, Account: sess.Name()})
	sess.Log().Info("login", zap.Stringer("access", access))
	return nil
}

func (s *Server) authenticate(sess *Session, name, password string) (protocol.LoginState, config.AccessLevel) {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()

	if sess.Account() != nil {
		return protocol.LoginAlreadyLoggedIn, config.AccessNone
	}
	var acct *config.Account
	if s.accounts != nil {
		acct = s.accounts.Account(name)
	}
	switch {
	case acct == nil:
		return protocol.LoginInvalidUser, config.AccessNone
	case !acct.CheckPassword(password):
		return protocol.LoginInvalidPassword, config.AccessNone
	case acct.Access == config.AccessNone:
		return protocol.LoginNoAccess, config.AccessNone
	case s.sessions.byAccount(acct.Name) != nil:
		return protocol.LoginAlreadyLoggedIn, config.AccessNone
	}
	sess.setAccount(acct)
	return protocol.LoginOK, acct.Access
}

func handleAdmin(req *Request, r *protocol.Reader) error {
	sub := r.ReadU8()
	if err := r.Err(); err != nil {
		return err
	}
	srv, sess := req.Server, req.Session
	switch sub {
	case protocol.AdminFlush:
		n, err := srv.FlushNow(req.Ctx)
		if err != nil {
			return err
		}
		srv.SendToOne(sess, protocol.EditResult(protocol.StatusOK, req.Op, fmt.Sprintf("flushed %d blocks", n)))
	case protocol.AdminShutdown:
		sess.Log().Warn("shutdown requested")
		srv.SendToOne(sess, protocol.EditResult(protocol.StatusOK, req.Op, "shutting down"))
		srv.Shutdown()
	case protocol.AdminListUsers:
		srv.SendToOne(sess, protocol.UserListPacket(srv.sessions.names()))
	default:
		return fmt.Errorf("%w: admin sub-command 0x%02X", ErrBadRequest, sub)
	}
	return nil
}

func handleClient(req *Request, r *protocol.Reader) error {
	sub := r.ReadU8()
	if err := r.Err(); err != nil {
		return err
	}
	srv, sess := req.Server, req.Session
	switch sub {
	case protocol.ClientList:
		srv.SendToOne(sess, protocol.ClientListPacket(srv.sessions.names()))
	case protocol.ClientUpdatePos:
		x, y := r.ReadU16(), r.ReadU16()
		if err := r.Err(); err != nil {
			return err
		}
		if int(x) >= srv.land.Width() || int(y) >= srv.land.Height() {
			return fmt.Errorf("position %d,%d: %w", x, y, world.ErrOutOfBounds)
		}
		sess.setPosition(x, y)
	case protocol.ClientChat:
		_ = r.ReadString()
		text := r.ReadString()
		if err := r.Err(); err != nil {
			return err
		}
		srv.SendToAll(protocol.ChatPacket(sess.Name(), text))
		srv.events.Publish(Event{Type: EventChat, Session: sess.ID, Account: sess.Name(), Details: map[string]any{"text": text}})
	default:
		return fmt.Errorf("%w: client sub-command 0x%02X", ErrBadRequest, sub)
	}
	return nil
}
