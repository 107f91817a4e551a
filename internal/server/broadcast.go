package server

import "go.uber.org/zap"

// SendToOne writes pkt to a single session. Failures close that session only.
func (s *Server) SendToOne(sess *Session, pkt []byte) {
	if err := sess.Send(pkt); err != nil {
		s.log.Debug("send failed", zap.String("session", sess.ID), zap.Error(err))
	}
}

// SendToAll writes pkt to every live session.
func (s *Server) SendToAll(pkt []byte) {
	s.SendToAllExcept(nil, pkt)
}

// SendToAllExcept skips except, which may be nil.
func (s *Server) SendToAllExcept(except *Session, pkt []byte) {
	if s.stopping.Load() {
		return
	}
	for _, sess := range s.sessions.snapshot() {
		if sess == except || sess.Closed() {
			continue
		}
		s.SendToOne(sess, pkt)
	}
}

// Send writes to target, or to everyone when target is nil.
func (s *Server) Send(target *Session, pkt []byte) {
	if target == nil {
		s.SendToAll(pkt)
		return
	}
	s.SendToOne(target, pkt)
}

// SendToSubscribers notifies the sessions subscribed to the block containing
// cell x,y.
func (s *Server) SendToSubscribers(x, y uint16, pkt []byte) {
	s.sendToHolders(s.land.Subscribers(x, y), pkt)
}

// sendToHolders writes pkt once to each listed session.
func (s *Server) sendToHolders(ids []string, pkt []byte) {
	if s.stopping.Load() {
		return
	}
	for _, id := range ids {
		if sess := s.sessions.get(id); sess != nil && !sess.Closed() {
			s.SendToOne(sess, pkt)
		}
	}
}
