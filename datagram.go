package switchboard

import (
	"net"

	"github.com/pkg/errors"

	"github.com/Zereker/switchboard/ack"
	"github.com/Zereker/switchboard/message"
	"github.com/Zereker/switchboard/transport"
)

// datagramLoop reads the server's datagram socket until it is closed. Bad
// packets are discarded by the listener without ending the loop.
func (s *Server) datagramLoop() {
	defer s.wg.Done()

	for {
		m, addr, err := s.udp.ReadFrom()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || s.isShutdown() {
				return
			}
			s.logger.Error("datagram read error", "error", err)
			return
		}

		s.handleDatagram(m, addr)
	}
}

// handleDatagram acknowledges m to addr, then attributes it to a session and
// dispatches it. Acks complete pending SendDatagram calls.
//
// A datagram naming a registered source and carrying that session's token
// records addr as the session's datagram address. A datagram without a
// source is stamped with the session last seen at addr, if any, and
// forwarded either way. A datagram naming an unregistered source, or a
// registered one with the wrong token, is acknowledged and discarded.
// The token never reaches the protocol.
func (s *Server) handleDatagram(m *message.Message, addr *net.UDPAddr) {
	switch m.Kind {
	case message.KindAck:
		if !s.tracker.Acknowledge(m.Correlation) {
			s.logger.Debug("ignoring unknown ack", "correlation", m.Correlation, "addr", addr)
		}
		return
	case message.KindApplication:
	default:
		s.logger.Debug("ignoring datagram", "kind", m.Kind, "addr", addr)
		return
	}

	if reply := ack.Reply(m); reply != nil {
		if err := s.udp.WriteTo(reply, addr); err != nil {
			s.logger.Warn("ack failed", "correlation", m.Correlation, "addr", addr, "error", err)
		} else {
			s.logger.Debug("ack sent", "correlation", m.Correlation, "addr", addr)
		}
	}

	token := m.Token
	m.Token = ""

	if src := m.Source(); src == message.Nil {
		if id, ok := s.sessions.at(addr); ok {
			_ = m.AssignSource(id)
		}
	} else if !s.sessions.observe(src, token, addr) {
		s.logger.Warn("discarding unverified datagram", "source", src, "addr", addr)
		return
	}

	s.RegisterIncomingMessage(m)
}
