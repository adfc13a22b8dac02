package switchboard

import (
	"crypto/subtle"
	"net"
	"sync"

	"github.com/Zereker/switchboard/message"
)

// session is one entry of the session table.
type session struct {
	conn *Conn
	// token must accompany every datagram claiming this session.
	token string
	// datagram is the last address a datagram from this session came from.
	datagram *net.UDPAddr
}

// sessionTable maps session ids to live connections and datagram addresses
// to session ids. Every read and mutation happens under mu; callers send on
// the returned connections after the lock is released.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[message.SessionID]*session
	byAddr   map[string]message.SessionID
	closed   bool
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		sessions: make(map[message.SessionID]*session),
		byAddr:   make(map[string]message.SessionID),
	}
}

// add registers c with its datagram token. It returns false once the table
// is closed.
func (t *sessionTable) add(c *Conn, token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}
	t.sessions[c.SessionID()] = &session{conn: c, token: token}
	return true
}

// remove unregisters id and reports whether it was registered.
func (t *sessionTable) remove(id message.SessionID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return false
	}
	if s.datagram != nil {
		delete(t.byAddr, s.datagram.String())
	}
	delete(t.sessions, id)
	return true
}

func (t *sessionTable) get(id message.SessionID) *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[id]; ok {
		return s.conn
	}
	return nil
}

// snapshot returns the connections whose id passes filter, or all of them
// for a nil filter.
func (t *sessionTable) snapshot(filter func(message.SessionID) bool) []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	conns := make([]*Conn, 0, len(t.sessions))
	for id, s := range t.sessions {
		if filter == nil || filter(id) {
			conns = append(conns, s.conn)
		}
	}
	return conns
}

func (t *sessionTable) ids() []message.SessionID {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]message.SessionID, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (t *sessionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.sessions)
}

// observe records addr as the datagram address of id. It returns false,
// leaving the table untouched, when id is not registered or token is not the
// one issued to id.
func (t *sessionTable) observe(id message.SessionID, token string, addr *net.UDPAddr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok || subtle.ConstantTimeCompare([]byte(s.token), []byte(token)) != 1 {
		return false
	}

	key := addr.String()
	if prev, ok := t.byAddr[key]; ok && prev != id {
		if p, ok := t.sessions[prev]; ok {
			p.datagram = nil
		}
	}
	if s.datagram != nil {
		delete(t.byAddr, s.datagram.String())
	}
	s.datagram = addr
	t.byAddr[key] = id
	return true
}

// datagramAddr returns the last observed datagram address of id.
func (t *sessionTable) datagramAddr(id message.SessionID) (*net.UDPAddr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok || s.datagram == nil {
		return nil, false
	}
	return s.datagram, true
}

// at returns the session whose datagrams come from addr.
func (t *sessionTable) at(addr *net.UDPAddr) (message.SessionID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byAddr[addr.String()]
	return id, ok
}

// close refuses further registrations and returns every live connection.
// Entries stay until their connection goroutines remove them.
func (t *sessionTable) close() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	conns := make([]*Conn, 0, len(t.sessions))
	for _, s := range t.sessions {
		conns = append(conns, s.conn)
	}
	return conns
}
