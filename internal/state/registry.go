package state

import (
	"sync"
	"time"

	"github.com/samber/lo"
)

// Status is the presence of an investor's session.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// ConnID identifies a transport connection. The transport gateway owns the
// connection itself; the registry only keeps the id as a lookup key.
type ConnID string

// ClientInfo is captured from the transport when an investor first joins.
type ClientInfo struct {
	RemoteAddr string
	UserAgent  string
}

// Session is the registry record for one investor.
type Session struct {
	InvestorID string    `json:"id"`
	Conn       ConnID    `json:"socketId,omitempty"`
	JoinedAt   time.Time `json:"joinTime"`
	RemoteAddr string    `json:"ip"`
	UserAgent  string    `json:"userAgent"`
	Status     Status    `json:"status"`
}

// JoinOutcome tells a first join apart from a reconnect.
type JoinOutcome int

const (
	Created JoinOutcome = iota + 1
	Reactivated
)

func (o JoinOutcome) String() string {
	switch o {
	case Created:
		return "created"
	case Reactivated:
		return "reactivated"
	default:
		return "unknown"
	}
}

// JoinResult is returned by Registry.Join.
type JoinResult struct {
	Session Session
	Outcome JoinOutcome
	// Replaced is the connection that was bound to the session before this
	// join took it over, if any.
	Replaced ConnID
}

// Registry maps investor ids to their session and current connection.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
	byConn   map[ConnID]string
	ids      *IDGenerator
	now      func() time.Time
}

// NewRegistry creates an empty registry. Server-assigned ids come from ids.
func NewRegistry(ids *IDGenerator) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byConn:   make(map[ConnID]string),
		ids:      ids,
		now:      time.Now,
	}
}

// Join binds conn to the session for investorID, creating the session when
// none exists. An empty investorID allocates a new id. Joining repeatedly with
// the same id always yields the same record.
func (r *Registry) Join(investorID string, conn ConnID, info ClientInfo) JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if investorID != "" {
		if s, ok := r.sessions[investorID]; ok {
			replaced := r.rebindLocked(s, conn)
			return JoinResult{Session: *s, Outcome: Reactivated, Replaced: replaced}
		}
	} else {
		investorID = r.ids.Next()
		for r.sessions[investorID] != nil {
			investorID = r.ids.Next()
		}
	}

	s := &Session{
		InvestorID: investorID,
		JoinedAt:   r.now(),
		RemoteAddr: info.RemoteAddr,
		UserAgent:  info.UserAgent,
	}
	r.sessions[investorID] = s
	r.order = append(r.order, investorID)
	r.rebindLocked(s, conn)
	return JoinResult{Session: *s, Outcome: Created}
}

func (r *Registry) rebindLocked(s *Session, conn ConnID) ConnID {
	var replaced ConnID
	if s.Conn != "" && s.Conn != conn {
		replaced = s.Conn
		delete(r.byConn, s.Conn)
	}
	if prev, ok := r.byConn[conn]; ok && prev != s.InvestorID {
		// The connection switches identity; its old session loses it.
		if old := r.sessions[prev]; old != nil {
			old.Conn = ""
			old.Status = StatusInactive
		}
	}
	s.Conn = conn
	s.Status = StatusActive
	r.byConn[conn] = s.InvestorID
	return replaced
}

// MarkDisconnected sets the session owning conn inactive and drops the
// connection reference. It reports false when no session owns conn, which
// happens for duplicate disconnects or a connection that was taken over.
func (r *Registry) MarkDisconnected(conn ConnID) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byConn[conn]
	if !ok {
		return Session{}, false
	}
	delete(r.byConn, conn)

	s := r.sessions[id]
	s.Conn = ""
	s.Status = StatusInactive
	return *s, true
}

// Get returns the session for investorID.
func (r *Registry) Get(investorID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[investorID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns every session in first-join order.
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Map(r.order, func(id string, _ int) Session {
		return *r.sessions[id]
	})
}

// Counts returns the total number of sessions and how many are active.
func (r *Registry) Counts() (total, online int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	online = lo.CountBy(lo.Values(r.sessions), func(s *Session) bool {
		return s.Status == StatusActive
	})
	return len(r.sessions), online
}
