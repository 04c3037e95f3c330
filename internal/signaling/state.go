package signaling

import (
	"slices"

	"github.com/crosstalkhq/crosstalk/internal/event"
	"github.com/crosstalkhq/crosstalk/internal/wsio"
)

// userKey identifies one presence record. One record per (cohort, username).
type userKey struct {
	group    string
	username string
}

// client is a registered user's presence record: the channel it registered on
// and the calls it participates in, indexed for constant-time disconnect.
type client struct {
	conn  *wsio.Conn
	calls map[string]struct{}
}

// call tracks one ringing or live call. Participants are held by name, never
// by channel; channels are resolved at delivery time and a missing record
// skips the delivery.
type call struct {
	id          string
	caller      string
	callee      string
	callerGroup string
	calleeGroup string
	accepted    bool
}

// peerOf returns the key of the participant opposite to key, or false when
// key is not a participant at all.
func (c *call) peerOf(key userKey) (userKey, bool) {
	switch key {
	case userKey{c.callerGroup, c.caller}:
		return userKey{c.calleeGroup, c.callee}, true
	case userKey{c.calleeGroup, c.callee}:
		return userKey{c.callerGroup, c.caller}, true
	}
	return userKey{}, false
}

// The locked helpers below run with s.mu held. They only touch maps; network
// writes happen after the caller releases the lock.

// dropCallLocked removes c from the call table and from both participants'
// back-indexes.
func (s *Server) dropCallLocked(c *call) {
	delete(s.calls, c.id)
	if cl, ok := s.users[userKey{c.callerGroup, c.caller}]; ok {
		delete(cl.calls, c.id)
	}
	if cl, ok := s.users[userKey{c.calleeGroup, c.callee}]; ok {
		delete(cl.calls, c.id)
	}
}

// connForLocked resolves a participant's channel, nil when unregistered.
func (s *Server) connForLocked(key userKey) *wsio.Conn {
	if cl, ok := s.users[key]; ok {
		return cl.conn
	}
	return nil
}

// presenceLocked snapshots the roster and the channels to broadcast it to.
// Usernames are sorted so consumers see a stable order.
func (s *Server) presenceLocked() (*event.UserStatus, []*wsio.Conn) {
	status := &event.UserStatus{
		Sales:     make([]string, 0),
		Customers: make([]string, 0),
	}
	for key := range s.users {
		switch key.group {
		case event.GroupSales:
			status.Sales = append(status.Sales, key.username)
		case event.GroupCustomers:
			status.Customers = append(status.Customers, key.username)
		}
	}
	slices.Sort(status.Sales)
	slices.Sort(status.Customers)

	targets := make([]*wsio.Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		targets = append(targets, conn)
	}
	return status, targets
}
