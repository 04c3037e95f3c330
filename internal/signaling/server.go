// Package signaling implements the call-control service: presence, call
// lifecycle, and fan-out of call events to the relay and transcriber roles.
//
// Clients hold one WebSocket channel each. Every inbound text frame is a
// tagged control event; the handler mutates the in-memory registries under a
// single mutex and performs all deliveries after releasing it. Call records
// hold participant names only, so a delivery to a user who vanished is simply
// skipped.
package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/crosstalkhq/crosstalk/internal/config"
	"github.com/crosstalkhq/crosstalk/internal/event"
	"github.com/crosstalkhq/crosstalk/internal/fanout"
	"github.com/crosstalkhq/crosstalk/internal/observe"
	"github.com/crosstalkhq/crosstalk/internal/wsio"
)

// teardownTimeout bounds the deliveries a disconnect triggers. The dying
// channel's request context is unusable by then; peers are not.
const teardownTimeout = 5 * time.Second

// Server is the signaling role.
type Server struct {
	cfg config.SignalingConfig
	log *slog.Logger
	met *observe.Metrics

	relay       *fanout.Link
	transcriber *fanout.Link

	mu     sync.Mutex
	conns  map[string]*wsio.Conn // every live channel, for presence broadcast
	owners map[string]userKey    // channel ID → registered identity
	users  map[userKey]*client
	calls  map[string]*call
}

// New builds a signaling server. The fan-out links stay unconnected until
// [Server.Start] or the first event.
func New(cfg config.SignalingConfig, met *observe.Metrics, log *slog.Logger) *Server {
	log = log.With("service", "signaling")
	return &Server{
		cfg:         cfg,
		log:         log,
		met:         met,
		relay:       fanout.NewLink("relay", cfg.RelayURL, log),
		transcriber: fanout.NewLink("transcriber", cfg.TranscriberURL, log),
		conns:       make(map[string]*wsio.Conn),
		owners:      make(map[string]userKey),
		users:       make(map[userKey]*client),
		calls:       make(map[string]*call),
	}
}

// Start dials the fan-out links eagerly. Failures are logged only; the links
// redial lazily per event.
func (s *Server) Start(ctx context.Context) {
	if err := s.relay.Dial(ctx); err != nil {
		s.log.Warn("relay link down, will redial per event", "err", err)
	}
	if err := s.transcriber.Dial(ctx); err != nil {
		s.log.Warn("transcriber link down, will redial per event", "err", err)
	}
}

// Close drops the fan-out links.
func (s *Server) Close() error {
	s.relay.Close()
	s.transcriber.Close()
	return nil
}

// HandleWS upgrades a client channel and serves it until it closes.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsio.Accept(w, r, s.log)
	if err != nil {
		s.log.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.mu.Lock()
	s.conns[conn.ID()] = conn
	s.mu.Unlock()
	conn.Log().Info("channel open")

	defer s.disconnect(conn)

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			conn.Log().Debug("binary frame on signaling channel dropped")
			continue
		}
		s.handleFrame(ctx, conn, data)
	}
}

func (s *Server) handleFrame(ctx context.Context, conn *wsio.Conn, data []byte) {
	ev, err := event.Decode(data)
	if err != nil {
		if errors.Is(err, event.ErrUnknownEvent) {
			conn.SendError(ctx, "Unknown event")
		} else {
			conn.SendError(ctx, "Malformed frame")
		}
		conn.Log().Warn("bad frame", "err", err)
		return
	}
	s.met.RecordEvent(ctx, "signaling", ev.Tag())

	switch ev := ev.(type) {
	case *event.Register:
		s.handleRegister(ctx, conn, ev)
	case *event.CallUser:
		s.handleCallUser(ctx, conn, ev)
	case *event.AcceptCall:
		s.handleAcceptCall(ctx, conn, ev)
	case *event.CallRejected:
		s.handleCallRejected(ctx, conn, ev)
	case *event.HangUp:
		s.handleHangUp(ctx, conn, ev)
	case *event.Logout:
		s.handleLogout(ctx, conn)
	case *event.Ping:
		s.handlePing(ctx, conn, ev)
	default:
		conn.SendError(ctx, "Unknown event")
	}
}

// handleRegister claims (group, username) for this channel. Re-registering an
// identity the channel already owns succeeds again; claiming one owned by
// another live channel is a conflict. A channel switching identities logs the
// old one out first.
func (s *Server) handleRegister(ctx context.Context, conn *wsio.Conn, ev *event.Register) {
	if ev.Group == "" || ev.Username == "" {
		conn.SendError(ctx, "Missing group or username")
		return
	}
	if !event.ValidGroup(ev.Group) {
		conn.SendError(ctx, "Invalid group")
		return
	}
	key := userKey{ev.Group, ev.Username}

	s.mu.Lock()
	if existing, ok := s.users[key]; ok && existing.conn.ID() != conn.ID() {
		s.mu.Unlock()
		conn.SendError(ctx, "Username already taken")
		return
	}
	var replaced *userKey
	if prev, ok := s.owners[conn.ID()]; ok && prev != key {
		delete(s.users, prev)
		replaced = &prev
	}
	if _, ok := s.users[key]; !ok {
		s.users[key] = &client{conn: conn, calls: make(map[string]struct{})}
	}
	s.owners[conn.ID()] = key
	status, targets := s.presenceLocked()
	s.mu.Unlock()

	if err := conn.SendEvent(ctx, &event.SetCookie{SessionID: ev.Group + "_" + ev.Username}); err != nil {
		conn.Log().Debug("set_cookie not delivered", "err", err)
	}
	s.broadcast(ctx, status, targets)
	if replaced != nil {
		s.fanOut(ctx, &event.Logout{Username: replaced.username})
	}
	conn.Log().Info("registered", "group", ev.Group, "user", ev.Username)
}

// handleCallUser rings to_user in the cohort opposite from_group and records
// the ringing call on both participants.
func (s *Server) handleCallUser(ctx context.Context, conn *wsio.Conn, ev *event.CallUser) {
	if ev.CallID == "" || ev.ToUser == "" || ev.FromGroup == "" || ev.FromUser == "" {
		conn.SendError(ctx, "Missing call_id, to_user, from_group, or from_user")
		return
	}
	if !event.ValidGroup(ev.FromGroup) {
		conn.SendError(ctx, "Invalid group")
		return
	}
	toGroup := event.OppositeGroup(ev.FromGroup)

	s.mu.Lock()
	if _, exists := s.calls[ev.CallID]; exists {
		s.mu.Unlock()
		conn.SendError(ctx, "Call ID already in use")
		return
	}
	callee, ok := s.users[userKey{toGroup, ev.ToUser}]
	if !ok {
		s.mu.Unlock()
		conn.SendError(ctx, "User not found")
		return
	}
	if s.cfg.RejectBusy && len(callee.calls) > 0 {
		s.mu.Unlock()
		conn.SendError(ctx, "User busy")
		return
	}
	c := &call{
		id:          ev.CallID,
		caller:      ev.FromUser,
		callee:      ev.ToUser,
		callerGroup: ev.FromGroup,
		calleeGroup: toGroup,
	}
	s.calls[c.id] = c
	callee.calls[c.id] = struct{}{}
	if caller, ok := s.users[userKey{ev.FromGroup, ev.FromUser}]; ok {
		caller.calls[c.id] = struct{}{}
	}
	calleeConn := callee.conn
	s.mu.Unlock()

	if err := calleeConn.SendEvent(ctx, &event.IncomingCall{CallID: c.id, FromUser: c.caller}); err != nil {
		conn.Log().Warn("incoming_call not delivered", "call_id", c.id, "err", err)
	}
	conn.Log().Info("ringing", "call_id", c.id, "from", c.caller, "to", c.callee)
}

// handleAcceptCall marks the call live, notifies the caller, and fans the
// acceptance out to the media services.
func (s *Server) handleAcceptCall(ctx context.Context, conn *wsio.Conn, ev *event.AcceptCall) {
	if ev.CallID == "" {
		conn.SendError(ctx, "Missing call_id")
		return
	}
	language := ev.Language
	if language == "" {
		language = "en"
	}

	s.mu.Lock()
	c, ok := s.calls[ev.CallID]
	if !ok {
		s.mu.Unlock()
		conn.SendError(ctx, "Call not found")
		return
	}
	first := !c.accepted
	c.accepted = true
	callerConn := s.connForLocked(userKey{c.callerGroup, c.caller})
	accepted := &event.CallAccepted{
		CallID:      c.id,
		FromUser:    c.caller,
		ToUser:      c.callee,
		CallerGroup: c.callerGroup,
		CalleeGroup: c.calleeGroup,
		Language:    language,
	}
	s.mu.Unlock()

	if callerConn != nil {
		if err := callerConn.SendEvent(ctx, accepted); err != nil {
			callerConn.Log().Warn("call_accepted not delivered", "call_id", c.id, "err", err)
		}
	}
	s.fanOut(ctx, accepted)
	if first {
		s.met.ActiveCalls.Add(ctx, 1)
	}
	conn.Log().Info("call accepted", "call_id", c.id, "language", language)
}

// handleCallRejected declines a ringing call. Unknown call IDs are a no-op.
func (s *Server) handleCallRejected(ctx context.Context, conn *wsio.Conn, ev *event.CallRejected) {
	s.mu.Lock()
	c, ok := s.calls[ev.CallID]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.dropCallLocked(c)
	callerConn := s.connForLocked(userKey{c.callerGroup, c.caller})
	s.mu.Unlock()

	rejected := &event.CallRejected{CallID: c.id}
	if callerConn != nil {
		if err := callerConn.SendEvent(ctx, rejected); err != nil {
			callerConn.Log().Debug("call_rejected not delivered", "call_id", c.id, "err", err)
		}
	}
	s.fanOut(ctx, rejected)
	if c.accepted {
		s.met.ActiveCalls.Add(ctx, -1)
	}
	conn.Log().Info("call rejected", "call_id", c.id)
}

// handleHangUp ends a call from either side. Unknown call IDs are a no-op.
func (s *Server) handleHangUp(ctx context.Context, conn *wsio.Conn, ev *event.HangUp) {
	if ev.CallID == "" {
		conn.SendError(ctx, "Missing call_id")
		return
	}

	s.mu.Lock()
	c, ok := s.calls[ev.CallID]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.dropCallLocked(c)
	callerConn := s.connForLocked(userKey{c.callerGroup, c.caller})
	calleeConn := s.connForLocked(userKey{c.calleeGroup, c.callee})
	s.mu.Unlock()

	ended := &event.CallEnded{CallID: c.id}
	for _, peer := range []*wsio.Conn{callerConn, calleeConn} {
		if peer == nil {
			continue
		}
		if err := peer.SendEvent(ctx, ended); err != nil {
			peer.Log().Debug("call_ended skipped", "call_id", c.id, "err", err)
		}
	}
	s.fanOut(ctx, ended)
	if c.accepted {
		s.met.ActiveCalls.Add(ctx, -1)
	}
	conn.Log().Info("call ended", "call_id", c.id)
}

// handleLogout removes the identity this channel registered. Calls survive a
// logout; only a disconnect tears them down.
func (s *Server) handleLogout(ctx context.Context, conn *wsio.Conn) {
	s.mu.Lock()
	key, ok := s.owners[conn.ID()]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.owners, conn.ID())
	delete(s.users, key)
	status, targets := s.presenceLocked()
	s.mu.Unlock()

	s.broadcast(ctx, status, targets)
	s.fanOut(ctx, &event.Logout{Username: key.username})
	conn.Log().Info("logged out", "user", key.username, "group", key.group)
}

func (s *Server) handlePing(ctx context.Context, conn *wsio.Conn, ev *event.Ping) {
	if err := conn.SendEvent(ctx, &event.Pong{Timestamp: ev.Timestamp}); err != nil {
		conn.Log().Debug("pong not delivered", "err", err)
	}
}

// disconnect prunes everything the channel owned: its presence record and
// every call it participated in, exactly as a logout plus one hang-up per
// call. Surviving peers hear call_ended; everyone hears the new roster.
func (s *Server) disconnect(conn *wsio.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	type teardown struct {
		ended    *event.CallEnded
		peer     *wsio.Conn
		accepted bool
	}

	s.mu.Lock()
	delete(s.conns, conn.ID())
	key, registered := s.owners[conn.ID()]
	var downs []teardown
	var status *event.UserStatus
	var targets []*wsio.Conn
	if registered {
		delete(s.owners, conn.ID())
		cl := s.users[key]
		for id := range cl.calls {
			c, ok := s.calls[id]
			if !ok {
				continue
			}
			td := teardown{ended: &event.CallEnded{CallID: c.id}, accepted: c.accepted}
			if peerKey, ok := c.peerOf(key); ok {
				td.peer = s.connForLocked(peerKey)
			}
			downs = append(downs, td)
			s.dropCallLocked(c)
		}
		delete(s.users, key)
		status, targets = s.presenceLocked()
	}
	s.mu.Unlock()

	if !registered {
		conn.Log().Debug("channel closed")
		return
	}

	for _, td := range downs {
		if td.peer != nil {
			if err := td.peer.SendEvent(ctx, td.ended); err != nil {
				td.peer.Log().Debug("call_ended skipped", "call_id", td.ended.CallID, "err", err)
			}
		}
		s.fanOut(ctx, td.ended)
		if td.accepted {
			s.met.ActiveCalls.Add(ctx, -1)
		}
	}
	s.broadcast(ctx, status, targets)
	s.fanOut(ctx, &event.Logout{Username: key.username})
	conn.Log().Info("disconnected", "user", key.username, "group", key.group)
}

// broadcast delivers the roster to every live channel. Channels that fail to
// take the write are skipped; their own disconnect will prune them.
func (s *Server) broadcast(ctx context.Context, status *event.UserStatus, targets []*wsio.Conn) {
	data, err := event.Encode(status)
	if err != nil {
		s.log.Error("presence encode failed", "err", err)
		return
	}
	for _, conn := range targets {
		if err := conn.Send(ctx, websocket.MessageText, data); err != nil {
			conn.Log().Debug("presence broadcast skipped", "err", err)
		}
	}
}

// fanOut replicates ev to the relay and transcriber links. Best effort: a
// failure drops the link (the next event redials) and is never surfaced to
// clients.
func (s *Server) fanOut(ctx context.Context, ev event.Event) {
	data, err := event.Encode(ev)
	if err != nil {
		s.log.Error("fan-out encode failed", "event", ev.Tag(), "err", err)
		return
	}
	if err := s.relay.Send(ctx, data); err != nil {
		s.log.Warn("relay fan-out dropped", "event", ev.Tag(), "err", err)
	}
	if err := s.transcriber.Send(ctx, data); err != nil {
		s.log.Warn("transcriber fan-out dropped", "event", ev.Tag(), "err", err)
	}
}
