// Package relay implements the media relay role: an opaque byte shuttle
// between the two participants of an accepted call.
//
// Clients register a media channel under their username and then stream
// binary frames. The relay resolves the sender's oldest routed call, finds
// the peer's channel, and forwards each frame verbatim and in order. It
// never inspects, transcodes, or reorders audio. Routing records arrive on
// the same listener as control frames fanned out by the signaling service.
package relay

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/coder/websocket"

	"github.com/crosstalkhq/crosstalk/internal/config"
	"github.com/crosstalkhq/crosstalk/internal/event"
	"github.com/crosstalkhq/crosstalk/internal/observe"
	"github.com/crosstalkhq/crosstalk/internal/wsio"
)

// route is one accepted call between two registered usernames.
type route struct {
	id     string
	caller string
	callee string
}

// peerOf returns the other participant of the route.
func (r *route) peerOf(username string) (string, bool) {
	switch username {
	case r.caller:
		return r.callee, true
	case r.callee:
		return r.caller, true
	}
	return "", false
}

// Server routes call audio between registered media channels.
type Server struct {
	cfg config.RelayConfig
	log *slog.Logger
	met *observe.Metrics

	mu      sync.Mutex
	chans   map[string]*wsio.Conn // username to media channel
	owners  map[string]string     // channel id to username
	calls   map[string]*route
	byUser  map[string][]string // username to call ids, oldest first
	pending map[string][][]byte // frames held per sender while the peer is absent
}

// New builds a relay server. BufferFrames falls back to the configured
// default when unset.
func New(cfg config.RelayConfig, met *observe.Metrics, log *slog.Logger) *Server {
	if cfg.BufferFrames <= 0 {
		cfg.BufferFrames = config.DefaultBufferFrames
	}
	return &Server{
		cfg:     cfg,
		log:     log.With("service", "relay"),
		met:     met,
		chans:   make(map[string]*wsio.Conn),
		owners:  make(map[string]string),
		calls:   make(map[string]*route),
		byUser:  make(map[string][]string),
		pending: make(map[string][][]byte),
	}
}

// HandleWS upgrades one media channel and pumps its frames until the
// channel closes.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsio.Accept(w, r, s.log)
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.Log().Debug("channel open")
	defer s.disconnect(conn)

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			conn.Log().Debug("channel closed", "error", err)
			return
		}
		switch typ {
		case websocket.MessageText:
			s.handleControl(ctx, conn, data)
		case websocket.MessageBinary:
			s.handleBinary(ctx, conn, data)
		}
	}
}

func (s *Server) handleControl(ctx context.Context, conn *wsio.Conn, data []byte) {
	ev, err := event.Decode(data)
	if err != nil {
		conn.Log().Warn("bad control frame", "error", err)
		return
	}
	s.met.RecordEvent(ctx, "relay", ev.Tag())

	switch ev := ev.(type) {
	case *event.Register:
		s.handleRegister(conn, ev)
	case *event.CallAccepted:
		s.handleCallAccepted(ev)
	case *event.CallEnded:
		s.removeCall(ev.CallID, "call ended")
	case *event.CallRejected:
		s.removeCall(ev.CallID, "call rejected")
	case *event.Logout:
		s.handleLogout(ev)
	default:
		conn.Log().Debug("control frame ignored", "tag", ev.Tag())
	}
}

func (s *Server) handleRegister(conn *wsio.Conn, ev *event.Register) {
	if ev.Username == "" {
		conn.Log().Warn("register without username ignored")
		return
	}

	s.mu.Lock()
	if prev, ok := s.chans[ev.Username]; ok && prev.ID() != conn.ID() {
		delete(s.owners, prev.ID())
	}
	s.chans[ev.Username] = conn
	s.owners[conn.ID()] = ev.Username
	s.mu.Unlock()

	conn.Log().Info("media channel registered", "username", ev.Username)
}

func (s *Server) handleCallAccepted(ev *event.CallAccepted) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.calls[ev.CallID]; ok {
		s.log.Debug("routing record already present", "call_id", ev.CallID)
		return
	}
	s.calls[ev.CallID] = &route{id: ev.CallID, caller: ev.FromUser, callee: ev.ToUser}
	s.byUser[ev.FromUser] = append(s.byUser[ev.FromUser], ev.CallID)
	s.byUser[ev.ToUser] = append(s.byUser[ev.ToUser], ev.CallID)
	s.log.Info("routing call", "call_id", ev.CallID, "caller", ev.FromUser, "callee", ev.ToUser)
}

func (s *Server) removeCall(id, reason string) {
	if id == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.calls[id]
	if !ok {
		return
	}
	delete(s.calls, id)
	for _, user := range []string{r.caller, r.callee} {
		s.byUser[user] = slices.DeleteFunc(s.byUser[user], func(cid string) bool { return cid == id })
		if len(s.byUser[user]) == 0 {
			delete(s.byUser, user)
		}
	}
	s.log.Info("routing removed", "call_id", id, "reason", reason)
}

func (s *Server) handleLogout(ev *event.Logout) {
	if ev.Username == "" {
		return
	}

	s.mu.Lock()
	if conn, ok := s.chans[ev.Username]; ok {
		delete(s.owners, conn.ID())
		delete(s.chans, ev.Username)
	}
	delete(s.pending, ev.Username)
	s.mu.Unlock()

	s.log.Info("media channel released", "username", ev.Username)
}

// handleBinary forwards one audio frame to the sender's call peer. Frames
// from channels that never registered, or from users outside any routed
// call, are discarded. When the peer's channel is absent the frame joins a
// bounded per-sender buffer that exists only to absorb short outages; it is
// never replayed.
func (s *Server) handleBinary(ctx context.Context, conn *wsio.Conn, data []byte) {
	s.mu.Lock()
	username, registered := s.owners[conn.ID()]
	if !registered {
		s.mu.Unlock()
		conn.Log().Warn("binary frame from unregistered channel discarded")
		s.met.RecordFrameDrop(ctx, "unregistered")
		return
	}

	ids := s.byUser[username]
	if len(ids) == 0 {
		s.mu.Unlock()
		conn.Log().Debug("binary frame outside any call discarded", "username", username)
		s.met.RecordFrameDrop(ctx, "no_call")
		return
	}

	r := s.calls[ids[0]]
	peer, _ := r.peerOf(username)
	peerConn, peerUp := s.chans[peer]
	if !peerUp {
		q := s.pending[username]
		if len(q) < s.cfg.BufferFrames {
			s.pending[username] = append(q, data)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.log.Error("relay buffer full, dropping frame",
			"call_id", r.id, "sender", username, "peer", peer)
		s.met.RecordFrameDrop(ctx, "relay_buffer_full")
		return
	}
	s.mu.Unlock()

	if err := peerConn.SendBinary(ctx, data); err != nil {
		s.log.Warn("forward to peer failed",
			"call_id", r.id, "sender", username, "peer", peer, "error", err)
		s.met.RecordFrameDrop(ctx, "peer_write_failed")
		return
	}
	s.met.RecordRelayedFrame(ctx, len(data))
}

// disconnect clears the channel's registration and buffered frames. Routing
// records survive; the surviving half of a call keeps streaming into the
// peer buffer until signaling tears the call down.
func (s *Server) disconnect(conn *wsio.Conn) {
	s.mu.Lock()
	username, ok := s.owners[conn.ID()]
	if ok {
		delete(s.owners, conn.ID())
		if cur, live := s.chans[username]; live && cur.ID() == conn.ID() {
			delete(s.chans, username)
		}
		delete(s.pending, username)
	}
	s.mu.Unlock()

	if ok {
		s.log.Info("media channel disconnected", "username", username)
	}
}
