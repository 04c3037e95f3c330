// Package transcriber implements the live transcription role. It consumes
// the same call audio the relay shuttles, recognizes it per speaker, and
// streams transcriptions to the sales participant of each call. Customer
// finals additionally make a round trip to the insight service, whose
// commentary lands on the same sales channel.
package transcriber

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/crosstalkhq/crosstalk/internal/config"
	"github.com/crosstalkhq/crosstalk/internal/event"
	"github.com/crosstalkhq/crosstalk/internal/fanout"
	"github.com/crosstalkhq/crosstalk/internal/observe"
	"github.com/crosstalkhq/crosstalk/internal/transcript"
	"github.com/crosstalkhq/crosstalk/internal/wsio"
	"github.com/crosstalkhq/crosstalk/pkg/provider/stt"
	"github.com/crosstalkhq/crosstalk/pkg/provider/vad"
)

// registration is one announced speaker: the channel transcriptions go out
// on plus the cohort and language the speaker declared.
type registration struct {
	conn     *wsio.Conn
	group    string
	language string
}

// Server is the transcriber role.
type Server struct {
	cfg config.TranscriberConfig
	log *slog.Logger
	met *observe.Metrics

	sttEngine stt.Engine
	vadEngine vad.Engine // nil disables frame-level detection
	vadCfg    config.VADConfig

	filter  *transcript.Filter
	insight *fanout.Link
	silence atomic.Uint64 // Float64bits of the RMS gate threshold

	runCtx context.Context

	mu     sync.Mutex
	regs   map[string]*registration // username to registration
	owners map[string]string        // channel id to username
	calls  map[string]*pipeline
	byUser map[string][]string // username to call ids, oldest first
}

// New builds a transcriber server. sttEngine is required; vadEngine may be
// nil, in which case the RMS gate alone decides speech. Missing tuning
// fields fall back to the configured defaults.
func New(cfg config.TranscriberConfig, sttEngine stt.Engine, vadEngine vad.Engine, met *observe.Metrics, log *slog.Logger) *Server {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = config.DefaultSampleRate
	}
	if cfg.WindowMS <= 0 {
		cfg.WindowMS = config.DefaultWindowMS
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = config.DefaultQueueCapacity
	}
	if cfg.SilenceRMS <= 0 {
		cfg.SilenceRMS = config.DefaultSilenceRMS
	}

	log = log.With("service", "transcriber")
	s := &Server{
		cfg:       cfg,
		log:       log,
		met:       met,
		sttEngine: sttEngine,
		vadEngine: vadEngine,
		filter:    transcript.NewFilter(cfg.Filter),
		insight:   fanout.NewLink("insight", cfg.InsightURL, log),
		runCtx:    context.Background(),
		regs:      make(map[string]*registration),
		owners:    make(map[string]string),
		calls:     make(map[string]*pipeline),
		byUser:    make(map[string][]string),
	}
	if vadEngine != nil && cfg.VAD != nil {
		s.vadCfg = *cfg.VAD
	}
	s.silence.Store(math.Float64bits(cfg.SilenceRMS))
	return s
}

// Start pins the context pipelines run under and dials the insight link
// eagerly so the first customer final does not pay the connect cost.
func (s *Server) Start(ctx context.Context) {
	s.runCtx = ctx
	if err := s.insight.Dial(ctx); err != nil {
		s.log.Warn("insight link not reachable yet, will redial per request", "error", err)
	}
}

// drainWait bounds how long Close waits for one pipeline to flush and wind
// down before moving on.
const drainWait = 2 * time.Second

// Close stops every live pipeline, waits briefly for each to flush, then
// drops the insight link.
func (s *Server) Close() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.calls))
	for id := range s.calls {
		ids = append(ids, id)
	}
	stopped := make([]*pipeline, 0, len(ids))
	for _, id := range ids {
		if p := s.stopPipelineLocked(id); p != nil {
			stopped = append(stopped, p)
		}
	}
	s.mu.Unlock()

	for _, p := range stopped {
		select {
		case <-p.done:
		case <-time.After(drainWait):
			s.log.Warn("pipeline still draining at shutdown", "call_id", p.id)
		}
	}
	s.insight.Close()
}

// UpdateFilter swaps the final-transcript filter settings on every live and
// future call.
func (s *Server) UpdateFilter(cfg config.FilterConfig) {
	s.filter.Update(cfg)
	s.log.Info("transcript filter settings updated")
}

// UpdateSilenceRMS swaps the silence gate threshold.
func (s *Server) UpdateSilenceRMS(v float64) {
	if v <= 0 {
		return
	}
	s.silence.Store(math.Float64bits(v))
	s.log.Info("silence gate threshold updated", "silence_rms", v)
}

func (s *Server) silenceRMS() float64 {
	return math.Float64frombits(s.silence.Load())
}

// HandleWS upgrades one transcriber channel and pumps its frames until the
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
	s.met.RecordEvent(ctx, "transcriber", ev.Tag())

	switch ev := ev.(type) {
	case *event.Register:
		s.handleRegister(conn, ev)
	case *event.CallAccepted:
		s.handleCallAccepted(ev)
	case *event.CallEnded:
		s.stopCall(ev.CallID, "call ended")
	case *event.CallRejected:
		s.stopCall(ev.CallID, "call rejected")
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
	if prev, ok := s.regs[ev.Username]; ok && prev.conn.ID() != conn.ID() {
		delete(s.owners, prev.conn.ID())
	}
	s.regs[ev.Username] = &registration{conn: conn, group: ev.Group, language: ev.Language}
	s.owners[conn.ID()] = ev.Username
	s.mu.Unlock()

	conn.Log().Info("speaker registered",
		"username", ev.Username, "group", ev.Group, "language", ev.Language)
}

// handleCallAccepted builds the call's pipeline: one recognizer and one
// detector session per speaker, both queues, both drains.
func (s *Server) handleCallAccepted(ev *event.CallAccepted) {
	if ev.CallID == "" || ev.FromUser == "" || ev.ToUser == "" {
		s.log.Warn("call_accepted missing fields ignored", "call_id", ev.CallID)
		return
	}

	s.mu.Lock()
	if _, ok := s.calls[ev.CallID]; ok {
		s.mu.Unlock()
		s.log.Debug("pipeline already running", "call_id", ev.CallID)
		return
	}

	salesUser := ""
	if ev.CallerGroup == event.GroupSales {
		salesUser = ev.FromUser
	} else if ev.CalleeGroup == event.GroupSales {
		salesUser = ev.ToUser
	}

	p := &pipeline{
		id:          ev.CallID,
		salesUser:   salesUser,
		log:         s.log.With("call_id", ev.CallID),
		met:         s.met,
		window:      s.cfg.ChunkBytes(),
		speakers:    make(map[string]*speaker, 2),
		lastPartial: make(map[string]string, 2),
		pcm:         make(chan chunk, s.cfg.QueueCapacity),
		insight:     make(chan insightReq, s.cfg.QueueCapacity),
		done:        make(chan struct{}),
		deliver:     s.deliverEvent,
		deliverRaw:  s.deliverRaw,
		request:     s.insight.Request,
		silence:     s.silenceRMS,
		filter:      s.filter,
	}
	if s.vadEngine != nil {
		p.frameBytes = s.cfg.SampleRate * 2 * s.vadCfg.FrameMS / 1000
	}

	p.speakers[ev.FromUser] = s.newSpeaker(ev.FromUser, ev.CallerGroup, ev.Language)
	p.speakers[ev.ToUser] = s.newSpeaker(ev.ToUser, ev.CalleeGroup, ev.Language)

	s.calls[ev.CallID] = p
	s.byUser[ev.FromUser] = append(s.byUser[ev.FromUser], ev.CallID)
	s.byUser[ev.ToUser] = append(s.byUser[ev.ToUser], ev.CallID)
	runCtx := s.runCtx
	s.mu.Unlock()

	p.run(runCtx)
	s.log.Info("pipeline started", "call_id", ev.CallID,
		"caller", ev.FromUser, "callee", ev.ToUser, "sales_user", salesUser)
}

// newSpeaker resolves the speaker's language (registration wins over the
// call announcement, then "en") and opens its recognizer and detector
// session. Called with s.mu held; engine constructors only read shared
// models.
func (s *Server) newSpeaker(username, cohort, callLanguage string) *speaker {
	language := callLanguage
	if reg, ok := s.regs[username]; ok && reg.language != "" {
		language = reg.language
	}
	if language == "" {
		language = "en"
	}

	sp := &speaker{username: username, cohort: cohort, language: language}

	rec, err := s.sttEngine.NewRecognizer(s.runCtx, stt.Config{
		SampleRate: s.cfg.SampleRate,
		Channels:   1,
		Language:   language,
	})
	if err != nil {
		s.log.Error("recognizer unavailable, speaker will not be transcribed",
			"username", username, "language", language, "error", err)
	} else {
		sp.rec = rec
	}

	if s.vadEngine != nil {
		sess, err := s.vadEngine.NewSession(vad.Config{
			SampleRate:       s.cfg.SampleRate,
			FrameSizeMs:      s.vadCfg.FrameMS,
			SpeechThreshold:  s.vadCfg.SpeechThreshold,
			SilenceThreshold: s.vadCfg.SilenceThreshold,
		})
		if err != nil {
			s.log.Warn("vad session unavailable, falling back to rms gate",
				"username", username, "error", err)
		} else {
			sp.vadSess = sess
		}
	}
	return sp
}

func (s *Server) stopCall(id, reason string) {
	if id == "" {
		return
	}

	s.mu.Lock()
	p := s.stopPipelineLocked(id)
	s.mu.Unlock()

	if p != nil {
		s.log.Info("pipeline stopping", "call_id", id, "reason", reason)
	}
}

// stopPipelineLocked removes the call's routing and closes the PCM queue,
// which lets the drains flush and wind down on their own.
func (s *Server) stopPipelineLocked(id string) *pipeline {
	p, ok := s.calls[id]
	if !ok {
		return nil
	}
	delete(s.calls, id)
	for user := range p.speakers {
		s.byUser[user] = slices.DeleteFunc(s.byUser[user], func(cid string) bool { return cid == id })
		if len(s.byUser[user]) == 0 {
			delete(s.byUser, user)
		}
	}
	close(p.pcm)
	return p
}

func (s *Server) handleLogout(ev *event.Logout) {
	if ev.Username == "" {
		return
	}

	s.mu.Lock()
	if reg, ok := s.regs[ev.Username]; ok {
		delete(s.owners, reg.conn.ID())
		delete(s.regs, ev.Username)
	}
	s.mu.Unlock()

	s.log.Info("speaker released", "username", ev.Username)
}

// handleBinary enqueues one audio chunk on the sender's oldest active
// call. Frames from unregistered channels or idle speakers are dropped.
func (s *Server) handleBinary(ctx context.Context, conn *wsio.Conn, data []byte) {
	s.mu.Lock()
	username, registered := s.owners[conn.ID()]
	if !registered {
		s.mu.Unlock()
		conn.Log().Debug("binary frame from unregistered channel dropped")
		s.met.RecordFrameDrop(ctx, "unregistered")
		return
	}
	ids := s.byUser[username]
	if len(ids) == 0 {
		s.mu.Unlock()
		conn.Log().Debug("binary frame outside any call dropped", "username", username)
		s.met.RecordFrameDrop(ctx, "no_call")
		return
	}
	p := s.calls[ids[0]]
	queued := p.enqueue(chunk{username: username, pcm: data})
	s.mu.Unlock()

	if !queued {
		s.log.Warn("recognition queue full, chunk dropped",
			"call_id", p.id, "username", username)
		s.met.RecordFrameDrop(ctx, "transcriber_queue_full")
	}
}

// disconnect clears the channel's registration. Pipelines keep running;
// transcriptions for a sales participant whose channel is gone are dropped
// at delivery time.
func (s *Server) disconnect(conn *wsio.Conn) {
	s.mu.Lock()
	username, ok := s.owners[conn.ID()]
	if ok {
		delete(s.owners, conn.ID())
		if reg, live := s.regs[username]; live && reg.conn.ID() == conn.ID() {
			delete(s.regs, username)
		}
	}
	s.mu.Unlock()

	if ok {
		s.log.Info("speaker disconnected", "username", username)
	}
}

// deliverEvent sends a tagged control frame to the username's live channel.
func (s *Server) deliverEvent(ctx context.Context, username string, ev event.Event) {
	s.mu.Lock()
	reg, ok := s.regs[username]
	s.mu.Unlock()
	if !ok {
		s.log.Debug("delivery target not registered, frame dropped",
			"username", username, "tag", ev.Tag())
		return
	}
	if err := reg.conn.SendEvent(ctx, ev); err != nil {
		s.log.Debug("delivery failed", "username", username, "tag", ev.Tag(), "error", err)
	}
}

// deliverRaw forwards an already-encoded frame verbatim.
func (s *Server) deliverRaw(ctx context.Context, username string, data []byte) {
	s.mu.Lock()
	reg, ok := s.regs[username]
	s.mu.Unlock()
	if !ok {
		s.log.Debug("delivery target not registered, frame dropped", "username", username)
		return
	}
	if err := reg.conn.Send(ctx, websocket.MessageText, data); err != nil {
		s.log.Debug("delivery failed", "username", username, "error", err)
	}
}
