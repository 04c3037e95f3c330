// Package insight implements the conversational insight role. It receives
// customer transcript finals from the transcriber over a websocket channel,
// runs them through a completion provider chain, and answers each request
// with one tagged insight frame for the sales side of the call.
//
// The provider chain is built from configuration in order, wrapped in
// per-provider circuit breakers, and always terminated by the deterministic
// template provider, so a request only goes unanswered when generation
// fails outright.
package insight

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/crosstalkhq/crosstalk/internal/config"
	"github.com/crosstalkhq/crosstalk/internal/event"
	"github.com/crosstalkhq/crosstalk/internal/observe"
	"github.com/crosstalkhq/crosstalk/internal/resilience"
	"github.com/crosstalkhq/crosstalk/internal/wsio"
	"github.com/crosstalkhq/crosstalk/pkg/provider/llm"
	"github.com/crosstalkhq/crosstalk/pkg/provider/llm/template"
	"github.com/crosstalkhq/crosstalk/pkg/types"
)

// completionTimeout bounds one trip through the provider chain. It sits
// under the transcriber's round-trip budget so a slow backend fails over
// instead of timing out the caller.
const completionTimeout = 20 * time.Second

const systemPrompt = `You are a realtime assistant for a salesperson on a live call.
You are given the customer's latest utterance. Respond with exactly three lines:
Sentiment: positive, negative, or neutral
Key point: the single most important fact, in at most 15 words
Suggested reply: one sentence the salesperson could say next
Answer in the language of the utterance. No preamble, no extra lines.`

// request is the bare frame the transcriber sends for each customer final.
type request struct {
	CallID string `json:"call_id"`
	Text   string `json:"text"`
}

// Server is the insight role.
type Server struct {
	cfg   config.InsightConfig
	log   *slog.Logger
	met   *observe.Metrics
	chain *resilience.LLMFallback
}

// New builds an insight server. Configured providers the registry cannot
// construct are skipped with a log line; the template provider is appended
// unless configuration already ends the chain with it.
func New(cfg config.InsightConfig, reg *config.Registry, met *observe.Metrics, log *slog.Logger) *Server {
	if cfg.Temperature <= 0 {
		cfg.Temperature = config.DefaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = config.DefaultMaxTokens
	}

	log = log.With("service", "insight")
	s := &Server{cfg: cfg, log: log, met: met}
	s.chain = s.buildChain(reg)
	return s
}

type chainEntry struct {
	name     string
	provider llm.Provider
}

func (s *Server) buildChain(reg *config.Registry) *resilience.LLMFallback {
	var entries []chainEntry
	for _, pe := range s.cfg.Providers {
		p, err := reg.CreateLLM(pe)
		if err != nil {
			s.log.Warn("completion provider unavailable, skipped",
				"provider", pe.Name, "error", err)
			continue
		}
		entries = append(entries, chainEntry{pe.Name, s.measured(pe.Name, p)})
	}
	if len(entries) == 0 || entries[len(entries)-1].name != "template" {
		entries = append(entries, chainEntry{"template", s.measured("template", template.New())})
	}

	chain := resilience.NewLLMFallback(entries[0].provider, entries[0].name, resilience.FallbackConfig{})
	for _, e := range entries[1:] {
		chain.AddFallback(e.name, e.provider)
	}

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	s.log.Info("completion chain ready", "providers", names)
	return chain
}

// measured wraps a provider so every attempt lands in the per-provider
// request counter, failovers included.
func (s *Server) measured(name string, p llm.Provider) llm.Provider {
	return &measuredProvider{name: name, inner: p, met: s.met}
}

type measuredProvider struct {
	name  string
	inner llm.Provider
	met   *observe.Metrics
}

func (m *measuredProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := m.inner.Complete(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.met.RecordInsightRequest(ctx, m.name, status)
	return resp, err
}

// HandleWS upgrades one requester channel and answers its requests one at a
// time, in order.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsio.Accept(w, r, s.log)
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.Log().Debug("channel open")

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			conn.Log().Debug("channel closed", "error", err)
			return
		}
		if typ != websocket.MessageText {
			conn.Log().Debug("binary frame ignored")
			continue
		}
		s.handleRequest(ctx, conn, data)
	}
}

// handleRequest runs one transcript through the chain. Failures produce no
// reply frame; the requester owns its own timeout.
func (s *Server) handleRequest(ctx context.Context, conn *wsio.Conn, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		conn.Log().Warn("malformed insight request dropped", "error", err)
		return
	}
	if req.CallID == "" || req.Text == "" {
		conn.Log().Warn("incomplete insight request dropped", "call_id", req.CallID)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, completionTimeout)
	defer cancel()

	resp, err := s.chain.Complete(cctx, llm.CompletionRequest{
		Messages:     []types.Message{{Role: "user", Content: req.Text}},
		Temperature:  s.cfg.Temperature,
		MaxTokens:    s.cfg.MaxTokens,
		SystemPrompt: systemPrompt,
	})
	if err != nil {
		conn.Log().Error("completion failed, request unanswered",
			"call_id", req.CallID, "error", err)
		return
	}
	text := ""
	if resp != nil {
		text = strings.TrimSpace(resp.Content)
	}
	if text == "" {
		conn.Log().Warn("empty completion, request unanswered", "call_id", req.CallID)
		return
	}

	if err := conn.SendEvent(ctx, &event.Insight{CallID: req.CallID, Text: text}); err != nil {
		conn.Log().Warn("insight reply failed", "call_id", req.CallID, "error", err)
	}
}
