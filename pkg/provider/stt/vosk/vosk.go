// Package vosk provides an stt.Engine backed by one or more vosk-server
// instances speaking the Kaldi WebSocket protocol: the client streams binary
// PCM chunks and the server answers each chunk with a JSON text frame, either
// {"partial": ...} while an utterance is open or {"text": ..., "result":
// [...]} once it commits. The "result" array carries per-word start/end
// times and confidences, which downstream phrase filtering relies on.
//
// One server serves one model, so the engine takes a language-to-URL map and
// routes each recognizer to the server for its language.
package vosk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/crosstalkhq/crosstalk/pkg/provider/stt"
	"github.com/crosstalkhq/crosstalk/pkg/types"
)

const defaultSampleRate = 48000

// Compile-time assertion that Engine satisfies stt.Engine.
var _ stt.Engine = (*Engine)(nil)

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithHTTPClient sets the HTTP client used for WebSocket dials. Use this to
// supply TLS settings when the servers present self-signed certificates.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = c
	}
}

// Engine creates recognizers connected to per-language vosk-server instances.
type Engine struct {
	servers    map[string]string
	httpClient *http.Client
}

// New creates an Engine from a language-to-URL map, e.g.
// {"en": "ws://localhost:2700", "ja": "ws://localhost:2701"}.
// Every URL must use the ws or wss scheme.
func New(servers map[string]string, opts ...Option) (*Engine, error) {
	if len(servers) == 0 {
		return nil, errors.New("vosk: servers must not be empty")
	}
	for lang, raw := range servers {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("vosk: server URL for %q: %w", lang, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return nil, fmt.Errorf("vosk: server URL for %q: scheme %q is not ws or wss", lang, u.Scheme)
		}
	}
	e := &Engine{servers: servers}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// NewRecognizer dials the server for cfg.Language and announces the stream
// format. ctx bounds the dial and every later exchange on the connection, so
// cancelling the call context aborts an in-flight recognition.
func (e *Engine) NewRecognizer(ctx context.Context, cfg stt.Config) (stt.Recognizer, error) {
	serverURL, ok := e.servers[cfg.Language]
	if !ok {
		return nil, fmt.Errorf("vosk: language %q: %w", cfg.Language, stt.ErrLanguageNotSupported)
	}

	conn, _, err := websocket.Dial(ctx, serverURL, &websocket.DialOptions{
		HTTPClient: e.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("vosk: dial %s: %w", serverURL, err)
	}

	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	if err := conn.Write(ctx, websocket.MessageText, configMessage(sr)); err != nil {
		conn.Close(websocket.StatusInternalError, "config send failed")
		return nil, fmt.Errorf("vosk: send config: %w", err)
	}

	return &recognizer{ctx: ctx, conn: conn}, nil
}

// configMessage builds the stream-format announcement the server expects as
// the first frame.
func configMessage(sampleRate int) []byte {
	msg, _ := json.Marshal(map[string]any{
		"config": map[string]any{
			"sample_rate": sampleRate,
			"words":       true,
		},
	})
	return msg
}

// ---- recognizer -------------------------------------------------------------

// Compile-time assertion that recognizer satisfies stt.Recognizer.
var _ stt.Recognizer = (*recognizer)(nil)

var errClosed = errors.New("vosk: recognizer is closed")

// recognizer is a live connection to one vosk-server. The protocol is strict
// request/response per chunk, so no reader goroutine is needed; the owning
// drain task drives the exchange.
type recognizer struct {
	ctx  context.Context
	conn *websocket.Conn

	closeOnce sync.Once
	closed    bool
}

// Accept sends one PCM chunk and returns the server's verdict for it.
func (r *recognizer) Accept(pcm []byte) (types.Transcript, error) {
	if r.closed {
		return types.Transcript{}, errClosed
	}
	if err := r.conn.Write(r.ctx, websocket.MessageBinary, pcm); err != nil {
		return types.Transcript{}, fmt.Errorf("vosk: send audio: %w", err)
	}
	return r.readResult()
}

// Flush asks the server to commit whatever it has buffered and returns the
// resulting final. The server ends the stream after answering, so the
// recognizer cannot accept further audio.
func (r *recognizer) Flush() (types.Transcript, error) {
	if r.closed {
		return types.Transcript{}, errClosed
	}
	if err := r.conn.Write(r.ctx, websocket.MessageText, []byte(`{"eof" : 1}`)); err != nil {
		return types.Transcript{}, fmt.Errorf("vosk: send eof: %w", err)
	}
	t, err := r.readResult()
	if err != nil {
		return types.Transcript{}, err
	}
	t.IsFinal = true
	r.closed = true
	return t, nil
}

// Close tears the connection down. Safe to call more than once.
func (r *recognizer) Close() error {
	r.closed = true
	r.closeOnce.Do(func() {
		r.conn.Close(websocket.StatusNormalClosure, "recognizer closed")
	})
	return nil
}

// readResult reads exactly one JSON frame and parses it.
func (r *recognizer) readResult() (types.Transcript, error) {
	_, msg, err := r.conn.Read(r.ctx)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("vosk: read result: %w", err)
	}
	t, ok := parseResult(msg)
	if !ok {
		return types.Transcript{}, fmt.Errorf("vosk: unrecognized server message %.80q", msg)
	}
	return t, nil
}

// voskResponse mirrors the server's per-chunk JSON frame. Pointer fields
// distinguish an absent key from an empty string: a frame with a "text" key
// is a final even when the text is empty.
type voskResponse struct {
	Partial *string `json:"partial"`
	Text    *string `json:"text"`
	Result  []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Conf  float64 `json:"conf"`
	} `json:"result"`
}

// parseResult parses a raw server message into a Transcript.
// Returns (zero, false) if the message is neither a partial nor a final.
func parseResult(data []byte) (types.Transcript, bool) {
	var resp voskResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.Transcript{}, false
	}

	switch {
	case resp.Text != nil:
		t := types.Transcript{Text: *resp.Text, IsFinal: true}
		if len(resp.Result) > 0 {
			var confSum float64
			t.Words = make([]types.WordDetail, 0, len(resp.Result))
			for _, w := range resp.Result {
				t.Words = append(t.Words, types.WordDetail{
					Word:       w.Word,
					Start:      time.Duration(w.Start * float64(time.Second)),
					End:        time.Duration(w.End * float64(time.Second)),
					Confidence: w.Conf,
				})
				confSum += w.Conf
			}
			t.Confidence = confSum / float64(len(resp.Result))
			t.Timestamp = t.Words[0].Start
			t.Duration = t.Words[len(t.Words)-1].End - t.Words[0].Start
		}
		return t, true

	case resp.Partial != nil:
		return types.Transcript{Text: *resp.Partial, IsFinal: false}, true

	default:
		return types.Transcript{}, false
	}
}
