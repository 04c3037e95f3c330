package transcriber

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/crosstalkhq/crosstalk/internal/event"
	"github.com/crosstalkhq/crosstalk/internal/observe"
	"github.com/crosstalkhq/crosstalk/internal/transcript"
	"github.com/crosstalkhq/crosstalk/pkg/provider/stt"
	"github.com/crosstalkhq/crosstalk/pkg/provider/vad"
	"github.com/crosstalkhq/crosstalk/pkg/types"
)

// insightTimeout bounds one request round trip to the insight service.
const insightTimeout = 30 * time.Second

// chunk is one gated unit of work on the recognition queue.
type chunk struct {
	username string
	pcm      []byte
}

// insightReq is one customer final awaiting model commentary.
type insightReq struct {
	callID    string
	text      string
	salesUser string
}

// speaker is the per-participant recognition state of a pipeline. Only the
// recognition drain touches buf and the recognizer after construction.
type speaker struct {
	username string
	cohort   string
	language string

	rec     stt.Recognizer    // nil when creation failed; chunks are dropped
	vadSess vad.SessionHandle // nil without a configured detector
	buf     []byte
}

// pipeline owns the media processing of one accepted call: a bounded PCM
// queue drained by recognition, and an insight queue drained by the
// round-trip to the insight service. Closing the PCM queue is the stop
// signal; the recognition drain then flushes every speaker for a last
// final, closes the recognizers, and closes the insight queue. The insight
// drain finishes the remaining requests and closes done, so done means the
// pipeline is fully wound down.
type pipeline struct {
	id        string
	salesUser string
	log       *slog.Logger
	met       *observe.Metrics

	window     int // recognizer feed size in bytes
	frameBytes int // VAD frame size in bytes, 0 without a detector

	speakers    map[string]*speaker
	lastPartial map[string]string // cohort to last emitted partial

	pcm     chan chunk
	insight chan insightReq
	done    chan struct{}

	// server callbacks; they resolve live channels at delivery time
	deliver    func(ctx context.Context, username string, ev event.Event)
	deliverRaw func(ctx context.Context, username string, data []byte)
	request    func(ctx context.Context, data []byte) ([]byte, error)
	silence    func() float64
	filter     *transcript.Filter
}

// run starts both drains. ctx only carries values for instrumentation; the
// stop signal is the closed PCM queue.
func (p *pipeline) run(ctx context.Context) {
	go p.recognitionDrain(ctx)
	go p.insightDrain(ctx)
}

// enqueue places a gated chunk on the PCM queue without blocking. The
// caller must guarantee the queue has not been closed.
func (p *pipeline) enqueue(c chunk) bool {
	select {
	case p.pcm <- c:
		return true
	default:
		return false
	}
}

func (p *pipeline) recognitionDrain(ctx context.Context) {
	for c := range p.pcm {
		p.processChunk(ctx, c)
	}
	p.flushSpeakers(ctx)
	p.closeSpeakers()
	close(p.insight)
}

// processChunk runs one queue element through the silence gate, the
// accumulation buffer, and as many full recognition windows as fit.
func (p *pipeline) processChunk(ctx context.Context, c chunk) {
	sp := p.speakers[c.username]
	if sp == nil || sp.rec == nil {
		return
	}

	data := gateChunk(sp, c.pcm, p.frameBytes, p.silence(), p.log)
	sp.buf = append(sp.buf, data...)

	for len(sp.buf) >= p.window {
		feed := sp.buf[:p.window]
		sp.buf = sp.buf[p.window:]

		start := time.Now()
		res, err := sp.rec.Accept(feed)
		p.met.RecognitionDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("language", sp.language)))
		if err != nil {
			p.log.Error("recognizer failed on chunk, treating as silent",
				"call_id", p.id, "speaker", sp.username, "error", err)
			continue
		}
		p.emit(ctx, sp, res)
	}
}

// emit applies the suppression, filtering, and delivery rules to one
// recognizer result.
func (p *pipeline) emit(ctx context.Context, sp *speaker, res types.Transcript) {
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return
	}
	if !res.IsFinal && text == p.lastPartial[sp.cohort] {
		return
	}

	out := text
	if res.IsFinal {
		// A final resets the remembered partial even when the filter
		// swallows it; the stretch of speech it covered is spoken for.
		p.lastPartial[sp.cohort] = ""
		out = p.filter.Apply(res, sp.language)
	} else {
		p.lastPartial[sp.cohort] = text
	}
	if out == "" {
		return
	}

	if p.salesUser == "" {
		p.log.Debug("no sales participant, transcription dropped", "call_id", p.id)
		return
	}
	p.deliver(ctx, p.salesUser, &event.Transcription{
		CallID:  p.id,
		Group:   sp.cohort,
		Text:    out,
		IsFinal: res.IsFinal,
	})

	if res.IsFinal && sp.cohort == event.GroupCustomers {
		select {
		case p.insight <- insightReq{callID: p.id, text: out, salesUser: p.salesUser}:
		default:
			p.log.Warn("insight queue full, request dropped", "call_id", p.id)
			p.met.RecordFrameDrop(ctx, "insight_queue_full")
		}
	}
}

// flushSpeakers pushes each speaker's remaining buffered audio through its
// recognizer and emits the result as a last final.
func (p *pipeline) flushSpeakers(ctx context.Context) {
	for _, sp := range p.speakers {
		if sp.rec == nil {
			continue
		}
		if len(sp.buf) > 0 {
			if _, err := sp.rec.Accept(sp.buf); err != nil {
				p.log.Error("recognizer failed on trailing audio",
					"call_id", p.id, "speaker", sp.username, "error", err)
			}
			sp.buf = nil
		}
		res, err := sp.rec.Flush()
		if err != nil {
			p.log.Error("recognizer flush failed",
				"call_id", p.id, "speaker", sp.username, "error", err)
			continue
		}
		res.IsFinal = true
		p.emit(ctx, sp, res)
	}
}

func (p *pipeline) closeSpeakers() {
	for _, sp := range p.speakers {
		if sp.rec != nil {
			if err := sp.rec.Close(); err != nil {
				p.log.Warn("recognizer close failed",
					"call_id", p.id, "speaker", sp.username, "error", err)
			}
		}
		if sp.vadSess != nil {
			if err := sp.vadSess.Close(); err != nil {
				p.log.Warn("vad session close failed",
					"call_id", p.id, "speaker", sp.username, "error", err)
			}
		}
	}
}

func (p *pipeline) insightDrain(ctx context.Context) {
	defer close(p.done)
	for req := range p.insight {
		p.processInsight(ctx, req)
	}
}

// processInsight sends one customer final to the insight service and
// forwards the single reply frame verbatim to the sales participant.
func (p *pipeline) processInsight(ctx context.Context, req insightReq) {
	payload, err := json.Marshal(struct {
		CallID string `json:"call_id"`
		Text   string `json:"text"`
	}{req.callID, req.text})
	if err != nil {
		p.log.Error("insight request encode failed", "call_id", req.callID, "error", err)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, insightTimeout)
	defer cancel()

	start := time.Now()
	reply, err := p.request(reqCtx, payload)
	p.met.InsightDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		p.log.Warn("insight round trip failed, request skipped",
			"call_id", req.callID, "error", err)
		return
	}
	p.deliverRaw(ctx, req.salesUser, reply)
}
