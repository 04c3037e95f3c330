// Package fanout maintains the persistent outbound channels between service
// roles: signaling feeds the relay and the transcriber, the transcriber feeds
// the insight service.
//
// A [Link] dials lazily and survives peer restarts: when the channel is down,
// each Send makes exactly one dial attempt, and a failed write drops the
// channel so the next Send dials again. Events sent while the peer is
// unreachable are lost, never queued; control traffic is only meaningful live.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/crosstalkhq/crosstalk/internal/event"
	"github.com/crosstalkhq/crosstalk/internal/wsio"
)

// dialTimeout bounds one connection attempt when the caller's context carries
// no deadline.
const dialTimeout = 2 * time.Second

// Link is one outbound channel to a peer role. All operations serialize on an
// internal mutex, so frames and request/reply pairs never interleave.
type Link struct {
	name string
	url  string
	log  *slog.Logger

	mu   sync.Mutex
	conn *wsio.Conn
}

// NewLink returns an unconnected Link to url. name labels logs and errors
// (e.g. "relay", "transcriber", "insight").
func NewLink(name, url string, log *slog.Logger) *Link {
	return &Link{name: name, url: url, log: log.With("link", name)}
}

// Dial connects the link eagerly. Services call it once at startup so the
// common path never pays the dial; failures are harmless because Send dials
// on demand.
func (l *Link) Dial(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ensureLocked(ctx)
}

// Send writes one text frame, dialing first when the link is down. On a write
// failure the channel is dropped and the error returned; the caller's next
// Send starts fresh.
func (l *Link) Send(ctx context.Context, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureLocked(ctx); err != nil {
		return err
	}
	if err := l.conn.Send(ctx, websocket.MessageText, data); err != nil {
		l.dropLocked()
		return fmt.Errorf("fanout: %s: send: %w", l.name, err)
	}
	return nil
}

// SendEvent encodes ev and sends it as one text frame.
func (l *Link) SendEvent(ctx context.Context, ev event.Event) error {
	data, err := event.Encode(ev)
	if err != nil {
		return err
	}
	return l.Send(ctx, data)
}

// Request sends one text frame and blocks for the single reply frame. The
// caller must bound ctx; a peer that never answers holds the link until then.
func (l *Link) Request(ctx context.Context, data []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureLocked(ctx); err != nil {
		return nil, err
	}
	if err := l.conn.Send(ctx, websocket.MessageText, data); err != nil {
		l.dropLocked()
		return nil, fmt.Errorf("fanout: %s: send: %w", l.name, err)
	}
	_, reply, err := l.conn.Read(ctx)
	if err != nil {
		l.dropLocked()
		return nil, fmt.Errorf("fanout: %s: reply: %w", l.name, err)
	}
	return reply, nil
}

// Close drops the channel. The link remains usable; a later Send redials.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropLocked()
	return nil
}

func (l *Link) ensureLocked(ctx context.Context) error {
	if l.conn != nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dialTimeout)
		defer cancel()
	}
	conn, err := wsio.Dial(ctx, l.url, l.log)
	if err != nil {
		return fmt.Errorf("fanout: %s: %w", l.name, err)
	}
	l.conn = conn
	l.log.Info("link connected", "url", l.url)
	return nil
}

func (l *Link) dropLocked() {
	if l.conn == nil {
		return
	}
	l.conn.Close(websocket.StatusNormalClosure, "")
	l.conn = nil
}
