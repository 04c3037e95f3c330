// Package wsio wraps WebSocket channels with the control-frame codec and the
// per-connection logging every service role shares. A [Conn] is one channel;
// services read frames from it in a single loop and may write to it from any
// goroutine.
package wsio

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/crosstalkhq/crosstalk/internal/event"
)

// writeTimeout bounds a single frame write when the caller's context carries
// no deadline. A stalled peer must not wedge the goroutine writing to it.
const writeTimeout = 10 * time.Second

// Conn is one WebSocket channel with a stable identifier and a scoped logger.
// Reads belong to a single goroutine; writes are safe from any.
type Conn struct {
	id  string
	raw *websocket.Conn
	log *slog.Logger
}

// Accept upgrades an HTTP request into a [Conn]. The upgrade response is
// written before Accept returns, so on error the caller must not touch w.
func Accept(w http.ResponseWriter, r *http.Request, log *slog.Logger) (*Conn, error) {
	raw, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Clients connect from the web role's origin, not this listener's.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, fmt.Errorf("wsio: accept: %w", err)
	}
	id := uuid.NewString()
	return &Conn{
		id:  id,
		raw: raw,
		log: log.With("conn_id", id, "remote", r.RemoteAddr),
	}, nil
}

// Dial opens an outbound channel to url.
func Dial(ctx context.Context, url string, log *slog.Logger) (*Conn, error) {
	raw, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsio: dial %s: %w", url, err)
	}
	id := uuid.NewString()
	return &Conn{
		id:  id,
		raw: raw,
		log: log.With("conn_id", id, "url", url),
	}, nil
}

// ID returns the channel's unique identifier.
func (c *Conn) ID() string { return c.id }

// Log returns the connection-scoped logger.
func (c *Conn) Log() *slog.Logger { return c.log }

// Read blocks until the next frame arrives or ctx is done.
func (c *Conn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	return c.raw.Read(ctx)
}

// Send writes one frame of the given type, bounded by [writeTimeout] when ctx
// has no deadline of its own.
func (c *Conn) Send(ctx context.Context, typ websocket.MessageType, data []byte) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, writeTimeout)
		defer cancel()
	}
	return c.raw.Write(ctx, typ, data)
}

// SendEvent encodes ev and writes it as one text frame.
func (c *Conn) SendEvent(ctx context.Context, ev event.Event) error {
	data, err := event.Encode(ev)
	if err != nil {
		return err
	}
	return c.Send(ctx, websocket.MessageText, data)
}

// SendBinary writes one binary frame.
func (c *Conn) SendBinary(ctx context.Context, data []byte) error {
	return c.Send(ctx, websocket.MessageBinary, data)
}

// SendError reports msg to the peer as an error event. Delivery failures are
// logged and swallowed; an error event is already the last word on its topic.
func (c *Conn) SendError(ctx context.Context, msg string) {
	if err := c.SendEvent(ctx, &event.Error{Message: msg}); err != nil {
		c.log.Debug("error event not delivered", "err", err)
	}
}

// Close completes the WebSocket close handshake with the given code.
// Calling Close more than once is safe.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	return c.raw.Close(code, reason)
}
