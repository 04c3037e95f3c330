// Package serve assembles the HTTP stack every service role shares: a chi
// router carrying the request middleware, health probes, and the Prometheus
// scrape endpoint, plus a TLS-aware listener that drains on shutdown.
package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crosstalkhq/crosstalk/internal/config"
	"github.com/crosstalkhq/crosstalk/internal/health"
	"github.com/crosstalkhq/crosstalk/internal/observe"
)

const (
	// readHeaderTimeout bounds the initial request line and headers only.
	// Socket read/write timeouts stay unset because WebSocket channels live
	// for the whole call.
	readHeaderTimeout = 10 * time.Second

	// DefaultDrainTimeout is the graceful shutdown budget when [Options]
	// leaves DrainTimeout zero.
	DefaultDrainTimeout = 5 * time.Second
)

// Options configures one role listener.
type Options struct {
	// Addr is the TCP listen address (e.g. ":8001").
	Addr string

	// TLS enables HTTPS/WSS with the given certificate pair. Nil listens in
	// the clear.
	TLS *config.TLSConfig

	// DrainTimeout bounds graceful shutdown. Zero means [DefaultDrainTimeout].
	DrainTimeout time.Duration
}

// NewRouter builds the base router shared by every role. The caller mounts
// the role's own handlers on it, typically the WebSocket entry at "/".
func NewRouter(met *observe.Metrics, h *health.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(met))

	h.Register(r)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Listen serves handler on opts.Addr until ctx is cancelled, then drains.
// Request contexts derive from ctx, so blocked WebSocket reads unwind as soon
// as the cancellation lands; Listen returns once the listener is down or an
// accept-loop error occurs.
func Listen(ctx context.Context, opts Options, handler http.Handler, log *slog.Logger) error {
	drain := opts.DrainTimeout
	if drain == 0 {
		drain = DefaultDrainTimeout
	}

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", opts.Addr, "tls", opts.TLS != nil)
		var err error
		if opts.TLS != nil {
			err = srv.ListenAndServeTLS(opts.TLS.CertFile, opts.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %s: %w", opts.Addr, err)
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()

	log.Info("draining", "addr", opts.Addr)
	if err := srv.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("serve: drain %s: %w", opts.Addr, err)
	}
	return nil
}
