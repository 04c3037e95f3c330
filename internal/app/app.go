// Package app wires the crosstalk roles into one running process.
//
// The App owns the full lifecycle: New builds the servers for the requested
// roles, Run supervises one listener per role until the context ends, and
// Shutdown tears the roles down in order. The single-role subcommands and the
// all-in-one development mode go through the same code path; only the role
// list differs.
//
// For testing, inject mock engines via functional options (WithSTTEngine,
// WithVADEngine, etc.). When an option is not provided, New creates real
// implementations through the config registry.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/crosstalkhq/crosstalk/internal/config"
	"github.com/crosstalkhq/crosstalk/internal/health"
	"github.com/crosstalkhq/crosstalk/internal/insight"
	"github.com/crosstalkhq/crosstalk/internal/observe"
	"github.com/crosstalkhq/crosstalk/internal/relay"
	"github.com/crosstalkhq/crosstalk/internal/serve"
	"github.com/crosstalkhq/crosstalk/internal/signaling"
	"github.com/crosstalkhq/crosstalk/internal/transcriber"
	"github.com/crosstalkhq/crosstalk/internal/web"
	"github.com/crosstalkhq/crosstalk/pkg/provider/stt"
	"github.com/crosstalkhq/crosstalk/pkg/provider/vad"
)

// Role names one service a crosstalk process can run.
type Role string

const (
	RoleSignaling   Role = "signaling"
	RoleRelay       Role = "relay"
	RoleTranscriber Role = "transcriber"
	RoleInsight     Role = "insight"
	RoleWeb         Role = "web"
)

// AllRoles returns every role in listener order, for the all-in-one mode.
func AllRoles() []Role {
	return []Role{RoleSignaling, RoleRelay, RoleTranscriber, RoleInsight, RoleWeb}
}

// ParseRoles resolves a subcommand name to the roles it runs. "all" expands
// to every role.
func ParseRoles(name string) ([]Role, error) {
	if name == "all" {
		return AllRoles(), nil
	}
	switch r := Role(name); r {
	case RoleSignaling, RoleRelay, RoleTranscriber, RoleInsight, RoleWeb:
		return []Role{r}, nil
	}
	return nil, fmt.Errorf("app: unknown role %q", name)
}

// listener is one role's HTTP surface, ready to serve.
type listener struct {
	role    Role
	addr    string
	handler http.Handler
}

// App owns the role servers and their listeners for one process.
type App struct {
	cfg *config.Config
	log *slog.Logger
	met *observe.Metrics

	// Injectable via options; resolved from the registry otherwise.
	meterProvider metric.MeterProvider
	level         *slog.LevelVar
	stt           stt.Engine
	vad           vad.Engine

	signaling   *signaling.Server
	relay       *relay.Server
	transcriber *transcriber.Server
	insight     *insight.Server
	web         *web.Server

	listeners []listener

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSTTEngine injects a recognition engine instead of creating one from the
// registry.
func WithSTTEngine(e stt.Engine) Option {
	return func(a *App) { a.stt = e }
}

// WithVADEngine injects a speech detector instead of creating one from the
// registry.
func WithVADEngine(e vad.Engine) Option {
	return func(a *App) { a.vad = e }
}

// WithMeterProvider overrides the global OTel meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(a *App) { a.meterProvider = mp }
}

// WithLogLevelVar hands over the level var behind the process logger so that
// config reloads can adjust verbosity.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New builds the servers for the requested roles. reg supplies the engine and
// provider factories; it may be nil when no requested role needs one. The
// role list must be non-empty and free of duplicates.
func New(cfg *config.Config, reg *config.Registry, roles []Role, log *slog.Logger, opts ...Option) (*App, error) {
	if len(roles) == 0 {
		return nil, fmt.Errorf("app: no roles requested")
	}

	a := &App{
		cfg: cfg,
		log: log,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Metrics ───────────────────────────────────────────────────────
	mp := a.meterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	met, err := observe.NewMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	a.met = met

	// ── 2. Role servers ──────────────────────────────────────────────────
	seen := make(map[Role]bool, len(roles))
	for _, role := range roles {
		if seen[role] {
			return nil, fmt.Errorf("app: role %q listed twice", role)
		}
		seen[role] = true

		switch role {
		case RoleSignaling:
			a.initSignaling()
		case RoleRelay:
			a.initRelay()
		case RoleTranscriber:
			if err := a.initTranscriber(reg); err != nil {
				return nil, err
			}
		case RoleInsight:
			if err := a.initInsight(reg); err != nil {
				return nil, err
			}
		case RoleWeb:
			a.initWeb()
		default:
			return nil, fmt.Errorf("app: unknown role %q", role)
		}
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initSignaling() {
	s := signaling.New(a.cfg.Signaling, a.met, a.log)
	a.signaling = s
	a.closers = append(a.closers, s.Close)
	a.mountWS(RoleSignaling, a.cfg.Signaling.ListenAddr, s.HandleWS)
}

func (a *App) initRelay() {
	s := relay.New(a.cfg.Relay, a.met, a.log)
	a.relay = s
	a.mountWS(RoleRelay, a.cfg.Relay.ListenAddr, s.HandleWS)
}

func (a *App) initTranscriber(reg *config.Registry) error {
	if a.stt == nil {
		if reg == nil {
			return fmt.Errorf("app: transcriber role needs a provider registry")
		}
		eng, err := reg.CreateSTT(a.cfg.Transcriber.STT)
		if err != nil {
			return fmt.Errorf("app: create %s recognition engine: %w", a.cfg.Transcriber.STT.Engine, err)
		}
		a.stt = eng
	}

	// A broken speech detector degrades to signal-level gating; a broken
	// recognition engine fails startup above.
	if a.vad == nil && a.cfg.Transcriber.VAD != nil && reg != nil {
		eng, err := reg.CreateVAD(*a.cfg.Transcriber.VAD)
		if err != nil {
			a.log.Warn("speech detector unavailable, gating on signal level only",
				"engine", a.cfg.Transcriber.VAD.Engine, "err", err)
		} else {
			a.vad = eng
		}
	}

	s := transcriber.New(a.cfg.Transcriber, a.stt, a.vad, a.met, a.log)
	a.transcriber = s
	a.closers = append(a.closers, func() error {
		s.Close()
		return nil
	})

	// Engine resources unwind after the pipelines that use them.
	if c, ok := a.stt.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	if c, ok := a.vad.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	a.mountWS(RoleTranscriber, a.cfg.Transcriber.ListenAddr, s.HandleWS)
	return nil
}

func (a *App) initInsight(reg *config.Registry) error {
	if reg == nil {
		return fmt.Errorf("app: insight role needs a provider registry")
	}
	s := insight.New(a.cfg.Insight, reg, a.met, a.log)
	a.insight = s
	a.mountWS(RoleInsight, a.cfg.Insight.ListenAddr, s.HandleWS)
	return nil
}

func (a *App) initWeb() {
	s := web.New(a.cfg.Web, a.log)
	a.web = s

	r := serve.NewRouter(a.met, health.New(s.ReadyCheck()))
	r.Handle("/*", http.HandlerFunc(s.HandleHTTP))
	a.listeners = append(a.listeners, listener{role: RoleWeb, addr: a.cfg.Web.ListenAddr, handler: r})
}

// mountWS registers a role whose whole surface is one WebSocket entry at "/",
// next to the shared health and metrics endpoints.
func (a *App) mountWS(role Role, addr string, ws http.HandlerFunc, checks ...health.Checker) {
	r := serve.NewRouter(a.met, health.New(checks...))
	r.Get("/", ws)
	a.listeners = append(a.listeners, listener{role: role, addr: addr, handler: r})
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts one listener per role and blocks until ctx is cancelled or a
// listener fails. A failing listener cancels the rest; cancellation drains
// every listener and Run returns nil.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// Outbound links and per-call pipelines live on the group context, so a
	// dying listener also unwinds them.
	if a.signaling != nil {
		a.signaling.Start(ctx)
	}
	if a.transcriber != nil {
		a.transcriber.Start(ctx)
	}

	for _, l := range a.listeners {
		g.Go(func() error {
			return serve.Listen(ctx, serve.Options{
				Addr: l.addr,
				TLS:  a.cfg.Server.TLS,
			}, l.handler, a.log.With("service", string(l.role)))
		})
	}

	a.log.Info("roles running", "roles", a.roleNames(), "tls", a.cfg.Server.TLS != nil)
	return g.Wait()
}

func (a *App) roleNames() []string {
	names := make([]string, len(a.listeners))
	for i, l := range a.listeners {
		names[i] = string(l.role)
	}
	return names
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies what changed between two loaded configs to the running
// roles. It is shaped to sit directly on the config watcher callback. Only
// hot settings move; everything else needs a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Any() {
		return
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}

	if a.transcriber != nil {
		if d.SilenceRMSChanged {
			a.transcriber.UpdateSilenceRMS(d.NewSilenceRMS)
		}
		if d.FilterChanged {
			a.transcriber.UpdateFilter(d.NewFilter)
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down the roles. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned. Safe to call more than once; only the first call
// does the work.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
