// Command crosstalk is the call plane server. One binary carries every role;
// the subcommand picks which to run: signaling, relay, transcriber, insight,
// web, or all of them in one process for development.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/crosstalkhq/crosstalk/internal/app"
	"github.com/crosstalkhq/crosstalk/internal/config"
	"github.com/crosstalkhq/crosstalk/internal/observe"
	"github.com/crosstalkhq/crosstalk/pkg/provider/llm"
	"github.com/crosstalkhq/crosstalk/pkg/provider/llm/anyllm"
	oaillm "github.com/crosstalkhq/crosstalk/pkg/provider/llm/openai"
	"github.com/crosstalkhq/crosstalk/pkg/provider/llm/template"
	"github.com/crosstalkhq/crosstalk/pkg/provider/stt"
	"github.com/crosstalkhq/crosstalk/pkg/provider/stt/vosk"
	"github.com/crosstalkhq/crosstalk/pkg/provider/stt/whisper"
	"github.com/crosstalkhq/crosstalk/pkg/provider/vad"
	"github.com/crosstalkhq/crosstalk/pkg/provider/vad/energy"
)

// shutdownTimeout bounds graceful teardown after the run loop exits.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI ───────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Usage = usage
	flag.Parse()

	roleArg := flag.Arg(0)
	if roleArg == "" {
		usage()
		return 2
	}
	roles, err := app.ParseRoles(roleArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crosstalk: %v\n", err)
		usage()
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "crosstalk: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "crosstalk: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("crosstalk starting",
		"config", *configPath,
		"roles", roleArg,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "crosstalk-" + roleArg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(cfg, reg, roles, logger, app.WithLogLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config watcher unavailable, hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, roles)

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: crosstalk [flags] <role>")
	fmt.Fprintln(os.Stderr, "  roles: signaling, relay, transcriber, insight, web, all")
	fmt.Fprintln(os.Stderr, "flags:")
	flag.PrintDefaults()
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider kinds to the implementations that ship with
// crosstalk. Used for startup logging.
var builtinProviders = map[string][]string{
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "template"},
	"stt": {"whisper", "vosk"},
	"vad": {"energy"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Completion ────────────────────────────────────────────────────────────
	// openai goes through the official client; the other hosted backends share
	// the any-llm multi-provider.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.NewOllama(entry.Model, opts...)
	})

	// template needs no connection and always answers; the insight service
	// also appends it as the terminal fallback when it is not configured.
	reg.RegisterLLM("template", func(config.ProviderEntry) (llm.Provider, error) {
		return template.New(), nil
	})

	// ── Recognition ───────────────────────────────────────────────────────────
	reg.RegisterSTT(string(config.STTWhisper), func(cfg config.STTConfig) (stt.Engine, error) {
		return whisper.New(cfg.ModelPath)
	})
	reg.RegisterSTT(string(config.STTVosk), func(cfg config.STTConfig) (stt.Engine, error) {
		return vosk.New(cfg.Servers)
	})

	// ── Speech detection ──────────────────────────────────────────────────────
	reg.RegisterVAD("energy", func(config.VADConfig) (vad.Engine, error) {
		return energy.New(), nil
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, roles []app.Role) {
	addr := func(r app.Role) string {
		switch r {
		case app.RoleSignaling:
			return cfg.Signaling.ListenAddr
		case app.RoleRelay:
			return cfg.Relay.ListenAddr
		case app.RoleTranscriber:
			return cfg.Transcriber.ListenAddr
		case app.RoleInsight:
			return cfg.Insight.ListenAddr
		case app.RoleWeb:
			return cfg.Web.ListenAddr
		}
		return ""
	}

	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║ crosstalk startup summary              ║")
	fmt.Println("╠════════════════════════════════════════╣")
	for _, r := range roles {
		printRow(string(r), addr(r))
	}
	if cfg.Server.TLS != nil {
		printRow("tls", "enabled")
	} else {
		printRow("tls", "disabled (dev only)")
	}
	for _, r := range roles {
		switch r {
		case app.RoleTranscriber:
			printRow("stt engine", string(cfg.Transcriber.STT.Engine))
		case app.RoleInsight:
			printRow("insight chain", fmt.Sprintf("%d + template", len(cfg.Insight.Providers)))
		case app.RoleWeb:
			printRow("web root", cfg.Web.Root)
		}
	}
	fmt.Println("╚════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 21 {
		value = value[:18] + "..."
	}
	fmt.Printf("║  %-14s: %-21s ║\n", label, value)
}
