// Command confido is a terminal client for real-time voice conversations
// with an ElevenLabs conversational agent.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/confido-labs/confido/internal/app"
	"github.com/confido-labs/confido/internal/config"
	"github.com/confido-labs/confido/internal/observe"
	"github.com/confido-labs/confido/internal/session"
	"github.com/confido-labs/confido/internal/transcript"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "confido: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	slog.Info("confido starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.Logging.Level,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg,
		app.WithStateListener(printState),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	agent := application.Agent()
	fmt.Printf("Connected to agent %q (%s)\n", agent.Name, agent.AgentID)
	fmt.Println(`Commands: "mic" toggles the microphone, "mute" toggles playback, "say <text>" sends a text message, "quit" exits.`)

	// Print transcript lines as they are confirmed.
	go printTranscript(application.Session().Transcript().Subscribe())

	// Read stdin commands alongside the conversation.
	go commandLoop(application.Session(), stop)

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down…")
	if err := application.Shutdown(); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// printState renders turn transitions. Runs on the session event loop, so it
// only writes to stdout.
func printState(s session.State) {
	switch s {
	case session.StateListening:
		fmt.Println("● listening")
	case session.StateProcessing:
		fmt.Println("… thinking")
	case session.StateSpeaking:
		fmt.Println("▶ speaking")
	case session.StateReady:
		fmt.Println("○ ready")
	}
}

// printTranscript renders confirmed utterances until the channel closes.
func printTranscript(entries <-chan transcript.Utterance) {
	for u := range entries {
		speaker := "You"
		if u.Speaker == transcript.SpeakerAgent {
			speaker = "Agent"
		}
		fmt.Printf("%s: %s\n", speaker, u.Text)
	}
}

// commandLoop reads line commands from stdin until EOF or "quit". quit and
// EOF cancel the run context via stop.
func commandLoop(sess *session.Session, stop func()) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case line == "quit" || line == "exit":
			stop()
			return
		case line == "mic":
			sess.ToggleRecording()
		case line == "mute":
			sess.SetMuted(!sess.Muted())
			if sess.Muted() {
				fmt.Println("playback muted")
			} else {
				fmt.Println("playback unmuted")
			}
		case strings.HasPrefix(line, "say "):
			text := strings.TrimSpace(strings.TrimPrefix(line, "say "))
			if text == "" {
				continue
			}
			if err := sess.SendText(text); err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", line)
		}
	}
	stop()
}

// newLogger builds the default text logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
