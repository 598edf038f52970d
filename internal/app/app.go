// Package app wires all Confido subsystems into a running client.
//
// The App struct owns the full lifecycle: New resolves credentials,
// provisions (or verifies) the remote agent, dials the conversation
// channel, and builds the audio pipeline; Run drives the conversation
// session plus the optional metrics listener; Shutdown tears everything
// down in order.
//
// For testing, inject fake implementations via functional options
// (WithChannel, WithCapture, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/confido-labs/confido/internal/config"
	"github.com/confido-labs/confido/internal/health"
	"github.com/confido-labs/confido/internal/observe"
	"github.com/confido-labs/confido/internal/provision"
	"github.com/confido-labs/confido/internal/session"
	"github.com/confido-labs/confido/internal/store"
	"github.com/confido-labs/confido/pkg/audio"
	"github.com/confido-labs/confido/pkg/audio/capture"
	"github.com/confido-labs/confido/pkg/audio/playback"
	"github.com/confido-labs/confido/pkg/convai"
)

// apiKeyEnv is consulted when the config file carries no API key.
const apiKeyEnv = "CONFIDO_API_KEY"

// Defaults used when provisioning a fresh agent.
const (
	defaultAgentPrompt = "You are Confido, a friendly voice assistant. " +
		"Keep every answer short enough to speak aloud comfortably."
	defaultFirstMessage = "Hi, I'm listening. What can I do for you?"
)

// shutdownTimeout bounds the metrics listener drain during teardown.
const shutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes and orchestrates the Confido voice
// pipeline.
type App struct {
	cfg *config.Config

	// Subsystems — initialised in New, torn down in Shutdown.
	profiles *store.ProfileStore
	client   *provision.Client
	agent    provision.Agent
	channel  session.Channel
	mic      session.CaptureUnit
	speaker  session.Player
	sess     *session.Session
	probeSrv *http.Server
	onState  func(session.State)

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProfileStore injects a profile store instead of using the user
// config directory.
func WithProfileStore(s *store.ProfileStore) Option {
	return func(a *App) { a.profiles = s }
}

// WithProvisionClient injects a provisioning client instead of creating
// one from the resolved API key.
func WithProvisionClient(c *provision.Client) Option {
	return func(a *App) { a.client = c }
}

// WithChannel injects a conversation channel instead of dialing one.
func WithChannel(ch session.Channel) Option {
	return func(a *App) { a.channel = ch }
}

// WithCapture injects a capture unit instead of creating a malgo-backed one.
func WithCapture(cu session.CaptureUnit) Option {
	return func(a *App) { a.mic = cu }
}

// WithPlayback injects a playback scheduler instead of creating an
// oto-backed one.
func WithPlayback(p session.Player) Option {
	return func(a *App) { a.speaker = p }
}

// WithStateListener registers a callback invoked on every turn-state
// transition. It runs on the session's event loop and must not block.
func WithStateListener(fn func(session.State)) Option {
	return func(a *App) { a.onState = fn }
}

// New creates an App by wiring all subsystems together. Use Option
// functions to inject test doubles for any subsystem.
//
// New performs all provisioning synchronously: credential resolution,
// subscription verification, agent lookup or creation, channel dial, and
// audio pipeline construction. The conversation does not start until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Profile store + credentials ───────────────────────────────────
	profile, apiKey, err := a.initCredentials()
	if err != nil {
		return nil, fmt.Errorf("app: init credentials: %w", err)
	}

	// ── 2. Provisioning client + subscription check ──────────────────────
	if err := a.initClient(ctx, apiKey); err != nil {
		return nil, fmt.Errorf("app: init provisioning: %w", err)
	}

	// ── 3. Agent lookup or creation ──────────────────────────────────────
	if err := a.initAgent(ctx, profile, apiKey); err != nil {
		return nil, fmt.Errorf("app: init agent: %w", err)
	}

	// ── 4. Knowledge base ────────────────────────────────────────────────
	if err := a.initKnowledge(ctx); err != nil {
		return nil, fmt.Errorf("app: init knowledge base: %w", err)
	}

	// ── 5. Conversation channel ──────────────────────────────────────────
	if err := a.initChannel(ctx); err != nil {
		return nil, fmt.Errorf("app: dial channel: %w", err)
	}

	// ── 6. Audio pipeline + session ──────────────────────────────────────
	if err := a.initSession(); err != nil {
		return nil, fmt.Errorf("app: init session: %w", err)
	}

	// ── 7. Metrics listener ──────────────────────────────────────────────
	a.initProbes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initCredentials sets up the profile store and resolves the API key from
// config, environment, or the stored profile, in that order.
func (a *App) initCredentials() (store.Profile, string, error) {
	if a.profiles == nil {
		base, err := os.UserConfigDir()
		if err != nil {
			return store.Profile{}, "", fmt.Errorf("resolve user config dir: %w", err)
		}
		a.profiles = store.NewProfileStore(filepath.Join(base, "confido"))
	}

	profile, _, err := a.profiles.Load()
	if err != nil {
		return store.Profile{}, "", fmt.Errorf("load profile: %w", err)
	}

	apiKey := a.cfg.API.Key
	if apiKey == "" {
		apiKey = os.Getenv(apiKeyEnv)
	}
	if apiKey == "" {
		apiKey = profile.APIKey
	}
	if apiKey == "" {
		return store.Profile{}, "", fmt.Errorf("no API key: set api.key in the config, %s in the environment, or sign in once", apiKeyEnv)
	}
	return profile, apiKey, nil
}

// initClient creates the provisioning client (unless injected) and verifies
// the credentials against the subscription endpoint.
func (a *App) initClient(ctx context.Context, apiKey string) error {
	if a.client == nil {
		var copts []provision.Option
		if a.cfg.API.BaseURL != "" {
			copts = append(copts, provision.WithBaseURL(a.cfg.API.BaseURL))
		}
		if a.cfg.API.WSBaseURL != "" {
			copts = append(copts, provision.WithWSBaseURL(a.cfg.API.WSBaseURL))
		}
		client, err := provision.New(apiKey, copts...)
		if err != nil {
			return err
		}
		a.client = client
	}

	sub, err := a.client.Subscription(ctx)
	if err != nil {
		return fmt.Errorf("verify credentials: %w", err)
	}
	slog.Info("signed in", "tier", sub.Tier, "characters_remaining", sub.Remaining())
	return nil
}

// initAgent resolves the agent to converse with: explicit config ID, then
// the stored profile, then a freshly provisioned agent. The winning agent
// is persisted to the profile for the next run.
func (a *App) initAgent(ctx context.Context, profile store.Profile, apiKey string) error {
	agentID := a.cfg.Agent.ID
	if agentID == "" {
		agentID = profile.AgentID
	}

	if agentID != "" {
		agent, err := a.client.GetAgent(ctx, agentID)
		switch {
		case err == nil:
			a.agent = agent
		case isNotFound(err):
			slog.Warn("stored agent no longer exists, provisioning a new one", "agent_id", agentID)
			agentID = ""
		default:
			return fmt.Errorf("verify agent %q: %w", agentID, err)
		}
	}

	if agentID == "" {
		agent, err := a.client.CreateAgent(ctx, provision.AgentDefinition{
			Name: a.cfg.Agent.Name,
			ConversationConfig: provision.ConversationConfig{
				Agent: provision.AgentSettings{
					Prompt:       provision.PromptSettings{Prompt: defaultAgentPrompt},
					FirstMessage: defaultFirstMessage,
					Language:     a.cfg.Agent.Language,
				},
			},
		})
		if err != nil {
			return fmt.Errorf("create agent: %w", err)
		}
		a.agent = agent
		slog.Info("provisioned agent", "agent_id", agent.AgentID, "name", agent.Name)
	}

	err := a.profiles.Save(store.Profile{
		APIKey:    apiKey,
		AgentID:   a.agent.AgentID,
		AgentName: a.agent.Name,
		Language:  a.cfg.Agent.Language,
	})
	if err != nil {
		// A stale profile is an inconvenience, not a startup failure.
		slog.Warn("could not persist profile", "err", err)
	}
	return nil
}

// initKnowledge creates the configured knowledge-base documents and attaches
// them to the agent's prompt. AddKnowledgeBaseToAgent deduplicates by
// document ID, so re-running with an unchanged config is a cheap no-op
// beyond the document creation calls.
func (a *App) initKnowledge(ctx context.Context) error {
	if len(a.cfg.Agent.Knowledge) == 0 {
		return nil
	}

	docs := make([]provision.KnowledgeBaseDocument, 0, len(a.cfg.Agent.Knowledge))
	for _, kd := range a.cfg.Agent.Knowledge {
		var (
			doc provision.KnowledgeBaseDocument
			err error
		)
		if kd.Text != "" {
			doc, err = a.client.CreateKnowledgeBaseText(ctx, kd.Name, kd.Text)
		} else {
			doc, err = a.client.CreateKnowledgeBaseURL(ctx, kd.URL, kd.Name)
		}
		if err != nil {
			return fmt.Errorf("create knowledge document %q: %w", kd.Name, err)
		}
		docs = append(docs, doc)
	}

	agent, err := a.client.AddKnowledgeBaseToAgent(ctx, a.agent.AgentID, docs)
	if err != nil {
		return fmt.Errorf("attach knowledge base: %w", err)
	}
	a.agent = agent
	slog.Info("knowledge base attached", "agent_id", agent.AgentID, "documents", len(docs))
	return nil
}

// initChannel dials the conversation WebSocket unless one was injected.
func (a *App) initChannel(ctx context.Context) error {
	if a.channel != nil {
		return nil
	}

	wsURL, err := a.client.SignedConversationURL(ctx, a.agent.AgentID)
	if err != nil {
		return fmt.Errorf("signed conversation url: %w", err)
	}

	ch, err := convai.Dial(ctx, convai.Config{
		URL:      wsURL,
		AgentID:  a.agent.AgentID,
		Language: a.cfg.Agent.Language,
	})
	if err != nil {
		return err
	}
	a.channel = ch
	return nil
}

// initSession builds the audio pipeline around the channel and creates the
// conversation session. The capture callback forwards frames straight into
// the session, which relays them without blocking the audio thread.
func (a *App) initSession() error {
	if a.speaker == nil {
		queueDepth := observe.DefaultMetrics().PlaybackQueueDepth
		a.speaker = playback.New(playback.NewOtoSink(audio.SampleRate),
			playback.WithDepthObserver(func(delta int) {
				queueDepth.Add(context.Background(), int64(delta))
			}))
	}

	if a.mic == nil {
		mic, err := capture.New(capture.Config{
			OnFrame: func(f audio.Frame) { a.sess.HandleFrame(f.Data) },
		})
		if err != nil {
			return err
		}
		a.mic = mic
	}

	sess, err := session.New(session.Config{
		Channel:        a.channel,
		Capture:        a.mic,
		Playback:       a.speaker,
		SettleDelay:    a.cfg.Conversation.SettleDelay,
		SilenceTimeout: a.cfg.Conversation.SilenceTimeout,
		ResumeRecheck:  a.cfg.Conversation.ResumeRecheck,
		OnStateChange:  a.onState,
	})
	if err != nil {
		return err
	}
	a.sess = sess
	return nil
}

// initProbes builds the metrics/health listener when one is configured.
func (a *App) initProbes() {
	if a.cfg.Metrics.ListenAddr == "" {
		return
	}

	probes := health.New(a.statusSnapshot,
		health.Checker{Name: "channel", Check: a.checkChannel},
	)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	probes.Register(mux)

	a.probeSrv = &http.Server{
		Addr:              a.cfg.Metrics.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// statusSnapshot feeds /statusz.
func (a *App) statusSnapshot() health.Status {
	return health.Status{
		State:          string(a.sess.State()),
		ConversationID: a.sess.ConversationID(),
		AgentSpeaking:  a.sess.AgentSpeaking(),
		Muted:          a.speaker.Muted(),
	}
}

// checkChannel feeds the /readyz channel check.
func (a *App) checkChannel(_ context.Context) error {
	if err := a.channel.Err(); err != nil {
		return err
	}
	return nil
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run drives the conversation session until the channel closes, ctx is
// cancelled, or Close is called, serving the metrics listener alongside it.
// It always tears the pipeline down before returning.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	if a.probeSrv != nil {
		slog.Info("metrics listener starting", "addr", a.probeSrv.Addr)
		g.Go(func() error {
			if err := a.probeSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shCtx, shCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shCancel()
			return a.probeSrv.Shutdown(shCtx)
		})
	}

	g.Go(func() error {
		// The session ending, for whatever reason, ends the whole run.
		defer cancel()
		return a.sess.Run(gctx)
	})

	return g.Wait()
}

// Session exposes the running conversation for interactive commands.
func (a *App) Session() *session.Session { return a.sess }

// Agent reports the agent this App converses with.
func (a *App) Agent() provision.Agent { return a.agent }

// Shutdown tears down the conversation pipeline. Closing the session stops
// capture, playback, and the channel; the metrics listener drains inside
// Run. Safe to call multiple times and concurrently with Run.
func (a *App) Shutdown() error {
	var err error
	a.stopOnce.Do(func() {
		if a.sess != nil {
			if cerr := a.sess.Close(); cerr != nil {
				err = fmt.Errorf("app: close session: %w", cerr)
			}
		}
	})
	return err
}

// isNotFound reports whether err is a provisioning 404.
func isNotFound(err error) bool {
	var se *provision.StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}
