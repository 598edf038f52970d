// Package session orchestrates a live voice conversation: it owns the
// conversation channel, the microphone capture unit, the playback scheduler,
// and the transcript, and drives the turn-taking state machine that decides
// when the microphone is hot.
//
// All state transitions happen on a single event-loop goroutine inside
// [Session.Run], which selects over channel events, timer fires, and user
// commands. Nothing else mutates turn state, so the machine needs no locking
// beyond the snapshot accessors.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/confido-labs/confido/internal/observe"
	"github.com/confido-labs/confido/internal/transcript"
	"github.com/confido-labs/confido/pkg/audio/capture"
	"github.com/confido-labs/confido/pkg/audio/playback"
	"github.com/confido-labs/confido/pkg/convai"
)

// State is the turn-taking state of the conversation.
type State string

const (
	// StateReady means the microphone is paused and nothing is playing.
	StateReady State = "ready"

	// StateListening means the microphone is hot and frames are streaming.
	StateListening State = "listening"

	// StateProcessing means the remote agent is working on the user's turn.
	StateProcessing State = "processing"

	// StateSpeaking means agent audio is queued or playing.
	StateSpeaking State = "speaking"
)

const (
	// defaultSettleDelay is the pause between channel open and the first
	// automatic microphone start, giving the remote agent time to finish its
	// greeting setup.
	defaultSettleDelay = 1500 * time.Millisecond

	// defaultSilenceTimeout is the gap after the last received audio chunk
	// that marks the agent's speech as finished.
	defaultSilenceTimeout = 2 * time.Second

	// defaultResumeRecheck is the re-arm interval used when the silence
	// timeout fires while playback is still draining.
	defaultResumeRecheck = 1 * time.Second

	// frameBacklog is the capacity of the outbound frame queue between the
	// audio thread and the sender goroutine. At 4096 samples per frame this
	// is several seconds of audio; a backlog that deep means the socket has
	// stalled and dropping is the right call.
	frameBacklog = 16
)

// Channel is the duplex conversation channel. Implemented by
// [*convai.Session].
type Channel interface {
	Events() <-chan convai.Event
	SendAudioChunk(pcm []byte) error
	SendText(text string) error
	Err() error
	Close() error
}

// CaptureUnit is the microphone capture unit. Implemented by
// [*capture.Unit].
type CaptureUnit interface {
	Start(ctx context.Context) error
	Pause()
	Active() bool
	Stop() error
}

// Player is the playback scheduler. Implemented by [*playback.Scheduler].
type Player interface {
	Enqueue(payload string) error
	Clear()
	Idle() bool
	QueueDepth() int
	SetMuted(muted bool)
	Muted() bool
	Close() error
}

// Compile-time interface checks against the production implementations.
var (
	_ Channel     = (*convai.Session)(nil)
	_ CaptureUnit = (*capture.Unit)(nil)
	_ Player      = (*playback.Scheduler)(nil)
)

// Config configures a [Session].
type Config struct {
	// Channel, Capture, and Playback are required.
	Channel  Channel
	Capture  CaptureUnit
	Playback Player

	// Transcript receives utterances as they are confirmed. When nil a fresh
	// log is created.
	Transcript *transcript.Log

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// SettleDelay is the wait before the microphone auto-starts after the
	// channel opens. Default 1500ms.
	SettleDelay time.Duration

	// SilenceTimeout is the no-audio gap that ends the agent's speaking turn.
	// Default 2s.
	SilenceTimeout time.Duration

	// ResumeRecheck is the re-arm interval when the silence timeout fires
	// while audio is still draining. Default 1s.
	ResumeRecheck time.Duration

	// OnStateChange, when non-nil, is invoked from the event loop after every
	// state transition. It must not block.
	OnStateChange func(State)
}

// Session drives one voice conversation. Create with [New], run with
// [Session.Run], and tear down with [Session.Close] (Run closes on exit, so
// an explicit Close is only needed to abort early).
type Session struct {
	channel  Channel
	capture  CaptureUnit
	playback Player
	log      *transcript.Log
	metrics  *observe.Metrics

	settleDelay    time.Duration
	silenceTimeout time.Duration
	resumeRecheck  time.Duration
	onStateChange  func(State)

	// commands carries closures into the event loop so that user-facing
	// methods never race the state machine.
	commands chan func()

	// frames carries captured audio from the device callback to the sender
	// goroutine. The audio thread only ever does a non-blocking send here.
	frames chan []byte

	// runCtx is set once at the top of Run and read only by loop-executed
	// code.
	runCtx context.Context

	done      chan struct{}
	closeOnce sync.Once

	// dropWarn rate-limits the frame-drop warning to once per session; the
	// capture callback would otherwise log on every frame once the channel
	// closes.
	dropWarn sync.Once

	mu             sync.Mutex
	state          State
	agentSpeaking  bool
	conversationID string
}

// New creates a Session. Channel, Capture, and Playback are required.
func New(cfg Config) (*Session, error) {
	if cfg.Channel == nil || cfg.Capture == nil || cfg.Playback == nil {
		return nil, errors.New("session: Channel, Capture, and Playback are required")
	}
	if cfg.Transcript == nil {
		cfg.Transcript = transcript.NewLog()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = defaultSilenceTimeout
	}
	if cfg.ResumeRecheck <= 0 {
		cfg.ResumeRecheck = defaultResumeRecheck
	}
	return &Session{
		channel:        cfg.Channel,
		capture:        cfg.Capture,
		playback:       cfg.Playback,
		log:            cfg.Transcript,
		metrics:        cfg.Metrics,
		settleDelay:    cfg.SettleDelay,
		silenceTimeout: cfg.SilenceTimeout,
		resumeRecheck:  cfg.ResumeRecheck,
		onStateChange:  cfg.OnStateChange,
		commands:       make(chan func(), 8),
		frames:         make(chan []byte, frameBacklog),
		done:           make(chan struct{}),
		state:          StateReady,
	}, nil
}

// Run executes the event loop until the channel closes, ctx is cancelled, or
// [Session.Close] is called. It returns the channel's terminal error when the
// remote side ended the conversation, ctx.Err() on cancellation, and nil on a
// local Close. Run tears the session down on every exit path.
func (s *Session) Run(ctx context.Context) error {
	s.runCtx = ctx
	defer s.Close()

	s.metrics.ActiveSessions.Add(ctx, 1)
	start := time.Now()
	defer func() {
		s.metrics.ActiveSessions.Add(context.Background(), -1)
		s.metrics.SessionDuration.Record(context.Background(), time.Since(start).Seconds())
	}()

	go s.sendFrames(ctx)

	// The agent needs a moment after the handshake before it can hear us.
	settle := time.NewTimer(s.settleDelay)
	defer settle.Stop()

	// Armed on each received audio chunk; stopped until then.
	silence := time.NewTimer(time.Hour)
	silence.Stop()
	defer silence.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.done:
			return nil

		case cmd := <-s.commands:
			cmd()

		case <-settle.C:
			s.startListening()

		case <-silence.C:
			s.onSilenceTimeout(silence)

		case ev, ok := <-s.channel.Events():
			if !ok {
				return s.channel.Err()
			}
			s.handleEvent(ev, silence)
		}
	}
}

// handleEvent processes one channel event. Runs on the event-loop goroutine.
func (s *Session) handleEvent(ev convai.Event, silence *time.Timer) {
	switch e := ev.(type) {
	case convai.ConversationMetadata:
		s.mu.Lock()
		s.conversationID = e.ConversationID
		s.mu.Unlock()
		slog.Info("conversation started", "conversation_id", e.ConversationID)

	case convai.UserTranscript:
		s.log.Append(transcript.SpeakerUser, e.Text)
		// The agent has the floor now; pause the microphone until its reply
		// has played out.
		s.capture.Pause()
		s.setState(StateProcessing)

	case convai.AgentResponse:
		s.log.Append(transcript.SpeakerAgent, e.Text)
		s.setAgentSpeaking(false)

	case convai.TentativeAgentResponse:
		s.setAgentSpeaking(true)
		s.setState(StateSpeaking)

	case convai.AudioChunk:
		// The turn advances on every audio event, playable or not: a
		// malformed chunk is dropped, but the agent still has the floor and
		// the silence timer must re-arm or the turn would never end.
		s.setAgentSpeaking(true)
		s.setState(StateSpeaking)
		resetTimer(silence, s.silenceTimeout)
		if err := s.playback.Enqueue(e.Base64); err != nil {
			s.metrics.RecordDecodeError(s.runCtx, "playback")
			return
		}
		s.metrics.AudioChunksReceived.Add(s.runCtx, 1)

	case convai.Interruption:
		slog.Info("conversation interrupted")
		s.playback.Clear()
		s.setAgentSpeaking(false)
		s.metrics.Interruptions.Add(s.runCtx, 1)

	default:
		slog.Debug("ignoring unhandled event", "type", ev)
	}
}

// onSilenceTimeout decides whether the agent's turn is over. The microphone
// resumes only once playback has fully drained; while buffers are still
// playing the check re-arms at a shorter interval.
func (s *Session) onSilenceTimeout(silence *time.Timer) {
	if !s.capture.Active() && s.playback.Idle() {
		slog.Debug("agent speech finished, resuming microphone")
		s.setState(StateReady)
		s.startListening()
		return
	}
	resetTimer(silence, s.resumeRecheck)
}

// startListening arms the microphone and moves to Listening. A refused or
// missing device leaves the session in Ready so the user can retry from the
// UI once the problem is fixed.
func (s *Session) startListening() {
	err := s.capture.Start(s.runCtx)
	switch {
	case err == nil:
		s.setState(StateListening)
	case errors.Is(err, capture.ErrPermissionDenied):
		slog.Warn("microphone access denied, staying paused", "err", err)
		s.setState(StateReady)
	case errors.Is(err, capture.ErrDeviceUnavailable):
		slog.Warn("no capture device available, staying paused", "err", err)
		s.setState(StateReady)
	default:
		slog.Error("microphone start failed", "err", err)
		s.setState(StateReady)
	}
}

// HandleFrame queues one captured microphone frame for transmission. It is
// wired as the capture unit's frame callback and runs on the device's audio
// thread, so it must stay cheap: a single non-blocking channel send. When
// the sender goroutine has fallen behind, the frame is dropped.
func (s *Session) HandleFrame(pcm []byte) {
	select {
	case s.frames <- pcm:
	default:
		s.dropWarn.Do(func() {
			slog.Warn("audio frames dropped, sender backlogged")
		})
	}
}

// sendFrames drains the frame queue onto the channel. Runs on its own
// goroutine so a slow socket never stalls the audio thread; it exits with
// the event loop.
func (s *Session) sendFrames(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case pcm := <-s.frames:
			if err := s.channel.SendAudioChunk(pcm); err != nil {
				s.dropWarn.Do(func() {
					slog.Warn("audio frames dropped, channel unavailable", "err", err)
				})
				continue
			}
			s.metrics.AudioFramesSent.Add(context.Background(), 1)
		}
	}
}

// ToggleRecording pauses the microphone if it is hot, or starts it if not.
// The actual work happens on the event loop; calls after Run has exited are
// dropped.
func (s *Session) ToggleRecording() {
	s.do(func() {
		if s.capture.Active() {
			s.capture.Pause()
			s.setState(StateReady)
			return
		}
		s.startListening()
	})
}

// SendText sends a typed user message. Independent of turn state: typing is
// allowed even while the agent speaks.
func (s *Session) SendText(text string) error {
	if text == "" {
		return nil
	}
	if err := s.channel.SendText(text); err != nil {
		return err
	}
	s.log.Append(transcript.SpeakerUser, text)
	s.setAgentSpeaking(true)
	return nil
}

// SetMuted mutes or unmutes playback. Muted audio still drains so turn
// timing is unaffected.
func (s *Session) SetMuted(muted bool) {
	s.playback.SetMuted(muted)
}

// Muted reports whether playback is muted.
func (s *Session) Muted() bool {
	return s.playback.Muted()
}

// State returns the current turn-taking state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AgentSpeaking reports whether the agent currently has the floor.
func (s *Session) AgentSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentSpeaking
}

// ConversationID returns the server-assigned conversation ID, or the empty
// string before the metadata event arrives.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Transcript returns the session's transcript log.
func (s *Session) Transcript() *transcript.Log {
	return s.log
}

// Close tears the session down: it stops the event loop, releases the
// microphone, closes playback, and closes the channel. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.capture.Stop(); err != nil {
			slog.Warn("capture stop failed", "err", err)
		}
		if err := s.playback.Close(); err != nil && !errors.Is(err, playback.ErrClosed) {
			slog.Warn("playback close failed", "err", err)
		}
		if err := s.channel.Close(); err != nil {
			slog.Warn("channel close failed", "err", err)
		}
	})
	return nil
}

// do hands fn to the event loop, dropping it if the session has ended.
func (s *Session) do(fn func()) {
	select {
	case s.commands <- fn:
	case <-s.done:
	}
}

// setState records a state transition. from == to is a no-op.
func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	slog.Debug("state transition", "from", string(from), "to", string(to))
	s.metrics.RecordStateTransition(s.runCtx, string(from), string(to))
	if s.onStateChange != nil {
		s.onStateChange(to)
	}
}

func (s *Session) setAgentSpeaking(v bool) {
	s.mu.Lock()
	s.agentSpeaking = v
	s.mu.Unlock()
}

// resetTimer re-arms t, draining a pending fire first so the next expiry is
// not spurious (per the time.Timer documentation).
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
