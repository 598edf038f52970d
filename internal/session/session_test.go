package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/confido-labs/confido/internal/observe"
	"github.com/confido-labs/confido/internal/transcript"
	"github.com/confido-labs/confido/pkg/audio/capture"
	"github.com/confido-labs/confido/pkg/convai"
)

// fakeChannel is an in-memory Channel whose events are driven by the test.
type fakeChannel struct {
	events chan convai.Event

	mu        sync.Mutex
	block     chan struct{}
	sentAudio [][]byte
	sentText  []string
	closed    bool
	err       error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan convai.Event, 16)}
}

func (c *fakeChannel) Events() <-chan convai.Event { return c.events }

func (c *fakeChannel) SendAudioChunk(pcm []byte) error {
	c.mu.Lock()
	blk := c.block
	c.mu.Unlock()
	if blk != nil {
		<-blk
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentAudio = append(c.sentAudio, pcm)
	return nil
}

// stall makes subsequent SendAudioChunk calls block until the returned
// channel is closed.
func (c *fakeChannel) stall() chan struct{} {
	blk := make(chan struct{})
	c.mu.Lock()
	c.block = blk
	c.mu.Unlock()
	return blk
}

func (c *fakeChannel) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentText = append(c.sentText, text)
	return nil
}

func (c *fakeChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) audioCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sentAudio)
}

// fakeCapture tracks start/pause/stop calls without touching hardware.
type fakeCapture struct {
	mu         sync.Mutex
	active     bool
	startCalls int
	stopCalls  int
	startErr   error
}

func (c *fakeCapture) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startCalls++
	if c.startErr != nil {
		return c.startErr
	}
	c.active = true
	return nil
}

func (c *fakeCapture) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
}

func (c *fakeCapture) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *fakeCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
	c.stopCalls++
	return nil
}

func (c *fakeCapture) starts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startCalls
}

func (c *fakeCapture) setStartErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startErr = err
}

// fakePlayer records enqueued payloads; the test controls Idle.
type fakePlayer struct {
	mu         sync.Mutex
	queued     []string
	idle       bool
	muted      bool
	clearCalls int
	closed     bool
	enqueueErr error
}

func newFakePlayer() *fakePlayer { return &fakePlayer{idle: true} }

func (p *fakePlayer) Enqueue(payload string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enqueueErr != nil {
		return p.enqueueErr
	}
	p.queued = append(p.queued, payload)
	return nil
}

func (p *fakePlayer) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearCalls++
	p.queued = nil
}

func (p *fakePlayer) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle
}

func (p *fakePlayer) setIdle(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle = v
}

func (p *fakePlayer) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queued)
}

func (p *fakePlayer) SetMuted(muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = muted
}

func (p *fakePlayer) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

func (p *fakePlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePlayer) cleared() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clearCalls
}

// testHarness bundles a running session and its fakes.
type testHarness struct {
	sess    *Session
	channel *fakeChannel
	capture *fakeCapture
	player  *fakePlayer
	runErr  chan error
}

// startSession creates and runs a session with millisecond-scale timers so
// the timer-driven paths execute quickly.
func startSession(t *testing.T) *testHarness {
	t.Helper()

	ch := newFakeChannel()
	cu := &fakeCapture{}
	pl := newFakePlayer()

	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	sess, err := New(Config{
		Channel:        ch,
		Capture:        cu,
		Playback:       pl,
		Metrics:        metrics,
		SettleDelay:    20 * time.Millisecond,
		SilenceTimeout: 60 * time.Millisecond,
		ResumeRecheck:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-runErr:
		case <-time.After(2 * time.Second):
			t.Error("Run did not exit")
		}
	})

	return &testHarness{sess: sess, channel: ch, capture: cu, player: pl, runErr: runErr}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNew_RequiresComponents(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for missing components")
	}
}

func TestRun_AutoListensAfterSettle(t *testing.T) {
	h := startSession(t)

	if got := h.sess.State(); got != StateReady {
		t.Errorf("initial state = %q, want %q", got, StateReady)
	}

	waitFor(t, time.Second, func() bool {
		return h.sess.State() == StateListening
	}, "session never reached listening after settle delay")

	if got := h.capture.starts(); got != 1 {
		t.Errorf("capture starts = %d, want 1", got)
	}
}

func TestConversationMetadata_SetsID(t *testing.T) {
	h := startSession(t)

	h.channel.events <- convai.ConversationMetadata{ConversationID: "conv_77"}

	waitFor(t, time.Second, func() bool {
		return h.sess.ConversationID() == "conv_77"
	}, "conversation ID never recorded")
}

func TestUserTranscript_PausesMicrophone(t *testing.T) {
	h := startSession(t)
	waitFor(t, time.Second, func() bool { return h.sess.State() == StateListening }, "never listening")

	h.channel.events <- convai.UserTranscript{Text: "book me an appointment"}

	waitFor(t, time.Second, func() bool {
		return h.sess.State() == StateProcessing
	}, "never reached processing")

	if h.capture.Active() {
		t.Error("microphone still active while agent processes")
	}
	entries := h.sess.Transcript().Entries()
	if len(entries) != 1 || entries[0].Speaker != transcript.SpeakerUser || entries[0].Text != "book me an appointment" {
		t.Errorf("transcript = %+v", entries)
	}
}

func TestAudioChunk_QueuesAndSpeaks(t *testing.T) {
	h := startSession(t)
	h.player.setIdle(false)

	h.channel.events <- convai.AudioChunk{Base64: "AAD//w=="}

	waitFor(t, time.Second, func() bool {
		return h.sess.State() == StateSpeaking && h.player.QueueDepth() == 1
	}, "audio chunk not queued")

	if !h.sess.AgentSpeaking() {
		t.Error("agent speaking flag not set")
	}
}

func TestAudioChunk_DecodeFailureStillAdvancesTurn(t *testing.T) {
	h := startSession(t)
	waitFor(t, time.Second, func() bool { return h.sess.State() == StateListening }, "never listening")

	h.channel.events <- convai.UserTranscript{Text: "hello"}
	waitFor(t, time.Second, func() bool { return h.sess.State() == StateProcessing }, "never processing")

	// A chunk the scheduler cannot decode is dropped, but the agent still
	// has the floor: the machine must enter Speaking and arm the silence
	// timer, or the microphone would stay paused forever.
	h.player.mu.Lock()
	h.player.enqueueErr = errors.New("playback: decode payload: bad base64")
	h.player.mu.Unlock()

	h.channel.events <- convai.AudioChunk{Base64: "%%%not-base64%%%"}
	waitFor(t, time.Second, func() bool { return h.sess.State() == StateSpeaking }, "decode failure skipped the speaking transition")

	// No further audio arrives; the silence timeout must hand the turn back.
	waitFor(t, time.Second, func() bool {
		return h.sess.State() == StateListening && h.capture.Active()
	}, "microphone never resumed after a dropped chunk ended the turn")

	if got := h.player.QueueDepth(); got != 0 {
		t.Errorf("queue depth = %d, want 0 (bad payload must not be queued)", got)
	}
}

func TestAgentResponse_AppendsAndClearsSpeakingFlag(t *testing.T) {
	h := startSession(t)

	h.channel.events <- convai.TentativeAgentResponse{}
	waitFor(t, time.Second, func() bool { return h.sess.AgentSpeaking() }, "tentative response not registered")

	h.channel.events <- convai.AgentResponse{Text: "Tuesday at ten works."}
	waitFor(t, time.Second, func() bool {
		return !h.sess.AgentSpeaking() && h.sess.Transcript().Len() == 1
	}, "agent response not recorded")

	entries := h.sess.Transcript().Entries()
	if entries[0].Speaker != transcript.SpeakerAgent || entries[0].Text != "Tuesday at ten works." {
		t.Errorf("transcript = %+v", entries)
	}
}

func TestSilenceTimeout_ResumesMicrophone(t *testing.T) {
	h := startSession(t)
	waitFor(t, time.Second, func() bool { return h.sess.State() == StateListening }, "never listening")

	// Agent takes the turn.
	h.channel.events <- convai.UserTranscript{Text: "hello"}
	waitFor(t, time.Second, func() bool { return h.sess.State() == StateProcessing }, "never processing")

	h.channel.events <- convai.AudioChunk{Base64: "AAD//w=="}
	waitFor(t, time.Second, func() bool { return h.sess.State() == StateSpeaking }, "never speaking")

	// Playback drains; the silence timeout should hand the turn back.
	waitFor(t, time.Second, func() bool {
		return h.sess.State() == StateListening
	}, "microphone never resumed after silence timeout")

	if got := h.capture.starts(); got != 2 {
		t.Errorf("capture starts = %d, want 2", got)
	}
}

func TestSilenceTimeout_WaitsForPlaybackToDrain(t *testing.T) {
	h := startSession(t)
	waitFor(t, time.Second, func() bool { return h.sess.State() == StateListening }, "never listening")

	h.channel.events <- convai.UserTranscript{Text: "hello"}
	waitFor(t, time.Second, func() bool { return h.sess.State() == StateProcessing }, "never processing")

	h.player.setIdle(false)
	h.channel.events <- convai.AudioChunk{Base64: "AAD//w=="}
	waitFor(t, time.Second, func() bool { return h.sess.State() == StateSpeaking }, "never speaking")

	// Past the silence timeout plus one recheck: still draining, so the
	// microphone must stay off.
	time.Sleep(120 * time.Millisecond)
	if got := h.sess.State(); got != StateSpeaking {
		t.Fatalf("state = %q while playback still draining, want %q", got, StateSpeaking)
	}
	if got := h.capture.starts(); got != 1 {
		t.Fatalf("capture restarted while playback still draining (starts = %d)", got)
	}

	// Drain finishes; the next recheck resumes.
	h.player.setIdle(true)
	waitFor(t, time.Second, func() bool {
		return h.sess.State() == StateListening
	}, "microphone never resumed after drain")
}

func TestInterruption_ClearsQueueWithoutStateForce(t *testing.T) {
	h := startSession(t)
	h.player.setIdle(false)

	h.channel.events <- convai.AudioChunk{Base64: "AAD//w=="}
	waitFor(t, time.Second, func() bool { return h.sess.State() == StateSpeaking }, "never speaking")

	h.channel.events <- convai.Interruption{}
	waitFor(t, time.Second, func() bool { return h.player.cleared() == 1 }, "queue never cleared")

	if h.sess.AgentSpeaking() {
		t.Error("agent speaking flag still set after interruption")
	}
	// Interruption drops queued audio but does not force a transition.
	if got := h.sess.State(); got != StateSpeaking {
		t.Errorf("state = %q after interruption, want %q", got, StateSpeaking)
	}
}

func TestToggleRecording_PauseAndResume(t *testing.T) {
	h := startSession(t)
	waitFor(t, time.Second, func() bool { return h.sess.State() == StateListening }, "never listening")

	h.sess.ToggleRecording()
	waitFor(t, time.Second, func() bool {
		return h.sess.State() == StateReady && !h.capture.Active()
	}, "toggle did not pause")

	h.sess.ToggleRecording()
	waitFor(t, time.Second, func() bool {
		return h.sess.State() == StateListening && h.capture.Active()
	}, "toggle did not resume")
}

func TestStartListening_PermissionDeniedStaysReady(t *testing.T) {
	h := startSession(t)
	waitFor(t, time.Second, func() bool { return h.sess.State() == StateListening }, "never listening")

	h.sess.ToggleRecording()
	waitFor(t, time.Second, func() bool { return h.sess.State() == StateReady }, "toggle did not pause")

	h.capture.setStartErr(capture.ErrPermissionDenied)
	h.sess.ToggleRecording()
	waitFor(t, time.Second, func() bool { return h.capture.starts() >= 2 }, "start never attempted")

	if got := h.sess.State(); got == StateListening {
		t.Error("session listening despite denied microphone")
	}

	// Permission granted on retry.
	h.capture.setStartErr(nil)
	h.sess.ToggleRecording()
	waitFor(t, time.Second, func() bool {
		return h.sess.State() == StateListening
	}, "session never recovered after permission grant")
}

func TestSendText(t *testing.T) {
	h := startSession(t)

	if err := h.sess.SendText("are you open on Sunday?"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	h.channel.mu.Lock()
	sent := append([]string(nil), h.channel.sentText...)
	h.channel.mu.Unlock()
	if len(sent) != 1 || sent[0] != "are you open on Sunday?" {
		t.Errorf("sent text = %v", sent)
	}

	entries := h.sess.Transcript().Entries()
	if len(entries) != 1 || entries[0].Speaker != transcript.SpeakerUser {
		t.Errorf("transcript = %+v", entries)
	}
	if !h.sess.AgentSpeaking() {
		t.Error("agent speaking flag not set after text send")
	}

	if err := h.sess.SendText(""); err != nil {
		t.Errorf("empty SendText: %v", err)
	}
	if h.sess.Transcript().Len() != 1 {
		t.Error("empty text was appended to the transcript")
	}
}

func TestSetMuted(t *testing.T) {
	h := startSession(t)

	h.sess.SetMuted(true)
	if !h.sess.Muted() {
		t.Error("session not muted")
	}
	h.sess.SetMuted(false)
	if h.sess.Muted() {
		t.Error("session still muted")
	}
}

func TestHandleFrame_ForwardsPCM(t *testing.T) {
	h := startSession(t)

	h.sess.HandleFrame([]byte{0x01, 0x02, 0x03, 0x04})

	waitFor(t, time.Second, func() bool {
		return h.channel.audioCount() == 1
	}, "frame never forwarded to the channel")
}

func TestHandleFrame_DoesNotBlockOnStalledChannel(t *testing.T) {
	h := startSession(t)
	blk := h.channel.stall()

	// Push well past the queue capacity while every send stalls. The frame
	// callback runs on the audio thread in production, so it must return
	// immediately regardless of socket state.
	delivered := make(chan struct{})
	go func() {
		for range frameBacklog + 8 {
			h.sess.HandleFrame([]byte{0x01, 0x02})
		}
		close(delivered)
	}()

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("HandleFrame blocked while the channel send was stalled")
	}

	close(blk)
	waitFor(t, time.Second, func() bool {
		return h.channel.audioCount() >= frameBacklog
	}, "queued frames never drained after the channel recovered")

	// Everything beyond the queue capacity (plus the one frame already in
	// flight) must have been dropped, not delivered late.
	time.Sleep(20 * time.Millisecond)
	if got := h.channel.audioCount(); got > frameBacklog+1 {
		t.Errorf("sent %d frames, want at most %d (overflow must drop)", got, frameBacklog+1)
	}
}

func TestChannelClosed_RunReturnsAndTearsDown(t *testing.T) {
	h := startSession(t)

	wantErr := errors.New("remote hung up")
	h.channel.mu.Lock()
	h.channel.err = wantErr
	h.channel.mu.Unlock()
	close(h.channel.events)

	select {
	case err := <-h.runErr:
		if !errors.Is(err, wantErr) {
			t.Errorf("Run returned %v, want %v", err, wantErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after channel close")
	}

	h.capture.mu.Lock()
	stops := h.capture.stopCalls
	h.capture.mu.Unlock()
	if stops != 1 {
		t.Errorf("capture stops = %d, want 1", stops)
	}
	h.player.mu.Lock()
	closed := h.player.closed
	h.player.mu.Unlock()
	if !closed {
		t.Error("playback not closed on teardown")
	}
}

func TestClose_Idempotent(t *testing.T) {
	h := startSession(t)

	if err := h.sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case err := <-h.runErr:
		if err != nil {
			t.Errorf("Run returned %v after local Close, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

// TestConversationFlow walks a whole turn: greeting metadata, auto-listen,
// user speech, agent reply with audio, silence timeout, microphone resume.
func TestConversationFlow(t *testing.T) {
	h := startSession(t)

	h.channel.events <- convai.ConversationMetadata{ConversationID: "conv_1"}
	waitFor(t, time.Second, func() bool { return h.sess.ConversationID() == "conv_1" }, "no metadata")

	waitFor(t, time.Second, func() bool { return h.sess.State() == StateListening }, "never listening")

	h.channel.events <- convai.UserTranscript{Text: "I need an appointment"}
	waitFor(t, time.Second, func() bool { return h.sess.State() == StateProcessing }, "never processing")

	h.channel.events <- convai.TentativeAgentResponse{}
	h.channel.events <- convai.AudioChunk{Base64: "AAD//w=="}
	h.channel.events <- convai.AudioChunk{Base64: "//8AAA=="}
	h.channel.events <- convai.AgentResponse{Text: "Of course, when suits you?"}

	waitFor(t, time.Second, func() bool {
		return h.player.QueueDepth() >= 2 || h.sess.Transcript().Len() == 2
	}, "agent turn never delivered")

	// Playback drains, silence timeout passes, microphone comes back.
	waitFor(t, 2*time.Second, func() bool { return h.sess.State() == StateListening }, "turn never returned to user")

	entries := h.sess.Transcript().Entries()
	if len(entries) != 2 {
		t.Fatalf("transcript length = %d, want 2", len(entries))
	}
	if entries[0].Speaker != transcript.SpeakerUser || entries[1].Speaker != transcript.SpeakerAgent {
		t.Errorf("transcript order = %q, %q", entries[0].Speaker, entries[1].Speaker)
	}
}
