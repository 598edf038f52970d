// Package playback implements the agent-audio playback scheduler.
//
// Incoming base64 PCM16 payloads are decoded into normalized float buffers
// and appended to an ordered queue. A single consumer goroutine is the only
// code path that dequeues: it plays buffers strictly one at a time, waiting
// for the sink to report completion before starting the next, which makes
// playback gapless, non-overlapping and FIFO. The loop terminates when the
// queue drains and is restarted by the next Enqueue.
//
// Muting is a gain scalar applied to each buffer as it is dequeued. It
// affects future buffers only, never one already handed to the sink; muted
// buffers are still played (as silence) so that timing heuristics built on
// playback progress keep working.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/confido-labs/confido/pkg/audio"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("playback: scheduler closed")

// Sink plays one buffer of normalized float samples and blocks until the
// playback primitive reports completion. The production implementation is
// oto-backed (see [NewOtoSink]); tests inject a recording fake.
type Sink interface {
	Play(ctx context.Context, samples []float32) error
	Close() error
}

// Scheduler owns the ordered playback queue and its single consumer loop.
// Safe for concurrent use.
type Scheduler struct {
	sink Sink

	ctx    context.Context
	cancel context.CancelFunc

	onDepth func(delta int)

	mu      sync.Mutex
	queue   [][]float32
	running bool
	playing bool
	muted   bool
	closed  bool
	loopWG  sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithDepthObserver registers fn to be called with the signed change in
// queue depth whenever buffers are enqueued, dequeued or discarded. fn is
// invoked outside the scheduler lock and must be safe for concurrent use.
func WithDepthObserver(fn func(delta int)) Option {
	return func(s *Scheduler) { s.onDepth = fn }
}

// New creates a scheduler that plays through sink.
func New(sink Sink, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{sink: sink, ctx: ctx, cancel: cancel}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) observeDepth(delta int) {
	if s.onDepth != nil && delta != 0 {
		s.onDepth(delta)
	}
}

// Enqueue decodes a base64 PCM16 payload and appends it to the playback
// queue, starting the consumer loop if it is not already running.
//
// A malformed payload is logged and dropped — the error is returned for
// accounting, but the queue and the consumer loop are unaffected and later
// payloads play normally.
func (s *Scheduler) Enqueue(payload string) error {
	pcm, err := audio.DecodePCMBase64(payload)
	if err != nil {
		slog.Warn("playback: dropping undecodable audio chunk", "err", err)
		return fmt.Errorf("playback: %w", err)
	}
	samples := audio.DequantizePCM16(pcm)
	if len(samples) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.queue = append(s.queue, samples)
	if !s.running {
		s.running = true
		s.loopWG.Add(1)
		go s.consume()
	}
	s.mu.Unlock()

	s.observeDepth(1)
	return nil
}

// Clear discards all queued buffers. The buffer currently at the sink, if
// any, finishes normally; the consumer loop is not disturbed.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	n := len(s.queue)
	s.queue = nil
	s.mu.Unlock()

	if n > 0 {
		slog.Debug("playback: queue cleared", "discarded", n)
		s.observeDepth(-n)
	}
}

// Idle reports whether the queue is empty and nothing is at the sink.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0 && !s.playing
}

// QueueDepth returns the number of buffers waiting to be played.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// SetMuted sets the output gain to 0 (muted) or 1. Takes effect on buffers
// dequeued after the call; an in-flight buffer keeps its gain.
func (s *Scheduler) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

// Muted reports the current gain setting.
func (s *Scheduler) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// Close stops the scheduler: pending buffers are discarded, an in-flight
// sink call is cancelled, and the sink is closed once the consumer loop has
// exited. Idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	discarded := len(s.queue)
	s.queue = nil
	s.mu.Unlock()

	s.observeDepth(-discarded)
	s.cancel()
	s.loopWG.Wait()
	return s.sink.Close()
}

// consume is the single consumer loop. It drains the queue one buffer at a
// time and exits when the queue is empty, leaving the scheduler restartable.
func (s *Scheduler) consume() {
	defer s.loopWG.Done()
	for {
		s.mu.Lock()
		if s.closed || len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		buf := s.queue[0]
		s.queue = s.queue[1:]
		s.playing = true
		muted := s.muted
		s.mu.Unlock()

		s.observeDepth(-1)

		if muted {
			// Gain 0: play silence of the same length to preserve timing.
			buf = make([]float32, len(buf))
		}

		err := s.sink.Play(s.ctx, buf)

		s.mu.Lock()
		s.playing = false
		s.mu.Unlock()

		if err != nil && s.ctx.Err() == nil {
			slog.Warn("playback: sink error, skipping buffer", "err", err)
		}
	}
}
