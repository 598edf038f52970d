// Package capture implements the microphone capture unit.
//
// A [Unit] owns one capture device for the lifetime of a conversation
// session. Start acquires the device and begins emitting fixed-size PCM16
// frames through the registered callback; Pause halts emission while keeping
// the device open for fast resume; Stop releases the device entirely.
//
// The device delivers samples on a real-time audio thread owned by the host
// audio subsystem. That thread never touches session state — it only reads
// the live flag and appends to the unit's accumulation buffer. The live flag
// is the single piece of shared mutable state and is read atomically at
// emission time, so pausing takes effect even against in-flight device
// callbacks.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confido-labs/confido/pkg/audio"
)

// ErrPermissionDenied indicates the user or operating system refused access
// to the capture device. Recoverable: the caller may prompt and retry.
var ErrPermissionDenied = errors.New("capture: microphone access denied")

// ErrDeviceUnavailable indicates no usable capture device exists.
var ErrDeviceUnavailable = errors.New("capture: no capture device available")

// Device abstracts the platform capture device so that the unit can be
// tested without audio hardware. The production implementation is
// malgo-backed (see [NewMalgoDevice]).
type Device interface {
	// Open acquires the device and begins invoking onData with normalized
	// float samples in [-1, 1] as they arrive. onData runs on the device's
	// audio thread and must not block. If Open returns an error the device
	// is left fully released; the caller may retry.
	Open(onData func(samples []float32)) error

	// Close stops the device and releases it. Safe to call more than once.
	Close() error
}

// Config configures a capture [Unit].
type Config struct {
	// SampleRate of emitted frames. Defaults to [audio.SampleRate].
	SampleRate int

	// FrameSamples is the fixed frame size in samples. Defaults to
	// [audio.FrameSamples].
	FrameSamples int

	// Device is the capture device to use. When nil, Start creates a
	// malgo-backed device at SampleRate.
	Device Device

	// OnFrame receives each emitted frame. Called on the device's audio
	// thread; implementations should hand the frame off quickly.
	OnFrame func(audio.Frame)
}

// Unit is the microphone capture unit. One per conversation session.
// Safe for concurrent use.
type Unit struct {
	sampleRate   int
	frameSamples int
	onFrame      func(audio.Frame)

	// live gates frame emission. Read atomically inside the device callback.
	live atomic.Bool

	mu      sync.Mutex
	dev     Device
	started time.Time
	stopped bool

	// pending accumulates samples until a full frame is available. Touched
	// only by the device callback thread.
	pending []float32
}

// New creates a capture unit. cfg.OnFrame must be non-nil.
func New(cfg Config) (*Unit, error) {
	if cfg.OnFrame == nil {
		return nil, errors.New("capture: OnFrame must not be nil")
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate
	}
	frameSamples := cfg.FrameSamples
	if frameSamples <= 0 {
		frameSamples = audio.FrameSamples
	}
	return &Unit{
		sampleRate:   sampleRate,
		frameSamples: frameSamples,
		onFrame:      cfg.OnFrame,
		dev:          cfg.Device,
	}, nil
}

// Start acquires the capture device (if not already open) and begins frame
// emission. If the device is already open — e.g. after [Unit.Pause] — Start
// simply re-arms emission, which is cheap and does not re-prompt for device
// access.
//
// Returns [ErrPermissionDenied] if access is refused and
// [ErrDeviceUnavailable] if no input device exists.
func (u *Unit) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.stopped {
		return errors.New("capture: unit stopped")
	}

	ownDevice := false
	if u.dev == nil {
		u.dev = NewMalgoDevice(u.sampleRate)
		ownDevice = true
	}

	if u.started.IsZero() {
		if err := u.dev.Open(u.push); err != nil {
			// A failed Open leaves the device released (Open's contract), so
			// the error exit path holds no resources. Drop an auto-created
			// device so a retry after a permission prompt starts fresh.
			if ownDevice {
				u.dev = nil
			}
			return classifyDeviceErr(err)
		}
		u.started = time.Now()
		slog.Info("capture started", "sample_rate", u.sampleRate, "frame_samples", u.frameSamples)
	}

	u.live.Store(true)
	return nil
}

// Pause halts frame emission but keeps the device open for fast resume.
// Idempotent and safe to call from any state.
func (u *Unit) Pause() {
	u.live.Store(false)
}

// Active reports whether the unit is currently emitting frames.
func (u *Unit) Active() bool { return u.live.Load() }

// Stop releases the device stream entirely. Idempotent: calling Stop on an
// already-stopped unit is a no-op returning nil.
func (u *Unit) Stop() error {
	u.live.Store(false)

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.stopped {
		return nil
	}
	u.stopped = true

	if u.dev == nil || u.started.IsZero() {
		return nil
	}
	if err := u.dev.Close(); err != nil {
		return fmt.Errorf("capture: close device: %w", err)
	}
	slog.Info("capture stopped")
	return nil
}

// push is the device data callback. It runs on the audio thread: no state
// machine work happens here, only flag reads and buffer appends.
func (u *Unit) push(samples []float32) {
	// Live flag is read at emission time, not snapshotted — a pause that
	// races an in-flight callback still suppresses the frame.
	if !u.live.Load() {
		u.pending = u.pending[:0]
		return
	}

	u.pending = append(u.pending, samples...)
	for len(u.pending) >= u.frameSamples {
		frame := audio.Frame{
			Data:       audio.QuantizePCM16(u.pending[:u.frameSamples]),
			SampleRate: u.sampleRate,
			Channels:   audio.Channels,
			CapturedAt: time.Since(u.started),
		}
		u.pending = u.pending[u.frameSamples:]

		// Re-check right before handing the frame off.
		if !u.live.Load() {
			u.pending = u.pending[:0]
			return
		}
		u.onFrame(frame)
	}
}
