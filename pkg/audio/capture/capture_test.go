package capture

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/confido-labs/confido/pkg/audio"
)

// fakeDevice is an in-memory Device. Tests drive it by calling the captured
// onData callback directly, standing in for the audio thread.
type fakeDevice struct {
	mu         sync.Mutex
	onData     func([]float32)
	openErr    error
	openCalls  int
	closeCalls int
}

func (d *fakeDevice) Open(onData func([]float32)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openCalls++
	if d.openErr != nil {
		return d.openErr
	}
	d.onData = onData
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeCalls++
	return nil
}

func (d *fakeDevice) feed(samples []float32) {
	d.mu.Lock()
	cb := d.onData
	d.mu.Unlock()
	if cb != nil {
		cb(samples)
	}
}

func newTestUnit(t *testing.T, dev Device, frameSamples int) (*Unit, *[]audio.Frame) {
	t.Helper()
	var frames []audio.Frame
	u, err := New(Config{
		FrameSamples: frameSamples,
		Device:       dev,
		OnFrame:      func(f audio.Frame) { frames = append(frames, f) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return u, &frames
}

func TestNew_RequiresOnFrame(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error when OnFrame is nil")
	}
}

func TestStart_EmitsFixedSizeFrames(t *testing.T) {
	dev := &fakeDevice{}
	u, frames := newTestUnit(t, dev, 4)
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer u.Stop()

	// 10 samples at frame size 4 -> two full frames, two samples pending.
	dev.feed([]float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0})

	if len(*frames) != 2 {
		t.Fatalf("emitted %d frames; want 2", len(*frames))
	}
	for i, f := range *frames {
		if f.Samples() != 4 {
			t.Errorf("frame %d has %d samples; want 4", i, f.Samples())
		}
		if f.SampleRate != audio.SampleRate {
			t.Errorf("frame %d sample rate = %d; want %d", i, f.SampleRate, audio.SampleRate)
		}
	}
}

func TestStart_AccumulatesAcrossCallbacks(t *testing.T) {
	dev := &fakeDevice{}
	u, frames := newTestUnit(t, dev, 8)
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer u.Stop()

	dev.feed(make([]float32, 5))
	if len(*frames) != 0 {
		t.Fatalf("partial buffer emitted a frame")
	}
	dev.feed(make([]float32, 5))
	if len(*frames) != 1 {
		t.Fatalf("emitted %d frames after 10 samples; want 1", len(*frames))
	}
}

func TestPause_SuppressesEmission(t *testing.T) {
	dev := &fakeDevice{}
	u, frames := newTestUnit(t, dev, 4)
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer u.Stop()

	u.Pause()
	if u.Active() {
		t.Error("Active() = true after Pause")
	}
	dev.feed(make([]float32, 16))
	if len(*frames) != 0 {
		t.Errorf("emitted %d frames while paused; want 0", len(*frames))
	}
}

func TestPause_DiscardsPendingSamples(t *testing.T) {
	dev := &fakeDevice{}
	u, frames := newTestUnit(t, dev, 8)
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer u.Stop()

	// Half a frame, then pause, then resume. The stale half-frame must not
	// leak into the first frame after resume.
	dev.feed(make([]float32, 4))
	u.Pause()
	dev.feed(make([]float32, 4))

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	dev.feed(make([]float32, 7))
	if len(*frames) != 0 {
		t.Fatalf("stale pre-pause samples were kept")
	}
	dev.feed(make([]float32, 1))
	if len(*frames) != 1 {
		t.Fatalf("emitted %d frames; want 1", len(*frames))
	}
}

func TestStart_ResumeDoesNotReopenDevice(t *testing.T) {
	dev := &fakeDevice{}
	u, _ := newTestUnit(t, dev, 4)
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	u.Pause()
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	defer u.Stop()

	if dev.openCalls != 1 {
		t.Errorf("device opened %d times; want 1", dev.openCalls)
	}
	if !u.Active() {
		t.Error("Active() = false after resume")
	}
}

func TestStop_Idempotent(t *testing.T) {
	dev := &fakeDevice{}
	u, _ := newTestUnit(t, dev, 4)
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := u.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := u.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if dev.closeCalls != 1 {
		t.Errorf("device closed %d times; want 1", dev.closeCalls)
	}
}

func TestStart_AfterStopFails(t *testing.T) {
	dev := &fakeDevice{}
	u, _ := newTestUnit(t, dev, 4)
	if err := u.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := u.Start(context.Background()); err == nil {
		t.Error("expected error starting a stopped unit")
	}
}

func TestStart_OpenErrorIsRecoverable(t *testing.T) {
	dev := &fakeDevice{openErr: errors.New("access denied by user")}
	u, _ := newTestUnit(t, dev, 4)

	err := u.Start(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Start error = %v; want ErrPermissionDenied", err)
	}
	if u.Active() {
		t.Error("unit active after failed Start")
	}

	// A retry after the user grants access must succeed.
	dev.mu.Lock()
	dev.openErr = nil
	dev.mu.Unlock()
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("retry Start: %v", err)
	}
	defer u.Stop()
	if dev.openCalls != 2 {
		t.Errorf("device opened %d times; want 2", dev.openCalls)
	}
	if !u.Active() {
		t.Error("unit not active after retry")
	}
}

func TestDeviceRates_RequestedFirstNoDuplicates(t *testing.T) {
	got := deviceRates(16000, []int{48000, 44100})
	want := []int{16000, 48000, 44100}
	if len(got) != len(want) {
		t.Fatalf("rates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rates = %v, want %v", got, want)
		}
	}

	got = deviceRates(48000, []int{48000, 44100})
	if len(got) != 2 || got[0] != 48000 || got[1] != 44100 {
		t.Errorf("rates = %v, want [48000 44100]", got)
	}
}

func TestResampleCallback_DownsamplesToPipelineRate(t *testing.T) {
	var forwarded []float32
	cb := resampleCallback(func(samples []float32) {
		forwarded = append(forwarded, samples...)
	}, 48000, 16000)

	// One 48 kHz device callback of constant signal becomes a third as many
	// samples at the pipeline rate, same amplitude.
	in := make([]float32, 480)
	for i := range in {
		in[i] = 0.5
	}
	cb(in)

	if len(forwarded) != 160 {
		t.Fatalf("forwarded %d samples, want 160", len(forwarded))
	}
	for i, s := range forwarded {
		if s < 0.49 || s > 0.51 {
			t.Fatalf("sample %d = %v, want ~0.5", i, s)
		}
	}
}

func TestClassifyDeviceErr(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"permission", errors.New("miniaudio: access denied"), ErrPermissionDenied},
		{"no device", errors.New("miniaudio: no device found"), ErrDeviceUnavailable},
		{"no backend", errors.New("miniaudio: no backend available"), ErrDeviceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyDeviceErr(tt.in); !errors.Is(got, tt.want) {
				t.Errorf("classifyDeviceErr(%v) = %v; want wrapping %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestClassifyDeviceErr_Unknown(t *testing.T) {
	in := errors.New("something else")
	got := classifyDeviceErr(in)
	if errors.Is(got, ErrPermissionDenied) || errors.Is(got, ErrDeviceUnavailable) {
		t.Errorf("unknown error misclassified: %v", got)
	}
	if !errors.Is(got, in) {
		t.Errorf("unknown error should wrap the cause, got %v", got)
	}
}
