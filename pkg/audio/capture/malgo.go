package capture

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/confido-labs/confido/pkg/audio"
)

// MalgoDevice is the production [Device] backed by miniaudio via malgo.
// It opens the system default capture device in 32-bit float mono at the
// configured sample rate.
type MalgoDevice struct {
	sampleRate int

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	dev    *malgo.Device
	closed bool
}

// NewMalgoDevice creates an unopened malgo capture device.
func NewMalgoDevice(sampleRate int) *MalgoDevice {
	return &MalgoDevice{sampleRate: sampleRate}
}

// fallbackRates are tried in order when the device refuses the requested
// sample rate. Captured audio is then resampled back to the requested rate
// before it reaches the pipeline.
var fallbackRates = []int{48000, 44100}

// Open implements [Device]. The miniaudio data callback converts the raw
// little-endian float32 byte stream into samples and forwards them. When
// the device cannot open at the requested rate, Open retries at common
// hardware rates and resamples in the callback.
func (d *MalgoDevice) Open(onData func(samples []float32)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("capture: device already closed")
	}

	ctxCfg := malgo.ContextConfig{}
	ctxCfg.ThreadPriority = malgo.ThreadPriorityRealtime
	ctx, err := malgo.InitContext(nil, ctxCfg, nil)
	if err != nil {
		return fmt.Errorf("capture: init audio context: %w", err)
	}
	d.ctx = ctx

	var firstErr error
	for _, rate := range deviceRates(d.sampleRate, fallbackRates) {
		cb := onData
		if rate != d.sampleRate {
			cb = resampleCallback(onData, rate, d.sampleRate)
		}

		dev, err := d.initAt(rate, cb)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if rate != d.sampleRate {
			slog.Warn("capture device refused the pipeline rate, resampling",
				"requested", d.sampleRate, "device_rate", rate)
		}
		d.dev = dev
		return nil
	}

	_ = ctx.Uninit()
	ctx.Free()
	d.ctx = nil
	return firstErr
}

// initAt opens and starts the default capture device at the given rate.
func (d *MalgoDevice) initAt(rate int, onData func(samples []float32)) (*malgo.Device, error) {
	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = 1
	devCfg.SampleRate = uint32(rate)
	devCfg.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			onData(decodeF32LE(input))
		},
	}

	dev, err := malgo.InitDevice(d.ctx.Context, devCfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("capture: init device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("capture: start device: %w", err)
	}
	return dev, nil
}

// deviceRates returns the requested rate followed by the fallbacks, with
// duplicates removed.
func deviceRates(requested int, fallbacks []int) []int {
	rates := []int{requested}
	for _, r := range fallbacks {
		if r != requested {
			rates = append(rates, r)
		}
	}
	return rates
}

// resampleCallback adapts a callback expecting wantRate samples to a device
// delivering deviceRate samples. The float to PCM16 round trip loses
// nothing: the wire format is 16-bit anyway.
func resampleCallback(onData func(samples []float32), deviceRate, wantRate int) func(samples []float32) {
	return func(samples []float32) {
		pcm := audio.ResampleMono16(audio.QuantizePCM16(samples), deviceRate, wantRate)
		onData(audio.DequantizePCM16(pcm))
	}
}

// Close implements [Device]. Safe to call more than once.
func (d *MalgoDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	if d.dev != nil {
		_ = d.dev.Stop()
		d.dev.Uninit()
		d.dev = nil
	}
	if d.ctx != nil {
		_ = d.ctx.Uninit()
		d.ctx.Free()
		d.ctx = nil
	}
	return nil
}

// decodeF32LE reinterprets a little-endian float32 byte stream as samples.
func decodeF32LE(data []byte) []float32 {
	n := len(data) / 4
	out := make([]float32, n)
	for i := range n {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

// classifyDeviceErr maps a device open error onto the capture error
// taxonomy. miniaudio does not expose typed errors through malgo, so the
// classification is by message.
func classifyDeviceErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied") || strings.Contains(msg, "permission"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "no device") || strings.Contains(msg, "device type not supported") ||
		strings.Contains(msg, "no backend"):
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	default:
		return fmt.Errorf("capture: open device: %w", err)
	}
}
