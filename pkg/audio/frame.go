// Package audio defines the frame type and PCM sample utilities shared by the
// capture and playback pipelines.
//
// The wire format throughout Confido is 16-bit signed little-endian PCM, mono,
// 16 kHz. Frames are the atomic unit of audio transport — produced by the
// capture unit, serialized onto the duplex channel, and decoded into the
// playback queue.
package audio

import "time"

// Wire format constants. The ConvAI protocol exchanges pcm_16000 payloads in
// both directions; everything in this repository assumes them.
const (
	// SampleRate is the sample rate in Hz of all frames on the wire.
	SampleRate = 16000

	// Channels is the channel count of all frames on the wire (mono).
	Channels = 1

	// FrameSamples is the number of samples per captured frame. The capture
	// unit accumulates device callbacks until a full frame is available.
	FrameSamples = 4096
)

// Frame represents a single frame of audio data flowing through the pipeline.
type Frame struct {
	// Data is 16-bit signed little-endian PCM.
	Data []byte

	// SampleRate in Hz (16000 for the ConvAI wire format).
	SampleRate int

	// Channels: always 1 on the wire; kept explicit so conversion helpers
	// can validate their inputs.
	Channels int

	// CapturedAt marks when this frame was produced, relative to stream
	// start. Used only by timing heuristics, never for reordering — frames
	// arrive in order and carry no sequence numbers.
	CapturedAt time.Duration
}

// Samples returns the number of int16 samples in the frame. A trailing odd
// byte (corrupt input) is not counted.
func (f Frame) Samples() int { return len(f.Data) / 2 }

// Duration returns the playback duration of the frame at its sample rate.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	return time.Duration(f.Samples()/f.Channels) * time.Second / time.Duration(f.SampleRate)
}
