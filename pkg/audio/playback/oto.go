package playback

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/confido-labs/confido/pkg/audio"
)

// completionPollInterval is how often the oto sink checks whether the
// current player has drained. oto exposes a pull model rather than a
// completion callback, so "finished" is detected by polling IsPlaying.
const completionPollInterval = 10 * time.Millisecond

// OtoSink is the production [Sink] backed by oto. One shared oto context is
// created lazily on first play; per-buffer players are created and closed
// around each Play call so buffers never overlap.
type OtoSink struct {
	sampleRate int

	mu     sync.Mutex
	otoCtx *oto.Context
}

// NewOtoSink creates a speaker sink producing signed 16-bit LE mono output
// at the given sample rate.
func NewOtoSink(sampleRate int) *OtoSink {
	return &OtoSink{sampleRate: sampleRate}
}

// Play implements [Sink]. It quantizes the buffer, plays it through a
// dedicated oto player and blocks until the player drains or ctx is
// cancelled.
func (s *OtoSink) Play(ctx context.Context, samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	otoCtx, err := s.context()
	if err != nil {
		return err
	}

	pcm := audio.QuantizePCM16(samples)
	player := otoCtx.NewPlayer(bytes.NewReader(pcm))
	defer player.Close()
	player.Play()

	ticker := time.NewTicker(completionPollInterval)
	defer ticker.Stop()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close implements [Sink]. The oto context itself cannot be torn down, but
// an idle context holds no buffers, so there is nothing further to release.
func (s *OtoSink) Close() error { return nil }

func (s *OtoSink) context() (*oto.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.otoCtx != nil {
		return s.otoCtx, nil
	}
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   s.sampleRate,
		ChannelCount: audio.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("playback: init speaker: %w", err)
	}
	<-ready
	s.otoCtx = otoCtx
	return s.otoCtx, nil
}
