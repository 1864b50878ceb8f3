package device

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	oto "github.com/ebitengine/oto/v3"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/playback"
)

// The output backend allows exactly one context per process, so the oto
// context and its clock are initialised once and shared by every session.
var (
	otoOnce  sync.Once
	otoCtx   *oto.Context
	otoClock *deviceClock
	otoErr   error
)

// speaker plays PCM frames through the shared oto context. It implements
// playback.Player.
type speaker struct {
	ctx   *oto.Context
	clock *deviceClock
}

var _ playback.Player = (*speaker)(nil)

func openSpeaker(ctx context.Context, sampleRate int) (*speaker, error) {
	otoOnce.Do(func() {
		c, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			otoErr = err
			return
		}
		select {
		case <-ready:
		case <-ctx.Done():
			otoErr = ctx.Err()
			return
		}
		otoCtx = c
		otoClock = newDeviceClock()
	})
	if otoErr != nil {
		return nil, fmt.Errorf("init output context: %w", otoErr)
	}
	return &speaker{ctx: otoCtx, clock: otoClock}, nil
}

// Play schedules frame to begin at startAt on the device clock. The returned
// source can stop output early; stopping a finished source is a no-op.
func (s *speaker) Play(frame audio.Frame, startAt time.Duration, onDone func()) playback.Source {
	src := &otoSource{stop: make(chan struct{})}
	go src.run(s, frame, startAt, onDone)
	return src
}

// otoSource is one scheduled frame. run waits for the frame's slot, plays it,
// and reports completion unless stopped first.
type otoSource struct {
	stop     chan struct{}
	stopOnce sync.Once
}

func (o *otoSource) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
}

func (o *otoSource) run(s *speaker, frame audio.Frame, startAt time.Duration, onDone func()) {
	if delay := startAt - s.clock.Now(); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-o.stop:
			timer.Stop()
			return
		}
	}

	p := s.ctx.NewPlayer(bytes.NewReader(audio.Encode(frame.Samples)))
	p.Play()

	// Poll for completion; oto exposes no completion callback.
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			if err := p.Close(); err != nil {
				slog.Debug("close player", slog.String("error", err.Error()))
			}
			return
		case <-ticker.C:
			if !p.IsPlaying() {
				if err := p.Close(); err != nil {
					slog.Debug("close player", slog.String("error", err.Error()))
				}
				onDone()
				return
			}
		}
	}
}

// deviceClock reports elapsed time since the output context came up. The oto
// backend keeps its own pacing; a monotonic wall reading is close enough to
// the hardware position for scheduling purposes.
type deviceClock struct {
	start time.Time
}

var _ playback.Clock = (*deviceClock)(nil)

func newDeviceClock() *deviceClock {
	return &deviceClock{start: time.Now()}
}

func (c *deviceClock) Now() time.Duration {
	return time.Since(c.start)
}
