// Package device binds the audio pipeline to real hardware: a malgo
// (miniaudio) microphone as the capture stream and an oto output context as
// the playback device and clock.
//
// [Open] acquires both endpoints for one session and returns a [Devices]
// handle; closing it releases the microphone. The speaker context is shared
// process-wide because the underlying audio backend can only be initialised
// once per process.
package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/playback"
)

const (
	// DefaultCaptureRate is the microphone sample rate in Hz.
	DefaultCaptureRate = 16000

	// DefaultPlaybackRate is the speaker sample rate in Hz, matching the
	// model's output audio.
	DefaultPlaybackRate = 24000

	// maxBufferedSamples bounds the capture buffer. At 16 kHz this is one
	// second of audio; older samples are dropped when the reader lags.
	maxBufferedSamples = 16000
)

// Config selects the sample rates for one device set. Zero fields fall back
// to the package defaults.
type Config struct {
	CaptureRate  int
	PlaybackRate int
}

func (c *Config) applyDefaults() {
	if c.CaptureRate <= 0 {
		c.CaptureRate = DefaultCaptureRate
	}
	if c.PlaybackRate <= 0 {
		c.PlaybackRate = DefaultPlaybackRate
	}
}

// Devices is one acquired pair of audio endpoints.
type Devices struct {
	mic      *micStream
	spk      *speaker
	closeErr error
	once     sync.Once
}

// Stream returns the microphone stream.
func (d *Devices) Stream() capture.Stream { return d.mic }

// Player returns the speaker.
func (d *Devices) Player() playback.Player { return d.spk }

// Clock returns the output device clock.
func (d *Devices) Clock() playback.Clock { return d.spk.clock }

// Close stops the microphone and releases its backend context. Idempotent.
// The speaker context stays alive for the lifetime of the process.
func (d *Devices) Close() error {
	d.once.Do(func() {
		d.closeErr = d.mic.Close()
	})
	return d.closeErr
}

// Opener acquires a device set per call. It satisfies the engine's device
// opener contract through a thin adapter at the wiring site.
type Opener struct {
	Config Config
}

// Open acquires the microphone and speaker described by o.Config.
func (o *Opener) Open(ctx context.Context) (*Devices, error) {
	return Open(ctx, o.Config)
}

// Open initialises the speaker context (first call only), then claims the
// default microphone and starts capturing.
func Open(ctx context.Context, cfg Config) (*Devices, error) {
	cfg.applyDefaults()

	spk, err := openSpeaker(ctx, cfg.PlaybackRate)
	if err != nil {
		return nil, fmt.Errorf("device: open speaker: %w", err)
	}

	mic, err := openMic(cfg.CaptureRate)
	if err != nil {
		return nil, fmt.Errorf("device: open microphone: %w", err)
	}

	slog.Debug("audio devices acquired",
		slog.Int("capture_rate", cfg.CaptureRate),
		slog.Int("playback_rate", cfg.PlaybackRate))
	return &Devices{mic: mic, spk: spk}, nil
}

// micStream is a capture.Stream backed by a malgo capture device. The device
// callback appends samples to a bounded buffer; Read drains it.
type micStream struct {
	ctx *malgo.AllocatedContext
	dev *malgo.Device

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []float32
	closed bool
}

func openMic(sampleRate int) (*micStream, error) {
	s := &micStream{}
	s.cond = sync.NewCond(&s.mu)

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio", slog.String("message", message))
	})
	if err != nil {
		return nil, fmt.Errorf("init context: %w", err)
	}
	s.ctx = mctx

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = 1
	devCfg.SampleRate = uint32(sampleRate)
	devCfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(mctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			s.push(decodeF32(input, int(frameCount)))
		},
	})
	if err != nil {
		s.freeContext()
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	s.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		s.freeContext()
		return nil, fmt.Errorf("start capture device: %w", err)
	}
	return s, nil
}

// push appends samples from the device callback, dropping the oldest buffered
// audio when the reader has fallen more than a second behind.
func (s *micStream) push(samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buf = append(s.buf, samples...)
	if excess := len(s.buf) - maxBufferedSamples; excess > 0 {
		s.buf = append(s.buf[:0], s.buf[excess:]...)
	}
	s.cond.Signal()
}

// Read blocks until at least one sample is buffered or the stream is closed.
func (s *micStream) Read(p []float32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.buf) == 0 {
		return 0, fmt.Errorf("device: microphone closed")
	}
	n := copy(p, s.buf)
	s.buf = append(s.buf[:0], s.buf[n:]...)
	return n, nil
}

// Close stops the capture device and unblocks any pending Read.
func (s *micStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.dev != nil {
		s.dev.Uninit()
	}
	s.freeContext()
	return nil
}

func (s *micStream) freeContext() {
	if s.ctx == nil {
		return
	}
	if err := s.ctx.Uninit(); err != nil {
		slog.Warn("uninit audio context", slog.String("error", err.Error()))
	}
	s.ctx.Free()
	s.ctx = nil
}

// decodeF32 parses the device callback's little-endian float32 sample bytes.
func decodeF32(data []byte, frameCount int) []float32 {
	n := min(frameCount, len(data)/4)
	out := make([]float32, n)
	for i := range n {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
