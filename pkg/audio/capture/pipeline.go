// Package capture owns the microphone stream and turns it into fixed-size
// encoded frames ready for transmission.
//
// The [Pipeline] reads normalized float samples from a [Stream], slices them
// into frames of a constant size, reports a per-frame loudness estimate, and
// hands each encoded frame to an injected sink. Frame production and
// transmission are deliberately decoupled: the sink is expected to enqueue,
// never to block on network I/O.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

const (
	// DefaultFrameSize is 20 ms of audio at the capture rate.
	DefaultFrameSize = 320

	// DefaultSampleRate is the capture rate expected by the transport.
	DefaultSampleRate = 16000

	// DefaultLoudnessGain scales the raw RMS so normal speech lands in a
	// useful 0..1 range for level meters.
	DefaultLoudnessGain = 4.0
)

// Stream is an open microphone stream delivering normalized float32 samples
// in [-1, 1]. Read blocks until at least one sample is available and returns
// an error once the stream is closed or the device is lost.
type Stream interface {
	Read(p []float32) (int, error)
	Close() error
}

// Config tunes a Pipeline. Zero fields fall back to the package defaults.
type Config struct {
	// FrameSize is the number of samples per outbound frame. Constant for
	// the lifetime of the pipeline.
	FrameSize int

	// SampleRate is the capture rate in Hz.
	SampleRate int

	// LoudnessGain multiplies the per-frame RMS before it is reported.
	LoudnessGain float64
}

func (c *Config) applyDefaults() {
	if c.FrameSize <= 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.LoudnessGain <= 0 {
		c.LoudnessGain = DefaultLoudnessGain
	}
}

// Pipeline slices a microphone stream into encoded frames. A Pipeline is
// single-use: Start may be called once; after Stop it cannot be restarted.
// All methods are safe for concurrent use.
type Pipeline struct {
	cfg        Config
	onLoudness func(float64)
	sink       func(payload []byte)

	mu      sync.Mutex
	stream  Stream
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// New creates a Pipeline. onLoudness receives the scaled RMS of every frame
// and may be nil. sink receives each frame encoded as little-endian s16
// bytes; it must not block.
func New(cfg Config, onLoudness func(float64), sink func(payload []byte)) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		cfg:        cfg,
		onLoudness: onLoudness,
		sink:       sink,
		done:       make(chan struct{}),
	}
}

// Start takes ownership of stream and begins producing frames on a
// background goroutine. Returns an error if the pipeline already ran.
func (p *Pipeline) Start(stream Stream) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started || p.stopped {
		return errors.New("capture: pipeline already used")
	}
	if stream == nil {
		return errors.New("capture: nil stream")
	}
	p.started = true
	p.stream = stream

	p.wg.Add(1)
	go p.run(stream)
	return nil
}

// Stop releases the underlying stream and waits for the frame loop to exit.
// Idempotent and safe to call when Start was never called.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	stream := p.stream
	close(p.done)
	p.mu.Unlock()

	if stream != nil {
		// Closing the stream unblocks any pending Read.
		if err := stream.Close(); err != nil {
			slog.Warn("capture: closing stream", "err", err)
		}
	}
	p.wg.Wait()
}

// run is the frame loop. It exits when the stream errors (including the
// close triggered by Stop).
func (p *Pipeline) run(stream Stream) {
	defer p.wg.Done()

	frame := make([]float32, p.cfg.FrameSize)
	filled := 0

	for {
		select {
		case <-p.done:
			return
		default:
		}

		n, err := stream.Read(frame[filled:])
		filled += n
		if filled == len(frame) {
			p.emit(frame)
			filled = 0
		}
		if err != nil {
			select {
			case <-p.done:
				// Expected: Stop closed the stream.
			default:
				slog.Warn("capture: stream read failed, stopping frame loop", "err", err)
			}
			return
		}
	}
}

// emit reports loudness and forwards the encoded frame.
func (p *Pipeline) emit(frame []float32) {
	if p.onLoudness != nil {
		p.onLoudness(rms(frame) * p.cfg.LoudnessGain)
	}
	p.sink(audio.Encode(audio.FloatToInt16(frame)))
}

// rms computes the root-mean-square amplitude of a frame.
func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// String describes the pipeline configuration, mainly for startup logs.
func (p *Pipeline) String() string {
	return fmt.Sprintf("capture(%dHz, %d samples/frame)", p.cfg.SampleRate, p.cfg.FrameSize)
}
