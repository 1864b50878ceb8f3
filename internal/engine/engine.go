// Package engine is the session state machine of the voice client.
//
// An [Engine] ties the transport, the capture pipeline, the playback
// scheduler, the transcript assembler, and the tool orchestrator into one
// lifecycle: Connect acquires the audio devices and dials the live session,
// Disconnect (and every failure path) converges on a single idempotent
// teardown that releases everything exactly once. All collaborator callbacks
// funnel through the engine, so UI code only ever sees the [Events] surface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/tools"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/live"
	"github.com/MrWong99/parley/pkg/transcript"
)

var (
	// ErrMissingCredentials is returned by Connect when no API key is
	// configured. The engine stays disconnected.
	ErrMissingCredentials = errors.New("engine: missing API credentials")

	// ErrNoSession is returned by operations that need a connected session.
	ErrNoSession = errors.New("engine: no active session")

	// ErrAlreadyConnected is returned by Connect while a session is live or
	// being established.
	ErrAlreadyConnected = errors.New("engine: already connected")
)

// defaultQueueDepth bounds the capture→transport frame queue. At 20 ms per
// frame this is roughly 640 ms of audio; when the transport falls further
// behind, the oldest frames are dropped.
const defaultQueueDepth = 32

// modelSampleRate is the rate of PCM produced by the live model.
const modelSampleRate = 24000

// Session is the slice of the live transport the engine drives. *live.Session
// satisfies it.
type Session interface {
	SendAudioFrame(pcm []byte) error
	SendTextTurn(text string) error
	SendToolResponse(resp live.ToolResponse) error
	Close() error
}

// DialFunc opens a live session. Swappable in tests.
type DialFunc func(ctx context.Context, cfg live.Config, handler live.Handler) (Session, error)

// Devices is one acquired set of audio endpoints. Close releases both and is
// idempotent.
type Devices interface {
	Stream() capture.Stream
	Player() playback.Player
	Clock() playback.Clock
	Close() error
}

// DeviceOpener acquires the audio devices for one session.
type DeviceOpener interface {
	Open(ctx context.Context) (Devices, error)
}

// ToolExecutor runs a tool call batch. *tools.Orchestrator satisfies it.
type ToolExecutor interface {
	Execute(ctx context.Context, calls []live.FunctionCall) live.ToolResponse
}

// Events are the engine's outward-facing callbacks. Nil fields are skipped.
// Callbacks are invoked from engine-internal goroutines and must not call
// back into the engine synchronously except for SendTextTurn and Disconnect.
type Events struct {
	// OnStateChanged reports every lifecycle transition. err is non-nil only
	// when the new state is StateError.
	OnStateChanged func(state ConnectionState, err error)

	// OnLoudness reports the microphone level of every captured frame,
	// scaled to a nominal 0..1 range.
	OnLoudness func(level float64)

	// OnTranscriptDelta streams partial transcription text as it arrives.
	OnTranscriptDelta func(role transcript.Role, delta string)

	// OnTurnTranscribed delivers the finalized entries of a completed turn,
	// user entry before model entry.
	//
	// Citation events are not part of this surface: the tool orchestrator
	// reports sources through its own callback at construction time.
	OnTurnTranscribed func(entries []transcript.Entry)
}

// Config holds the session parameters the engine passes to the transport.
type Config struct {
	APIKey       string
	Model        string
	Voice        string
	SystemPrompt string

	// QueueDepth overrides the capture→transport queue bound. Zero means
	// the default of 32 frames.
	QueueDepth int

	// Capture tunes the microphone pipeline. Zero fields use the capture
	// package defaults.
	Capture capture.Config
}

// conn bundles everything belonging to one session generation so teardown
// can release it as a unit regardless of which path triggers it.
type conn struct {
	gen      uint64
	sess     Session
	devices  Devices
	pipeline *capture.Pipeline
	sched    *playback.Scheduler
	clock    playback.Clock
	asm      *transcript.Assembler
	sendQ    chan []byte
	done     chan struct{}
	// ready is closed when Connect has finished populating the conn. The
	// transport close callback waits on it so a session that dies during the
	// handshake cannot tear down a half-built conn.
	ready chan struct{}
	// established marks that this generation reached StateConnected, for the
	// active-session gauge.
	established bool
	wg          sync.WaitGroup
	closing     sync.Once
}

// Engine is the session state machine. Safe for concurrent use.
type Engine struct {
	cfg     Config
	opener  DeviceOpener
	tools   ToolExecutor
	events  Events
	dial    DialFunc
	metrics *observe.Metrics

	mu      sync.Mutex
	state   ConnectionState
	conn    *conn
	nextGen uint64
}

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithDialer replaces the transport dialer, mainly for tests.
func WithDialer(dial DialFunc) Option {
	return func(e *Engine) {
		e.dial = dial
	}
}

// New creates an Engine in the disconnected state. opener and executor must
// not be nil.
func New(cfg Config, opener DeviceOpener, executor ToolExecutor, events Events, opts ...Option) (*Engine, error) {
	if opener == nil {
		return nil, fmt.Errorf("engine: device opener must not be nil")
	}
	if executor == nil {
		return nil, fmt.Errorf("engine: tool executor must not be nil")
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	e := &Engine{
		cfg:     cfg,
		opener:  opener,
		tools:   executor,
		events:  events,
		state:   StateDisconnected,
		metrics: observe.DefaultMetrics(),
	}
	e.dial = func(ctx context.Context, lc live.Config, h live.Handler) (Session, error) {
		return live.Dial(ctx, lc, h)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// State returns the current lifecycle phase.
func (e *Engine) State() ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// setState records the transition and emits it outside the lock.
func (e *Engine) setState(s ConnectionState, err error) {
	e.mu.Lock()
	if e.state == s {
		e.mu.Unlock()
		return
	}
	e.state = s
	e.mu.Unlock()

	slog.Info("engine: state changed", "state", s, "err", err)
	if e.events.OnStateChanged != nil {
		e.events.OnStateChanged(s, err)
	}
}

// Connect acquires the audio devices, dials the live session, and starts the
// capture pipeline. On any failure the engine lands in StateError with all
// partially acquired resources released; a missing API key is the exception
// and leaves the engine disconnected.
func (e *Engine) Connect(ctx context.Context) error {
	if e.cfg.APIKey == "" {
		return ErrMissingCredentials
	}

	e.mu.Lock()
	if e.conn != nil {
		e.mu.Unlock()
		return ErrAlreadyConnected
	}
	e.nextGen++
	c := &conn{
		gen:   e.nextGen,
		asm:   transcript.New(),
		sendQ: make(chan []byte, e.cfg.QueueDepth),
		done:  make(chan struct{}),
		ready: make(chan struct{}),
	}
	e.conn = c
	e.mu.Unlock()
	defer close(c.ready)

	e.setState(StateConnecting, nil)

	devices, err := e.opener.Open(ctx)
	if err != nil {
		wrapped := fmt.Errorf("engine: acquire devices: %w", err)
		e.teardown(c, StateError, wrapped)
		return wrapped
	}
	c.devices = devices
	c.clock = devices.Clock()
	c.sched = playback.New(devices.Player())

	sess, err := e.dial(ctx, live.Config{
		APIKey:       e.cfg.APIKey,
		Model:        e.cfg.Model,
		Voice:        e.cfg.Voice,
		SystemPrompt: e.cfg.SystemPrompt,
		Tools:        tools.Declarations(),
	}, e.handlerFor(c))
	if err != nil {
		wrapped := fmt.Errorf("engine: dial: %w", err)
		e.teardown(c, StateError, wrapped)
		return wrapped
	}
	c.sess = sess

	c.pipeline = capture.New(e.cfg.Capture, e.events.OnLoudness, func(payload []byte) {
		if n := enqueueDropOldest(c.sendQ, payload); n > 0 {
			e.metrics.FramesDropped.Add(context.Background(), int64(n))
		}
	})
	if err := c.pipeline.Start(devices.Stream()); err != nil {
		wrapped := fmt.Errorf("engine: start capture: %w", err)
		e.teardown(c, StateError, wrapped)
		return wrapped
	}

	c.wg.Add(1)
	go e.sendLoop(c)

	c.established = true
	e.metrics.ActiveSessions.Add(ctx, 1)
	e.setState(StateConnected, nil)
	return nil
}

// enqueueDropOldest offers payload to q, evicting the oldest queued frame
// when full. Dropping old audio keeps the stream as close to real time as
// the transport allows. Returns the number of frames evicted.
func enqueueDropOldest(q chan []byte, payload []byte) int {
	dropped := 0
	for {
		select {
		case q <- payload:
			return dropped
		default:
		}
		select {
		case <-q:
			dropped++
		default:
		}
	}
}

// sendLoop drains the frame queue into the transport.
func (e *Engine) sendLoop(c *conn) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.sendQ:
			if err := c.sess.SendAudioFrame(payload); err != nil {
				if !errors.Is(err, live.ErrSessionClosed) {
					slog.Warn("engine: sending audio frame", "err", err)
				}
				return
			}
			e.metrics.FramesSent.Add(context.Background(), 1)
		}
	}
}

// handlerFor builds the transport callback set for one session generation.
func (e *Engine) handlerFor(c *conn) live.Handler {
	return live.Handler{
		OnAudio: func(pcm []byte) {
			samples := audio.Decode(pcm)
			if len(samples) == 0 {
				return
			}
			c.sched.Enqueue(audio.Frame{Samples: samples, SampleRate: modelSampleRate}, c.clock.Now())
			e.metrics.FramesReceived.Add(context.Background(), 1)
		},
		OnInterrupted: func() {
			c.sched.Flush(c.clock.Now())
			c.asm.Interrupt()
			e.metrics.Interruptions.Add(context.Background(), 1)
		},
		OnTranscript: func(role transcript.Role, delta string) {
			switch role {
			case transcript.RoleUser:
				c.asm.AppendUser(delta)
			case transcript.RoleModel:
				c.asm.AppendModel(delta)
			}
			if e.events.OnTranscriptDelta != nil {
				e.events.OnTranscriptDelta(role, delta)
			}
		},
		OnTurnComplete: func() {
			entries := c.asm.CompleteTurn()
			e.metrics.Turns.Add(context.Background(), 1)
			if len(entries) > 0 && e.events.OnTurnTranscribed != nil {
				e.events.OnTurnTranscribed(entries)
			}
		},
		OnToolCall: func(calls []live.FunctionCall) {
			// Tool execution can take seconds; never block the receive loop.
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				e.runToolBatch(c, calls)
			}()
		},
		OnClose: func(err error) {
			<-c.ready
			if err != nil {
				e.teardown(c, StateError, fmt.Errorf("engine: session lost: %w", err))
				return
			}
			e.teardown(c, StateDisconnected, nil)
		},
	}
}

// runToolBatch executes the batch and sends the response, unless this
// session generation was torn down while the tools ran.
func (e *Engine) runToolBatch(c *conn, calls []live.FunctionCall) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	resp := e.tools.Execute(ctx, calls)

	stale := false
	select {
	case <-c.done:
		stale = true
	default:
	}
	e.mu.Lock()
	stale = stale || e.conn == nil || e.conn.gen != c.gen
	e.mu.Unlock()
	if stale {
		slog.Debug("engine: discarding tool response for ended session")
		return
	}

	if err := c.sess.SendToolResponse(resp); err != nil && !errors.Is(err, live.ErrSessionClosed) {
		slog.Warn("engine: sending tool response", "err", err)
	}
}

// SendTextTurn injects a typed user turn into the live session.
func (e *Engine) SendTextTurn(text string) error {
	e.mu.Lock()
	c := e.conn
	connected := e.state == StateConnected
	e.mu.Unlock()

	if c == nil || !connected || c.sess == nil {
		return ErrNoSession
	}
	if err := c.sess.SendTextTurn(text); err != nil {
		return fmt.Errorf("engine: send text turn: %w", err)
	}
	return nil
}

// Disconnect tears the session down and returns once everything is released.
// Safe to call in any state.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	c := e.conn
	e.mu.Unlock()
	if c == nil {
		return
	}
	e.teardown(c, StateDisconnected, nil)
}

// teardown releases every resource of one session generation exactly once
// and moves the engine to final. All exit paths (Disconnect, remote close,
// transport error, Connect failure) converge here.
func (e *Engine) teardown(c *conn, final ConnectionState, cause error) {
	c.closing.Do(func() {
		close(c.done)

		if c.pipeline != nil {
			c.pipeline.Stop()
		}
		if c.sess != nil {
			if err := c.sess.Close(); err != nil {
				slog.Warn("engine: closing session", "err", err)
			}
		}
		if c.sched != nil {
			c.sched.Flush(c.clock.Now())
		}

		c.wg.Wait()

		if c.devices != nil {
			if err := c.devices.Close(); err != nil {
				slog.Warn("engine: releasing devices", "err", err)
			}
		}

		e.mu.Lock()
		if e.conn == c {
			e.conn = nil
		}
		e.mu.Unlock()

		if c.established {
			e.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		e.setState(final, cause)
	})
}
