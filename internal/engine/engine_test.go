package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/live"
	"github.com/MrWong99/parley/pkg/transcript"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

// fakeStream blocks on Read until closed, simulating a silent microphone.
type fakeStream struct {
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{closed: make(chan struct{})}
}

func (s *fakeStream) Read(p []float32) (int, error) {
	<-s.closed
	return 0, errors.New("stream closed")
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// fakeSource is a playback source that never finishes on its own.
type fakeSource struct{}

func (fakeSource) Stop() {}

// fakePlayer records scheduled frames.
type fakePlayer struct {
	mu    sync.Mutex
	plays []time.Duration
}

func (p *fakePlayer) Play(frame audio.Frame, startAt time.Duration, onDone func()) playback.Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plays = append(p.plays, startAt)
	return fakeSource{}
}

func (p *fakePlayer) playCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.plays)
}

// fakeClock is a settable device clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Duration
}

func (c *fakeClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// fakeDevices implements engine.Devices.
type fakeDevices struct {
	stream *fakeStream
	player *fakePlayer
	clock  *fakeClock

	mu     sync.Mutex
	closes int
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{stream: newFakeStream(), player: &fakePlayer{}, clock: &fakeClock{}}
}

func (d *fakeDevices) Stream() capture.Stream { return d.stream }

func (d *fakeDevices) Player() playback.Player { return d.player }
func (d *fakeDevices) Clock() playback.Clock   { return d.clock }

func (d *fakeDevices) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

func (d *fakeDevices) closeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// fakeOpener hands out one fakeDevices set, or fails.
type fakeOpener struct {
	devices *fakeDevices
	err     error
}

func (o *fakeOpener) Open(ctx context.Context) (engine.Devices, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.devices, nil
}

// fakeSession records outbound traffic and exposes the registered handler.
type fakeSession struct {
	mu        sync.Mutex
	frames    [][]byte
	texts     []string
	toolResps []live.ToolResponse
	closes    int
}

func (s *fakeSession) SendAudioFrame(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *fakeSession) SendTextTurn(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *fakeSession) SendToolResponse(resp live.ToolResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolResps = append(s.toolResps, resp)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeSession) toolResponses() []live.ToolResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]live.ToolResponse(nil), s.toolResps...)
}

// fakeExecutor answers every call with a canned payload, optionally blocking
// until released.
type fakeExecutor struct {
	block chan struct{}
}

func (f *fakeExecutor) Execute(ctx context.Context, calls []live.FunctionCall) live.ToolResponse {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	resps := make([]live.FunctionResponse, len(calls))
	for i, c := range calls {
		resps[i] = live.FunctionResponse{ID: c.ID, Name: c.Name, Response: map[string]any{"context": "ok"}}
	}
	return live.ToolResponse{Responses: resps}
}

// stateRecorder collects state transitions.
type stateRecorder struct {
	mu     sync.Mutex
	states []engine.ConnectionState
	errs   []error
}

func (r *stateRecorder) onChange(s engine.ConnectionState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
	r.errs = append(r.errs, err)
}

func (r *stateRecorder) snapshot() []engine.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.ConnectionState(nil), r.states...)
}

// harness bundles a connected engine with all its fakes.
type harness struct {
	engine  *engine.Engine
	devices *fakeDevices
	session *fakeSession
	handler live.Handler
	states  *stateRecorder
}

func newHarness(t *testing.T, cfg engine.Config, executor engine.ToolExecutor, events engine.Events) *harness {
	t.Helper()
	h := &harness{devices: newFakeDevices(), session: &fakeSession{}, states: &stateRecorder{}}
	if events.OnStateChanged == nil {
		events.OnStateChanged = h.states.onChange
	}
	if cfg.APIKey == "" {
		cfg.APIKey = "test-key"
	}
	if executor == nil {
		executor = &fakeExecutor{}
	}
	dial := func(ctx context.Context, lc live.Config, handler live.Handler) (engine.Session, error) {
		h.handler = handler
		return h.session, nil
	}
	eng, err := engine.New(cfg, &fakeOpener{devices: h.devices}, executor, events, engine.WithDialer(dial))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.engine = eng
	return h
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

// ── Connect / Disconnect ──────────────────────────────────────────────────────

func TestConnect_TransitionsToConnected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{}, nil, engine.Events{})
	if err := h.engine.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.engine.Disconnect()

	if got := h.engine.State(); got != engine.StateConnected {
		t.Errorf("state = %v, want connected", got)
	}
	states := h.states.snapshot()
	if len(states) != 2 || states[0] != engine.StateConnecting || states[1] != engine.StateConnected {
		t.Errorf("transitions = %v, want [connecting connected]", states)
	}
}

func TestConnect_MissingCredentials(t *testing.T) {
	t.Parallel()

	eng, err := engine.New(engine.Config{}, &fakeOpener{devices: newFakeDevices()}, &fakeExecutor{}, engine.Events{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := eng.Connect(context.Background()); !errors.Is(err, engine.ErrMissingCredentials) {
		t.Fatalf("Connect = %v, want ErrMissingCredentials", err)
	}
	if got := eng.State(); got != engine.StateDisconnected {
		t.Errorf("state = %v, want disconnected", got)
	}
}

func TestConnect_DeviceFailureEntersError(t *testing.T) {
	t.Parallel()

	rec := &stateRecorder{}
	eng, err := engine.New(
		engine.Config{APIKey: "k"},
		&fakeOpener{err: errors.New("no microphone")},
		&fakeExecutor{},
		engine.Events{OnStateChanged: rec.onChange},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := eng.Connect(context.Background()); err == nil {
		t.Fatal("Connect should fail when devices are unavailable")
	}
	if got := eng.State(); got != engine.StateError {
		t.Errorf("state = %v, want error", got)
	}
}

func TestConnect_DialFailureReleasesDevices(t *testing.T) {
	t.Parallel()

	devices := newFakeDevices()
	dial := func(ctx context.Context, lc live.Config, h live.Handler) (engine.Session, error) {
		return nil, errors.New("handshake rejected")
	}
	eng, err := engine.New(engine.Config{APIKey: "k"}, &fakeOpener{devices: devices}, &fakeExecutor{}, engine.Events{}, engine.WithDialer(dial))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := eng.Connect(context.Background()); err == nil {
		t.Fatal("Connect should propagate dial failure")
	}
	if got := eng.State(); got != engine.StateError {
		t.Errorf("state = %v, want error", got)
	}
	if devices.closeCount() != 1 {
		t.Errorf("devices closed %d times, want 1", devices.closeCount())
	}
}

func TestConnect_WhileConnectedFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{}, nil, engine.Events{})
	if err := h.engine.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.engine.Disconnect()

	if err := h.engine.Connect(context.Background()); !errors.Is(err, engine.ErrAlreadyConnected) {
		t.Errorf("second Connect = %v, want ErrAlreadyConnected", err)
	}
}

func TestDisconnect_ReleasesEverythingOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{}, nil, engine.Events{})
	if err := h.engine.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	h.engine.Disconnect()
	h.engine.Disconnect() // second call must be a no-op

	if got := h.engine.State(); got != engine.StateDisconnected {
		t.Errorf("state = %v, want disconnected", got)
	}
	if h.session.closeCount() != 1 {
		t.Errorf("session closed %d times, want 1", h.session.closeCount())
	}
	if h.devices.closeCount() != 1 {
		t.Errorf("devices closed %d times, want 1", h.devices.closeCount())
	}
}

func TestRemoteClose_WithErrorEntersErrorState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{}, nil, engine.Events{})
	if err := h.engine.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	h.handler.OnClose(errors.New("connection reset"))

	waitFor(t, func() bool { return h.engine.State() == engine.StateError })
	if h.devices.closeCount() != 1 {
		t.Errorf("devices closed %d times, want 1", h.devices.closeCount())
	}
}

func TestRemoteClose_CleanGoesDisconnected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{}, nil, engine.Events{})
	if err := h.engine.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	h.handler.OnClose(nil)

	waitFor(t, func() bool { return h.engine.State() == engine.StateDisconnected })
}

func TestReconnect_AfterDisconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{}, nil, engine.Events{})
	if err := h.engine.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.engine.Disconnect()

	// The opener hands out the same device set again; a real opener would
	// acquire fresh devices.
	h.devices.stream = newFakeStream()
	if err := h.engine.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	defer h.engine.Disconnect()

	if got := h.engine.State(); got != engine.StateConnected {
		t.Errorf("state = %v, want connected", got)
	}
}

// ── Streaming behaviour ───────────────────────────────────────────────────────

func TestOnAudio_SchedulesPlayback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{}, nil, engine.Events{})
	if err := h.engine.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.engine.Disconnect()

	h.handler.OnAudio([]byte{0x01, 0x00, 0x02, 0x00})

	if got := h.devices.player.playCount(); got != 1 {
		t.Errorf("player saw %d frames, want 1", got)
	}
}

func TestInterrupted_FlushesAndKeepsUserTranscript(t *testing.T) {
	t.Parallel()

	var turns [][]transcript.Entry
	var mu sync.Mutex
	h := newHarness(t, engine.Config{}, nil, engine.Events{
		OnTurnTranscribed: func(entries []transcript.Entry) {
			mu.Lock()
			defer mu.Unlock()
			turns = append(turns, entries)
		},
	})
	if err := h.engine.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.engine.Disconnect()

	h.handler.OnTranscript(transcript.RoleUser, "stop ")
	h.handler.OnTranscript(transcript.RoleModel, "as I was saying")
	h.handler.OnInterrupted()
	h.handler.OnTranscript(transcript.RoleModel, "sure, go ahead")
	h.handler.OnTurnComplete()

	mu.Lock()
	defer mu.Unlock()
	if len(turns) != 1 {
		t.Fatalf("got %d finalized turns, want 1", len(turns))
	}
	entries := turns[0]
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want user+model", len(entries))
	}
	if entries[0].Role != transcript.RoleUser || entries[0].Text != "stop" {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	// The pre-interruption model text must be gone.
	if entries[1].Text != "sure, go ahead" {
		t.Errorf("entries[1].Text = %q", entries[1].Text)
	}
}

func TestSendTextTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{}, nil, engine.Events{})

	if err := h.engine.SendTextTurn("hello"); !errors.Is(err, engine.ErrNoSession) {
		t.Errorf("SendTextTurn before Connect = %v, want ErrNoSession", err)
	}

	if err := h.engine.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.engine.SendTextTurn("hello"); err != nil {
		t.Errorf("SendTextTurn: %v", err)
	}

	h.engine.Disconnect()
	if err := h.engine.SendTextTurn("hello"); !errors.Is(err, engine.ErrNoSession) {
		t.Errorf("SendTextTurn after Disconnect = %v, want ErrNoSession", err)
	}

	h.session.mu.Lock()
	defer h.session.mu.Unlock()
	if len(h.session.texts) != 1 || h.session.texts[0] != "hello" {
		t.Errorf("session texts = %v", h.session.texts)
	}
}

// ── Tool calls ────────────────────────────────────────────────────────────────

func TestToolCall_ResponseReachesSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{}, nil, engine.Events{})
	if err := h.engine.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.engine.Disconnect()

	h.handler.OnToolCall([]live.FunctionCall{{ID: "c1", Name: "retrieve_context"}})

	waitFor(t, func() bool { return len(h.session.toolResponses()) == 1 })
	resp := h.session.toolResponses()[0]
	if len(resp.Responses) != 1 || resp.Responses[0].ID != "c1" {
		t.Errorf("tool response = %+v", resp)
	}
}

func TestToolCall_StaleResponseDiscardedAfterDisconnect(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{block: make(chan struct{})}
	h := newHarness(t, engine.Config{}, exec, engine.Events{})
	if err := h.engine.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	h.handler.OnToolCall([]live.FunctionCall{{ID: "c1", Name: "retrieve_context"}})

	// Tear the session down while the tool is still running, then let the
	// executor finish.
	done := make(chan struct{})
	go func() {
		h.engine.Disconnect()
		close(done)
	}()
	<-done
	close(exec.block)

	time.Sleep(50 * time.Millisecond)
	if got := len(h.session.toolResponses()); got != 0 {
		t.Errorf("session received %d tool responses after teardown, want 0", got)
	}
}
