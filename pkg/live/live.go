// Package live implements the bidirectional session transport to the Gemini
// Live API.
//
// It establishes a WebSocket connection to the BidiGenerateContent endpoint
// and exchanges JSON messages on it. Audio travels as base64-encoded linear
// PCM chunks (16 kHz in, 24 kHz out); transcripts, turn boundaries,
// interruption signals, and function-call requests are surfaced through the
// [Handler] callbacks registered at dial time. The session never exposes the
// underlying connection — callers get exactly the send operations they need
// and nothing else.
package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/transcript"
)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ErrSessionClosed is returned by send operations after Close.
var ErrSessionClosed = fmt.Errorf("live: session closed")

// FunctionCall is a single tool invocation requested by the model.
type FunctionCall struct {
	// ID tags the call; the response must carry the same ID.
	ID string

	// Name is the declared tool name.
	Name string

	// Args is the raw JSON arguments object.
	Args json.RawMessage
}

// FunctionResponse answers one FunctionCall.
type FunctionResponse struct {
	ID       string
	Name     string
	Response map[string]any
}

// ToolResponse carries the full set of responses for one inbound tool-call
// message. All responses for a batch travel in a single outbound message.
type ToolResponse struct {
	Responses []FunctionResponse
}

// ToolDeclaration describes a tool offered to the model at session setup.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Handler bundles the inbound-event callbacks for a session. Callbacks are
// invoked sequentially from the session's receive goroutine in arrival
// order; they must not block on session send operations' completion of the
// same message and should hand long work off to another goroutine. Nil
// callbacks are skipped.
type Handler struct {
	// OnOpen fires once when the server acknowledges session setup.
	OnOpen func()

	// OnAudio receives decoded model audio as little-endian s16 PCM.
	OnAudio func(pcm []byte)

	// OnTranscript receives partial transcription deltas for either speaker.
	OnTranscript func(role transcript.Role, delta string)

	// OnTurnComplete fires when the model signals the end of a turn.
	OnTurnComplete func()

	// OnInterrupted fires when user speech cut off the model mid-response.
	OnInterrupted func()

	// OnToolCall receives the function calls of one inbound message.
	OnToolCall func(calls []FunctionCall)

	// OnClose fires once when the session ends without a local Close call:
	// err is nil for a clean remote close and non-nil for a transport error.
	OnClose func(err error)
}

// Config holds the dial-time session configuration.
type Config struct {
	// APIKey authenticates against the Live endpoint. Required.
	APIKey string

	// Model overrides the default live model.
	Model string

	// Voice selects a prebuilt voice for synthesised speech. Optional.
	Voice string

	// BaseURL overrides the WebSocket endpoint, primarily for tests.
	BaseURL string

	// SystemPrompt is the system instruction for the session. Optional.
	SystemPrompt string

	// Tools are the function declarations offered to the model.
	Tools []ToolDeclaration
}

// Session is an open bidirectional connection to the live model.
// All methods are safe for concurrent use.
type Session struct {
	conn    *websocket.Conn
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool

	done      chan struct{}
	closeOnce sync.Once
	notifyOne sync.Once
}

// Dial opens a session and sends the setup message. The returned Session is
// ready to accept audio immediately; OnOpen fires when the server
// acknowledges the setup. The caller owns the Session and must call Close.
func Dial(ctx context.Context, cfg Config, handler Handler) (*Session, error) {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		cfg.BaseURL, cfg.APIKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("live: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &Session{
		conn:    conn,
		handler: handler,
		ctx:     sessCtx,
		cancel:  sessCancel,
		done:    make(chan struct{}),
	}

	if err := s.sendSetup(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("live: setup: %w", err)
	}

	go s.receiveLoop()
	go s.keepaliveLoop()

	return s, nil
}

func (s *Session) sendSetup(cfg Config) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", cfg.Model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
			InputAudioTranscription:  &transcriptionConfig{},
			OutputAudioTranscription: &transcriptionConfig{},
		},
	}

	if cfg.SystemPrompt != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.SystemPrompt}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []toolSpec{{FunctionDeclarations: decls}}
	}

	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("live: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads inbound messages and dispatches them to the handler.
// One malformed message is skipped, never fatal: a single bad frame must not
// tear down the session.
func (s *Session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return // local Close
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.notifyClose(nil)
			default:
				s.notifyClose(fmt.Errorf("live: receive: %w", err))
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("live: skipping malformed server message", "err", err, "bytes", len(data))
			continue
		}
		s.dispatch(&msg)
	}
}

func (s *Session) dispatch(msg *serverMessage) {
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown server error"
		}
		s.notifyClose(fmt.Errorf("live: server error: %s", text))
		return
	}
	if msg.SetupComplete != nil && s.handler.OnOpen != nil {
		s.handler.OnOpen()
	}
	if msg.ServerContent != nil {
		s.dispatchContent(msg.ServerContent)
	}
	if msg.ToolCall != nil && s.handler.OnToolCall != nil {
		calls := make([]FunctionCall, len(msg.ToolCall.FunctionCalls))
		for i, fc := range msg.ToolCall.FunctionCalls {
			calls[i] = FunctionCall{ID: fc.ID, Name: fc.Name, Args: fc.Args}
		}
		s.handler.OnToolCall(calls)
	}
}

func (s *Session) dispatchContent(sc *serverContent) {
	// Interruption is handled before any audio in the same message so the
	// playback flush precedes newly scheduled frames.
	if sc.Interrupted && s.handler.OnInterrupted != nil {
		s.handler.OnInterrupted()
	}

	if sc.ModelTurn != nil && s.handler.OnAudio != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil || len(pcm) == 0 {
				slog.Warn("live: skipping undecodable audio chunk", "err", err)
				continue
			}
			s.handler.OnAudio(pcm)
		}
	}

	if s.handler.OnTranscript != nil {
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			s.handler.OnTranscript(transcript.RoleUser, sc.InputTranscription.Text)
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			s.handler.OnTranscript(transcript.RoleModel, sc.OutputTranscription.Text)
		}
	}

	if sc.TurnComplete && s.handler.OnTurnComplete != nil {
		s.handler.OnTurnComplete()
	}
}

// keepaliveLoop pings the server to keep the connection alive through idle
// stretches of conversation.
func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// notifyClose invokes OnClose at most once.
func (s *Session) notifyClose(err error) {
	s.notifyOne.Do(func() {
		if s.handler.OnClose != nil {
			s.handler.OnClose(err)
		}
	})
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

// SendAudioFrame delivers one encoded capture frame (16 kHz s16le mono) to
// the model.
func (s *Session) SendAudioFrame(pcm []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: "audio/pcm;rate=16000", Data: base64.StdEncoding.EncodeToString(pcm)},
			},
		},
	}
	return s.writeJSON(msg)
}

// SendTextTurn submits text as a completed user turn. Used to feed enriched
// or transcribed text back through the text channel instead of audio.
func (s *Session) SendTextTurn(text string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{
				{Role: "user", Parts: []part{{Text: text}}},
			},
			TurnComplete: true,
		},
	}
	return s.writeJSON(msg)
}

// SendToolResponse returns the batched responses for one tool-call message.
func (s *Session) SendToolResponse(resp ToolResponse) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	body := make([]functionResponseBody, len(resp.Responses))
	for i, r := range resp.Responses {
		body[i] = functionResponseBody{ID: r.ID, Name: r.Name, Response: r.Response}
	}
	msg := toolResponseMessage{
		ToolResponse: toolResponseBody{FunctionResponses: body},
	}
	return s.writeJSON(msg)
}

// Close terminates the session and releases the connection. Idempotent.
// OnClose does not fire for a local Close.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel() // unblocks receiveLoop and keepaliveLoop
	s.closeOnce.Do(func() { close(s.done) })
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
