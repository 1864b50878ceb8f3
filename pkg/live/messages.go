package live

import "encoding/json"

// Wire shapes for the BidiGenerateContent protocol. The engine treats the
// encoding as vendor-owned; nothing outside this package marshals protocol
// JSON.

// ── Outgoing ──────────────────────────────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string               `json:"model"`
	GenerationConfig         generationConfig     `json:"generationConfig"`
	SystemInstruction        *systemInstruction   `json:"systemInstruction,omitempty"`
	Tools                    []toolSpec           `json:"tools,omitempty"`
	InputAudioTranscription  *transcriptionConfig `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *transcriptionConfig `json:"outputAudioTranscription,omitempty"`
}

// transcriptionConfig is an empty object whose presence enables the
// corresponding transcription stream.
type transcriptionConfig struct{}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type toolSpec struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type toolResponseMessage struct {
	ToolResponse toolResponseBody `json:"toolResponse"`
}

type toolResponseBody struct {
	FunctionResponses []functionResponseBody `json:"functionResponses"`
}

type functionResponseBody struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Incoming ──────────────────────────────────────────────────────────────────

type serverMessage struct {
	SetupComplete        *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent        *serverContent   `json:"serverContent,omitempty"`
	ToolCall             *toolCallMsg     `json:"toolCall,omitempty"`
	ToolCallCancellation *json.RawMessage `json:"toolCallCancellation,omitempty"`
	Error                *serverError     `json:"error,omitempty"`
}

type serverError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn         `json:"modelTurn,omitempty"`
	TurnComplete        bool               `json:"turnComplete,omitempty"`
	Interrupted         bool               `json:"interrupted,omitempty"`
	InputTranscription  *transcriptionText `json:"inputTranscription,omitempty"`
	OutputTranscription *transcriptionText `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcriptionText struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCallBody `json:"functionCalls"`
}

type functionCallBody struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}
