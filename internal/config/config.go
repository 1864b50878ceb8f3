// Package config provides the configuration schema and loader shared by the
// parley voice client and the parley-rag retrieval server.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load] or [LoadFromReader]. The client binary reads Live, Audio,
// and Retrieval; the rag server reads RAG. Both read Log.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Live      LiveConfig      `yaml:"live"`
	Audio     AudioConfig     `yaml:"audio"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	RAG       RAGConfig       `yaml:"rag"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level controls verbosity. Empty means info.
	Level LogLevel `yaml:"level"`
}

// LiveConfig holds the live session parameters.
type LiveConfig struct {
	// APIKey authenticates against the live API. Falls back to the
	// GEMINI_API_KEY environment variable when empty.
	APIKey string `yaml:"api_key"`

	// Model is the live model name. Empty selects the transport default.
	Model string `yaml:"model"`

	// Voice selects the prebuilt voice for spoken replies.
	Voice string `yaml:"voice"`

	// SystemPrompt is the session instruction. Empty selects a built-in
	// document-assistant prompt.
	SystemPrompt string `yaml:"system_prompt"`
}

// AudioConfig tunes the capture pipeline and the transport queue.
type AudioConfig struct {
	// FrameSize is the number of samples per capture frame. Zero means the
	// 20 ms default.
	FrameSize int `yaml:"frame_size"`

	// SampleRate is the capture rate in Hz. Zero means 16000.
	SampleRate int `yaml:"sample_rate"`

	// LoudnessGain scales the microphone level meter.
	LoudnessGain float64 `yaml:"loudness_gain"`

	// QueueDepth bounds the capture→transport frame queue. Zero means 32.
	QueueDepth int `yaml:"queue_depth"`
}

// RetrievalConfig points the client at the retrieval backend.
type RetrievalConfig struct {
	// BaseURL is the backend address, e.g. "http://localhost:8000".
	BaseURL string `yaml:"base_url"`

	// TopK is the chunk count requested per query. Zero lets the backend
	// choose.
	TopK int `yaml:"top_k"`

	// Timeout bounds each retrieval request. Zero means the client default.
	Timeout time.Duration `yaml:"timeout"`
}

// RAGConfig configures the parley-rag server.
type RAGConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// PostgresDSN is the PostgreSQL connection string for the pgvector
	// chunk store.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingDimensions is the vector dimension of the embeddings column.
	// Must match the embedding model.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`

	// Embeddings configures the query embedding provider.
	Embeddings EmbeddingsConfig `yaml:"embeddings"`

	// TopK is the default chunk count per query when the request does not
	// specify one.
	TopK int `yaml:"top_k"`

	// MaxContextChars caps the assembled context string.
	MaxContextChars int `yaml:"max_context_chars"`

	// MinScore drops chunks scoring below this similarity threshold.
	MinScore float64 `yaml:"min_score"`
}

// EmbeddingsConfig selects and tunes the embedding provider.
type EmbeddingsConfig struct {
	// APIKey authenticates against the embeddings API. Falls back to the
	// OPENAI_API_KEY environment variable when empty.
	APIKey string `yaml:"api_key"`

	// Model is the embedding model name (e.g., "text-embedding-3-small").
	Model string `yaml:"model"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// CacheTTL is how long query embeddings stay cached. Zero disables
	// caching.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// CacheSize caps the number of cached query embeddings.
	CacheSize int `yaml:"cache_size"`
}
