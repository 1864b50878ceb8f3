package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment fallbacks,
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills credential fields from the environment when the file leaves
// them empty, so keys can stay out of config files.
func applyEnv(cfg *Config) {
	if cfg.Live.APIKey == "" {
		cfg.Live.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.RAG.Embeddings.APIKey == "" {
		cfg.RAG.Embeddings.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Log.Level != "" && !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}

	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must not be negative", cfg.Audio.FrameSize))
	}
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("audio.queue_depth %d must not be negative", cfg.Audio.QueueDepth))
	}

	if cfg.Retrieval.TopK < 0 {
		errs = append(errs, fmt.Errorf("retrieval.top_k %d must not be negative", cfg.Retrieval.TopK))
	}
	if cfg.Retrieval.Timeout < 0 {
		errs = append(errs, fmt.Errorf("retrieval.timeout %s must not be negative", cfg.Retrieval.Timeout))
	}

	if cfg.RAG.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("rag.embedding_dimensions %d must not be negative", cfg.RAG.EmbeddingDimensions))
	}
	if cfg.RAG.TopK < 0 {
		errs = append(errs, fmt.Errorf("rag.top_k %d must not be negative", cfg.RAG.TopK))
	}
	if cfg.RAG.MaxContextChars < 0 {
		errs = append(errs, fmt.Errorf("rag.max_context_chars %d must not be negative", cfg.RAG.MaxContextChars))
	}
	if cfg.RAG.MinScore < 0 || cfg.RAG.MinScore > 1 {
		errs = append(errs, fmt.Errorf("rag.min_score %.2f is out of range [0, 1]", cfg.RAG.MinScore))
	}
	if cfg.RAG.Embeddings.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("rag.embeddings.cache_size %d must not be negative", cfg.RAG.Embeddings.CacheSize))
	}

	return errors.Join(errs...)
}
