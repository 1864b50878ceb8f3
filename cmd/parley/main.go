// Command parley is a console voice client for talking to a document
// assistant. It captures microphone audio, streams it to a live speech
// session, plays the spoken replies, and prints the running transcript with
// source citations from the retrieval backend.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/internal/tools"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/device"
	"github.com/MrWong99/parley/pkg/retrieval"
	"github.com/MrWong99/parley/pkg/transcript"
)

// defaultRetrievalURL is used when no retrieval backend is configured.
const defaultRetrievalURL = "http://localhost:8000"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	slog.SetDefault(newLogger(cfg.Log.Level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	baseURL := cfg.Retrieval.BaseURL
	if baseURL == "" {
		baseURL = defaultRetrievalURL
	}
	var retrievalOpts []retrieval.Option
	if cfg.Retrieval.Timeout > 0 {
		retrievalOpts = append(retrievalOpts, retrieval.WithTimeout(cfg.Retrieval.Timeout))
	}
	client, err := retrieval.New(baseURL, retrievalOpts...)
	if err != nil {
		slog.Error("failed to create retrieval client", "err", err)
		return 1
	}

	var toolOpts []tools.Option
	if cfg.Retrieval.TopK > 0 {
		toolOpts = append(toolOpts, tools.WithTopK(cfg.Retrieval.TopK))
	}
	orchestrator, err := tools.New(client, printSources, toolOpts...)
	if err != nil {
		slog.Error("failed to create tool orchestrator", "err", err)
		return 1
	}

	opener := &deviceOpener{cfg: device.Config{
		CaptureRate: cfg.Audio.SampleRate,
	}}

	eng, err := engine.New(engine.Config{
		APIKey:       cfg.Live.APIKey,
		Model:        cfg.Live.Model,
		Voice:        cfg.Live.Voice,
		SystemPrompt: cfg.Live.SystemPrompt,
		QueueDepth:   cfg.Audio.QueueDepth,
		Capture: capture.Config{
			FrameSize:    cfg.Audio.FrameSize,
			SampleRate:   cfg.Audio.SampleRate,
			LoudnessGain: cfg.Audio.LoudnessGain,
		},
	}, opener, orchestrator, consoleEvents())
	if err != nil {
		slog.Error("failed to create engine", "err", err)
		return 1
	}

	if err := eng.Connect(ctx); err != nil {
		if errors.Is(err, engine.ErrMissingCredentials) {
			fmt.Fprintln(os.Stderr, "parley: no API key configured — set live.api_key or the GEMINI_API_KEY environment variable")
		} else {
			slog.Error("connect failed", "err", err)
		}
		return 1
	}
	defer eng.Disconnect()

	fmt.Println("connected — speak into the microphone, type a message and press Enter, or Ctrl+C to quit")

	go readInput(ctx, eng)

	<-ctx.Done()
	fmt.Println("\nshutting down…")
	return 0
}

// readInput forwards typed lines as text turns until stdin or the session
// context ends.
func readInput(ctx context.Context, eng *engine.Engine) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := eng.SendTextTurn(line); err != nil {
			if errors.Is(err, engine.ErrNoSession) {
				return
			}
			slog.Warn("sending text turn", "err", err)
		}
	}
}

// consoleEvents renders engine events as console output.
func consoleEvents() engine.Events {
	return engine.Events{
		OnStateChanged: func(state engine.ConnectionState, err error) {
			if err != nil {
				fmt.Fprintf(os.Stderr, "[session] %s: %v\n", state, err)
				return
			}
			slog.Debug("session state", "state", state)
		},
		OnTranscriptDelta: func(role transcript.Role, delta string) {
			slog.Debug("transcript delta", "role", role, "delta", delta)
		},
		OnTurnTranscribed: func(entries []transcript.Entry) {
			for _, e := range entries {
				fmt.Printf("%s: %s\n", e.Role, e.Text)
			}
		},
	}
}

// printSources lists the citations behind the assistant's last answer.
func printSources(sources []retrieval.Source) {
	if len(sources) == 0 {
		return
	}
	fmt.Println("sources:")
	for _, s := range sources {
		fmt.Printf("  %s (score %.2f) %s\n", s.ID, s.Score, s.TextPreview)
	}
}

// deviceOpener adapts the hardware device package to the engine's opener
// contract.
type deviceOpener struct {
	cfg device.Config
}

func (o *deviceOpener) Open(ctx context.Context) (engine.Devices, error) {
	return device.Open(ctx, o.cfg)
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
