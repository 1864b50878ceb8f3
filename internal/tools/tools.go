// Package tools executes function calls requested by the live model.
//
// The [Orchestrator] owns the catalogue of tools declared on the session and
// routes each inbound call batch to the matching executor. Calls within a
// batch run sequentially and every call produces exactly one response, so the
// model never waits on a call that silently vanished. Retrieval failures are
// absorbed: the model receives a neutral "no information" payload instead of
// an error, keeping the voice conversation alive.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/live"
	"github.com/MrWong99/parley/pkg/retrieval"
)

// NameRetrieveContext is the function name declared for document retrieval.
const NameRetrieveContext = "retrieve_context"

// noInformation is the payload text handed to the model when retrieval fails
// or yields nothing usable.
const noInformation = "(No information available)"

// defaultToolTimeout bounds each individual tool execution. Tool calls arrive
// without a caller deadline, so the orchestrator applies its own.
const defaultToolTimeout = 30 * time.Second

// Retriever is the slice of the retrieval client the orchestrator needs.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) (retrieval.Result, error)
}

// RetrieveContextArgs are the arguments of a retrieve_context call.
type RetrieveContextArgs struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

// call is a decoded function call. Exactly one of the typed arg fields is set
// depending on Name; Unknown marks names outside the catalogue.
type call struct {
	ID       string
	Name     string
	Retrieve *RetrieveContextArgs
	Unknown  bool
}

// decodeCall parses the raw arguments of fc into the typed variant for its
// name. Malformed arguments for a known tool yield that tool's zero args so
// the call still gets a response.
func decodeCall(fc live.FunctionCall) call {
	c := call{ID: fc.ID, Name: fc.Name}
	switch fc.Name {
	case NameRetrieveContext:
		args := &RetrieveContextArgs{}
		if len(fc.Args) > 0 {
			if err := json.Unmarshal(fc.Args, args); err != nil {
				slog.Warn("tools: malformed retrieve_context args", "err", err)
			}
		}
		c.Retrieve = args
	default:
		c.Unknown = true
	}
	return c
}

// Option is a functional option for configuring an [Orchestrator].
type Option func(*Orchestrator)

// WithToolTimeout sets the deadline applied to each individual tool
// execution. The default is 30 seconds.
func WithToolTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.toolTimeout = d
	}
}

// WithTopK sets the chunk count requested from the retriever when the model
// does not specify one.
func WithTopK(k int) Option {
	return func(o *Orchestrator) {
		o.topK = k
	}
}

// Orchestrator executes tool call batches against the retrieval backend.
// onSources, if non-nil, receives the source list of every successful
// retrieval so the UI can render citations; it is called from the same
// goroutine that called Execute. Safe for concurrent use.
type Orchestrator struct {
	retriever   Retriever
	onSources   func([]retrieval.Source)
	toolTimeout time.Duration
	topK        int
	metrics     *observe.Metrics
}

// New creates an Orchestrator. retriever must not be nil.
func New(retriever Retriever, onSources func([]retrieval.Source), opts ...Option) (*Orchestrator, error) {
	if retriever == nil {
		return nil, fmt.Errorf("tools: retriever must not be nil")
	}
	o := &Orchestrator{
		retriever:   retriever,
		onSources:   onSources,
		toolTimeout: defaultToolTimeout,
		metrics:     observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Declarations returns the tool catalogue to declare at session setup.
func Declarations() []live.ToolDeclaration {
	return []live.ToolDeclaration{
		{
			Name:        NameRetrieveContext,
			Description: "Search the document knowledge base and return relevant context for answering the user's question. Call this whenever the user asks about the documents.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The user's question or search query.",
					},
				},
				"required": []string{"query"},
			},
		},
	}
}

// Execute runs every call in the batch sequentially and returns one
// ToolResponse carrying a response for each call, in call order. Execute
// never fails: errors are folded into per-call payloads.
func (o *Orchestrator) Execute(ctx context.Context, calls []live.FunctionCall) live.ToolResponse {
	start := time.Now()
	responses := make([]live.FunctionResponse, 0, len(calls))
	for _, fc := range calls {
		responses = append(responses, o.execute(ctx, decodeCall(fc)))
	}
	o.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())
	return live.ToolResponse{Responses: responses}
}

func (o *Orchestrator) execute(ctx context.Context, c call) live.FunctionResponse {
	resp := live.FunctionResponse{ID: c.ID, Name: c.Name}

	switch {
	case c.Unknown:
		slog.Warn("tools: call for undeclared tool", "name", c.Name)
		o.metrics.RecordToolCall(ctx, c.Name, "unknown")
		resp.Response = map[string]any{"error": fmt.Sprintf("unknown tool: %s", c.Name)}
	case c.Retrieve != nil:
		resp.Response = o.executeRetrieve(ctx, c.Retrieve)
	}
	return resp
}

func (o *Orchestrator) executeRetrieve(ctx context.Context, args *RetrieveContextArgs) map[string]any {
	if args.Query == "" {
		return map[string]any{"context": noInformation}
	}

	topK := args.TopK
	if topK <= 0 {
		topK = o.topK
	}

	if o.toolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.toolTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := o.retriever.Retrieve(ctx, args.Query, topK)
	if err != nil {
		slog.Warn("tools: retrieval failed", "err", err, "elapsed", time.Since(start))
		o.metrics.RecordToolCall(ctx, NameRetrieveContext, "degraded")
		return map[string]any{"context": noInformation}
	}
	o.metrics.RecordToolCall(ctx, NameRetrieveContext, "ok")
	if result.Context == "" {
		result.Context = noInformation
	}

	if o.onSources != nil && len(result.Sources) > 0 {
		o.onSources(result.Sources)
	}
	return map[string]any{"context": result.Context}
}
