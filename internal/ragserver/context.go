package ragserver

import (
	"fmt"
	"strings"

	"github.com/MrWong99/parley/pkg/ragstore"
)

// previewLength is the maximum length of a source text preview before it is
// truncated with an ellipsis.
const previewLength = 220

// Sentinel context values returned when retrieval cannot produce content.
// Clients surface these verbatim to the model, which treats them as "nothing
// useful here" rather than an error.
const (
	emptyQueryContext  = "(Empty query)"
	noDocumentsContext = "(No relevant documents found)"
)

// source describes one retrieved chunk in the response payload.
type source struct {
	ID          string         `json:"id"`
	Score       float64        `json:"score"`
	TextPreview string         `json:"text_preview"`
	Properties  map[string]any `json:"properties"`
}

// buildContext assembles the prompt context block from retrieved chunks.
//
// Each chunk becomes a "[Source i]" section; sections are joined with a
// "---" divider. Chunks are added in order until adding the next one would
// exceed maxChars, at which point assembly stops. The returned sources slice
// describes exactly the chunks that made it into the context.
func buildContext(chunks []ragstore.ChunkResult, maxChars int) (string, []source) {
	if len(chunks) == 0 {
		return noDocumentsContext, []source{}
	}

	var parts []string
	sources := []source{}
	total := 0

	for i, ch := range chunks {
		block := fmt.Sprintf("%s\n%s\n", sourceHeader(i+1, ch.Chunk), ch.Chunk.Content)
		if maxChars > 0 && total+len(block) > maxChars {
			break
		}
		parts = append(parts, block)
		total += len(block)
		sources = append(sources, source{
			ID:          fmt.Sprintf("source_%d", i+1),
			Score:       ch.Score(),
			TextPreview: preview(ch.Chunk.Content),
			Properties:  sourceProperties(ch.Chunk),
		})
	}

	if len(parts) == 0 {
		return noDocumentsContext, []source{}
	}
	return strings.Join(parts, "\n---\n"), sources
}

// sourceHeader renders the attribution line that precedes a chunk's text.
func sourceHeader(n int, c ragstore.Chunk) string {
	return fmt.Sprintf("[Source %d] (document=%s, title=%s)", n, c.Document, c.Title)
}

// sourceProperties merges the chunk's stored properties with its document and
// title so clients can render citations without a second lookup.
func sourceProperties(c ragstore.Chunk) map[string]any {
	props := make(map[string]any, len(c.Properties)+2)
	for k, v := range c.Properties {
		props[k] = v
	}
	props["document"] = c.Document
	props["title"] = c.Title
	return props
}

func preview(text string) string {
	if len(text) > previewLength {
		return text[:previewLength] + "..."
	}
	return text
}
