// Package transcript assembles the incremental text deltas emitted by a live
// voice session into finalized transcript entries.
//
// The transport delivers partial transcriptions for both speakers as they are
// recognised or generated. An [Assembler] accumulates those deltas per role
// and turns them into immutable [Entry] values when the session signals that
// a turn has completed. An interruption (the user barging in over the model)
// discards only the model's partial utterance — the user buffer survives and
// finalizes on the next completed turn.
//
// All methods are safe for concurrent use: capture callbacks, transport
// receive callbacks, and API calls may touch the assembler from different
// goroutines.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies the speaker of a transcript entry.
type Role string

const (
	// RoleUser is speech recognised from the microphone.
	RoleUser Role = "user"

	// RoleModel is the text form of the model's spoken response.
	RoleModel Role = "model"
)

// Entry is a finalized transcript line. Entries are immutable once created.
type Entry struct {
	// ID is a unique identifier for the entry.
	ID string

	// Role is the speaker that produced the text.
	Role Role

	// Text is the full utterance, whitespace-trimmed.
	Text string

	// Timestamp is when the entry was finalized, not when speech started.
	Timestamp time.Time
}

// Assembler accumulates per-role text deltas and emits finalized entries.
// The zero value is ready to use.
type Assembler struct {
	mu    sync.Mutex
	user  strings.Builder
	model strings.Builder

	// now is overridable for tests; defaults to time.Now.
	now func() time.Time
}

// New returns an empty Assembler.
func New() *Assembler {
	return &Assembler{}
}

// AppendUser appends a recognised-speech delta to the user buffer.
// Deltas are concatenated in arrival order with no deduplication.
func (a *Assembler) AppendUser(delta string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user.WriteString(delta)
}

// AppendModel appends a generated-text delta to the model buffer.
func (a *Assembler) AppendModel(delta string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model.WriteString(delta)
}

// CompleteTurn finalizes both buffers and returns the resulting entries.
// A buffer that trims to empty yields no entry. When both are non-empty the
// user entry always precedes the model entry — downstream consumers rely on
// that ordering to keep conversation logs coherent. Both buffers are empty
// after the call.
func (a *Assembler) CompleteTurn() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	var entries []Entry
	if e, ok := a.finalizeLocked(&a.user, RoleUser); ok {
		entries = append(entries, e)
	}
	if e, ok := a.finalizeLocked(&a.model, RoleModel); ok {
		entries = append(entries, e)
	}
	return entries
}

// Interrupt discards the model's in-progress utterance. The user buffer is
// untouched: an interruption is by definition the model's turn being cut
// short by new user speech.
func (a *Assembler) Interrupt() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model.Reset()
}

// finalizeLocked drains buf into an Entry. Must be called with a.mu held.
func (a *Assembler) finalizeLocked(buf *strings.Builder, role Role) (Entry, bool) {
	text := strings.TrimSpace(buf.String())
	buf.Reset()
	if text == "" {
		return Entry{}, false
	}

	now := time.Now
	if a.now != nil {
		now = a.now
	}
	return Entry{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Timestamp: now(),
	}, true
}
