// Package playback schedules decoded model audio for gapless output.
//
// Audio arrives from the transport in bursts whose timing has nothing to do
// with playback timing. The [Scheduler] absorbs that jitter by keeping a
// monotonically advancing cursor on the output device's clock: each frame is
// scheduled to start exactly where the previous one ends, not at "now", so
// consecutive frames play back-to-back with no gap and no overlap as long as
// arrival keeps ahead of playback. If arrival lags, new frames simply wait
// for their slot — still gapless, at the cost of added latency. There is no
// catch-up or drop logic.
//
// An interruption (the user speaking over the model) flushes everything:
// every in-flight source is stopped, the active set is emptied, and the
// cursor resets to the device's current time.
package playback

import (
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Clock reports the current time on the output device's clock. Device
// adapters back this with their own monotonic position; tests use a fake.
type Clock interface {
	Now() time.Duration
}

// Source is an in-flight playback unit. Stop halts output early; stopping a
// source that already finished must be a no-op.
type Source interface {
	Stop()
}

// Player turns frames into audible output. Play schedules frame to begin at
// startAt on the device clock and returns a handle for early termination.
// onDone must be invoked exactly once when the frame finishes naturally and
// never after Stop. Play must not block on playback itself.
type Player interface {
	Play(frame audio.Frame, startAt time.Duration, onDone func()) Source
}

// Scheduler owns the playback cursor and the set of active sources.
// All methods are safe for concurrent use.
type Scheduler struct {
	player Player

	mu     sync.Mutex
	cursor time.Duration
	fresh  bool // no enqueue since creation or the last flush
	nextID uint64
	active map[uint64]Source
}

// New creates a Scheduler that plays frames through player.
func New(player Player) *Scheduler {
	return &Scheduler{
		player: player,
		fresh:  true,
		active: make(map[uint64]Source),
	}
}

// Enqueue schedules frame for gapless playback and returns its start time on
// the device clock. The first frame after a flush (or after creation) starts
// at max(cursor, deviceNow); every subsequent frame starts exactly where its
// predecessor ends. The source removes itself from the active set on natural
// completion.
func (s *Scheduler) Enqueue(frame audio.Frame, deviceNow time.Duration) time.Duration {
	s.mu.Lock()
	if s.fresh {
		if deviceNow > s.cursor {
			s.cursor = deviceNow
		}
		s.fresh = false
	}
	start := s.cursor
	s.cursor += frame.Duration()

	id := s.nextID
	s.nextID++
	// Reserve the slot before calling Play so a completion or flush racing
	// with this enqueue has an entry to act on.
	s.active[id] = nil
	s.mu.Unlock()

	src := s.player.Play(frame, start, func() { s.remove(id) })

	s.mu.Lock()
	if _, ok := s.active[id]; ok {
		s.active[id] = src
		s.mu.Unlock()
		return start
	}
	s.mu.Unlock()
	// The slot vanished while Play ran: either the frame already finished or
	// a flush cleared the set. Stop is a no-op on a finished source.
	src.Stop()
	return start
}

// Flush immediately stops every active source, empties the active set, and
// resets the cursor to deviceNow. Callable at any time; with no active
// sources it is a no-op beyond the cursor reset.
func (s *Scheduler) Flush(deviceNow time.Duration) {
	s.mu.Lock()
	stopped := make([]Source, 0, len(s.active))
	for _, src := range s.active {
		if src != nil {
			stopped = append(stopped, src)
		}
	}
	s.active = make(map[uint64]Source)
	s.cursor = deviceNow
	s.fresh = true
	s.mu.Unlock()

	for _, src := range stopped {
		src.Stop()
	}
}

// Cursor returns the device-clock time at which the next enqueued frame will
// start (assuming it arrives before the cursor lapses behind real time).
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// ActiveCount returns the number of sources currently queued or playing.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Scheduler) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}
