// Package transcript maintains the session transcript: an ordered,
// append-only log of exchanged utterances. The log is purely observational —
// it feeds the UI and never participates in turn-taking control flow.
package transcript

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Speaker identifies which party produced an utterance.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Utterance is one entry in the session transcript. Entries are never
// mutated or removed once appended.
type Utterance struct {
	// ID uniquely identifies the entry.
	ID string

	// Speaker is who said it.
	Speaker Speaker

	// Text is the transcribed or synthesized text. May be empty for pure
	// audio turns.
	Text string

	// Timestamp is the wall-clock capture time.
	Timestamp time.Time
}

// Log is the append-only utterance log for one session.
// Safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	entries []Utterance
	subs    []chan Utterance

	// now is injectable for tests.
	now func() time.Time
}

// NewLog creates an empty transcript log.
func NewLog() *Log {
	return &Log{now: time.Now}
}

// Append records an utterance and notifies subscribers. Returns the stored
// entry with its assigned ID and timestamp.
func (l *Log) Append(speaker Speaker, text string) Utterance {
	l.mu.Lock()
	entry := Utterance{
		ID:        uuid.NewString(),
		Speaker:   speaker,
		Text:      text,
		Timestamp: l.now(),
	}
	l.entries = append(l.entries, entry)
	subs := make([]chan Utterance, len(l.subs))
	copy(subs, l.subs)
	l.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- entry:
		default:
			// A slow subscriber misses entries rather than stalling the
			// conversation loop; Entries always has the full history.
		}
	}
	return entry
}

// Entries returns a snapshot of the transcript in append order.
func (l *Log) Entries() []Utterance {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Utterance, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Subscribe returns a channel receiving every utterance appended after the
// call. The channel is buffered; subscribers that fall behind miss entries
// instead of blocking writers.
func (l *Log) Subscribe() <-chan Utterance {
	ch := make(chan Utterance, 32)
	l.mu.Lock()
	l.subs = append(l.subs, ch)
	l.mu.Unlock()
	return ch
}
