package session

import "sync"

// Speaker attributes one utterance to a side of the conversation.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Utterance is one turn of speech. Immutable once appended. Seq is the
// accumulator's monotonically increasing insertion order, not a transport
// timestamp; it is internal and kept off the wire shape.
type Utterance struct {
	Speaker Speaker `json:"role"`
	Text    string  `json:"content"`
	Seq     int     `json:"-"`
}

// Accumulator is the append-only ordered log of utterances for one call
// session. The session event loop is the only writer; the mutex exists so
// snapshots taken after termination are race-free.
type Accumulator struct {
	mu      sync.Mutex
	next    int
	entries []Utterance
}

// Append records an utterance and assigns the next sequence number.
// Sequence numbers strictly increase and are never reused.
func (a *Accumulator) Append(sp Speaker, text string) Utterance {
	a.mu.Lock()
	defer a.mu.Unlock()
	u := Utterance{Speaker: sp, Text: text, Seq: a.next}
	a.next++
	a.entries = append(a.entries, u)
	return u
}

// Utterances returns a copy of the log in insertion order.
func (a *Accumulator) Utterances() []Utterance {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Utterance, len(a.entries))
	copy(out, a.entries)
	return out
}

// Texts returns just the utterance texts in insertion order.
func (a *Accumulator) Texts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, u := range a.entries {
		out[i] = u.Text
	}
	return out
}

// Len reports the number of utterances accumulated so far.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
