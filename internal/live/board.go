package live

import (
	"strings"
	"sync"
)

// Snapshot is a point-in-time copy of the board.
type Snapshot struct {
	// Status and Error are mutually exclusive: at most one is non-empty.
	Status string
	Error  string

	// Transcript is the most recent transcript line, prefixed with its
	// speaker.
	Transcript string
}

// Board is the user-facing status/error observable. Setting a status clears
// the error and vice versa. Subscribers are notified synchronously, in
// subscription order, on the goroutine that made the change.
type Board struct {
	mu          sync.Mutex
	snap        Snapshot
	lastSpeaker string
	lastText    string
	subs        map[int]func(Snapshot)
	order       []int
	nextSub     int
}

// NewBoard returns an empty Board.
func NewBoard() *Board {
	return &Board{subs: make(map[int]func(Snapshot))}
}

// SetStatus replaces the status line and clears any error.
func (b *Board) SetStatus(msg string) {
	b.update(func(s *Snapshot) {
		s.Status = msg
		s.Error = ""
	})
}

// SetError replaces the error line and clears the status.
func (b *Board) SetError(msg string) {
	b.update(func(s *Snapshot) {
		s.Error = msg
		s.Status = ""
	})
}

// AppendTranscript extends the transcript line when speaker continues the
// current line and starts a new line otherwise. Fragments are joined as the
// engine streams them.
func (b *Board) AppendTranscript(speaker, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	b.update(func(s *Snapshot) {
		if speaker == b.lastSpeaker {
			b.lastText += text
		} else {
			b.lastSpeaker = speaker
			b.lastText = strings.TrimLeft(text, " ")
		}
		s.Transcript = speaker + ": " + b.lastText
	})
}

// EndTranscriptTurn makes the next transcript fragment start a new line even
// for the same speaker.
func (b *Board) EndTranscriptTurn() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSpeaker = ""
}

// Snapshot returns the current board contents.
func (b *Board) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap
}

// Subscribe registers fn to be called with every new snapshot. The returned
// function unregisters it. fn must not call back into the Board's setters.
func (b *Board) Subscribe(fn func(Snapshot)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.order = append(b.order, id)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

func (b *Board) update(fn func(*Snapshot)) {
	b.mu.Lock()
	fn(&b.snap)
	snap := b.snap
	subs := make([]func(Snapshot), 0, len(b.order))
	for _, id := range b.order {
		subs = append(subs, b.subs[id])
	}
	b.mu.Unlock()

	for _, s := range subs {
		s(snap)
	}
}
