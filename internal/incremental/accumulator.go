package incremental

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Fragment is one unit of incoming text.
type Fragment struct {
	Content    string
	Final      bool
	SequenceID int64
}

// Utterance is the accumulated text for one generation.
type Utterance struct {
	ID         uint64 // ordinal of the utterance, shared by all of its revisions
	Generation uint64
	Text       string
	Final      bool
}

// MergeMode selects how a fragment combines with the active text.
type MergeMode int

const (
	// MergeReplace treats each fragment as the full current hypothesis.
	MergeReplace MergeMode = iota
	// MergeAppend treats each fragment as a delta.
	MergeAppend
)

func ParseMergeMode(s string) (MergeMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "replace":
		return MergeReplace, nil
	case "append":
		return MergeAppend, nil
	default:
		return MergeReplace, fmt.Errorf("unknown merge mode %q", s)
	}
}

func (m MergeMode) String() string {
	if m == MergeAppend {
		return "append"
	}
	return "replace"
}

// Generations is the monotonic generation counter. Only the Accumulator
// advances it; everything else reads.
type Generations struct {
	current atomic.Uint64
}

func (g *Generations) Current() uint64 { return g.current.Load() }

// IsStale reports whether gen has been superseded.
func (g *Generations) IsStale(gen uint64) bool { return gen != g.current.Load() }

func (g *Generations) advance() uint64 { return g.current.Add(1) }

// Accumulator merges fragments into the active utterance and mints a new
// generation whenever the text changes.
type Accumulator struct {
	gens    *Generations
	mode    MergeMode
	onStale func(stale, next Utterance)

	active      Utterance
	started     bool
	lastSeq     int64
	lastContent string
	utterances  uint64
}

// NewAccumulator returns an accumulator bound to gens. onStale, when set, is
// called synchronously each time a generation is superseded.
func NewAccumulator(gens *Generations, mode MergeMode, onStale func(stale, next Utterance)) *Accumulator {
	return &Accumulator{gens: gens, mode: mode, onStale: onStale}
}

// Active returns the current utterance and whether any fragment was accepted yet.
func (a *Accumulator) Active() (Utterance, bool) { return a.active, a.started }

// Ingest merges f and returns the active utterance. advanced reports whether a
// new generation was minted.
func (a *Accumulator) Ingest(f Fragment) (u Utterance, advanced bool) {
	if a.started && f.SequenceID == a.lastSeq && f.Content == a.lastContent {
		return a.active, false
	}

	if !a.started || a.active.Final {
		a.utterances++
		a.accept(f)
		return a.mint(f.Content, f.Final), true
	}

	if f.SequenceID < a.lastSeq {
		return a.active, false
	}
	if f.SequenceID == a.lastSeq && a.mode == MergeAppend {
		// a delta with a reused sequence id cannot be placed
		return a.active, false
	}
	a.accept(f)

	text := f.Content
	if a.mode == MergeAppend {
		text = a.active.Text + f.Content
	}
	if text == a.active.Text {
		if f.Final {
			a.active.Final = true
		}
		return a.active, false
	}
	return a.mint(text, f.Final), true
}

func (a *Accumulator) accept(f Fragment) {
	a.lastSeq = f.SequenceID
	a.lastContent = f.Content
}

func (a *Accumulator) mint(text string, final bool) Utterance {
	prev, had := a.active, a.started
	a.active = Utterance{
		ID:         a.utterances,
		Generation: a.gens.advance(),
		Text:       text,
		Final:      final,
	}
	a.started = true
	if had && a.onStale != nil {
		a.onStale(prev, a.active)
	}
	return a.active
}
