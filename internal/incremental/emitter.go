package incremental

import (
	"errors"
	"io"
	"iter"
	"time"

	"github.com/loqalabs/loqa-tts/internal/transcode"
)

// Frame is a fixed-duration slice of PCM belonging to one generation.
type Frame struct {
	PCM        []byte
	Duration   time.Duration
	Generation uint64
	Index      int
	Last       bool
}

// EventKind distinguishes frame delivery from withdrawal.
type EventKind int

const (
	EventAdd EventKind = iota + 1
	EventRevoke
)

func (k EventKind) String() string {
	switch k {
	case EventAdd:
		return "add"
	case EventRevoke:
		return "revoke"
	default:
		return "unknown"
	}
}

// Event is one output of the stage. Frame is set for EventAdd only.
type Event struct {
	Kind       EventKind
	Generation uint64
	Frame      Frame
}

func Add(f Frame) Event { return Event{Kind: EventAdd, Generation: f.Generation, Frame: f} }

func Revoke(gen uint64) Event { return Event{Kind: EventRevoke, Generation: gen} }

// Emitter slices a PCM stream into frames.
type Emitter struct {
	format    transcode.Format
	frameSize int
}

func NewEmitter(format transcode.Format, frameDuration time.Duration) *Emitter {
	return &Emitter{format: format, frameSize: format.FrameBytes(frameDuration)}
}

// FrameSize is the byte length of every frame except possibly the last.
func (e *Emitter) FrameSize() int { return e.frameSize }

// Emit lazily yields ADD events for stream. Frame indexes start at zero and
// only the final frame is marked Last, so one frame is held back until the
// next read resolves. A stream error ends the sequence with that error and
// the held frame is discarded.
func (e *Emitter) Emit(stream io.Reader, gen uint64) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		cur, err := e.readFrame(stream)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				yield(Event{}, err)
			}
			return
		}
		for index := 0; ; index++ {
			next, err := e.readFrame(stream)
			last := errors.Is(err, io.EOF)
			if err != nil && !last {
				yield(Event{}, err)
				return
			}
			frame := Frame{
				PCM:        cur,
				Duration:   e.format.Duration(len(cur)),
				Generation: gen,
				Index:      index,
				Last:       last,
			}
			if !yield(Add(frame), nil) || last {
				return
			}
			cur = next
		}
	}
}

func (e *Emitter) readFrame(r io.Reader) ([]byte, error) {
	buf := make([]byte, e.frameSize)
	n, err := io.ReadFull(r, buf)
	switch {
	case err == nil:
		return buf, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return buf[:n], nil
	default:
		return nil, err
	}
}
