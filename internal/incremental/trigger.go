package incremental

import (
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the trigger's verdict for an utterance.
type Decision int

const (
	Ignore Decision = iota
	SynthesizeNow
	Defer
)

func (d Decision) String() string {
	switch d {
	case SynthesizeNow:
		return "now"
	case Defer:
		return "defer"
	default:
		return "ignore"
	}
}

// Trigger decides when a generation is synthesized. Each generation is
// accepted at most once; with a minimum interval, accepted generations are
// spaced at least that far apart and intermediate ones are skipped.
type Trigger struct {
	limiter *rate.Limiter
	now     func() time.Time
	last    uint64
}

// NewTrigger returns a trigger. A zero minInterval disables debouncing. now
// defaults to time.Now.
func NewTrigger(minInterval time.Duration, now func() time.Time) *Trigger {
	if now == nil {
		now = time.Now
	}
	t := &Trigger{now: now}
	if minInterval > 0 {
		t.limiter = rate.NewLimiter(rate.Every(minInterval), 1)
	}
	return t
}

// Evaluate returns the decision for u. For Defer, wait is how long until u
// may be evaluated again.
func (t *Trigger) Evaluate(u Utterance) (d Decision, wait time.Duration) {
	if u.Generation <= t.last || strings.TrimSpace(u.Text) == "" {
		return Ignore, 0
	}
	if t.limiter != nil {
		now := t.now()
		r := t.limiter.ReserveN(now, 1)
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			return Defer, delay
		}
	}
	t.last = u.Generation
	return SynthesizeNow, 0
}

// ShouldSynthesize is Evaluate reduced to a boolean.
func (t *Trigger) ShouldSynthesize(u Utterance) bool {
	d, _ := t.Evaluate(u)
	return d == SynthesizeNow
}
