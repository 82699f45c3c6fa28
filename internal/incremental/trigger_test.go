package incremental

import (
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestTriggerWithoutDebounce(t *testing.T) {
	tr := NewTrigger(0, nil)
	if !tr.ShouldSynthesize(Utterance{Generation: 1, Text: "hi"}) {
		t.Fatal("expected first generation to synthesize")
	}
	if tr.ShouldSynthesize(Utterance{Generation: 1, Text: "hi"}) {
		t.Fatal("generation synthesized twice")
	}
	if d, _ := tr.Evaluate(Utterance{Generation: 2, Text: "  "}); d != Ignore {
		t.Fatalf("expected blank text to be ignored, got %s", d)
	}
	if !tr.ShouldSynthesize(Utterance{Generation: 3, Text: "hi there"}) {
		t.Fatal("expected newer generation to synthesize")
	}
}

func TestTriggerDebounce(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tr := NewTrigger(200*time.Millisecond, clock.Now)

	if d, _ := tr.Evaluate(Utterance{Generation: 1, Text: "a"}); d != SynthesizeNow {
		t.Fatalf("expected first request to pass, got %s", d)
	}
	clock.Advance(50 * time.Millisecond)
	d, wait := tr.Evaluate(Utterance{Generation: 2, Text: "ab"})
	if d != Defer || wait < 149*time.Millisecond || wait > 151*time.Millisecond {
		t.Fatalf("expected defer by 150ms, got %s %s", d, wait)
	}
	clock.Advance(100 * time.Millisecond)
	if d, _ := tr.Evaluate(Utterance{Generation: 3, Text: "abc"}); d != Defer {
		t.Fatalf("expected defer, got %s", d)
	}
	clock.Advance(60 * time.Millisecond)
	if d, _ := tr.Evaluate(Utterance{Generation: 3, Text: "abc"}); d != SynthesizeNow {
		t.Fatalf("expected deferred generation to pass after the interval, got %s", d)
	}
	if d, _ := tr.Evaluate(Utterance{Generation: 2, Text: "ab"}); d != Ignore {
		t.Fatalf("expected older generation to be ignored, got %s", d)
	}
}
