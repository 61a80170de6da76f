package gesture

import (
	"math/rand"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	in := New(rand.NewSource(1))
	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "happy", text: "I'm so glad you asked, that sounds like fun!", want: MoodHappy},
		{name: "sad", text: "I'm sorry, that is unfortunately not possible.", want: MoodSad},
		{name: "excited", text: "Wow, that is amazing! Awesome!", want: MoodExcited},
		{name: "curious", text: "Hmm, I wonder why that happens. Interesting.", want: MoodCurious},
		{name: "calm", text: "Let's relax and rest for a while.", want: MoodCalm},
		{name: "neutral", text: "The capital of France is Paris.", want: MoodNeutral},
		{name: "empty", text: "", want: MoodNeutral},
		{name: "fuzzy typo", text: "that was amazng, truly amazng stuff", want: MoodExcited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := in.Classify(tt.text); got != tt.want {
				t.Errorf("Classify(%q): want %s, got %s", tt.text, tt.want, got)
			}
		})
	}
}

func TestInjectTopsUpToMinimum(t *testing.T) {
	t.Parallel()

	in := New(rand.NewSource(42))

	tests := []struct {
		name string
		have int
		want int
	}{
		{name: "none performed", have: 0, want: 3},
		{name: "one performed", have: 1, want: 2},
		{name: "two performed", have: 2, want: 1},
		{name: "minimum met", have: 3, want: 0},
		{name: "above minimum", have: 5, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := in.Inject("hello there", tt.have)
			if len(got) != tt.want {
				t.Errorf("Inject(have=%d): want %d gestures, got %v", tt.have, tt.want, got)
			}
		})
	}
}

func TestInjectActionFormat(t *testing.T) {
	t.Parallel()

	in := New(rand.NewSource(7))
	actions := in.Inject("wow, that is amazing!", 0)
	if len(actions) != MinPerResponse {
		t.Fatalf("want %d actions, got %v", MinPerResponse, actions)
	}
	for _, a := range actions {
		name, speed, ok := strings.Cut(a, ":")
		if !ok || name == "" {
			t.Errorf("action %q is not name:speed", a)
		}
		// Excited text runs fast.
		if speed != "fast" {
			t.Errorf("action %q: want fast speed for excited mood, got %q", a, speed)
		}
	}
}

func TestAntiRepetition(t *testing.T) {
	t.Parallel()

	in := New(rand.NewSource(3))

	// Within one batch no gesture repeats while fresh choices remain: the
	// neutral pool has 4 entries, a batch needs 3.
	actions := in.Inject("plain factual statement", 0)
	seen := make(map[string]bool, len(actions))
	for _, a := range actions {
		if seen[a] {
			t.Fatalf("gesture %q repeated within one batch: %v", a, actions)
		}
		seen[a] = true
	}
}

func TestMoodGesturesStayWithinActionLibrary(t *testing.T) {
	t.Parallel()

	known := make(map[string]bool, len(Names))
	for _, n := range Names {
		known[n] = true
	}
	for mood, pool := range moodGestures {
		for _, name := range pool {
			if !known[name] {
				t.Errorf("mood %s emits %q, which is not in the action library", mood, name)
			}
		}
	}
}

func TestInjectorExhaustedPoolStillDelivers(t *testing.T) {
	t.Parallel()

	in := New(rand.NewSource(9))
	// Repeated batches push every pool member into the window; the
	// injector must still produce the requested count.
	for i := 0; i < 5; i++ {
		if got := in.Inject("okay", 0); len(got) != MinPerResponse {
			t.Fatalf("batch %d: want %d gestures, got %v", i, MinPerResponse, got)
		}
	}
}
