package acoustic

import (
	"slices"
	"sync"
	"testing"
)

func TestMicrophoneAvailability(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if !r.MicrophoneAvailable() {
		t.Fatal("fresh registry: microphone should be available")
	}

	r.AcquireNoisy("speaking")
	if r.MicrophoneAvailable() {
		t.Fatal("microphone should be blocked while speaking")
	}

	r.ReleaseNoisy("speaking")
	if !r.MicrophoneAvailable() {
		t.Fatal("microphone should be available after release")
	}
}

func TestOverlappingActivities(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.AcquireNoisy("speaking")
	r.AcquireNoisy("navigation")
	r.ReleaseNoisy("speaking")

	if r.MicrophoneAvailable() {
		t.Fatal("navigation still active; microphone must stay blocked")
	}

	active := r.ActiveNoisy()
	if !slices.Contains(active, "navigation") {
		t.Errorf("want navigation in active set, got %v", active)
	}
	if slices.Contains(active, "speaking") {
		t.Errorf("speaking should be gone from active set, got %v", active)
	}

	r.ReleaseNoisy("navigation")
	if !r.MicrophoneAvailable() {
		t.Fatal("microphone should be available after all releases")
	}
}

func TestNestedAcquire(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.AcquireNoisy("sound_effect")
	r.AcquireNoisy("sound_effect")
	r.ReleaseNoisy("sound_effect")
	if r.MicrophoneAvailable() {
		t.Fatal("one acquisition still held")
	}
	r.ReleaseNoisy("sound_effect")
	if !r.MicrophoneAvailable() {
		t.Fatal("all acquisitions released")
	}
}

func TestReleaseWithoutAcquireIsNoOp(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.ReleaseNoisy("ghost")
	if !r.MicrophoneAvailable() {
		t.Fatal("spurious release must not block the microphone")
	}
	r.AcquireNoisy("speaking")
	r.ReleaseNoisy("speaking")
	if !r.MicrophoneAvailable() {
		t.Fatal("paired acquire/release should leave microphone available")
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.AcquireNoisy("speaking")
			r.ReleaseNoisy("speaking")
		}()
	}
	wg.Wait()
	if !r.MicrophoneAvailable() {
		t.Fatal("balanced concurrent acquire/release should leave count at zero")
	}
}
