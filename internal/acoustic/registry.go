// Package acoustic coordinates noisy activities with the microphone.
//
// Any component that makes the microphone signal untrustworthy — speech
// playback, motor movement, sound effects — registers itself as a noisy
// activity for the duration. The capture pipeline consults
// [Registry.MicrophoneAvailable] and discards audio while any activity is
// active, which is what keeps Nevil's own voice out of the recognition
// path.
//
// This is deliberately not mutual exclusion between the activities
// themselves: speaking and navigation may overlap. Reference counting per
// activity name lets the same activity nest.
package acoustic

import "sync"

// Registry is a reference-counted set of active noisy activities. The
// process creates exactly one Registry at startup and injects it into every
// component that needs it; tests substitute a fresh instance.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	counts map[string]int
	total  int
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{counts: make(map[string]int)}
}

// AcquireNoisy marks the named activity as active. Every call must be
// paired with exactly one [Registry.ReleaseNoisy].
func (r *Registry) AcquireNoisy(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name]++
	r.total++
}

// ReleaseNoisy releases one acquisition of the named activity. Releasing an
// activity that is not held is a no-op.
func (r *Registry) ReleaseNoisy(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.counts[name]
	if !ok {
		return
	}
	if n <= 1 {
		delete(r.counts, name)
	} else {
		r.counts[name] = n - 1
	}
	r.total--
}

// MicrophoneAvailable reports whether no noisy activity is active.
func (r *Registry) MicrophoneAvailable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total == 0
}

// ActiveNoisy returns a snapshot of the currently active activity names.
func (r *Registry) ActiveNoisy() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.counts))
	for name := range r.counts {
		names = append(names, name)
	}
	return names
}
