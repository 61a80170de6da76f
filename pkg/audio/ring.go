package audio

// Ring is a fixed-capacity ring of byte chunks. When full, a push evicts the
// oldest chunk. The capture pipeline uses it to keep the last few hundred
// milliseconds of suppressed silence so the speech-start context can be
// replayed upstream ("pre-speech padding").
//
// Ring is not safe for concurrent use; the capture worker is its only owner.
type Ring struct {
	chunks [][]byte
	head   int
	size   int
}

// NewRing creates a Ring holding at most capacity chunks. Capacity must be
// at least 1.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{chunks: make([][]byte, capacity)}
}

// Push appends chunk, evicting the oldest entry when the ring is full.
// The chunk is stored by reference; callers must not mutate it afterwards.
func (r *Ring) Push(chunk []byte) {
	tail := (r.head + r.size) % len(r.chunks)
	r.chunks[tail] = chunk
	if r.size < len(r.chunks) {
		r.size++
	} else {
		r.head = (r.head + 1) % len(r.chunks)
	}
}

// Drain returns all buffered chunks oldest-first and empties the ring.
func (r *Ring) Drain() [][]byte {
	out := make([][]byte, 0, r.size)
	for i := range r.size {
		out = append(out, r.chunks[(r.head+i)%len(r.chunks)])
	}
	r.head = 0
	r.size = 0
	for i := range r.chunks {
		r.chunks[i] = nil
	}
	return out
}

// Len reports the number of buffered chunks.
func (r *Ring) Len() int { return r.size }
