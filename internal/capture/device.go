package capture

import (
	"context"
	"fmt"
)

// ErrOverflow is returned by a Device when the OS audio layer dropped
// samples. The worker counts and otherwise ignores it.
var ErrOverflow = fmt.Errorf("capture: input overflow")

// Device is a raw PCM16 audio source. Read returns whatever block of bytes
// the driver has ready; the worker handles buffering into fixed frames.
// Implementations wrap ALSA, PortAudio, or a test source.
type Device interface {
	// Read blocks until samples are available or ctx is done. The returned
	// slice holds little-endian PCM16 and must be sample-aligned.
	Read(ctx context.Context) ([]byte, error)

	// Close releases the input stream.
	Close() error
}
