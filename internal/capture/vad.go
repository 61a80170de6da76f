package capture

// vadState is the detector's position in the speech/silence cycle.
type vadState int

const (
	stateSilence vadState = iota
	stateSpeech
	statePadding
)

// Decision is the per-frame outcome of the detector: whether to forward the
// frame upstream and which transitions fired on it.
type Decision struct {
	// Send means the frame must be appended to the server's input buffer.
	Send bool

	// SpeechStarted fires on the SILENCE→SPEECH transition. The caller
	// clears the server buffer and flushes the pre-speech padding ring
	// before sending this frame.
	SpeechStarted bool

	// SpeechEnded fires when the consecutive-silence counter confirms the
	// segment is over. TooShort qualifies it.
	SpeechEnded bool

	// TooShort means the ended segment did not reach the minimum speech
	// duration and must be discarded instead of committed.
	TooShort bool
}

// VADConfig tunes the detector. All frame counts refer to 200 ms frames.
type VADConfig struct {
	// Threshold is the RMS volume (on the [-1, 1] float sample scale)
	// separating speech from silence.
	Threshold float64

	// SilenceFrames is the number of consecutive below-threshold frames
	// that ends a speech segment.
	SilenceFrames int

	// MinSpeechFrames is the minimum segment length for a commit.
	MinSpeechFrames int

	// PostPaddingFrames is how many trailing silence frames are still
	// forwarded after a segment ends.
	PostPaddingFrames int
}

func (c *VADConfig) applyDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = 0.02
	}
	if c.SilenceFrames <= 0 {
		c.SilenceFrames = 2
	}
	if c.MinSpeechFrames <= 0 {
		c.MinSpeechFrames = 2 // 0.3 s rounded up to whole frames
	}
	if c.PostPaddingFrames <= 0 {
		c.PostPaddingFrames = 2 // ~300 ms rounded up to whole frames
	}
}

// VAD is a volume-threshold voice activity detector over fixed-size frames.
// It is driven by a single capture worker and is not safe for concurrent
// use.
type VAD struct {
	cfg VADConfig

	state        vadState
	speechFrames int // frames in the current segment, silence runs included
	silenceRun   int // consecutive below-threshold frames while speaking
	padRemaining int
}

// NewVAD creates a detector with defaults filled in.
func NewVAD(cfg VADConfig) *VAD {
	cfg.applyDefaults()
	return &VAD{cfg: cfg}
}

// Process classifies one frame by its RMS volume and advances the state
// machine.
func (v *VAD) Process(volume float64) Decision {
	loud := volume > v.cfg.Threshold

	switch v.state {
	case stateSilence:
		if !loud {
			return Decision{}
		}
		v.state = stateSpeech
		v.speechFrames = 1
		v.silenceRun = 0
		return Decision{Send: true, SpeechStarted: true}

	case stateSpeech:
		v.speechFrames++
		if loud {
			v.silenceRun = 0
			return Decision{Send: true}
		}
		v.silenceRun++
		if v.silenceRun < v.cfg.SilenceFrames {
			return Decision{Send: true}
		}

		// Segment over.
		segment := v.speechFrames - v.silenceRun
		tooShort := segment < v.cfg.MinSpeechFrames
		v.padRemaining = v.cfg.PostPaddingFrames
		v.speechFrames = 0
		v.silenceRun = 0
		if tooShort || v.padRemaining <= 0 {
			v.state = stateSilence
			v.padRemaining = 0
		} else {
			v.state = statePadding
		}
		return Decision{Send: !tooShort, SpeechEnded: true, TooShort: tooShort}

	default: // statePadding
		if loud {
			// Speaker resumed during the trailing padding: same segment
			// from the server's point of view, but a fresh local one.
			v.state = stateSpeech
			v.speechFrames = 1
			v.silenceRun = 0
			v.padRemaining = 0
			return Decision{Send: true, SpeechStarted: true}
		}
		v.padRemaining--
		if v.padRemaining <= 0 {
			v.state = stateSilence
		}
		return Decision{Send: true}
	}
}

// Speaking reports whether the detector is inside a speech segment.
func (v *VAD) Speaking() bool { return v.state == stateSpeech }

// Reset returns the detector to silence, dropping any in-progress segment.
func (v *VAD) Reset() {
	v.state = stateSilence
	v.speechFrames = 0
	v.silenceRun = 0
	v.padRemaining = 0
}
