package aicore

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Intent classifies what a user turn wants from the camera.
type Intent int

const (
	// IntentNone: no vision interest, answer from conversation alone.
	IntentNone Intent = iota

	// IntentSee: the user asks what the robot is looking at. Response
	// generation waits for the vision context.
	IntentSee

	// IntentSurroundings: the user mentions the environment in passing; a
	// snapshot is taken but the response does not wait for it.
	IntentSurroundings
)

// String returns the lowercase name of the intent.
func (i Intent) String() string {
	switch i {
	case IntentSee:
		return "see"
	case IntentSurroundings:
		return "surroundings"
	default:
		return "none"
	}
}

// seePhrases demand a fresh image before the model can answer honestly.
var seePhrases = []string{
	"what do you see",
	"what can you see",
	"can you see",
	"what are you looking at",
	"look at this",
	"look at me",
	"describe what you see",
	"take a look",
}

// surroundingsWords hint at the environment without demanding an image.
var surroundingsWords = []string{
	"surroundings",
	"environment",
	"around you",
	"this room",
	"in front of you",
}

// DetectVisionIntent scans a user turn for vision interest. Phrase
// matching is literal; single keywords additionally tolerate one
// transcription slip via edit distance.
func DetectVisionIntent(text string) Intent {
	lower := strings.ToLower(text)

	for _, p := range seePhrases {
		if strings.Contains(lower, p) {
			return IntentSee
		}
	}
	for _, p := range surroundingsWords {
		if strings.Contains(lower, p) {
			return IntentSurroundings
		}
	}

	// Fuzzy pass over individual words for the single-word keywords.
	for _, w := range strings.Fields(lower) {
		w = strings.Trim(w, ".,!?;:'\"")
		if len(w) < 8 {
			continue
		}
		for _, k := range []string{"surroundings", "environment"} {
			if matchr.DamerauLevenshtein(w, k) <= 1 {
				return IntentSurroundings
			}
		}
	}
	return IntentNone
}
