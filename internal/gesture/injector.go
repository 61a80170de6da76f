// Package gesture synthesizes expressive robot gestures from assistant
// text. The model is asked to call perform_gesture itself, but it often
// forgets; the injector backfills gestures after a response so the robot
// never delivers a whole utterance standing still.
package gesture

import (
	"math/rand"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

// Gesture count policy per response.
const (
	// MinPerResponse is the floor enforced after every non-empty response.
	MinPerResponse = 3

	// MaxPerResponse caps a single batch.
	MaxPerResponse = 6

	// antiRepeatWindow is how many recently used gestures are avoided.
	antiRepeatWindow = 8

	// fuzzyDistance is the maximum Damerau-Levenshtein distance for a
	// transcript word to match a lexicon keyword. Tolerates the odd
	// transcription slip without matching unrelated words.
	fuzzyDistance = 1
)

// Names is the robot's finite action library. Every gesture the model may
// request and every gesture the injector emits comes from this list.
var Names = []string{
	"wave", "nod", "tilt_head", "wag_tail", "spin", "sit", "stretch",
	"happy_bounce", "look_around", "lean_forward", "perk_ears", "lower_head",
}

// Mood labels produced by Classify.
const (
	MoodHappy   = "happy"
	MoodSad     = "sad"
	MoodExcited = "excited"
	MoodCurious = "curious"
	MoodCalm    = "calm"
	MoodNeutral = "neutral"
)

// lexicon maps mood labels to keywords that signal them in assistant text.
var lexicon = map[string][]string{
	MoodHappy:   {"happy", "glad", "great", "wonderful", "love", "nice", "fun", "smile", "laugh", "joke"},
	MoodSad:     {"sad", "sorry", "unfortunately", "miss", "lonely", "afraid", "worried"},
	MoodExcited: {"wow", "amazing", "awesome", "incredible", "fantastic", "yay", "exciting", "cool"},
	MoodCurious: {"wonder", "curious", "interesting", "hmm", "question", "why", "how", "what", "look"},
	MoodCalm:    {"relax", "calm", "rest", "sleep", "quiet", "gentle", "slowly", "breathe"},
}

// moodGestures maps moods to the gestures that express them. Every entry
// must be a member of Names.
var moodGestures = map[string][]string{
	MoodHappy:   {"wag_tail", "nod", "tilt_head", "happy_bounce"},
	MoodSad:     {"lower_head", "sit", "tilt_head"},
	MoodExcited: {"spin", "wag_tail", "happy_bounce", "stretch"},
	MoodCurious: {"tilt_head", "look_around", "lean_forward", "perk_ears"},
	MoodCalm:    {"sit", "stretch", "nod", "lower_head"},
	MoodNeutral: {"nod", "tilt_head", "look_around", "wag_tail"},
}

// moodSpeed is the default execution speed per mood.
var moodSpeed = map[string]string{
	MoodHappy:   "med",
	MoodSad:     "slow",
	MoodExcited: "fast",
	MoodCurious: "med",
	MoodCalm:    "slow",
	MoodNeutral: "med",
}

// Injector produces gesture batches with a short anti-repetition memory.
// Safe for concurrent use.
type Injector struct {
	mu     sync.Mutex
	recent []string
	rng    *rand.Rand
}

// New creates an injector. A nil source seeds from the default shared one.
func New(src rand.Source) *Injector {
	if src == nil {
		return &Injector{rng: rand.New(rand.NewSource(rand.Int63()))}
	}
	return &Injector{rng: rand.New(src)}
}

// Classify maps assistant text to a mood label by fuzzy keyword matching.
// Empty or unmatched text is neutral.
func (in *Injector) Classify(text string) string {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return MoodNeutral
	}

	scores := make(map[string]int, len(lexicon))
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:'\"")
		if w == "" {
			continue
		}
		for mood, keys := range lexicon {
			for _, k := range keys {
				if w == k || (len(w) > 3 && matchr.DamerauLevenshtein(w, k) <= fuzzyDistance) {
					scores[mood]++
					break
				}
			}
		}
	}

	best, bestScore := MoodNeutral, 0
	for mood, score := range scores {
		if score > bestScore {
			best, bestScore = mood, score
		}
	}
	return best
}

// Inject returns the gesture actions ("name:speed") needed to top up a
// response that already produced have gestures. The result brings the total
// to at least MinPerResponse without exceeding MaxPerResponse; a response
// already at or above the minimum gets nothing.
func (in *Injector) Inject(text string, have int) []string {
	if have >= MinPerResponse {
		return nil
	}
	need := MinPerResponse - have
	if have+need > MaxPerResponse {
		need = MaxPerResponse - have
	}
	if need <= 0 {
		return nil
	}

	mood := in.Classify(text)
	speed := moodSpeed[mood]
	pool := moodGestures[mood]

	in.mu.Lock()
	defer in.mu.Unlock()

	out := make([]string, 0, need)
	for len(out) < need {
		name := in.pickLocked(pool)
		out = append(out, name+":"+speed)
	}
	return out
}

// pickLocked chooses a gesture from pool, preferring names outside the
// anti-repetition window. Falls back to any member when the pool is
// exhausted by the window.
func (in *Injector) pickLocked(pool []string) string {
	fresh := make([]string, 0, len(pool))
	for _, name := range pool {
		if !in.recentlyUsed(name) {
			fresh = append(fresh, name)
		}
	}
	candidates := fresh
	if len(candidates) == 0 {
		candidates = pool
	}
	name := candidates[in.rng.Intn(len(candidates))]

	in.recent = append(in.recent, name)
	if len(in.recent) > antiRepeatWindow {
		in.recent = in.recent[len(in.recent)-antiRepeatWindow:]
	}
	return name
}

func (in *Injector) recentlyUsed(name string) bool {
	for _, r := range in.recent {
		if r == name {
			return true
		}
	}
	return false
}
