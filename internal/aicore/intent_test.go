package aicore

import "testing"

func TestDetectVisionIntent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want Intent
	}{
		{"what do you see over there?", IntentSee},
		{"Can you see me waving?", IntentSee},
		{"please describe what you see", IntentSee},
		{"Take a look at this drawing.", IntentSee},
		{"tell me about your surroundings", IntentSurroundings},
		{"is the environment safe?", IntentSurroundings},
		{"what is in front of you?", IntentSurroundings},
		// One transcription slip on a long keyword still matches.
		{"check your suroundings please", IntentSurroundings},
		{"describe the enviroment here", IntentSurroundings},
		{"tell me a story about pirates", IntentNone},
		{"the sea is calm tonight", IntentNone},
		{"", IntentNone},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := DetectVisionIntent(tt.text); got != tt.want {
				t.Errorf("DetectVisionIntent(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}
