package synth

import "testing"

func testDetector() *KeywordDetector {
	return NewKeywordDetector(
		[]string{"burning", "blood", "scream", "dead"},
		[]string{"workshop", "calm", "peaceful", "observing"},
	)
}

func TestDetectorFlagsSanitizedScene(t *testing.T) {
	d := testDetector()
	// Narration says burning; the service returned a cozy workshop.
	if !d.Sanitized(
		"The barn was burning as they ran.",
		"a tidy carpentry workshop with tools on the wall",
		"a man calmly sorts his tools",
	) {
		t.Error("incongruous scene not flagged")
	}
}

func TestDetectorAcceptsFaithfulScene(t *testing.T) {
	d := testDetector()
	if d.Sanitized(
		"The barn was burning as they ran.",
		"a barn engulfed in flames at night",
		"two figures sprint from the fire",
	) {
		t.Error("faithful scene flagged")
	}
}

func TestDetectorNeedsBothConditions(t *testing.T) {
	d := testDetector()
	// Mundane output, but mundane source too: not sanitization.
	if d.Sanitized(
		"He tidied the bench before supper.",
		"a quiet workshop in the evening",
		"a man calmly sorts his tools",
	) {
		t.Error("mundane-on-mundane flagged")
	}
}

func TestDetectorCaseInsensitive(t *testing.T) {
	d := testDetector()
	if !d.Sanitized("BLOOD on the floor.", "A PEACEFUL meadow", "someone Observing birds") {
		t.Error("case-insensitive match failed")
	}
}
