package annotate

import (
	"context"
	"testing"

	"github.com/hermesdev0131/scene-weaver/types"
)

type scriptedService struct {
	responses []string
	calls     int
}

func (s *scriptedService) Generate(_ context.Context, _ string, _ int) (string, error) {
	s.calls++
	if len(s.responses) == 0 {
		return "garbage, no json", nil
	}
	out := s.responses[0]
	s.responses = s.responses[1:]
	return out, nil
}

func testAnalysis() *types.StoryAnalysis {
	a := &types.StoryAnalysis{
		Characters: map[string]types.CharacterIdentity{
			"CHAR_A": {ID: "CHAR_A", Name: "Moreau", Role: "commander"},
			"CHAR_B": {ID: "CHAR_B", Name: "Elise", Role: "nurse"},
		},
		CharacterOrder: []string{"CHAR_A", "CHAR_B"},
		Era:            "1812",
	}
	a.InitStates()
	return a
}

func fragments(n int) []types.TextFragment {
	out := make([]types.TextFragment, n)
	for i := range out {
		out[i] = types.TextFragment{Text: "fragment text", WordCount: 2, DurationSec: 4}
	}
	return out
}

func TestAnnotationAppliedPerFragment(t *testing.T) {
	svc := &scriptedService{responses: []string{`{
	  "scenes": [
	    {"index": 0, "characters": ["CHAR_A"], "action": "rides through smoke"},
	    {"index": 1, "characters": ["CHAR_A", "CHAR_B"], "action": "binds a wound",
	     "state_changes": [{"character": "CHAR_A", "status": "wounded", "note": "shrapnel"}]}
	  ]
	}`}}

	analysis := testAnalysis()
	segs, err := New(svc, 8, 2048, nil).Run(context.Background(), fragments(2), analysis)
	if err != nil {
		t.Fatal(err)
	}

	if len(segs) != 2 {
		t.Fatalf("got %d segments", len(segs))
	}
	if segs[0].ActionHint != "rides through smoke" || len(segs[0].CharactersPresent) != 1 {
		t.Errorf("segment 0: %+v", segs[0])
	}
	if len(segs[1].CharactersPresent) != 2 || len(segs[1].StateChanges) != 1 {
		t.Errorf("segment 1: %+v", segs[1])
	}
	if analysis.CharacterStates["CHAR_A"].Status != types.StatusWounded {
		t.Errorf("state not applied: %+v", analysis.CharacterStates["CHAR_A"])
	}
}

func TestBatchingBoundsCalls(t *testing.T) {
	svc := &scriptedService{}
	_, err := New(svc, 3, 2048, nil).Run(context.Background(), fragments(7), testAnalysis())
	if err != nil {
		t.Fatal(err)
	}
	if svc.calls != 3 {
		t.Errorf("made %d calls for 7 fragments at batch size 3, want 3", svc.calls)
	}
}

func TestParseFailureDegradesToDefaults(t *testing.T) {
	svc := &scriptedService{} // always returns unparseable text
	analysis := testAnalysis()
	segs, err := New(svc, 8, 2048, nil).Run(context.Background(), fragments(3), analysis)
	if err != nil {
		t.Fatalf("batch parse failure must not abort the run: %v", err)
	}
	for i, seg := range segs {
		if len(seg.CharactersPresent) != 1 || seg.CharactersPresent[0] != "CHAR_A" {
			t.Errorf("segment %d: present = %v, want first known character", i, seg.CharactersPresent)
		}
		if seg.ActionHint == "" {
			t.Errorf("segment %d: empty action hint", i)
		}
	}
}

func TestUnknownCharacterIDIgnored(t *testing.T) {
	svc := &scriptedService{responses: []string{`{
	  "scenes": [
	    {"index": 0, "characters": ["CHAR_X", "CHAR_B"], "action": "walks away",
	     "state_changes": [{"character": "CHAR_X", "status": "dead"}]}
	  ]
	}`}}

	analysis := testAnalysis()
	segs, err := New(svc, 8, 2048, nil).Run(context.Background(), fragments(1), analysis)
	if err != nil {
		t.Fatal(err)
	}
	if len(segs[0].CharactersPresent) != 1 || segs[0].CharactersPresent[0] != "CHAR_B" {
		t.Errorf("present = %v, want unknown id dropped", segs[0].CharactersPresent)
	}
	if len(segs[0].StateChanges) != 0 {
		t.Errorf("state change for unknown id accepted: %v", segs[0].StateChanges)
	}
}

func TestDeathIsMonotonicAcrossBatches(t *testing.T) {
	svc := &scriptedService{responses: []string{
		`{"scenes": [{"index": 0, "characters": ["CHAR_A"], "action": "falls",
		  "state_changes": [{"character": "CHAR_A", "status": "dead", "note": "shot"}]}]}`,
		`{"scenes": [{"index": 1, "characters": ["CHAR_A"], "action": "stands",
		  "state_changes": [{"character": "CHAR_A", "status": "alive"}]}]}`,
	}}

	analysis := testAnalysis()
	segs, err := New(svc, 1, 2048, nil).Run(context.Background(), fragments(2), analysis)
	if err != nil {
		t.Fatal(err)
	}
	if analysis.CharacterStates["CHAR_A"].Status != types.StatusDead {
		t.Errorf("dead character revived without flashback: %+v", analysis.CharacterStates["CHAR_A"])
	}
	if len(segs[1].StateChanges) != 0 {
		t.Errorf("rejected transition recorded on segment: %v", segs[1].StateChanges)
	}
}

func TestMissingIndexFallsBackToDefault(t *testing.T) {
	svc := &scriptedService{responses: []string{`{
	  "scenes": [{"index": 0, "characters": ["CHAR_B"], "action": "kneels"}]
	}`}}

	segs, err := New(svc, 8, 2048, nil).Run(context.Background(), fragments(2), testAnalysis())
	if err != nil {
		t.Fatal(err)
	}
	if segs[1].CharactersPresent[0] != "CHAR_A" {
		t.Errorf("segment 1 should default to first known character, got %v", segs[1].CharactersPresent)
	}
}
