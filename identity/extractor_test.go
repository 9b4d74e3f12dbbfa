package identity

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hermesdev0131/scene-weaver/remote"
)

// scriptedService returns canned responses in order.
type scriptedService struct {
	responses []string
	prompts   []string
}

func (s *scriptedService) Generate(_ context.Context, prompt string, _ int) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if len(s.responses) == 0 {
		return "", remote.ErrEmptyResponse
	}
	out := s.responses[0]
	s.responses = s.responses[1:]
	return out, nil
}

const nameResponse = "```json\n" + `{
  "era": "Napoleonic Wars, 1812",
  "characters": [
    {"name": "General Moreau", "role": "protagonist commander"},
    {"name": "Elise", "role": "field nurse"}
  ]
}` + "\n```"

const visualResponse = `{
  "characters": [
    {"id": "CHAR_A", "name": "General Moreau", "species": "human", "gender": "male",
     "age": "50s", "build": "stocky", "face": "weathered square face", "hair": "grey, short",
     "facial_hair": "thick grey moustache", "skin": "pale, wind-burned", "eyes": "steel blue",
     "signature_feature": "scar across left brow", "top": "dark blue field coat with brass buttons",
     "bottom": "white breeches", "headwear": "bicorne hat", "footwear": "black riding boots",
     "accessories": "brass telescope on a strap", "texture_notes": "wool coat, mud-spattered"},
    {"id": "CHAR_B", "name": "Elise", "species": "human", "gender": "female",
     "age": "20s", "build": "slight", "face": "oval, freckled", "hair": "auburn, pinned up",
     "facial_hair": "", "skin": "fair", "eyes": "green",
     "signature_feature": "red kerchief at the neck", "top": "grey wool dress",
     "bottom": "grey wool dress", "headwear": "white linen cap", "footwear": "worn leather shoes",
     "accessories": "canvas satchel of bandages", "texture_notes": "coarse homespun fabric"}
  ]
}`

func TestTwoPassExtraction(t *testing.T) {
	svc := &scriptedService{responses: []string{nameResponse, visualResponse}}
	identities, order, era, err := New(svc, 2048, nil).Run(context.Background(), "the script text")
	if err != nil {
		t.Fatal(err)
	}

	if era != "Napoleonic Wars, 1812" {
		t.Errorf("era = %q", era)
	}
	if len(order) != 2 || order[0] != "CHAR_A" || order[1] != "CHAR_B" {
		t.Errorf("order = %v, want [CHAR_A CHAR_B] by importance", order)
	}
	if identities["CHAR_A"].Name != "General Moreau" || identities["CHAR_A"].Role != "protagonist commander" {
		t.Errorf("CHAR_A = %+v", identities["CHAR_A"])
	}
	if identities["CHAR_B"].Hair != "auburn, pinned up" {
		t.Errorf("CHAR_B visual fields not carried: %+v", identities["CHAR_B"])
	}

	// The visual pass must be fed the roster with locally assigned ids.
	if len(svc.prompts) != 2 {
		t.Fatalf("made %d calls, want 2 sequential calls", len(svc.prompts))
	}
	if !strings.Contains(svc.prompts[1], "CHAR_A: General Moreau") {
		t.Errorf("visual pass prompt missing roster:\n%s", svc.prompts[1])
	}
}

func TestNamePassParseFailureIsHardError(t *testing.T) {
	svc := &scriptedService{responses: []string{"I cannot help with that."}}
	_, _, _, err := New(svc, 2048, nil).Run(context.Background(), "script")
	if !remote.IsPayloadError(err) {
		t.Fatalf("err = %v, want payload error", err)
	}
}

func TestVisualPassMissingCharacterIsHardError(t *testing.T) {
	onlyOne := `{"characters": [{"id": "CHAR_A", "name": "General Moreau"}]}`
	svc := &scriptedService{responses: []string{nameResponse, onlyOne}}
	_, _, _, err := New(svc, 2048, nil).Run(context.Background(), "script")
	if !remote.IsPayloadError(err) {
		t.Fatalf("err = %v, want payload error for missing CHAR_B", err)
	}
}

func TestRemoteFailurePropagates(t *testing.T) {
	svc := &scriptedService{}
	_, _, _, err := New(svc, 2048, nil).Run(context.Background(), "script")
	if !errors.Is(err, remote.ErrEmptyResponse) {
		t.Fatalf("err = %v, want empty-response error", err)
	}
}

func TestSymbolicIDs(t *testing.T) {
	cases := map[int]string{0: "CHAR_A", 1: "CHAR_B", 25: "CHAR_Z", 26: "CHAR_AA", 27: "CHAR_AB"}
	for i, want := range cases {
		if got := symbolicID(i); got != want {
			t.Errorf("symbolicID(%d) = %s, want %s", i, got, want)
		}
	}
}
