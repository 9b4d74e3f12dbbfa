package types

import "testing"

func newAnalysis() *StoryAnalysis {
	a := &StoryAnalysis{
		Characters: map[string]CharacterIdentity{
			"CHAR_A": {ID: "CHAR_A", Name: "Reyes"},
			"CHAR_B": {ID: "CHAR_B", Name: "Cole"},
		},
		CharacterOrder: []string{"CHAR_A", "CHAR_B"},
	}
	a.InitStates()
	return a
}

func TestInitStates(t *testing.T) {
	a := newAnalysis()
	for _, id := range []string{"CHAR_A", "CHAR_B"} {
		entry := a.CharacterStates[id]
		if entry == nil || entry.Status != StatusAlive || entry.ChangedAtScene != 0 {
			t.Errorf("%s: want alive at scene 0, got %+v", id, entry)
		}
	}
}

func TestDeadIsNeverDowngraded(t *testing.T) {
	a := newAnalysis()

	if !a.ApplyStateChange(3, StateChange{CharacterID: "CHAR_A", Status: StatusDead, Note: "drowned"}) {
		t.Fatal("death transition rejected")
	}
	if a.ApplyStateChange(5, StateChange{CharacterID: "CHAR_A", Status: StatusAlive}) {
		t.Error("dead character revived without flashback override")
	}
	if a.ApplyStateChange(6, StateChange{CharacterID: "CHAR_A", Status: StatusWounded}) {
		t.Error("dead character downgraded to wounded without flashback override")
	}
	if got := a.CharacterStates["CHAR_A"].Status; got != StatusDead {
		t.Errorf("status = %s, want dead", got)
	}
}

func TestFlashbackOverridesDeath(t *testing.T) {
	a := newAnalysis()
	a.ApplyStateChange(3, StateChange{CharacterID: "CHAR_A", Status: StatusDead})

	if !a.ApplyStateChange(5, StateChange{CharacterID: "CHAR_A", Status: StatusAlive, Flashback: true}) {
		t.Fatal("flashback transition rejected")
	}
	if got := a.CharacterStates["CHAR_A"].Status; got != StatusAlive {
		t.Errorf("status = %s, want alive after flashback", got)
	}
}

func TestEarliestNoteKept(t *testing.T) {
	a := newAnalysis()
	a.ApplyStateChange(2, StateChange{CharacterID: "CHAR_B", Status: StatusWounded, Note: "first note"})
	a.ApplyStateChange(4, StateChange{CharacterID: "CHAR_B", Status: StatusDead, Note: "second note"})

	entry := a.CharacterStates["CHAR_B"]
	if entry.Status != StatusDead || entry.ChangedAtScene != 4 {
		t.Errorf("status not advanced: %+v", entry)
	}
	if entry.Note != "first note" {
		t.Errorf("note = %q, want earliest note kept", entry.Note)
	}
}

func TestUnknownCharacterAndStatusRejected(t *testing.T) {
	a := newAnalysis()
	if a.ApplyStateChange(1, StateChange{CharacterID: "CHAR_Z", Status: StatusDead}) {
		t.Error("unknown character accepted")
	}
	if a.ApplyStateChange(1, StateChange{CharacterID: "CHAR_A", Status: "ghost"}) {
		t.Error("unknown status accepted")
	}
}
