package types

// TextFragment is one time-boxed slice of the script, produced once by the
// segmenter and never mutated afterwards.
type TextFragment struct {
	Text        string  `json:"text"`
	WordCount   int     `json:"word_count"`
	DurationSec float64 `json:"duration_sec"`
	StartWord   int     `json:"start_word"`
	EndWord     int     `json:"end_word"`
}

// CharacterIdentity is the locked, scene-invariant visual descriptor for one
// recurring character. It is created once during extraction, may be edited by
// the approval step before generation starts, and is frozen afterwards.
type CharacterIdentity struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Role             string `json:"role"`
	Species          string `json:"species"`
	Gender           string `json:"gender"`
	Age              string `json:"age"`
	Build            string `json:"build"`
	Face             string `json:"face"`
	Hair             string `json:"hair"`
	FacialHair       string `json:"facial_hair"`
	Skin             string `json:"skin"`
	Eyes             string `json:"eyes"`
	SignatureFeature string `json:"signature_feature"`
	Top              string `json:"top"`
	Bottom           string `json:"bottom"`
	Headwear         string `json:"headwear"`
	Footwear         string `json:"footwear"`
	Accessories      string `json:"accessories"`
	TextureNotes     string `json:"texture_notes"`
}

// CharacterStatus is a character's life/presence state at a point in the story.
type CharacterStatus string

const (
	StatusAlive   CharacterStatus = "alive"
	StatusDead    CharacterStatus = "dead"
	StatusWounded CharacterStatus = "wounded"
	StatusAbsent  CharacterStatus = "absent"
)

// ValidStatus reports whether s is one of the four known statuses.
func ValidStatus(s CharacterStatus) bool {
	switch s {
	case StatusAlive, StatusDead, StatusWounded, StatusAbsent:
		return true
	}
	return false
}

// CharacterStateEntry tracks one character's current status. Updated only
// forward in scene order; never rolled back.
type CharacterStateEntry struct {
	Status         CharacterStatus `json:"status"`
	ChangedAtScene int             `json:"changed_at_scene"`
	Note           string          `json:"note"`
}

// StateChange is a status transition discovered by annotation in one fragment.
// Flashback marks an intentional return to an earlier point in the story and is
// the only way a dead character comes back to life.
type StateChange struct {
	CharacterID string          `json:"character_id"`
	Status      CharacterStatus `json:"status"`
	Note        string          `json:"note"`
	Flashback   bool            `json:"flashback,omitempty"`
}

// SceneSegment is a text fragment plus everything annotation learned about it.
type SceneSegment struct {
	TextFragment
	Index             int           `json:"index"`
	CharactersPresent []string      `json:"characters_present"`
	ActionHint        string        `json:"action_hint"`
	StateChanges      []StateChange `json:"state_changes,omitempty"`
}

// ActionFlow is the three-beat motion arc of one character in one scene.
type ActionFlow struct {
	Pre  string `json:"pre"`
	Main string `json:"main"`
	Post string `json:"post"`
}

// CharacterPerformance is the scene-specific half of a character lock. These
// fields are never shared between scenes.
type CharacterPerformance struct {
	Position    string     `json:"position"`
	Orientation string     `json:"orientation"`
	Pose        string     `json:"pose"`
	Expression  string     `json:"expression"`
	ActionFlow  ActionFlow `json:"action_flow"`
}

// CharacterLock stamps a locked identity onto a single scene's performance.
// Identity fields must be byte-identical across every scene the character
// appears in.
type CharacterLock struct {
	CharacterIdentity
	CharacterPerformance
}

// FullScenePrompt is the final output unit, one per scene segment. Ordering
// across a run always matches segment order.
type FullScenePrompt struct {
	SceneID       int                      `json:"scene_id"`
	DurationSec   float64                  `json:"duration_sec"`
	Style         string                   `json:"style"`
	Characters    map[string]CharacterLock `json:"characters"`
	Background    string                   `json:"background"`
	Camera        string                   `json:"camera"`
	Audio         string                   `json:"audio"`
	ActionSummary string                   `json:"action_summary"`
	SourceText    string                   `json:"source_text"`
}

// StoryAnalysis is the frozen source of truth for one run: locked identities,
// era, style, ordered scenes, and the shared character state map.
type StoryAnalysis struct {
	Characters      map[string]CharacterIdentity    `json:"characters"`
	CharacterOrder  []string                        `json:"character_order"`
	Era             string                          `json:"era"`
	Style           string                          `json:"style"`
	Scenes          []SceneSegment                  `json:"scenes"`
	CharacterStates map[string]*CharacterStateEntry `json:"character_states"`
}

// InitStates seeds every known character as alive at scene 0.
func (a *StoryAnalysis) InitStates() {
	a.CharacterStates = make(map[string]*CharacterStateEntry, len(a.Characters))
	for id := range a.Characters {
		a.CharacterStates[id] = &CharacterStateEntry{Status: StatusAlive, ChangedAtScene: 0}
	}
}

// ApplyStateChange applies one discovered transition in scene order. It reports
// whether the change was accepted. A dead character is never downgraded back to
// alive or wounded unless the change carries an explicit flashback override.
// Later transitions overwrite the status; the earliest note is kept for audit.
func (a *StoryAnalysis) ApplyStateChange(scene int, ch StateChange) bool {
	entry, ok := a.CharacterStates[ch.CharacterID]
	if !ok || !ValidStatus(ch.Status) {
		return false
	}
	if entry.Status == StatusDead && ch.Status != StatusDead && !ch.Flashback {
		return false
	}
	entry.Status = ch.Status
	entry.ChangedAtScene = scene
	if entry.Note == "" {
		entry.Note = ch.Note
	}
	return true
}

// Phase is the orchestrator's externally visible lifecycle phase.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseAnalyzing        Phase = "analyzing"
	PhaseAwaitingApproval Phase = "awaiting_approval"
	PhaseGenerating       Phase = "generating"
	PhasePaused           Phase = "paused"
)

// GenerationState is the transient, UI-facing view of a run.
type GenerationState struct {
	Phase        Phase  `json:"phase"`
	CurrentScene int    `json:"current_scene"`
	TotalScenes  int    `json:"total_scenes"`
	Error        string `json:"error,omitempty"`
}

// ProjectSnapshot is the serializable progress record written after every
// completed scene or batch so an interrupted run can resume.
type ProjectSnapshot struct {
	ProjectID        string            `json:"project_id"`
	Script           string            `json:"script"`
	Style            string            `json:"style"`
	SceneDurationSec float64           `json:"scene_duration_sec"`
	Analysis         *StoryAnalysis    `json:"analysis"`
	Prompts          []FullScenePrompt `json:"prompts"`
	NextIndex        int               `json:"next_index"`
	IsComplete       bool              `json:"is_complete"`
}
