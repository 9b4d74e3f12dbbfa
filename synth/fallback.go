package synth

import (
	"fmt"

	"github.com/hermesdev0131/scene-weaver/types"
)

// Markers prefixed onto a fallback scene's action summary so a reviewer can
// find and manually fix affected scenes. The system never presents fabricated
// content as if it were faithfully derived from the source narration.
const (
	MarkerBlocked   = "[BLOCKED]"
	MarkerSanitized = "[SANITIZED]"
)

const (
	defaultBackground = "a dim, atmospheric setting matching the story's era, soft directional light"
	defaultCamera     = "static medium shot, eye level"
	defaultAudio      = "low ambient room tone"
)

// BuildFallback constructs a scene prompt without the remote service, used
// when synthesis fails after retries or is flagged as sanitized. Background
// and camera are inherited from the previous accepted scene for visual
// continuity; performance placeholders derive from the action hint.
func BuildFallback(seg types.SceneSegment, analysis *types.StoryAnalysis, prev *types.FullScenePrompt, marker string) types.FullScenePrompt {
	background := defaultBackground
	camera := defaultCamera
	audio := defaultAudio
	if prev != nil {
		background = prev.Background
		camera = prev.Camera
		if prev.Audio != "" {
			audio = prev.Audio
		}
	}

	chars := make(map[string]types.CharacterLock, len(seg.CharactersPresent))
	for _, id := range seg.CharactersPresent {
		ident, ok := analysis.Characters[id]
		if !ok {
			continue
		}
		chars[id] = types.CharacterLock{
			CharacterIdentity: ident,
			CharacterPerformance: types.CharacterPerformance{
				Position:    "center of frame",
				Orientation: "facing camera at a slight angle",
				Pose:        "standing naturally",
				Expression:  "serious, engaged",
				ActionFlow: types.ActionFlow{
					Pre:  "holds still",
					Main: seg.ActionHint,
					Post: "settles back to stillness",
				},
			},
		}
	}

	return types.FullScenePrompt{
		SceneID:       seg.Index,
		DurationSec:   seg.DurationSec,
		Style:         analysis.Style,
		Characters:    chars,
		Background:    background,
		Camera:        camera,
		Audio:         audio,
		ActionSummary: fmt.Sprintf("%s %s", marker, seg.ActionHint),
		SourceText:    seg.Text,
	}
}
