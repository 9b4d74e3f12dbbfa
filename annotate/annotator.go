// Package annotate attaches character presence, action hints, and life/death
// state transitions to text fragments, in fixed-size batches so prompt and
// response sizes stay bounded.
package annotate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hermesdev0131/scene-weaver/remote"
	"github.com/hermesdev0131/scene-weaver/types"
)

const batchPrompt = `You are a scene annotator for a story set in: %s

KNOWN CHARACTERS (use ONLY these ids):
%s

For each numbered scene fragment below, report:
- which of the known characters are physically present (ids)
- one short physical action hint (a few words, what the body is doing)
- any character status transition visible in THAT fragment's text. Status is one of "alive", "dead", "wounded", "absent". Set "flashback" true only when the fragment clearly revisits an earlier point in the story.

Respond with ONLY valid JSON, no markdown:
{
  "scenes": [
    {
      "index": 0,
      "characters": ["CHAR_A"],
      "action": "short physical action hint",
      "state_changes": [
        {"character": "CHAR_A", "status": "dead", "note": "why", "flashback": false}
      ]
    }
  ]
}
Include every fragment exactly once. Omit "state_changes" when nothing changes.

FRAGMENTS:
%s`

// Annotator batches fragments through the remote service.
type Annotator struct {
	svc       remote.Service
	batchSize int
	maxTokens int
	logger    *zap.Logger
}

// New creates an Annotator. batchSize must be >= 1.
func New(svc remote.Service, batchSize, maxTokens int, logger *zap.Logger) *Annotator {
	if batchSize < 1 {
		batchSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Annotator{svc: svc, batchSize: batchSize, maxTokens: maxTokens, logger: logger}
}

type batchPayload struct {
	Scenes []scenePayload `json:"scenes"`
}

type scenePayload struct {
	Index        int                  `json:"index"`
	Characters   []string             `json:"characters"`
	Action       string               `json:"action"`
	StateChanges []stateChangePayload `json:"state_changes"`
}

type stateChangePayload struct {
	Character string `json:"character"`
	Status    string `json:"status"`
	Note      string `json:"note"`
	Flashback bool   `json:"flashback"`
}

// Run annotates every fragment and applies discovered state transitions to the
// analysis's shared state map in scene order. A batch whose payload cannot be
// parsed degrades to safe defaults instead of aborting the run; synthesis can
// still proceed with weaker hints.
func (a *Annotator) Run(ctx context.Context, fragments []types.TextFragment, analysis *types.StoryAnalysis) ([]types.SceneSegment, error) {
	segments := make([]types.SceneSegment, len(fragments))
	roster := a.roster(analysis)

	for start := 0; start < len(fragments); start += a.batchSize {
		end := start + a.batchSize
		if end > len(fragments) {
			end = len(fragments)
		}

		a.logger.Info("annotating batch",
			zap.Int("from", start),
			zap.Int("to", end-1),
		)

		payload, err := a.annotateBatch(ctx, fragments[start:end], start, roster, analysis.Era)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.logger.Warn("batch annotation failed, using defaults",
				zap.Int("from", start),
				zap.Error(err),
			)
			for i := start; i < end; i++ {
				segments[i] = defaultSegment(fragments[i], i, analysis)
			}
			continue
		}

		byIndex := make(map[int]scenePayload, len(payload.Scenes))
		for _, sc := range payload.Scenes {
			byIndex[sc.Index] = sc
		}
		for i := start; i < end; i++ {
			sc, ok := byIndex[i]
			if !ok {
				segments[i] = defaultSegment(fragments[i], i, analysis)
				continue
			}
			segments[i] = a.buildSegment(fragments[i], i, sc, analysis)
		}
	}

	return segments, nil
}

func (a *Annotator) annotateBatch(ctx context.Context, frags []types.TextFragment, offset int, roster, era string) (*batchPayload, error) {
	var body strings.Builder
	for i, f := range frags {
		fmt.Fprintf(&body, "[%d] %s\n", offset+i, f.Text)
	}

	blob, err := a.svc.Generate(ctx, fmt.Sprintf(batchPrompt, era, roster, body.String()), a.maxTokens)
	if err != nil {
		return nil, err
	}
	raw, err := remote.ExtractJSON(blob)
	if err != nil {
		return nil, err
	}
	var p batchPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, &remote.PayloadError{Reason: err.Error(), Raw: blob}
	}
	return &p, nil
}

// buildSegment validates one annotated scene against the identity map. An
// annotation referencing an unknown character id is a data-integrity violation
// and is dropped.
func (a *Annotator) buildSegment(frag types.TextFragment, index int, sc scenePayload, analysis *types.StoryAnalysis) types.SceneSegment {
	seg := types.SceneSegment{
		TextFragment: frag,
		Index:        index,
		ActionHint:   sc.Action,
	}
	if seg.ActionHint == "" {
		seg.ActionHint = "continuing the narrated action"
	}

	for _, id := range sc.Characters {
		if _, ok := analysis.Characters[id]; !ok {
			a.logger.Warn("annotation references unknown character, ignoring",
				zap.Int("scene", index),
				zap.String("id", id),
			)
			continue
		}
		seg.CharactersPresent = append(seg.CharactersPresent, id)
	}
	if len(seg.CharactersPresent) == 0 && len(analysis.CharacterOrder) > 0 {
		seg.CharactersPresent = []string{analysis.CharacterOrder[0]}
	}

	for _, ch := range sc.StateChanges {
		change := types.StateChange{
			CharacterID: ch.Character,
			Status:      types.CharacterStatus(ch.Status),
			Note:        ch.Note,
			Flashback:   ch.Flashback,
		}
		if analysis.ApplyStateChange(index, change) {
			seg.StateChanges = append(seg.StateChanges, change)
		} else {
			a.logger.Warn("rejected state change",
				zap.Int("scene", index),
				zap.String("id", ch.Character),
				zap.String("status", ch.Status),
			)
		}
	}

	return seg
}

// defaultSegment is the degraded annotation used when a batch cannot be
// parsed: first known character present, generic action hint, no transitions.
func defaultSegment(frag types.TextFragment, index int, analysis *types.StoryAnalysis) types.SceneSegment {
	seg := types.SceneSegment{
		TextFragment: frag,
		Index:        index,
		ActionHint:   "continuing the narrated action",
	}
	if len(analysis.CharacterOrder) > 0 {
		seg.CharactersPresent = []string{analysis.CharacterOrder[0]}
	}
	return seg
}

func (a *Annotator) roster(analysis *types.StoryAnalysis) string {
	var sb strings.Builder
	for _, id := range analysis.CharacterOrder {
		c := analysis.Characters[id]
		fmt.Fprintf(&sb, "%s: %s (%s)\n", id, c.Name, c.Role)
	}
	return sb.String()
}
