// Package identity extracts the locked character identities and era for a
// script. Identities anchor every later scene, so a malformed payload here is
// a hard error, never silently defaulted.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hermesdev0131/scene-weaver/remote"
	"github.com/hermesdev0131/scene-weaver/types"
)

const namePassPrompt = `You are a story analyst. Read the full script below and identify the RECURRING characters only: people who appear in at least two scenes. Exclude anonymous or one-off figures (a guard, a passerby, a crowd). Keep the set small and stable.

Also determine the historical era or setting of the story in a short phrase.

Respond with ONLY valid JSON, no markdown, no explanation:
{
  "era": "short era/setting phrase",
  "characters": [
    {"name": "character name", "role": "one short role/importance tag"}
  ]
}
Order characters by importance, most important first.

SCRIPT:
%s`

const visualPassPrompt = `You are a character designer. For each character below, invent one complete, internally consistent visual identity appropriate to the era. Every field must be filled with a concrete visual description, never "unknown" or "varies". These identities will be reused verbatim in every scene, so make them specific.

ERA: %s

CHARACTERS:
%s

Respond with ONLY valid JSON, no markdown, no explanation:
{
  "characters": [
    {
      "id": "CHAR_A",
      "name": "...",
      "species": "...", "gender": "...", "age": "...", "build": "...",
      "face": "...", "hair": "...", "facial_hair": "...", "skin": "...",
      "eyes": "...", "signature_feature": "...",
      "top": "...", "bottom": "...", "headwear": "...", "footwear": "...",
      "accessories": "...", "texture_notes": "..."
    }
  ]
}
Use exactly the ids given above. Include every character exactly once.`

// Extractor runs the two-pass identity extraction.
type Extractor struct {
	svc       remote.Service
	maxTokens int
	logger    *zap.Logger
}

// New creates an Extractor.
func New(svc remote.Service, maxTokens int, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{svc: svc, maxTokens: maxTokens, logger: logger}
}

type namePassPayload struct {
	Era        string `json:"era"`
	Characters []struct {
		Name string `json:"name"`
		Role string `json:"role"`
	} `json:"characters"`
}

type visualPassPayload struct {
	Characters []types.CharacterIdentity `json:"characters"`
}

// Run performs the name pass then the visual pass, never in parallel: the
// second call depends on the first. Returns the locked identity map, the ids
// in importance order, and the era.
func (e *Extractor) Run(ctx context.Context, script string) (map[string]types.CharacterIdentity, []string, string, error) {
	e.logger.Info("extracting recurring characters")

	blob, err := e.svc.Generate(ctx, fmt.Sprintf(namePassPrompt, script), e.maxTokens)
	if err != nil {
		return nil, nil, "", fmt.Errorf("name pass: %w", err)
	}
	names, err := parseNamePass(blob)
	if err != nil {
		return nil, nil, "", fmt.Errorf("name pass: %w", err)
	}

	// Symbolic ids are assigned locally, in importance order, so they stay
	// stable no matter how the service formats its answer.
	order := make([]string, len(names.Characters))
	var roster strings.Builder
	for i, c := range names.Characters {
		id := symbolicID(i)
		order[i] = id
		fmt.Fprintf(&roster, "%s: %s (%s)\n", id, c.Name, c.Role)
	}

	e.logger.Info("characters identified",
		zap.Int("count", len(order)),
		zap.String("era", names.Era),
	)

	blob, err = e.svc.Generate(ctx, fmt.Sprintf(visualPassPrompt, names.Era, roster.String()), e.maxTokens)
	if err != nil {
		return nil, nil, "", fmt.Errorf("visual pass: %w", err)
	}
	visuals, err := parseVisualPass(blob)
	if err != nil {
		return nil, nil, "", fmt.Errorf("visual pass: %w", err)
	}

	identities := make(map[string]types.CharacterIdentity, len(order))
	for _, c := range visuals.Characters {
		identities[c.ID] = c
	}
	for i, id := range order {
		ident, ok := identities[id]
		if !ok {
			return nil, nil, "", &remote.PayloadError{
				Reason: fmt.Sprintf("visual pass missing character %s", id),
				Raw:    blob,
			}
		}
		if ident.Name == "" {
			ident.Name = names.Characters[i].Name
		}
		ident.Role = names.Characters[i].Role
		identities[id] = ident
	}

	return identities, order, names.Era, nil
}

func parseNamePass(blob string) (*namePassPayload, error) {
	raw, err := remote.ExtractJSON(blob)
	if err != nil {
		return nil, err
	}
	var p namePassPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, &remote.PayloadError{Reason: err.Error(), Raw: blob}
	}
	if len(p.Characters) == 0 {
		return nil, &remote.PayloadError{Reason: "no characters in name pass", Raw: blob}
	}
	for _, c := range p.Characters {
		if c.Name == "" {
			return nil, &remote.PayloadError{Reason: "character with empty name", Raw: blob}
		}
	}
	return &p, nil
}

func parseVisualPass(blob string) (*visualPassPayload, error) {
	raw, err := remote.ExtractJSON(blob)
	if err != nil {
		return nil, err
	}
	var p visualPassPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, &remote.PayloadError{Reason: err.Error(), Raw: blob}
	}
	if len(p.Characters) == 0 {
		return nil, &remote.PayloadError{Reason: "no characters in visual pass", Raw: blob}
	}
	return &p, nil
}

// symbolicID returns CHAR_A, CHAR_B, ... CHAR_Z, CHAR_AA, ...
func symbolicID(i int) string {
	suffix := ""
	for {
		suffix = string(rune('A'+i%26)) + suffix
		i = i/26 - 1
		if i < 0 {
			break
		}
	}
	return "CHAR_" + suffix
}
