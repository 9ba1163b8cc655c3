package skilllearn

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/acontexthq/acontext/internal/llm"
	"github.com/acontexthq/acontext/internal/store"
	"github.com/acontexthq/acontext/pkg/models"
)

const learnerSystemPrompt = `You maintain a library of agent skills: named knowledge bundles, each backed by files with a SKILL.md descriptor.

Given a distilled task analysis, fold what generalizes into the library:
1. An existing skill covers the same domain: update it.
2. Partial overlap: broaden that skill, then update it.
3. Zero coverage: create a new skill, named at the domain or category level, never after the single task.

Rules:
- Call report_thinking with your decision before any mutation.
- Keep SKILL.md front matter intact; the name field never changes.
- Prefer small, surgical str_replace edits over rewriting files.
- Call finish when the library reflects the analysis.`

// BuildLearnerTurns composes the learner's input from the distilled
// block and the space's skill inventory.
func BuildLearnerTurns(distilled string, skills map[string]*SkillInfo) []llm.Turn {
	var b strings.Builder
	b.WriteString(distilled)

	b.WriteString("\n## Skills in this learning space\n")
	if len(skills) == 0 {
		b.WriteString("(none yet)\n")
	}
	for _, info := range skills {
		fmt.Fprintf(&b, "- %s: %s\n", info.Skill.Name, info.Skill.Description)
	}

	return []llm.Turn{{
		Role:  "user",
		Parts: []models.Part{{Type: models.PartTypeText, Text: b.String()}},
	}}
}

// LoadSkills builds the learner's skill inventory from the space's
// members and their disk contents.
func LoadSkills(ctx context.Context, st *store.Store, spaceID uuid.UUID) (map[string]*SkillInfo, error) {
	skills, err := st.ListSpaceSkills(ctx, spaceID)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*SkillInfo, len(skills))
	for _, skill := range skills {
		artifacts, err := st.ListArtifacts(ctx, skill.DiskID, "")
		if err != nil {
			return nil, err
		}
		info := &SkillInfo{Skill: skill}
		for _, artifact := range artifacts {
			info.FilePaths = append(info.FilePaths, artifact.FullPath())
		}
		out[skill.Name] = info
	}
	return out, nil
}
