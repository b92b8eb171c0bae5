// Package routing maps free-text user messages to skills by embedding
// similarity.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/concierge/internal/storage"
	"github.com/kalambet/concierge/internal/vector"
)

// Collection is the vector collection holding skill routing records.
const Collection = "skill_routing"

// Embedder is the interface for text embedding.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// SkillLookup resolves a skill code to its stored definition.
// Implemented by storage.Store.
type SkillLookup interface {
	GetSkillByCode(code string) (storage.Skill, error)
}

// Match is one routing record that cleared the similarity threshold.
type Match struct {
	ID        string  `json:"id"`
	SkillCode string  `json:"skill_code"`
	SkillName string  `json:"skill_name"`
	Query     string  `json:"query"`
	Score     float32 `json:"score"`
}

// Instructions is the routing outcome for one message: the selected skill's
// system prompt plus the matches that led to it. A zero value means no skill
// cleared the threshold and the turn proceeds open-domain.
type Instructions struct {
	SkillCode    string
	SystemPrompt string
	Matches      []Match
}

// routingPayload is the serialized form of a routing record.
type routingPayload struct {
	SkillCode string `json:"skill_code"`
	SkillName string `json:"skill_name"`
	Query     string `json:"query"`
}

// Index routes queries to skills via the vector index.
type Index struct {
	embedder  Embedder
	vectors   vector.Index
	skills    SkillLookup
	topK      int
	threshold float64
}

// New creates an Index with the given default topK and score threshold.
func New(embedder Embedder, vectors vector.Index, skills SkillLookup, topK int, threshold float64) *Index {
	return &Index{
		embedder:  embedder,
		vectors:   vectors,
		skills:    skills,
		topK:      topK,
		threshold: threshold,
	}
}

// Route embeds the query and returns routing records with score >= threshold,
// ranked by score and deduplicated by skill code. Pass topK <= 0 or
// threshold <= 0 to use the index defaults. An empty result is not an error.
func (ix *Index) Route(ctx context.Context, query string, topK int, threshold float64) ([]Match, error) {
	if topK <= 0 {
		topK = ix.topK
	}
	if threshold <= 0 {
		threshold = ix.threshold
	}

	vec, err := ix.embedder.Embed(ctx, Normalize(query))
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	scored, err := ix.vectors.Search(Collection, vec, topK, vector.Filter{})
	if err != nil {
		return nil, fmt.Errorf("searching routing records: %w", err)
	}

	var matches []Match
	seen := make(map[string]bool)
	for _, s := range scored {
		if float64(s.Score) < threshold {
			continue
		}
		var p routingPayload
		if err := json.Unmarshal([]byte(s.Payload), &p); err != nil {
			slog.Warn("skipping routing record with corrupt payload", "id", s.ID, "error", err)
			continue
		}
		if seen[p.SkillCode] {
			continue
		}
		seen[p.SkillCode] = true
		matches = append(matches, Match{
			ID:        s.ID,
			SkillCode: p.SkillCode,
			SkillName: p.SkillName,
			Query:     p.Query,
			Score:     s.Score,
		})
	}
	return matches, nil
}

// Instructions routes the query and resolves the first matched skill's
// system prompt. A match whose skill row has since been deleted is skipped.
func (ix *Index) Instructions(ctx context.Context, query string, topK int, threshold float64) (Instructions, error) {
	matches, err := ix.Route(ctx, query, topK, threshold)
	if err != nil {
		return Instructions{}, err
	}

	for _, m := range matches {
		skill, err := ix.skills.GetSkillByCode(m.SkillCode)
		if errors.Is(err, storage.ErrNotFound) {
			slog.Warn("routing matched a deleted skill", "skill_code", m.SkillCode)
			continue
		}
		if err != nil {
			return Instructions{}, fmt.Errorf("looking up skill %s: %w", m.SkillCode, err)
		}
		if !skill.Active {
			continue
		}
		return Instructions{
			SkillCode:    skill.Code,
			SystemPrompt: skill.SystemPrompt,
			Matches:      matches,
		}, nil
	}

	// Nothing cleared the threshold: open-domain turn.
	return Instructions{Matches: matches}, nil
}

// Forced returns instructions for an explicitly requested skill, bypassing
// similarity search. Unknown codes surface storage.ErrNotFound; an inactive
// skill is treated the same as an unknown one.
func (ix *Index) Forced(ctx context.Context, skillCode string) (Instructions, error) {
	skill, err := ix.skills.GetSkillByCode(skillCode)
	if err != nil {
		return Instructions{}, err
	}
	if !skill.Active {
		return Instructions{}, storage.ErrNotFound
	}
	return Instructions{
		SkillCode:    skill.Code,
		SystemPrompt: skill.SystemPrompt,
	}, nil
}

// Seed embeds the given phrasings and inserts one routing record per
// phrasing for the skill. Returns the number of records inserted.
func (ix *Index) Seed(ctx context.Context, skillCode, skillName string, phrasings []string) (int, error) {
	normalized := make([]string, 0, len(phrasings))
	for _, p := range phrasings {
		if n := Normalize(p); n != "" {
			normalized = append(normalized, n)
		}
	}
	if len(normalized) == 0 {
		return 0, nil
	}

	vecs, err := ix.embedder.EmbedBatch(ctx, normalized)
	if err != nil {
		return 0, fmt.Errorf("embedding phrasings: %w", err)
	}

	now := time.Now().UTC()
	records := make([]vector.Record, len(normalized))
	for i, q := range normalized {
		payload, err := json.Marshal(routingPayload{SkillCode: skillCode, SkillName: skillName, Query: q})
		if err != nil {
			return 0, fmt.Errorf("encoding routing payload: %w", err)
		}
		records[i] = vector.Record{
			ID:        uuid.NewString(),
			Key:       skillCode,
			Payload:   string(payload),
			Embedding: vecs[i],
			CreatedAt: now,
		}
	}

	if err := ix.vectors.Insert(Collection, records); err != nil {
		return 0, fmt.Errorf("inserting routing records: %w", err)
	}
	return len(records), nil
}

// RemoveSkill drops all routing records for a skill code.
func (ix *Index) RemoveSkill(skillCode string) error {
	return ix.vectors.DeleteByKey(Collection, skillCode)
}

// Normalize collapses runs of whitespace to single spaces and trims the
// result, so equivalent phrasings embed identically.
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
