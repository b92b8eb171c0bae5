// Package intent classifies user messages into intent labels, caching
// confident results keyed by embedding so paraphrases of a known message
// skip the model call.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/concierge/internal/llm"
	"github.com/kalambet/concierge/internal/routing"
	"github.com/kalambet/concierge/internal/vector"
)

// Collection is the vector collection holding cached classifications.
const Collection = "intent_classification"

// Embedder is the interface for text embedding.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Chatter is the subset of the model client the classifier needs.
type Chatter interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// Message is the model client's message type. The alias keeps the concrete
// client assignable to Chatter.
type Message = llm.Message

// Result is one classification outcome. Cached reports whether it was
// served from the cache without a model call.
type Result struct {
	Label      string  `json:"label"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
	Cached     bool    `json:"-"`
}

// Classifier answers "what does the user want" for a single message.
type Classifier struct {
	embedder Embedder
	model    Chatter
	vectors  vector.Index
	gate     float64
}

// New creates a Classifier. gate is the confidence threshold below which
// results are neither persisted nor served from cache.
func New(embedder Embedder, model Chatter, vectors vector.Index, gate float64) *Classifier {
	return &Classifier{embedder: embedder, model: model, vectors: vectors, gate: gate}
}

// Classify returns the intent of the message. The cache is consulted first:
// the nearest cached phrasing whose stored confidence clears the gate is
// returned as-is. On a miss the model is called, and the result is written
// back only when its confidence clears the gate, keyed by the message's own
// embedding so the cache grows by paraphrase.
func (c *Classifier) Classify(ctx context.Context, userMessage string) (Result, error) {
	normalized := routing.Normalize(userMessage)
	vec, err := c.embedder.Embed(ctx, normalized)
	if err != nil {
		return Result{}, fmt.Errorf("embedding message: %w", err)
	}

	if cached, ok := c.lookup(vec); ok {
		return cached, nil
	}

	raw, err := c.model.Chat(ctx, []Message{
		{Role: "system", Content: classifyInstructions},
		{Role: "user", Content: normalized},
	})
	if err != nil {
		return Result{}, fmt.Errorf("classifying message: %w", err)
	}

	result := parseResult(raw)
	if result.Confidence >= c.gate {
		if err := c.persist(vec, normalized, result); err != nil {
			// The caller still gets a valid result; the cache just missed
			// a chance to grow.
			slog.Warn("failed to cache intent classification", "label", result.Label, "error", err)
		}
	}
	return result, nil
}

// cachedPayload is the serialized form of one cache record.
type cachedPayload struct {
	Query  string `json:"query"`
	Result Result `json:"result"`
}

func (c *Classifier) lookup(vec []float32) (Result, bool) {
	scored, err := c.vectors.Search(Collection, vec, 1, vector.Filter{})
	if err != nil {
		slog.Warn("intent cache search failed", "error", err)
		return Result{}, false
	}
	if len(scored) == 0 {
		return Result{}, false
	}
	var p cachedPayload
	if err := json.Unmarshal([]byte(scored[0].Payload), &p); err != nil {
		slog.Warn("skipping intent cache record with corrupt payload", "id", scored[0].ID, "error", err)
		return Result{}, false
	}
	if float64(scored[0].Score) < c.gate || p.Result.Confidence < c.gate {
		return Result{}, false
	}
	p.Result.Cached = true
	return p.Result, true
}

func (c *Classifier) persist(vec []float32, query string, result Result) error {
	payload, err := json.Marshal(cachedPayload{Query: query, Result: result})
	if err != nil {
		return fmt.Errorf("encoding cache payload: %w", err)
	}
	return c.vectors.Insert(Collection, []vector.Record{{
		ID:        uuid.NewString(),
		Key:       result.Label,
		Payload:   string(payload),
		Embedding: vec,
		CreatedAt: time.Now().UTC(),
	}})
}

// parseResult decodes the model's JSON answer. The instruction document asks
// for bare JSON, but models sometimes wrap it in a code fence; both forms are
// accepted. Anything else degrades to an unknown label with zero confidence,
// which the gate keeps out of the cache.
func parseResult(raw string) Result {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	var r Result
	if err := json.Unmarshal([]byte(trimmed), &r); err != nil || r.Label == "" {
		return Result{Label: "unknown", Reason: "model response was not valid classification JSON", Confidence: 0}
	}
	if r.Confidence < 0 {
		r.Confidence = 0
	}
	if r.Confidence > 1 {
		r.Confidence = 1
	}
	return r
}
