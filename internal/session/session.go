package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kalambet/concierge/internal/llm"
	"github.com/kalambet/concierge/internal/routing"
	"github.com/kalambet/concierge/internal/storage"
)

// ErrStoreFailed marks turn errors raised by the persistence layer rather
// than the model, so callers can report them under a distinct code.
var ErrStoreFailed = errors.New("store failure")

// Session is a reusable per-conversation handle. Turns on the same session
// run one at a time so sequence assignment within a thread stays ordered.
type Session struct {
	threadID     string
	store        *storage.Store
	model        ModelStreamer
	router       Router
	historyLimit int

	mu sync.Mutex
}

// TurnOptions carries per-request overrides for one turn.
type TurnOptions struct {
	// ScoreThreshold overrides the routing threshold when > 0.
	ScoreThreshold float64
	// SkillCode, when set, selects that skill directly instead of routing.
	SkillCode string
}

// TurnResult is the outcome of one completed turn.
type TurnResult struct {
	Reply   string
	Routing routing.Instructions
}

// messagePayload is the serialized form stored alongside each message row.
type messagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Run executes one chat turn: route the message to a skill, load recent
// history, stream the model response through emit, then persist the
// user/assistant pair as one atomic batch. Nothing is persisted when the
// model call fails or the context is cancelled mid-stream. The routing
// decision is recorded on turnCtx for consumption after the turn.
func (s *Session) Run(ctx context.Context, userMessage string, opts TurnOptions, turnCtx *routing.TurnContext, emit func(delta string) error) (TurnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inst routing.Instructions
	var err error
	if opts.SkillCode != "" {
		inst, err = s.router.Forced(ctx, opts.SkillCode)
	} else {
		inst, err = s.router.Instructions(ctx, userMessage, 0, opts.ScoreThreshold)
	}
	if err != nil {
		return TurnResult{}, fmt.Errorf("routing message: %w", err)
	}
	if turnCtx != nil {
		turnCtx.Set(inst)
	}

	history, err := s.loadHistory()
	if err != nil {
		return TurnResult{}, fmt.Errorf("%w: loading history: %v", ErrStoreFailed, err)
	}

	messages := make([]llm.Message, 0, len(history)+2)
	if inst.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: storage.RoleSystem, Content: inst.SystemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: storage.RoleUser, Content: userMessage})

	reply, err := s.model.ChatStream(ctx, messages, emit)
	if err != nil {
		return TurnResult{}, err
	}

	if err := s.persistTurn(userMessage, reply); err != nil {
		return TurnResult{}, fmt.Errorf("%w: persisting turn: %v", ErrStoreFailed, err)
	}
	return TurnResult{Reply: reply, Routing: inst}, nil
}

// loadHistory returns the thread's most recent messages in chronological
// order, mapped to model messages. A row that cannot be decoded is skipped
// so one corrupt message does not block the whole conversation.
func (s *Session) loadHistory() ([]llm.Message, error) {
	rows, err := s.store.ListRecentMessages(s.threadID, s.historyLimit)
	if err != nil {
		return nil, err
	}

	history := make([]llm.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := decodeMessage(row)
		if err != nil {
			slog.Warn("skipping undecodable message row",
				"thread", s.threadID, "message", row.ID, "error", err)
			continue
		}
		history = append(history, msg)
	}
	return history, nil
}

func decodeMessage(row storage.Message) (llm.Message, error) {
	content := row.TextContent
	if row.PayloadJSON != "" {
		var p messagePayload
		if err := json.Unmarshal([]byte(row.PayloadJSON), &p); err != nil {
			return llm.Message{}, fmt.Errorf("decoding payload: %w", err)
		}
		if p.Content != "" {
			content = p.Content
		}
	}
	switch row.Role {
	case storage.RoleUser, storage.RoleAssistant, storage.RoleSystem, storage.RoleTool:
	default:
		return llm.Message{}, fmt.Errorf("unknown role %q", row.Role)
	}
	if content == "" {
		return llm.Message{}, fmt.Errorf("message has no content")
	}
	return llm.Message{Role: row.Role, Content: content}, nil
}

func (s *Session) persistTurn(userMessage, reply string) error {
	pair := make([]storage.Message, 0, 2)
	for _, m := range []messagePayload{
		{Role: storage.RoleUser, Content: userMessage},
		{Role: storage.RoleAssistant, Content: reply},
	} {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encoding message payload: %w", err)
		}
		pair = append(pair, storage.Message{
			ID:          uuid.NewString(),
			ThreadID:    s.threadID,
			Role:        m.Role,
			TextContent: m.Content,
			PayloadJSON: string(payload),
		})
	}
	_, err := s.store.AppendMessages(s.threadID, pair)
	return err
}
