// Package session resolves chat threads to reusable per-conversation
// sessions and runs individual chat turns against the model.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kalambet/concierge/internal/llm"
	"github.com/kalambet/concierge/internal/routing"
	"github.com/kalambet/concierge/internal/storage"
)

// ModelStreamer is the subset of the model client a session needs.
type ModelStreamer interface {
	ChatStream(ctx context.Context, messages []llm.Message, fn func(delta string) error) (string, error)
}

// Router computes skill instructions for a user message. Forced resolves an
// explicitly requested skill code without similarity search.
type Router interface {
	Instructions(ctx context.Context, query string, topK int, threshold float64) (routing.Instructions, error)
	Forced(ctx context.Context, skillCode string) (routing.Instructions, error)
}

// Resolution is the outcome of resolving a request to a session.
type Resolution struct {
	Session *Session
	Thread  storage.Thread
	IsNew   bool
}

// Manager hands out at most one Session per thread id. Sessions are created
// on demand and evicted explicitly when their thread is deleted.
type Manager struct {
	store        *storage.Store
	model        ModelStreamer
	router       Router
	historyLimit int

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager. historyLimit bounds how many recent messages
// a turn loads for model context.
func NewManager(store *storage.Store, model ModelStreamer, router Router, historyLimit int) *Manager {
	return &Manager{
		store:        store,
		model:        model,
		router:       router,
		historyLimit: historyLimit,
		sessions:     make(map[string]*Session),
	}
}

// Resolve returns the session and thread for a request. An empty or unknown
// threadID mints a new thread whose title derives from firstMessage.
// Concurrent resolves for the same thread id share one session.
func (m *Manager) Resolve(ctx context.Context, threadID, firstMessage string) (Resolution, error) {
	var (
		thread storage.Thread
		isNew  bool
	)

	if threadID != "" {
		existing, err := m.store.GetThread(threadID)
		switch {
		case err == nil:
			thread = existing
		case errors.Is(err, storage.ErrNotFound):
			isNew = true
		default:
			return Resolution{}, fmt.Errorf("resolving thread: %w", err)
		}
	} else {
		isNew = true
	}

	if isNew {
		thread = storage.Thread{
			ID:    uuid.NewString(),
			Title: DeriveTitle(firstMessage),
		}
		if err := m.store.CreateThread(thread); err != nil {
			return Resolution{}, fmt.Errorf("creating thread: %w", err)
		}
		created, err := m.store.GetThread(thread.ID)
		if err == nil {
			thread = created
		}
	}

	return Resolution{
		Session: m.session(thread.ID),
		Thread:  thread,
		IsNew:   isNew,
	}, nil
}

func (m *Manager) session(threadID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[threadID]; ok {
		return s
	}
	s := &Session{
		threadID:     threadID,
		store:        m.store,
		model:        m.model,
		router:       m.router,
		historyLimit: m.historyLimit,
	}
	m.sessions[threadID] = s
	return s
}

// Remove evicts the session for a thread id. Removing an absent id is a
// no-op.
func (m *Manager) Remove(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, threadID)
}
