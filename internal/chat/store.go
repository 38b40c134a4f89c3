package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nugget/foreman/internal/opstate"
)

// Store holds at most one workflow per conversation id. Get returns
// (nil, nil) when the conversation has no workflow.
type Store interface {
	Get(ctx context.Context, conversationID string) (*WorkflowState, error)
	Set(ctx context.Context, w *WorkflowState) error
	Delete(ctx context.Context, conversationID string) error
	Len(ctx context.Context) (int, error)
}

// MemoryStore keeps workflows in process memory. They are lost on
// restart.
type MemoryStore struct {
	mu sync.Mutex
	m  map[string]WorkflowState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]WorkflowState)}
}

// Get returns a copy of the stored workflow.
func (s *MemoryStore) Get(_ context.Context, id string) (*WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.m[id]
	if !ok {
		return nil, nil
	}
	w.Data.StepData = cloneData(w.Data.StepData)
	return &w, nil
}

// Set replaces any workflow stored under w.ID.
func (s *MemoryStore) Set(_ context.Context, w *WorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *w
	c.Data.StepData = cloneData(w.Data.StepData)
	s.m[w.ID] = c
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
	return nil
}

func (s *MemoryStore) Len(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m), nil
}

func cloneData(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

const workflowNamespace = "workflow"

// DurableStore keeps workflows as JSON in the operational state table,
// so a guided workflow survives a restart.
type DurableStore struct {
	state *opstate.Store
}

// NewDurableStore wraps an opstate store.
func NewDurableStore(state *opstate.Store) *DurableStore {
	return &DurableStore{state: state}
}

func (s *DurableStore) Get(ctx context.Context, id string) (*WorkflowState, error) {
	raw, ok, err := s.state.Get(ctx, workflowNamespace, id)
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", id, err)
	}
	if !ok {
		return nil, nil
	}
	var w WorkflowState
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", id, err)
	}
	if !w.EntityType.Valid() {
		return nil, fmt.Errorf("decode workflow %s: unknown entity type %q", id, w.EntityType)
	}
	if w.Data.StepData == nil {
		w.Data.StepData = map[string]string{}
	}
	return &w, nil
}

func (s *DurableStore) Set(ctx context.Context, w *WorkflowState) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode workflow %s: %w", w.ID, err)
	}
	if err := s.state.Set(ctx, workflowNamespace, w.ID, string(raw)); err != nil {
		return fmt.Errorf("save workflow %s: %w", w.ID, err)
	}
	return nil
}

func (s *DurableStore) Delete(ctx context.Context, id string) error {
	if err := s.state.Delete(ctx, workflowNamespace, id); err != nil {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}
	return nil
}

func (s *DurableStore) Len(ctx context.Context) (int, error) {
	return s.state.Count(ctx, workflowNamespace)
}

// keyedMutex serializes work per conversation id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
