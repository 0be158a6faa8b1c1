package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store with the same expiry semantics as the
// durable backends. Suitable for tests and single-shot runs.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*memEntry
	ttl   time.Duration
}

type memEntry struct {
	task      *Task
	expiresAt time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*memEntry), ttl: DefaultTTL}
}

// Create persists a new task in StatusPending.
func (s *MemoryStore) Create(ctx context.Context, objective string, opts CreateOptions) (*Task, error) {
	t := newTask(objective, opts)
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}
	s.mu.Lock()
	s.tasks[t.ID] = &memEntry{task: clone(t), expiresAt: time.Now().UTC().Add(ttl)}
	s.mu.Unlock()
	return t, nil
}

// Get retrieves a task by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok || time.Now().UTC().After(e.expiresAt) {
		delete(s.tasks, id)
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return clone(e.task), nil
}

// Update overwrites the stored task and renews its expiry.
func (s *MemoryStore) Update(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[t.ID]
	if !ok || time.Now().UTC().After(e.expiresAt) {
		delete(s.tasks, t.ID)
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	t.UpdatedAt = time.Now().UTC()
	e.task = clone(t)
	e.expiresAt = time.Now().UTC().Add(s.ttl)
	return nil
}

// AppendMessage adds one message to the task conversation log.
func (s *MemoryStore) AppendMessage(ctx context.Context, id string, m Message) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	t.Messages = append(t.Messages, m)
	return s.Update(ctx, t)
}

// List returns matching summaries, newest first.
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now().UTC()
	var out []Summary
	for _, e := range s.tasks {
		if now.After(e.expiresAt) {
			continue
		}
		if filter.Status != "" && e.task.Status != filter.Status {
			continue
		}
		out = append(out, e.task.Summarize())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Delete removes a task.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	delete(s.tasks, id)
	return nil
}

// ExpireAfter sets the task's remaining lifetime to d.
func (s *MemoryStore) ExpireAfter(ctx context.Context, id string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	e.expiresAt = time.Now().UTC().Add(d)
	return nil
}

// Stats aggregates counts across live tasks.
func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now().UTC()
	st := &Stats{ByStatus: make(map[Status]int)}
	for _, e := range s.tasks {
		if now.After(e.expiresAt) {
			continue
		}
		st.Total++
		st.ByStatus[e.task.Status]++
		if len(e.task.Errors) > 0 {
			st.WithErrors++
		}
	}
	return st, nil
}

// CleanupCompleted deletes terminal tasks untouched for longer than
// olderThan and returns the removed IDs.
func (s *MemoryStore) CleanupCompleted(ctx context.Context, olderThan time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var removed []string
	for id, e := range s.tasks {
		if e.task.Status.Terminal() && e.task.UpdatedAt.Before(cutoff) {
			delete(s.tasks, id)
			removed = append(removed, id)
		}
	}
	return removed, nil
}

// clone deep-copies via JSON so callers never share memory with the store.
func clone(t *Task) *Task {
	raw, _ := json.Marshal(t)
	var out Task
	_ = json.Unmarshal(raw, &out)
	return &out
}
