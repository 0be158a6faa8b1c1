// Package mock provides a scripted chat provider for testing.
package mock

import (
	"context"
	"sync"

	"github.com/GoCodeAlone/maestro/provider"
)

const defaultResponse = "finalize"

// MockProvider implements provider.Provider for testing. It returns
// scripted responses in order, cycling when exhausted, and records the
// prompts it was given.
type MockProvider struct {
	mu        sync.Mutex
	responses []string
	idx       int
	err       error
	prompts   [][]provider.Message
}

// New creates a MockProvider that cycles through the given responses.
func New(responses ...string) *MockProvider {
	return &MockProvider{responses: responses}
}

// NewFailing creates a MockProvider whose Chat always returns err.
func NewFailing(err error) *MockProvider {
	return &MockProvider{err: err}
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string { return "mock" }

// Chat returns the next scripted response, cycling through the queue.
func (m *MockProvider) Chat(_ context.Context, messages []provider.Message) (*provider.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.prompts = append(m.prompts, messages)
	if len(m.responses) == 0 {
		return &provider.Response{Content: defaultResponse}, nil
	}
	resp := m.responses[m.idx%len(m.responses)]
	m.idx++
	return &provider.Response{Content: resp}, nil
}

// Prompts returns every message slice Chat received, in call order.
func (m *MockProvider) Prompts() [][]provider.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]provider.Message, len(m.prompts))
	copy(out, m.prompts)
	return out
}

// Calls returns how many times Chat succeeded.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}
