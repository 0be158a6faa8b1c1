// Package agent defines the adapter contract for the worker agents and the
// built-in adapters: HTTP for the research worker, subprocess for the PR
// worker, and in-process for context search. The orchestrator only sees
// the Agent interface; how a worker runs is the adapter's business.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GoCodeAlone/maestro/task"
)

// DefaultTimeout bounds one agent invocation.
const DefaultTimeout = 300 * time.Second

// Input is what an agent receives for one invocation.
type Input struct {
	Objective string            `json:"objective"`
	Context   map[string]string `json:"context,omitempty"`
}

// Result is an agent's contribution to the blackboard. Exactly one of the
// typed results is set, matching the agent's kind.
type Result struct {
	Research *task.ResearchResult `json:"research,omitempty"`
	Context  *task.ContextResult  `json:"context,omitempty"`
	PR       *task.PRResult       `json:"pr,omitempty"`
}

// Agent is one worker the orchestrator can invoke.
type Agent interface {
	// Name identifies the adapter instance for logs and errors.
	Name() string

	// Kind is the role this agent fills.
	Kind() task.AgentName

	// Execute runs one invocation. The adapter bounds it with its own
	// timeout on top of ctx.
	Execute(ctx context.Context, in Input) (*Result, error)

	// HealthCheck reports whether the worker behind the adapter is
	// reachable.
	HealthCheck(ctx context.Context) bool
}

// ErrorKind classifies agent failures for retry decisions.
type ErrorKind string

const (
	ErrKindTimeout    ErrorKind = "timeout"
	ErrKindConnection ErrorKind = "connection"
	ErrKindExecution  ErrorKind = "execution"
)

// ExecError is a typed agent failure.
type ExecError struct {
	Agent string
	Kind  ErrorKind
	Msg   string
	Err   error
}

func (e *ExecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s agent %s: %s: %v", e.Agent, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s agent %s: %s", e.Agent, e.Kind, e.Msg)
}

func (e *ExecError) Unwrap() error { return e.Err }

// newError builds an ExecError, deriving the timeout kind from ctx when
// the deadline already passed.
func newError(ctx context.Context, agent string, kind ErrorKind, msg string, err error) *ExecError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		kind = ErrKindTimeout
	}
	return &ExecError{Agent: agent, Kind: kind, Msg: msg, Err: err}
}

// Registry maps agent roles to adapters.
type Registry struct {
	agents map[task.AgentName]Agent
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[task.AgentName]Agent)}
}

// Register installs an adapter for its role, replacing any previous one.
func (r *Registry) Register(a Agent) {
	r.agents[a.Kind()] = a
}

// Get returns the adapter for a role.
func (r *Registry) Get(kind task.AgentName) (Agent, bool) {
	a, ok := r.agents[kind]
	return a, ok
}

// Kinds lists the registered roles.
func (r *Registry) Kinds() []task.AgentName {
	out := make([]task.AgentName, 0, len(r.agents))
	for k := range r.agents {
		out = append(out, k)
	}
	return out
}

// Health runs every adapter's health check and returns results per role.
func (r *Registry) Health(ctx context.Context) map[task.AgentName]bool {
	out := make(map[task.AgentName]bool, len(r.agents))
	for kind, a := range r.agents {
		out[kind] = a.HealthCheck(ctx)
	}
	return out
}
