// Package task defines the shared task state and its persistence. The task
// record is the blackboard every component reads and writes: agents append
// results and messages, the router reads history, the HTTP surface serves
// snapshots of it.
package task

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusWaitingApproval Status = "waiting_approval"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether st is a final state.
func (st Status) Terminal() bool {
	switch st {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// AgentName identifies one of the worker roles that can act on a task.
type AgentName string

const (
	AgentResearch   AgentName = "research"
	AgentContext    AgentName = "context"
	AgentPR         AgentName = "pr"
	AgentSupervisor AgentName = "supervisor"
	AgentNone       AgentName = ""
)

// DefaultTTL is how long an idle task survives before the store may expire
// it. Every write renews the clock.
const DefaultTTL = time.Hour

var (
	// ErrNotFound is returned when a task does not exist or has expired.
	ErrNotFound = errors.New("task not found")

	// ErrStoreUnavailable wraps backend failures (connection loss, disk
	// errors). Callers retry these; everything else is a caller bug.
	ErrStoreUnavailable = errors.New("task store unavailable")
)

// Task is the blackboard record for one orchestration run.
type Task struct {
	ID          string `json:"id"`
	Objective   string `json:"objective"`
	Status      Status `json:"status"`
	Iteration   int    `json:"iteration"`
	MaxIters    int    `json:"max_iterations"`
	Strategy    string `json:"strategy,omitempty"`

	CurrentAgent AgentName   `json:"current_agent,omitempty"`
	AgentsCalled []AgentName `json:"agents_called,omitempty"`

	ResearchResult *ResearchResult `json:"research_result,omitempty"`
	ContextResult  *ContextResult  `json:"context_result,omitempty"`
	PRResult       *PRResult       `json:"pr_result,omitempty"`

	Messages []Message `json:"messages,omitempty"`
	Errors   []string  `json:"errors,omitempty"`

	// AgentErrors counts consecutive failures per agent for the retry
	// budget. Reset on success.
	AgentErrors map[string]int `json:"agent_errors,omitempty"`

	// UserContext carries condensed hand-off material between agents
	// (research_summary, context_summary, approval notes).
	UserContext map[string]string `json:"user_context,omitempty"`

	// SecretsDetected is sticky: once any agent output was redacted it
	// stays true for the life of the task.
	SecretsDetected bool     `json:"secrets_detected"`
	SecretPatterns  []string `json:"secret_patterns,omitempty"`

	FinalOutput string `json:"final_output,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ErrorBudgetExhausted reports whether agent has failed maxRetries times.
func (t *Task) ErrorBudgetExhausted(agent AgentName, maxRetries int) bool {
	return t.AgentErrors[string(agent)] >= maxRetries
}

// Called reports whether agent already ran for this task.
func (t *Task) Called(agent AgentName) bool {
	for _, a := range t.AgentsCalled {
		if a == agent {
			return true
		}
	}
	return false
}

// RecordCall appends agent to the call history (duplicates allowed: a retry
// after an error is a distinct call).
func (t *Task) RecordCall(agent AgentName) {
	t.AgentsCalled = append(t.AgentsCalled, agent)
}

// RecordError appends msg to the task error log and bumps the agent's
// failure count.
func (t *Task) RecordError(agent AgentName, msg string) {
	t.Errors = append(t.Errors, msg)
	if agent == AgentNone {
		return
	}
	if t.AgentErrors == nil {
		t.AgentErrors = make(map[string]int)
	}
	t.AgentErrors[string(agent)]++
}

// ClearErrors resets the failure count for agent after a successful run.
func (t *Task) ClearErrors(agent AgentName) {
	if t.AgentErrors != nil {
		delete(t.AgentErrors, string(agent))
	}
}

// Log appends an audit entry to the in-memory message log; the next store
// update persists it alongside the rest of the record.
func (t *Task) Log(agent AgentName, typ string, content map[string]string) {
	t.Messages = append(t.Messages, Message{
		ID:        uuid.New().String(),
		Agent:     agent,
		Type:      typ,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
}

// SetContext stores a hand-off value under key.
func (t *Task) SetContext(key, value string) {
	if t.UserContext == nil {
		t.UserContext = make(map[string]string)
	}
	t.UserContext[key] = value
}

// Message is one append-only entry in the task conversation log.
type Message struct {
	ID        string            `json:"id"`
	Agent     AgentName         `json:"agent"`
	Type      string            `json:"type"`
	Content   map[string]string `json:"content,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ResearchResult is the research worker's contribution to the blackboard.
type ResearchResult struct {
	Topic       string   `json:"topic"`
	Summary     string   `json:"summary"`
	Content     string   `json:"content,omitempty"`
	URLs        []string `json:"urls,omitempty"`
	KeyFindings []string `json:"key_findings,omitempty"`
	ElapsedMS   int64    `json:"elapsed_ms,omitempty"`
}

// ContextResult is the context worker's contribution.
type ContextResult struct {
	Query        string   `json:"query"`
	RelevantDocs []string `json:"relevant_docs,omitempty"`
	Summary      string   `json:"summary"`
	HasPriorWork bool     `json:"has_prior_work"`
	Confidence   float64  `json:"confidence"`
}

// PRResult is the pull-request worker's contribution.
type PRResult struct {
	Title        string   `json:"title"`
	PRURL        string   `json:"pr_url,omitempty"`
	BranchName   string   `json:"branch_name,omitempty"`
	FilesChanged []string `json:"files_changed,omitempty"`
	Success      bool     `json:"success"`
	Error        string   `json:"error,omitempty"`
}

// Summary is the trimmed task view returned by List.
type Summary struct {
	ID        string    `json:"id"`
	Objective string    `json:"objective"`
	Status    Status    `json:"status"`
	Iteration int       `json:"iteration"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summarize produces the List view of t.
func (t *Task) Summarize() Summary {
	return Summary{
		ID:        t.ID,
		Objective: t.Objective,
		Status:    t.Status,
		Iteration: t.Iteration,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

// Stats is an aggregate view over the store.
type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[Status]int `json:"by_status"`
	WithErrors int            `json:"with_errors"`
}

// Filter controls which tasks List returns.
type Filter struct {
	Status Status `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}
