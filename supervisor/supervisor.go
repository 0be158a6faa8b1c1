// Package supervisor decides which agent acts next. Cheap keyword
// heuristics cover the common shapes; only ambiguous states go to the
// chat provider, and a provider failure routes to finalize, never to an
// error.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/GoCodeAlone/maestro/provider"
	"github.com/GoCodeAlone/maestro/task"
)

// Strategy selects the routing style for a task.
type Strategy string

const (
	StrategyResearchFirst Strategy = "research_first"
	StrategyContextFirst  Strategy = "context_first"
	StrategyAdaptive      Strategy = "adaptive"
)

// ParseStrategy maps a config/API string to a Strategy, defaulting to
// adaptive.
func ParseStrategy(s string) Strategy {
	switch Strategy(strings.ToLower(s)) {
	case StrategyResearchFirst:
		return StrategyResearchFirst
	case StrategyContextFirst:
		return StrategyContextFirst
	default:
		return StrategyAdaptive
	}
}

// DefaultConfidenceFloor is the confidence below which a decision is
// logged as suspect. Low confidence never blocks the decision.
const DefaultConfidenceFloor = 0.4

// Decision is one routing step. NextAgent == task.AgentNone means
// finalize.
type Decision struct {
	NextAgent    task.AgentName   `json:"next_agent"`
	Strategy     Strategy         `json:"strategy"`
	Reasoning    string           `json:"reasoning"`
	Confidence   float64          `json:"confidence"`
	Alternatives []task.AgentName `json:"alternatives,omitempty"`
}

// Finalize reports whether the decision ends the agent loop.
func (d Decision) Finalize() bool { return d.NextAgent == task.AgentNone }

// Supervisor routes tasks between agents.
type Supervisor struct {
	provider        provider.Provider
	logger          *slog.Logger
	maxRetries      int
	confidenceFloor float64
}

// New creates a Supervisor. maxRetries <= 0 defaults to 3.
func New(p provider.Provider, maxRetries int, logger *slog.Logger) *Supervisor {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		provider:        p,
		logger:          logger,
		maxRetries:      maxRetries,
		confidenceFloor: DefaultConfidenceFloor,
	}
}

// conversational phrases need no agents at all.
var conversational = []string{
	"hi", "hey", "hello", "howdy", "sup", "yo", "hiya",
	"thanks", "thank you", "thx", "ty", "thank u",
	"bye", "goodbye", "cya", "see you", "later",
	"ok", "okay", "k", "cool", "got it", "nice", "great",
	"awesome", "perfect", "sounds good", "alright",
	"lol", "haha", "hehe", ":)",
	"good morning", "good night", "good evening", "good afternoon",
	"how are you", "how r u", "what's up", "whats up",
	"who are you", "what are you", "what can you do",
}

// taskWords always mean a real task, even in short messages.
var taskWords = map[string]bool{
	"fix": true, "add": true, "create": true, "implement": true, "build": true,
	"write": true, "debug": true, "update": true, "delete": true, "remove": true,
	"test": true, "deploy": true, "refactor": true, "install": true, "setup": true,
	"configure": true, "migrate": true, "generate": true, "push": true,
	"commit": true, "pr": true, "pull": true, "merge": true, "branch": true,
	"diff": true, "review": true, "research": true, "find": true, "search": true,
	"analyze": true, "analyse": true, "explain": true, "show": true, "list": true,
	"get": true, "fetch": true, "run": true, "execute": true, "start": true,
}

var projectContextKeywords = []string{
	"this project", "our project", "the project", "the orchestrator",
	"what's going on", "what is going on", "what's happening", "what is happening",
	"current state", "project status", "what are we", "how is it going",
	"what do we have", "what have we", "what have you", "what has been",
	"show me what", "current implementation", "existing code", "our code",
	"my project", "this codebase", "the codebase", "our codebase",
	"status of", "progress on", "progress of",
}

var researchKeywords = []string{
	"tell me", "what is", "how does", "explain", "who is", "why is",
	"describe", "information about", "details about", "learn about",
}

var informationalKeywords = []string{
	"tell me", "what is", "how does", "explain", "who is", "why is",
	"describe", "information about", "details about", "learn about",
	"what are", "how do", "what does", "can you explain",
}

var contextKeywords = []string{
	"my code", "working on", "current project", "existing",
	"already have", "previous", "past work", "history",
}

var simpleFixKeywords = []string{"fix typo", "change text", "update label"}

// IsConversational reports whether the objective is small talk that needs
// no agents.
func IsConversational(objective string) bool {
	t := strings.TrimRight(strings.ToLower(strings.TrimSpace(objective)), "!?.,")
	for _, p := range conversational {
		if t == p || strings.HasPrefix(t, p+" ") {
			return true
		}
	}
	words := strings.Fields(t)
	if len(words) <= 3 {
		for _, w := range words {
			if taskWords[w] {
				return false
			}
		}
		return true
	}
	return false
}

// DecideInitial chooses the first agent for a fresh task.
func (s *Supervisor) DecideInitial(ctx context.Context, t *task.Task) Decision {
	strategy := ParseStrategy(t.Strategy)
	var d Decision
	switch strategy {
	case StrategyResearchFirst:
		d = researchFirst()
	case StrategyContextFirst:
		d = contextFirst()
	default:
		d = s.adaptiveInitial(ctx, t.Objective)
	}
	s.checkConfidence(t.ID, d)
	return d
}

func researchFirst() Decision {
	return Decision{
		NextAgent:    task.AgentResearch,
		Strategy:     StrategyResearchFirst,
		Reasoning:    "New feature - start with research to find best practices",
		Confidence:   1.0,
		Alternatives: []task.AgentName{task.AgentContext, task.AgentPR},
	}
}

func contextFirst() Decision {
	return Decision{
		NextAgent:    task.AgentContext,
		Strategy:     StrategyContextFirst,
		Reasoning:    "Check if similar work exists before researching",
		Confidence:   1.0,
		Alternatives: []task.AgentName{task.AgentResearch, task.AgentPR},
	}
}

// adaptiveInitial tries keyword heuristics before spending a provider
// call. Project questions beat generic research phrasing, so they are
// checked first.
func (s *Supervisor) adaptiveInitial(ctx context.Context, objective string) Decision {
	lower := strings.ToLower(objective)

	if containsAny(lower, projectContextKeywords) {
		return Decision{
			NextAgent:    task.AgentContext,
			Strategy:     StrategyAdaptive,
			Reasoning:    "Current-project question - checking codebase state first",
			Confidence:   0.95,
			Alternatives: []task.AgentName{task.AgentResearch, task.AgentPR},
		}
	}
	if containsAny(lower, researchKeywords) {
		return Decision{
			NextAgent:    task.AgentResearch,
			Strategy:     StrategyAdaptive,
			Reasoning:    "Knowledge question - gathering external information",
			Confidence:   0.95,
			Alternatives: []task.AgentName{task.AgentContext, task.AgentPR},
		}
	}
	if containsAny(lower, contextKeywords) {
		return Decision{
			NextAgent:    task.AgentContext,
			Strategy:     StrategyAdaptive,
			Reasoning:    "Codebase/history question - checking context first",
			Confidence:   0.95,
			Alternatives: []task.AgentName{task.AgentResearch, task.AgentPR},
		}
	}
	if containsAny(lower, simpleFixKeywords) {
		return Decision{
			NextAgent:    task.AgentPR,
			Strategy:     StrategyAdaptive,
			Reasoning:    "Simple fix - going straight to a pull request",
			Confidence:   0.9,
			Alternatives: []task.AgentName{task.AgentResearch, task.AgentContext},
		}
	}

	agent, err := s.askProvider(ctx, initialRoutePrompt(objective), false)
	if err != nil {
		s.logger.Warn("adaptive routing failed, defaulting to research", "error", err)
		d := researchFirst()
		d.Strategy = StrategyAdaptive
		return d
	}
	return Decision{
		NextAgent:    agent,
		Strategy:     StrategyAdaptive,
		Reasoning:    fmt.Sprintf("Provider routed ambiguous task to %s", agent),
		Confidence:   0.8,
		Alternatives: othersOf(agent),
	}
}

// DecideNext chooses the next step given the task's progress. digest is a
// plain-text summary of the task state for the provider prompt.
func (s *Supervisor) DecideNext(ctx context.Context, t *task.Task, digest string) Decision {
	strategy := ParseStrategy(t.Strategy)

	if t.Iteration >= t.MaxIters {
		return s.finalize(t, strategy, fmt.Sprintf("Iteration ceiling (%d) reached", t.MaxIters), 1.0)
	}
	if t.PRResult != nil && t.PRResult.Success {
		return s.finalize(t, strategy, "Pull request completed successfully", 1.0)
	}

	if strategy != StrategyAdaptive {
		return s.deterministicNext(t, strategy)
	}

	lower := strings.ToLower(t.Objective)
	if t.Called(task.AgentResearch) && !t.Called(task.AgentPR) && containsAny(lower, informationalKeywords) {
		return s.finalize(t, strategy, "Informational query answered by research", 0.95)
	}
	if t.Called(task.AgentResearch) && t.Called(task.AgentContext) && t.Called(task.AgentPR) {
		return s.finalize(t, strategy, "All agents have contributed", 1.0)
	}

	agent, err := s.askProvider(ctx, nextRoutePrompt(digest), true)
	if err != nil {
		s.logger.Warn("next-route decision failed, finalizing", "task_id", t.ID, "error", err)
		return s.finalize(t, strategy, "Routing unavailable - finalizing with current results", 0.0)
	}
	if agent == task.AgentNone {
		return s.finalize(t, strategy, "Provider judged the task complete", 0.75)
	}
	if !s.eligible(t, agent) {
		return s.finalize(t, strategy, fmt.Sprintf("Provider chose %s but it is not eligible again", agent), 0.5)
	}
	d := Decision{
		NextAgent:  agent,
		Strategy:   StrategyAdaptive,
		Reasoning:  fmt.Sprintf("Provider routed task progress to %s", agent),
		Confidence: 0.75,
	}
	s.checkConfidence(t.ID, d)
	return d
}

// deterministicNext walks the strategy's fixed order, skipping agents
// that already ran unless their last run failed and budget remains.
func (s *Supervisor) deterministicNext(t *task.Task, strategy Strategy) Decision {
	order := []task.AgentName{task.AgentResearch, task.AgentContext, task.AgentPR}
	if strategy == StrategyContextFirst {
		order = []task.AgentName{task.AgentContext, task.AgentResearch, task.AgentPR}
	}
	for _, agent := range order {
		if !s.eligible(t, agent) {
			continue
		}
		reason := fmt.Sprintf("Next in %s order: %s", strategy, agent)
		if t.AgentErrors[string(agent)] > 0 {
			reason = fmt.Sprintf("Retrying %s after a failed attempt", agent)
		}
		return Decision{
			NextAgent:  agent,
			Strategy:   strategy,
			Reasoning:  reason,
			Confidence: 1.0,
		}
	}
	return s.finalize(t, strategy, "Every agent in the strategy order has run", 1.0)
}

// eligible reports whether agent may run (again) for this task: either it
// has not run, or its last run failed and its error budget remains.
func (s *Supervisor) eligible(t *task.Task, agent task.AgentName) bool {
	if t.ErrorBudgetExhausted(agent, s.maxRetries) {
		return false
	}
	if !t.Called(agent) {
		return true
	}
	return t.AgentErrors[string(agent)] > 0
}

func (s *Supervisor) finalize(t *task.Task, strategy Strategy, reason string, confidence float64) Decision {
	d := Decision{
		NextAgent:  task.AgentNone,
		Strategy:   strategy,
		Reasoning:  reason,
		Confidence: confidence,
	}
	s.checkConfidence(t.ID, d)
	return d
}

// checkConfidence warns about low-confidence decisions; it never blocks
// them.
func (s *Supervisor) checkConfidence(taskID string, d Decision) {
	if d.Confidence < s.confidenceFloor {
		s.logger.Warn("low-confidence routing decision",
			"task_id", taskID, "next_agent", d.NextAgent,
			"confidence", d.Confidence, "reasoning", d.Reasoning)
	}
}

// askProvider sends a routing prompt and parses the one-word answer.
// allowDone admits DONE/FINALIZE as a valid answer.
func (s *Supervisor) askProvider(ctx context.Context, prompt string, allowDone bool) (task.AgentName, error) {
	resp, err := s.provider.Chat(ctx, []provider.Message{{Role: provider.RoleUser, Content: prompt}})
	if err != nil {
		return task.AgentNone, err
	}
	answer := strings.ToUpper(strings.TrimSpace(resp.Content))
	// take the first word; chatty models add prose after it
	if i := strings.IndexAny(answer, " \n\t.,:"); i > 0 {
		answer = answer[:i]
	}
	switch answer {
	case "RESEARCH":
		return task.AgentResearch, nil
	case "CONTEXT":
		return task.AgentContext, nil
	case "PR":
		return task.AgentPR, nil
	case "DONE", "FINALIZE":
		if allowDone {
			return task.AgentNone, nil
		}
	}
	return task.AgentNone, fmt.Errorf("unparseable routing answer %q", resp.Content)
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func othersOf(agent task.AgentName) []task.AgentName {
	var out []task.AgentName
	for _, a := range []task.AgentName{task.AgentResearch, task.AgentContext, task.AgentPR} {
		if a != agent {
			out = append(out, a)
		}
	}
	return out
}

func initialRoutePrompt(objective string) string {
	return fmt.Sprintf(`Analyze this software development task and determine the BEST first agent to call.

Task: %s

Available agents:
1. RESEARCH - Find best practices, design patterns, and implementation approaches
   - Best for: New features, unfamiliar technologies, need for external knowledge
2. CONTEXT - Search codebase history and prior work
   - Best for: Similar past features, code refactoring, existing patterns
3. PR - Directly write code and create a pull request
   - Best for: Simple changes, bug fixes, well-defined small tasks

Respond with ONLY the agent name: RESEARCH, CONTEXT, or PR

Agent:`, objective)
}

func nextRoutePrompt(digest string) string {
	return fmt.Sprintf(`Given the current task progress, decide the next agent to call or if the task is complete.

%s

Decision Logic:
1. INFORMATIONAL QUERIES (tell me about, what is, explain):
   - If research complete, answer DONE (no code needed)
2. CODE IMPLEMENTATION QUERIES (add feature, implement, build):
   - If research not done, answer RESEARCH
   - If existing code must be checked, answer CONTEXT
   - If ready to write code, answer PR
   - If the PR succeeded, answer DONE
3. SAFETY:
   - If stuck or near the iteration ceiling, answer DONE

Respond with ONLY: RESEARCH, CONTEXT, PR, or DONE

Next:`, digest)
}
