// Package orchestrator drives tasks through the agent loop: route,
// gate, execute, filter, persist, repeat until a routing decision
// finalizes or a safety ceiling trips.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/GoCodeAlone/maestro/agent"
	"github.com/GoCodeAlone/maestro/approval"
	"github.com/GoCodeAlone/maestro/events"
	"github.com/GoCodeAlone/maestro/secrets"
	"github.com/GoCodeAlone/maestro/summary"
	"github.com/GoCodeAlone/maestro/supervisor"
	"github.com/GoCodeAlone/maestro/task"
)

// Config tunes the engine's safety ceilings.
type Config struct {
	// MaxIterations bounds the agent loop per task. <= 0 defaults to 10.
	MaxIterations int

	// MaxRetries is the per-agent consecutive failure budget. <= 0
	// defaults to 3.
	MaxRetries int

	// DefaultStrategy applies when a submission names none.
	DefaultStrategy string

	// ApprovalTimeout overrides the risk tier's default gate timeout.
	// Zero keeps the per-tier defaults.
	ApprovalTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = string(supervisor.StrategyAdaptive)
	}
	return c
}

// Deps are the engine's collaborators. Store, Agents, Router, Gate,
// Filter and Bus are required; Summarizer and Logger may be nil.
type Deps struct {
	Store      task.Store
	Agents     *agent.Registry
	Router     *supervisor.Supervisor
	Gate       *approval.Manager
	Filter     secrets.Filter
	Summarizer *summary.Summarizer
	Bus        *events.Bus
	Logger     *slog.Logger
}

// Engine runs tasks. Each submitted task gets one goroutine; Cancel and
// Shutdown stop them through their contexts.
type Engine struct {
	store      task.Store
	agents     *agent.Registry
	router     *supervisor.Supervisor
	gate       *approval.Manager
	filter     secrets.Filter
	summarizer *summary.Summarizer
	bus        *events.Bus
	logger     *slog.Logger
	cfg        Config

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an Engine. The gate's notifier is wired to the event bus so
// approval lifecycle events reach task subscribers.
func New(deps Deps, cfg Config) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:      deps.Store,
		agents:     deps.Agents,
		router:     deps.Router,
		gate:       deps.Gate,
		filter:     deps.Filter,
		summarizer: deps.Summarizer,
		bus:        deps.Bus,
		logger:     logger,
		cfg:        cfg.withDefaults(),
		running:    make(map[string]context.CancelFunc),
	}
	e.gate.SetNotifier(func(taskID string, typ events.Type, data map[string]any) {
		if taskID != "" {
			e.bus.Publish(taskID, typ, data)
		}
	})
	return e
}

// Store exposes the task store for read-side API handlers.
func (e *Engine) Store() task.Store { return e.store }

// Bus exposes the event bus for streaming handlers.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Gate exposes the approval gate for the approvals API.
func (e *Engine) Gate() *approval.Manager { return e.gate }

// Agents exposes the registry for health reporting.
func (e *Engine) Agents() *agent.Registry { return e.agents }

// SubmitOptions override per-task defaults.
type SubmitOptions struct {
	MaxIterations int
	Strategy      string
}

// Submit creates a task and starts its run loop. Conversational
// objectives complete immediately without invoking any agent.
func (e *Engine) Submit(ctx context.Context, objective string, opts SubmitOptions) (*task.Task, error) {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = e.cfg.MaxIterations
	}
	if opts.Strategy == "" {
		opts.Strategy = e.cfg.DefaultStrategy
	}
	t, err := e.store.Create(ctx, objective, task.CreateOptions{
		MaxIterations: opts.MaxIterations,
		Strategy:      opts.Strategy,
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	e.bus.Publish(t.ID, events.TypeTaskStart, map[string]any{
		"objective": t.Objective,
		"strategy":  t.Strategy,
	})

	if supervisor.IsConversational(objective) {
		t.Status = task.StatusCompleted
		t.FinalOutput = conversationalReply(objective)
		now := time.Now().UTC()
		t.CompletedAt = &now
		if err := e.saveTask(ctx, t); err != nil {
			return nil, err
		}
		e.bus.Publish(t.ID, events.TypeComplete, map[string]any{
			"status":       string(t.Status),
			"final_output": t.FinalOutput,
		})
		e.bus.CloseTask(t.ID)
		return t, nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.running[t.ID] = cancel
	e.mu.Unlock()
	e.wg.Add(1)
	go e.run(runCtx, t.ID)
	return t, nil
}

// Cancel stops a running task. Cancelling a finished or unknown task
// returns task.ErrNotFound.
func (e *Engine) Cancel(taskID string) error {
	e.mu.Lock()
	cancel, ok := e.running[taskID]
	e.mu.Unlock()
	if !ok {
		return task.ErrNotFound
	}
	cancel()
	return nil
}

// Cleanup deletes terminal tasks untouched for longer than olderThan and
// releases their retained event logs.
func (e *Engine) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := e.store.CleanupCompleted(ctx, olderThan)
	for _, id := range ids {
		e.bus.Drop(id)
	}
	return len(ids), err
}

// Shutdown cancels every running task and waits for their goroutines,
// bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, cancel := range e.running {
		cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) untrack(taskID string) {
	e.mu.Lock()
	if cancel, ok := e.running[taskID]; ok {
		cancel()
		delete(e.running, taskID)
	}
	e.mu.Unlock()
}

// run is the task's driver loop.
func (e *Engine) run(ctx context.Context, taskID string) {
	defer e.wg.Done()
	defer e.untrack(taskID)

	t, err := e.store.Get(context.Background(), taskID)
	if err != nil {
		e.logger.Error("task vanished before run", "task_id", taskID, "error", err)
		return
	}

	t.Status = task.StatusRunning
	if err := e.saveTask(ctx, t); err != nil {
		e.failTask(t, nil, err)
		return
	}

	var routes []supervisor.Decision
	d := e.router.DecideInitial(ctx, t)
	routes = append(routes, d)
	e.recordRoute(t, d)

	for !d.Finalize() {
		if ctx.Err() != nil {
			e.cancelTask(t, routes)
			return
		}
		if t.Iteration >= t.MaxIters {
			break
		}

		t.Iteration++
		e.bus.Publish(t.ID, events.TypeIteration, map[string]any{
			"iteration": t.Iteration,
			"max":       t.MaxIters,
		})

		halt := e.invoke(ctx, t, d.NextAgent)
		if ctx.Err() != nil {
			e.cancelTask(t, routes)
			return
		}
		if err := e.saveTask(ctx, t); err != nil {
			e.failTask(t, routes, err)
			return
		}
		if halt {
			break
		}

		d = e.router.DecideNext(ctx, t, summary.TaskStateDigest(t))
		routes = append(routes, d)
		e.recordRoute(t, d)
	}

	e.finishTask(t, routes)
}

// invoke runs one agent for one iteration, gating risky work first. A
// true return halts routing (approval denied); agent failures do not
// halt, the next routing decision handles them.
func (e *Engine) invoke(ctx context.Context, t *task.Task, kind task.AgentName) (halt bool) {
	a, ok := e.agents.Get(kind)
	if !ok {
		t.RecordError(kind, fmt.Sprintf("no %s agent registered", kind))
		e.logger.Error("agent not registered", "task_id", t.ID, "agent", kind)
		return false
	}

	t.CurrentAgent = kind
	defer func() { t.CurrentAgent = task.AgentNone }()

	e.bus.Publish(t.ID, events.TypeAgentStart, map[string]any{
		"agent":     string(kind),
		"iteration": t.Iteration,
	})

	if kind == task.AgentPR {
		approved, reason := e.gatePR(ctx, t, a.Name())
		if !approved {
			t.SetContext("approval_note", reason)
			return true
		}
		e.bus.Publish(t.ID, events.TypeAgentProgress, map[string]any{
			"agent":   string(kind),
			"message": "approval granted, starting pull request work",
		})
	}

	in := agent.Input{Objective: t.Objective}
	if e.summarizer != nil {
		in.Context = e.summarizer.AgentContext(ctx, t, kind)
	}

	started := time.Now()
	res, err := a.Execute(ctx, in)
	if err == nil {
		err = e.recordResult(ctx, t, kind, res)
	}
	if err != nil {
		msg := e.redactText(t, err.Error())
		t.RecordError(kind, msg)
		t.Log(kind, "error", map[string]string{
			"objective": in.Objective,
			"error":     msg,
		})
		e.logger.Warn("agent execution failed",
			"task_id", t.ID, "agent", kind, "error", msg,
			"failures", t.AgentErrors[string(kind)])
		e.bus.Publish(t.ID, events.TypeAgentComplete, map[string]any{
			"agent":       string(kind),
			"success":     false,
			"error":       msg,
			"duration_ms": time.Since(started).Milliseconds(),
		})
		return false
	}

	t.RecordCall(kind)
	t.ClearErrors(kind)
	t.Log(kind, "result", map[string]string{
		"objective": in.Objective,
		"summary":   resultSummary(res),
	})
	e.bus.Publish(t.ID, events.TypeAgentComplete, map[string]any{
		"agent":       string(kind),
		"success":     true,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	return false
}

// resultSummary is the short form logged to the audit trail.
func resultSummary(res *agent.Result) string {
	switch {
	case res.Research != nil:
		return res.Research.Summary
	case res.Context != nil:
		return res.Context.Summary
	case res.PR != nil:
		if res.PR.Success {
			return res.PR.Title + " " + res.PR.PRURL
		}
		return "pr failed: " + res.PR.Error
	}
	return ""
}

// gatePR blocks on the approval gate before any pull request work. A
// denial (rejection or timeout) is reported in reason.
func (e *Engine) gatePR(ctx context.Context, t *task.Task, agentName string) (bool, string) {
	prev := t.Status
	t.Status = task.StatusWaitingApproval
	if err := e.saveTask(ctx, t); err != nil {
		t.Status = prev
		return false, fmt.Sprintf("could not persist approval wait: %v", err)
	}

	dec, err := e.gate.RequestApproval(ctx, approval.Request{
		TaskID:      t.ID,
		AgentName:   agentName,
		Operation:   approval.OpPRCreate,
		Description: fmt.Sprintf("Create a pull request for: %s", t.Objective),
		Details:     map[string]string{"objective": t.Objective, "iteration": fmt.Sprint(t.Iteration)},
		Timeout:     e.cfg.ApprovalTimeout,
	})

	t.Status = task.StatusRunning
	if err != nil {
		// context cancellation while waiting; the run loop notices
		return false, fmt.Sprintf("approval interrupted: %v", err)
	}
	if !dec.Approved {
		reason := "pull request rejected by operator"
		if dec.Status == approval.StatusTimeout {
			reason = "pull request approval timed out"
		}
		if dec.Note != "" {
			reason += ": " + dec.Note
		}
		return false, reason
	}
	// reflect the running transition for status reads during the PR work
	if err := e.saveTask(ctx, t); err != nil {
		e.logger.Warn("could not persist running transition after approval",
			"task_id", t.ID, "error", err)
	}
	return true, ""
}

// recordResult filters the agent's output for secrets and stores it on
// the task. A filter failure blocks the hand-off: the result is dropped
// and the iteration counts as a failure.
func (e *Engine) recordResult(ctx context.Context, t *task.Task, kind task.AgentName, res *agent.Result) error {
	if res == nil {
		return fmt.Errorf("%s agent returned no result", kind)
	}
	patternsBefore := len(t.SecretPatterns)
	defer func() {
		// redaction is the mitigation, not a failure, but it leaves a trace
		if found := t.SecretPatterns[patternsBefore:]; len(found) > 0 {
			t.Log(kind, "secret_audit", map[string]string{
				"patterns": strings.Join(found, ", "),
			})
		}
	}()
	switch {
	case res.Research != nil:
		if err := e.redact(t, &res.Research.Topic, &res.Research.Summary, &res.Research.Content); err != nil {
			return err
		}
		if err := e.redactAll(t, res.Research.URLs, res.Research.KeyFindings); err != nil {
			return err
		}
		t.ResearchResult = res.Research
		if e.summarizer != nil && e.summarizer.ShouldSummarize(res.Research.Content) {
			t.SetContext("research_summary", e.summarizer.SummarizeResearch(ctx, res.Research, t.Objective))
		}
	case res.Context != nil:
		if err := e.redact(t, &res.Context.Query, &res.Context.Summary); err != nil {
			return err
		}
		if err := e.redactAll(t, res.Context.RelevantDocs); err != nil {
			return err
		}
		t.ContextResult = res.Context
		if e.summarizer != nil && e.summarizer.ShouldSummarize(res.Context.Summary) {
			t.SetContext("context_summary", e.summarizer.SummarizeContext(ctx, res.Context, t.Objective))
		}
	case res.PR != nil:
		if err := e.redact(t, &res.PR.Title, &res.PR.PRURL, &res.PR.BranchName, &res.PR.Error); err != nil {
			return err
		}
		if err := e.redactAll(t, res.PR.FilesChanged); err != nil {
			return err
		}
		t.PRResult = res.PR
		if !res.PR.Success {
			return fmt.Errorf("pull request failed: %s", res.PR.Error)
		}
	default:
		return fmt.Errorf("%s agent returned an empty result", kind)
	}
	return nil
}

func (e *Engine) redact(t *task.Task, fields ...*string) error {
	for _, f := range fields {
		if *f == "" {
			continue
		}
		r, err := e.filter.Scan(*f)
		if err != nil {
			return fmt.Errorf("secret filter: %w", err)
		}
		if !r.Clean() {
			t.SecretsDetected = true
			t.SecretPatterns = mergePatterns(t.SecretPatterns, r.Patterns)
		}
		*f = r.Redacted
	}
	return nil
}

func (e *Engine) redactAll(t *task.Task, lists ...[]string) error {
	for _, items := range lists {
		for i := range items {
			if err := e.redact(t, &items[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// redactText filters free-form text bound for the task record. Error
// strings can embed whole HTTP response bodies, so they go through the
// same gate as results; when the filter itself is down the text is
// withheld rather than stored raw.
func (e *Engine) redactText(t *task.Task, s string) string {
	if s == "" {
		return s
	}
	r, err := e.filter.Scan(s)
	if err != nil {
		return "text withheld, secret filter unavailable: " + err.Error()
	}
	if !r.Clean() {
		t.SecretsDetected = true
		t.SecretPatterns = mergePatterns(t.SecretPatterns, r.Patterns)
	}
	return r.Redacted
}

func mergePatterns(have, found []string) []string {
	seen := make(map[string]bool, len(have))
	for _, p := range have {
		seen[p] = true
	}
	for _, p := range found {
		if !seen[p] {
			have = append(have, p)
			seen[p] = true
		}
	}
	return have
}

// recordRoute publishes the routing decision and logs it to the task's
// audit trail; the next store write persists the log entry.
func (e *Engine) recordRoute(t *task.Task, d supervisor.Decision) {
	e.bus.Publish(t.ID, events.TypeRoutingDecision, map[string]any{
		"next_agent": string(d.NextAgent),
		"strategy":   string(d.Strategy),
		"reasoning":  d.Reasoning,
		"confidence": d.Confidence,
	})
	t.Log(task.AgentSupervisor, "routing", map[string]string{
		"next_agent": string(d.NextAgent),
		"reasoning":  d.Reasoning,
		"confidence": fmt.Sprintf("%.2f", d.Confidence),
	})
}

// finishTask closes out a task that ran to a routing finalize or a
// ceiling. A task with no usable result and a non-empty error log fails.
func (e *Engine) finishTask(t *task.Task, routes []supervisor.Decision) {
	status := task.StatusCompleted
	if !hasResult(t) && len(t.Errors) > 0 {
		status = task.StatusFailed
	}
	e.close(t, status, routes)
}

func (e *Engine) cancelTask(t *task.Task, routes []supervisor.Decision) {
	e.logger.Info("task cancelled", "task_id", t.ID, "iteration", t.Iteration)
	e.close(t, task.StatusCancelled, routes)
}

func (e *Engine) failTask(t *task.Task, routes []supervisor.Decision, err error) {
	e.logger.Error("task failed", "task_id", t.ID, "error", err)
	t.RecordError(task.AgentNone, err.Error())
	e.close(t, task.StatusFailed, routes)
}

// close persists the terminal state and ends the event stream. The store
// write uses a fresh context so cancellation cannot lose the terminal
// record.
func (e *Engine) close(t *task.Task, status task.Status, routes []supervisor.Decision) {
	t.Status = status
	t.CurrentAgent = task.AgentNone
	now := time.Now().UTC()
	t.CompletedAt = &now
	if t.FinalOutput == "" {
		t.FinalOutput = finalOutput(t, routes)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.saveTask(ctx, t); err != nil {
		e.logger.Error("could not persist terminal task state", "task_id", t.ID, "error", err)
	}

	typ := events.TypeComplete
	data := map[string]any{"status": string(status), "iterations": t.Iteration}
	if status == task.StatusFailed {
		typ = events.TypeError
		if len(t.Errors) > 0 {
			data["error"] = t.Errors[len(t.Errors)-1]
		}
	} else {
		data["final_output"] = t.FinalOutput
	}
	e.bus.Publish(t.ID, typ, data)
	e.bus.CloseTask(t.ID)
}

func hasResult(t *task.Task) bool {
	if t.ResearchResult != nil || t.ContextResult != nil {
		return true
	}
	return t.PRResult != nil && t.PRResult.Success
}

// saveTask writes through the store, retrying transient backend failures
// a couple of times before giving up.
func (e *Engine) saveTask(ctx context.Context, t *task.Task) error {
	op := func() error {
		err := e.store.Update(ctx, t)
		if err == nil {
			return nil
		}
		if errors.Is(err, task.ErrStoreUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx))
}
