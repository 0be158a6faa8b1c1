// Package summary condenses agent output before it is handed to the next
// agent, keeping inter-agent context small. Summarization is best-effort:
// when the provider fails, output degrades to truncation and the task
// continues.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/GoCodeAlone/maestro/provider"
	"github.com/GoCodeAlone/maestro/task"
)

// DefaultMaxTokens is the size above which raw output is summarized
// rather than passed through.
const DefaultMaxTokens = 500

// EstimateTokens is a rough token count (1 token ≈ 4 chars).
func EstimateTokens(text string) int {
	return len(text) / 4
}

// Summarizer compresses agent results with a chat provider.
type Summarizer struct {
	provider  provider.Provider
	maxTokens int
	logger    *slog.Logger
}

// New creates a Summarizer. maxTokens <= 0 uses DefaultMaxTokens.
func New(p provider.Provider, maxTokens int, logger *slog.Logger) *Summarizer {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{provider: p, maxTokens: maxTokens, logger: logger}
}

// ShouldSummarize reports whether text is large enough to be worth
// compressing.
func (s *Summarizer) ShouldSummarize(text string) bool {
	return EstimateTokens(text) > s.maxTokens
}

// SummarizeResearch condenses research findings for the next agent. On
// provider failure it falls back to the truncated original summary.
func (s *Summarizer) SummarizeResearch(ctx context.Context, r *task.ResearchResult, objective string) string {
	findings := r.KeyFindings
	if len(findings) > 5 {
		findings = findings[:5]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize these research findings concisely for use in %s.\n\n", objective)
	fmt.Fprintf(&b, "Research Topic: %s\n\n", r.Topic)
	fmt.Fprintf(&b, "Summary: %s\n\n", orNA(r.Summary))
	b.WriteString("Key Findings:\n")
	for _, f := range findings {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	fmt.Fprintf(&b, "\nURLs Found: %d\n\n", len(r.URLs))
	b.WriteString("Create a concise summary (max 300 words) focusing on:\n")
	b.WriteString("1. Most relevant findings for the objective\n")
	b.WriteString("2. Recommended approach\n")
	b.WriteString("3. Key considerations\n\nSummary:")

	out, err := s.chat(ctx, b.String())
	if err != nil {
		s.logger.Warn("research summarization failed, truncating", "error", err)
		return truncate(r.Summary, 500)
	}
	return out
}

// SummarizeContext condenses context-search results. On provider failure
// it falls back to a one-line digest.
func (s *Summarizer) SummarizeContext(ctx context.Context, c *task.ContextResult, objective string) string {
	docs := c.RelevantDocs
	if len(docs) > 3 {
		docs = docs[:3]
	}
	docsText := "No relevant docs found"
	if len(docs) > 0 {
		var snippets []string
		for _, d := range docs {
			snippets = append(snippets, truncate(d, 200))
		}
		docsText = strings.Join(snippets, "\n\n")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Summarize the context found for: %s\n\n", objective)
	fmt.Fprintf(&b, "Prior Work Found: %s\n", yesNo(c.HasPriorWork))
	fmt.Fprintf(&b, "Confidence: %.2f\n\n", c.Confidence)
	fmt.Fprintf(&b, "Relevant Documents:\n%s\n\n", docsText)
	b.WriteString("Create a brief summary (max 200 words) highlighting:\n")
	b.WriteString("1. Whether similar work exists\n")
	b.WriteString("2. Key patterns or approaches found\n")
	b.WriteString("3. Recommendations based on context\n\nSummary:")

	out, err := s.chat(ctx, b.String())
	if err != nil {
		s.logger.Warn("context summarization failed, truncating", "error", err)
		return fmt.Sprintf("Prior work: %v, Confidence: %.2f", c.HasPriorWork, c.Confidence)
	}
	return out
}

// AgentContext builds the hand-off context for the agent about to run.
// Research needs only the objective; context gets research findings; the
// PR agent gets both digests.
func (s *Summarizer) AgentContext(ctx context.Context, t *task.Task, target task.AgentName) map[string]string {
	out := map[string]string{
		"objective": t.Objective,
		"iteration": fmt.Sprintf("%d", t.Iteration),
	}
	switch target {
	case task.AgentResearch:
		out["focus"] = "Find best practices and implementation patterns"
	case task.AgentContext:
		if t.ResearchResult != nil {
			out["research_findings"] = s.resultDigest(ctx, t, t.UserContext["research_summary"], true)
		}
	case task.AgentPR:
		var parts []string
		if t.ResearchResult != nil {
			parts = append(parts, "Research Findings:\n"+s.resultDigest(ctx, t, t.UserContext["research_summary"], true))
		}
		if t.ContextResult != nil {
			parts = append(parts, "Context & Prior Work:\n"+s.resultDigest(ctx, t, t.UserContext["context_summary"], false))
		}
		if len(parts) > 0 {
			out["background"] = strings.Join(parts, "\n\n")
		}
	}
	return out
}

// resultDigest prefers an already-stored digest and only re-summarizes
// when none exists.
func (s *Summarizer) resultDigest(ctx context.Context, t *task.Task, stored string, research bool) string {
	if stored != "" {
		return stored
	}
	if research {
		return s.SummarizeResearch(ctx, t.ResearchResult, t.Objective)
	}
	return s.SummarizeContext(ctx, t.ContextResult, t.Objective)
}

func (s *Summarizer) chat(ctx context.Context, prompt string) (string, error) {
	resp, err := s.provider.Chat(ctx, []provider.Message{{Role: provider.RoleUser, Content: prompt}})
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", fmt.Errorf("empty summary from %s", s.provider.Name())
	}
	return out, nil
}

// TaskStateDigest renders a compact plain-text view of the task, used in
// routing prompts and the final report.
func TaskStateDigest(t *task.Task) string {
	var parts []string
	parts = append(parts, fmt.Sprintf("Objective: %s", t.Objective))
	parts = append(parts, fmt.Sprintf("Status: %s", t.Status))
	parts = append(parts, fmt.Sprintf("Iteration: %d/%d", t.Iteration, t.MaxIters))

	if len(t.AgentsCalled) > 0 {
		names := make([]string, len(t.AgentsCalled))
		for i, a := range t.AgentsCalled {
			names[i] = string(a)
		}
		parts = append(parts, fmt.Sprintf("Agents called: %s", strings.Join(names, ", ")))
	}
	if r := t.ResearchResult; r != nil {
		parts = append(parts, fmt.Sprintf("\nResearch: %d findings, %d URLs", len(r.KeyFindings), len(r.URLs)))
		if len(r.KeyFindings) > 0 {
			parts = append(parts, fmt.Sprintf("Top finding: %s", truncate(r.KeyFindings[0], 100)))
		}
	}
	if c := t.ContextResult; c != nil {
		parts = append(parts, fmt.Sprintf("\nContext: %d docs, Prior work: %v, Confidence: %.2f",
			len(c.RelevantDocs), c.HasPriorWork, c.Confidence))
	}
	if p := t.PRResult; p != nil {
		mark := "failed"
		if p.Success {
			mark = "succeeded"
		}
		parts = append(parts, fmt.Sprintf("\nPR: %s, Files: %d", mark, len(p.FilesChanged)))
		if p.PRURL != "" {
			parts = append(parts, fmt.Sprintf("URL: %s", p.PRURL))
		}
	}
	if len(t.Errors) > 0 {
		parts = append(parts, fmt.Sprintf("\nErrors: %d", len(t.Errors)))
		parts = append(parts, fmt.Sprintf("Latest: %s", truncate(t.Errors[len(t.Errors)-1], 100)))
	}
	return strings.Join(parts, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + " [truncated]"
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
