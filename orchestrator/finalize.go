package orchestrator

import (
	"fmt"
	"strings"

	"github.com/GoCodeAlone/maestro/supervisor"
	"github.com/GoCodeAlone/maestro/task"
)

// finalOutput composes the markdown report stored on the task when it
// reaches a terminal state.
func finalOutput(t *task.Task, routes []supervisor.Decision) string {
	var b strings.Builder

	switch t.Status {
	case task.StatusCancelled:
		fmt.Fprintf(&b, "# Task Cancelled: %s\n\n", t.Objective)
		fmt.Fprintf(&b, "Stopped after %d iteration(s). Partial results below.\n\n", t.Iteration)
	case task.StatusFailed:
		fmt.Fprintf(&b, "# Task Failed: %s\n\n", t.Objective)
	default:
		fmt.Fprintf(&b, "# Task Completed: %s\n\n", t.Objective)
	}

	if note, ok := t.UserContext["approval_note"]; ok {
		fmt.Fprintf(&b, "> %s\n\n", note)
	}

	if r := t.ResearchResult; r != nil {
		b.WriteString("## Research Findings\n\n")
		if s, ok := t.UserContext["research_summary"]; ok && s != "" {
			b.WriteString(s)
		} else {
			b.WriteString(r.Summary)
		}
		b.WriteString("\n")
		if len(r.KeyFindings) > 0 {
			b.WriteString("\nKey findings:\n")
			for _, f := range r.KeyFindings {
				fmt.Fprintf(&b, "- %s\n", f)
			}
		}
		if len(r.URLs) > 0 {
			b.WriteString("\nSources:\n")
			for _, u := range r.URLs {
				fmt.Fprintf(&b, "- %s\n", u)
			}
		}
		b.WriteString("\n")
	}

	if c := t.ContextResult; c != nil {
		b.WriteString("## Prior Work\n\n")
		if s, ok := t.UserContext["context_summary"]; ok && s != "" {
			b.WriteString(s)
		} else {
			b.WriteString(c.Summary)
		}
		b.WriteString("\n")
		if len(c.RelevantDocs) > 0 {
			b.WriteString("\nRelevant documents:\n")
			for _, d := range c.RelevantDocs {
				fmt.Fprintf(&b, "- %s\n", d)
			}
		}
		b.WriteString("\n")
	}

	if p := t.PRResult; p != nil {
		b.WriteString("## Pull Request\n\n")
		if p.Success {
			fmt.Fprintf(&b, "**%s**\n\n%s (branch `%s`)\n", p.Title, p.PRURL, p.BranchName)
			if len(p.FilesChanged) > 0 {
				b.WriteString("\nFiles changed:\n")
				for _, f := range p.FilesChanged {
					fmt.Fprintf(&b, "- %s\n", f)
				}
			}
		} else {
			fmt.Fprintf(&b, "Pull request was not created: %s\n", p.Error)
		}
		b.WriteString("\n")
	}

	if len(routes) > 0 {
		b.WriteString("## Routing Log\n\n")
		for i, d := range routes {
			target := string(d.NextAgent)
			if d.Finalize() {
				target = "finalize"
			}
			fmt.Fprintf(&b, "%d. %s (%.2f) - %s\n", i+1, target, d.Confidence, d.Reasoning)
		}
		b.WriteString("\n")
	}

	if len(t.Errors) > 0 {
		b.WriteString("## Errors\n\n")
		for _, e := range t.Errors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
		b.WriteString("\n")
	}

	if t.SecretsDetected {
		fmt.Fprintf(&b, "**Note:** sensitive values matching %s were redacted from agent output.\n",
			strings.Join(t.SecretPatterns, ", "))
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

// conversationalReply answers small talk without spinning up agents.
func conversationalReply(objective string) string {
	l := strings.ToLower(strings.TrimSpace(objective))
	switch {
	case strings.Contains(l, "thank") || l == "thx" || l == "ty":
		return "You're welcome! Send another task whenever you're ready."
	case strings.Contains(l, "bye") || strings.Contains(l, "see you") || l == "cya" || l == "later":
		return "Goodbye! Your task history is saved if you want to pick anything back up."
	case strings.Contains(l, "who are you") || strings.Contains(l, "what are you") || strings.Contains(l, "what can you do"):
		return "I'm a task orchestrator. I coordinate research, codebase context, and pull request agents. " +
			"Describe a concrete task (for example \"add retry logic to the uploader\") and I'll route it."
	default:
		return "Hello! Give me a concrete software task and I'll coordinate the research, context, and PR agents to get it done."
	}
}
