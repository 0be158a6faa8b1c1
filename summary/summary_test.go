package summary

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/GoCodeAlone/maestro/provider/mock"
	"github.com/GoCodeAlone/maestro/task"
)

func TestShouldSummarize(t *testing.T) {
	s := New(mock.New(), 0, nil)
	if s.ShouldSummarize("short output") {
		t.Error("small text should pass through")
	}
	if !s.ShouldSummarize(strings.Repeat("x", DefaultMaxTokens*4+10)) {
		t.Error("large text should be summarized")
	}
}

func TestSummarizeResearch(t *testing.T) {
	p := mock.New("Use exponential backoff with jitter; cap at 30s.")
	s := New(p, 0, nil)

	r := &task.ResearchResult{
		Topic:       "retry strategies",
		Summary:     "long raw research output",
		KeyFindings: []string{"backoff", "jitter", "budget", "cap", "hedging", "sixth finding dropped"},
		URLs:        []string{"https://example.com/a"},
	}
	got := s.SummarizeResearch(context.Background(), r, "add retries")
	if got != "Use exponential backoff with jitter; cap at 30s." {
		t.Errorf("summary = %q", got)
	}

	prompts := p.Prompts()
	if len(prompts) != 1 {
		t.Fatalf("calls = %d", len(prompts))
	}
	prompt := prompts[0][0].Content
	if !strings.Contains(prompt, "retry strategies") || !strings.Contains(prompt, "add retries") {
		t.Errorf("prompt missing topic/objective:\n%s", prompt)
	}
	if strings.Contains(prompt, "sixth finding dropped") {
		t.Error("prompt should cap findings at five")
	}
}

func TestSummarizeResearchFallsBackToTruncation(t *testing.T) {
	p := mock.NewFailing(errors.New("connection refused"))
	s := New(p, 0, nil)

	long := strings.Repeat("finding ", 100)
	got := s.SummarizeResearch(context.Background(), &task.ResearchResult{Summary: long}, "obj")
	if !strings.HasSuffix(got, "[truncated]") {
		t.Errorf("expected truncation fallback, got %q", got)
	}
	if len(got) > 520 {
		t.Errorf("fallback too long: %d chars", len(got))
	}
}

func TestSummarizeContextFallback(t *testing.T) {
	p := mock.NewFailing(errors.New("boom"))
	s := New(p, 0, nil)

	got := s.SummarizeContext(context.Background(), &task.ContextResult{HasPriorWork: true, Confidence: 0.83}, "obj")
	if !strings.Contains(got, "Prior work: true") || !strings.Contains(got, "0.83") {
		t.Errorf("fallback digest = %q", got)
	}
}

func TestAgentContext(t *testing.T) {
	p := mock.New("research digest", "context digest")
	s := New(p, 0, nil)

	tk := &task.Task{
		Objective:      "ship the thing",
		Iteration:      3,
		ResearchResult: &task.ResearchResult{Topic: "t", Summary: "s"},
		ContextResult:  &task.ContextResult{Summary: "c"},
	}

	research := s.AgentContext(context.Background(), tk, task.AgentResearch)
	if research["focus"] == "" || research["objective"] != "ship the thing" {
		t.Errorf("research context = %v", research)
	}
	if p.Calls() != 0 {
		t.Error("research context should not call the provider")
	}

	pr := s.AgentContext(context.Background(), tk, task.AgentPR)
	if !strings.Contains(pr["background"], "Research Findings:") ||
		!strings.Contains(pr["background"], "Context & Prior Work:") {
		t.Errorf("pr background = %q", pr["background"])
	}
}

func TestAgentContextPrefersStoredDigest(t *testing.T) {
	p := mock.New("should not be used")
	s := New(p, 0, nil)

	tk := &task.Task{
		Objective:      "obj",
		ResearchResult: &task.ResearchResult{Summary: "raw"},
		UserContext:    map[string]string{"research_summary": "stored digest"},
	}
	got := s.AgentContext(context.Background(), tk, task.AgentContext)
	if got["research_findings"] != "stored digest" {
		t.Errorf("research_findings = %q", got["research_findings"])
	}
	if p.Calls() != 0 {
		t.Error("stored digest should avoid a provider call")
	}
}

func TestTaskStateDigest(t *testing.T) {
	tk := &task.Task{
		Objective:    "fix flaky test",
		Status:       task.StatusRunning,
		Iteration:    2,
		MaxIters:     10,
		AgentsCalled: []task.AgentName{task.AgentResearch, task.AgentContext},
		ResearchResult: &task.ResearchResult{
			KeyFindings: []string{"the fixture leaks goroutines"},
			URLs:        []string{"u1", "u2"},
		},
		PRResult: &task.PRResult{Success: true, PRURL: "https://git.example/pr/7", FilesChanged: []string{"a.go"}},
		Errors:   []string{"context agent timed out"},
	}

	d := TaskStateDigest(tk)
	for _, want := range []string{
		"Objective: fix flaky test",
		"Iteration: 2/10",
		"Agents called: research, context",
		"Research: 1 findings, 2 URLs",
		"PR: succeeded, Files: 1",
		"https://git.example/pr/7",
		"Errors: 1",
	} {
		if !strings.Contains(d, want) {
			t.Errorf("digest missing %q:\n%s", want, d)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens("12345678"); got != 2 {
		t.Errorf("EstimateTokens = %d, want 2", got)
	}
}
