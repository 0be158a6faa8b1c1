package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/GoCodeAlone/maestro/task"
)

func TestResearchAgentExecute(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/research":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["topic"] != "retry strategies" {
				t.Errorf("topic = %q", body["topic"])
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "job-1", "status": "running"})
		case r.Method == http.MethodGet && r.URL.Path == "/api/research/job-1":
			polls++
			if polls < 2 {
				_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "job-1", "status": "running"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"job_id":       "job-1",
				"status":       "completed",
				"topic":        "retry strategies",
				"summary":      "use backoff",
				"urls":         []string{"https://example.com"},
				"key_findings": []string{"cap at 30s"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := NewResearchAgent(srv.URL, 10*time.Second)
	a.pollEvery = 10 * time.Millisecond

	res, err := a.Execute(context.Background(), Input{Objective: "retry strategies"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	r := res.Research
	if r == nil || r.Topic != "retry strategies" || r.Summary != "use backoff" {
		t.Errorf("research = %+v", r)
	}
	if len(r.KeyFindings) != 1 || r.KeyFindings[0] != "cap at 30s" {
		t.Errorf("findings = %v", r.KeyFindings)
	}
	if r.ElapsedMS < 0 {
		t.Errorf("elapsed = %d", r.ElapsedMS)
	}
}

func TestResearchAgentJobFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "job-1"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "job-1", "status": "failed", "error": "crawler crashed"})
	}))
	defer srv.Close()

	a := NewResearchAgent(srv.URL, 10*time.Second)
	a.pollEvery = 10 * time.Millisecond

	_, err := a.Execute(context.Background(), Input{Objective: "x"})
	var execErr *ExecError
	if !errors.As(err, &execErr) || execErr.Kind != ErrKindExecution {
		t.Fatalf("err = %v, want execution ExecError", err)
	}
}

func TestResearchAgentConnectionError(t *testing.T) {
	a := NewResearchAgent("http://127.0.0.1:1", time.Second)
	_, err := a.Execute(context.Background(), Input{Objective: "x"})
	var execErr *ExecError
	if !errors.As(err, &execErr) || execErr.Kind != ErrKindConnection {
		t.Fatalf("err = %v, want connection ExecError", err)
	}
}

func TestResearchAgentTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// jobs that never complete
		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "job-1", "status": "running"})
	}))
	defer srv.Close()

	a := NewResearchAgent(srv.URL, 100*time.Millisecond)
	a.pollEvery = 10 * time.Millisecond

	_, err := a.Execute(context.Background(), Input{Objective: "x"})
	var execErr *ExecError
	if !errors.As(err, &execErr) || execErr.Kind != ErrKindTimeout {
		t.Fatalf("err = %v, want timeout ExecError", err)
	}
}

func TestResearchAgentHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	if !NewResearchAgent(srv.URL, time.Second).HealthCheck(context.Background()) {
		t.Error("healthy worker reported unhealthy")
	}
	if NewResearchAgent("http://127.0.0.1:1", time.Second).HealthCheck(context.Background()) {
		t.Error("unreachable worker reported healthy")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestPRAgentExecute(t *testing.T) {
	script := writeScript(t, `echo "progress: cloning"
echo '{"title":"Add retries","pr_url":"https://git.example/pr/1","branch_name":"feat/retries","files_changed":["fetch.go"],"success":true}'`)

	a := NewPRAgent(script, nil, "", 10*time.Second)
	res, err := a.Execute(context.Background(), Input{Objective: "Add retries"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	pr := res.PR
	if pr == nil || !pr.Success || pr.PRURL != "https://git.example/pr/1" {
		t.Errorf("pr = %+v", pr)
	}
	if len(pr.FilesChanged) != 1 || pr.FilesChanged[0] != "fetch.go" {
		t.Errorf("files = %v", pr.FilesChanged)
	}
}

func TestPRAgentNonZeroExit(t *testing.T) {
	script := writeScript(t, `echo "cannot push" >&2
exit 3`)

	a := NewPRAgent(script, nil, "", 10*time.Second)
	_, err := a.Execute(context.Background(), Input{Objective: "x"})
	var execErr *ExecError
	if !errors.As(err, &execErr) || execErr.Kind != ErrKindExecution {
		t.Fatalf("err = %v, want execution ExecError", err)
	}
}

func TestPRAgentTimeout(t *testing.T) {
	script := writeScript(t, `sleep 5`)
	a := NewPRAgent(script, nil, "", 100*time.Millisecond)
	_, err := a.Execute(context.Background(), Input{Objective: "x"})
	var execErr *ExecError
	if !errors.As(err, &execErr) || execErr.Kind != ErrKindTimeout {
		t.Fatalf("err = %v, want timeout ExecError", err)
	}
}

func TestPRAgentMissingBinary(t *testing.T) {
	a := NewPRAgent("/does/not/exist", nil, "", time.Second)
	_, err := a.Execute(context.Background(), Input{Objective: "x"})
	var execErr *ExecError
	if !errors.As(err, &execErr) || execErr.Kind != ErrKindConnection {
		t.Fatalf("err = %v, want connection ExecError", err)
	}
	if a.HealthCheck(context.Background()) {
		t.Error("missing binary reported healthy")
	}
}

func TestParsePROutput(t *testing.T) {
	out, err := parsePROutput("noise\nmore noise\n" + `{"success":false,"error":"no changes needed"}` + "\n")
	if err != nil {
		t.Fatalf("parsePROutput: %v", err)
	}
	if out.Success || out.Error != "no changes needed" {
		t.Errorf("out = %+v", out)
	}
	if _, err := parsePROutput(""); err == nil {
		t.Error("empty output should fail")
	}
	if _, err := parsePROutput("just chatter"); err == nil {
		t.Error("non-JSON tail should fail")
	}
}

func TestContextAgentFindsPriorWork(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "retries.md"), []byte("notes about retry strategies and backoff caps"), 0o644); err != nil {
		t.Fatalf("write doc: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "unrelated.md"), []byte("grocery list"), 0o644); err != nil {
		t.Fatalf("write doc: %v", err)
	}

	a := NewContextAgent(dir)
	res, err := a.Execute(context.Background(), Input{Objective: "improve retry backoff strategies"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	c := res.Context
	if c == nil || !c.HasPriorWork {
		t.Fatalf("context = %+v, want prior work", c)
	}
	if len(c.RelevantDocs) != 1 || filepath.Base(c.RelevantDocs[0]) != "retries.md" {
		t.Errorf("docs = %v", c.RelevantDocs)
	}
	if c.Confidence <= 0 {
		t.Errorf("confidence = %f", c.Confidence)
	}
}

func TestContextAgentNoKnowledgeBase(t *testing.T) {
	a := NewContextAgent(filepath.Join(t.TempDir(), "missing"))
	res, err := a.Execute(context.Background(), Input{Objective: "anything at all"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Context.HasPriorWork {
		t.Errorf("context = %+v, want no prior work", res.Context)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewContextAgent(""))
	r.Register(NewPRAgent("sh", nil, "", time.Second))

	if _, ok := r.Get(task.AgentContext); !ok {
		t.Error("context agent not registered")
	}
	if _, ok := r.Get(task.AgentResearch); ok {
		t.Error("unexpected research agent")
	}
	if len(r.Kinds()) != 2 {
		t.Errorf("kinds = %v", r.Kinds())
	}

	health := r.Health(context.Background())
	if !health[task.AgentContext] || !health[task.AgentPR] {
		t.Errorf("health = %v", health)
	}
}
