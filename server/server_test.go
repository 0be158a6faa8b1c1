package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/maestro/agent"
	"github.com/GoCodeAlone/maestro/approval"
	"github.com/GoCodeAlone/maestro/config"
	"github.com/GoCodeAlone/maestro/events"
	"github.com/GoCodeAlone/maestro/orchestrator"
	"github.com/GoCodeAlone/maestro/provider/mock"
	"github.com/GoCodeAlone/maestro/secrets"
	"github.com/GoCodeAlone/maestro/summary"
	"github.com/GoCodeAlone/maestro/supervisor"
	"github.com/GoCodeAlone/maestro/task"
)

func newTestServer(t *testing.T, agents ...agent.Agent) (*Server, *httptest.Server) {
	t.Helper()

	f, err := os.CreateTemp("", "maestro-server-*.db")
	if err != nil {
		t.Fatalf("temp db: %v", err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	gate, err := approval.NewManager(f.Name(), approval.NewClassifier(), nil)
	if err != nil {
		t.Fatalf("approval manager: %v", err)
	}
	t.Cleanup(func() { gate.Close() })

	filter, err := secrets.NewDetector(nil)
	if err != nil {
		t.Fatalf("detector: %v", err)
	}

	reg := agent.NewRegistry()
	for _, a := range agents {
		reg.Register(a)
	}

	p := mock.New("DONE")
	engine := orchestrator.New(orchestrator.Deps{
		Store:      task.NewMemoryStore(),
		Agents:     reg,
		Router:     supervisor.New(p, 0, nil),
		Gate:       gate,
		Filter:     filter,
		Summarizer: summary.New(p, 0, nil),
		Bus:        events.NewBus(),
	}, orchestrator.Config{DefaultStrategy: "research_first"})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		engine.Shutdown(ctx)
	})

	srv := New(*config.DefaultConfig(), engine, "test",
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv.keepalive = 100 * time.Millisecond
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func researchStub() agent.Agent {
	return agent.NewLocalAgent("research-stub", task.AgentResearch,
		func(_ context.Context, in agent.Input) (*agent.Result, error) {
			return &agent.Result{Research: &task.ResearchResult{
				Topic:   in.Objective,
				Summary: "stubbed research answer",
				Content: "stubbed research answer",
			}}, nil
		}, nil)
}

func contextStub() agent.Agent {
	return agent.NewLocalAgent("context-stub", task.AgentContext,
		func(_ context.Context, _ agent.Input) (*agent.Result, error) {
			return &agent.Result{Context: &task.ContextResult{Summary: "nothing prior"}}, nil
		}, nil)
}

func prStub() agent.Agent {
	return agent.NewLocalAgent("pr-stub", task.AgentPR,
		func(_ context.Context, _ agent.Input) (*agent.Result, error) {
			return &agent.Result{PR: &task.PRResult{
				Title: "Add the thing", PRURL: "https://example.com/pr/1",
				BranchName: "feature/thing", Success: true,
			}}, nil
		}, nil)
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func waitForStatus(t *testing.T, baseURL, id string, want task.Status) *task.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/api/tasks/" + id)
		if err != nil {
			t.Fatalf("GET task: %v", err)
		}
		tk := decode[*task.Task](t, resp)
		if tk.Status == want {
			return tk
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", id, want)
	return nil
}

func TestCreateTaskValidation(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/tasks", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestConversationalTaskOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/tasks", map[string]string{"objective": "hello there"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	tk := decode[*task.Task](t, resp)
	if tk.Status != task.StatusCompleted || tk.FinalOutput == "" {
		t.Fatalf("conversational task = %+v", tk)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	_, ts := newTestServer(t, researchStub(), contextStub())

	resp := postJSON(t, ts.URL+"/api/tasks",
		map[string]string{"objective": "tell me about webhooks", "strategy": "adaptive"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	created := decode[*task.Task](t, resp)

	done := waitForStatus(t, ts.URL, created.ID, task.StatusCompleted)
	if done.ResearchResult == nil {
		t.Fatal("research result missing")
	}

	// list filtered by status
	listResp, err := http.Get(ts.URL + "/api/tasks?status=completed")
	if err != nil {
		t.Fatalf("GET tasks: %v", err)
	}
	list := decode[[]task.Summary](t, listResp)
	if len(list) != 1 || list[0].ID != created.ID {
		t.Errorf("list = %+v", list)
	}

	// unknown task is a 404
	nf, _ := http.Get(ts.URL + "/api/tasks/no-such-id")
	if nf.StatusCode != http.StatusNotFound {
		t.Errorf("unknown task status = %d, want 404", nf.StatusCode)
	}
	nf.Body.Close()
}

func TestCancelUnknownTask(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/tasks/no-such-id/cancel", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	_, ts := newTestServer(t, researchStub(), contextStub(), prStub())

	resp := postJSON(t, ts.URL+"/api/tasks", map[string]string{"objective": "implement the widget"})
	created := decode[*task.Task](t, resp)

	// the gate holds the task once routing reaches the PR agent
	var pending []approval.Record
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && len(pending) == 0 {
		pr, err := http.Get(ts.URL + "/api/approvals/pending")
		if err != nil {
			t.Fatalf("GET pending: %v", err)
		}
		pending = decode[[]approval.Record](t, pr)
		if len(pending) == 0 {
			time.Sleep(20 * time.Millisecond)
		}
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %+v", pending)
	}
	if pending[0].TaskID != created.ID || pending[0].Operation != approval.OpPRCreate {
		t.Fatalf("unexpected pending request: %+v", pending[0])
	}

	dr := postJSON(t, ts.URL+"/api/approvals/"+pending[0].ID+"/approve",
		map[string]string{"note": "ship it"})
	dec := decode[approval.Decision](t, dr)
	if !dec.Approved {
		t.Fatalf("decision = %+v", dec)
	}

	done := waitForStatus(t, ts.URL, created.ID, task.StatusCompleted)
	if done.PRResult == nil || !done.PRResult.Success {
		t.Fatal("PR result missing after approval")
	}

	// history and stats reflect the decision
	hr, _ := http.Get(ts.URL + "/api/approvals?task_id=" + created.ID)
	hist := decode[[]approval.Record](t, hr)
	if len(hist) != 1 || hist[0].Status != approval.StatusApproved {
		t.Errorf("history = %+v", hist)
	}
	sr, _ := http.Get(ts.URL + "/api/approvals/stats")
	stats := decode[approval.Stats](t, sr)
	if stats.Total != 1 || stats.ApprovalRate != 1.0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestResolveUnknownApproval(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/approvals/no-such-id/approve", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestEventStreamReplaysAndTerminates(t *testing.T) {
	_, ts := newTestServer(t, researchStub(), contextStub())

	resp := postJSON(t, ts.URL+"/api/tasks", map[string]string{"objective": "summarize the changelog"})
	created := decode[*task.Task](t, resp)
	waitForStatus(t, ts.URL, created.ID, task.StatusCompleted)

	// full replay after completion still yields the whole stream
	es, err := http.Get(ts.URL + "/api/tasks/" + created.ID + "/events?from=0")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer es.Body.Close()
	if ct := es.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var types []string
	var ids []string
	scanner := bufio.NewScanner(es.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			types = append(types, v)
		}
		if v, ok := strings.CutPrefix(line, "id: "); ok {
			ids = append(ids, v)
		}
	}
	if len(types) == 0 || types[0] != string(events.TypeTaskStart) {
		t.Fatalf("stream types = %v", types)
	}
	if types[len(types)-1] != string(events.TypeComplete) {
		t.Fatalf("stream did not end with COMPLETE: %v", types)
	}
	for i, id := range ids {
		if id != strconv.Itoa(i) {
			t.Fatalf("event ids not dense: %v", ids)
		}
	}

	// partial replay honors the from cursor
	es2, err := http.Get(ts.URL + "/api/tasks/" + created.ID + "/events?from=2")
	if err != nil {
		t.Fatalf("GET events from=2: %v", err)
	}
	defer es2.Body.Close()
	scanner = bufio.NewScanner(es2.Body)
	var firstID string
	for scanner.Scan() {
		if v, ok := strings.CutPrefix(scanner.Text(), "id: "); ok {
			firstID = v
			break
		}
	}
	if firstID != "2" {
		t.Fatalf("first replayed id = %q, want 2", firstID)
	}
}

func TestEventStreamUnknownTask(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/tasks/no-such-id/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStatusAndVersion(t *testing.T) {
	_, ts := newTestServer(t, researchStub())

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	st := decode[map[string]any](t, resp)
	if st["status"] != "ok" || st["version"] != "test" {
		t.Errorf("status = %v", st)
	}
	if _, ok := st["agents"]; !ok {
		t.Error("status missing agent health")
	}

	vr, _ := http.Get(ts.URL + "/api/version")
	v := decode[map[string]string](t, vr)
	if v["version"] != "test" {
		t.Errorf("version = %v", v)
	}
}
