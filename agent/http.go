package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/GoCodeAlone/maestro/task"
)

// HTTPAgent drives the research worker over its REST API: submit a job,
// poll until it completes, return the findings.
type HTTPAgent struct {
	name      string
	baseURL   string
	client    *http.Client
	timeout   time.Duration
	pollEvery time.Duration
}

// NewResearchAgent creates an HTTP adapter for the research worker at
// baseURL. timeout <= 0 uses DefaultTimeout.
func NewResearchAgent(baseURL string, timeout time.Duration) *HTTPAgent {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPAgent{
		name:      "research",
		baseURL:   baseURL,
		client:    &http.Client{},
		timeout:   timeout,
		pollEvery: 2 * time.Second,
	}
}

// Name identifies the adapter instance.
func (a *HTTPAgent) Name() string { return a.name }

// Kind is the role this agent fills.
func (a *HTTPAgent) Kind() task.AgentName { return task.AgentResearch }

type researchJob struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`

	Topic       string   `json:"topic"`
	Summary     string   `json:"summary"`
	Content     string   `json:"content"`
	URLs        []string `json:"urls"`
	KeyFindings []string `json:"key_findings"`
	Error       string   `json:"error"`
}

// Execute submits the objective as a research topic and polls the job
// until it finishes.
func (a *HTTPAgent) Execute(ctx context.Context, in Input) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	start := time.Now()

	body, _ := json.Marshal(map[string]string{"topic": in.Objective})
	job, err := a.doJSON(ctx, http.MethodPost, a.baseURL+"/api/research", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if job.JobID == "" {
		return nil, newError(ctx, a.name, ErrKindExecution, "no job ID returned", nil)
	}

	ticker := time.NewTicker(a.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, newError(ctx, a.name, ErrKindTimeout,
				fmt.Sprintf("research not finished after %s", a.timeout), ctx.Err())
		case <-ticker.C:
		}

		job, err = a.doJSON(ctx, http.MethodGet, a.baseURL+"/api/research/"+job.JobID, nil)
		if err != nil {
			return nil, err
		}
		switch job.Status {
		case "completed":
			return &Result{Research: &task.ResearchResult{
				Topic:       job.Topic,
				Summary:     job.Summary,
				Content:     job.Content,
				URLs:        job.URLs,
				KeyFindings: job.KeyFindings,
				ElapsedMS:   time.Since(start).Milliseconds(),
			}}, nil
		case "failed":
			return nil, newError(ctx, a.name, ErrKindExecution, "research job failed: "+job.Error, nil)
		}
		// still pending or running
	}
}

// HealthCheck hits the worker's health endpoint.
func (a *HTTPAgent) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (a *HTTPAgent) doJSON(ctx context.Context, method, url string, body io.Reader) (*researchJob, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, newError(ctx, a.name, ErrKindExecution, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, newError(ctx, a.name, ErrKindConnection,
			fmt.Sprintf("cannot reach research worker at %s", a.baseURL), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(ctx, a.name, ErrKindConnection, "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newError(ctx, a.name, ErrKindExecution,
			fmt.Sprintf("research API returned %d: %s", resp.StatusCode, raw), nil)
	}

	var job researchJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, newError(ctx, a.name, ErrKindExecution, "decode response", err)
	}
	return &job, nil
}
