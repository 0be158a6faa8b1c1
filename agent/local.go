package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/GoCodeAlone/maestro/task"
)

// LocalAgent runs an in-process function as an agent. The context worker
// uses it: no network hop, just a search over the local knowledge base.
type LocalAgent struct {
	name    string
	kind    task.AgentName
	fn      func(ctx context.Context, in Input) (*Result, error)
	health  func(ctx context.Context) bool
	timeout time.Duration
}

// NewLocalAgent wraps fn as an agent. A nil health function reports
// healthy.
func NewLocalAgent(name string, kind task.AgentName, fn func(ctx context.Context, in Input) (*Result, error), health func(ctx context.Context) bool) *LocalAgent {
	if health == nil {
		health = func(context.Context) bool { return true }
	}
	return &LocalAgent{name: name, kind: kind, fn: fn, health: health, timeout: DefaultTimeout}
}

// Name identifies the adapter instance.
func (a *LocalAgent) Name() string { return a.name }

// Kind is the role this agent fills.
func (a *LocalAgent) Kind() task.AgentName { return a.kind }

// Execute runs the wrapped function under the adapter timeout.
func (a *LocalAgent) Execute(ctx context.Context, in Input) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	res, err := a.fn(ctx, in)
	if err != nil {
		var execErr *ExecError
		if !errors.As(err, &execErr) {
			err = newError(ctx, a.name, ErrKindExecution, "local agent failed", err)
		}
		return nil, err
	}
	return res, nil
}

// HealthCheck runs the wrapped health function.
func (a *LocalAgent) HealthCheck(ctx context.Context) bool { return a.health(ctx) }

// NewContextAgent builds the in-process context worker: it searches the
// knowledge directory for prior work related to the objective. Missing
// directories are not an error; they mean no prior work.
func NewContextAgent(docsDir string) *LocalAgent {
	fn := func(ctx context.Context, in Input) (*Result, error) {
		docs, confidence, err := searchDocs(ctx, docsDir, in.Objective)
		if err != nil {
			return nil, err
		}
		summary := "No prior work found in the knowledge base."
		if len(docs) > 0 {
			summary = fmt.Sprintf("Found %d related documents; strongest match %s.", len(docs), docs[0])
		}
		return &Result{Context: &task.ContextResult{
			Query:        in.Objective,
			RelevantDocs: docs,
			Summary:      summary,
			HasPriorWork: len(docs) > 0,
			Confidence:   confidence,
		}}, nil
	}
	health := func(context.Context) bool {
		if docsDir == "" {
			return true
		}
		_, err := os.Stat(docsDir)
		return err == nil || os.IsNotExist(err)
	}
	return NewLocalAgent("context", task.AgentContext, fn, health)
}

// searchDocs scores knowledge-base files by keyword overlap with the
// query and returns the top matches, best first.
func searchDocs(ctx context.Context, dir, query string) ([]string, float64, error) {
	if dir == "" {
		return nil, 0, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, 0, nil
	}

	words := keywords(query)
	if len(words) == 0 {
		return nil, 0, nil
	}

	type match struct {
		path  string
		score int
	}
	var matches []match
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".md", ".txt":
		default:
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		content := strings.ToLower(string(raw))
		score := 0
		for _, w := range words {
			score += strings.Count(content, w)
		}
		if score > 0 {
			matches = append(matches, match{path: path, score: score})
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("search knowledge base: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if len(matches) > 5 {
		matches = matches[:5]
	}
	var docs []string
	for _, m := range matches {
		docs = append(docs, m.path)
	}
	confidence := float64(len(matches)) / 5.0
	if confidence > 1 {
		confidence = 1
	}
	return docs, confidence, nil
}

// keywords extracts the searchable words of a query, dropping short stop
// words.
func keywords(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []string
	for _, f := range fields {
		if len(f) >= 4 {
			out = append(out, f)
		}
	}
	return out
}
