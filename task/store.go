package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// Store persists and retrieves task state. Update and AppendMessage renew
// the task's expiry clock; last writer wins on concurrent updates.
type Store interface {
	// Create persists a new task in StatusPending and returns it.
	Create(ctx context.Context, objective string, opts CreateOptions) (*Task, error)

	// Get retrieves a task by ID. Expired tasks return ErrNotFound.
	Get(ctx context.Context, id string) (*Task, error)

	// Update overwrites the stored task with t and bumps UpdatedAt.
	Update(ctx context.Context, t *Task) error

	// AppendMessage adds one message to the task's conversation log.
	AppendMessage(ctx context.Context, id string, m Message) error

	// List returns summaries of tasks matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]Summary, error)

	// Delete removes a task.
	Delete(ctx context.Context, id string) error

	// ExpireAfter sets the task's remaining lifetime.
	ExpireAfter(ctx context.Context, id string, d time.Duration) error

	// Stats aggregates counts over all live tasks.
	Stats(ctx context.Context) (*Stats, error)

	// CleanupCompleted deletes terminal tasks untouched for longer than
	// olderThan and returns the IDs removed so callers can release any
	// per-task state held elsewhere.
	CleanupCompleted(ctx context.Context, olderThan time.Duration) ([]string, error)
}

// CreateOptions tunes a new task.
type CreateOptions struct {
	MaxIterations int
	Strategy      string
	TTL           time.Duration
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	objective        TEXT NOT NULL,
	status           TEXT NOT NULL,
	iteration        INTEGER NOT NULL DEFAULT 0,
	max_iterations   INTEGER NOT NULL DEFAULT 10,
	strategy         TEXT NOT NULL DEFAULT '',
	current_agent    TEXT NOT NULL DEFAULT '',
	agents_called    TEXT NOT NULL DEFAULT '[]',
	research_result  TEXT,
	context_result   TEXT,
	pr_result        TEXT,
	messages         TEXT NOT NULL DEFAULT '[]',
	errors           TEXT NOT NULL DEFAULT '[]',
	agent_errors     TEXT NOT NULL DEFAULT '{}',
	user_context     TEXT NOT NULL DEFAULT '{}',
	secrets_detected INTEGER NOT NULL DEFAULT 0,
	secret_patterns  TEXT NOT NULL DEFAULT '[]',
	final_output     TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	completed_at     DATETIME,
	expires_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

// SQLiteStore persists tasks in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the tasks table exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db, ttl: DefaultTTL}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Create persists a new task in StatusPending.
func (s *SQLiteStore) Create(ctx context.Context, objective string, opts CreateOptions) (*Task, error) {
	t := newTask(objective, opts)
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks
			(id, objective, status, iteration, max_iterations, strategy, current_agent,
			 agents_called, research_result, context_result, pr_result,
			 messages, errors, agent_errors, user_context,
			 secrets_detected, secret_patterns, final_output,
			 created_at, updated_at, completed_at, expires_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		taskArgs(t, t.CreatedAt.Add(ttl))...,
	)
	if err != nil {
		return nil, storeErr("insert task", err)
	}
	return t, nil
}

func newTask(objective string, opts CreateOptions) *Task {
	maxIters := opts.MaxIterations
	if maxIters <= 0 {
		maxIters = 10
	}
	now := time.Now().UTC()
	return &Task{
		ID:        uuid.New().String(),
		Objective: objective,
		Status:    StatusPending,
		MaxIters:  maxIters,
		Strategy:  opts.Strategy,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Get retrieves a task by ID. An expired row reads as not found and is
// lazily deleted.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT * FROM tasks WHERE id = ?`, id)
	t, expiresAt, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get task", err)
	}
	if time.Now().UTC().After(expiresAt) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, nil
}

// Update overwrites the stored task, bumps UpdatedAt, and renews the
// expiry clock.
func (s *SQLiteStore) Update(ctx context.Context, t *Task) error {
	t.UpdatedAt = time.Now().UTC()

	args := taskArgs(t, t.UpdatedAt.Add(s.ttl))
	// drop leading id, re-append for the WHERE clause
	args = append(args[1:], t.ID)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			objective=?, status=?, iteration=?, max_iterations=?, strategy=?, current_agent=?,
			agents_called=?, research_result=?, context_result=?, pr_result=?,
			messages=?, errors=?, agent_errors=?, user_context=?,
			secrets_detected=?, secret_patterns=?, final_output=?,
			created_at=?, updated_at=?, completed_at=?, expires_at=?
		WHERE id=?`, args...)
	if err != nil {
		return storeErr("update task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update task", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// AppendMessage adds one message to the task conversation log.
func (s *SQLiteStore) AppendMessage(ctx context.Context, id string, m Message) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	t.Messages = append(t.Messages, m)
	return s.Update(ctx, t)
}

// List returns summaries of unexpired tasks matching the filter.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]Summary, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT id, objective, status, iteration, created_at, updated_at
		FROM tasks WHERE expires_at > ?`)
	args := []any{time.Now().UTC()}

	if filter.Status != "" {
		q.WriteString(" AND status=?")
		args = append(args, string(filter.Status))
	}
	q.WriteString(" ORDER BY created_at DESC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, storeErr("list tasks", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sm Summary
		var status string
		if err := rows.Scan(&sm.ID, &sm.Objective, &status, &sm.Iteration, &sm.CreatedAt, &sm.UpdatedAt); err != nil {
			return nil, storeErr("scan task summary", err)
		}
		sm.Status = Status(status)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// Delete removes a task by ID.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return storeErr("delete task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("delete task", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// ExpireAfter sets the task's remaining lifetime to d from now.
func (s *SQLiteStore) ExpireAfter(ctx context.Context, id string, d time.Duration) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET expires_at=? WHERE id=?`,
		time.Now().UTC().Add(d), id)
	if err != nil {
		return storeErr("expire task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("expire task", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// Stats aggregates counts over unexpired tasks.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*), SUM(CASE WHEN errors != '[]' THEN 1 ELSE 0 END)
		FROM tasks WHERE expires_at > ? GROUP BY status`, time.Now().UTC())
	if err != nil {
		return nil, storeErr("task stats", err)
	}
	defer rows.Close()

	st := &Stats{ByStatus: make(map[Status]int)}
	for rows.Next() {
		var status string
		var count, withErrors int
		if err := rows.Scan(&status, &count, &withErrors); err != nil {
			return nil, storeErr("scan task stats", err)
		}
		st.ByStatus[Status(status)] = count
		st.Total += count
		st.WithErrors += withErrors
	}
	return st, rows.Err()
}

// CleanupCompleted deletes terminal tasks untouched for longer than
// olderThan and returns the removed IDs.
func (s *SQLiteStore) CleanupCompleted(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks WHERE status IN (?,?,?) AND updated_at < ?`,
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled), cutoff)
	if err != nil {
		return nil, storeErr("cleanup tasks", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storeErr("cleanup tasks", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeErr("cleanup tasks", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE status IN (?,?,?) AND updated_at < ?`,
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled), cutoff); err != nil {
		return nil, storeErr("cleanup tasks", err)
	}
	return ids, nil
}

// taskArgs flattens t into the insert/update argument order.
func taskArgs(t *Task, expiresAt time.Time) []any {
	agentsCalled, _ := json.Marshal(t.AgentsCalled)
	messages, _ := json.Marshal(t.Messages)
	errs, _ := json.Marshal(t.Errors)
	agentErrors, _ := json.Marshal(t.AgentErrors)
	userContext, _ := json.Marshal(t.UserContext)
	patterns, _ := json.Marshal(t.SecretPatterns)

	return []any{
		t.ID, t.Objective, string(t.Status), t.Iteration, t.MaxIters, t.Strategy,
		string(t.CurrentAgent), string(agentsCalled),
		jsonOrNull(t.ResearchResult), jsonOrNull(t.ContextResult), jsonOrNull(t.PRResult),
		string(messages), string(errs), string(agentErrors), string(userContext),
		boolInt(t.SecretsDetected), string(patterns), t.FinalOutput,
		t.CreatedAt, t.UpdatedAt, nullTime(t.CompletedAt), expiresAt,
	}
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, time.Time, error) {
	var t Task
	var status, currentAgent string
	var agentsCalledJSON, messagesJSON, errorsJSON, agentErrorsJSON, userContextJSON, patternsJSON string
	var researchJSON, contextJSON, prJSON sql.NullString
	var secretsDetected int
	var completedAt sql.NullTime
	var expiresAt time.Time

	err := s.Scan(
		&t.ID, &t.Objective, &status, &t.Iteration, &t.MaxIters, &t.Strategy,
		&currentAgent, &agentsCalledJSON,
		&researchJSON, &contextJSON, &prJSON,
		&messagesJSON, &errorsJSON, &agentErrorsJSON, &userContextJSON,
		&secretsDetected, &patternsJSON, &t.FinalOutput,
		&t.CreatedAt, &t.UpdatedAt, &completedAt, &expiresAt,
	)
	if err != nil {
		return nil, time.Time{}, err
	}

	t.Status = Status(status)
	t.CurrentAgent = AgentName(currentAgent)
	t.SecretsDetected = secretsDetected != 0

	_ = json.Unmarshal([]byte(agentsCalledJSON), &t.AgentsCalled)
	_ = json.Unmarshal([]byte(messagesJSON), &t.Messages)
	_ = json.Unmarshal([]byte(errorsJSON), &t.Errors)
	_ = json.Unmarshal([]byte(agentErrorsJSON), &t.AgentErrors)
	_ = json.Unmarshal([]byte(userContextJSON), &t.UserContext)
	_ = json.Unmarshal([]byte(patternsJSON), &t.SecretPatterns)

	if researchJSON.Valid {
		_ = json.Unmarshal([]byte(researchJSON.String), &t.ResearchResult)
	}
	if contextJSON.Valid {
		_ = json.Unmarshal([]byte(contextJSON.String), &t.ContextResult)
	}
	if prJSON.Valid {
		_ = json.Unmarshal([]byte(prJSON.String), &t.PRResult)
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, expiresAt, nil
}

func jsonOrNull[T any](p *T) any {
	if p == nil {
		return nil
	}
	b, _ := json.Marshal(p)
	return string(b)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}
