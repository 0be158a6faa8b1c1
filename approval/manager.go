package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/GoCodeAlone/maestro/events"
)

// Status is the resolution state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusTimeout  Status = "timeout"
)

// ErrUnknownRequest is returned when resolving an ID that was never created.
var ErrUnknownRequest = errors.New("unknown approval request")

// Request asks a human to allow one operation.
type Request struct {
	ID          string            `json:"id"`
	TaskID      string            `json:"task_id,omitempty"`
	AgentName   string            `json:"agent_name,omitempty"`
	Operation   OperationType     `json:"operation"`
	Risk        RiskLevel         `json:"risk"`
	Description string            `json:"description"`
	Details     map[string]string `json:"details,omitempty"`
	Timeout     time.Duration     `json:"-"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Decision is the outcome of a request. A timeout is a denial, not an
// error.
type Decision struct {
	RequestID    string    `json:"request_id"`
	Approved     bool      `json:"approved"`
	Status       Status    `json:"status"`
	Note         string    `json:"note,omitempty"`
	DecidedAt    time.Time `json:"decided_at"`
	AutoApproved bool      `json:"auto_approved,omitempty"`
}

// Record is a request with its resolution, as stored in history.
type Record struct {
	Request
	Status    Status     `json:"status"`
	Note      string     `json:"note,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

// Stats summarizes gate activity.
type Stats struct {
	Total         int                `json:"total"`
	ByStatus      map[Status]int     `json:"by_status"`
	ByRisk        map[RiskLevel]int  `json:"by_risk"`
	ApprovalRate  float64            `json:"approval_rate"`
	MeanLatencyMS float64            `json:"mean_latency_ms"`
}

// Notifier receives gate lifecycle events; the engine wires it to the
// event bus. A nil Notifier is silently ignored.
type Notifier func(taskID string, typ events.Type, data map[string]any)

const approvalSchema = `
CREATE TABLE IF NOT EXISTS approvals (
	id          TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL DEFAULT '',
	agent_name  TEXT NOT NULL DEFAULT '',
	operation   TEXT NOT NULL,
	risk        TEXT NOT NULL,
	description TEXT NOT NULL,
	details     TEXT NOT NULL DEFAULT '{}',
	status      TEXT NOT NULL DEFAULT 'pending',
	note        TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	decided_at  DATETIME
);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
`

// Manager is the approval gate. Each pending request owns a channel that
// is completed exactly once, by whichever of resolve and timeout comes
// first; every wait is independent of every other.
type Manager struct {
	db         *sql.DB
	classifier *Classifier
	notifier   Notifier
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

type pendingRequest struct {
	req      Request
	decision chan Decision
	once     sync.Once
}

// complete records d as the request's single outcome. Reports whether this
// caller won the race to decide.
func (p *pendingRequest) complete(d Decision) bool {
	won := false
	p.once.Do(func() {
		p.decision <- d
		won = true
	})
	return won
}

// NewManager opens (or creates) the approval history database at dbPath.
func NewManager(dbPath string, classifier *Classifier, logger *slog.Logger) (*Manager, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(approvalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create approvals schema: %w", err)
	}
	if classifier == nil {
		classifier = NewClassifier()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		db:         db,
		classifier: classifier,
		notifier:   func(string, events.Type, map[string]any) {},
		logger:     logger,
		pending:    make(map[string]*pendingRequest),
	}, nil
}

// Close releases the underlying database connection.
func (m *Manager) Close() error { return m.db.Close() }

// SetNotifier wires gate lifecycle notifications.
func (m *Manager) SetNotifier(n Notifier) {
	if n != nil {
		m.notifier = n
	}
}

// Classifier exposes the gate's risk table.
func (m *Manager) Classifier() *Classifier { return m.classifier }

// RequestApproval blocks the calling goroutine until the request is
// approved, rejected, times out, or ctx is cancelled. Low-risk operations
// are approved immediately without a record. A timed-out or rejected
// request returns a denial decision and a nil error.
func (m *Manager) RequestApproval(ctx context.Context, req Request) (Decision, error) {
	if req.Risk == "" {
		req.Risk = m.classifier.Classify(req.Operation)
	}
	if req.Risk == RiskLow {
		m.logger.Debug("auto-approved low-risk operation",
			"task_id", req.TaskID, "operation", req.Operation)
		return Decision{
			RequestID:    req.ID,
			Approved:     true,
			Status:       StatusApproved,
			DecidedAt:    time.Now().UTC(),
			AutoApproved: true,
		}, nil
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Timeout <= 0 {
		req.Timeout = TimeoutFor(req.Risk)
	}
	req.CreatedAt = time.Now().UTC()

	details, _ := json.Marshal(req.Details)
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO approvals (id, task_id, agent_name, operation, risk, description, details, status, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		req.ID, req.TaskID, req.AgentName, string(req.Operation), string(req.Risk),
		req.Description, string(details), string(StatusPending), req.CreatedAt,
	)
	if err != nil {
		return Decision{}, fmt.Errorf("record approval request: %w", err)
	}

	p := &pendingRequest{req: req, decision: make(chan Decision, 1)}
	m.mu.Lock()
	m.pending[req.ID] = p
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, req.ID)
		m.mu.Unlock()
	}()

	m.notifier(req.TaskID, events.TypeApprovalRequired, map[string]any{
		"request_id":  req.ID,
		"operation":   string(req.Operation),
		"risk":        string(req.Risk),
		"description": req.Description,
		"timeout_s":   int(req.Timeout.Seconds()),
	})
	m.logger.Info("approval required",
		"request_id", req.ID, "task_id", req.TaskID,
		"operation", req.Operation, "risk", req.Risk)

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	select {
	case d := <-p.decision:
		return d, nil

	case <-timer.C:
		d := Decision{
			RequestID: req.ID,
			Approved:  false,
			Status:    StatusTimeout,
			Note:      "no decision before timeout",
			DecidedAt: time.Now().UTC(),
		}
		if p.complete(d) {
			m.persistDecision(d)
			m.notifier(req.TaskID, events.TypeApprovalTimeout, map[string]any{
				"request_id": req.ID,
				"operation":  string(req.Operation),
			})
			m.logger.Warn("approval timed out", "request_id", req.ID, "task_id", req.TaskID)
			return d, nil
		}
		// a resolve slipped in before the timer won
		return <-p.decision, nil

	case <-ctx.Done():
		d := Decision{
			RequestID: req.ID,
			Approved:  false,
			Status:    StatusTimeout,
			Note:      "task cancelled while waiting",
			DecidedAt: time.Now().UTC(),
		}
		if p.complete(d) {
			m.persistDecision(d)
			return d, ctx.Err()
		}
		return <-p.decision, nil
	}
}

// Resolve decides a pending request. Resolving is idempotent: the second
// and later calls return the first outcome unchanged, whoever produced it.
func (m *Manager) Resolve(ctx context.Context, id string, approved bool, note string) (Decision, error) {
	status := StatusRejected
	if approved {
		status = StatusApproved
	}
	d := Decision{
		RequestID: id,
		Approved:  approved,
		Status:    status,
		Note:      note,
		DecidedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	p := m.pending[id]
	m.mu.Unlock()

	if p != nil {
		if p.complete(d) {
			m.persistDecision(d)
			m.notifier(p.req.TaskID, events.TypeApprovalDecided, map[string]any{
				"request_id": id,
				"approved":   approved,
				"note":       note,
			})
			m.logger.Info("approval decided",
				"request_id", id, "approved", approved, "task_id", p.req.TaskID)
			return d, nil
		}
		// already decided; return the recorded outcome
		return m.recordedDecision(ctx, id)
	}

	// No live waiter: either already resolved, or the daemon restarted
	// with the row still pending.
	rec, err := m.Get(ctx, id)
	if err != nil {
		return Decision{}, err
	}
	if rec.Status != StatusPending {
		return decisionFromRecord(rec), nil
	}
	m.persistDecision(d)
	return d, nil
}

// recordedDecision reads the persisted outcome of an already-decided
// request.
func (m *Manager) recordedDecision(ctx context.Context, id string) (Decision, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return Decision{}, err
	}
	return decisionFromRecord(rec), nil
}

func decisionFromRecord(rec *Record) Decision {
	d := Decision{
		RequestID: rec.ID,
		Approved:  rec.Status == StatusApproved,
		Status:    rec.Status,
		Note:      rec.Note,
	}
	if rec.DecidedAt != nil {
		d.DecidedAt = *rec.DecidedAt
	}
	return d
}

func (m *Manager) persistDecision(d Decision) {
	_, err := m.db.Exec(`
		UPDATE approvals SET status=?, note=?, decided_at=? WHERE id=? AND status=?`,
		string(d.Status), d.Note, d.DecidedAt, d.RequestID, string(StatusPending))
	if err != nil {
		m.logger.Error("persist approval decision", "request_id", d.RequestID, "error", err)
	}
}

// Get retrieves one request with its resolution.
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, task_id, agent_name, operation, risk, description, details, status, note, created_at, decided_at
		FROM approvals WHERE id=?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval %s: %w", id, ErrUnknownRequest)
	}
	return rec, err
}

// Pending lists undecided requests, oldest first.
func (m *Manager) Pending(ctx context.Context) ([]Record, error) {
	return m.history(ctx, "WHERE status=? ORDER BY created_at ASC", string(StatusPending))
}

// HistoryFilter narrows History results.
type HistoryFilter struct {
	Status Status
	TaskID string
	Limit  int
}

// History lists requests newest first.
func (m *Manager) History(ctx context.Context, filter HistoryFilter) ([]Record, error) {
	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, string(filter.Status))
	}
	if filter.TaskID != "" {
		conds = append(conds, "task_id=?")
		args = append(args, filter.TaskID)
	}
	clause := ""
	if len(conds) > 0 {
		clause = "WHERE " + strings.Join(conds, " AND ")
	}
	clause += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		clause += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return m.history(ctx, clause, args...)
}

func (m *Manager) history(ctx context.Context, clause string, args ...any) ([]Record, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, task_id, agent_name, operation, risk, description, details, status, note, created_at, decided_at
		FROM approvals `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// GateStats aggregates gate activity. The approval rate counts approved
// over all decided requests; latency averages decision time.
func (m *Manager) GateStats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		ByStatus: make(map[Status]int),
		ByRisk:   make(map[RiskLevel]int),
	}

	rows, err := m.db.QueryContext(ctx, `SELECT status, risk, COUNT(*) FROM approvals GROUP BY status, risk`)
	if err != nil {
		return nil, fmt.Errorf("approval stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status, risk string
		var n int
		if err := rows.Scan(&status, &risk, &n); err != nil {
			return nil, fmt.Errorf("scan approval stats: %w", err)
		}
		st.ByStatus[Status(status)] += n
		st.ByRisk[RiskLevel(risk)] += n
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	decided := st.ByStatus[StatusApproved] + st.ByStatus[StatusRejected] + st.ByStatus[StatusTimeout]
	if decided > 0 {
		st.ApprovalRate = float64(st.ByStatus[StatusApproved]) / float64(decided)
	}

	row := m.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG((julianday(decided_at) - julianday(created_at)) * 86400000.0), 0)
		FROM approvals WHERE decided_at IS NOT NULL`)
	if err := row.Scan(&st.MeanLatencyMS); err != nil {
		return nil, fmt.Errorf("approval latency: %w", err)
	}
	return st, nil
}

// Purge deletes decided requests older than olderThan and returns how many
// were removed. Pending requests are never purged.
func (m *Manager) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := m.db.ExecContext(ctx, `
		DELETE FROM approvals WHERE status != ? AND created_at < ?`,
		string(StatusPending), time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge approvals: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var rec Record
	var operation, risk, status, detailsJSON string
	var decidedAt sql.NullTime
	err := s.Scan(
		&rec.ID, &rec.TaskID, &rec.AgentName, &operation, &risk,
		&rec.Description, &detailsJSON, &status, &rec.Note,
		&rec.CreatedAt, &decidedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Operation = OperationType(operation)
	rec.Risk = RiskLevel(risk)
	rec.Status = Status(status)
	_ = json.Unmarshal([]byte(detailsJSON), &rec.Details)
	if decidedAt.Valid {
		rec.DecidedAt = &decidedAt.Time
	}
	return &rec, nil
}
