package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/maestro/approval"
	"github.com/GoCodeAlone/maestro/orchestrator"
	"github.com/GoCodeAlone/maestro/task"
)

// --- Task handlers ---

type createTaskRequest struct {
	Objective     string `json:"objective"`
	Strategy      string `json:"strategy,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Objective == "" {
		writeError(w, http.StatusBadRequest, "objective is required")
		return
	}
	t, err := s.engine.Submit(r.Context(), req.Objective, orchestrator.SubmitOptions{
		Strategy:      req.Strategy,
		MaxIterations: req.MaxIterations,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.Filter{}
	if st := q.Get("status"); st != "" {
		filter.Status = task.Status(st)
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}

	tasks, err := s.engine.Store().List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []task.Summary{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.Store().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Cancel(id); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task is not running")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// --- Approval handlers ---

func (s *Server) listApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := approval.HistoryFilter{TaskID: q.Get("task_id")}
	if st := q.Get("status"); st != "" {
		filter.Status = approval.Status(st)
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}

	recs, err := s.engine.Gate().History(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []approval.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) pendingApprovals(w http.ResponseWriter, r *http.Request) {
	recs, err := s.engine.Gate().Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []approval.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) getApproval(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Gate().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, approval.ErrUnknownRequest) {
			writeError(w, http.StatusNotFound, "approval request not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type resolveRequest struct {
	Note string `json:"note,omitempty"`
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, true)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, false)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request, approved bool) {
	var req resolveRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // note is optional
	}
	dec, err := s.engine.Gate().Resolve(r.Context(), r.PathValue("id"), approved, req.Note)
	if err != nil {
		if errors.Is(err, approval.ErrUnknownRequest) {
			writeError(w, http.StatusNotFound, "approval request not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

func (s *Server) approvalStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Gate().GateStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) purgeApprovals(w http.ResponseWriter, r *http.Request) {
	olderThan := 30 * 24 * time.Hour
	if d := r.URL.Query().Get("older_than"); d != "" {
		parsed, err := time.ParseDuration(d)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid older_than duration")
			return
		}
		olderThan = parsed
	}
	n, err := s.engine.Gate().Purge(r.Context(), olderThan)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

// --- Status / version ---

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	}
	if stats, err := s.engine.Store().Stats(ctx); err == nil {
		resp["tasks"] = stats
	}
	health := map[string]bool{}
	for kind, ok := range s.engine.Agents().Health(ctx) {
		health[string(kind)] = ok
	}
	resp["agents"] = health
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) versionHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
