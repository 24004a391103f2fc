package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/tapflow/internal/core"
)

// handleListTasks returns all tasks, most recently updated first.
// Optional ?state=RUNNING filters by state.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.ListTasks(r.Context())
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	if raw := r.URL.Query().Get("state"); raw != "" {
		state, err := core.ParseTaskState(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.State == state {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// handleGetTask returns a single task by session ID.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	sessionID := core.SessionID(chi.URLParam(r, "sessionID"))

	task, err := s.tasks.GetTask(r.Context(), sessionID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// handleGetSteps returns the persisted step history of a session.
func (s *Server) handleGetSteps(w http.ResponseWriter, r *http.Request) {
	sessionID := core.SessionID(chi.URLParam(r, "sessionID"))

	// 404 for unknown sessions rather than an empty list.
	if _, err := s.tasks.GetTask(r.Context(), sessionID); err != nil {
		s.respondStoreError(w, err)
		return
	}

	steps, err := s.steps.GetStepsForSession(r.Context(), sessionID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"steps":      steps,
		"count":      len(steps),
	})
}

// handleActiveSessions returns sessions currently registered with the engine.
func (s *Server) handleActiveSessions(w http.ResponseWriter, _ *http.Request) {
	var sessions []core.SessionID
	if s.engine != nil {
		sessions = s.engine.ActiveSessions()
	}
	if sessions == nil {
		sessions = []core.SessionID{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleListBackups returns session IDs with backup artifacts on disk.
func (s *Server) handleListBackups(w http.ResponseWriter, _ *http.Request) {
	sessions, err := s.backups.ListBackupSessions()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []core.SessionID{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleRecoveryReport returns the report from startup crash recovery.
func (s *Server) handleRecoveryReport(w http.ResponseWriter, _ *http.Request) {
	if s.report == nil {
		respondError(w, http.StatusNotFound, "no recovery report available")
		return
	}
	respondJSON(w, http.StatusOK, s.report)
}
