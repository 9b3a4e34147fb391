package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/szuru-ingest/internal/domain"
	"github.com/fairyhunter13/szuru-ingest/internal/usecase"
)

// JobActionHandler applies a single control action to one job:
// POST /api/jobs/{id}/{start|pause|stop|resume|retry}.
func (s *Server) JobActionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		action := chi.URLParam(r, "action")
		user, _ := CurrentUser(r)
		owner := ownerScope(user)

		var (
			job domain.Job
			err error
		)
		switch action {
		case "start":
			job, err = s.Jobs.Start(r.Context(), owner, id)
		case "pause":
			job, err = s.Jobs.Pause(r.Context(), owner, id)
		case "stop":
			job, err = s.Jobs.Stop(r.Context(), owner, id)
		case "resume":
			job, err = s.Jobs.Resume(r.Context(), owner, id)
		case "retry":
			job, err = s.Jobs.Retry(r.Context(), owner, id)
		default:
			writeError(w, r, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidArgument, action), nil)
			return
		}
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobOut(job))
	}
}

// DeleteJobHandler removes a job row and its scratch directory.
func (s *Server) DeleteJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		user, _ := CurrentUser(r)
		if err := s.Jobs.Delete(r.Context(), ownerScope(user), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "id": id})
	}
}

// bulkAccepted is the immediate response to a bulk control request; the
// per-job outcomes surface via SSE and list refresh.
type bulkAccepted struct {
	Accepted bool     `json:"accepted"`
	JobIDs   []string `json:"job_ids"`
	Action   string   `json:"action"`
}

// BulkJobActionHandler applies an action to many jobs in the background:
// POST /api/jobs/bulk/{action} with {"job_ids": [...]}. Returns 202.
func (s *Server) BulkJobActionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		action := usecase.BulkAction(chi.URLParam(r, "action"))
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			JobIDs []string `json:"job_ids" validate:"required,min=1"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		user, _ := CurrentUser(r)
		if err := s.Jobs.Bulk(r.Context(), ownerScope(user), action, req.JobIDs); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, bulkAccepted{Accepted: true, JobIDs: req.JobIDs, Action: string(action)})
	}
}
