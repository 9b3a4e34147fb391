package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fairyhunter13/szuru-ingest/internal/domain"
	"github.com/fairyhunter13/szuru-ingest/internal/usecase"
)

// DiscoverTagJobsHandler enumerates the caller's remote posts matching
// tag or tag-count criteria and creates one tag_existing job per match.
func (s *Server) DiscoverTagJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			Tags                []string `json:"tags"`
			TagOperator         string   `json:"tag_operator"`
			MaxTagCount         *int     `json:"max_tag_count"`
			ReplaceOriginalTags bool     `json:"replace_original_tags"`
			Limit               int      `json:"limit"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		user, _ := CurrentUser(r)
		res, err := s.TagJobs.Discover(r.Context(), user.Name, usecase.DiscoverInput{
			Tags:                req.Tags,
			TagOperator:         req.TagOperator,
			MaxTagCount:         req.MaxTagCount,
			ReplaceOriginalTags: req.ReplaceOriginalTags,
			Limit:               req.Limit,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		jobIDs := res.JobIDs
		if jobIDs == nil {
			jobIDs = []string{}
		}
		writeJSON(w, http.StatusCreated, map[string]any{"created": res.Created, "job_ids": jobIDs})
	}
}

// AbortTagJobsHandler stops every pending or paused tag job for the
// caller and reports how many were stopped.
func (s *Server) AbortTagJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _ := CurrentUser(r)
		aborted, err := s.TagJobs.Abort(r.Context(), user.Name)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"aborted": aborted})
	}
}
