package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/szuru-ingest/internal/domain"
	"github.com/fairyhunter13/szuru-ingest/internal/usecase"
)

// sniffLen is how much of an upload gets read for MIME detection.
const sniffLen = 3072

func parseSafety(s string) (domain.Safety, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unsafe":
		return domain.SafetyUnsafe, nil
	case "safe":
		return domain.SafetySafe, nil
	case "sketchy":
		return domain.SafetySketchy, nil
	}
	return "", fmt.Errorf("op=jobs: invalid safety %q: %w", s, domain.ErrInvalidArgument)
}

// CreateJobHandler creates a URL job. 201 returns the full job.
func (s *Server) CreateJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			URL         string   `json:"url" validate:"required,url"`
			Source      string   `json:"source"`
			Tags        []string `json:"tags"`
			Safety      string   `json:"safety"`
			SkipTagging bool     `json:"skip_tagging"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		safety, err := parseSafety(req.Safety)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		user, _ := CurrentUser(r)
		job, err := s.Jobs.CreateURLJob(r.Context(), user.Name, usecase.CreateURLInput{
			URL:         req.URL,
			Source:      req.Source,
			Tags:        req.Tags,
			Safety:      safety,
			SkipTagging: req.SkipTagging,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, toJobOut(job))
	}
}

// UploadJobHandler creates a file job from a multipart upload. The file
// field is "file"; safety, skip_tagging, tags and source come as form
// fields. Tags accept a JSON array or a comma-separated string.
func (s *Server) UploadJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument), nil)
			return
		}
		maxBytes := s.Cfg.MaxUploadMB * 1024 * 1024
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "too large") {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
					Code:    "INVALID_ARGUMENT",
					Message: "payload too large",
					Details: map[string]any{"max_mb": s.Cfg.MaxUploadMB},
				}})
				return
			}
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: file required", domain.ErrInvalidArgument), map[string]string{"field": "file"})
			return
		}
		defer func() { _ = file.Close() }()

		// Sniff the content type from a prefix; the rest streams through.
		head := make([]byte, sniffLen)
		n, err := io.ReadFull(file, head)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			writeError(w, r, fmt.Errorf("%w: read upload: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		head = head[:n]
		mt := mimetype.Detect(head)
		if !strings.HasPrefix(mt.String(), "image/") && !strings.HasPrefix(mt.String(), "video/") {
			writeJSON(w, http.StatusUnsupportedMediaType, errorEnvelope{Error: apiError{
				Code:    "INVALID_ARGUMENT",
				Message: "unsupported media type",
				Details: map[string]any{"mime": mt.String(), "filename": header.Filename},
			}})
			return
		}

		safety, err := parseSafety(r.FormValue("safety"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		skipTagging, _ := strconv.ParseBool(r.FormValue("skip_tagging"))

		user, _ := CurrentUser(r)
		job, err := s.Jobs.CreateFileJob(r.Context(), user.Name, usecase.CreateFileInput{
			Filename:    header.Filename,
			Content:     io.MultiReader(bytes.NewReader(head), file),
			Source:      r.FormValue("source"),
			Tags:        parseTagsField(r.FormValue("tags")),
			Safety:      safety,
			SkipTagging: skipTagging,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, toJobOut(job))
	}
}

// parseTagsField accepts a JSON array or a comma-separated string.
func parseTagsField(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var arr []string
	if err := json.Unmarshal([]byte(raw), &arr); err == nil {
		return arr
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ListJobsHandler returns the caller's jobs, paginated and filterable by
// status and was_merge. Admins see every owner's jobs.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _ := CurrentUser(r)
		f := domain.JobFilter{Owner: ownerScope(user), Limit: 50}

		q := r.URL.Query()
		if v := strings.TrimSpace(q.Get("status")); v != "" {
			st := domain.JobStatus(strings.ToLower(v))
			f.Status = &st
		}
		if v := q.Get("was_merge"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: was_merge must be a boolean", domain.ErrInvalidArgument), nil)
				return
			}
			f.WasMerge = &b
		}
		if v := q.Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, r, fmt.Errorf("%w: offset must be a non-negative integer", domain.ErrInvalidArgument), nil)
				return
			}
			f.Offset = n
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", domain.ErrInvalidArgument), nil)
				return
			}
			f.Limit = n
		}

		jobs, total, err := s.Jobs.List(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		results := make([]jobSummaryOut, 0, len(jobs))
		for _, j := range jobs {
			results = append(results, toJobSummary(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"results": results,
			"total":   total,
			"offset":  f.Offset,
			"limit":   f.Limit,
		})
	}
}

// GetJobHandler returns a single job, owner-scoped. Other owners' jobs
// surface as 404 to hide their existence.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument), nil)
			return
		}
		user, _ := CurrentUser(r)
		job, err := s.Jobs.Get(r.Context(), ownerScope(user), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobOut(job))
	}
}
