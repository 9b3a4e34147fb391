package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/szuru-ingest/internal/domain"
)

// GetGlobalSettingsHandler returns the runtime-mutable settings (admin
// only). Values reflect the stored rows merged over defaults.
func (s *Server) GetGlobalSettingsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := s.Settings.LoadGlobal(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"wd14_enabled":              cfg.WD14Enabled,
			"wd14_model":                cfg.WD14Model,
			"wd14_confidence_threshold": cfg.WD14ConfidenceThreshold,
			"wd14_max_tags":             cfg.WD14MaxTags,
			"worker_concurrency":        cfg.WorkerConcurrency,
			"gallery_dl_timeout":        int(cfg.DownloadTimeout.Seconds()),
			"ytdlp_timeout":             int(cfg.VideoTimeout.Seconds()),
			"max_retries":               cfg.MaxRetries,
			"retry_delay":               cfg.RetryDelay.Seconds(),
			"default_tag_category":      cfg.DefaultTagCategory,
		})
	}
}

// UpdateGlobalSettingsHandler upserts any subset of the global settings
// (admin only). Values are stored as strings; LoadGlobal re-validates on
// read, so a bad write degrades to the default instead of wedging workers.
func (s *Server) UpdateGlobalSettingsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		for key, raw := range req {
			val, err := settingValue(key, raw)
			if err != nil {
				writeError(w, r, err, map[string]string{"key": key})
				return
			}
			if err := s.Settings.Set(r.Context(), key, val); err != nil {
				writeError(w, r, err, nil)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "global settings updated"})
	}
}

// settingValue validates a known setting key and renders its storage
// string. Unknown keys are rejected so typos don't silently persist.
func settingValue(key string, raw json.RawMessage) (string, error) {
	switch key {
	case "wd14_enabled":
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return "", fmt.Errorf("%w: %s must be a boolean", domain.ErrInvalidArgument, key)
		}
		return strconv.FormatBool(b), nil
	case "wd14_max_tags", "worker_concurrency", "gallery_dl_timeout", "ytdlp_timeout", "max_retries":
		var n int
		if err := json.Unmarshal(raw, &n); err != nil || n < 0 {
			return "", fmt.Errorf("%w: %s must be a non-negative integer", domain.ErrInvalidArgument, key)
		}
		return strconv.Itoa(n), nil
	case "wd14_confidence_threshold", "retry_delay":
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil || f < 0 {
			return "", fmt.Errorf("%w: %s must be a non-negative number", domain.ErrInvalidArgument, key)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case "wd14_model", "default_tag_category":
		var v string
		if err := json.Unmarshal(raw, &v); err != nil || v == "" {
			return "", fmt.Errorf("%w: %s must be a non-empty string", domain.ErrInvalidArgument, key)
		}
		return v, nil
	}
	return "", fmt.Errorf("%w: unknown setting %q", domain.ErrInvalidArgument, key)
}

// MeHandler returns the authenticated caller.
func (s *Server) MeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, _ := CurrentUser(r)
		writeJSON(w, http.StatusOK, map[string]any{
			"id":       u.ID,
			"name":     u.Name,
			"is_admin": u.IsAdmin,
		})
	}
}

// SetBooruCredentialsHandler stores the caller's Booru username and
// token; the token is encrypted at rest.
func (s *Server) SetBooruCredentialsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			BooruUsername string `json:"booru_username" validate:"required"`
			BooruToken    string `json:"booru_token" validate:"required"`
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
		if err := s.Users.SetBooruToken(r.Context(), user.Name, req.BooruUsername, req.BooruToken); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "booru credentials updated"})
	}
}

// SetSiteCredentialsHandler stores per-site credentials (cookies, API
// keys) for the caller: PUT /api/users/me/sites/{site} with a flat
// key/value object.
func (s *Server) SetSiteCredentialsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		site := chi.URLParam(r, "site")
		if site == "" {
			writeError(w, r, fmt.Errorf("%w: site missing", domain.ErrInvalidArgument), nil)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if len(req) == 0 {
			writeError(w, r, fmt.Errorf("%w: at least one credential required", domain.ErrInvalidArgument), nil)
			return
		}
		user, _ := CurrentUser(r)
		for key, value := range req {
			if err := s.Users.SetSiteCredential(r.Context(), user.Name, site, key, value); err != nil {
				writeError(w, r, err, nil)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "site credentials updated", "site": site})
	}
}
