package httpserver

import (
	"github.com/go-chi/chi/v5"
)

// Routes assembles the /api subtree, except the SSE stream: the stream
// cannot sit behind http.TimeoutHandler (it buffers writes), so the
// router mounts EventsHandler on its own branch. Everything is behind
// bearer auth; settings mutation additionally requires the admin flag.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Group(func(pr chi.Router) {
		pr.Use(s.RequireAuth)

		pr.Post("/jobs", s.CreateJobHandler())
		pr.Post("/jobs/upload", s.UploadJobHandler())
		pr.Get("/jobs", s.ListJobsHandler())
		pr.Post("/jobs/bulk/{action}", s.BulkJobActionHandler())
		pr.Get("/jobs/{id}", s.GetJobHandler())
		pr.Post("/jobs/{id}/{action}", s.JobActionHandler())
		pr.Delete("/jobs/{id}", s.DeleteJobHandler())

		pr.Post("/tag-jobs/discover", s.DiscoverTagJobsHandler())
		pr.Post("/tag-jobs/abort", s.AbortTagJobsHandler())

		pr.Get("/users/me", s.MeHandler())
		pr.Put("/users/me/booru", s.SetBooruCredentialsHandler())
		pr.Put("/users/me/sites/{site}", s.SetSiteCredentialsHandler())

		pr.Group(func(ar chi.Router) {
			ar.Use(s.RequireAdmin)
			ar.Get("/settings/global", s.GetGlobalSettingsHandler())
			ar.Put("/settings/global", s.UpdateGlobalSettingsHandler())
		})
	})
	return r
}
