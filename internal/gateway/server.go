// Package gateway implements the startup-side HTTP surface that the central
// collector authenticates against to enumerate and fetch artifacts from a
// whitelisted folder tree, per §4.1.
package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/openclaw/vcevidence/internal/config"
	"github.com/openclaw/vcevidence/internal/observability"
)

const defaultServerMaxArtifacts = 1000

// Server is the startup-side gateway agent.
type Server struct {
	profile       *config.GatewayProfile
	observability *observability.Provider
}

// New constructs a Server bound to the given folder-alias profile.
func New(profile *config.GatewayProfile, obs *observability.Provider) *Server {
	return &Server{
		profile:       profile,
		observability: obs,
	}
}

func (s *Server) bodyLimitBytes() int64 {
	return int64(s.profile.BodyLimitMiB) * 1024 * 1024
}

// Router builds the chi router exposing /health, /manifest, and
// /artifact-content.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			req.Body = http.MaxBytesReader(w, req.Body, s.bodyLimitBytes())
			next.ServeHTTP(w, req)
		})
	})

	r.Get("/health", s.handleHealth)
	r.Post("/manifest", s.requireSignature(s.handleManifest))
	r.Post("/artifact-content", s.requireSignature(s.handleArtifactContent))

	return r
}
