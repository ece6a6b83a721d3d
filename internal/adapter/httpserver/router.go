package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/soundsidecar/internal/adapter/observability"
	"github.com/fairyhunter13/soundsidecar/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty or "*" input means allow any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the streaming sidecar's HTTP handler: middleware,
// auth and catalog routes, streaming and download routes, health.
func BuildRouter(cfg config.Config, srv *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer())
	r.Use(RequestID())
	r.Use(TraceMiddleware)
	r.Use(AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", srv.HealthHandler())
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(mut chi.Router) {
		mut.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))

		mut.Post("/auth/device", srv.DeviceAuthHandler())
		mut.Post("/auth/token", srv.TokenHandler())
		mut.Post("/auth/refresh", srv.RefreshHandler())
		mut.Post("/auth/session", srv.SessionHandler())

		mut.Post("/search", srv.SearchHandler())
		mut.Post("/user/search", srv.UserSearchHandler())
		mut.Post("/user/search/batch", srv.UserSearchBatchHandler())

		mut.Post("/download/track", srv.DownloadTrackHandler())
		mut.Post("/download/album", srv.DownloadAlbumHandler())
	})

	r.Get("/album/{id}", srv.AlbumHandler())
	r.Get("/artist/{id}", srv.ArtistHandler())
	r.Get("/song/{id}", srv.SongHandler())

	r.Get("/user/stream-info/{id}", srv.StreamInfoHandler())
	r.Get("/user/stream/{id}", srv.StreamHandler())
	r.Get("/proxy/{id}", srv.ProxyHandler())

	r.Get("/library/songs", srv.LibrarySongsHandler())
	r.Get("/library/albums", srv.LibraryAlbumsHandler())

	return r
}
