package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/soundsidecar/internal/domain"
)

// StreamInfoHandler returns the resolved stream URL and metadata for a
// resource without proxying any bytes, useful for clients that want to
// cache or redirect to the CDN URL themselves.
func (s *Server) StreamInfoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := userID(r)
		id := chi.URLParam(r, "id")
		if uid == "" || id == "" {
			writeError(w, r, domain.ErrInvalidArgument)
			return
		}
		info, err := s.proxyAuth.ResolveInfo(r.Context(), uid, id, s.qualityParam(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

// StreamHandler proxies audio bytes for an authenticated user's session,
// forwarding any incoming Range header and retrying once on a 401/403.
func (s *Server) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := userID(r)
		id := chi.URLParam(r, "id")
		if uid == "" || id == "" {
			writeError(w, r, domain.ErrInvalidArgument)
			return
		}
		err := s.proxyAuth.Stream(r.Context(), w, uid, id, s.qualityParam(r), r.Header.Get("Range"))
		if err != nil {
			writeError(w, r, err)
			return
		}
	}
}

// ProxyHandler proxies audio bytes through the guest/unauthenticated client
// context, for resources that don't require a user session to extract.
func (s *Server) ProxyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, domain.ErrInvalidArgument)
			return
		}
		uid := userID(r)
		if uid == "" {
			uid = "guest"
		}
		err := s.proxyPublic.Stream(r.Context(), w, uid, id, s.qualityParam(r), r.Header.Get("Range"))
		if err != nil {
			writeError(w, r, err)
			return
		}
	}
}
