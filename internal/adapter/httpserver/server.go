package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/fairyhunter13/soundsidecar/internal/config"
	"github.com/fairyhunter13/soundsidecar/internal/domain"
	"github.com/fairyhunter13/soundsidecar/internal/service/governor"
	"github.com/fairyhunter13/soundsidecar/internal/service/proxy"
	"github.com/fairyhunter13/soundsidecar/internal/service/session"
	"github.com/fairyhunter13/soundsidecar/internal/service/urlcache"
)

// Server holds the dependencies the streaming sidecar's handlers need.
type Server struct {
	cfg      config.Config
	factory  domain.CatalogClientFactory
	sessions *session.Registry
	cache    *urlcache.Cache
	governor *governor.Governor
	// proxyAuth resolves stream URLs through the caller's authenticated
	// session (/user/stream-info, /user/stream). proxyPublic resolves
	// through a guest client with no session (/proxy).
	proxyAuth   *proxy.Proxy
	proxyPublic *proxy.Proxy
}

// Deps bundles Server's constructor arguments.
type Deps struct {
	Config      config.Config
	Factory     domain.CatalogClientFactory
	Sessions    *session.Registry
	Cache       *urlcache.Cache
	Governor    *governor.Governor
	ProxyAuth   *proxy.Proxy
	ProxyPublic *proxy.Proxy
}

// NewServer builds a Server from Deps.
func NewServer(d Deps) *Server {
	return &Server{
		cfg:         d.Config,
		factory:     d.Factory,
		sessions:    d.Sessions,
		cache:       d.Cache,
		governor:    d.Governor,
		proxyAuth:   d.ProxyAuth,
		proxyPublic: d.ProxyPublic,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := classifyHTTPError(err)
	if status >= 500 {
		LoggerFrom(r).Error("request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func classifyHTTPError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrAuthorizationPending):
		return http.StatusPreconditionRequired, "authorization pending"
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, domain.ErrTokenExpired):
		return http.StatusUnauthorized, "token expired"
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, domain.ErrNoStreamURL):
		return http.StatusNotFound, "no stream url available"
	case errors.Is(err, domain.ErrCannotRefresh):
		return http.StatusBadGateway, "cannot refresh stream url"
	case errors.Is(err, domain.ErrAgeRestricted):
		return http.StatusUnavailableForLegalReasons, "age restricted media"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errors.Join(domain.ErrInvalidArgument, err)
	}
	return nil
}

// userID resolves the caller identity from the "user_id" query parameter,
// falling back to the "X-User-Id" header.
func userID(r *http.Request) string {
	if v := r.URL.Query().Get("user_id"); v != "" {
		return v
	}
	return r.Header.Get("X-User-Id")
}

func (s *Server) qualityParam(r *http.Request) domain.StreamQuality {
	return s.cfg.NormalizeQuality(r.URL.Query().Get("quality"))
}

func intParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
