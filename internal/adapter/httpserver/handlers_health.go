package httpserver

import "net/http"

type healthResponse struct {
	Status string `json:"status"`
	Env    string `json:"env"`
}

// HealthHandler reports liveness for the streaming sidecar.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Env: s.cfg.AppEnv})
	}
}
