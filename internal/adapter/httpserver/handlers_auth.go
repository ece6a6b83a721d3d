package httpserver

import (
	"net/http"

	"github.com/fairyhunter13/soundsidecar/internal/domain"
	"github.com/fairyhunter13/soundsidecar/internal/service/session"
)

type deviceAuthResponse struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	ExpiresIn               int    `json:"expiresIn"`
	Interval                int    `json:"interval"`
}

// DeviceAuthHandler starts the device-code OAuth flow (step 1).
func (s *Server) DeviceAuthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := s.factory.StartDeviceAuth(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, deviceAuthResponse{
			DeviceCode:              info.DeviceCode,
			UserCode:                info.UserCode,
			VerificationURI:         info.VerificationURI,
			VerificationURIComplete: info.VerificationURIComplete,
			ExpiresIn:               info.ExpiresIn,
			Interval:                info.Interval,
		})
	}
}

type tokenRequest struct {
	UserID     string `json:"userId"`
	DeviceCode string `json:"deviceCode"`
}

type tokenResponse struct {
	PrincipalID string `json:"principalId"`
	Region      string `json:"region"`
}

// TokenHandler polls the device-code flow's token exchange (step 2). While
// the user has not yet authorized the device it answers 428, matching the
// provider's own pending-authorization status.
func (s *Server) TokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.UserID == "" || req.DeviceCode == "" {
			writeError(w, r, domain.ErrInvalidArgument)
			return
		}
		creds, err := s.factory.PollDeviceToken(r.Context(), req.DeviceCode)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := s.sessions.Restore(r.Context(), req.UserID, creds); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tokenResponse{PrincipalID: creds.PrincipalID, Region: creds.Region})
	}
}

type refreshRequest struct {
	UserID string `json:"userId"`
}

// RefreshHandler forces a refresh-token exchange for a user's session,
// invalidating their cached stream URLs since new credentials mean a new
// provider session.
func (s *Server) RefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req refreshRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.UserID == "" {
			writeError(w, r, domain.ErrInvalidArgument)
			return
		}
		state, err := s.sessions.Get(req.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		refreshed, err := s.factory.RefreshToken(r.Context(), state.Creds.RefreshToken)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := s.sessions.Restore(r.Context(), req.UserID, refreshed); err != nil {
			writeError(w, r, err)
			return
		}
		s.cache.ClearUser(req.UserID)
		writeJSON(w, http.StatusOK, tokenResponse{PrincipalID: refreshed.PrincipalID, Region: refreshed.Region})
	}
}

type sessionRequest struct {
	UserID string `json:"userId"`
}

type sessionResponse struct {
	Authenticated bool `json:"authenticated"`
}

// SessionHandler verifies a user's live session is still good, refreshing
// once on an expired-token signal before reporting failure.
func (s *Server) SessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sessionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.UserID == "" {
			writeError(w, r, domain.ErrInvalidArgument)
			return
		}
		_, err := session.RunWithRefresh(r.Context(), s.sessions, req.UserID, func(c domain.CatalogClient) (struct{}, error) {
			return struct{}{}, c.VerifySession(r.Context())
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse{Authenticated: true})
	}
}
