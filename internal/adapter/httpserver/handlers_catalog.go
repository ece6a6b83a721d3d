package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/soundsidecar/internal/domain"
	"github.com/fairyhunter13/soundsidecar/internal/service/session"
)

type searchRequest struct {
	Query string `json:"query"`
}

type searchResponseDTO struct {
	Tracks  []domain.CatalogTrack  `json:"tracks"`
	Albums  []domain.CatalogAlbum  `json:"albums"`
	Artists []domain.CatalogArtist `json:"artists"`
}

func toSearchResponseDTO(r domain.SearchResult) searchResponseDTO {
	return searchResponseDTO{Tracks: r.Tracks, Albums: r.Albums, Artists: r.Artists}
}

// SearchHandler runs the public/unauthenticated catalog search, applying
// the per-user auto-fallback strategy: once a user's
// query has drawn a known "invalid argument" response, subsequent searches
// for that user go through the alternative client context.
func (s *Server) SearchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.Query == "" {
			writeError(w, r, domain.ErrInvalidArgument)
			return
		}
		uid := userID(r)
		client := s.factory.NewClient(domain.Credentials{})
		fallback := uid != "" && s.sessions.ShouldUseFallback(uid)
		result, err := client.SearchPublic(r.Context(), req.Query, fallback)
		if err != nil {
			if !fallback && uid != "" && domain.IsInvalidArgument(err) {
				s.sessions.MarkFallback(uid)
				result, err = client.SearchPublic(r.Context(), req.Query, true)
			}
			if err != nil {
				writeError(w, r, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, toSearchResponseDTO(result))
	}
}

// UserSearchHandler runs an authenticated catalog search bound to the
// caller's live session, refreshing once on an expired token.
func (s *Server) UserSearchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		uid := userID(r)
		if uid == "" || req.Query == "" {
			writeError(w, r, domain.ErrInvalidArgument)
			return
		}
		result, err := session.RunWithRefresh(r.Context(), s.sessions, uid, func(c domain.CatalogClient) (domain.SearchResult, error) {
			return c.Search(r.Context(), req.Query)
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toSearchResponseDTO(result))
	}
}

type batchSearchRequest struct {
	Queries []string `json:"queries"`
}

type batchSearchResult struct {
	Query  string             `json:"query"`
	Result *searchResponseDTO `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// UserSearchBatchHandler runs several authenticated searches against one
// user's session, paced by the governor so a large batch doesn't hammer the
// catalog faster than a single extractor's inter-request gap allows.
func (s *Server) UserSearchBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req batchSearchRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		uid := userID(r)
		if uid == "" || len(req.Queries) == 0 {
			writeError(w, r, domain.ErrInvalidArgument)
			return
		}
		out := make([]batchSearchResult, 0, len(req.Queries))
		for i, q := range req.Queries {
			if i > 0 {
				s.governor.BatchDelay(r.Context())
			}
			result, err := session.RunWithRefresh(r.Context(), s.sessions, uid, func(c domain.CatalogClient) (domain.SearchResult, error) {
				return c.Search(r.Context(), q)
			})
			if err != nil {
				out = append(out, batchSearchResult{Query: q, Error: err.Error()})
				continue
			}
			dto := toSearchResponseDTO(result)
			out = append(out, batchSearchResult{Query: q, Result: &dto})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// AlbumHandler fetches an album and its track list for the caller's session.
func (s *Server) AlbumHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := userID(r)
		id := chi.URLParam(r, "id")
		if uid == "" || id == "" {
			writeError(w, r, domain.ErrInvalidArgument)
			return
		}
		type albumWithTracks struct {
			domain.CatalogAlbum
			Tracks []domain.CatalogTrack `json:"tracks"`
		}
		result, err := session.RunWithRefresh(r.Context(), s.sessions, uid, func(c domain.CatalogClient) (albumWithTracks, error) {
			album, tracks, err := c.GetAlbum(r.Context(), id)
			return albumWithTracks{CatalogAlbum: album, Tracks: tracks}, err
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// ArtistHandler fetches artist metadata for the caller's session.
func (s *Server) ArtistHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := userID(r)
		id := chi.URLParam(r, "id")
		if uid == "" || id == "" {
			writeError(w, r, domain.ErrInvalidArgument)
			return
		}
		result, err := session.RunWithRefresh(r.Context(), s.sessions, uid, func(c domain.CatalogClient) (domain.CatalogArtist, error) {
			return c.GetArtist(r.Context(), id)
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// SongHandler fetches a single track's metadata for the caller's session.
func (s *Server) SongHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := userID(r)
		id := chi.URLParam(r, "id")
		if uid == "" || id == "" {
			writeError(w, r, domain.ErrInvalidArgument)
			return
		}
		result, err := session.RunWithRefresh(r.Context(), s.sessions, uid, func(c domain.CatalogClient) (domain.CatalogTrack, error) {
			return c.GetSong(r.Context(), id)
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// LibrarySongsHandler lists the caller's saved songs.
func (s *Server) LibrarySongsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := userID(r)
		if uid == "" {
			writeError(w, r, domain.ErrInvalidArgument)
			return
		}
		limit := intParam(r, "limit", s.cfg.LibraryPageSize)
		result, err := session.RunWithRefresh(r.Context(), s.sessions, uid, func(c domain.CatalogClient) ([]domain.CatalogTrack, error) {
			return c.ListLibrarySongs(r.Context(), limit)
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// LibraryAlbumsHandler lists the caller's saved albums.
func (s *Server) LibraryAlbumsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := userID(r)
		if uid == "" {
			writeError(w, r, domain.ErrInvalidArgument)
			return
		}
		limit := intParam(r, "limit", s.cfg.LibraryPageSize)
		result, err := session.RunWithRefresh(r.Context(), s.sessions, uid, func(c domain.CatalogClient) ([]domain.CatalogAlbum, error) {
			return c.ListLibraryAlbums(r.Context(), limit)
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}
