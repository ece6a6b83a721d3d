package httpserver

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/soundsidecar/internal/domain"
	"github.com/fairyhunter13/soundsidecar/internal/service/session"
)

type downloadTrackRequest struct {
	UserID  string `json:"userId"`
	TrackID string `json:"trackId"`
	Quality string `json:"quality"`
}

type downloadResult struct {
	TrackID      string `json:"trackId"`
	Title        string `json:"title"`
	Artist       string `json:"artist"`
	Album        string `json:"album"`
	Quality      string `json:"quality"`
	RelativePath string `json:"relativePath"`
}

// DownloadTrackHandler fetches one track's stream and writes it under the
// configured mounted music path.
func (s *Server) DownloadTrackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req downloadTrackRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.UserID == "" || req.TrackID == "" {
			writeError(w, r, domain.ErrInvalidArgument)
			return
		}
		quality := s.cfg.NormalizeQuality(req.Quality)
		result, err := s.downloadOne(r.Context(), req.UserID, req.TrackID, quality)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

type downloadAlbumRequest struct {
	UserID  string `json:"userId"`
	AlbumID string `json:"albumId"`
	Quality string `json:"quality"`
}

type downloadAlbumResponse struct {
	AlbumID    string            `json:"albumId"`
	AlbumTitle string            `json:"albumTitle"`
	Artist     string            `json:"artist"`
	Downloaded int               `json:"downloaded"`
	Failed     int               `json:"failed"`
	Tracks     []downloadResult  `json:"tracks"`
	Errors     []downloadFailure `json:"errors"`
}

type downloadFailure struct {
	TrackID string `json:"trackId"`
	Title   string `json:"title"`
	Error   string `json:"error"`
}

// DownloadAlbumHandler downloads every track of an album, pacing requests
// between tracks by cfg.TrackPaceDelay to avoid tripping the catalog's own
// abuse limits.
func (s *Server) DownloadAlbumHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req downloadAlbumRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.UserID == "" || req.AlbumID == "" {
			writeError(w, r, domain.ErrInvalidArgument)
			return
		}
		quality := s.cfg.NormalizeQuality(req.Quality)

		type albumWithTracks struct {
			domain.CatalogAlbum
			Tracks []domain.CatalogTrack
		}
		album, err := session.RunWithRefresh(r.Context(), s.sessions, req.UserID, func(c domain.CatalogClient) (albumWithTracks, error) {
			a, tracks, err := c.GetAlbum(r.Context(), req.AlbumID)
			return albumWithTracks{CatalogAlbum: a, Tracks: tracks}, err
		})
		if err != nil {
			writeError(w, r, err)
			return
		}

		resp := downloadAlbumResponse{AlbumID: req.AlbumID, AlbumTitle: album.Title, Artist: album.Artist}
		for i, track := range album.Tracks {
			if i > 0 && s.cfg.TrackPaceDelay > 0 {
				select {
				case <-time.After(s.cfg.TrackPaceDelay):
				case <-r.Context().Done():
					writeJSON(w, http.StatusOK, resp)
					return
				}
			}
			result, err := s.downloadTrackMetadata(r.Context(), req.UserID, track, quality)
			if err != nil {
				resp.Errors = append(resp.Errors, downloadFailure{TrackID: track.ID, Title: track.Title, Error: err.Error()})
				resp.Failed++
				continue
			}
			resp.Tracks = append(resp.Tracks, result)
			resp.Downloaded++
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) downloadOne(ctx domain.Context, userID, trackID string, quality domain.StreamQuality) (downloadResult, error) {
	track, err := session.RunWithRefresh(ctx, s.sessions, userID, func(c domain.CatalogClient) (domain.CatalogTrack, error) {
		return c.GetSong(ctx, trackID)
	})
	if err != nil {
		return downloadResult{}, err
	}
	return s.downloadTrackMetadata(ctx, userID, track, quality)
}

func (s *Server) downloadTrackMetadata(ctx domain.Context, userID string, track domain.CatalogTrack, quality domain.StreamQuality) (downloadResult, error) {
	info, err := s.proxyAuth.ResolveInfo(ctx, userID, track.ID, quality)
	if err != nil {
		return downloadResult{}, err
	}
	relPath := renderDownloadPath(s.cfg.DownloadPathTemplate, track, extensionFor(info.Codec))
	destPath := filepath.Join(s.cfg.DownloadRoot, relPath)
	if err := downloadToFile(ctx, info.URL, destPath); err != nil {
		return downloadResult{}, fmt.Errorf("op=httpserver.downloadTrackMetadata: %w", err)
	}
	return downloadResult{
		TrackID:      track.ID,
		Title:        track.Title,
		Artist:       track.Artist,
		Album:        track.Album,
		Quality:      string(quality),
		RelativePath: relPath,
	}, nil
}

// renderDownloadPath substitutes {artist}, {album}, {track}, {ext} in
// template and sanitizes each path component for the local filesystem.
func renderDownloadPath(template string, track domain.CatalogTrack, ext string) string {
	replacer := strings.NewReplacer(
		"{artist}", track.Artist,
		"{album}", track.Album,
		"{track}", track.Title,
		"{ext}", ext,
	)
	rendered := replacer.Replace(template)
	parts := strings.Split(rendered, "/")
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = sanitizePathComponent(p); p != "" {
			clean = append(clean, p)
		}
	}
	return strings.Join(clean, "/")
}

func sanitizePathComponent(name string) string {
	const invalid = `<>:"/\|?*`
	name = strings.Map(func(r rune) rune {
		if strings.ContainsRune(invalid, r) {
			return '_'
		}
		return r
	}, name)
	return strings.Trim(name, ". ")
}

func extensionFor(codec string) string {
	switch strings.ToLower(codec) {
	case "flac":
		return "flac"
	case "aac", "mp4a", "alac":
		return "m4a"
	case "opus":
		return "opus"
	default:
		return "mp3"
	}
}

// downloadToFile fetches url and writes it to destPath, via a temp file in
// the same directory so a crash mid-write never leaves a partial file at
// the final path.
func downloadToFile(ctx domain.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("op=httpserver.downloadToFile: build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=httpserver.downloadToFile: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("op=httpserver.downloadToFile: upstream status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("op=httpserver.downloadToFile: mkdir: %w", err)
	}
	tmpPath := destPath + ".tmp." + strconv.FormatInt(time.Now().UnixNano(), 36)
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("op=httpserver.downloadToFile: create temp: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("op=httpserver.downloadToFile: copy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("op=httpserver.downloadToFile: close: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("op=httpserver.downloadToFile: rename: %w", err)
	}
	return nil
}
