// Package catalog implements a session-bound HTTP client for the
// third-party music catalog (domain.CatalogClient/CatalogClientFactory).
// The client speaks a small uniform JSON REST convention and translates
// the provider's auth-expiry/invalid-argument signals into domain
// sentinels at the boundary, so callers never match on raw status codes.
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/soundsidecar/internal/domain"
)

// Factory builds session-bound Clients and drives the device-code/refresh
// OAuth flow against a single catalog backend.
type Factory struct {
	baseURL  string
	clientID string
	hc       *http.Client
}

// NewFactory builds a Factory bound to baseURL. clientID is sent with the
// device-code flow per the provider's OAuth app registration.
func NewFactory(baseURL, clientID string, connectTimeout, readTimeout time.Duration) *Factory {
	return &Factory{
		baseURL:  baseURL,
		clientID: clientID,
		hc: &http.Client{
			Timeout:   readTimeout,
			Transport: otelhttp.NewTransport(&http.Transport{ResponseHeaderTimeout: connectTimeout}),
		},
	}
}

// NewClient builds a Client bound to creds, without making any network call.
func (f *Factory) NewClient(creds domain.Credentials) domain.CatalogClient {
	return &Client{factory: f, creds: creds}
}

type deviceAuthResponse struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	ExpiresIn               int    `json:"expiresIn"`
	Interval                int    `json:"interval"`
}

// StartDeviceAuth initiates the device-code OAuth flow's first step.
func (f *Factory) StartDeviceAuth(ctx domain.Context) (domain.DeviceAuthInfo, error) {
	var resp deviceAuthResponse
	if err := f.doJSON(ctx, http.MethodPost, "/oauth/device", map[string]string{"clientId": f.clientID}, &resp); err != nil {
		return domain.DeviceAuthInfo{}, fmt.Errorf("op=catalog.StartDeviceAuth: %w", err)
	}
	return domain.DeviceAuthInfo{
		DeviceCode:              resp.DeviceCode,
		UserCode:                resp.UserCode,
		VerificationURI:         resp.VerificationURI,
		VerificationURIComplete: resp.VerificationURIComplete,
		ExpiresIn:               resp.ExpiresIn,
		Interval:                resp.Interval,
	}, nil
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	PrincipalID  string `json:"principalId"`
	Region       string `json:"region"`
}

// PollDeviceToken polls for the device-code flow's token exchange. While
// the user has not yet authorized the device, the provider answers 428 and
// this returns ErrAuthorizationPending so the HTTP surface can map it to
// the same status code.
func (f *Factory) PollDeviceToken(ctx domain.Context, deviceCode string) (domain.Credentials, error) {
	var resp tokenResponse
	err := f.doJSON(ctx, http.MethodPost, "/oauth/token", map[string]string{"deviceCode": deviceCode}, &resp)
	if err != nil {
		if httpErr, ok := asHTTPError(err); ok && httpErr.status == http.StatusPreconditionRequired {
			return domain.Credentials{}, domain.ErrAuthorizationPending
		}
		return domain.Credentials{}, fmt.Errorf("op=catalog.PollDeviceToken: %w", err)
	}
	return domain.Credentials{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		PrincipalID:  resp.PrincipalID,
		Region:       resp.Region,
	}, nil
}

// RefreshToken exchanges a refresh token for a new access token.
func (f *Factory) RefreshToken(ctx domain.Context, refreshToken string) (domain.Credentials, error) {
	var resp tokenResponse
	if err := f.doJSON(ctx, http.MethodPost, "/oauth/refresh", map[string]string{"refreshToken": refreshToken}, &resp); err != nil {
		return domain.Credentials{}, fmt.Errorf("op=catalog.RefreshToken: %w", err)
	}
	return domain.Credentials{
		AccessToken:  resp.AccessToken,
		RefreshToken: refreshToken,
		PrincipalID:  resp.PrincipalID,
		Region:       resp.Region,
	}, nil
}

// Client is a per-user catalog handle bound to one user's credentials.
type Client struct {
	factory *Factory
	creds   domain.Credentials
}

// VerifySession calls the catalog's lightweight session endpoint.
func (c *Client) VerifySession(ctx domain.Context) error {
	var out struct {
		SessionID string `json:"sessionId"`
	}
	return c.doAuthed(ctx, http.MethodGet, "/sessions", nil, &out)
}

type searchResponse struct {
	Tracks  []trackDTO  `json:"tracks"`
	Albums  []albumDTO  `json:"albums"`
	Artists []artistDTO `json:"artists"`
}

type trackDTO struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Artist   string  `json:"artist"`
	AlbumID  string  `json:"albumId"`
	Album    string  `json:"album"`
	Duration float64 `json:"duration"`
	Quality  string  `json:"quality"`
	ISRC     string  `json:"isrc"`
	Explicit bool    `json:"explicit"`
}

type albumDTO struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Artist    string `json:"artist"`
	NumTracks int    `json:"numberOfTracks"`
	Released  string `json:"releaseDate"`
	Quality   string `json:"quality"`
	Cover     string `json:"cover"`
}

type artistDTO struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// Search runs a catalog-wide search scoped to no particular user library.
func (c *Client) Search(ctx domain.Context, query string) (domain.SearchResult, error) {
	var resp searchResponse
	body := map[string]string{"query": query}
	if err := c.doAuthed(ctx, http.MethodPost, "/search", body, &resp); err != nil {
		return domain.SearchResult{}, err
	}
	return toSearchResult(resp), nil
}

// SearchPublic runs the guest/unauthenticated search path, switching to an
// alternate client context (a distinct region/locale) when useFallback is
// set.
func (c *Client) SearchPublic(ctx domain.Context, query string, useFallback bool) (domain.SearchResult, error) {
	var resp searchResponse
	body := map[string]any{"query": query, "fallback": useFallback}
	if err := c.doAuthed(ctx, http.MethodPost, "/search/public", body, &resp); err != nil {
		return domain.SearchResult{}, err
	}
	return toSearchResult(resp), nil
}

func toSearchResult(resp searchResponse) domain.SearchResult {
	out := domain.SearchResult{
		Tracks:  make([]domain.CatalogTrack, len(resp.Tracks)),
		Albums:  make([]domain.CatalogAlbum, len(resp.Albums)),
		Artists: make([]domain.CatalogArtist, len(resp.Artists)),
	}
	for i, t := range resp.Tracks {
		out.Tracks[i] = domain.CatalogTrack{
			ID: t.ID, Title: t.Title, Artist: t.Artist, AlbumID: t.AlbumID, Album: t.Album,
			Duration: t.Duration, Quality: t.Quality, ISRC: t.ISRC, Explicit: t.Explicit,
		}
	}
	for i, a := range resp.Albums {
		out.Albums[i] = domain.CatalogAlbum{
			ID: a.ID, Title: a.Title, Artist: a.Artist, NumTracks: a.NumTracks,
			Released: a.Released, Quality: a.Quality, Cover: a.Cover,
		}
	}
	for i, a := range resp.Artists {
		out.Artists[i] = domain.CatalogArtist{ID: a.ID, Name: a.Name, Picture: a.Picture}
	}
	return out
}

// GetAlbum fetches an album and its track list.
func (c *Client) GetAlbum(ctx domain.Context, albumID string) (domain.CatalogAlbum, []domain.CatalogTrack, error) {
	var resp struct {
		Album  albumDTO   `json:"album"`
		Tracks []trackDTO `json:"tracks"`
	}
	if err := c.doAuthed(ctx, http.MethodGet, "/albums/"+url.PathEscape(albumID), nil, &resp); err != nil {
		return domain.CatalogAlbum{}, nil, err
	}
	tracks := make([]domain.CatalogTrack, len(resp.Tracks))
	for i, t := range resp.Tracks {
		tracks[i] = domain.CatalogTrack{
			ID: t.ID, Title: t.Title, Artist: t.Artist, AlbumID: t.AlbumID, Album: t.Album,
			Duration: t.Duration, Quality: t.Quality, ISRC: t.ISRC, Explicit: t.Explicit,
		}
	}
	a := resp.Album
	return domain.CatalogAlbum{
		ID: a.ID, Title: a.Title, Artist: a.Artist, NumTracks: a.NumTracks,
		Released: a.Released, Quality: a.Quality, Cover: a.Cover,
	}, tracks, nil
}

// GetArtist fetches artist metadata.
func (c *Client) GetArtist(ctx domain.Context, artistID string) (domain.CatalogArtist, error) {
	var resp artistDTO
	if err := c.doAuthed(ctx, http.MethodGet, "/artists/"+url.PathEscape(artistID), nil, &resp); err != nil {
		return domain.CatalogArtist{}, err
	}
	return domain.CatalogArtist{ID: resp.ID, Name: resp.Name, Picture: resp.Picture}, nil
}

// GetSong fetches a single track's metadata.
func (c *Client) GetSong(ctx domain.Context, songID string) (domain.CatalogTrack, error) {
	var resp trackDTO
	if err := c.doAuthed(ctx, http.MethodGet, "/songs/"+url.PathEscape(songID), nil, &resp); err != nil {
		return domain.CatalogTrack{}, err
	}
	return domain.CatalogTrack{
		ID: resp.ID, Title: resp.Title, Artist: resp.Artist, AlbumID: resp.AlbumID, Album: resp.Album,
		Duration: resp.Duration, Quality: resp.Quality, ISRC: resp.ISRC, Explicit: resp.Explicit,
	}, nil
}

// GetStreamURL extracts a short-lived CDN URL for a resource at quality.
func (c *Client) GetStreamURL(ctx domain.Context, resourceID string, quality domain.StreamQuality) (domain.StreamURLInfo, error) {
	var resp struct {
		URL         string `json:"url"`
		ContentType string `json:"contentType"`
		Codec       string `json:"codec"`
		Quality     string `json:"quality"`
		SampleRate  *int   `json:"sampleRate"`
		BitDepth    *int   `json:"bitDepth"`
	}
	path := fmt.Sprintf("/songs/%s/stream?quality=%s", url.PathEscape(resourceID), url.QueryEscape(string(quality)))
	if err := c.doAuthed(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return domain.StreamURLInfo{}, err
	}
	if resp.URL == "" {
		return domain.StreamURLInfo{}, domain.ErrNoStreamURL
	}
	return domain.StreamURLInfo{
		URL: resp.URL, ContentType: resp.ContentType, Codec: resp.Codec,
		Quality: resp.Quality, SampleRate: resp.SampleRate, BitDepth: resp.BitDepth,
	}, nil
}

// ListLibrarySongs lists the user's saved songs, paginated by limit.
func (c *Client) ListLibrarySongs(ctx domain.Context, limit int) ([]domain.CatalogTrack, error) {
	var resp struct {
		Items []trackDTO `json:"items"`
	}
	path := "/library/songs?limit=" + strconv.Itoa(limit)
	if err := c.doAuthed(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.CatalogTrack, len(resp.Items))
	for i, t := range resp.Items {
		out[i] = domain.CatalogTrack{
			ID: t.ID, Title: t.Title, Artist: t.Artist, AlbumID: t.AlbumID, Album: t.Album,
			Duration: t.Duration, Quality: t.Quality, ISRC: t.ISRC, Explicit: t.Explicit,
		}
	}
	return out, nil
}

// ListLibraryAlbums lists the user's saved albums, paginated by limit.
func (c *Client) ListLibraryAlbums(ctx domain.Context, limit int) ([]domain.CatalogAlbum, error) {
	var resp struct {
		Items []albumDTO `json:"items"`
	}
	path := "/library/albums?limit=" + strconv.Itoa(limit)
	if err := c.doAuthed(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.CatalogAlbum, len(resp.Items))
	for i, a := range resp.Items {
		out[i] = domain.CatalogAlbum{
			ID: a.ID, Title: a.Title, Artist: a.Artist, NumTracks: a.NumTracks,
			Released: a.Released, Quality: a.Quality, Cover: a.Cover,
		}
	}
	return out, nil
}

// httpError carries the upstream status and a provider sub-status, enough
// to tell an expired token apart from a plain 401.
type httpError struct {
	status    int
	subStatus string
	body      string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("catalog http error: status=%d sub_status=%s body=%q", e.status, e.subStatus, e.body)
}

func asHTTPError(err error) (*httpError, bool) {
	he, ok := err.(*httpError) //nolint:errorlint // we need the concrete type's fields, not just Is/As matching
	return he, ok
}

// classify maps an httpError onto the domain error taxonomy. Status 401
// with provider sub-status "11003" or "token_expired" means expired, not
// merely unauthenticated; the response body is not examined.
func classify(he *httpError) error {
	switch {
	case he.status == http.StatusUnauthorized && (he.subStatus == "11003" || he.subStatus == "token_expired"):
		return fmt.Errorf("%w: %s", domain.ErrTokenExpired, he.body)
	case he.status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", domain.ErrUnauthenticated, he.body)
	case he.status == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, he.body)
	case he.status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, he.body)
	default:
		return he
	}
}

func (c *Client) doAuthed(ctx domain.Context, method, path string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("op=catalog.doAuthed: marshal: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.factory.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("op=catalog.doAuthed: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.creds.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.factory.do(req, out)
}

func (f *Factory) doJSON(ctx domain.Context, method, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("op=catalog.doJSON: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("op=catalog.doJSON: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return f.do(req, out)
}

// do executes req with exponential backoff on transient (network/5xx)
// failures, mirroring model.HTTPScorer's retry shape, and classifies 4xx
// responses via classify before returning a permanent error.
func (f *Factory) do(req *http.Request, out any) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), req.Context())
	var bodyBytes []byte
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		bodyBytes = b
	}

	operation := func() error {
		r := req.Clone(req.Context())
		if bodyBytes != nil {
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
		resp, err := f.hc.Do(r)
		if err != nil {
			return fmt.Errorf("op=catalog.do: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("op=catalog.do: upstream error, status=%d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			he := &httpError{status: resp.StatusCode, subStatus: resp.Header.Get("X-Sub-Status"), body: string(snippet)}
			return backoff.Permanent(classify(he))
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("op=catalog.do: decode response: %w", err))
		}
		return nil
	}

	return backoff.Retry(operation, bo)
}
