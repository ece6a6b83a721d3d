// Package proxy implements the byte-range proxy: resolves a cached stream
// URL (re-extracted under the governor on miss), opens an upstream GET
// with browser-like headers and an optional Range, retries once on a
// 401/403 with a freshly extracted URL, and forwards the response chunked
// (never declaring Content-Length) so a mid-stream upstream failure ends
// the response cleanly.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/singleflight"

	"github.com/fairyhunter13/soundsidecar/internal/adapter/observability"
	"github.com/fairyhunter13/soundsidecar/internal/domain"
	"github.com/fairyhunter13/soundsidecar/internal/service/governor"
	"github.com/fairyhunter13/soundsidecar/internal/service/urlcache"
)

const chunkSize = 64 * 1024

// userAgent mimics a desktop browser so upstream CDNs treat the proxy like
// a normal playback session.
const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// URLResolver resolves a playable stream URL for (userID, resourceID,
// quality), consulting the URL cache and falling back to the catalog
// client (via the session registry and rate governor) on a miss or after
// an eviction.
type URLResolver func(ctx domain.Context, userID, resourceID string, quality domain.StreamQuality) (domain.StreamURLInfo, error)

// Proxy streams upstream audio bytes to an HTTP client.
type Proxy struct {
	resolve   URLResolver
	cache     *urlcache.Cache
	governor  *governor.Governor
	hc        *http.Client
	connectTO time.Duration
	readTO    time.Duration
	sf        singleflight.Group
}

// New builds a Proxy. resolve is called only on a cache miss or after an
// eviction triggered by an upstream 401/403.
func New(resolve URLResolver, cache *urlcache.Cache, gov *governor.Governor, connectTimeout, readTimeout time.Duration) *Proxy {
	return &Proxy{
		resolve:   resolve,
		cache:     cache,
		governor:  gov,
		connectTO: connectTimeout,
		readTO:    readTimeout,
		hc: &http.Client{
			Timeout: connectTimeout + readTimeout,
		},
	}
}

// Stream resolves (userID, resourceID, quality), opens the upstream
// request with rangeHeader forwarded if non-empty, retries once on a
// 401/403 with a freshly-extracted URL, and streams the body to w using
// chunked transfer (no Content-Length). It returns once the stream ends,
// whether cleanly, on upstream read error, or because ctx was canceled by
// client disconnect — all of which close the upstream response/client.
func (p *Proxy) Stream(ctx domain.Context, w http.ResponseWriter, userID, resourceID string, quality domain.StreamQuality, rangeHeader string) error {
	key := urlcache.Key{UserID: userID, ResourceID: resourceID, Quality: quality}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt == 1 {
			p.cache.Evict(key)
			observability.ProxyRefreshTotal.Inc()
		}

		info, err := p.resolveCached(ctx, key, userID, resourceID, quality)
		if err != nil {
			return err
		}
		if info.URL == "" {
			return domain.ErrNoStreamURL
		}

		resp, err := p.openUpstream(ctx, info.URL, rangeHeader)
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			if attempt == 0 {
				slog.Warn("cached stream url rejected by upstream, refreshing once",
					slog.String("resource_id", resourceID), slog.Int("status", resp.StatusCode))
			}
			resp.Body.Close()
			lastErr = fmt.Errorf("upstream rejected cached url with status %d", resp.StatusCode)
			continue
		}

		p.writeAndCopy(ctx, w, resp, info)
		return nil
	}

	return fmt.Errorf("%w: %v", domain.ErrCannotRefresh, lastErr)
}

// ResolveInfo returns the stream URL and metadata for (userID, resourceID,
// quality) without proxying any bytes, consulting the URL cache first. Used
// by the stream-info route, which reports the same information the byte
// proxy would use without opening the upstream connection.
func (p *Proxy) ResolveInfo(ctx domain.Context, userID, resourceID string, quality domain.StreamQuality) (domain.StreamURLInfo, error) {
	key := urlcache.Key{UserID: userID, ResourceID: resourceID, Quality: quality}
	return p.resolveCached(ctx, key, userID, resourceID, quality)
}

func (p *Proxy) resolveCached(ctx domain.Context, key urlcache.Key, userID, resourceID string, quality domain.StreamQuality) (domain.StreamURLInfo, error) {
	if entry, ok := p.cache.Get(key); ok {
		return entry.Info, nil
	}

	// singleflight collapses concurrent misses on the same (user, resource,
	// quality) key into a single upstream extraction, so a burst of requests
	// for the same track doesn't each acquire the governor independently.
	sfKey := fmt.Sprintf("%s|%s|%s", key.UserID, key.ResourceID, key.Quality)
	v, err, _ := p.sf.Do(sfKey, func() (any, error) {
		if entry, ok := p.cache.Get(key); ok {
			return entry.Info, nil
		}

		release, err := p.governor.Acquire(ctx)
		if err != nil {
			return domain.StreamURLInfo{}, fmt.Errorf("op=proxy.resolveCached: governor acquire: %w", err)
		}
		defer release()

		info, err := p.resolve(ctx, userID, resourceID, quality)
		if err != nil {
			return domain.StreamURLInfo{}, err
		}
		p.cache.Put(key, info)
		return info, nil
	})
	if err != nil {
		return domain.StreamURLInfo{}, err
	}
	return v.(domain.StreamURLInfo), nil
}

func (p *Proxy) openUpstream(ctx domain.Context, streamURL, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("op=proxy.openUpstream: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := p.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=proxy.openUpstream: %w", err)
	}
	return resp, nil
}

// writeAndCopy forwards status, headers, and body. Content-Length is never
// forwarded so Go's http server uses chunked transfer encoding; a mid-
// stream read error from upstream simply ends the response instead of
// violating a declared length.
func (p *Proxy) writeAndCopy(ctx context.Context, w http.ResponseWriter, resp *http.Response, info domain.StreamURLInfo) {
	defer resp.Body.Close()

	buf := make([]byte, chunkSize)
	n, readErr := resp.Body.Read(buf)

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Cache-Control", "no-cache")
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = info.ContentType
	}
	if contentType == "" && n > 0 {
		// Sniff from the first chunk of actual bytes, a fallback for
		// upstreams that omit Content-Type entirely.
		contentType = mimetype.Detect(buf[:n]).String()
	}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		h.Set("Content-Range", cr)
	}
	h.Del("Content-Length")

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	flusher, _ := w.(http.Flusher)
	if n > 0 {
		if _, werr := w.Write(buf[:n]); werr != nil {
			return
		}
		observability.ProxyBytesTotal.Add(float64(n))
		if flusher != nil {
			flusher.Flush()
		}
	}
	if readErr != nil {
		if readErr != io.EOF {
			slog.Warn("upstream read error during proxy stream, ending response", slog.Any("error", readErr))
		}
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			observability.ProxyBytesTotal.Add(float64(n))
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Warn("upstream read error during proxy stream, ending response", slog.Any("error", err))
			}
			return
		}
	}
}
