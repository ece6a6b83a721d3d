package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/soundsidecar/internal/domain"
)

// HTTPScorer delegates audio/text encoding to an out-of-process model-serving
// sidecar over HTTP. The sidecar owns the actual model weights and numeric
// semantics; this client only speaks a small uniform JSON protocol to it.
type HTTPScorer struct {
	baseURL string
	hc      *http.Client
}

// NewHTTPScorer builds a scorer client bound to baseURL, with otelhttp tracing
// on the transport so encode calls show up as child spans of the caller.
func NewHTTPScorer(baseURL string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{
		baseURL: baseURL,
		hc: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Load pings the sidecar's health endpoint so load failures surface before
// the first real job, matching the handle's "loading is lazy" contract.
func (s *HTTPScorer) Load(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("op=httpscorer.Load: build request: %w", err)
	}
	resp, err := s.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=httpscorer.Load: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("op=httpscorer.Load: sidecar unhealthy, status=%d", resp.StatusCode)
	}
	return nil
}

// Close is a no-op: the scorer holds no local resources, only an HTTP client.
func (s *HTTPScorer) Close() error { return nil }

type audioEncodeRequest struct {
	Samples    []float32 `json:"samples"`
	SampleRate int       `json:"sampleRate"`
}

type textEncodeRequest struct {
	Text string `json:"text"`
}

type encodeResponse struct {
	Embedding []float32 `json:"embedding"`
}

// EncodeAudio posts windowed, validated samples to the sidecar and retries
// transient (network/5xx) failures with exponential backoff.
func (s *HTTPScorer) EncodeAudio(ctx context.Context, samples []float32, sampleRate int) ([domain.EmbeddingDim]float32, error) {
	return s.encode(ctx, "/v1/audio/embed", audioEncodeRequest{Samples: samples, SampleRate: sampleRate})
}

// EncodeText posts free-text to the sidecar's text-embedding route.
func (s *HTTPScorer) EncodeText(ctx context.Context, text string) ([domain.EmbeddingDim]float32, error) {
	return s.encode(ctx, "/v1/text/embed", textEncodeRequest{Text: text})
}

func (s *HTTPScorer) encode(ctx context.Context, path string, payload any) ([domain.EmbeddingDim]float32, error) {
	var out [domain.EmbeddingDim]float32
	body, err := json.Marshal(payload)
	if err != nil {
		return out, fmt.Errorf("op=httpscorer.encode: marshal request: %w", err)
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	var resp encodeResponse
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("op=httpscorer.encode: build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		r, err := s.hc.Do(req)
		if err != nil {
			return fmt.Errorf("op=httpscorer.encode: %w", err)
		}
		defer r.Body.Close()

		if r.StatusCode >= 500 {
			return fmt.Errorf("op=httpscorer.encode: sidecar error, status=%d", r.StatusCode)
		}
		if r.StatusCode >= 400 {
			snippet, _ := io.ReadAll(io.LimitReader(r.Body, 512))
			return backoff.Permanent(fmt.Errorf("op=httpscorer.encode: sidecar rejected request, status=%d body=%q", r.StatusCode, snippet))
		}
		if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
			return backoff.Permanent(fmt.Errorf("op=httpscorer.encode: decode response: %w", err))
		}
		return nil
	}

	if err := backoff.Retry(operation, bo); err != nil {
		return out, err
	}
	if len(resp.Embedding) != domain.EmbeddingDim {
		return out, fmt.Errorf("op=httpscorer.encode: unexpected embedding dimension %d", len(resp.Embedding))
	}
	copy(out[:], resp.Embedding)
	return out, nil
}
