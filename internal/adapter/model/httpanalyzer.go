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

// HTTPAnalyzer delegates feature extraction (bpm, key, mood, energy, ...) to
// an out-of-process analysis sidecar over HTTP. It is independent of
// HTTPScorer: a resource's embedding and its musical features are produced
// by two distinct opaque models, each with its own sidecar endpoint.
type HTTPAnalyzer struct {
	baseURL string
	hc      *http.Client
}

// NewHTTPAnalyzer builds a feature-analyzer client bound to baseURL.
func NewHTTPAnalyzer(baseURL string, timeout time.Duration) *HTTPAnalyzer {
	return &HTTPAnalyzer{
		baseURL: baseURL,
		hc: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type analyzeRequest struct {
	Samples    []float32 `json:"samples"`
	SampleRate int       `json:"sampleRate"`
}

type analyzeResponse struct {
	BPM          float64  `json:"bpm"`
	Key          string   `json:"key"`
	Scale        string   `json:"scale"`
	Energy       float64  `json:"energy"`
	Danceability float64  `json:"danceability"`
	Valence      float64  `json:"valence"`
	Arousal      float64  `json:"arousal"`
	MoodTags     []string `json:"moodTags"`
	Mode         string   `json:"mode"`
}

// Analyze posts windowed, validated samples to the sidecar and retries
// transient (network/5xx) failures with exponential backoff, exactly as
// HTTPScorer.encode does for the embedding sidecar.
func (a *HTTPAnalyzer) Analyze(ctx context.Context, samples []float32, sampleRate int) (domain.Features, error) {
	body, err := json.Marshal(analyzeRequest{Samples: samples, SampleRate: sampleRate})
	if err != nil {
		return domain.Features{}, fmt.Errorf("op=httpanalyzer.Analyze: marshal request: %w", err)
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	var resp analyzeResponse
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/audio/analyze", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("op=httpanalyzer.Analyze: build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		r, err := a.hc.Do(req)
		if err != nil {
			return fmt.Errorf("op=httpanalyzer.Analyze: %w", err)
		}
		defer r.Body.Close()

		if r.StatusCode >= 500 {
			return fmt.Errorf("op=httpanalyzer.Analyze: sidecar error, status=%d", r.StatusCode)
		}
		if r.StatusCode >= 400 {
			snippet, _ := io.ReadAll(io.LimitReader(r.Body, 512))
			return backoff.Permanent(fmt.Errorf("op=httpanalyzer.Analyze: sidecar rejected request, status=%d body=%q", r.StatusCode, snippet))
		}
		if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
			return backoff.Permanent(fmt.Errorf("op=httpanalyzer.Analyze: decode response: %w", err))
		}
		return nil
	}

	if err := backoff.Retry(operation, bo); err != nil {
		return domain.Features{}, err
	}

	mode := domain.ModeStandard
	if resp.Mode == string(domain.ModeEnhanced) {
		mode = domain.ModeEnhanced
	}
	return domain.Features{
		BPM:          resp.BPM,
		Key:          resp.Key,
		Scale:        resp.Scale,
		Energy:       resp.Energy,
		Danceability: resp.Danceability,
		Valence:      resp.Valence,
		Arousal:      resp.Arousal,
		MoodTags:     resp.MoodTags,
		Mode:         mode,
	}, nil
}
