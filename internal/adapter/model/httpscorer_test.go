package model_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/soundsidecar/internal/adapter/model"
	"github.com/fairyhunter13/soundsidecar/internal/domain"
)

func fakeEmbedding(seed float32) []float32 {
	v := make([]float32, domain.EmbeddingDim)
	v[0] = seed
	return v
}

func TestHTTPScorer_Load_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	s := model.NewHTTPScorer(ts.URL, 2*time.Second)
	require.NoError(t, s.Load(context.Background()))
}

func TestHTTPScorer_Load_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	s := model.NewHTTPScorer(ts.URL, 2*time.Second)
	require.Error(t, s.Load(context.Background()))
}

func TestHTTPScorer_EncodeAudio_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/embed", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": fakeEmbedding(1.5)})
	}))
	defer ts.Close()

	s := model.NewHTTPScorer(ts.URL, 2*time.Second)
	vec, err := s.EncodeAudio(context.Background(), []float32{0.1, 0.2, 0.3}, 48000)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, vec[0], 1e-6)
}

func TestHTTPScorer_EncodeText_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/text/embed", r.URL.Path)
		var req struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "chill lofi beats", req.Text)
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": fakeEmbedding(2.5)})
	}))
	defer ts.Close()

	s := model.NewHTTPScorer(ts.URL, 2*time.Second)
	vec, err := s.EncodeText(context.Background(), "chill lofi beats")
	require.NoError(t, err)
	assert.InDelta(t, 2.5, vec[0], 1e-6)
}

func TestHTTPScorer_EncodeAudio_ClientErrorIsPermanent(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad samples"))
	}))
	defer ts.Close()

	s := model.NewHTTPScorer(ts.URL, 2*time.Second)
	_, err := s.EncodeAudio(context.Background(), nil, 48000)
	require.Error(t, err)
	assert.Equal(t, 1, calls, "4xx responses must not be retried")
}

func TestHTTPScorer_EncodeAudio_RetriesServerError(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": fakeEmbedding(9)})
	}))
	defer ts.Close()

	s := model.NewHTTPScorer(ts.URL, 2*time.Second)
	vec, err := s.EncodeAudio(context.Background(), []float32{0.1}, 48000)
	require.NoError(t, err)
	assert.InDelta(t, 9, vec[0], 1e-6)
	assert.GreaterOrEqual(t, calls, 2)
}

func TestHTTPScorer_EncodeAudio_WrongDimensionIsError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{1, 2, 3}})
	}))
	defer ts.Close()

	s := model.NewHTTPScorer(ts.URL, 2*time.Second)
	_, err := s.EncodeAudio(context.Background(), []float32{0.1}, 48000)
	require.Error(t, err)
}

func TestHTTPScorer_Close_NoError(t *testing.T) {
	s := model.NewHTTPScorer("http://unused", time.Second)
	require.NoError(t, s.Close())
}
