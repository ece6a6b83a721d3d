package catalog_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/soundsidecar/internal/adapter/catalog"
	"github.com/fairyhunter13/soundsidecar/internal/domain"
)

func TestClient_VerifySession_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]string{"sessionId": "s1"})
	}))
	defer ts.Close()

	f := catalog.NewFactory(ts.URL, "client1", time.Second, 2*time.Second)
	c := f.NewClient(domain.Credentials{AccessToken: "tok"})
	require.NoError(t, c.VerifySession(newCtx()))
}

func TestClient_VerifySession_TokenExpired(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Sub-Status", "11003")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"token expired"}`))
	}))
	defer ts.Close()

	f := catalog.NewFactory(ts.URL, "client1", time.Second, 2*time.Second)
	c := f.NewClient(domain.Credentials{AccessToken: "stale"})
	err := c.VerifySession(newCtx())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTokenExpired)
}

func TestClient_VerifySession_PlainUnauthorized(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	f := catalog.NewFactory(ts.URL, "client1", time.Second, 2*time.Second)
	c := f.NewClient(domain.Credentials{AccessToken: "bad"})
	err := c.VerifySession(newCtx())
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestClient_GetStreamURL_NoURLIsErrNoStreamURL(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"url": ""})
	}))
	defer ts.Close()

	f := catalog.NewFactory(ts.URL, "client1", time.Second, 2*time.Second)
	c := f.NewClient(domain.Credentials{AccessToken: "tok"})
	_, err := c.GetStreamURL(newCtx(), "track1", domain.QualityHigh)
	assert.ErrorIs(t, err, domain.ErrNoStreamURL)
}

func TestClient_GetStreamURL_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/songs/track1/stream", r.URL.Path)
		assert.Equal(t, "HIGH", r.URL.Query().Get("quality"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"url": "https://cdn.example/a.flac", "contentType": "audio/flac", "codec": "flac",
		})
	}))
	defer ts.Close()

	f := catalog.NewFactory(ts.URL, "client1", time.Second, 2*time.Second)
	c := f.NewClient(domain.Credentials{AccessToken: "tok"})
	info, err := c.GetStreamURL(newCtx(), "track1", domain.QualityHigh)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/a.flac", info.URL)
	assert.Equal(t, "flac", info.Codec)
}

func TestFactory_PollDeviceToken_PendingMapsTo428(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionRequired)
	}))
	defer ts.Close()

	f := catalog.NewFactory(ts.URL, "client1", time.Second, 2*time.Second)
	_, err := f.PollDeviceToken(newCtx(), "device1")
	assert.ErrorIs(t, err, domain.ErrAuthorizationPending)
}

func TestFactory_Do_RetriesOn5xxThenSucceeds(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"sessionId": "s1"})
	}))
	defer ts.Close()

	f := catalog.NewFactory(ts.URL, "client1", time.Second, 2*time.Second)
	c := f.NewClient(domain.Credentials{AccessToken: "tok"})
	require.NoError(t, c.VerifySession(newCtx()))
	assert.GreaterOrEqual(t, attempts, 2)
}

func TestFactory_Do_DoesNotRetryOn4xx(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	f := catalog.NewFactory(ts.URL, "client1", time.Second, 2*time.Second)
	c := f.NewClient(domain.Credentials{AccessToken: "tok"})
	err := c.VerifySession(newCtx())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Equal(t, 1, attempts)
}

func newCtx() domain.Context {
	return context.Background()
}
