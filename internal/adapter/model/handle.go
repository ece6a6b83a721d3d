// Package model implements the lazy-loaded, mutex-serialized scorer handle
// shared by the embedding worker and the text-embed responder.
package model

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/fairyhunter13/soundsidecar/internal/domain"
)

// Scorer is the opaque audio/text encoder this handle manages. Production
// code plugs in a concrete scorer (an RPC client to the model-serving
// process, or an in-process binding); this package defines only the
// lifecycle contract around it.
type Scorer interface {
	Load(ctx context.Context) error
	Close() error
	EncodeAudio(ctx context.Context, samples []float32, sampleRate int) ([domain.EmbeddingDim]float32, error)
	EncodeText(ctx context.Context, text string) ([domain.EmbeddingDim]float32, error)
}

// Factory constructs a fresh Scorer instance, invoked on first use and again
// after an idle unload.
type Factory func() Scorer

// Handle is the process-wide model handle: one shared instance guarded by a
// mutex, lazily loaded and idle-unloadable.
type Handle struct {
	mu           sync.Mutex
	factory      Factory
	scorer       Scorer
	modelVersion string
	lastWorkTime time.Time
}

// New constructs a Handle that builds scorers via factory on demand.
func New(factory Factory, modelVersion string) *Handle {
	return &Handle{factory: factory, modelVersion: modelVersion, lastWorkTime: time.Now()}
}

// ModelVersion reports the configured model version identifier.
func (h *Handle) ModelVersion() string { return h.modelVersion }

// EnsureLoaded lazily (and idempotently) constructs and loads the scorer.
func (h *Handle) EnsureLoaded(ctx domain.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ensureLoadedLocked(ctx)
}

func (h *Handle) ensureLoadedLocked(ctx context.Context) error {
	if h.scorer != nil {
		return nil
	}
	slog.Info("loading model", slog.String("model_version", h.modelVersion))
	s := h.factory()
	if err := s.Load(ctx); err != nil {
		return fmt.Errorf("op=model.EnsureLoaded: load: %w", err)
	}
	h.scorer = s
	h.lastWorkTime = time.Now()
	slog.Info("model loaded", slog.String("model_version", h.modelVersion))
	return nil
}

// Unload releases the scorer and attempts a best-effort OS-level heap trim.
func (h *Handle) Unload() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.scorer == nil {
		return
	}
	slog.Info("unloading model to free memory", slog.String("model_version", h.modelVersion))
	if err := h.scorer.Close(); err != nil {
		slog.Warn("error closing scorer during unload", slog.Any("error", err))
	}
	h.scorer = nil
	debug.FreeOSMemory()
}

// IdleSince reports how long it has been since the last successful encode,
// model load, or construction of the handle, whichever came last.
func (h *Handle) IdleSince() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Since(h.lastWorkTime)
}

// Loaded reports whether a scorer is currently resident.
func (h *Handle) Loaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.scorer != nil
}

// EncodeAudio reloads the model if needed and encodes samples under the
// handle's mutex — the underlying scorer kernel isn't assumed reentrant.
func (h *Handle) EncodeAudio(ctx domain.Context, samples []float32, sampleRate int) ([domain.EmbeddingDim]float32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.ensureLoadedLocked(ctx); err != nil {
		return [domain.EmbeddingDim]float32{}, err
	}
	vec, err := h.scorer.EncodeAudio(ctx, samples, sampleRate)
	if err != nil {
		return [domain.EmbeddingDim]float32{}, fmt.Errorf("op=model.EncodeAudio: %w", err)
	}
	h.lastWorkTime = time.Now()
	return vec, nil
}

// EncodeText reloads the model if needed and encodes text under the
// handle's mutex.
func (h *Handle) EncodeText(ctx domain.Context, text string) ([domain.EmbeddingDim]float32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.ensureLoadedLocked(ctx); err != nil {
		return [domain.EmbeddingDim]float32{}, err
	}
	vec, err := h.scorer.EncodeText(ctx, text)
	if err != nil {
		return [domain.EmbeddingDim]float32{}, fmt.Errorf("op=model.EncodeText: %w", err)
	}
	h.lastWorkTime = time.Now()
	return vec, nil
}
