// Package domain defines core entities, ports, and domain-specific errors.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrTokenExpired    = errors.New("token expired")
	ErrCannotRefresh   = errors.New("cannot refresh stream url")
	ErrNoStreamURL     = errors.New("no stream url available")
	ErrAgeRestricted   = errors.New("age restricted media")
	ErrPoolCrash       = errors.New("worker pool crashed")
	ErrBatchTimeout    = errors.New("batch timeout")
	ErrInternal        = errors.New("internal error")
)

// TrackStatus captures the lifecycle state of a track's analysis.
type TrackStatus string

// Track status values.
const (
	TrackPending    TrackStatus = "pending"
	TrackProcessing TrackStatus = "processing"
	TrackCompleted  TrackStatus = "completed"
	TrackFailed     TrackStatus = "failed"
)

// AnalysisMode distinguishes ML-backed feature extraction (enhanced) from
// heuristic-only estimates (standard).
type AnalysisMode string

const (
	// ModeEnhanced uses ML mood/valence/arousal models.
	ModeEnhanced AnalysisMode = "enhanced"
	// ModeStandard falls back to heuristic estimates derived from bpm/energy/danceability.
	ModeStandard AnalysisMode = "standard"
)

// Job is the queue payload consumed by the embedding worker and the
// feature-extraction pool. Immutable once enqueued.
//
//go:generate mockery --name=JobQueue --with-expecter --filename=job_queue_mock.go
//go:generate mockery --name=TrackRepository --with-expecter --filename=track_repository_mock.go
//go:generate mockery --name=EmbeddingRepository --with-expecter --filename=embedding_repository_mock.go
//go:generate mockery --name=FailureRepository --with-expecter --filename=failure_repository_mock.go
//go:generate mockery --name=ModelHandle --with-expecter --filename=model_handle_mock.go
type Job struct {
	// ResourceID is the opaque identifier of the audio resource (a "trackId" to callers).
	ResourceID string `json:"trackId" validate:"required"`
	// FilePath is a relative path, joined against the configured mount root.
	FilePath string `json:"filePath" validate:"required"`
	// DurationHint, when present, skips a file probe for duration.
	DurationHint *float64 `json:"duration,omitempty"`
}

// Features is the wide set of numeric scalars and tags produced by analysis.
type Features struct {
	BPM          float64
	Key          string
	Scale        string
	Energy       float64
	Danceability float64
	Valence      float64
	Arousal      float64
	MoodTags     []string
	Mode         AnalysisMode
}

// Track is the durable row tracking analysis lifecycle for a resource.
type Track struct {
	ResourceID   string
	FilePath     string
	Status       TrackStatus
	StartedAt    *time.Time
	RetryCount   int
	ErrorMessage *string
	Features     Features
	AnalyzedAt   *time.Time
	ModelVersion string
	UpdatedAt    time.Time
}

// Embedding is the fixed-dimension ℓ²-normalized vector representing a resource.
const EmbeddingDim = 512

// Embedding is the durable row for a resource's "vibe" vector.
type Embedding struct {
	ResourceID   string
	Vector       [EmbeddingDim]float32
	ModelVersion string
	AnalyzedAt   time.Time
}

// Failure is a durable record of a terminal or retryable failure for any entity.
type Failure struct {
	EntityType   string
	EntityID     string
	ErrorMessage string
	LastFailedAt time.Time
	RetryCount   int
	Resolved     bool
	Skipped      bool
	Metadata     map[string]any
}

// TextEmbedRequest is a stream entry asking for a text embedding.
type TextEmbedRequest struct {
	RequestID   string `validate:"required"`
	Text        string `validate:"required"`
	ResponseKey string
}

// TextEmbedResponse is the list payload written to a request's response key.
type TextEmbedResponse struct {
	RequestID    string   `json:"requestId"`
	Success      bool     `json:"success"`
	Embedding    []float32 `json:"embedding,omitempty"`
	ModelVersion string   `json:"modelVersion"`
	Error        string   `json:"error,omitempty"`
}

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context

// TrackRepository persists and loads track rows.
type TrackRepository interface {
	Upsert(ctx Context, t Track) error
	Get(ctx Context, resourceID string) (Track, error)
	SetProcessing(ctx Context, resourceIDs []string, startedAt time.Time) ([]string, error)
	SetCompleted(ctx Context, resourceID string, f Features, modelVersion string, analyzedAt time.Time) error
	SetFailed(ctx Context, resourceID string, errMsg string, retryCount int) error
	SetPending(ctx Context, resourceID string, retryCount int) error
	ListByStatus(ctx Context, status TrackStatus, limit int) ([]Track, error)
	ListStaleProcessing(ctx Context, olderThan time.Time, limit int) ([]Track, error)
	// MarkEmbeddingCompleted flips status to completed after a successful
	// embedding-only job, without touching the feature-analysis columns
	// (which a separate feature-extraction job may or may not have set).
	MarkEmbeddingCompleted(ctx Context, resourceID, modelVersion string, analyzedAt time.Time) error
	// MarkReclaimed flips a processing-or-failed row to completed without
	// touching feature columns, for rows whose embedding already proves the
	// resource finished analysis via a path other than the current row state.
	MarkReclaimed(ctx Context, resourceID string) error
}

// FeatureAnalyzer abstracts the opaque feature-extraction scorer (bpm, key,
// mood, energy, ...), a second model independent of the embedding Scorer.
//
//go:generate mockery --name=FeatureAnalyzer --with-expecter --filename=feature_analyzer_mock.go
type FeatureAnalyzer interface {
	Analyze(ctx Context, samples []float32, sampleRate int) (Features, error)
}

// EmbeddingRepository persists and loads embedding rows.
type EmbeddingRepository interface {
	Upsert(ctx Context, e Embedding) error
	Exists(ctx Context, resourceID string) (bool, error)
	Get(ctx Context, resourceID string) (Embedding, error)
}

// FailureRepository persists and loads failure rows.
type FailureRepository interface {
	Upsert(ctx Context, f Failure) error
	Resolve(ctx Context, entityType, entityID string) error
}

// JobQueue abstracts the durable queue used for both embedding and analysis jobs.
type JobQueue interface {
	Push(ctx Context, queue string, j Job) error
	BlockingPop(ctx Context, queue string, timeout time.Duration) (Job, bool, error)
	DrainNonBlocking(ctx Context, queue string, max int) ([]Job, error)
}

// ModelHandle abstracts the opaque audio/text scorer.
type ModelHandle interface {
	EnsureLoaded(ctx Context) error
	Unload()
	EncodeAudio(ctx Context, samples []float32, sampleRate int) ([EmbeddingDim]float32, error)
	EncodeText(ctx Context, text string) ([EmbeddingDim]float32, error)
	ModelVersion() string
}

// FailureNotifier reports a terminal failure to the platform, best-effort.
type FailureNotifier interface {
	NotifyFailure(ctx Context, entityType, entityID, errMsg string) error
}
