// Package usecase wires domain ports into the embedding worker and the
// text-embed responder loops.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/soundsidecar/internal/adapter/observability"
	"github.com/fairyhunter13/soundsidecar/pkg/audiox"
	"github.com/fairyhunter13/soundsidecar/pkg/pathx"

	"github.com/fairyhunter13/soundsidecar/internal/domain"
)

// EmbedWorkerDeps are the collaborators the embedding worker needs.
type EmbedWorkerDeps struct {
	Queue              domain.JobQueue
	Heartbeat          domain.HeartbeatWriter
	Tracks             domain.TrackRepository
	Embeddings         domain.EmbeddingRepository
	Failures           domain.FailureRepository
	Model              domain.ModelHandle
	Notifier           domain.FailureNotifier // may be nil (best-effort, optional)
	MountRoot          string
	QueueName          string
	HeartbeatKey       string
	SleepInterval      time.Duration
	MinAudioSeconds    float64
	AudioWindowSeconds float64
}

// EmbedWorker runs the audio -> vector embedding loop: heartbeat, blocking
// pop, load+window the clip, encode, upsert, status transition.
type EmbedWorker struct {
	d EmbedWorkerDeps
}

// NewEmbedWorker constructs an EmbedWorker.
func NewEmbedWorker(d EmbedWorkerDeps) *EmbedWorker {
	if d.MinAudioSeconds <= 0 {
		d.MinAudioSeconds = 5
	}
	return &EmbedWorker{d: d}
}

// Run loops until ctx is canceled, processing one job per iteration.
func (w *EmbedWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.d.Heartbeat.Heartbeat(ctx, w.d.HeartbeatKey, time.Now()); err != nil {
			slog.Warn("embed worker heartbeat failed", slog.Any("error", err))
		}

		job, ok, err := w.d.Queue.BlockingPop(ctx, w.d.QueueName, w.d.SleepInterval)
		if err != nil {
			slog.Error("embed worker queue error, backing off", slog.Any("error", err))
			sleep(ctx, w.d.SleepInterval)
			continue
		}
		if !ok {
			continue
		}

		if err := w.processJob(ctx, job); err != nil {
			slog.Error("embed worker failed to process job", slog.String("resource_id", job.ResourceID), slog.Any("error", err))
		}
	}
}

func (w *EmbedWorker) processJob(ctx context.Context, job domain.Job) error {
	observability.StartProcessingJob(w.d.QueueName)
	if _, err := w.d.Tracks.SetProcessing(ctx, []string{job.ResourceID}, time.Now()); err != nil {
		return fmt.Errorf("op=EmbedWorker.processJob: set processing: %w", err)
	}

	fullPath, err := pathx.Resolve(w.d.MountRoot, job.FilePath)
	if err != nil {
		w.fail(ctx, job.ResourceID, fmt.Sprintf("path resolution failed: %v", err))
		return nil
	}

	clip, err := audiox.LoadWAVWindow(fullPath, job.DurationHint, w.d.AudioWindowSeconds)
	if err != nil {
		w.fail(ctx, job.ResourceID, fmt.Sprintf("failed to load audio: %v", err))
		return nil
	}
	if err := audiox.Validate(clip, w.d.MinAudioSeconds); err != nil {
		w.fail(ctx, job.ResourceID, err.Error())
		return nil
	}

	vec, err := w.d.Model.EncodeAudio(ctx, clip.Samples, clip.SampleRate)
	if err != nil {
		w.fail(ctx, job.ResourceID, fmt.Sprintf("failed to generate embedding: %v", err))
		return nil
	}

	now := time.Now()
	if err := w.d.Embeddings.Upsert(ctx, domain.Embedding{
		ResourceID:   job.ResourceID,
		Vector:       vec,
		ModelVersion: w.d.Model.ModelVersion(),
		AnalyzedAt:   now,
	}); err != nil {
		return fmt.Errorf("op=EmbedWorker.processJob: upsert embedding: %w", err)
	}
	if err := w.d.Tracks.MarkEmbeddingCompleted(ctx, job.ResourceID, w.d.Model.ModelVersion(), now); err != nil {
		return fmt.Errorf("op=EmbedWorker.processJob: mark embedding completed: %w", err)
	}
	observability.CompleteJob(w.d.QueueName)
	slog.Info("embed worker completed track", slog.String("resource_id", job.ResourceID))
	return nil
}

func (w *EmbedWorker) fail(ctx context.Context, resourceID, errMsg string) {
	observability.FailJob(w.d.QueueName)
	truncated := truncate(errMsg, 500)
	retryCount := 1
	if t, err := w.d.Tracks.Get(ctx, resourceID); err == nil {
		retryCount = t.RetryCount + 1
	}
	if err := w.d.Tracks.SetFailed(ctx, resourceID, truncated, retryCount); err != nil {
		slog.Error("embed worker failed to mark track failed", slog.String("resource_id", resourceID), slog.Any("error", err))
	}
	if err := w.d.Failures.Upsert(ctx, domain.Failure{
		EntityType:   "track",
		EntityID:     resourceID,
		ErrorMessage: truncated,
		LastFailedAt: time.Now(),
		RetryCount:   retryCount,
	}); err != nil {
		slog.Error("embed worker failed to upsert failure row", slog.String("resource_id", resourceID), slog.Any("error", err))
	}
	slog.Warn("embed worker track failed", slog.String("resource_id", resourceID), slog.String("error", truncated))

	if w.d.Notifier != nil {
		notifyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.d.Notifier.NotifyFailure(notifyCtx, "track", resourceID, truncated); err != nil {
			slog.Warn("embed worker failure notification failed (best-effort)", slog.Any("error", err))
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
