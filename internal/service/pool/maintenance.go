package pool

import (
	"log/slog"
	"time"

	"github.com/fairyhunter13/soundsidecar/internal/domain"
)

// cleanupStaleProcessing implements maintenance sub-steps (a) and (b):
// rows stuck in processing are either reclaimed outright (an embedding
// already proves the resource finished via another path) or, if truly
// stale and under the retry budget, reset to pending for another attempt.
func (w *FeatureWorkerPool) cleanupStaleProcessing(ctx domain.Context) {
	cutoff := time.Now().Add(-w.d.StalenessWindow)
	rows, err := w.d.Tracks.ListStaleProcessing(ctx, cutoff, w.d.MaintenanceScanSize)
	if err != nil {
		slog.Error("feature pool cleanup: list stale processing failed", slog.Any("error", err))
		return
	}

	reclaimed, reset := 0, 0
	for _, t := range rows {
		exists, err := w.d.Embeddings.Exists(ctx, t.ResourceID)
		if err != nil {
			slog.Warn("feature pool cleanup: embedding lookup failed", slog.String("resource_id", t.ResourceID), slog.Any("error", err))
			continue
		}
		if exists {
			if err := w.d.Tracks.MarkReclaimed(ctx, t.ResourceID); err != nil {
				slog.Error("feature pool cleanup: reclaim failed", slog.String("resource_id", t.ResourceID), slog.Any("error", err))
				continue
			}
			reclaimed++
			continue
		}
		if t.RetryCount >= w.d.MaxRetries {
			continue
		}
		if err := w.d.Tracks.SetPending(ctx, t.ResourceID, t.RetryCount+1); err != nil {
			slog.Error("feature pool cleanup: reset to pending failed", slog.String("resource_id", t.ResourceID), slog.Any("error", err))
			continue
		}
		reset++
	}
	if reclaimed > 0 || reset > 0 {
		slog.Info("feature pool cleanup complete", slog.Int("reclaimed", reclaimed), slog.Int("reset_to_pending", reset))
	}
}

// retryFailedTracks implements maintenance sub-steps (c) and (d): failed
// rows that actually have an embedding are reclaimed, and the rest are
// re-queued for another attempt if still under the retry budget, without
// incrementing retryCount (that happens on the next real failure, not here).
func (w *FeatureWorkerPool) retryFailedTracks(ctx domain.Context) {
	rows, err := w.d.Tracks.ListByStatus(ctx, domain.TrackFailed, w.d.MaintenanceScanSize)
	if err != nil {
		slog.Error("feature pool retry: list failed tracks failed", slog.Any("error", err))
		return
	}

	recovered, retried, permanent := 0, 0, 0
	for _, t := range rows {
		exists, err := w.d.Embeddings.Exists(ctx, t.ResourceID)
		if err != nil {
			slog.Warn("feature pool retry: embedding lookup failed", slog.String("resource_id", t.ResourceID), slog.Any("error", err))
			continue
		}
		if exists {
			if err := w.d.Tracks.MarkReclaimed(ctx, t.ResourceID); err != nil {
				slog.Error("feature pool retry: reclaim failed", slog.String("resource_id", t.ResourceID), slog.Any("error", err))
				continue
			}
			recovered++
			continue
		}
		if t.RetryCount >= w.d.MaxRetries {
			permanent++
			continue
		}
		if err := w.d.Tracks.SetPending(ctx, t.ResourceID, t.RetryCount); err != nil {
			slog.Error("feature pool retry: reset to pending failed", slog.String("resource_id", t.ResourceID), slog.Any("error", err))
			continue
		}
		retried++
	}
	if recovered > 0 || retried > 0 {
		slog.Info("feature pool retry complete", slog.Int("recovered", recovered), slog.Int("retried", retried))
	}
	if permanent > 0 {
		slog.Warn("feature pool has permanently failed tracks", slog.Int("count", permanent))
	}
}

// runDBReconciliation implements maintenance sub-step (e): pending rows
// that never made it onto (or fell off) the Redis queue are claimed in the
// DB first, then pushed back onto the queue, preventing queue loss from
// crashes, manual edits, or a producer that writes the DB row before
// enqueueing. Returns true if any work was found.
func (w *FeatureWorkerPool) runDBReconciliation(ctx domain.Context) bool {
	rows, err := w.d.Tracks.ListByStatus(ctx, domain.TrackPending, w.d.BatchSize)
	if err != nil {
		slog.Error("feature pool reconciliation: list pending failed", slog.Any("error", err))
		return false
	}
	if len(rows) == 0 {
		return false
	}

	ids := make([]string, len(rows))
	pathByID := make(map[string]string, len(rows))
	for i, t := range rows {
		ids[i] = t.ResourceID
		pathByID[t.ResourceID] = t.FilePath
	}

	transitioned, err := w.d.Tracks.SetProcessing(ctx, ids, time.Now())
	if err != nil {
		slog.Error("feature pool reconciliation: claim pending failed", slog.Any("error", err))
		return false
	}
	if len(transitioned) == 0 {
		return false
	}

	queued := 0
	for _, id := range transitioned {
		job := domain.Job{ResourceID: id, FilePath: pathByID[id]}
		if err := w.d.Queue.Push(ctx, w.d.QueueName, job); err != nil {
			slog.Error("feature pool reconciliation: re-queue failed", slog.String("resource_id", id), slog.Any("error", err))
			continue
		}
		queued++
	}
	slog.Info("feature pool DB reconciliation found pending work", slog.Int("queued", queued))
	return queued > 0
}
