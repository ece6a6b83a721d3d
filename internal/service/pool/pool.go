package pool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/soundsidecar/internal/adapter/observability"
	"github.com/fairyhunter13/soundsidecar/internal/domain"
	"github.com/fairyhunter13/soundsidecar/pkg/audiox"
	"github.com/fairyhunter13/soundsidecar/pkg/pathx"
)

// Deps are the collaborators the feature-extraction pool needs.
type Deps struct {
	Queue      domain.JobQueue
	Tracks     domain.TrackRepository
	Embeddings domain.EmbeddingRepository
	Failures   domain.FailureRepository
	Analyzer   domain.FeatureAnalyzer
	Heartbeat  domain.HeartbeatWriter
	Control    domain.ControlBus      // optional; nil disables the control channel
	Notifier   domain.FailureNotifier // optional, best-effort

	MountRoot      string
	QueueName      string
	ControlChannel string
	HeartbeatKey   string
	AnalyzerVersion string

	MinWorkers     int
	MaxWorkers     int
	InitialWorkers int

	BatchSize           int
	BatchTimeout        time.Duration
	IdleTimeout         time.Duration
	IdleShutdownCycles  int
	SleepInterval       time.Duration
	MaxRetries          int
	StalenessWindow     time.Duration
	ResizeDebounce      time.Duration
	MinAudioSeconds     float64
	AudioWindowSeconds  float64
	MaintenanceScanSize int
}

func (d *Deps) applyDefaults() {
	if d.MinWorkers <= 0 {
		d.MinWorkers = 1
	}
	if d.MaxWorkers < d.MinWorkers {
		d.MaxWorkers = d.MinWorkers
	}
	if d.InitialWorkers <= 0 {
		d.InitialWorkers = d.MinWorkers
	}
	if d.BatchSize <= 0 {
		d.BatchSize = 8
	}
	if d.BatchTimeout <= 0 {
		d.BatchTimeout = 15 * time.Minute
	}
	if d.IdleShutdownCycles <= 0 {
		d.IdleShutdownCycles = 10
	}
	if d.SleepInterval <= 0 {
		d.SleepInterval = 5 * time.Second
	}
	if d.MaxRetries <= 0 {
		d.MaxRetries = 3
	}
	if d.StalenessWindow <= 0 {
		d.StalenessWindow = 15 * time.Minute
	}
	if d.ResizeDebounce <= 0 {
		d.ResizeDebounce = 5 * time.Second
	}
	if d.MinAudioSeconds <= 0 {
		d.MinAudioSeconds = 5
	}
	if d.MaintenanceScanSize <= 0 {
		d.MaintenanceScanSize = d.BatchSize * 8
	}
	if d.AnalyzerVersion == "" {
		d.AnalyzerVersion = "feature-analyzer-v1"
	}
}

// FeatureWorkerPool runs the lazy, dynamically resized batch-analysis
// loop: a blocking-pop-driven goroutine pool with panic-recovery crash
// detection, per-batch timeouts, and periodic maintenance.
type FeatureWorkerPool struct {
	d Deps

	mu               sync.Mutex
	wp               *workerPool
	poolActive       bool
	currentWorkers   int
	lastWorkAt       time.Time
	consecutiveEmpty int
	batchCount       int64

	control *controlState
}

// New constructs a FeatureWorkerPool, applying defaults for any
// zero-valued tuning knob.
func New(d Deps) *FeatureWorkerPool {
	d.applyDefaults()
	return &FeatureWorkerPool{d: d, currentWorkers: d.InitialWorkers, lastWorkAt: time.Now(), control: &controlState{}}
}

// Run drives the BRPOP-equivalent event loop until ctx is canceled or a
// "stop" control command is received.
func (w *FeatureWorkerPool) Run(ctx domain.Context) {
	if w.d.Control != nil && w.d.ControlChannel != "" {
		go watchControl(ctx, w.d.Control, w.d.ControlChannel, w.control)
	}

	slog.Info("feature worker pool starting",
		slog.Int("min_workers", w.d.MinWorkers), slog.Int("max_workers", w.d.MaxWorkers),
		slog.Int("batch_size", w.d.BatchSize))

	defer w.shutdownPool()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if w.control.stopped() {
			slog.Info("feature worker pool stopped via control channel")
			return
		}

		if w.d.Heartbeat != nil {
			if err := w.d.Heartbeat.Heartbeat(ctx, w.d.HeartbeatKey, time.Now()); err != nil {
				slog.Warn("feature pool heartbeat failed", slog.Any("error", err))
			}
		}

		w.applyPendingResize()

		if w.control.isPaused() {
			sleep(ctx, w.d.SleepInterval)
			continue
		}

		if w.poolActive && !w.checkPoolHealth() {
			slog.Error("feature pool health check failed, recreating pool")
			w.recreatePool()
			w.cleanupStaleProcessing(ctx)
			continue
		}

		jobs, ok := w.assembleBatch(ctx)
		if !ok {
			w.consecutiveEmpty++
			foundWork := w.runDBReconciliation(ctx)

			if w.poolActive && !foundWork {
				idle := time.Since(w.lastWorkAt)
				if idle >= w.d.IdleTimeout || idle >= w.d.SleepInterval {
					w.shutdownPool()
					slog.Info("feature pool idle, shut down to free memory", slog.Duration("idle_for", idle))
				}
			}

			if w.consecutiveEmpty >= w.d.IdleShutdownCycles {
				w.cleanupStaleProcessing(ctx)
				w.retryFailedTracks(ctx)
				w.consecutiveEmpty = 0
			}
			continue
		}

		w.consecutiveEmpty = 0
		w.lastWorkAt = time.Now()
		w.batchCount++

		if len(jobs) > 0 {
			batchID := ulid.Make().String()
			w.dispatchBatch(ctx, jobs, batchID)
		}

		if w.batchCount%50 == 0 {
			w.cleanupStaleProcessing(ctx)
			w.retryFailedTracks(ctx)
		}
	}
}

// assembleBatch blocks for the first job, then drains up to BatchSize-1
// more without blocking, and atomically claims all of them via SetProcessing
// (which accepts rows already pending OR processing, since a producer may
// have pre-claimed them). Entries whose row didn't transition (already
// completed or failed, or missing) are dropped from the batch.
func (w *FeatureWorkerPool) assembleBatch(ctx domain.Context) ([]domain.Job, bool) {
	first, ok, err := w.d.Queue.BlockingPop(ctx, w.d.QueueName, w.d.SleepInterval)
	if err != nil {
		slog.Error("feature pool queue pop failed", slog.Any("error", err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	jobs := []domain.Job{first}

	if w.d.BatchSize > 1 {
		more, err := w.d.Queue.DrainNonBlocking(ctx, w.d.QueueName, w.d.BatchSize-1)
		if err != nil {
			slog.Warn("feature pool batch drain failed", slog.Any("error", err))
		} else {
			jobs = append(jobs, more...)
		}
	}

	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ResourceID
	}
	transitioned, err := w.d.Tracks.SetProcessing(ctx, ids, time.Now())
	if err != nil {
		slog.Error("feature pool failed to mark batch processing", slog.Any("error", err))
		return nil, true
	}
	okIDs := make(map[string]bool, len(transitioned))
	for _, id := range transitioned {
		okIDs[id] = true
	}
	filtered := jobs[:0]
	for _, j := range jobs {
		if okIDs[j.ResourceID] {
			filtered = append(filtered, j)
		}
	}
	if len(filtered) < len(jobs) {
		slog.Info("feature pool skipped stale queue entries", slog.Int("skipped", len(jobs)-len(filtered)))
	}
	return filtered, true
}

func (w *FeatureWorkerPool) dispatchBatch(ctx domain.Context, jobs []domain.Job, batchID string) {
	w.ensurePool()
	start := time.Now()
	slog.Info("feature pool dispatching batch", slog.String("batch_id", batchID), slog.Int("size", len(jobs)))

	results := make(chan jobResult, len(jobs))
	for _, j := range jobs {
		observability.StartProcessingJob(w.d.QueueName)
		w.mu.Lock()
		wp := w.wp
		w.mu.Unlock()
		wp.submitJob(j, results, func(job domain.Job) (domain.Features, error) {
			return w.analyzeOne(ctx, job)
		})
	}

	finalized := make(map[string]bool, len(jobs))
	pending := len(jobs)
	timer := time.NewTimer(w.d.BatchTimeout)
	defer timer.Stop()

	succeeded, failed := 0, 0
	for pending > 0 {
		select {
		case r := <-results:
			pending--
			if r.crashed {
				remaining := remainingJobs(jobs, finalized)
				slog.Error("feature pool worker crash detected", slog.String("batch_id", batchID), slog.Any("error", r.err))
				w.requeueForCrash(ctx, remaining, "analyzer worker crashed; re-queued for retry")
				w.recreatePool()
				return
			}
			finalized[r.job.ResourceID] = true
			if w.handleResult(ctx, r) {
				succeeded++
			} else {
				failed++
			}
		case <-timer.C:
			remaining := remainingJobs(jobs, finalized)
			for _, j := range remaining {
				w.markPermanent(ctx, j.ResourceID, fmt.Sprintf("batch timeout after %s", w.d.BatchTimeout))
				failed++
			}
			pending = 0
		case <-ctx.Done():
			return
		}
	}

	slog.Info("feature pool batch complete", slog.String("batch_id", batchID),
		slog.Int("succeeded", succeeded), slog.Int("failed", failed), slog.Duration("elapsed", time.Since(start)))
}

func remainingJobs(jobs []domain.Job, finalized map[string]bool) []domain.Job {
	var out []domain.Job
	for _, j := range jobs {
		if !finalized[j.ResourceID] {
			out = append(out, j)
		}
	}
	return out
}

func (w *FeatureWorkerPool) analyzeOne(ctx domain.Context, job domain.Job) (domain.Features, error) {
	fullPath, err := pathx.Resolve(w.d.MountRoot, job.FilePath)
	if err != nil {
		return domain.Features{}, fmt.Errorf("unsupported format: %w", err)
	}
	clip, err := audiox.LoadWAVWindow(fullPath, job.DurationHint, w.d.AudioWindowSeconds)
	if err != nil {
		return domain.Features{}, err
	}
	if err := audiox.Validate(clip, w.d.MinAudioSeconds); err != nil {
		return domain.Features{}, err
	}
	return w.d.Analyzer.Analyze(ctx, clip.Samples, clip.SampleRate)
}

// handleResult saves a successful analysis or classifies and records a
// failure, returning true on success.
func (w *FeatureWorkerPool) handleResult(ctx domain.Context, r jobResult) bool {
	if r.err == nil {
		w.saveSuccess(ctx, r.job.ResourceID, r.features)
		return true
	}
	if domain.ClassifyError(r.err) == domain.KindPermanent {
		w.markPermanent(ctx, r.job.ResourceID, r.err.Error())
	} else {
		w.markRecoverable(ctx, r.job.ResourceID, r.err.Error())
	}
	return false
}

func (w *FeatureWorkerPool) saveSuccess(ctx domain.Context, resourceID string, f domain.Features) {
	now := time.Now()
	if err := w.d.Tracks.SetCompleted(ctx, resourceID, f, w.d.AnalyzerVersion, now); err != nil {
		slog.Error("feature pool failed to save results", slog.String("resource_id", resourceID), slog.Any("error", err))
		return
	}
	if err := w.d.Failures.Resolve(ctx, "track", resourceID); err != nil {
		slog.Warn("feature pool failed to resolve prior failure", slog.String("resource_id", resourceID), slog.Any("error", err))
	}
	observability.CompleteJob(w.d.QueueName)
}

// markRecoverable records a retryable defect (too short, silent, non-finite
// samples, transient infra hiccups) and increments the retry count; the
// maintenance tick later resets it back to pending if under budget.
func (w *FeatureWorkerPool) markRecoverable(ctx domain.Context, resourceID, errMsg string) {
	retryCount := 1
	if t, err := w.d.Tracks.Get(ctx, resourceID); err == nil {
		retryCount = t.RetryCount + 1
	}
	w.recordFailure(ctx, resourceID, errMsg, retryCount)
	if retryCount >= w.d.MaxRetries {
		slog.Warn("feature pool track permanently failed via retry budget", slog.String("resource_id", resourceID))
	}
}

// markPermanent records a non-retryable defect (oversized file, unsupported
// format, batch timeout) by exhausting the retry budget immediately.
func (w *FeatureWorkerPool) markPermanent(ctx domain.Context, resourceID, errMsg string) {
	w.recordFailure(ctx, resourceID, errMsg, w.d.MaxRetries)
}

func (w *FeatureWorkerPool) recordFailure(ctx domain.Context, resourceID, errMsg string, retryCount int) {
	if err := w.d.Tracks.SetFailed(ctx, resourceID, errMsg, retryCount); err != nil {
		slog.Error("feature pool failed to mark track failed", slog.String("resource_id", resourceID), slog.Any("error", err))
	}
	if err := w.d.Failures.Upsert(ctx, domain.Failure{
		EntityType: "track", EntityID: resourceID, ErrorMessage: errMsg,
		LastFailedAt: time.Now(), RetryCount: retryCount,
	}); err != nil {
		slog.Error("feature pool failed to upsert failure row", slog.String("resource_id", resourceID), slog.Any("error", err))
	}
	observability.FailJob(w.d.QueueName)

	if retryCount >= w.d.MaxRetries && w.d.Notifier != nil {
		notifyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.d.Notifier.NotifyFailure(notifyCtx, "track", resourceID, errMsg); err != nil {
			slog.Warn("feature pool failure notification failed (best-effort)", slog.Any("error", err))
		}
	}
}

// requeueForCrash resets processing rows back to pending without consuming
// retry budget and pushes them back onto the queue: a crashed pool is an
// infra failure, not the jobs' fault.
func (w *FeatureWorkerPool) requeueForCrash(ctx domain.Context, jobs []domain.Job, reason string) {
	if len(jobs) == 0 {
		return
	}
	requeued := 0
	for _, j := range jobs {
		retryCount := 0
		if t, err := w.d.Tracks.Get(ctx, j.ResourceID); err == nil {
			retryCount = t.RetryCount
		}
		if err := w.d.Tracks.SetPending(ctx, j.ResourceID, retryCount); err != nil {
			slog.Error("feature pool failed to reset track to pending after crash", slog.String("resource_id", j.ResourceID), slog.Any("error", err))
			continue
		}
		if err := w.d.Queue.Push(ctx, w.d.QueueName, j); err != nil {
			slog.Error("feature pool failed to re-push job after crash", slog.String("resource_id", j.ResourceID), slog.Any("error", err))
			continue
		}
		requeued++
	}
	slog.Warn("feature pool re-queued tracks after crash", slog.Int("count", requeued), slog.String("reason", reason))
}

func (w *FeatureWorkerPool) checkPoolHealth() bool {
	w.mu.Lock()
	wp := w.wp
	active := w.poolActive
	w.mu.Unlock()
	if !active || wp == nil {
		return true
	}
	select {
	case <-wp.healthCheck():
		return true
	case <-time.After(5 * time.Second):
		return false
	}
}

func (w *FeatureWorkerPool) ensurePool() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.poolActive && w.wp != nil {
		return
	}
	slog.Info("feature pool starting worker pool", slog.Int("workers", w.currentWorkers))
	w.wp = newWorkerPool(w.currentWorkers)
	w.poolActive = true
}

func (w *FeatureWorkerPool) shutdownPool() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.poolActive || w.wp == nil {
		return
	}
	w.wp.shutdown()
	w.wp = nil
	w.poolActive = false
	debug.FreeOSMemory()
}

func (w *FeatureWorkerPool) recreatePool() {
	w.shutdownPool()
	w.ensurePool()
}

// applyPendingResize swaps in a freshly sized pool once a debounced resize
// request is ready, letting the old pool drain its in-flight work first.
func (w *FeatureWorkerPool) applyPendingResize() {
	target, ready := w.control.takeReadyResize(w.d.ResizeDebounce)
	if !ready {
		return
	}
	if target < w.d.MinWorkers {
		target = w.d.MinWorkers
	}
	if target > w.d.MaxWorkers {
		target = w.d.MaxWorkers
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if target == w.currentWorkers {
		return
	}
	old := w.wp
	wasActive := w.poolActive
	if wasActive {
		w.wp = newWorkerPool(target)
	}
	w.currentWorkers = target
	slog.Info("feature pool resized", slog.Int("workers", target))
	if wasActive && old != nil {
		old.shutdown()
	}
}

func sleep(ctx domain.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
