package pool

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/soundsidecar/internal/domain"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs []domain.Job
}

func (f *fakeQueue) Push(ctx domain.Context, queue string, j domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, j)
	return nil
}

func (f *fakeQueue) BlockingPop(ctx domain.Context, queue string, timeout time.Duration) (domain.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		// Wait out the timeout like a real blocking pop, without holding the lock.
		f.mu.Unlock()
		time.Sleep(timeout)
		f.mu.Lock()
		return domain.Job{}, false, nil
	}
	j := f.jobs[0]
	f.jobs = f.jobs[1:]
	return j, true, nil
}

func (f *fakeQueue) DrainNonBlocking(ctx domain.Context, queue string, max int) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if max <= 0 || len(f.jobs) == 0 {
		return nil, nil
	}
	if max > len(f.jobs) {
		max = len(f.jobs)
	}
	out := append([]domain.Job(nil), f.jobs[:max]...)
	f.jobs = f.jobs[max:]
	return out, nil
}

func (f *fakeQueue) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type fakeTracks struct {
	mu   sync.Mutex
	rows map[string]domain.Track
}

func newFakeTracks() *fakeTracks { return &fakeTracks{rows: map[string]domain.Track{}} }

func (f *fakeTracks) put(t domain.Track) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[t.ResourceID] = t
}

func (f *fakeTracks) get(id string) domain.Track {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id]
}

func (f *fakeTracks) Upsert(ctx domain.Context, t domain.Track) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[t.ResourceID] = t
	return nil
}

func (f *fakeTracks) Get(ctx domain.Context, resourceID string) (domain.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[resourceID]
	if !ok {
		return domain.Track{}, domain.ErrNotFound
	}
	return t, nil
}

func (f *fakeTracks) SetProcessing(ctx domain.Context, ids []string, startedAt time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, id := range ids {
		t, ok := f.rows[id]
		if !ok {
			continue
		}
		if t.Status == domain.TrackPending || t.Status == domain.TrackProcessing {
			t.Status = domain.TrackProcessing
			ts := startedAt
			t.StartedAt = &ts
			f.rows[id] = t
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeTracks) SetCompleted(ctx domain.Context, resourceID string, feat domain.Features, modelVersion string, analyzedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.rows[resourceID]
	t.Status = domain.TrackCompleted
	t.Features = feat
	t.ModelVersion = modelVersion
	t.AnalyzedAt = &analyzedAt
	t.ErrorMessage = nil
	f.rows[resourceID] = t
	return nil
}

func (f *fakeTracks) SetFailed(ctx domain.Context, resourceID string, errMsg string, retryCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.rows[resourceID]
	t.Status = domain.TrackFailed
	t.ErrorMessage = &errMsg
	t.RetryCount = retryCount
	f.rows[resourceID] = t
	return nil
}

func (f *fakeTracks) SetPending(ctx domain.Context, resourceID string, retryCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.rows[resourceID]
	t.Status = domain.TrackPending
	t.StartedAt = nil
	t.RetryCount = retryCount
	f.rows[resourceID] = t
	return nil
}

func (f *fakeTracks) ListByStatus(ctx domain.Context, status domain.TrackStatus, limit int) ([]domain.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Track
	for _, t := range f.rows {
		if t.Status == status {
			out = append(out, t)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeTracks) ListStaleProcessing(ctx domain.Context, olderThan time.Time, limit int) ([]domain.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Track
	for _, t := range f.rows {
		if t.Status != domain.TrackProcessing {
			continue
		}
		ts := t.UpdatedAt
		if t.StartedAt != nil {
			ts = *t.StartedAt
		}
		if ts.Before(olderThan) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTracks) MarkEmbeddingCompleted(ctx domain.Context, resourceID, modelVersion string, analyzedAt time.Time) error {
	return nil
}

func (f *fakeTracks) MarkReclaimed(ctx domain.Context, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.rows[resourceID]
	t.Status = domain.TrackCompleted
	t.ErrorMessage = nil
	t.StartedAt = nil
	f.rows[resourceID] = t
	return nil
}

type fakeEmbeddings struct {
	mu     sync.Mutex
	exists map[string]bool
}

func newFakeEmbeddings() *fakeEmbeddings { return &fakeEmbeddings{exists: map[string]bool{}} }

func (f *fakeEmbeddings) Upsert(ctx domain.Context, e domain.Embedding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exists[e.ResourceID] = true
	return nil
}
func (f *fakeEmbeddings) Exists(ctx domain.Context, resourceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists[resourceID], nil
}
func (f *fakeEmbeddings) Get(ctx domain.Context, resourceID string) (domain.Embedding, error) {
	return domain.Embedding{}, nil
}

type fakeFailures struct {
	mu        sync.Mutex
	upserts   int
	resolved  int
}

func (f *fakeFailures) Upsert(ctx domain.Context, fl domain.Failure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	return nil
}
func (f *fakeFailures) Resolve(ctx domain.Context, entityType, entityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved++
	return nil
}

type fakeAnalyzer struct {
	err   error
	panic bool
	delay time.Duration
	calls int
	mu    sync.Mutex
}

func (f *fakeAnalyzer) Analyze(ctx domain.Context, samples []float32, sampleRate int) (domain.Features, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.panic {
		panic("simulated worker crash")
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return domain.Features{}, f.err
	}
	return domain.Features{BPM: 120, Key: "C", Mode: domain.ModeEnhanced}, nil
}

func newTestPool(t *testing.T, q *fakeQueue, tracks *fakeTracks, embeddings *fakeEmbeddings, failures *fakeFailures, analyzer *fakeAnalyzer, dir string) *FeatureWorkerPool {
	t.Helper()
	return New(Deps{
		Queue: q, Tracks: tracks, Embeddings: embeddings, Failures: failures, Analyzer: analyzer,
		MountRoot: dir, QueueName: "audio:analysis:queue",
		MinWorkers: 1, MaxWorkers: 2, InitialWorkers: 1,
		BatchSize: 4, BatchTimeout: 200 * time.Millisecond, IdleTimeout: time.Hour,
		SleepInterval: 5 * time.Millisecond, MaxRetries: 3, StalenessWindow: time.Hour,
		ResizeDebounce: 5 * time.Millisecond, MinAudioSeconds: 1, AudioWindowSeconds: 4,
	})
}

func runUntilQueueDrained(w *FeatureWorkerPool, q *fakeQueue) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for q.size() > 0 {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	w.Run(ctx)
}

func TestFeatureWorkerPool_HappyPath(t *testing.T) {
	dir := t.TempDir()
	rel := writeTestWAV(t, dir, "t1.wav")

	q := &fakeQueue{jobs: []domain.Job{{ResourceID: "t1", FilePath: rel}}}
	tracks := newFakeTracks()
	tracks.put(domain.Track{ResourceID: "t1", FilePath: rel, Status: domain.TrackPending})
	embeddings := newFakeEmbeddings()
	failures := &fakeFailures{}
	analyzer := &fakeAnalyzer{}

	w := newTestPool(t, q, tracks, embeddings, failures, analyzer, dir)
	runUntilQueueDrained(w, q)

	got := tracks.get("t1")
	assert.Equal(t, domain.TrackCompleted, got.Status)
	assert.Equal(t, 120.0, got.Features.BPM)
	assert.Equal(t, 0, failures.upserts)
}

func TestFeatureWorkerPool_ValidationErrorIsRecoverable(t *testing.T) {
	dir := t.TempDir()
	rel := writeTestWAV(t, dir, "t2.wav")

	q := &fakeQueue{jobs: []domain.Job{{ResourceID: "t2", FilePath: rel}}}
	tracks := newFakeTracks()
	tracks.put(domain.Track{ResourceID: "t2", FilePath: rel, Status: domain.TrackPending, RetryCount: 0})
	embeddings := newFakeEmbeddings()
	failures := &fakeFailures{}
	analyzer := &fakeAnalyzer{err: fmt.Errorf("audio is more than 80%% silence")}

	w := newTestPool(t, q, tracks, embeddings, failures, analyzer, dir)
	runUntilQueueDrained(w, q)

	got := tracks.get("t2")
	assert.Equal(t, domain.TrackFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount, "a recoverable failure should consume exactly one retry")
}

func TestFeatureWorkerPool_PermanentErrorExhaustsRetryBudget(t *testing.T) {
	dir := t.TempDir()
	rel := writeTestWAV(t, dir, "t3.wav")

	q := &fakeQueue{jobs: []domain.Job{{ResourceID: "t3", FilePath: rel}}}
	tracks := newFakeTracks()
	tracks.put(domain.Track{ResourceID: "t3", FilePath: rel, Status: domain.TrackPending})
	embeddings := newFakeEmbeddings()
	failures := &fakeFailures{}
	analyzer := &fakeAnalyzer{err: fmt.Errorf("unsupported format: codec not recognized")}

	w := newTestPool(t, q, tracks, embeddings, failures, analyzer, dir)
	runUntilQueueDrained(w, q)

	got := tracks.get("t3")
	assert.Equal(t, domain.TrackFailed, got.Status)
	assert.Equal(t, w.d.MaxRetries, got.RetryCount, "a permanent failure should exhaust the retry budget immediately")
}

func TestFeatureWorkerPool_CrashRequeuesWithoutConsumingBudget(t *testing.T) {
	dir := t.TempDir()
	rel := writeTestWAV(t, dir, "t4.wav")

	q := &fakeQueue{jobs: []domain.Job{{ResourceID: "t4", FilePath: rel}}}
	tracks := newFakeTracks()
	tracks.put(domain.Track{ResourceID: "t4", FilePath: rel, Status: domain.TrackPending, RetryCount: 1})
	embeddings := newFakeEmbeddings()
	failures := &fakeFailures{}
	analyzer := &fakeAnalyzer{panic: true}

	w := newTestPool(t, q, tracks, embeddings, failures, analyzer, dir)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if tracks.get("t4").Status == domain.TrackPending && q.size() > 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	w.Run(ctx)

	got := tracks.get("t4")
	assert.Equal(t, domain.TrackPending, got.Status)
	assert.Equal(t, 1, got.RetryCount, "a pool crash must not consume retry budget")
	assert.Equal(t, 1, q.size(), "the crashed job must be re-pushed onto the queue")
}

func TestFeatureWorkerPool_BatchTimeoutMarksPermanentFailure(t *testing.T) {
	dir := t.TempDir()
	rel := writeTestWAV(t, dir, "t5.wav")

	q := &fakeQueue{jobs: []domain.Job{{ResourceID: "t5", FilePath: rel}}}
	tracks := newFakeTracks()
	tracks.put(domain.Track{ResourceID: "t5", FilePath: rel, Status: domain.TrackPending})
	embeddings := newFakeEmbeddings()
	failures := &fakeFailures{}
	analyzer := &fakeAnalyzer{delay: 500 * time.Millisecond}

	w := New(Deps{
		Queue: q, Tracks: tracks, Embeddings: embeddings, Failures: failures, Analyzer: analyzer,
		MountRoot: dir, QueueName: "audio:analysis:queue",
		MinWorkers: 1, MaxWorkers: 1, InitialWorkers: 1,
		BatchSize: 1, BatchTimeout: 20 * time.Millisecond, IdleTimeout: time.Hour,
		SleepInterval: 5 * time.Millisecond, MaxRetries: 3, StalenessWindow: time.Hour,
		ResizeDebounce: 5 * time.Millisecond, MinAudioSeconds: 1, AudioWindowSeconds: 4,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if tracks.get("t5").Status == domain.TrackFailed {
				break
			}
			time.Sleep(time.Millisecond)
		}
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	w.Run(ctx)

	got := tracks.get("t5")
	assert.Equal(t, domain.TrackFailed, got.Status)
	assert.Equal(t, w.d.MaxRetries, got.RetryCount, "a batch timeout should exhaust the retry budget like a permanent failure")
}

func TestFeatureWorkerPool_CleanupReclaimsStaleProcessingWithEmbedding(t *testing.T) {
	tracks := newFakeTracks()
	old := time.Now().Add(-time.Hour)
	tracks.put(domain.Track{ResourceID: "r1", Status: domain.TrackProcessing, StartedAt: &old, UpdatedAt: old})
	embeddings := newFakeEmbeddings()
	embeddings.exists["r1"] = true

	w := New(Deps{Tracks: tracks, Embeddings: embeddings, Failures: &fakeFailures{}, MaxRetries: 3, StalenessWindow: 15 * time.Minute})
	w.cleanupStaleProcessing(context.Background())

	assert.Equal(t, domain.TrackCompleted, tracks.get("r1").Status)
}

func TestFeatureWorkerPool_CleanupResetsStaleProcessingWithoutEmbedding(t *testing.T) {
	tracks := newFakeTracks()
	old := time.Now().Add(-time.Hour)
	tracks.put(domain.Track{ResourceID: "r2", Status: domain.TrackProcessing, StartedAt: &old, UpdatedAt: old, RetryCount: 0})
	embeddings := newFakeEmbeddings()

	w := New(Deps{Tracks: tracks, Embeddings: embeddings, Failures: &fakeFailures{}, MaxRetries: 3, StalenessWindow: 15 * time.Minute})
	w.cleanupStaleProcessing(context.Background())

	got := tracks.get("r2")
	assert.Equal(t, domain.TrackPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestFeatureWorkerPool_RetryFailedTracksRecoversWithEmbedding(t *testing.T) {
	tracks := newFakeTracks()
	tracks.put(domain.Track{ResourceID: "r3", Status: domain.TrackFailed, RetryCount: 2})
	embeddings := newFakeEmbeddings()
	embeddings.exists["r3"] = true

	w := New(Deps{Tracks: tracks, Embeddings: embeddings, Failures: &fakeFailures{}, MaxRetries: 3})
	w.retryFailedTracks(context.Background())

	assert.Equal(t, domain.TrackCompleted, tracks.get("r3").Status)
}

func TestFeatureWorkerPool_RetryFailedTracksRequeuesUnderBudget(t *testing.T) {
	tracks := newFakeTracks()
	tracks.put(domain.Track{ResourceID: "r4", Status: domain.TrackFailed, RetryCount: 1})
	embeddings := newFakeEmbeddings()

	w := New(Deps{Tracks: tracks, Embeddings: embeddings, Failures: &fakeFailures{}, MaxRetries: 3})
	w.retryFailedTracks(context.Background())

	got := tracks.get("r4")
	assert.Equal(t, domain.TrackPending, got.Status)
	assert.Equal(t, 1, got.RetryCount, "retrying a failed track must not itself consume budget")
}

func TestFeatureWorkerPool_RetryFailedTracksLeavesExhaustedAlone(t *testing.T) {
	tracks := newFakeTracks()
	tracks.put(domain.Track{ResourceID: "r5", Status: domain.TrackFailed, RetryCount: 3})
	embeddings := newFakeEmbeddings()

	w := New(Deps{Tracks: tracks, Embeddings: embeddings, Failures: &fakeFailures{}, MaxRetries: 3})
	w.retryFailedTracks(context.Background())

	assert.Equal(t, domain.TrackFailed, tracks.get("r5").Status)
}

func TestFeatureWorkerPool_DBReconciliationClaimsAndQueuesPending(t *testing.T) {
	tracks := newFakeTracks()
	tracks.put(domain.Track{ResourceID: "r6", FilePath: "r6.wav", Status: domain.TrackPending})
	q := &fakeQueue{}

	w := New(Deps{Tracks: tracks, Queue: q, QueueName: "audio:analysis:queue", BatchSize: 4})
	found := w.runDBReconciliation(context.Background())

	require.True(t, found)
	assert.Equal(t, domain.TrackProcessing, tracks.get("r6").Status)
	require.Equal(t, 1, q.size())
}

func TestFeatureWorkerPool_ControlChannelPauseResume(t *testing.T) {
	w := New(Deps{Tracks: newFakeTracks(), Failures: &fakeFailures{}})
	applyControlMessage("pause", w.control)
	assert.True(t, w.control.isPaused())
	applyControlMessage("resume", w.control)
	assert.False(t, w.control.isPaused())
}

func TestFeatureWorkerPool_ControlChannelSetWorkers(t *testing.T) {
	w := New(Deps{Tracks: newFakeTracks(), Failures: &fakeFailures{}})
	applyControlMessage(`{"command":"set_workers","count":3}`, w.control)
	target, ready := w.control.takeReadyResize(0)
	require.True(t, ready)
	assert.Equal(t, 3, target)
}

func TestFeatureWorkerPool_ControlChannelSetWorkersClamped(t *testing.T) {
	w := New(Deps{Tracks: newFakeTracks(), Failures: &fakeFailures{}})
	applyControlMessage(`{"command":"set_workers","count":99}`, w.control)
	target, ready := w.control.takeReadyResize(0)
	require.True(t, ready)
	assert.Equal(t, 8, target)

	applyControlMessage(`{"command":"set_workers","count":0}`, w.control)
	target, ready = w.control.takeReadyResize(0)
	require.True(t, ready)
	assert.Equal(t, 1, target)
}

func TestFeatureWorkerPool_ControlChannelDebounce(t *testing.T) {
	w := New(Deps{Tracks: newFakeTracks(), Failures: &fakeFailures{}})
	applyControlMessage(`{"command":"set_workers","count":3}`, w.control)
	applyControlMessage(`{"command":"set_workers","count":5}`, w.control)
	applyControlMessage(`{"command":"set_workers","count":4}`, w.control)

	// Still inside the debounce window: nothing is ready yet.
	_, ready := w.control.takeReadyResize(time.Hour)
	assert.False(t, ready)

	// Once the window elapses, only the last request applies.
	target, ready := w.control.takeReadyResize(0)
	require.True(t, ready)
	assert.Equal(t, 4, target)

	// The pending state is consumed by the first ready read.
	_, ready = w.control.takeReadyResize(0)
	assert.False(t, ready)
}

func writeTestWAV(t *testing.T, dir, name string) string {
	t.Helper()
	path := dir + "/" + name
	sampleRate := 8000
	n := sampleRate * 6
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16((i%2000)*10 - 10000)
	}
	writeWAVFile(t, path, 1, sampleRate, samples)
	return name
}

func writeWAVFile(t *testing.T, path string, numChannels int, sampleRate int, samples []int16) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	dataSize := len(samples) * 2
	byteRate := sampleRate * numChannels * 2
	blockAlign := numChannels * 2

	write := func(b []byte) { _, err := f.Write(b); require.NoError(t, err) }
	writeU32 := func(v uint32) {
		b := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
		write(b)
	}
	writeU16 := func(v uint16) {
		b := []byte{byte(v), byte(v >> 8)}
		write(b)
	}

	write([]byte("RIFF"))
	writeU32(uint32(36 + dataSize))
	write([]byte("WAVE"))
	write([]byte("fmt "))
	writeU32(16)
	writeU16(1)
	writeU16(uint16(numChannels))
	writeU32(uint32(sampleRate))
	writeU32(uint32(byteRate))
	writeU16(uint16(blockAlign))
	writeU16(16)
	write([]byte("data"))
	writeU32(uint32(dataSize))
	for _, s := range samples {
		writeU16(uint16(s))
	}
}
