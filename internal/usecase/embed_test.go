package usecase_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/soundsidecar/internal/domain"
	"github.com/fairyhunter13/soundsidecar/internal/usecase"
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
		return domain.Job{}, false, nil
	}
	j := f.jobs[0]
	f.jobs = f.jobs[1:]
	return j, true, nil
}

func (f *fakeQueue) DrainNonBlocking(ctx domain.Context, queue string, max int) ([]domain.Job, error) {
	return nil, nil
}

type fakeHeartbeat struct{ calls int }

func (f *fakeHeartbeat) Heartbeat(ctx domain.Context, key string, at time.Time) error {
	f.calls++
	return nil
}

type fakeTracks struct {
	mu        sync.Mutex
	completed map[string]string
	failed    map[string]string
}

func newFakeTracks() *fakeTracks {
	return &fakeTracks{completed: map[string]string{}, failed: map[string]string{}}
}
func (f *fakeTracks) Upsert(ctx domain.Context, t domain.Track) error { return nil }
func (f *fakeTracks) Get(ctx domain.Context, resourceID string) (domain.Track, error) {
	return domain.Track{}, nil
}
func (f *fakeTracks) SetProcessing(ctx domain.Context, ids []string, startedAt time.Time) ([]string, error) {
	return ids, nil
}
func (f *fakeTracks) SetCompleted(ctx domain.Context, resourceID string, feat domain.Features, modelVersion string, analyzedAt time.Time) error {
	return nil
}
func (f *fakeTracks) SetFailed(ctx domain.Context, resourceID string, errMsg string, retryCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[resourceID] = errMsg
	return nil
}
func (f *fakeTracks) SetPending(ctx domain.Context, resourceID string, retryCount int) error { return nil }
func (f *fakeTracks) ListByStatus(ctx domain.Context, status domain.TrackStatus, limit int) ([]domain.Track, error) {
	return nil, nil
}
func (f *fakeTracks) ListStaleProcessing(ctx domain.Context, olderThan time.Time, limit int) ([]domain.Track, error) {
	return nil, nil
}
func (f *fakeTracks) MarkEmbeddingCompleted(ctx domain.Context, resourceID, modelVersion string, analyzedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[resourceID] = modelVersion
	return nil
}
func (f *fakeTracks) MarkReclaimed(ctx domain.Context, resourceID string) error { return nil }

type fakeEmbeddings struct {
	mu    sync.Mutex
	saved map[string]domain.Embedding
}

func newFakeEmbeddings() *fakeEmbeddings { return &fakeEmbeddings{saved: map[string]domain.Embedding{}} }
func (f *fakeEmbeddings) Upsert(ctx domain.Context, e domain.Embedding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[e.ResourceID] = e
	return nil
}
func (f *fakeEmbeddings) Exists(ctx domain.Context, resourceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.saved[resourceID]
	return ok, nil
}
func (f *fakeEmbeddings) Get(ctx domain.Context, resourceID string) (domain.Embedding, error) {
	return domain.Embedding{}, nil
}

type fakeFailures struct {
	mu    sync.Mutex
	count int
}

func (f *fakeFailures) Upsert(ctx domain.Context, fl domain.Failure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return nil
}
func (f *fakeFailures) Resolve(ctx domain.Context, entityType, entityID string) error { return nil }

type fakeModel struct{}

func (fakeModel) EnsureLoaded(ctx domain.Context) error { return nil }
func (fakeModel) Unload()                               {}
func (fakeModel) EncodeAudio(ctx domain.Context, samples []float32, sampleRate int) ([domain.EmbeddingDim]float32, error) {
	var v [domain.EmbeddingDim]float32
	v[0] = float32(len(samples))
	return v, nil
}
func (fakeModel) EncodeText(ctx domain.Context, text string) ([domain.EmbeddingDim]float32, error) {
	return [domain.EmbeddingDim]float32{}, nil
}
func (fakeModel) ModelVersion() string { return "clap-v1" }

func writeTestWAV(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	// 16-bit PCM mono WAV, ~6s of non-silent, non-trivial samples.
	sampleRate := 8000
	n := sampleRate * 6
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16((i%2000)*10 - 10000)
	}
	writeWAVFile(t, path, 1, sampleRate, samples)
	return "track.wav"
}

func TestEmbedWorker_HappyPath(t *testing.T) {
	dir := t.TempDir()
	rel := writeTestWAV(t, dir, "track.wav")

	q := &fakeQueue{}
	hb := &fakeHeartbeat{}
	tracks := newFakeTracks()
	embeddings := newFakeEmbeddings()
	failures := &fakeFailures{}

	w := usecase.NewEmbedWorker(usecase.EmbedWorkerDeps{
		Queue: q, Heartbeat: hb, Tracks: tracks, Embeddings: embeddings, Failures: failures,
		Model: fakeModel{}, MountRoot: dir, QueueName: "audio:clap:queue", HeartbeatKey: "audio:worker:heartbeat",
		SleepInterval: 10 * time.Millisecond, MinAudioSeconds: 1, AudioWindowSeconds: 4,
	})

	hint := 6.0
	q.jobs = append(q.jobs, domain.Job{ResourceID: "t1", FilePath: rel, DurationHint: &hint})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for len(q.jobs) > 0 {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	w.Run(ctx)

	assert.Equal(t, "clap-v1", tracks.completed["t1"])
	_, exists := embeddings.saved["t1"]
	assert.True(t, exists)
	assert.Equal(t, 0, failures.count)
}

func TestEmbedWorker_MissingFileMarksFailed(t *testing.T) {
	dir := t.TempDir()
	q := &fakeQueue{jobs: []domain.Job{{ResourceID: "t2", FilePath: "missing.wav"}}}
	hb := &fakeHeartbeat{}
	tracks := newFakeTracks()
	embeddings := newFakeEmbeddings()
	failures := &fakeFailures{}

	w := usecase.NewEmbedWorker(usecase.EmbedWorkerDeps{
		Queue: q, Heartbeat: hb, Tracks: tracks, Embeddings: embeddings, Failures: failures,
		Model: fakeModel{}, MountRoot: dir, QueueName: "audio:clap:queue", HeartbeatKey: "audio:worker:heartbeat",
		SleepInterval: 10 * time.Millisecond, MinAudioSeconds: 1, AudioWindowSeconds: 4,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for len(q.jobs) > 0 {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	w.Run(ctx)

	require.Contains(t, tracks.failed, "t2")
	assert.Equal(t, 1, failures.count)
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
