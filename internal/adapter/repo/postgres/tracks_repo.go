package postgres

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/soundsidecar/internal/domain"
)

// TrackRepo persists and loads track rows from PostgreSQL using a minimal pgx pool.
type TrackRepo struct{ Pool PgxPool }

// NewTrackRepo constructs a TrackRepo with the given pool.
func NewTrackRepo(p PgxPool) *TrackRepo { return &TrackRepo{Pool: p} }

// Upsert inserts a track row or updates it if the resource already has one.
func (r *TrackRepo) Upsert(ctx domain.Context, t domain.Track) error {
	tracer := otel.Tracer("repo.tracks")
	ctx, span := tracer.Start(ctx, "tracks.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", "tracks"),
	)
	q := `INSERT INTO tracks (resource_id, file_path, status, started_at, retry_count, error_message, model_version, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	      ON CONFLICT (resource_id) DO UPDATE SET
	        file_path=EXCLUDED.file_path, status=EXCLUDED.status, started_at=EXCLUDED.started_at, retry_count=EXCLUDED.retry_count,
	        error_message=EXCLUDED.error_message, model_version=EXCLUDED.model_version, updated_at=EXCLUDED.updated_at`
	_, err := r.Pool.Exec(ctx, q, t.ResourceID, t.FilePath, t.Status, t.StartedAt, t.RetryCount, t.ErrorMessage, t.ModelVersion, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=track.upsert: %w", err)
	}
	return nil
}

// Get loads a track row by resource id.
func (r *TrackRepo) Get(ctx domain.Context, resourceID string) (domain.Track, error) {
	tracer := otel.Tracer("repo.tracks")
	ctx, span := tracer.Start(ctx, "tracks.Get")
	defer span.End()
	q := `SELECT resource_id, file_path, status, started_at, retry_count, error_message, model_version, analyzed_at, updated_at
	      FROM tracks WHERE resource_id=$1`
	row := r.Pool.QueryRow(ctx, q, resourceID)
	var t domain.Track
	if err := row.Scan(&t.ResourceID, &t.FilePath, &t.Status, &t.StartedAt, &t.RetryCount, &t.ErrorMessage, &t.ModelVersion, &t.AnalyzedAt, &t.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Track{}, fmt.Errorf("op=track.get: %w", domain.ErrNotFound)
		}
		return domain.Track{}, fmt.Errorf("op=track.get: %w", err)
	}
	return t, nil
}

// SetProcessing atomically transitions rows that are pending or processing
// into processing with a fresh startedAt, and returns the resource ids that
// actually transitioned. Callers must skip entries whose row did not
// transition (per the feature-extraction pool's batch-assembly contract).
func (r *TrackRepo) SetProcessing(ctx domain.Context, resourceIDs []string, startedAt time.Time) ([]string, error) {
	tracer := otel.Tracer("repo.tracks")
	ctx, span := tracer.Start(ctx, "tracks.SetProcessing")
	defer span.End()
	if len(resourceIDs) == 0 {
		return nil, nil
	}
	q := `UPDATE tracks SET status='processing', started_at=$2, updated_at=$2
	      WHERE resource_id = ANY($1) AND status IN ('pending','processing')
	      RETURNING resource_id`
	rows, err := r.Pool.Query(ctx, q, resourceIDs, startedAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=track.set_processing: %w", err)
	}
	defer rows.Close()
	var transitioned []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=track.set_processing_scan: %w", err)
		}
		transitioned = append(transitioned, id)
	}
	return transitioned, rows.Err()
}

// SetCompleted records successful analysis features and flips status to completed.
func (r *TrackRepo) SetCompleted(ctx domain.Context, resourceID string, f domain.Features, modelVersion string, analyzedAt time.Time) error {
	tracer := otel.Tracer("repo.tracks")
	ctx, span := tracer.Start(ctx, "tracks.SetCompleted")
	defer span.End()
	q := `UPDATE tracks SET status='completed', error_message=NULL, bpm=$2, key=$3, scale=$4, energy=$5,
	      danceability=$6, valence=$7, arousal=$8, mood_tags=$9, mode=$10, model_version=$11, analyzed_at=$12, updated_at=$12
	      WHERE resource_id=$1`
	_, err := r.Pool.Exec(ctx, q, resourceID, f.BPM, f.Key, f.Scale, f.Energy, f.Danceability, f.Valence, f.Arousal,
		f.MoodTags, string(f.Mode), modelVersion, analyzedAt.UTC())
	if err != nil {
		return fmt.Errorf("op=track.set_completed: %w", err)
	}
	slog.Info("track analysis completed", slog.String("resource_id", resourceID), slog.String("model_version", modelVersion))
	return nil
}

// MarkEmbeddingCompleted flips status to completed after a successful
// embedding-only job, leaving feature-analysis columns untouched.
func (r *TrackRepo) MarkEmbeddingCompleted(ctx domain.Context, resourceID, modelVersion string, analyzedAt time.Time) error {
	tracer := otel.Tracer("repo.tracks")
	ctx, span := tracer.Start(ctx, "tracks.MarkEmbeddingCompleted")
	defer span.End()
	q := `UPDATE tracks SET status='completed', error_message=NULL, model_version=$2, analyzed_at=$3, updated_at=$3 WHERE resource_id=$1`
	_, err := r.Pool.Exec(ctx, q, resourceID, modelVersion, analyzedAt.UTC())
	if err != nil {
		return fmt.Errorf("op=track.mark_embedding_completed: %w", err)
	}
	slog.Info("track embedding completed", slog.String("resource_id", resourceID), slog.String("model_version", modelVersion))
	return nil
}

// MarkReclaimed flips a processing-or-failed row back to completed, clearing
// error and startedAt, without touching feature columns or model version.
func (r *TrackRepo) MarkReclaimed(ctx domain.Context, resourceID string) error {
	tracer := otel.Tracer("repo.tracks")
	ctx, span := tracer.Start(ctx, "tracks.MarkReclaimed")
	defer span.End()
	q := `UPDATE tracks SET status='completed', error_message=NULL, started_at=NULL, updated_at=$2 WHERE resource_id=$1`
	_, err := r.Pool.Exec(ctx, q, resourceID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=track.mark_reclaimed: %w", err)
	}
	slog.Info("track reclaimed via existing embedding", slog.String("resource_id", resourceID))
	return nil
}

// SetFailed records a recoverable or permanent failure and sets retry_count
// to the given retryCount; the caller computes the new count.
func (r *TrackRepo) SetFailed(ctx domain.Context, resourceID string, errMsg string, retryCount int) error {
	tracer := otel.Tracer("repo.tracks")
	ctx, span := tracer.Start(ctx, "tracks.SetFailed")
	defer span.End()
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	q := `UPDATE tracks SET status='failed', error_message=$2, retry_count=$3, updated_at=$4 WHERE resource_id=$1`
	_, err := r.Pool.Exec(ctx, q, resourceID, errMsg, retryCount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=track.set_failed: %w", err)
	}
	slog.Warn("track analysis failed", slog.String("resource_id", resourceID), slog.Int("retry_count", retryCount), slog.String("error", errMsg))
	return nil
}

// SetPending resets a row back to pending (requeue), clearing startedAt.
func (r *TrackRepo) SetPending(ctx domain.Context, resourceID string, retryCount int) error {
	tracer := otel.Tracer("repo.tracks")
	ctx, span := tracer.Start(ctx, "tracks.SetPending")
	defer span.End()
	q := `UPDATE tracks SET status='pending', started_at=NULL, retry_count=$2, updated_at=$3 WHERE resource_id=$1`
	_, err := r.Pool.Exec(ctx, q, resourceID, retryCount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=track.set_pending: %w", err)
	}
	return nil
}

// ListByStatus pages through tracks with the given status, oldest updated first.
func (r *TrackRepo) ListByStatus(ctx domain.Context, status domain.TrackStatus, limit int) ([]domain.Track, error) {
	tracer := otel.Tracer("repo.tracks")
	ctx, span := tracer.Start(ctx, "tracks.ListByStatus")
	defer span.End()
	q := `SELECT resource_id, file_path, status, started_at, retry_count, error_message, model_version, analyzed_at, updated_at
	      FROM tracks WHERE status=$1 ORDER BY updated_at ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, status, limit)
	if err != nil {
		return nil, fmt.Errorf("op=track.list_by_status: %w", err)
	}
	defer rows.Close()
	return scanTracks(rows)
}

// ListStaleProcessing returns processing rows whose startedAt (or updatedAt
// when startedAt is null) is older than the given cutoff.
func (r *TrackRepo) ListStaleProcessing(ctx domain.Context, olderThan time.Time, limit int) ([]domain.Track, error) {
	tracer := otel.Tracer("repo.tracks")
	ctx, span := tracer.Start(ctx, "tracks.ListStaleProcessing")
	defer span.End()
	q := `SELECT resource_id, file_path, status, started_at, retry_count, error_message, model_version, analyzed_at, updated_at
	      FROM tracks WHERE status='processing'
	        AND COALESCE(started_at, updated_at) < $1
	      ORDER BY updated_at ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, olderThan.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=track.list_stale_processing: %w", err)
	}
	defer rows.Close()
	return scanTracks(rows)
}

func scanTracks(rows pgx.Rows) ([]domain.Track, error) {
	var out []domain.Track
	for rows.Next() {
		var t domain.Track
		if err := rows.Scan(&t.ResourceID, &t.FilePath, &t.Status, &t.StartedAt, &t.RetryCount, &t.ErrorMessage, &t.ModelVersion, &t.AnalyzedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=track.scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
