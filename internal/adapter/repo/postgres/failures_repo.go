package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/soundsidecar/internal/domain"
)

// FailureRepo persists durable failure rows, upserting on conflict per
// (entityType, entityId).
type FailureRepo struct{ Pool PgxPool }

// NewFailureRepo constructs a FailureRepo with the given pool.
func NewFailureRepo(p PgxPool) *FailureRepo { return &FailureRepo{Pool: p} }

// Upsert inserts a failure row or, on conflict, increments retryCount, bumps
// timestamps, and clears resolved/skipped.
func (r *FailureRepo) Upsert(ctx domain.Context, f domain.Failure) error {
	tracer := otel.Tracer("repo.failures")
	ctx, span := tracer.Start(ctx, "failures.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", "failures"),
	)
	if len(f.ErrorMessage) > 500 {
		f.ErrorMessage = f.ErrorMessage[:500]
	}
	meta, err := json.Marshal(f.Metadata)
	if err != nil {
		return fmt.Errorf("op=failure.marshal_metadata: %w", err)
	}
	q := `INSERT INTO failures (entity_type, entity_id, error_message, last_failed_at, retry_count, resolved, skipped, metadata)
	      VALUES ($1,$2,$3,$4,1,false,false,$5)
	      ON CONFLICT (entity_type, entity_id) DO UPDATE SET
	        error_message=EXCLUDED.error_message,
	        last_failed_at=EXCLUDED.last_failed_at,
	        retry_count=failures.retry_count + 1,
	        resolved=false,
	        skipped=false,
	        metadata=EXCLUDED.metadata`
	_, err = r.Pool.Exec(ctx, q, f.EntityType, f.EntityID, f.ErrorMessage, time.Now().UTC(), meta)
	if err != nil {
		return fmt.Errorf("op=failure.upsert: %w", err)
	}
	return nil
}

// Resolve marks a failure row resolved (used when a track's completion is
// reconciled after a prior failure, e.g. the feature pool's maintenance tick).
func (r *FailureRepo) Resolve(ctx domain.Context, entityType, entityID string) error {
	tracer := otel.Tracer("repo.failures")
	ctx, span := tracer.Start(ctx, "failures.Resolve")
	defer span.End()
	q := `UPDATE failures SET resolved=true WHERE entity_type=$1 AND entity_id=$2`
	_, err := r.Pool.Exec(ctx, q, entityType, entityID)
	if err != nil {
		return fmt.Errorf("op=failure.resolve: %w", err)
	}
	return nil
}
