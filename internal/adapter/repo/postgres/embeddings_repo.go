package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/soundsidecar/internal/domain"
)

// EmbeddingRepo persists and loads embedding rows from PostgreSQL.
type EmbeddingRepo struct{ Pool PgxPool }

// NewEmbeddingRepo constructs an EmbeddingRepo with the given pool.
func NewEmbeddingRepo(p PgxPool) *EmbeddingRepo { return &EmbeddingRepo{Pool: p} }

// Upsert stores a resource's embedding vector, replacing any prior vector.
func (r *EmbeddingRepo) Upsert(ctx domain.Context, e domain.Embedding) error {
	tracer := otel.Tracer("repo.embeddings")
	ctx, span := tracer.Start(ctx, "embeddings.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", "embeddings"),
	)
	q := `INSERT INTO embeddings (resource_id, vector, model_version, analyzed_at)
	      VALUES ($1,$2,$3,$4)
	      ON CONFLICT (resource_id) DO UPDATE SET
	        vector=EXCLUDED.vector, model_version=EXCLUDED.model_version, analyzed_at=EXCLUDED.analyzed_at`
	_, err := r.Pool.Exec(ctx, q, e.ResourceID, e.Vector[:], e.ModelVersion, e.AnalyzedAt)
	if err != nil {
		return fmt.Errorf("op=embedding.upsert: %w", err)
	}
	return nil
}

// Exists reports whether a resource already has a committed embedding.
func (r *EmbeddingRepo) Exists(ctx domain.Context, resourceID string) (bool, error) {
	tracer := otel.Tracer("repo.embeddings")
	ctx, span := tracer.Start(ctx, "embeddings.Exists")
	defer span.End()
	q := `SELECT 1 FROM embeddings WHERE resource_id=$1`
	row := r.Pool.QueryRow(ctx, q, resourceID)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("op=embedding.exists: %w", err)
	}
	return true, nil
}

// Get loads a resource's embedding.
func (r *EmbeddingRepo) Get(ctx domain.Context, resourceID string) (domain.Embedding, error) {
	tracer := otel.Tracer("repo.embeddings")
	ctx, span := tracer.Start(ctx, "embeddings.Get")
	defer span.End()
	q := `SELECT resource_id, vector, model_version, analyzed_at FROM embeddings WHERE resource_id=$1`
	row := r.Pool.QueryRow(ctx, q, resourceID)
	var e domain.Embedding
	var vec []float32
	if err := row.Scan(&e.ResourceID, &vec, &e.ModelVersion, &e.AnalyzedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Embedding{}, fmt.Errorf("op=embedding.get: %w", domain.ErrNotFound)
		}
		return domain.Embedding{}, fmt.Errorf("op=embedding.get: %w", err)
	}
	copy(e.Vector[:], vec)
	return e, nil
}
