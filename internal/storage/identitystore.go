// Package storage backs the two optional, off-box-persistence components
// layered on top of the core pipeline: a durable named identity library
// and a blob store for fleet-mode task I/O. Neither is imported by the
// in-process task.Facade path — only cmd/taskworker wires them in.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/yourorg/fswap/internal/config"
)

// Identity is the persisted identity record: a named, durable
// counterpart to a one-shot FaceSource.
type Identity struct {
	ID                 uuid.UUID
	Name               string
	Embedding          []float32
	ReferenceImageKey  string
	CreatedAt          time.Time
}

// IdentityStore wraps a pgxpool-and-pgvector connection narrowed to the
// single `identities` table the binder needs.
type IdentityStore struct {
	pool *pgxpool.Pool
}

// NewIdentityStore connects and pings the configured database.
func NewIdentityStore(cfg config.DatabaseConfig) (*IdentityStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &IdentityStore{pool: pool}, nil
}

func (s *IdentityStore) Close() {
	s.pool.Close()
}

func (s *IdentityStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Register persists a new named identity with its (already L2-normalized,
// emap-transformed) embedding and the blob-store key of its reference
// photo.
func (s *IdentityStore) Register(ctx context.Context, name string, embedding []float32, referenceImageKey string) (*Identity, error) {
	id := &Identity{
		ID:                uuid.New(),
		Name:              name,
		Embedding:         embedding,
		ReferenceImageKey: referenceImageKey,
	}
	vec := pgvector.NewVector(embedding)
	err := s.pool.QueryRow(ctx,
		`INSERT INTO identities (id, name, embedding, reference_image_key) VALUES ($1, $2, $3, $4) RETURNING created_at`,
		id.ID, id.Name, vec, id.ReferenceImageKey,
	).Scan(&id.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("register identity: %w", err)
	}
	return id, nil
}

// Lookup resolves an identity by name — the path a submitted task takes
// when it references an identity_id/name instead of inline reference
// bytes.
func (s *IdentityStore) Lookup(ctx context.Context, name string) (*Identity, error) {
	var id Identity
	var vec pgvector.Vector
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, embedding, reference_image_key, created_at FROM identities WHERE name = $1`, name,
	).Scan(&id.ID, &id.Name, &vec, &id.ReferenceImageKey, &id.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup identity %s: %w", name, err)
	}
	id.Embedding = vec.Slice()
	return &id, nil
}

// LookupByID resolves an identity by its uuid.
func (s *IdentityStore) LookupByID(ctx context.Context, id uuid.UUID) (*Identity, error) {
	var rec Identity
	var vec pgvector.Vector
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, embedding, reference_image_key, created_at FROM identities WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.Name, &vec, &rec.ReferenceImageKey, &rec.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup identity %s: %w", id, err)
	}
	rec.Embedding = vec.Slice()
	return &rec, nil
}

// SimilarIdentity is one row of a SearchSimilar result.
type SimilarIdentity struct {
	ID    uuid.UUID
	Name  string
	Score float32
}

// SearchSimilar finds the closest registered identities to embedding by
// pgvector cosine distance, narrowed to a single table with no
// collection scoping.
func (s *IdentityStore) SearchSimilar(ctx context.Context, embedding []float32, limit int) ([]SimilarIdentity, error) {
	if limit <= 0 {
		limit = 5
	}
	vec := pgvector.NewVector(embedding)

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, 1 - (embedding <=> $1) AS score
		 FROM identities
		 ORDER BY embedding <=> $1
		 LIMIT $2`,
		vec, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search similar identities: %w", err)
	}
	defer rows.Close()

	var matches []SimilarIdentity
	for rows.Next() {
		var m SimilarIdentity
		if err := rows.Scan(&m.ID, &m.Name, &m.Score); err != nil {
			return nil, fmt.Errorf("scan similar identity: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// Delete removes a registered identity.
func (s *IdentityStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("identity not found")
	}
	return nil
}
