package modelstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists model artifacts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed artifact store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the model_artifacts table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS model_artifacts (
			id          TEXT NOT NULL,
			kind        TEXT NOT NULL CHECK (kind IN ('risk', 'anomaly')),
			algorithm   TEXT NOT NULL,
			payload     JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (kind, id)
		);

		CREATE INDEX IF NOT EXISTS idx_model_artifacts_latest
			ON model_artifacts (kind, created_at DESC);
	`)
	return err
}

func (s *PostgresStore) Save(ctx context.Context, a *Artifact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_artifacts (id, kind, algorithm, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`,
		a.ID,
		string(a.Kind),
		a.Algorithm,
		[]byte(a.Payload),
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save model artifact: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, kind Kind, id string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, algorithm, payload, created_at
		FROM model_artifacts
		WHERE kind = $1 AND id = $2
	`, string(kind), id)
	return scanArtifact(row)
}

func (s *PostgresStore) Latest(ctx context.Context, kind Kind) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, algorithm, payload, created_at
		FROM model_artifacts
		WHERE kind = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, string(kind))
	return scanArtifact(row)
}

func (s *PostgresStore) List(ctx context.Context, kind Kind, limit int) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, algorithm, payload, created_at
		FROM model_artifacts
		WHERE kind = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list model artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Artifact
	for rows.Next() {
		var a Artifact
		var kind string
		if err := rows.Scan(&a.ID, &kind, &a.Algorithm, (*[]byte)(&a.Payload), &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan model artifact: %w", err)
		}
		a.Kind = Kind(kind)
		result = append(result, &a)
	}
	return result, rows.Err()
}

func scanArtifact(row *sql.Row) (*Artifact, error) {
	var a Artifact
	var kind string
	if err := row.Scan(&a.ID, &kind, &a.Algorithm, (*[]byte)(&a.Payload), &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrArtifactNotFound
		}
		return nil, fmt.Errorf("failed to load model artifact: %w", err)
	}
	a.Kind = Kind(kind)
	return &a, nil
}
