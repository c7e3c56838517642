package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/saltfish/freqevolve/internal/db"
)

const checkpointTable = "evolution_checkpoints"

// PostgresStore keeps each checkpoint document as a JSONB row keyed by
// document name.
type PostgresStore struct {
	documents
	pool *db.Pool
}

// NewPostgresStore creates a PostgresStore and makes sure its table exists.
func NewPostgresStore(ctx context.Context, pool *db.Pool, logger *zap.Logger) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	s.documents = documents{backend: &postgresBackend{pool: pool, logger: logger}}

	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	logger.Info("Postgres checkpoint store ready", zap.String("table", checkpointTable))
	return s, nil
}

// EnsureSchema creates the checkpoint table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	return s.pool.Migrate(ctx, `
		CREATE TABLE IF NOT EXISTS `+checkpointTable+` (
			name       TEXT PRIMARY KEY,
			version    INTEGER NOT NULL,
			payload    JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
}

type postgresBackend struct {
	pool   *db.Pool
	logger *zap.Logger
}

func (b *postgresBackend) put(ctx context.Context, name string, data []byte) error {
	query := `
		INSERT INTO ` + checkpointTable + ` (name, version, payload, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (name) DO UPDATE
		SET version = EXCLUDED.version,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at`

	if _, err := b.pool.Exec(ctx, query, name, CodecVersion, data); err != nil {
		return fmt.Errorf("failed to save %s: %w", name, err)
	}

	b.logger.Debug("Checkpoint document saved",
		zap.String("document", name),
		zap.Int("bytes", len(data)),
	)
	return nil
}

func (b *postgresBackend) get(ctx context.Context, name string) ([]byte, error) {
	query := `SELECT payload FROM ` + checkpointTable + ` WHERE name = $1`

	var data []byte
	err := b.pool.QueryRow(ctx, query, name).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", name, err)
	}
	return data, nil
}

// Ensure interface compliance
var _ Checkpointer = (*PostgresStore)(nil)
