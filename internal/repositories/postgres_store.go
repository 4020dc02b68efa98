package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

// PostgresStore keeps snapshots as JSONB rows in the snapshots table.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore constructs a PostgresStore on an already migrated database.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Load fetches the snapshot body for collection.
func (s *PostgresStore) Load(ctx context.Context, collection string) ([]byte, error) {
	var body []byte
	err := s.db.GetContext(ctx, &body, `SELECT body FROM snapshots WHERE collection=$1`, collection)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	return body, err
}

// Save upserts the snapshot body for collection.
func (s *PostgresStore) Save(ctx context.Context, collection string, body []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO snapshots (collection, body, updated_at) VALUES ($1, $2, NOW())
        ON CONFLICT (collection) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`, collection, body)
	return err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
