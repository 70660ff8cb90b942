package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/chronicleworks/chronicle/event"
)

// NewPostgresStore returns a snapshot store on an existing connection,
// creating its table if needed
func NewPostgresStore(db *sqlx.DB) (*PostgresStore, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		stream_type VARCHAR(64) NOT NULL,
		stream_id VARCHAR(64) NOT NULL,
		version BIGINT NOT NULL,
		state BYTEA NOT NULL,
		taken_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (stream_type, stream_id)
	)`)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

type PostgresStore struct {
	db *sqlx.DB
}

func (s *PostgresStore) Save(ctx context.Context, snap Snapshot) error {
	takenAt := snap.TakenAt
	if takenAt.IsZero() {
		takenAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (stream_type, stream_id, version, state, taken_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (stream_type, stream_id)
		DO UPDATE SET version = $3, state = $4, taken_at = $5
		WHERE snapshots.version < $3`,
		snap.Stream.Type, snap.Stream.ID, snap.Version, snap.State, takenAt)
	return err
}

func (s *PostgresStore) LoadLatest(ctx context.Context, stream event.StreamID) (Snapshot, bool, error) {
	var r struct {
		Version int64     `db:"version"`
		State   []byte    `db:"state"`
		TakenAt time.Time `db:"taken_at"`
	}
	err := s.db.GetContext(ctx, &r,
		`SELECT version, state, taken_at FROM snapshots WHERE stream_type = $1 AND stream_id = $2`,
		stream.Type, stream.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	return Snapshot{Stream: stream, Version: r.Version, State: r.State, TakenAt: r.TakenAt}, true, nil
}
