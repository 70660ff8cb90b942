// Package postgres holds durable projection bookkeeping: resume cursors
// and dead letters
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/chronicleworks/chronicle/projection"
)

// NewCursorStore returns a cursor store on an existing connection,
// creating its table if needed
func NewCursorStore(db *sqlx.DB) (*CursorStore, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS projection_cursors (
		projector VARCHAR(128) NOT NULL PRIMARY KEY,
		last_offset BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return nil, err
	}
	return &CursorStore{db: db}, nil
}

type CursorStore struct {
	db *sqlx.DB
}

var _ projection.CursorStore = (*CursorStore)(nil)

func (s *CursorStore) Load(ctx context.Context, projector string) (int64, error) {
	var offset int64
	err := s.db.GetContext(ctx, &offset,
		`SELECT last_offset FROM projection_cursors WHERE projector = $1`, projector)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return offset, nil
}

func (s *CursorStore) Save(ctx context.Context, projector string, offset int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projection_cursors (projector, last_offset, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (projector)
		DO UPDATE SET last_offset = $2, updated_at = now()`,
		projector, offset)
	return err
}

// NewDeadLetterStore returns a dead letter store on an existing
// connection, creating its table if needed
func NewDeadLetterStore(db *sqlx.DB) (*DeadLetterStore, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS projection_dead_letters (
		id BIGSERIAL PRIMARY KEY,
		projector VARCHAR(128) NOT NULL,
		global_offset BIGINT NOT NULL,
		stream_type VARCHAR(64) NOT NULL,
		stream_id VARCHAR(64) NOT NULL,
		type VARCHAR(128) NOT NULL,
		payload JSONB NOT NULL,
		reason TEXT NOT NULL,
		at TIMESTAMPTZ NOT NULL
	)`)
	if err != nil {
		return nil, err
	}
	return &DeadLetterStore{db: db}, nil
}

type DeadLetterStore struct {
	db *sqlx.DB
}

var _ projection.DeadLetterStore = (*DeadLetterStore)(nil)

func (s *DeadLetterStore) Record(ctx context.Context, letter projection.DeadLetter) error {
	at := letter.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projection_dead_letters
		(projector, global_offset, stream_type, stream_id, type, payload, reason, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		letter.Projector, letter.Offset, letter.Stream.Type, letter.Stream.ID,
		letter.Type, letter.Payload, letter.Reason, at)
	return err
}
