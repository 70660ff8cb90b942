package replay

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// CheckpointStore persists a job's replay position so a crashed rebuild
// resumes instead of starting over
type CheckpointStore interface {
	Save(ctx context.Context, jobID uuid.UUID, offset int64) error
	Load(ctx context.Context, jobID uuid.UUID) (int64, error)
	Clear(ctx context.Context, jobID uuid.UUID) error
}

// NewMemoryCheckpointStore returns an in-memory checkpoint store
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{offsets: make(map[uuid.UUID]int64)}
}

type MemoryCheckpointStore struct {
	mu      sync.Mutex
	offsets map[uuid.UUID]int64
}

func (s *MemoryCheckpointStore) Save(ctx context.Context, jobID uuid.UUID, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[jobID] = offset
	return nil
}

func (s *MemoryCheckpointStore) Load(ctx context.Context, jobID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsets[jobID], nil
}

func (s *MemoryCheckpointStore) Clear(ctx context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.offsets, jobID)
	return nil
}

// NewPostgresCheckpointStore returns a checkpoint store on an existing
// connection, creating its table if needed
func NewPostgresCheckpointStore(db *sqlx.DB) (*PostgresCheckpointStore, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS replay_checkpoints (
		job_id UUID NOT NULL PRIMARY KEY,
		last_offset BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return nil, err
	}
	return &PostgresCheckpointStore{db: db}, nil
}

type PostgresCheckpointStore struct {
	db *sqlx.DB
}

func (s *PostgresCheckpointStore) Save(ctx context.Context, jobID uuid.UUID, offset int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO replay_checkpoints (job_id, last_offset, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (job_id)
		DO UPDATE SET last_offset = $2, updated_at = now()`,
		jobID, offset)
	return err
}

func (s *PostgresCheckpointStore) Load(ctx context.Context, jobID uuid.UUID) (int64, error) {
	var offset int64
	err := s.db.GetContext(ctx, &offset,
		`SELECT last_offset FROM replay_checkpoints WHERE job_id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return offset, nil
}

func (s *PostgresCheckpointStore) Clear(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM replay_checkpoints WHERE job_id = $1`, jobID)
	return err
}
