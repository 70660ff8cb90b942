package postgres

import (
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Schema creates and resets the event log tables
type Schema struct {
	Config Config
}

// Make creates the events table and its indexes if they don't exist
func (s Schema) Make() error {
	db, err := sqlx.Connect("postgres", s.Config.DSN())
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS events (
		global_offset BIGSERIAL PRIMARY KEY,
		stream_type VARCHAR(64) NOT NULL,
		stream_id VARCHAR(64) NOT NULL,
		stream_version BIGINT NOT NULL,
		type VARCHAR(128) NOT NULL,
		schema_version INT NOT NULL,
		payload JSONB NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (stream_type, stream_id, stream_version)
	)`)
	return err
}

// Reset deletes all events. Test use only.
func (s Schema) Reset() error {
	db, err := sqlx.Connect("postgres", s.Config.DSN())
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.Exec("DELETE FROM events")
	if err != nil && strings.Contains(err.Error(), "does not exist") {
		return nil
	}
	return err
}
