// Package sqlite is a durable, cgo-free event log backend on SQLite,
// suited to single-node deployments and integration tests
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/chronicleworks/chronicle/event"
	"github.com/chronicleworks/chronicle/eventlog"
)

// Open opens (or creates) a SQLite event log at path. An optional notifier
// receives append notifications after each commit.
func Open(path string, notifier ...eventlog.Notifier) (*Log, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", eventlog.ErrStorageUnavailable, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", eventlog.ErrStorageUnavailable, err)
	}
	if err := makeSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	l := &Log{db: db, notifier: eventlog.NopNotifier{}}
	if len(notifier) > 0 {
		l.notifier = notifier[0]
	}
	return l, nil
}

func makeSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS events (
		global_offset INTEGER PRIMARY KEY AUTOINCREMENT,
		stream_type TEXT NOT NULL,
		stream_id TEXT NOT NULL,
		stream_version INTEGER NOT NULL,
		type TEXT NOT NULL,
		schema_version INTEGER NOT NULL,
		payload BLOB NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		UNIQUE (stream_type, stream_id, stream_version)
	)`)
	return err
}

// Log is the SQLite event log
type Log struct {
	db       *sql.DB
	notifier eventlog.Notifier
}

var _ eventlog.Log = (*Log)(nil)

func (l *Log) Append(ctx context.Context, stream event.StreamID, expected eventlog.ExpectedVersion, events ...event.Event) (int64, error) {
	if err := eventlog.CheckBatch(stream, events); err != nil {
		return 0, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", eventlog.ErrStorageUnavailable, err)
	}

	var head int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(stream_version), 0) FROM events WHERE stream_type = ? AND stream_id = ?`,
		stream.Type, stream.ID).Scan(&head)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := eventlog.CheckExpectedVersion(head, expected); err != nil {
		tx.Rollback()
		return 0, err
	}

	var first, last int64
	for i, e := range events {
		meta := e.Metadata
		if meta == nil {
			meta = event.Metadata{}
		}
		metadata, err := json.Marshal(meta)
		if err != nil {
			tx.Rollback()
			return 0, err
		}
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (stream_type, stream_id, stream_version, type, schema_version, payload, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			stream.Type, stream.ID, head+int64(i)+1,
			e.Type, e.SchemaVersion, e.Payload, string(metadata), createdAt.UTC().UnixMilli())
		if err != nil {
			tx.Rollback()
			if isUniqueViolation(err) {
				return 0, eventlog.ErrConcurrencyConflict
			}
			return 0, err
		}
		offset, err := res.LastInsertId()
		if err != nil {
			tx.Rollback()
			return 0, err
		}
		if first == 0 {
			first = offset
		}
		last = offset
	}

	if err := tx.Commit(); err != nil {
		tx.Rollback()
		return 0, err
	}

	newHead := head + int64(len(events))
	notifiedTypes := make([]string, len(events))
	for i, e := range events {
		notifiedTypes[i] = e.Type
	}
	l.notifier.Notify(ctx, eventlog.Notification{
		Stream:     stream,
		FromOffset: first,
		ToOffset:   last,
		Types:      notifiedTypes,
	})
	return newHead, nil
}

func (l *Log) ReadStream(ctx context.Context, stream event.StreamID, after int64) ([]event.Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT global_offset, stream_type, stream_id, stream_version, type, schema_version, payload, metadata, created_at
		FROM events
		WHERE stream_type = ? AND stream_id = ? AND stream_version > ?
		ORDER BY stream_version ASC`,
		stream.Type, stream.ID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (l *Log) ReadGlobal(ctx context.Context, after int64, limit int) ([]event.Event, error) {
	query := `SELECT global_offset, stream_type, stream_id, stream_version, type, schema_version, payload, metadata, created_at
		FROM events WHERE global_offset > ? ORDER BY global_offset ASC`
	args := []interface{}{after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (l *Log) Close() error {
	return l.db.Close()
}

func scanEvents(rows *sql.Rows) ([]event.Event, error) {
	var out []event.Event
	for rows.Next() {
		var (
			e         event.Event
			metadata  string
			createdAt int64
		)
		err := rows.Scan(&e.GlobalOffset, &e.Stream.Type, &e.Stream.ID, &e.StreamVersion,
			&e.Type, &e.SchemaVersion, &e.Payload, &metadata, &createdAt)
		if err != nil {
			return nil, err
		}
		e.Metadata = event.Metadata{}
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decoding event metadata: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var serr *msqlite.Error
	if errors.As(err, &serr) {
		return serr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
