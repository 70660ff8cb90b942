// Package postgres is the durable event log backend on PostgreSQL
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/chronicleworks/chronicle/event"
	"github.com/chronicleworks/chronicle/eventlog"
)

// New opens the log, creating the schema if needed. An optional notifier
// receives append notifications after each commit.
func New(c Config, notifier ...eventlog.Notifier) (*Log, error) {
	if err := (Schema{c}).Make(); err != nil {
		return nil, fmt.Errorf("%w: %v", eventlog.ErrStorageUnavailable, err)
	}
	db, err := sqlx.Connect("postgres", c.DSN())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", eventlog.ErrStorageUnavailable, err)
	}

	l := &Log{db: db, notifier: eventlog.NopNotifier{}}
	if len(notifier) > 0 {
		l.notifier = notifier[0]
	}
	return l, nil
}

// Log is the PostgreSQL event log
type Log struct {
	db       *sqlx.DB
	notifier eventlog.Notifier
}

// appendLockID keys the advisory lock serializing append transactions.
// BIGSERIAL assigns offsets at insert time, not commit time, so without
// serialization a batch's offsets could interleave with another
// transaction's, and a later-offset commit landing first would let a
// reader's cursor pass offsets that only become visible afterwards.
const appendLockID = 0x6368726f6e

func (l *Log) lockAppends(ctx context.Context, tx *sqlx.Tx) error {
	// Released automatically at commit or rollback
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockID)
	return err
}

var _ eventlog.Log = (*Log)(nil)

type row struct {
	GlobalOffset  int64     `db:"global_offset"`
	StreamType    string    `db:"stream_type"`
	StreamID      string    `db:"stream_id"`
	StreamVersion int64     `db:"stream_version"`
	Type          string    `db:"type"`
	SchemaVersion int       `db:"schema_version"`
	Payload       []byte    `db:"payload"`
	Metadata      []byte    `db:"metadata"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r row) toEvent() (event.Event, error) {
	meta := event.Metadata{}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &meta); err != nil {
			return event.Event{}, fmt.Errorf("decoding event metadata: %w", err)
		}
	}
	return event.Event{
		Stream:        event.StreamID{Type: r.StreamType, ID: r.StreamID},
		StreamVersion: r.StreamVersion,
		GlobalOffset:  r.GlobalOffset,
		Type:          r.Type,
		SchemaVersion: r.SchemaVersion,
		Payload:       r.Payload,
		Metadata:      meta,
		CreatedAt:     r.CreatedAt,
	}, nil
}

func (l *Log) Append(ctx context.Context, stream event.StreamID, expected eventlog.ExpectedVersion, events ...event.Event) (int64, error) {
	if err := eventlog.CheckBatch(stream, events); err != nil {
		return 0, err
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", eventlog.ErrStorageUnavailable, err)
	}
	if err := l.lockAppends(ctx, tx); err != nil {
		tx.Rollback()
		return 0, err
	}

	var head int64
	err = tx.GetContext(ctx, &head,
		`SELECT COALESCE(MAX(stream_version), 0) FROM events WHERE stream_type = $1 AND stream_id = $2`,
		stream.Type, stream.ID)
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
			createdAt = time.Now().UTC()
		}

		var offset int64
		err = tx.QueryRowContext(ctx,
			`INSERT INTO events (stream_type, stream_id, stream_version, type, schema_version, payload, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING global_offset`,
			stream.Type, stream.ID, head+int64(i)+1,
			e.Type, e.SchemaVersion, e.Payload, metadata, createdAt,
		).Scan(&offset)
		if err != nil {
			tx.Rollback()
			if isUniqueViolation(err) {
				// Another writer won the race between our head read and insert
				return 0, eventlog.ErrConcurrencyConflict
			}
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
	l.notifier.Notify(ctx, eventlog.Notification{
		Stream:     stream,
		FromOffset: first,
		ToOffset:   last,
		Types:      types(events),
	})
	return newHead, nil
}

func (l *Log) ReadStream(ctx context.Context, stream event.StreamID, after int64) ([]event.Event, error) {
	var rows []row
	err := l.db.SelectContext(ctx, &rows,
		`SELECT * FROM events
		WHERE stream_type = $1 AND stream_id = $2 AND stream_version > $3
		ORDER BY stream_version ASC`,
		stream.Type, stream.ID, after)
	if err != nil {
		return nil, err
	}
	return toEvents(rows)
}

func (l *Log) ReadGlobal(ctx context.Context, after int64, limit int) ([]event.Event, error) {
	query := `SELECT * FROM events WHERE global_offset > $1 ORDER BY global_offset ASC`
	args := []interface{}{after}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var rows []row
	if err := l.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return toEvents(rows)
}

func (l *Log) Close() error {
	return l.db.Close()
}

func toEvents(rows []row) ([]event.Event, error) {
	out := make([]event.Event, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func types(events []event.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}
