// Package event defines the immutable event record at the heart of the log,
// and a registry for decoding payloads into their typed bodies
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Standard metadata keys
const (
	MetaCorrelationID = "correlation_id"
	MetaCausationID   = "causation_id"
	MetaActor         = "actor"
)

// Metadata is an opaque key-value bag carried with every event
type Metadata map[string]string

// With returns a copy of the metadata with key set to value
func (m Metadata) With(key, value string) Metadata {
	out := make(Metadata, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}

// StreamID identifies the entity a stream of events belongs to
type StreamID struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (s StreamID) String() string {
	return s.Type + "/" + s.ID
}

// IsZero reports whether the stream ID is unset
func (s StreamID) IsZero() bool {
	return s.Type == "" && s.ID == ""
}

// Event is an immutable fact. Once appended to the log, none of its
// fields ever change.
//
// StreamVersion is assigned by the log on append: positive, gapless and
// monotonically increasing within a stream. GlobalOffset is assigned by
// the log on append: monotonically increasing across all streams, and is
// the only cross-stream ordering guarantee.
type Event struct {
	Stream        StreamID  `json:"stream"`
	StreamVersion int64     `json:"stream_version"`
	GlobalOffset  int64     `json:"global_offset"`
	Type          string    `json:"type"`
	SchemaVersion int       `json:"schema_version"`
	Payload       []byte    `json:"payload"`
	Metadata      Metadata  `json:"metadata"`
	CreatedAt     time.Time `json:"created_at"`
}

// New builds an unappended event from a typed body. Versions and offsets
// are zero until the log assigns them on append.
func New(stream StreamID, body Body, meta Metadata) (Event, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Event{}, fmt.Errorf("marshalling %s payload: %w", body.Event(), err)
	}
	return Event{
		Stream:        stream,
		Type:          body.Event(),
		SchemaVersion: body.Schema(),
		Payload:       payload,
		Metadata:      meta,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// DecodePayload unmarshals the event payload into out
func (e Event) DecodePayload(out interface{}) error {
	return json.Unmarshal(e.Payload, out)
}
