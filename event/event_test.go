package event_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicleworks/chronicle/event"
)

type memberJoined struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func (memberJoined) Event() string { return "member.joined" }
func (memberJoined) Schema() int   { return 2 }

func TestNewCarriesBodyAndMetadata(t *testing.T) {
	stream := event.StreamID{Type: "member", ID: "m-1"}
	e, err := event.New(stream, memberJoined{Name: "grace", Age: 24}, event.Metadata{"actor": "test"})
	require.NoError(t, err)

	assert.Equal(t, stream, e.Stream)
	assert.Equal(t, "member.joined", e.Type)
	assert.Equal(t, 2, e.SchemaVersion)
	assert.Equal(t, "test", e.Metadata["actor"])
	assert.Zero(t, e.StreamVersion, "versions are assigned by the log")
	assert.Zero(t, e.GlobalOffset)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestRegistryDecodesBodies(t *testing.T) {
	event.Register(memberJoined{})

	e, err := event.New(event.StreamID{Type: "member", ID: "m-1"}, memberJoined{Name: "ada", Age: 36}, nil)
	require.NoError(t, err)

	body, err := e.Body()
	require.NoError(t, err)
	joined, ok := body.(*memberJoined)
	require.True(t, ok)
	assert.Equal(t, "ada", joined.Name)
	assert.Equal(t, 36, joined.Age)

	schema, ok := event.CurrentSchema("member.joined")
	require.True(t, ok)
	assert.Equal(t, 2, schema)
}

func TestBodyFailsForUnregisteredType(t *testing.T) {
	e := event.Event{Type: "never.registered", Payload: []byte(`{}`)}
	_, err := e.Body()
	assert.ErrorIs(t, err, event.ErrUnregisteredType)
}

func TestMetadataWithCopies(t *testing.T) {
	original := event.Metadata{"a": "1"}
	extended := original.With("b", "2")

	assert.Equal(t, "2", extended["b"])
	_, exists := original["b"]
	assert.False(t, exists, "With must not mutate the original")
}
