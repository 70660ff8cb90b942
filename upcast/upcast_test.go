package upcast_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicleworks/chronicle/event"
	"github.com/chronicleworks/chronicle/upcast"
)

// Historical shape, schema 1: a single free-text "name" field
// Schema 2 split it into first/last; schema 3 added a country default
type profileV3 struct {
	First   string `json:"first"`
	Last    string `json:"last"`
	Country string `json:"country"`
}

func splitName(payload map[string]interface{}, meta event.Metadata) (map[string]interface{}, event.Metadata, error) {
	name, _ := payload["name"].(string)
	first, last := name, ""
	for i, r := range name {
		if r == ' ' {
			first, last = name[:i], name[i+1:]
			break
		}
	}
	return map[string]interface{}{"first": first, "last": last}, meta, nil
}

func defaultCountry(payload map[string]interface{}, meta event.Metadata) (map[string]interface{}, event.Metadata, error) {
	payload["country"] = "GB"
	return payload, meta.With("upcasted", "true"), nil
}

func pipeline() *upcast.Pipeline {
	return upcast.New(
		upcast.Rule{Type: "profile.created", FromSchema: 1, Transform: splitName},
		upcast.Rule{Type: "profile.created", FromSchema: 2, Transform: defaultCountry},
	)
}

func TestChainsRulesToCurrentSchema(t *testing.T) {
	e := event.Event{
		Type:          "profile.created",
		SchemaVersion: 1,
		Payload:       []byte(`{"name": "ada lovelace"}`),
		Metadata:      event.Metadata{},
	}

	out, err := pipeline().Apply(e)
	require.NoError(t, err)
	assert.Equal(t, 3, out.SchemaVersion)
	assert.Equal(t, "true", out.Metadata["upcasted"])

	var profile profileV3
	require.NoError(t, out.DecodePayload(&profile))
	assert.Equal(t, "ada", profile.First)
	assert.Equal(t, "lovelace", profile.Last)
	assert.Equal(t, "GB", profile.Country)
}

func TestCurrentSchemaPassesThrough(t *testing.T) {
	e := event.Event{
		Type:          "profile.created",
		SchemaVersion: 3,
		Payload:       []byte(`{"first": "ada", "last": "lovelace", "country": "GB"}`),
	}

	out, err := pipeline().Apply(e)
	require.NoError(t, err)
	assert.Equal(t, e, out)
}

func TestMissingRuleIsUnupcastable(t *testing.T) {
	p := upcast.New(
		upcast.Rule{Type: "profile.created", FromSchema: 2, Transform: defaultCountry},
	)

	_, err := p.Apply(event.Event{
		Type:          "profile.created",
		SchemaVersion: 1,
		Payload:       []byte(`{"name": "ada"}`),
	})
	assert.ErrorIs(t, err, upcast.ErrUnupcastable)
}

func TestUnknownTypePassesThrough(t *testing.T) {
	e := event.Event{Type: "unseen.event", SchemaVersion: 1, Payload: []byte(`{}`)}
	out, err := pipeline().Apply(e)
	require.NoError(t, err)
	assert.Equal(t, e, out)
}

func TestApplyIsDeterministic(t *testing.T) {
	e := event.Event{
		Type:          "profile.created",
		SchemaVersion: 1,
		Payload:       []byte(`{"name": "ada lovelace"}`),
		Metadata:      event.Metadata{},
	}

	p := pipeline()
	first, err := p.Apply(e)
	require.NoError(t, err)
	second, err := p.Apply(e)
	require.NoError(t, err)
	assert.JSONEq(t, string(first.Payload), string(second.Payload))
	assert.Equal(t, first.SchemaVersion, second.SchemaVersion)
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	in := map[string]interface{}{"first": "ada", "last": "lovelace", "country": "GB"}

	var typed profileV3
	require.NoError(t, upcast.Decode(in, &typed))
	assert.Equal(t, "ada", typed.First)

	out, err := upcast.Encode(typed)
	require.NoError(t, err)
	assert.Equal(t, "lovelace", out["last"])
}
