package queue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterStandardBindings(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	assert.Equal(t, DownloadQueue, r.Route("download"))
	assert.Equal(t, SearchQueue, r.Route("search"))
	assert.Equal(t, DefaultQueue, r.Route("unknown-kind"))
	assert.Equal(t, DefaultQueue, r.Route(""))
}

func TestRouterBindOverrides(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	r.Bind("download", "bulk")
	assert.Equal(t, "bulk", r.Route("download"))
	assert.Equal(t, SearchQueue, r.Route("search"))
}

func TestEnvelopeWireFormat(t *testing.T) {
	t.Parallel()

	env := Envelope{
		ID:       "t-1",
		Kind:     "download",
		Payload:  json.RawMessage(`{"url":"https://example.com/a.jpg"}`),
		Domain:   "example.com",
		Priority: 5,
		Attempt:  2,
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "t-1", decoded["id"])
	assert.Equal(t, "download", decoded["kind"])
	assert.Equal(t, "example.com", decoded["domain"])
	assert.Equal(t, float64(5), decoded["priority"])
	assert.Equal(t, float64(2), decoded["attempt"])
}

func TestDeliverySettlementNilHandlers(t *testing.T) {
	t.Parallel()

	d := NewDelivery(Envelope{ID: "x"}, DefaultQueue, nil, nil)
	require.NoError(t, d.Ack())
	require.NoError(t, d.Nack(true))
}
