package bus

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/relay/pkg/events"
)

func TestNotifyPayloadPassesSmallEnvelopes(t *testing.T) {
	env := events.NewEnvelope(events.EventAwarenessUpdate, "p1", "u1",
		map[string]any{"cursor": map[string]any{"x": 1, "y": 2}})

	payload, err := notifyPayload(env)
	require.NoError(t, err)

	var decoded events.Envelope
	require.NoError(t, json.Unmarshal([]byte(payload), &decoded))
	assert.Equal(t, env.Type, decoded.Type)
	assert.NotContains(t, decoded.Payload, "truncated")
}

func TestNotifyPayloadTruncatesOversizedEnvelopes(t *testing.T) {
	env := events.NewEnvelope(events.EventOperationBroadcast, "p1", "u1", map[string]any{
		"operation":   map[string]any{"data": strings.Repeat("x", 9000)},
		"syncVersion": int64(42),
	})
	env.SourceInstanceID = "relay-1"

	payload, err := notifyPayload(env)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(payload), maxNotifyPayload)

	var decoded events.Envelope
	require.NoError(t, json.Unmarshal([]byte(payload), &decoded))
	assert.Equal(t, events.EventOperationBroadcast, decoded.Type)
	assert.Equal(t, "p1", decoded.ProjectID)
	assert.Equal(t, "u1", decoded.UserID)
	assert.Equal(t, "relay-1", decoded.SourceInstanceID)
	assert.Equal(t, true, decoded.Payload["truncated"])
	assert.EqualValues(t, 42, decoded.Payload["version"])
	assert.NotContains(t, decoded.Payload, "operation")
}

func TestPayloadVersionProbesKnownKeys(t *testing.T) {
	v, ok := payloadVersion(map[string]any{"syncVersion": int64(7)})
	require.True(t, ok)
	assert.EqualValues(t, 7, v)

	v, ok = payloadVersion(map[string]any{"version": float64(3)})
	require.True(t, ok)
	assert.EqualValues(t, 3, v)

	_, ok = payloadVersion(map[string]any{"version": "not-a-number"})
	assert.False(t, ok)

	_, ok = payloadVersion(map[string]any{})
	assert.False(t, ok)
}

func TestPostgresPubSubSubscribeRequiresStart(t *testing.T) {
	ps := NewPostgresPubSub(nil, "postgres://unused")
	_, err := ps.Subscribe(context.Background(), "p1", func(events.Envelope) {})
	require.Error(t, err)
}

func TestDispatchDropsUndecodablePayloads(t *testing.T) {
	ps := NewPostgresPubSub(nil, "")
	var got []events.Envelope
	ps.subs[events.ProjectChannel("p1")] = []subscription{
		{id: 1, handler: func(env events.Envelope) { got = append(got, env) }},
	}

	ps.dispatch(events.ProjectChannel("p1"), []byte("{not json"))
	assert.Empty(t, got)

	raw, err := json.Marshal(events.NewEnvelope(events.EventUserJoin, "p1", "u1", nil))
	require.NoError(t, err)
	ps.dispatch(events.ProjectChannel("p1"), raw)
	require.Len(t, got, 1)
	assert.Equal(t, events.EventUserJoin, got[0].Type)
}

func TestRemoveSubscriptionReportsLastCancel(t *testing.T) {
	ps := NewPostgresPubSub(nil, "")
	channel := events.ProjectChannel("p1")
	ps.subs[channel] = []subscription{
		{id: 1, handler: func(events.Envelope) {}},
		{id: 2, handler: func(events.Envelope) {}},
	}

	assert.False(t, ps.removeSubscription(channel, 1))
	assert.True(t, ps.removeSubscription(channel, 2))
	assert.NotContains(t, ps.subs, channel)
}
