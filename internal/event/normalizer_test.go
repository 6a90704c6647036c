package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMessage(t *testing.T) {
	raw := []byte(`{"id":"msg1","from":"alice@s.whatsapp.net","chat_jid":"group@g.us","text":"hello #urgent","timestamp":1700000000}`)

	evt, err := Normalize(KindMessage, "inst-1", raw)
	require.NoError(t, err)

	assert.Equal(t, KindMessage, evt.Kind)
	assert.Equal(t, "msg1", evt.TriggerKey)
	assert.Equal(t, "inst-1", evt.InstanceID)
	assert.Equal(t, "group@g.us", evt.ChatJID)
	assert.Equal(t, "alice@s.whatsapp.net", evt.PerformerJID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), evt.Timestamp)
	require.NotNil(t, evt.Message)
	assert.Equal(t, "hello #urgent", evt.Message.Text)
}

func TestNormalizeMessageChatFallsBackToSender(t *testing.T) {
	raw := []byte(`{"id":"msg1","from":"alice@s.whatsapp.net"}`)

	evt, err := Normalize(KindMessage, "inst-1", raw)
	require.NoError(t, err)
	assert.Equal(t, "alice@s.whatsapp.net", evt.ChatJID)
	assert.False(t, evt.Timestamp.IsZero())
}

func TestNormalizeReactionKeyIsDeterministic(t *testing.T) {
	raw := []byte(`{"message_id":"msg123","reactor_jid":"bob@s.whatsapp.net","emoji":"✅","chat_jid":"group@g.us"}`)

	first, err := Normalize(KindReaction, "inst-1", raw)
	require.NoError(t, err)
	second, err := Normalize(KindReaction, "inst-1", raw)
	require.NoError(t, err)

	// A redelivered payload must map to the same trigger key.
	assert.Equal(t, "msg123:✅:bob@s.whatsapp.net", first.TriggerKey)
	assert.Equal(t, first.TriggerKey, second.TriggerKey)
}

func TestNormalizeReactionDifferentEmojiDifferentKey(t *testing.T) {
	check, err := Normalize(KindReaction, "i", []byte(`{"message_id":"msg123","reactor_jid":"bob@x","emoji":"✅"}`))
	require.NoError(t, err)
	heart, err := Normalize(KindReaction, "i", []byte(`{"message_id":"msg123","reactor_jid":"bob@x","emoji":"❤️"}`))
	require.NoError(t, err)

	assert.NotEqual(t, check.TriggerKey, heart.TriggerKey)
}

func TestNormalizeCall(t *testing.T) {
	raw := []byte(`{"call_id":"c77","from":"alice@s.whatsapp.net","status":"missed","duration_seconds":0}`)

	evt, err := Normalize(KindCall, "inst-1", raw)
	require.NoError(t, err)
	assert.Equal(t, "call:c77", evt.TriggerKey)
	require.NotNil(t, evt.Call)
	assert.Equal(t, "missed", evt.Call.Status)
}

func TestNormalizeLocation(t *testing.T) {
	raw := []byte(`{"id":"loc1","from":"alice@x","latitude":52.52,"longitude":13.405}`)

	evt, err := Normalize(KindLocation, "inst-1", raw)
	require.NoError(t, err)
	require.NotNil(t, evt.Location)
	assert.InDelta(t, 52.52, evt.Location.Latitude, 0.0001)
	assert.Nil(t, evt.Message)
}

func TestNormalizeMalformed(t *testing.T) {
	cases := []struct {
		name string
		kind Kind
		raw  string
	}{
		{"invalid json", KindMessage, `{"id":`},
		{"message missing id", KindMessage, `{"from":"a@x"}`},
		{"message missing from", KindMessage, `{"id":"m1"}`},
		{"reaction missing emoji", KindReaction, `{"message_id":"m1","reactor_jid":"a@x"}`},
		{"call missing call_id", KindCall, `{"from":"a@x"}`},
		{"unknown kind", Kind("presence"), `{}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize(tc.kind, "inst-1", []byte(tc.raw))
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}
