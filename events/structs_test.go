package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventReady(t *testing.T) {
	data := json.RawMessage(`{"v":6,"session_id":"abc123","user":{"id":"1","username":"magpie"},"guilds":[{"id":"2","unavailable":true}]}`)

	ev, err := ParseEvent("READY", data)
	require.NoError(t, err)

	ready, ok := ev.(*Ready)
	require.True(t, ok)
	assert.Equal(t, "abc123", ready.SessionID)
	assert.Equal(t, "magpie", ready.User.Username)
	require.Len(t, ready.Guilds, 1)
	assert.True(t, ready.Guilds[0].Unavailable)
}

func TestParseEventMessageCreate(t *testing.T) {
	data := json.RawMessage(`{"id":"10","channel_id":"20","author":{"id":"30"},"content":"hello"}`)

	ev, err := ParseEvent("MESSAGE_CREATE", data)
	require.NoError(t, err)

	message, ok := ev.(*Message)
	require.True(t, ok)
	assert.Equal(t, "hello", message.Content)
	assert.Equal(t, "20", message.ChannelID)
}

func TestParseEventUnknown(t *testing.T) {
	ev, err := ParseEvent("SOMETHING_NEW", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestParseEventInvalidData(t *testing.T) {
	_, err := ParseEvent("READY", json.RawMessage(`{`))
	assert.Error(t, err)
}
