package live

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeAction(t *testing.T) {
	tcs := []struct {
		action Action
		exp    string
	}{
		{authAction("A1"), `{"action":"Auth_Check","token":"A1"}`},
		{SendMessage("hi"), `{"action":"send_message","body":"hi"}`},
		{DeleteMessage(7), `{"action":"delete_message","message_id":7}`},
		{DeleteMessage(0), `{"action":"delete_message","message_id":0}`},
	}

	for _, tc := range tcs {
		var buf bytes.Buffer
		require.NoError(t, EncodeAction(&buf, &tc.action))
		assert.JSONEq(t, tc.exp, buf.String())
	}
}

func TestDecodeEvent(t *testing.T) {
	var e Event
	require.NoError(t, DecodeEvent(strings.NewReader(
		`{"type":"chat_message","message":{"id":2,"body":"yo","owner":{"id":1,"first_name":"Ada"}}}`,
	), &e))
	assert.Equal(t, EventChatMessage, e.Type)

	msg, err := e.ChatMessage()
	require.NoError(t, err)
	assert.Equal(t, 2, msg.ID)
	assert.Equal(t, "yo", msg.Body)
	assert.Equal(t, "Ada", msg.Owner.FirstName)

	e = Event{}
	require.NoError(t, DecodeEvent(strings.NewReader(`{"type":"chat_message_delete","message_id":1}`), &e))
	assert.Equal(t, 1, e.MessageID)

	e = Event{}
	require.NoError(t, DecodeEvent(strings.NewReader(`{"type":"auth_success","message":"Authentication successful"}`), &e))
	assert.Equal(t, "Authentication successful", e.Text())
	_, err = e.ChatMessage()
	assert.Error(t, err)

	assert.Error(t, DecodeEvent(strings.NewReader(`nope`), &Event{}))
}
