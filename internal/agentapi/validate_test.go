package agentapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeReply(t *testing.T) {
	reply, err := DecodeReply([]byte(`{"text":"hi","end":true}`))
	require.NoError(t, err)
	assert.Equal(t, Reply{Text: "hi", End: true}, reply)
}

func TestDecodeReplyRejectsMalformedBodies(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing text", `{"message":"hi"}`},
		{"text not string", `{"text":42}`},
		{"not json", `<html>bad gateway</html>`},
		{"array", `["hi"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeReply([]byte(tt.body))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeNewSession(t *testing.T) {
	resp, err := DecodeNewSession([]byte(`{"session_id":"xyz"}`))
	require.NoError(t, err)
	assert.Equal(t, "xyz", resp.SessionID)

	_, err = DecodeNewSession([]byte(`{"session_id":""}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeNewSession([]byte(`{}`))
	assert.ErrorIs(t, err, ErrMalformed)
}
