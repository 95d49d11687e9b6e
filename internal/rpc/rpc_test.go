package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/outlook-mcp/internal/fault"
)

func TestParseValidRequest(t *testing.T) {
	req, f := Parse([]byte(`{"jsonrpc":"2.0","id":"1","method":"get_folders","params":{}}`))
	require.Nil(t, f)
	assert.Equal(t, "get_folders", req.Method)
	assert.Equal(t, json.RawMessage(`"1"`), req.ID)
	assert.False(t, req.IsNotification())
}

func TestParseIntegerID(t *testing.T) {
	req, f := Parse([]byte(`{"jsonrpc":"2.0","id":42,"method":"get_folders"}`))
	require.Nil(t, f)
	assert.Equal(t, json.RawMessage(`42`), req.ID)
}

func TestParseNotification(t *testing.T) {
	req, f := Parse([]byte(`{"jsonrpc":"2.0","method":"send_email","params":{}}`))
	require.Nil(t, f)
	assert.True(t, req.IsNotification())

	req, f = Parse([]byte(`{"jsonrpc":"2.0","id":null,"method":"send_email"}`))
	require.Nil(t, f)
	assert.True(t, req.IsNotification())
}

func TestParseRejectsBatch(t *testing.T) {
	_, f := Parse([]byte(`[{"jsonrpc":"2.0","id":1,"method":"get_folders"}]`))
	require.NotNil(t, f)
	assert.Equal(t, fault.CodeInvalidRequest, f.Code())
}

func TestParseRejectsBadVersion(t *testing.T) {
	_, f := Parse([]byte(`{"jsonrpc":"1.0","id":1,"method":"get_folders"}`))
	require.NotNil(t, f)
	assert.Equal(t, fault.CodeInvalidRequest, f.Code())
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "   ", "{not json", `"just a string"`} {
		_, f := Parse([]byte(raw))
		require.NotNil(t, f, raw)
		assert.Equal(t, fault.CodeInvalidRequest, f.Code(), raw)
	}
}

func TestResponseEchoesIDExactly(t *testing.T) {
	resp := NewResponse(json.RawMessage(`"abc"`), map[string]string{"ok": "yes"})
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":"abc"`)
	assert.Contains(t, string(data), `"result"`)
	assert.NotContains(t, string(data), `"error"`)
}

func TestErrorResponseShape(t *testing.T) {
	resp := NewErrorResponse(json.RawMessage(`7`), fault.RateLimited(1.5))
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded struct {
		ID    int `json:"id"`
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Data    struct {
				Type       string  `json:"type"`
				RetryAfter float64 `json:"retry_after"`
			} `json:"data"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 7, decoded.ID)
	assert.Equal(t, fault.CodeRateLimited, decoded.Error.Code)
	assert.Equal(t, "RateLimitError", decoded.Error.Data.Type)
	assert.Equal(t, 1.5, decoded.Error.Data.RetryAfter)
}

func TestSessionLifecycle(t *testing.T) {
	s := NewSession()
	assert.Equal(t, StateNew, s.State())
	assert.False(t, s.Ready())

	require.True(t, s.BeginInitialize())
	assert.Equal(t, StateInitializing, s.State())
	assert.False(t, s.BeginInitialize())

	s.CompleteInitialize("client", "0.1", nil)
	assert.True(t, s.Ready())
	name, version := s.Peer()
	assert.Equal(t, "client", name)
	assert.Equal(t, "0.1", version)

	// Ready sessions cannot re-run the handshake.
	assert.False(t, s.BeginInitialize())

	s.BeginClose()
	assert.Equal(t, StateClosing, s.State())
	s.Close()
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionAbortInitialize(t *testing.T) {
	s := NewSession()
	require.True(t, s.BeginInitialize())
	s.AbortInitialize()
	assert.Equal(t, StateNew, s.State())
	assert.True(t, s.BeginInitialize())
}
