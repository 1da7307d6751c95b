package skill

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestMintsCorrelationID(t *testing.T) {
	a := NewRequest("u1", "create_issue", "open a bug", nil)
	b := NewRequest("u1", "create_issue", "open a bug", nil)

	assert.NotEmpty(t, a.CorrelationID)
	assert.NotEmpty(t, b.CorrelationID)
	assert.NotEqual(t, a.CorrelationID, b.CorrelationID)
}

func TestNewRequestCopiesContext(t *testing.T) {
	ctx := map[string]any{"title": "X"}
	req := NewRequest("u1", "create_issue", "", ctx)

	ctx["title"] = "mutated"
	got, ok := req.ContextString("title")
	require.True(t, ok)
	assert.Equal(t, "X", got)
}

func TestContextString(t *testing.T) {
	req := NewRequest("u1", "t", "", map[string]any{
		"title": "X",
		"count": 3,
	})

	got, ok := req.ContextString("title")
	assert.True(t, ok)
	assert.Equal(t, "X", got)

	_, ok = req.ContextString("count")
	assert.False(t, ok, "non-string field")

	_, ok = req.ContextString("missing")
	assert.False(t, ok)
}

func TestResponseForms(t *testing.T) {
	ok := SuccessResponse("cid-1", "done", map[string]any{"n": 1})
	require.True(t, ok.Success)
	assert.Equal(t, "cid-1", ok.CorrelationID)
	assert.Nil(t, ok.Error)

	fail := ErrorResponse("cid-2", ErrUnknownIntent, "no skill owns it")
	require.False(t, fail.Success)
	assert.Nil(t, fail.Data)
	require.NotNil(t, fail.Error)
	assert.Equal(t, ErrUnknownIntent, fail.Error.Kind)
	assert.Equal(t, "UNKNOWN_INTENT: no skill owns it", fail.Error.Error())
}

func TestErrorResponsef(t *testing.T) {
	resp := ErrorResponsef("cid", ErrTimeout, "handler exceeded %ds", 60)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "handler exceeded 60s", resp.Error.Message)
}

func TestResponseJSONShape(t *testing.T) {
	raw, err := json.Marshal(ErrorResponse("cid-3", ErrExpired, "too late"))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "cid-3", decoded["correlation_id"])
	assert.Equal(t, false, decoded["success"])
	assert.NotContains(t, decoded, "data")

	errObj, ok := decoded["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "EXPIRED", errObj["kind"])
}

func TestErrorKindRetryable(t *testing.T) {
	assert.True(t, ErrTimeout.Retryable())
	assert.True(t, ErrBusy.Retryable())
	assert.True(t, ErrSkillStarting.Retryable())
	assert.False(t, ErrPermissionDenied.Retryable())
	assert.False(t, ErrNotFound.Retryable())
	assert.False(t, ErrHandlerFault.Retryable())
}
