package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	dec := json.NewDecoder(buf)
	for dec.More() {
		var m map[string]interface{}
		require.NoError(t, dec.Decode(&m))
		out = append(out, m)
	}
	return out
}

func TestLogger_JSONFieldNames(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput("info", &buf)

	log.WithComponent("repository").Info("saved")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "saved", lines[0]["message"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "repository", lines[0]["component"])
	assert.Contains(t, lines[0], "timestamp")
}

func TestLogger_WithContext(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput("debug", &buf)

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithUserID(ctx, "dr-1")
	ctx = ContextWithTraceID(ctx, "trace-1")
	log.WithContext(ctx).Debug("request")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "req-1", lines[0]["request_id"])
	assert.Equal(t, "dr-1", lines[0]["user_id"])
	assert.Equal(t, "trace-1", lines[0]["trace_id"])
}

func TestLogger_AuditSeverity(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput("info", &buf)

	log.Audit("dr-1", "sign", "document:doc-1", true, nil)
	log.Audit("dr-1", "sign", "document:doc-1", false, map[string]interface{}{"code": "INVALID_TRANSITION"})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, true, lines[0]["audit"])
	assert.Equal(t, "warning", lines[1]["level"])
	assert.Equal(t, "sign", lines[1]["action"])
}

func TestLogger_LevelFallback(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput("not-a-level", &buf)

	log.Debug("hidden")
	log.Info("shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["message"])
}
