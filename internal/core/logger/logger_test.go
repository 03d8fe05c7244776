package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, slog.LevelInfo, "json")

	l.Debug("hidden")
	l.Info("agent bound", "identifier", "a1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "agent bound", line["msg"])
	assert.Equal(t, "a1", line["identifier"])
}

func TestWithContext_RequestID(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, slog.LevelInfo, "json")

	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-42")
	WithContext(ctx, l).Info("dispatch")

	assert.Contains(t, buf.String(), `"request_id":"req-42"`)
}
