package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_Levels(t *testing.T) {
	assert.True(t, New("debug", "text").Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, New("error", "json").Enabled(context.Background(), slog.LevelInfo))
}

func TestNewWithOptions_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.log")
	logger := NewWithOptions(Options{Level: "info", Format: "json", FilePath: path, MaxSizeMB: 1})

	logger.Info("tenant created", "tenant_id", "ten_1")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tenant_id":"ten_1"`)
}

func TestNewWithOptions_Writer(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOptions(Options{Level: "warn", Format: "text", Writer: &buf})

	logger.Info("dropped")
	logger.Warn("kept", "agent_id", "agt_1")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "agent_id=agt_1")
}

func TestRequestIDAndLogger(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))
	assert.NotNil(t, FromContext(ctx))

	custom := Discard()
	ctx = WithLogger(WithRequestID(ctx, "req-1"), custom)

	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Same(t, custom, FromContext(ctx))
	assert.NotNil(t, L(ctx))
}
