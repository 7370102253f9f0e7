package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ProdWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "prod", slog.LevelInfo, "station-readings")

	logger.Debug("hidden")
	logger.Info("refresh finished", "category", "rainfall")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "refresh finished", line["msg"])
	assert.Equal(t, "station-readings", line["app"])
	assert.Equal(t, "prod", line["env"])
	assert.Equal(t, "rainfall", line["category"])
}

func TestNew_DevWritesText(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "dev", slog.LevelDebug, "station-readings")

	logger.Debug("polling", "device", "roof")

	assert.Contains(t, buf.String(), "polling")
	assert.Contains(t, buf.String(), "roof")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}
