package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/l0p7/minireader/internal/config"
	"github.com/stretchr/testify/require"
)

func TestNewAcceptsKnownLevelsAndFormats(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "info", Format: "json", CorrelationHeader: "X-Request-ID"})
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "verbose"})
	require.Error(t, err)
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(config.LoggingConfig{Format: "binary"})
	require.Error(t, err)
}

func TestNewWithWriterEmitsComponentFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LoggingConfig{Format: "json", CorrelationHeader: "X-Request-ID"}, &buf)
	require.NoError(t, err)

	logger.Info("hello", "route", "dictionary")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "minireader", record["component"])
	require.Equal(t, "X-Request-ID", record["correlation_header"])
	require.Equal(t, "dictionary", record["route"])
	require.Equal(t, "hello", record["msg"])
}

func TestNewWithWriterFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	require.False(t, strings.Contains(out, "dropped"))
	require.Contains(t, out, "msg=kept")
	require.Contains(t, out, "component=minireader")
}

func TestDiscard(t *testing.T) {
	require.NotPanics(t, func() { Discard().Error("ignored") })
}
