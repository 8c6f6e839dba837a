package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/l0p7/campusworker/internal/config"
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

func TestAgentAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	Agent(logger, "fetch_router").Debug("served from cache")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "campusworker", record["component"])
	require.Equal(t, "fetch_router", record["agent"])
	require.Equal(t, "served from cache", record["msg"])
}

func TestLevelFiltersRecords(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept")
	require.False(t, strings.Contains(buf.String(), "dropped"))
	require.True(t, strings.Contains(buf.String(), "kept"))
}

func TestAgentWithNilLogger(t *testing.T) {
	require.NotNil(t, Agent(nil, "lifecycle"))
}
