// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &m))
	return m
}

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf, JSON: true}).WithComponent("detection")

	logger.Info("Blocked source", "ip", "203.0.113.9", "count", 3)

	m := decodeLine(t, &buf)
	assert.Equal(t, "info", m["level"])
	assert.Equal(t, "Blocked source", m["message"])
	assert.Equal(t, "detection", m["component"])
	assert.Equal(t, "203.0.113.9", m["ip"])
	assert.EqualValues(t, 3, m["count"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf, JSON: true})

	logger.Debug("debug")
	logger.Info("info")
	assert.Empty(t, buf.String())

	logger.Warn("warn")
	assert.Contains(t, buf.String(), `"warn"`)
}

func TestLogger_WithError(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, JSON: true})

	logger.WithError(errors.New("database is locked")).Error("Store write failed")

	m := decodeLine(t, &buf)
	assert.Equal(t, "database is locked", m["error"])
	assert.Equal(t, "error", m["level"])
}

func TestLogger_ErrorValuesAndOddPairs(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, JSON: true})

	logger.Info("odd", "err", errors.New("boom"), "dangling")

	m := decodeLine(t, &buf)
	assert.Equal(t, "boom", m["err"])
	assert.Equal(t, "!missing", m["dangling"])
}

func TestLogger_Console(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, JSON: false})

	logger.Info("hello", "k", "v")
	out := buf.String()
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "k=v")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel(""))
}

func TestSetDefault(t *testing.T) {
	prev := Default()
	t.Cleanup(func() { SetDefault(prev) })

	var buf bytes.Buffer
	SetDefault(New(Config{Output: &buf, JSON: true}))
	WithComponent("queue").Warn("dropped")

	m := decodeLine(t, &buf)
	assert.Equal(t, "queue", m["component"])

	SetDefault(nil)
	assert.NotNil(t, Default())
}
