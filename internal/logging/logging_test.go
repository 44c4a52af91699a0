// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUsesDefaultConfig(t *testing.T) {
	logger := New(DefaultConfig())
	require.NotNil(t, logger)
}

func TestLoggerWritesToConfiguredOutput(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	cfg.Timestamp = false
	logger := New(cfg)

	logger.Info("flow allocated", "proto", "tcp")

	assert.Contains(t, buf.String(), "flow allocated")
	assert.Contains(t, buf.String(), "proto")
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	cfg.Timestamp = false
	cfg.Level = LevelWarn
	logger := New(cfg)

	logger.Debug("should not appear")
	logger.Warn("should appear")

	assert.NotContains(t, buf.String(), "should not appear")
	assert.Contains(t, buf.String(), "should appear")
}

func TestLoggerWith(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	cfg.Timestamp = false
	logger := New(cfg).With("worker", 3)

	logger.Info("timeout pass")

	assert.Contains(t, buf.String(), "worker")
}
