package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogrusLogger(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	l := newLogrusLogger(logger)

	require.NoError(t, l.Log("level", "warn", "msg", "echo failed", "fd", 7, "peer", "127.0.0.1:5000"))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "echo failed", entry.Message)
	assert.Equal(t, logrus.Fields{"fd": 7, "peer": "127.0.0.1:5000"}, entry.Data)
}

func TestLogrusLoggerDefaults(t *testing.T) {
	logger, hook := test.NewNullLogger()
	l := newLogrusLogger(logger)

	require.NoError(t, l.Log("msg", "hello", "dangling"))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, "dangling", entry.Data["missing_value"])
}

func TestLogrusLoggerFiltersLevel(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.InfoLevel)
	l := newLogrusLogger(logger)

	require.NoError(t, l.Log("level", "debug", "msg", "client connected"))
	assert.Empty(t, hook.AllEntries())
}
