package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapSinkSeverityMapping(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	sink := NewZapSinkFromLogger(zap.New(core))

	sink.Log("plain", Info)
	sink.Log("clicked", Success)
	sink.Log("careful", Warn)
	sink.Log("broken", Error)
	sink.Log("noise", Debug)

	entries := logs.AllUntimed()
	require.Len(t, entries, 5)

	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, zap.InfoLevel, entries[1].Level)
	assert.Equal(t, "success", entries[1].ContextMap()["outcome"])
	assert.Equal(t, zap.WarnLevel, entries[2].Level)
	assert.Equal(t, zap.ErrorLevel, entries[3].Level)
	assert.Equal(t, zap.DebugLevel, entries[4].Level)
}

func TestNewZapSinkWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")

	sink, err := NewZapSink(Options{Name: "chatkeeper", Level: "debug", File: path})
	require.NoError(t, err)

	sink.Log("hello from the agent", Info)
	require.NoError(t, sink.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), "hello from the agent"))
	assert.True(t, strings.Contains(string(raw), `"logger":"chatkeeper"`))
}

func TestMemorySink(t *testing.T) {
	var m Memory
	m.Log("one", Info)
	m.Log("two", Error)
	m.Log("three", Error)

	assert.Equal(t, 2, m.Count(Error))
	assert.True(t, m.Contains(Error, "thr"))
	assert.False(t, m.Contains(Info, "two"))
	assert.Len(t, m.Entries(), 3)
}

func TestTee(t *testing.T) {
	var a, b Memory
	tee := Tee{&a, nil, &b}
	tee.Log("fan out", Warn)

	assert.True(t, a.Contains(Warn, "fan out"))
	assert.True(t, b.Contains(Warn, "fan out"))
}
