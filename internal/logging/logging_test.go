package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLevelMapping(t *testing.T) {
	for name, want := range map[string]zapcore.Level{
		"DEBUG":    zapcore.DebugLevel,
		"INFO":     zapcore.InfoLevel,
		"WARNING":  zapcore.WarnLevel,
		"ERROR":    zapcore.ErrorLevel,
		"CRITICAL": zapcore.FatalLevel,
	} {
		level, err := Level(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, level, name)
	}

	_, err := Level("TRACE")
	assert.Error(t, err)
	_, err = Level("info") // levels are case sensitive like the config
	assert.Error(t, err)
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New("VERBOSE", "")
	assert.Error(t, err)
}

func TestNewWithLogfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lesyd.log")
	log, err := New("DEBUG", path)
	require.NoError(t, err)

	log.Info("hello")
	// Sync can fail on the stderr core depending on the platform; the
	// file core is what matters here.
	_ = log.Sync()
	assert.FileExists(t, path)
}
