package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"litshorts/internal/models"
)

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.log")
	log, err := New(models.LogConfig{Level: "info", Format: "json", Filename: path, MaxSize: 1})
	require.NoError(t, err)

	log.Info("segment skipped")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "segment skipped")
}

func TestNew_RejectsBadInput(t *testing.T) {
	_, err := New(models.LogConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = New(models.LogConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
