package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriter_RotatesPastLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.log")
	rw, err := OpenRotating(path, 16)
	require.NoError(t, err)
	defer rw.Close()

	_, err = rw.Write([]byte(strings.Repeat("a", 20)))
	require.NoError(t, err)
	_, err = rw.Write([]byte("fresh"))
	require.NoError(t, err)

	backup, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Len(t, backup, 20)

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(current))
}

func TestSetup_WritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.log")
	logger, rw, err := Setup(path, "debug")
	require.NoError(t, err)
	defer rw.Close()

	logger.Info("dataset done")
	require.NoError(t, rw.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"dataset done"`)
}
