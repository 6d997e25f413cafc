package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFileTail(t *testing.T) {
	t.Parallel()

	logFile := filepath.Join(t.TempDir(), "test.log")
	require.NoError(t, os.WriteFile(logFile, []byte("0123456789"), 0644))

	data, err := ReadFileTail(logFile, 0)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))

	data, err = ReadFileTail(logFile, 4)
	require.NoError(t, err)
	assert.Equal(t, "6789", string(data))

	data, err = ReadFileTail(logFile, 100)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))

	_, err = ReadFileTail(filepath.Join(t.TempDir(), "missing.log"), 0)
	assert.Error(t, err)
}
