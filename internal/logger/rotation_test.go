package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriterCreatesDirectory(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "nested", "aide.log")

	rw, err := NewRotatingWriter(logFile, 10, 7, false)
	require.NoError(t, err)
	defer rw.Close()

	_, err = os.Stat(logFile)
	assert.NoError(t, err)
}

func TestRotatingWriterRotates(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "aide.log")

	rw, err := NewRotatingWriter(logFile, 1, 7, false)
	require.NoError(t, err)
	defer rw.Close()

	line := []byte(strings.Repeat("x", 600*1024))
	_, err = rw.Write(line)
	require.NoError(t, err)
	_, err = rw.Write(line)
	require.NoError(t, err)

	rolled, err := filepath.Glob(logFile + ".*")
	require.NoError(t, err)
	assert.Len(t, rolled, 1)

	info, err := os.Stat(logFile)
	require.NoError(t, err)
	assert.Equal(t, int64(len(line)), info.Size())
}

func TestRotatingWriterCompresses(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "aide.log")

	rw, err := NewRotatingWriter(logFile, 1, 7, true)
	require.NoError(t, err)
	defer rw.Close()

	line := []byte(strings.Repeat("y", 700*1024))
	_, _ = rw.Write(line)
	_, _ = rw.Write(line)

	gz, err := filepath.Glob(logFile + ".*.gz")
	require.NoError(t, err)
	assert.Len(t, gz, 1)
}

func TestRotatingWriterPrunesOldFiles(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "aide.log")

	old := logFile + ".20200101-000000.000"
	require.NoError(t, os.WriteFile(old, []byte("old"), 0o644))
	past := time.Now().AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(old, past, past))

	rw, err := NewRotatingWriter(logFile, 10, 7, false)
	require.NoError(t, err)
	defer rw.Close()

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
}

func TestRotatingWriterClosed(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "aide.log"), 10, 0, false)
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	_, err = rw.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.NoError(t, rw.Close())
}
