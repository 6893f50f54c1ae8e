package processlock

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, zap.NewNop())

	require.NoError(t, l.Acquire(""))

	data, err := os.ReadFile(filepath.Join(dir, pidFileName))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(data))

	require.NoError(t, l.Release())
	assert.NoFileExists(t, filepath.Join(dir, pidFileName))
}

func TestAcquireRejectsLiveInstance(t *testing.T) {
	dir := t.TempDir()

	// Our own PID is trivially alive.
	path := filepath.Join(dir, pidFileName)
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644))

	l := New(dir, zap.NewNop())
	err := l.Acquire("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestAcquireClearsStalePIDFile(t *testing.T) {
	dir := t.TempDir()

	// Max PID on Linux defaults to well below this, so the process
	// cannot exist.
	path := filepath.Join(dir, pidFileName)
	require.NoError(t, os.WriteFile(path, []byte("99999999"), 0o644))

	l := New(dir, zap.NewNop())
	require.NoError(t, l.Acquire(""))
	require.NoError(t, l.Release())
}

func TestAcquireClearsMalformedPIDFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, pidFileName)
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o644))

	l := New(dir, zap.NewNop())
	require.NoError(t, l.Acquire(""))
	require.NoError(t, l.Release())
}

func TestReleaseWithoutAcquire(t *testing.T) {
	l := New(t.TempDir(), zap.NewNop())
	assert.NoError(t, l.Release())
}
