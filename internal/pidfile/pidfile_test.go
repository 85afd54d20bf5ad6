package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFile(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	return pid
}

func TestAcquireWritesPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "obsoutputd.pid")

	pf, err := Acquire(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pf.Remove() })

	assert.Equal(t, os.Getpid(), readFile(t, path))
}

func TestAcquireRefusesSecondInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obsoutputd.pid")
	pf, err := Acquire(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pf.Remove() })

	_, err = Acquire(path)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestAcquireReplacesStaleFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"dead process", "99999999\n"},
		{"garbage", "not a pid"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "obsoutputd.pid")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			pf, err := Acquire(path)
			require.NoError(t, err)
			t.Cleanup(func() { _ = pf.Remove() })
			assert.Equal(t, os.Getpid(), readFile(t, path))
		})
	}
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obsoutputd.pid")
	pf, err := Acquire(path)
	require.NoError(t, err)

	require.NoError(t, pf.Remove())
	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	var nilFile *PIDFile
	assert.NoError(t, nilFile.Remove())
}

func TestRemoveOnlyOwnPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obsoutputd.pid")
	pf, err := Acquire(path)
	require.NoError(t, err)

	other := os.Getpid() + 1
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(other)+"\n"), 0o644))

	require.NoError(t, pf.Remove())
	assert.Equal(t, other, readFile(t, path))
}

func TestPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/var/lib/obs", "obsoutputd.pid"), Path("/var/lib/obs", "obsoutputd"))
}

func TestIsProcessRunning(t *testing.T) {
	assert.True(t, isProcessRunning(os.Getpid()))
	assert.False(t, isProcessRunning(99999999))
}
