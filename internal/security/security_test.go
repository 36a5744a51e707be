package security

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")

	require.NoError(t, WriteFileAtomic(path, []byte("first"), PermPrivateFile))
	require.NoError(t, WriteFileAtomic(path, []byte("second"), PermPrivateFile))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, PermPrivateFile, info.Mode().Perm())
	}
}

func TestAtomicWriterAbort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aborted.bin")

	w, err := NewAtomicWriter(path, PermPrivateFile)
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	w.Abort()

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriteFileAtomicRejectsBadPath(t *testing.T) {
	assert.ErrorIs(t, WriteFileAtomic("", nil, PermPrivateFile), ErrInvalidPath)
	assert.ErrorIs(t, WriteFileAtomic("a\x00b", nil, PermPrivateFile), ErrInvalidPath)
}

func TestResolveWithin(t *testing.T) {
	root := t.TempDir()

	got, err := ResolveWithin(root, "session_000001/screenshot_000002.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "session_000001", "screenshot_000002.png"), got)

	bad := []string{
		"",
		"../escape.png",
		"session_000001/../../escape.png",
		"/etc/passwd",
		`..\windows.png`,
		"a\x00b",
	}
	for _, rel := range bad {
		_, err := ResolveWithin(root, rel)
		assert.Error(t, err, "path %q", rel)
	}
}

func TestLockDirExclusive(t *testing.T) {
	dir := t.TempDir()

	lock, err := LockDir(dir)
	require.NoError(t, err)

	_, err = LockDir(dir)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, lock.Unlock())

	again, err := LockDir(dir)
	require.NoError(t, err)
	assert.NoError(t, again.Unlock())
	assert.NoError(t, again.Unlock())
}

func TestEnsurePrivateDirRejectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0600))

	assert.ErrorIs(t, EnsurePrivateDir(path), ErrInvalidPath)
}

func TestValidateText(t *testing.T) {
	assert.NoError(t, ValidateText("reading docs\n\twith notes", MaxCommentLength))
	assert.NoError(t, ValidateText("", MaxLabelLength))

	assert.ErrorIs(t, ValidateText("a\x00b", 0), ErrNullByte)
	assert.ErrorIs(t, ValidateText("bell\x07", 0), ErrControlCharacters)
	assert.ErrorIs(t, ValidateText(string([]byte{0xff, 0xfe}), 0), ErrInvalidUTF8)
	assert.ErrorIs(t, ValidateText("toolong", 3), ErrInputTooLong)
}

func TestSanitizeLogOutput(t *testing.T) {
	assert.Equal(t, `line\nforged`, SanitizeLogOutput("line\nforged"))
	assert.Equal(t, `bell\x07`, SanitizeLogOutput("bell\x07"))
	assert.Equal(t, "plain", SanitizeLogOutput("plain"))
}

func TestRateLimiterRefills(t *testing.T) {
	assert.True(t, NewRateLimiter(1, 1).Allow(), "a new limiter starts full")

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	r := newRateLimiter(1, 2, clock)
	assert.True(t, r.Allow())
	assert.True(t, r.Allow())
	assert.False(t, r.Allow())

	now = now.Add(time.Second)
	assert.True(t, r.Allow())
	assert.False(t, r.Allow())
}

func TestKeyedRateLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	k := NewKeyedRateLimiter(1, 1, time.Minute)
	k.now = func() time.Time { return now }

	assert.True(t, k.Allow("a"))
	assert.False(t, k.Allow("a"))
	assert.True(t, k.Allow("b"))
	assert.Equal(t, 2, k.Len())

	now = now.Add(2 * time.Minute)
	assert.True(t, k.Allow("c"))
	assert.Equal(t, 1, k.Len(), "idle buckets are evicted")
}
