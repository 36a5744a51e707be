package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screentrail/internal/app"
	"screentrail/internal/config"
	"screentrail/internal/store"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{1}, 16)...)

type harness struct {
	dataDir    string
	configPath string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	for _, key := range []string{"DATA_DIR", "DB_PATH", "INBOX_DIR", "REMOTE_URL", "REMOTE_TOKEN", "USER_ID", "BUCKET", "SEARCH", "LOG_LEVEL", "LOG_PATH"} {
		t.Setenv(config.EnvPrefix+key, "")
	}
	dir := t.TempDir()
	return &harness{
		dataDir:    filepath.Join(dir, "data"),
		configPath: filepath.Join(dir, "config.toml"),
	}
}

func (h *harness) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	deps := &Dependencies{Out: &out, Err: &errOut}
	root := NewRootCmd(deps)
	root.SetArgs(append([]string{"--config", h.configPath, "--data-dir", h.dataDir, "--log-level", "error"}, args...))
	err := root.Execute()
	require.NoError(t, deps.Close())
	return out.String(), errOut.String(), err
}

// seed writes one session with a recording directly through the app.
func (h *harness) seed(t *testing.T) int64 {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = h.dataDir
	a, err := app.Open(cfg, app.Options{})
	require.NoError(t, err)
	defer a.Close()

	sid, err := a.Store().CreateSession(store.KindPassive, nil)
	require.NoError(t, err)
	rid, err := a.Store().CreateRecording(&store.Recording{
		SessionID:  sid,
		Timestamp:  "2026-05-01T12:00:00.000Z",
		WindowName: "Browser",
		Type:       store.KindPassive,
	})
	require.NoError(t, err)
	path, err := a.Files().SaveScreenshot(sid, rid, pngBytes)
	require.NoError(t, err)
	require.NoError(t, a.Store().SetFilePath(rid, path))
	return sid
}

func TestSessionsCommands(t *testing.T) {
	h := newHarness(t)

	out, _, err := h.run(t, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions found")

	sid := h.seed(t)

	out, _, err = h.run(t, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "passive")
	assert.Contains(t, out, "draft")

	out, _, err = h.run(t, "comment", "add", "1", "0", "2.5", "first look")
	require.NoError(t, err)
	assert.Contains(t, out, "Added comment 1")

	_, _, err = h.run(t, "comment", "add", "1", "3", "1", "backwards")
	assert.Error(t, err)

	out, _, err = h.run(t, "label", "1", "landing page")
	require.NoError(t, err)
	assert.Contains(t, out, "Labeled recording 1")

	out, _, err = h.run(t, "sessions", "show", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "landing page")
	assert.Contains(t, out, "first look")

	meta, err := os.ReadFile(filepath.Join(h.dataDir, "sessions", "session_000001", "metadata.txt"))
	require.NoError(t, err, "metadata is flushed when the command exits")
	assert.Contains(t, string(meta), "first look")

	out, _, err = h.run(t, "search", "landing")
	require.NoError(t, err)
	assert.Contains(t, out, "landing page")

	out, _, err = h.run(t, "sessions", "delete", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted session 1")
	assert.NoDirExists(t, filepath.Join(h.dataDir, "sessions", "session_000001"))

	out, _, err = h.run(t, "activity")
	require.NoError(t, err)
	assert.Contains(t, out, "session_deleted")

	_, _, err = h.run(t, "sessions", "show", "abc")
	assert.Error(t, err)
	_ = sid
}

func TestRemoteCommandsWithoutBackend(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	_, _, err := h.run(t, "submit", "1")
	assert.ErrorIs(t, err, app.ErrNoRemote)

	_, _, err = h.run(t, "sync")
	assert.ErrorIs(t, err, app.ErrNoRemote)

	out, _, err := h.run(t, "doctor")
	require.NoError(t, err)
	assert.Contains(t, out, "remote not configured")
	assert.Contains(t, out, "Overall: degraded")
	assert.Contains(t, out, "Crash reports: 0")
}

func TestMigrateCommands(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	out, _, err := h.run(t, "migrate", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "1 valid, 0 invalid")

	_, _, err = h.run(t, "migrate", "cleanup")
	assert.Error(t, err)

	out, _, err = h.run(t, "migrate", "cleanup", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed inline data from 0 recordings")

	out, _, err = h.run(t, "migrate", "files")
	require.NoError(t, err)
	assert.Contains(t, out, "migrated 0 recordings")
}

func TestConfigCommands(t *testing.T) {
	h := newHarness(t)

	out, _, err := h.run(t, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote")
	assert.FileExists(t, h.configPath)

	out, _, err = h.run(t, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")

	t.Setenv(config.EnvPrefix+"REMOTE_TOKEN", "s3cret")
	out, _, err = h.run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "[storage]")
	assert.NotContains(t, out, "s3cret")
	assert.True(t, strings.Contains(out, h.dataDir))

	out, _, err = h.run(t, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, h.configPath, strings.TrimSpace(out))
}
