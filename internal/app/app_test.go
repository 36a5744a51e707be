package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screentrail/internal/capture"
	"screentrail/internal/config"
	"screentrail/internal/filestore"
	"screentrail/internal/health"
	"screentrail/internal/logging"
	"screentrail/internal/migrate"
	"screentrail/internal/remote"
	"screentrail/internal/security"
	"screentrail/internal/store"
	"screentrail/internal/submit"
	"screentrail/internal/syncer"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{7}, 32)...)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Capture.IntervalSec = 1
	cfg.Remote.UserID = "user-1"
	return cfg
}

func openApp(t *testing.T, cfg *config.Config, backend remote.Backend) *App {
	t.Helper()
	a, err := Open(cfg, Options{
		Backend: backend,
		Sleep:   func(ctx context.Context, d time.Duration) error { return nil },
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

// seed creates a session with n recordings one second apart.
func seed(t *testing.T, a *App, n int) int64 {
	t.Helper()
	st := a.Store()
	sid, err := st.CreateSession(store.KindPassive, nil)
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		rid, err := st.CreateRecording(&store.Recording{
			SessionID:  sid,
			Timestamp:  base.Add(time.Duration(i) * time.Second).Format(store.TimeLayout),
			WindowName: "Spreadsheet quarterly report",
			WindowID:   "w1",
			Type:       store.KindPassive,
		})
		require.NoError(t, err)
		path, err := a.Files().SaveScreenshot(sid, rid, pngBytes)
		require.NoError(t, err)
		require.NoError(t, st.SetFilePath(rid, path))
	}
	return sid
}

func TestOpenLocksDataDir(t *testing.T) {
	cfg := testConfig(t)
	a := openApp(t, cfg, nil)

	_, err := Open(cfg, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, security.ErrLocked))

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	again, err := Open(cfg, Options{})
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestMutationsRegenerateMetadata(t *testing.T) {
	a := openApp(t, testConfig(t), nil)
	sid := seed(t, a, 2)

	bundle, err := a.Session(sid)
	require.NoError(t, err)
	require.Len(t, bundle.Recordings, 2)

	require.NoError(t, a.SetLabel(bundle.Recordings[0].ID, "budget review"))
	cid, err := a.AddComment(sid, 0, 1, "looked at totals")
	require.NoError(t, err)
	assert.Equal(t, 1, a.Flush())

	dir := a.Files().SessionDir(sid)
	meta, err := os.ReadFile(filepath.Join(dir, "metadata.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(meta), "budget review")
	assert.Contains(t, string(meta), "looked at totals")

	info, err := os.ReadFile(filepath.Join(dir, "session_info.json"))
	require.NoError(t, err)
	assert.NoError(t, filestore.ValidateSessionInfo(info))

	hits, err := a.Search("budget", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, sid, hits[0].SessionID)

	require.NoError(t, a.EditComment(cid, 0, 1, "checked margins"))
	require.NoError(t, a.DeleteComment(cid))
	assert.True(t, errors.Is(a.DeleteComment(cid), ErrNotFound))
	a.Flush()

	meta, err = os.ReadFile(filepath.Join(dir, "metadata.txt"))
	require.NoError(t, err)
	assert.NotContains(t, string(meta), "looked at totals")
}

func TestTextValidation(t *testing.T) {
	a := openApp(t, testConfig(t), nil)
	sid := seed(t, a, 1)
	b, err := a.Session(sid)
	require.NoError(t, err)

	err = a.SetLabel(b.Recordings[0].ID, "bad\x00label")
	assert.True(t, errors.Is(err, security.ErrNullByte))

	_, err = a.AddComment(sid, 0, 1, "bell\x07")
	assert.True(t, errors.Is(err, security.ErrControlCharacters))

	_, err = a.AddComment(sid+100, 0, 1, "fine")
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.True(t, errors.Is(a.SetLabel(9999, "x"), ErrNotFound))
}

func TestDeleteSession(t *testing.T) {
	a := openApp(t, testConfig(t), nil)
	sid := seed(t, a, 1)
	n, err := a.Reindex()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, a.DeleteSession(context.Background(), sid))
	assert.NoDirExists(t, a.Files().SessionDir(sid))

	_, err = a.Session(sid)
	assert.True(t, errors.Is(err, ErrNotFound))
	hits, err := a.Search("spreadsheet", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	assert.True(t, errors.Is(a.DeleteSession(context.Background(), sid), ErrNotFound))

	acts, err := a.Activity(10)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, logging.ActivityDeleted, acts[0].Type)
}

func TestSubmitThenSyncSkipsOwnSession(t *testing.T) {
	backend := remote.NewMemory()
	a := openApp(t, testConfig(t), backend)
	sid := seed(t, a, 3)

	var last int
	res, err := a.Submit(context.Background(), sid, func(p submit.Progress) { last = p.Current })
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 3, res.Uploaded)
	assert.Equal(t, 6, last)

	sess, err := a.Store().GetSession(sid)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalSubmitted, sess.ApprovalState)
	require.NotNil(t, sess.RemoteID)
	assert.Equal(t, res.RemoteSessionID, *sess.RemoteID)

	// A session created on another device.
	other, err := backend.CreateSession(context.Background(), remote.Session{UserID: "user-1", SessionStatus: "tasked"})
	require.NoError(t, err)
	ref, err := backend.PutObject(context.Background(), remote.DefaultBucket, "user-1/x.png", pngBytes, "image/png")
	require.NoError(t, err)
	_, err = backend.InsertRecordings(context.Background(), "user-1", other.ID, []remote.Recording{{
		Timestamp: "2026-03-02T09:00:00Z", WindowName: "Editor", Type: "tasked", ImageRef: ref,
	}})
	require.NoError(t, err)

	syncRes, outcome, err := a.Sync(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, syncer.OutcomeRan, outcome)
	assert.Equal(t, 1, syncRes.Synced)
	assert.Equal(t, 1, syncRes.Skipped)

	pulled, err := a.Session(other.ID)
	require.NoError(t, err)
	require.Len(t, pulled.Recordings, 1)
	assert.True(t, a.Files().Exists(pulled.Recordings[0].FilePath))

	_, outcome, err = a.Sync(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, syncer.OutcomeThrottled, outcome)
	_, ok := a.LastSync()
	assert.True(t, ok)

	syncRes, outcome, err = a.Sync(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, syncer.OutcomeRan, outcome)
	assert.Equal(t, 2, syncRes.Skipped)

	acts, err := a.Activity(0)
	require.NoError(t, err)
	require.Len(t, acts, 3)
	assert.Equal(t, logging.ActivitySubmitted, acts[2].Type)
	require.NotNil(t, acts[2].RemoteID)
}

func TestSubmitFailureLeavesDraft(t *testing.T) {
	backend := remote.NewMemory()
	backend.SetFault(func(op remote.Op, key string) error {
		if op == remote.OpPutObject {
			return remote.ErrUnavailable
		}
		return nil
	})
	a := openApp(t, testConfig(t), backend)
	sid := seed(t, a, 1)

	res, err := a.Submit(context.Background(), sid, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 0, backend.SessionCount())

	sess, err := a.Store().GetSession(sid)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalDraft, sess.ApprovalState)
	assert.Nil(t, sess.RemoteID)

	acts, err := a.Activity(1)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, logging.ActivitySubmitFailed, acts[0].Type)
	assert.Equal(t, "failure", acts[0].Result)
}

func TestRemoteNotConfigured(t *testing.T) {
	a := openApp(t, testConfig(t), nil)

	_, err := a.Submit(context.Background(), 1, nil)
	assert.True(t, errors.Is(err, ErrNoRemote))
	_, _, err = a.Sync(context.Background(), false)
	assert.True(t, errors.Is(err, ErrNoRemote))

	report := a.HealthChecker().RunChecks(context.Background())
	assert.Equal(t, health.StatusDegraded, report.Status)
	for _, c := range report.Components {
		if c.Name == "remote" {
			assert.Equal(t, health.StatusDegraded, c.Status)
		} else {
			assert.Equal(t, health.StatusHealthy, c.Status, c.Name)
		}
	}
}

func TestMigrationAndCleanup(t *testing.T) {
	a := openApp(t, testConfig(t), nil)
	st := a.Store()
	sid, err := st.CreateSession(store.KindPassive, nil)
	require.NoError(t, err)
	rid, err := st.CreateRecording(&store.Recording{
		SessionID: sid,
		Timestamp: "2026-03-01T10:00:00.000Z",
		ImageData: filestore.EncodeDataURL(pngBytes),
		Type:      store.KindPassive,
	})
	require.NoError(t, err)

	report, n, err := a.CleanupLegacy(context.Background())
	assert.ErrorIs(t, err, migrate.ErrUnverified)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, report.Invalid)

	res, err := a.MigrateToFiles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Migrated)

	report, n, err = a.CleanupLegacy(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Passed())
	assert.Equal(t, 1, n)

	rec, err := st.GetRecording(rid)
	require.NoError(t, err)
	assert.False(t, rec.HasInline())
	data, ok, err := a.Files().ReadScreenshot(rec.FilePath)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pngBytes, data)
}

func TestRecord(t *testing.T) {
	a := openApp(t, testConfig(t), nil)

	var calls atomic.Int32
	provider := capture.ProviderFunc(func(ctx context.Context, sourceID string, kind store.SessionKind) (*capture.Frame, error) {
		calls.Add(1)
		return &capture.Frame{WindowName: "Terminal", WindowID: "t1", Image: pngBytes}, nil
	})
	rec := a.NewRecorder(provider)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	snap, err := a.Record(ctx, rec, store.KindPassive, nil)
	require.NoError(t, err)
	require.NotNil(t, snap.SessionID)
	assert.EqualValues(t, 1, calls.Load())

	b, err := a.Session(*snap.SessionID)
	require.NoError(t, err)
	assert.Len(t, b.Recordings, 1)
	assert.Equal(t, snap.Seconds, b.Session.Duration)
	assert.FileExists(t, filepath.Join(a.Files().SessionDir(*snap.SessionID), "metadata.txt"))

	acts, err := a.Activity(0)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, logging.ActivityRecordingStopped, acts[0].Type)
	assert.Equal(t, logging.ActivityRecordingStarted, acts[1].Type)
}
