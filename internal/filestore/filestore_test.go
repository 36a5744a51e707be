package filestore

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screentrail/internal/store"
)

var (
	pngBytes  = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{1}, 64)...)
	jpegBytes = append([]byte{0xff, 0xd8, 0xff, 0xe0}, bytes.Repeat([]byte{2}, 64)...)
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "sessions"), nil)
	require.NoError(t, err)
	return s
}

func TestSaveAndReadScreenshotRoundTrip(t *testing.T) {
	s := newTestStore(t)

	path, err := s.SaveScreenshot(12, 101, pngBytes)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(path))
	assert.Equal(t, filepath.Join(s.Root(), "session_000012", "screenshot_000101.png"), path)

	data, ok, err := s.ReadScreenshot(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pngBytes, data)

	rel, ok, err := s.ReadScreenshot("session_000012/screenshot_000101.png")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pngBytes, rel)
}

func TestSaveScreenshotExtensionFollowsContent(t *testing.T) {
	s := newTestStore(t)

	path, err := s.SaveScreenshot(1, 2, jpegBytes)
	require.NoError(t, err)
	assert.Equal(t, ".jpg", filepath.Ext(path))

	// Overwriting with a different encoding leaves a single file.
	path2, err := s.SaveScreenshot(1, 2, pngBytes)
	require.NoError(t, err)
	assert.Equal(t, ".png", filepath.Ext(path2))

	entries, err := os.ReadDir(s.SessionDir(1))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSaveScreenshotRejectsEmpty(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SaveScreenshot(1, 1, nil)
	assert.ErrorIs(t, err, ErrEmptyImage)
}

func TestReadScreenshotMissing(t *testing.T) {
	s := newTestStore(t)

	data, ok, err := s.ReadScreenshot(filepath.Join(s.Root(), "session_000001", "screenshot_000001.png"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, data)

	_, _, err = s.ReadScreenshot("../outside.png")
	assert.Error(t, err)
}

func TestDeleteSessionFolder(t *testing.T) {
	s := newTestStore(t)

	_, err := s.SaveScreenshot(3, 1, pngBytes)
	require.NoError(t, err)

	require.NoError(t, s.DeleteSessionFolder(3))
	_, err = os.Stat(s.SessionDir(3))
	assert.True(t, os.IsNotExist(err))

	// Missing folder is fine.
	assert.NoError(t, s.DeleteSessionFolder(3))
	assert.NoError(t, s.DeleteSessionFolder(999))
}

func TestDeleteScreenshotAndExists(t *testing.T) {
	s := newTestStore(t)

	path, err := s.SaveScreenshot(4, 9, pngBytes)
	require.NoError(t, err)
	assert.True(t, s.Exists(path))
	assert.Equal(t, int64(len(pngBytes)), s.Size(path))

	require.NoError(t, s.DeleteScreenshot(path))
	assert.False(t, s.Exists(path))
	assert.NoError(t, s.DeleteScreenshot(path))
	assert.False(t, s.Exists(""))
}

func TestDetectImage(t *testing.T) {
	kind, ok := DetectImage(pngBytes)
	require.True(t, ok)
	assert.Equal(t, "png", kind.Ext)

	kind, ok = DetectImage(jpegBytes)
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", kind.MIME)

	_, ok = DetectImage([]byte("just some text"))
	assert.False(t, ok)

	_, ok = DetectImage(nil)
	assert.False(t, ok)

	kind, ok = KindForMIME("jpg")
	require.True(t, ok)
	assert.Equal(t, "jpg", kind.Ext)
	_, ok = KindForMIME("bmp")
	assert.False(t, ok)
}

func testBundle(t *testing.T, s *Store) *store.SessionBundle {
	t.Helper()

	p1, err := s.SaveScreenshot(12, 101, pngBytes)
	require.NoError(t, err)

	task := "task-9"
	return &store.SessionBundle{
		Session: store.Session{
			ID:            12,
			CreatedAt:     "2026-04-01T10:00:00.000Z",
			Duration:      65,
			ApprovalState: store.ApprovalDraft,
			Kind:          store.KindTasked,
			TaskID:        &task,
		},
		Recordings: []store.Recording{
			{ID: 101, SessionID: 12, Timestamp: "2026-04-01T10:00:00.000Z", WindowName: "Terminal", WindowID: "0x1", Type: store.KindTasked, Label: "build", FilePath: p1},
			{ID: 102, SessionID: 12, Timestamp: "2026-04-01T10:01:05.000Z", WindowName: "Browser", Type: store.KindTasked, ImageData: "data:image/png;base64,AAAA"},
		},
		Comments: []store.Comment{
			{ID: 1, SessionID: 12, StartTime: 5, EndTime: 20, Text: "compiling", CreatedAt: "2026-04-01T10:02:00.000Z"},
		},
	}
}

func TestGenerateMetadataFile(t *testing.T) {
	s := newTestStore(t)
	b := testBundle(t, s)

	path, err := s.GenerateMetadataFile(b)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.SessionDir(12), MetadataFileName), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(raw)

	for _, section := range []string{"SESSION INFORMATION", "RECORDINGS", "COMMENTS"} {
		assert.Contains(t, text, section+"\n")
	}
	assert.Less(t, strings.Index(text, "SESSION INFORMATION"), strings.Index(text, "RECORDINGS"))
	assert.Less(t, strings.Index(text, "RECORDINGS"), strings.Index(text, "COMMENTS"))
	assert.Contains(t, text, "00:01:05 (65 seconds)")
	assert.Contains(t, text, "task-9")
	assert.Contains(t, text, "Terminal [0x1]")
	assert.Contains(t, text, "screenshot_000101.png")
	assert.Contains(t, text, "(inline, not migrated)")
	assert.Contains(t, text, "[00:00:05 - 00:00:20] compiling")

	// Regeneration is wholesale and stable.
	_, err = s.GenerateMetadataFile(b)
	require.NoError(t, err)
	again, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, raw, again)
}

func TestSaveSessionInfo(t *testing.T) {
	s := newTestStore(t)
	b := testBundle(t, s)

	path, err := s.SaveSessionInfo(b)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, ValidateSessionInfo(raw))

	var info SessionInfo
	require.NoError(t, json.Unmarshal(raw, &info))
	assert.Equal(t, SessionInfoVersion, info.Version)
	assert.Equal(t, int64(12), info.Session.ID)
	require.Len(t, info.Recordings, 2)
	assert.Equal(t, Digest(pngBytes), info.Recordings[0].Digest)
	assert.Equal(t, int64(len(pngBytes)), info.Recordings[0].Size)
	assert.Equal(t, int64(0), info.Recordings[0].OffsetSeconds)
	assert.Equal(t, int64(65), info.Recordings[1].OffsetSeconds)
	assert.Empty(t, info.Recordings[1].Digest)
	require.Len(t, info.Comments, 1)
	assert.Equal(t, "compiling", info.Comments[0].Text)

	_, err = s.SaveSessionInfo(b)
	require.NoError(t, err)
	again, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, raw, again)
}

func TestSessionInfoEmptyCollections(t *testing.T) {
	s := newTestStore(t)
	b := &store.SessionBundle{Session: store.Session{
		ID: 5, CreatedAt: "2026-04-01T10:00:00.000Z", ApprovalState: store.ApprovalDraft, Kind: store.KindPassive,
	}}

	data, err := s.EncodeSessionInfo(b)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"recordings": []`)
	assert.Contains(t, string(data), `"comments": []`)
}

func TestValidateSessionInfoRejects(t *testing.T) {
	assert.Error(t, ValidateSessionInfo([]byte(`{"version": 2}`)))
	assert.Error(t, ValidateSessionInfo([]byte(`not json`)))
	assert.Error(t, ValidateSessionInfo([]byte(`{
		"version": 1, "generated_by": "x", "recordings": [], "comments": [],
		"session": {"id": 1, "created_at": "x", "duration": -1, "approval_state": "draft",
		            "session_status": "passive", "task_id": null, "reward_id": null}
	}`)))
}

type fakeLoader struct {
	mu      sync.Mutex
	bundles map[int64]*store.SessionBundle
	loads   map[int64]int
}

func (f *fakeLoader) Bundle(id int64) (*store.SessionBundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads[id]++
	return f.bundles[id], nil
}

func (f *fakeLoader) count(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads[id]
}

type fakeIndexer struct {
	mu      sync.Mutex
	indexed []int64
	deleted []int64
}

func (f *fakeIndexer) IndexSession(b *store.SessionBundle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, b.Session.ID)
	return nil
}

func (f *fakeIndexer) DeleteSession(id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func TestRefresherDebouncesPerSession(t *testing.T) {
	s := newTestStore(t)
	b := testBundle(t, s)
	other := &store.SessionBundle{Session: store.Session{
		ID: 13, CreatedAt: "2026-04-01T11:00:00.000Z", ApprovalState: store.ApprovalDraft, Kind: store.KindPassive,
	}}
	loader := &fakeLoader{
		bundles: map[int64]*store.SessionBundle{12: b, 13: other},
		loads:   map[int64]int{},
	}
	idx := &fakeIndexer{}

	r := NewRefresher(s, loader, RefresherOptions{Delay: 20 * time.Millisecond, Indexer: idx})
	for i := 0; i < 10; i++ {
		r.Schedule(12)
	}
	r.Schedule(13)

	assert.Eventually(t, func() bool {
		return loader.count(12) == 1 && loader.count(13) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, loader.count(12))
	assert.FileExists(t, filepath.Join(s.SessionDir(12), MetadataFileName))
	assert.FileExists(t, filepath.Join(s.SessionDir(13), SessionInfoFileName))

	idx.mu.Lock()
	assert.ElementsMatch(t, []int64{12, 13}, idx.indexed)
	idx.mu.Unlock()
}

func TestRefresherFlushRunsPending(t *testing.T) {
	s := newTestStore(t)
	b := testBundle(t, s)
	loader := &fakeLoader{bundles: map[int64]*store.SessionBundle{12: b}, loads: map[int64]int{}}

	r := NewRefresher(s, loader, RefresherOptions{Delay: time.Hour})
	r.Schedule(12)
	assert.Equal(t, 1, r.Pending())

	assert.Equal(t, 1, r.Flush())
	assert.Equal(t, 0, r.Pending())
	assert.FileExists(t, filepath.Join(s.SessionDir(12), SessionInfoFileName))

	assert.Equal(t, 0, r.Close())
	r.Schedule(12)
	assert.Equal(t, 0, r.Pending())
}

func TestRefreshNowMissingSessionUnindexes(t *testing.T) {
	s := newTestStore(t)
	loader := &fakeLoader{bundles: map[int64]*store.SessionBundle{}, loads: map[int64]int{}}
	idx := &fakeIndexer{}

	r := NewRefresher(s, loader, RefresherOptions{Delay: time.Hour, Indexer: idx})
	r.Schedule(77)
	require.NoError(t, r.RefreshNow(77))

	assert.Equal(t, 0, r.Pending())
	assert.Equal(t, []int64{77}, idx.deleted)
	_, err := os.Stat(s.SessionDir(77))
	assert.True(t, os.IsNotExist(err))
}

func TestDecodeInline(t *testing.T) {
	data, err := DecodeInline(EncodeDataURL(pngBytes))
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)

	data, err = DecodeInline("data:image/jpg;base64," + base64.StdEncoding.EncodeToString(jpegBytes))
	require.NoError(t, err)
	assert.Equal(t, jpegBytes, data)

	// Bare base64 must decode to an image.
	data, err = DecodeInline(base64.StdEncoding.EncodeToString(pngBytes))
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)

	bad := []string{
		"",
		"data:image/bmp;base64,AAAA",
		"data:text/plain;base64,AAAA",
		"data:image/png;base64,",
		"data:image/png;base64,!!!",
		base64.StdEncoding.EncodeToString([]byte("plain text, not an image")),
	}
	for _, payload := range bad {
		_, err := DecodeInline(payload)
		assert.ErrorIs(t, err, ErrUnsupportedInline, "payload %q", payload)
	}
}
