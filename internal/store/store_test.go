package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// steppingClock returns a clock that advances one second per call.
func steppingClock() func() time.Time {
	t := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), WithClock(steppingClock()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func addRecording(t *testing.T, s *Store, sessionID int64, ts string) int64 {
	t.Helper()
	id, err := s.CreateRecording(&Recording{
		SessionID:  sessionID,
		Timestamp:  ts,
		WindowName: "Editor",
		WindowID:   "win-1",
		Type:       KindPassive,
	})
	require.NoError(t, err)
	return id
}

func TestOpenAndClose(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	assert.NoError(t, s.Ping())
	assert.NoError(t, s.Close())
}

func TestOpenCreatesDirectory(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "subdir", "nested", "test.db"))
	require.NoError(t, err)
	defer s.Close()
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	assert.NoError(t, s.Close())
}

func TestCreateSessionDefaults(t *testing.T) {
	s := openTestStore(t)

	id, err := s.CreateSession(KindPassive, nil)
	require.NoError(t, err)

	sess, err := s.GetSession(id)
	require.NoError(t, err)
	require.NotNil(t, sess)

	assert.Equal(t, int64(0), sess.Duration)
	assert.Equal(t, ApprovalDraft, sess.ApprovalState)
	assert.Equal(t, KindPassive, sess.Kind)
	assert.Nil(t, sess.TaskID)
	assert.Nil(t, sess.RemoteID)
	assert.NotEmpty(t, sess.CreatedAt)
}

func TestCreateSessionWithTask(t *testing.T) {
	s := openTestStore(t)

	task := "task-17"
	id, err := s.CreateSession(KindTasked, &task)
	require.NoError(t, err)

	sess, err := s.GetSession(id)
	require.NoError(t, err)
	require.NotNil(t, sess.TaskID)
	assert.Equal(t, "task-17", *sess.TaskID)
	assert.Equal(t, KindTasked, sess.Kind)
}

func TestCreateSessionRejectsUnknownKind(t *testing.T) {
	s := openTestStore(t)

	_, err := s.CreateSession(SessionKind("bogus"), nil)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)

	sess, err := s.GetSession(999)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestListSessionsOnlyWithRecordingsNewestFirst(t *testing.T) {
	s := openTestStore(t)

	a, err := s.CreateSession(KindPassive, nil)
	require.NoError(t, err)
	b, err := s.CreateSession(KindPassive, nil)
	require.NoError(t, err)
	c, err := s.CreateSession(KindPassive, nil)
	require.NoError(t, err)

	addRecording(t, s, a, "2026-05-04T12:00:10.000Z")
	addRecording(t, s, c, "2026-05-04T12:00:20.000Z")

	sessions, err := s.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, c, sessions[0].ID)
	assert.Equal(t, a, sessions[1].ID)

	all, err := s.ListAllSessions()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{c, b, a}, []int64{all[0].ID, all[1].ID, all[2].ID})
}

func TestListSessionsTieBreaksOnID(t *testing.T) {
	fixed := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	defer s.Close()

	first, err := s.CreateSession(KindPassive, nil)
	require.NoError(t, err)
	second, err := s.CreateSession(KindPassive, nil)
	require.NoError(t, err)
	addRecording(t, s, first, "2026-05-04T12:00:00.000Z")
	addRecording(t, s, second, "2026-05-04T12:00:00.000Z")

	sessions, err := s.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, second, sessions[0].ID)
}

func TestUpdateDurationIsAbsolute(t *testing.T) {
	s := openTestStore(t)

	id, err := s.CreateSession(KindPassive, nil)
	require.NoError(t, err)

	require.NoError(t, s.UpdateDuration(id, 120))
	require.NoError(t, s.UpdateDuration(id, 45))

	sess, err := s.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, int64(45), sess.Duration)

	assert.ErrorIs(t, s.UpdateDuration(id, -1), ErrInvalid)
	assert.ErrorIs(t, s.UpdateDuration(999, 10), ErrNotFound)
}

func TestSubmitForApprovalAndRemoteID(t *testing.T) {
	s := openTestStore(t)

	id, err := s.CreateSession(KindPassive, nil)
	require.NoError(t, err)

	require.NoError(t, s.SubmitForApproval(id))
	require.NoError(t, s.SetRemoteID(id, 5001))

	sess, err := s.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, ApprovalSubmitted, sess.ApprovalState)
	require.NotNil(t, sess.SubmittedAt)
	require.NotNil(t, sess.RemoteID)
	assert.Equal(t, int64(5001), *sess.RemoteID)

	exists, err := s.SessionExistsForRemote(5001)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.SessionExistsForRemote(5002)
	require.NoError(t, err)
	assert.False(t, exists)

	// Submitting twice is not an error.
	assert.NoError(t, s.SubmitForApproval(id))
}

func TestUpsertSessionInsertsAndReplaces(t *testing.T) {
	s := openTestStore(t)

	reward := "r-1"
	sess := &Session{
		ID:            900,
		CreatedAt:     "2026-01-02T03:04:05.000Z",
		Duration:      300,
		ApprovalState: ApprovalApproved,
		Kind:          KindTasked,
		RewardID:      &reward,
	}
	require.NoError(t, s.UpsertSession(sess))

	exists, err := s.SessionExists(900)
	require.NoError(t, err)
	assert.True(t, exists)

	sess.Duration = 360
	sess.ApprovalState = ApprovalRejected
	require.NoError(t, s.UpsertSession(sess))

	got, err := s.GetSession(900)
	require.NoError(t, err)
	assert.Equal(t, int64(360), got.Duration)
	assert.Equal(t, ApprovalRejected, got.ApprovalState)
	require.NotNil(t, got.RewardID)
	assert.Equal(t, "r-1", *got.RewardID)

	n, err := s.CountSessions()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpsertSessionValidates(t *testing.T) {
	s := openTestStore(t)

	err := s.UpsertSession(&Session{ID: 1, CreatedAt: "x", ApprovalState: "pending", Kind: KindPassive})
	assert.ErrorIs(t, err, ErrInvalid)

	err = s.UpsertSession(&Session{ID: 1, CreatedAt: "x", ApprovalState: ApprovalDraft, Kind: KindPassive, Duration: -5})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestDeleteSessionCascades(t *testing.T) {
	s := openTestStore(t)

	id, err := s.CreateSession(KindPassive, nil)
	require.NoError(t, err)
	recID := addRecording(t, s, id, "2026-05-04T12:00:00.000Z")
	_, err = s.CreateComment(&Comment{SessionID: id, StartTime: 1, EndTime: 2, Text: "hello"})
	require.NoError(t, err)

	other, err := s.CreateSession(KindPassive, nil)
	require.NoError(t, err)
	addRecording(t, s, other, "2026-05-04T12:00:00.000Z")

	require.NoError(t, s.DeleteSession(id))

	rec, err := s.GetRecording(recID)
	require.NoError(t, err)
	assert.Nil(t, rec)

	comments, err := s.ListComments(id)
	require.NoError(t, err)
	assert.Empty(t, comments)

	n, err := s.CountRecordings()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.ErrorIs(t, s.DeleteSession(id), ErrNotFound)
}

func TestRecordingForeignKey(t *testing.T) {
	s := openTestStore(t)

	_, err := s.CreateRecording(&Recording{SessionID: 404, Timestamp: "2026-05-04T12:00:00.000Z"})
	assert.Error(t, err)
}

func TestListRecordingsOrderedByTimestamp(t *testing.T) {
	s := openTestStore(t)

	id, err := s.CreateSession(KindPassive, nil)
	require.NoError(t, err)

	late := addRecording(t, s, id, "2026-05-04T12:00:30.000Z")
	early := addRecording(t, s, id, "2026-05-04T12:00:10.000Z")
	mid := addRecording(t, s, id, "2026-05-04T12:00:20.000Z")

	recs, err := s.ListRecordings(id)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []int64{early, mid, late}, []int64{recs[0].ID, recs[1].ID, recs[2].ID})
	assert.Equal(t, KindPassive, recs[0].Type)
}

func TestRecordingLabelAndFilePath(t *testing.T) {
	s := openTestStore(t)

	id, err := s.CreateSession(KindPassive, nil)
	require.NoError(t, err)

	recID, err := s.CreateRecording(&Recording{
		SessionID:     id,
		Timestamp:     "2026-05-04T12:00:00.000Z",
		ImageData:     "data:image/png;base64,AAAA",
		ThumbnailData: "data:image/png;base64,BBBB",
	})
	require.NoError(t, err)

	require.NoError(t, s.UpdateLabel(recID, "typing a reply"))
	require.NoError(t, s.SetFilePath(recID, "session_000001/screenshot_000001.png"))

	missing, err := s.ListRecordingsWithoutFile()
	require.NoError(t, err)
	assert.Empty(t, missing)

	require.NoError(t, s.ClearInlineImage(recID))

	rec, err := s.GetRecording(recID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "typing a reply", rec.Label)
	assert.True(t, rec.HasFile())
	assert.False(t, rec.HasInline())
	assert.Empty(t, rec.ThumbnailData)

	require.NoError(t, s.UpdateLabel(recID, ""))
	rec, err = s.GetRecording(recID)
	require.NoError(t, err)
	assert.Empty(t, rec.Label)

	assert.ErrorIs(t, s.UpdateLabel(12345, "x"), ErrNotFound)
}

func TestListRecordingsWithoutFile(t *testing.T) {
	s := openTestStore(t)

	id, err := s.CreateSession(KindPassive, nil)
	require.NoError(t, err)
	a := addRecording(t, s, id, "2026-05-04T12:00:00.000Z")
	b := addRecording(t, s, id, "2026-05-04T12:00:01.000Z")
	require.NoError(t, s.SetFilePath(a, "session_000001/screenshot_000001.png"))

	recs, err := s.ListRecordingsWithoutFile()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, b, recs[0].ID)
}

func TestCommentsOrderedAndValidated(t *testing.T) {
	s := openTestStore(t)

	id, err := s.CreateSession(KindPassive, nil)
	require.NoError(t, err)

	_, err = s.CreateComment(&Comment{SessionID: id, StartTime: 30, EndTime: 40, Text: "later"})
	require.NoError(t, err)
	first, err := s.CreateComment(&Comment{SessionID: id, StartTime: 5.5, EndTime: 5.5, Text: "instant"})
	require.NoError(t, err)

	comments, err := s.ListComments(id)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, first, comments[0].ID)
	assert.Equal(t, 5.5, comments[0].StartTime)
	assert.NotEmpty(t, comments[0].CreatedAt)

	_, err = s.CreateComment(&Comment{SessionID: id, StartTime: 10, EndTime: 5, Text: "backwards"})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = s.CreateComment(&Comment{SessionID: id, StartTime: -1, EndTime: 5, Text: "negative"})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestUpdateAndDeleteComment(t *testing.T) {
	s := openTestStore(t)

	id, err := s.CreateSession(KindPassive, nil)
	require.NoError(t, err)
	cid, err := s.CreateComment(&Comment{SessionID: id, StartTime: 1, EndTime: 2, Text: "draft"})
	require.NoError(t, err)

	require.NoError(t, s.UpdateComment(cid, 3, 4, "final"))

	c, err := s.GetComment(cid)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "final", c.Text)
	assert.Equal(t, 3.0, c.StartTime)

	assert.ErrorIs(t, s.UpdateComment(cid, 4, 3, "bad"), ErrInvalid)

	require.NoError(t, s.DeleteComment(cid))
	c, err = s.GetComment(cid)
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.ErrorIs(t, s.DeleteComment(cid), ErrNotFound)
}

func TestBundle(t *testing.T) {
	s := openTestStore(t)

	id, err := s.CreateSession(KindPassive, nil)
	require.NoError(t, err)
	addRecording(t, s, id, "2026-05-04T12:00:00.000Z")
	_, err = s.CreateComment(&Comment{SessionID: id, StartTime: 0, EndTime: 1, Text: "c"})
	require.NoError(t, err)

	b, err := s.Bundle(id)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, id, b.Session.ID)
	assert.Len(t, b.Recordings, 1)
	assert.Len(t, b.Comments, 1)

	b, err = s.Bundle(404)
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	v, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), v)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	status, err := GetMigrationStatus(s.DB())
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), status.CurrentVersion)
	assert.Empty(t, status.Pending)
	assert.Len(t, status.Applied, len(migrations))
	assert.NoError(t, ValidateSchema(s.DB()))
}

func TestMigrateLegacyDatabaseWithFilePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	// An early build created the tables and added file_path without any
	// migration bookkeeping.
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(migrationV1Up)
	require.NoError(t, err)
	_, err = db.Exec(migrationV2Up)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO sessions (created_at, duration) VALUES ('2025-01-01T00:00:00.000Z', 12)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), v)

	sess, err := s.GetSession(1)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, int64(12), sess.Duration)
}

func TestMigrationStatusBeforeMigrate(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	defer db.Close()

	status, err := GetMigrationStatus(db)
	require.NoError(t, err)
	assert.Equal(t, 0, status.CurrentVersion)
	assert.Len(t, status.Pending, len(migrations))
	assert.Error(t, ValidateSchema(db))
}
