package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// TimeLayout is the layout used for every timestamp the store writes.
// Fixed width in UTC so that lexical order matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Store represents the SQLite session store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	busyTimeoutMs int
	now           func() time.Time
}

// WithBusyTimeout sets the SQLite busy timeout.
func WithBusyTimeout(ms int) Option {
	return func(o *openOptions) { o.busyTimeoutMs = ms }
}

// WithClock overrides the clock used for created_at columns.
func WithClock(now func() time.Time) Option {
	return func(o *openOptions) { o.now = now }
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string, opts ...Option) (*Store, error) {
	o := openOptions{busyTimeoutMs: 5000, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, o.busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db, now: o.now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for schema inspection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion() (int, error) {
	return schemaVersion(s.db)
}

// Ping checks the database connection and that every table exists.
func (s *Store) Ping() error {
	if err := s.db.Ping(); err != nil {
		return err
	}
	return ValidateSchema(s.db)
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(TimeLayout)
}

// Sessions

const sessionColumns = `id, created_at, duration, approval_state, session_status, task_id, reward_id, remote_id, submitted_at`

// CreateSession inserts a draft session with zero duration and returns its ID.
func (s *Store) CreateSession(kind SessionKind, taskID *string) (int64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: session kind %q", ErrInvalid, kind)
	}

	result, err := s.db.Exec(`
		INSERT INTO sessions (created_at, duration, approval_state, session_status, task_id)
		VALUES (?, 0, ?, ?, ?)`,
		s.timestamp(), string(ApprovalDraft), string(kind), taskID,
	)
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	return id, nil
}

// GetSession retrieves a session by ID. It returns nil when absent.
func (s *Store) GetSession(id int64) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions that have at least one recording, newest first.
func (s *Store) ListSessions() ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT ` + sessionColumns + `
		FROM sessions s
		WHERE EXISTS (SELECT 1 FROM recordings r WHERE r.session_id = s.id)
		ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// ListAllSessions returns every session including empty ones, newest first.
func (s *Store) ListAllSessions() ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT ` + sessionColumns + `
		FROM sessions
		ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query all sessions: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// UpdateDuration sets the session duration to an absolute number of seconds.
func (s *Store) UpdateDuration(id int64, seconds int64) error {
	if seconds < 0 {
		return fmt.Errorf("%w: negative duration %d", ErrInvalid, seconds)
	}
	return s.execOne(`UPDATE sessions SET duration = ? WHERE id = ?`, "update duration", seconds, id)
}

// SubmitForApproval marks the session as submitted. It performs no validation.
func (s *Store) SubmitForApproval(id int64) error {
	return s.execOne(`UPDATE sessions SET approval_state = ?, submitted_at = ? WHERE id = ?`,
		"submit session", string(ApprovalSubmitted), s.timestamp(), id)
}

// SetRemoteID records the backend id assigned to a submitted session.
func (s *Store) SetRemoteID(id, remoteID int64) error {
	return s.execOne(`UPDATE sessions SET remote_id = ? WHERE id = ?`, "set remote id", remoteID, id)
}

// UpsertSession inserts or replaces the fixed column set of a session whose
// id originates remotely.
func (s *Store) UpsertSession(sess *Session) error {
	if !sess.ApprovalState.Valid() {
		return fmt.Errorf("%w: approval state %q", ErrInvalid, sess.ApprovalState)
	}
	if !sess.Kind.Valid() {
		return fmt.Errorf("%w: session kind %q", ErrInvalid, sess.Kind)
	}
	if sess.Duration < 0 {
		return fmt.Errorf("%w: negative duration %d", ErrInvalid, sess.Duration)
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, created_at, duration, approval_state, session_status, task_id, reward_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at = excluded.created_at,
			duration = excluded.duration,
			approval_state = excluded.approval_state,
			session_status = excluded.session_status,
			task_id = excluded.task_id,
			reward_id = excluded.reward_id`,
		sess.ID, sess.CreatedAt, sess.Duration, string(sess.ApprovalState), string(sess.Kind), sess.TaskID, sess.RewardID,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// SessionExists reports whether a session with the given id exists.
func (s *Store) SessionExists(id int64) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	return n > 0, nil
}

// SessionExistsForRemote reports whether a local session was submitted as
// the given remote id.
func (s *Store) SessionExistsForRemote(remoteID int64) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE remote_id = ?`, remoteID).Scan(&n); err != nil {
		return false, fmt.Errorf("check remote session: %w", err)
	}
	return n > 0, nil
}

// DeleteSession removes a session and, by cascade, its recordings and comments.
// Screenshot files are not touched.
func (s *Store) DeleteSession(id int64) error {
	return s.execOne(`DELETE FROM sessions WHERE id = ?`, "delete session", id)
}

// CountSessions returns the number of session rows.
func (s *Store) CountSessions() (int, error) {
	return s.count(`SELECT COUNT(*) FROM sessions`)
}

// Recordings

const recordingColumns = `id, session_id, timestamp, window_name, window_id, image_data, thumbnail_data, type, label, file_path`

// CreateRecording inserts a recording and returns its ID.
func (s *Store) CreateRecording(r *Recording) (int64, error) {
	if r.Type == "" {
		r.Type = KindPassive
	}
	if !r.Type.Valid() {
		return 0, fmt.Errorf("%w: recording type %q", ErrInvalid, r.Type)
	}

	result, err := s.db.Exec(`
		INSERT INTO recordings (session_id, timestamp, window_name, window_id, image_data, thumbnail_data, type, label, file_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.Timestamp, r.WindowName, r.WindowID,
		nullString(r.ImageData), nullString(r.ThumbnailData), string(r.Type), nullString(r.Label), nullString(r.FilePath),
	)
	if err != nil {
		return 0, fmt.Errorf("insert recording: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	r.ID = id

	return id, nil
}

// GetRecording retrieves a recording by ID. It returns nil when absent.
func (s *Store) GetRecording(id int64) (*Recording, error) {
	row := s.db.QueryRow(`SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id)

	r, err := scanRecording(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get recording: %w", err)
	}
	return r, nil
}

// ListRecordings returns a session's recordings ordered by capture timestamp.
func (s *Store) ListRecordings(sessionID int64) ([]Recording, error) {
	rows, err := s.db.Query(`
		SELECT `+recordingColumns+`
		FROM recordings
		WHERE session_id = ?
		ORDER BY timestamp ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query recordings: %w", err)
	}
	defer rows.Close()

	return scanRecordings(rows)
}

// ListAllRecordings returns every recording ordered by id.
func (s *Store) ListAllRecordings() ([]Recording, error) {
	rows, err := s.db.Query(`SELECT ` + recordingColumns + ` FROM recordings ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query all recordings: %w", err)
	}
	defer rows.Close()

	return scanRecordings(rows)
}

// ListRecordingsWithoutFile returns recordings that have no file reference yet.
func (s *Store) ListRecordingsWithoutFile() ([]Recording, error) {
	rows, err := s.db.Query(`
		SELECT ` + recordingColumns + `
		FROM recordings
		WHERE file_path IS NULL OR file_path = ''
		ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query unmigrated recordings: %w", err)
	}
	defer rows.Close()

	return scanRecordings(rows)
}

// UpdateLabel sets the free-text label of a recording. An empty label clears it.
func (s *Store) UpdateLabel(id int64, label string) error {
	return s.execOne(`UPDATE recordings SET label = ? WHERE id = ?`, "update label", nullString(label), id)
}

// SetFilePath records the file-store path of a recording.
func (s *Store) SetFilePath(id int64, path string) error {
	return s.execOne(`UPDATE recordings SET file_path = ? WHERE id = ?`, "set file path", nullString(path), id)
}

// ClearInlineImage blanks the legacy inline payload columns of a recording.
func (s *Store) ClearInlineImage(id int64) error {
	return s.execOne(`UPDATE recordings SET image_data = NULL, thumbnail_data = NULL WHERE id = ?`, "clear inline image", id)
}

// DeleteRecording removes a single recording row.
func (s *Store) DeleteRecording(id int64) error {
	return s.execOne(`DELETE FROM recordings WHERE id = ?`, "delete recording", id)
}

// CountRecordings returns the number of recording rows.
func (s *Store) CountRecordings() (int, error) {
	return s.count(`SELECT COUNT(*) FROM recordings`)
}

// Comments

const commentColumns = `id, session_id, start_time, end_time, comment, created_at`

func validateRange(start, end float64) error {
	if start < 0 || end < start {
		return fmt.Errorf("%w: comment range [%g, %g]", ErrInvalid, start, end)
	}
	return nil
}

// CreateComment inserts a comment and returns its ID. A zero CreatedAt is
// filled with the current time.
func (s *Store) CreateComment(c *Comment) (int64, error) {
	if err := validateRange(c.StartTime, c.EndTime); err != nil {
		return 0, err
	}
	if c.CreatedAt == "" {
		c.CreatedAt = s.timestamp()
	}

	result, err := s.db.Exec(`
		INSERT INTO comments (session_id, start_time, end_time, comment, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.SessionID, c.StartTime, c.EndTime, c.Text, c.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert comment: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	c.ID = id

	return id, nil
}

// GetComment retrieves a comment by ID. It returns nil when absent.
func (s *Store) GetComment(id int64) (*Comment, error) {
	var c Comment
	err := s.db.QueryRow(`SELECT `+commentColumns+` FROM comments WHERE id = ?`, id).
		Scan(&c.ID, &c.SessionID, &c.StartTime, &c.EndTime, &c.Text, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get comment: %w", err)
	}
	return &c, nil
}

// UpdateComment replaces the range and text of a comment.
func (s *Store) UpdateComment(id int64, start, end float64, text string) error {
	if err := validateRange(start, end); err != nil {
		return err
	}
	return s.execOne(`UPDATE comments SET start_time = ?, end_time = ?, comment = ? WHERE id = ?`,
		"update comment", start, end, text, id)
}

// ListComments returns a session's comments ordered by start offset.
func (s *Store) ListComments(sessionID int64) ([]Comment, error) {
	rows, err := s.db.Query(`
		SELECT `+commentColumns+`
		FROM comments
		WHERE session_id = ?
		ORDER BY start_time ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query comments: %w", err)
	}
	defer rows.Close()

	var comments []Comment
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.SessionID, &c.StartTime, &c.EndTime, &c.Text, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}

	return comments, nil
}

// DeleteComment removes a comment.
func (s *Store) DeleteComment(id int64) error {
	return s.execOne(`DELETE FROM comments WHERE id = ?`, "delete comment", id)
}

// Bundle loads a session with its recordings and comments. It returns nil
// when the session does not exist.
func (s *Store) Bundle(sessionID int64) (*SessionBundle, error) {
	sess, err := s.GetSession(sessionID)
	if err != nil || sess == nil {
		return nil, err
	}

	recordings, err := s.ListRecordings(sessionID)
	if err != nil {
		return nil, err
	}

	comments, err := s.ListComments(sessionID)
	if err != nil {
		return nil, err
	}

	return &SessionBundle{Session: *sess, Recordings: recordings, Comments: comments}, nil
}

// helpers

func (s *Store) execOne(query, op string, args ...any) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	return nil
}

func (s *Store) count(query string) (int, error) {
	var n int
	if err := s.db.QueryRow(query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		sess        Session
		state, kind string
		taskID      sql.NullString
		rewardID    sql.NullString
		remoteID    sql.NullInt64
		submittedAt sql.NullString
	)

	if err := row.Scan(&sess.ID, &sess.CreatedAt, &sess.Duration, &state, &kind, &taskID, &rewardID, &remoteID, &submittedAt); err != nil {
		return nil, err
	}

	sess.ApprovalState = ApprovalState(state)
	sess.Kind = SessionKind(kind)
	if taskID.Valid {
		sess.TaskID = &taskID.String
	}
	if rewardID.Valid {
		sess.RewardID = &rewardID.String
	}
	if remoteID.Valid {
		sess.RemoteID = &remoteID.Int64
	}
	if submittedAt.Valid {
		sess.SubmittedAt = &submittedAt.String
	}

	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, nil
}

func scanRecording(row scanner) (*Recording, error) {
	var (
		r                    Recording
		typ                  string
		windowName, windowID sql.NullString
		image, thumb         sql.NullString
		label, fp            sql.NullString
	)

	if err := row.Scan(&r.ID, &r.SessionID, &r.Timestamp, &windowName, &windowID, &image, &thumb, &typ, &label, &fp); err != nil {
		return nil, err
	}

	r.Type = SessionKind(typ)
	r.WindowName = windowName.String
	r.WindowID = windowID.String
	r.ImageData = image.String
	r.ThumbnailData = thumb.String
	r.Label = label.String
	r.FilePath = fp.String

	return &r, nil
}

func scanRecordings(rows *sql.Rows) ([]Recording, error) {
	var recordings []Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		recordings = append(recordings, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recordings: %w", err)
	}

	return recordings, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
