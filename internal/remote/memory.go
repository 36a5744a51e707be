package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Op names a Memory operation for fault injection.
type Op string

// Operations that can be faulted.
const (
	OpCreateSession    Op = "create_session"
	OpDeleteSession    Op = "delete_session"
	OpListSessions     Op = "list_sessions"
	OpInsertRecordings Op = "insert_recordings"
	OpListRecordings   Op = "list_recordings"
	OpInsertComments   Op = "insert_comments"
	OpListComments     Op = "list_comments"
	OpPutObject        Op = "put_object"
	OpGetObject        Op = "get_object"
	OpAddPoints        Op = "add_points"
)

// FaultFunc is consulted before every operation. A non-nil error is
// returned to the caller instead of performing the operation. key is the
// object path or reference for object calls and the user id otherwise.
type FaultFunc func(op Op, key string) error

// Memory is an in-process Backend.
type Memory struct {
	mu sync.Mutex

	nextSession   int64
	nextRecording int64
	nextComment   int64

	sessions   map[int64]*Session
	recordings map[int64][]Recording
	comments   map[int64][]Comment
	objects    map[string][]byte
	points     map[string]int

	fault FaultFunc
	now   func() time.Time
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		nextSession:   1000,
		nextRecording: 5000,
		nextComment:   9000,
		sessions:      make(map[int64]*Session),
		recordings:    make(map[int64][]Recording),
		comments:      make(map[int64][]Comment),
		objects:       make(map[string][]byte),
		points:        make(map[string]int),
		now:           time.Now,
	}
}

// SetFault installs a fault hook. Pass nil to clear it.
func (m *Memory) SetFault(fn FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

func (m *Memory) check(ctx context.Context, op Op, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.fault != nil {
		return m.fault(op, key)
	}
	return nil
}

func (m *Memory) ownedSession(userID string, sessionID int64) (*Session, error) {
	s, ok := m.sessions[sessionID]
	if !ok || s.UserID != userID {
		return nil, fmt.Errorf("session %d: %w", sessionID, ErrNotFound)
	}
	return s, nil
}

// CreateSession implements Backend.
func (m *Memory) CreateSession(ctx context.Context, s Session) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, OpCreateSession, s.UserID); err != nil {
		return nil, err
	}
	if s.UserID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalid)
	}

	m.nextSession++
	s.ID = m.nextSession
	if s.CreatedAt == "" {
		s.CreatedAt = m.now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	stored := s
	m.sessions[s.ID] = &stored
	return &s, nil
}

// DeleteSession implements Backend. Recordings and comments of the session
// are removed with it; stored objects are not.
func (m *Memory) DeleteSession(ctx context.Context, userID string, sessionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, OpDeleteSession, userID); err != nil {
		return err
	}
	if _, err := m.ownedSession(userID, sessionID); err != nil {
		return err
	}

	delete(m.sessions, sessionID)
	delete(m.recordings, sessionID)
	delete(m.comments, sessionID)
	return nil
}

// ListSessions implements Backend.
func (m *Memory) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, OpListSessions, userID); err != nil {
		return nil, err
	}

	var out []Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// InsertRecordings implements Backend. The batch is all or nothing.
func (m *Memory) InsertRecordings(ctx context.Context, userID string, sessionID int64, recs []Recording) ([]Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, OpInsertRecordings, userID); err != nil {
		return nil, err
	}
	if _, err := m.ownedSession(userID, sessionID); err != nil {
		return nil, err
	}

	out := make([]Recording, len(recs))
	for i, r := range recs {
		m.nextRecording++
		r.ID = m.nextRecording
		r.UserID = userID
		r.SessionID = sessionID
		out[i] = r
	}
	m.recordings[sessionID] = append(m.recordings[sessionID], out...)
	return out, nil
}

// ListRecordings implements Backend.
func (m *Memory) ListRecordings(ctx context.Context, userID string, sessionID int64) ([]Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, OpListRecordings, userID); err != nil {
		return nil, err
	}
	if _, err := m.ownedSession(userID, sessionID); err != nil {
		return nil, err
	}

	out := append([]Recording(nil), m.recordings[sessionID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// InsertComments implements Backend.
func (m *Memory) InsertComments(ctx context.Context, userID string, sessionID int64, comments []Comment) ([]Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, OpInsertComments, userID); err != nil {
		return nil, err
	}
	if _, err := m.ownedSession(userID, sessionID); err != nil {
		return nil, err
	}

	out := make([]Comment, len(comments))
	for i, c := range comments {
		if c.StartTime < 0 || c.EndTime < c.StartTime {
			return nil, fmt.Errorf("%w: comment range [%g, %g]", ErrInvalid, c.StartTime, c.EndTime)
		}
		m.nextComment++
		c.ID = m.nextComment
		c.UserID = userID
		c.SessionID = sessionID
		out[i] = c
	}
	m.comments[sessionID] = append(m.comments[sessionID], out...)
	return out, nil
}

// ListComments implements Backend.
func (m *Memory) ListComments(ctx context.Context, userID string, sessionID int64) ([]Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, OpListComments, userID); err != nil {
		return nil, err
	}
	if _, err := m.ownedSession(userID, sessionID); err != nil {
		return nil, err
	}

	out := append([]Comment(nil), m.comments[sessionID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out, nil
}

// PutObject implements Backend. Writing an existing path replaces it.
func (m *Memory) PutObject(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, OpPutObject, path); err != nil {
		return "", err
	}
	if bucket == "" || !validObjectPath(path) {
		return "", fmt.Errorf("%w: object path %q", ErrInvalid, path)
	}

	ref := ObjectRef(bucket, path)
	m.objects[ref] = append([]byte(nil), data...)
	return ref, nil
}

// GetObject implements Backend.
func (m *Memory) GetObject(ctx context.Context, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, OpGetObject, ref); err != nil {
		return nil, err
	}
	data, ok := m.objects[ref]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", ref, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// AddPoints implements Backend.
func (m *Memory) AddPoints(ctx context.Context, userID string, points int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, OpAddPoints, userID); err != nil {
		return 0, err
	}
	if points < 0 {
		return 0, fmt.Errorf("%w: negative points", ErrInvalid)
	}
	m.points[userID] += points
	return m.points[userID], nil
}

// Points returns the user's running total.
func (m *Memory) Points(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.points[userID]
}

// ObjectCount returns the number of stored objects.
func (m *Memory) ObjectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// SessionCount returns the number of sessions across all users.
func (m *Memory) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
