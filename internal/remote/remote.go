// Package remote defines the backend that submitted sessions are uploaded
// to and pulled from, together with an in-memory implementation, an HTTP
// client and the HTTP handler that serves the client.
//
// Remote rows carry a user id that local rows do not have. Remote and local
// ids are separate id spaces.
package remote

import (
	"context"
	"errors"
	"strings"
)

// Errors returned by backends.
var (
	ErrNotFound     = errors.New("remote: not found")
	ErrInvalid      = errors.New("remote: invalid request")
	ErrUnauthorized = errors.New("remote: unauthorized")
	ErrUnavailable  = errors.New("remote: backend unavailable")
)

// DefaultBucket is the object-storage bucket for screenshots and snapshots.
const DefaultBucket = "recordings"

// Session is a session row on the backend.
type Session struct {
	ID            int64   `json:"id"`
	UserID        string  `json:"user_id"`
	CreatedAt     string  `json:"created_at"`
	Duration      int64   `json:"duration"`
	ApprovalState string  `json:"approval_state"`
	SessionStatus string  `json:"session_status"`
	TaskID        *string `json:"task_id"`
	RewardID      *string `json:"reward_id"`
}

// Recording is a recording row on the backend. ImageRef is the content
// reference returned by PutObject.
type Recording struct {
	ID         int64  `json:"id"`
	SessionID  int64  `json:"session_id"`
	UserID     string `json:"user_id"`
	Timestamp  string `json:"timestamp"`
	WindowName string `json:"window_name"`
	WindowID   string `json:"window_id"`
	Type       string `json:"type"`
	Label      string `json:"label,omitempty"`
	ImageRef   string `json:"image_ref"`
}

// Comment is a comment row on the backend.
type Comment struct {
	ID        int64   `json:"id"`
	SessionID int64   `json:"session_id"`
	UserID    string  `json:"user_id"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Comment   string  `json:"comment"`
	CreatedAt string  `json:"created_at"`
}

// Backend is the remote service. Every call is scoped by user id and
// returns an explicit error.
type Backend interface {
	// CreateSession inserts a session and returns it with its assigned id.
	CreateSession(ctx context.Context, s Session) (*Session, error)
	DeleteSession(ctx context.Context, userID string, sessionID int64) error
	// ListSessions returns the user's sessions, newest first.
	ListSessions(ctx context.Context, userID string) ([]Session, error)

	InsertRecordings(ctx context.Context, userID string, sessionID int64, recs []Recording) ([]Recording, error)
	ListRecordings(ctx context.Context, userID string, sessionID int64) ([]Recording, error)

	InsertComments(ctx context.Context, userID string, sessionID int64, comments []Comment) ([]Comment, error)
	ListComments(ctx context.Context, userID string, sessionID int64) ([]Comment, error)

	// PutObject stores data at bucket/path and returns a durable reference.
	PutObject(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error)
	// GetObject returns the bytes behind a reference from PutObject.
	GetObject(ctx context.Context, ref string) ([]byte, error)

	// AddPoints credits points to the user and returns the running total.
	AddPoints(ctx context.Context, userID string, points int) (int, error)
}

// ObjectRef builds the reference string for an object.
func ObjectRef(bucket, path string) string {
	return bucket + "/" + strings.TrimPrefix(path, "/")
}

// SplitObjectRef splits a reference into bucket and path.
func SplitObjectRef(ref string) (bucket, path string, ok bool) {
	bucket, path, ok = strings.Cut(strings.TrimPrefix(ref, "/"), "/")
	if !ok || bucket == "" || path == "" {
		return "", "", false
	}
	return bucket, path, true
}

func validObjectPath(path string) bool {
	if path == "" || strings.HasPrefix(path, "/") {
		return false
	}
	for _, part := range strings.Split(path, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}
