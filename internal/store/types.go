// Package store provides SQLite-based persistence for recording sessions,
// their screenshot recordings and user comments.
package store

import "errors"

// ErrNotFound is returned by mutations that target a row that does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrInvalid is returned when a value violates a column constraint.
var ErrInvalid = errors.New("store: invalid value")

// ApprovalState is the review lifecycle of a session.
type ApprovalState string

const (
	// ApprovalDraft is a local session that has not been submitted.
	ApprovalDraft ApprovalState = "draft"
	// ApprovalSubmitted is a session uploaded for review.
	ApprovalSubmitted ApprovalState = "submitted"
	// ApprovalApproved is set remotely after review.
	ApprovalApproved ApprovalState = "approved"
	// ApprovalRejected is set remotely after review.
	ApprovalRejected ApprovalState = "rejected"
)

// Valid reports whether s is a known approval state.
func (s ApprovalState) Valid() bool {
	switch s {
	case ApprovalDraft, ApprovalSubmitted, ApprovalApproved, ApprovalRejected:
		return true
	}
	return false
}

// SessionKind distinguishes free-form capture from task-driven capture.
type SessionKind string

const (
	// KindPassive sessions capture without an assigned task.
	KindPassive SessionKind = "passive"
	// KindTasked sessions are recorded against a task.
	KindTasked SessionKind = "tasked"
)

// Valid reports whether k is a known session kind.
func (k SessionKind) Valid() bool {
	return k == KindPassive || k == KindTasked
}

// Session is one continuous recording activity.
type Session struct {
	ID            int64         `json:"id"`
	CreatedAt     string        `json:"created_at"`
	Duration      int64         `json:"duration"`
	ApprovalState ApprovalState `json:"approval_state"`
	Kind          SessionKind   `json:"session_status"`
	TaskID        *string       `json:"task_id"`
	RewardID      *string       `json:"reward_id"`

	// RemoteID is the backend id assigned when this session was submitted.
	RemoteID    *int64  `json:"remote_id,omitempty"`
	SubmittedAt *string `json:"submitted_at,omitempty"`
}

// Recording is one captured screenshot event.
//
// ImageData and ThumbnailData hold the legacy inline encoding. Once FilePath
// is set the file is authoritative and the inline fields may be blank.
type Recording struct {
	ID            int64       `json:"id"`
	SessionID     int64       `json:"session_id"`
	Timestamp     string      `json:"timestamp"`
	WindowName    string      `json:"window_name"`
	WindowID      string      `json:"window_id"`
	ImageData     string      `json:"-"`
	ThumbnailData string      `json:"-"`
	Type          SessionKind `json:"type"`
	Label         string      `json:"label,omitempty"`
	FilePath      string      `json:"file_path,omitempty"`
}

// HasFile reports whether the recording references a file-store artifact.
func (r *Recording) HasFile() bool {
	return r.FilePath != ""
}

// HasInline reports whether the recording still carries an inline payload.
func (r *Recording) HasInline() bool {
	return r.ImageData != ""
}

// Comment annotates a time range of a session.
type Comment struct {
	ID        int64   `json:"id"`
	SessionID int64   `json:"session_id"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Text      string  `json:"comment"`
	CreatedAt string  `json:"created_at"`
}

// SessionBundle is a session with all of its children, in listing order.
type SessionBundle struct {
	Session    Session     `json:"session"`
	Recordings []Recording `json:"recordings"`
	Comments   []Comment   `json:"comments"`
}
