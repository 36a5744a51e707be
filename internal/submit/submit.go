// Package submit uploads a local draft session to the remote backend.
//
// A submission is a saga: each completed step is recorded on the Result,
// and a failure while uploading or inserting recordings runs the
// compensating step (deleting the remote session). Objects already uploaded
// at that point stay in object storage and are reported as orphaned.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"screentrail/internal/filestore"
	"screentrail/internal/remote"
	"screentrail/internal/store"
	"screentrail/internal/timeline"
)

// ErrValidation is returned when a session cannot be submitted.
var ErrValidation = errors.New("submit: validation failed")

// PointsPerMinute is the reward per whole minute of derived duration.
const PointsPerMinute = 5

// Store is the subset of the local store the pipeline reads and corrects.
type Store interface {
	GetSession(id int64) (*store.Session, error)
	ListRecordings(sessionID int64) ([]store.Recording, error)
	ListComments(sessionID int64) ([]store.Comment, error)
	UpdateDuration(id int64, seconds int64) error
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryPolicy bounds per-object upload attempts. The delay before attempt
// n (n >= 2) is BaseDelay * 2^(n-2).
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetryPolicy is three attempts with 1s then 2s between them.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: time.Second}

// Delay returns the wait before the given attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return p.BaseDelay << (attempt - 2)
}

// Progress is a monotonically non-decreasing progress report.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Status  string `json:"status"`
}

// Options are per-submission parameters.
type Options struct {
	UserID     string
	OnProgress func(Progress)
}

// Step names a completed saga step.
type Step string

// Saga steps in execution order.
const (
	StepValidated        Step = "validated"
	StepDurationDerived  Step = "duration_derived"
	StepSessionCreated   Step = "remote_session_created"
	StepImagesUploaded   Step = "images_uploaded"
	StepRecordingsStored Step = "recordings_inserted"
	StepCommentsStored   Step = "comments_inserted"
	StepPointsAwarded    Step = "points_awarded"
	StepMetadataUploaded Step = "metadata_uploaded"
)

// UndoAction is a compensation executed during rollback.
type UndoAction struct {
	Action string `json:"action"`
	Target string `json:"target"`
	Error  string `json:"error,omitempty"`
}

// Result describes the outcome of one submission attempt.
type Result struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`

	SessionID         int64 `json:"session_id"`
	RemoteSessionID   int64 `json:"remote_session_id,omitempty"`
	Duration          int64 `json:"duration"`
	DurationCorrected bool  `json:"duration_corrected"`
	Uploaded          int   `json:"uploaded"`
	Points            int   `json:"points"`
	PointsTotal       int   `json:"points_total,omitempty"`

	// FailedRecordingID is the recording that aborted the submission.
	FailedRecordingID int64 `json:"failed_recording_id,omitempty"`

	Steps           []Step       `json:"steps"`
	Undo            []UndoAction `json:"undo,omitempty"`
	OrphanedObjects []string     `json:"orphaned_objects,omitempty"`
	Warnings        []string     `json:"warnings,omitempty"`
}

// Config configures a Pipeline.
type Config struct {
	Bucket  string
	Retry   RetryPolicy
	Sleep   Sleeper
	Logger  *slog.Logger
	NewUUID func() string
}

// Pipeline submits sessions.
type Pipeline struct {
	store   Store
	files   *filestore.Store
	backend remote.Backend
	bucket  string
	retry   RetryPolicy
	sleep   Sleeper
	logger  *slog.Logger
	newID   func() string
}

// New creates a submission pipeline.
func New(st Store, files *filestore.Store, backend remote.Backend, cfg Config) *Pipeline {
	p := &Pipeline{
		store:   st,
		files:   files,
		backend: backend,
		bucket:  cfg.Bucket,
		retry:   cfg.Retry,
		sleep:   cfg.Sleep,
		logger:  cfg.Logger,
		newID:   cfg.NewUUID,
	}
	if p.bucket == "" {
		p.bucket = remote.DefaultBucket
	}
	if p.retry.Attempts <= 0 {
		p.retry = DefaultRetryPolicy
	}
	if p.sleep == nil {
		p.sleep = SleepContext
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.newID == nil {
		p.newID = uuid.NewString
	}
	return p
}

// Points returns the reward for a final duration in seconds.
func Points(duration int64) int {
	if duration <= 0 {
		return 0
	}
	return int(duration/60) * PointsPerMinute
}

// DeriveDuration returns the canonical duration of a session: the offset
// of its latest recording on the recording timeline.
func DeriveDuration(recs []store.Recording) int64 {
	ts := make([]string, len(recs))
	for i, r := range recs {
		ts[i] = r.Timestamp
	}
	return timeline.Duration(ts)
}

type attempt struct {
	p        *Pipeline
	ctx      context.Context
	opts     Options
	logger   *slog.Logger
	res      *Result
	progress Progress
}

func (a *attempt) report(current int, status string) {
	if current > a.progress.Current {
		a.progress.Current = current
	}
	a.progress.Status = status
	if a.opts.OnProgress != nil {
		a.opts.OnProgress(a.progress)
	}
}

func (a *attempt) done(step Step) {
	a.res.Steps = append(a.res.Steps, step)
}

func (a *attempt) warn(msg string, err error) {
	a.res.Warnings = append(a.res.Warnings, fmt.Sprintf("%s: %v", msg, err))
	a.logger.Warn(msg, "error", err)
}

// Submit validates a draft session, corrects its stored duration, and
// uploads it with its recordings, comments and metadata snapshot.
//
// Validation failures return an error wrapping ErrValidation. Upload and
// insert failures roll back and return a Result with Success false. The
// caller advances the local approval state after a successful Result.
func (p *Pipeline) Submit(ctx context.Context, sessionID int64, opts Options) (*Result, error) {
	reqID := p.newID()
	a := &attempt{
		p:      p,
		ctx:    ctx,
		opts:   opts,
		logger: p.logger.With("request_id", reqID, "session_id", sessionID),
		res:    &Result{RequestID: reqID, SessionID: sessionID},
	}

	sess, recs, comments, err := p.validate(sessionID, opts)
	if err != nil {
		return nil, err
	}
	a.done(StepValidated)

	a.progress.Total = len(recs) + 3
	a.report(0, "starting submission")

	a.deriveDuration(sess, recs)

	created, err := p.backend.CreateSession(ctx, remote.Session{
		UserID:        opts.UserID,
		CreatedAt:     sess.CreatedAt,
		Duration:      a.res.Duration,
		ApprovalState: string(store.ApprovalSubmitted),
		SessionStatus: string(sess.Kind),
		TaskID:        sess.TaskID,
		RewardID:      sess.RewardID,
	})
	if err != nil {
		a.logger.Error("create remote session failed", "error", err)
		a.res.Message = fmt.Sprintf("create remote session: %v", err)
		return a.res, nil
	}
	a.res.RemoteSessionID = created.ID
	a.done(StepSessionCreated)
	a.logger = a.logger.With("remote_session_id", created.ID)

	rows := make([]remote.Recording, 0, len(recs))
	for i, r := range recs {
		a.report(i, fmt.Sprintf("uploading screenshot %d of %d", i+1, len(recs)))

		ref, err := a.uploadRecording(created.ID, r)
		if err != nil {
			a.res.FailedRecordingID = r.ID
			a.rollback(created.ID, fmt.Sprintf("upload recording %d: %v", r.ID, err))
			return a.res, nil
		}
		a.res.OrphanedObjects = append(a.res.OrphanedObjects, ref)
		a.res.Uploaded++

		rows = append(rows, remote.Recording{
			Timestamp:  r.Timestamp,
			WindowName: r.WindowName,
			WindowID:   r.WindowID,
			Type:       string(r.Type),
			Label:      r.Label,
			ImageRef:   ref,
		})
	}
	a.done(StepImagesUploaded)

	if _, err := p.backend.InsertRecordings(ctx, opts.UserID, created.ID, rows); err != nil {
		a.rollback(created.ID, fmt.Sprintf("insert recordings: %v", err))
		return a.res, nil
	}
	// Objects are referenced by rows from here on.
	a.res.OrphanedObjects = nil
	a.done(StepRecordingsStored)
	a.report(len(recs), "recordings saved")

	a.report(len(recs)+1, "saving comments")
	a.insertComments(created.ID, comments)

	a.awardPoints()

	a.report(len(recs)+2, "uploading session metadata")
	a.uploadMetadata(created.ID, sess, recs, comments)

	a.res.Success = true
	a.res.Message = fmt.Sprintf("submitted %d recordings as remote session %d", len(recs), created.ID)
	a.report(a.progress.Total, "submission complete")
	a.logger.Info("session submitted", "recordings", len(recs), "duration", a.res.Duration, "points", a.res.Points)
	return a.res, nil
}

func (p *Pipeline) validate(sessionID int64, opts Options) (*store.Session, []store.Recording, []store.Comment, error) {
	if opts.UserID == "" {
		return nil, nil, nil, fmt.Errorf("%w: no user id", ErrValidation)
	}

	sess, err := p.store.GetSession(sessionID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, nil, nil, fmt.Errorf("%w: session %d does not exist", ErrValidation, sessionID)
	}
	if sess.ApprovalState != store.ApprovalDraft {
		return nil, nil, nil, fmt.Errorf("%w: session %d is %s, not draft", ErrValidation, sessionID, sess.ApprovalState)
	}

	recs, err := p.store.ListRecordings(sessionID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load recordings: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil, nil, fmt.Errorf("%w: session %d has no recordings", ErrValidation, sessionID)
	}

	comments, err := p.store.ListComments(sessionID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load comments: %w", err)
	}
	return sess, recs, comments, nil
}

func (a *attempt) deriveDuration(sess *store.Session, recs []store.Recording) {
	d := DeriveDuration(recs)
	a.res.Duration = d
	if d != sess.Duration {
		if err := a.p.store.UpdateDuration(sess.ID, d); err != nil {
			a.warn("persist derived duration failed", err)
		} else {
			a.res.DurationCorrected = true
			a.logger.Info("session duration corrected", "stored", sess.Duration, "derived", d)
		}
		sess.Duration = d
	}
	a.done(StepDurationDerived)
}

func (a *attempt) imageBytes(r store.Recording) ([]byte, error) {
	if r.HasFile() {
		data, ok, err := a.p.files.ReadScreenshot(r.FilePath)
		if err != nil {
			a.logger.Warn("read screenshot failed, trying inline copy", "recording_id", r.ID, "error", err)
		} else if ok {
			return data, nil
		}
	}
	if r.HasInline() {
		return filestore.DecodeInline(r.ImageData)
	}
	return nil, errors.New("no image data")
}

func (a *attempt) uploadRecording(remoteSessionID int64, r store.Recording) (string, error) {
	data, err := a.imageBytes(r)
	if err != nil {
		return "", err
	}
	kind, ok := filestore.DetectImage(data)
	if !ok {
		return "", errors.New("unsupported image content")
	}

	path := fmt.Sprintf("%s/%d/%d.%s", a.opts.UserID, remoteSessionID, r.ID, kind.Ext)
	return a.withRetry(path, func() (string, error) {
		return a.p.backend.PutObject(a.ctx, a.p.bucket, path, data, kind.MIME)
	})
}

func (a *attempt) withRetry(key string, fn func() (string, error)) (string, error) {
	var lastErr error
	for n := 1; n <= a.p.retry.Attempts; n++ {
		if n > 1 {
			if err := a.p.sleep(a.ctx, a.p.retry.Delay(n)); err != nil {
				return "", fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
		}
		ref, err := fn()
		if err == nil {
			return ref, nil
		}
		lastErr = err
		a.logger.Warn("upload attempt failed", "object", key, "attempt", n, "error", err)
	}
	return "", fmt.Errorf("%d attempts failed: %w", a.p.retry.Attempts, lastErr)
}

func (a *attempt) rollback(remoteSessionID int64, reason string) {
	a.logger.Error("submission failed, rolling back", "reason", reason)

	// The compensation runs even when the attempt's context was canceled.
	ctx := context.WithoutCancel(a.ctx)
	undo := UndoAction{Action: "delete_remote_session", Target: strconv.FormatInt(remoteSessionID, 10)}
	if err := a.p.backend.DeleteSession(ctx, a.opts.UserID, remoteSessionID); err != nil {
		undo.Error = err.Error()
		a.logger.Error("rollback failed", "error", err)
	}
	a.res.Undo = append(a.res.Undo, undo)

	if len(a.res.OrphanedObjects) > 0 {
		a.logger.Warn("uploaded objects left in storage", "objects", a.res.OrphanedObjects)
	}
	a.res.Success = false
	a.res.Message = reason
}

func (a *attempt) insertComments(remoteSessionID int64, comments []store.Comment) {
	if len(comments) == 0 {
		a.done(StepCommentsStored)
		return
	}
	rows := make([]remote.Comment, len(comments))
	for i, c := range comments {
		rows[i] = remote.Comment{StartTime: c.StartTime, EndTime: c.EndTime, Comment: c.Text, CreatedAt: c.CreatedAt}
	}
	if _, err := a.p.backend.InsertComments(a.ctx, a.opts.UserID, remoteSessionID, rows); err != nil {
		a.warn("insert comments failed", err)
		return
	}
	a.done(StepCommentsStored)
}

func (a *attempt) awardPoints() {
	pts := Points(a.res.Duration)
	a.res.Points = pts
	if pts <= 0 {
		return
	}
	total, err := a.p.backend.AddPoints(a.ctx, a.opts.UserID, pts)
	if err != nil {
		a.warn("award points failed", err)
		return
	}
	a.res.PointsTotal = total
	a.done(StepPointsAwarded)
}

func (a *attempt) uploadMetadata(remoteSessionID int64, sess *store.Session, recs []store.Recording, comments []store.Comment) {
	snapshot := *sess
	snapshot.ApprovalState = store.ApprovalSubmitted
	snapshot.RemoteID = &remoteSessionID

	data, err := a.p.files.EncodeSessionInfo(&store.SessionBundle{Session: snapshot, Recordings: recs, Comments: comments})
	if err != nil {
		a.warn("encode session metadata failed", err)
		return
	}
	path := fmt.Sprintf("%s/%d/%s", a.opts.UserID, remoteSessionID, filestore.SessionInfoFileName)
	if _, err := a.p.backend.PutObject(a.ctx, a.p.bucket, path, data, "application/json"); err != nil {
		a.warn("upload session metadata failed", err)
		return
	}
	a.done(StepMetadataUploaded)
}
