package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds a single HTTP call.
const DefaultTimeout = 30 * time.Second

// Client is a Backend that talks to a Handler over HTTP.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// NewClient creates a client for the backend rooted at baseURL.
func NewClient(baseURL, token string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url must be http or https: %q", baseURL)
	}

	c := &Client{
		base:  strings.TrimRight(u.String(), "/") + "/api/v1",
		token: token,
		http:  &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func userPath(userID string, parts ...string) string {
	p := "/users/" + url.PathEscape(userID)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func sessionPath(userID string, sessionID int64, rest ...string) string {
	return userPath(userID, append([]string{"sessions", strconv.FormatInt(sessionID, 10)}, rest...)...)
}

func escapeObjectPath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}

	switch v := out.(type) {
	case nil:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case *[]byte:
		data, err := io.ReadAll(io.LimitReader(resp.Body, MaxObjectSize+1))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		*v = data
		return nil
	default:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, body, contentType, out)
}

func statusError(resp *http.Response) error {
	var eb errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
	msg := eb.Error
	if msg == "" {
		msg = resp.Status
	}

	var kind error
	switch resp.StatusCode {
	case http.StatusNotFound:
		kind = ErrNotFound
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		kind = ErrInvalid
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = ErrUnauthorized
	default:
		kind = ErrUnavailable
	}
	return fmt.Errorf("%w: %s (status %d)", kind, msg, resp.StatusCode)
}

// CreateSession implements Backend.
func (c *Client) CreateSession(ctx context.Context, s Session) (*Session, error) {
	var out Session
	if err := c.doJSON(ctx, http.MethodPost, userPath(s.UserID, "sessions"), s, &out); err != nil {
		return nil, fmt.Errorf("create remote session: %w", err)
	}
	return &out, nil
}

// DeleteSession implements Backend.
func (c *Client) DeleteSession(ctx context.Context, userID string, sessionID int64) error {
	if err := c.doJSON(ctx, http.MethodDelete, sessionPath(userID, sessionID), nil, nil); err != nil {
		return fmt.Errorf("delete remote session %d: %w", sessionID, err)
	}
	return nil
}

// ListSessions implements Backend.
func (c *Client) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	var out []Session
	if err := c.doJSON(ctx, http.MethodGet, userPath(userID, "sessions"), nil, &out); err != nil {
		return nil, fmt.Errorf("list remote sessions: %w", err)
	}
	return out, nil
}

// InsertRecordings implements Backend.
func (c *Client) InsertRecordings(ctx context.Context, userID string, sessionID int64, recs []Recording) ([]Recording, error) {
	var out []Recording
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(userID, sessionID, "recordings"), recs, &out); err != nil {
		return nil, fmt.Errorf("insert remote recordings: %w", err)
	}
	return out, nil
}

// ListRecordings implements Backend.
func (c *Client) ListRecordings(ctx context.Context, userID string, sessionID int64) ([]Recording, error) {
	var out []Recording
	if err := c.doJSON(ctx, http.MethodGet, sessionPath(userID, sessionID, "recordings"), nil, &out); err != nil {
		return nil, fmt.Errorf("list remote recordings: %w", err)
	}
	return out, nil
}

// InsertComments implements Backend.
func (c *Client) InsertComments(ctx context.Context, userID string, sessionID int64, comments []Comment) ([]Comment, error) {
	var out []Comment
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(userID, sessionID, "comments"), comments, &out); err != nil {
		return nil, fmt.Errorf("insert remote comments: %w", err)
	}
	return out, nil
}

// ListComments implements Backend.
func (c *Client) ListComments(ctx context.Context, userID string, sessionID int64) ([]Comment, error) {
	var out []Comment
	if err := c.doJSON(ctx, http.MethodGet, sessionPath(userID, sessionID, "comments"), nil, &out); err != nil {
		return nil, fmt.Errorf("list remote comments: %w", err)
	}
	return out, nil
}

// PutObject implements Backend.
func (c *Client) PutObject(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error) {
	if bucket == "" || !validObjectPath(path) {
		return "", fmt.Errorf("%w: object path %q", ErrInvalid, path)
	}
	var out objectResponse
	p := "/objects/" + url.PathEscape(bucket) + "/" + escapeObjectPath(path)
	if err := c.do(ctx, http.MethodPut, p, bytes.NewReader(data), contentType, &out); err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	if out.Ref == "" {
		return "", errors.New("upload: empty object reference")
	}
	return out.Ref, nil
}

// GetObject implements Backend.
func (c *Client) GetObject(ctx context.Context, ref string) ([]byte, error) {
	bucket, path, ok := SplitObjectRef(ref)
	if !ok {
		return nil, fmt.Errorf("%w: object reference %q", ErrInvalid, ref)
	}
	var data []byte
	p := "/objects/" + url.PathEscape(bucket) + "/" + escapeObjectPath(path)
	if err := c.do(ctx, http.MethodGet, p, nil, "", &data); err != nil {
		return nil, fmt.Errorf("download %s: %w", ref, err)
	}
	return data, nil
}

// AddPoints implements Backend.
func (c *Client) AddPoints(ctx context.Context, userID string, points int) (int, error) {
	var out pointsResponse
	if err := c.doJSON(ctx, http.MethodPost, userPath(userID, "points"), pointsRequest{Points: points}, &out); err != nil {
		return 0, fmt.Errorf("add points: %w", err)
	}
	return out.Total, nil
}
