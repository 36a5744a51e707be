package filestore

import (
	"bytes"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/crypto/blake2b"

	"screentrail/internal/security"
	"screentrail/internal/store"
	"screentrail/internal/timeline"
)

//go:embed session_info.schema.json
var sessionInfoSchemaJSON []byte

const sessionInfoSchemaURL = "session_info.schema.json"

// SessionInfoVersion is the format version written to session_info.json.
const SessionInfoVersion = 1

// SessionInfo is the structured snapshot written to session_info.json.
type SessionInfo struct {
	Version     int             `json:"version"`
	GeneratedBy string          `json:"generated_by"`
	Session     store.Session   `json:"session"`
	Recordings  []RecordingInfo `json:"recordings"`
	Comments    []store.Comment `json:"comments"`
}

// RecordingInfo describes a recording and its artifact in session_info.json.
type RecordingInfo struct {
	ID            int64             `json:"id"`
	SessionID     int64             `json:"session_id"`
	Timestamp     string            `json:"timestamp"`
	WindowName    string            `json:"window_name"`
	WindowID      string            `json:"window_id"`
	Type          store.SessionKind `json:"type"`
	Label         string            `json:"label,omitempty"`
	OffsetSeconds int64             `json:"offset_seconds"`
	FileName      string            `json:"file_name,omitempty"`
	Size          int64             `json:"size,omitempty"`
	Digest        string            `json:"blake2b_256,omitempty"`
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func sessionInfoSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(sessionInfoSchemaURL, bytes.NewReader(sessionInfoSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(sessionInfoSchemaURL)
	})
	return schema, schemaErr
}

// ValidateSessionInfo checks an encoded snapshot against the embedded schema.
func ValidateSessionInfo(data []byte) error {
	sch, err := sessionInfoSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("unmarshal session info: %w", err)
	}
	if err := sch.Validate(instance); err != nil {
		return fmt.Errorf("validate session info: %w", err)
	}
	return nil
}

// BuildSessionInfo assembles the snapshot for a bundle, hashing every
// screenshot that is present on disk.
func (s *Store) BuildSessionInfo(b *store.SessionBundle) (*SessionInfo, error) {
	timestamps := make([]string, len(b.Recordings))
	for i, r := range b.Recordings {
		timestamps[i] = r.Timestamp
	}
	offsets := timeline.Offsets(timestamps)

	info := &SessionInfo{
		Version:     SessionInfoVersion,
		GeneratedBy: "screentrail",
		Session:     b.Session,
		Recordings:  make([]RecordingInfo, 0, len(b.Recordings)),
		Comments:    b.Comments,
	}
	if info.Comments == nil {
		info.Comments = []store.Comment{}
	}

	for i, r := range b.Recordings {
		ri := RecordingInfo{
			ID:            r.ID,
			SessionID:     r.SessionID,
			Timestamp:     r.Timestamp,
			WindowName:    r.WindowName,
			WindowID:      r.WindowID,
			Type:          r.Type,
			Label:         r.Label,
			OffsetSeconds: offsets[i],
		}
		if r.HasFile() {
			ri.FileName = filepath.Base(r.FilePath)
			data, ok, err := s.ReadScreenshot(r.FilePath)
			if err != nil {
				return nil, fmt.Errorf("hash recording %d: %w", r.ID, err)
			}
			if ok {
				ri.Size = int64(len(data))
				ri.Digest = Digest(data)
			}
		}
		info.Recordings = append(info.Recordings, ri)
	}

	return info, nil
}

// EncodeSessionInfo renders and validates the session_info.json payload
// for a bundle.
func (s *Store) EncodeSessionInfo(b *store.SessionBundle) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("encode session info: nil bundle")
	}

	info, err := s.BuildSessionInfo(b)
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal session info: %w", err)
	}
	data = append(data, '\n')

	if err := ValidateSessionInfo(data); err != nil {
		return nil, err
	}
	return data, nil
}

// SaveSessionInfo writes session_info.json for a session and returns its
// path. The snapshot is validated before it replaces the previous file.
func (s *Store) SaveSessionInfo(b *store.SessionBundle) (string, error) {
	data, err := s.EncodeSessionInfo(b)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.SessionDir(b.Session.ID), SessionInfoFileName)
	if err := security.WriteFileAtomic(path, data, security.PermPrivateFile); err != nil {
		return "", fmt.Errorf("write session info: %w", err)
	}
	return path, nil
}

// Digest returns the hex blake2b-256 digest of data.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
