// Package capture drives screenshot capture into recording sessions.
//
// A Provider produces frames. The Recorder owns the single active session:
// it creates the session, runs the session timer, polls the provider on a
// fixed interval and persists each frame as a recording.
package capture

import (
	"context"

	"screentrail/internal/store"
)

// Frame is one captured screenshot with its window context.
type Frame struct {
	WindowID   string
	WindowName string
	// Timestamp is the capture instant in ISO 8601.
	Timestamp string
	Image     []byte
}

// Provider captures a frame from a source. It returns a nil frame when
// there is nothing to capture.
type Provider interface {
	Capture(ctx context.Context, sourceID string, kind store.SessionKind) (*Frame, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, sourceID string, kind store.SessionKind) (*Frame, error)

// Capture implements Provider.
func (f ProviderFunc) Capture(ctx context.Context, sourceID string, kind store.SessionKind) (*Frame, error) {
	return f(ctx, sourceID, kind)
}
