package filestore

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"

	"screentrail/internal/security"
	"screentrail/internal/store"
)

// GenerateMetadataFile writes metadata.txt for a session and returns its
// path. The file is rewritten wholesale and contains no wall-clock fields,
// so identical inputs produce identical output.
func (s *Store) GenerateMetadataFile(b *store.SessionBundle) (string, error) {
	if b == nil {
		return "", fmt.Errorf("generate metadata: nil bundle")
	}

	text := s.renderMetadata(b)
	path := filepath.Join(s.SessionDir(b.Session.ID), MetadataFileName)
	if err := security.WriteFileAtomic(path, []byte(text), security.PermPrivateFile); err != nil {
		return "", fmt.Errorf("write metadata: %w", err)
	}
	return path, nil
}

func (s *Store) renderMetadata(b *store.SessionBundle) string {
	var sb strings.Builder
	sess := b.Session

	var total int64
	sizes := make([]int64, len(b.Recordings))
	for i, r := range b.Recordings {
		if r.HasFile() {
			sizes[i] = s.Size(r.FilePath)
			total += sizes[i]
		}
	}

	heading(&sb, "SESSION INFORMATION")
	field(&sb, "Session ID", fmt.Sprintf("%d", sess.ID))
	field(&sb, "Created", sess.CreatedAt)
	field(&sb, "Duration", fmt.Sprintf("%s (%d seconds)", FormatOffset(float64(sess.Duration)), sess.Duration))
	field(&sb, "Approval State", string(sess.ApprovalState))
	field(&sb, "Session Type", string(sess.Kind))
	field(&sb, "Task ID", optional(sess.TaskID))
	field(&sb, "Reward ID", optional(sess.RewardID))
	if sess.RemoteID != nil {
		field(&sb, "Remote ID", fmt.Sprintf("%d", *sess.RemoteID))
	}
	if sess.SubmittedAt != nil {
		field(&sb, "Submitted", *sess.SubmittedAt)
	}
	field(&sb, "Recordings", fmt.Sprintf("%d", len(b.Recordings)))
	field(&sb, "Comments", fmt.Sprintf("%d", len(b.Comments)))
	field(&sb, "Total Size", units.HumanSize(float64(total)))
	sb.WriteString("\n")

	heading(&sb, "RECORDINGS")
	if len(b.Recordings) == 0 {
		sb.WriteString("(none)\n")
	}
	for i, r := range b.Recordings {
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, r.Timestamp)
		fmt.Fprintf(&sb, "    Recording ID: %d\n", r.ID)
		fmt.Fprintf(&sb, "    Window:       %s\n", windowLabel(r))
		fmt.Fprintf(&sb, "    Type:         %s\n", r.Type)
		if r.Label != "" {
			fmt.Fprintf(&sb, "    Label:        %s\n", oneLine(r.Label))
		}
		if r.HasFile() {
			fmt.Fprintf(&sb, "    File:         %s (%s)\n", filepath.Base(r.FilePath), units.HumanSize(float64(sizes[i])))
		} else {
			sb.WriteString("    File:         (inline, not migrated)\n")
		}
	}
	sb.WriteString("\n")

	heading(&sb, "COMMENTS")
	if len(b.Comments) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, c := range b.Comments {
		fmt.Fprintf(&sb, "[%s - %s] %s\n", FormatOffset(c.StartTime), FormatOffset(c.EndTime), oneLine(c.Text))
	}

	return sb.String()
}

// FormatOffset renders a number of seconds as HH:MM:SS.
func FormatOffset(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int64(seconds)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60)
}

func heading(sb *strings.Builder, title string) {
	sb.WriteString(title)
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("=", len(title)))
	sb.WriteString("\n")
}

func field(sb *strings.Builder, name, value string) {
	fmt.Fprintf(sb, "%-16s %s\n", name+":", value)
}

func optional(p *string) string {
	if p == nil || *p == "" {
		return "-"
	}
	return *p
}

func windowLabel(r store.Recording) string {
	name := r.WindowName
	if name == "" {
		name = "(unknown window)"
	}
	if r.WindowID != "" {
		return fmt.Sprintf("%s [%s]", oneLine(name), r.WindowID)
	}
	return oneLine(name)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
