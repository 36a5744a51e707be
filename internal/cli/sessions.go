package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"screentrail/internal/filestore"
	"screentrail/internal/store"
)

// NewSessionsCmd groups session listing, inspection and deletion.
func NewSessionsCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "List, show and delete sessions",
	}
	cmd.AddCommand(newSessionsListCmd(deps), newSessionsShowCmd(deps), newSessionsDeleteCmd(deps))
	return cmd
}

func newSessionsListCmd(deps *Dependencies) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: deps.guard(func(cmd *cobra.Command, args []string) error {
			a, err := deps.App()
			if err != nil {
				return err
			}

			var sessions []store.Session
			if all {
				sessions, err = a.Store().ListAllSessions()
			} else {
				sessions, err = a.ListSessions()
			}
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(deps.Out, "No sessions found")
				return nil
			}

			w := tabwriter.NewWriter(deps.Out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tDURATION\tKIND\tSTATE\tREMOTE")
			for _, s := range sessions {
				remote := "-"
				if s.RemoteID != nil {
					remote = fmt.Sprintf("%d", *s.RemoteID)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.CreatedAt,
					filestore.FormatOffset(float64(s.Duration)), s.Kind, s.ApprovalState, remote)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().BoolVar(&all, "all", false, "include sessions without recordings")
	return cmd
}

func newSessionsShowCmd(deps *Dependencies) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session with its recordings and comments",
		Args:  cobra.ExactArgs(1),
		RunE: deps.guard(func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "session")
			if err != nil {
				return err
			}
			a, err := deps.App()
			if err != nil {
				return err
			}
			b, err := a.Session(id)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(deps.Out)
				enc.SetIndent("", "  ")
				return enc.Encode(b)
			}

			s := b.Session
			fmt.Fprintf(deps.Out, "Session %d (%s, %s)\n", s.ID, s.Kind, s.ApprovalState)
			fmt.Fprintf(deps.Out, "  Created:  %s\n", s.CreatedAt)
			fmt.Fprintf(deps.Out, "  Duration: %s\n", units.HumanDuration(time.Duration(s.Duration)*time.Second))
			if s.TaskID != nil {
				fmt.Fprintf(deps.Out, "  Task:     %s\n", *s.TaskID)
			}
			fmt.Fprintf(deps.Out, "  Folder:   %s\n", a.Files().SessionDir(s.ID))

			fmt.Fprintf(deps.Out, "\nRecordings (%d)\n", len(b.Recordings))
			w := tabwriter.NewWriter(deps.Out, 0, 0, 2, ' ', 0)
			for _, r := range b.Recordings {
				size := "inline"
				if r.HasFile() {
					size = units.HumanSize(float64(a.Files().Size(r.FilePath)))
				}
				fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%s\n", r.ID, r.Timestamp, r.WindowName, size, r.Label)
			}
			w.Flush()

			fmt.Fprintf(deps.Out, "\nComments (%d)\n", len(b.Comments))
			for _, c := range b.Comments {
				fmt.Fprintf(deps.Out, "  %d [%s - %s] %s\n", c.ID,
					filestore.FormatOffset(c.StartTime), filestore.FormatOffset(c.EndTime), c.Text)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newSessionsDeleteCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session, its recordings, comments and folder",
		Args:  cobra.ExactArgs(1),
		RunE: deps.guard(func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "session")
			if err != nil {
				return err
			}
			a, err := deps.App()
			if err != nil {
				return err
			}
			if err := a.DeleteSession(commandContext(cmd), id); err != nil {
				return err
			}
			fmt.Fprintf(deps.Out, "Deleted session %d\n", id)
			return nil
		}),
	}
}

// NewLabelCmd sets or clears a recording label.
func NewLabelCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "label <recording-id> [label]",
		Short: "Set a recording label (omit the label to clear it)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: deps.guard(func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "recording")
			if err != nil {
				return err
			}
			label := ""
			if len(args) == 2 {
				label = args[1]
			}
			a, err := deps.App()
			if err != nil {
				return err
			}
			if err := a.SetLabel(id, label); err != nil {
				return err
			}
			fmt.Fprintf(deps.Out, "Labeled recording %d\n", id)
			return nil
		}),
	}
}

// NewCommentCmd groups comment add, edit and delete.
func NewCommentCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "comment",
		Short: "Annotate time ranges of a session",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <session-id> <start-sec> <end-sec> <text>",
		Short: "Add a comment to a session",
		Args:  cobra.ExactArgs(4),
		RunE: deps.guard(func(cmd *cobra.Command, args []string) error {
			sid, err := parseID(args[0], "session")
			if err != nil {
				return err
			}
			start, end, err := parseRange(args[1], args[2])
			if err != nil {
				return err
			}
			a, err := deps.App()
			if err != nil {
				return err
			}
			id, err := a.AddComment(sid, start, end, args[3])
			if err != nil {
				return err
			}
			fmt.Fprintf(deps.Out, "Added comment %d\n", id)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "edit <comment-id> <start-sec> <end-sec> <text>",
		Short: "Replace a comment's range and text",
		Args:  cobra.ExactArgs(4),
		RunE: deps.guard(func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "comment")
			if err != nil {
				return err
			}
			start, end, err := parseRange(args[1], args[2])
			if err != nil {
				return err
			}
			a, err := deps.App()
			if err != nil {
				return err
			}
			if err := a.EditComment(id, start, end, args[3]); err != nil {
				return err
			}
			fmt.Fprintf(deps.Out, "Updated comment %d\n", id)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <comment-id>",
		Short: "Delete a comment",
		Args:  cobra.ExactArgs(1),
		RunE: deps.guard(func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "comment")
			if err != nil {
				return err
			}
			a, err := deps.App()
			if err != nil {
				return err
			}
			if err := a.DeleteComment(id); err != nil {
				return err
			}
			fmt.Fprintf(deps.Out, "Deleted comment %d\n", id)
			return nil
		}),
	})

	return cmd
}

func parseRange(startArg, endArg string) (float64, float64, error) {
	start, err := parseSeconds(startArg, "start")
	if err != nil {
		return 0, 0, err
	}
	end, err := parseSeconds(endArg, "end")
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}
