package cli

import (
	"errors"
	"fmt"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"screentrail/internal/submit"
	"screentrail/internal/syncer"
)

// NewSubmitCmd uploads a session for review.
func NewSubmitCmd(deps *Dependencies) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "submit <session-id>",
		Short: "Upload a session to the remote backend for review",
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

			var onProgress func(submit.Progress)
			if !quiet {
				onProgress = func(p submit.Progress) {
					fmt.Fprintf(deps.Out, "[%d/%d] %s\n", p.Current, p.Total, p.Status)
				}
			}

			res, err := a.Submit(commandContext(cmd), id, onProgress)
			if err != nil {
				if errors.Is(err, submit.ErrValidation) {
					return fmt.Errorf("session %d cannot be submitted: %w", id, err)
				}
				return err
			}

			for _, w := range res.Warnings {
				fmt.Fprintf(deps.Err, "warning: %s\n", w)
			}
			if !res.Success {
				for _, u := range res.Undo {
					status := "ok"
					if u.Error != "" {
						status = u.Error
					}
					fmt.Fprintf(deps.Err, "rollback %s %s: %s\n", u.Action, u.Target, status)
				}
				if n := len(res.OrphanedObjects); n > 0 {
					fmt.Fprintf(deps.Err, "%d uploaded objects were left in storage\n", n)
				}
				return fmt.Errorf("submission failed: %s", res.Message)
			}

			fmt.Fprintf(deps.Out, "%s\n", res.Message)
			if res.DurationCorrected {
				fmt.Fprintf(deps.Out, "Duration corrected to %d seconds\n", res.Duration)
			}
			fmt.Fprintf(deps.Out, "Earned %d points (total %d)\n", res.Points, res.PointsTotal)
			return nil
		}),
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress")
	return cmd
}

// NewSyncCmd pulls remote sessions into the local store.
func NewSyncCmd(deps *Dependencies) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Download remote sessions that are not present locally",
		Args:  cobra.NoArgs,
		RunE: deps.guard(func(cmd *cobra.Command, args []string) error {
			a, err := deps.App()
			if err != nil {
				return err
			}

			res, outcome, err := a.Sync(commandContext(cmd), force)
			if err != nil {
				return err
			}
			if outcome == syncer.OutcomeThrottled {
				msg := "Synced recently"
				if last, ok := a.LastSync(); ok {
					msg = "Last synced " + units.HumanDuration(time.Since(last)) + " ago"
				}
				fmt.Fprintf(deps.Out, "%s; use --force to sync again\n", msg)
				return nil
			}

			fmt.Fprintln(deps.Out, res.Message)
			for _, e := range res.Errors {
				fmt.Fprintf(deps.Err, "remote session %d: %s\n", e.RemoteSessionID, e.Reason)
			}
			if !res.Success {
				return fmt.Errorf("%d sessions failed to sync", res.Failed)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&force, "force", false, "ignore the sync cooldown")
	return cmd
}
