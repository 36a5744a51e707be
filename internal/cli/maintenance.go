package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"screentrail/internal/health"
	"screentrail/internal/migrate"
)

// NewMigrateCmd groups the inline-to-file migration phases.
func NewMigrateCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move inline screenshots from the database to session folders",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "files",
		Short: "Write inline screenshots to files",
		Args:  cobra.NoArgs,
		RunE: deps.guard(func(cmd *cobra.Command, args []string) error {
			a, err := deps.App()
			if err != nil {
				return err
			}
			res, err := a.MigrateToFiles(commandContext(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintln(deps.Out, res.Message)
			for _, e := range res.Errors {
				fmt.Fprintf(deps.Err, "recording %d (session %d): %s\n", e.RecordingID, e.SessionID, e.Reason)
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check that every recording resolves to a readable file",
		Args:  cobra.NoArgs,
		RunE: deps.guard(func(cmd *cobra.Command, args []string) error {
			a, err := deps.App()
			if err != nil {
				return err
			}
			report, err := a.VerifyFiles(commandContext(cmd))
			if err != nil {
				return err
			}
			printReport(deps, report)
			if !report.Passed() {
				return fmt.Errorf("%d recordings failed verification", report.Invalid)
			}
			return nil
		}),
	})

	var yes bool
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Verify, then remove inline screenshots from the database",
		Long:  "Runs a verification first and only removes inline screenshot data when every recording resolves to a readable file. This cannot be undone.",
		Args:  cobra.NoArgs,
		RunE: deps.guard(func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("cleanup is irreversible; pass --yes to proceed")
			}
			a, err := deps.App()
			if err != nil {
				return err
			}
			report, n, err := a.CleanupLegacy(commandContext(cmd))
			if report != nil {
				printReport(deps, report)
			}
			if errors.Is(err, migrate.ErrUnverified) {
				return errors.New("verification failed; nothing was removed")
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(deps.Out, "Removed inline data from %d recordings\n", n)
			return nil
		}),
	}
	cleanup.Flags().BoolVar(&yes, "yes", false, "confirm the irreversible cleanup")
	cmd.AddCommand(cleanup)

	return cmd
}

func printReport(deps *Dependencies, r *migrate.VerificationReport) {
	fmt.Fprintf(deps.Out, "Verified %d recordings: %d valid, %d invalid\n", r.Total, r.Valid, r.Invalid)
	for _, d := range r.Details {
		fmt.Fprintf(deps.Out, "  recording %d (session %d): %s\n", d.RecordingID, d.SessionID, d.Reason)
	}
}

// NewSearchCmd queries the full-text index.
func NewSearchCmd(deps *Dependencies) *cobra.Command {
	var limit int
	var reindex bool
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search window names, labels and comments",
		Args:  cobra.MaximumNArgs(1),
		RunE: deps.guard(func(cmd *cobra.Command, args []string) error {
			a, err := deps.App()
			if err != nil {
				return err
			}
			if reindex {
				n, err := a.Reindex()
				if err != nil {
					return err
				}
				fmt.Fprintf(deps.Out, "Reindexed %d sessions\n", n)
			}
			if len(args) == 0 {
				if reindex {
					return nil
				}
				return errors.New("missing query")
			}

			hits, err := a.Search(args[0], limit)
			if err != nil {
				return err
			}
			if len(hits) == 0 {
				fmt.Fprintln(deps.Out, "No matches")
				return nil
			}
			w := tabwriter.NewWriter(deps.Out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tKIND\tID\tTEXT")
			for _, h := range hits {
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", h.SessionID, h.Kind, h.RefID, h.Text)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of results")
	cmd.Flags().BoolVar(&reindex, "reindex", false, "rebuild the index from the database first")
	return cmd
}

// NewDoctorCmd checks the data directory and remote backend.
func NewDoctorCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the database, data directory and remote backend",
		Args:  cobra.NoArgs,
		RunE: deps.guard(func(cmd *cobra.Command, args []string) error {
			a, err := deps.App()
			if err != nil {
				return err
			}
			report := a.HealthChecker().RunChecks(commandContext(cmd))

			for _, c := range report.Components {
				mark := "ok"
				switch c.Status {
				case health.StatusDegraded:
					mark = "warn"
				case health.StatusUnhealthy, health.StatusUnknown:
					mark = "FAIL"
				}
				detail := c.Message
				if c.Error != "" {
					detail += ": " + c.Error
				}
				fmt.Fprintf(deps.Out, "  [%-4s] %-13s %s\n", mark, c.Name, detail)
			}
			fmt.Fprintf(deps.Out, "\nOverall: %s\n", report.Status)
			if reports, err := deps.crash.CrashReports(); err == nil {
				fmt.Fprintf(deps.Out, "Crash reports: %d in %s\n", len(reports), deps.Config().CrashDir())
			}

			if report.Status == health.StatusUnhealthy {
				return errors.New("some checks failed")
			}
			return nil
		}),
	}
}

// NewActivityCmd prints the activity journal.
func NewActivityCmd(deps *Dependencies) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show recent recording, submission and sync activity",
		Args:  cobra.NoArgs,
		RunE: deps.guard(func(cmd *cobra.Command, args []string) error {
			a, err := deps.App()
			if err != nil {
				return err
			}
			acts, err := a.Activity(limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(deps.Out, 0, 0, 2, ' ', 0)
			for _, act := range acts {
				session := "-"
				if act.SessionID != nil {
					session = fmt.Sprintf("%d", *act.SessionID)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					act.Timestamp.Local().Format("2006-01-02 15:04:05"), act.Type, session, act.Result, act.Error)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	return cmd
}
