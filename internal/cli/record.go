package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"screentrail/internal/capture"
	"screentrail/internal/store"
)

// NewRecordCmd records a session from the inbox folder until interrupted.
func NewRecordCmd(deps *Dependencies) *cobra.Command {
	var kind string
	var task string

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a session until interrupted",
		Long: "Start a recording session. Screenshots dropped into the inbox directory by a capture tool\n" +
			"are stored as recordings of the session on every capture tick. Press Ctrl+C to stop.",
		Args: cobra.NoArgs,
		RunE: deps.guard(func(cmd *cobra.Command, args []string) error {
			a, err := deps.App()
			if err != nil {
				return err
			}
			cfg := deps.Config()

			if kind == "" {
				kind = cfg.Capture.Kind
			}
			sk := store.SessionKind(kind)
			if !sk.Valid() {
				return fmt.Errorf("invalid session kind %q (passive or tasked)", kind)
			}
			var taskID *string
			if task != "" {
				taskID = &task
			}

			provider, err := capture.NewFolderProvider(cfg.InboxDir(), cfg.CaptureSettle(), deps.logger.WithComponent("inbox").Logger)
			if err != nil {
				return err
			}
			defer provider.Close()

			stopWatch := deps.watchConfig()
			defer stopWatch()

			deps.recorder = a.NewRecorder(provider)
			defer func() { deps.recorder = nil }()

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(deps.Out, "Recording from %s every %s. Press Ctrl+C to stop.\n",
				provider.Dir(), units.HumanDuration(cfg.CaptureInterval()))

			snap, err := a.Record(ctx, deps.recorder, sk, taskID)
			if err != nil {
				return err
			}

			stats := deps.recorder.Stats()
			fmt.Fprintf(deps.Out, "Session %d stopped after %s: %d captured, %d skipped, %d failed\n",
				derefID(snap.SessionID), units.HumanDuration(time.Duration(snap.Seconds)*time.Second),
				stats.Captured, stats.Skipped, stats.Failed)
			return nil
		}),
	}

	cmd.Flags().StringVar(&kind, "kind", "", "session kind: passive or tasked (default from config)")
	cmd.Flags().StringVar(&task, "task", "", "task id for tasked sessions")
	return cmd
}

func derefID(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

// commandContext returns cmd's context, never nil.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
