package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"

	"github.com/paid-dev/paid-engine/internal/manager"
)

var pollProjectID int64

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Control per-project poll workflows",
}

var pollStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start polling a project (or all active projects)",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if !all && pollProjectID == 0 {
			return fmt.Errorf("either --project or --all is required")
		}

		m, cleanup, err := dialManager()
		if err != nil {
			return err
		}
		defer cleanup()

		if all {
			return m.StartAll(cmd.Context())
		}
		return m.StartPolling(cmd.Context(), pollProjectID)
	},
}

var pollStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop polling a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pollProjectID == 0 {
			return fmt.Errorf("--project is required")
		}

		m, cleanup, err := dialManager()
		if err != nil {
			return err
		}
		defer cleanup()

		return m.StopPolling(cmd.Context(), pollProjectID)
	},
}

// dialManager wires a workflow manager against the configured Temporal server
// and store. The returned cleanup closes both.
func dialManager() (*manager.ProjectWorkflowManager, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger()

	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	tc, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.Address,
		Namespace: cfg.Temporal.Namespace,
		Logger:    tlog.NewStructuredLogger(logger),
	})
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("failed to connect to temporal at %s: %w", cfg.Temporal.Address, err)
	}

	cleanup := func() {
		tc.Close()
		st.Close()
	}
	return manager.New(tc, st, cfg.Temporal.TaskQueue, logger), cleanup, nil
}

func init() {
	pollCmd.PersistentFlags().Int64Var(&pollProjectID, "project", 0, "project id")
	pollStartCmd.Flags().Bool("all", false, "start polling for every active project")
	pollCmd.AddCommand(pollStartCmd)
	pollCmd.AddCommand(pollStopCmd)
	rootCmd.AddCommand(pollCmd)
}
