package cli

import (
	"fmt"
	"log/slog"

	dockerclient "github.com/docker/docker/client"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"

	"github.com/paid-dev/paid-engine/internal/activities"
	"github.com/paid-dev/paid-engine/internal/manager"
	"github.com/paid-dev/paid-engine/internal/workflows"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal workflow and activity worker",
	Long: `Start a worker process that executes the poll and agent-execution
workflows and their activities. The worker connects to the configured
Temporal server, registers on the engine task queue, and resumes polling
for every active project. It runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logger := newLogger()
		slog.SetDefault(logger)

		st, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		docker, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("failed to connect to docker: %w", err)
		}

		tc, err := client.Dial(client.Options{
			HostPort:  cfg.Temporal.Address,
			Namespace: cfg.Temporal.Namespace,
			Logger:    tlog.NewStructuredLogger(logger),
		})
		if err != nil {
			return fmt.Errorf("failed to connect to temporal at %s: %w", cfg.Temporal.Address, err)
		}
		defer tc.Close()

		w := worker.New(tc, cfg.Temporal.TaskQueue, worker.Options{})
		w.RegisterWorkflow(workflows.AgentExecutionWorkflow)
		w.RegisterWorkflow(workflows.GitHubPollWorkflow)
		w.RegisterActivity(activities.New(st, cfg, docker, logger))

		// Resume the poll loop of every active project. Starting a loop that
		// is already running is a no-op, so a worker restart is safe.
		m := manager.New(tc, st, cfg.Temporal.TaskQueue, logger)
		if err := m.StartAll(cmd.Context()); err != nil {
			logger.Warn("failed to resume polling for some projects", "error", err)
		}

		logger.Info("worker starting",
			"task_queue", cfg.Temporal.TaskQueue,
			"temporal", cfg.Temporal.Address,
			"env", cfg.Env)
		return w.Run(worker.InterruptCh())
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
