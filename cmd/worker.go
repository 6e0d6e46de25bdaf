package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	temporalwf "go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/card-appraiser/internal/workflow"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a Temporal worker for durable appraisals",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := dialTemporal()
		if err != nil {
			return err
		}
		defer c.Close()

		go env.checker().Run(ctx)

		w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{
			MaxConcurrentActivityExecutionSize: workerConcurrency,
		})
		w.RegisterWorkflowWithOptions(workflow.NewDurableWorkflow(env.Policies).Run,
			temporalwf.RegisterOptions{Name: workflow.WorkflowName})
		w.RegisterActivity(workflow.NewActivities(env.Deps, env.Policies))

		zap.L().Info("starting temporal worker",
			zap.String("task_queue", cfg.Temporal.TaskQueue),
			zap.String("namespace", cfg.Temporal.Namespace),
		)
		if err := w.Start(); err != nil {
			return eris.Wrap(err, "start worker")
		}
		<-ctx.Done()
		w.Stop()
		zap.L().Info("temporal worker stopped")
		return nil
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 20, "max concurrent activities")
	rootCmd.AddCommand(workerCmd)
}
