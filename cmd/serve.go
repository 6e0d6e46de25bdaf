package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/card-appraiser/internal/api"
	"github.com/sells-group/card-appraiser/internal/workflow"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the card API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort > 0 {
			cfg.Server.Port = servePort
		}

		env, err := initApp(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		runner, finish, err := initRunner(env)
		if err != nil {
			return err
		}
		defer finish()

		go env.checker().Run(ctx)

		server := api.NewServer(api.Options{
			Cards:       env.Store,
			Runner:      runner,
			Health:      env.Store.Ping,
			Gatherer:    env.Registry,
			CORSOrigins: cfg.Server.CORSOrigins,
		})

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           server.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server",
			zap.Int("port", cfg.Server.Port),
			zap.String("runner", cfg.Workflow.Runner),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// initRunner picks the workflow runner. The returned func waits for local
// workflows or closes the Temporal client.
func initRunner(env *appEnv) (workflow.Runner, func(), error) {
	if cfg.Workflow.Runner == "temporal" {
		c, err := dialTemporal()
		if err != nil {
			return nil, nil, err
		}
		return workflow.NewTemporalRunner(c, cfg.Temporal.TaskQueue), c.Close, nil
	}

	local := workflow.NewLocalRunner(env.Orchestrator)
	local.OnFinish(func(o *workflow.Outcome) {
		zap.L().Info("appraisal finished",
			zap.String("request_id", o.RequestID),
			zap.String("status", string(o.Status)),
			zap.String("error_type", o.ErrorType),
		)
	})
	return local, local.Wait, nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
