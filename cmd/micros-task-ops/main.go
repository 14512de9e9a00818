// Command micros-task-ops runs the operational periodic tasks that aren't
// tied to a single queue: the pipeline monitor (§4.11) and stuck-task
// recovery (§4.12). These back the (out-of-scope) admin API's
// check-stale-pipelines/recover-stuck-tasks endpoints, which trigger the
// same sweeps on demand rather than waiting for the next tick. Exit code 0
// on clean shutdown, 1 on any fatal init error (§6).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskops/engine/internal/app"
	"github.com/taskops/engine/internal/monitor"
	"github.com/taskops/engine/internal/recovery"
	"github.com/taskops/engine/internal/supervisor"
)

func main() {
	cmd := &cobra.Command{
		Use:          "micros-task-ops",
		Short:        "Runs the pipeline monitor and stuck-task recovery sweeps",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := slog.Default()

	a, err := app.Open(ctx, log)
	if err != nil {
		return err
	}
	defer a.Close()

	mon := monitor.New(a.Store, a.Secrets, a.Config, log)
	rec := recovery.New(a.Store, a.Config, log)

	log.Info("micros-task-ops starting")
	sup := supervisor.New(log, mon, rec)
	return sup.Run(ctx)
}
