// Command micros-task-sync runs the task-sync queue consumer and the sync
// scheduler (§4.5, §4.10). Exit code 0 on clean shutdown, 1 on any fatal
// init error (§6).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskops/engine/internal/app"
	"github.com/taskops/engine/internal/broker"
	"github.com/taskops/engine/internal/scheduler"
	"github.com/taskops/engine/internal/supervisor"
	"github.com/taskops/engine/internal/sync"
)

func main() {
	cmd := &cobra.Command{
		Use:          "micros-task-sync",
		Short:        "Runs the task-sync queue consumer and sync scheduler",
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

	svc := sync.New(a.Store, a.Secrets, a.Broker, a.Quota, a.Config, log)
	consumer := broker.NewConsumerRunner(a.Broker, broker.QueueSync, "sync-consumer", svc.HandleMessage)
	sched := scheduler.NewSyncScheduler(a.Store, a.Broker, a.Config, log)

	log.Info("micros-task-sync starting")
	sup := supervisor.New(log, consumer, sched)
	return sup.Run(ctx)
}
