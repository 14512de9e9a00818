// Command micros-task-impl runs the task-impl queue consumer (§4.9). Exit
// code 0 on clean shutdown, 1 on any fatal init error (§6).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskops/engine/internal/app"
	"github.com/taskops/engine/internal/broker"
	"github.com/taskops/engine/internal/implementation"
	"github.com/taskops/engine/internal/supervisor"
)

func main() {
	cmd := &cobra.Command{
		Use:          "micros-task-impl",
		Short:        "Runs the task-impl queue consumer",
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

	driver := implementation.New(a.Store, a.Secrets, a.Quota, log)
	consumer := broker.NewConsumerRunner(a.Broker, broker.QueueImpl, "impl-consumer", driver.HandleMessage)

	log.Info("micros-task-impl starting")
	sup := supervisor.New(log, consumer)
	return sup.Run(ctx)
}
