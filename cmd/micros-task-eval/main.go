// Command micros-task-eval runs the task-eval queue consumer (simple
// evaluation, chaining in-process to advanced evaluation once a task is
// ready) and the eval scheduler (§4.7, §4.8, §4.10). Exit code 0 on clean
// shutdown, 1 on any fatal init error (§6).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskops/engine/internal/agentic"
	"github.com/taskops/engine/internal/app"
	"github.com/taskops/engine/internal/broker"
	"github.com/taskops/engine/internal/evaluator"
	"github.com/taskops/engine/internal/scheduler"
	"github.com/taskops/engine/internal/supervisor"
)

func main() {
	cmd := &cobra.Command{
		Use:          "micros-task-eval",
		Short:        "Runs the task-eval queue consumer and eval scheduler",
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

	advancer := agentic.New(a.Store, a.Secrets, a.Quota, log)
	svc := evaluator.NewService(a.Store, a.Secrets, a.Quota, advancer, log)
	consumer := broker.NewConsumerRunner(a.Broker, broker.QueueEval, "eval-consumer", svc.HandleMessage)
	sched := scheduler.NewEvalScheduler(a.Store, a.Broker, a.Config, log)

	log.Info("micros-task-eval starting")
	sup := supervisor.New(log, consumer, sched)
	return sup.Run(ctx)
}
