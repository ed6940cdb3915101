package main

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/opst/kjobs/pkg/configs"
	xe "github.com/opst/kjobs/pkg/errors"
	"github.com/opst/kjobs/pkg/worker"
	"github.com/spf13/cobra"
)

// EnvQueue is the environment variable for the default of --queue.
const EnvQueue = "KJOBS_QUEUE"

type workerFlags struct {
	queue  string
	policy string
}

func workerCommand(global *globalFlags) *cobra.Command {
	flags := &workerFlags{}
	cmd := &cobra.Command{
		Use:   "worker --queue QUEUE [--policy POLICY] -- COMMAND [ARGS...]",
		Short: "Consume a queue, running a command for each message",
		Long: `worker receives messages from the queue, and runs COMMAND for each.

The payload of the message is passed to stdin of COMMAND, and its arguments
as environment variables KJOBS_ARG_<NAME>. Messages are acknowledged only
when COMMAND exits with 0. Otherwise they are redelivered later.

POLICY is one of:

  once            handle at most one message.
  until-empty     handle messages until the queue is empty. (default)
  forever         handle messages until interrupted. On SIGUSR1, stop after the current message.
  until:DURATION  handle messages until DURATION passes.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return work(cmd.Context(), global, flags, args)
		},
	}
	cmd.Flags().StringVar(&flags.queue, "queue", os.Getenv(EnvQueue), "name of queue to be consumed")
	cmd.Flags().StringVar(&flags.policy, "policy", "until-empty", "when the worker stops")
	return cmd
}

func work(ctx context.Context, global *globalFlags, flags *workerFlags, command []string) error {
	if flags.queue == "" {
		return xe.NewConfiguration("queue is not given. use --queue or $" + EnvQueue)
	}
	policy, err := worker.ParsePolicy(flags.policy)
	if err != nil {
		return err
	}
	if policy.String() == worker.RunForever().String() {
		stop := &atomic.Bool{}
		usr1 := make(chan os.Signal, 1)
		signal.Notify(usr1, syscall.SIGUSR1)
		defer signal.Stop(usr1)
		go func() {
			select {
			case <-usr1:
				logger.Info("SIGUSR1 is received. stop after the current message")
				stop.Store(true)
			case <-ctx.Done():
			}
		}()
		policy = worker.RunUntil(worker.Flag(stop))
	}

	conf, err := loadConfig(global)
	if err != nil {
		return err
	}
	if conf.Queue().Backend() == configs.BackendMemory {
		return xe.NewConfiguration(`"memory" queue cannot be consumed by another process. use "serve --handle"`)
	}

	broker, err := openBroker(ctx, conf)
	if err != nil {
		return err
	}
	defer func() {
		if err := broker.Close(); err != nil {
			logger.Warnf("failed to close queue broker: %v", err)
		}
	}()
	q, err := broker.Open(flags.queue)
	if err != nil {
		return err
	}

	w := worker.New(
		q,
		worker.WithPollWait(conf.Queue().PollWait()),
		worker.WithRetry(conf.Retry()),
	)
	_, err = w.Run(ctx, policy, worker.ExecHandler(command))
	return err
}
