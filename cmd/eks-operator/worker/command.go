// Package worker implements "eks-operator worker" command.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/cmd/eks-operator/common"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/worker"
)

var (
	logLevel string
	queueURL string
)

// NewCommand implements "eks-operator worker" command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the task queue and apply capacity changes until interrupted",
		Run:   workerFunc,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, dpanic, panic, fatal)")
	cmd.PersistentFlags().StringVar(&queueURL, "queue-url", "", "Task queue URL (defaults to SQS_QUEUE_URL)")
	return cmd
}

func workerFunc(cmd *cobra.Command, args []string) {
	rt, err := common.Build(context.Background(), logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build runtime %v\n", err)
		os.Exit(1)
	}

	url := queueURL
	if url == "" {
		url = rt.Config.SQSQueueURL
	}
	consumer, err := worker.NewConsumer(worker.ConsumerConfig{
		Logger:            rt.Logger,
		SQS:               rt.Clients.SQS(),
		QueueURL:          url,
		Worker:            rt.Worker,
		VisibilityTimeout: rt.Config.TaskVisibilityTimeout,
	})
	if err != nil {
		rt.Logger.Fatal("failed to build consumer", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		rt.Logger.Fatal("consumer stopped", zap.Error(err))
	}
	rt.Logger.Info("consumer stopped")
}
