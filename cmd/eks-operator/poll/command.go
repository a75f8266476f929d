// Package poll implements "eks-operator poll" command.
package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/cmd/eks-operator/common"
)

var logLevel string

// NewCommand implements "eks-operator poll" command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Run one schedule poll pass, triggering every due schedule",
		Run:   pollFunc,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, dpanic, panic, fatal)")
	return cmd
}

func pollFunc(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	rt, err := common.Build(ctx, logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build runtime %v\n", err)
		os.Exit(1)
	}

	result, err := rt.Poller.Poll(ctx)
	if err != nil {
		rt.Logger.Fatal("poll pass failed", zap.Error(err))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode output %v\n", err)
		os.Exit(1)
	}
}
