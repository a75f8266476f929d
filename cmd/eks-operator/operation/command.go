// Package operation implements "eks-operator operation" commands for
// dispatching and inspecting stop/start/scale operations.
package operation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/cmd/eks-operator/common"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/cmd/eks-operator/discover"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/operations"
)

var (
	logLevel    string
	labelFilter string
	initiatedBy string
	sourceOpID  string
	desiredSize int32
	minSize     int32
	maxSize     int32
	detail      bool
	limit       int
)

func init() {
	cobra.EnablePrefixMatching = true
}

// NewCommand implements "eks-operator operation" command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operation",
		Short: "Dispatch and inspect capacity operations",
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, dpanic, panic, fatal)")
	cmd.PersistentFlags().StringVar(&initiatedBy, "initiated-by", "cli", "Operation initiator recorded on the META row")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop all auto_stop=true clusters matching the label filter",
		Run:   stopFunc,
	}
	stopCmd.PersistentFlags().StringVar(&labelFilter, "label-filter", "", "Comma-separated key=value tag filters")

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Restore the nodegroups of a previous stop operation",
		Run:   startFunc,
	}
	startCmd.PersistentFlags().StringVar(&sourceOpID, "source-operation-id", "", "Stop operation whose baselines to restore")

	scaleCmd := &cobra.Command{
		Use:   "scale",
		Short: "Apply explicit sizes to clusters matching the label filter",
		Run:   scaleFunc,
	}
	scaleCmd.PersistentFlags().StringVar(&labelFilter, "label-filter", "", "Comma-separated key=value tag filters")
	scaleCmd.PersistentFlags().Int32Var(&desiredSize, "desired-size", -1, "Target desired capacity (-1 leaves it unchanged)")
	scaleCmd.PersistentFlags().Int32Var(&minSize, "min-size", -1, "Target minimum size (-1 leaves it unchanged)")
	scaleCmd.PersistentFlags().Int32Var(&maxSize, "max-size", -1, "Target maximum size (-1 leaves it unchanged)")

	getCmd := &cobra.Command{
		Use:   "get [operation-id]",
		Short: "Show an operation summary",
		Args:  cobra.ExactArgs(1),
		Run:   getFunc,
	}
	getCmd.PersistentFlags().BoolVar(&detail, "detail", false, "Include per-cluster and per-nodegroup rows")

	nodegroupsCmd := &cobra.Command{
		Use:   "nodegroups [operation-id] [cluster-id]",
		Short: "Show the per-nodegroup rows of one cluster in an operation",
		Args:  cobra.ExactArgs(2),
		Run:   nodegroupsFunc,
	}

	latestCmd := &cobra.Command{
		Use:   "latest",
		Short: "List the most recent operations",
		Run:   latestFunc,
	}
	latestCmd.PersistentFlags().IntVar(&limit, "limit", 5, "Maximum operations to return")

	cmd.AddCommand(stopCmd, startCmd, scaleCmd, getCmd, nodegroupsCmd, latestCmd)
	return cmd
}

func stopFunc(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	rt, dispatcher := buildDispatcher(ctx)

	filter, err := discover.ParseLabelFilter(labelFilter)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	receipt, err := dispatcher.Stop(ctx, filter, initiatedBy)
	if err != nil {
		rt.Logger.Fatal("stop operation failed", zap.Error(err))
	}
	printJSON(receipt)
}

func startFunc(cmd *cobra.Command, args []string) {
	if sourceOpID == "" {
		fmt.Fprintln(os.Stderr, "--source-operation-id is required")
		os.Exit(1)
	}
	ctx := context.Background()
	rt, dispatcher := buildDispatcher(ctx)

	receipt, err := dispatcher.Start(ctx, sourceOpID, initiatedBy)
	if err != nil {
		rt.Logger.Fatal("start operation failed", zap.Error(err))
	}
	printJSON(receipt)
}

func scaleFunc(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	rt, dispatcher := buildDispatcher(ctx)

	filter, err := discover.ParseLabelFilter(labelFilter)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	receipt, err := dispatcher.Scale(ctx, filter, optionalSize(desiredSize), optionalSize(minSize), optionalSize(maxSize), initiatedBy)
	if err != nil {
		rt.Logger.Fatal("scale operation failed", zap.Error(err))
	}
	printJSON(receipt)
}

func getFunc(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	rt := buildRuntime(ctx)

	summary, err := rt.State.OperationSummary(ctx, args[0], detail)
	if err != nil {
		rt.Logger.Fatal("failed to load operation", zap.Error(err))
	}
	if summary == nil {
		fmt.Fprintf(os.Stderr, "operation %q not found\n", args[0])
		os.Exit(1)
	}
	printJSON(summary)
}

func nodegroupsFunc(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	rt := buildRuntime(ctx)

	nodegroups, err := rt.State.GetClusterNodegroups(ctx, args[0], args[1])
	if err != nil {
		rt.Logger.Fatal("failed to load nodegroup rows", zap.Error(err))
	}
	printJSON(map[string]interface{}{"operation_id": args[0], "cluster_id": args[1], "nodegroups": nodegroups})
}

func latestFunc(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	rt := buildRuntime(ctx)

	metas, err := rt.State.LatestOperations(ctx, limit)
	if err != nil {
		rt.Logger.Fatal("failed to list operations", zap.Error(err))
	}
	printJSON(map[string]interface{}{"operations": metas})
}

func buildRuntime(ctx context.Context) *common.Runtime {
	rt, err := common.Build(ctx, logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build runtime %v\n", err)
		os.Exit(1)
	}
	return rt
}

func buildDispatcher(ctx context.Context) (*common.Runtime, *operations.Dispatcher) {
	rt := buildRuntime(ctx)
	dispatcher, err := rt.Dispatcher()
	if err != nil {
		rt.Logger.Fatal("failed to build dispatcher", zap.Error(err))
	}
	return rt, dispatcher
}

func optionalSize(v int32) *int32 {
	if v < 0 {
		return nil
	}
	return &v
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode output %v\n", err)
		os.Exit(1)
	}
}
