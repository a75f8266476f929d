// Package schedule implements "eks-operator schedule" commands.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/cmd/eks-operator/common"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/schedules"
)

var (
	logLevel string

	scheduleName  string
	recurrence    string
	timeZone      string
	accountID     string
	region        string
	clusterName   string
	nodegroupName string
	desiredSize   int32
	minSize       int32
	maxSize       int32
	createdBy     string

	enabledOnly bool
	enabledFlag string
	pauseUntil  string
	limit       int
	action      string
)

func init() {
	cobra.EnablePrefixMatching = true
}

// NewCommand implements "eks-operator schedule" command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage cron-driven capacity schedules",
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, dpanic, panic, fatal)")

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a schedule for one nodegroup",
		Run:   createFunc,
	}
	createCmd.PersistentFlags().StringVar(&scheduleName, "name", "", "Schedule name")
	createCmd.PersistentFlags().StringVar(&recurrence, "recurrence", "", "5-field cron expression")
	createCmd.PersistentFlags().StringVar(&timeZone, "time-zone", "UTC", "IANA timezone for the cron expression")
	createCmd.PersistentFlags().StringVar(&accountID, "account-id", "", "Target account ID")
	createCmd.PersistentFlags().StringVar(&region, "region", "", "Target region")
	createCmd.PersistentFlags().StringVar(&clusterName, "cluster-name", "", "Target cluster name")
	createCmd.PersistentFlags().StringVar(&nodegroupName, "nodegroup-name", "", "Target nodegroup name")
	createCmd.PersistentFlags().Int32Var(&desiredSize, "desired-size", -1, "Desired capacity to apply on trigger (-1 leaves it unchanged)")
	createCmd.PersistentFlags().Int32Var(&minSize, "min-size", -1, "Minimum size to apply on trigger (-1 leaves it unchanged)")
	createCmd.PersistentFlags().Int32Var(&maxSize, "max-size", -1, "Maximum size to apply on trigger (-1 leaves it unchanged)")
	createCmd.PersistentFlags().StringVar(&createdBy, "created-by", "cli", "Creator recorded on the schedule")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Run:   listFunc,
	}
	listCmd.PersistentFlags().BoolVar(&enabledOnly, "enabled-only", false, "Only enabled schedules (uses the secondary index)")
	listCmd.PersistentFlags().StringVar(&clusterName, "cluster-name", "", "Filter by target cluster")
	listCmd.PersistentFlags().StringVar(&nodegroupName, "nodegroup-name", "", "Filter by target nodegroup")

	getCmd := &cobra.Command{
		Use:   "get [schedule-id]",
		Short: "Show a schedule and its next trigger time",
		Args:  cobra.ExactArgs(1),
		Run:   getFunc,
	}

	updateCmd := &cobra.Command{
		Use:   "update [schedule-id]",
		Short: "Update schedule fields, unset flags are left unchanged",
		Args:  cobra.ExactArgs(1),
		Run:   updateFunc,
	}
	updateCmd.PersistentFlags().StringVar(&scheduleName, "name", "", "New schedule name")
	updateCmd.PersistentFlags().StringVar(&recurrence, "recurrence", "", "New 5-field cron expression")
	updateCmd.PersistentFlags().StringVar(&timeZone, "time-zone", "", "New IANA timezone")
	updateCmd.PersistentFlags().Int32Var(&desiredSize, "desired-size", -1, "New desired capacity (-1 leaves it unchanged)")
	updateCmd.PersistentFlags().Int32Var(&minSize, "min-size", -1, "New minimum size (-1 leaves it unchanged)")
	updateCmd.PersistentFlags().Int32Var(&maxSize, "max-size", -1, "New maximum size (-1 leaves it unchanged)")
	updateCmd.PersistentFlags().StringVar(&enabledFlag, "enabled", "", "Set to true or false to enable or disable the schedule")

	deleteCmd := &cobra.Command{
		Use:   "delete [schedule-id]",
		Short: "Disable a schedule (soft delete)",
		Args:  cobra.ExactArgs(1),
		Run:   deleteFunc,
	}

	pauseCmd := &cobra.Command{
		Use:   "pause [schedule-id]",
		Short: "Pause a schedule, optionally until an RFC3339 deadline",
		Args:  cobra.ExactArgs(1),
		Run:   pauseFunc,
	}
	pauseCmd.PersistentFlags().StringVar(&pauseUntil, "until", "", "RFC3339 timestamp after which the poller resumes the schedule")

	historyCmd := &cobra.Command{
		Use:   "history [schedule-id]",
		Short: "Show recent executions, newest first",
		Args:  cobra.ExactArgs(1),
		Run:   historyFunc,
	}
	historyCmd.PersistentFlags().IntVar(&limit, "limit", 20, "Maximum executions to return")

	nextCmd := &cobra.Command{
		Use:   "next [schedule-id]",
		Short: "Show the next trigger time in UTC",
		Args:  cobra.ExactArgs(1),
		Run:   nextFunc,
	}

	triggerCmd := &cobra.Command{
		Use:   "trigger [schedule-id]",
		Short: "Trigger a schedule immediately",
		Args:  cobra.ExactArgs(1),
		Run:   triggerFunc,
	}
	triggerCmd.PersistentFlags().StringVar(&action, "action", "scale", "Action to trigger (stop, start, scale)")

	cmd.AddCommand(createCmd, listCmd, getCmd, updateCmd, deleteCmd, pauseCmd, historyCmd, nextCmd, triggerCmd)
	return cmd
}

func buildRuntime(ctx context.Context) *common.Runtime {
	rt, err := common.Build(ctx, logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build runtime %v\n", err)
		os.Exit(1)
	}
	return rt
}

func createFunc(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	rt := buildRuntime(ctx)

	sched, err := rt.Schedules.Create(ctx, schedules.CreateInput{
		Name:            scheduleName,
		Recurrence:      recurrence,
		TimeZone:        timeZone,
		DesiredCapacity: optionalSize(desiredSize),
		MinSize:         optionalSize(minSize),
		MaxSize:         optionalSize(maxSize),
		Target: schedules.Target{
			AccountID:     accountID,
			Region:        region,
			ClusterName:   clusterName,
			NodegroupName: nodegroupName,
		},
	}, createdBy)
	if err != nil {
		rt.Logger.Fatal("failed to create schedule", zap.Error(err))
	}
	printJSON(sched)
}

func listFunc(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	rt := buildRuntime(ctx)

	scheds, err := rt.Schedules.List(ctx, schedules.ListOptions{
		EnabledOnly:   enabledOnly,
		ClusterName:   clusterName,
		NodegroupName: nodegroupName,
	})
	if err != nil {
		rt.Logger.Fatal("failed to list schedules", zap.Error(err))
	}
	printJSON(map[string]interface{}{"schedules": scheds, "total": len(scheds)})
}

func getFunc(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	rt := buildRuntime(ctx)

	sched, err := rt.Schedules.Get(ctx, args[0])
	if err != nil {
		rt.Logger.Fatal("failed to load schedule", zap.Error(err))
	}
	if sched == nil {
		fmt.Fprintf(os.Stderr, "schedule %q not found\n", args[0])
		os.Exit(1)
	}

	next, err := rt.Schedules.NextTriggerTime(ctx, args[0])
	if err != nil {
		rt.Logger.Warn("failed to compute next trigger", zap.Error(err))
	}
	out := map[string]interface{}{"schedule": sched}
	if !next.IsZero() {
		out["next_trigger"] = next.Format(time.RFC3339)
	}
	printJSON(out)
}

func updateFunc(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	rt := buildRuntime(ctx)

	in := schedules.UpdateInput{
		DesiredCapacity: optionalSize(desiredSize),
		MinSize:         optionalSize(minSize),
		MaxSize:         optionalSize(maxSize),
	}
	if scheduleName != "" {
		in.Name = &scheduleName
	}
	if recurrence != "" {
		in.Recurrence = &recurrence
	}
	if timeZone != "" {
		in.TimeZone = &timeZone
	}
	switch enabledFlag {
	case "":
	case "true", "false":
		enabled := enabledFlag == "true"
		in.Enabled = &enabled
	default:
		fmt.Fprintf(os.Stderr, "invalid --enabled value %q, expected true or false\n", enabledFlag)
		os.Exit(1)
	}

	sched, err := rt.Schedules.Update(ctx, args[0], in)
	if err != nil {
		rt.Logger.Fatal("failed to update schedule", zap.Error(err))
	}
	printJSON(sched)
}

func deleteFunc(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	rt := buildRuntime(ctx)

	if err := rt.Schedules.Delete(ctx, args[0]); err != nil {
		rt.Logger.Fatal("failed to delete schedule", zap.Error(err))
	}
	fmt.Printf("schedule %q disabled\n", args[0])
}

func pauseFunc(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	rt := buildRuntime(ctx)

	var until *time.Time
	if pauseUntil != "" {
		parsed, err := time.Parse(time.RFC3339, pauseUntil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --until timestamp %q, expected RFC3339\n", pauseUntil)
			os.Exit(1)
		}
		until = &parsed
	}

	sched, err := rt.Schedules.Pause(ctx, args[0], until)
	if err != nil {
		rt.Logger.Fatal("failed to pause schedule", zap.Error(err))
	}
	printJSON(sched)
}

func historyFunc(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	rt := buildRuntime(ctx)

	history, err := rt.Schedules.History(ctx, args[0], limit)
	if err != nil {
		rt.Logger.Fatal("failed to load history", zap.Error(err))
	}
	printJSON(map[string]interface{}{"schedule_id": args[0], "history": history, "total": len(history)})
}

func nextFunc(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	rt := buildRuntime(ctx)

	next, err := rt.Schedules.NextTriggerTime(ctx, args[0])
	if err != nil {
		rt.Logger.Fatal("failed to compute next trigger", zap.Error(err))
	}
	if next.IsZero() {
		fmt.Fprintf(os.Stderr, "schedule %q not found or disabled\n", args[0])
		os.Exit(1)
	}
	printJSON(map[string]string{"schedule_id": args[0], "next_trigger": next.Format(time.RFC3339)})
}

func triggerFunc(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	rt := buildRuntime(ctx)

	sched, err := rt.Schedules.Get(ctx, args[0])
	if err != nil {
		rt.Logger.Fatal("failed to load schedule", zap.Error(err))
	}
	if sched == nil {
		fmt.Fprintf(os.Stderr, "schedule %q not found\n", args[0])
		os.Exit(1)
	}

	result, err := rt.Triggerer.Trigger(ctx, sched, action)
	if err != nil {
		rt.Logger.Fatal("failed to trigger schedule", zap.Error(err))
	}
	if result.OperationID != "" {
		if err := rt.Schedules.RecordExecution(ctx, args[0], action, result.OperationID, result.ClustersQueued); err != nil {
			rt.Logger.Warn("failed to record execution", zap.Error(err))
		}
	}
	printJSON(result)
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
