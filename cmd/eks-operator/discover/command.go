// Package discover implements "eks-operator discover" commands.
package discover

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/cmd/eks-operator/common"
)

var (
	logLevel    string
	labelFilter string
)

func init() {
	cobra.EnablePrefixMatching = true
}

// NewCommand implements "eks-operator discover" command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover EKS clusters and their Auto Scaling groups across target accounts",
		Run:   discoverFunc,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, dpanic, panic, fatal)")
	cmd.PersistentFlags().StringVar(&labelFilter, "label-filter", "", "Comma-separated key=value tag filters, e.g. env=dev,team=backend")
	return cmd
}

// ParseLabelFilter parses "key=value,key=value" into a map.
func ParseLabelFilter(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	filter := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, fmt.Errorf("invalid label filter %q, use key=value,key=value", raw)
		}
		filter[kv[0]] = kv[1]
	}
	return filter, nil
}

func discoverFunc(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	rt, err := common.Build(ctx, logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build runtime %v\n", err)
		os.Exit(1)
	}

	filter, err := ParseLabelFilter(labelFilter)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	clusters := rt.Pipeline.Discover(ctx, filter)
	totalNodegroups := 0
	for _, c := range clusters {
		totalNodegroups += len(c.NodeGroups)
	}
	rt.Logger.Info("discovery complete",
		zap.Int("clusters", len(clusters)),
		zap.Int("nodegroups", totalNodegroups),
	)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]interface{}{
		"clusters":         clusters,
		"total":            len(clusters),
		"total_nodegroups": totalNodegroups,
	}); err != nil {
		rt.Logger.Fatal("failed to encode clusters", zap.Error(err))
	}
}
