// eks-operator manages worker capacity across multi-account EKS fleets.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/cmd/eks-operator/discover"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/cmd/eks-operator/operation"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/cmd/eks-operator/poll"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/cmd/eks-operator/schedule"
	workercmd "github.com/nimishmehta8779/multi-eks-cluster-scheduler/cmd/eks-operator/worker"
)

var rootCmd = &cobra.Command{
	Use:   "eks-operator",
	Short: "Multi-account EKS capacity operator CLI",
}

func init() {
	cobra.EnablePrefixMatching = true
}

func init() {
	rootCmd.AddCommand(
		discover.NewCommand(),
		operation.NewCommand(),
		schedule.NewCommand(),
		poll.NewCommand(),
		workercmd.NewCommand(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "eks-operator failed %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}
