// eks-operator-worker is the Lambda entrypoint that consumes capacity
// tasks from the queue and applies them to nodegroup ASGs.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/cmd/eks-operator/common"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/worker"
)

func main() {
	rt, err := common.Build(context.Background(), "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build runtime %v\n", err)
		os.Exit(1)
	}
	lambda.Start(worker.NewHandler(rt.Logger, rt.Worker).Handle)
}
