// eks-operator-poller is the Lambda entrypoint that evaluates schedules
// every minute and triggers the due ones.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/cmd/eks-operator/common"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/schedules"
)

type warmResponse struct {
	Status string `json:"status"`
}

type pollHandler struct {
	lg     *zap.Logger
	poller *schedules.Poller
}

func (h *pollHandler) handle(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var warm struct {
		Warm bool `json:"warm"`
	}
	if err := json.Unmarshal(raw, &warm); err == nil && warm.Warm {
		h.lg.Info("poller warmed up")
		return warmResponse{Status: "warmed"}, nil
	}

	result, err := h.poller.Poll(ctx)
	if err != nil {
		h.lg.Error("poll pass failed", zap.Error(err))
		return nil, err
	}
	return result, nil
}

func main() {
	rt, err := common.Build(context.Background(), "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build runtime %v\n", err)
		os.Exit(1)
	}
	h := &pollHandler{lg: rt.Logger, poller: rt.Poller}
	lambda.Start(h.handle)
}
