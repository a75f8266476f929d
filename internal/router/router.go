// Package router fans an operation out to SNS, one message per nodegroup.
package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/awsclients"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/discovery"
)

// TaskMessage is the per-nodegroup payload published to SNS and consumed by
// the worker via SQS.
type TaskMessage struct {
	OperationID     string `json:"operation_id"`
	Action          string `json:"action"`
	AccountID       string `json:"account_id"`
	Region          string `json:"region"`
	ClusterName     string `json:"cluster_name"`
	ClusterID       string `json:"cluster_id"`
	NodegroupName   string `json:"nodegroup_name"`
	NodegroupID     string `json:"nodegroup_id"`
	ASGName         string `json:"asg_name"`
	OriginalDesired int32  `json:"original_desired"`
	OriginalMin     int32  `json:"original_min"`
	OriginalMax     int32  `json:"original_max"`
	InitiatedBy     string `json:"initiated_by"`
	NodeType        string `json:"node_type"`
	TargetDesired   *int32 `json:"target_desired"`
	TargetMin       *int32 `json:"target_min"`
	TargetMax       *int32 `json:"target_max"`
}

// Result reports how much of the operation was published.
type Result struct {
	ClustersCount   int `json:"clusters_count"`
	NodegroupsCount int `json:"nodegroups_count"`
}

// RouterConfig configures a Router.
type RouterConfig struct {
	Logger   *zap.Logger
	SNS      awsclients.SNSAPI
	TopicARN string
}

// Router publishes operation tasks to the SNS topic the workers consume from.
type Router struct {
	lg        *zap.Logger
	snsClient awsclients.SNSAPI
	topicARN  string
}

// NewRouter creates a Router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}
	if cfg.SNS == nil {
		return nil, fmt.Errorf("missing SNS client")
	}
	if cfg.TopicARN == "" {
		return nil, fmt.Errorf("missing SNS topic ARN")
	}
	return &Router{lg: cfg.Logger, snsClient: cfg.SNS, topicARN: cfg.TopicARN}, nil
}

// FanOut publishes one message per nodegroup. Publication is best effort: a
// failed publish is logged and does not abort the remaining messages, so the
// returned counts reflect what was actually published.
func (r *Router) FanOut(ctx context.Context, operationID, action string, clusters []discovery.Cluster, initiatedBy string) (Result, error) {
	var result Result

	for _, cluster := range clusters {
		clusterID := cluster.ID()
		result.ClustersCount++

		for _, ng := range cluster.NodeGroups {
			nodeType := ng.Type
			if nodeType == "" {
				nodeType = "asg"
			}
			msg := TaskMessage{
				OperationID:     operationID,
				Action:          action,
				AccountID:       cluster.AccountID,
				Region:          cluster.Region,
				ClusterName:     cluster.ClusterName,
				ClusterID:       clusterID,
				NodegroupName:   ng.Name,
				NodegroupID:     clusterID + ":" + ng.Name,
				ASGName:         ng.ASGName,
				OriginalDesired: ng.DesiredSize,
				OriginalMin:     ng.MinSize,
				OriginalMax:     ng.MaxSize,
				InitiatedBy:     initiatedBy,
				NodeType:        nodeType,
				TargetDesired:   ng.TargetDesired,
				TargetMin:       ng.TargetMin,
				TargetMax:       ng.TargetMax,
			}
			body, err := json.Marshal(msg)
			if err != nil {
				return result, err
			}

			_, err = r.snsClient.Publish(ctx, &sns.PublishInput{
				TopicArn: aws.String(r.topicARN),
				Message:  aws.String(string(body)),
				MessageAttributes: map[string]snstypes.MessageAttributeValue{
					"action": {
						DataType:    aws.String("String"),
						StringValue: aws.String(action),
					},
					"account_id": {
						DataType:    aws.String("String"),
						StringValue: aws.String(cluster.AccountID),
					},
				},
			})
			if err != nil {
				r.lg.Error("failed to publish nodegroup task",
					zap.String("operation_id", operationID),
					zap.String("nodegroup_id", msg.NodegroupID),
					zap.Error(err),
				)
				continue
			}
			result.NodegroupsCount++
		}
	}

	r.lg.Info("fan-out complete",
		zap.String("operation_id", operationID),
		zap.String("action", action),
		zap.Int("clusters_count", result.ClustersCount),
		zap.Int("nodegroups_count", result.NodegroupsCount),
	)
	return result, nil
}
