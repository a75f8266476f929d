// Package capacity reads and modifies Auto Scaling Group sizes for the
// stop/start/scale operations, with backoff on API throttling.
package capacity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	autoscalingtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/awsclients"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/discovery"
)

// Throttled ASG API calls are retried with exponential backoff.
const (
	retryAttempts = 5
	retryBaseWait = 4 * time.Second
	retryMaxWait  = 60 * time.Second
)

// Stop/start/scale result actions.
const (
	ActionStopped = "STOPPED"
	ActionStarted = "STARTED"
	ActionScaled  = "SCALED"
	ActionSkipped = "SKIPPED"
)

// ASGNotFoundError indicates no ASG could be resolved for the nodegroup.
type ASGNotFoundError struct {
	ClusterName   string
	NodegroupName string
}

func (e *ASGNotFoundError) Error() string {
	return fmt.Sprintf("cannot find ASG for cluster=%s, nodegroup=%s", e.ClusterName, e.NodegroupName)
}

// Result describes the outcome of a capacity operation.
type Result struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`

	ASGName string `json:"asg_name,omitempty"`

	OriginalDesired int32 `json:"original_desired,omitempty"`
	OriginalMin     int32 `json:"original_min,omitempty"`
	OriginalMax     int32 `json:"original_max,omitempty"`

	DesiredSize    *int32 `json:"desired_size,omitempty"`
	MinSize        *int32 `json:"min_size,omitempty"`
	MaxSize        *int32 `json:"max_size,omitempty"`
	CurrentDesired *int32 `json:"current_desired,omitempty"`
}

// ASGClientFactory builds a regional autoscaling client for an assumed
// session. Swapped out in tests.
type ASGClientFactory func(cfg aws.Config) awsclients.AutoScalingAPI

func defaultASGClientFactory(cfg aws.Config) awsclients.AutoScalingAPI {
	return autoscaling.NewFromConfig(cfg)
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Logger  *zap.Logger
	Broker  discovery.SessionProvider
	Clients ASGClientFactory
}

// Controller mutates ASG sizes in target accounts. All operations are
// idempotent: stop is a no-op at zero, start and scale set absolute targets.
type Controller struct {
	lg      *zap.Logger
	broker  discovery.SessionProvider
	clients ASGClientFactory
}

// NewController creates a Controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("missing session broker")
	}
	if cfg.Clients == nil {
		cfg.Clients = defaultASGClientFactory
	}
	return &Controller{lg: cfg.Logger, broker: cfg.Broker, clients: cfg.Clients}, nil
}

// StopNodegroup scales the nodegroup's ASG to zero, keeping MaxSize unchanged.
// Returns the original sizes so callers can persist a baseline.
func (c *Controller) StopNodegroup(ctx context.Context, accountID, region, clusterName, nodegroupName, asgName string) (*Result, error) {
	asgClient, err := c.asgClient(ctx, accountID, region)
	if err != nil {
		return nil, err
	}
	if asgName == "" {
		if asgName, err = c.resolveASGName(ctx, asgClient, clusterName, nodegroupName); err != nil {
			return nil, err
		}
	}

	asg, err := c.describeASG(ctx, asgClient, asgName)
	if err != nil {
		return nil, err
	}
	originalDesired := aws.ToInt32(asg.DesiredCapacity)
	originalMin := aws.ToInt32(asg.MinSize)
	originalMax := aws.ToInt32(asg.MaxSize)

	if originalDesired == 0 && originalMin == 0 {
		c.lg.Info("ASG already at zero, skipping",
			zap.String("account_id", accountID),
			zap.String("cluster_name", clusterName),
			zap.String("asg_name", asgName),
		)
		return &Result{
			Action:          ActionSkipped,
			Reason:          "already_at_zero",
			ASGName:         asgName,
			OriginalDesired: originalDesired,
			OriginalMin:     originalMin,
			OriginalMax:     originalMax,
		}, nil
	}

	err = c.withThrottleRetry(ctx, func() error {
		_, err := asgClient.UpdateAutoScalingGroup(ctx, &autoscaling.UpdateAutoScalingGroupInput{
			AutoScalingGroupName: aws.String(asgName),
			MinSize:              aws.Int32(0),
			DesiredCapacity:      aws.Int32(0),
			MaxSize:              aws.Int32(originalMax),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	c.lg.Info("ASG stopped (scaled to zero)",
		zap.String("account_id", accountID),
		zap.String("cluster_name", clusterName),
		zap.String("asg_name", asgName),
		zap.String("nodegroup_name", nodegroupName),
		zap.Int32("original_desired", originalDesired),
		zap.Int32("original_min", originalMin),
	)
	return &Result{
		Action:          ActionStopped,
		ASGName:         asgName,
		OriginalDesired: originalDesired,
		OriginalMin:     originalMin,
		OriginalMax:     originalMax,
		CurrentDesired:  aws.Int32(0),
	}, nil
}

// StartNodegroup restores the nodegroup's ASG to the given sizes.
func (c *Controller) StartNodegroup(ctx context.Context, accountID, region, clusterName, nodegroupName string, desiredSize, minSize, maxSize int32, asgName string) (*Result, error) {
	asgClient, err := c.asgClient(ctx, accountID, region)
	if err != nil {
		return nil, err
	}
	if asgName == "" {
		if asgName, err = c.resolveASGName(ctx, asgClient, clusterName, nodegroupName); err != nil {
			return nil, err
		}
	}

	err = c.withThrottleRetry(ctx, func() error {
		_, err := asgClient.UpdateAutoScalingGroup(ctx, &autoscaling.UpdateAutoScalingGroupInput{
			AutoScalingGroupName: aws.String(asgName),
			MinSize:              aws.Int32(minSize),
			DesiredCapacity:      aws.Int32(desiredSize),
			MaxSize:              aws.Int32(maxSize),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	c.lg.Info("ASG started (restored to baseline)",
		zap.String("account_id", accountID),
		zap.String("cluster_name", clusterName),
		zap.String("asg_name", asgName),
		zap.String("nodegroup_name", nodegroupName),
		zap.Int32("desired_size", desiredSize),
		zap.Int32("min_size", minSize),
		zap.Int32("max_size", maxSize),
	)
	return &Result{
		Action:         ActionStarted,
		ASGName:        asgName,
		DesiredSize:    aws.Int32(desiredSize),
		MinSize:        aws.Int32(minSize),
		MaxSize:        aws.Int32(maxSize),
		CurrentDesired: aws.Int32(desiredSize),
	}, nil
}

// ScaleNodegroup applies only the provided sizes; nil fields are untouched.
func (c *Controller) ScaleNodegroup(ctx context.Context, accountID, region, clusterName, nodegroupName string, desiredSize, minSize, maxSize *int32, asgName string) (*Result, error) {
	asgClient, err := c.asgClient(ctx, accountID, region)
	if err != nil {
		return nil, err
	}
	if asgName == "" {
		if asgName, err = c.resolveASGName(ctx, asgClient, clusterName, nodegroupName); err != nil {
			return nil, err
		}
	}

	input := &autoscaling.UpdateAutoScalingGroupInput{
		AutoScalingGroupName: aws.String(asgName),
		MinSize:              minSize,
		MaxSize:              maxSize,
		DesiredCapacity:      desiredSize,
	}
	err = c.withThrottleRetry(ctx, func() error {
		_, err := asgClient.UpdateAutoScalingGroup(ctx, input)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.lg.Info("ASG scaled",
		zap.String("asg_name", asgName),
		zap.Int32p("desired", desiredSize),
		zap.Int32p("min", minSize),
		zap.Int32p("max", maxSize),
	)
	return &Result{
		Action:         ActionScaled,
		ASGName:        asgName,
		DesiredSize:    desiredSize,
		MinSize:        minSize,
		MaxSize:        maxSize,
		CurrentDesired: desiredSize,
	}, nil
}

func (c *Controller) asgClient(ctx context.Context, accountID, region string) (awsclients.AutoScalingAPI, error) {
	sessionCfg, err := c.broker.Session(ctx, accountID, region)
	if err != nil {
		return nil, err
	}
	return c.clients(sessionCfg), nil
}

func (c *Controller) describeASG(ctx context.Context, asgClient awsclients.AutoScalingAPI, asgName string) (*autoscalingtypes.AutoScalingGroup, error) {
	var out *autoscaling.DescribeAutoScalingGroupsOutput
	err := c.withThrottleRetry(ctx, func() error {
		var err error
		out, err = asgClient.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
			AutoScalingGroupNames: []string{asgName},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(out.AutoScalingGroups) == 0 {
		return nil, fmt.Errorf("ASG %s not found", asgName)
	}
	return &out.AutoScalingGroups[0], nil
}

// resolveASGName scans all ASGs in the region and picks the best match for
// the nodegroup: the cluster-tagged ASG whose eks:nodegroup-name equals the
// requested nodegroup, else one whose ASG name contains the nodegroup name,
// else the first cluster-tagged ASG. Resolution without the nodegroup tag is
// ambiguous in multi-nodegroup clusters; the fan-out router always carries the
// asg_name from discovery so this path only runs when that is empty.
func (c *Controller) resolveASGName(ctx context.Context, asgClient awsclients.AutoScalingAPI, clusterName, nodegroupName string) (string, error) {
	var byNodegroupTag, byNameContains, firstClusterMatch string

	paginator := autoscaling.NewDescribeAutoScalingGroupsPaginator(asgClient, &autoscaling.DescribeAutoScalingGroupsInput{})
	for paginator.HasMorePages() {
		var page *autoscaling.DescribeAutoScalingGroupsOutput
		err := c.withThrottleRetry(ctx, func() error {
			var err error
			page, err = paginator.NextPage(ctx)
			return err
		})
		if err != nil {
			return "", err
		}
		for _, asg := range page.AutoScalingGroups {
			name := aws.ToString(asg.AutoScalingGroupName)
			tags := make(map[string]string, len(asg.Tags))
			for _, tag := range asg.Tags {
				tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
			}

			if tags[discovery.TagClusterName] != clusterName {
				if _, ok := tags["kubernetes.io/cluster/"+clusterName]; !ok {
					continue
				}
			}

			if tags[discovery.TagNodegroupName] == nodegroupName && byNodegroupTag == "" {
				byNodegroupTag = name
			}
			if strings.Contains(name, nodegroupName) && byNameContains == "" {
				byNameContains = name
			}
			if firstClusterMatch == "" {
				firstClusterMatch = name
			}
		}
	}

	switch {
	case byNodegroupTag != "":
		return byNodegroupTag, nil
	case byNameContains != "":
		return byNameContains, nil
	case firstClusterMatch != "":
		return firstClusterMatch, nil
	}
	return "", &ASGNotFoundError{ClusterName: clusterName, NodegroupName: nodegroupName}
}

func (c *Controller) withThrottleRetry(ctx context.Context, op func() error) error {
	return retry.Do(op,
		retry.Context(ctx),
		retry.Attempts(retryAttempts),
		retry.Delay(retryBaseWait),
		retry.MaxDelay(retryMaxWait),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isThrottleError),
		retry.OnRetry(func(n uint, err error) {
			c.lg.Warn("retrying ASG API call",
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
}

// isThrottleError reports whether the error is a throttle or transient API
// error worth retrying.
func isThrottleError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "Throttling", "ThrottlingException", "ThrottledException",
		"RequestThrottled", "RequestThrottledException",
		"TooManyRequestsException", "RequestLimitExceeded",
		"ServiceUnavailable", "InternalFailure":
		return true
	}
	return false
}
