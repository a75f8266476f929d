package schedules

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/discovery"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/router"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/state"
)

// ClusterResolver resolves a schedule's target cluster at trigger time.
type ClusterResolver interface {
	DiscoverCluster(ctx context.Context, accountID, region, clusterName string) (*discovery.Cluster, error)
}

// OperationCreator seeds operation rows before fan-out.
type OperationCreator interface {
	CreateOperation(ctx context.Context, operationID, action, initiatedBy string, clusters []discovery.Cluster, scheduleID string) (*state.OperationMeta, error)
}

// FanOutPublisher publishes per-nodegroup task messages.
type FanOutPublisher interface {
	FanOut(ctx context.Context, operationID, action string, clusters []discovery.Cluster, initiatedBy string) (router.Result, error)
}

// TriggerResult reports what a schedule trigger queued.
type TriggerResult struct {
	OperationID      string `json:"operation_id,omitempty"`
	ClustersQueued   int    `json:"clusters_queued"`
	NodegroupsQueued int    `json:"nodegroups_queued"`
}

// TriggererConfig configures a Triggerer.
type TriggererConfig struct {
	Logger   *zap.Logger
	Resolver ClusterResolver
	State    OperationCreator
	Router   FanOutPublisher
}

// Triggerer turns a due schedule into a running operation.
type Triggerer struct {
	lg       *zap.Logger
	resolver ClusterResolver
	state    OperationCreator
	router   FanOutPublisher
}

// NewTriggerer creates a Triggerer.
func NewTriggerer(cfg TriggererConfig) (*Triggerer, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("missing cluster resolver")
	}
	if cfg.State == nil {
		return nil, fmt.Errorf("missing state manager")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("missing router")
	}
	return &Triggerer{lg: cfg.Logger, resolver: cfg.Resolver, state: cfg.State, router: cfg.Router}, nil
}

// Trigger resolves the schedule's target nodegroup, applies the schedule's
// capacities, creates an operation, and fans it out. A target that no longer
// resolves queues nothing and is not an error.
func (t *Triggerer) Trigger(ctx context.Context, sched *Schedule, action string) (TriggerResult, error) {
	target := sched.Target
	t.lg.Info("triggering scheduled operation",
		zap.String("schedule_id", sched.ScheduleID),
		zap.String("action", action),
		zap.String("nodegroup_id", sched.NodegroupID),
	)

	cluster, err := t.resolver.DiscoverCluster(ctx, target.AccountID, target.Region, target.ClusterName)
	if err != nil {
		return TriggerResult{}, err
	}
	if cluster != nil {
		// Restrict to the schedule's nodegroup.
		cluster.NodeGroups = lo.Filter(cluster.NodeGroups, func(ng discovery.NodeGroup, _ int) bool {
			return ng.Name == target.NodegroupName
		})
		if len(cluster.NodeGroups) == 0 {
			cluster = nil
		}
	}
	if cluster == nil {
		t.lg.Warn("no nodegroup matched schedule target",
			zap.String("schedule_id", sched.ScheduleID),
			zap.String("nodegroup_id", sched.NodegroupID),
		)
		return TriggerResult{}, nil
	}

	clusters := []discovery.Cluster{*cluster}

	// Stops only apply to clusters that opted in.
	if action == "stop" && cluster.Tags["auto_stop"] != "true" {
		t.lg.Warn("cluster does not carry auto_stop=true, skipping scheduled stop",
			zap.String("schedule_id", sched.ScheduleID),
			zap.String("cluster_name", cluster.ClusterName),
		)
		return TriggerResult{}, nil
	}

	if action == "scale" {
		for i := range clusters {
			for j := range clusters[i].NodeGroups {
				clusters[i].NodeGroups[j].TargetDesired = sched.DesiredCapacity
				clusters[i].NodeGroups[j].TargetMin = sched.MinSize
				clusters[i].NodeGroups[j].TargetMax = sched.MaxSize
			}
		}
	}

	operationID := uuid.NewString()
	initiatedBy := "schedule:" + sched.ScheduleID
	if _, err := t.state.CreateOperation(ctx, operationID, action, initiatedBy, clusters, sched.ScheduleID); err != nil {
		return TriggerResult{}, err
	}

	fanOut, err := t.router.FanOut(ctx, operationID, action, clusters, initiatedBy)
	if err != nil {
		return TriggerResult{}, err
	}

	t.lg.Info("scheduled operation triggered",
		zap.String("schedule_id", sched.ScheduleID),
		zap.String("operation_id", operationID),
		zap.String("action", action),
		zap.Int("clusters_queued", fanOut.ClustersCount),
		zap.Int("nodegroups_queued", fanOut.NodegroupsCount),
	)
	return TriggerResult{
		OperationID:      operationID,
		ClustersQueued:   fanOut.ClustersCount,
		NodegroupsQueued: fanOut.NodegroupsCount,
	}, nil
}
