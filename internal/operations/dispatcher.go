// Package operations orchestrates fleet-wide stop, start, and scale
// operations: discover targets, seed state, fan out.
package operations

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

// NoMatchingClustersError reports that discovery found nothing to act on.
// An HTTP layer maps this to 404.
type NoMatchingClustersError struct {
	Detail string
}

func (e *NoMatchingClustersError) Error() string { return e.Detail }

// OperationNotFoundError reports a missing source operation. Maps to 404.
type OperationNotFoundError struct {
	OperationID string
}

func (e *OperationNotFoundError) Error() string {
	return fmt.Sprintf("operation %s not found", e.OperationID)
}

// InvalidSourceError reports a source operation of the wrong kind. Maps to 400.
type InvalidSourceError struct {
	OperationID string
	Action      string
}

func (e *InvalidSourceError) Error() string {
	return fmt.Sprintf("source operation %s is a %s operation, expected stop", e.OperationID, e.Action)
}

// Discoverer is the fleet-wide discovery surface the dispatcher uses.
type Discoverer interface {
	Discover(ctx context.Context, labelFilter map[string]string) []discovery.Cluster
}

// StateManager is the slice of the operation state machine the dispatcher uses.
type StateManager interface {
	CreateOperation(ctx context.Context, operationID, action, initiatedBy string, clusters []discovery.Cluster, scheduleID string) (*state.OperationMeta, error)
	OperationSummary(ctx context.Context, operationID string, includeDetail bool) (*state.Summary, error)
}

// FanOutPublisher publishes per-nodegroup task messages.
type FanOutPublisher interface {
	FanOut(ctx context.Context, operationID, action string, clusters []discovery.Cluster, initiatedBy string) (router.Result, error)
}

// Receipt reports what an operation queued.
type Receipt struct {
	OperationID       string `json:"operation_id"`
	Action            string `json:"action"`
	SourceOperationID string `json:"source_operation_id,omitempty"`
	ClustersQueued    int    `json:"clusters_queued"`
	NodegroupsQueued  int    `json:"nodegroups_queued"`
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Logger    *zap.Logger
	Discovery Discoverer
	State     StateManager
	Router    FanOutPublisher
}

// Dispatcher creates operations and fans them out.
type Dispatcher struct {
	lg        *zap.Logger
	discovery Discoverer
	state     StateManager
	router    FanOutPublisher
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}
	if cfg.Discovery == nil {
		return nil, fmt.Errorf("missing discovery pipeline")
	}
	if cfg.State == nil {
		return nil, fmt.Errorf("missing state manager")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("missing router")
	}
	return &Dispatcher{
		lg:        cfg.Logger,
		discovery: cfg.Discovery,
		state:     cfg.State,
		router:    cfg.Router,
	}, nil
}

// Stop discovers clusters matching the label filter and stops those tagged
// auto_stop=true. Production clusters never survive discovery.
func (d *Dispatcher) Stop(ctx context.Context, labelFilter map[string]string, initiatedBy string) (*Receipt, error) {
	clusters := d.discovery.Discover(ctx, labelFilter)

	stoppable := lo.Filter(clusters, func(c discovery.Cluster, _ int) bool {
		return c.Tags["auto_stop"] == "true"
	})
	if len(stoppable) == 0 {
		return nil, &NoMatchingClustersError{Detail: "No clusters with auto_stop=true matched the filter"}
	}

	return d.launch(ctx, "stop", initiatedBy, stoppable, "")
}

// Start restores the nodegroups of a previous stop operation. Sizes come
// from the baselines the stop captured; the worker falls back to current min
// when a baseline is missing.
func (d *Dispatcher) Start(ctx context.Context, sourceOperationID, initiatedBy string) (*Receipt, error) {
	source, err := d.state.OperationSummary(ctx, sourceOperationID, true)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, &OperationNotFoundError{OperationID: sourceOperationID}
	}
	if source.Action != "stop" {
		return nil, &InvalidSourceError{OperationID: sourceOperationID, Action: source.Action}
	}

	clusters := make([]discovery.Cluster, 0, len(source.Clusters))
	for _, c := range source.Clusters {
		cluster := discovery.Cluster{
			AccountID:   c.AccountID,
			Region:      c.Region,
			ClusterName: c.ClusterName,
		}
		for _, ng := range c.Nodegroups {
			cluster.NodeGroups = append(cluster.NodeGroups, discovery.NodeGroup{Name: ng.Name})
		}
		clusters = append(clusters, cluster)
	}
	if len(clusters) == 0 {
		return nil, &NoMatchingClustersError{Detail: "Source operation has no clusters to start"}
	}

	receipt, err := d.launch(ctx, "start", initiatedBy, clusters, "")
	if err != nil {
		return nil, err
	}
	receipt.SourceOperationID = sourceOperationID
	return receipt, nil
}

// Scale applies explicit target sizes to the clusters matching the label
// filter. Nil sizes are left untouched by the workers.
func (d *Dispatcher) Scale(ctx context.Context, labelFilter map[string]string, desired, minSize, maxSize *int32, initiatedBy string) (*Receipt, error) {
	clusters := d.discovery.Discover(ctx, labelFilter)
	if len(clusters) == 0 {
		return nil, &NoMatchingClustersError{Detail: "No clusters matched the filter"}
	}

	for i := range clusters {
		for j := range clusters[i].NodeGroups {
			clusters[i].NodeGroups[j].TargetDesired = desired
			clusters[i].NodeGroups[j].TargetMin = minSize
			clusters[i].NodeGroups[j].TargetMax = maxSize
		}
	}
	return d.launch(ctx, "scale", initiatedBy, clusters, "")
}

func (d *Dispatcher) launch(ctx context.Context, action, initiatedBy string, clusters []discovery.Cluster, scheduleID string) (*Receipt, error) {
	operationID := uuid.NewString()
	if _, err := d.state.CreateOperation(ctx, operationID, action, initiatedBy, clusters, scheduleID); err != nil {
		return nil, err
	}
	fanOut, err := d.router.FanOut(ctx, operationID, action, clusters, initiatedBy)
	if err != nil {
		return nil, err
	}

	d.lg.Info("operation dispatched",
		zap.String("operation_id", operationID),
		zap.String("action", action),
		zap.String("initiated_by", initiatedBy),
		zap.Int("clusters_queued", fanOut.ClustersCount),
		zap.Int("nodegroups_queued", fanOut.NodegroupsCount),
	)
	return &Receipt{
		OperationID:      operationID,
		Action:           action,
		ClustersQueued:   fanOut.ClustersCount,
		NodegroupsQueued: fanOut.NodegroupsCount,
	}, nil
}
