// Package worker consumes per-nodegroup operation tasks and executes them
// against the target Auto Scaling groups.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/baseline"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/capacity"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/discovery"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/router"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/state"
)

// ClusterResolver re-resolves a cluster at processing time. Cached ASG
// resolution from fan-out may be stale by the time a message is consumed.
type ClusterResolver interface {
	DiscoverCluster(ctx context.Context, accountID, region, clusterName string) (*discovery.Cluster, error)
}

// CapacityController is the slice of the capacity controller the worker uses.
type CapacityController interface {
	StopNodegroup(ctx context.Context, accountID, region, clusterName, nodegroupName, asgName string) (*capacity.Result, error)
	StartNodegroup(ctx context.Context, accountID, region, clusterName, nodegroupName string, desiredSize, minSize, maxSize int32, asgName string) (*capacity.Result, error)
	ScaleNodegroup(ctx context.Context, accountID, region, clusterName, nodegroupName string, desiredSize, minSize, maxSize *int32, asgName string) (*capacity.Result, error)
}

// BaselineStore is the slice of the baseline store the worker uses.
type BaselineStore interface {
	Save(ctx context.Context, clusterID, nodegroupName string, desiredSize, minSize, maxSize int32) (bool, error)
	Get(ctx context.Context, clusterID, nodegroupName string) (*baseline.Baseline, error)
	Delete(ctx context.Context, clusterID, nodegroupName string) error
}

// StateUpdater is the slice of the state manager the worker uses.
type StateUpdater interface {
	UpdateNodegroupStatus(ctx context.Context, operationID, ngID string, update state.NodegroupUpdate) error
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Logger     *zap.Logger
	Resolver   ClusterResolver
	Controller CapacityController
	Baseline   BaselineStore
	State      StateUpdater
}

// Worker executes stop, start, and scale tasks, one nodegroup per message.
type Worker struct {
	lg         *zap.Logger
	resolver   ClusterResolver
	controller CapacityController
	baseline   BaselineStore
	state      StateUpdater
}

// NewWorker creates a Worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("missing cluster resolver")
	}
	if cfg.Controller == nil {
		return nil, fmt.Errorf("missing capacity controller")
	}
	if cfg.Baseline == nil {
		return nil, fmt.Errorf("missing baseline store")
	}
	if cfg.State == nil {
		return nil, fmt.Errorf("missing state manager")
	}
	return &Worker{
		lg:         cfg.Logger,
		resolver:   cfg.Resolver,
		controller: cfg.Controller,
		baseline:   cfg.Baseline,
		state:      cfg.State,
	}, nil
}

// ParseMessage decodes a raw task body, unwrapping the SNS-to-SQS envelope
// when present.
func ParseMessage(body string) (*router.TaskMessage, error) {
	var envelope struct {
		Message string `json:"Message"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err == nil && envelope.Message != "" {
		body = envelope.Message
	}
	var msg router.TaskMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ProcessMessage executes one task. Invalid or unresolvable messages are
// logged and dropped (nil return); execution failures mark the NG row FAILED
// and return the error so the caller can report a batch item failure.
func (w *Worker) ProcessMessage(ctx context.Context, msg *router.TaskMessage) error {
	if msg.OperationID == "" || msg.Action == "" || msg.ClusterName == "" || msg.AccountID == "" || msg.Region == "" {
		w.lg.Error("dropping message with missing required fields",
			zap.String("operation_id", msg.OperationID),
			zap.String("action", msg.Action),
			zap.String("cluster_name", msg.ClusterName),
		)
		return nil
	}

	clusterID := fmt.Sprintf("%s:%s:%s", msg.AccountID, msg.Region, msg.ClusterName)
	w.lg.Info("processing operation task",
		zap.String("operation_id", msg.OperationID),
		zap.String("action", msg.Action),
		zap.String("cluster_id", clusterID),
		zap.String("nodegroup_name", msg.NodegroupName),
	)

	cluster, err := w.resolver.DiscoverCluster(ctx, msg.AccountID, msg.Region, msg.ClusterName)
	if err != nil {
		return w.fail(ctx, msg, fmt.Errorf("resolving cluster %s: %w", clusterID, err))
	}
	if cluster == nil {
		w.lg.Error("cluster not found during processing",
			zap.String("cluster_id", clusterID),
		)
		return nil
	}

	for _, ng := range cluster.NodeGroups {
		if msg.NodegroupName != "" && ng.Name != msg.NodegroupName {
			continue
		}
		if err := w.dispatch(ctx, msg, clusterID, ng); err != nil {
			return w.fail(ctx, msg, err)
		}
	}
	return nil
}

func (w *Worker) dispatch(ctx context.Context, msg *router.TaskMessage, clusterID string, ng discovery.NodeGroup) error {
	ngID := clusterID + ":" + ng.Name

	switch msg.Action {
	case "stop":
		// Capture the baseline before any size change. Save is a no-op when
		// one already exists, so repeated stops keep the true originals.
		if _, err := w.baseline.Save(ctx, clusterID, ng.Name, ng.DesiredSize, ng.MinSize, ng.MaxSize); err != nil {
			return err
		}
		if _, err := w.controller.StopNodegroup(ctx, msg.AccountID, msg.Region, msg.ClusterName, ng.Name, ng.ASGName); err != nil {
			return err
		}
		zero := int32(0)
		return w.state.UpdateNodegroupStatus(ctx, msg.OperationID, ngID, state.NodegroupUpdate{
			Status:         state.StatusCompleted,
			CurrentDesired: &zero,
		})

	case "start":
		desired, minSize, maxSize := ng.MinSize, ng.MinSize, ng.MaxSize
		saved, err := w.baseline.Get(ctx, clusterID, ng.Name)
		if err != nil {
			return err
		}
		if saved != nil {
			desired, minSize, maxSize = saved.DesiredSize, saved.MinSize, saved.MaxSize
		} else {
			w.lg.Warn("no baseline found, falling back to current min size",
				zap.String("nodegroup_id", ngID),
				zap.Int32("min_size", ng.MinSize),
			)
		}
		if _, err := w.controller.StartNodegroup(ctx, msg.AccountID, msg.Region, msg.ClusterName, ng.Name, desired, minSize, maxSize, ng.ASGName); err != nil {
			return err
		}
		if err := w.state.UpdateNodegroupStatus(ctx, msg.OperationID, ngID, state.NodegroupUpdate{
			Status:         state.StatusCompleted,
			CurrentDesired: &desired,
		}); err != nil {
			return err
		}
		return w.baseline.Delete(ctx, clusterID, ng.Name)

	case "scale":
		if _, err := w.controller.ScaleNodegroup(ctx, msg.AccountID, msg.Region, msg.ClusterName, ng.Name, msg.TargetDesired, msg.TargetMin, msg.TargetMax, ng.ASGName); err != nil {
			return err
		}
		return w.state.UpdateNodegroupStatus(ctx, msg.OperationID, ngID, state.NodegroupUpdate{
			Status:         state.StatusCompleted,
			CurrentDesired: msg.TargetDesired,
		})

	default:
		return fmt.Errorf("unknown action %q", msg.Action)
	}
}

// fail marks the NG row FAILED and passes the error back for batch reporting.
func (w *Worker) fail(ctx context.Context, msg *router.TaskMessage, cause error) error {
	w.lg.Error("failed to execute action on nodegroup",
		zap.String("operation_id", msg.OperationID),
		zap.String("nodegroup_id", msg.NodegroupID),
		zap.Error(cause),
	)
	if err := w.state.UpdateNodegroupStatus(ctx, msg.OperationID, msg.NodegroupID, state.NodegroupUpdate{
		Status:       state.StatusFailed,
		ErrorMessage: cause.Error(),
	}); err != nil {
		w.lg.Error("failed to record nodegroup failure", zap.Error(err))
	}
	return cause
}
