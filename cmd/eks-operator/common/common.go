// Package common wires the operator's components from environment
// configuration for the CLI and Lambda entrypoints.
package common

import (
	"context"

	"go.uber.org/zap"

	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/awsclients"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/baseline"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/capacity"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/config"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/credentials"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/discovery"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/operations"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/router"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/schedules"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/state"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/worker"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/pkg/logutil"
)

// Runtime bundles the wired components shared by all entrypoints.
type Runtime struct {
	Logger    *zap.Logger
	Config    *config.Config
	Clients   *awsclients.Clients
	Broker    *credentials.Broker
	Pipeline  *discovery.Pipeline
	Baseline  *baseline.Store
	State     *state.Manager
	Router    *router.Router
	Capacity  *capacity.Controller
	Schedules *schedules.Manager
	Triggerer *schedules.Triggerer
	Poller    *schedules.Poller
	Worker    *worker.Worker
}

// Build constructs the full runtime from the environment.
func Build(ctx context.Context, logLevel string) (*Runtime, error) {
	lg, err := logutil.New(logLevel, []string{"stderr"})
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	awsCfg, err := awsclients.LoadDefaultConfig(ctx, cfg.AWSRegion)
	if err != nil {
		return nil, err
	}
	clients := awsclients.New(awsCfg)

	broker, err := credentials.NewBroker(credentials.BrokerConfig{
		Logger:        lg,
		STS:           clients.STS(),
		RoleName:      cfg.OperatorRoleName,
		ExternalID:    cfg.ExternalID,
		DefaultRegion: cfg.AWSRegion,
	})
	if err != nil {
		return nil, err
	}

	pipeline, err := discovery.NewPipeline(discovery.PipelineConfig{
		Logger:        lg,
		Settings:      cfg,
		Broker:        broker,
		Organizations: clients.Organizations(),
	})
	if err != nil {
		return nil, err
	}

	baselineStore, err := baseline.NewStore(baseline.StoreConfig{
		Logger:   lg,
		DynamoDB: clients.DynamoDB(),
		Table:    cfg.DynamoDBClusterStateTable,
	})
	if err != nil {
		return nil, err
	}

	stateMgr, err := state.NewManager(state.ManagerConfig{
		Logger:   lg,
		DynamoDB: clients.DynamoDB(),
		Table:    cfg.DynamoDBOperationsTable,
	})
	if err != nil {
		return nil, err
	}

	taskRouter, err := router.NewRouter(router.RouterConfig{
		Logger:   lg,
		SNS:      clients.SNS(),
		TopicARN: cfg.SNSTopicARN,
	})
	if err != nil {
		return nil, err
	}

	controller, err := capacity.NewController(capacity.ControllerConfig{
		Logger: lg,
		Broker: broker,
	})
	if err != nil {
		return nil, err
	}

	scheduleMgr, err := schedules.NewManager(schedules.ManagerConfig{
		Logger:   lg,
		DynamoDB: clients.DynamoDB(),
		Table:    cfg.DynamoDBSchedulesTable,
	})
	if err != nil {
		return nil, err
	}

	triggerer, err := schedules.NewTriggerer(schedules.TriggererConfig{
		Logger:   lg,
		Resolver: pipeline,
		State:    stateMgr,
		Router:   taskRouter,
	})
	if err != nil {
		return nil, err
	}

	poller, err := schedules.NewPoller(schedules.PollerConfig{
		Logger:    lg,
		Manager:   scheduleMgr,
		Locks:     stateMgr,
		Triggerer: triggerer,
	})
	if err != nil {
		return nil, err
	}

	taskWorker, err := worker.NewWorker(worker.WorkerConfig{
		Logger:     lg,
		Resolver:   pipeline,
		Controller: controller,
		Baseline:   baselineStore,
		State:      stateMgr,
	})
	if err != nil {
		return nil, err
	}

	return &Runtime{
		Logger:    lg,
		Config:    cfg,
		Clients:   clients,
		Broker:    broker,
		Pipeline:  pipeline,
		Baseline:  baselineStore,
		State:     stateMgr,
		Router:    taskRouter,
		Capacity:  controller,
		Schedules: scheduleMgr,
		Triggerer: triggerer,
		Poller:    poller,
		Worker:    taskWorker,
	}, nil
}

// Dispatcher builds the operation dispatcher on top of the runtime.
func (r *Runtime) Dispatcher() (*operations.Dispatcher, error) {
	return operations.NewDispatcher(operations.DispatcherConfig{
		Logger:    r.Logger,
		Discovery: r.Pipeline,
		State:     r.State,
		Router:    r.Router,
	})
}
