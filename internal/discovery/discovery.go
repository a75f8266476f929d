// Package discovery enumerates eligible EKS clusters and their Auto Scaling
// Groups across all target accounts and regions.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	autoscalingtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	organizationstypes "github.com/aws/aws-sdk-go-v2/service/organizations/types"
	"go.uber.org/zap"

	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/awsclients"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/config"
)

// ASG tags the pipeline keys off.
const (
	TagClusterName   = "eks:cluster-name"
	TagNodegroupName = "eks:nodegroup-name"
	TagSkip          = "eks-operator/skip"
	tagNamePrefix    = "kubernetes.io/cluster/"
)

// Sentinels used when instance types cannot be resolved without extra calls.
const (
	instanceTypesFromLaunchTemplate = "(from-launch-template)"
	instanceTypesFromLaunchConfig   = "(from-launch-config)"
)

// SessionProvider mints a per-account aws.Config. Implemented by
// credentials.Broker.
type SessionProvider interface {
	Session(ctx context.Context, accountID, region string) (aws.Config, error)
}

// ClientFactory builds the regional service clients for an assumed session.
// Swapped out in tests.
type ClientFactory func(cfg aws.Config) (awsclients.EKSAPI, awsclients.AutoScalingAPI)

func defaultClientFactory(cfg aws.Config) (awsclients.EKSAPI, awsclients.AutoScalingAPI) {
	return eks.NewFromConfig(cfg), autoscaling.NewFromConfig(cfg)
}

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	Logger        *zap.Logger
	Settings      *config.Config
	Broker        SessionProvider
	Organizations awsclients.OrganizationsAPI
	Clients       ClientFactory
}

// Pipeline discovers clusters and their ASGs in parallel across accounts.
type Pipeline struct {
	lg        *zap.Logger
	settings  *config.Config
	broker    SessionProvider
	orgClient awsclients.OrganizationsAPI
	clients   ClientFactory
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}
	if cfg.Settings == nil {
		return nil, fmt.Errorf("missing settings")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("missing session broker")
	}
	if cfg.Clients == nil {
		cfg.Clients = defaultClientFactory
	}
	return &Pipeline{
		lg:        cfg.Logger,
		settings:  cfg.Settings,
		broker:    cfg.Broker,
		orgClient: cfg.Organizations,
		clients:   cfg.Clients,
	}, nil
}

type discoveryTask struct {
	accountID string
	region    string
}

// Discover enumerates all eligible clusters. Failures in a single
// (account, region) task are logged and do not abort the overall result.
func (p *Pipeline) Discover(ctx context.Context, labelFilter map[string]string) []Cluster {
	accountIDs := p.resolveAccountIDs(ctx)
	regions := p.settings.ParsedTargetRegions()

	p.lg.Info("starting multi-region EKS discovery",
		zap.Int("account_count", len(accountIDs)),
		zap.Strings("regions", regions),
		zap.Any("label_filter", labelFilter),
	)

	workers := p.settings.MaxDiscoveryWorkers
	if workers <= 0 {
		workers = 1
	}

	taskQueue := make(chan discoveryTask, len(accountIDs)*len(regions))
	resultChan := make(chan []Cluster, len(accountIDs)*len(regions))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskQueue {
				clusters, err := p.discoverAccountClusters(ctx, task.accountID, task.region, labelFilter)
				if err != nil {
					p.lg.Error("discovery task failed",
						zap.String("account_id", task.accountID),
						zap.String("region", task.region),
						zap.Error(err),
					)
					continue
				}
				resultChan <- clusters
			}
		}()
	}

	for _, accountID := range accountIDs {
		for _, region := range regions {
			taskQueue <- discoveryTask{accountID: accountID, region: region}
		}
	}
	close(taskQueue)

	wg.Wait()
	close(resultChan)

	var all []Cluster
	for clusters := range resultChan {
		all = append(all, clusters...)
	}
	return all
}

// resolveAccountIDs returns the configured target accounts, or every ACTIVE
// account in the organization minus the management account.
func (p *Pipeline) resolveAccountIDs(ctx context.Context) []string {
	if ids := p.settings.ParsedTargetAccountIDs(); len(ids) > 0 {
		p.lg.Info("using explicit target accounts", zap.Int("count", len(ids)))
		return ids
	}
	if p.orgClient == nil {
		p.lg.Error("no target accounts configured and no Organizations client available")
		return nil
	}

	var accountIDs []string
	paginator := organizations.NewListAccountsPaginator(p.orgClient, &organizations.ListAccountsInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			p.lg.Error("failed to list accounts from Organizations", zap.Error(err))
			return nil
		}
		for _, account := range page.Accounts {
			if account.Status != organizationstypes.AccountStatusActive {
				continue
			}
			if aws.ToString(account.Id) == p.settings.ManagementAccountID {
				continue
			}
			accountIDs = append(accountIDs, aws.ToString(account.Id))
		}
	}

	p.lg.Info("discovered accounts from Organizations", zap.Int("count", len(accountIDs)))
	return accountIDs
}

// DiscoverCluster resolves a single cluster and its node groups. Returns
// (nil, nil) when the cluster is a production cluster; the guard applies on
// every resolution path, not just fleet-wide discovery.
func (p *Pipeline) DiscoverCluster(ctx context.Context, accountID, region, clusterName string) (*Cluster, error) {
	sessionCfg, err := p.broker.Session(ctx, accountID, region)
	if err != nil {
		return nil, err
	}
	eksClient, asgClient := p.clients(sessionCfg)

	cluster, err := p.describeCluster(ctx, eksClient, accountID, region, clusterName)
	if err != nil {
		return nil, err
	}
	if envTag, prod := productionTag(cluster.Tags); prod {
		p.lg.Warn("refusing to resolve production cluster",
			zap.String("account_id", accountID),
			zap.String("cluster_name", clusterName),
			zap.String("env_tag", envTag),
		)
		return nil, nil
	}
	cluster.NodeGroups = p.discoverAutoScalingGroups(ctx, asgClient, accountID, region, clusterName)
	return cluster, nil
}

func (p *Pipeline) discoverAccountClusters(ctx context.Context, accountID, region string, labelFilter map[string]string) ([]Cluster, error) {
	sessionCfg, err := p.broker.Session(ctx, accountID, region)
	if err != nil {
		return nil, err
	}
	eksClient, asgClient := p.clients(sessionCfg)

	var clusterNames []string
	paginator := eks.NewListClustersPaginator(eksClient, &eks.ListClustersInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		clusterNames = append(clusterNames, page.Clusters...)
	}

	var clusters []Cluster
	for _, clusterName := range clusterNames {
		cluster, err := p.describeCluster(ctx, eksClient, accountID, region, clusterName)
		if err != nil {
			p.lg.Error("failed to describe cluster",
				zap.String("account_id", accountID),
				zap.String("cluster_name", clusterName),
				zap.Error(err),
			)
			continue
		}

		// Production guard. This filter is mandatory and cannot be overridden.
		if envTag, prod := productionTag(cluster.Tags); prod {
			p.lg.Warn("skipping production cluster",
				zap.String("account_id", accountID),
				zap.String("cluster_name", clusterName),
				zap.String("env_tag", envTag),
			)
			continue
		}

		if len(labelFilter) > 0 && !matchesLabels(cluster.Tags, labelFilter) {
			continue
		}

		cluster.NodeGroups = p.discoverAutoScalingGroups(ctx, asgClient, accountID, region, clusterName)
		clusters = append(clusters, *cluster)
	}
	return clusters, nil
}

func (p *Pipeline) describeCluster(ctx context.Context, eksClient awsclients.EKSAPI, accountID, region, clusterName string) (*Cluster, error) {
	out, err := eksClient.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(clusterName)})
	if err != nil {
		return nil, err
	}
	c := out.Cluster
	return &Cluster{
		AccountID:         accountID,
		Region:            region,
		ClusterName:       aws.ToString(c.Name),
		ClusterARN:        aws.ToString(c.Arn),
		ClusterStatus:     string(c.Status),
		KubernetesVersion: aws.ToString(c.Version),
		Tags:              c.Tags,
	}, nil
}

// discoverAutoScalingGroups returns all node groups of the cluster, derived
// from ASGs tagged with the cluster name. Failures yield an empty list.
func (p *Pipeline) discoverAutoScalingGroups(ctx context.Context, asgClient awsclients.AutoScalingAPI, accountID, region, clusterName string) []NodeGroup {
	var nodeGroups []NodeGroup
	paginator := autoscaling.NewDescribeAutoScalingGroupsPaginator(asgClient, &autoscaling.DescribeAutoScalingGroupsInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			p.lg.Error("failed to discover ASGs",
				zap.String("account_id", accountID),
				zap.String("cluster_name", clusterName),
				zap.Error(err),
			)
			return nil
		}
		for _, asg := range page.AutoScalingGroups {
			asgTags := tagMap(asg.Tags)
			if !asgBelongsToCluster(asgTags, clusterName) {
				continue
			}
			if asgTags[TagSkip] == "true" {
				p.lg.Info("skipping node group due to skip tag",
					zap.String("asg_name", aws.ToString(asg.AutoScalingGroupName)),
					zap.String("cluster_name", clusterName),
				)
				continue
			}

			ng := normalizeASG(asg, asgTags)
			nodeGroups = append(nodeGroups, ng)

			p.lg.Info("found ASG for cluster",
				zap.String("account_id", accountID),
				zap.String("cluster_name", clusterName),
				zap.String("asg_name", ng.ASGName),
				zap.Int32("desired_capacity", ng.DesiredSize),
			)
		}
	}
	return nodeGroups
}

// normalizeASG derives the node-group view of a raw ASG description.
func normalizeASG(asg autoscalingtypes.AutoScalingGroup, asgTags map[string]string) NodeGroup {
	desired := aws.ToInt32(asg.DesiredCapacity)
	minSize := aws.ToInt32(asg.MinSize)

	status := StatusActive
	if desired == 0 && minSize == 0 {
		status = StatusStopped
	}

	name := asgTags[TagNodegroupName]
	if name == "" {
		name = asgTags["Name"]
	}
	if name == "" {
		name = aws.ToString(asg.AutoScalingGroupName)
	}

	return NodeGroup{
		Name:           name,
		ASGName:        aws.ToString(asg.AutoScalingGroupName),
		ASGARN:         aws.ToString(asg.AutoScalingGroupARN),
		Status:         status,
		DesiredSize:    desired,
		MinSize:        minSize,
		MaxSize:        aws.ToInt32(asg.MaxSize),
		InstanceTypes:  extractInstanceTypes(asg),
		CapacityType:   extractCapacityType(asg),
		Tags:           asgTags,
		InstancesCount: len(asg.Instances),
		Type:           "asg",
	}
}

// extractInstanceTypes reads instance types from the mixed instances policy
// overrides, falling back to a sentinel when the types live in a launch
// template or launch configuration.
func extractInstanceTypes(asg autoscalingtypes.AutoScalingGroup) []string {
	var instanceTypes []string
	if mip := asg.MixedInstancesPolicy; mip != nil && mip.LaunchTemplate != nil {
		for _, override := range mip.LaunchTemplate.Overrides {
			if it := aws.ToString(override.InstanceType); it != "" {
				instanceTypes = append(instanceTypes, it)
			}
		}
	}
	if len(instanceTypes) == 0 {
		switch {
		case asg.LaunchTemplate != nil:
			instanceTypes = append(instanceTypes, instanceTypesFromLaunchTemplate)
		case aws.ToString(asg.LaunchConfigurationName) != "":
			instanceTypes = append(instanceTypes, instanceTypesFromLaunchConfig)
		}
	}
	return instanceTypes
}

func extractCapacityType(asg autoscalingtypes.AutoScalingGroup) string {
	if mip := asg.MixedInstancesPolicy; mip != nil && mip.InstancesDistribution != nil {
		if pct := mip.InstancesDistribution.OnDemandPercentageAboveBaseCapacity; pct != nil {
			switch {
			case *pct == 0:
				return CapacitySpot
			case *pct < 100:
				return CapacityMixed
			}
		}
	}
	return CapacityOnDemand
}

// productionTag reports whether an env/environment tag (case-insensitive)
// marks the cluster as production.
func productionTag(tags map[string]string) (string, bool) {
	for key, value := range tags {
		switch strings.ToLower(key) {
		case "env", "environment":
			v := strings.ToLower(value)
			if v == "prod" || v == "production" {
				return v, true
			}
		}
	}
	return "", false
}

func matchesLabels(tags, labelFilter map[string]string) bool {
	for key, value := range labelFilter {
		if tags[key] != value {
			return false
		}
	}
	return true
}

func asgBelongsToCluster(asgTags map[string]string, clusterName string) bool {
	if asgTags[TagClusterName] == clusterName {
		return true
	}
	_, ok := asgTags[tagNamePrefix+clusterName]
	return ok
}

func tagMap(tags []autoscalingtypes.TagDescription) map[string]string {
	m := make(map[string]string, len(tags))
	for _, tag := range tags {
		m[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return m
}
