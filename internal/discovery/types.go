package discovery

import "fmt"

// Node group status values derived from ASG sizes.
const (
	StatusActive  = "ACTIVE"
	StatusStopped = "STOPPED"
)

// Capacity types derived from the ASG mixed instances policy.
const (
	CapacityOnDemand = "ON_DEMAND"
	CapacitySpot     = "SPOT"
	CapacityMixed    = "MIXED"
)

// NodeGroup is a worker group backed by exactly one Auto Scaling Group.
type NodeGroup struct {
	Name           string            `json:"name"`
	ASGName        string            `json:"asg_name"`
	ASGARN         string            `json:"asg_arn,omitempty"`
	Status         string            `json:"status"`
	DesiredSize    int32             `json:"desired_size"`
	MinSize        int32             `json:"min_size"`
	MaxSize        int32             `json:"max_size"`
	InstanceTypes  []string          `json:"instance_types,omitempty"`
	CapacityType   string            `json:"capacity_type"`
	Tags           map[string]string `json:"tags,omitempty"`
	InstancesCount int               `json:"instances_count"`
	Type           string            `json:"type"`

	// Target sizes are populated by schedule triggers for scale operations;
	// nil means the caller did not request a change for that field.
	TargetDesired *int32 `json:"target_desired,omitempty"`
	TargetMin     *int32 `json:"target_min,omitempty"`
	TargetMax     *int32 `json:"target_max,omitempty"`
}

// Cluster is a discovered EKS cluster with its ASG-backed node groups.
type Cluster struct {
	AccountID         string            `json:"account_id"`
	Region            string            `json:"region"`
	ClusterName       string            `json:"cluster_name"`
	ClusterARN        string            `json:"cluster_arn,omitempty"`
	ClusterStatus     string            `json:"cluster_status,omitempty"`
	KubernetesVersion string            `json:"kubernetes_version,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
	NodeGroups        []NodeGroup       `json:"node_groups"`
}

// ID returns the composite cluster identifier "{account}:{region}:{name}".
func (c *Cluster) ID() string {
	return fmt.Sprintf("%s:%s:%s", c.AccountID, c.Region, c.ClusterName)
}

// NodeGroupID returns the composite nodegroup identifier under this cluster.
func (c *Cluster) NodeGroupID(nodegroupName string) string {
	return c.ID() + ":" + nodegroupName
}
