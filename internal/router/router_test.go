package router

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/discovery"
)

type recordingSNS struct {
	published []*sns.PublishInput

	// failAt fails the publish at this zero-based index (-1 disables).
	failAt int
}

func (r *recordingSNS) Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	if r.failAt == len(r.published) {
		r.published = append(r.published, nil)
		return nil, errors.New("publish failed")
	}
	r.published = append(r.published, in)
	return &sns.PublishOutput{}, nil
}

func newTestRouter(t *testing.T) (*Router, *recordingSNS) {
	t.Helper()
	snsClient := &recordingSNS{failAt: -1}
	r, err := NewRouter(RouterConfig{
		Logger:   zap.NewNop(),
		SNS:      snsClient,
		TopicARN: "arn:aws:sns:us-east-1:111111111111:eks-operator-tasks",
	})
	require.NoError(t, err)
	return r, snsClient
}

func testClusters() []discovery.Cluster {
	return []discovery.Cluster{
		{
			AccountID:   "111111111111",
			Region:      "us-east-1",
			ClusterName: "dev-a",
			NodeGroups: []discovery.NodeGroup{
				{Name: "workers", ASGName: "dev-a-workers", DesiredSize: 3, MinSize: 1, MaxSize: 5},
				{Name: "ingest", ASGName: "dev-a-ingest", DesiredSize: 2, MinSize: 1, MaxSize: 4},
			},
		},
		{
			AccountID:   "222222222222",
			Region:      "eu-west-1",
			ClusterName: "dev-b",
			NodeGroups: []discovery.NodeGroup{
				{Name: "workers", ASGName: "dev-b-workers", DesiredSize: 4, MinSize: 2, MaxSize: 8},
			},
		},
	}
}

func TestFanOutPublishesOneMessagePerNodegroup(t *testing.T) {
	r, snsClient := newTestRouter(t)

	result, err := r.FanOut(context.Background(), "op-1", "stop", testClusters(), "user:alice")
	require.NoError(t, err)
	assert.Equal(t, 2, result.ClustersCount)
	assert.Equal(t, 3, result.NodegroupsCount)
	require.Len(t, snsClient.published, 3)

	var msg TaskMessage
	require.NoError(t, json.Unmarshal([]byte(*snsClient.published[0].Message), &msg))
	assert.Equal(t, "op-1", msg.OperationID)
	assert.Equal(t, "stop", msg.Action)
	assert.Equal(t, "111111111111:us-east-1:dev-a", msg.ClusterID)
	assert.Equal(t, "111111111111:us-east-1:dev-a:workers", msg.NodegroupID)
	assert.Equal(t, "dev-a-workers", msg.ASGName)
	assert.Equal(t, int32(3), msg.OriginalDesired)
	assert.Equal(t, int32(1), msg.OriginalMin)
	assert.Equal(t, int32(5), msg.OriginalMax)
	assert.Equal(t, "user:alice", msg.InitiatedBy)
	assert.Equal(t, "asg", msg.NodeType)
	assert.Nil(t, msg.TargetDesired)
}

func TestFanOutRoutingAttributes(t *testing.T) {
	r, snsClient := newTestRouter(t)

	_, err := r.FanOut(context.Background(), "op-1", "start", testClusters(), "user:alice")
	require.NoError(t, err)

	attrs := snsClient.published[2].MessageAttributes
	assert.Equal(t, "start", *attrs["action"].StringValue)
	assert.Equal(t, "222222222222", *attrs["account_id"].StringValue)
}

func TestFanOutCarriesScaleTargets(t *testing.T) {
	r, snsClient := newTestRouter(t)

	desired, minSize := int32(6), int32(2)
	clusters := []discovery.Cluster{{
		AccountID:   "111111111111",
		Region:      "us-east-1",
		ClusterName: "dev-a",
		NodeGroups: []discovery.NodeGroup{{
			Name: "workers", ASGName: "dev-a-workers",
			DesiredSize: 3, MinSize: 1, MaxSize: 5,
			TargetDesired: &desired, TargetMin: &minSize,
		}},
	}}

	_, err := r.FanOut(context.Background(), "op-1", "scale", clusters, "schedule:sched-1")
	require.NoError(t, err)

	var msg TaskMessage
	require.NoError(t, json.Unmarshal([]byte(*snsClient.published[0].Message), &msg))
	require.NotNil(t, msg.TargetDesired)
	assert.Equal(t, int32(6), *msg.TargetDesired)
	require.NotNil(t, msg.TargetMin)
	assert.Equal(t, int32(2), *msg.TargetMin)
	assert.Nil(t, msg.TargetMax)
}

func TestFanOutBestEffort(t *testing.T) {
	r, snsClient := newTestRouter(t)
	snsClient.failAt = 1

	result, err := r.FanOut(context.Background(), "op-1", "stop", testClusters(), "user:alice")
	require.NoError(t, err)
	assert.Equal(t, 2, result.ClustersCount)
	assert.Equal(t, 2, result.NodegroupsCount)
}
