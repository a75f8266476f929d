package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/baseline"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/capacity"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/discovery"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/router"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/state"
)

type fakeResolver struct {
	clusters map[string]*discovery.Cluster
	err      error
}

func (f *fakeResolver) DiscoverCluster(ctx context.Context, accountID, region, clusterName string) (*discovery.Cluster, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.clusters[accountID+":"+region+":"+clusterName], nil
}

type controllerCall struct {
	action        string
	nodegroupName string
	desired       int32
	minSize       int32
	maxSize       int32
}

type fakeController struct {
	calls []controllerCall

	// failNodegroups fails any call targeting these nodegroup names.
	failNodegroups map[string]bool
}

func (f *fakeController) StopNodegroup(ctx context.Context, accountID, region, clusterName, nodegroupName, asgName string) (*capacity.Result, error) {
	if f.failNodegroups[nodegroupName] {
		return nil, &capacity.ASGNotFoundError{ClusterName: clusterName, NodegroupName: nodegroupName}
	}
	f.calls = append(f.calls, controllerCall{action: "stop", nodegroupName: nodegroupName})
	return &capacity.Result{Action: capacity.ActionStopped}, nil
}

func (f *fakeController) StartNodegroup(ctx context.Context, accountID, region, clusterName, nodegroupName string, desiredSize, minSize, maxSize int32, asgName string) (*capacity.Result, error) {
	if f.failNodegroups[nodegroupName] {
		return nil, &capacity.ASGNotFoundError{ClusterName: clusterName, NodegroupName: nodegroupName}
	}
	f.calls = append(f.calls, controllerCall{action: "start", nodegroupName: nodegroupName, desired: desiredSize, minSize: minSize, maxSize: maxSize})
	return &capacity.Result{Action: capacity.ActionStarted}, nil
}

func (f *fakeController) ScaleNodegroup(ctx context.Context, accountID, region, clusterName, nodegroupName string, desiredSize, minSize, maxSize *int32, asgName string) (*capacity.Result, error) {
	if f.failNodegroups[nodegroupName] {
		return nil, &capacity.ASGNotFoundError{ClusterName: clusterName, NodegroupName: nodegroupName}
	}
	call := controllerCall{action: "scale", nodegroupName: nodegroupName}
	if desiredSize != nil {
		call.desired = *desiredSize
	}
	if minSize != nil {
		call.minSize = *minSize
	}
	if maxSize != nil {
		call.maxSize = *maxSize
	}
	f.calls = append(f.calls, call)
	return &capacity.Result{Action: capacity.ActionScaled}, nil
}

type fakeBaseline struct {
	saved map[string]*baseline.Baseline
}

func newFakeBaseline() *fakeBaseline {
	return &fakeBaseline{saved: make(map[string]*baseline.Baseline)}
}

func (f *fakeBaseline) Save(ctx context.Context, clusterID, nodegroupName string, desiredSize, minSize, maxSize int32) (bool, error) {
	key := clusterID + "|" + nodegroupName
	if _, ok := f.saved[key]; ok {
		return false, nil
	}
	f.saved[key] = &baseline.Baseline{
		ClusterID: clusterID, NodegroupName: nodegroupName,
		DesiredSize: desiredSize, MinSize: minSize, MaxSize: maxSize,
	}
	return true, nil
}

func (f *fakeBaseline) Get(ctx context.Context, clusterID, nodegroupName string) (*baseline.Baseline, error) {
	return f.saved[clusterID+"|"+nodegroupName], nil
}

func (f *fakeBaseline) Delete(ctx context.Context, clusterID, nodegroupName string) error {
	delete(f.saved, clusterID+"|"+nodegroupName)
	return nil
}

type statusUpdate struct {
	ngID   string
	update state.NodegroupUpdate
}

type fakeState struct {
	updates []statusUpdate
}

func (f *fakeState) UpdateNodegroupStatus(ctx context.Context, operationID, ngID string, update state.NodegroupUpdate) error {
	f.updates = append(f.updates, statusUpdate{ngID: ngID, update: update})
	return nil
}

func devCluster() *discovery.Cluster {
	return &discovery.Cluster{
		AccountID:   "111111111111",
		Region:      "us-east-1",
		ClusterName: "dev-a",
		NodeGroups: []discovery.NodeGroup{
			{Name: "workers", ASGName: "dev-a-workers", DesiredSize: 3, MinSize: 1, MaxSize: 5},
		},
	}
}

func newTestWorker(t *testing.T, resolver *fakeResolver) (*Worker, *fakeController, *fakeBaseline, *fakeState) {
	t.Helper()
	controller := &fakeController{failNodegroups: make(map[string]bool)}
	store := newFakeBaseline()
	st := &fakeState{}
	w, err := NewWorker(WorkerConfig{
		Logger:     zap.NewNop(),
		Resolver:   resolver,
		Controller: controller,
		Baseline:   store,
		State:      st,
	})
	require.NoError(t, err)
	return w, controller, store, st
}

func stopMessage() *router.TaskMessage {
	return &router.TaskMessage{
		OperationID:   "op-1",
		Action:        "stop",
		AccountID:     "111111111111",
		Region:        "us-east-1",
		ClusterName:   "dev-a",
		ClusterID:     "111111111111:us-east-1:dev-a",
		NodegroupName: "workers",
		NodegroupID:   "111111111111:us-east-1:dev-a:workers",
		ASGName:       "dev-a-workers",
	}
}

func TestProcessStop(t *testing.T) {
	resolver := &fakeResolver{clusters: map[string]*discovery.Cluster{
		"111111111111:us-east-1:dev-a": devCluster(),
	}}
	w, controller, store, st := newTestWorker(t, resolver)

	require.NoError(t, w.ProcessMessage(context.Background(), stopMessage()))

	require.Len(t, controller.calls, 1)
	assert.Equal(t, "stop", controller.calls[0].action)

	b := store.saved["111111111111:us-east-1:dev-a|workers"]
	require.NotNil(t, b)
	assert.Equal(t, int32(3), b.DesiredSize)
	assert.Equal(t, int32(1), b.MinSize)
	assert.Equal(t, int32(5), b.MaxSize)

	require.Len(t, st.updates, 1)
	assert.Equal(t, state.StatusCompleted, st.updates[0].update.Status)
	require.NotNil(t, st.updates[0].update.CurrentDesired)
	assert.Equal(t, int32(0), *st.updates[0].update.CurrentDesired)
}

func TestProcessStartRestoresBaseline(t *testing.T) {
	cluster := devCluster()
	// The fleet is stopped; live sizes are zero.
	cluster.NodeGroups[0].DesiredSize = 0
	cluster.NodeGroups[0].MinSize = 0
	resolver := &fakeResolver{clusters: map[string]*discovery.Cluster{
		"111111111111:us-east-1:dev-a": cluster,
	}}
	w, controller, store, st := newTestWorker(t, resolver)
	store.saved["111111111111:us-east-1:dev-a|workers"] = &baseline.Baseline{
		DesiredSize: 3, MinSize: 1, MaxSize: 5,
	}

	msg := stopMessage()
	msg.Action = "start"
	require.NoError(t, w.ProcessMessage(context.Background(), msg))

	require.Len(t, controller.calls, 1)
	assert.Equal(t, "start", controller.calls[0].action)
	assert.Equal(t, int32(3), controller.calls[0].desired)
	assert.Equal(t, int32(1), controller.calls[0].minSize)
	assert.Equal(t, int32(5), controller.calls[0].maxSize)

	// Baseline is deleted only after a successful start.
	assert.Empty(t, store.saved)

	require.Len(t, st.updates, 1)
	assert.Equal(t, state.StatusCompleted, st.updates[0].update.Status)
	assert.Equal(t, int32(3), *st.updates[0].update.CurrentDesired)
}

func TestProcessStartWithoutBaselineFallsBack(t *testing.T) {
	cluster := devCluster()
	cluster.NodeGroups[0].MinSize = 2
	resolver := &fakeResolver{clusters: map[string]*discovery.Cluster{
		"111111111111:us-east-1:dev-a": cluster,
	}}
	w, controller, _, _ := newTestWorker(t, resolver)

	msg := stopMessage()
	msg.Action = "start"
	require.NoError(t, w.ProcessMessage(context.Background(), msg))

	require.Len(t, controller.calls, 1)
	assert.Equal(t, int32(2), controller.calls[0].desired)
	assert.Equal(t, int32(2), controller.calls[0].minSize)
	assert.Equal(t, int32(5), controller.calls[0].maxSize)
}

func TestProcessScalePassesTargets(t *testing.T) {
	resolver := &fakeResolver{clusters: map[string]*discovery.Cluster{
		"111111111111:us-east-1:dev-a": devCluster(),
	}}
	w, controller, _, st := newTestWorker(t, resolver)

	desired := int32(6)
	msg := stopMessage()
	msg.Action = "scale"
	msg.TargetDesired = &desired
	require.NoError(t, w.ProcessMessage(context.Background(), msg))

	require.Len(t, controller.calls, 1)
	assert.Equal(t, "scale", controller.calls[0].action)
	assert.Equal(t, int32(6), controller.calls[0].desired)

	require.Len(t, st.updates, 1)
	assert.Equal(t, int32(6), *st.updates[0].update.CurrentDesired)
}

func TestProcessDropsInvalidMessage(t *testing.T) {
	resolver := &fakeResolver{}
	w, controller, _, st := newTestWorker(t, resolver)

	msg := stopMessage()
	msg.AccountID = ""
	require.NoError(t, w.ProcessMessage(context.Background(), msg))
	assert.Empty(t, controller.calls)
	assert.Empty(t, st.updates)
}

func TestProcessSkipsUnknownCluster(t *testing.T) {
	resolver := &fakeResolver{clusters: map[string]*discovery.Cluster{}}
	w, controller, _, st := newTestWorker(t, resolver)

	require.NoError(t, w.ProcessMessage(context.Background(), stopMessage()))
	assert.Empty(t, controller.calls)
	assert.Empty(t, st.updates)
}

func TestProcessFailureMarksNodegroupFailed(t *testing.T) {
	resolver := &fakeResolver{clusters: map[string]*discovery.Cluster{
		"111111111111:us-east-1:dev-a": devCluster(),
	}}
	w, controller, _, st := newTestWorker(t, resolver)
	controller.failNodegroups["workers"] = true

	err := w.ProcessMessage(context.Background(), stopMessage())
	require.Error(t, err)

	require.Len(t, st.updates, 1)
	assert.Equal(t, state.StatusFailed, st.updates[0].update.Status)
	assert.NotEmpty(t, st.updates[0].update.ErrorMessage)
}

func TestParseMessage(t *testing.T) {
	raw := `{"operation_id":"op-1","action":"stop","account_id":"111111111111","region":"us-east-1","cluster_name":"dev-a"}`

	msg, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "op-1", msg.OperationID)

	// SNS-to-SQS delivery wraps the payload in an envelope.
	envelope, err := json.Marshal(map[string]string{"Message": raw})
	require.NoError(t, err)
	msg, err = ParseMessage(string(envelope))
	require.NoError(t, err)
	assert.Equal(t, "op-1", msg.OperationID)
	assert.Equal(t, "dev-a", msg.ClusterName)
}

func TestHandlerWarmEvent(t *testing.T) {
	resolver := &fakeResolver{}
	w, _, _, _ := newTestWorker(t, resolver)
	h := NewHandler(zap.NewNop(), w)

	out, err := h.Handle(context.Background(), json.RawMessage(`{"warm": true}`))
	require.NoError(t, err)
	assert.Equal(t, WarmResponse{Status: "warmed"}, out)
}

func TestHandlerPartialBatchFailure(t *testing.T) {
	cluster := devCluster()
	cluster.NodeGroups = append(cluster.NodeGroups,
		discovery.NodeGroup{Name: "ingest", ASGName: "dev-a-ingest", DesiredSize: 2, MinSize: 1, MaxSize: 4},
		discovery.NodeGroup{Name: "batch", ASGName: "dev-a-batch", DesiredSize: 2, MinSize: 1, MaxSize: 4},
	)
	resolver := &fakeResolver{clusters: map[string]*discovery.Cluster{
		"111111111111:us-east-1:dev-a": cluster,
	}}
	w, controller, _, st := newTestWorker(t, resolver)
	controller.failNodegroups["ingest"] = true
	h := NewHandler(zap.NewNop(), w)

	var records []events.SQSMessage
	for i, ng := range []string{"workers", "ingest", "batch"} {
		msg := stopMessage()
		msg.NodegroupName = ng
		msg.NodegroupID = "111111111111:us-east-1:dev-a:" + ng
		body, err := json.Marshal(msg)
		require.NoError(t, err)
		records = append(records, events.SQSMessage{
			MessageId: fmt.Sprintf("msg-%d", i),
			Body:      string(body),
		})
	}
	event, err := json.Marshal(events.SQSEvent{Records: records})
	require.NoError(t, err)

	out, err := h.Handle(context.Background(), event)
	require.NoError(t, err)

	resp, ok := out.(events.SQSEventResponse)
	require.True(t, ok)
	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, "msg-1", resp.BatchItemFailures[0].ItemIdentifier)

	var failed, completed int
	for _, u := range st.updates {
		switch u.update.Status {
		case state.StatusFailed:
			failed++
			assert.NotEmpty(t, u.update.ErrorMessage)
		case state.StatusCompleted:
			completed++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 2, completed)
}
