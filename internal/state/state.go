// Package state persists operations in DynamoDB at three granularities
// (META, CLUSTER, NG) and derives aggregate statuses from child rows.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/awsclients"
	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/discovery"
)

// Operation statuses.
const (
	StatusPending        = "PENDING"
	StatusInProgress     = "IN_PROGRESS"
	StatusCompleted      = "COMPLETED"
	StatusFailed         = "FAILED"
	StatusPartialFailure = "PARTIAL_FAILURE"
	StatusUnknown        = "UNKNOWN"
)

const (
	operationTTL = 30 * 24 * time.Hour

	// DynamoDB caps BatchWriteItem at 25 requests.
	batchWriteChunkSize = 25
)

// OperationMeta is the aggregate row for an operation.
type OperationMeta struct {
	PK              string `dynamodbav:"PK" json:"-"`
	SK              string `dynamodbav:"SK" json:"-"`
	OperationID     string `dynamodbav:"operation_id" json:"operation_id"`
	Action          string `dynamodbav:"action" json:"action"`
	Status          string `dynamodbav:"status" json:"status"`
	InitiatedBy     string `dynamodbav:"initiated_by" json:"initiated_by"`
	TotalClusters   int    `dynamodbav:"total_clusters" json:"total_clusters"`
	TotalNodegroups int    `dynamodbav:"total_nodegroups" json:"total_nodegroups"`
	ScheduleID      string `dynamodbav:"schedule_id,omitempty" json:"schedule_id,omitempty"`
	CreatedAt       string `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt       string `dynamodbav:"updated_at" json:"updated_at"`
	ExpiresAt       int64  `dynamodbav:"expires_at" json:"-"`
}

// OperationCluster is the per-cluster row under an operation.
type OperationCluster struct {
	PK              string `dynamodbav:"PK" json:"-"`
	SK              string `dynamodbav:"SK" json:"-"`
	ClusterID       string `dynamodbav:"cluster_id" json:"cluster_id"`
	AccountID       string `dynamodbav:"account_id" json:"account_id"`
	Region          string `dynamodbav:"region" json:"region"`
	ClusterName     string `dynamodbav:"cluster_name" json:"cluster_name"`
	Status          string `dynamodbav:"status" json:"status"`
	TotalNodegroups int    `dynamodbav:"total_nodegroups" json:"total_nodegroups"`
	CreatedAt       string `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt       string `dynamodbav:"updated_at" json:"updated_at"`
	ExpiresAt       int64  `dynamodbav:"expires_at" json:"-"`
}

// OperationNodegroup is the per-nodegroup row under an operation. Workers
// write only these rows; CLUSTER and META statuses are derived.
type OperationNodegroup struct {
	PK              string `dynamodbav:"PK" json:"-"`
	SK              string `dynamodbav:"SK" json:"-"`
	NodegroupID     string `dynamodbav:"nodegroup_id" json:"nodegroup_id"`
	ClusterID       string `dynamodbav:"cluster_id" json:"cluster_id"`
	AccountID       string `dynamodbav:"account_id" json:"account_id"`
	Region          string `dynamodbav:"region" json:"region"`
	ClusterName     string `dynamodbav:"cluster_name" json:"cluster_name"`
	NodegroupName   string `dynamodbav:"nodegroup_name" json:"nodegroup_name"`
	Action          string `dynamodbav:"action" json:"action"`
	Status          string `dynamodbav:"status" json:"status"`
	OriginalDesired int32  `dynamodbav:"original_desired" json:"original_desired"`
	OriginalMin     int32  `dynamodbav:"original_min" json:"original_min"`
	OriginalMax     int32  `dynamodbav:"original_max" json:"original_max"`
	CurrentDesired  int32  `dynamodbav:"current_desired" json:"current_desired"`
	RetryCount      int    `dynamodbav:"retry_count" json:"retry_count"`
	ErrorMessage    string `dynamodbav:"error_message,omitempty" json:"error_message,omitempty"`
	CreatedAt       string `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt       string `dynamodbav:"updated_at" json:"updated_at"`
	ExpiresAt       int64  `dynamodbav:"expires_at" json:"-"`
}

// NodegroupSummary is the per-nodegroup view in an operation summary.
type NodegroupSummary struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ClusterSummary is the per-cluster view in an operation summary.
type ClusterSummary struct {
	ClusterID   string             `json:"cluster_id"`
	ClusterName string             `json:"cluster_name"`
	AccountID   string             `json:"account_id"`
	Region      string             `json:"region"`
	Status      string             `json:"status"`
	Nodegroups  []NodegroupSummary `json:"nodegroups"`
}

// Summary is the full operation view returned to callers.
type Summary struct {
	OperationID     string           `json:"operation_id"`
	Action          string           `json:"action"`
	Status          string           `json:"status"`
	InitiatedBy     string           `json:"initiated_by"`
	TotalClusters   int              `json:"total_clusters"`
	TotalNodegroups int              `json:"total_nodegroups"`
	CreatedAt       string           `json:"created_at"`
	UpdatedAt       string           `json:"updated_at"`
	ScheduleID      string           `json:"schedule_id,omitempty"`
	Clusters        []ClusterSummary `json:"clusters,omitempty"`
}

// NodegroupUpdate carries the fields patched onto an NG row.
type NodegroupUpdate struct {
	Status         string
	ErrorMessage   string
	CurrentDesired *int32
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Logger   *zap.Logger
	DynamoDB awsclients.DynamoDBAPI
	Table    string
}

// Manager reads and writes operation rows in the operations table.
type Manager struct {
	lg        *zap.Logger
	ddbClient awsclients.DynamoDBAPI
	table     string

	// nowFunc is swapped in tests.
	nowFunc func() time.Time
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}
	if cfg.DynamoDB == nil {
		return nil, fmt.Errorf("missing DynamoDB client")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("missing table name")
	}
	return &Manager{
		lg:        cfg.Logger,
		ddbClient: cfg.DynamoDB,
		table:     cfg.Table,
		nowFunc:   time.Now,
	}, nil
}

// CreateOperation seeds META, CLUSTER, and NG rows for a new operation in a
// single batch. All rows are written before any message is published, so
// workers always find their NG row.
func (m *Manager) CreateOperation(ctx context.Context, operationID, action, initiatedBy string, clusters []discovery.Cluster, scheduleID string) (*OperationMeta, error) {
	now := m.nowFunc().UTC()
	nowISO := now.Format(time.RFC3339)
	expiresAt := now.Add(operationTTL).Unix()

	totalNodegroups := 0
	for _, c := range clusters {
		totalNodegroups += len(c.NodeGroups)
	}

	meta := &OperationMeta{
		PK:              operationPK(operationID),
		SK:              "META",
		OperationID:     operationID,
		Action:          action,
		Status:          StatusInProgress,
		InitiatedBy:     initiatedBy,
		TotalClusters:   len(clusters),
		TotalNodegroups: totalNodegroups,
		ScheduleID:      scheduleID,
		CreatedAt:       nowISO,
		UpdatedAt:       nowISO,
		ExpiresAt:       expiresAt,
	}

	items := make([]map[string]dynamodbtypes.AttributeValue, 0, 1+len(clusters)+totalNodegroups)
	metaItem, err := attributevalue.MarshalMap(meta)
	if err != nil {
		return nil, err
	}
	items = append(items, metaItem)

	for _, c := range clusters {
		clusterID := c.ID()
		clusterItem, err := attributevalue.MarshalMap(OperationCluster{
			PK:              operationPK(operationID),
			SK:              "CLUSTER#" + clusterID,
			ClusterID:       clusterID,
			AccountID:       c.AccountID,
			Region:          c.Region,
			ClusterName:     c.ClusterName,
			Status:          StatusPending,
			TotalNodegroups: len(c.NodeGroups),
			CreatedAt:       nowISO,
			UpdatedAt:       nowISO,
			ExpiresAt:       expiresAt,
		})
		if err != nil {
			return nil, err
		}
		items = append(items, clusterItem)

		for _, ng := range c.NodeGroups {
			ngID := clusterID + ":" + ng.Name
			ngItem, err := attributevalue.MarshalMap(OperationNodegroup{
				PK:              operationPK(operationID),
				SK:              "NG#" + ngID,
				NodegroupID:     ngID,
				ClusterID:       clusterID,
				AccountID:       c.AccountID,
				Region:          c.Region,
				ClusterName:     c.ClusterName,
				NodegroupName:   ng.Name,
				Action:          action,
				Status:          StatusPending,
				OriginalDesired: ng.DesiredSize,
				OriginalMin:     ng.MinSize,
				OriginalMax:     ng.MaxSize,
				CurrentDesired:  ng.DesiredSize,
				RetryCount:      0,
				CreatedAt:       nowISO,
				UpdatedAt:       nowISO,
				ExpiresAt:       expiresAt,
			})
			if err != nil {
				return nil, err
			}
			items = append(items, ngItem)
		}
	}

	if err := m.batchWriteItems(ctx, items); err != nil {
		return nil, err
	}

	m.lg.Info("operation created",
		zap.String("operation_id", operationID),
		zap.String("action", action),
		zap.Int("clusters", len(clusters)),
		zap.Int("nodegroups", totalNodegroups),
	)
	return meta, nil
}

func (m *Manager) batchWriteItems(ctx context.Context, items []map[string]dynamodbtypes.AttributeValue) error {
	for start := 0; start < len(items); start += batchWriteChunkSize {
		end := start + batchWriteChunkSize
		if end > len(items) {
			end = len(items)
		}
		requests := make([]dynamodbtypes.WriteRequest, 0, end-start)
		for _, item := range items[start:end] {
			requests = append(requests, dynamodbtypes.WriteRequest{
				PutRequest: &dynamodbtypes.PutRequest{Item: item},
			})
		}
		out, err := m.ddbClient.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]dynamodbtypes.WriteRequest{m.table: requests},
		})
		if err != nil {
			return err
		}
		// Retry unprocessed items once before giving up.
		if unprocessed := out.UnprocessedItems[m.table]; len(unprocessed) > 0 {
			retry, err := m.ddbClient.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]dynamodbtypes.WriteRequest{m.table: unprocessed},
			})
			if err != nil {
				return err
			}
			if len(retry.UnprocessedItems[m.table]) > 0 {
				return fmt.Errorf("batch write left %d unprocessed items", len(retry.UnprocessedItems[m.table]))
			}
		}
	}
	return nil
}

// UpdateNodegroupStatus patches the NG row, then re-derives the CLUSTER and
// META statuses. Concurrent updates may race on the derived rows; the fold is
// recomputed on every call so the terminal state is correct once events stop.
func (m *Manager) UpdateNodegroupStatus(ctx context.Context, operationID, ngID string, update NodegroupUpdate) error {
	nowISO := m.nowFunc().UTC().Format(time.RFC3339)

	updateExpr := "SET #status = :status, updated_at = :now"
	exprValues := map[string]dynamodbtypes.AttributeValue{
		":status": &dynamodbtypes.AttributeValueMemberS{Value: update.Status},
		":now":    &dynamodbtypes.AttributeValueMemberS{Value: nowISO},
	}
	exprNames := map[string]string{"#status": "status"}

	if update.ErrorMessage != "" {
		updateExpr += ", error_message = :error"
		exprValues[":error"] = &dynamodbtypes.AttributeValueMemberS{Value: update.ErrorMessage}
	}
	if update.CurrentDesired != nil {
		updateExpr += ", current_desired = :desired"
		exprValues[":desired"] = &dynamodbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", *update.CurrentDesired)}
	}
	if update.Status == StatusFailed {
		updateExpr += ", retry_count = retry_count + :one"
		exprValues[":one"] = &dynamodbtypes.AttributeValueMemberN{Value: "1"}
	}

	_, err := m.ddbClient.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(m.table),
		Key:                       rowKey(operationPK(operationID), "NG#"+ngID),
		UpdateExpression:          aws.String(updateExpr),
		ExpressionAttributeNames:  exprNames,
		ExpressionAttributeValues: exprValues,
	})
	if err != nil {
		return err
	}

	clusterID := clusterIDFromNodegroupID(ngID)
	if err := m.updateClusterStatus(ctx, operationID, clusterID); err != nil {
		return err
	}
	return m.updateMetaStatus(ctx, operationID)
}

// clusterIDFromNodegroupID strips the trailing nodegroup name from
// "{account}:{region}:{cluster}:{nodegroup}".
func clusterIDFromNodegroupID(ngID string) string {
	parts := strings.Split(ngID, ":")
	if len(parts) < 3 {
		return ngID
	}
	return strings.Join(parts[:3], ":")
}

func (m *Manager) updateClusterStatus(ctx context.Context, operationID, clusterID string) error {
	ngs, err := m.GetClusterNodegroups(ctx, operationID, clusterID)
	if err != nil {
		return err
	}
	statuses := make([]string, 0, len(ngs))
	for _, ng := range ngs {
		statuses = append(statuses, ng.Status)
	}
	return m.writeDerivedStatus(ctx, operationID, "CLUSTER#"+clusterID, DeriveStatus(statuses))
}

func (m *Manager) updateMetaStatus(ctx context.Context, operationID string) error {
	clusters, err := m.GetOperationClusters(ctx, operationID)
	if err != nil {
		return err
	}
	statuses := make([]string, 0, len(clusters))
	for _, c := range clusters {
		statuses = append(statuses, c.Status)
	}
	return m.writeDerivedStatus(ctx, operationID, "META", DeriveStatus(statuses))
}

func (m *Manager) writeDerivedStatus(ctx context.Context, operationID, sk, status string) error {
	_, err := m.ddbClient.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(m.table),
		Key:                      rowKey(operationPK(operationID), sk),
		UpdateExpression:         aws.String("SET #status = :status, updated_at = :now"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":status": &dynamodbtypes.AttributeValueMemberS{Value: status},
			":now":    &dynamodbtypes.AttributeValueMemberS{Value: m.nowFunc().UTC().Format(time.RFC3339)},
		},
	})
	return err
}

// DeriveStatus folds child statuses into an aggregate.
func DeriveStatus(statuses []string) string {
	if len(statuses) == 0 {
		return StatusUnknown
	}
	set := make(map[string]struct{}, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	if len(set) == 1 {
		if _, ok := set[StatusCompleted]; ok {
			return StatusCompleted
		}
		if _, ok := set[StatusFailed]; ok {
			return StatusFailed
		}
	}
	if _, ok := set[StatusPending]; ok {
		return StatusInProgress
	}
	if _, ok := set[StatusInProgress]; ok {
		return StatusInProgress
	}
	_, hasCompleted := set[StatusCompleted]
	_, hasFailed := set[StatusFailed]
	_, hasPartial := set[StatusPartialFailure]
	if hasPartial || (hasCompleted && hasFailed) {
		return StatusPartialFailure
	}
	return StatusInProgress
}

// GetOperationMeta returns the META row, or nil when the operation does not exist.
func (m *Manager) GetOperationMeta(ctx context.Context, operationID string) (*OperationMeta, error) {
	out, err := m.ddbClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(m.table),
		Key:       rowKey(operationPK(operationID), "META"),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var meta OperationMeta
	if err := attributevalue.UnmarshalMap(out.Item, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// GetOperationClusters returns all CLUSTER rows for an operation.
func (m *Manager) GetOperationClusters(ctx context.Context, operationID string) ([]OperationCluster, error) {
	out, err := m.querySKPrefix(ctx, operationPK(operationID), "CLUSTER#")
	if err != nil {
		return nil, err
	}
	var clusters []OperationCluster
	if err := attributevalue.UnmarshalListOfMaps(out, &clusters); err != nil {
		return nil, err
	}
	return clusters, nil
}

// GetClusterNodegroups returns all NG rows for a cluster within an operation.
func (m *Manager) GetClusterNodegroups(ctx context.Context, operationID, clusterID string) ([]OperationNodegroup, error) {
	out, err := m.querySKPrefix(ctx, operationPK(operationID), "NG#"+clusterID+":")
	if err != nil {
		return nil, err
	}
	var ngs []OperationNodegroup
	if err := attributevalue.UnmarshalListOfMaps(out, &ngs); err != nil {
		return nil, err
	}
	return ngs, nil
}

func (m *Manager) querySKPrefix(ctx context.Context, pk, prefix string) ([]map[string]dynamodbtypes.AttributeValue, error) {
	out, err := m.ddbClient.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(m.table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":pk":     &dynamodbtypes.AttributeValueMemberS{Value: pk},
			":prefix": &dynamodbtypes.AttributeValueMemberS{Value: prefix},
		},
	})
	if err != nil {
		return nil, err
	}
	return out.Items, nil
}

// OperationSummary assembles the full view of an operation. Returns nil when
// the operation does not exist.
func (m *Manager) OperationSummary(ctx context.Context, operationID string, includeDetail bool) (*Summary, error) {
	meta, err := m.GetOperationMeta(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}

	summary := &Summary{
		OperationID:     meta.OperationID,
		Action:          meta.Action,
		Status:          meta.Status,
		InitiatedBy:     meta.InitiatedBy,
		TotalClusters:   meta.TotalClusters,
		TotalNodegroups: meta.TotalNodegroups,
		CreatedAt:       meta.CreatedAt,
		UpdatedAt:       meta.UpdatedAt,
		ScheduleID:      meta.ScheduleID,
	}

	if !includeDetail {
		return summary, nil
	}

	clusters, err := m.GetOperationClusters(ctx, operationID)
	if err != nil {
		return nil, err
	}
	for _, c := range clusters {
		ngs, err := m.GetClusterNodegroups(ctx, operationID, c.ClusterID)
		if err != nil {
			return nil, err
		}
		detail := ClusterSummary{
			ClusterID:   c.ClusterID,
			ClusterName: c.ClusterName,
			AccountID:   c.AccountID,
			Region:      c.Region,
			Status:      c.Status,
			Nodegroups:  make([]NodegroupSummary, 0, len(ngs)),
		}
		for _, ng := range ngs {
			detail.Nodegroups = append(detail.Nodegroups, NodegroupSummary{
				Name:   ng.NodegroupName,
				Status: ng.Status,
				Error:  ng.ErrorMessage,
			})
		}
		summary.Clusters = append(summary.Clusters, detail)
	}
	return summary, nil
}

// LatestOperations returns the most recent META rows, newest first. The table
// is small so a filtered scan is acceptable here.
func (m *Manager) LatestOperations(ctx context.Context, limit int) ([]OperationMeta, error) {
	out, err := m.ddbClient.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(m.table),
		FilterExpression: aws.String("SK = :sk"),
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":sk": &dynamodbtypes.AttributeValueMemberS{Value: "META"},
		},
	})
	if err != nil {
		return nil, err
	}
	var metas []OperationMeta
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &metas); err != nil {
		return nil, err
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt > metas[j].CreatedAt })
	if limit > 0 && len(metas) > limit {
		metas = metas[:limit]
	}
	return metas, nil
}

// AcquireIdempotencyLock takes a lock row for ttl. Returns false when the lock
// is already held and not yet expired. Locks are never released explicitly.
func (m *Manager) AcquireIdempotencyLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	now := m.nowFunc().UTC()
	_, err := m.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(m.table),
		Item: map[string]dynamodbtypes.AttributeValue{
			"PK":          &dynamodbtypes.AttributeValueMemberS{Value: "LOCK#" + lockKey},
			"SK":          &dynamodbtypes.AttributeValueMemberS{Value: "LOCK"},
			"acquired_at": &dynamodbtypes.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
			"expires_at":  &dynamodbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Add(ttl).Unix())},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":now": &dynamodbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
		},
	})
	if err != nil {
		var conditionFailed *dynamodbtypes.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func operationPK(operationID string) string {
	return "OP#" + operationID
}

func rowKey(pk, sk string) map[string]dynamodbtypes.AttributeValue {
	return map[string]dynamodbtypes.AttributeValue{
		"PK": &dynamodbtypes.AttributeValueMemberS{Value: pk},
		"SK": &dynamodbtypes.AttributeValueMemberS{Value: sk},
	}
}
