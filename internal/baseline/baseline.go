// Package baseline persists original nodegroup sizes before stop operations
// so a later start can restore them.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/awsclients"
)

// Baseline is the captured (desired, min, max) of a nodegroup before a stop.
type Baseline struct {
	ClusterID     string `dynamodbav:"cluster_id" json:"cluster_id"`
	NodegroupName string `dynamodbav:"nodegroup_name" json:"nodegroup_name"`
	DesiredSize   int32  `dynamodbav:"desired_size" json:"desired_size"`
	MinSize       int32  `dynamodbav:"min_size" json:"min_size"`
	MaxSize       int32  `dynamodbav:"max_size" json:"max_size"`
	SavedAt       string `dynamodbav:"saved_at" json:"saved_at"`
	Version       int    `dynamodbav:"version" json:"version"`
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Logger   *zap.Logger
	DynamoDB awsclients.DynamoDBAPI
	Table    string
}

// Store reads and writes baselines in the cluster-state table, keyed by
// (cluster_id, nodegroup_name).
type Store struct {
	lg        *zap.Logger
	ddbClient awsclients.DynamoDBAPI
	table     string
}

// NewStore creates a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}
	if cfg.DynamoDB == nil {
		return nil, fmt.Errorf("missing DynamoDB client")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("missing table name")
	}
	return &Store{lg: cfg.Logger, ddbClient: cfg.DynamoDB, table: cfg.Table}, nil
}

// Save writes the baseline only if none exists for the nodegroup. Returns
// false when a baseline is already present; the existing row is preserved so
// repeated stops cannot overwrite the true originals.
func (s *Store) Save(ctx context.Context, clusterID, nodegroupName string, desiredSize, minSize, maxSize int32) (bool, error) {
	item, err := attributevalue.MarshalMap(Baseline{
		ClusterID:     clusterID,
		NodegroupName: nodegroupName,
		DesiredSize:   desiredSize,
		MinSize:       minSize,
		MaxSize:       maxSize,
		SavedAt:       time.Now().UTC().Format(time.RFC3339),
		Version:       1,
	})
	if err != nil {
		return false, err
	}

	_, err = s.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(cluster_id)"),
	})
	if err != nil {
		var conditionFailed *dynamodbtypes.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			s.lg.Info("baseline already exists, skipping overwrite",
				zap.String("cluster_id", clusterID),
				zap.String("nodegroup_name", nodegroupName),
			)
			return false, nil
		}
		return false, err
	}

	s.lg.Info("baseline saved",
		zap.String("cluster_id", clusterID),
		zap.String("nodegroup_name", nodegroupName),
		zap.Int32("desired_size", desiredSize),
		zap.Int32("min_size", minSize),
		zap.Int32("max_size", maxSize),
	)
	return true, nil
}

// Get returns the saved baseline, or nil when none exists.
func (s *Store) Get(ctx context.Context, clusterID, nodegroupName string) (*Baseline, error) {
	out, err := s.ddbClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       baselineKey(clusterID, nodegroupName),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var b Baseline
	if err := attributevalue.UnmarshalMap(out.Item, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Delete removes the baseline. Called only after a successful start.
func (s *Store) Delete(ctx context.Context, clusterID, nodegroupName string) error {
	_, err := s.ddbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       baselineKey(clusterID, nodegroupName),
	})
	if err != nil {
		s.lg.Error("failed to delete baseline",
			zap.String("cluster_id", clusterID),
			zap.String("nodegroup_name", nodegroupName),
			zap.Error(err),
		)
		return err
	}
	s.lg.Info("baseline deleted",
		zap.String("cluster_id", clusterID),
		zap.String("nodegroup_name", nodegroupName),
	)
	return nil
}

// List returns all baselines saved for a cluster.
func (s *Store) List(ctx context.Context, clusterID string) ([]Baseline, error) {
	out, err := s.ddbClient.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("cluster_id = :cid"),
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":cid": &dynamodbtypes.AttributeValueMemberS{Value: clusterID},
		},
	})
	if err != nil {
		return nil, err
	}
	var baselines []Baseline
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &baselines); err != nil {
		return nil, err
	}
	return baselines, nil
}

func baselineKey(clusterID, nodegroupName string) map[string]dynamodbtypes.AttributeValue {
	return map[string]dynamodbtypes.AttributeValue{
		"cluster_id":     &dynamodbtypes.AttributeValueMemberS{Value: clusterID},
		"nodegroup_name": &dynamodbtypes.AttributeValueMemberS{Value: nodegroupName},
	}
}
