package baseline

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDynamoDB struct {
	items map[string]map[string]dynamodbtypes.AttributeValue

	putErr error
}

func newFakeDynamoDB() *fakeDynamoDB {
	return &fakeDynamoDB{items: make(map[string]map[string]dynamodbtypes.AttributeValue)}
}

func itemKey(item map[string]dynamodbtypes.AttributeValue) string {
	cid := item["cluster_id"].(*dynamodbtypes.AttributeValueMemberS).Value
	ng := item["nodegroup_name"].(*dynamodbtypes.AttributeValueMemberS).Value
	return cid + "|" + ng
}

func (f *fakeDynamoDB) PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	key := itemKey(in.Item)
	if in.ConditionExpression != nil && *in.ConditionExpression == "attribute_not_exists(cluster_id)" {
		if _, ok := f.items[key]; ok {
			return nil, &dynamodbtypes.ConditionalCheckFailedException{}
		}
	}
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoDB) GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	item, ok := f.items[itemKey(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDynamoDB) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	delete(f.items, itemKey(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamoDB) Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	cid := in.ExpressionAttributeValues[":cid"].(*dynamodbtypes.AttributeValueMemberS).Value
	var items []map[string]dynamodbtypes.AttributeValue
	for _, item := range f.items {
		if item["cluster_id"].(*dynamodbtypes.AttributeValueMemberS).Value == cid {
			items = append(items, item)
		}
	}
	return &dynamodb.QueryOutput{Items: items}, nil
}

func (f *fakeDynamoDB) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamoDB) Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	return &dynamodb.ScanOutput{}, nil
}

func (f *fakeDynamoDB) BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func newTestStore(t *testing.T) (*Store, *fakeDynamoDB) {
	t.Helper()
	ddb := newFakeDynamoDB()
	store, err := NewStore(StoreConfig{
		Logger:   zap.NewNop(),
		DynamoDB: ddb,
		Table:    "eks-cluster-state",
	})
	require.NoError(t, err)
	return store, ddb
}

func TestSaveAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	saved, err := store.Save(ctx, "111:us-east-1:dev-a", "workers", 5, 2, 10)
	require.NoError(t, err)
	assert.True(t, saved)

	b, err := store.Get(ctx, "111:us-east-1:dev-a", "workers")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, int32(5), b.DesiredSize)
	assert.Equal(t, int32(2), b.MinSize)
	assert.Equal(t, int32(10), b.MaxSize)
	assert.Equal(t, 1, b.Version)
	assert.NotEmpty(t, b.SavedAt)
}

func TestSaveDoesNotOverwrite(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	saved, err := store.Save(ctx, "111:us-east-1:dev-a", "workers", 5, 2, 10)
	require.NoError(t, err)
	assert.True(t, saved)

	// A second stop must not clobber the true originals.
	saved, err = store.Save(ctx, "111:us-east-1:dev-a", "workers", 0, 0, 10)
	require.NoError(t, err)
	assert.False(t, saved)

	b, err := store.Get(ctx, "111:us-east-1:dev-a", "workers")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, int32(5), b.DesiredSize)
}

func TestGetMissing(t *testing.T) {
	store, _ := newTestStore(t)

	b, err := store.Get(context.Background(), "111:us-east-1:dev-a", "workers")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, "111:us-east-1:dev-a", "workers", 5, 2, 10)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "111:us-east-1:dev-a", "workers"))

	b, err := store.Get(ctx, "111:us-east-1:dev-a", "workers")
	require.NoError(t, err)
	assert.Nil(t, b)

	// Deleting an absent row is not an error.
	require.NoError(t, store.Delete(ctx, "111:us-east-1:dev-a", "workers"))
}

func TestList(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, "111:us-east-1:dev-a", "workers", 5, 2, 10)
	require.NoError(t, err)
	_, err = store.Save(ctx, "111:us-east-1:dev-a", "ingest", 3, 1, 6)
	require.NoError(t, err)
	_, err = store.Save(ctx, "222:eu-west-1:dev-b", "workers", 4, 1, 8)
	require.NoError(t, err)

	baselines, err := store.List(ctx, "111:us-east-1:dev-a")
	require.NoError(t, err)
	assert.Len(t, baselines, 2)
	for _, b := range baselines {
		assert.Equal(t, "111:us-east-1:dev-a", b.ClusterID)
	}
}
