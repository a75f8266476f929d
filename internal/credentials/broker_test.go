package credentials

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSTS struct {
	mu    sync.Mutex
	calls []sts.AssumeRoleInput
	err   error
}

func (f *fakeSTS) AssumeRole(ctx context.Context, in *sts.AssumeRoleInput, _ ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, *in)
	if f.err != nil {
		return nil, f.err
	}
	return &sts.AssumeRoleOutput{
		Credentials: &ststypes.Credentials{
			AccessKeyId:     aws.String("AKIA-TEST"),
			SecretAccessKey: aws.String("secret"),
			SessionToken:    aws.String("token"),
			Expiration:      aws.Time(time.Now().Add(time.Hour)),
		},
	}, nil
}

func newTestBroker(t *testing.T, stsClient *fakeSTS) *Broker {
	b, err := NewBroker(BrokerConfig{
		Logger:        zaptest.NewLogger(t),
		STS:           stsClient,
		RoleName:      "eks-operator-spoke",
		ExternalID:    "shared-secret",
		DefaultRegion: "us-east-1",
	})
	require.NoError(t, err)
	return b
}

func TestSessionAssumesSpokeRole(t *testing.T) {
	stsClient := &fakeSTS{}
	b := newTestBroker(t, stsClient)

	cfg, err := b.Session(context.Background(), "222222222222", "eu-west-1")
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", cfg.Region)

	require.Len(t, stsClient.calls, 1)
	call := stsClient.calls[0]
	assert.Equal(t, "arn:aws:iam::222222222222:role/eks-operator-spoke", aws.ToString(call.RoleArn))
	assert.Equal(t, "eks-operator-222222222222", aws.ToString(call.RoleSessionName))
	assert.Equal(t, "shared-secret", aws.ToString(call.ExternalId))
	assert.Equal(t, int32(3600), aws.ToInt32(call.DurationSeconds))
}

func TestSessionCachesPerAccountRegion(t *testing.T) {
	stsClient := &fakeSTS{}
	b := newTestBroker(t, stsClient)
	ctx := context.Background()

	_, err := b.Session(ctx, "222222222222", "eu-west-1")
	require.NoError(t, err)
	_, err = b.Session(ctx, "222222222222", "eu-west-1")
	require.NoError(t, err)
	assert.Len(t, stsClient.calls, 1, "second call for the same key must hit the cache")

	_, err = b.Session(ctx, "222222222222", "us-west-2")
	require.NoError(t, err)
	assert.Len(t, stsClient.calls, 2, "different region is a different cache key")
}

func TestSessionAssumeRoleError(t *testing.T) {
	stsClient := &fakeSTS{err: errors.New("AccessDenied")}
	b := newTestBroker(t, stsClient)

	_, err := b.Session(context.Background(), "222222222222", "")
	require.Error(t, err)

	var are *AssumeRoleError
	require.ErrorAs(t, err, &are)
	assert.Equal(t, "222222222222", are.AccountID)
	assert.Contains(t, are.RoleARN, "role/eks-operator-spoke")
}

func TestSessionDefaultRegion(t *testing.T) {
	stsClient := &fakeSTS{}
	b := newTestBroker(t, stsClient)

	cfg, err := b.Session(context.Background(), "222222222222", "")
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", cfg.Region)
}

func TestSessionConcurrentAccess(t *testing.T) {
	stsClient := &fakeSTS{}
	b := newTestBroker(t, stsClient)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Session(context.Background(), "222222222222", "eu-west-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}
