// Package credentials mints scoped per-account AWS sessions by assuming the
// operator spoke role, with a TTL cache in front of STS.
package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/awsclients"
)

const (
	// STS tokens last 1 hour; cached sessions are dropped after 45 minutes
	// so a cached config is never handed out close to token expiry.
	sessionDuration = time.Hour
	cacheTTL        = 45 * time.Minute
)

// AssumeRoleError indicates the upstream refused the AssumeRole call. It is
// not retriable by the broker; callers decide whether to retry.
type AssumeRoleError struct {
	AccountID string
	RoleARN   string
	Err       error
}

func (e *AssumeRoleError) Error() string {
	return fmt.Sprintf("failed to assume role %s in account %s: %v", e.RoleARN, e.AccountID, e.Err)
}

func (e *AssumeRoleError) Unwrap() error { return e.Err }

// BrokerConfig configures a Broker.
type BrokerConfig struct {
	Logger *zap.Logger
	// STS is the management-account STS client used for every AssumeRole.
	STS awsclients.STSAPI
	// RoleName is the spoke role name assumed in each target account.
	RoleName string
	// ExternalID is the shared external-id secret for the role trust policy.
	ExternalID string
	// DefaultRegion is used when the caller does not pass a region.
	DefaultRegion string
}

// Broker mints and caches assumed-role aws.Configs keyed by (account, region).
// Safe for concurrent use. The mutex guards only the cache windows; the
// AssumeRole call itself runs outside the lock.
type Broker struct {
	lg         *zap.Logger
	stsClient  awsclients.STSAPI
	roleName   string
	externalID string
	region     string

	mu    sync.Mutex
	cache *gocache.Cache
}

// NewBroker creates a Broker.
func NewBroker(cfg BrokerConfig) (*Broker, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}
	if cfg.STS == nil {
		return nil, fmt.Errorf("missing STS client")
	}
	if cfg.RoleName == "" {
		return nil, fmt.Errorf("missing role name")
	}
	if cfg.DefaultRegion == "" {
		return nil, fmt.Errorf("missing default region")
	}
	return &Broker{
		lg:         cfg.Logger,
		stsClient:  cfg.STS,
		roleName:   cfg.RoleName,
		externalID: cfg.ExternalID,
		region:     cfg.DefaultRegion,
		cache:      gocache.New(cacheTTL, 10*time.Minute),
	}, nil
}

// Session returns an aws.Config scoped to the target account. Cached configs
// are reused within the cache TTL; on expiry the next call re-assumes.
func (b *Broker) Session(ctx context.Context, accountID, region string) (aws.Config, error) {
	if region == "" {
		region = b.region
	}
	cacheKey := accountID + "-" + region

	b.mu.Lock()
	if v, ok := b.cache.Get(cacheKey); ok {
		b.mu.Unlock()
		b.lg.Debug("using cached session",
			zap.String("account_id", accountID),
			zap.String("region", region),
		)
		return v.(aws.Config), nil
	}
	b.mu.Unlock()

	roleARN := fmt.Sprintf("arn:aws:iam::%s:role/%s", accountID, b.roleName)
	input := &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleARN),
		RoleSessionName: aws.String("eks-operator-" + accountID),
		DurationSeconds: aws.Int32(int32(sessionDuration.Seconds())),
	}
	if b.externalID != "" {
		input.ExternalId = aws.String(b.externalID)
	}

	out, err := b.stsClient.AssumeRole(ctx, input)
	if err != nil {
		b.lg.Error("failed to assume role",
			zap.String("account_id", accountID),
			zap.String("role_arn", roleARN),
			zap.Error(err),
		)
		return aws.Config{}, &AssumeRoleError{AccountID: accountID, RoleARN: roleARN, Err: err}
	}

	creds := out.Credentials
	cfg := aws.Config{
		Region: region,
		Credentials: awscreds.NewStaticCredentialsProvider(
			aws.ToString(creds.AccessKeyId),
			aws.ToString(creds.SecretAccessKey),
			aws.ToString(creds.SessionToken),
		),
	}

	b.mu.Lock()
	b.cache.SetDefault(cacheKey, cfg)
	b.mu.Unlock()

	b.lg.Info("assumed role",
		zap.String("account_id", accountID),
		zap.String("role_arn", roleARN),
	)
	return cfg, nil
}
