package awsclients

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/pkg/errors"
)

// Clients bundles the service clients built from one aws.Config. Discovery and
// the capacity controller create one bundle per assumed-role session; the
// persistence and messaging clients are built once from the management-account
// config.
type Clients struct {
	cfg aws.Config

	eksClient *eks.Client
	asgClient *autoscaling.Client
	ddbClient *dynamodb.Client
	snsClient *sns.Client
	sqsClient *sqs.Client
	stsClient *sts.Client
	orgClient *organizations.Client
}

// New builds a client bundle from the given aws.Config.
func New(cfg aws.Config) *Clients {
	return &Clients{
		cfg:       cfg,
		eksClient: eks.NewFromConfig(cfg),
		asgClient: autoscaling.NewFromConfig(cfg),
		ddbClient: dynamodb.NewFromConfig(cfg),
		snsClient: sns.NewFromConfig(cfg),
		sqsClient: sqs.NewFromConfig(cfg),
		stsClient: sts.NewFromConfig(cfg),
		orgClient: organizations.NewFromConfig(cfg),
	}
}

// LoadDefaultConfig loads the default-chain aws.Config for the given region.
func LoadDefaultConfig(ctx context.Context, region string) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return aws.Config{}, errors.Wrap(err, "failed to load AWS SDK config")
	}
	return cfg, nil
}

func (c *Clients) Config() aws.Config              { return c.cfg }
func (c *Clients) EKS() EKSAPI                     { return c.eksClient }
func (c *Clients) ASG() AutoScalingAPI             { return c.asgClient }
func (c *Clients) DynamoDB() DynamoDBAPI           { return c.ddbClient }
func (c *Clients) SNS() SNSAPI                     { return c.snsClient }
func (c *Clients) SQS() SQSAPI                     { return c.sqsClient }
func (c *Clients) STS() STSAPI                     { return c.stsClient }
func (c *Clients) Organizations() OrganizationsAPI { return c.orgClient }
