// Package config loads operator settings from environment variables.
package config

import (
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// Config holds all operator settings. Every field maps to an environment
// variable, e.g. ManagementAccountID <- MANAGEMENT_ACCOUNT_ID.
type Config struct {
	ManagementAccountID string `envconfig:"MANAGEMENT_ACCOUNT_ID" required:"true"`
	TargetAccountIDs    string `envconfig:"TARGET_ACCOUNT_IDS"`
	OperatorRoleName    string `envconfig:"OPERATOR_ROLE_NAME" default:"eks-operator-spoke"`
	ExternalID          string `envconfig:"EXTERNAL_ID" required:"true"`

	SNSTopicARN string `envconfig:"SNS_TOPIC_ARN"`
	SQSQueueURL string `envconfig:"SQS_QUEUE_URL"`

	DynamoDBOperationsTable   string `envconfig:"DYNAMODB_OPERATIONS_TABLE" default:"eks-operations"`
	DynamoDBClusterStateTable string `envconfig:"DYNAMODB_CLUSTER_STATE_TABLE" default:"eks-cluster-state"`
	DynamoDBSchedulesTable    string `envconfig:"DYNAMODB_SCHEDULES_TABLE" default:"eks-schedules"`

	AWSRegion     string `envconfig:"AWS_REGION" default:"us-east-1"`
	TargetRegions string `envconfig:"TARGET_REGIONS"`

	MaxDiscoveryWorkers   int `envconfig:"MAX_DISCOVERY_WORKERS" default:"10"`
	TaskVisibilityTimeout int `envconfig:"TASK_VISIBILITY_TIMEOUT" default:"900"`
	LambdaMaxConcurrency  int `envconfig:"LAMBDA_MAX_CONCURRENCY" default:"10"`
}

// Load reads the configuration from the environment. A required variable
// that is set but empty is still an error.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, errors.Wrap(err, "failed to load config from environment")
	}
	if cfg.ManagementAccountID == "" {
		return nil, errors.New("MANAGEMENT_ACCOUNT_ID is required")
	}
	if cfg.ExternalID == "" {
		return nil, errors.New("EXTERNAL_ID is required")
	}
	return cfg, nil
}

// ParsedTargetRegions returns the configured regions, falling back to the
// default region when TARGET_REGIONS is unset.
func (c *Config) ParsedTargetRegions() []string {
	regions := splitCSV(c.TargetRegions)
	if len(regions) == 0 {
		return []string{c.AWSRegion}
	}
	return regions
}

// ParsedTargetAccountIDs returns the explicitly configured account IDs, or an
// empty slice when discovery should fall back to AWS Organizations.
func (c *Config) ParsedTargetAccountIDs() []string {
	return splitCSV(c.TargetAccountIDs)
}

func splitCSV(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
