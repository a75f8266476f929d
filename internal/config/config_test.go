package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("MANAGEMENT_ACCOUNT_ID", "111111111111")
	t.Setenv("EXTERNAL_ID", "shared-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("AWS_REGION", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "eks-operator-spoke", cfg.OperatorRoleName)
	assert.Equal(t, "eks-operations", cfg.DynamoDBOperationsTable)
	assert.Equal(t, "eks-cluster-state", cfg.DynamoDBClusterStateTable)
	assert.Equal(t, "eks-schedules", cfg.DynamoDBSchedulesTable)
	assert.Equal(t, 10, cfg.MaxDiscoveryWorkers)
	assert.Equal(t, 900, cfg.TaskVisibilityTimeout)
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("MANAGEMENT_ACCOUNT_ID", "")
	t.Setenv("EXTERNAL_ID", "")

	_, err := Load()
	require.Error(t, err)

	// Set but empty is still missing.
	t.Setenv("MANAGEMENT_ACCOUNT_ID", "111111111111")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EXTERNAL_ID")

	t.Setenv("EXTERNAL_ID", "shared-secret")
	_, err = Load()
	require.NoError(t, err)
}

func TestParsedTargetRegions(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("AWS_REGION", "us-east-1")
	t.Setenv("TARGET_REGIONS", "us-west-2, eu-west-1 ,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"us-west-2", "eu-west-1"}, cfg.ParsedTargetRegions())

	t.Setenv("TARGET_REGIONS", "")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"us-east-1"}, cfg.ParsedTargetRegions())
}

func TestParsedTargetAccountIDs(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TARGET_ACCOUNT_IDS", "222222222222,333333333333")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"222222222222", "333333333333"}, cfg.ParsedTargetAccountIDs())

	t.Setenv("TARGET_ACCOUNT_IDS", "")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.ParsedTargetAccountIDs())
}
