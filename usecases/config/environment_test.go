package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvLeavesUnsetVariablesNil(t *testing.T) {
	os.Clearenv()

	env, err := FromEnv()
	require.NoError(t, err)

	assert.Nil(t, env.KafkaBrokers)
	assert.Nil(t, env.DataDir)
	assert.Nil(t, env.ConsumerPoolSize)
	assert.Nil(t, env.ControllerEnabled)
}

func TestFromEnvReadsSetVariables(t *testing.T) {
	os.Clearenv()
	os.Setenv("VENICE_KAFKA_BROKERS", "broker1:9092,broker2:9092")
	os.Setenv("VENICE_CONSUMER_POOL_SIZE", "5")
	os.Setenv("VENICE_CONTROLLER_ENABLED", "true")

	env, err := FromEnv()
	require.NoError(t, err)

	require.NotNil(t, env.KafkaBrokers)
	assert.Equal(t, "broker1:9092,broker2:9092", *env.KafkaBrokers)
	require.NotNil(t, env.ConsumerPoolSize)
	assert.Equal(t, 5, *env.ConsumerPoolSize)
	require.NotNil(t, env.ControllerEnabled)
	assert.True(t, *env.ControllerEnabled)
}

func TestFromEnvRejectsUnparseableConsumerPoolSize(t *testing.T) {
	os.Clearenv()
	os.Setenv("VENICE_CONSUMER_POOL_SIZE", "not-a-number")

	_, err := FromEnv()
	require.Error(t, err)
}
