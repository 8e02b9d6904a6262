package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("VOTING_RPC_NODES", "http://127.0.0.1:8545")
	t.Setenv("ELECTION_CONTRACT", testContract)

	require.NoError(t, LoadConfig())

	assert.Equal(t, []string{"http://127.0.0.1:8545"}, SettingsObj.RPCNodes)
	assert.Equal(t, int64(31337), SettingsObj.ChainID)
	assert.Equal(t, testContract, SettingsObj.ElectionContractAddress().Hex())
	assert.Equal(t, 15*time.Second, SettingsObj.RefreshInterval)
	assert.Equal(t, 1024, SettingsObj.VotedCacheSize)
	assert.Equal(t, "voting:events", SettingsObj.EventChannelPrefix)
	assert.Equal(t, "localhost:6379", SettingsObj.RedisAddr())
	assert.Equal(t, 8080, SettingsObj.APIPort)
	assert.True(t, SettingsObj.MetricsEnabled)
	assert.False(t, SettingsObj.PublishEvents)
	assert.Zero(t, SettingsObj.GasLimit)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("VOTING_RPC_NODES", `["http://a:8545", "http://b:8545"]`)
	t.Setenv("ELECTION_CONTRACT", testContract)
	t.Setenv("CHAIN_ID", "11155111")
	t.Setenv("REFRESH_INTERVAL", "2s")
	t.Setenv("GAS_LIMIT", "90000")
	t.Setenv("PUBLISH_EVENTS", "true")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("API_PORT", "9000")
	t.Setenv("LOG_LEVEL", "debug")

	require.NoError(t, LoadConfig())

	assert.Equal(t, []string{"http://a:8545", "http://b:8545"}, SettingsObj.RPCNodes)
	assert.Equal(t, "http://a:8545", SettingsObj.PrimaryRPCNode())
	assert.Equal(t, int64(11155111), SettingsObj.ChainID)
	assert.Equal(t, 2*time.Second, SettingsObj.RefreshInterval)
	assert.Equal(t, uint64(90000), SettingsObj.GasLimit)
	assert.True(t, SettingsObj.PublishEvents)
	assert.Equal(t, "redis:6379", SettingsObj.RedisAddr())
	assert.Equal(t, 9000, SettingsObj.APIPort)
}

func TestLoadConfigValidation(t *testing.T) {
	t.Setenv("VOTING_RPC_NODES", "")
	t.Setenv("ELECTION_CONTRACT", testContract)
	assert.Error(t, LoadConfig())

	t.Setenv("VOTING_RPC_NODES", "http://127.0.0.1:8545")
	t.Setenv("ELECTION_CONTRACT", "not-an-address")
	assert.Error(t, LoadConfig())

	t.Setenv("ELECTION_CONTRACT", testContract)
	t.Setenv("VOTING_RPC_NODES", "[not json")
	assert.Error(t, LoadConfig())
}

func TestParseList(t *testing.T) {
	items, err := parseList(` "http://a", http://b ,,`)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a", "http://b"}, items)

	items, err = parseList("[]")
	require.NoError(t, err)
	assert.Nil(t, items)
}
