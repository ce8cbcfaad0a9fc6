package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
server:
  port: 3000
  redis_host: redis
storage:
  driver: redis
signer:
  private_key: "from-file"
networks:
  - name: arbitrum
    chain_id: 421614
    rpc_list: ["https://arb.example"]
    contract_address: "0x2bA64EFB7A4Ec8983E22A49c81fa216AC33f383A"
  - name: optimism
    chain_id: 11155420
    rpc_list: ["https://op.example", "https://op2.example"]
    contract_address: "0x2bA64EFB7A4Ec8983E22A49c81fa216AC33f383A"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsAndEnvOverride(t *testing.T) {
	t.Setenv("SIGNER_PRIVATE_KEY", "from-env")
	t.Setenv("RELAY_API_KEY", "secret")
	t.Setenv("SERVER_REDIS_PORT", "6380")

	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "redis:6380", cfg.RedisAddr())
	assert.Equal(t, "from-env", cfg.Signer.PrivateKey)
	assert.Equal(t, "secret", cfg.Relay.APIKey)
	assert.Equal(t, DefaultRelayURL, cfg.Relay.URL)
	assert.Equal(t, 3, cfg.Queue.Attempts)
	assert.Equal(t, int64(5000), cfg.Queue.BackoffDelayMs)
	assert.Equal(t, 15*time.Second, cfg.ScanInterval())
	assert.Equal(t, 10*time.Second, cfg.ReconcileInterval())

	arb, ok := cfg.Network("arbitrum")
	require.True(t, ok)
	assert.Equal(t, "optimism", arb.MintTo)
	op, _ := cfg.Network("optimism")
	assert.Equal(t, "arbitrum", op.MintTo)
	assert.Len(t, op.RPCList, 2)
	assert.Equal(t, []string{"arbitrum", "optimism"}, cfg.NetworkNames())
}

func TestValidate(t *testing.T) {
	base := func() *Configuration {
		var c Configuration
		c.Signer.PrivateKey = "k"
		c.Networks = []NetworkConfig{
			{Name: "a", ChainID: 1, RPCList: []string{"x"}, ContractAddress: "0x2bA64EFB7A4Ec8983E22A49c81fa216AC33f383A"},
			{Name: "b", ChainID: 2, RPCList: []string{"y"}, ContractAddress: "0x2bA64EFB7A4Ec8983E22A49c81fa216AC33f383A"},
		}
		c.applyDefaults()
		return &c
	}

	require.NoError(t, base().Validate())

	c := base()
	c.Networks[1].Name = "a"
	assert.Error(t, c.Validate())

	c = base()
	c.Networks[0].ContractAddress = "nope"
	assert.Error(t, c.Validate())

	c = base()
	c.Networks[0].MintTo = "a"
	assert.Error(t, c.Validate())

	c = base()
	c.Networks[0].MintTo = "zzz"
	assert.Error(t, c.Validate())

	c = base()
	c.Signer.PrivateKey = ""
	assert.Error(t, c.Validate())

	c = base()
	c.Storage.Driver = "postgres"
	assert.Error(t, c.Validate())
	c.Storage.PostgresDSN = "host=localhost"
	assert.NoError(t, c.Validate())

	c = base()
	c.Networks = c.Networks[:1]
	assert.Error(t, c.Validate())

	c = base()
	c.Scan.IntervalSec = -5
	assert.Error(t, c.Validate())

	c = base()
	c.Scan.BlockBatch = -1
	assert.Error(t, c.Validate())

	c = base()
	c.Reconcile.IntervalSec = -1
	assert.Error(t, c.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
}
