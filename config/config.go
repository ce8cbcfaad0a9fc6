package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	ethav "github.com/KOREAN139/ethereum-address-validator"
	"github.com/ethereum/go-ethereum/common"
)

type Configuration struct {
	// Server config
	Server struct {
		Port      int    `yaml:"port" envconfig:"PORT"`
		RedisHost string `yaml:"redis_host" envconfig:"REDIS_HOST"`
		RedisPort int    `yaml:"redis_port" envconfig:"REDIS_PORT"`
		LogDir    string `yaml:"log_dir" envconfig:"LOG_DIR"`
		LogLevel  string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	} `yaml:"server"`
	// where bridge transactions live, "redis" or "postgres"
	Storage struct {
		Driver      string `yaml:"driver" envconfig:"DRIVER"`
		PostgresDSN string `yaml:"postgres_dsn" envconfig:"POSTGRES_DSN"`
	} `yaml:"storage"`
	// relay (sponsored call) service
	Relay struct {
		URL    string `yaml:"url" envconfig:"URL"`
		APIKey string `yaml:"api_key" envconfig:"API_KEY"`
	} `yaml:"relay"`
	// bridge operator key, used on every network
	Signer struct {
		PrivateKey string `yaml:"private_key" envconfig:"PRIVATE_KEY"`
	} `yaml:"signer"`
	Queue struct {
		Name           string `yaml:"name" envconfig:"NAME"`
		Attempts       int    `yaml:"attempts" envconfig:"ATTEMPTS"`
		BackoffDelayMs int64  `yaml:"backoff_delay_ms" envconfig:"BACKOFF_DELAY_MS"`
		Concurrency    int    `yaml:"concurrency" envconfig:"CONCURRENCY"`
		PollMs         int64  `yaml:"poll_ms" envconfig:"POLL_MS"`
	} `yaml:"queue"`
	Scan struct {
		IntervalSec      int  `yaml:"interval_sec" envconfig:"INTERVAL_SEC"`
		BlockBatch       int  `yaml:"block_batch" envconfig:"BLOCK_BATCH"`
		ResumeFromCursor bool `yaml:"resume_from_cursor" envconfig:"RESUME_FROM_CURSOR"`
	} `yaml:"scan"`
	Reconcile struct {
		IntervalSec   int  `yaml:"interval_sec" envconfig:"INTERVAL_SEC"`
		StaleAfterSec int  `yaml:"stale_after_sec" envconfig:"STALE_AFTER_SEC"`
		FailStale     bool `yaml:"fail_stale" envconfig:"FAIL_STALE"`
	} `yaml:"reconcile"`
	Networks []NetworkConfig `yaml:"networks" ignored:"true"`
}

// NetworkConfig describes one EVM network the bridge token lives on.
type NetworkConfig struct {
	Name            string   `yaml:"name"`
	ChainID         int64    `yaml:"chain_id"`
	RPCList         []string `yaml:"rpc_list"`
	ContractAddress string   `yaml:"contract_address"`
	// network where burns observed here get minted, defaults to the other
	// network when exactly two are configured
	MintTo string `yaml:"mint_to"`
}

const (
	DefaultRelayURL       = "https://api.gelato.digital"
	DefaultQueueName      = "mint"
	DefaultAttempts       = 3
	DefaultBackoffDelayMs = 5000
	DefaultScanInterval   = 15
	DefaultReconcile      = 10
	DefaultBlockBatch     = 2000
)

func (c *Configuration) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RedisHost == "" {
		c.Server.RedisHost = "localhost"
	}
	if c.Server.RedisPort == 0 {
		c.Server.RedisPort = 6379
	}
	if c.Server.LogDir == "" {
		c.Server.LogDir = "logs"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "redis"
	}
	if c.Relay.URL == "" {
		c.Relay.URL = DefaultRelayURL
	}
	if c.Queue.Name == "" {
		c.Queue.Name = DefaultQueueName
	}
	if c.Queue.Attempts == 0 {
		c.Queue.Attempts = DefaultAttempts
	}
	if c.Queue.BackoffDelayMs == 0 {
		c.Queue.BackoffDelayMs = DefaultBackoffDelayMs
	}
	if c.Queue.Concurrency == 0 {
		c.Queue.Concurrency = 1
	}
	if c.Queue.PollMs == 0 {
		c.Queue.PollMs = 500
	}
	if c.Scan.IntervalSec == 0 {
		c.Scan.IntervalSec = DefaultScanInterval
	}
	if c.Scan.BlockBatch == 0 {
		c.Scan.BlockBatch = DefaultBlockBatch
	}
	if c.Reconcile.IntervalSec == 0 {
		c.Reconcile.IntervalSec = DefaultReconcile
	}
	if len(c.Networks) == 2 {
		if c.Networks[0].MintTo == "" {
			c.Networks[0].MintTo = c.Networks[1].Name
		}
		if c.Networks[1].MintTo == "" {
			c.Networks[1].MintTo = c.Networks[0].Name
		}
	}
}

func (c *Configuration) Validate() error {
	if len(c.Networks) < 2 {
		return errors.New("at least two networks must be configured")
	}
	names := make(map[string]bool, len(c.Networks))
	for _, n := range c.Networks {
		if n.Name == "" {
			return errors.New("network without name")
		}
		if names[n.Name] {
			return fmt.Errorf("network %s configured twice", n.Name)
		}
		names[n.Name] = true
	}
	for _, n := range c.Networks {
		if n.ChainID <= 0 {
			return fmt.Errorf("network %s: chain_id must be positive", n.Name)
		}
		if len(n.RPCList) == 0 {
			return fmt.Errorf("network %s: empty rpc_list", n.Name)
		}
		if err := ethav.Validate(common.HexToAddress(n.ContractAddress).Hex()); err != nil || !common.IsHexAddress(n.ContractAddress) {
			return fmt.Errorf("network %s: invalid contract address %q", n.Name, n.ContractAddress)
		}
		if n.MintTo == "" || !names[n.MintTo] {
			return fmt.Errorf("network %s: mint_to %q is not a configured network", n.Name, n.MintTo)
		}
		if n.MintTo == n.Name {
			return fmt.Errorf("network %s: cannot mint to itself", n.Name)
		}
	}
	if strings.TrimSpace(c.Signer.PrivateKey) == "" {
		return errors.New("signer private key is not set (SIGNER_PRIVATE_KEY)")
	}
	switch c.Storage.Driver {
	case "redis":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("postgres storage needs STORAGE_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Queue.Attempts < 1 {
		return errors.New("queue attempts must be at least 1")
	}
	if c.Scan.IntervalSec < 1 {
		return errors.New("scan interval_sec must be at least 1")
	}
	if c.Scan.BlockBatch < 1 {
		return errors.New("scan block_batch must be at least 1")
	}
	if c.Reconcile.IntervalSec < 1 {
		return errors.New("reconcile interval_sec must be at least 1")
	}
	return nil
}

func (c *Configuration) Network(name string) (NetworkConfig, bool) {
	for _, n := range c.Networks {
		if n.Name == name {
			return n, true
		}
	}
	return NetworkConfig{}, false
}

func (c *Configuration) ScanInterval() time.Duration {
	return time.Duration(c.Scan.IntervalSec) * time.Second
}

func (c *Configuration) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconcile.IntervalSec) * time.Second
}

func (c *Configuration) StaleAfter() time.Duration {
	return time.Duration(c.Reconcile.StaleAfterSec) * time.Second
}

func (c *Configuration) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.RedisHost, c.Server.RedisPort)
}

func (c *Configuration) NetworkNames() []string {
	names := make([]string, 0, len(c.Networks))
	for _, n := range c.Networks {
		names = append(names, n.Name)
	}
	return names
}
