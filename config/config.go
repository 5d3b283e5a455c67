package config

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	cfg "github.com/tendermint/tendermint/config"
)

const (
	// DefaultDir is the default home directory of a node.
	DefaultDir = ".rei"

	defaultWALDir = "data/cs.wal"
)

// Config is the top level configuration of a node.
type Config struct {
	// Top level options use an anonymous struct
	cfg.BaseConfig `mapstructure:",squash"`

	// Options for services
	RPC       *cfg.RPCConfig       `mapstructure:"rpc"`
	P2P       *cfg.P2PConfig       `mapstructure:"p2p"`
	Mempool   *cfg.MempoolConfig   `mapstructure:"mempool"`
	Consensus *cfg.ConsensusConfig `mapstructure:"consensus"`
	Reimint   *ReimintConfig       `mapstructure:"reimint"`
}

// DefaultConfig returns a default configuration for a node.
func DefaultConfig() *Config {
	return &Config{
		BaseConfig: cfg.DefaultBaseConfig(),
		RPC:        cfg.DefaultRPCConfig(),
		P2P:        cfg.DefaultP2PConfig(),
		Mempool:    cfg.DefaultMempoolConfig(),
		Consensus:  DefaultConsensusConfig(),
		Reimint:    DefaultReimintConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing.
func TestConfig() *Config {
	return &Config{
		BaseConfig: cfg.TestBaseConfig(),
		RPC:        cfg.TestRPCConfig(),
		P2P:        cfg.TestP2PConfig(),
		Mempool:    cfg.TestMempoolConfig(),
		Consensus:  TestConsensusConfig(),
		Reimint:    TestReimintConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (c *Config) SetRoot(root string) *Config {
	c.BaseConfig.RootDir = root
	c.RPC.RootDir = root
	c.P2P.RootDir = root
	c.Mempool.RootDir = root
	c.Consensus.RootDir = root
	return c
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (c *Config) ValidateBasic() error {
	if err := c.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := c.RPC.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [rpc] section")
	}
	if err := c.P2P.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [p2p] section")
	}
	if err := c.Mempool.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [mempool] section")
	}
	if err := c.Consensus.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [consensus] section")
	}
	if err := c.Reimint.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [reimint] section")
	}
	return nil
}

// WALDir is the directory of the consensus write ahead log database.
func (c *Config) WALDir() string {
	return c.Consensus.WalFile()
}

// DefaultConsensusConfig returns the consensus timeouts of a Reimint
// network: rounds grow by 500ms per step.
func DefaultConsensusConfig() *cfg.ConsensusConfig {
	conf := cfg.DefaultConsensusConfig()
	conf.WalPath = defaultWALDir
	conf.TimeoutPropose = 3000 * time.Millisecond
	conf.TimeoutProposeDelta = 500 * time.Millisecond
	conf.TimeoutPrevote = 1000 * time.Millisecond
	conf.TimeoutPrevoteDelta = 500 * time.Millisecond
	conf.TimeoutPrecommit = 1000 * time.Millisecond
	conf.TimeoutPrecommitDelta = 500 * time.Millisecond
	conf.TimeoutCommit = 1000 * time.Millisecond
	conf.SkipTimeoutCommit = false
	return conf
}

// TestConsensusConfig returns a configuration for testing the consensus
// service.
func TestConsensusConfig() *cfg.ConsensusConfig {
	conf := cfg.TestConsensusConfig()
	conf.WalPath = defaultWALDir
	return conf
}

//-----------------------------------------------------------------------------
// ReimintConfig

// ReimintConfig defines the options of the block producing side of a
// node. Validator set size, block period and gas limit are chain wide and
// come from the genesis consensus params.
type ReimintConfig struct {
	// Evidence older than this many heights is dropped.
	EvidenceRetention int64 `mapstructure:"evidence_retention"`

	// Maximum evidence included in one block.
	MaxEvidencePerBlock int `mapstructure:"max_evidence_per_block"`

	// Candidate blocks kept by the pending block worker.
	PendingBlockCacheSize int `mapstructure:"pending_block_cache_size"`

	// How long a proposer waits for the first candidate on a new head.
	PendingBlockWaitTimeout time.Duration `mapstructure:"pending_block_wait_timeout"`

	// Decided blocks queued in the commit pipeline.
	CommitQueueSize int `mapstructure:"commit_queue_size"`
}

// DefaultReimintConfig returns a default configuration for block
// production.
func DefaultReimintConfig() *ReimintConfig {
	return &ReimintConfig{
		EvidenceRetention:       10000,
		MaxEvidencePerBlock:     50,
		PendingBlockCacheSize:   10,
		PendingBlockWaitTimeout: 1000 * time.Millisecond,
		CommitQueueSize:         16,
	}
}

// TestReimintConfig returns a configuration for testing.
func TestReimintConfig() *ReimintConfig {
	conf := DefaultReimintConfig()
	conf.EvidenceRetention = 100
	conf.PendingBlockWaitTimeout = 100 * time.Millisecond
	return conf
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (c *ReimintConfig) ValidateBasic() error {
	if c.EvidenceRetention <= 0 {
		return errors.New("evidence_retention must be positive")
	}
	if c.MaxEvidencePerBlock < 0 {
		return errors.New("max_evidence_per_block can't be negative")
	}
	if c.PendingBlockCacheSize <= 0 {
		return errors.New("pending_block_cache_size must be positive")
	}
	if c.PendingBlockWaitTimeout < 0 {
		return errors.New("pending_block_wait_timeout can't be negative")
	}
	if c.CommitQueueSize <= 0 {
		return fmt.Errorf("commit_queue_size must be positive, got %d", c.CommitQueueSize)
	}
	return nil
}
