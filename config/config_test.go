package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	assert := assert.New(t)

	// set up some defaults
	cfg := DefaultConfig()
	assert.NotNil(cfg.P2P)
	assert.NotNil(cfg.Mempool)
	assert.NotNil(cfg.Consensus)
	assert.NotNil(cfg.Reimint)
	assert.NoError(cfg.ValidateBasic())

	// check the root dir stuff...
	cfg.SetRoot("/foo")
	cfg.Genesis = "bar"
	cfg.DBPath = "/opt/data"

	assert.Equal("/foo/bar", cfg.GenesisFile())
	assert.Equal("/opt/data", cfg.DBDir())
	assert.Equal("/foo/data/cs.wal", cfg.WALDir())
}

func TestConsensusTimeoutsGrowPerRound(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 3000*time.Millisecond, cfg.Consensus.Propose(0))
	assert.Equal(t, 3500*time.Millisecond, cfg.Consensus.Propose(1))
	assert.Equal(t, 2000*time.Millisecond, cfg.Consensus.Prevote(2))
	assert.Equal(t, 2500*time.Millisecond, cfg.Consensus.Precommit(3))
	assert.Equal(t, time.Second, cfg.Consensus.TimeoutCommit)
	assert.False(t, cfg.Consensus.SkipTimeoutCommit)
}

func TestConfigValidateBasic(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.ValidateBasic())

	// tamper with timeout_propose
	cfg.Consensus.TimeoutPropose = -10 * time.Second
	assert.Error(t, cfg.ValidateBasic())
}

func TestReimintConfigValidateBasic(t *testing.T) {
	testCases := map[string]struct {
		modify    func(*ReimintConfig)
		expectErr bool
	}{
		"default":               {func(*ReimintConfig) {}, false},
		"zero retention":        {func(c *ReimintConfig) { c.EvidenceRetention = 0 }, true},
		"negative max evidence": {func(c *ReimintConfig) { c.MaxEvidencePerBlock = -1 }, true},
		"no evidence per block": {func(c *ReimintConfig) { c.MaxEvidencePerBlock = 0 }, false},
		"zero cache":            {func(c *ReimintConfig) { c.PendingBlockCacheSize = 0 }, true},
		"negative wait timeout": {func(c *ReimintConfig) { c.PendingBlockWaitTimeout = -time.Second }, true},
		"zero commit queue":     {func(c *ReimintConfig) { c.CommitQueueSize = 0 }, true},
	}

	for desc, tc := range testCases {
		tc := tc
		t.Run(desc, func(t *testing.T) {
			c := DefaultReimintConfig()
			tc.modify(c)
			if tc.expectErr {
				assert.Error(t, c.ValidateBasic())
			} else {
				assert.NoError(t, c.ValidateBasic())
			}
		})
	}
}

func TestEnsureRoot(t *testing.T) {
	require := require.New(t)

	// setup temp dir for test
	tmpDir, err := ioutil.TempDir("", "config-test")
	require.Nil(err)
	defer os.RemoveAll(tmpDir)

	// create root dir
	EnsureRoot(tmpDir)

	// make sure config is set properly
	data, err := ioutil.ReadFile(filepath.Join(tmpDir, defaultConfigFilePath))
	require.Nil(err)

	assertValidConfig(t, string(data))

	ensureFiles(t, tmpDir, "data")
}

func TestWrittenConfigRoundTrips(t *testing.T) {
	conf := ResetTestRoot("config-roundtrip")
	defer RemoveTestRoot(conf)

	v := viper.New()
	v.SetConfigFile(filepath.Join(conf.RootDir, defaultConfigFilePath))
	require.NoError(t, v.ReadInConfig())

	loaded := DefaultConfig()
	require.NoError(t, v.Unmarshal(loaded))

	assert.Equal(t, conf.Consensus.TimeoutPropose, loaded.Consensus.TimeoutPropose)
	assert.Equal(t, conf.Consensus.SkipTimeoutCommit, loaded.Consensus.SkipTimeoutCommit)
	assert.Equal(t, *conf.Reimint, *loaded.Reimint)
	assert.NoError(t, loaded.ValidateBasic())
}

func assertValidConfig(t *testing.T, configFile string) {
	t.Helper()
	// list of words we expect in the config
	var elems = []string{
		"moniker",
		"db_backend",
		"laddr",
		"timeout_propose",
		"[reimint]",
		"evidence_retention",
	}
	for _, e := range elems {
		assert.Contains(t, configFile, e)
	}
}

func ensureFiles(t *testing.T, rootDir string, files ...string) {
	for _, f := range files {
		p := filepath.Join(rootDir, f)
		_, err := os.Stat(p)
		assert.Nil(t, err, p)
	}
}
