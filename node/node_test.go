package node

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/ed25519"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
	dbm "github.com/tendermint/tm-db"

	"github.com/wangzhecodingfy/rei/config"
	"github.com/wangzhecodingfy/rei/mempool"
	"github.com/wangzhecodingfy/rei/privval"
	"github.com/wangzhecodingfy/rei/types"
)

func memDBProvider(*DBContext) (dbm.DB, error) {
	return dbm.NewMemDB(), nil
}

func makeTestNode(t *testing.T) (*Node, func()) {
	t.Helper()
	return makeTestNodeWithDB(t, memDBProvider)
}

func makeTestNodeWithDB(t *testing.T, dbProvider DBProvider) (*Node, func()) {
	t.Helper()

	conf := config.ResetTestRoot("node_test")
	conf.Moniker = "node_test"
	conf.DBBackend = string(dbm.MemDBBackend)
	conf.P2P.ListenAddress = "tcp://127.0.0.1:0"
	conf.RPC.ListenAddress = ""

	pv := privval.GenFilePV(conf.PrivValidatorKeyFile(), conf.PrivValidatorStateFile())
	pubKey, err := pv.GetPubKey()
	require.NoError(t, err)

	params := types.DefaultConsensusParams()
	params.BlockPeriod = 0
	genDoc := &types.GenesisDoc{
		ChainID:         "node-test",
		ConsensusParams: params,
		Validators: []types.GenesisValidator{
			{Address: pv.GetAddress(), PubKey: pubKey, Power: 10, Name: "v0"},
		},
	}
	require.NoError(t, genDoc.ValidateAndComplete())

	nodeKey := &p2p.NodeKey{PrivKey: ed25519.GenPrivKey()}
	n, err := NewNode(conf, pv, nodeKey, genDoc, dbProvider, log.TestingLogger())
	require.NoError(t, err)
	return n, func() { config.RemoveTestRoot(conf) }
}

func TestNodeStartStop(t *testing.T) {
	n, cleanup := makeTestNode(t)
	defer cleanup()

	require.NoError(t, n.Start())

	// a single validator decides blocks on its own
	assert.Eventually(t, func() bool {
		return n.BlockStore().Height() >= 2
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, []string{"consensus", "mempool", "worker"}, n.MetricSet().GetAllLabels())

	require.NoError(t, n.Stop())
	select {
	case <-n.Quit():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
}

func TestNodeIncludesBroadcastTx(t *testing.T) {
	n, cleanup := makeTestNode(t)
	defer cleanup()

	require.NoError(t, n.Start())
	defer n.Stop() //nolint:errcheck

	tx := types.Tx{
		Kind:     types.TxSetCommission,
		From:     n.privValidator.GetAddress(),
		Value:    5,
		GasPrice: 0,
		Gas:      types.TxGas,
	}
	require.NoError(t, n.Mempool().CheckTx(tx, mempool.TxInfo{}))

	assert.Eventually(t, func() bool {
		return n.BlockStore().LoadTxLookup(tx.Hash()) != nil
	}, 10*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		return n.Mempool().Size() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNodeInfoChannels(t *testing.T) {
	n, cleanup := makeTestNode(t)
	defer cleanup()

	info, ok := n.NodeInfo().(p2p.DefaultNodeInfo)
	require.True(t, ok)
	assert.Equal(t, "node-test", info.Network)
	assert.Len(t, info.Channels, 5)
	assert.Equal(t, "127.0.0.1:0", info.ListenAddr)
	n.closeDBs()
}

func TestSplitAndTrimEmpty(t *testing.T) {
	testCases := []struct {
		s        string
		sep      string
		cutset   string
		expected []string
	}{
		{"a,b,c", ",", " ", []string{"a", "b", "c"}},
		{" a , b , c ", ",", " ", []string{"a", "b", "c"}},
		{" a, b, c ", ",", " ", []string{"a", "b", "c"}},
		{" , ", ",", " ", []string{}},
		{"   ", ",", " ", []string{}},
		{"", ",", " ", []string{}},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.expected, splitAndTrimEmpty(tc.s, tc.sep, tc.cutset), "%s", tc.s)
	}
}

var errDiskFull = errors.New("disk full")

// failingDB fails every synced write once fail is set.
type failingDB struct {
	dbm.DB
	fail *int32
}

func (db failingDB) SetSync(key, value []byte) error {
	if atomic.LoadInt32(db.fail) == 1 {
		return errDiskFull
	}
	return db.DB.SetSync(key, value)
}

func (db failingDB) NewBatch() dbm.Batch {
	return failingBatch{Batch: db.DB.NewBatch(), fail: db.fail}
}

type failingBatch struct {
	dbm.Batch
	fail *int32
}

func (b failingBatch) WriteSync() error {
	if atomic.LoadInt32(b.fail) == 1 {
		return errDiskFull
	}
	return b.Batch.WriteSync()
}

func TestNodeStopsOnEvidenceStoreFailure(t *testing.T) {
	var fail int32
	n, cleanup := makeTestNodeWithDB(t, func(ctx *DBContext) (dbm.DB, error) {
		if ctx.ID == "evidence" {
			return failingDB{DB: dbm.NewMemDB(), fail: &fail}, nil
		}
		return dbm.NewMemDB(), nil
	})
	defer cleanup()

	require.NoError(t, n.Start())
	atomic.StoreInt32(&fail, 1)

	select {
	case <-n.Quit():
	case <-time.After(10 * time.Second):
		t.Fatal("node kept running without an evidence store")
	}
}
