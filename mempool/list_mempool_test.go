package mempool

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	tmrand "github.com/tendermint/tendermint/libs/rand"

	"github.com/wangzhecodingfy/rei/types"
)

type cleanupFunc func()

// ----- utility func -----

func newMempool() (*ListMempool, cleanupFunc) {
	return newMempoolWithConfig(cfg.ResetTestRoot("mempool_test"))
}

func newMempoolWithConfig(config *cfg.Config, options ...ListMempoolOption) (*ListMempool, cleanupFunc) {
	mempool := NewListMempool(config.Mempool, 0, options...)
	mempool.SetLogger(log.TestingLogger())
	return mempool, func() { os.RemoveAll(config.RootDir) }
}

func randAddress() types.Address {
	return types.Address(tmrand.Bytes(20))
}

func newTx(from types.Address, nonce uint64) types.Tx {
	data := tmrand.Bytes(4)
	return types.Tx{
		Kind:     types.TxTransfer,
		From:     from,
		To:       randAddress(),
		Nonce:    nonce,
		Value:    1,
		GasPrice: 1,
		Gas:      types.TxGas + types.TxDataGas*uint64(len(data)),
		Data:     data,
	}
}

// checkTxs adds count random txs, each from a new sender.
func checkTxs(t *testing.T, mempool Mempool, count int, peerID uint16) types.Txs {
	txs := make(types.Txs, count)
	txInfo := TxInfo{
		SenderID: peerID,
	}
	for i := 0; i < count; i++ {
		txs[i] = newTx(randAddress(), 0)
		if err := mempool.CheckTx(txs[i], txInfo); err != nil {
			t.Fatalf("checkTx failed: %v while checking #%d tx", err, i)
		}
	}
	return txs
}

type nonceMap map[string]uint64

func (n nonceMap) Nonce(addr types.Address) uint64 {
	return n[addr.Key()]
}

// ----- tests -----

func TestMempoolFlush(t *testing.T) {
	mem, cleanup := newMempool()
	defer cleanup()

	txs := checkTxs(t, mem, 1, UnknownPeerID)
	assert.Equal(t, 1, mem.Size())
	assert.EqualValues(t, len(txs[0].Bytes()), mem.TxsBytes())

	mem.Flush()
	assert.Equal(t, 0, mem.Size())
	assert.Equal(t, int64(0), mem.TxsBytes())

	// the cache is reset too
	assert.NoError(t, mem.CheckTx(txs[0], TxInfo{SenderID: UnknownPeerID}))
	mem.Flush()
}

func TestMempoolCheckTxRejectsDuplicates(t *testing.T) {
	mem, cleanup := newMempool()
	defer cleanup()

	txs := checkTxs(t, mem, 1, UnknownPeerID)
	assert.Equal(t, ErrTxInMap, mem.CheckTx(txs[0], TxInfo{SenderID: UnknownPeerID}))

	// committed txs stay in the cache
	mem.Lock()
	require.NoError(t, mem.Update(1, txs, nil))
	mem.Unlock()
	assert.Equal(t, 0, mem.Size())
	assert.Equal(t, ErrTxInCache, mem.CheckTx(txs[0], TxInfo{SenderID: UnknownPeerID}))
}

func TestMempoolCheckTxRejectsInvalid(t *testing.T) {
	mem, cleanup := newMempool()
	defer cleanup()

	tx := newTx(randAddress(), 0)
	tx.Gas = 1
	err := mem.CheckTx(tx, TxInfo{})
	assert.True(t, IsPreCheckError(err))

	config := cfg.ResetTestRoot("mempool_test")
	defer os.RemoveAll(config.RootDir)
	big := newTx(randAddress(), 0)
	big.Data = tmrand.Bytes(config.Mempool.MaxTxBytes)
	big.Gas = big.IntrinsicGas()
	_, ok := mem.CheckTx(big, TxInfo{}).(ErrTxTooLarge)
	assert.True(t, ok)
}

func TestMempoolPreCheck(t *testing.T) {
	config := cfg.ResetTestRoot("mempool_test")
	banned := randAddress()
	mem, cleanup := newMempoolWithConfig(config, SetPreCheck(func(tx types.Tx) error {
		if tx.From.Equal(banned) {
			return ErrTxInCache
		}
		return nil
	}))
	defer cleanup()

	assert.True(t, IsPreCheckError(mem.CheckTx(newTx(banned, 0), TxInfo{})))
	assert.NoError(t, mem.CheckTx(newTx(randAddress(), 0), TxInfo{}))
}

func TestMempoolIsFull(t *testing.T) {
	config := cfg.ResetTestRoot("mempool_test")
	config.Mempool.Size = 2
	mem, cleanup := newMempoolWithConfig(config)
	defer cleanup()

	checkTxs(t, mem, 2, UnknownPeerID)
	_, ok := mem.CheckTx(newTx(randAddress(), 0), TxInfo{}).(ErrMempoolIsFull)
	assert.True(t, ok)
}

func TestMempoolPendingBySender(t *testing.T) {
	mem, cleanup := newMempool()
	defer cleanup()

	alice, bob := randAddress(), randAddress()
	for _, tx := range []types.Tx{newTx(alice, 2), newTx(bob, 0), newTx(alice, 0), newTx(alice, 1)} {
		require.NoError(t, mem.CheckTx(tx, TxInfo{}))
	}
	// a second tx for an existing nonce loses to the first
	require.NoError(t, mem.CheckTx(newTx(alice, 1), TxInfo{}))

	pending := mem.PendingBySender()
	require.Len(t, pending, 2)
	require.Len(t, pending[alice.Key()], 3)
	for i, tx := range pending[alice.Key()] {
		assert.EqualValues(t, i, tx.Nonce)
	}
	assert.Len(t, pending[bob.Key()], 1)
}

func TestMempoolUpdateDropsStaleNonces(t *testing.T) {
	mem, cleanup := newMempool()
	defer cleanup()

	alice := randAddress()
	tx0, tx1, tx2 := newTx(alice, 0), newTx(alice, 1), newTx(alice, 2)
	for _, tx := range []types.Tx{tx0, tx1, tx2} {
		require.NoError(t, mem.CheckTx(tx, TxInfo{}))
	}

	// tx1 was replaced by another tx with the same nonce in the block
	mem.Lock()
	require.NoError(t, mem.Update(1, types.Txs{tx0}, nonceMap{alice.Key(): 2}))
	mem.Unlock()

	left := mem.ReapMaxTxs(-1)
	require.Len(t, left, 1)
	assert.Equal(t, tx2.Hash(), left[0].Hash())
	assert.EqualValues(t, len(tx2.Bytes()), mem.TxsBytes())
}

func TestMempoolNewTxCallback(t *testing.T) {
	var got types.Txs
	config := cfg.ResetTestRoot("mempool_test")
	mem, cleanup := newMempoolWithConfig(config, WithNewTxCallback(func(tx types.Tx) {
		got = append(got, tx)
	}))
	defer cleanup()

	txs := checkTxs(t, mem, 3, UnknownPeerID)
	assert.Equal(t, txs, got)

	select {
	case <-mem.TxsAvailable():
	default:
		t.Fatal("expected txs available notification")
	}
}
