package rpc

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/crypto/ed25519"
	"github.com/tendermint/tendermint/libs/log"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	cstypes "github.com/wangzhecodingfy/rei/consensus/types"
	"github.com/wangzhecodingfy/rei/libs/metric"
	"github.com/wangzhecodingfy/rei/mempool"
	sm "github.com/wangzhecodingfy/rei/state"
	"github.com/wangzhecodingfy/rei/types"
)

type fakeConsensus struct {
	state sm.State
	rs    cstypes.RoundState
}

func (fc *fakeConsensus) GetRoundState() *cstypes.RoundState { rs := fc.rs; return &rs }
func (fc *fakeConsensus) GetState() sm.State                 { return fc.state }

type fakeEvidencePool struct {
	evs types.EvidenceList
}

func (fe *fakeEvidencePool) Size() int { return len(fe.evs) }
func (fe *fakeEvidencePool) PendingEvidence(max int) types.EvidenceList {
	if len(fe.evs) > max {
		return fe.evs[:max]
	}
	return fe.evs
}

type fakeValidatorSets map[int64]*types.ValidatorSet

func (fv fakeValidatorSets) AtHeight(height int64) (*types.ValidatorSet, error) {
	vals, ok := fv[height]
	if !ok {
		return nil, fmt.Errorf("unknown height %d", height)
	}
	return vals, nil
}

type fakeBlockStore struct {
	blocks   map[int64]*types.Block
	receipts map[string]types.Receipts
	lookups  map[string]*types.TxLookup
}

func (fb *fakeBlockStore) Height() int64                           { return int64(len(fb.blocks)) - 1 }
func (fb *fakeBlockStore) LoadBlock(height int64) *types.Block     { return fb.blocks[height] }
func (fb *fakeBlockStore) LoadCommit(height int64) *types.Commit   { return nil }
func (fb *fakeBlockStore) LoadReceipts(hash []byte) types.Receipts { return fb.receipts[string(hash)] }
func (fb *fakeBlockStore) LoadTxLookup(hash []byte) *types.TxLookup {
	return fb.lookups[string(hash)]
}

type testMetric string

func (tm testMetric) JSONString() string { return string(tm) }

func randAddress() types.Address {
	return types.GetAddress(ed25519.GenPrivKey().PubKey())
}

func transferTx(from types.Address, nonce uint64) types.Tx {
	return types.Tx{
		Kind:     types.TxTransfer,
		From:     from,
		To:       randAddress(),
		Nonce:    nonce,
		Value:    1,
		GasPrice: 1,
		Gas:      types.TxGas,
	}
}

func setupEnvironment(t *testing.T) (*fakeBlockStore, types.Tx) {
	t.Helper()

	vals := types.NewValidatorSet([]types.ValidatorInfo{
		types.NewValidatorInfo(randAddress(), 10),
		types.NewValidatorInfo(randAddress(), 20),
	}, 21, nil)

	genesis := &types.Block{Header: types.Header{ChainID: "rpc-test", GasLimit: types.DefaultBlockGasLimit}}
	tx := transferTx(randAddress(), 0)
	block := types.MakeBlock(&genesis.Header, vals.Proposer(), time.Now(), types.Txs{tx}, nil)

	blocks := &fakeBlockStore{
		blocks: map[int64]*types.Block{0: genesis, 1: block},
		receipts: map[string]types.Receipts{
			string(block.Hash()): {{TxHash: tx.Hash(), Status: types.ReceiptStatusSuccessful, GasUsed: types.TxGas}},
		},
		lookups: map[string]*types.TxLookup{
			string(tx.Hash()): {BlockHash: block.Hash(), Height: 1, Index: 0},
		},
	}

	metrics := metric.NewMetricSet()
	require.NoError(t, metrics.SetMetrics("consensus", testMetric(`{"height":2}`)))
	require.NoError(t, metrics.SetMetrics("mempool", testMetric(`{"txs_num":0}`)))

	SetEnvironment(&Environment{
		ConsensusState: &fakeConsensus{
			state: sm.State{ChainID: "rpc-test", LastBlock: block.Header.Copy(), Validators: vals},
			rs:    cstypes.RoundState{Height: 2, Round: 1, Step: cstypes.RoundStepPrevote},
		},
		Mempool:       mempool.NewListMempool(cfg.TestMempoolConfig(), 1),
		EvidencePool:  &fakeEvidencePool{},
		ValidatorSets: fakeValidatorSets{1: vals},
		BlockStore:    blocks,
		MetricSet:     metrics,
		Logger:        log.TestingLogger(),
	})
	return blocks, tx
}

func TestStatus(t *testing.T) {
	blocks, _ := setupEnvironment(t)

	res, err := Status(&rpctypes.Context{})
	require.NoError(t, err)
	assert.Equal(t, "rpc-test", res.ChainID)
	assert.EqualValues(t, 1, res.LatestBlockHeight)
	assert.Equal(t, blocks.blocks[1].Hash(), res.LatestBlockHash)
	assert.Equal(t, "2/1/3", res.RoundState.HeightRoundStep)
}

func TestValidators(t *testing.T) {
	setupEnvironment(t)

	res, err := Validators(&rpctypes.Context{}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.BlockHeight)
	assert.Len(t, res.Validators, 2)
	assert.EqualValues(t, 30, res.TotalPower)

	one := int64(1)
	res, err = Validators(&rpctypes.Context{}, &one)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.BlockHeight)

	future := int64(5)
	_, err = Validators(&rpctypes.Context{}, &future)
	assert.Error(t, err)
}

func TestBlockAndTx(t *testing.T) {
	blocks, tx := setupEnvironment(t)

	res, err := Block(&rpctypes.Context{}, nil)
	require.NoError(t, err)
	assert.Equal(t, blocks.blocks[1].Hash(), res.Block.Hash())

	future := int64(2)
	_, err = Block(&rpctypes.Context{}, &future)
	assert.Error(t, err)

	txRes, err := Tx(&rpctypes.Context{}, tx.Hash())
	require.NoError(t, err)
	assert.EqualValues(t, 1, txRes.Height)
	assert.Equal(t, tx.Hash(), txRes.Tx.Hash())
	require.NotNil(t, txRes.Receipt)
	assert.Equal(t, types.ReceiptStatusSuccessful, txRes.Receipt.Status)

	_, err = Tx(&rpctypes.Context{}, []byte("missing"))
	assert.Error(t, err)
}

func TestBroadcastTx(t *testing.T) {
	setupEnvironment(t)

	tx := transferTx(randAddress(), 0)
	res, err := BroadcastTx(&rpctypes.Context{}, tx)
	require.NoError(t, err)
	assert.Equal(t, tx.Hash(), res.Hash)

	num, err := NumUnconfirmedTxs(&rpctypes.Context{})
	require.NoError(t, err)
	assert.Equal(t, 1, num.Count)

	bad := tx
	bad.Gas = 0
	_, err = BroadcastTx(&rpctypes.Context{}, bad)
	assert.Error(t, err)
}

func TestJSONMetrics(t *testing.T) {
	setupEnvironment(t)

	res, err := JSONMetrics(&rpctypes.Context{}, "")
	require.NoError(t, err)
	assert.Len(t, res.Metrics, 2)

	res, err = JSONMetrics(&rpctypes.Context{}, "consensus")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"consensus": `{"height":2}`}, res.Metrics)
}

func TestPendingEvidence(t *testing.T) {
	setupEnvironment(t)

	res, err := PendingEvidence(&rpctypes.Context{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
	assert.Empty(t, res.Evidence)
}
