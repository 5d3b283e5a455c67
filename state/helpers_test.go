package state

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"

	"github.com/wangzhecodingfy/rei/store"
	"github.com/wangzhecodingfy/rei/types"
)

const testChainID = "state_test"

type testEnv struct {
	genDoc     *types.GenesisDoc
	pv         types.MockPV
	state      State
	kvStore    *store.KVStore
	blockStore *store.BlockStore
	valSets    *ValidatorSets
	exec       *Executor
}

func testAddr(b byte) types.Address {
	return types.Address(bytes.Repeat([]byte{b}, 20))
}

func newTestEnv(t *testing.T, accounts ...types.GenesisAccount) *testEnv {
	pv := types.NewMockPV()
	pubKey, err := pv.GetPubKey()
	require.NoError(t, err)
	genDoc := &types.GenesisDoc{
		ChainID:         testChainID,
		GenesisTime:     time.Unix(1600000000, 0).UTC(),
		ConsensusParams: types.DefaultConsensusParams(),
		Validators: []types.GenesisValidator{
			{Address: pv.GetAddress(), PubKey: pubKey, Power: 10, Name: "v0"},
		},
		Accounts: accounts,
	}
	require.NoError(t, genDoc.ValidateAndComplete())

	logger := log.TestingLogger()
	env := &testEnv{genDoc: genDoc, pv: pv}
	env.kvStore = store.NewKVStoreWithDB(tmdb.NewMemDB(), logger)
	env.blockStore = store.NewBlockStore(tmdb.NewMemDB())
	env.valSets = NewValidatorSets(store.NewSnapshotStore(tmdb.NewMemDB()), env.blockStore)
	env.state, err = LoadStateFromDBOrGenesisDoc(env.blockStore, env.kvStore, env.valSets, genDoc)
	require.NoError(t, err)
	env.exec = NewExecutor(env.kvStore, env.valSets)
	env.exec.SetLogger(logger)
	return env
}

// makeBlock builds a fully executed block of txs on top of parent.
func (env *testEnv) makeBlock(t *testing.T, parent *types.Header, txs types.Txs, evidence types.EvidenceList) *types.Block {
	block := types.MakeBlock(parent, env.pv.GetAddress(), parent.Timestamp.Add(time.Second), txs, evidence)
	ctx, err := env.exec.NewContext(parent, block.Header.Copy())
	require.NoError(t, err)
	for _, tx := range txs {
		_, err := env.exec.ApplyTransaction(ctx, tx)
		require.NoError(t, err)
	}
	result := env.exec.Finalize(ctx, evidence)
	block.StateRoot = result.StateRoot
	block.ReceiptsRoot = result.ReceiptsRoot
	block.GasUsed = result.GasUsed
	return block
}

func transfer(from, to types.Address, nonce, value uint64) types.Tx {
	return types.Tx{Kind: types.TxTransfer, From: from, To: to, Nonce: nonce, Value: value, Gas: types.TxGas, GasPrice: 1}
}
