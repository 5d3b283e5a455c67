package state

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangzhecodingfy/rei/store"
	"github.com/wangzhecodingfy/rei/types"
)

func TestExecuteTransfer(t *testing.T) {
	alice, bob := testAddr(1), testAddr(2)
	env := newTestEnv(t, types.GenesisAccount{Address: alice, Balance: 1000000})
	parent := env.state.LastBlock

	block := env.makeBlock(t, parent, types.Txs{transfer(alice, bob, 0, 100), transfer(alice, bob, 1, 50)}, nil)
	result, err := env.exec.Execute(parent, block, false)
	require.NoError(t, err)
	assert.EqualValues(t, 2*types.TxGas, result.GasUsed)
	require.Len(t, result.Receipts, 2)
	assert.EqualValues(t, 2*types.TxGas, result.Receipts[1].CumulativeGasUsed)

	assert.Equal(t, types.Account{Balance: 150}, result.State.Accounts[bob.Key()])
	assert.Equal(t, types.Account{Nonce: 2, Balance: 1000000 - 150 - 2*types.TxGas}, result.State.Accounts[alice.Key()])
	// fees go to the proposer
	assert.EqualValues(t, 2*types.TxGas, result.State.Accounts[env.pv.GetAddress().Key()].Balance)

	// executing does not persist anything
	assert.False(t, env.kvStore.HasState(result.StateRoot))
}

func TestExecuteRejectsBadBlocks(t *testing.T) {
	alice, bob := testAddr(1), testAddr(2)
	env := newTestEnv(t, types.GenesisAccount{Address: alice, Balance: 1000000})
	parent := env.state.LastBlock

	block := env.makeBlock(t, parent, types.Txs{transfer(alice, bob, 0, 100)}, nil)
	block.StateRoot = bytes.Repeat([]byte{0x01}, 32)
	_, err := env.exec.Execute(parent, block, false)
	assert.Error(t, err)
	// trusted blocks skip the execution field checks
	_, err = env.exec.Execute(parent, block, true)
	assert.NoError(t, err)

	bad := types.MakeBlock(parent, env.pv.GetAddress(), parent.Timestamp.Add(1), types.Txs{transfer(alice, bob, 5, 1)}, nil)
	_, err = env.exec.Execute(parent, bad, true)
	assert.True(t, errors.Is(err, ErrNonceTooHigh))

	orphan := env.makeBlock(t, parent, nil, nil)
	orphan.ParentHash = bytes.Repeat([]byte{0x02}, 32)
	assert.Error(t, env.exec.PreValidate(parent, orphan))
}

func TestApplyTransactionChecks(t *testing.T) {
	alice, bob := testAddr(1), testAddr(2)
	env := newTestEnv(t, types.GenesisAccount{Address: alice, Balance: 30000})
	parent := env.state.LastBlock
	header := types.MakeBlock(parent, env.pv.GetAddress(), parent.Timestamp.Add(1), nil, nil).Header
	ctx, err := env.exec.NewContext(parent, &header)
	require.NoError(t, err)

	_, err = env.exec.ApplyTransaction(ctx, transfer(alice, bob, 0, 20000))
	assert.True(t, errors.Is(err, ErrInsufficientFunds))

	_, err = env.exec.ApplyTransaction(ctx, transfer(bob, alice, 0, 0))
	assert.True(t, errors.Is(err, ErrInsufficientFunds))

	unstake := types.Tx{Kind: types.TxUnstake, From: alice, To: bob, Value: 1, Gas: types.TxGas}
	_, err = env.exec.ApplyTransaction(ctx, unstake)
	assert.True(t, errors.Is(err, ErrInsufficientStake))

	ctx.GasUsed = ctx.Header.GasLimit - 1
	_, err = env.exec.ApplyTransaction(ctx, transfer(alice, bob, 0, 1))
	assert.True(t, errors.Is(err, ErrGasLimitReached))
	assert.Empty(t, ctx.Receipts)
}

func TestExecuteStakingChanges(t *testing.T) {
	alice, bob := testAddr(1), testAddr(2)
	env := newTestEnv(t, types.GenesisAccount{Address: alice, Balance: 1000000})
	parent := env.state.LastBlock

	txs := types.Txs{
		{Kind: types.TxStake, From: alice, To: bob, Nonce: 0, Value: 500, Gas: types.TxGas},
		{Kind: types.TxUnstake, From: alice, To: bob, Nonce: 1, Value: 200, Gas: types.TxGas},
		{Kind: types.TxSetCommission, From: env.pv.GetAddress(), Value: 10, Gas: types.TxGas},
	}
	block := env.makeBlock(t, parent, txs, nil)
	result, err := env.exec.Execute(parent, block, false)
	require.NoError(t, err)

	assert.EqualValues(t, 300, result.State.Stakes[store.StakeKey(alice, bob)])
	changes := result.Changes.Changes()
	require.Len(t, changes, 2)
	var bobChange, valChange types.ValidatorChange
	for _, c := range changes {
		if c.Validator.Equal(bob) {
			bobChange = c
		} else {
			valChange = c
		}
	}
	assert.EqualValues(t, 300, bobChange.Net())
	require.NotNil(t, valChange.Commission)
	assert.EqualValues(t, 10, valChange.Commission.Rate)
}

func TestExecuteSlashesEvidence(t *testing.T) {
	env := newTestEnv(t)
	parent := env.state.LastBlock

	hashA := bytes.Repeat([]byte{0x01}, 32)
	hashB := bytes.Repeat([]byte{0x02}, 32)
	voteA := &types.Vote{Type: types.PrevoteType, Height: 1, BlockHash: hashA, ValidatorAddress: env.pv.GetAddress()}
	voteB := &types.Vote{Type: types.PrevoteType, Height: 1, BlockHash: hashB, ValidatorAddress: env.pv.GetAddress()}
	require.NoError(t, env.pv.SignVote(testChainID, voteA))
	require.NoError(t, env.pv.SignVote(testChainID, voteB))
	ev, err := types.NewDuplicateVoteEvidence(voteA, voteB)
	require.NoError(t, err)

	block := env.makeBlock(t, parent, nil, types.EvidenceList{ev})
	result, err := env.exec.Execute(parent, block, false)
	require.NoError(t, err)
	changes := result.Changes.Changes()
	require.Len(t, changes, 1)
	assert.EqualValues(t, -1, changes[0].Net())
}
