package state

import (
	"fmt"

	"github.com/wangzhecodingfy/rei/store"
	"github.com/wangzhecodingfy/rei/types"
)

// State is the head of the canonical chain together with the validator set
// that decides the next height.
type State struct {
	ChainID         string
	ConsensusParams types.ConsensusParams

	// header of the last committed block
	LastBlock *types.Header
	// snapshot at LastBlock.StateRoot. Read-only.
	Validators *types.ValidatorSet
}

// Height is the height being decided on top of this state.
func (state State) Height() int64 {
	return state.LastBlock.Height + 1
}

// Copy returns a copy sharing the immutable validator snapshot.
func (state State) Copy() State {
	return State{
		ChainID:         state.ChainID,
		ConsensusParams: state.ConsensusParams,
		LastBlock:       state.LastBlock.Copy(),
		Validators:      state.Validators,
	}
}

func (state State) String() string {
	return fmt.Sprintf("State{%s #%d %v}", state.ChainID, state.LastBlock.Height, state.LastBlock.Hash())
}

// MakeGenesisState builds block zero, the genesis accounts and the genesis
// validator snapshot. Genesis validators with power are self-staked.
func MakeGenesisState(genDoc *types.GenesisDoc) (State, *types.Block, *store.AccountState) {
	accounts := store.NewAccountState(0)
	for _, acc := range genDoc.Accounts {
		prev := accounts.Accounts[acc.Address.Key()]
		prev.Balance += acc.Balance
		accounts.Accounts[acc.Address.Key()] = prev
	}
	for _, v := range genDoc.Validators {
		if v.Power > 0 {
			accounts.Stakes[store.StakeKey(v.Address, v.Address)] += uint64(v.Power)
		}
	}
	genesis := types.MakeGenesisBlock(genDoc, accounts.Root())
	return State{
		ChainID:         genDoc.ChainID,
		ConsensusParams: genDoc.ConsensusParams,
		LastBlock:       genesis.Header.Copy(),
		Validators:      genDoc.ValidatorSet(),
	}, genesis, accounts
}

// LoadStateFromDBOrGenesisDoc restores the head from the stores, writing the
// genesis state first if the chain is empty.
func LoadStateFromDBOrGenesisDoc(
	blockStore *store.BlockStore,
	kvStore *store.KVStore,
	valSets *ValidatorSets,
	genDoc *types.GenesisDoc,
) (State, error) {
	if blockStore.Height() < 0 {
		state, genesis, accounts := MakeGenesisState(genDoc)
		if err := kvStore.SaveState(genesis.StateRoot, accounts); err != nil {
			return State{}, err
		}
		if err := valSets.Put(genesis.StateRoot, state.Validators); err != nil {
			return State{}, err
		}
		if err := blockStore.SaveBlock(genesis, nil); err != nil {
			return State{}, err
		}
		return state, nil
	}

	head := blockStore.LoadHead()
	if head == nil {
		return State{}, fmt.Errorf("missing head block %d", blockStore.Height())
	}
	vals, err := valSets.Get(head.StateRoot)
	if err != nil {
		return State{}, err
	}
	return State{
		ChainID:         genDoc.ChainID,
		ConsensusParams: genDoc.ConsensusParams,
		LastBlock:       head.Header.Copy(),
		Validators:      vals,
	}, nil
}
