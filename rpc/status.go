package rpc

import (
	"fmt"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	cstypes "github.com/wangzhecodingfy/rei/consensus/types"
	"github.com/wangzhecodingfy/rei/types"
)

type ResultHealth struct{}

type ResultStatus struct {
	ChainID           string                   `json:"chain_id"`
	LatestBlockHash   tmbytes.HexBytes         `json:"latest_block_hash"`
	LatestStateRoot   tmbytes.HexBytes         `json:"latest_state_root"`
	LatestBlockHeight int64                    `json:"latest_block_height"`
	LatestBlockTime   time.Time                `json:"latest_block_time"`
	ValidatorAddress  types.Address            `json:"validator_address"`
	RoundState        cstypes.RoundStateSimple `json:"round_state"`
}

type ResultValidators struct {
	BlockHeight int64                 `json:"block_height"`
	Validators  []types.ValidatorInfo `json:"validators"`
	Proposer    types.Address         `json:"proposer"`
	TotalPower  int64                 `json:"total_power"`
}

type ResultBlock struct {
	Block  *types.Block  `json:"block"`
	Commit *types.Commit `json:"commit"`
}

type ResultTx struct {
	Hash    tmbytes.HexBytes `json:"hash"`
	Height  int64            `json:"height"`
	Index   int              `json:"index"`
	Tx      types.Tx         `json:"tx"`
	Receipt *types.Receipt   `json:"receipt"`
}

type ResultDumpConsensusState struct {
	RoundState cstypes.RoundStateSimple `json:"round_state"`
	Votes      string                   `json:"votes"`
}

// Health returns an empty result as long as the node serves requests.
func Health(ctx *rpctypes.Context) (*ResultHealth, error) {
	return &ResultHealth{}, nil
}

// Status returns the head of the chain and the height/round/step consensus
// is working on.
func Status(ctx *rpctypes.Context) (*ResultStatus, error) {
	state := env.ConsensusState.GetState()
	rs := env.ConsensusState.GetRoundState()
	return &ResultStatus{
		ChainID:           state.ChainID,
		LatestBlockHash:   state.LastBlock.Hash(),
		LatestStateRoot:   state.LastBlock.StateRoot,
		LatestBlockHeight: state.LastBlock.Height,
		LatestBlockTime:   state.LastBlock.Timestamp,
		ValidatorAddress:  env.ValidatorAddress,
		RoundState:        rs.Simple(),
	}, nil
}

// Validators returns the active validators that decide heightPtr, or the
// next height when it is nil.
func Validators(ctx *rpctypes.Context, heightPtr *int64) (*ResultValidators, error) {
	var vals *types.ValidatorSet
	height := env.BlockStore.Height() + 1
	if heightPtr == nil {
		vals = env.ConsensusState.GetState().Validators
	} else {
		if *heightPtr <= 0 || *heightPtr > height {
			return nil, fmt.Errorf("height must be in [1, %d], got %d", height, *heightPtr)
		}
		height = *heightPtr
		var err error
		if vals, err = env.ValidatorSets.AtHeight(height); err != nil {
			return nil, err
		}
	}
	return &ResultValidators{
		BlockHeight: height,
		Validators:  vals.ActiveValidators(),
		Proposer:    vals.Proposer(),
		TotalPower:  vals.TotalVotingPower(),
	}, nil
}

// Block returns the committed block at heightPtr, the latest one by default.
func Block(ctx *rpctypes.Context, heightPtr *int64) (*ResultBlock, error) {
	height, err := getHeight(env.BlockStore.Height(), heightPtr)
	if err != nil {
		return nil, err
	}
	block := env.BlockStore.LoadBlock(height)
	if block == nil {
		return nil, fmt.Errorf("block %d not found", height)
	}
	return &ResultBlock{Block: block, Commit: env.BlockStore.LoadCommit(height)}, nil
}

// Tx looks a committed tx up by hash.
func Tx(ctx *rpctypes.Context, hash []byte) (*ResultTx, error) {
	lookup := env.BlockStore.LoadTxLookup(hash)
	if lookup == nil {
		return nil, fmt.Errorf("tx (%X) not found", hash)
	}
	block := env.BlockStore.LoadBlock(lookup.Height)
	if block == nil || lookup.Index >= len(block.Txs) {
		return nil, fmt.Errorf("block %d of tx (%X) not found", lookup.Height, hash)
	}
	res := &ResultTx{
		Hash:   hash,
		Height: lookup.Height,
		Index:  lookup.Index,
		Tx:     block.Txs[lookup.Index],
	}
	if receipts := env.BlockStore.LoadReceipts(lookup.BlockHash); lookup.Index < len(receipts) {
		res.Receipt = receipts[lookup.Index]
	}
	return res, nil
}

// DumpConsensusState returns the round state and the votes of the current
// height.
func DumpConsensusState(ctx *rpctypes.Context) (*ResultDumpConsensusState, error) {
	rs := env.ConsensusState.GetRoundState()
	var votes string
	if rs.Votes != nil {
		votes = rs.Votes.String()
	}
	return &ResultDumpConsensusState{
		RoundState: rs.Simple(),
		Votes:      votes,
	}, nil
}
