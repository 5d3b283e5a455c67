package rpc

import (
	"fmt"

	"github.com/tendermint/tendermint/libs/log"

	cstypes "github.com/wangzhecodingfy/rei/consensus/types"
	"github.com/wangzhecodingfy/rei/libs/metric"
	"github.com/wangzhecodingfy/rei/mempool"
	sm "github.com/wangzhecodingfy/rei/state"
	"github.com/wangzhecodingfy/rei/types"
)

const (
	// maxPendingEvidence bounds the evidence returned by pending_evidence.
	maxPendingEvidence = 100
)

var (
	env *Environment
)

// SetEnvironment sets up the given Environment.
// It will race if multiple Node call SetEnvironment.
func SetEnvironment(e *Environment) {
	env = e
}

//----------------------------------------------
// These interfaces are used by RPC and must be thread safe

type consensusState interface {
	GetRoundState() *cstypes.RoundState
	GetState() sm.State
}

type evidencePool interface {
	PendingEvidence(max int) types.EvidenceList
	Size() int
}

type validatorSets interface {
	AtHeight(height int64) (*types.ValidatorSet, error)
}

type blockStore interface {
	Height() int64
	LoadBlock(height int64) *types.Block
	LoadCommit(height int64) *types.Commit
	LoadReceipts(blockHash []byte) types.Receipts
	LoadTxLookup(txHash []byte) *types.TxLookup
}

// Environment contains objects and interfaces used by the RPC. It is expected
// to be setup once during startup.
type Environment struct {
	ConsensusState consensusState
	Mempool        mempool.Mempool
	EvidencePool   evidencePool
	ValidatorSets  validatorSets
	BlockStore     blockStore
	MetricSet      *metric.MetricSet

	// address of the local signer, empty for a non-validator node
	ValidatorAddress types.Address

	Logger log.Logger
}

// getHeight resolves an optional height against the latest committed one.
func getHeight(latestHeight int64, heightPtr *int64) (int64, error) {
	if heightPtr == nil {
		return latestHeight, nil
	}
	height := *heightPtr
	if height < 0 {
		return 0, fmt.Errorf("height must be non-negative, got %d", height)
	}
	if height > latestHeight {
		return 0, fmt.Errorf("height %d must be less than or equal to the current blockchain height %d",
			height, latestHeight)
	}
	return height, nil
}
