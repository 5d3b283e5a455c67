package state

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/wangzhecodingfy/rei/store"
	"github.com/wangzhecodingfy/rei/types"
)

// BlockExecutor executes blocks against the account state of their parent.
type BlockExecutor interface {
	// PreValidate checks a block against its parent without executing it.
	PreValidate(parent *types.Header, block *types.Block) error

	// Execute runs the block on top of parent. Nothing is persisted. When
	// skipConsensusChecks is set the header's execution fields are trusted
	// as they are produced by this node.
	Execute(parent *types.Header, block *types.Block, skipConsensusChecks bool) (*ExecutionResult, error)
}

// Executor implements BlockExecutor over a KVStore. It also exposes the
// stages one by one for building blocks speculatively.
type Executor struct {
	kvStore *store.KVStore
	valSets *ValidatorSets

	logger log.Logger
}

var _ BlockExecutor = (*Executor)(nil)

func NewExecutor(kvStore *store.KVStore, valSets *ValidatorSets) *Executor {
	return &Executor{
		kvStore: kvStore,
		valSets: valSets,
		logger:  log.NewNopLogger(),
	}
}

func (exec *Executor) SetLogger(logger log.Logger) {
	exec.logger = logger
}

// NewContext opens an execution context for header on top of parent.
func (exec *Executor) NewContext(parent *types.Header, header *types.Header) (*ExecutionContext, error) {
	parentState, err := exec.kvStore.LoadState(parent.StateRoot)
	if err != nil {
		return nil, errors.Wrapf(err, "load state %v", parent.StateRoot)
	}
	vals, err := exec.valSets.Get(parent.StateRoot)
	if err != nil {
		return nil, err
	}
	return newExecutionContext(header, parentState, vals), nil
}

// ApplyTransaction checks tx and applies it. On error the context is left
// unchanged.
func (exec *Executor) ApplyTransaction(ctx *ExecutionContext, tx types.Tx) (*types.Receipt, error) {
	if err := preCheck(ctx, tx); err != nil {
		return nil, err
	}
	return applyTx(ctx, tx), nil
}

// Finalize seals the context. ctx must not be used afterwards.
func (exec *Executor) Finalize(ctx *ExecutionContext, evidence types.EvidenceList) *ExecutionResult {
	return finalize(ctx, evidence)
}

func (exec *Executor) PreValidate(parent *types.Header, block *types.Block) error {
	if err := block.ValidateBasic(); err != nil {
		return ErrInvalidBlock(err)
	}
	if block.ChainID != parent.ChainID {
		return ErrInvalidBlock(fmt.Errorf("wrong chain id: want %s, got %s", parent.ChainID, block.ChainID))
	}
	if block.Height != parent.Height+1 {
		return ErrInvalidBlock(fmt.Errorf("wrong height: want %d, got %d", parent.Height+1, block.Height))
	}
	if !bytes.Equal(block.ParentHash, parent.Hash()) {
		return ErrInvalidBlock(fmt.Errorf("wrong parent hash: want %v, got %v", parent.Hash(), block.ParentHash))
	}
	if !block.Timestamp.After(parent.Timestamp) {
		return ErrInvalidBlock(fmt.Errorf("timestamp %v is not after parent %v", block.Timestamp, parent.Timestamp))
	}
	if block.GasLimit != parent.GasLimit {
		return ErrInvalidBlock(fmt.Errorf("wrong gas limit: want %d, got %d", parent.GasLimit, block.GasLimit))
	}
	return nil
}

func (exec *Executor) Execute(parent *types.Header, block *types.Block, skipConsensusChecks bool) (*ExecutionResult, error) {
	if err := exec.PreValidate(parent, block); err != nil {
		return nil, err
	}
	ctx, err := exec.NewContext(parent, block.Header.Copy())
	if err != nil {
		return nil, err
	}
	for i, tx := range block.Txs {
		if _, err := exec.ApplyTransaction(ctx, tx); err != nil {
			return nil, errors.Wrapf(err, "tx #%d %v", i, tx.Hash())
		}
	}
	result := exec.Finalize(ctx, block.Evidence)

	if !skipConsensusChecks {
		if !bytes.Equal(result.StateRoot, block.StateRoot) {
			return nil, fmt.Errorf("wrong state root: want %v, got %v", result.StateRoot, block.StateRoot)
		}
		if !bytes.Equal(result.ReceiptsRoot, block.ReceiptsRoot) {
			return nil, fmt.Errorf("wrong receipts root: want %v, got %v", result.ReceiptsRoot, block.ReceiptsRoot)
		}
		if result.GasUsed != block.GasUsed {
			return nil, fmt.Errorf("wrong gas used: want %d, got %d", result.GasUsed, block.GasUsed)
		}
	}
	exec.logger.Debug("Executed block", "height", block.Height, "txs", len(block.Txs),
		"gasUsed", result.GasUsed, "root", result.StateRoot)
	return result, nil
}
