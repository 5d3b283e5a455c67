package state

import (
	"bytes"
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"

	"github.com/wangzhecodingfy/rei/store"
	"github.com/wangzhecodingfy/rei/types"
)

const (
	// EventNewHead fires with a NewHeadEvent after a block became the head.
	EventNewHead = "NewHead"

	defaultCommitQueueSize = 16
)

// NewHeadEvent describes a block that extended the canonical chain.
type NewHeadEvent struct {
	Block    *types.Block
	Commit   *types.Commit
	Receipts types.Receipts
	State    State
}

// CommitResult is returned to the caller of ProcessBlock.
type CommitResult struct {
	State       State
	Receipts    types.Receipts
	HeadChanged bool
}

type commitRequest struct {
	block  *types.Block
	commit *types.Commit
	skip   bool

	done chan commitResponse
}

type commitResponse struct {
	result *CommitResult
	err    error
}

// BlockCommitPipeline applies decided blocks one at a time. Any number of
// goroutines may call ProcessBlock; a single routine drains the queue, so
// the head and the validator snapshots change linearly.
type BlockCommitPipeline struct {
	service.BaseService

	exec       BlockExecutor
	kvStore    *store.KVStore
	blockStore *store.BlockStore
	valSets    *ValidatorSets
	evsw       events.EventSwitch

	mtx   sync.RWMutex
	state State

	queue chan *commitRequest
}

// PipelineOption sets an optional parameter on the BlockCommitPipeline.
type PipelineOption func(*BlockCommitPipeline)

// PipelineWithQueueSize bounds the number of pending requests.
func PipelineWithQueueSize(size int) PipelineOption {
	return func(p *BlockCommitPipeline) {
		p.queue = make(chan *commitRequest, size)
	}
}

func NewBlockCommitPipeline(
	state State,
	exec BlockExecutor,
	kvStore *store.KVStore,
	blockStore *store.BlockStore,
	valSets *ValidatorSets,
	options ...PipelineOption,
) *BlockCommitPipeline {
	p := &BlockCommitPipeline{
		exec:       exec,
		kvStore:    kvStore,
		blockStore: blockStore,
		valSets:    valSets,
		evsw:       events.NewEventSwitch(),
		state:      state,
		queue:      make(chan *commitRequest, defaultCommitQueueSize),
	}
	p.BaseService = *service.NewBaseService(nil, "BlockCommitPipeline", p)
	for _, option := range options {
		option(p)
	}
	return p
}

func (p *BlockCommitPipeline) SetLogger(l log.Logger) {
	p.BaseService.SetLogger(l)
	p.evsw.SetLogger(l.With("module", "events"))
}

func (p *BlockCommitPipeline) OnStart() error {
	if err := p.evsw.Start(); err != nil {
		return err
	}
	go p.processRoutine()
	return nil
}

func (p *BlockCommitPipeline) OnStop() {
	if err := p.evsw.Stop(); err != nil {
		p.Logger.Error("Failed to stop event switch", "err", err)
	}
}

// State returns the current head state.
func (p *BlockCommitPipeline) State() State {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.state.Copy()
}

// OnNewHead registers cb to run, on the pipeline routine, for every new head.
// Callbacks run before the corresponding ProcessBlock call returns.
func (p *BlockCommitPipeline) OnNewHead(listenerID string, cb func(NewHeadEvent)) error {
	return p.evsw.AddListenerForEvent(listenerID, EventNewHead, func(data events.EventData) {
		cb(data.(NewHeadEvent))
	})
}

// ProcessBlock queues block and waits for its outcome. Errors wrap
// ErrInvalidParent, ErrExecution or ErrPersistence.
func (p *BlockCommitPipeline) ProcessBlock(
	ctx context.Context,
	block *types.Block,
	commit *types.Commit,
	skipConsensusChecks bool,
) (*CommitResult, error) {
	req := &commitRequest{
		block:  block,
		commit: commit,
		skip:   skipConsensusChecks,
		done:   make(chan commitResponse, 1),
	}
	select {
	case p.queue <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.Quit():
		return nil, ErrPipelineStopped
	}
	select {
	case resp := <-req.done:
		return resp.result, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.Quit():
		return nil, ErrPipelineStopped
	}
}

func (p *BlockCommitPipeline) processRoutine() {
	for {
		select {
		case req := <-p.queue:
			result, err := p.process(req)
			if err != nil {
				p.Logger.Error("Failed to commit block", "height", req.block.Height, "hash", req.block.Hash(), "err", err)
			}
			req.done <- commitResponse{result: result, err: err}
		case <-p.Quit():
			return
		}
	}
}

func (p *BlockCommitPipeline) process(req *commitRequest) (*CommitResult, error) {
	block := req.block
	head := p.State()

	if !bytes.Equal(block.ParentHash, head.LastBlock.Hash()) {
		if bytes.Equal(block.Hash(), head.LastBlock.Hash()) {
			return &CommitResult{State: head, HeadChanged: false}, nil
		}
		return nil, errors.Wrapf(ErrInvalidParent, "block %d parent %v, head %d %v",
			block.Height, block.ParentHash, head.LastBlock.Height, head.LastBlock.Hash())
	}

	result, err := p.exec.Execute(head.LastBlock, block, req.skip)
	if err != nil {
		return nil, errors.Wrapf(ErrExecution, "height %d: %v", block.Height, err)
	}

	vals := head.Validators.Copy()
	if ignored := vals.ApplyChanges(result.Changes); len(ignored) > 0 {
		p.Logger.Error("Missing validator information, change ignored", "height", block.Height, "validators", ignored)
	}
	vals.UpdateProposerPriority(block.Proposer)

	if err := p.persist(block, req.commit, result, vals); err != nil {
		return nil, errors.Wrapf(ErrPersistence, "height %d: %v", block.Height, err)
	}

	newState := State{
		ChainID:         head.ChainID,
		ConsensusParams: head.ConsensusParams,
		LastBlock:       block.Header.Copy(),
		Validators:      vals,
	}
	p.mtx.Lock()
	p.state = newState
	p.mtx.Unlock()

	p.Logger.Info("Committed block", "height", block.Height, "hash", block.Hash(),
		"txs", len(block.Txs), "evidence", len(block.Evidence), "root", result.StateRoot)

	p.evsw.FireEvent(EventNewHead, NewHeadEvent{
		Block:    block,
		Commit:   req.commit,
		Receipts: result.Receipts,
		State:    newState.Copy(),
	})
	return &CommitResult{State: newState.Copy(), Receipts: result.Receipts, HeadChanged: true}, nil
}

// persist writes the state, the validator snapshot and then the block. The
// block goes last so a crash never leaves a head without its state.
func (p *BlockCommitPipeline) persist(block *types.Block, commit *types.Commit, result *ExecutionResult, vals *types.ValidatorSet) error {
	if err := p.kvStore.SaveState(result.StateRoot, result.State); err != nil {
		return err
	}
	if err := p.valSets.Put(result.StateRoot, vals); err != nil {
		return err
	}
	if err := p.blockStore.SaveReceipts(block, result.Receipts); err != nil {
		return err
	}
	return p.blockStore.SaveBlock(block, commit)
}
