package consensus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	tmtime "github.com/tendermint/tendermint/types/time"

	cstypes "github.com/wangzhecodingfy/rei/consensus/types"
	"github.com/wangzhecodingfy/rei/evidence"
	sm "github.com/wangzhecodingfy/rei/state"
	"github.com/wangzhecodingfy/rei/types"
)

var (
	ErrInvalidProposer           = errors.New("proposal is not from the proposer of the round")
	ErrProposalConflictsWithLock = errors.New("proposal conflicts with the locked block")
)

const (
	msgQueueSize = 1000

	// how long to wait for a requested block range before asking again
	blockRequestRetry = 5 * time.Second
)

// Broadcaster delivers the messages of the state machine to the network.
// The consensus Reactor implements it.
type Broadcaster interface {
	GossipProposal(proposal *types.Proposal, block *types.Block)
	GossipVote(vote *types.Vote)
	GossipEvidence(ev types.Evidence)
	RequestBlockRange(peerID p2p.ID, from, to int64)
}

// BlockSource supplies candidate blocks on top of a parent.
type BlockSource interface {
	GetPendingBlock(ctx context.Context, parentHash []byte) (*types.Block, error)
	DirectlyGetPendingBlock(parentHash []byte) *types.Block
}

// BlockCommitter applies decided blocks in order.
type BlockCommitter interface {
	ProcessBlock(ctx context.Context, block *types.Block, commit *types.Commit, skipConsensusChecks bool) (*sm.CommitResult, error)
}

// EvidencePool is fed with every vote that made it into a vote set.
type EvidencePool interface {
	CheckVote(vote *types.Vote) (types.Evidence, error)
	ReportConflictingVotes(voteA, voteB *types.Vote) (types.Evidence, error)
	CheckEvidence(evList types.EvidenceList) error
}

type nopBroadcaster struct{}

func (nopBroadcaster) GossipProposal(*types.Proposal, *types.Block) {}
func (nopBroadcaster) GossipVote(*types.Vote)                       {}
func (nopBroadcaster) GossipEvidence(types.Evidence)                {}
func (nopBroadcaster) RequestBlockRange(p2p.ID, int64, int64)       {}

// asyncResult is the outcome of work started outside the receiveRoutine.
type asyncResult interface{}

type proposalBlockReady struct {
	Height int64
	Round  int32
	Block  *types.Block
	Err    error
}

type commitDone struct {
	Height int64
	Block  *types.Block
	Result *sm.CommitResult
	Err    error
}

// EventDataRoundState is fired on the event switch on every step.
type EventDataRoundState struct {
	Height   int64                 `json:"height"`
	Round    int32                 `json:"round"`
	Step     cstypes.RoundStepType `json:"step"`
	Proposer types.Address         `json:"proposer"`
}

// ConsensusState handles execution of the consensus algorithm.
// It processes votes and proposals, and upon reaching agreement,
// hands the block to the commit pipeline and waits for it to become the
// new head before moving to the next height.
type ConsensusState struct {
	service.BaseService

	config            *cfg.ConsensusConfig
	privValidator     types.PrivValidator // nil for non-validators
	privValidatorAddr types.Address

	blockExec   sm.BlockExecutor
	blockSource BlockSource
	committer   BlockCommitter
	evpool      EvidencePool
	wal         WAL
	broadcaster Broadcaster

	// internal state
	mtx sync.RWMutex
	cstypes.RoundState
	state sm.State // head the current height builds on

	peerMsgQueue     chan msgInfo
	internalMsgQueue chan msgInfo
	asyncQueue       chan asyncResult
	timeoutTicker    TimeoutTicker

	// fires events for observers; never blocks the state machine
	evsw events.EventSwitch

	cancelPropose   context.CancelFunc
	syncCommit      *types.Commit
	syncBlocks      map[int64]*BlockResponseMessage
	requestedHeight int64
	requestedAt     time.Time
	commitStart     time.Time

	replayMode bool
	halted     bool

	metric *consensusMetric

	// overridable for tests
	decideProposal func(height int64, round int32)
	doPrevote      func(height int64, round int32)
}

// StateOption sets an optional parameter on the ConsensusState.
type StateOption func(*ConsensusState)

func WithTimeoutTicker(tt TimeoutTicker) StateOption {
	return func(cs *ConsensusState) {
		cs.timeoutTicker = tt
	}
}

func WithPrivValidator(pv types.PrivValidator) StateOption {
	return func(cs *ConsensusState) {
		cs.SetPrivValidator(pv)
	}
}

// NewConsensusState returns a new ConsensusState for the height on top of
// state.
func NewConsensusState(
	config *cfg.ConsensusConfig,
	state sm.State,
	blockExec sm.BlockExecutor,
	blockSource BlockSource,
	committer BlockCommitter,
	evpool EvidencePool,
	wal WAL,
	options ...StateOption,
) *ConsensusState {
	cs := &ConsensusState{
		config:           config,
		blockExec:        blockExec,
		blockSource:      blockSource,
		committer:        committer,
		evpool:           evpool,
		wal:              wal,
		broadcaster:      nopBroadcaster{},
		peerMsgQueue:     make(chan msgInfo, msgQueueSize),
		internalMsgQueue: make(chan msgInfo, msgQueueSize),
		asyncQueue:       make(chan asyncResult, 1),
		timeoutTicker:    NewTimeoutTicker(),
		evsw:             events.NewEventSwitch(),
		syncBlocks:       make(map[int64]*BlockResponseMessage),
		metric:           newConsensusMetric(),
	}
	cs.decideProposal = cs.defaultDecideProposal
	cs.doPrevote = cs.defaultDoPrevote

	cs.updateToState(state)

	cs.BaseService = *service.NewBaseService(nil, "State", cs)
	for _, option := range options {
		option(cs)
	}
	return cs
}

// String returns a string.
func (cs *ConsensusState) String() string {
	// better not to access shared variables
	return "ConsensusState"
}

func (cs *ConsensusState) SetLogger(l log.Logger) {
	cs.BaseService.Logger = l
	cs.timeoutTicker.SetLogger(l)
	cs.evsw.SetLogger(l.With("module", "events"))
}

// SetPrivValidator sets the signer of this node's votes and proposals.
func (cs *ConsensusState) SetPrivValidator(pv types.PrivValidator) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	cs.privValidator = pv
	cs.privValidatorAddr = nil
	if pv != nil {
		cs.privValidatorAddr = pv.GetAddress()
	}
}

// SetBroadcaster sets where proposals, votes and block requests go.
func (cs *ConsensusState) SetBroadcaster(b Broadcaster) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	cs.broadcaster = b
}

func (cs *ConsensusState) Metric() *consensusMetric {
	return cs.metric
}

// EventSwitch returns the switch state changes are fired on.
func (cs *ConsensusState) EventSwitch() events.EventSwitch {
	return cs.evsw
}

// GetRoundState returns a shallow copy of the internal consensus state.
func (cs *ConsensusState) GetRoundState() *cstypes.RoundState {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()
	rs := cs.RoundState
	return &rs
}

// GetState returns the head the current height builds on.
func (cs *ConsensusState) GetState() sm.State {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()
	return cs.state.Copy()
}

// OnStart replays the WAL of the current height and then starts the
// receive routine.
func (cs *ConsensusState) OnStart() error {
	if err := cs.evsw.Start(); err != nil {
		return err
	}
	if err := cs.timeoutTicker.Start(); err != nil {
		return err
	}

	if err := cs.catchupReplay(cs.Height); err != nil {
		cs.Logger.Error("Error on catchup replay. Proceeding to start ConsensusState anyway", "err", err)
		if errors.Is(err, ErrWALCorrupted) {
			return err
		}
	}

	go cs.receiveRoutine()

	cs.mtx.Lock()
	cs.resumeAfterReplay()
	cs.mtx.Unlock()
	return nil
}

func (cs *ConsensusState) OnStop() {
	if cs.cancelPropose != nil {
		cs.cancelPropose()
	}
	if err := cs.evsw.Stop(); err != nil {
		cs.Logger.Error("Failed trying to stop eventSwitch", "error", err)
	}
	if err := cs.timeoutTicker.Stop(); err != nil {
		cs.Logger.Error("Failed trying to stop timeoutTicker", "error", err)
	}
}

// AddMessage queues a message received from peerID.
func (cs *ConsensusState) AddMessage(msg Message, peerID p2p.ID) {
	select {
	case cs.peerMsgQueue <- msgInfo{Msg: msg, PeerID: peerID}:
	case <-cs.Quit():
	}
}

// receiveRoutine handles messages which may cause state transitions.
// It is the only routine that mutates the RoundState.
func (cs *ConsensusState) receiveRoutine() {
	for {
		select {
		case <-cs.Quit():
			return
		case mi := <-cs.peerMsgQueue:
			cs.handleMsg(mi)
		case mi := <-cs.internalMsgQueue:
			cs.handleMsg(mi)
		case ti := <-cs.timeoutTicker.Chan():
			cs.handleTimeout(ti)
		case res := <-cs.asyncQueue:
			cs.handleAsyncResult(res)
		}
	}
}

func (cs *ConsensusState) handleMsg(mi msgInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	if cs.halted {
		return
	}

	msg, peerID := mi.Msg, mi.PeerID
	switch msg := msg.(type) {
	case *ProposalMessage:
		if msg.Proposal.Height != cs.Height {
			cs.onOtherHeight(msg.Proposal.Height, peerID)
			return
		}
		if !cs.writeWAL(mi) {
			return
		}
		if err := cs.setProposal(msg.Proposal, msg.Block); err != nil {
			cs.Logger.Info("Rejected proposal", "height", cs.Height, "round", cs.Round,
				"proposal", msg.Proposal, "peer", peerID, "err", err)
		}

	case *VoteMessage:
		if msg.Vote.Height != cs.Height {
			cs.onOtherHeight(msg.Vote.Height, peerID)
			return
		}
		if !cs.writeWAL(mi) {
			return
		}
		cs.tryAddVote(msg.Vote, peerID)

	case *BlockResponseMessage:
		switch h := msg.Block.Height; {
		case h < cs.Height:
			return
		case h > cs.Height:
			if h-cs.Height < maxBlockRange {
				cs.syncBlocks[h] = msg
			}
			return
		}
		if !cs.writeWAL(mi) {
			return
		}
		cs.handleBlockResponse(msg)

	default:
		cs.Logger.Error("Unknown msg type", "type", fmt.Sprintf("%T", msg))
	}
}

func (cs *ConsensusState) handleTimeout(ti timeoutInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	if cs.halted {
		return
	}

	// timeouts must be for current height, round, step
	if ti.Height != cs.Height || ti.Round < cs.Round || (ti.Round == cs.Round && ti.Step < cs.Step) {
		cs.Logger.Debug("Ignoring tock because we are ahead", "height", cs.Height, "round", cs.Round, "step", cs.Step)
		return
	}
	if !cs.writeWAL(ti) {
		return
	}

	switch ti.Step {
	case cstypes.RoundStepNewHeight:
		cs.enterNewRound(ti.Height, 0)
	case cstypes.RoundStepPropose:
		cs.evsw.FireEvent(EventTimeoutPropose, cs.roundStateEvent())
		cs.enterPrevote(ti.Height, ti.Round)
	case cstypes.RoundStepPrevoteWait:
		cs.evsw.FireEvent(EventTimeoutWait, cs.roundStateEvent())
		cs.enterPrecommit(ti.Height, ti.Round)
	case cstypes.RoundStepPrecommitWait:
		cs.evsw.FireEvent(EventTimeoutWait, cs.roundStateEvent())
		cs.enterPrecommit(ti.Height, ti.Round)
		cs.enterNewRound(ti.Height, ti.Round+1)
	default:
		cs.Logger.Error("Invalid timeout step", "step", ti.Step)
	}
}

func (cs *ConsensusState) handleAsyncResult(res asyncResult) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	if cs.halted {
		return
	}

	switch res := res.(type) {
	case *proposalBlockReady:
		cs.handleProposalBlockReady(res)
	case *commitDone:
		cs.handleCommitDone(res)
	}
}

//-----------------------------------------------------------------------------
// State transition functions. All of them expect cs.mtx to be held.

// Enter: +2/3 precommits for nil at (height,round-1)
// Enter: timeoutPrecommits after any +2/3 precommits from (height,round-1)
// Enter: `timeoutNewHeight` by startTime (commitTime+timeoutCommit),
// 	or, if SkipTimeoutCommit==true, after receiving all precommits from (height,round-1)
// Enter: +2/3 prevotes or precommits for (height,round) with round > cs.Round.
func (cs *ConsensusState) enterNewRound(height int64, round int32) {
	if cs.Height != height || round < cs.Round || (cs.Round == round && cs.Step != cstypes.RoundStepNewHeight) ||
		cs.Step == cstypes.RoundStepCommit {
		cs.Logger.Debug("Entering new round with invalid args", "height", height, "round", round,
			"current", fmt.Sprintf("%v/%v/%v", cs.Height, cs.Round, cs.Step))
		return
	}
	if !cs.writeWAL(newRoundInfo{Height: height, Round: round}) {
		return
	}

	proposer := cs.Validators.CopyIncrementProposerPriority(round).Proposer()
	cs.Logger.Info("Entering new round", "height", height, "round", round, "proposer", proposer)

	if cs.cancelPropose != nil {
		cs.cancelPropose()
		cs.cancelPropose = nil
	}
	if round != 0 {
		// round-scoped data of the previous round is dropped
		cs.Proposal = nil
		cs.ProposalBlock = nil
	}
	cs.Round = round
	cs.Step = cstypes.RoundStepNewHeight
	cs.Proposer = proposer
	cs.Votes.SetRound(round + 1) // also track next round (round+1) to allow round-skipping
	cs.metric.MarkRound(round)

	cs.evsw.FireEvent(EventNewRound, cs.roundStateEvent())

	cs.enterPropose(height, round)
}

// Enter (CreateEmptyBlocks): from enterNewRound(height,round)
// Enter: from proposalBlockReady once a candidate became available
func (cs *ConsensusState) enterPropose(height int64, round int32) {
	if cs.Height != height || round < cs.Round || (cs.Round == round && cstypes.RoundStepPropose <= cs.Step) {
		cs.Logger.Debug("Entering propose step with invalid args", "height", height, "round", round,
			"current", fmt.Sprintf("%v/%v/%v", cs.Height, cs.Round, cs.Step))
		return
	}
	cs.Logger.Debug("Entering propose step", "height", height, "round", round)

	defer func() {
		cs.updateRoundStep(round, cstypes.RoundStepPropose)
		cs.newStep()

		// If we have the whole proposal + POL, then goto Prevote now.
		if cs.isProposalComplete() {
			cs.enterPrevote(height, cs.Round)
		}
	}()

	// If we don't get the proposal quick enough, enterPrevote
	cs.scheduleTimeout(cs.config.Propose(round), height, round, cstypes.RoundStepPropose)

	if cs.privValidator == nil || cs.replayMode {
		return
	}
	if !cs.isProposer(cs.privValidatorAddr) {
		cs.Logger.Debug("This node is not the proposer", "proposer", cs.Proposer, "privValidator", cs.privValidatorAddr)
		return
	}
	cs.Logger.Info("This node is the proposer", "height", height, "round", round)
	cs.decideProposal(height, round)
}

func (cs *ConsensusState) isProposer(address types.Address) bool {
	return len(address) > 0 && cs.Proposer.Equal(address)
}

func (cs *ConsensusState) defaultDecideProposal(height int64, round int32) {
	// Decide on block
	if cs.ValidBlock != nil {
		// If there is valid block, choose that.
		cs.signAndSendProposal(height, round, cs.ValidBlock, cs.ValidRound)
		return
	}

	parentHash := cs.Parent.Hash()
	if block := cs.blockSource.DirectlyGetPendingBlock(parentHash); block != nil {
		cs.signAndSendProposal(height, round, block, -1)
		return
	}

	// wait for the worker off the receiveRoutine; the result is dropped if
	// the round moved on in the meantime
	ctx, cancel := context.WithCancel(context.Background())
	cs.cancelPropose = cancel
	go func() {
		block, err := cs.blockSource.GetPendingBlock(ctx, parentHash)
		cs.sendAsyncResult(&proposalBlockReady{Height: height, Round: round, Block: block, Err: err})
	}()
}

func (cs *ConsensusState) handleProposalBlockReady(res *proposalBlockReady) {
	if res.Height != cs.Height || res.Round != cs.Round || cs.Step != cstypes.RoundStepPropose || cs.Proposal != nil {
		cs.Logger.Debug("Dropping stale pending block", "height", res.Height, "round", res.Round)
		return
	}
	cs.cancelPropose = nil
	if res.Err != nil {
		cs.Logger.Error("Failed to get pending block", "height", res.Height, "round", res.Round, "err", res.Err)
		return
	}
	cs.signAndSendProposal(res.Height, res.Round, res.Block, -1)
}

func (cs *ConsensusState) signAndSendProposal(height int64, round int32, block *types.Block, polRound int32) {
	proposal := types.NewProposal(height, round, polRound, block.Hash())
	proposal.Proposer = cs.privValidatorAddr
	if err := cs.privValidator.SignProposal(cs.state.ChainID, proposal); err != nil {
		cs.Logger.Error("Failed signing proposal", "height", height, "round", round, "err", err)
		return
	}
	cs.sendInternalMessage(msgInfo{&ProposalMessage{Proposal: proposal, Block: block}, ""})
	cs.Logger.Info("Signed proposal", "height", height, "round", round, "proposal", proposal)
}

// Returns true if the proposal block is complete &&
// (if POLRound was proposed, we have +2/3 prevotes from there).
func (cs *ConsensusState) isProposalComplete() bool {
	if cs.Proposal == nil || cs.ProposalBlock == nil {
		return false
	}
	// we have the proposal. if there's a POLRound,
	// make sure we have the prevotes from it too
	if cs.Proposal.POLRound < 0 {
		return true
	}
	// if this is false the proposer is lying or we haven't received the POL yet
	return cs.Votes.Prevotes(cs.Proposal.POLRound).HasTwoThirdsMajority()
}

// Enter: `timeoutPropose` after entering Propose.
// Enter: proposal block and POL is ready.
// Prevote for LockedBlock if we're locked, or ProposalBlock if valid.
// Otherwise vote nil.
func (cs *ConsensusState) enterPrevote(height int64, round int32) {
	if cs.Height != height || round < cs.Round || (cs.Round == round && cstypes.RoundStepPrevote <= cs.Step) ||
		cs.Step == cstypes.RoundStepCommit {
		cs.Logger.Debug("Entering prevote step with invalid args", "height", height, "round", round,
			"current", fmt.Sprintf("%v/%v/%v", cs.Height, cs.Round, cs.Step))
		return
	}

	defer func() {
		cs.updateRoundStep(round, cstypes.RoundStepPrevote)
		cs.newStep()
	}()

	cs.Logger.Debug("Entering prevote step", "height", height, "round", round)
	cs.doPrevote(height, round)
}

func (cs *ConsensusState) defaultDoPrevote(height int64, round int32) {
	// If a block is locked, prevote that.
	if cs.LockedBlock != nil {
		cs.Logger.Debug("Prevote step: already locked on a block; prevoting locked block")
		cs.signAddVote(types.PrevoteType, cs.LockedBlock.Hash())
		return
	}

	// If ProposalBlock is nil, prevote nil.
	if cs.ProposalBlock == nil {
		cs.Logger.Debug("Prevote step: ProposalBlock is nil")
		cs.signAddVote(types.PrevoteType, nil)
		return
	}

	// the proposal block was validated when it was accepted
	cs.signAddVote(types.PrevoteType, cs.ProposalBlock.Hash())
}

// Enter: any +2/3 prevotes at next round.
func (cs *ConsensusState) enterPrevoteWait(height int64, round int32) {
	if cs.Height != height || round < cs.Round || (cs.Round == round && cstypes.RoundStepPrevoteWait <= cs.Step) ||
		cs.Step == cstypes.RoundStepCommit {
		cs.Logger.Debug("Entering prevote wait step with invalid args", "height", height, "round", round,
			"current", fmt.Sprintf("%v/%v/%v", cs.Height, cs.Round, cs.Step))
		return
	}
	if !cs.Votes.Prevotes(round).HasTwoThirdsAny() {
		cs.Logger.Error("Entering prevote wait step without any +2/3 prevotes", "height", height, "round", round)
		return
	}

	defer func() {
		cs.updateRoundStep(round, cstypes.RoundStepPrevoteWait)
		cs.newStep()
	}()

	// Wait for some more prevotes; enterPrecommit
	cs.scheduleTimeout(cs.config.Prevote(round), height, round, cstypes.RoundStepPrevoteWait)
}

// Enter: `timeoutPrevote` after any +2/3 prevotes.
// Enter: `timeoutPrecommit` after any +2/3 precommits.
// Enter: +2/3 precomits for block or nil.
// Lock & precommit the ProposalBlock if we have enough prevotes for it (a POL in this round)
// else, unlock an existing lock and precommit nil if +2/3 of prevotes were nil,
// else, precommit nil otherwise.
func (cs *ConsensusState) enterPrecommit(height int64, round int32) {
	if cs.Height != height || round < cs.Round || (cs.Round == round && cstypes.RoundStepPrecommit <= cs.Step) ||
		cs.Step == cstypes.RoundStepCommit {
		cs.Logger.Debug("Entering precommit step with invalid args", "height", height, "round", round,
			"current", fmt.Sprintf("%v/%v/%v", cs.Height, cs.Round, cs.Step))
		return
	}
	cs.Logger.Debug("Entering precommit step", "height", height, "round", round)

	defer func() {
		cs.updateRoundStep(round, cstypes.RoundStepPrecommit)
		cs.newStep()
	}()

	// check for a polka
	blockHash, ok := cs.Votes.Prevotes(round).TwoThirdsMajority()

	// If we don't have a polka, we must precommit nil.
	if !ok {
		cs.Logger.Debug("Precommit step: no +2/3 prevotes during enterPrecommit; precommitting nil")
		cs.signAddVote(types.PrecommitType, nil)
		return
	}

	cs.evsw.FireEvent(EventPolka, cs.roundStateEvent())

	// +2/3 prevoted nil. Unlock and precommit nil.
	if len(blockHash) == 0 {
		if cs.LockedBlock != nil {
			cs.Logger.Debug("Precommit step: +2/3 prevoted for nil; unlocking")
			cs.unlock()
		}
		cs.signAddVote(types.PrecommitType, nil)
		return
	}

	// If we're already locked on that block, precommit it, and update the LockedRound
	if hashesTo(cs.LockedBlock, blockHash) {
		cs.Logger.Debug("Precommit step: +2/3 prevoted locked block; relocking")
		cs.LockedRound = round
		cs.evsw.FireEvent(EventRelock, cs.roundStateEvent())
		cs.signAddVote(types.PrecommitType, blockHash)
		return
	}

	// If +2/3 prevoted for proposal block, lock and precommit it.
	if hashesTo(cs.ProposalBlock, blockHash) {
		cs.Logger.Debug("Precommit step: +2/3 prevoted proposal block; locking", "hash", blockHash)
		cs.LockedRound = round
		cs.LockedBlock = cs.ProposalBlock
		cs.evsw.FireEvent(EventLock, cs.roundStateEvent())
		cs.signAddVote(types.PrecommitType, blockHash)
		return
	}

	// There was a polka in this round for a block we don't have.
	// Unlock and precommit nil.
	cs.Logger.Debug("Precommit step: +2/3 prevotes for a block we do not have; voting nil", "hash", blockHash)
	if cs.LockedBlock != nil {
		cs.unlock()
	}
	cs.signAddVote(types.PrecommitType, nil)
}

// Enter: any +2/3 precommits for next round.
func (cs *ConsensusState) enterPrecommitWait(height int64, round int32) {
	if cs.Height != height || round < cs.Round || (cs.Round == round && cstypes.RoundStepPrecommitWait <= cs.Step) ||
		cs.Step == cstypes.RoundStepCommit {
		cs.Logger.Debug("Entering precommit wait step with invalid args", "height", height, "round", round,
			"current", fmt.Sprintf("%v/%v/%v", cs.Height, cs.Round, cs.Step))
		return
	}
	if !cs.Votes.Precommits(round).HasTwoThirdsAny() {
		cs.Logger.Error("Entering precommit wait step without any +2/3 precommits", "height", height, "round", round)
		return
	}

	defer func() {
		cs.updateRoundStep(round, cstypes.RoundStepPrecommitWait)
		cs.newStep()
	}()

	// Wait for some more precommits; enterNewRound
	cs.scheduleTimeout(cs.config.Precommit(round), height, round, cstypes.RoundStepPrecommitWait)
}

// Enter: +2/3 precommits for block
func (cs *ConsensusState) enterCommit(height int64, commitRound int32) {
	if cs.Height != height || cstypes.RoundStepCommit <= cs.Step {
		cs.Logger.Debug("Entering commit step with invalid args", "height", height, "commitRound", commitRound,
			"current", fmt.Sprintf("%v/%v/%v", cs.Height, cs.Round, cs.Step))
		return
	}

	blockHash, ok := cs.Votes.Precommits(commitRound).TwoThirdsMajority()
	if !ok || len(blockHash) == 0 {
		cs.Logger.Error("enterCommit expects +2/3 precommits for a block", "height", height, "commitRound", commitRound)
		return
	}
	cs.Logger.Info("Entering commit step", "height", height, "commitRound", commitRound, "hash", blockHash)

	// The Locked* fields no longer matter.
	// Move them over to ProposalBlock if they match the commit hash,
	// otherwise they'll be cleared in updateToState.
	if hashesTo(cs.LockedBlock, blockHash) {
		cs.ProposalBlock = cs.LockedBlock
	} else if hashesTo(cs.ValidBlock, blockHash) {
		cs.ProposalBlock = cs.ValidBlock
	}
	if !hashesTo(cs.ProposalBlock, blockHash) {
		// wait for the block through a proposal or a block response
		cs.Logger.Info("Commit is for a block we do not know about; waiting for it", "hash", blockHash)
		cs.ProposalBlock = nil
	}

	cs.updateRoundStep(cs.Round, cstypes.RoundStepCommit)
	cs.CommitRound = commitRound
	cs.newStep()

	cs.tryFinalizeCommit(height)
}

// If we have the block AND +2/3 commits for it, finalize.
func (cs *ConsensusState) tryFinalizeCommit(height int64) {
	if cs.Height != height || cs.Step != cstypes.RoundStepCommit || cs.Committing {
		return
	}

	commit := cs.syncCommit
	if commit == nil {
		precommits := cs.Votes.Precommits(cs.CommitRound)
		blockHash, ok := precommits.TwoThirdsMajority()
		if !ok || len(blockHash) == 0 {
			cs.Logger.Error("Failed attempt to finalize commit; there was no +2/3 majority or +2/3 was for nil")
			return
		}
		if !hashesTo(cs.ProposalBlock, blockHash) {
			cs.Logger.Debug("Failed attempt to finalize commit; we do not have the commit block",
				"proposalBlock", cs.ProposalBlock.Hash(), "commitBlock", blockHash)
			return
		}
		commit = precommits.MakeCommit()
	}
	cs.finalizeCommit(height, cs.ProposalBlock, commit)
}

// finalizeCommit hands block to the commit pipeline. The state machine stays
// in the Commit step until the pipeline reports back.
func (cs *ConsensusState) finalizeCommit(height int64, block *types.Block, commit *types.Commit) {
	if cs.replayMode || cs.Committing {
		return
	}
	cs.Logger.Info("Finalizing commit of block", "height", height, "hash", block.Hash(),
		"txs", len(block.Txs), "evidence", len(block.Evidence))

	cs.Committing = true
	cs.commitStart = time.Now()
	go func() {
		ctx, cancel := cs.quitContext()
		defer cancel()
		result, err := cs.committer.ProcessBlock(ctx, block, commit, false)
		cs.sendAsyncResult(&commitDone{Height: height, Block: block, Result: result, Err: err})
	}()
}

func (cs *ConsensusState) handleCommitDone(res *commitDone) {
	if res.Height != cs.Height || !cs.Committing {
		cs.Logger.Debug("Dropping stale commit result", "height", res.Height)
		return
	}

	if res.Err != nil {
		switch {
		case errors.Is(res.Err, sm.ErrPersistence):
			cs.halt(res.Err)
		case errors.Is(res.Err, context.Canceled), errors.Is(res.Err, sm.ErrPipelineStopped):
			cs.Logger.Info("Commit was interrupted", "height", res.Height, "err", res.Err)
		default:
			cs.Logger.Error("Decided block was rejected by the commit pipeline", "height", res.Height,
				"hash", res.Block.Hash(), "err", res.Err)
			cs.dropDecision(res.Block)
		}
		return
	}

	cs.metric.MarkCommit(res.Block, time.Since(cs.commitStart))
	cs.evsw.FireEvent(EventNewBlock, res.Block)

	if !cs.writeWAL(EndHeightMessage{Height: res.Height}) {
		return
	}
	cs.truncateWAL(res.Height)

	cs.updateToState(res.Result.State)
	cs.newStep()
	cs.scheduleRound0(&cs.RoundState)

	if msg, ok := cs.syncBlocks[cs.Height]; ok {
		delete(cs.syncBlocks, cs.Height)
		if cs.writeWAL(msgInfo{Msg: msg}) {
			cs.handleBlockResponse(msg)
		}
	}
}

// dropDecision forgets a decided block the pipeline could not apply and
// starts a new round so the height can be proposed again.
func (cs *ConsensusState) dropDecision(block *types.Block) {
	hash := block.Hash()
	if hashesTo(cs.LockedBlock, hash) {
		cs.unlock()
	}
	if hashesTo(cs.ValidBlock, hash) {
		cs.ValidRound = -1
		cs.ValidBlock = nil
	}
	cs.Proposal = nil
	cs.ProposalBlock = nil
	cs.Committing = false
	cs.syncCommit = nil
	cs.Step = cstypes.RoundStepNewHeight
	cs.enterNewRound(cs.Height, cs.Round+1)
}

func (cs *ConsensusState) truncateWAL(height int64) {
	seq, found, err := cs.wal.SearchForEndHeight(height - 1)
	if err != nil || !found {
		return
	}
	if err := cs.wal.Truncate(seq); err != nil {
		cs.Logger.Error("Failed to truncate wal", "height", height, "err", err)
	}
}

// handleBlockResponse commits a block decided by the network without us.
func (cs *ConsensusState) handleBlockResponse(msg *BlockResponseMessage) {
	block, commit := msg.Block, msg.Commit
	if block.Height != cs.Height || cs.Committing {
		return
	}
	if err := cs.Validators.VerifyCommit(cs.state.ChainID, block.Hash(), block.Height, commit); err != nil {
		cs.Logger.Error("Invalid commit in block response", "height", block.Height, "err", err)
		return
	}
	if err := cs.blockExec.PreValidate(cs.Parent, block); err != nil {
		cs.Logger.Error("Invalid block in block response", "height", block.Height, "err", err)
		return
	}
	cs.Logger.Info("Committing synced block", "height", block.Height, "hash", block.Hash())

	cs.ProposalBlock = block
	cs.syncCommit = commit
	cs.CommitRound = commit.Round
	cs.updateRoundStep(cs.Round, cstypes.RoundStepCommit)
	cs.newStep()
	cs.tryFinalizeCommit(cs.Height)
}

// onOtherHeight asks peers for the blocks we miss when a message shows
// that the network has moved past our height.
func (cs *ConsensusState) onOtherHeight(height int64, peerID p2p.ID) {
	if height <= cs.Height || peerID == "" || cs.replayMode {
		return
	}
	to := height - 1
	if to < cs.Height {
		return
	}
	if to <= cs.requestedHeight && time.Since(cs.requestedAt) < blockRequestRetry {
		return
	}
	from := cs.Height
	if to-from >= maxBlockRange {
		to = from + maxBlockRange - 1
	}
	cs.requestedHeight = to
	cs.requestedAt = time.Now()
	cs.Logger.Info("Requesting missing blocks", "from", from, "to", to, "peer", peerID)
	cs.broadcaster.RequestBlockRange(peerID, from, to)
}

//-----------------------------------------------------------------------------

func (cs *ConsensusState) setProposal(proposal *types.Proposal, block *types.Block) error {
	// a decided block may come with any proposal of the height
	if cs.Step == cstypes.RoundStepCommit {
		blockHash, ok := cs.Votes.Precommits(cs.CommitRound).TwoThirdsMajority()
		if cs.ProposalBlock == nil && ok && hashesTo(block, blockHash) {
			if err := cs.blockExec.PreValidate(cs.Parent, block); err != nil {
				return err
			}
			cs.ProposalBlock = block
			cs.tryFinalizeCommit(cs.Height)
		}
		return nil
	}

	// Already have one
	if cs.Proposal != nil {
		return nil
	}
	// Does not apply
	if proposal.Round != cs.Round {
		return nil
	}

	// Verify POLRound, which must be -1 or in range [0, proposal.Round).
	if proposal.POLRound < -1 || (proposal.POLRound >= 0 && proposal.POLRound >= proposal.Round) {
		return types.ErrInvalidProposalPOLRound
	}
	if !cs.isProposer(proposal.Proposer) {
		return errors.Wrapf(ErrInvalidProposer, "want %v, got %v", cs.Proposer, proposal.Proposer)
	}
	if err := proposal.Verify(cs.state.ChainID); err != nil {
		return err
	}
	if !hashesTo(block, proposal.BlockHash) {
		return errors.New("block does not match proposal")
	}
	// fresh blocks are built by the proposer, re-proposals carry a POL
	if proposal.POLRound < 0 && !block.Proposer.Equal(proposal.Proposer) {
		return fmt.Errorf("block built by %v proposed by %v", block.Proposer, proposal.Proposer)
	}
	if err := cs.blockExec.PreValidate(cs.Parent, block); err != nil {
		return err
	}
	if err := cs.evpool.CheckEvidence(block.Evidence); err != nil {
		return errors.Wrap(err, "invalid evidence in block")
	}

	// a locked validator only accepts another block with a newer POL it has
	// seen itself
	if cs.LockedBlock != nil && !hashesTo(cs.LockedBlock, proposal.BlockHash) {
		if proposal.POLRound <= cs.LockedRound {
			return errors.Wrapf(ErrProposalConflictsWithLock, "locked on %v at round %d, POL round %d",
				cs.LockedBlock.Hash(), cs.LockedRound, proposal.POLRound)
		}
		polHash, ok := cs.Votes.Prevotes(proposal.POLRound).TwoThirdsMajority()
		if !ok || !bytes.Equal(polHash, proposal.BlockHash) {
			return errors.Wrapf(ErrProposalConflictsWithLock, "no +2/3 prevotes at POL round %d", proposal.POLRound)
		}
	}

	cs.Proposal = proposal
	cs.ProposalBlock = block
	cs.Logger.Info("Received complete proposal block", "height", block.Height, "hash", block.Hash())
	cs.evsw.FireEvent(EventCompleteProposal, cs.roundStateEvent())
	if !cs.replayMode {
		cs.broadcaster.GossipProposal(proposal, block)
	}

	cs.handleCompleteProposal()
	return nil
}

func (cs *ConsensusState) handleCompleteProposal() {
	// Update Valid* if we can.
	prevotes := cs.Votes.Prevotes(cs.Round)
	blockHash, hasTwoThirds := prevotes.TwoThirdsMajority()
	if hasTwoThirds && len(blockHash) > 0 && cs.ValidRound < cs.Round && hashesTo(cs.ProposalBlock, blockHash) {
		cs.Logger.Debug("Updating valid block to new proposal block", "valid_round", cs.Round, "hash", blockHash)
		cs.ValidRound = cs.Round
		cs.ValidBlock = cs.ProposalBlock
	}

	if cs.Step <= cstypes.RoundStepPropose && cs.isProposalComplete() {
		// Move onto the next step
		cs.enterPrevote(cs.Height, cs.Round)
		if hasTwoThirds { // this is optimisation as this will be triggered when prevote is added
			cs.enterPrecommit(cs.Height, cs.Round)
		}
	}
}

// Attempt to add the vote. if its a duplicate signature, report it to the
// evidence pool.
func (cs *ConsensusState) tryAddVote(vote *types.Vote, peerID p2p.ID) bool {
	added, err := cs.addVote(vote, peerID)
	if err != nil {
		var conflict *cstypes.ErrVoteConflictingVotes
		if errors.As(err, &conflict) {
			if vote.ValidatorAddress.Equal(cs.privValidatorAddr) {
				cs.Logger.Error("Found conflicting vote from ourselves; did you unsafe_reset a validator?",
					"height", vote.Height, "round", vote.Round, "type", vote.Type)
				return false
			}
			var evErr error
			switch {
			case !conflict.VoteA.IsNil() && !conflict.VoteB.IsNil():
				_, evErr = cs.evpool.ReportConflictingVotes(conflict.VoteA, conflict.VoteB)
			case !vote.IsNil():
				// the vote set keeps the nil vote; the pool still pairs this
				// one with any other non-nil vote of the validator
				_, evErr = cs.evpool.CheckVote(vote)
			}
			if evErr != nil {
				if errors.Is(evErr, evidence.ErrEvidenceStore) {
					cs.halt(evErr)
					return false
				}
				cs.Logger.Error("Failed to report conflicting votes", "err", evErr)
			}
			return added
		}
		cs.Logger.Info("Failed attempting to add vote", "vote", vote, "peer", peerID, "err", err)
		return false
	}
	return added
}

func (cs *ConsensusState) addVote(vote *types.Vote, peerID p2p.ID) (added bool, err error) {
	cs.Logger.Debug("Adding vote", "vote", vote, "peer", peerID)

	height := cs.Height
	added, err = cs.Votes.AddVote(vote)
	if !added {
		// Either duplicate, or error upon cs.Votes.AddByIndex()
		return
	}

	if _, err := cs.evpool.CheckVote(vote); err != nil {
		if errors.Is(err, evidence.ErrEvidenceStore) {
			cs.halt(err)
			return false, nil
		}
		cs.Logger.Debug("Evidence pool rejected vote", "vote", vote, "err", err)
	}
	cs.evsw.FireEvent(EventVote, vote)
	if !cs.replayMode {
		cs.broadcaster.GossipVote(vote)
	}

	switch vote.Type {
	case types.PrevoteType:
		prevotes := cs.Votes.Prevotes(vote.Round)
		cs.Logger.Debug("Added to prevote", "vote", vote, "prevotes", prevotes)

		// If +2/3 prevotes for a block or nil for *any* round:
		if blockHash, ok := prevotes.TwoThirdsMajority(); ok {
			// There was a polka!
			// If we're locked but this is a recent polka, unlock.
			// If it matches our ProposalBlock, update the ValidBlock

			// Unlock if `cs.LockedRound < vote.Round <= cs.Round`
			// NOTE: If vote.Round > cs.Round, we'll deal with it when we get to vote.Round
			if cs.LockedBlock != nil && cs.LockedRound < vote.Round && vote.Round <= cs.Round &&
				!hashesTo(cs.LockedBlock, blockHash) {
				cs.Logger.Info("Unlocking because of POL", "lockedRound", cs.LockedRound, "POLRound", vote.Round)
				cs.unlock()
			}

			// Update Valid* if we can.
			if len(blockHash) != 0 && cs.ValidRound < vote.Round && vote.Round == cs.Round &&
				hashesTo(cs.ProposalBlock, blockHash) {
				cs.Logger.Debug("Updating valid block because of POL", "validRound", cs.ValidRound, "POLRound", vote.Round)
				cs.ValidRound = vote.Round
				cs.ValidBlock = cs.ProposalBlock
				cs.evsw.FireEvent(EventValidBlock, cs.roundStateEvent())
			}
		}

		// If +2/3 prevotes for *anything* for future round:
		switch {
		case cs.Round < vote.Round && prevotes.HasTwoThirdsAny():
			// Round-skip if there is any 2/3+ of votes ahead of us
			cs.enterNewRound(height, vote.Round)

		case cs.Round == vote.Round && cstypes.RoundStepPrevote <= cs.Step: // current round
			blockHash, ok := prevotes.TwoThirdsMajority()
			if ok && (cs.isProposalComplete() || len(blockHash) == 0) {
				cs.enterPrecommit(height, vote.Round)
			} else if prevotes.HasTwoThirdsAny() {
				cs.enterPrevoteWait(height, vote.Round)
			}

		case cs.Proposal != nil && 0 <= cs.Proposal.POLRound && cs.Proposal.POLRound == vote.Round:
			// If the proposal is now complete, enter prevote of cs.Round.
			if cs.isProposalComplete() {
				cs.enterPrevote(height, cs.Round)
			}
		}

	case types.PrecommitType:
		precommits := cs.Votes.Precommits(vote.Round)
		cs.Logger.Debug("Added to precommit", "vote", vote, "precommits", precommits)

		blockHash, ok := precommits.TwoThirdsMajority()
		if ok {
			// Executed as TwoThirdsMajority could be from a higher round
			cs.enterNewRound(height, vote.Round)
			cs.enterPrecommit(height, vote.Round)
			if len(blockHash) != 0 {
				cs.enterCommit(height, vote.Round)
			} else {
				cs.enterPrecommitWait(height, vote.Round)
			}
		} else if cs.Round <= vote.Round && precommits.HasTwoThirdsAny() {
			cs.enterNewRound(height, vote.Round)
			cs.enterPrecommitWait(height, vote.Round)
		}
	}
	return added, err
}

// signAddVote signs a vote of this node and queues it. The vote reaches the
// WAL before it is gossiped.
func (cs *ConsensusState) signAddVote(msgType types.SignedMsgType, hash []byte) {
	if cs.privValidator == nil || cs.replayMode {
		return
	}
	// If the node not in the validator set, do nothing.
	if !cs.Validators.HasAddress(cs.privValidatorAddr) {
		return
	}

	vote := &types.Vote{
		Type:             msgType,
		Height:           cs.Height,
		Round:            cs.Round,
		BlockHash:        hash,
		ValidatorAddress: cs.privValidatorAddr,
	}
	if err := cs.privValidator.SignVote(cs.state.ChainID, vote); err != nil {
		cs.Logger.Error("Failed signing vote", "height", cs.Height, "round", cs.Round, "type", msgType, "err", err)
		return
	}
	cs.sendInternalMessage(msgInfo{&VoteMessage{vote}, ""})
	cs.Logger.Debug("Signed and pushed vote", "height", cs.Height, "round", cs.Round, "vote", vote)
}

//-----------------------------------------------------------------------------
// Replay

// catchupReplay replays the WAL entries written after the end of the
// previous height. It neither signs, writes the WAL nor talks to the
// network.
func (cs *ConsensusState) catchupReplay(csHeight int64) error {
	cs.replayMode = true
	defer func() { cs.replayMode = false }()

	// Ensure that #ENDHEIGHT for this height doesn't exist.
	if _, found, err := cs.wal.SearchForEndHeight(csHeight); err != nil {
		return err
	} else if found {
		return fmt.Errorf("wal should not contain #ENDHEIGHT %d", csHeight)
	}

	var fromSeq uint64
	endSeq, found, err := cs.wal.SearchForEndHeight(csHeight - 1)
	if err != nil {
		return err
	}
	if found {
		fromSeq = endSeq + 1
	}

	it, err := cs.wal.Replay(fromSeq)
	if err != nil {
		return err
	}
	defer it.Close()

	var replayed int
	for {
		msg, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		cs.readReplayMessage(msg)
		replayed++
	}
	cs.Logger.Info("Replay: Done", "height", csHeight, "entries", replayed)
	return nil
}

func (cs *ConsensusState) readReplayMessage(msg *TimedWALMessage) {
	switch m := msg.Msg.(type) {
	case msgInfo:
		cs.handleMsg(m)
	case timeoutInfo:
		cs.handleTimeout(m)
	case newRoundInfo:
		cs.mtx.Lock()
		cs.enterNewRound(m.Height, m.Round)
		cs.mtx.Unlock()
	case EndHeightMessage:
	default:
		cs.Logger.Error("Replay: Unknown TimedWALMessage type", "type", fmt.Sprintf("%T", msg.Msg))
	}
}

// resumeAfterReplay schedules what the replayed step is waiting for.
func (cs *ConsensusState) resumeAfterReplay() {
	switch cs.Step {
	case cstypes.RoundStepNewHeight:
		cs.scheduleRound0(&cs.RoundState)
	case cstypes.RoundStepPropose:
		cs.scheduleTimeout(cs.config.Propose(cs.Round), cs.Height, cs.Round, cstypes.RoundStepPropose)
		if cs.Proposal == nil && cs.privValidator != nil && cs.isProposer(cs.privValidatorAddr) {
			cs.decideProposal(cs.Height, cs.Round)
		}
	case cstypes.RoundStepPrevote, cstypes.RoundStepPrevoteWait:
		cs.scheduleTimeout(cs.config.Prevote(cs.Round), cs.Height, cs.Round, cstypes.RoundStepPrevoteWait)
	case cstypes.RoundStepPrecommit, cstypes.RoundStepPrecommitWait:
		cs.scheduleTimeout(cs.config.Precommit(cs.Round), cs.Height, cs.Round, cstypes.RoundStepPrecommitWait)
	case cstypes.RoundStepCommit:
		cs.tryFinalizeCommit(cs.Height)
	}
}

//-----------------------------------------------------------------------------
// Helpers

// updateToState resets the round state for the height on top of state.
func (cs *ConsensusState) updateToState(state sm.State) {
	height := state.Height()

	cs.state = state
	cs.Height = height
	cs.updateRoundStep(0, cstypes.RoundStepNewHeight)
	// wait for more precommits before starting the next height
	cs.StartTime = cs.config.Commit(tmtime.Now())

	cs.Parent = state.LastBlock
	cs.Validators = state.Validators
	cs.Proposer = state.Validators.Proposer()
	cs.Proposal = nil
	cs.ProposalBlock = nil
	cs.LockedRound = -1
	cs.LockedBlock = nil
	cs.ValidRound = -1
	cs.ValidBlock = nil
	cs.Votes = cstypes.NewHeightVoteSet(state.ChainID, height, state.Validators)
	cs.CommitRound = -1
	cs.Committing = false

	if cs.cancelPropose != nil {
		cs.cancelPropose()
		cs.cancelPropose = nil
	}
	cs.syncCommit = nil
	for h := range cs.syncBlocks {
		if h < height {
			delete(cs.syncBlocks, h)
		}
	}
	cs.metric.MarkHeight(height)
}

func (cs *ConsensusState) updateRoundStep(round int32, step cstypes.RoundStepType) {
	cs.Round = round
	cs.Step = step
}

func (cs *ConsensusState) unlock() {
	cs.LockedRound = -1
	cs.LockedBlock = nil
	cs.evsw.FireEvent(EventUnlock, cs.roundStateEvent())
}

func (cs *ConsensusState) newStep() {
	cs.metric.MarkStep(cs.Step)
	cs.evsw.FireEvent(EventNewRoundStep, cs.roundStateEvent())
}

func (cs *ConsensusState) roundStateEvent() EventDataRoundState {
	return EventDataRoundState{
		Height:   cs.Height,
		Round:    cs.Round,
		Step:     cs.Step,
		Proposer: cs.Proposer,
	}
}

// enterNewRound(height, 0) at cs.StartTime.
func (cs *ConsensusState) scheduleRound0(rs *cstypes.RoundState) {
	sleepDuration := rs.StartTime.Sub(tmtime.Now())
	if cs.config.SkipTimeoutCommit {
		sleepDuration = 0
	}
	cs.scheduleTimeout(sleepDuration, rs.Height, 0, cstypes.RoundStepNewHeight)
}

// Attempt to schedule a timeout (by sending timeoutInfo on the tickChan)
func (cs *ConsensusState) scheduleTimeout(duration time.Duration, height int64, round int32, step cstypes.RoundStepType) {
	if cs.replayMode {
		return
	}
	cs.timeoutTicker.ScheduleTimeout(timeoutInfo{duration, height, round, step})
}

// writeWAL appends msg before it is acted upon. A failed write halts the
// state machine.
func (cs *ConsensusState) writeWAL(msg WALMessage) bool {
	if cs.replayMode {
		return true
	}
	if _, err := cs.wal.Append(msg); err != nil {
		cs.halt(errors.Wrap(err, "failed to write wal"))
		return false
	}
	return true
}

// halt stops the state machine. Going on without durability could make
// this node sign twice after a crash.
func (cs *ConsensusState) halt(err error) {
	cs.Logger.Error("CONSENSUS FAILURE!!! halting", "err", err)
	cs.halted = true
	if err := cs.Stop(); err != nil {
		cs.Logger.Error("Failed trying to stop consensus", "err", err)
	}
}

// send a msg into the receiveRoutine regarding our own proposal or vote
func (cs *ConsensusState) sendInternalMessage(mi msgInfo) {
	select {
	case cs.internalMsgQueue <- mi:
	default:
		// NOTE: using the go-routine means our votes can
		// be processed out of order.
		cs.Logger.Debug("Internal msg queue is full; using a go-routine")
		go func() {
			select {
			case cs.internalMsgQueue <- mi:
			case <-cs.Quit():
			}
		}()
	}
}

func (cs *ConsensusState) sendAsyncResult(res asyncResult) {
	select {
	case cs.asyncQueue <- res:
	case <-cs.Quit():
	}
}

// quitContext is cancelled when the state machine stops.
func (cs *ConsensusState) quitContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-cs.Quit():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func hashesTo(block *types.Block, hash []byte) bool {
	return block != nil && len(hash) > 0 && bytes.Equal(block.Hash(), hash)
}
