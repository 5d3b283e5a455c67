package consensus

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
	dbm "github.com/tendermint/tm-db"

	cstypes "github.com/wangzhecodingfy/rei/consensus/types"
	sm "github.com/wangzhecodingfy/rei/state"
	"github.com/wangzhecodingfy/rei/types"
)

const testChainID = "consensus_test"

type validatorStub struct {
	pv types.MockPV
}

func (vs validatorStub) Address() types.Address {
	return vs.pv.GetAddress()
}

func (vs validatorStub) signVote(t *testing.T, typ types.SignedMsgType, height int64, round int32, hash []byte) *types.Vote {
	vote := &types.Vote{
		Type:             typ,
		Height:           height,
		Round:            round,
		BlockHash:        hash,
		ValidatorAddress: vs.Address(),
	}
	require.NoError(t, vs.pv.SignVote(testChainID, vote))
	return vote
}

func (vs validatorStub) signProposal(t *testing.T, block *types.Block, round, polRound int32) *types.Proposal {
	proposal := types.NewProposal(block.Height, round, polRound, block.Hash())
	proposal.Proposer = vs.Address()
	require.NoError(t, vs.pv.SignProposal(testChainID, proposal))
	return proposal
}

// newValidators returns n validators of equal power sorted by address.
func newValidators(n int) ([]validatorStub, *types.ValidatorSet) {
	stubs := make([]validatorStub, n)
	infos := make([]types.ValidatorInfo, n)
	for i := range stubs {
		stubs[i] = validatorStub{pv: types.NewMockPV()}
	}
	sort.Slice(stubs, func(i, j int) bool {
		return bytes.Compare(stubs[i].Address(), stubs[j].Address()) < 0
	})
	for i, vs := range stubs {
		infos[i] = types.NewValidatorInfo(vs.Address(), 10)
	}
	return stubs, types.NewValidatorSet(infos, n, nil)
}

func stubByAddress(stubs []validatorStub, addr types.Address) validatorStub {
	for _, vs := range stubs {
		if vs.Address().Equal(addr) {
			return vs
		}
	}
	panic("unknown validator")
}

// othersThan returns the validators whose address is not in addrs.
func othersThan(stubs []validatorStub, addrs ...types.Address) []validatorStub {
	var others []validatorStub
OUTER:
	for _, vs := range stubs {
		for _, addr := range addrs {
			if vs.Address().Equal(addr) {
				continue OUTER
			}
		}
		others = append(others, vs)
	}
	return others
}

func genesisState(vals *types.ValidatorSet) sm.State {
	return sm.State{
		ChainID:         testChainID,
		ConsensusParams: types.DefaultConsensusParams(),
		LastBlock: &types.Header{
			ChainID:   testChainID,
			Height:    0,
			Timestamp: time.Unix(1600000000, 0).UTC(),
			GasLimit:  10000000,
		},
		Validators: vals,
	}
}

func makeTestBlock(parent *types.Header, proposer types.Address, offset time.Duration) *types.Block {
	return types.MakeBlock(parent, proposer, parent.Timestamp.Add(time.Second+offset), nil, nil)
}

//-----------------------------------------------------------------------------
// fakes

type fakeBlockExec struct{}

func (fakeBlockExec) PreValidate(parent *types.Header, block *types.Block) error {
	if !bytes.Equal(block.ParentHash, parent.Hash()) {
		return sm.ErrInvalidParent
	}
	return nil
}

func (fakeBlockExec) Execute(*types.Header, *types.Block, bool) (*sm.ExecutionResult, error) {
	return nil, nil
}

// fakeBlockSource serves fixed blocks by parent hash. Unknown parents wait
// for the context.
type fakeBlockSource struct {
	mtx    sync.Mutex
	blocks map[string]*types.Block
}

func newFakeBlockSource(blocks ...*types.Block) *fakeBlockSource {
	bs := &fakeBlockSource{blocks: make(map[string]*types.Block)}
	for _, b := range blocks {
		bs.blocks[string(b.ParentHash)] = b
	}
	return bs
}

func (bs *fakeBlockSource) DirectlyGetPendingBlock(parentHash []byte) *types.Block {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()
	return bs.blocks[string(parentHash)]
}

func (bs *fakeBlockSource) GetPendingBlock(ctx context.Context, parentHash []byte) (*types.Block, error) {
	if b := bs.DirectlyGetPendingBlock(parentHash); b != nil {
		return b, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

// fakeCommitter accepts every block unless err is set.
type fakeCommitter struct {
	mtx     sync.Mutex
	err     error
	blocks  []*types.Block
	commits []*types.Commit
	chainID string
	vals    *types.ValidatorSet
}

func (c *fakeCommitter) ProcessBlock(ctx context.Context, block *types.Block, commit *types.Commit, skip bool) (*sm.CommitResult, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.blocks = append(c.blocks, block)
	c.commits = append(c.commits, commit)
	vals := c.vals.Copy()
	vals.UpdateProposerPriority(block.Proposer)
	return &sm.CommitResult{
		State: sm.State{
			ChainID:         c.chainID,
			ConsensusParams: types.DefaultConsensusParams(),
			LastBlock:       block.Header.Copy(),
			Validators:      vals,
		},
		HeadChanged: true,
	}, nil
}

func (c *fakeCommitter) committed() []*types.Block {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]*types.Block(nil), c.blocks...)
}

type conflictReport struct {
	voteA, voteB *types.Vote
}

type fakeEvidencePool struct {
	mtx       sync.Mutex
	checked   int
	conflicts []conflictReport
	added     []types.Evidence
	checkErr  error
}

func (p *fakeEvidencePool) CheckVote(vote *types.Vote) (types.Evidence, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.checked++
	return nil, p.checkErr
}

func (p *fakeEvidencePool) ReportConflictingVotes(voteA, voteB *types.Vote) (types.Evidence, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.conflicts = append(p.conflicts, conflictReport{voteA, voteB})
	return nil, nil
}

func (p *fakeEvidencePool) CheckEvidence(types.EvidenceList) error {
	return nil
}

func (p *fakeEvidencePool) AddEvidence(ev types.Evidence) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.added = append(p.added, ev)
	return nil
}

func (p *fakeEvidencePool) addedEvidence() []types.Evidence {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return append([]types.Evidence(nil), p.added...)
}

// recordingBroadcaster keeps everything the state machine sends out.
type recordingBroadcaster struct {
	mtx       sync.Mutex
	proposals []*types.Proposal
	votes     []*types.Vote
	evidence  []types.Evidence
	requests  [][2]int64
}

func (b *recordingBroadcaster) GossipProposal(proposal *types.Proposal, block *types.Block) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.proposals = append(b.proposals, proposal)
}

func (b *recordingBroadcaster) GossipVote(vote *types.Vote) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.votes = append(b.votes, vote)
}

func (b *recordingBroadcaster) GossipEvidence(ev types.Evidence) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.evidence = append(b.evidence, ev)
}

func (b *recordingBroadcaster) RequestBlockRange(peerID p2p.ID, from, to int64) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.requests = append(b.requests, [2]int64{from, to})
}

func (b *recordingBroadcaster) calls() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.proposals) + len(b.votes) + len(b.evidence) + len(b.requests)
}

func (b *recordingBroadcaster) lastProposal() *types.Proposal {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if len(b.proposals) == 0 {
		return nil
	}
	return b.proposals[len(b.proposals)-1]
}

// manualTicker records scheduled timeouts and never fires. Tests deliver
// them through handleTimeout.
type manualTicker struct {
	mtx       sync.Mutex
	scheduled []timeoutInfo
	tockChan  chan timeoutInfo
}

func newManualTicker() *manualTicker {
	return &manualTicker{tockChan: make(chan timeoutInfo)}
}

func (mt *manualTicker) Start() error             { return nil }
func (mt *manualTicker) Stop() error              { return nil }
func (mt *manualTicker) Chan() <-chan timeoutInfo { return mt.tockChan }
func (mt *manualTicker) SetLogger(log.Logger)     {}

func (mt *manualTicker) ScheduleTimeout(ti timeoutInfo) {
	mt.mtx.Lock()
	defer mt.mtx.Unlock()
	mt.scheduled = append(mt.scheduled, ti)
}

func (mt *manualTicker) find(round int32, step cstypes.RoundStepType) (timeoutInfo, bool) {
	mt.mtx.Lock()
	defer mt.mtx.Unlock()
	for i := len(mt.scheduled) - 1; i >= 0; i-- {
		if ti := mt.scheduled[i]; ti.Round == round && ti.Step == step {
			return ti, true
		}
	}
	return timeoutInfo{}, false
}

// scaledTicker runs a real ticker on durations shrunk by factor and records
// the requested ones.
type scaledTicker struct {
	TimeoutTicker
	manual *manualTicker
	factor time.Duration
}

func newScaledTicker(factor time.Duration) *scaledTicker {
	return &scaledTicker{
		TimeoutTicker: NewTimeoutTicker(),
		manual:        newManualTicker(),
		factor:        factor,
	}
}

func (st *scaledTicker) ScheduleTimeout(ti timeoutInfo) {
	st.manual.ScheduleTimeout(ti)
	ti.Duration /= st.factor
	st.TimeoutTicker.ScheduleTimeout(ti)
}

//-----------------------------------------------------------------------------

type testHarness struct {
	cs          *ConsensusState
	stubs       []validatorStub
	vals        *types.ValidatorSet
	local       validatorStub
	wal         *DBWAL
	walDB       dbm.DB
	blockSource *fakeBlockSource
	committer   *fakeCommitter
	evpool      *fakeEvidencePool
	broadcaster *recordingBroadcaster
}

// newTestHarness builds a ConsensusState for height 1 of a four validator
// chain. pick chooses the local validator.
func newTestHarness(
	t *testing.T,
	config *cfg.ConsensusConfig,
	ticker TimeoutTicker,
	pick func(vals *types.ValidatorSet, stubs []validatorStub) validatorStub,
	blocks ...*types.Block,
) *testHarness {
	stubs, vals := newValidators(4)
	local := pick(vals, stubs)
	return newTestHarnessWith(t, config, ticker, stubs, vals, local, dbm.NewMemDB(), blocks...)
}

func newTestHarnessWith(
	t *testing.T,
	config *cfg.ConsensusConfig,
	ticker TimeoutTicker,
	stubs []validatorStub,
	vals *types.ValidatorSet,
	local validatorStub,
	walDB dbm.DB,
	blocks ...*types.Block,
) *testHarness {
	wal, err := NewDBWAL(walDB)
	require.NoError(t, err)

	h := &testHarness{
		stubs:       stubs,
		vals:        vals,
		local:       local,
		wal:         wal,
		walDB:       walDB,
		blockSource: newFakeBlockSource(blocks...),
		committer:   &fakeCommitter{chainID: testChainID, vals: vals},
		evpool:      &fakeEvidencePool{},
		broadcaster: &recordingBroadcaster{},
	}
	h.cs = NewConsensusState(
		config,
		genesisState(vals),
		fakeBlockExec{},
		h.blockSource,
		h.committer,
		h.evpool,
		wal,
		WithTimeoutTicker(ticker),
		WithPrivValidator(local.pv),
	)
	h.cs.SetBroadcaster(h.broadcaster)
	h.cs.SetLogger(log.TestingLogger())
	return h
}

func (h *testHarness) genesis() *types.Header {
	return h.cs.GetState().LastBlock
}

// deliver feeds a peer message through the receive path synchronously.
func (h *testHarness) deliver(msg Message) {
	h.cs.handleMsg(msgInfo{Msg: msg, PeerID: "peer"})
}

// drain processes the queued own messages.
func (h *testHarness) drain() {
	for {
		select {
		case mi := <-h.cs.internalMsgQueue:
			h.cs.handleMsg(mi)
		default:
			return
		}
	}
}

func (h *testHarness) timeout(ti timeoutInfo) {
	h.cs.handleTimeout(ti)
	h.drain()
}

func (h *testHarness) enterNewRound(height int64, round int32) {
	h.cs.mtx.Lock()
	h.cs.enterNewRound(height, round)
	h.cs.mtx.Unlock()
	h.drain()
}

func (h *testHarness) vote(t *testing.T, stubs []validatorStub, typ types.SignedMsgType, round int32, hash []byte) {
	for _, vs := range stubs {
		h.deliver(&VoteMessage{Vote: vs.signVote(t, typ, 1, round, hash)})
	}
	h.drain()
}

func notProposerOf(rounds ...int32) func(*types.ValidatorSet, []validatorStub) validatorStub {
	return func(vals *types.ValidatorSet, stubs []validatorStub) validatorStub {
		var proposers []types.Address
		for _, r := range rounds {
			proposers = append(proposers, vals.CopyIncrementProposerPriority(r).Proposer())
		}
		return othersThan(stubs, proposers...)[0]
	}
}

func proposerOf(round int32) func(*types.ValidatorSet, []validatorStub) validatorStub {
	return func(vals *types.ValidatorSet, stubs []validatorStub) validatorStub {
		return stubByAddress(stubs, vals.CopyIncrementProposerPriority(round).Proposer())
	}
}
