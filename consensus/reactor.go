package consensus

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	tmrand "github.com/tendermint/tendermint/libs/rand"
	"github.com/tendermint/tendermint/p2p"

	"github.com/wangzhecodingfy/rei/evidence"
	"github.com/wangzhecodingfy/rei/types"
)

const (
	ProposalChannel  = byte(0x21)
	VoteChannel      = byte(0x22)
	EvidenceChannel  = byte(0x38)
	BlockSyncChannel = byte(0x40)

	maxMsgSize = 10485760 // 10MB; a proposal carries the whole block
)

// EvidenceAdder receives evidence gossiped by peers.
type EvidenceAdder interface {
	AddEvidence(ev types.Evidence) error
}

// BlockLoader serves committed blocks to peers that fell behind.
type BlockLoader interface {
	Height() int64
	LoadBlock(height int64) *types.Block
	LoadCommit(height int64) *types.Commit
}

// Reactor connects the ConsensusState to the p2p network. It gossips every
// accepted proposal, vote and evidence to all peers and answers block range
// requests from the block store.
type Reactor struct {
	p2p.BaseReactor

	conS       *ConsensusState
	evpool     EvidenceAdder
	blockStore BlockLoader
}

var _ Broadcaster = (*Reactor)(nil)

// NewReactor returns a new Reactor and registers it as the broadcaster of
// consensusState.
func NewReactor(consensusState *ConsensusState, evpool EvidenceAdder, blockStore BlockLoader) *Reactor {
	conR := &Reactor{
		conS:       consensusState,
		evpool:     evpool,
		blockStore: blockStore,
	}
	conR.BaseReactor = *p2p.NewBaseReactor("Consensus", conR)
	consensusState.SetBroadcaster(conR)
	return conR
}

// SetLogger sets the Logger on the reactor and the underlying ConsensusState.
func (conR *Reactor) SetLogger(l log.Logger) {
	conR.Logger = l
	conR.conS.SetLogger(l)
}

// OnStart implements BaseService by starting the ConsensusState.
func (conR *Reactor) OnStart() error {
	conR.Logger.Info("Reactor started")
	if !conR.conS.IsRunning() {
		return conR.conS.Start()
	}
	return nil
}

// OnStop implements BaseService by stopping the ConsensusState.
func (conR *Reactor) OnStop() {
	if err := conR.conS.Stop(); err != nil {
		conR.Logger.Error("Error stopping consensus state", "err", err)
	}
}

// GetChannels implements Reactor
func (conR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                  ProposalChannel,
			Priority:            6,
			SendQueueCapacity:   100,
			RecvMessageCapacity: maxMsgSize,
		},
		{
			ID:                  VoteChannel,
			Priority:            7,
			SendQueueCapacity:   100,
			RecvBufferCapacity:  100 * 100,
			RecvMessageCapacity: maxMsgSize,
		},
		{
			ID:                  EvidenceChannel,
			Priority:            5,
			RecvMessageCapacity: maxMsgSize,
		},
		{
			ID:                  BlockSyncChannel,
			Priority:            1,
			SendQueueCapacity:   maxBlockRange,
			RecvMessageCapacity: maxMsgSize,
		},
	}
}

// AddPeer implements Reactor
func (conR *Reactor) AddPeer(peer p2p.Peer) {
	conR.Logger.Debug("Added peer", "peer", peer.ID())
}

// RemovePeer implements Reactor
func (conR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
	conR.Logger.Debug("Removed peer", "peer", peer.ID(), "reason", reason)
}

// Receive implements Reactor
// Peers sending undecodable or invalid messages are disconnected.
func (conR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	if !conR.IsRunning() {
		conR.Logger.Debug("Receive", "src", src, "chId", chID, "bytes", msgBytes)
		return
	}

	msg, err := decodeMsg(msgBytes)
	if err != nil {
		conR.Logger.Error("Error decoding message", "src", src, "chId", chID, "err", err)
		conR.Switch.StopPeerForError(src, err)
		return
	}
	if err = msg.ValidateBasic(); err != nil {
		conR.Logger.Error("Peer sent us invalid msg", "peer", src, "msg", msg, "err", err)
		conR.Switch.StopPeerForError(src, err)
		return
	}
	conR.Logger.Debug("Receive", "src", src, "chId", chID, "msg", msg)

	switch chID {
	case ProposalChannel:
		switch msg := msg.(type) {
		case *ProposalMessage:
			conR.conS.AddMessage(msg, src.ID())
		default:
			conR.unexpectedMsg(chID, src, msg)
		}

	case VoteChannel:
		switch msg := msg.(type) {
		case *VoteMessage:
			conR.conS.AddMessage(msg, src.ID())
		default:
			conR.unexpectedMsg(chID, src, msg)
		}

	case EvidenceChannel:
		switch msg := msg.(type) {
		case *EvidenceMessage:
			conR.receiveEvidence(src, msg.Evidence)
		default:
			conR.unexpectedMsg(chID, src, msg)
		}

	case BlockSyncChannel:
		switch msg := msg.(type) {
		case *BlockRangeRequestMessage:
			conR.serveBlockRange(src, msg)
		case *BlockResponseMessage:
			conR.conS.AddMessage(msg, src.ID())
		default:
			conR.unexpectedMsg(chID, src, msg)
		}

	default:
		conR.Logger.Error(fmt.Sprintf("Unknown chId %X", chID))
	}
}

func (conR *Reactor) unexpectedMsg(chID byte, src p2p.Peer, msg Message) {
	conR.Switch.StopPeerForError(src, fmt.Errorf("unexpected message %T on channel %X", msg, chID))
}

func (conR *Reactor) receiveEvidence(src p2p.Peer, ev types.Evidence) {
	err := conR.evpool.AddEvidence(ev)
	switch {
	case err == nil:
	case errors.Is(err, evidence.ErrEvidenceAlreadyKnown), errors.Is(err, evidence.ErrEvidenceExpired):
		conR.Logger.Debug("Ignoring evidence", "evidence", ev, "err", err)
	default:
		var invalid *evidence.ErrInvalidEvidence
		if errors.As(err, &invalid) {
			conR.Logger.Error("Peer sent us invalid evidence", "peer", src, "evidence", ev, "err", err)
			conR.Switch.StopPeerForError(src, err)
			return
		}
		conR.Logger.Info("Could not add evidence", "evidence", ev, "err", err)
	}
}

// serveBlockRange sends the committed blocks of the requested range we
// have, in order.
func (conR *Reactor) serveBlockRange(src p2p.Peer, req *BlockRangeRequestMessage) {
	to := req.To
	if h := conR.blockStore.Height(); h < to {
		to = h
	}
	for height := req.From; height <= to; height++ {
		block := conR.blockStore.LoadBlock(height)
		commit := conR.blockStore.LoadCommit(height)
		if block == nil || commit == nil {
			return
		}
		bz, err := encodeMsg(&BlockResponseMessage{Block: block, Commit: commit})
		if err != nil {
			conR.Logger.Error("Failed to encode block response", "height", height, "err", err)
			return
		}
		if !src.Send(BlockSyncChannel, bz) {
			return
		}
	}
}

//-----------------------------------------------------------------------------
// Broadcaster

func (conR *Reactor) GossipProposal(proposal *types.Proposal, block *types.Block) {
	conR.broadcast(ProposalChannel, &ProposalMessage{Proposal: proposal, Block: block})
}

func (conR *Reactor) GossipVote(vote *types.Vote) {
	conR.broadcast(VoteChannel, &VoteMessage{Vote: vote})
}

func (conR *Reactor) GossipEvidence(ev types.Evidence) {
	conR.broadcast(EvidenceChannel, &EvidenceMessage{Evidence: ev})
}

// RequestBlockRange asks peerID, or any peer if it is gone, for the blocks
// in [from, to].
func (conR *Reactor) RequestBlockRange(peerID p2p.ID, from, to int64) {
	if conR.Switch == nil {
		return
	}
	peer := conR.Switch.Peers().Get(peerID)
	if peer == nil {
		peers := conR.Switch.Peers().List()
		if len(peers) == 0 {
			return
		}
		peer = peers[tmrand.Intn(len(peers))]
	}
	bz, err := encodeMsg(&BlockRangeRequestMessage{From: from, To: to})
	if err != nil {
		conR.Logger.Error("Failed to encode block range request", "err", err)
		return
	}
	peer.TrySend(BlockSyncChannel, bz)
}

func (conR *Reactor) broadcast(chID byte, msg Message) {
	if conR.Switch == nil {
		return
	}
	bz, err := encodeMsg(msg)
	if err != nil {
		conR.Logger.Error("Failed to encode message", "msg", msg, "err", err)
		return
	}
	conR.Switch.Broadcast(chID, bz)
}
